// Package wire implements the byte-tag-multiplexed request/response
// framing that rides over a single queue pair, per the external
// interfaces table: a one-byte type tag, fixed-width little-endian
// multibyte integers, and varint-length-prefixed strings. CompactionRequest
// gets a self-describing encoding since its shape (three FileMetaData
// vectors, guide/subrange vectors) can't be expressed as a fixed layout.
package wire

// RequestTag is the one-byte discriminator prefixed to every frame posted
// on a queue pair.
type RequestTag byte

const (
	TagReadDataBlock          RequestTag = 'a'
	TagWriteDataBlocks        RequestTag = 'b'
	TagReplicateLogRecord     RequestTag = 'c'
	TagCloseLogFile           RequestTag = 'd'
	TagDeleteTables           RequestTag = 'e'
	TagReadDCStats            RequestTag = 'f'
	TagQueryLogFiles          RequestTag = 'g'
	TagReadLogFile            RequestTag = 'h'
	TagFilenameRTableMapping  RequestTag = 'i'
	TagAllocateLogBuffer      RequestTag = 'j'
	TagAllocateSSTableBuffer  RequestTag = 'k'
	TagDeleteLogFile          RequestTag = 'l'
	TagPersistSSTableBuffer   RequestTag = 'p'
	TagCompactionRequest      RequestTag = 'C'
	TagCompactionResponse     RequestTag = 'R'
)

// Response tags, also of type RequestTag. Most operations answer with
// TagAck; TagAllocFailed and TagGone report failures. A compaction
// answers with TagCompactionResponse instead.
const (
	TagAck            RequestTag = 'z'
	TagAllocFailed    RequestTag = 'n'
	TagGone           RequestTag = 'o'
)

func (t RequestTag) String() string {
	return string(rune(t))
}
