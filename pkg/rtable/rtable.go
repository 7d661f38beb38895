// Package rtable holds the compute-side data model for remote SSTable
// storage: weak references into StoC-owned byte ranges, the file metadata
// that strings them together, and the write-in-flight bookkeeping used
// while a file is still being persisted.
package rtable

import "fmt"

// ServerID identifies a StoC node. Opaque to everything above the wire
// layer; StoC nodes are not addressed by hostname in the hot path.
type ServerID uint32

// RTableHandle is an immutable weak reference to a byte range owned by a
// StoC. It carries no payload — only coordinates. Two handles referring to
// the same (ServerID, RTableID) range are interchangeable.
type RTableHandle struct {
	ServerID ServerID
	RTableID uint32
	Offset   uint64
	Size     uint64
}

func (h RTableHandle) String() string {
	return fmt.Sprintf("rtable(server=%d,id=%d,off=%d,size=%d)", h.ServerID, h.RTableID, h.Offset, h.Size)
}

// IsZero reports whether h is the zero-value handle, used as the sentinel
// for "allocation failed, retry" per the dispatcher's error model.
func (h RTableHandle) IsZero() bool {
	return h == RTableHandle{}
}

// FileMetaData is the compute-side handle for one SSTable: an ordered list
// of RTableHandles covering first the data blocks, in the order they were
// written, then the trailing meta/footer chunk.
type FileMetaData struct {
	DBName      string
	FileNumber  uint64
	SmallestKey []byte
	LargestKey  []byte
	FileSize    uint64

	// Blocks holds every RTableHandle belonging to this file, in byte
	// order: data chunks first, then exactly one meta chunk last.
	Blocks []RTableHandle
}

// MetaHandle returns the trailing meta/footer chunk handle, which is
// always the last entry in Blocks.
func (f *FileMetaData) MetaHandle() (RTableHandle, bool) {
	if len(f.Blocks) == 0 {
		return RTableHandle{}, false
	}
	return f.Blocks[len(f.Blocks)-1], true
}

// DataHandles returns every handle except the trailing meta chunk.
func (f *FileMetaData) DataHandles() []RTableHandle {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[:len(f.Blocks)-1]
}

// PersistStatus tracks one chunk's write-in-flight state while a
// FileMetaData is still being assembled by a Writer: which StoC it was
// sent to, which request id it travelled under, and the handle the StoC
// eventually returns once the chunk is durable.
type PersistStatus struct {
	ServerID  ServerID
	RequestID uint64
	Handle    RTableHandle
	IsMeta    bool
}

// Done reports whether the StoC has returned a non-zero handle for this
// chunk. A zero handle after the request completed means allocation
// failed and the chunk must be retried against a different StoC.
func (p *PersistStatus) Done() bool {
	return !p.Handle.IsZero()
}

// WriteState is the per-replica state machine driven by the log
// replicator. It only ever moves forward; a replica that regresses
// indicates a protocol violation and is treated as fatal by the caller.
type WriteState int

const (
	WriteNone WriteState = iota
	WriteWaitForAlloc
	WriteAllocSuccess
	WriteWaitForWrite
	WriteSuccess
)

func (s WriteState) String() string {
	switch s {
	case WriteNone:
		return "NONE"
	case WriteWaitForAlloc:
		return "WAIT_FOR_ALLOC"
	case WriteAllocSuccess:
		return "ALLOC_SUCCESS"
	case WriteWaitForWrite:
		return "WAIT_FOR_WRITE"
	case WriteSuccess:
		return "WRITE_SUCCESS"
	default:
		return "UNKNOWN"
	}
}

// Advance validates a state transition is monotone and applies it,
// returning an error if next would move the state backwards.
func (s *WriteState) Advance(next WriteState) error {
	if next < *s {
		return fmt.Errorf("rtable: non-monotone write state transition %s -> %s", *s, next)
	}
	*s = next
	return nil
}

// LogRecord is one LevelDB-style write-ahead-log record replicated to
// every StoC holding a copy of a given log file.
type LogRecord struct {
	DBName     string
	MemtableID uint32
	Data       []byte
}

// CompactionRequest describes one compaction job handed to a StoC:
// source/target level, the input file sets from each level, and the
// guide/subrange boundaries the StoC uses to partition its outputs.
type CompactionRequest struct {
	SourceLevel int
	TargetLevel int

	SourceFiles []FileMetaData
	TargetFiles []FileMetaData

	Guides            [][]byte
	Subranges         [][]byte
	SmallestSnapshot  uint64

	// Outputs is populated by decoding a StoC's compaction response; it
	// is empty in a request before it has been carried out.
	Outputs []FileMetaData
}
