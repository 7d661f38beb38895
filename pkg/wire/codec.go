package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/novalsm/ccstoc/pkg/rtable"
)

// Frame is one decoded wire message: a tag byte, the correlating request
// id, an optional immediate value (used the way RDMA immediate-data
// carries a small out-of-band scalar alongside a completion), and the
// tag-specific payload.
type Frame struct {
	Tag       RequestTag
	RequestID uint64
	Immediate uint32
	Payload   []byte
}

// WriteFrame serializes f as [tag byte][reqID u64le][immediate u32le]
// [payload length varint][payload bytes] and writes it to w.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [13]byte
	hdr[0] = byte(f.Tag)
	binary.LittleEndian.PutUint64(hdr[1:9], f.RequestID)
	binary.LittleEndian.PutUint32(hdr[9:13], f.Immediate)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(f.Payload)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return fmt.Errorf("wire: write payload length: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame decodes one frame from r, the inverse of WriteFrame.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var hdr [13]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	f := Frame{
		Tag:       RequestTag(hdr[0]),
		RequestID: binary.LittleEndian.Uint64(hdr[1:9]),
		Immediate: binary.LittleEndian.Uint32(hdr[9:13]),
	}
	plen, err := binary.ReadUvarint(r)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: read payload length: %w", err)
	}
	if plen > 0 {
		f.Payload = make([]byte, plen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, fmt.Errorf("wire: read payload: %w", err)
		}
	}
	return f, nil
}

// PutString appends a varint-length-prefixed string to buf.
func PutString(buf []byte, s string) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, s...)
}

// GetString reads a varint-length-prefixed string, returning the string
// and the remaining bytes.
func GetString(buf []byte) (string, []byte, error) {
	n, rest, err := getUvarint(buf)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(rest)) < n {
		return "", nil, fmt.Errorf("wire: truncated string, want %d have %d", n, len(rest))
	}
	return string(rest[:n]), rest[n:], nil
}

func getUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, fmt.Errorf("wire: malformed varint")
	}
	return v, buf[n:], nil
}

// PutStringVector appends a count-prefixed vector of strings to buf,
// the QUERY_LOG_FILES_RESPONSE payload shape.
func PutStringVector(buf []byte, ss []string) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(ss)))
	buf = append(buf, tmp[:n]...)
	for _, s := range ss {
		buf = PutString(buf, s)
	}
	return buf
}

// GetStringVector decodes a vector written by PutStringVector.
func GetStringVector(buf []byte) ([]string, []byte, error) {
	count, rest, err := getUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	out := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		var s string
		s, rest, err = GetString(rest)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, s)
	}
	return out, rest, nil
}

// handleWireSize is the encoded length of one RTableHandle: server id
// and rtable id as u32, offset and size as u64.
const handleWireSize = 4 + 4 + 8 + 8

// PutHandle appends an RTableHandle as four fixed-width little-endian
// fields.
func PutHandle(buf []byte, h rtable.RTableHandle) []byte {
	var tmp [handleWireSize]byte
	binary.LittleEndian.PutUint32(tmp[0:4], uint32(h.ServerID))
	binary.LittleEndian.PutUint32(tmp[4:8], h.RTableID)
	binary.LittleEndian.PutUint64(tmp[8:16], h.Offset)
	binary.LittleEndian.PutUint64(tmp[16:24], h.Size)
	return append(buf, tmp[:]...)
}

// GetHandle decodes an RTableHandle written by PutHandle.
func GetHandle(buf []byte) (rtable.RTableHandle, []byte, error) {
	if len(buf) < handleWireSize {
		return rtable.RTableHandle{}, nil, fmt.Errorf("wire: truncated handle")
	}
	h := rtable.RTableHandle{
		ServerID: rtable.ServerID(binary.LittleEndian.Uint32(buf[0:4])),
		RTableID: binary.LittleEndian.Uint32(buf[4:8]),
		Offset:   binary.LittleEndian.Uint64(buf[8:16]),
		Size:     binary.LittleEndian.Uint64(buf[16:24]),
	}
	return h, buf[handleWireSize:], nil
}
