package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/novalsm/ccstoc/pkg/rtable"
)

// EncodeCompactionRequest produces the self-describing byte layout for a
// CompactionRequest: every vector is length-prefixed so the decoder never
// needs to know field counts ahead of time, mirroring the original
// implementation's EncodeRequest/DecodeRequest pair.
func EncodeCompactionRequest(req rtable.CompactionRequest) []byte {
	buf := make([]byte, 0, 256)
	var tmp [8]byte

	binary.LittleEndian.PutUint32(tmp[0:4], uint32(req.SourceLevel))
	buf = append(buf, tmp[0:4]...)
	binary.LittleEndian.PutUint32(tmp[0:4], uint32(req.TargetLevel))
	buf = append(buf, tmp[0:4]...)
	binary.LittleEndian.PutUint64(tmp[:], req.SmallestSnapshot)
	buf = append(buf, tmp[:]...)

	buf = encodeFileMetaVector(buf, req.SourceFiles)
	buf = encodeFileMetaVector(buf, req.TargetFiles)
	buf = encodeByteVectorVector(buf, req.Guides)
	buf = encodeByteVectorVector(buf, req.Subranges)
	buf = encodeFileMetaVector(buf, req.Outputs)

	return buf
}

// DecodeCompactionRequest is the inverse of EncodeCompactionRequest.
func DecodeCompactionRequest(buf []byte) (rtable.CompactionRequest, error) {
	var req rtable.CompactionRequest
	if len(buf) < 16 {
		return req, fmt.Errorf("wire: truncated compaction request header")
	}
	req.SourceLevel = int(binary.LittleEndian.Uint32(buf[0:4]))
	req.TargetLevel = int(binary.LittleEndian.Uint32(buf[4:8]))
	req.SmallestSnapshot = binary.LittleEndian.Uint64(buf[8:16])
	rest := buf[16:]

	var err error
	req.SourceFiles, rest, err = decodeFileMetaVector(rest)
	if err != nil {
		return req, err
	}
	req.TargetFiles, rest, err = decodeFileMetaVector(rest)
	if err != nil {
		return req, err
	}
	req.Guides, rest, err = decodeByteVectorVector(rest)
	if err != nil {
		return req, err
	}
	req.Subranges, rest, err = decodeByteVectorVector(rest)
	if err != nil {
		return req, err
	}
	req.Outputs, _, err = decodeFileMetaVector(rest)
	if err != nil {
		return req, err
	}
	return req, nil
}

func encodeFileMetaVector(buf []byte, files []rtable.FileMetaData) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[0:4], uint32(len(files)))
	buf = append(buf, tmp[0:4]...)
	for _, f := range files {
		buf = PutString(buf, f.DBName)
		binary.LittleEndian.PutUint64(tmp[:], f.FileNumber)
		buf = append(buf, tmp[:]...)
		buf = PutString(buf, string(f.SmallestKey))
		buf = PutString(buf, string(f.LargestKey))
		binary.LittleEndian.PutUint64(tmp[:], f.FileSize)
		buf = append(buf, tmp[:]...)

		binary.LittleEndian.PutUint32(tmp[0:4], uint32(len(f.Blocks)))
		buf = append(buf, tmp[0:4]...)
		for _, h := range f.Blocks {
			buf = PutHandle(buf, h)
		}
	}
	return buf
}

func decodeFileMetaVector(buf []byte) ([]rtable.FileMetaData, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated file meta vector count")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	rest := buf[4:]
	files := make([]rtable.FileMetaData, 0, count)
	for i := uint32(0); i < count; i++ {
		var f rtable.FileMetaData
		var err error
		f.DBName, rest, err = GetString(rest)
		if err != nil {
			return nil, nil, err
		}
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("wire: truncated file number")
		}
		f.FileNumber = binary.LittleEndian.Uint64(rest[0:8])
		rest = rest[8:]

		var smallest, largest string
		smallest, rest, err = GetString(rest)
		if err != nil {
			return nil, nil, err
		}
		f.SmallestKey = []byte(smallest)
		largest, rest, err = GetString(rest)
		if err != nil {
			return nil, nil, err
		}
		f.LargestKey = []byte(largest)

		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("wire: truncated file size")
		}
		f.FileSize = binary.LittleEndian.Uint64(rest[0:8])
		rest = rest[8:]

		if len(rest) < 4 {
			return nil, nil, fmt.Errorf("wire: truncated block count")
		}
		blockCount := binary.LittleEndian.Uint32(rest[0:4])
		rest = rest[4:]
		f.Blocks = make([]rtable.RTableHandle, 0, blockCount)
		for j := uint32(0); j < blockCount; j++ {
			var h rtable.RTableHandle
			h, rest, err = GetHandle(rest)
			if err != nil {
				return nil, nil, err
			}
			f.Blocks = append(f.Blocks, h)
		}
		files = append(files, f)
	}
	return files, rest, nil
}

func encodeByteVectorVector(buf []byte, vecs [][]byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(vecs)))
	buf = append(buf, tmp[:]...)
	for _, v := range vecs {
		buf = PutString(buf, string(v))
	}
	return buf
}

func decodeByteVectorVector(buf []byte) ([][]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated byte-vector-vector count")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	rest := buf[4:]
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var s string
		var err error
		s, rest, err = GetString(rest)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, []byte(s))
	}
	return out, rest, nil
}
