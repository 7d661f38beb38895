package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{
		Tag:       TagWriteDataBlocks,
		RequestID: 42,
		Immediate: 7,
		Payload:   []byte("hello block"),
	}
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHandleRoundTrip(t *testing.T) {
	h := rtable.RTableHandle{ServerID: 3, RTableID: 9, Offset: 1024, Size: 4096}
	buf := PutHandle(nil, h)
	got, rest, err := GetHandle(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, h, got)
}

func TestCompactionRequestRoundTrip(t *testing.T) {
	req := rtable.CompactionRequest{
		SourceLevel:      0,
		TargetLevel:      1,
		SmallestSnapshot: 99,
		SourceFiles: []rtable.FileMetaData{
			{
				DBName:      "db0",
				FileNumber:  1,
				SmallestKey: []byte("a"),
				LargestKey:  []byte("m"),
				FileSize:    2048,
				Blocks: []rtable.RTableHandle{
					{ServerID: 1, RTableID: 1, Offset: 0, Size: 1024},
					{ServerID: 1, RTableID: 1, Offset: 1024, Size: 1024},
				},
			},
		},
		TargetFiles: []rtable.FileMetaData{},
		Guides:      [][]byte{[]byte("g1"), []byte("g2")},
		Subranges:   [][]byte{[]byte("s1")},
	}

	encoded := EncodeCompactionRequest(req)
	decoded, err := DecodeCompactionRequest(encoded)
	require.NoError(t, err)

	assert.Equal(t, req.SourceLevel, decoded.SourceLevel)
	assert.Equal(t, req.TargetLevel, decoded.TargetLevel)
	assert.Equal(t, req.SmallestSnapshot, decoded.SmallestSnapshot)
	require.Len(t, decoded.SourceFiles, 1)
	assert.Equal(t, req.SourceFiles[0].DBName, decoded.SourceFiles[0].DBName)
	assert.Equal(t, req.SourceFiles[0].Blocks, decoded.SourceFiles[0].Blocks)
	assert.Equal(t, req.Guides, decoded.Guides)
	assert.Equal(t, req.Subranges, decoded.Subranges)
}
