package rtable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupIndexInsertLookup(t *testing.T) {
	idx := NewLookupIndex(64)

	_, ok := idx.Lookup([]byte("key-a"))
	assert.False(t, ok, "unoccupied slot should report not-found")

	idx.Insert([]byte("key-a"), 7)
	got, ok := idx.Lookup([]byte("key-a"))
	require.True(t, ok)
	assert.Equal(t, uint32(7), got)
}

func TestLookupIndexCASSingleWinner(t *testing.T) {
	idx := NewLookupIndex(64)
	idx.Insert([]byte("key-b"), 1)

	var wg sync.WaitGroup
	wins := make([]bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i] = idx.CAS([]byte("key-b"), 1, uint32(100+i))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent CAS against the same old value should win")
}

func TestLookupIndexEncodeDecodeRoundTrip(t *testing.T) {
	idx := NewLookupIndex(16)
	idx.Insert([]byte("a"), 1)
	idx.Insert([]byte("b"), 2)
	idx.Insert([]byte("c"), 3)

	encoded := idx.Encode()

	restored := NewLookupIndex(16)
	restored.Decode(encoded)

	for _, k := range []string{"a", "b", "c"} {
		want, _ := idx.Lookup([]byte(k))
		got, ok := restored.Lookup([]byte(k))
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestWriteStateAdvanceMonotone(t *testing.T) {
	var s WriteState
	require.NoError(t, s.Advance(WriteWaitForAlloc))
	require.NoError(t, s.Advance(WriteAllocSuccess))
	require.NoError(t, s.Advance(WriteWaitForWrite))
	require.NoError(t, s.Advance(WriteSuccess))
	assert.Equal(t, WriteSuccess, s)

	err := s.Advance(WriteWaitForAlloc)
	assert.Error(t, err, "regressing a write state must be rejected")
}

func TestFileMetaDataBlockSplit(t *testing.T) {
	f := FileMetaData{
		Blocks: []RTableHandle{
			{RTableID: 1, Offset: 0, Size: 100},
			{RTableID: 1, Offset: 100, Size: 100},
			{RTableID: 1, Offset: 200, Size: 40}, // meta chunk
		},
	}
	meta, ok := f.MetaHandle()
	require.True(t, ok)
	assert.Equal(t, uint64(200), meta.Offset)
	assert.Len(t, f.DataHandles(), 2)
}
