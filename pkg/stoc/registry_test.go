package stoc

import (
	"testing"

	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/stretchr/testify/require"
)

func TestRegistryAllocateWriteRead(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	reg, err := NewRegistry(store, rtable.ServerID(1))
	require.NoError(t, err)

	id := reg.Allocate("db0", 7, 5)
	h, err := reg.Write(id, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, rtable.ServerID(1), h.ServerID)
	require.Equal(t, uint64(0), h.Offset)
	require.Equal(t, uint64(5), h.Size)

	sub, err := reg.ReadRange(h, 1, 3)
	require.NoError(t, err)
	require.Equal(t, "ell", string(sub))

	data, err := reg.Read(h)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	require.Equal(t, 1, reg.RTableCount())
}

func TestRegistryPersistedRegionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir)
	require.NoError(t, err)

	reg, err := NewRegistry(store, rtable.ServerID(1))
	require.NoError(t, err)

	id := reg.Allocate("db0", 1, 13)
	h, err := reg.Write(id, []byte("durable-bytes"))
	require.NoError(t, err)
	require.NoError(t, reg.MarkPersisted(id))
	require.NoError(t, store.Close())

	// Reopen as if the process had restarted.
	store2, err := NewStore(dir)
	require.NoError(t, err)
	defer store2.Close()

	reg2, err := NewRegistry(store2, rtable.ServerID(1))
	require.NoError(t, err)

	data, err := reg2.Read(h)
	require.NoError(t, err)
	require.Equal(t, "durable-bytes", string(data))
	require.Equal(t, 1, reg2.RTableCount())
}

func TestRegistryGCCandidates(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	reg, err := NewRegistry(store, rtable.ServerID(1))
	require.NoError(t, err)

	id1 := reg.Allocate("db0", 1, 1)
	_, err = reg.Write(id1, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, reg.MarkPersisted(id1))

	id2 := reg.Allocate("db0", 2, 1)
	_, err = reg.Write(id2, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, reg.MarkPersisted(id2))

	// Only id2 is still referenced by a live filename.
	require.NoError(t, reg.UpdateFilenameMapping(map[string]uint32{"sst-2": id2}))

	candidates := reg.GCCandidates()
	require.Equal(t, []uint32{id1}, candidates)

	require.NoError(t, reg.Delete(candidates))
	require.Equal(t, 1, reg.RTableCount())
}

func TestRegistryReadUnknownRTableErrors(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	reg, err := NewRegistry(store, rtable.ServerID(1))
	require.NoError(t, err)

	_, err = reg.Read(rtable.RTableHandle{RTableID: 999, Size: 1})
	require.Error(t, err)
}
