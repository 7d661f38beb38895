package stoc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/novalsm/ccstoc/pkg/rtable"
)

// Registry is the in-memory half of a StoC's rtable region bookkeeping:
// which byte ranges exist, whether each is
// persisted yet, and the current filename-to-rtable-id mapping used for
// GC. Allocate and Write change only the in-memory state; MarkPersisted,
// Delete and UpdateFilenameMapping also write to the durable Store, which
// is the source of truth on restart.
type Registry struct {
	store    *Store
	serverID rtable.ServerID

	nextID atomic.Uint32

	mu        sync.RWMutex
	regions   map[uint32]*region
	fn2rtable map[string]uint32

	pendingRead  atomic.Int64
	pendingWrite atomic.Int64
}

type region struct {
	data      []byte
	meta      regionMeta
	persisted bool
}

// NewRegistry builds a Registry backed by store, replaying any regions
// it already holds (the restart-recovery path: a persisted region
// survives restart). Stored filename mappings are not replayed; the
// mapping starts empty until the next UpdateFilenameMapping.
func NewRegistry(store *Store, serverID rtable.ServerID) (*Registry, error) {
	r := &Registry{
		store:     store,
		serverID:  serverID,
		regions:   make(map[uint32]*region),
		fn2rtable: make(map[string]uint32),
	}

	var maxID uint32
	err := store.ForEachRegion(func(id uint32, meta regionMeta) error {
		data, m, err := store.GetRegion(id)
		if err != nil {
			return err
		}
		r.regions[id] = &region{data: data, meta: m, persisted: m.Persisted}
		if id > maxID {
			maxID = id
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stoc: replay regions: %w", err)
	}
	r.nextID.Store(maxID)

	return r, nil
}

// Allocate reserves a new rtable id for dbName/fileNumber, the ALLOC
// step of the SSTable write handshake. size is a capacity hint for the
// region's backing buffer (the chunk size the caller is about to
// WRITE); the region is not yet persisted, and stays that way until an
// explicit MarkPersisted — WRITE alone only makes the bytes readable,
// not durable.
func (r *Registry) Allocate(dbName string, fileNumber uint64, size uint64) uint32 {
	id := r.nextID.Add(1)
	r.mu.Lock()
	r.regions[id] = &region{
		data: make([]byte, 0, size),
		meta: regionMeta{DBName: dbName, FileNumber: fileNumber},
	}
	r.mu.Unlock()
	return id
}

// Write appends chunk to rtable id's region, returning the handle the
// LTC should record in its FileMetaData. This only makes the bytes
// locally readable; it does not persist them durably — callers that
// need durability (the trailing meta chunk of a file) follow with
// MarkPersisted, the FLUSH_SSTABLE_BUF step.
func (r *Registry) Write(id uint32, chunk []byte) (rtable.RTableHandle, error) {
	r.mu.Lock()
	reg, ok := r.regions[id]
	if !ok {
		r.mu.Unlock()
		return rtable.RTableHandle{}, fmt.Errorf("stoc: write to unallocated rtable %d", id)
	}
	offset := uint64(len(reg.data))
	reg.data = append(reg.data, chunk...)
	reg.meta.Size = uint64(len(reg.data))
	r.mu.Unlock()

	r.pendingWrite.Add(int64(len(chunk)))
	defer r.pendingWrite.Add(-int64(len(chunk)))

	return rtable.RTableHandle{
		ServerID: r.serverID,
		RTableID: id,
		Offset:   offset,
		Size:     uint64(len(chunk)),
	}, nil
}

// Read returns the bytes covered by h in full, the GONE error
// (rtableerr.Gone, surfaced by the caller at the dispatcher layer) when
// the region has since been deleted.
func (r *Registry) Read(h rtable.RTableHandle) ([]byte, error) {
	return r.ReadRange(h, 0, h.Size)
}

// ReadRange returns the n bytes starting at offset within h's range,
// i.e. absolute position h.Offset+offset in the rtable — the
// sub-block read INITIATE_RTABLE_READ_DATA_BLOCK(handle, offset, size)
// addresses. offset+n must not exceed h.Size.
func (r *Registry) ReadRange(h rtable.RTableHandle, offset, n uint64) ([]byte, error) {
	if offset > h.Size || n > h.Size-offset {
		return nil, fmt.Errorf("stoc: read range [%d,%d) exceeds handle size %d", offset, offset+n, h.Size)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.regions[h.RTableID]
	if !ok {
		return nil, fmt.Errorf("stoc: rtable %d not found", h.RTableID)
	}
	start := h.Offset + offset
	end := start + n
	if end > uint64(len(reg.data)) {
		return nil, fmt.Errorf("stoc: read range [%d,%d) exceeds rtable %d size %d", start, end, h.RTableID, len(reg.data))
	}

	r.pendingRead.Add(int64(n))
	defer r.pendingRead.Add(-int64(n))
	return reg.data[start:end], nil
}

// MarkPersisted flips id's persisted flag, called once every chunk of a
// multi-chunk file has landed (the FLUSH_SSTABLE_BUF step).
func (r *Registry) MarkPersisted(id uint32) error {
	r.mu.Lock()
	reg, ok := r.regions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("stoc: mark-persisted on unallocated rtable %d", id)
	}
	reg.persisted = true
	reg.meta.Persisted = true
	data, meta := reg.data, reg.meta
	r.mu.Unlock()
	return r.store.PutRegion(id, data, meta)
}

// Delete removes rtable ids, the DELETE_TABLES operation.
func (r *Registry) Delete(ids []uint32) error {
	for _, id := range ids {
		if err := r.store.DeleteRegion(id); err != nil {
			return fmt.Errorf("stoc: delete rtable %d: %w", id, err)
		}
	}

	r.mu.Lock()
	for _, id := range ids {
		delete(r.regions, id)
	}
	r.mu.Unlock()
	return nil
}

// UpdateFilenameMapping records the LTC's current filename-to-rtable-id
// view, driving this StoC's next GC pass (FILENAME_RTABLE_MAPPING).
func (r *Registry) UpdateFilenameMapping(fn2rtable map[string]uint32) error {
	r.mu.Lock()
	for fn, id := range fn2rtable {
		r.fn2rtable[fn] = id
	}
	r.mu.Unlock()

	for fn, id := range fn2rtable {
		if err := r.store.PutFilenameMapping(fn, id); err != nil {
			return err
		}
	}
	return nil
}

// GCCandidates returns every allocated rtable id that no longer appears
// in the last-reported filename mapping — safe to Delete.
func (r *Registry) GCCandidates() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	referenced := make(map[uint32]bool, len(r.fn2rtable))
	for _, id := range r.fn2rtable {
		referenced[id] = true
	}

	var candidates []uint32
	for id, reg := range r.regions {
		if reg.persisted && !referenced[id] {
			candidates = append(candidates, id)
		}
	}
	return candidates
}

// PendingReadBytes implements metrics.StatsSource.
func (r *Registry) PendingReadBytes() uint64 { return uint64(r.pendingRead.Load()) }

// PendingWriteBytes implements metrics.StatsSource.
func (r *Registry) PendingWriteBytes() uint64 { return uint64(r.pendingWrite.Load()) }

// RTableCount implements metrics.StatsSource.
func (r *Registry) RTableCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regions)
}

// RTableSummary is one region's debug-visible state, used by
// pkg/controlapi's ListRTables operational query.
type RTableSummary struct {
	ID        uint32
	Size      uint64
	Persisted bool
}

// ListSummaries returns a debug-visible snapshot of every region.
func (r *Registry) ListSummaries() []RTableSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RTableSummary, 0, len(r.regions))
	for id, reg := range r.regions {
		out = append(out, RTableSummary{ID: id, Size: uint64(len(reg.data)), Persisted: reg.persisted})
	}
	return out
}
