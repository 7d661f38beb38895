package sstable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/novalsm/ccstoc/pkg/dispatcher"
	"github.com/novalsm/ccstoc/pkg/metrics"
	"github.com/novalsm/ccstoc/pkg/rtable"
)

// Reader implements a remote SSTable reader, grounded on
// NovaCCRandomAccessFile. Two modes: per-read RDMA with a block cache
// (no prefetch), or a full prefetch into one local buffer. Either way,
// Read addresses the file by one flat logical offset spanning every
// data chunk in meta.Blocks, not by chunk handle — callers never need
// to know which chunk a byte range falls in.
type Reader struct {
	client  *dispatcher.Client
	meta    *rtable.FileMetaData
	timeout time.Duration

	prefetchAll bool

	// blocks maps the flat logical address space (excluding the
	// trailing meta chunk) back to the remote handle and local
	// prefetch-buffer offset covering it, spec's
	// map<logical_offset, {remote_offset, size, local_offset}>.
	blocks []blockSpan

	mu         sync.Mutex
	blockCache map[rangeKey][]byte // no-prefetch mode: sub-range -> bytes already fetched

	localBuf []byte // prefetch mode: whole-file buffer, blockSpan.localOffset indexes into it
}

// blockSpan locates one data chunk within the reader's flat logical
// address space.
type blockSpan struct {
	handle        rtable.RTableHandle
	logicalOffset uint64
	localOffset   uint64 // valid only once Prefetch has populated localBuf
}

// rangeKey identifies one previously-fetched sub-range in the
// no-prefetch block cache; a hashed key would collide across distinct
// sub-ranges of the same handle, so the cache is keyed on the triple
// directly. offset is the sub-range's absolute position in the rtable,
// so chunks that share one rtable never map to the same key.
type rangeKey struct {
	rtableID uint32
	offset   uint64
	size     uint64
}

// NewReader builds a Reader over meta. It fetches nothing itself: when
// prefetchAll is true the caller must run Prefetch, and Read fails until
// Prefetch has completed. The
// logical address space Read(ctx, offset, n) addresses covers
// meta.DataHandles() only — the trailing meta/footer chunk is reached
// through MetaHandle, not through logical offsets.
func NewReader(client *dispatcher.Client, meta *rtable.FileMetaData, timeout time.Duration, prefetchAll bool) *Reader {
	r := &Reader{
		client:      client,
		meta:        meta,
		timeout:     timeout,
		prefetchAll: prefetchAll,
		blockCache:  make(map[rangeKey][]byte),
	}
	var logical uint64
	for _, h := range meta.DataHandles() {
		r.blocks = append(r.blocks, blockSpan{handle: h, logicalOffset: logical})
		logical += h.Size
	}
	return r
}

// Prefetch reads every data chunk into one local buffer and records
// each one's offset within it, so later Read calls become a slice
// re-slice instead of a round trip. Must be called before Read when
// prefetchAll is true.
func (r *Reader) Prefetch(ctx context.Context) error {
	var total uint64
	for _, b := range r.blocks {
		total += b.handle.Size
	}
	localBuf := make([]byte, 0, total)

	for i := range r.blocks {
		data, err := r.fetchRange(ctx, r.blocks[i].handle, 0, r.blocks[i].handle.Size)
		if err != nil {
			return err
		}
		r.blocks[i].localOffset = uint64(len(localBuf))
		localBuf = append(localBuf, data...)
	}

	r.mu.Lock()
	r.localBuf = localBuf
	r.mu.Unlock()
	return nil
}

// blockFor resolves a logical file offset to the chunk covering it and
// the offset within that chunk, spec's logical_offset -> {remote_offset,
// size, local_offset} lookup.
func (r *Reader) blockFor(logicalOffset uint64) (blockSpan, uint64, error) {
	for _, b := range r.blocks {
		if logicalOffset < b.logicalOffset+b.handle.Size {
			return b, logicalOffset - b.logicalOffset, nil
		}
	}
	return blockSpan{}, 0, fmt.Errorf("sstable: logical offset %d past end of file", logicalOffset)
}

// Read returns the n bytes starting at the flat logical offset offset,
// transparently spanning as many underlying chunks as needed. In
// prefetch mode this never touches the network once Prefetch has run;
// otherwise it issues one RDMA sub-range read per chunk not already in
// the block cache.
func (r *Reader) Read(ctx context.Context, offset, n uint64) ([]byte, error) {
	out := make([]byte, 0, n)
	for uint64(len(out)) < n {
		b, withinBlock, err := r.blockFor(offset + uint64(len(out)))
		if err != nil {
			return nil, err
		}
		want := n - uint64(len(out))
		avail := b.handle.Size - withinBlock
		if want > avail {
			want = avail
		}

		chunk, err := r.readBlockRange(ctx, b, withinBlock, want)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (r *Reader) readBlockRange(ctx context.Context, b blockSpan, withinBlock, n uint64) ([]byte, error) {
	if r.prefetchAll {
		r.mu.Lock()
		buf := r.localBuf
		r.mu.Unlock()
		if buf == nil {
			return nil, fmt.Errorf("sstable: Read called before Prefetch completed")
		}
		start := b.localOffset + withinBlock
		return buf[start : start+n], nil
	}

	key := rangeKey{rtableID: b.handle.RTableID, offset: b.handle.Offset + withinBlock, size: n}
	r.mu.Lock()
	if cached, ok := r.blockCache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	data, err := r.fetchRange(ctx, b.handle, withinBlock, n)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.blockCache[key] = data
	r.mu.Unlock()
	return data, nil
}

func (r *Reader) fetchRange(ctx context.Context, h rtable.RTableHandle, offset, n uint64) ([]byte, error) {
	timer := metrics.NewTimer()
	_, done, err := r.client.InitiateRTableReadDataBlock(h, offset, n)
	if err != nil {
		return nil, err
	}
	resp, err := dispatcher.Await(ctx, done, r.timeout)
	timer.ObserveDurationVec(metrics.RTableReadDuration, fmt.Sprintf("%d", h.ServerID))
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}
