// Package sstable implements the remote SSTable writer and reader,
// grounded on `cc/nova_cc.h`'s NovaCCMemFile and NovaCCRandomAccessFile.
// The actual block/index/filter encoding is an external collaborator
// (the LSM tree's block builder) that this package does not implement;
// it only owns chunking, dispatch, and handle bookkeeping.
package sstable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/novalsm/ccstoc/pkg/dispatcher"
	"github.com/novalsm/ccstoc/pkg/metrics"
	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/novalsm/ccstoc/pkg/rtableerr"
	"github.com/novalsm/ccstoc/pkg/wire"
)

// BlockBuilder is the external collaborator that produces a file's data
// payload and, once Format is called, its trailing meta/footer bytes.
// The real implementation lives in the LSM tree layer; tests use a
// trivial in-memory stand-in.
type BlockBuilder interface {
	// Footer returns the index/filter/footer bytes to append as the
	// file's trailing meta chunk.
	Footer() []byte
}

// Writer assembles one remote SSTable: callers Append data as the block
// builder produces it, then Finalize to dispatch every chunk to a StoC,
// then WaitForPersistingDataBlocks to wait for every chunk's handle.
type Writer struct {
	client     *dispatcher.Client
	serverID   rtable.ServerID
	dbName     string
	fileNumber uint64
	chunkSize  int
	timeout    time.Duration

	buf []byte

	mu       sync.Mutex
	statuses []rtable.PersistStatus
}

// NewWriter creates a Writer targeting serverID, chunking at chunkSize
// bytes (defaulted from the StoC's max message size).
func NewWriter(client *dispatcher.Client, serverID rtable.ServerID, dbName string, fileNumber uint64, chunkSize int, timeout time.Duration) *Writer {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	return &Writer{
		client:     client,
		serverID:   serverID,
		dbName:     dbName,
		fileNumber: fileNumber,
		chunkSize:  chunkSize,
		timeout:    timeout,
	}
}

// Append adds data to the file's backing buffer.
func (w *Writer) Append(data []byte) {
	w.buf = append(w.buf, data...)
}

// Format appends the block builder's trailing meta/footer bytes. Must be
// called exactly once, after every data Append.
func (w *Writer) Format(b BlockBuilder) {
	w.buf = append(w.buf, b.Footer()...)
}

// Finalize splits the accumulated bytes into size-bounded chunks plus a
// trailing meta chunk (the last metaSize bytes of the buffer),
// dispatches each one, and returns
// once every chunk's write has been posted. Use
// WaitForPersistingDataBlocks to block until they are all durable.
func (w *Writer) Finalize(ctx context.Context, metaSize int) error {
	if metaSize <= 0 || metaSize > len(w.buf) {
		return fmt.Errorf("sstable: invalid meta size %d for buffer of %d bytes", metaSize, len(w.buf))
	}
	dataBytes := w.buf[:len(w.buf)-metaSize]
	metaBytes := w.buf[len(w.buf)-metaSize:]

	for off := 0; off < len(dataBytes); off += w.chunkSize {
		end := off + w.chunkSize
		if end > len(dataBytes) {
			end = len(dataBytes)
		}
		if err := w.dispatchChunk(dataBytes[off:end], false); err != nil {
			return err
		}
	}
	return w.dispatchChunk(metaBytes, true)
}

func (w *Writer) dispatchChunk(chunk []byte, isMeta bool) error {
	timer := metrics.NewTimer()
	reqID, done, err := w.client.InitiateRTableWriteDataBlocks(w.serverID, w.dbName, w.fileNumber, chunk, isMeta)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.statuses = append(w.statuses, rtable.PersistStatus{
		ServerID:  w.serverID,
		RequestID: uint64(reqID),
		IsMeta:    isMeta,
	})
	idx := len(w.statuses) - 1
	w.mu.Unlock()

	go func() {
		resp, _, err := w.client.IsDone(context.Background(), done, w.timeout)
		timer.ObserveDurationVec(metrics.RTableWriteDuration, fmt.Sprintf("%d", w.serverID))
		if err != nil {
			return
		}
		h, _, decodeErr := wire.GetHandle(resp.Payload)
		if decodeErr != nil {
			return
		}
		w.mu.Lock()
		w.statuses[idx].Handle = h
		w.mu.Unlock()
	}()
	return nil
}

// WaitForPersistingDataBlocks blocks until every dispatched chunk has a
// non-zero handle, polling cooperatively rather than busy-spinning.
func (w *Writer) WaitForPersistingDataBlocks(ctx context.Context) error {
	w.mu.Lock()
	n := len(w.statuses)
	w.mu.Unlock()
	deadline := time.Now().Add(w.timeout * time.Duration(n+1))
	for {
		w.mu.Lock()
		allDone := true
		for i := range w.statuses {
			if !w.statuses[i].Done() {
				allDone = false
				break
			}
		}
		w.mu.Unlock()
		if allDone {
			return nil
		}
		if time.Now().After(deadline) {
			return rtableerr.Transient("sstable.wait", fmt.Errorf("timed out waiting for %d chunks", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// RTableHandles returns every chunk's handle in byte order (data chunks
// first, meta chunk last), the FileMetaData.Blocks invariant.
func (w *Writer) RTableHandles() []rtable.RTableHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]rtable.RTableHandle, len(w.statuses))
	for i, s := range w.statuses {
		out[i] = s.Handle
	}
	return out
}
