package dispatcher

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/novalsm/ccstoc/pkg/wire"
)

// Client is the CCClient compute-facing facade: every initiate_*
// method posts a frame to one of its assigned Workers (round-robin) and
// returns a request id plus a done channel the caller later awaits via
// IsDone or Await.
type Client struct {
	workers []*Worker
	next    atomic.Uint64

	defaultTimeout time.Duration
}

// NewClient builds a Client multiplexing over workers.
func NewClient(workers []*Worker, defaultTimeout time.Duration) *Client {
	return &Client{workers: workers, defaultTimeout: defaultTimeout}
}

// RequestID packs which worker a request was issued on together with the
// request id assigned by that worker's queue pair. IsDone and Await do
// not consult it; they wait on the done channel returned alongside it.
type RequestID uint64

func packReqID(workerIdx int, wrID uint64) RequestID {
	return RequestID(uint64(workerIdx)<<48 | (wrID & 0x0000FFFFFFFFFFFF))
}

func (r RequestID) workerIdx() int {
	return int(uint64(r) >> 48)
}

func (c *Client) pick() (int, *Worker) {
	idx := int(c.next.Add(1)-1) % len(c.workers)
	return idx, c.workers[idx]
}

func (c *Client) post(frame wire.Frame) (RequestID, <-chan Response, error) {
	idx, w := c.pick()
	wrID, done, err := w.Enqueue(frame)
	if err != nil {
		return 0, nil, err
	}
	return packReqID(idx, wrID), done, nil
}

// pendingCall pairs an outstanding request with its done channel. No
// code in this package currently creates one.
type pendingCall struct {
	done <-chan Response
}

// InitiateRTableReadDataBlock issues a one-sided read of n bytes
// starting at offset within h's range — absolute position
// h.Offset+offset — the sub-block read a random-access reader needs
// rather than always fetching h's whole span.
func (c *Client) InitiateRTableReadDataBlock(h rtable.RTableHandle, offset, n uint64) (RequestID, <-chan Response, error) {
	payload := wire.PutHandle(nil, h)
	var tmp [16]byte
	binary.LittleEndian.PutUint64(tmp[0:8], offset)
	binary.LittleEndian.PutUint64(tmp[8:16], n)
	payload = append(payload, tmp[:]...)
	return c.post(wire.Frame{Tag: wire.TagReadDataBlock, Payload: payload})
}

// InitiateRTableWriteDataBlocks persists one chunk (data or the trailing
// meta chunk) to a StoC, driving it through the ALLOCATE_SSTABLE_BUFFER
// -> WRITE_DATA_BLOCKS -> FLUSH_SSTABLE_BUF(persist, meta chunk only)
// handshake on the worker it lands on.
func (c *Client) InitiateRTableWriteDataBlocks(serverID rtable.ServerID, dbName string, fileNumber uint64, data []byte, isMeta bool) (RequestID, <-chan Response, error) {
	idx, w := c.pick()
	wrID, done, err := w.EnqueueWrite(uint32(serverID), dbName, fileNumber, data, isMeta)
	if err != nil {
		return 0, nil, err
	}
	return packReqID(idx, wrID), done, nil
}

// InitiateReplicateLogRecords replicates a batch of WAL records to one
// replica.
func (c *Client) InitiateReplicateLogRecords(logFile string, records []rtable.LogRecord) (RequestID, <-chan Response, error) {
	buf := wire.PutString(nil, logFile)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(records)))
	buf = append(buf, tmp[:]...)
	for _, r := range records {
		buf = wire.PutString(buf, r.DBName)
		var m [4]byte
		binary.LittleEndian.PutUint32(m[:], r.MemtableID)
		buf = append(buf, m[:]...)
		buf = wire.PutString(buf, string(r.Data))
	}
	return c.post(wire.Frame{Tag: wire.TagReplicateLogRecord, Payload: buf})
}

// InitiateCloseLogFile broadcasts DELETE_LOG_FILE for logFile.
func (c *Client) InitiateCloseLogFile(logFile string) (RequestID, <-chan Response, error) {
	return c.post(wire.Frame{Tag: wire.TagCloseLogFile, Payload: wire.PutString(nil, logFile)})
}

// InitiateDeleteTables requests a StoC drop the given rtable ids.
func (c *Client) InitiateDeleteTables(rtableIDs []uint32) (RequestID, <-chan Response, error) {
	buf := make([]byte, 0, 4+4*len(rtableIDs))
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(rtableIDs)))
	buf = append(buf, tmp[:]...)
	for _, id := range rtableIDs {
		binary.LittleEndian.PutUint32(tmp[:], id)
		buf = append(buf, tmp[:]...)
	}
	return c.post(wire.Frame{Tag: wire.TagDeleteTables, Payload: buf})
}

// InitiateReadDCStats polls a StoC for pending read/write bytes and
// rtable count via DC_READ_STATS.
func (c *Client) InitiateReadDCStats() (RequestID, <-chan Response, error) {
	return c.post(wire.Frame{Tag: wire.TagReadDCStats})
}

// InitiateQueryLogFiles asks a StoC which log files it holds for db,
// part of the recovery path.
func (c *Client) InitiateQueryLogFiles(dbName string) (RequestID, <-chan Response, error) {
	return c.post(wire.Frame{Tag: wire.TagQueryLogFiles, Payload: wire.PutString(nil, dbName)})
}

// InitiateReadInMemoryLogFile reads back an in-memory log buffer during
// recovery.
func (c *Client) InitiateReadInMemoryLogFile(logFile string) (RequestID, <-chan Response, error) {
	return c.post(wire.Frame{Tag: wire.TagReadLogFile, Payload: wire.PutString(nil, logFile)})
}

// InitiateFilenameRTableMapping tells a StoC which filenames still
// reference which rtable ids, driving its GC pass.
func (c *Client) InitiateFilenameRTableMapping(fn2rtable map[string]uint32) (RequestID, <-chan Response, error) {
	buf := make([]byte, 0, 64)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(fn2rtable)))
	buf = append(buf, tmp[:]...)
	for fn, id := range fn2rtable {
		buf = wire.PutString(buf, fn)
		binary.LittleEndian.PutUint32(tmp[:], id)
		buf = append(buf, tmp[:]...)
	}
	return c.post(wire.Frame{Tag: wire.TagFilenameRTableMapping, Payload: buf})
}

// InitiateCompaction hands a compaction plan to a StoC.
func (c *Client) InitiateCompaction(req rtable.CompactionRequest) (RequestID, <-chan Response, error) {
	return c.post(wire.Frame{Tag: wire.TagCompactionRequest, Payload: wire.EncodeCompactionRequest(req)})
}

// InitiateAllocateLogBuffer asks a replica to reserve space for a log
// file before the first WRITE, the ALLOC step of the WriteState machine.
func (c *Client) InitiateAllocateLogBuffer(logFile string, size uint64) (RequestID, <-chan Response, error) {
	buf := wire.PutString(nil, logFile)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], size)
	buf = append(buf, tmp[:]...)
	return c.post(wire.Frame{Tag: wire.TagAllocateLogBuffer, Payload: buf})
}

// ErrNotDone is returned by IsDone when the request has not yet
// completed within the polling timeout — not an error condition, just
// "ask again later."
var ErrNotDone = fmt.Errorf("dispatcher: request not done")

// IsDone polls once for the completion of reqID without blocking beyond
// timeout, the non-blocking half of the is_done contract. A caller
// distinguishes "still in flight" (ok=false, err=nil) from a real
// failure (ok=true, err!=nil).
func (c *Client) IsDone(ctx context.Context, done <-chan Response, timeout time.Duration) (Response, bool, error) {
	select {
	case resp := <-done:
		return resp, true, resp.Err
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-done:
		return resp, true, resp.Err
	case <-timer.C:
		return Response{}, false, nil
	case <-ctx.Done():
		return Response{}, true, ctx.Err()
	}
}
