// Package dispatcher implements the async RDMA request dispatcher and
// the CCClient compute-facing facade: one goroutine per queue pair
// posting requests and draining its completion channel, a bounded task
// queue that rejects rather than blocks when full, and a
// request-id-keyed pending table tracking each in-flight request's
// context. Grounded on
// `nova/client_req_worker.h`'s async-worker vector and
// `include/leveldb/cc_client.h`'s RDMAAsyncClientRequestTask.
package dispatcher

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/novalsm/ccstoc/pkg/memarena"
	"github.com/novalsm/ccstoc/pkg/metrics"
	"github.com/novalsm/ccstoc/pkg/rdmaconn"
	"github.com/novalsm/ccstoc/pkg/rlog"
	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/novalsm/ccstoc/pkg/rtableerr"
	"github.com/novalsm/ccstoc/pkg/wire"
)

// Response is the decoded result of one completed request.
type Response struct {
	Tag       wire.RequestTag
	Immediate uint32
	Payload   []byte
	Err       error
}

// task is one unit of work enqueued onto a Worker. flow is non-nil for
// a multi-phase SSTable write; onRecv then routes its completions
// through advanceWriteFlow instead of completing frame.RequestID
// directly.
type task struct {
	frame wire.Frame
	done  chan Response
	flow  *writeFlow
}

// writePhase is this flow's position in the ALLOCATE_SSTABLE_BUFFER ->
// WRITE_DATA_BLOCKS -> FLUSH_SSTABLE_BUF(persist) handshake.
type writePhase int

const (
	writePhaseAlloc writePhase = iota
	writePhaseWrite
	writePhasePersist
)

// writeFlow carries one chunk's write across its phases, re-keyed in
// Worker.flows under a freshly assigned request id every time
// advanceWriteFlow posts the next phase's frame.
type writeFlow struct {
	phase    writePhase
	isMeta   bool
	dbName   string
	fileNum  uint64
	data     []byte
	serverID uint32
	rtableID uint32
	handle   rtable.RTableHandle
	done     chan Response
}

// Worker owns one queue pair to one remote StoC and drives its post/poll
// loop on a single goroutine, one thread per worker. The task channel
// is the MPSC queue; Enqueue never blocks.
type Worker struct {
	name  string
	qp    *rdmaconn.QueuePair
	arena *memarena.Arena

	tasks chan task

	mu      sync.Mutex
	pending map[uint64]chan Response
	flows   map[uint64]*writeFlow

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker starts a Worker bound to qp. queueDepth bounds the task
// channel; Enqueue returns rtableerr.ErrQueueFull once it is full rather
// than blocking the caller. Each Worker keeps its own memarena.Arena free
// list, borrowing a slab for the lifetime of one posted request's
// payload; no pool is shared across workers, so an empty free list
// allocates a fresh slab.
func NewWorker(name string, qp *rdmaconn.QueuePair, queueDepth int) *Worker {
	w := &Worker{
		name:    name,
		qp:      qp,
		arena:   memarena.New(),
		tasks:   make(chan task, queueDepth),
		pending: make(map[uint64]chan Response),
		flows:   make(map[uint64]*writeFlow),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue posts frame (with a freshly assigned request id) and returns a
// channel that receives exactly one Response when the request completes.
func (w *Worker) Enqueue(frame wire.Frame) (uint64, <-chan Response, error) {
	reqID := w.qp.NextWorkRequestID()
	frame.RequestID = reqID
	done := make(chan Response, 1)

	select {
	case w.tasks <- task{frame: frame, done: done}:
		return reqID, done, nil
	default:
		return 0, nil, rtableerr.ErrQueueFull
	}
}

// EnqueueWrite drives one SSTable chunk through the ALLOC -> WRITE ->
// PERSIST handshake (PERSIST only for the trailing meta chunk), posting
// just the ALLOC phase now; onRecv's advanceWriteFlow chains the rest as
// each phase's ack arrives. The returned channel receives exactly one
// terminal Response, the same contract as Enqueue.
func (w *Worker) EnqueueWrite(serverID uint32, dbName string, fileNumber uint64, data []byte, isMeta bool) (uint64, <-chan Response, error) {
	reqID := w.qp.NextWorkRequestID()
	done := make(chan Response, 1)
	flow := &writeFlow{
		phase:    writePhaseAlloc,
		isMeta:   isMeta,
		dbName:   dbName,
		fileNum:  fileNumber,
		data:     data,
		serverID: serverID,
		done:     done,
	}

	payload := wire.PutString(nil, dbName)
	var tmp [16]byte
	binary.LittleEndian.PutUint64(tmp[0:8], fileNumber)
	binary.LittleEndian.PutUint64(tmp[8:16], uint64(len(data)))
	payload = append(payload, tmp[:]...)

	frame := wire.Frame{Tag: wire.TagAllocateSSTableBuffer, RequestID: reqID, Immediate: serverID, Payload: payload}

	select {
	case w.tasks <- task{frame: frame, done: done, flow: flow}:
		return reqID, done, nil
	default:
		return 0, nil, rtableerr.ErrQueueFull
	}
}

// postWithBorrowedSlab posts frame to the queue pair, copying its payload
// into a size-classed slab borrowed from the worker's Arena first when it
// fits one (modeled as a borrow of a slice into a pool slab).
// Post writes and flushes synchronously, so the slab's one in-flight
// request ends, and it is returned, before this call returns; oversized
// payloads (larger than the biggest size class) post the caller's own
// buffer unchanged.
func (w *Worker) postWithBorrowedSlab(frame wire.Frame) error {
	class, ok := memarena.ClassFor(len(frame.Payload))
	if !ok || len(frame.Payload) == 0 {
		return w.qp.Post(frame)
	}
	slab := w.arena.Get(class)
	defer w.arena.Put(slab)
	n := copy(slab, frame.Payload)
	frame.Payload = slab[:n]
	return w.qp.Post(frame)
}

func (w *Worker) run() {
	defer close(w.doneCh)
	log := rlog.WithComponent("dispatcher").With().Str("worker", w.name).Logger()

	for {
		select {
		case t := <-w.tasks:
			w.mu.Lock()
			if t.flow != nil {
				w.flows[t.frame.RequestID] = t.flow
			} else {
				w.pending[t.frame.RequestID] = t.done
			}
			metrics.DispatcherInFlight.WithLabelValues(w.name).Set(float64(len(w.pending) + len(w.flows)))
			w.mu.Unlock()

			if err := w.postWithBorrowedSlab(t.frame); err != nil {
				if t.flow != nil {
					w.mu.Lock()
					delete(w.flows, t.frame.RequestID)
					w.mu.Unlock()
					w.finishFlow(t.flow, Response{Err: rtableerr.Transient("dispatcher.post", err)})
				} else {
					w.completeWith(t.frame.RequestID, Response{Err: rtableerr.Transient("dispatcher.post", err)})
				}
			}

		case c, ok := <-w.qp.Completions():
			if !ok {
				w.failAllPending(rtableerr.Fatal("dispatcher.poll", fmt.Errorf("queue pair closed")))
				return
			}
			if c.Err != nil {
				log.Warn().Err(c.Err).Msg("queue pair read error")
				w.failAllPending(rtableerr.Transient("dispatcher.poll", c.Err))
				continue
			}
			w.onRecv(c.Frame)

		case <-w.stopCh:
			w.failAllPending(rtableerr.Fatal("dispatcher.stop", fmt.Errorf("worker stopped")))
			return
		}

		metrics.DispatcherQueueDepth.WithLabelValues(w.name).Set(float64(len(w.tasks)))
	}
}

// onRecv decodes a completion frame and routes it either to the
// multi-phase write flow it belongs to, or the pending request it
// correlates to directly, the on_recv callback's job.
func (w *Worker) onRecv(f wire.Frame) {
	w.mu.Lock()
	flow, isFlow := w.flows[f.RequestID]
	if isFlow {
		delete(w.flows, f.RequestID)
	}
	w.mu.Unlock()
	if isFlow {
		w.advanceWriteFlow(flow, f)
		return
	}

	resp := Response{Tag: f.Tag, Immediate: f.Immediate, Payload: f.Payload}
	switch f.Tag {
	case wire.TagAllocFailed:
		resp.Err = nil // caller inspects the zero-handle payload to retry
	case wire.TagGone:
		resp.Err = rtableerr.Gone("dispatcher.onrecv", fmt.Errorf("rtable reference is gone"))
	}
	w.completeWith(f.RequestID, resp)
}

// advanceWriteFlow drives flow's internal small state machine: ALLOC
// precedes WRITE precedes PERSIST. Each phase's ack is matched here and
// the next phase's frame posted under a fresh request id, until the
// flow reaches a terminal phase and its done channel is signalled.
func (w *Worker) advanceWriteFlow(flow *writeFlow, f wire.Frame) {
	if f.Tag == wire.TagGone {
		w.finishFlow(flow, Response{Err: rtableerr.Gone("dispatcher.write", fmt.Errorf("rtable reference is gone"))})
		return
	}
	if f.Tag == wire.TagAllocFailed {
		w.finishFlow(flow, Response{Err: rtableerr.Transient("dispatcher.write", fmt.Errorf("stoc rejected %s phase", flow.phaseName()))})
		return
	}

	switch flow.phase {
	case writePhaseAlloc:
		if len(f.Payload) < 4 {
			w.finishFlow(flow, Response{Err: rtableerr.Fatal("dispatcher.write", fmt.Errorf("malformed allocate response"))})
			return
		}
		flow.rtableID = binary.LittleEndian.Uint32(f.Payload[0:4])
		flow.phase = writePhaseWrite

		payload := make([]byte, 4, 4+len(flow.data))
		binary.LittleEndian.PutUint32(payload[0:4], flow.rtableID)
		payload = append(payload, flow.data...)
		w.postFlow(flow, wire.Frame{Tag: wire.TagWriteDataBlocks, Immediate: f.Immediate, Payload: payload})

	case writePhaseWrite:
		h, _, err := wire.GetHandle(f.Payload)
		if err != nil {
			w.finishFlow(flow, Response{Err: rtableerr.Fatal("dispatcher.write", err)})
			return
		}
		flow.handle = h
		if !flow.isMeta {
			w.finishFlow(flow, Response{Tag: wire.TagAck, Payload: wire.PutHandle(nil, h)})
			return
		}
		flow.phase = writePhasePersist

		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, flow.rtableID)
		w.postFlow(flow, wire.Frame{Tag: wire.TagPersistSSTableBuffer, Immediate: f.Immediate, Payload: payload})

	case writePhasePersist:
		w.finishFlow(flow, Response{Tag: wire.TagAck, Payload: wire.PutHandle(nil, flow.handle)})
	}
}

func (p writePhase) String() string {
	switch p {
	case writePhaseAlloc:
		return "alloc"
	case writePhaseWrite:
		return "write"
	case writePhasePersist:
		return "persist"
	default:
		return "unknown"
	}
}

func (f *writeFlow) phaseName() string { return f.phase.String() }

// postFlow assigns frame a fresh request id, registers it under flow,
// and posts it. A post failure fails the flow immediately rather than
// leaving a stale entry in w.flows.
func (w *Worker) postFlow(flow *writeFlow, frame wire.Frame) {
	frame.RequestID = w.qp.NextWorkRequestID()
	w.mu.Lock()
	w.flows[frame.RequestID] = flow
	w.mu.Unlock()

	if err := w.postWithBorrowedSlab(frame); err != nil {
		w.mu.Lock()
		delete(w.flows, frame.RequestID)
		w.mu.Unlock()
		w.finishFlow(flow, Response{Err: rtableerr.Transient("dispatcher.write", err)})
	}
}

func (w *Worker) finishFlow(flow *writeFlow, resp Response) {
	outcome := "ok"
	if resp.Err != nil {
		outcome = "error"
	}
	metrics.DispatcherRequestsTotal.WithLabelValues(wire.TagWriteDataBlocks.String(), outcome).Inc()
	flow.done <- resp
}

func (w *Worker) completeWith(reqID uint64, resp Response) {
	w.mu.Lock()
	done, ok := w.pending[reqID]
	if ok {
		delete(w.pending, reqID)
	}
	metrics.DispatcherInFlight.WithLabelValues(w.name).Set(float64(len(w.pending) + len(w.flows)))
	w.mu.Unlock()

	outcome := "ok"
	if resp.Err != nil {
		outcome = "error"
	}
	metrics.DispatcherRequestsTotal.WithLabelValues(resp.Tag.String(), outcome).Inc()

	if ok {
		done <- resp
	}
}

func (w *Worker) failAllPending(err error) {
	w.mu.Lock()
	pending := w.pending
	flows := w.flows
	w.pending = make(map[uint64]chan Response)
	w.flows = make(map[uint64]*writeFlow)
	w.mu.Unlock()

	for _, done := range pending {
		done <- Response{Err: err}
	}
	for _, flow := range flows {
		flow.done <- Response{Err: err}
	}
}

// Await blocks until done fires or timeout elapses, the polling contract
// of an is_done(req_id, timeout) poll.
func Await(ctx context.Context, done <-chan Response, timeout time.Duration) (Response, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case resp := <-done:
		return resp, resp.Err
	case <-timeoutCh:
		return Response{}, rtableerr.Transient("dispatcher.await", fmt.Errorf("timed out after %s", timeout))
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Stop shuts the worker down, failing every pending request. It closes
// the worker's queue pair so a Post blocked on an unread connection
// returns instead of holding the run loop.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.qp.Close()
	<-w.doneCh
}
