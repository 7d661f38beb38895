// Package rdmaconn provides the queue-pair abstraction the dispatcher
// drives: post a tagged request, get a completion back correlated by
// request id. The real RDMA verbs library is an external collaborator
// that this package does not implement; it gives callers the same
// shape a Go process can actually exercise today — one
// reliable byte-stream connection per remote server, framed with
// pkg/wire, with a dedicated completion-poll goroutine standing in for
// ibv_poll_cq. This mirrors the queue-pair/completion-queue/work-request
// vocabulary of a userspace RDMA simulation, generalized from raw
// memory-region pointers to []byte payloads carried over net.Conn.
package rdmaconn

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"

	"github.com/novalsm/ccstoc/pkg/wire"
)

// Completion is what the poll loop hands back for one posted request.
type Completion struct {
	Frame wire.Frame
	Err   error
}

// QueuePair is one reliable connection to a single remote server: the
// Go-native analog of an RDMA queue pair bound to one peer. All writes
// are serialized by writeMu to keep frames from interleaving; all reads
// are decoded by one dedicated poll goroutine.
type QueuePair struct {
	conn   net.Conn
	wr     *bufio.Writer
	writeMu sync.Mutex

	wrID atomic.Uint64

	completions chan Completion
	closeOnce   sync.Once
	closed      chan struct{}
}

// NewQueuePair wraps an already-established connection. Callers
// typically get conn from net.Dial (LTC side) or a listener Accept
// (StoC side).
func NewQueuePair(conn net.Conn) *QueuePair {
	qp := &QueuePair{
		conn:        conn,
		wr:          bufio.NewWriter(conn),
		completions: make(chan Completion, 256),
		closed:      make(chan struct{}),
	}
	go qp.pollLoop()
	return qp
}

// NextWorkRequestID returns the next locally-unique request id for a
// frame posted on this queue pair, the wr_id correlating a request
// with its completion.
func (qp *QueuePair) NextWorkRequestID() uint64 {
	return qp.wrID.Add(1)
}

// Post writes f to the wire. Safe for concurrent use by multiple
// goroutines sharing one queue pair (each dispatcher Worker owns one
// queue pair of its own).
func (qp *QueuePair) Post(f wire.Frame) error {
	qp.writeMu.Lock()
	defer qp.writeMu.Unlock()
	if err := wire.WriteFrame(qp.wr, f); err != nil {
		return err
	}
	return qp.wr.Flush()
}

// Completions returns the channel the poll loop publishes decoded
// frames to. The caller (a dispatcher.Worker) is expected to drain it
// promptly and route each frame to the pending request it correlates
// to via Frame.RequestID.
func (qp *QueuePair) Completions() <-chan Completion {
	return qp.completions
}

func (qp *QueuePair) pollLoop() {
	r := bufio.NewReader(qp.conn)
	defer close(qp.completions)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			select {
			case qp.completions <- Completion{Err: err}:
			case <-qp.closed:
			}
			return
		}
		select {
		case qp.completions <- Completion{Frame: f}:
		case <-qp.closed:
			return
		}
	}
}

// Close tears down the underlying connection and stops the poll loop.
func (qp *QueuePair) Close() error {
	var err error
	qp.closeOnce.Do(func() {
		close(qp.closed)
		err = qp.conn.Close()
	})
	return err
}
