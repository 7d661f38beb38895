package logreplicator

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/novalsm/ccstoc/pkg/dispatcher"
	"github.com/novalsm/ccstoc/pkg/rdmaconn"
	"github.com/novalsm/ccstoc/pkg/retry"
	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/novalsm/ccstoc/pkg/wire"
	"github.com/stretchr/testify/require"
)

func fakeReplica(t *testing.T, conn net.Conn) {
	t.Helper()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		resp := wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID}
		if err := wire.WriteFrame(w, resp); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func newReplicaClient(t *testing.T) *dispatcher.Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	go fakeReplica(t, serverConn)
	t.Cleanup(func() { serverConn.Close() })

	qp := rdmaconn.NewQueuePair(clientConn)
	t.Cleanup(func() { qp.Close() })
	w := dispatcher.NewWorker("w0", qp, 16)
	t.Cleanup(w.Stop)
	return dispatcher.NewClient([]*dispatcher.Worker{w}, time.Second)
}

// fakeFailingReplica acks everything except TagReplicateLogRecord, which
// it answers with TagGone — a non-retryable "gone" rejection rather than
// a dropped connection, so the replica never reaches WriteSuccess.
func fakeFailingReplica(t *testing.T, conn net.Conn) {
	t.Helper()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		tag := wire.TagAck
		if f.Tag == wire.TagReplicateLogRecord {
			tag = wire.TagGone
		}
		resp := wire.Frame{Tag: tag, RequestID: f.RequestID}
		if err := wire.WriteFrame(w, resp); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func newFailingReplicaClient(t *testing.T) *dispatcher.Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	go fakeFailingReplica(t, serverConn)
	t.Cleanup(func() { serverConn.Close() })

	qp := rdmaconn.NewQueuePair(clientConn)
	t.Cleanup(func() { qp.Close() })
	w := dispatcher.NewWorker("w0", qp, 16)
	t.Cleanup(w.Stop)
	return dispatcher.NewClient([]*dispatcher.Worker{w}, time.Second)
}

// TestReplicatorFailsWhenAReplicaNeverReachesWriteSuccess checks that a
// single replica rejecting the write fails the whole call — Replicate
// only succeeds once every replica reports success, never a majority.
func TestReplicatorFailsWhenAReplicaNeverReachesWriteSuccess(t *testing.T) {
	r := New(retry.DefaultPolicy)
	replicas := []*dispatcher.Client{newReplicaClient(t), newFailingReplicaClient(t), newReplicaClient(t)}

	records := []rtable.LogRecord{{DBName: "db0", MemtableID: 1, Data: []byte("record-1")}}
	err := r.Replicate(context.Background(), "log-000001", records, replicas)
	require.Error(t, err)
}

func TestReplicatorReplicateAllReplicasReachWriteSuccess(t *testing.T) {
	r := New(retry.DefaultPolicy)
	replicas := []*dispatcher.Client{newReplicaClient(t), newReplicaClient(t), newReplicaClient(t)}

	records := []rtable.LogRecord{{DBName: "db0", MemtableID: 1, Data: []byte("record-1")}}
	err := r.Replicate(context.Background(), "log-000001", records, replicas)
	require.NoError(t, err)
}

func TestReplicatorCloseLogFileBroadcasts(t *testing.T) {
	r := New(retry.DefaultPolicy)
	replicas := []*dispatcher.Client{newReplicaClient(t), newReplicaClient(t)}

	err := r.CloseLogFile(context.Background(), "log-000001", replicas)
	require.NoError(t, err)
}

func TestReplicatorRejectsEmptyReplicaSet(t *testing.T) {
	r := New(retry.DefaultPolicy)
	err := r.Replicate(context.Background(), "log-x", nil, nil)
	require.Error(t, err)
}
