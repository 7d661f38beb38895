package compaction

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/novalsm/ccstoc/pkg/dispatcher"
	"github.com/novalsm/ccstoc/pkg/rdmaconn"
	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/novalsm/ccstoc/pkg/wire"
	"github.com/stretchr/testify/require"
)

// fakeStoC answers a compaction request by echoing back a result whose
// Outputs is a single renamed output file, enough to exercise
// encode/decode round-tripping through the dispatcher.
func fakeStoC(t *testing.T, conn net.Conn) {
	t.Helper()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		req, err := wire.DecodeCompactionRequest(f.Payload)
		if err != nil {
			return
		}
		req.Outputs = []rtable.FileMetaData{{DBName: req.SourceFiles[0].DBName, FileNumber: 99}}
		resp := wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID, Payload: wire.EncodeCompactionRequest(req)}
		if err := wire.WriteFrame(w, resp); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func newCompactionClient(t *testing.T) *dispatcher.Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	go fakeStoC(t, serverConn)
	t.Cleanup(func() { serverConn.Close() })

	qp := rdmaconn.NewQueuePair(clientConn)
	t.Cleanup(func() { qp.Close() })
	w := dispatcher.NewWorker("w0", qp, 16)
	t.Cleanup(w.Stop)
	return dispatcher.NewClient([]*dispatcher.Worker{w}, time.Second)
}

func TestInitiatorCompactRoundTrip(t *testing.T) {
	client := newCompactionClient(t)
	in := NewInitiator(client)

	req := rtable.CompactionRequest{
		SourceLevel: 0,
		TargetLevel: 1,
		SourceFiles: []rtable.FileMetaData{{DBName: "db0", FileNumber: 1}},
	}
	result, err := in.Compact(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)
	require.Equal(t, uint64(99), result.Outputs[0].FileNumber)
}

// fakeGuideSplitStoC answers a compaction request by partitioning it
// into len(Guides)+1 non-overlapping output files, standing in for a
// real guided compaction split enough to check the output count and
// key-range non-overlap a caller depends on.
func fakeGuideSplitStoC(t *testing.T, conn net.Conn) {
	t.Helper()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		f, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		req, err := wire.DecodeCompactionRequest(f.Payload)
		if err != nil {
			return
		}
		req.Outputs = splitByGuides(req)
		resp := wire.Frame{Tag: wire.TagAck, RequestID: f.RequestID, Payload: wire.EncodeCompactionRequest(req)}
		if err := wire.WriteFrame(w, resp); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func splitByGuides(req rtable.CompactionRequest) []rtable.FileMetaData {
	n := len(req.Guides) + 1
	outputs := make([]rtable.FileMetaData, 0, n)
	for i := 0; i < n; i++ {
		outputs = append(outputs, rtable.FileMetaData{
			DBName:      req.SourceFiles[0].DBName,
			FileNumber:  uint64(100 + i),
			SmallestKey: []byte(fmt.Sprintf("key-%04d", i*1000)),
			LargestKey:  []byte(fmt.Sprintf("key-%04d", i*1000+999)),
		})
	}
	return outputs
}

func TestInitiatorCompactGuideSplitProducesNonOverlappingOutputs(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	go fakeGuideSplitStoC(t, serverConn)
	t.Cleanup(func() { serverConn.Close() })

	qp := rdmaconn.NewQueuePair(clientConn)
	t.Cleanup(func() { qp.Close() })
	w := dispatcher.NewWorker("w0", qp, 16)
	t.Cleanup(w.Stop)
	client := dispatcher.NewClient([]*dispatcher.Worker{w}, time.Second)

	in := NewInitiator(client)
	req := rtable.CompactionRequest{
		SourceLevel: 1,
		TargetLevel: 2,
		SourceFiles: []rtable.FileMetaData{{DBName: "db0", FileNumber: 1, SmallestKey: []byte("a"), LargestKey: []byte("z")}},
		Guides:      [][]byte{[]byte("c"), []byte("f"), []byte("k")},
	}
	result, err := in.Compact(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 4) // 3 guides -> 4 partitions

	for i, out := range result.Outputs {
		require.LessOrEqual(t, string(out.SmallestKey), string(out.LargestKey))
		if i > 0 {
			require.Less(t, string(result.Outputs[i-1].LargestKey), string(out.SmallestKey))
		}
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var current, max int32
	pool := NewPool(2, func(ctx context.Context, req rtable.CompactionRequest) (rtable.CompactionRequest, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			m := atomic.LoadInt32(&max)
			if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return req, nil
	})

	reqs := make([]rtable.CompactionRequest, 6)
	_, errs := pool.SubmitAll(context.Background(), reqs)
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.LessOrEqual(t, atomic.LoadInt32(&max), int32(2))
}
