// Package logreplicator drives fan-out replication of write-ahead-log
// records to every StoC holding a copy of a given log file, advancing
// each replica through rtable.WriteState independently via
// pkg/dispatcher and pkg/retry. Grounded on `nova/nova_main.cpp`'s
// log replication loop and `include/leveldb/cc_client.h`'s
// InitiateReplicateLogRecords/InitiateCloseLogFile.
package logreplicator

import (
	"context"
	"fmt"
	"sync"

	"github.com/novalsm/ccstoc/pkg/dispatcher"
	"github.com/novalsm/ccstoc/pkg/metrics"
	"github.com/novalsm/ccstoc/pkg/retry"
	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/novalsm/ccstoc/pkg/rtableerr"
)

// Replicator replicates WAL records to the per-replica dispatcher
// clients passed to each call, one per StoC holding a copy of the log.
type Replicator struct {
	policy retry.Policy
}

// New builds a Replicator using policy for per-replica retries.
func New(policy retry.Policy) *Replicator {
	return &Replicator{policy: policy}
}

// replicaState tracks one replica's progress through the WriteState
// machine for a single Replicate call.
type replicaState struct {
	client *dispatcher.Client
	state  rtable.WriteState
	err    error
}

// Replicate drives every replica in replicas through ALLOC -> WRITE ->
// WRITE_SUCCESS for logFile/records, returning once every replica has
// reached WRITE_SUCCESS or an error once any replica's retries are
// exhausted. Replicas proceed concurrently; a failure on one does not
// block the others from being attempted, but the overall call still
// fails if any replica never reaches WRITE_SUCCESS.
func (r *Replicator) Replicate(ctx context.Context, logFile string, records []rtable.LogRecord, replicas []*dispatcher.Client) error {
	if len(replicas) == 0 {
		return fmt.Errorf("logreplicator: no replicas for %s", logFile)
	}

	timer := metrics.NewTimer()
	states := make([]*replicaState, len(replicas))
	var wg sync.WaitGroup
	for i, client := range replicas {
		states[i] = &replicaState{client: client}
		wg.Add(1)
		go func(st *replicaState) {
			defer wg.Done()
			st.err = r.replicateOne(ctx, st, logFile, records)
		}(states[i])
	}
	wg.Wait()
	timer.ObserveDuration(metrics.ReplicationLatency)

	for _, st := range states {
		if st.err != nil {
			metrics.ReplicationFailuresTotal.WithLabelValues(failureReason(st.err)).Inc()
			return fmt.Errorf("logreplicator: replica failed for %s: %w", logFile, st.err)
		}
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case rtableerr.IsFatal(err):
		return "fatal"
	case rtableerr.IsGone(err):
		return "gone"
	case rtableerr.IsTransient(err):
		return "transient_exhausted"
	default:
		return "unknown"
	}
}

func (r *Replicator) replicateOne(ctx context.Context, st *replicaState, logFile string, records []rtable.LogRecord) error {
	if err := st.state.Advance(rtable.WriteWaitForAlloc); err != nil {
		return err
	}
	err := retry.Do(ctx, r.policy, "logreplicator.allocate", func() error {
		_, done, err := st.client.InitiateAllocateLogBuffer(logFile, estimateSize(records))
		if err != nil {
			return err
		}
		_, err = dispatcher.Await(ctx, done, 0)
		return err
	})
	if err != nil {
		return err
	}
	if err := st.state.Advance(rtable.WriteAllocSuccess); err != nil {
		return err
	}

	if err := st.state.Advance(rtable.WriteWaitForWrite); err != nil {
		return err
	}
	err = retry.Do(ctx, r.policy, "logreplicator.write", func() error {
		_, done, err := st.client.InitiateReplicateLogRecords(logFile, records)
		if err != nil {
			return err
		}
		_, err = dispatcher.Await(ctx, done, 0)
		return err
	})
	if err != nil {
		return err
	}

	return st.state.Advance(rtable.WriteSuccess)
}

func estimateSize(records []rtable.LogRecord) uint64 {
	var n uint64
	for _, r := range records {
		n += uint64(len(r.Data))
	}
	return n
}

// CloseLogFile broadcasts DELETE_LOG_FILE to every replica holding
// logFile, the cleanup path once a memtable has been flushed and its
// log is no longer needed for recovery.
func (r *Replicator) CloseLogFile(ctx context.Context, logFile string, replicas []*dispatcher.Client) error {
	var firstErr error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, client := range replicas {
		wg.Add(1)
		go func(c *dispatcher.Client) {
			defer wg.Done()
			_, done, err := c.InitiateCloseLogFile(logFile)
			if err == nil {
				_, err = dispatcher.Await(ctx, done, 0)
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(client)
	}
	wg.Wait()
	return firstErr
}
