// Package compaction implements the LTC-side compaction initiator and
// the StoC-side bounded compaction worker pool, grounded on
// `nova/nova_main.cpp`'s compaction thread pool and
// `include/leveldb/cc_client.h`'s InitiateCompaction /
// CompactionRequest. The actual merge/sort of SSTable contents is an
// external collaborator (the LSM tree's compaction logic) that this
// package does not implement; it only owns dispatch, bounded
// concurrency, and plan/result bookkeeping.
package compaction

import (
	"context"
	"fmt"

	"github.com/novalsm/ccstoc/pkg/dispatcher"
	"github.com/novalsm/ccstoc/pkg/metrics"
	"github.com/novalsm/ccstoc/pkg/rtable"
	"github.com/novalsm/ccstoc/pkg/wire"
)

// Initiator issues compaction plans to a StoC and decodes the outputs
// it returns.
type Initiator struct {
	client *dispatcher.Client
}

// NewInitiator builds an Initiator over client.
func NewInitiator(client *dispatcher.Client) *Initiator {
	return &Initiator{client: client}
}

// Compact hands plan to the StoC and blocks until it completes,
// returning plan with Outputs populated from the StoC's response.
func (in *Initiator) Compact(ctx context.Context, plan rtable.CompactionRequest) (rtable.CompactionRequest, error) {
	timer := metrics.NewTimer()
	_, done, err := in.client.InitiateCompaction(plan)
	if err != nil {
		return plan, err
	}
	resp, err := dispatcher.Await(ctx, done, 0)
	labels := []string{fmt.Sprintf("%d", plan.SourceLevel), fmt.Sprintf("%d", plan.TargetLevel)}
	timer.ObserveDurationVec(metrics.CompactionDuration, labels...)

	outcome := "ok"
	defer func() { metrics.CompactionsTotal.WithLabelValues(outcome).Inc() }()

	if err != nil {
		outcome = "error"
		return plan, err
	}

	result, err := wire.DecodeCompactionRequest(resp.Payload)
	if err != nil {
		outcome = "error"
		return plan, fmt.Errorf("compaction: decode result: %w", err)
	}
	plan.Outputs = result.Outputs
	return plan, nil
}
