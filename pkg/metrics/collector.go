package metrics

import "time"

// StatsSource is implemented by whatever owns the periodically-collected
// numbers for this process — a StoC's rtable registry, or an LTC's
// dispatcher pool. Kept minimal so the collector doesn't need to import
// either package directly and create a cycle.
type StatsSource interface {
	PendingReadBytes() uint64
	PendingWriteBytes() uint64
	RTableCount() int
}

// Collector periodically samples a StatsSource into the package's
// Prometheus gauges, the same ticker-driven shape the manager's node/
// service collector used, generalized to a single source interface.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15s, matching the manager
// collector's cadence.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.source == nil {
		return
	}
	PendingReadBytes.Set(float64(c.source.PendingReadBytes()))
	PendingWriteBytes.Set(float64(c.source.PendingWriteBytes()))
	RTablesTotal.Set(float64(c.source.RTableCount()))
}
