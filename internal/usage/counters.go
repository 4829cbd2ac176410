package usage

import "sync/atomic"

// Counters are lock-free request counters updated on every completion for
// instant status reads. Historical views come from the database backend.
type Counters struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	failureCount  atomic.Int64
	streamCount   atomic.Int64
	totalTokens   atomic.Int64
}

// NewCounters creates a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

// Record increments the counters for one finished request.
func (c *Counters) Record(failed, stream bool, tokens int64) {
	if c == nil {
		return
	}
	c.totalRequests.Add(1)
	if failed {
		c.failureCount.Add(1)
	} else {
		c.successCount.Add(1)
	}
	if stream {
		c.streamCount.Add(1)
	}
	if tokens > 0 {
		c.totalTokens.Add(tokens)
	}
}

// Snapshot returns a point-in-time copy of the counters.
func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		TotalRequests: c.totalRequests.Load(),
		SuccessCount:  c.successCount.Load(),
		FailureCount:  c.failureCount.Load(),
		StreamCount:   c.streamCount.Load(),
		TotalTokens:   c.totalTokens.Load(),
	}
}

// Bootstrap seeds the counters from persisted aggregates at startup.
func (c *Counters) Bootstrap(stats *AggregatedStats) {
	if c == nil || stats == nil {
		return
	}
	c.totalRequests.Store(stats.TotalRequests)
	c.successCount.Store(stats.SuccessCount)
	c.failureCount.Store(stats.FailureCount)
	c.totalTokens.Store(stats.TotalTokens)
}

// CounterSnapshot is an immutable view of the counter values.
type CounterSnapshot struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	StreamCount   int64 `json:"stream_count"`
	TotalTokens   int64 `json:"total_tokens"`
}
