package usage

import "sync/atomic"

// Counters tracks request outcomes since process start. They are atomic so
// the stats endpoint never contends with the request path.
type Counters struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	failureCount  atomic.Int64
	totalTokens   atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

// Observe records one request outcome.
func (c *Counters) Observe(failed bool, tokens int64) {
	if c == nil {
		return
	}
	c.totalRequests.Add(1)
	if failed {
		c.failureCount.Add(1)
	} else {
		c.successCount.Add(1)
	}
	c.totalTokens.Add(tokens)
}

// Snapshot returns a point-in-time copy of the counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		TotalRequests: c.totalRequests.Load(),
		SuccessCount:  c.successCount.Load(),
		FailureCount:  c.failureCount.Load(),
		TotalTokens:   c.totalTokens.Load(),
	}
}

// CounterSnapshot is the JSON shape served by the stats endpoint.
type CounterSnapshot struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	TotalTokens   int64 `json:"total_tokens"`
}
