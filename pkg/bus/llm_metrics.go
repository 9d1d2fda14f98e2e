package bus

import (
	"sync"
	"time"
)

// ServiceMetrics tracks per-provider call statistics for the LLM bus's
// latency-based and least-loaded distribution strategies.
type ServiceMetrics struct {
	mu                  sync.Mutex
	TotalRequests       int64
	FailedRequests      int64
	TotalLatencyMS      int64
	LastRequestTime     time.Time
	LastFailureTime     time.Time
	ConsecutiveFailures int
}

// RecordSuccess notes a completed call and its latency.
func (m *ServiceMetrics) RecordSuccess(latencyMS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
	m.TotalLatencyMS += latencyMS
	m.LastRequestTime = time.Now()
	m.ConsecutiveFailures = 0
}

// RecordFailure notes a failed call.
func (m *ServiceMetrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
	m.FailedRequests++
	now := time.Now()
	m.LastRequestTime = now
	m.LastFailureTime = now
	m.ConsecutiveFailures++
}

// AverageLatencyMS returns mean latency across completed calls, or 0
// with no samples (the warm-up bias: unsampled providers sort first).
func (m *ServiceMetrics) AverageLatencyMS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.TotalLatencyMS) / float64(m.TotalRequests)
}

// FailureRate returns failed/total, or 0 with no samples.
func (m *ServiceMetrics) FailureRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.FailedRequests) / float64(m.TotalRequests)
}

// Requests returns the total request count.
func (m *ServiceMetrics) Requests() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TotalRequests
}

// MetricsSnapshot is the introspection view of one provider's metrics.
type MetricsSnapshot struct {
	Provider            string  `json:"provider"`
	TotalRequests       int64   `json:"total_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	AverageLatencyMS    float64 `json:"average_latency_ms"`
	FailureRate         float64 `json:"failure_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// Snapshot returns a copy of the current counters.
func (m *ServiceMetrics) Snapshot(provider string) MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MetricsSnapshot{
		Provider:            provider,
		TotalRequests:       m.TotalRequests,
		FailedRequests:      m.FailedRequests,
		ConsecutiveFailures: m.ConsecutiveFailures,
	}
	if m.TotalRequests > 0 {
		snap.AverageLatencyMS = float64(m.TotalLatencyMS) / float64(m.TotalRequests)
		snap.FailureRate = float64(m.FailedRequests) / float64(m.TotalRequests)
	}
	return snap
}
