// Package metrics provides lightweight, lock-free solve counters using atomic
// operations, plus a Prometheus collector for the /metrics endpoint.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks aggregate statistics for the solve engine.
//
// All counters are accessed exclusively through atomic operations, which means:
//   - There is no mutex contention on the request hot path.
//   - The struct may be shared by pointer without additional synchronisation.
//
// Fields are uint64 and aligned to 64-bit boundaries to satisfy the
// requirements of sync/atomic on 32-bit platforms.
type Metrics struct {
	// TotalRequests is the number of solve requests that reached the
	// orchestrator since startup.
	TotalRequests uint64

	// Success is the number of requests that ended with a token.
	Success uint64

	// Failed is the number of requests that ended with any other outcome.
	Failed uint64

	// Rejected is the number of previously issued tokens that callers
	// reported as refused by the target site.
	Rejected uint64

	// outcomes maps an outcome name to its *uint64 counter.
	outcomes sync.Map

	startTime time.Time
}

// NewMetrics creates a Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// IncrementTotal atomically increments the total-requests counter.
func (m *Metrics) IncrementTotal() {
	atomic.AddUint64(&m.TotalRequests, 1)
}

// IncrementSuccess atomically increments the successful-requests counter.
func (m *Metrics) IncrementSuccess() {
	atomic.AddUint64(&m.Success, 1)
}

// IncrementFailed atomically increments the failed-requests counter.
func (m *Metrics) IncrementFailed() {
	atomic.AddUint64(&m.Failed, 1)
}

// IncrementRejected atomically increments the rejected-token counter.
func (m *Metrics) IncrementRejected() {
	atomic.AddUint64(&m.Rejected, 1)
}

// IncrementOutcome bumps the per-outcome counter for name.
func (m *Metrics) IncrementOutcome(name string) {
	v, ok := m.outcomes.Load(name)
	if !ok {
		v, _ = m.outcomes.LoadOrStore(name, new(uint64))
	}
	atomic.AddUint64(v.(*uint64), 1)
}

// Outcomes returns a copy of the per-outcome counters.
func (m *Metrics) Outcomes() map[string]uint64 {
	out := make(map[string]uint64)
	m.outcomes.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadUint64(v.(*uint64))
		return true
	})
	return out
}

// OutcomeNames returns the names seen so far, sorted, for stable log output.
func (m *Metrics) OutcomeNames() []string {
	var names []string
	m.outcomes.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// RequestsPerSecond returns the average request rate since the Metrics
// instance was created.  Returns 0 if no time has elapsed.
func (m *Metrics) RequestsPerSecond() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&m.TotalRequests)) / elapsed
}

// SuccessRate returns the share of requests whose token was not later
// reported as rejected: (Success-Rejected)/TotalRequests, floored at 0.
// It is 0 before the first request.
func (m *Metrics) SuccessRate() float64 {
	total := atomic.LoadUint64(&m.TotalRequests)
	if total == 0 {
		return 0
	}
	success := atomic.LoadUint64(&m.Success)
	rejected := atomic.LoadUint64(&m.Rejected)
	if rejected >= success {
		return 0
	}
	return float64(success-rejected) / float64(total)
}

// Uptime returns the time since NewMetrics.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Snapshot returns a point-in-time copy of the counters.  The loads are not
// performed under a single lock, so the snapshot may be very slightly
// inconsistent, which is acceptable for monitoring purposes.
func (m *Metrics) Snapshot() (total, success, failed uint64) {
	return atomic.LoadUint64(&m.TotalRequests),
		atomic.LoadUint64(&m.Success),
		atomic.LoadUint64(&m.Failed)
}

// RejectedCount returns the rejected-token counter.
func (m *Metrics) RejectedCount() uint64 {
	return atomic.LoadUint64(&m.Rejected)
}
