// Package ledger tracks per-model outcome history and drives the per-model
// circuit breaker. It is memory-resident; Flush persists snapshots so a
// restarted process keeps its view of which models are healthy.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/store"
)

// State is the breaker state of one model.
type State int

const (
	// StateHealthy allows requests normally.
	StateHealthy State = iota
	// StateDegraded allows requests; the next outcome decides the direction.
	StateDegraded
	// StateFailed blocks requests until the timeout elapses.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func stateFromString(s string) State {
	switch s {
	case "degraded":
		return StateDegraded
	case "failed":
		return StateFailed
	default:
		return StateHealthy
	}
}

// Defaults for the breaker.
const (
	DefaultFailureThreshold = 5
	DefaultTimeout          = 300 * time.Second
	latencyWindow           = 10
	latencyCeiling          = 60 * time.Second
)

// Config contains ledger settings.
type Config struct {
	// FailureThreshold is the consecutive-failure streak that trips a
	// healthy model to failed.
	FailureThreshold int
	// Timeout is how long a failed model stays blocked before it is
	// allowed a probe as degraded.
	Timeout time.Duration
}

type record struct {
	total         int64
	successes     int64
	failures      int64
	latencies     []time.Duration // rolling window, newest last
	failureStreak int
	state         State
	lastSuccessAt time.Time
	lastFailureAt time.Time
}

func (r *record) avgLatency() time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range r.latencies {
		sum += l
	}
	return sum / time.Duration(len(r.latencies))
}

func (r *record) successRate() float64 {
	if r.total == 0 {
		return 0
	}
	return float64(r.successes) / float64(r.total)
}

// Ledger is the per-model outcome history and breaker.
type Ledger struct {
	mu        sync.Mutex
	records   map[string]*record
	threshold int
	timeout   time.Duration
	now       func() time.Time
}

// New creates an empty ledger.
func New(cfg *Config) *Ledger {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Ledger{
		records:   make(map[string]*record),
		threshold: cfg.FailureThreshold,
		timeout:   cfg.Timeout,
		now:       time.Now,
	}
}

// Record registers one attempt outcome and advances the breaker.
func (l *Ledger) Record(modelID string, success bool, latency time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.record(modelID)
	r.total++
	r.latencies = append(r.latencies, latency)
	if len(r.latencies) > latencyWindow {
		r.latencies = r.latencies[len(r.latencies)-latencyWindow:]
	}

	if success {
		r.successes++
		r.failureStreak = 0
		r.lastSuccessAt = l.now()
		// Degraded probes that succeed restore the model.
		r.state = StateHealthy
		return
	}

	r.failures++
	r.failureStreak++
	r.lastFailureAt = l.now()
	switch r.state {
	case StateHealthy:
		if r.failureStreak >= l.threshold {
			r.state = StateFailed
		}
	case StateDegraded:
		// A failed probe trips the breaker again.
		r.state = StateFailed
	}
}

// IsAvailable reports whether a model may receive requests. A failed model
// becomes degraded once the timeout has elapsed since its last failure;
// that transition happens here. Unseen models are available.
func (l *Ledger) IsAvailable(modelID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[modelID]
	if !ok {
		return true
	}
	switch r.state {
	case StateHealthy, StateDegraded:
		return true
	case StateFailed:
		if l.now().Sub(r.lastFailureAt) >= l.timeout {
			r.state = StateDegraded
			return true
		}
		return false
	default:
		return false
	}
}

// PerformanceScore blends success rate and latency:
// 0.7*success_rate + 0.3*(1 - min(avg_latency/60s, 1)).
// Unseen models score with a neutral 0.5 success rate.
func (l *Ledger) PerformanceScore(modelID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[modelID]
	if !ok || r.total == 0 {
		return 0.7*0.5 + 0.3*1.0
	}
	latencyTerm := 1.0 - min(float64(r.avgLatency())/float64(latencyCeiling), 1.0)
	return 0.7*r.successRate() + 0.3*latencyTerm
}

// ReliabilityScore is the raw success rate; no history scores zero.
func (l *Ledger) ReliabilityScore(modelID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[modelID]
	if !ok {
		return 0
	}
	return r.successRate()
}

// Snapshot returns the persisted form of one model's record, nil when the
// model has no history.
func (l *Ledger) Snapshot(modelID string) *store.PerformanceSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[modelID]
	if !ok {
		return nil
	}
	return l.snapshotLocked(modelID, r)
}

// Snapshots returns all records in persisted form.
func (l *Ledger) Snapshots() []*store.PerformanceSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*store.PerformanceSnapshot, 0, len(l.records))
	for id, r := range l.records {
		out = append(out, l.snapshotLocked(id, r))
	}
	return out
}

func (l *Ledger) snapshotLocked(modelID string, r *record) *store.PerformanceSnapshot {
	return &store.PerformanceSnapshot{
		ModelID:       modelID,
		Total:         r.total,
		Successes:     r.successes,
		Failures:      r.failures,
		AvgLatency:    r.avgLatency(),
		FailureStreak: r.failureStreak,
		BreakerState:  r.state.String(),
		LastSuccessAt: r.lastSuccessAt,
		LastFailureAt: r.lastFailureAt,
	}
}

// Flush persists all records into the store.
func (l *Ledger) Flush(ctx context.Context, st store.Store) error {
	snaps := l.Snapshots()
	if len(snaps) == 0 {
		return nil
	}
	if err := st.SavePerformance(ctx, snaps); err != nil {
		return fmt.Errorf("flush performance: %w", err)
	}
	return nil
}

// Load primes the ledger from persisted snapshots. Latency windows are
// seeded with the stored average so scoring keeps working after a restart.
func (l *Ledger) Load(ctx context.Context, st store.Store) error {
	snaps, err := st.ListPerformance(ctx)
	if err != nil {
		return fmt.Errorf("load performance: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, snap := range snaps {
		r := &record{
			total:         snap.Total,
			successes:     snap.Successes,
			failures:      snap.Failures,
			failureStreak: snap.FailureStreak,
			state:         stateFromString(snap.BreakerState),
			lastSuccessAt: snap.LastSuccessAt,
			lastFailureAt: snap.LastFailureAt,
		}
		if snap.AvgLatency > 0 {
			r.latencies = []time.Duration{snap.AvgLatency}
		}
		l.records[snap.ModelID] = r
	}
	return nil
}

// State returns the breaker state of a model; unseen models are healthy.
func (l *Ledger) State(modelID string) State {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.records[modelID]; ok {
		return r.state
	}
	return StateHealthy
}

func (l *Ledger) record(modelID string) *record {
	r, ok := l.records[modelID]
	if !ok {
		r = &record{state: StateHealthy}
		l.records[modelID] = r
	}
	return r
}
