package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/store"
)

func TestUnseenModelIsAvailable(t *testing.T) {
	l := New(nil)

	if !l.IsAvailable("unknown/model") {
		t.Error("expected unseen model to be available")
	}
	if got := l.State("unknown/model"); got != StateHealthy {
		t.Errorf("expected healthy state, got %v", got)
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	l := New(&Config{FailureThreshold: 3})

	l.Record("m", false, time.Second)
	l.Record("m", false, time.Second)
	if got := l.State("m"); got != StateHealthy {
		t.Errorf("expected healthy below threshold, got %v", got)
	}

	l.Record("m", false, time.Second)
	if got := l.State("m"); got != StateFailed {
		t.Errorf("expected failed at threshold, got %v", got)
	}
	if l.IsAvailable("m") {
		t.Error("expected failed model to be unavailable")
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	l := New(&Config{FailureThreshold: 3})

	l.Record("m", false, time.Second)
	l.Record("m", false, time.Second)
	l.Record("m", true, time.Second)
	l.Record("m", false, time.Second)
	l.Record("m", false, time.Second)

	if got := l.State("m"); got != StateHealthy {
		t.Errorf("expected healthy after streak reset, got %v", got)
	}
}

func TestFailedBecomesDegradedAfterTimeout(t *testing.T) {
	l := New(&Config{FailureThreshold: 2, Timeout: 5 * time.Minute})

	now := time.Now()
	l.now = func() time.Time { return now }

	l.Record("m", false, time.Second)
	l.Record("m", false, time.Second)
	if l.IsAvailable("m") {
		t.Fatal("expected model to be blocked")
	}

	// Just under the timeout: still blocked.
	now = now.Add(5*time.Minute - time.Second)
	if l.IsAvailable("m") {
		t.Error("expected model still blocked before timeout")
	}

	now = now.Add(2 * time.Second)
	if !l.IsAvailable("m") {
		t.Error("expected probe to be allowed after timeout")
	}
	if got := l.State("m"); got != StateDegraded {
		t.Errorf("expected degraded after timeout, got %v", got)
	}
}

func TestDegradedTransitions(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		want    State
	}{
		{"probe succeeds", true, StateHealthy},
		{"probe fails", false, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(&Config{FailureThreshold: 2, Timeout: time.Minute})
			now := time.Now()
			l.now = func() time.Time { return now }

			l.Record("m", false, time.Second)
			l.Record("m", false, time.Second)
			now = now.Add(2 * time.Minute)
			if !l.IsAvailable("m") {
				t.Fatal("expected probe to be allowed")
			}

			l.Record("m", tt.success, time.Second)
			if got := l.State("m"); got != tt.want {
				t.Errorf("expected %v after probe, got %v", tt.want, got)
			}
		})
	}
}

func TestPerformanceScore(t *testing.T) {
	l := New(nil)

	// Unseen model scores with a neutral success rate and zero latency.
	if got, want := l.PerformanceScore("unseen"), 0.7*0.5+0.3; got != want {
		t.Errorf("unseen score = %v, want %v", got, want)
	}

	// All successes at 6s average: 0.7*1 + 0.3*(1 - 0.1) = 0.97
	for i := 0; i < 4; i++ {
		l.Record("m", true, 6*time.Second)
	}
	got := l.PerformanceScore("m")
	if got < 0.969 || got > 0.971 {
		t.Errorf("score = %v, want ~0.97", got)
	}

	// Latency at or above the ceiling zeroes the latency term.
	l2 := New(nil)
	l2.Record("slow", true, 2*time.Minute)
	if got := l2.PerformanceScore("slow"); got != 0.7 {
		t.Errorf("slow score = %v, want 0.7", got)
	}
}

func TestReliabilityScore(t *testing.T) {
	l := New(nil)

	if got := l.ReliabilityScore("unseen"); got != 0 {
		t.Errorf("unseen reliability = %v, want 0", got)
	}

	l.Record("m", true, time.Second)
	l.Record("m", true, time.Second)
	l.Record("m", false, time.Second)
	l.Record("m", true, time.Second)
	if got := l.ReliabilityScore("m"); got != 0.75 {
		t.Errorf("reliability = %v, want 0.75", got)
	}
}

func TestRollingLatencyWindow(t *testing.T) {
	l := New(nil)

	// Ten slow samples, then ten fast ones push them out of the window.
	for i := 0; i < 10; i++ {
		l.Record("m", true, 30*time.Second)
	}
	for i := 0; i < 10; i++ {
		l.Record("m", true, time.Second)
	}

	snap := l.Snapshot("m")
	if snap == nil {
		t.Fatal("expected snapshot")
	}
	if snap.AvgLatency != time.Second {
		t.Errorf("avg latency = %v, want 1s", snap.AvgLatency)
	}
	if snap.Total != 20 {
		t.Errorf("total = %d, want 20", snap.Total)
	}
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	l := New(&Config{FailureThreshold: 2})
	l.Record("m", false, time.Second)
	l.Record("m", false, time.Second)
	l.Record("other", true, 2*time.Second)

	if err := l.Flush(ctx, st); err != nil {
		t.Fatalf("flush: %v", err)
	}

	restored := New(&Config{FailureThreshold: 2})
	if err := restored.Load(ctx, st); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := restored.State("m"); got != StateFailed {
		t.Errorf("restored state = %v, want failed", got)
	}
	if got := restored.ReliabilityScore("other"); got != 1.0 {
		t.Errorf("restored reliability = %v, want 1.0", got)
	}
}
