package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	purged  int64
	err     error
}

func (f *fakePurger) PurgeSyncHistory(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.purged, f.err
}

func (f *fakePurger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweepReapsIdleAndPurgesHistory(t *testing.T) {
	registry, _ := newTestRegistry()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return base }
	if _, err := registry.Join(context.Background(), "p1", identity("u1", "c1"), &fakeSender{}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	registry.now = func() time.Time { return base.Add(time.Hour) }

	purger := &fakePurger{purged: 3}
	sweeper := NewSweeper(registry, purger, time.Minute, 30*time.Minute, 7*24*time.Hour)

	sweeper.sweep(context.Background())

	if registry.ActiveSessions() != 0 {
		t.Errorf("expected idle session reaped, got %d active", registry.ActiveSessions())
	}
	if purger.calls() != 1 {
		t.Fatalf("expected 1 purge call, got %d", purger.calls())
	}
	cutoff := purger.cutoffs[0]
	age := time.Since(cutoff)
	if age < 7*24*time.Hour-time.Minute || age > 7*24*time.Hour+time.Minute {
		t.Errorf("expected cutoff about 7 days back, got %v", cutoff)
	}
}

func TestSweepSurvivesPurgeError(t *testing.T) {
	registry, _ := newTestRegistry()
	purger := &fakePurger{err: errors.New("db down")}
	sweeper := NewSweeper(registry, purger, time.Minute, 30*time.Minute, time.Hour)

	// Best-effort housekeeping: a purge failure is logged, never surfaced.
	sweeper.sweep(context.Background())

	if purger.calls() != 1 {
		t.Errorf("expected purge attempted once, got %d", purger.calls())
	}
}

func TestSweeperStartStop(t *testing.T) {
	registry, _ := newTestRegistry()
	purger := &fakePurger{}
	sweeper := NewSweeper(registry, purger, 10*time.Millisecond, 30*time.Minute, time.Hour)

	sweeper.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for purger.calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	sweeper.Stop()

	settled := purger.calls()
	time.Sleep(50 * time.Millisecond)
	if purger.calls() != settled {
		t.Error("sweeper kept running after Stop")
	}
}

func TestStopWithoutStart(t *testing.T) {
	registry, _ := newTestRegistry()
	sweeper := NewSweeper(registry, &fakePurger{}, time.Minute, time.Minute, time.Minute)
	sweeper.Stop()
}
