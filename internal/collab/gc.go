package collab

import (
	"context"
	"log"
	"time"
)

// HistoryPurger removes aged sync bookkeeping. Implemented by the store.
type HistoryPurger interface {
	PurgeSyncHistory(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper is the periodic garbage collector: it reaps idle participants and
// empty sessions from the registry and purges sync bookkeeping past the
// retention window. It runs as an explicit, cancellable background task and
// never blocks the request path.
type Sweeper struct {
	registry      *Registry
	history       HistoryPurger
	interval      time.Duration
	idleThreshold time.Duration
	retention     time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(registry *Registry, history HistoryPurger, interval, idleThreshold, retention time.Duration) *Sweeper {
	return &Sweeper{
		registry:      registry,
		history:       history,
		interval:      interval,
		idleThreshold: idleThreshold,
		retention:     retention,
	}
}

// Start launches the sweep loop. Stop cancels it and waits for the loop to
// drain.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// sweep runs one pass. Best-effort: purge errors are logged and dropped.
func (s *Sweeper) sweep(ctx context.Context) {
	reaped := s.registry.sweepIdle(s.idleThreshold)
	if reaped > 0 {
		log.Printf("collab gc: reaped %d idle participants", reaped)
	}

	purged, err := s.history.PurgeSyncHistory(ctx, time.Now().Add(-s.retention))
	if err != nil {
		log.Printf("collab gc: purge sync history: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("collab gc: purged %d aged sync records", purged)
	}
}
