// Package watchdog periodically looks for matches whose computation has been
// outstanding for too long and sends the request to the cluster again. The
// cluster dedups by computation id, so a re-send of a computation that is
// merely slow is harmless, and one that already finished is answered from
// its result cache.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/tolelom/shadowduel/core"
)

// Ledger is the read side of the ledger the watchdog needs.
type Ledger interface {
	Match(id string) (*core.Match, error)
	Now() time.Time
}

// Index lists matches currently parked in resolving.
type Index interface {
	ResolvingMatches() ([]string, error)
}

// Redispatcher re-sends the outstanding computation of a match.
type Redispatcher interface {
	Redispatch(ctx context.Context, m *core.Match) error
}

// Watchdog re-dispatches stuck computations on a fixed interval.
type Watchdog struct {
	ledger Ledger
	index  Index
	coord  Redispatcher
	after  time.Duration

	mu   sync.Mutex
	last map[string]time.Time // computation id → last re-send

	sched gocron.Scheduler
}

// New creates a Watchdog that re-sends a computation once it has been
// outstanding for at least after, and again every after while it stays so.
func New(l Ledger, idx Index, coord Redispatcher, after time.Duration) *Watchdog {
	return &Watchdog{
		ledger: l,
		index:  idx,
		coord:  coord,
		after:  after,
		last:   make(map[string]time.Time),
	}
}

// Sweep runs one pass and returns how many computations were re-sent.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	ids, err := w.index.ResolvingMatches()
	if err != nil {
		return 0, fmt.Errorf("list resolving matches: %w", err)
	}
	now := w.ledger.Now()
	live := make(map[string]bool, len(ids))
	sent := 0
	var errs []error

	for _, id := range ids {
		m, err := w.ledger.Match(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("match %s: %w", id, err))
			continue
		}
		if m.Phase != core.PhaseResolving || m.Pending == nil {
			continue
		}
		compID := m.Pending.ComputationID
		live[compID] = true

		since := time.Unix(0, m.Pending.RequestedAt)
		w.mu.Lock()
		if t, ok := w.last[compID]; ok {
			since = t
		}
		w.mu.Unlock()
		if now.Sub(since) < w.after {
			continue
		}

		if err := w.coord.Redispatch(ctx, m); err != nil {
			errs = append(errs, err)
			continue
		}
		w.mu.Lock()
		w.last[compID] = now
		w.mu.Unlock()
		sent++
	}

	w.mu.Lock()
	for compID := range w.last {
		if !live[compID] {
			delete(w.last, compID)
		}
	}
	w.mu.Unlock()
	return sent, errors.Join(errs...)
}

// Start schedules Sweep every interval. Overlapping runs are skipped.
func (w *Watchdog) Start(interval time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n, err := w.Sweep(context.Background())
			if err != nil {
				log.Printf("[watchdog] sweep: %v", err)
			}
			if n > 0 {
				log.Printf("[watchdog] re-dispatched %d stuck computation(s)", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	w.sched = sched
	return nil
}

// Stop waits for a running sweep and stops the scheduler.
func (w *Watchdog) Stop() error {
	if w.sched == nil {
		return nil
	}
	return w.sched.Shutdown()
}
