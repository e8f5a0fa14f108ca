// Package janitor periodically sweeps expired entries out of the bounded
// caches owned by the limiter and the usage tracker.
//
// No single check depends on it: window pruning and block expiry are
// lazy and self-healing at read time. The janitor exists so that keys
// that never get read again (departed users, one-off addresses) do not
// pin memory forever.
package janitor

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"
)

// DefaultInterval is how often sweeps run.
const DefaultInterval = 5 * time.Minute

// Sweep removes entries that are stale as of now and returns how many it
// removed.
type Sweep func(now time.Time) (removed int)

// Janitor runs registered sweeps on a fixed interval.
type Janitor struct {
	log      slog.Logger
	clock    quartz.Clock
	interval time.Duration

	mu     sync.Mutex
	sweeps []namedSweep
	waiter quartz.Waiter
}

type namedSweep struct {
	name  string
	sweep Sweep
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithClock replaces the wall clock, for testing.
func WithClock(clock quartz.Clock) Option {
	return func(j *Janitor) {
		j.clock = clock
	}
}

// WithInterval sets the sweep interval.
func WithInterval(interval time.Duration) Option {
	return func(j *Janitor) {
		j.interval = interval
	}
}

// New returns a Janitor. Register sweeps, then call Start.
func New(logger slog.Logger, opts ...Option) *Janitor {
	j := &Janitor{
		log:      logger,
		clock:    quartz.NewReal(),
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Register adds a named sweep. Sweeps registered after Start still run on
// the next tick.
func (j *Janitor) Register(name string, sweep Sweep) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sweeps = append(j.sweeps, namedSweep{name: name, sweep: sweep})
}

// Start begins the periodic sweep. Canceling ctx stops it; use Wait to
// observe the stop during shutdown.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.waiter != nil {
		panic("developer error: janitor started twice")
	}
	j.waiter = j.clock.TickerFunc(ctx, j.interval, func() error {
		j.sweepAll(ctx)
		return nil
	}, "janitor")
}

// Wait blocks until the sweep loop has stopped. It returns the context
// error that stopped it.
func (j *Janitor) Wait() error {
	j.mu.Lock()
	waiter := j.waiter
	j.mu.Unlock()
	if waiter == nil {
		panic("developer error: Wait called before Start")
	}
	return waiter.Wait()
}

func (j *Janitor) sweepAll(ctx context.Context) {
	now := j.clock.Now()

	j.mu.Lock()
	sweeps := make([]namedSweep, len(j.sweeps))
	copy(sweeps, j.sweeps)
	j.mu.Unlock()

	var total int
	for _, s := range sweeps {
		removed := s.sweep(now)
		total += removed
		if removed > 0 {
			j.log.Debug(ctx, "janitor sweep removed entries",
				slog.F("sweep", s.name),
				slog.F("removed", removed),
			)
		}
	}
	j.log.Debug(ctx, "janitor sweep complete", slog.F("total_removed", total))
}
