// Package ratelimit enforces sliding-window rate limits for in-process
// request admission, with escalating hard blocks for sources that keep
// violating the authentication limit.
//
// All state lives in bounded per-process caches; nothing is shared across
// instances. A deployment that needs exact cross-instance admission counts
// should meter with dailycounter instead, which rides the shared cache's
// atomic increments. The in-process limiter is a hard cap within one
// process and an approximation across a fleet.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/threadly/governor/lrucache"
)

const (
	// MinuteWindow is the window used by Allow and AllowSource.
	MinuteWindow = time.Minute

	DefaultCacheSize       = 10000
	DefaultSourceLimit     = 10
	DefaultViolationWindow = 15 * time.Minute
	DefaultBlockThreshold  = 3
	DefaultBlockDuration   = 15 * time.Minute
)

// Decision is the verdict of a source admission check. RetryAfter is a
// hint for how long the caller should wait before retrying; zero means no
// recommendation.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// windowState is the per-key sliding window: the timestamps of admitted
// events, pruned lazily, together with the window they were checked
// against so the janitor knows when they are fully stale.
type windowState struct {
	window time.Duration
	stamps []time.Time
}

// Limiter admits or rejects keyed events against sliding windows. It is
// safe for concurrent use.
type Limiter struct {
	log   slog.Logger
	clock quartz.Clock

	// mu covers the read-filter-append sequence on window state so that
	// concurrent admits for one key cannot both pass a limit with one
	// slot left.
	mu              sync.Mutex
	identityWindows *lrucache.Cache[string, windowState]
	sourceWindows   *lrucache.Cache[string, windowState]
	sourceLimit     int
	escalator       *escalator
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, for testing.
func WithClock(clock quartz.Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// WithCacheSize bounds how many distinct keys each internal cache tracks.
func WithCacheSize(size int) Option {
	return func(l *Limiter) {
		l.identityWindows = lrucache.New[string, windowState](size)
		l.sourceWindows = lrucache.New[string, windowState](size)
		l.escalator.violations = lrucache.New[string, violation](size)
		l.escalator.blocks = lrucache.New[string, time.Time](size)
	}
}

// WithSourceLimit sets how many admissions per minute a single source
// address gets before rejections start counting as violations.
func WithSourceLimit(limit int) Option {
	return func(l *Limiter) {
		l.sourceLimit = limit
	}
}

// WithEscalation tunes the violation state machine: threshold violations
// within window promote the key to a hard block lasting blockFor.
func WithEscalation(threshold int, window, blockFor time.Duration) Option {
	return func(l *Limiter) {
		l.escalator.threshold = threshold
		l.escalator.window = window
		l.escalator.blockFor = blockFor
	}
}

// New returns a Limiter with minute windows for identities and source
// addresses.
func New(logger slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		log:             logger,
		clock:           quartz.NewReal(),
		identityWindows: lrucache.New[string, windowState](DefaultCacheSize),
		sourceWindows:   lrucache.New[string, windowState](DefaultCacheSize),
		sourceLimit:     DefaultSourceLimit,
		escalator: &escalator{
			violations: lrucache.New[string, violation](DefaultCacheSize),
			blocks:     lrucache.New[string, time.Time](DefaultCacheSize),
			threshold:  DefaultBlockThreshold,
			window:     DefaultViolationWindow,
			blockFor:   DefaultBlockDuration,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow admits an event for key if fewer than limit events were admitted
// in the trailing minute. A limit of zero or below means unlimited: the
// call admits and records nothing, so unlimited keys never grow state.
func (l *Limiter) Allow(key string, limit int) bool {
	return l.AllowN(key, limit, MinuteWindow)
}

// AllowN is the generic form of Allow with a caller-supplied window.
func (l *Limiter) AllowN(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	admitted, _ := l.admitLocked(l.identityWindows, key, limit, window)
	return admitted
}

// AllowSource admits an authentication attempt from addr. A rejected
// attempt counts as a violation; enough violations inside the violation
// window promote the address to a hard block. While blocked, every call
// is denied with the time remaining until the block lifts.
func (l *Limiter) AllowSource(addr string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if until, blocked := l.escalator.blockedUntil(addr, now); blocked {
		return Decision{Allowed: false, RetryAfter: until.Sub(now)}
	}

	admitted, oldest := l.admitLocked(l.sourceWindows, addr, l.sourceLimit, MinuteWindow)
	if admitted {
		return Decision{Allowed: true}
	}

	if l.escalator.recordViolation(addr, now) {
		// Newly blocked. Drop the window state so requests during the
		// block do not keep re-tripping the limiter once it lifts.
		l.sourceWindows.Delete(addr)
		l.log.Warn(context.Background(), "source address blocked after repeated rate limit violations",
			slog.F("addr", addr),
			slog.F("block_duration", l.escalator.blockFor),
		)
		return Decision{Allowed: false, RetryAfter: l.escalator.blockFor}
	}

	// Not yet blocked; suggest waiting until the oldest admitted event
	// leaves the window.
	return Decision{Allowed: false, RetryAfter: oldest.Add(MinuteWindow).Sub(now)}
}

// admitLocked runs the sliding-window check for key: prune timestamps
// that fell out of the window, reject without recording when the
// remainder is at the limit, otherwise record now and admit. It returns
// the oldest in-window timestamp for retry hints. l.mu must be held.
func (l *Limiter) admitLocked(cache *lrucache.Cache[string, windowState], key string, limit int, window time.Duration) (bool, time.Time) {
	now := l.clock.Now()
	cutoff := now.Add(-window)

	state, _ := cache.Get(key)
	live := state.stamps[:0]
	for _, ts := range state.stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	var oldest time.Time
	if len(live) > 0 {
		oldest = live[0]
	}
	if len(live) >= limit {
		cache.Set(key, windowState{window: window, stamps: live})
		return false, oldest
	}
	cache.Set(key, windowState{window: window, stamps: append(live, now)})
	return true, oldest
}

// SweepWindows removes window state whose every timestamp has aged out as
// of now. Intended to run from the janitor.
func (l *Limiter) SweepWindows(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	stale := func(_ string, state windowState) bool {
		cutoff := now.Add(-state.window)
		for _, ts := range state.stamps {
			if ts.After(cutoff) {
				return false
			}
		}
		return true
	}
	return l.identityWindows.Cleanup(stale) + l.sourceWindows.Cleanup(stale)
}

// SweepBlocks removes expired block and stale violation records as of
// now. Intended to run from the janitor.
func (l *Limiter) SweepBlocks(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.escalator.sweep(now)
}
