// Package dailycounter maintains per-user daily message counters in a
// shared cache. The counter is an accelerator over the durable usage
// ledger, never the system of record: a counter key lives until the next
// UTC midnight and is recreated fresh each day.
//
// Unavailability of the shared cache is reported as ok == false, which
// means "unknown", never zero. Callers must fall back to the durable
// ledger on unknown rather than treating the count as empty.
package dailycounter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"cdr.dev/slog"
	"github.com/coder/quartz"
)

const (
	DefaultKeyPrefix = "usage:messages"
	// DefaultTimeout bounds every round trip to the shared cache so an
	// unreachable cache degrades the request instead of hanging it.
	DefaultTimeout = time.Second
)

// Counter increments and reads per-user daily counts in the shared
// cache. It is safe for concurrent use across goroutines and, by way of
// the cache's atomic increments, across process instances.
type Counter struct {
	log     slog.Logger
	rdb     redis.UniversalClient
	clock   quartz.Clock
	prefix  string
	timeout time.Duration
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock replaces the wall clock, for testing.
func WithClock(clock quartz.Clock) Option {
	return func(c *Counter) {
		c.clock = clock
	}
}

// WithKeyPrefix namespaces the counter keys, so several deployments can
// share one cache.
func WithKeyPrefix(prefix string) Option {
	return func(c *Counter) {
		c.prefix = prefix
	}
}

// WithTimeout sets the per-call timeout for shared cache round trips.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Counter) {
		c.timeout = timeout
	}
}

// New returns a Counter backed by rdb.
func New(logger slog.Logger, rdb redis.UniversalClient, opts ...Option) *Counter {
	c := &Counter{
		log:     logger,
		rdb:     rdb,
		clock:   quartz.NewReal(),
		prefix:  DefaultKeyPrefix,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Increment atomically increments today's count for userID and returns
// the new value. The increment that creates the key also sets its expiry
// to the next UTC midnight. ok is false when the shared cache could not
// be reached; the count is then unknown, not zero.
func (c *Counter) Increment(ctx context.Context, userID uuid.UUID) (count int64, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	now := c.clock.Now().UTC()
	key := c.key(userID, now)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		c.log.Warn(ctx, "shared cache unavailable for usage increment", slog.F("key", key), slog.Error(err))
		return 0, false
	}
	if n == 1 {
		// Freshly created key: expire it at the day boundary. A failure
		// here leaves a key without TTL, which the next day's counter
		// does not read (the day is part of the key), so the count
		// stays correct and the key is merely garbage until deleted.
		if err := c.rdb.Expire(ctx, key, untilMidnight(now)).Err(); err != nil {
			c.log.Warn(ctx, "failed to set expiry on usage counter", slog.F("key", key), slog.Error(err))
		}
	}
	return n, true
}

// Read returns today's count for userID. A missing key is a real zero;
// ok is false only when the shared cache could not be reached.
func (c *Counter) Read(ctx context.Context, userID uuid.UUID) (count int64, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := c.key(userID, c.clock.Now().UTC())
	n, err := c.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, true
	}
	if err != nil {
		c.log.Warn(ctx, "shared cache unavailable for usage read", slog.F("key", key), slog.Error(err))
		return 0, false
	}
	return n, true
}

func (c *Counter) key(userID uuid.UUID, now time.Time) string {
	return c.prefix + ":" + userID.String() + ":" + now.Format("2006-01-02")
}

// untilMidnight returns the duration from now until the next UTC
// midnight. now must already be in UTC.
func untilMidnight(now time.Time) time.Duration {
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(now)
}
