package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"

	"github.com/threadly/governor/lrucache"
)

const (
	// DefaultSnapshotTTL bounds how stale a cached plan snapshot may be
	// during rapid quota checks. Seconds, not minutes: a user who just
	// upgraded should not stare at yesterday's limit for long even if
	// the billing hook misses an invalidation.
	DefaultSnapshotTTL = 10 * time.Second

	DefaultSnapshotCacheSize = 10000
)

// Tracker merges the shared-cache counter with the durable ledger and
// serves short-TTL cached plan snapshots. It is the sole writer-of-record
// translating between the two stores.
type Tracker struct {
	log     slog.Logger
	store   Store
	counter DailyCounter
	clock   quartz.Clock
	ttl     time.Duration

	snapshots *lrucache.Cache[uuid.UUID, cachedSnapshot]
}

type cachedSnapshot struct {
	snap      Snapshot
	expiresAt time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock replaces the wall clock, for testing.
func WithClock(clock quartz.Clock) TrackerOption {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithSnapshotTTL sets how long a cached plan snapshot may be served.
func WithSnapshotTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.ttl = ttl
	}
}

// WithSnapshotCacheSize bounds how many users' snapshots stay cached.
func WithSnapshotCacheSize(size int) TrackerOption {
	return func(t *Tracker) {
		t.snapshots = lrucache.New[uuid.UUID, cachedSnapshot](size)
	}
}

// NewTracker returns a Tracker reading plans and the ledger from store
// and today's live count from counter.
func NewTracker(logger slog.Logger, store Store, counter DailyCounter, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		log:       logger,
		store:     store,
		counter:   counter,
		clock:     quartz.NewReal(),
		ttl:       DefaultSnapshotTTL,
		snapshots: lrucache.New[uuid.UUID, cachedSnapshot](DefaultSnapshotCacheSize),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// UserPlanAndUsage returns the user's plan, subscription and usage. The
// plan/subscription/monthly portion may be served from the snapshot cache
// within its TTL; today's message count is read live from the shared
// cache on every call and overrides the ledger value when known.
func (t *Tracker) UserPlanAndUsage(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	now := t.clock.Now()

	snap, ok := t.cached(userID, now)
	if !ok {
		var err error
		snap, err = t.buildSnapshot(ctx, userID, now)
		if err != nil {
			return Snapshot{}, err
		}
	}

	// The live counter reflects admissions within the last seconds; the
	// cached ledger value may lag behind. Unknown (cache down) keeps the
	// ledger value, which is correct, just possibly stale.
	if count, ok := t.counter.Read(ctx, userID); ok {
		snap.Usage.MessageCount = count
	}
	return snap, nil
}

// CheckQuota returns the current snapshot, with ErrQuotaExceeded when the
// plan's daily message limit has been reached. A limit of zero or below
// is unlimited.
func (t *Tracker) CheckQuota(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	snap, err := t.UserPlanAndUsage(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Plan.DailyMessageLimit > 0 && snap.Usage.MessageCount >= snap.Plan.DailyMessageLimit {
		return snap, ErrQuotaExceeded
	}
	return snap, nil
}

// IncrementUsage records one message and its tokens for userID: the
// shared-cache counter first (failure is silent, the counter is only an
// accelerator), then the durable ledger (failure propagates, the ledger
// is the system of record), then the snapshot cache entry is dropped so
// the next read sees the new totals promptly.
func (t *Tracker) IncrementUsage(ctx context.Context, userID uuid.UUID, tokens int64) error {
	if _, ok := t.counter.Increment(ctx, userID); !ok {
		t.log.Debug(ctx, "usage counter unavailable, ledger remains authoritative", slog.F("user_id", userID))
	}
	if err := t.store.IncrementDailyUsage(ctx, userID, day(t.clock.Now()), tokens); err != nil {
		return xerrors.Errorf("increment daily usage: %w", err)
	}
	t.Invalidate(userID)
	return nil
}

// IncrementTokens records tokens without counting a message, for post-hoc
// correction of a token estimate.
func (t *Tracker) IncrementTokens(ctx context.Context, userID uuid.UUID, tokens int64) error {
	if err := t.store.IncrementDailyTokens(ctx, userID, day(t.clock.Now()), tokens); err != nil {
		return xerrors.Errorf("increment daily tokens: %w", err)
	}
	t.Invalidate(userID)
	return nil
}

// Invalidate drops the cached snapshot for userID. Billing calls this on
// any out-of-band subscription change so the next read hits the store.
func (t *Tracker) Invalidate(userID uuid.UUID) {
	t.snapshots.Delete(userID)
}

// SweepSnapshots removes snapshots that expired before now. Intended to
// run from the janitor; reads already ignore expired entries.
func (t *Tracker) SweepSnapshots(now time.Time) int {
	return t.snapshots.Cleanup(func(_ uuid.UUID, cs cachedSnapshot) bool {
		return !cs.expiresAt.After(now)
	})
}

func (t *Tracker) cached(userID uuid.UUID, now time.Time) (Snapshot, bool) {
	cs, ok := t.snapshots.Get(userID)
	if !ok {
		return Snapshot{}, false
	}
	if !cs.expiresAt.After(now) {
		t.snapshots.Delete(userID)
		return Snapshot{}, false
	}
	return cs.snap, true
}

// buildSnapshot reads subscription, plan, monthly aggregate and today's
// ledger row from the store, downgrading an expired paid plan along the
// way, and caches the result for the TTL.
func (t *Tracker) buildSnapshot(ctx context.Context, userID uuid.UUID, now time.Time) (Snapshot, error) {
	sub, plan, err := t.store.SubscriptionByUserID(ctx, userID)
	if err != nil {
		return Snapshot{}, xerrors.Errorf("get subscription: %w", err)
	}

	var expired bool
	if !plan.Default && subscriptionExpired(sub, now) {
		sub, plan, err = t.store.DowngradeToDefaultPlan(ctx, userID)
		if err != nil {
			return Snapshot{}, xerrors.Errorf("downgrade expired subscription: %w", err)
		}
		expired = true
		t.log.Info(ctx, "subscription expired, downgraded to default plan",
			slog.F("user_id", userID),
			slog.F("plan", plan.Name),
		)
	}

	monthly, err := t.store.MonthlyUsageByUserID(ctx, userID, monthStart(now))
	if err != nil {
		return Snapshot{}, xerrors.Errorf("aggregate monthly usage: %w", err)
	}
	today, err := t.store.DailyUsageByUserID(ctx, userID, day(now))
	if err != nil {
		return Snapshot{}, xerrors.Errorf("get daily usage: %w", err)
	}

	snap := Snapshot{
		Plan:         plan,
		Subscription: sub,
		Usage:        today,
		Monthly:      monthly,
	}
	// The cached copy never carries Expired; only the call that observed
	// the downgrade reports it.
	t.snapshots.Set(userID, cachedSnapshot{snap: snap, expiresAt: now.Add(t.ttl)})
	snap.Expired = expired
	return snap, nil
}

func subscriptionExpired(sub Subscription, now time.Time) bool {
	if !sub.ExpiresAt.IsZero() && sub.ExpiresAt.Before(now) {
		return true
	}
	if !sub.TrialEndsAt.IsZero() && sub.TrialEndsAt.Before(now) {
		return true
	}
	return false
}
