// Package usage accounts per-user daily and monthly usage against a plan.
//
// Two sources of truth cooperate: the durable ledger (one row per user per
// day, monotonically incremented, queryable for history) and a shared-cache
// counter over today's message count (see dailycounter). The counter is
// authoritative for "today" when reachable because the ledger write may lag
// behind admission; when the cache is down the ledger value stands in,
// slightly stale but never lost.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// ErrQuotaExceeded is returned by CheckQuota when the user's plan has no
// messages left for the day. It is deliberately distinct from a rate-limit
// rejection: callers map it to "forbidden, upgrade", not "retry later".
var ErrQuotaExceeded = xerrors.New("daily message quota exceeded")

// Plan describes what a subscription entitles a user to.
type Plan struct {
	ID                uuid.UUID
	Name              string
	DailyMessageLimit int64 // <= 0 means unlimited
	Default           bool
}

// Subscription binds a user to a plan. ExpiresAt and TrialEndsAt are zero
// when the subscription has no hard expiry or trial.
type Subscription struct {
	UserID      uuid.UUID
	PlanID      uuid.UUID
	ExpiresAt   time.Time
	TrialEndsAt time.Time
}

// DailyUsage is one ledger row: a user's counts for one UTC calendar day.
type DailyUsage struct {
	UserID       uuid.UUID
	Day          time.Time
	MessageCount int64
	TokenCount   int64
}

// MonthlyUsage aggregates ledger rows over the current calendar month.
type MonthlyUsage struct {
	MessageCount int64
	TokenCount   int64
}

// Snapshot is the assembled view of a user's plan, subscription and usage.
// Expired is true only on the read that observed the expiry and performed
// the downgrade.
type Snapshot struct {
	Plan         Plan
	Subscription Subscription
	Usage        DailyUsage
	Monthly      MonthlyUsage
	Expired      bool
}

// Store is the durable ledger and subscription storage the tracker needs.
// usagedb implements it on Postgres; tests supply fakes.
type Store interface {
	// SubscriptionByUserID returns the user's subscription and its plan.
	SubscriptionByUserID(ctx context.Context, userID uuid.UUID) (Subscription, Plan, error)
	// DowngradeToDefaultPlan atomically moves the user onto the default
	// plan and returns the new subscription and plan.
	DowngradeToDefaultPlan(ctx context.Context, userID uuid.UUID) (Subscription, Plan, error)
	// IncrementDailyUsage upserts the (user, day) ledger row, adding one
	// message and tokens tokens.
	IncrementDailyUsage(ctx context.Context, userID uuid.UUID, day time.Time, tokens int64) error
	// IncrementDailyTokens upserts the (user, day) ledger row, adding
	// tokens tokens without counting a message.
	IncrementDailyTokens(ctx context.Context, userID uuid.UUID, day time.Time, tokens int64) error
	// DailyUsageByUserID returns the ledger row for day, or a zero row
	// if the user has no usage that day.
	DailyUsageByUserID(ctx context.Context, userID uuid.UUID, day time.Time) (DailyUsage, error)
	// MonthlyUsageByUserID sums ledger rows in [monthStart, monthStart+1 month).
	MonthlyUsageByUserID(ctx context.Context, userID uuid.UUID, monthStart time.Time) (MonthlyUsage, error)
}

// DailyCounter is the shared-cache accelerator over today's message
// count. ok == false means the count is unknown, not zero.
type DailyCounter interface {
	Increment(ctx context.Context, userID uuid.UUID) (count int64, ok bool)
	Read(ctx context.Context, userID uuid.UUID) (count int64, ok bool)
}

// day truncates t to its UTC calendar day.
func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// monthStart truncates t to the first day of its UTC calendar month.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
