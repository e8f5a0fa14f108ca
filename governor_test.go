package governor_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/coder/quartz"

	"github.com/threadly/governor"
	"github.com/threadly/governor/dailycounter"
	"github.com/threadly/governor/janitor"
	"github.com/threadly/governor/ratelimit"
	"github.com/threadly/governor/testutil"
	"github.com/threadly/governor/usage"
)

// TestGovernor exercises the assembled lifecycle: admission, quota check,
// usage recording and the janitor reclaiming limiter state.
func TestGovernor(t *testing.T) {
	t.Parallel()

	var (
		mr     = miniredis.RunT(t)
		rdb    = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		clock  = quartz.NewMock(t)
		ctx    = testutil.Context(t, testutil.WaitShort)
		logger = slogtest.Make(t, nil)
		userID = uuid.New()
		store  = &stubStore{
			plan: usage.Plan{ID: uuid.New(), Name: "starter", DailyMessageLimit: 2},
		}
	)

	gov := governor.New(logger, store, rdb, governor.Options{
		Limiter: []ratelimit.Option{ratelimit.WithClock(clock)},
		Counter: []dailycounter.Option{dailycounter.WithClock(clock)},
		Usage:   []usage.TrackerOption{usage.WithClock(clock)},
		Janitor: []janitor.Option{janitor.WithClock(clock), janitor.WithInterval(5 * time.Minute)},
	})

	runCtx, cancel := context.WithCancel(ctx)
	gov.Start(runCtx)

	// Admission, then quota, then recording.
	require.True(t, gov.Limiter.Allow("chat:"+userID.String(), 10))
	_, err := gov.Usage.CheckQuota(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, gov.Usage.IncrementUsage(ctx, userID, 42))
	require.NoError(t, gov.Usage.IncrementUsage(ctx, userID, 42))

	// Plan allows 2/day; the third check trips the quota, which is a
	// different condition than the rate limiter's deny.
	_, err = gov.Usage.CheckQuota(ctx, userID)
	require.ErrorIs(t, err, usage.ErrQuotaExceeded)
	require.True(t, gov.Limiter.Allow("chat:"+userID.String(), 10), "rate limit unaffected by quota")

	// The janitor tick reclaims the drained rate window.
	clock.Advance(5 * time.Minute).MustWait(ctx)

	cancel()
	require.ErrorIs(t, gov.Wait(), context.Canceled)
}

// stubStore is the minimal usage.Store for wiring tests; the full fake
// lives in the usage package's tests.
type stubStore struct {
	plan usage.Plan
	rows map[time.Time]usage.DailyUsage
}

func (s *stubStore) SubscriptionByUserID(_ context.Context, userID uuid.UUID) (usage.Subscription, usage.Plan, error) {
	return usage.Subscription{UserID: userID, PlanID: s.plan.ID}, s.plan, nil
}

func (s *stubStore) DowngradeToDefaultPlan(_ context.Context, userID uuid.UUID) (usage.Subscription, usage.Plan, error) {
	return usage.Subscription{UserID: userID, PlanID: s.plan.ID}, s.plan, nil
}

func (s *stubStore) IncrementDailyUsage(_ context.Context, userID uuid.UUID, day time.Time, tokens int64) error {
	if s.rows == nil {
		s.rows = map[time.Time]usage.DailyUsage{}
	}
	row := s.rows[day]
	row.UserID = userID
	row.Day = day
	row.MessageCount++
	row.TokenCount += tokens
	s.rows[day] = row
	return nil
}

func (s *stubStore) IncrementDailyTokens(_ context.Context, userID uuid.UUID, day time.Time, tokens int64) error {
	if s.rows == nil {
		s.rows = map[time.Time]usage.DailyUsage{}
	}
	row := s.rows[day]
	row.UserID = userID
	row.Day = day
	row.TokenCount += tokens
	s.rows[day] = row
	return nil
}

func (s *stubStore) DailyUsageByUserID(_ context.Context, userID uuid.UUID, day time.Time) (usage.DailyUsage, error) {
	row, ok := s.rows[day]
	if !ok {
		return usage.DailyUsage{UserID: userID, Day: day}, nil
	}
	return row, nil
}

func (s *stubStore) MonthlyUsageByUserID(_ context.Context, _ uuid.UUID, monthStart time.Time) (usage.MonthlyUsage, error) {
	end := monthStart.AddDate(0, 1, 0)
	var monthly usage.MonthlyUsage
	for day, row := range s.rows {
		if day.Before(monthStart) || !day.Before(end) {
			continue
		}
		monthly.MessageCount += row.MessageCount
		monthly.TokenCount += row.TokenCount
	}
	return monthly, nil
}
