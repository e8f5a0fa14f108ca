// Package usagedb implements usage.Store on Postgres.
package usagedb

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/xerrors"

	"github.com/threadly/governor/usage"
)

// Schema is the storage this package expects. The host application owns
// migrations; this is the reference shape.
const Schema = `
CREATE TABLE IF NOT EXISTS plans (
	id uuid PRIMARY KEY,
	name text NOT NULL,
	daily_message_limit bigint NOT NULL DEFAULT 0,
	is_default boolean NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS subscriptions (
	user_id uuid PRIMARY KEY,
	plan_id uuid NOT NULL REFERENCES plans (id),
	expires_at timestamptz,
	trial_ends_at timestamptz
);

CREATE TABLE IF NOT EXISTS daily_usage (
	user_id uuid NOT NULL,
	day date NOT NULL,
	message_count bigint NOT NULL DEFAULT 0,
	token_count bigint NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, day)
);
`

// Store is a Postgres-backed usage.Store.
type Store struct {
	db *sqlx.DB
}

var _ usage.Store = (*Store)(nil)

// New returns a Store using db. The caller owns the connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type subscriptionRow struct {
	UserID            uuid.UUID    `db:"user_id"`
	PlanID            uuid.UUID    `db:"plan_id"`
	ExpiresAt         sql.NullTime `db:"expires_at"`
	TrialEndsAt       sql.NullTime `db:"trial_ends_at"`
	PlanName          string       `db:"plan_name"`
	DailyMessageLimit int64        `db:"daily_message_limit"`
	IsDefault         bool         `db:"is_default"`
}

func (r subscriptionRow) subscription() usage.Subscription {
	sub := usage.Subscription{
		UserID: r.UserID,
		PlanID: r.PlanID,
	}
	if r.ExpiresAt.Valid {
		sub.ExpiresAt = r.ExpiresAt.Time
	}
	if r.TrialEndsAt.Valid {
		sub.TrialEndsAt = r.TrialEndsAt.Time
	}
	return sub
}

func (r subscriptionRow) plan() usage.Plan {
	return usage.Plan{
		ID:                r.PlanID,
		Name:              r.PlanName,
		DailyMessageLimit: r.DailyMessageLimit,
		Default:           r.IsDefault,
	}
}

const subscriptionQuery = `
SELECT s.user_id, s.plan_id, s.expires_at, s.trial_ends_at,
	p.name AS plan_name, p.daily_message_limit, p.is_default
FROM subscriptions s
JOIN plans p ON p.id = s.plan_id
WHERE s.user_id = $1
`

func (s *Store) SubscriptionByUserID(ctx context.Context, userID uuid.UUID) (usage.Subscription, usage.Plan, error) {
	var row subscriptionRow
	if err := s.db.GetContext(ctx, &row, subscriptionQuery, userID); err != nil {
		return usage.Subscription{}, usage.Plan{}, xerrors.Errorf("get subscription for user %s: %w", userID, err)
	}
	return row.subscription(), row.plan(), nil
}

func (s *Store) DowngradeToDefaultPlan(ctx context.Context, userID uuid.UUID) (usage.Subscription, usage.Plan, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return usage.Subscription{}, usage.Plan{}, xerrors.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
UPDATE subscriptions
SET plan_id = (SELECT id FROM plans WHERE is_default LIMIT 1),
	expires_at = NULL,
	trial_ends_at = NULL
WHERE user_id = $1
`, userID)
	if err != nil {
		return usage.Subscription{}, usage.Plan{}, xerrors.Errorf("downgrade user %s: %w", userID, err)
	}

	var row subscriptionRow
	if err := tx.GetContext(ctx, &row, subscriptionQuery, userID); err != nil {
		return usage.Subscription{}, usage.Plan{}, xerrors.Errorf("reread subscription for user %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return usage.Subscription{}, usage.Plan{}, xerrors.Errorf("commit tx: %w", err)
	}
	return row.subscription(), row.plan(), nil
}

func (s *Store) IncrementDailyUsage(ctx context.Context, userID uuid.UUID, day time.Time, tokens int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO daily_usage (user_id, day, message_count, token_count)
VALUES ($1, $2, 1, $3)
ON CONFLICT (user_id, day) DO UPDATE
SET message_count = daily_usage.message_count + 1,
	token_count = daily_usage.token_count + EXCLUDED.token_count
`, userID, day, tokens)
	if err != nil {
		return xerrors.Errorf("upsert daily usage for user %s: %w", userID, err)
	}
	return nil
}

func (s *Store) IncrementDailyTokens(ctx context.Context, userID uuid.UUID, day time.Time, tokens int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO daily_usage (user_id, day, message_count, token_count)
VALUES ($1, $2, 0, $3)
ON CONFLICT (user_id, day) DO UPDATE
SET token_count = daily_usage.token_count + EXCLUDED.token_count
`, userID, day, tokens)
	if err != nil {
		return xerrors.Errorf("upsert daily tokens for user %s: %w", userID, err)
	}
	return nil
}

func (s *Store) DailyUsageByUserID(ctx context.Context, userID uuid.UUID, day time.Time) (usage.DailyUsage, error) {
	var row struct {
		MessageCount int64 `db:"message_count"`
		TokenCount   int64 `db:"token_count"`
	}
	err := s.db.GetContext(ctx, &row, `
SELECT message_count, token_count
FROM daily_usage
WHERE user_id = $1 AND day = $2
`, userID, day)
	if xerrors.Is(err, sql.ErrNoRows) {
		// No usage recorded yet is a legitimate zero, not an error.
		return usage.DailyUsage{UserID: userID, Day: day}, nil
	}
	if err != nil {
		return usage.DailyUsage{}, xerrors.Errorf("get daily usage for user %s: %w", userID, err)
	}
	return usage.DailyUsage{
		UserID:       userID,
		Day:          day,
		MessageCount: row.MessageCount,
		TokenCount:   row.TokenCount,
	}, nil
}

func (s *Store) MonthlyUsageByUserID(ctx context.Context, userID uuid.UUID, monthStart time.Time) (usage.MonthlyUsage, error) {
	var row struct {
		MessageCount int64 `db:"message_count"`
		TokenCount   int64 `db:"token_count"`
	}
	err := s.db.GetContext(ctx, &row, `
SELECT COALESCE(SUM(message_count), 0) AS message_count,
	COALESCE(SUM(token_count), 0) AS token_count
FROM daily_usage
WHERE user_id = $1 AND day >= $2 AND day < $3
`, userID, monthStart, monthStart.AddDate(0, 1, 0))
	if err != nil {
		return usage.MonthlyUsage{}, xerrors.Errorf("aggregate monthly usage for user %s: %w", userID, err)
	}
	return usage.MonthlyUsage{
		MessageCount: row.MessageCount,
		TokenCount:   row.TokenCount,
	}, nil
}
