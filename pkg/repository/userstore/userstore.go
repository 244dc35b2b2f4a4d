// Package userstore persists users, daily usage counters and trend data in
// Postgres. Quota accounting is done with single-statement conditional
// updates so that concurrent generation requests cannot overrun the limit.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/trendlyhq/trendly-api/pkg/domain"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsageNotFound = errors.New("usage record not found")
)

type Config struct {
	DatabaseURL    string
	MigrationsPath string
}

type UserStore struct {
	db *sql.DB
}

// New opens the database, verifies connectivity and applies pending
// migrations from cfg.MigrationsPath.
func New(cfg Config) (*UserStore, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.MigrationsPath != "" {
		m, err := migrate.New("file://"+cfg.MigrationsPath, cfg.DatabaseURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init migrations: %w", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	return &UserStore{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Close() error {
	return s.db.Close()
}

func (s *UserStore) GetUserByClerkID(ctx context.Context, clerkUserID string) (*domain.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, clerk_user_id, email, subscription_tier,
		       COALESCE(stripe_customer_id, ''), COALESCE(subscription_status, ''), created_at
		FROM users
		WHERE clerk_user_id = $1;
	`, clerkUserID))
}

// CreateUser inserts a user together with its zeroed usage counter. It is
// safe to call concurrently for the same clerk_user_id: the loser of the
// insert race gets the existing row back.
func (s *UserStore) CreateUser(ctx context.Context, clerkUserID, email string) (*domain.User, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, clerk_user_id, email, subscription_tier)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (clerk_user_id) DO NOTHING;
	`, id.String(), clerkUserID, email, domain.TierFree)
	if err != nil {
		return nil, err
	}

	if rows, err := res.RowsAffected(); err == nil && rows > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO usage (user_id, daily_generations, last_reset_date)
			VALUES ($1, 0, CURRENT_DATE)
			ON CONFLICT (user_id) DO NOTHING;
		`, id.String())
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetUserByClerkID(ctx, clerkUserID)
}

func (s *UserStore) SetTier(ctx context.Context, clerkUserID string, tier domain.SubscriptionTier) error {
	return s.execForUser(ctx, `
		UPDATE users SET subscription_tier = $1 WHERE clerk_user_id = $2;
	`, tier, clerkUserID)
}

func (s *UserStore) SetStripeCustomerID(ctx context.Context, clerkUserID, customerID string) error {
	return s.execForUser(ctx, `
		UPDATE users SET stripe_customer_id = $1 WHERE clerk_user_id = $2;
	`, customerID, clerkUserID)
}

// SetSubscriptionStatus records the payment provider's subscription status.
// An empty status clears the marker.
func (s *UserStore) SetSubscriptionStatus(ctx context.Context, clerkUserID, status string) error {
	return s.execForUser(ctx, `
		UPDATE users SET subscription_status = NULLIF($1, '') WHERE clerk_user_id = $2;
	`, status, clerkUserID)
}

func (s *UserStore) execForUser(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *UserStore) GetUsage(ctx context.Context, userID string) (*domain.Usage, error) {
	var u domain.Usage
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, daily_generations, last_reset_date
		FROM usage
		WHERE user_id = $1;
	`, userID).Scan(&u.UserID, &u.DailyGenerations, &u.LastResetDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ConsumeGeneration atomically takes one generation slot when the counter is
// below limit. It returns the counter value after the increment and whether a
// slot was taken. The conditional update closes the read/generate/write race
// between concurrent requests for the same user.
func (s *UserStore) ConsumeGeneration(ctx context.Context, userID string, limit int) (int, bool, error) {
	var used int
	err := s.db.QueryRowContext(ctx, `
		UPDATE usage
		SET daily_generations = daily_generations + 1
		WHERE user_id = $1 AND daily_generations < $2
		RETURNING daily_generations;
	`, userID, limit).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return used, true, nil
}

// ReleaseGeneration gives back a slot taken by ConsumeGeneration when the
// generation itself failed. The counter never goes below zero.
func (s *UserStore) ReleaseGeneration(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE usage
		SET daily_generations = daily_generations - 1
		WHERE user_id = $1 AND daily_generations > 0;
	`, userID)
	return err
}

// IncrementGenerations bumps the counter unconditionally. Premium users are
// not gated, their usage is tracked for bookkeeping only.
func (s *UserStore) IncrementGenerations(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE usage
		SET daily_generations = daily_generations + 1
		WHERE user_id = $1;
	`, userID)
	return err
}

// ResetAllUsage zeroes every counter and stamps the new reset date. Intended
// to run once per calendar day.
func (s *UserStore) ResetAllUsage(ctx context.Context, today time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE usage
		SET daily_generations = 0, last_reset_date = $1;
	`, today.Format("2006-01-02"))
	return err
}

// RecentTrends returns the newest trend rows, capped at limit.
func (s *UserStore) RecentTrends(ctx context.Context, limit int) ([]domain.Trend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, title, description, date_added
		FROM trend_data
		ORDER BY date_added DESC
		LIMIT $1;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trends []domain.Trend
	for rows.Next() {
		var t domain.Trend
		if err := rows.Scan(&t.Platform, &t.Title, &t.Description, &t.DateAdded); err != nil {
			return nil, err
		}
		trends = append(trends, t)
	}
	return trends, rows.Err()
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.ClerkUserID, &u.Email, &u.SubscriptionTier,
		&u.StripeCustomerID, &u.SubscriptionStatus, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
