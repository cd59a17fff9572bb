package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/quotaguard/domain/plan"
	"github.com/artpar/quotaguard/ports"
)

// Directory implements ports.PlanCatalog and ports.SubscriptionSource over
// the plans, users and subscriptions tables.
type Directory struct {
	db *DB
}

// NewDirectory creates a new SQLite directory.
func NewDirectory(db *DB) *Directory {
	return &Directory{db: db}
}

// List returns all plans, default first.
func (d *Directory) List(ctx context.Context) ([]plan.Plan, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, requests_per_month, concurrent_requests, is_default
		FROM plans
		ORDER BY is_default DESC, requests_per_month ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []plan.Plan
	for rows.Next() {
		var p plan.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.Limits.MonthlyQuota, &p.Limits.ConcurrentRequests, &p.IsDefault); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Upsert creates or updates a plan.
func (d *Directory) Upsert(ctx context.Context, p plan.Plan) error {
	now := ts(time.Now())
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, requests_per_month, concurrent_requests, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			requests_per_month = excluded.requests_per_month,
			concurrent_requests = excluded.concurrent_requests,
			is_default = excluded.is_default,
			updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Limits.MonthlyQuota, p.Limits.ConcurrentRequests, p.IsDefault, now, now)
	if err != nil {
		return fmt.Errorf("upsert plan %s: %w", p.ID, err)
	}
	return nil
}

// Active returns the subscription in force at a time.
func (d *Directory) Active(ctx context.Context, userID string, at time.Time) (ports.Subscription, error) {
	sub := ports.Subscription{UserID: userID}
	err := d.db.QueryRowContext(ctx, `
		SELECT s.current_period_start, s.current_period_end,
		       p.id, p.name, p.requests_per_month, p.concurrent_requests, p.is_default
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.user_id = ? AND s.status = 'active'
		  AND s.current_period_start <= ? AND s.current_period_end > ?
		ORDER BY s.current_period_start DESC
		LIMIT 1
	`, userID, ts(at), ts(at)).Scan(
		&sub.PeriodStart, &sub.PeriodEnd,
		&sub.Plan.ID, &sub.Plan.Name, &sub.Plan.Limits.MonthlyQuota,
		&sub.Plan.Limits.ConcurrentRequests, &sub.Plan.IsDefault,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.Subscription{}, ports.ErrNotFound
	}
	if err != nil {
		return ports.Subscription{}, fmt.Errorf("query subscription: %w", err)
	}
	sub.PeriodStart = sub.PeriodStart.UTC()
	sub.PeriodEnd = sub.PeriodEnd.UTC()
	return sub, nil
}

// UpsertUser records a user's contact email for reporting.
func (d *Directory) UpsertUser(ctx context.Context, id, email string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email
	`, id, email, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", id, err)
	}
	return nil
}

// Subscribe starts an active subscription, cancelling any previous one.
func (d *Directory) Subscribe(ctx context.Context, id, userID, planID string, start, end time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET status = 'cancelled' WHERE user_id = ? AND status = 'active'`, userID); err != nil {
		return fmt.Errorf("cancel subscriptions: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, plan_id, status, current_period_start, current_period_end, created_at)
		VALUES (?, ?, ?, 'active', ?, ?, ?)
	`, id, userID, planID, ts(start), ts(end), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return tx.Commit()
}

var (
	_ ports.PlanCatalog        = (*Directory)(nil)
	_ ports.SubscriptionSource = (*Directory)(nil)
)
