package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/quotaguard/domain/usage"
	"github.com/artpar/quotaguard/ports"
)

// LedgerStore implements ports.LedgerStore with SQLite.
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a new SQLite ledger store.
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Increment adds a reconciled batch to the period containing inc.Hour.
// An existing row covering the hour wins over the resolved period, so a
// subscription change mid-period never splits the count.
func (s *LedgerStore) Increment(ctx context.Context, inc usage.Increment, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE usage_counters
		SET requests_count = requests_count + ?, updated_at = ?
		WHERE id = (
			SELECT id FROM usage_counters
			WHERE user_id = ? AND period_start <= ? AND period_end > ?
			ORDER BY period_start DESC LIMIT 1
		)
	`, inc.Count, ts(now), inc.UserID, ts(inc.Hour), ts(inc.Hour))
	if err != nil {
		return fmt.Errorf("update ledger: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO usage_counters (user_id, period_start, period_end, requests_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, period_start) DO UPDATE SET
				requests_count = requests_count + excluded.requests_count,
				updated_at = excluded.updated_at
		`, inc.UserID, ts(inc.PeriodStart), ts(inc.PeriodEnd), inc.Count, ts(now), ts(now))
		if err != nil {
			return fmt.Errorf("insert ledger: %w", err)
		}
	}

	return tx.Commit()
}

// Current returns the entry whose period contains at.
func (s *LedgerStore) Current(ctx context.Context, userID string, at time.Time) (usage.LedgerEntry, error) {
	var e usage.LedgerEntry
	var lastReset sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, period_start, period_end, requests_count, last_reset, updated_at
		FROM usage_counters
		WHERE user_id = ? AND period_start <= ? AND period_end > ?
		ORDER BY period_start DESC
		LIMIT 1
	`, userID, ts(at), ts(at)).Scan(
		&e.UserID, &e.PeriodStart, &e.PeriodEnd, &e.RequestsCount, &lastReset, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.LedgerEntry{}, ports.ErrNotFound
	}
	if err != nil {
		return usage.LedgerEntry{}, fmt.Errorf("query ledger: %w", err)
	}
	if lastReset.Valid {
		t := lastReset.Time.UTC()
		e.LastReset = &t
	}
	e.PeriodStart = e.PeriodStart.UTC()
	e.PeriodEnd = e.PeriodEnd.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// ResetCurrent zeroes the entry whose period contains now.
func (s *LedgerStore) ResetCurrent(ctx context.Context, userID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE usage_counters
		SET requests_count = 0, last_reset = ?, updated_at = ?
		WHERE user_id = ? AND period_start <= ? AND period_end > ?
	`, ts(now), ts(now), userID, ts(now), ts(now))
	if err != nil {
		return false, fmt.Errorf("reset ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DailyTotals sums request counts by the day each entry was last updated.
func (s *LedgerStore) DailyTotals(ctx context.Context, since time.Time) ([]usage.DailyTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(updated_at) AS day, COALESCE(SUM(requests_count), 0)
		FROM usage_counters
		WHERE updated_at >= ?
		GROUP BY day
		ORDER BY day
	`, ts(since))
	if err != nil {
		return nil, fmt.Errorf("query daily totals: %w", err)
	}
	defer rows.Close()

	var out []usage.DailyTotal
	for rows.Next() {
		var d usage.DailyTotal
		if err := rows.Scan(&d.Date, &d.Requests); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UsageByPlan sums request counts of users with an active subscription.
func (s *LedgerStore) UsageByPlan(ctx context.Context, since, now time.Time) ([]usage.PlanUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, COALESCE(SUM(u.requests_count), 0) AS total
		FROM usage_counters u
		JOIN subscriptions sub ON sub.user_id = u.user_id
			AND sub.status = 'active'
			AND sub.current_period_end > ?
		JOIN plans p ON p.id = sub.plan_id
		WHERE u.updated_at >= ?
		GROUP BY p.id, p.name
		ORDER BY total DESC, p.id
	`, ts(now), ts(since))
	if err != nil {
		return nil, fmt.Errorf("query usage by plan: %w", err)
	}
	defer rows.Close()

	var out []usage.PlanUsage
	for rows.Next() {
		var p usage.PlanUsage
		if err := rows.Scan(&p.PlanID, &p.PlanName, &p.Requests); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TopUsers returns the heaviest users since a time.
func (s *LedgerStore) TopUsers(ctx context.Context, since time.Time, limit int) ([]usage.UserUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.user_id, COALESCE(us.email, ''), SUM(u.requests_count) AS total
		FROM usage_counters u
		LEFT JOIN users us ON us.id = u.user_id
		WHERE u.updated_at >= ?
		GROUP BY u.user_id, us.email
		ORDER BY total DESC, u.user_id
		LIMIT ?
	`, ts(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query top users: %w", err)
	}
	defer rows.Close()

	var out []usage.UserUsage
	for rows.Next() {
		var u usage.UserUsage
		if err := rows.Scan(&u.UserID, &u.Email, &u.Requests); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// MonthlyTotals sums a user's entries by calendar month of period start.
func (s *LedgerStore) MonthlyTotals(ctx context.Context, userID string, since time.Time) ([]usage.MonthlyTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m', period_start) AS month, SUM(requests_count)
		FROM usage_counters
		WHERE user_id = ? AND period_end > ?
		GROUP BY month
		ORDER BY month
	`, userID, ts(since))
	if err != nil {
		return nil, fmt.Errorf("query monthly totals: %w", err)
	}
	defer rows.Close()

	var out []usage.MonthlyTotal
	for rows.Next() {
		var m usage.MonthlyTotal
		if err := rows.Scan(&m.Month, &m.Requests); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

var _ ports.LedgerStore = (*LedgerStore)(nil)
