package usage

import (
	"math"
	"sort"
	"time"
)

// CountSuccessful groups events by user and counts the 2xx ones.
// Users whose events all failed are present with a zero count.
// This is a PURE function.
func CountSuccessful(events []Event) map[string]int64 {
	counts := make(map[string]int64)
	for _, e := range events {
		if _, ok := counts[e.UserID]; !ok {
			counts[e.UserID] = 0
		}
		if e.IsSuccess() {
			counts[e.UserID]++
		}
	}
	return counts
}

// SortedUsers returns the keys of counts in a stable order.
func SortedUsers(counts map[string]int64) []string {
	users := make([]string, 0, len(counts))
	for u := range counts {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// PeriodBounds returns the calendar month [start, end) containing t.
// Used for users without an active subscription.
// This is a PURE function.
func PeriodBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// LedgerEntry is the durable per-period request count (value type).
type LedgerEntry struct {
	UserID        string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	RequestsCount int64
	LastReset     *time.Time
	UpdatedAt     time.Time
}

// Contains reports whether t falls inside the entry's period.
func (e LedgerEntry) Contains(t time.Time) bool {
	return !t.Before(e.PeriodStart) && t.Before(e.PeriodEnd)
}

// Update returns a copy stamped with the modification time.
func (e LedgerEntry) Update(now time.Time) LedgerEntry {
	e.UpdatedAt = now
	return e
}

// Add returns a copy with n more requests.
func (e LedgerEntry) Add(n int64, now time.Time) LedgerEntry {
	e.RequestsCount += n
	return e.Update(now)
}

// Reset returns a copy with the count cleared.
func (e LedgerEntry) Reset(now time.Time) LedgerEntry {
	e.RequestsCount = 0
	e.LastReset = &now
	return e.Update(now)
}

// Increment is one reconciled batch destined for the ledger (value type).
type Increment struct {
	UserID      string
	Hour        time.Time
	PeriodStart time.Time
	PeriodEnd   time.Time
	Count       int64
}

// Summary is the dashboard view of a user's current period (value type).
type Summary struct {
	UserID     string     `json:"user_id"`
	PlanID     string     `json:"plan_id"`
	Current    int64      `json:"current_usage"`
	Limit      int64      `json:"limit"`
	Remaining  int64      `json:"remaining"`
	Percentage float64    `json:"percentage"`
	ResetDate  *time.Time `json:"reset_date"`
}

// Summarize computes the dashboard summary.
// Percentage is rounded to one decimal place.
// This is a PURE function.
func Summarize(current, limit int64, resetDate *time.Time) Summary {
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	var pct float64
	if limit > 0 {
		pct = math.Round(float64(current)/float64(limit)*1000) / 10
	}
	return Summary{
		Current:    current,
		Limit:      limit,
		Remaining:  remaining,
		Percentage: pct,
		ResetDate:  resetDate,
	}
}

// DailyTotal is the ledger volume touched on one day.
type DailyTotal struct {
	Date     string `json:"date"`
	Requests int64  `json:"total_requests"`
}

// PlanUsage is the ledger volume attributed to one plan.
type PlanUsage struct {
	PlanID   string `json:"plan_id"`
	PlanName string `json:"plan_name"`
	Requests int64  `json:"total_requests"`
}

// UserUsage is the ledger volume of one user.
type UserUsage struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Requests int64  `json:"total_requests"`
}

// MonthlyTotal is a user's ledger volume for one calendar month.
type MonthlyTotal struct {
	Month    string `json:"month"`
	Requests int64  `json:"total_requests"`
}

// SystemAnalytics is the admin report over a trailing window of days.
type SystemAnalytics struct {
	DailyTotals   []DailyTotal `json:"daily_totals"`
	UsageByPlan   []PlanUsage  `json:"usage_by_plan"`
	TopUsers      []UserUsage  `json:"top_users"`
	TotalRequests int64        `json:"total_requests"`
	PeriodDays    int          `json:"period_days"`
}

// TopUsersLimit caps the top_users list.
const TopUsersLimit = 10

// SumDaily totals the daily series.
// This is a PURE function.
func SumDaily(days []DailyTotal) int64 {
	var total int64
	for _, d := range days {
		total += d.Requests
	}
	return total
}

// DailyPoint is one day of realtime usage.
type DailyPoint struct {
	Date     string `json:"date"`
	Requests int64  `json:"requests"`
}

// HourlyPoint is one hour of today's realtime usage.
type HourlyPoint struct {
	Hour     string `json:"hour"`
	Requests int64  `json:"requests"`
}

// UserAnalytics is the per-user report.
type UserAnalytics struct {
	UserID        string         `json:"user_id"`
	Daily         []DailyPoint   `json:"daily_usage"`
	HourlyToday   []HourlyPoint  `json:"hourly_usage_today"`
	MonthlyTotals []MonthlyTotal `json:"monthly_totals"`
	TotalRequests int64          `json:"total_requests_period"`
}

// AnalyticsDays returns the days covered by a trailing report ending at now,
// oldest first.
// This is a PURE function.
func AnalyticsDays(now time.Time, days int) []time.Time {
	if days < 1 {
		return nil
	}
	end := now.UTC()
	out := make([]time.Time, 0, days)
	for i := days - 1; i >= 0; i-- {
		out = append(out, end.AddDate(0, 0, -i))
	}
	return out
}
