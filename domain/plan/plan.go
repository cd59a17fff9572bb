// Package plan provides plan value types and pure functions.
package plan

// Limits is the read-only quota input supplied by the subscription collaborator.
// Per-window thresholds are always derived from MonthlyQuota.
type Limits struct {
	MonthlyQuota       int64
	ConcurrentRequests int
}

// Plan represents a pricing tier (immutable value type).
type Plan struct {
	ID        string
	Name      string
	Limits    Limits
	IsDefault bool
}

// Free is the fallback tier used when a user has no active subscription.
var Free = Plan{
	ID:        "free",
	Name:      "Free",
	Limits:    Limits{MonthlyQuota: 100, ConcurrentRequests: 1},
	IsDefault: true,
}

// Normalize clamps limits to usable values: a non-positive quota or
// concurrency would otherwise deny every request.
// This is a PURE function.
func Normalize(l Limits) Limits {
	if l.MonthlyQuota < 1 {
		l.MonthlyQuota = 1
	}
	if l.ConcurrentRequests < 1 {
		l.ConcurrentRequests = 1
	}
	return l
}

// FindPlan finds a plan by ID in a list.
// This is a PURE function.
func FindPlan(plans []Plan, id string) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// DefaultPlan returns the plan flagged as default, or Free.
// This is a PURE function.
func DefaultPlan(plans []Plan) Plan {
	for _, p := range plans {
		if p.IsDefault {
			return p
		}
	}
	return Free
}
