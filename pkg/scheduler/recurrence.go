package scheduler

import (
	"time"

	"github.com/enkore/borgcube/pkg/types"
)

func interval(r types.Recurrence) int {
	if r.Interval <= 0 {
		return 1
	}
	return r.Interval
}

// step advances t by one recurrence period.
func step(r types.Recurrence, t time.Time) time.Time {
	n := interval(r)
	switch r.Unit {
	case types.RecurHourly:
		return t.Add(time.Duration(n) * time.Hour)
	case types.RecurDaily:
		return t.AddDate(0, 0, n)
	case types.RecurWeekly:
		return t.AddDate(0, 0, 7*n)
	case types.RecurMonthly:
		return t.AddDate(0, n, 0)
	default:
		return t.Add(time.Duration(n) * time.Hour)
	}
}

// NextAfter returns the first occurrence of r strictly after t. Pure
// function of the rule and t; repeated evaluation is monotonically
// non-decreasing.
func NextAfter(r types.Recurrence, t time.Time) time.Time {
	next := r.Start
	for !next.After(t) {
		next = step(r, next)
	}
	return next
}

// OccurrencesBetween returns all occurrences of r in (after, until],
// oldest first, capped at limit to bound pathological rules.
func OccurrencesBetween(r types.Recurrence, after, until time.Time, limit int) []time.Time {
	var out []time.Time
	for t := NextAfter(r, after); !t.After(until); t = step(r, t) {
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
