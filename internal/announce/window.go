package announce

import "time"

// Phase classifies a civil date against the exam window.
type Phase int

const (
	PhaseBefore Phase = iota
	PhaseFirstDay
	PhaseMid
	PhaseLastDay
	PhaseAfter
)

func (p Phase) String() string {
	switch p {
	case PhaseBefore:
		return "before"
	case PhaseFirstDay:
		return "first-day"
	case PhaseMid:
		return "mid"
	case PhaseLastDay:
		return "last-day"
	case PhaseAfter:
		return "after"
	}
	return "unknown"
}

// Window is the inclusive exam date range. All arithmetic is civil-date in
// the window's own location; instants are truncated to midnight first.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Configured() bool { return !w.Start.IsZero() && !w.End.IsZero() }

// Classify buckets "today" into one of the five phases. A one-day window
// classifies its single day as first-day.
func (w Window) Classify(now time.Time) Phase {
	today := civil(now, w.Start.Location())
	start := civil(w.Start, w.Start.Location())
	end := civil(w.End, w.Start.Location())

	switch {
	case today.Before(start):
		return PhaseBefore
	case today.Equal(start):
		return PhaseFirstDay
	case today.Before(end):
		return PhaseMid
	case today.Equal(end):
		return PhaseLastDay
	default:
		return PhaseAfter
	}
}

// DaysUntilStart is meaningful for PhaseBefore, DaysSinceEnd for PhaseAfter,
// DayNumber/DaysToEnd during the window.
func (w Window) DaysUntilStart(now time.Time) int { return civilDays(now, w.Start) }
func (w Window) DaysSinceEnd(now time.Time) int   { return civilDays(w.End, now) }
func (w Window) DayNumber(now time.Time) int      { return civilDays(w.Start, now) + 1 }
func (w Window) DaysToEnd(now time.Time) int      { return civilDays(now, w.End) }

func civil(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// civilDays counts whole civil days from a to b (negative when b precedes a).
func civilDays(a, b time.Time) int {
	loc := a.Location()
	da := civil(a, loc)
	db := civil(b, loc)
	d := db.Sub(da)
	// Round to absorb DST-induced 23/25 hour days.
	if d >= 0 {
		return int((d + 12*time.Hour) / (24 * time.Hour))
	}
	return -int((-d + 12*time.Hour) / (24 * time.Hour))
}
