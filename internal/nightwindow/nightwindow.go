// Package nightwindow implements the pure wall-clock time-of-day predicate
// gating automated runs: is a given instant inside the configured nightly
// window, and when does the window containing or following it end.
package nightwindow

import "time"

// TimeOfDay is a wall-clock time with no date or location component,
// compared purely on hour/minute/second/nanosecond.
type TimeOfDay struct {
	Hour, Minute, Second, Nanosecond int
}

func (t TimeOfDay) sinceMidnight() time.Duration {
	return time.Duration(t.Hour)*time.Hour +
		time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second +
		time.Duration(t.Nanosecond)
}

func (t TimeOfDay) less(other TimeOfDay) bool {
	return t.sinceMidnight() < other.sinceMidnight()
}

func (t TimeOfDay) lessEqual(other TimeOfDay) bool {
	return t.sinceMidnight() <= other.sinceMidnight()
}

// Window is a pair of wall-clock times; Start > End denotes a window that
// wraps past midnight (e.g. 20:00–07:00).
type Window struct {
	Start, End TimeOfDay
}

// Default mirrors the orchestrator's nightly work window, 20:00–07:00
// local time.
var Default = Window{
	Start: TimeOfDay{Hour: 20},
	End:   TimeOfDay{Hour: 7},
}

func timeOfDay(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(), Nanosecond: t.Nanosecond()}
}

// Contains reports whether t falls inside the window, handling wrap-around
// midnight. t's location is used as-is; callers must pass a localized time.
func (w Window) Contains(t time.Time) bool {
	tod := timeOfDay(t)
	if w.Start.lessEqual(w.End) {
		return w.Start.lessEqual(tod) && tod.less(w.End)
	}
	return !tod.less(w.Start) || tod.less(w.End)
}

// EndFor returns the timezone-aware instant of the window's End that
// contains or most recently follows t:
//   - non-wrapping window (Start <= End): End today, or End yesterday if t
//     is before Start (t hasn't reached today's window yet).
//   - wrapping window (Start > End): End tomorrow if t is at or past Start
//     (tonight's window ends tomorrow morning), else End today.
func (w Window) EndFor(t time.Time) time.Time {
	tod := timeOfDay(t)
	loc := t.Location()
	endDate := t

	if w.Start.lessEqual(w.End) {
		if tod.less(w.Start) {
			endDate = t.AddDate(0, 0, -1)
		}
	} else {
		if !tod.less(w.Start) {
			endDate = t.AddDate(0, 0, 1)
		}
	}

	return time.Date(
		endDate.Year(), endDate.Month(), endDate.Day(),
		w.End.Hour, w.End.Minute, w.End.Second, w.End.Nanosecond,
		loc,
	)
}
