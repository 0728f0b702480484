// Package clock provides time, ID generation, and the trading-session
// classifier used by the simulator and the funded-account rule engine.
//
// Session boundaries follow the CME Globex futures schedule in exchange time
// (America/Chicago): the week runs Sunday 17:00 through Friday 16:00 with a
// daily 16:00–17:00 maintenance break; regular trading hours are
// 08:30–15:15 Monday–Friday. Everything else inside the week is extended.
package clock

import (
	"time"
	_ "time/tzdata" // session math needs the exchange zone even on bare hosts

	"github.com/google/uuid"

	"github.com/grimmolf/traderterminal/pkg/types"
)

// Clock abstracts time so the simulator and tracker are testable with a
// fake. Now must be monotonic-safe (time.Time from the real clock carries a
// monotonic reading; the fake advances explicitly).
type Clock interface {
	Now() time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	T time.Time
}

func (f *Fake) Now() time.Time { return f.T }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) { f.T = f.T.Add(d) }

// NewID returns a fresh UUIDv4 string.
func NewID() string { return uuid.NewString() }

var exchangeTZ = loadExchangeTZ()

func loadExchangeTZ() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		return time.FixedZone("CT", -6*60*60)
	}
	return loc
}

// Session classifies an instant into regular, extended, or closed hours.
func Session(t time.Time) types.Session {
	ct := t.In(exchangeTZ)
	day := ct.Weekday()
	mins := ct.Hour()*60 + ct.Minute()

	const (
		rthOpen    = 8*60 + 30  // 08:30
		rthClose   = 15*60 + 15 // 15:15
		breakStart = 16 * 60    // 16:00
		breakEnd   = 17 * 60    // 17:00
	)

	switch day {
	case time.Saturday:
		return types.SessionClosed
	case time.Sunday:
		if mins < breakEnd {
			return types.SessionClosed
		}
		return types.SessionExtended
	case time.Friday:
		if mins >= breakStart {
			return types.SessionClosed
		}
	default:
		// Mon–Thu maintenance break
		if mins >= breakStart && mins < breakEnd {
			return types.SessionClosed
		}
	}

	if day >= time.Monday && day <= time.Friday && mins >= rthOpen && mins < rthClose {
		return types.SessionRegular
	}
	return types.SessionExtended
}

// NextOpen returns the first instant at or after t when the session is not
// closed. Orders arriving while closed queue until this time.
func NextOpen(t time.Time) time.Time {
	if Session(t) != types.SessionClosed {
		return t
	}
	// Scan forward on minute boundaries; the longest gap (Fri 16:00 → Sun
	// 17:00) is under 50 hours.
	next := t.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < 50*60; i++ {
		if Session(next) != types.SessionClosed {
			return next
		}
		next = next.Add(time.Minute)
	}
	return next
}

// WithinHourWindow reports whether t falls inside any of the daily windows,
// compared in exchange time. An empty window list means always allowed.
func WithinHourWindow(t time.Time, windows []types.HourWindow) bool {
	if len(windows) == 0 {
		return true
	}
	ct := t.In(exchangeTZ)
	mins := ct.Hour()*60 + ct.Minute()
	for _, w := range windows {
		start, okS := parseHHMM(w.Start)
		end, okE := parseHHMM(w.End)
		if !okS || !okE {
			continue
		}
		if start <= end {
			if mins >= start && mins < end {
				return true
			}
		} else {
			// window wraps midnight
			if mins >= start || mins < end {
				return true
			}
		}
	}
	return false
}

func parseHHMM(s string) (int, bool) {
	tt, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return tt.Hour()*60 + tt.Minute(), true
}
