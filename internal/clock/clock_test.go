package clock

import (
	"testing"
	"time"

	"github.com/grimmolf/traderterminal/pkg/types"
)

// ct builds a time in the exchange zone.
func ct(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, exchangeTZ)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func TestSessionClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		at   string
		want types.Session
	}{
		{"rth tuesday", "2026-08-18 10:30", types.SessionRegular},
		{"rth open edge", "2026-08-18 08:30", types.SessionRegular},
		{"after rth close", "2026-08-18 15:20", types.SessionExtended},
		{"overnight", "2026-08-19 02:00", types.SessionExtended},
		{"maintenance break", "2026-08-18 16:30", types.SessionClosed},
		{"after break", "2026-08-18 17:05", types.SessionExtended},
		{"friday after close", "2026-08-21 16:30", types.SessionClosed},
		{"saturday", "2026-08-22 12:00", types.SessionClosed},
		{"sunday pre-open", "2026-08-23 12:00", types.SessionClosed},
		{"sunday reopen", "2026-08-23 17:30", types.SessionExtended},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Session(ct(t, tc.at)); got != tc.want {
				t.Errorf("Session(%s) = %s, want %s", tc.at, got, tc.want)
			}
		})
	}
}

func TestNextOpenSkipsWeekend(t *testing.T) {
	t.Parallel()

	fri := ct(t, "2026-08-21 18:00") // Friday evening, closed
	open := NextOpen(fri)

	if Session(open) == types.SessionClosed {
		t.Fatalf("NextOpen returned a closed instant: %v", open)
	}
	if open.In(exchangeTZ).Weekday() != time.Sunday {
		t.Errorf("expected Sunday reopen, got %v", open.In(exchangeTZ).Weekday())
	}
}

func TestNextOpenPassThrough(t *testing.T) {
	t.Parallel()

	now := ct(t, "2026-08-18 10:00")
	if got := NextOpen(now); !got.Equal(now) {
		t.Errorf("NextOpen during open hours = %v, want unchanged %v", got, now)
	}
}

func TestWithinHourWindow(t *testing.T) {
	t.Parallel()

	windows := []types.HourWindow{{Start: "08:30", End: "15:00"}}

	if !WithinHourWindow(ct(t, "2026-08-18 09:00"), windows) {
		t.Error("09:00 should be inside 08:30-15:00")
	}
	if WithinHourWindow(ct(t, "2026-08-18 15:30"), windows) {
		t.Error("15:30 should be outside 08:30-15:00")
	}
	if !WithinHourWindow(ct(t, "2026-08-18 03:00"), nil) {
		t.Error("empty window list should allow any time")
	}

	wrap := []types.HourWindow{{Start: "17:00", End: "08:30"}}
	if !WithinHourWindow(ct(t, "2026-08-18 02:00"), wrap) {
		t.Error("02:00 should be inside a wrapping 17:00-08:30 window")
	}
}
