package gaps

import "time"

// Session is one continuous trading window, half-open [Open, Close).
type Session struct {
	Open  time.Time
	Close time.Time
}

// Calendar answers when an instrument is expected to trade. It is
// injected so per-venue calendars (holidays, early closes) can replace
// the shipped weekly model without touching detection logic.
type Calendar interface {
	Sessions(from, to time.Time) []Session
}

const (
	_weekOpenHour  = 21 // Sunday 21:00 UTC
	_weekCloseHour = 21 // Friday 21:00 UTC
)

// WeeklyCalendar models the continuous 24h forex week: Sunday 21:00
// UTC through Friday 21:00 UTC, closed over the weekend.
type WeeklyCalendar struct{}

func (WeeklyCalendar) Sessions(from, to time.Time) []Session {
	from, to = from.UTC(), to.UTC()
	if !to.After(from) {
		return nil
	}

	var sessions []Session
	for open := weekOpenBefore(from); open.Before(to); open = open.AddDate(0, 0, 7) {
		s := Session{Open: open, Close: open.AddDate(0, 0, 5)}
		if !s.Close.After(from) {
			continue
		}
		if s.Open.Before(from) {
			s.Open = from
		}
		if s.Close.After(to) {
			s.Close = to
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// weekOpenBefore returns the latest Sunday 21:00 UTC at or before t.
func weekOpenBefore(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), _weekOpenHour, 0, 0, 0, time.UTC)
	for day.Weekday() != time.Sunday {
		day = day.AddDate(0, 0, -1)
	}
	if day.After(t) {
		day = day.AddDate(0, 0, -7)
	}
	return day
}
