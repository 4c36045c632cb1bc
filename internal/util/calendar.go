package util

import (
	"fmt"
	"time"
)

// TradingCalendar provides market-hours awareness for one exchange session:
// a daily open/close window on weekdays in the exchange's time zone, minus
// listed holidays.
type TradingCalendar struct {
	loc      *time.Location
	open     time.Duration // offset from local midnight
	close    time.Duration
	holidays map[string]bool // YYYY-MM-DD
}

// NewTradingCalendar creates a calendar for the session [open, close) given
// as "HH:MM" in loc.
func NewTradingCalendar(loc *time.Location, open, close string, holidays []string) (*TradingCalendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("session open: %w", err)
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("session close: %w", err)
	}
	if c <= o {
		return nil, fmt.Errorf("session close %s is not after open %s", close, open)
	}
	tc := &TradingCalendar{loc: loc, open: o, close: c, holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		tc.holidays[h] = true
	}
	return tc, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// IsTradingDay reports whether the date of t (in the calendar's zone) is a
// weekday that is not a holiday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	t = t.In(tc.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !tc.holidays[t.Format("2006-01-02")]
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	open, close := tc.session(t)
	return !t.Before(open) && t.Before(close)
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	for i := 0; i < 30; i++ {
		day := t.In(tc.loc).AddDate(0, 0, i)
		if !tc.IsTradingDay(day) {
			continue
		}
		open, _ := tc.session(day)
		if !open.Before(t) {
			return open
		}
	}
	return time.Time{}
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	for i := 0; i < 30; i++ {
		day := t.In(tc.loc).AddDate(0, 0, i)
		if !tc.IsTradingDay(day) {
			continue
		}
		_, close := tc.session(day)
		if !close.Before(t) {
			return close
		}
	}
	return time.Time{}
}

func (tc *TradingCalendar) session(t time.Time) (open, close time.Time) {
	t = t.In(tc.loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, tc.loc)
	return midnight.Add(tc.open), midnight.Add(tc.close)
}
