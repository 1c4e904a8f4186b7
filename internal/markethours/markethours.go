// Package markethours is the IST exchange clock: trading hours, holidays,
// and the end-of-day square-off window used by the paper engine.
package markethours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Market hours in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

const dateLayout = "2006-01-02"

// DateKey returns the IST calendar date of t as "2006-01-02".
func DateKey(t time.Time) string {
	return t.In(IST).Format(dateLayout)
}

// IsMarketOpen returns true if t falls within NSE trading hours
// (9:15 AM - 3:30 PM IST, Mon-Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	if !IsTradingDay(ist) {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday && !IsHoliday(t)
}

// NextOpen returns the next market open (9:15 AM IST on a trading day).
func NextOpen(t time.Time) time.Time {
	ist := t.In(IST)
	todayOpen := time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
	if ist.Before(todayOpen) && IsTradingDay(ist) {
		return todayOpen
	}
	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ {
		if IsTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), OpenHour, OpenMinute, 0, 0, IST)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(ist.Year(), ist.Month(), ist.Day()+1, OpenHour, OpenMinute, 0, 0, IST)
}

// StatusString returns a human-readable market status for heartbeats.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		ist := t.In(IST)
		closeAt := time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
		return fmt.Sprintf("Market Open - closes in %s", fmtDur(closeAt.Sub(ist)))
	}
	next := NextOpen(t)
	return fmt.Sprintf("Market Closed - opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

// Window is a daily [Start, End) interval of IST wall-clock time,
// expressed as offsets from midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// DefaultSquareOffWindow is 15:15-15:45 IST.
func DefaultSquareOffWindow() Window {
	return Window{Start: 15*time.Hour + 15*time.Minute, End: 15*time.Hour + 45*time.Minute}
}

// ParseWindow parses "HH:MM" bounds.
func ParseWindow(start, end string) (Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return Window{}, err
	}
	if e <= s {
		return Window{}, fmt.Errorf("markethours: window end %s not after start %s", end, start)
	}
	return Window{Start: s, End: e}, nil
}

// Contains reports whether the IST wall-clock time of t is inside w.
func (w Window) Contains(t time.Time) bool {
	ist := t.In(IST)
	off := time.Duration(ist.Hour())*time.Hour +
		time.Duration(ist.Minute())*time.Minute +
		time.Duration(ist.Second())*time.Second
	return off >= w.Start && off < w.End
}

func (w Window) String() string {
	return fmtClock(w.Start) + "-" + fmtClock(w.End)
}

func parseClock(s string) (time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("markethours: invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("markethours: invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("markethours: invalid minute in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

func fmtClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
