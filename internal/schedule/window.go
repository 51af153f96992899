package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinutesPerDay is the number of minute-of-day values.
const MinutesPerDay = 24 * 60

// ErrPartialWindow is returned when only one schedule bound is set.
var ErrPartialWindow = errors.New("schedule start and stop must both be set or both be empty")

// Window is a daily interval in minutes since local midnight.
type Window struct {
	Start int
	Stop  int
}

// ParseClock parses "HH:MM" (00:00 through 23:59) into a minute of the day.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// FormatClock renders a minute of the day as "HH:MM".
func FormatClock(minute int) string {
	minute = ((minute % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

// ParseWindow parses both bounds. ok is false when neither bound is set.
func ParseWindow(start, stop string) (w Window, ok bool, err error) {
	start, stop = strings.TrimSpace(start), strings.TrimSpace(stop)
	if start == "" && stop == "" {
		return Window{}, false, nil
	}
	if start == "" || stop == "" {
		return Window{}, false, ErrPartialWindow
	}
	if w.Start, err = ParseClock(start); err != nil {
		return Window{}, false, err
	}
	if w.Stop, err = ParseClock(stop); err != nil {
		return Window{}, false, err
	}
	return w, true, nil
}

// Contains reports whether minute falls inside the window. A window whose
// start is not before its stop wraps past midnight.
func (w Window) Contains(minute int) bool {
	if w.Start < w.Stop {
		return minute >= w.Start && minute < w.Stop
	}
	return minute >= w.Start || minute < w.Stop
}

func (w Window) String() string {
	return FormatClock(w.Start) + "-" + FormatClock(w.Stop)
}

// MinuteOfDay returns t's local wall-clock minute of the day.
func MinuteOfDay(t time.Time) int {
	t = t.Local()
	return t.Hour()*60 + t.Minute()
}
