package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:05", 545, false},
		{"23:59", 1439, false},
		{" 12:30 ", 750, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"9:05", 0, true},
		{"0905", 0, true},
		{"ab:cd", 0, true},
		{"-1:30", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatClockRoundTrip(t *testing.T) {
	for m := 0; m < MinutesPerDay; m++ {
		got, err := ParseClock(FormatClock(m))
		if err != nil || got != m {
			t.Fatalf("round trip %d: got %d, err %v", m, got, err)
		}
	}
}

func TestParseWindow(t *testing.T) {
	if _, ok, err := ParseWindow("", ""); ok || err != nil {
		t.Fatalf("empty window: ok=%v err=%v", ok, err)
	}
	if _, _, err := ParseWindow("08:00", ""); !errors.Is(err, ErrPartialWindow) {
		t.Fatalf("start only: err = %v", err)
	}
	if _, _, err := ParseWindow("", "08:00"); !errors.Is(err, ErrPartialWindow) {
		t.Fatalf("stop only: err = %v", err)
	}
	if _, _, err := ParseWindow("08:00", "25:00"); err == nil {
		t.Fatal("expected error for invalid stop")
	}
	w, ok, err := ParseWindow("22:00", "02:30")
	if err != nil || !ok {
		t.Fatalf("ParseWindow: ok=%v err=%v", ok, err)
	}
	if w != (Window{Start: 1320, Stop: 150}) {
		t.Fatalf("window = %+v", w)
	}
	if w.String() != "22:00-02:30" {
		t.Fatalf("String = %q", w.String())
	}
}

func TestContainsSameDay(t *testing.T) {
	for start := 0; start < MinutesPerDay; start += 7 {
		for stop := start + 1; stop < MinutesPerDay; stop += 11 {
			w := Window{Start: start, Stop: stop}
			for m := 0; m < MinutesPerDay; m++ {
				want := m >= start && m < stop
				if got := w.Contains(m); got != want {
					t.Fatalf("%v.Contains(%d) = %v, want %v", w, m, got, want)
				}
			}
		}
	}
}

func TestContainsWrapsMidnight(t *testing.T) {
	for start := 0; start < MinutesPerDay; start += 13 {
		for stop := 0; stop <= start; stop += 5 {
			w := Window{Start: start, Stop: stop}
			for m := 0; m < MinutesPerDay; m++ {
				want := m >= start || m < stop
				if got := w.Contains(m); got != want {
					t.Fatalf("%v.Contains(%d) = %v, want %v", w, m, got, want)
				}
			}
		}
	}
}

func TestContainsExamples(t *testing.T) {
	tests := []struct {
		start, stop, now string
		want             bool
	}{
		{"09:00", "17:00", "09:00", true},
		{"09:00", "17:00", "16:59", true},
		{"09:00", "17:00", "17:00", false},
		{"09:00", "17:00", "08:59", false},
		{"22:00", "06:00", "23:30", true},
		{"22:00", "06:00", "00:00", true},
		{"22:00", "06:00", "05:59", true},
		{"22:00", "06:00", "06:00", false},
		{"22:00", "06:00", "12:00", false},
		{"08:00", "08:00", "03:00", true},
	}
	for _, tt := range tests {
		w, _, err := ParseWindow(tt.start, tt.stop)
		if err != nil {
			t.Fatal(err)
		}
		now, _ := ParseClock(tt.now)
		if got := w.Contains(now); got != tt.want {
			t.Errorf("%s-%s contains %s = %v, want %v", tt.start, tt.stop, tt.now, got, tt.want)
		}
	}
}

func TestMinuteOfDay(t *testing.T) {
	ts := time.Date(2024, 3, 9, 21, 47, 59, 999, time.Local)
	if got := MinuteOfDay(ts); got != 21*60+47 {
		t.Fatalf("MinuteOfDay = %d", got)
	}
}
