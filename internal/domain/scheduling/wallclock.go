package scheduling

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WallClock is a time of day without a calendar date, stored as seconds since
// midnight. Comparisons only look at whole minutes.
type WallClock struct {
	secs int
}

// NewWallClock builds a WallClock from its components.
func NewWallClock(hour, minute, second int) (WallClock, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || second < 0 || second > 59 {
		return WallClock{}, fmt.Errorf("%w: %02d:%02d:%02d", ErrInvalidTimeFormat, hour, minute, second)
	}
	return WallClock{secs: hour*3600 + minute*60 + second}, nil
}

// MustWallClock parses s and panics on failure. Intended for constants and tests.
func MustWallClock(s string) WallClock {
	w, err := ParseWallClock(s)
	if err != nil {
		panic(err)
	}
	return w
}

// ParseWallClock accepts zero-padded 24-hour "HH:MM" or "HH:MM:SS".
func ParseWallClock(s string) (WallClock, error) {
	raw := strings.TrimSpace(s)
	if len(raw) != 5 && len(raw) != 8 {
		return WallClock{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}

	parts := strings.Split(raw, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return WallClock{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}

	nums := [3]int{}
	for i, p := range parts {
		n, ok := twoDigits(p)
		if !ok {
			return WallClock{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
		}
		nums[i] = n
	}

	w, err := NewWallClock(nums[0], nums[1], nums[2])
	if err != nil {
		return WallClock{}, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	return w, nil
}

func twoDigits(p string) (int, bool) {
	if len(p) != 2 {
		return 0, false
	}
	hi, lo := p[0], p[1]
	if hi < '0' || hi > '9' || lo < '0' || lo > '9' {
		return 0, false
	}
	return int(hi-'0')*10 + int(lo-'0'), true
}

func (w WallClock) Hour() int   { return w.secs / 3600 }
func (w WallClock) Minute() int { return (w.secs % 3600) / 60 }
func (w WallClock) Second() int { return w.secs % 60 }

// Minutes returns minutes since midnight; this is the comparison key.
func (w WallClock) Minutes() int { return w.secs / 60 }

// Truncate drops the seconds component.
func (w WallClock) Truncate() WallClock { return WallClock{secs: w.Minutes() * 60} }

// Equal compares at minute resolution.
func (w WallClock) Equal(o WallClock) bool { return w.Minutes() == o.Minutes() }

// Before compares at minute resolution.
func (w WallClock) Before(o WallClock) bool { return w.Minutes() < o.Minutes() }

// String renders "HH:MM", or "HH:MM:SS" when seconds are present.
func (w WallClock) String() string {
	if w.Second() != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", w.Hour(), w.Minute(), w.Second())
	}
	return fmt.Sprintf("%02d:%02d", w.Hour(), w.Minute())
}

// SQL renders the value for a TIME column.
func (w WallClock) SQL() string {
	return fmt.Sprintf("%02d:%02d:%02d", w.Hour(), w.Minute(), w.Second())
}

func (w WallClock) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

func (w *WallClock) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: expected string", ErrInvalidTimeFormat)
	}
	parsed, err := ParseWallClock(s)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Window is a doctor's same-day availability, both bounds inclusive.
type Window struct {
	From WallClock `json:"from"`
	To   WallClock `json:"to"`
}

// Valid reports whether From <= To; overnight windows are not supported.
func (win Window) Valid() bool {
	return win.From.Minutes() <= win.To.Minutes()
}

// Contains reports whether t falls inside the window.
func (win Window) Contains(t WallClock) bool {
	return IsWithinWindow(t, win.From, win.To)
}

func (win Window) String() string {
	return win.From.String() + "-" + win.To.String()
}

// IsWithinWindow reports whether from <= t <= to, comparing minutes since
// midnight.
func IsWithinWindow(t, from, to WallClock) bool {
	m := t.Minutes()
	return from.Minutes() <= m && m <= to.Minutes()
}
