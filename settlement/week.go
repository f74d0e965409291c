package settlement

import (
	"fmt"
	"time"
)

// =============================================================================
// SERVICE WEEK - ISO year-week token
// =============================================================================

// ServiceWeek is an ISO year-week token such as "2025-W07". Canonical tokens
// order lexicographically. Records carry their week explicitly; it is never
// re-derived from dates inside the engine.
type ServiceWeek string

// ParseServiceWeek validates s and returns its canonical form.
func ParseServiceWeek(s string) (ServiceWeek, error) {
	var year, week int
	if len(s) != 8 {
		return "", fmt.Errorf("%w: %q", ErrInvalidWeek, s)
	}
	if _, err := fmt.Sscanf(s, "%4d-W%2d", &year, &week); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidWeek, s)
	}
	if week < 1 || week > weeksInYear(year) {
		return "", fmt.Errorf("%w: %q has no week %d", ErrInvalidWeek, s, week)
	}
	w := NewServiceWeek(year, week)
	if string(w) != s {
		return "", fmt.Errorf("%w: %q", ErrInvalidWeek, s)
	}
	return w, nil
}

// MustServiceWeek is ParseServiceWeek for literals. Panics on bad input.
func MustServiceWeek(s string) ServiceWeek {
	w, err := ParseServiceWeek(s)
	if err != nil {
		panic(err)
	}
	return w
}

func NewServiceWeek(year, week int) ServiceWeek {
	return ServiceWeek(fmt.Sprintf("%04d-W%02d", year, week))
}

// WeekOf returns the ISO week containing t.
func WeekOf(t time.Time) ServiceWeek {
	year, week := t.ISOWeek()
	return NewServiceWeek(year, week)
}

func (w ServiceWeek) parts() (int, int) {
	var year, week int
	fmt.Sscanf(string(w), "%4d-W%2d", &year, &week)
	return year, week
}

func (w ServiceWeek) Year() int {
	y, _ := w.parts()
	return y
}

func (w ServiceWeek) Number() int {
	_, n := w.parts()
	return n
}

// Start returns the Monday of the week, midnight UTC.
func (w ServiceWeek) Start() time.Time {
	year, week := w.parts()
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	monday := jan4.AddDate(0, 0, -offset)
	return monday.AddDate(0, 0, (week-1)*7)
}

func (w ServiceWeek) Before(other ServiceWeek) bool { return w < other }
func (w ServiceWeek) After(other ServiceWeek) bool  { return w > other }

func (w ServiceWeek) Validate() error {
	_, err := ParseServiceWeek(string(w))
	return err
}

func weeksInYear(year int) int {
	_, week := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return week
}
