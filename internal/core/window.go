package core

import (
	"fmt"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// TimeOfDay is a wall-clock minute within a day, 0 (00:00) through 1439 (23:59).
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM". A single-digit hour is accepted.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("%w: time of day is empty", ErrValidation)
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid time of day %q, want HH:MM", ErrValidation, value)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

// TimeOfDayOf returns the wall-clock minute of t in loc.
func TimeOfDayOf(t time.Time, loc *time.Location) TimeOfDay {
	if loc != nil {
		t = t.In(loc)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

// Valid reports whether t lies within a day.
func (t TimeOfDay) Valid() bool {
	return t >= 0 && t < minutesPerDay
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("time of day %d out of range", int(t))
	}
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TimeWindow is a recurring daily interval [Start, End). End before Start
// wraps past midnight. Start equal to End is an empty window.
type TimeWindow struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

// ParseWindow builds a window from its two textual bounds.
func ParseWindow(start, end string) (TimeWindow, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("start: %w", err)
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("end: %w", err)
	}
	return TimeWindow{Start: s, End: e}, nil
}

// ParseWindowSpec parses the compact "HH:MM-HH:MM" form used by the CLI and
// MCP tools.
func ParseWindowSpec(spec string) (TimeWindow, error) {
	start, end, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return TimeWindow{}, fmt.Errorf("%w: window %q, want HH:MM-HH:MM", ErrValidation, spec)
	}
	return ParseWindow(start, end)
}

// ParseWindowList parses a comma separated list of window specs. An empty
// string yields an empty, non-nil list.
func ParseWindowList(list string) ([]TimeWindow, error) {
	windows := []TimeWindow{}
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		w, err := ParseWindowSpec(part)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

func (w TimeWindow) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// Overnight reports whether the window wraps past midnight.
func (w TimeWindow) Overnight() bool {
	return w.End < w.Start
}

// Empty reports whether the window can never match.
func (w TimeWindow) Empty() bool {
	return w.Start == w.End
}

// Contains reports whether now falls inside the window.
func (w TimeWindow) Contains(now TimeOfDay) bool {
	switch {
	case w.Start < w.End:
		return w.Start <= now && now < w.End
	case w.Start > w.End:
		return now >= w.Start || now < w.End
	default:
		return false
	}
}

// Validate checks both bounds.
func (w TimeWindow) Validate() error {
	if !w.Start.Valid() {
		return fmt.Errorf("%w: start %d out of range", ErrValidation, int(w.Start))
	}
	if !w.End.Valid() {
		return fmt.Errorf("%w: end %d out of range", ErrValidation, int(w.End))
	}
	return nil
}

// Validate checks every window of the config.
func (c Config) Validate() error {
	for i, w := range c.Windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("window %d: %w", i+1, err)
		}
	}
	return nil
}

// Warnings lists accepted but suspicious entries, such as zero-length windows.
func (c Config) Warnings() []string {
	var warnings []string
	for i, w := range c.Windows {
		if w.Empty() {
			warnings = append(warnings, fmt.Sprintf("window %d (%s) has zero length and never matches", i+1, w))
		}
	}
	return warnings
}

// ShouldRun decides whether the fog task should be running at now.
//
// The result is true only when the config is enabled and at least one window
// contains now. An enabled config with no windows at all always runs.
// Overlapping windows are a union.
func ShouldRun(now TimeOfDay, cfg Config) bool {
	if !cfg.Enabled {
		return false
	}
	if len(cfg.Windows) == 0 {
		return true
	}
	for _, w := range cfg.Windows {
		if w.Contains(now) {
			return true
		}
	}
	return false
}
