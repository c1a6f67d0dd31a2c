package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var iso8601Re = regexp.MustCompile(`^PT(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?$`)

// ParseISO8601Duration parses time-only ISO 8601 durations such as "PT1S",
// "PT5M" or "PT1H30M". Date components (days, months) are rejected, as are
// zero and empty durations.
func ParseISO8601Duration(s string) (time.Duration, error) {
	m := iso8601Re.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid ISO 8601 duration: %q", s)
	}

	var total float64
	units := []float64{3600, 60, 1}
	for i, part := range m[1:] {
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO 8601 duration: %q", s)
		}
		total += v * units[i]
	}

	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive: %q", s)
	}
	return time.Duration(total * float64(time.Second)), nil
}

// FormatISO8601Duration renders d as a time-only ISO 8601 duration with
// whole-second resolution.
func FormatISO8601Duration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}

	secs := int64(d / time.Second)
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60

	var b strings.Builder
	b.WriteString("PT")
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if s > 0 || (h == 0 && m == 0) {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}
