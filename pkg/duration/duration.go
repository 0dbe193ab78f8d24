// Package duration parses and formats human-readable durations. It
// extends the standard time.ParseDuration units with days, weeks, months
// and years, and accepts spelled-out unit names like "30 days".
package duration

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Calendar-ish units. Months and years are the usual approximations.
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
	Year  = 365 * Day
)

var units = map[string]time.Duration{
	"ns": time.Nanosecond, "nano": time.Nanosecond, "nanos": time.Nanosecond,
	"nanosecond": time.Nanosecond, "nanoseconds": time.Nanosecond,

	"us": time.Microsecond, "µs": time.Microsecond, "micro": time.Microsecond,
	"micros": time.Microsecond, "microsecond": time.Microsecond, "microseconds": time.Microsecond,

	"ms": time.Millisecond, "milli": time.Millisecond, "millis": time.Millisecond,
	"millisecond": time.Millisecond, "milliseconds": time.Millisecond,

	"s": time.Second, "sec": time.Second, "secs": time.Second,
	"second": time.Second, "seconds": time.Second,

	"m": time.Minute, "min": time.Minute, "mins": time.Minute,
	"minute": time.Minute, "minutes": time.Minute,

	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour,
	"hour": time.Hour, "hours": time.Hour,

	"d": Day, "day": Day, "days": Day,
	"w": Week, "wk": Week, "wks": Week, "week": Week, "weeks": Week,
	"mo": Month, "mos": Month, "month": Month, "months": Month,
	"y": Year, "yr": Year, "yrs": Year, "year": Year, "years": Year,
}

// Parse reads a duration made of number-unit pairs, in any of the unit
// spellings above. Whitespace between pairs and inside a pair is allowed,
// so "1w2d12h", "30 days" and "1 week 2 days" all parse.
func Parse(s string) (time.Duration, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := strings.HasPrefix(s, "-")
	if negative {
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}

	var total time.Duration
	for s != "" {
		numEnd := 0
		for numEnd < len(s) && (s[numEnd] == '.' || unicode.IsDigit(rune(s[numEnd]))) {
			numEnd++
		}
		if numEnd == 0 {
			return 0, fmt.Errorf("duration: invalid duration %q", orig)
		}
		value, err := strconv.ParseFloat(s[:numEnd], 64)
		if err != nil {
			return 0, fmt.Errorf("duration: invalid duration %q", orig)
		}
		s = strings.TrimSpace(s[numEnd:])

		unitEnd := 0
		for unitEnd < len(s) {
			r := rune(s[unitEnd])
			if s[unitEnd] >= 0x80 {
				// The only multi-byte unit is µs.
				r, _ = decodeRune(s[unitEnd:])
			}
			if !unicode.IsLetter(r) {
				break
			}
			unitEnd += len(string(r))
		}
		unit, ok := units[strings.ToLower(s[:unitEnd])]
		if !ok {
			return 0, fmt.Errorf("duration: unknown unit %q in %q", s[:unitEnd], orig)
		}
		total += time.Duration(value * float64(unit))
		s = strings.TrimSpace(s[unitEnd:])
	}

	if negative {
		total = -total
	}
	return total, nil
}

func decodeRune(s string) (rune, int) {
	for _, r := range s {
		return r, len(string(r))
	}
	return 0, 0
}

// Format renders a duration using the largest fitting units, omitting
// zero components: 36 hours becomes "1d12h".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	negative := d < 0
	if negative {
		d = -d
	}

	var b strings.Builder
	for _, step := range []struct {
		unit  time.Duration
		label string
	}{
		{Year, "y"}, {Month, "mo"}, {Week, "w"}, {Day, "d"},
		{time.Hour, "h"}, {time.Minute, "m"}, {time.Second, "s"},
		{time.Millisecond, "ms"}, {time.Microsecond, "µs"}, {time.Nanosecond, "ns"},
	} {
		if n := d / step.unit; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, step.label)
			d -= n * step.unit
		}
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}
