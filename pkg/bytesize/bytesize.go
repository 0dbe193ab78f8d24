// Package bytesize parses and formats human-readable byte sizes. Units
// use the binary (1024) base: "5MB" is 5 MiB, and the explicit KiB/MiB
// spellings are accepted as aliases. A bare number is taken as bytes.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Size is a byte count.
type Size int64

// Size constants, binary base.
const (
	B  Size = 1
	KB Size = 1024
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
	PB Size = 1024 * TB
)

var units = map[string]Size{
	"":      B,
	"b":     B,
	"byte":  B,
	"bytes": B,
	"k":     KB,
	"kb":    KB,
	"kib":   KB,
	"m":     MB,
	"mb":    MB,
	"mib":   MB,
	"g":     GB,
	"gb":    GB,
	"gib":   GB,
	"t":     TB,
	"tb":    TB,
	"tib":   TB,
	"p":     PB,
	"pb":    PB,
	"pib":   PB,
}

// Parse reads a size like "5MB", "1.5 GB" or "1024". Unit names are
// case-insensitive and whitespace around the number is ignored.
func Parse(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	split := len(s)
	for i, r := range s {
		if r != '.' && !unicode.IsDigit(r) {
			split = i
			break
		}
	}
	numPart := s[:split]
	unitPart := strings.ToLower(strings.TrimSpace(s[split:]))

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid size %q", s)
	}
	mult, ok := units[unitPart]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", unitPart)
	}
	return Size(value * float64(mult)), nil
}

// Format renders a size with the largest unit that keeps the value at or
// above one, trimming trailing zeros from fractional values.
func Format(s Size) string {
	if s == 0 {
		return "0B"
	}
	negative := s < 0
	if negative {
		s = -s
	}

	var out string
	switch {
	case s >= PB:
		out = trimmed(float64(s)/float64(PB), "PB")
	case s >= TB:
		out = trimmed(float64(s)/float64(TB), "TB")
	case s >= GB:
		out = trimmed(float64(s)/float64(GB), "GB")
	case s >= MB:
		out = trimmed(float64(s)/float64(MB), "MB")
	case s >= KB:
		out = trimmed(float64(s)/float64(KB), "KB")
	default:
		out = fmt.Sprintf("%dB", s)
	}
	if negative {
		return "-" + out
	}
	return out
}

func trimmed(value float64, unit string) string {
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d%s", int64(value), unit)
	}
	formatted := strings.TrimRight(fmt.Sprintf("%.2f", value), "0")
	return strings.TrimRight(formatted, ".") + unit
}

// Bytes returns the size as a plain int64.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(s) }
