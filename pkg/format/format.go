// Package format provides human-readable formatting utilities.
package format

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Bytes formats a byte count into human-readable format.
// Example: Bytes(1536) => "1.5 KB"
func Bytes(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}

	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	sizes := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), sizes[exp])
}

var printer = message.NewPrinter(language.English)

// Number formats a number with thousand separators.
// Example: Number(1234567) => "1,234,567"
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// Percentage formats a percentage value.
// Example: Percentage(45.678, 1) => "45.7%"
func Percentage(value float64, decimals int) string {
	return fmt.Sprintf("%.*f%%", decimals, value)
}

// Timecode formats a position in seconds as a timecode string.
// Positions under an hour render as MM:SS.mmm, longer ones as HH:MM:SS.mmm.
// Example: Timecode(83.25) => "01:23.250"
func Timecode(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}

	totalMs := int64(math.Round(seconds * 1000))
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	sec := totalSec % 60
	totalMin := totalSec / 60
	min := totalMin % 60
	hours := totalMin / 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, min, sec, ms)
	}
	return fmt.Sprintf("%02d:%02d.%03d", min, sec, ms)
}

// TimecodeRange formats a clip boundary pair.
// Example: TimecodeRange(5, 12.5) => "00:05.000-00:12.500"
func TimecodeRange(startSec, endSec float64) string {
	return Timecode(startSec) + "-" + Timecode(endSec)
}

// ClipDuration formats a clip length in seconds for display.
// Example: ClipDuration(92.5) => "1m32.5s"
func ClipDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	return d.Round(100 * time.Millisecond).String()
}

// CronDescription returns a human-readable description of a 6-field cron
// expression (seconds minutes hours day-of-month month day-of-week).
// Example: CronDescription("0 0 3 * * *") => "Daily at 3AM"
func CronDescription(cronExpr string) string {
	fields := strings.Fields(strings.TrimSpace(cronExpr))
	if len(fields) < 6 {
		return cronExpr
	}
	if len(fields) > 6 {
		fields = fields[:6]
	}

	sec, min, hour := fields[0], fields[1], fields[2]

	if strings.Contains(sec, "/") {
		if n := stepInterval(sec); n > 0 {
			return fmt.Sprintf("Every %d seconds", n)
		}
	}
	if strings.Contains(min, "/") {
		if n := stepInterval(min); n > 0 {
			return fmt.Sprintf("Every %d minutes", n)
		}
	}
	if strings.Contains(hour, "/") {
		if n := stepInterval(hour); n > 0 {
			if n == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", n)
		}
	}

	if hour == "*" {
		if m, err := strconv.Atoi(min); err == nil {
			if m == 0 {
				return "Every hour"
			}
			return fmt.Sprintf("Every hour at :%02d", m)
		}
		if min == "*" {
			return "Every minute"
		}
	}

	h, hErr := strconv.Atoi(hour)
	m, mErr := strconv.Atoi(min)
	if hErr == nil && mErr == nil {
		return fmt.Sprintf("Daily at %s", formatTime(h, m))
	}

	return strings.Join(fields, " ")
}

func stepInterval(field string) int {
	idx := strings.Index(field, "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(field[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

func formatTime(hour, minute int) string {
	if hour == 0 && minute == 0 {
		return "midnight"
	}
	if hour == 12 && minute == 0 {
		return "noon"
	}

	period := "AM"
	hour12 := hour
	if hour >= 12 {
		period = "PM"
		if hour > 12 {
			hour12 = hour - 12
		}
	}
	if hour == 0 {
		hour12 = 12
	}

	if minute == 0 {
		return fmt.Sprintf("%d%s", hour12, period)
	}
	return fmt.Sprintf("%d:%02d%s", hour12, minute, period)
}
