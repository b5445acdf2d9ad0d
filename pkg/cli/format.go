package cli

import (
	"fmt"
	"time"
)

// FormatDuration formats a duration to a short human readable string.
func FormatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	secs := float64(ms) / 1000
	if secs < 60 {
		return fmt.Sprintf("%.1fs", secs)
	}
	mins := int(secs / 60)
	secs -= float64(mins * 60)
	if mins < 60 {
		return fmt.Sprintf("%dm%.1fs", mins, secs)
	}
	return fmt.Sprintf("%dh%dm%.0fs", mins/60, mins%60, secs)
}

// FormatCount formats a count with a thousands separator.
func FormatCount(n int) string {
	s := fmt.Sprintf("%d", n)
	neg := n < 0
	if neg {
		s = s[1:]
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	if neg {
		s = "-" + s
	}
	return s
}
