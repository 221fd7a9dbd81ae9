package monitor

import (
	"fmt"
	"strconv"
	"time"
)

// FormatRate renders a per-minute request rate.
func FormatRate(perMin float64) string {
	return fmt.Sprintf("%.1f req/min", perMin)
}

// FormatLatency renders seconds, switching to milliseconds below one second.
func FormatLatency(sec float64) string {
	if sec < 1 {
		return fmt.Sprintf("%.1fms", sec*1000)
	}
	return fmt.Sprintf("%.1fs", sec)
}

// FormatPercentage renders a 0..1 share.
func FormatPercentage(share float64) string {
	return fmt.Sprintf("%.1f%%", share*100)
}

// FormatCount renders a namespace size; negative counts are unknown.
func FormatCount(n int) string {
	if n < 0 {
		return "unknown"
	}
	return strconv.Itoa(n)
}

// FormatAge renders how long before now the registry snapshot was
// published.
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < time.Minute {
		return "just now"
	}
	return FormatDuration(int64(d.Seconds())) + " ago"
}

// FormatDuration renders whole minutes, with hours once there are any.
func FormatDuration(seconds int64) string {
	h, m := seconds/3600, (seconds%3600)/60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
