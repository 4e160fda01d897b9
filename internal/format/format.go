// Package format renders durations, timestamps and user agents for display.
package format

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// TimestampLayout is used by FormatTimestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// FormatDuration renders ms as "5s", "2m 30s" or "1h 15m".
func FormatDuration(ms int64) string {
	seconds := ms / 1000
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}

// FormatClock renders ms as a zero-padded mm:ss player clock.
func FormatClock(ms int64) string {
	seconds := ms / 1000
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// Percentage renders value/total as a rounded percentage, "0%" for a zero total.
func Percentage(value, total float64) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%d%%", int64(math.Round(value/total*100)))
}

// FormatTimestamp renders a unix ms timestamp in the local time zone.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).Format(TimestampLayout)
}

// FormatRelative renders a unix ms timestamp relative to now, e.g. "3 minutes ago".
func FormatRelative(ms int64, now time.Time) string {
	return humanize.RelTime(time.UnixMilli(ms), now, "ago", "from now")
}

// FormatSize renders a byte count, e.g. "1.2 kB".
func FormatSize(n int) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func DetectDeviceType(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipod"):
		return "iPhone"
	case strings.Contains(ua, "ipad"):
		return "iPad"
	case strings.Contains(ua, "android"):
		if strings.Contains(ua, "mobile") {
			return "Android Phone"
		}
		return "Android Tablet"
	}
	return "Desktop"
}

func DetectBrowser(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "firefox"):
		return "Firefox"
	case strings.Contains(ua, "chrome") && !strings.Contains(ua, "edg"):
		return "Chrome"
	case strings.Contains(ua, "safari") && !strings.Contains(ua, "chrome"):
		return "Safari"
	case strings.Contains(ua, "edg"):
		return "Edge"
	case strings.Contains(ua, "opera"), strings.Contains(ua, "opr"):
		return "Opera"
	}
	return "Unknown"
}
