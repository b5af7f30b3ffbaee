// Package timefmt renders backend timestamps for terminal output.
package timefmt

import (
	"strconv"
	"time"
)

// Layout is the display format used for every date shown by mpdeck.
const Layout = "2006-01-02 15:04"

// Placeholder is shown when a date is missing.
const Placeholder = "-"

// FormatDateTime renders t in local time. A zero time renders as Placeholder.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return Placeholder
	}
	return t.Local().Format(Layout)
}

// FormatTimestamp renders a Unix timestamp. Values with up to 10 digits are
// seconds, longer ones milliseconds. 0 renders as Placeholder.
func FormatTimestamp(ts int64) string {
	if ts == 0 {
		return Placeholder
	}
	return FormatDateTime(fromTimestamp(ts))
}

func fromTimestamp(ts int64) time.Time {
	if len(strconv.FormatInt(ts, 10)) <= 10 {
		return time.Unix(ts, 0)
	}
	return time.UnixMilli(ts)
}
