package analysis

import (
	"math"
	"time"
)

// unixToTime converts an export timestamp (unix seconds, fractional) into a UTC time.
// Non-positive values are treated as unset so they never masquerade as 1970-era data.
func unixToTime(ts *float64) time.Time {
	if ts == nil || *ts <= 0 {
		return time.Time{}
	}
	ns := int64(math.Round(*ts * 1e9))
	return time.Unix(0, ns).UTC()
}

func isoOrEmpty(ts *float64) string {
	t := unixToTime(ts)
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
