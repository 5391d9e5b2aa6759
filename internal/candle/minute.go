package candle

import (
	"fmt"
	"time"
)

// Minute is a UTC-minute-aligned instant, used as the candle buffer's map
// key instead of a raw RFC-3339 string: comparisons and map lookups stay
// integer arithmetic, and String() only formats at the wire boundary.
type Minute int64

// AlignMinute truncates t to the start of its UTC minute.
func AlignMinute(t time.Time) Minute {
	u := t.UTC()
	return Minute(time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), 0, 0, time.UTC).Unix())
}

// ParseMinute aligns an RFC-3339 timestamp to its UTC minute. Returns an
// error if ts does not parse, matching spec's "missing timestamp ⇒
// discard silently" rule (the caller decides to discard on error).
func ParseMinute(ts string) (Minute, error) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0, fmt.Errorf("candle: parse timestamp %q: %w", ts, err)
	}
	return AlignMinute(t), nil
}

// Time returns the minute as a UTC time.Time.
func (m Minute) Time() time.Time { return time.Unix(int64(m), 0).UTC() }

// String renders the minute as an RFC-3339, Z-suffixed, second-precision
// timestamp. RFC-3339-Z strings of equal width sort chronologically, which
// is what lets the store adapter use them as an ordered key on the wire.
func (m Minute) String() string {
	return m.Time().Format("2006-01-02T15:04:05Z")
}

// Before reports whether m occurs strictly before other.
func (m Minute) Before(other Minute) bool { return m < other }
