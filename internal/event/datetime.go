package event

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// epochMicrosThreshold separates second epochs from microsecond epochs.
// 1e11 seconds is in the year 5138; 1e11 microseconds is early 1970.
const epochMicrosThreshold = 1e11

// datetimeLayouts are tried in order for string values. Layouts without a
// zone are read as UTC.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"01/02/2006 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.RFC822Z,
	time.RFC822,
	time.UnixDate,
	time.RubyDate,
	time.ANSIC,
	"Jan _2 2006 15:04:05",
	time.Stamp,
}

// ParseDatetime interprets v as a point in time. Strings are tried as
// ISO-8601 and a handful of common layouts; numbers (and numeric strings) are
// epochs in seconds, or in microseconds when their magnitude is at least 1e11.
func ParseDatetime(v any) (time.Time, bool) {
	switch x := NormalizeValue(v).(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false
		}
		return x.UTC(), true
	case int64:
		return fromEpoch(float64(x))
	case float64:
		return fromEpoch(x)
	case string:
		return parseDatetimeString(x)
	default:
		return time.Time{}, false
	}
}

func parseDatetimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpoch(float64(n))
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}
	for _, layout := range datetimeLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if layout == time.Stamp {
			// No year in the layout; assume the current one.
			t = t.AddDate(time.Now().UTC().Year(), 0, 0)
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if math.Abs(f) >= epochMicrosThreshold {
		if math.Abs(f) > math.MaxInt64 {
			return time.Time{}, false
		}
		return time.UnixMicro(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// FormatDatetime renders t as ISO-8601 in UTC.
func FormatDatetime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
