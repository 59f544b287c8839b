package tz

import (
	"strings"
	"time"
)

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

const dateLayout = "2006-01-02"

// Parse interprets a case property as a timestamp.
//
// Strings are tried as ISO-8601 datetimes, then as a bare date (dateOnly=true).
// Values carrying an offset are converted to naive UTC.
func Parse(v any) (t time.Time, dateOnly bool, ok bool) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false, false
		}
		return Naive(x.UTC()), false, true
	case *time.Time:
		if x == nil {
			return time.Time{}, false, false
		}
		return Parse(*x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false, false
		}
		for _, layout := range dateTimeLayouts {
			if p, err := time.Parse(layout, s); err == nil {
				return Naive(p.UTC()), false, true
			}
		}
		if p, err := time.Parse(dateLayout, s); err == nil {
			return p, true, true
		}
	}
	return time.Time{}, false, false
}
