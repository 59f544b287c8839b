package reminder

import (
	"strings"
	"time"

	"remindd/internal/tz"
)

// ConditionReached reports whether the named case property holds at now:
// a date strictly after now, or the marker "ok" in any case.
func ConditionReached(c *Case, property string, now time.Time) bool {
	if property == "" {
		return false
	}
	raw := c.Property(property)
	if t, _, ok := tz.Parse(raw); ok {
		return t.After(now)
	}
	s, ok := raw.(string)
	return ok && strings.EqualFold(strings.TrimSpace(s), "ok")
}

// startTrigger resolves the instant a case's start property fires at.
// A date-only value takes the time of day from now.
func startTrigger(c *Case, property string, now time.Time) (time.Time, bool, error) {
	raw := c.Property(property)
	if raw == nil {
		return time.Time{}, false, nil
	}
	if t, dateOnly, ok := tz.Parse(raw); ok {
		if dateOnly {
			h, m, s := now.Clock()
			y, mo, d := t.Date()
			t = time.Date(y, mo, d, h, m, s, now.Nanosecond(), time.UTC)
		}
		return t, true, nil
	}
	if ConditionReached(c, property, now) {
		return now, true, nil
	}
	if s, ok := raw.(string); ok && looksLikeDate(s) {
		return time.Time{}, false, &DataError{CaseID: c.ID, Property: property, Value: raw, Reason: "not a valid date"}
	}
	return time.Time{}, false, nil
}

func looksLikeDate(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) >= 8 && s[0] >= '0' && s[0] <= '9' && strings.Count(s, "-") >= 2
}
