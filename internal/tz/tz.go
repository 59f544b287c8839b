// Package tz converts between UTC and a user's local wall clock.
//
// Timestamps outside this package are "naive": a time.Time in time.UTC whose
// fields carry either the UTC instant or a local wall-clock reading. The zone is
// applied only while converting. Conversions fail open: an unknown zone returns
// the input unchanged.
package tz

import (
	"strings"
	"sync"
	"time"
)

var cache sync.Map // zone id -> *time.Location

// Location resolves an IANA zone identifier. ok is false for empty or unknown ids.
func Location(zoneID string) (*time.Location, bool) {
	id := strings.TrimSpace(zoneID)
	if id == "" {
		return nil, false
	}
	if v, ok := cache.Load(id); ok {
		return v.(*time.Location), true
	}
	loc, err := time.LoadLocation(id)
	if err != nil {
		return nil, false
	}
	cache.Store(id, loc)
	return loc, true
}

// ToUTC reads local's wall clock in zoneID and returns the matching UTC instant.
func ToUTC(zoneID string, local time.Time) time.Time {
	loc, ok := Location(zoneID)
	if !ok {
		return local
	}
	y, mo, d := local.Date()
	h, mi, s := local.Clock()
	return Naive(time.Date(y, mo, d, h, mi, s, local.Nanosecond(), loc).UTC())
}

// ToLocal returns the wall clock in zoneID at the UTC instant utc.
func ToLocal(zoneID string, utc time.Time) time.Time {
	loc, ok := Location(zoneID)
	if !ok {
		return utc
	}
	y, mo, d := utc.UTC().Date()
	h, mi, s := utc.UTC().Clock()
	in := time.Date(y, mo, d, h, mi, s, utc.Nanosecond(), time.UTC).In(loc)
	return Naive(in)
}

// Naive drops the zone, keeping the wall-clock fields.
func Naive(t time.Time) time.Time {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, t.Nanosecond(), time.UTC)
}

// Date truncates a naive timestamp to its calendar day.
func Date(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
