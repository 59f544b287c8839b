package scheduler

import (
	"hash/fnv"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// spreadSchedule overrides the first activation of base; later activations delegate.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// hostOffset derives a stable offset in [0, bound) from the host name and tag,
// so replicas sharing a schedule do not all poll at the same instant.
func hostOffset(tag string, bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	host, _ := os.Hostname()
	return time.Duration(fnv64a(host+"\x00"+tag) % uint64(bound))
}

func withSpread(base cron.Schedule, now time.Time, offset time.Duration) cron.Schedule {
	if offset <= 0 {
		return base
	}
	return &spreadSchedule{base: base, first: base.Next(now).Add(offset)}
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
