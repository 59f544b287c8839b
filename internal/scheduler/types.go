package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

// Config controls the tick trigger.
type Config struct {
	Enabled bool
	// Schedule is a cron expression (seconds optional), a descriptor such as
	// "@every 1m", a Go duration ("30s") or an HH:MM interval ("00:05").
	Schedule string
	Timezone string // IANA zone the cron expression is evaluated in
	Timeout  time.Duration
	// Spread delays the first run by a stable per-host offset below this bound.
	Spread time.Duration
}

const (
	DefaultSchedule = "@every 1m"
	DefaultTimeout  = 50 * time.Second
)

// Ticker runs one polling pass. *reminder.Engine implements it.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (reminder.TickReport, error)
}

// Service owns the cron runner that drives Ticker.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	ticker Ticker
	parser cron.Parser
	now    func() time.Time

	c       *cron.Cron
	started bool
	baseCtx context.Context
	loc     *time.Location
	entryID cron.EntryID
	spread  time.Duration

	// run bookkeeping, guarded by rmu
	rmu        sync.Mutex
	running    bool
	runs       uint64
	skipped    uint64
	lastStart  time.Time
	lastTook   time.Duration
	lastReport reminder.TickReport
	lastErr    string

	onReport func(reminder.TickReport, time.Duration, error)
}

// Snapshot is a point-in-time view of the scheduler for the ops endpoint.
type Snapshot struct {
	Enabled    bool                `json:"enabled"`
	Schedule   string              `json:"schedule"`
	Timezone   string              `json:"timezone"`
	Timeout    time.Duration       `json:"timeout"`
	Spread     time.Duration       `json:"spread"`
	Next       time.Time           `json:"next,omitempty"`
	Prev       time.Time           `json:"prev,omitempty"`
	Running    bool                `json:"running"`
	Runs       uint64              `json:"runs"`
	Skipped    uint64              `json:"skipped"`
	LastStart  time.Time           `json:"last_start,omitempty"`
	LastTook   time.Duration       `json:"last_took"`
	LastReport reminder.TickReport `json:"last_report"`
	LastError  string              `json:"last_error,omitempty"`
}
