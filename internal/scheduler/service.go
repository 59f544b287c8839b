package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

// ErrBusy is returned by RunOnce while another tick is in flight.
var ErrBusy = errors.New("scheduler: tick already running")

func New(cfg Config, ticker Ticker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    normalize(cfg),
		log:    log,
		ticker: ticker,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

func normalize(cfg Config) Config {
	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	cfg.Timezone = strings.TrimSpace(cfg.Timezone)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg
}

// OnReport registers a hook that observes every finished tick.
func (s *Service) OnReport(fn func(rep reminder.TickReport, took time.Duration, err error)) {
	s.rmu.Lock()
	s.onReport = fn
	s.rmu.Unlock()
}

// Validate reports whether cfg would start.
func (s *Service) Validate(cfg Config) error {
	cfg = normalize(cfg)
	_, err := s.buildSchedule(cfg, time.Now())
	return err
}

func (s *Service) buildSchedule(cfg Config, now time.Time) (cron.Schedule, error) {
	ps, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	base, err := s.parser.Parse(ps.Spec())
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
		}
	}
	return withSpread(base, now, hostOffset(cfg.Schedule, cfg.Spread)), nil
}

func (s *Service) location(cfg Config) *time.Location {
	if cfg.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", cfg.Timezone), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start begins triggering ticks. A disabled scheduler starts nothing.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.started = true
	s.baseCtx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	ctx := s.baseCtx
	cfg := s.cfg
	if !cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	loc := s.location(cfg)
	sched, err := s.buildSchedule(cfg, s.now().In(loc))
	if err != nil {
		return err
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.entryID = c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.run(ctx); err != nil && !errors.Is(err, ErrBusy) {
			s.log.Warn("scheduled tick failed", logx.Err(err))
		}
	}))
	s.c = c
	s.loc = loc
	c.Start()

	next := c.Entry(s.entryID).Next
	s.log.Info("scheduler started",
		logx.String("schedule", cfg.Schedule),
		logx.String("tz", loc.String()),
		logx.Duration("timeout", cfg.Timeout),
		logx.Time("next", next),
	)
	return nil
}

// Stop halts triggering and waits for an in-flight tick until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; tick still running")
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the configuration, restarting the cron runner when the trigger changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = normalize(cfg)
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	c, started := s.c, s.started
	s.mu.Unlock()

	if !started {
		return nil
	}
	if old.Enabled == cfg.Enabled && old.Schedule == cfg.Schedule &&
		old.Timezone == cfg.Timezone && old.Spread == cfg.Spread && c != nil {
		return nil
	}
	if c != nil {
		s.Stop(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.started = true
	s.log.Info("scheduler restarting", logx.String("schedule", cfg.Schedule), logx.String("tz", cfg.Timezone))
	return s.startLocked()
}

// RunOnce runs a tick right now, outside the schedule.
func (s *Service) RunOnce(ctx context.Context) (reminder.TickReport, error) {
	return s.run(ctx)
}

func (s *Service) run(ctx context.Context) (reminder.TickReport, error) {
	s.rmu.Lock()
	if s.running {
		s.skipped++
		s.rmu.Unlock()
		return reminder.TickReport{}, ErrBusy
	}
	s.running = true
	start := s.now()
	s.lastStart = start
	s.rmu.Unlock()

	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rep, err := s.ticker.Tick(tctx, start.UTC())
	took := time.Since(start)

	s.rmu.Lock()
	s.running = false
	s.runs++
	s.lastTook = took
	s.lastReport = rep
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	hook := s.onReport
	s.rmu.Unlock()

	fields := []logx.Field{
		logx.Int("due", rep.Due),
		logx.Int("fired", rep.Fired),
		logx.Int("failed", rep.Failed),
		logx.Int("completed", rep.Completed),
		logx.Duration("took", took),
	}
	switch {
	case err != nil:
		s.log.Warn("tick finished with errors", append(fields, logx.Err(err))...)
	case rep.Due > 0:
		s.log.Info("tick finished", fields...)
	default:
		s.log.Debug("tick finished", fields...)
	}
	if hook != nil {
		hook(rep, took, err)
	}
	return rep, err
}

// Snapshot reports the trigger configuration and the last run.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	snap := Snapshot{
		Enabled:  cfg.Enabled,
		Schedule: cfg.Schedule,
		Timezone: cfg.Timezone,
		Timeout:  cfg.Timeout,
		Spread:   cfg.Spread,
	}
	if s.c != nil {
		e := s.c.Entry(s.entryID)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	s.mu.Unlock()

	s.rmu.Lock()
	snap.Running = s.running
	snap.Runs = s.runs
	snap.Skipped = s.skipped
	snap.LastStart = s.lastStart
	snap.LastTook = s.lastTook
	snap.LastReport = s.lastReport
	snap.LastError = s.lastErr
	s.rmu.Unlock()
	return snap
}
