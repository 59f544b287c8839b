package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindd/internal/config"
	"remindd/internal/directory"
	"remindd/internal/gateway"
	"remindd/internal/gateway/telegram"
	"remindd/internal/reminder"
	"remindd/internal/scheduler"
	"remindd/internal/server"
	"remindd/internal/storage"
	"remindd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	retention, err := config.ParseDurationField("storage.delivery_retention", sc.DeliveryRetention)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if (driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(sc.Path) == "" {
		return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
	}
	return storage.Config{
		Driver:            driver,
		Path:              strings.TrimSpace(sc.Path),
		BusyTimeout:       busy,
		DeliveryRetention: retention,
	}, nil
}

func mapEngine(cfg *config.Config) reminder.Config {
	return reminder.Config{
		Domain:       strings.TrimSpace(cfg.Scheduler.Domain),
		Workers:      cfg.Engine.Workers,
		DueBatch:     cfg.Engine.DueBatch,
		EmailSubject: cfg.Engine.EmailSubject,
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.timeout", cfg.Scheduler.Timeout, scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	spread, err := config.ParseDurationField("scheduler.spread", cfg.Scheduler.Spread)
	if err != nil {
		return scheduler.Config{}, err
	}
	sc := scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Schedule: strings.TrimSpace(cfg.Scheduler.Schedule),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
		Timeout:  timeout,
		Spread:   spread,
	}
	if sc.Timezone != "" {
		if _, err := time.LoadLocation(sc.Timezone); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", sc.Timezone, err)
		}
	}
	if sc.Schedule != "" {
		if _, err := scheduler.ParseSchedule(sc.Schedule); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.schedule: %w", err)
		}
	}
	return sc, nil
}

func mapDirectory(cfg *config.Config) (directory.Config, error) {
	ttl, err := config.ParseDurationOrDefault("directory.cache_ttl", cfg.Directory.CacheTTL, directory.DefaultTTL)
	if err != nil {
		return directory.Config{}, err
	}
	cleanup, err := config.ParseDurationOrDefault("directory.cleanup_interval", cfg.Directory.CleanupInterval, directory.DefaultCleanupInterval)
	if err != nil {
		return directory.Config{}, err
	}
	return directory.Config{TTL: ttl, CleanupInterval: cleanup}, nil
}

// gatewaySettings is the resolved gateway section.
type gatewaySettings struct {
	Driver     string
	RatePerSec int
	Timeout    time.Duration
	Telegram   telegram.Config
}

func mapGateway(cfg *config.Config) (gatewaySettings, error) {
	gc := cfg.Gateway
	timeout, err := config.ParseDurationOrDefault("gateway.timeout", gc.Timeout, 15*time.Second)
	if err != nil {
		return gatewaySettings{}, err
	}
	poll, err := config.ParseDurationOrDefault("gateway.telegram.poll_timeout", gc.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return gatewaySettings{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(gc.Driver))
	if driver == "" {
		driver = "log"
	}
	switch driver {
	case "log":
	case "telegram":
		if strings.TrimSpace(gc.Telegram.Token) == "" {
			return gatewaySettings{}, errors.New("gateway.telegram.token is required when gateway.driver=telegram")
		}
	default:
		return gatewaySettings{}, fmt.Errorf("unknown gateway.driver: %s", gc.Driver)
	}
	return gatewaySettings{
		Driver:     driver,
		RatePerSec: gc.RatePerSec,
		Timeout:    timeout,
		Telegram: telegram.Config{
			Token:       strings.TrimSpace(gc.Telegram.Token),
			PollTimeout: poll,
			AlertChatID: gc.Telegram.AlertChatID,
			AckButton:   gc.Telegram.AckButton,
		},
	}, nil
}

func mapMailer(cfg *config.Config) (gateway.MailerConfig, bool) {
	ec := cfg.Email
	return gateway.MailerConfig{
		Host:     strings.TrimSpace(ec.Host),
		Port:     ec.Port,
		Username: ec.Username,
		Password: ec.Password,
		From:     strings.TrimSpace(ec.From),
	}, ec.Enabled
}

func mapServer(cfg *config.Config) (server.Config, error) {
	sc := cfg.Server
	read, err := config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	// 0 keeps long pprof profiles working
	write, err := config.ParseDurationField("server.write_timeout", sc.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	addr := strings.TrimSpace(sc.Addr)
	if addr == "" {
		addr = server.DefaultAddr
	}
	return server.Config{
		Enabled:              sc.Enabled,
		Addr:                 addr,
		Token:                strings.TrimSpace(sc.Token),
		AllowInsecure:        sc.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		Pprof:                sc.Pprof,
		MutexProfileFraction: sc.MutexProfileFraction,
		BlockProfileRate:     sc.BlockProfileRate,
	}, nil
}

// ValidateConfig runs every section mapper so a config that would fail at
// startup is rejected before it is committed.
func ValidateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	errs := []error{cfg.Validate()}
	if _, err := mapStorage(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapScheduler(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDirectory(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapGateway(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapServer(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
