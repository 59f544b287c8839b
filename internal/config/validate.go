package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks everything that can be checked without touching the
// outside world: driver names and duration strings.
func (c *Config) Validate() error {
	var errs []error
	durations := map[string]string{
		"scheduler.timeout":             c.Scheduler.Timeout,
		"scheduler.spread":              c.Scheduler.Spread,
		"storage.busy_timeout":          c.Storage.BusyTimeout,
		"storage.delivery_retention":    c.Storage.DeliveryRetention,
		"directory.cache_ttl":           c.Directory.CacheTTL,
		"directory.cleanup_interval":    c.Directory.CleanupInterval,
		"gateway.timeout":               c.Gateway.Timeout,
		"gateway.telegram.poll_timeout": c.Gateway.Telegram.PollTimeout,
		"server.read_timeout":           c.Server.ReadTimeout,
		"server.write_timeout":          c.Server.WriteTimeout,
		"server.idle_timeout":           c.Server.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "mem":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(c.Gateway.Driver)) {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(c.Gateway.Telegram.Token) == "" {
			errs = append(errs, errors.New("gateway.telegram.token is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.driver: unknown driver %q", c.Gateway.Driver))
	}

	if c.Email.Enabled {
		if strings.TrimSpace(c.Email.Host) == "" || strings.TrimSpace(c.Email.From) == "" {
			errs = append(errs, errors.New("email.host and email.from are required when email is enabled"))
		}
	}
	if c.Engine.Workers < 0 || c.Engine.DueBatch < 0 {
		errs = append(errs, errors.New("engine.workers and engine.due_batch must be >= 0"))
	}
	if c.Gateway.RatePerSec < 0 {
		errs = append(errs, errors.New("gateway.rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}
