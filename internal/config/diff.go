package config

import (
	"reflect"
	logx "remindd/pkg/logx"
	"strings"
)

// SummarizeChange lists the top-level sections that differ between two
// configs and returns safe fields for logging. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(section string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	mark("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
	)
	mark("scheduler", oldCfg.Scheduler != newCfg.Scheduler,
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.schedule", newCfg.Scheduler.Schedule),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
	)
	mark("engine", oldCfg.Engine != newCfg.Engine,
		logx.Int("engine.workers", newCfg.Engine.Workers),
	)
	mark("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	mark("definitions", oldCfg.Definitions != newCfg.Definitions,
		logx.String("definitions.path", newCfg.Definitions.Path),
	)
	mark("directory", oldCfg.Directory != newCfg.Directory,
		logx.String("directory.cache_ttl", newCfg.Directory.CacheTTL),
	)
	gwOld, gwNew := oldCfg.Gateway, newCfg.Gateway
	mark("gateway", gwOld != gwNew,
		logx.String("gateway.driver", gwNew.Driver),
		logx.Int("gateway.rate_per_sec", gwNew.RatePerSec),
		logx.Bool("gateway.telegram.token_set", strings.TrimSpace(gwNew.Telegram.Token) != ""),
	)
	mark("email", oldCfg.Email != newCfg.Email,
		logx.Bool("email.enabled", newCfg.Email.Enabled),
		logx.String("email.host", newCfg.Email.Host),
	)
	mark("server", oldCfg.Server != newCfg.Server,
		logx.Bool("server.enabled", newCfg.Server.Enabled),
		logx.String("server.addr", newCfg.Server.Addr),
		logx.Bool("server.token_set", strings.TrimSpace(newCfg.Server.Token) != ""),
	)
	return changed, attrs
}

// RestartRequired reports whether a change can only take effect after a
// restart. Logging, scheduler and server are applied live.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "storage", "engine", "definitions", "directory", "gateway", "email":
			return true
		}
	}
	return false
}
