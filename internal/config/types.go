package config

// Config is the whole daemon configuration. The file may be JSON or YAML;
// unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Engine      EngineConfig      `json:"engine"`
	Storage     StorageConfig     `json:"storage"`
	Definitions DefinitionsConfig `json:"definitions"`
	Directory   DirectoryConfig   `json:"directory"`
	Gateway     GatewayConfig     `json:"gateway"`
	Email       EmailConfig       `json:"email"`
	Server      ServerConfig      `json:"server"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards severe log lines to the gateway's alert chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the periodic tick trigger.
//
// Schedule accepts a cron expression (seconds optional) or a descriptor such
// as "@every 1m". Defaults: schedule "@every 1m", timeout "50s".
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	// Domain scopes every tick; empty processes all domains.
	Domain string `json:"domain,omitempty"`
	// Spread delays the first tick by a stable per-host offset up to this duration.
	Spread string `json:"spread,omitempty"`
}

type EngineConfig struct {
	Workers      int    `json:"workers,omitempty"`
	DueBatch     int    `json:"due_batch,omitempty"`
	EmailSubject string `json:"email_subject,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/remindd.db" }
type StorageConfig struct {
	Driver            string `json:"driver"`
	Path              string `json:"path,omitempty"`
	BusyTimeout       string `json:"busy_timeout,omitempty"` // sqlite
	DeliveryRetention string `json:"delivery_retention,omitempty"`
}

// DefinitionsConfig points at the YAML file reminder definitions are authored in.
type DefinitionsConfig struct {
	Path  string `json:"path,omitempty"`
	Watch bool   `json:"watch,omitempty"`
}

// DirectoryConfig controls the user lookup cache.
type DirectoryConfig struct {
	CacheTTL        string `json:"cache_ttl,omitempty"`        // default "5m"; "0s" disables caching
	CleanupInterval string `json:"cleanup_interval,omitempty"` // default "10m"
}

// GatewayConfig selects the message transport.
//
// Driver values:
//   - "log" (default): messages are only logged
//   - "telegram": messages go to the user's Telegram chat
type GatewayConfig struct {
	Driver     string         `json:"driver"`
	RatePerSec int            `json:"rate_per_sec,omitempty"`
	Timeout    string         `json:"timeout,omitempty"`
	Telegram   TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// AlertChatID receives forwarded log alerts. 0 disables.
	AlertChatID int64 `json:"alert_chat_id,omitempty"`
	// AckButton attaches an acknowledge button to callback reminders.
	AckButton bool `json:"ack_button"`
}

// EmailConfig configures SMTP delivery for email reminders.
type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
}

// ServerConfig controls the HTTP ingest and ops server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - A non-loopback address requires a token unless allow_insecure is set.
type ServerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"` // default 0 so /debug/pprof/profile works
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof                bool `json:"pprof,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
}
