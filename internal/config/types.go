package config

// Config is the on-disk reportd configuration.
//
// Durations are Go duration strings ("500ms", "30s", "1h"). Secrets may be
// left empty in the file and supplied through REPORTD_* environment variables
// (see env.go).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Render    RenderConfig    `json:"render"`
	Storage   StorageConfig   `json:"storage"`
	API       APIConfig       `json:"api"`
	Delivery  DeliveryConfig  `json:"delivery"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,loglevel"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to a chat through
// the Telegram deliverer's bot.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id" validate:"gte=0"`
	MinLevel   string `json:"min_level" validate:"omitempty,loglevel"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// SchedulerConfig controls timers and run execution.
//
// Defaults (when omitted or zero):
//   - timezone: Local
//   - run_timeout: "0s" (no overall deadline; stage timeouts still apply)
//   - max_concurrent_renders: 2
//   - history_size: 100
//   - cleanup_interval: "1h"
type SchedulerConfig struct {
	Timezone             string `json:"timezone,omitempty" validate:"omitempty,tz"`
	RunTimeout           string `json:"run_timeout,omitempty" validate:"omitempty,duration"`
	MaxConcurrentRenders int    `json:"max_concurrent_renders,omitempty" validate:"gte=0,lte=64"`
	HistorySize          int    `json:"history_size,omitempty" validate:"gte=0,lte=100000"`
	CleanupInterval      string `json:"cleanup_interval,omitempty" validate:"omitempty,duration"`
}

// RenderConfig controls the headless browser export.
type RenderConfig struct {
	OutputDir  string  `json:"output_dir,omitempty"`
	ChromePath string  `json:"chrome_path,omitempty"`
	Width      int     `json:"width,omitempty" validate:"gte=0"`
	Height     int     `json:"height,omitempty" validate:"gte=0"`
	Scale      float64 `json:"scale,omitempty" validate:"gte=0"`

	PollInterval string `json:"poll_interval,omitempty" validate:"omitempty,duration"`

	Timeouts RenderTimeouts `json:"timeouts"`

	ReadySelector  string   `json:"ready_selector,omitempty"`
	ExportSelector string   `json:"export_selector,omitempty"`
	ResultExpr     string   `json:"result_expr,omitempty"`
	HideSelectors  []string `json:"hide_selectors,omitempty"`

	Breaker BreakerConfig `json:"breaker"`
}

type RenderTimeouts struct {
	Launch   string `json:"launch,omitempty" validate:"omitempty,duration"`
	Navigate string `json:"navigate,omitempty" validate:"omitempty,duration"`
	Ready    string `json:"ready,omitempty" validate:"omitempty,duration"`
	Settle   string `json:"settle,omitempty" validate:"omitempty,duration"`
	Export   string `json:"export,omitempty" validate:"omitempty,duration"`
	Extract  string `json:"extract,omitempty" validate:"omitempty,duration"`
}

// BreakerConfig opens the render circuit after Failures consecutive failed
// renders. Failures=0 disables it.
type BreakerConfig struct {
	Failures int    `json:"failures,omitempty" validate:"gte=0,lte=1000"`
	Cooldown string `json:"cooldown,omitempty" validate:"omitempty,duration"`
}

// StorageConfig selects the report store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reportd.db" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=memory file sqlite sqlite3 postgres postgresql pgx"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres; prefer REPORTD_DATABASE_URL (do not log)
	BusyTimeout  string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
	MaxConns     int    `json:"max_conns,omitempty" validate:"gte=0,lte=1000"`
	CompactEvery int    `json:"compact_every,omitempty" validate:"gte=0"`
}

// APIConfig controls the admin HTTP API.
//
// Security note: bind to localhost, or set a token. A non-loopback address
// without a token is rejected unless allow_insecure is set.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
	IdleTimeout  string `json:"idle_timeout,omitempty" validate:"omitempty,duration"`
}

type DeliveryConfig struct {
	// Timeout bounds each channel's delivery. Default "2m".
	Timeout  string         `json:"timeout,omitempty" validate:"omitempty,duration"`
	Email    EmailConfig    `json:"email"`
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
}

type EmailConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"` // prefer REPORTD_SMTP_PASSWORD (do not log)
	From       string `json:"from,omitempty" validate:"omitempty,email"`
	SkipVerify bool   `json:"skip_verify,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool    `json:"enabled"`
	Token    string  `json:"token,omitempty"` // prefer REPORTD_TELEGRAM_TOKEN (do not log)
	ChatIDs  []int64 `json:"chat_ids,omitempty"`
	ThreadID int     `json:"thread_id,omitempty" validate:"gte=0"`
	Timeout  string  `json:"timeout,omitempty" validate:"omitempty,duration"`
}

type SlackConfig struct {
	Enabled  bool     `json:"enabled"`
	Token    string   `json:"token,omitempty"` // prefer REPORTD_SLACK_TOKEN (do not log)
	Channels []string `json:"channels,omitempty"`
}
