package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "reportd/pkg/logx"
)

// restartSections can't be applied to a running process.
var restartSections = []string{"api", "storage"}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets are reported only as "_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Bool("scheduler.timezone_changed", strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.run_timeout", newCfg.Scheduler.RunTimeout),
			logx.Int("scheduler.max_concurrent_renders", newCfg.Scheduler.MaxConcurrentRenders),
		)
	}

	if !reflect.DeepEqual(oldCfg.Render, newCfg.Render) {
		changed = append(changed, "render")
		attrs = append(attrs,
			logx.String("render.output_dir", newCfg.Render.OutputDir),
			logx.Int("render.breaker_failures", newCfg.Render.Breaker.Failures),
		)
	}

	// Storage (never log the DSN)
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	// API (never log the token)
	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	// Delivery (never log tokens or passwords)
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		d := newCfg.Delivery
		attrs = append(attrs,
			logx.Bool("delivery.email", d.Email.Enabled),
			logx.Bool("delivery.telegram", d.Telegram.Enabled),
			logx.Int("delivery.telegram_chats", len(d.Telegram.ChatIDs)),
			logx.Bool("delivery.slack", d.Slack.Enabled),
			logx.Int("delivery.slack_channels", len(d.Slack.Channels)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed down to the sections that only take effect
// after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if slices.Contains(restartSections, s) {
			out = append(out, s)
		}
	}
	return out
}
