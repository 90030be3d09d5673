package app

import (
	"fmt"
	"strings"
	"time"

	"reportd/internal/api"
	"reportd/internal/config"
	"reportd/internal/delivery"
	"reportd/internal/render"
	"reportd/internal/scheduler"
	"reportd/internal/storage"
	logx "reportd/pkg/logx"
)

// settings is a config.Config resolved into the shapes each component takes.
// Durations are parsed and defaults filled here, once.
type settings struct {
	log       logx.Config
	scheduler scheduler.Config
	render    render.Config
	chrome    render.ChromeConfig
	breaker   render.BreakerConfig
	storage   storage.Config

	apiEnabled bool
	server     api.ServerConfig
	router     api.RouterConfig

	deliveryTimeout time.Duration
	email           *delivery.EmailConfig
	telegram        *delivery.TelegramConfig
	slack           *delivery.SlackConfig
}

func mapConfig(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, fmt.Errorf("config is nil")
	}
	var d config.Durations
	var s settings

	s.log = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}

	sc := cfg.Scheduler
	s.scheduler = scheduler.Config{
		Timezone:             strings.TrimSpace(sc.Timezone),
		RunTimeout:           d.Field("scheduler.run_timeout", sc.RunTimeout),
		MaxConcurrentRenders: sc.MaxConcurrentRenders,
		HistorySize:          sc.HistorySize,
		CleanupInterval:      d.Or("scheduler.cleanup_interval", sc.CleanupInterval, time.Hour),
	}

	rc := cfg.Render
	def := render.DefaultConfig()
	s.render = render.Config{
		OutputDir: strings.TrimSpace(rc.OutputDir),
		Timeouts: render.Timeouts{
			Launch:   d.Or("render.timeouts.launch", rc.Timeouts.Launch, def.Timeouts.Launch),
			Navigate: d.Or("render.timeouts.navigate", rc.Timeouts.Navigate, def.Timeouts.Navigate),
			Ready:    d.Or("render.timeouts.ready", rc.Timeouts.Ready, def.Timeouts.Ready),
			Settle:   d.Or("render.timeouts.settle", rc.Timeouts.Settle, def.Timeouts.Settle),
			Export:   d.Or("render.timeouts.export", rc.Timeouts.Export, def.Timeouts.Export),
			Extract:  d.Or("render.timeouts.extract", rc.Timeouts.Extract, def.Timeouts.Extract),
		},
		ReadySelector:  rc.ReadySelector,
		ExportSelector: rc.ExportSelector,
		ResultExpr:     rc.ResultExpr,
		HideSelectors:  rc.HideSelectors,
	}
	if s.render.HideSelectors == nil {
		s.render.HideSelectors = def.HideSelectors
	}
	s.chrome = render.ChromeConfig{
		ExecPath:     strings.TrimSpace(rc.ChromePath),
		Width:        rc.Width,
		Height:       rc.Height,
		Scale:        rc.Scale,
		PollInterval: d.Field("render.poll_interval", rc.PollInterval),
	}
	s.breaker = render.BreakerConfig{
		Failures: uint32(rc.Breaker.Failures),
		Cooldown: d.Or("render.breaker.cooldown", rc.Breaker.Cooldown, time.Minute),
	}

	st := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(st.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	s.storage = storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(st.Path),
		DSN:          strings.TrimSpace(st.DSN),
		BusyTimeout:  d.Or("storage.busy_timeout", st.BusyTimeout, time.Second),
		MaxConns:     int32(st.MaxConns),
		CompactEvery: st.CompactEvery,
	}
	if s.storage.Path == "" && (driver == "sqlite" || driver == "sqlite3") {
		s.storage.Path = "./reportd.db"
	}

	ac := cfg.API
	s.apiEnabled = ac.Enabled
	s.server = api.ServerConfig{
		Addr:          strings.TrimSpace(ac.Addr),
		TokenSet:      strings.TrimSpace(ac.Token) != "",
		AllowInsecure: ac.AllowInsecure,
		ReadTimeout:   d.Or("api.read_timeout", ac.ReadTimeout, 15*time.Second),
		WriteTimeout:  d.Or("api.write_timeout", ac.WriteTimeout, 60*time.Second),
		IdleTimeout:   d.Or("api.idle_timeout", ac.IdleTimeout, 2*time.Minute),
	}
	s.router = api.RouterConfig{Token: ac.Token, Pprof: ac.Pprof}

	dc := cfg.Delivery
	s.deliveryTimeout = d.Or("delivery.timeout", dc.Timeout, 2*time.Minute)
	if dc.Email.Enabled {
		s.email = &delivery.EmailConfig{
			Host:       dc.Email.Host,
			Port:       dc.Email.Port,
			Username:   dc.Email.Username,
			Password:   dc.Email.Password,
			From:       dc.Email.From,
			SkipVerify: dc.Email.SkipVerify,
		}
	}
	if dc.Telegram.Enabled {
		s.telegram = &delivery.TelegramConfig{
			Token:    dc.Telegram.Token,
			ChatIDs:  dc.Telegram.ChatIDs,
			ThreadID: dc.Telegram.ThreadID,
			Timeout:  d.Or("delivery.telegram.timeout", dc.Telegram.Timeout, 30*time.Second),
		}
	}
	if dc.Slack.Enabled {
		s.slack = &delivery.SlackConfig{Token: dc.Slack.Token, Channels: dc.Slack.Channels}
	}

	if err := d.Err(); err != nil {
		return settings{}, err
	}
	return s, nil
}

// buildChannels creates the non-Telegram deliverers; the Telegram one is
// shared with the log sink and owned by the App.
func buildChannels(s settings, tg *delivery.Telegram) ([]delivery.Deliverer, error) {
	var out []delivery.Deliverer
	if s.email != nil {
		e, err := delivery.NewEmail(*s.email)
		if err != nil {
			return nil, fmt.Errorf("delivery.email: %w", err)
		}
		out = append(out, e)
	}
	if tg != nil {
		out = append(out, tg)
	}
	if s.slack != nil {
		sl, err := delivery.NewSlack(*s.slack)
		if err != nil {
			return nil, fmt.Errorf("delivery.slack: %w", err)
		}
		out = append(out, sl)
	}
	return out, nil
}

func buildTelegram(s settings) (*delivery.Telegram, error) {
	if s.telegram == nil {
		return nil, nil
	}
	tg, err := delivery.NewTelegram(*s.telegram)
	if err != nil {
		return nil, fmt.Errorf("delivery.telegram: %w", err)
	}
	return tg, nil
}
