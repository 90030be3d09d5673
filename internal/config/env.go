package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "REPORTD"

// envOverlay holds values read from REPORTD_* variables. Non-empty values
// replace what the file says, so secrets can stay out of the config file.
type envOverlay struct {
	LogLevel      string `envconfig:"LOG_LEVEL"`
	Timezone      string `envconfig:"TIMEZONE"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	APIToken      string `envconfig:"API_TOKEN"`
	SMTPPassword  string `envconfig:"SMTP_PASSWORD"`
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	SlackToken    string `envconfig:"SLACK_TOKEN"`
}

// LoadDotEnv loads a .env file next to the config file, if there is one.
// Variables already set in the process environment win.
func LoadDotEnv(configPath string) error {
	p := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var o envOverlay
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Scheduler.Timezone, o.Timezone)
	set(&cfg.Storage.DSN, o.DatabaseURL)
	set(&cfg.API.Token, o.APIToken)
	set(&cfg.Delivery.Email.Password, o.SMTPPassword)
	set(&cfg.Delivery.Telegram.Token, o.TelegramToken)
	set(&cfg.Delivery.Slack.Token, o.SlackToken)
	return nil
}
