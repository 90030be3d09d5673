package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"reportd/internal/cronspec"
	logx "reportd/pkg/logx"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json paths ("scheduler.run_timeout") instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
		return err == nil && d >= 0
	})
	_ = v.RegisterValidation("tz", func(fl validator.FieldLevel) bool {
		_, err := cronspec.LoadLocation(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		return logx.ValidLevel(fl.Field().String())
	})
	return v
}

// Validate checks field constraints and the cross-field rules the tags
// can't express. The returned error lists every problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return err
		}
		for _, fe := range ve {
			errs = append(errs, fieldError(fe))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", cfg.Storage.Driver))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn (or REPORTD_DATABASE_URL) is required when storage.driver=postgres"))
		}
	}

	if cfg.API.Enabled {
		addr := strings.TrimSpace(cfg.API.Addr)
		if addr != "" && !isLoopback(addr) && strings.TrimSpace(cfg.API.Token) == "" && !cfg.API.AllowInsecure {
			errs = append(errs, fmt.Errorf("api.addr %q is not loopback: set api.token or api.allow_insecure", addr))
		}
	}

	d := cfg.Delivery
	if d.Email.Enabled {
		if strings.TrimSpace(d.Email.Host) == "" {
			errs = append(errs, errors.New("delivery.email.host is required when email is enabled"))
		}
		if strings.TrimSpace(d.Email.From) == "" {
			errs = append(errs, errors.New("delivery.email.from is required when email is enabled"))
		}
	}
	if d.Telegram.Enabled {
		if strings.TrimSpace(d.Telegram.Token) == "" {
			errs = append(errs, errors.New("delivery.telegram.token (or REPORTD_TELEGRAM_TOKEN) is required when telegram is enabled"))
		}
		if len(d.Telegram.ChatIDs) == 0 {
			errs = append(errs, errors.New("delivery.telegram.chat_ids must not be empty when telegram is enabled"))
		}
	}
	if d.Slack.Enabled {
		if strings.TrimSpace(d.Slack.Token) == "" {
			errs = append(errs, errors.New("delivery.slack.token (or REPORTD_SLACK_TOKEN) is required when slack is enabled"))
		}
		if len(d.Slack.Channels) == 0 {
			errs = append(errs, errors.New("delivery.slack.channels must not be empty when slack is enabled"))
		}
	}
	if cfg.Logging.Telegram.Enabled && !d.Telegram.Enabled {
		errs = append(errs, errors.New("logging.telegram requires delivery.telegram (the bot is shared)"))
	}

	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	switch fe.Tag() {
	case "duration":
		return fmt.Errorf("%s: invalid duration %q", path, fe.Value())
	case "loglevel":
		return fmt.Errorf("%s: unknown level %q", path, fe.Value())
	case "tz":
		return fmt.Errorf("%s: invalid timezone %q", path, fe.Value())
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s]", path, fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Errorf("%s: failed %s=%s (got %v)", path, fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Errorf("%s: failed %s (got %v)", path, fe.Tag(), fe.Value())
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
