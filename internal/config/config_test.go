package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: Asia/Jakarta
  run_timeout: 3m
  max_concurrent_renders: 3
storage:
  driver: sqlite
  path: ./reportd.db
api:
  enabled: true
  addr: 127.0.0.1:8080
delivery:
  email:
    enabled: true
    host: smtp.example.com
    port: 587
    from: reports@example.com
`

const sampleTOML = `
[logging]
level = "info"

[scheduler]
timezone = "UTC"
cleanup_interval = "30m"

[storage]
driver = "memory"

[delivery.slack]
enabled = true
token = "xoxb-test"
channels = ["C123"]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFormats(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		m := NewConfigManager(writeFile(t, "reportd.yaml", sampleYAML))
		cfg, err := m.Load()
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "Asia/Jakarta", cfg.Scheduler.Timezone)
		assert.Equal(t, 3, cfg.Scheduler.MaxConcurrentRenders)
		assert.Equal(t, 587, cfg.Delivery.Email.Port)
		assert.Same(t, cfg, m.Get())
	})
	t.Run("toml", func(t *testing.T) {
		cfg, err := NewConfigManager(writeFile(t, "reportd.toml", sampleTOML)).Load()
		require.NoError(t, err)
		assert.Equal(t, "30m", cfg.Scheduler.CleanupInterval)
		assert.Equal(t, []string{"C123"}, cfg.Delivery.Slack.Channels)
	})
	t.Run("json", func(t *testing.T) {
		cfg, err := NewConfigManager(writeFile(t, "reportd.json", `{"storage":{"driver":"memory"}}`)).Load()
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Storage.Driver)
	})
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("x.yaml", []byte("scheduler:\n  workers: 4\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")

	_, err = Decode("x.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("REPORTD_DATABASE_URL", "postgres://u:p@localhost/reports")
	t.Setenv("REPORTD_API_TOKEN", "s3cret")
	path := writeFile(t, "reportd.json", `{"storage":{"driver":"postgres"},"api":{"enabled":true,"addr":"0.0.0.0:8080"}}`)

	cfg, err := NewConfigManager(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost/reports", cfg.Storage.DSN)
	assert.Equal(t, "s3cret", cfg.API.Token)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REPORTD_SLACK_TOKEN=from-dotenv\n"), 0o600))
	t.Setenv("REPORTD_SLACK_TOKEN", "")
	os.Unsetenv("REPORTD_SLACK_TOKEN")

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "reportd.yaml")))
	assert.Equal(t, "from-dotenv", os.Getenv("REPORTD_SLACK_TOKEN"))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "reportd.yaml")), "missing .env is fine")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad duration", func(c *Config) { c.Scheduler.RunTimeout = "soon" }, "scheduler.run_timeout: invalid duration"},
		{"negative duration", func(c *Config) { c.Render.Timeouts.Ready = "-1s" }, "render.timeouts.ready"},
		{"bad tz", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone: invalid timezone"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver: must be one of"},
		{"sqlite needs path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path is required"},
		{"postgres needs dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"cap too large", func(c *Config) { c.Scheduler.MaxConcurrentRenders = 500 }, "scheduler.max_concurrent_renders"},
		{"open api without token", func(c *Config) {
			c.API.Enabled = true
			c.API.Addr = "0.0.0.0:8080"
		}, "not loopback"},
		{"open api insecure ok", func(c *Config) {
			c.API.Enabled = true
			c.API.Addr = "0.0.0.0:8080"
			c.API.AllowInsecure = true
		}, ""},
		{"email needs host", func(c *Config) {
			c.Delivery.Email.Enabled = true
			c.Delivery.Email.From = "a@b.c"
		}, "delivery.email.host"},
		{"telegram needs chats", func(c *Config) {
			c.Delivery.Telegram.Enabled = true
			c.Delivery.Telegram.Token = "t"
		}, "chat_ids"},
		{"log sink needs bot", func(c *Config) { c.Logging.Telegram.Enabled = true }, "logging.telegram requires"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			tc.mut(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Scheduler: SchedulerConfig{Timezone: "UTC"}, API: APIConfig{Token: "a"}}
	newCfg := &Config{Scheduler: SchedulerConfig{Timezone: "Asia/Jakarta"}, API: APIConfig{Token: "b"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"api", "scheduler"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"api"}, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
}

func TestDurations(t *testing.T) {
	var d Durations
	assert.Equal(t, 5*time.Second, d.Or("a", "", 5*time.Second))
	assert.Equal(t, time.Minute, d.Or("b", "1m", 5*time.Second))
	assert.Equal(t, time.Duration(0), d.Field("c", ""))
	assert.NoError(t, d.Err())

	d.Field("d", "bogus")
	d.Field("e", "-1s")
	require.Error(t, d.Err())
	assert.Contains(t, d.Err().Error(), "d: invalid duration")
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "reportd.yaml", "scheduler:\n  timezone: UTC\n")
	m := NewConfigManager(path)
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  timezone: Asia/Jakarta\n"), 0o600))

	select {
	case cfg := <-sub:
		assert.Equal(t, "Asia/Jakarta", cfg.Scheduler.Timezone)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

func TestReloadRejectsAndSkips(t *testing.T) {
	path := writeFile(t, "reportd.json", `{"scheduler":{"timezone":"UTC"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ok, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "unchanged content is not republished")

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"timezone":"nowhere"}}`), 0o600))
	ok, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, "UTC", m.Get().Scheduler.Timezone)

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"timezone":"Asia/Jakarta"}}`), 0o600))
	ok, err = m.Reload(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, ok)
}
