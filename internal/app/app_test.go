package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportd/internal/config"
	"reportd/internal/cronspec"
	"reportd/internal/report"
	"reportd/internal/storage"
)

const baseYAML = `
logging:
  level: warn
  console: false
scheduler:
  timezone: UTC
  cleanup_interval: 1h
storage:
  driver: memory
api:
  enabled: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "reportd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func quietSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")
}

func seed(t *testing.T, st report.Store, id string, end time.Time) {
	t.Helper()
	_, err := st.Create(context.Background(), report.Definition{
		ID:         id,
		Dashboard:  report.Dashboard{ID: "d-" + id, Name: id, BaseURL: "http://localhost:3000"},
		Recurrence: report.Recurrence{Type: cronspec.Daily, Expression: "30 8 * * *", TimeOfDay: "08:30"},
		Window:     report.Window{Start: time.Now().Add(-48 * time.Hour), End: end},
		IsActive:   true,
	})
	require.NoError(t, err)
}

func TestMapConfigDefaults(t *testing.T) {
	s, err := mapConfig(&config.Config{})
	require.NoError(t, err)

	assert.Equal(t, time.Hour, s.scheduler.CleanupInterval)
	assert.Zero(t, s.scheduler.RunTimeout)
	assert.Equal(t, "sqlite", s.storage.Driver)
	assert.Equal(t, "./reportd.db", s.storage.Path)
	assert.Equal(t, time.Second, s.storage.BusyTimeout)
	assert.Equal(t, 30*time.Second, s.render.Timeouts.Launch)
	assert.NotEmpty(t, s.render.HideSelectors)
	assert.Equal(t, time.Minute, s.breaker.Cooldown)
	assert.Equal(t, 2*time.Minute, s.deliveryTimeout)
	assert.False(t, s.apiEnabled)
	assert.Nil(t, s.email)
	assert.Nil(t, s.telegram)
	assert.Nil(t, s.slack)
}

func TestMapConfigRejectsBadDuration(t *testing.T) {
	cfg := &config.Config{}
	cfg.Render.Timeouts.Navigate = "soon"
	_, err := mapConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render.timeouts.navigate")
}

func TestMapConfigAPI(t *testing.T) {
	cfg := &config.Config{}
	cfg.API = config.APIConfig{Enabled: true, Addr: "0.0.0.0:9000", Token: "t", ReadTimeout: "5s"}
	s, err := mapConfig(cfg)
	require.NoError(t, err)
	assert.True(t, s.apiEnabled)
	assert.True(t, s.server.TokenSet)
	assert.Equal(t, 5*time.Second, s.server.ReadTimeout)
	assert.Equal(t, "t", s.router.Token)
}

func TestBuildChannels(t *testing.T) {
	cfg := &config.Config{}
	cfg.Delivery.Email = config.EmailConfig{Enabled: true, Host: "smtp.example.com", From: "reports@example.com"}
	cfg.Delivery.Slack = config.SlackConfig{Enabled: true, Token: "xoxb-test", Channels: []string{"C1"}}
	s, err := mapConfig(cfg)
	require.NoError(t, err)

	chs, err := buildChannels(s, nil)
	require.NoError(t, err)
	require.Len(t, chs, 2)
	assert.Equal(t, "email", chs[0].Name())
	assert.Equal(t, "slack", chs[1].Name())

	s.slack.Token = ""
	_, err = buildChannels(s, nil)
	assert.ErrorContains(t, err, "delivery.slack")
}

func TestStartPurgesExpiredAndSchedulesActive(t *testing.T) {
	quietSystemd(t)
	st := storage.NewMemory()
	seed(t, st, "live", time.Now().Add(30*24*time.Hour))
	seed(t, st, "old", time.Now().Add(-time.Hour))

	a, err := New(context.Background(), writeConfig(t, baseYAML), WithStore(st))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	assert.True(t, a.Scheduler().Running())
	assert.Equal(t, []string{"live"}, a.Scheduler().Registry().IDs())
	_, err = st.FindByID(context.Background(), "old")
	assert.True(t, report.IsNotFound(err))
	assert.Nil(t, a.API())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSignal))
	assert.False(t, a.Scheduler().Running())
	<-a.Done()
}

// flakyStore fails the first n Find calls.
type flakyStore struct {
	*storage.MemoryStore
	failures atomic.Int32
}

func (f *flakyStore) Find(ctx context.Context, filter report.Filter) ([]report.Definition, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, report.WrapStore("find", "", errors.New("connection refused"))
	}
	return f.MemoryStore.Find(ctx, filter)
}

func TestStartSurvivesStoreOutage(t *testing.T) {
	quietSystemd(t)
	prev := initRetry
	initRetry.MinBackoff, initRetry.MaxBackoff = 5*time.Millisecond, 20*time.Millisecond
	t.Cleanup(func() { initRetry = prev })

	st := &flakyStore{MemoryStore: storage.NewMemory()}
	seed(t, st, "live", time.Now().Add(30*24*time.Hour))
	// startup cleanup, the first load and one retry all fail
	st.failures.Store(3)

	a, err := New(context.Background(), writeConfig(t, baseYAML), WithStore(st))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.Scheduler().Running())

	require.Eventually(t, func() bool {
		return slices.Equal(a.Scheduler().Registry().IDs(), []string{"live"})
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-a.Done():
		t.Fatal("store outage stopped the app")
	default:
	}
	require.NoError(t, a.Stop(context.Background(), StopSignal))
}

func TestStartTwiceFails(t *testing.T) {
	quietSystemd(t)
	a, err := New(context.Background(), writeConfig(t, baseYAML), WithStore(storage.NewMemory()))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()))
	require.NoError(t, a.Stop(context.Background(), StopSignal))
}

func TestApplyConfigIsLive(t *testing.T) {
	quietSystemd(t)
	a, err := New(context.Background(), writeConfig(t, baseYAML), WithStore(storage.NewMemory()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopSignal) })
	assert.Empty(t, a.fanout.Names())

	events, unsub := a.Bus().Subscribe(4)
	defer unsub()

	oldCfg := a.cfgm.Get()
	next := *oldCfg
	next.Scheduler.Timezone = "Asia/Kolkata"
	next.Delivery.Slack = config.SlackConfig{Enabled: true, Token: "xoxb-test", Channels: []string{"C1"}}
	next.Render.Timeouts.Navigate = "90s"

	a.applyConfig(oldCfg, &next)

	assert.Equal(t, "Asia/Kolkata", a.Scheduler().Location().String())
	assert.Equal(t, []string{"slack"}, a.fanout.Names())
	assert.Equal(t, 90*time.Second, a.client.Config().Timeouts.Navigate)

	select {
	case e := <-events:
		assert.Equal(t, "config.reloaded", e.Type)
	case <-time.After(time.Second):
		t.Fatal("no config.reloaded event")
	}
}

func TestApplyConfigKeepsDeliveryOnError(t *testing.T) {
	quietSystemd(t)
	a, err := New(context.Background(), writeConfig(t, baseYAML), WithStore(storage.NewMemory()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopSignal) })

	oldCfg := a.cfgm.Get()
	next := *oldCfg
	// bypasses Validate on purpose: builder must still refuse it
	next.Delivery.Email = config.EmailConfig{Enabled: true}
	a.applyConfig(oldCfg, &next)
	assert.Empty(t, a.fanout.Names())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), writeConfig(t, "scheduler:\n  timezone: Mars/Base\n"))
	require.Error(t, err)
}

func TestCleanupWithoutStart(t *testing.T) {
	st := storage.NewMemory()
	seed(t, st, "old", time.Now().Add(-time.Minute))
	a, err := New(context.Background(), writeConfig(t, baseYAML), WithStore(st))
	require.NoError(t, err)

	n, err := a.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, a.Stop(context.Background(), StopCommand))
}
