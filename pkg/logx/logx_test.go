package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	sent  chan struct{}
}

func (r *recordingSender) SendText(_ context.Context, chatID int64, threadID int, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	select {
	case r.sent <- struct{}{}:
	default:
	}
	return nil
}

func TestLoggerWritesFixedAndCallFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	log.Info("schedule installed", String("report_id", "r1"), Int("entries", 2))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "scheduler", m["comp"])
	assert.Equal(t, "r1", m["report_id"])
	assert.Equal(t, float64(2), m["entries"])
	assert.Equal(t, "schedule installed", m["message"])
	assert.Contains(t, m["caller"], "logx_test.go:")
}

func TestLoggerLevels(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelError))
	log.Info("dropped")
	assert.Zero(t, buf.Len())

	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("no panic on zero logger")
	assert.False(t, Nop().IsZero())
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()
	line := `{"level":"error","time":"2024-01-01T00:00:00Z","message":"render failed","stage":"navigate","report_id":"abc"}`
	got := formatTelegramJSON([]byte(line))
	assert.True(t, strings.HasPrefix(got, "[ERROR] render failed"))
	assert.Contains(t, got, "- report_id=abc")
	assert.Contains(t, got, "- stage=navigate")
	assert.NotContains(t, got, "time=")

	raw := formatTelegramJSON([]byte("  not json  "))
	assert.Equal(t, "not json", raw)
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	sender := &recordingSender{sent: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "debug",
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     42,
			MinLevel:   "error",
			RatePerSec: 100,
		},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Warn("below threshold")
	log.Error("report run failed", String("report_id", "r9"))

	select {
	case <-sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("telegram sink did not deliver")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.texts, 1)
	assert.Contains(t, sender.texts[0], "report run failed")
}

func TestTelegramWriterWithoutSenderIsNoop(t *testing.T) {
	t.Parallel()
	w := &telegramWriter{svc: &Service{tgQueue: make(chan telegramItem, 1)}}
	n, err := w.WriteLevel(zerolog.ErrorLevel, []byte(`{"message":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, len(`{"message":"x"}`), n)
	assert.Len(t, w.svc.tgQueue, 0)
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"", "info", "DEBUG", "warning"} {
		assert.True(t, ValidLevel(ok), ok)
	}
	assert.False(t, ValidLevel("verbose"))
}
