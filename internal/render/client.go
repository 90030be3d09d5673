// Package render turns a dashboard URL into a PDF file by driving a headless
// browser through a fixed sequence of stages. Each stage has its own timeout
// and a failure is reported as a *RenderError naming the stage.
package render

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	logx "reportd/pkg/logx"
)

// Renderer is what the scheduler consumes.
type Renderer interface {
	Render(ctx context.Context, targetURL, label string) (string, error)
}

type Timeouts struct {
	Launch   time.Duration
	Navigate time.Duration
	Ready    time.Duration
	Settle   time.Duration // flat delay, not a deadline
	Export   time.Duration
	Extract  time.Duration
}

type Config struct {
	OutputDir string
	Timeouts  Timeouts

	ReadySelector  string
	ExportSelector string
	// ResultExpr is the page global holding the base64 PDF once export completes.
	ResultExpr string
	// HideSelectors are hidden before export so page chrome stays out of the PDF.
	HideSelectors []string
}

func DefaultConfig() Config {
	return Config{
		OutputDir: "./uploads",
		Timeouts: Timeouts{
			Launch:   30 * time.Second,
			Navigate: 60 * time.Second,
			Ready:    30 * time.Second,
			Settle:   5 * time.Second,
			Export:   30 * time.Second,
			Extract:  10 * time.Second,
		},
		ReadySelector:  ".react-grid-layout",
		ExportSelector: `[data-testid="export-pdf-btn"]`,
		ResultExpr:     "window.generatedPDFBase64",
		HideSelectors:  []string{".MuiDrawer-root", ".MuiIconButton-root", `[style*="fff3cd"]`},
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.OutputDir) == "" {
		c.OutputDir = d.OutputDir
	}
	if c.Timeouts.Launch <= 0 {
		c.Timeouts.Launch = d.Timeouts.Launch
	}
	if c.Timeouts.Navigate <= 0 {
		c.Timeouts.Navigate = d.Timeouts.Navigate
	}
	if c.Timeouts.Ready <= 0 {
		c.Timeouts.Ready = d.Timeouts.Ready
	}
	if c.Timeouts.Settle < 0 {
		c.Timeouts.Settle = 0
	}
	if c.Timeouts.Export <= 0 {
		c.Timeouts.Export = d.Timeouts.Export
	}
	if c.Timeouts.Extract <= 0 {
		c.Timeouts.Extract = d.Timeouts.Extract
	}
	if c.ReadySelector == "" {
		c.ReadySelector = d.ReadySelector
	}
	if c.ExportSelector == "" {
		c.ExportSelector = d.ExportSelector
	}
	if c.ResultExpr == "" {
		c.ResultExpr = d.ResultExpr
	}
	return c
}

// Client renders dashboards. It holds no per-call state: every Render opens
// and closes its own session, so concurrent calls are independent.
type Client struct {
	engine Engine
	log    logx.Logger

	mu  sync.RWMutex
	cfg Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(engine Engine, cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		engine: engine,
		log:    log.With(logx.String("comp", "render")),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Apply swaps the configuration for subsequent renders. In-flight renders
// keep the config they started with.
func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Render produces a PDF for targetURL and returns the written file path.
func (c *Client) Render(ctx context.Context, targetURL, label string) (path string, err error) {
	cfg := c.Config()
	t := cfg.Timeouts
	start := c.now()
	log := c.log.With(logx.String("label", label))

	var sess Session
	err = step(ctx, t.Launch, func(sctx context.Context) error {
		var lerr error
		sess, lerr = c.engine.Launch(sctx)
		return lerr
	})
	if err != nil {
		return "", stageErr(StageLaunch, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Debug("render session close failed", logx.Err(cerr))
		}
	}()

	if err := step(ctx, t.Navigate, func(sctx context.Context) error {
		return sess.Navigate(sctx, targetURL)
	}); err != nil {
		return "", stageErr(StageNavigate, err)
	}

	if err := step(ctx, t.Ready, func(sctx context.Context) error {
		return sess.WaitVisible(sctx, cfg.ReadySelector)
	}); err != nil {
		return "", stageErr(StageReady, err)
	}

	if t.Settle > 0 {
		if err := c.sleep(ctx, t.Settle); err != nil {
			return "", stageErr(StageSettle, err)
		}
	}

	if err := step(ctx, t.Export, func(sctx context.Context) error {
		if len(cfg.HideSelectors) > 0 {
			if err := sess.Evaluate(sctx, hideScript(cfg.HideSelectors), nil); err != nil {
				return err
			}
		}
		if err := sess.WaitVisible(sctx, cfg.ExportSelector); err != nil {
			return err
		}
		if err := sess.Click(sctx, cfg.ExportSelector); err != nil {
			return err
		}
		return sess.Poll(sctx, cfg.ResultExpr)
	}); err != nil {
		return "", stageErr(StageExport, err)
	}

	var pdf []byte
	if err := step(ctx, t.Extract, func(sctx context.Context) error {
		var payload string
		if err := sess.Evaluate(sctx, cfg.ResultExpr, &payload); err != nil {
			return err
		}
		var derr error
		pdf, derr = decodePayload(payload)
		return derr
	}); err != nil {
		return "", stageErr(StageExtract, err)
	}

	path, err = NewArtifactWriter(cfg.OutputDir, c.now).Write(label, pdf)
	if err != nil {
		return "", stageErr(StagePersist, err)
	}
	log.Info("report rendered",
		logx.String("path", path),
		logx.Int("bytes", len(pdf)),
		logx.Duration("took", c.now().Sub(start)),
	)
	return path, nil
}

func step(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sctx := ctx
	if d > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return fn(sctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func hideScript(selectors []string) string {
	var b strings.Builder
	b.WriteString("(() => {")
	for _, s := range selectors {
		b.WriteString("document.querySelectorAll(")
		b.WriteString(jsString(s))
		b.WriteString(").forEach(el => { el.style.display = 'none'; });")
	}
	b.WriteString("return true;})()")
	return b.String()
}

// jsString quotes s as a single-quoted JS literal.
func jsString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}

// decodePayload accepts raw base64 or a data: URL.
func decodePayload(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if i := strings.Index(payload, ";base64,"); i >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[i+len(";base64,"):]
	}
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if raw, rerr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rerr == nil {
			return raw, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return nil, ErrEmptyPayload
	}
	return b, nil
}

// IsTimeout reports whether a render failed because a stage ran out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
