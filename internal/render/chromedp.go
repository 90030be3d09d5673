package render

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeConfig tunes the local Chrome/Chromium process.
type ChromeConfig struct {
	// ExecPath overrides browser discovery. Empty means look in PATH.
	ExecPath string
	Width    int
	Height   int
	Scale    float64
	// PollInterval is how often Poll re-evaluates its expression.
	PollInterval time.Duration
}

func (c ChromeConfig) withDefaults() ChromeConfig {
	if c.Width <= 0 {
		c.Width = 1920
	}
	if c.Height <= 0 {
		c.Height = 1080
	}
	if c.Scale <= 0 {
		c.Scale = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

// Chrome is an Engine backed by a fresh headless browser per session.
type Chrome struct {
	cfg ChromeConfig
}

func NewChrome(cfg ChromeConfig) *Chrome {
	return &Chrome{cfg: cfg.withDefaults()}
}

func (c *Chrome) Launch(ctx context.Context) (Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(c.cfg.Width, c.cfg.Height),
	)
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}

	// The browser outlives the launch deadline; it is torn down by Close.
	base := context.WithoutCancel(ctx)
	allocCtx, allocCancel := chromedp.NewExecAllocator(base, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		tab:  tabCtx,
		poll: c.cfg.PollInterval,
		idle: make(chan struct{}, 1),
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok || e.Name != "networkIdle" || !s.armed.Load() {
			return
		}
		select {
		case s.idle <- struct{}{}:
		default:
		}
	})

	// The first Run starts the browser; it must run on the tab context
	// itself, so the launch deadline is enforced from outside.
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(tabCtx,
			page.SetLifecycleEventsEnabled(true),
			chromedp.EmulateViewport(int64(c.cfg.Width), int64(c.cfg.Height), chromedp.EmulateScale(c.cfg.Scale)),
		)
	}()
	select {
	case err := <-done:
		if err != nil {
			s.cancel()
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		s.cancel()
		return nil, ctx.Err()
	}
}

type chromeSession struct {
	tab    context.Context
	poll   time.Duration
	cancel func()
	once   sync.Once

	armed atomic.Bool
	idle  chan struct{}
}

// run executes actions on the tab, bounded by ctx's deadline and cancellation.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, cancel := context.WithCancel(s.tab)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var dcancel context.CancelFunc
		rctx, dcancel = context.WithDeadline(rctx, dl)
		defer dcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	select {
	case <-s.idle:
	default:
	}
	s.armed.Store(true)
	defer s.armed.Store(false)

	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return err
	}
	select {
	case <-s.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chromeSession) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (s *chromeSession) Evaluate(ctx context.Context, expr string, out any) error {
	return s.run(ctx, chromedp.Evaluate(expr, out))
}

func (s *chromeSession) Poll(ctx context.Context, expr string) error {
	var ok bool
	opts := []chromedp.PollOption{chromedp.WithPollingInterval(s.poll)}
	if dl, has := ctx.Deadline(); has {
		opts = append(opts, chromedp.WithPollingTimeout(time.Until(dl)))
	}
	if err := s.run(ctx, chromedp.Poll("!!("+expr+")", &ok, opts...)); err != nil {
		return err
	}
	if !ok {
		return errors.New("completion marker never became truthy")
	}
	return nil
}

func (s *chromeSession) Close() error {
	s.once.Do(s.cancel)
	return nil
}
