package render

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	logx "reportd/pkg/logx"
)

type BreakerConfig struct {
	// Failures is the number of consecutive failed renders that opens the
	// breaker. 0 disables it.
	Failures uint32
	// Cooldown is how long the breaker stays open before a trial render.
	Cooldown time.Duration
}

// Breaker short-circuits renders while the browser keeps failing.
type Breaker struct {
	next Renderer
	cb   *gobreaker.CircuitBreaker[string]
}

// NewBreaker wraps next. With cfg.Failures == 0 it returns next unchanged.
func NewBreaker(next Renderer, cfg BreakerConfig, log logx.Logger) Renderer {
	if cfg.Failures == 0 {
		return next
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "render",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		IsSuccessful: func(err error) bool {
			// caller cancellation says nothing about the browser
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("render breaker state changed",
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Render(ctx context.Context, targetURL, label string) (string, error) {
	path, err := b.cb.Execute(func() (string, error) {
		return b.next.Render(ctx, targetURL, label)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", &RenderError{Stage: StageLaunch, Cause: ErrBreakerOpen}
	}
	return path, err
}

// State exposes the breaker state for the status endpoint.
func (b *Breaker) State() string { return b.cb.State().String() }
