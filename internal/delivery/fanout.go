package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	logx "reportd/pkg/logx"
)

// Fanout delivers to every configured channel concurrently. A failing channel
// never prevents the others from running.
type Fanout struct {
	mu       sync.RWMutex
	channels []Deliverer
	timeout  time.Duration

	log logx.Logger
	now func() time.Time
}

func NewFanout(log logx.Logger, timeout time.Duration, channels ...Deliverer) *Fanout {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Fanout{log: log.With(logx.String("comp", "delivery")), now: time.Now}
	f.Set(timeout, channels...)
	return f
}

// Set replaces the channel list. Deliveries already in flight keep the old one.
func (f *Fanout) Set(timeout time.Duration, channels ...Deliverer) {
	var cs []Deliverer
	for _, c := range channels {
		if c != nil {
			cs = append(cs, c)
		}
	}
	f.mu.Lock()
	f.channels = cs
	f.timeout = timeout
	f.mu.Unlock()
}

func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.channels)
}

// Names lists the configured channels in delivery order.
func (f *Fanout) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.channels))
	for _, c := range f.channels {
		out = append(out, c.Name())
	}
	return out
}

// Deliver returns one Result per channel (in channel order) and the joined
// errors of the channels that failed.
func (f *Fanout) Deliver(ctx context.Context, a Artifact) ([]Result, error) {
	f.mu.RLock()
	channels, timeout := f.channels, f.timeout
	f.mu.RUnlock()

	if len(channels) == 0 {
		return nil, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := make([]Result, len(channels))
	errs := make([]error, len(channels))
	// plain Group: one channel failing must not cancel the rest
	var g errgroup.Group
	for i, ch := range channels {
		g.Go(func() (err error) {
			start := f.now()
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s: panic: %v", ch.Name(), r)
				}
				res := Result{Channel: ch.Name(), Took: f.now().Sub(start)}
				var skip noRecipientsError
				switch {
				case errors.As(err, &skip):
					res.Skipped = true
					err = nil
				case err != nil:
					res.Err = err.Error()
					errs[i] = err
				}
				results[i] = res
			}()
			return ch.Deliver(ctx, a)
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch {
		case r.Skipped:
			f.log.Debug("delivery skipped", logx.String("channel", r.Channel), logx.String("report_id", a.ReportID))
		case r.Err != "":
			f.log.Warn("delivery failed", logx.String("channel", r.Channel), logx.String("report_id", a.ReportID), logx.String("err", r.Err))
		default:
			f.log.Info("report delivered", logx.String("channel", r.Channel), logx.String("report_id", a.ReportID), logx.Duration("took", r.Took))
		}
	}
	return results, errors.Join(errs...)
}
