package app

import (
	"context"
	"reflect"
	"slices"
	"strings"

	"reportd/internal/config"
	"reportd/internal/eventbus"
	logx "reportd/pkg/logx"
)

// reloadLoop applies every committed config until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-applicable sections of newCfg into the running
// components. Sections that need a restart are only warned about.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	s, err := mapConfig(newCfg)
	if err != nil {
		// validator already ran mapConfig; reaching here is a bug
		a.log.Error("reloaded config could not be mapped; keeping previous", logx.Err(err))
		return
	}

	if slices.Contains(sections, "delivery") {
		a.applyDelivery(s)
	}
	if slices.Contains(sections, "logging") {
		a.logs.Apply(s.log)
	}
	if slices.Contains(sections, "scheduler") {
		a.sched.Apply(s.scheduler)
	}
	if slices.Contains(sections, "render") {
		a.client.Apply(s.render)
		if !reflect.DeepEqual(a.chrome, s.chrome) || a.breaker != s.breaker {
			a.log.Warn("render browser or breaker settings changed; restart required for those to take effect")
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: map[string]any{"changed": sections}})
	a.log.Info("config reloaded", fields...)
}

// applyDelivery rebuilds the channel set. The Telegram bot is shared with
// the log sink, so the sender is swapped before the new channels go live.
func (a *App) applyDelivery(s settings) {
	tg, err := buildTelegram(s)
	if err != nil {
		a.log.Warn("invalid delivery.telegram config; keeping previous", logx.Err(err))
		return
	}
	channels, err := buildChannels(s, tg)
	if err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
		return
	}
	if tg != nil {
		a.logs.SetSender(tg)
	} else {
		// untyped nil, not a nil *Telegram
		a.logs.SetSender(nil)
	}
	a.tg = tg
	a.fanout.Set(s.deliveryTimeout, channels...)
	a.log.Info("delivery channels updated", logx.Any("channels", a.fanout.Names()))
}
