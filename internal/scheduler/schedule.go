package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"reportd/internal/cronspec"
	"reportd/internal/eventbus"
	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

// Schedule installs the timer for def, replacing any existing one. Inactive
// definitions and invalid expressions end up with no timer; the latter is
// logged and published, never returned. It reports whether a timer is live.
//
// Before Start the entry is only registered; Start installs it.
func (s *Service) Schedule(def report.Definition) bool {
	log := s.log.With(logx.String("report_id", def.ID))

	s.mu.Lock()
	_, replaced := s.removeLocked(def.ID)
	if !def.IsActive {
		s.mu.Unlock()
		log.Debug("report inactive; not scheduled", logx.Bool("replaced", replaced))
		return false
	}
	sched, err := cronspec.Parse(def.Recurrence.Expression)
	if err != nil {
		s.mu.Unlock()
		log.Warn("invalid cron expression; report not scheduled",
			logx.String("expression", def.Recurrence.Expression),
			logx.Err(err),
		)
		s.publish(eventbus.ScheduleInvalid, map[string]string{"report_id": def.ID, "error": err.Error()})
		return false
	}
	e := Entry{ReportID: def.ID, Name: def.Label(), Expression: def.Recurrence.Expression}
	if s.c != nil {
		e.entryID = s.c.Schedule(sched, s.job(def.ID))
	}
	s.reg.Put(def.ID, e)
	loc := s.loc
	s.mu.Unlock()

	if log.Enabled(logx.LevelDebug) {
		runs, _ := cronspec.NextRuns(e.Expression, loc, s.now(), 3)
		log.Debug("report scheduled",
			logx.String("expression", e.Expression),
			logx.String("next", cronspec.FormatRuns(runs)),
			logx.Bool("replaced", replaced),
		)
	}
	s.publish(eventbus.ScheduleInstalled, map[string]string{"report_id": def.ID, "expression": e.Expression})
	return true
}

// Reschedule is the update path; it behaves exactly like Schedule.
func (s *Service) Reschedule(def report.Definition) bool { return s.Schedule(def) }

// Remove cancels the timer for id. An in-flight run is left to finish.
// Unknown ids are a no-op.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.removeLocked(id)
	s.mu.Unlock()
	if ok {
		s.log.Debug("schedule removed", logx.String("report_id", id))
		s.publish(eventbus.ScheduleRemoved, map[string]string{"report_id": id})
	}
	return ok
}

func (s *Service) removeLocked(id string) (Entry, bool) {
	e, ok := s.reg.Remove(id)
	if ok && s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	return e, ok
}

// job is what a timer runs. It captures only the id.
func (s *Service) job(id string) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.runCtx
		if ctx == nil {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()
		s.execute(ctx, id, TriggerCron, "")
	})
}

// InitializeSchedules schedules every active definition in the store and
// returns how many timers went live.
func (s *Service) InitializeSchedules(ctx context.Context) (int, error) {
	defs, err := s.store.Find(ctx, report.Active())
	if err != nil {
		s.log.Error("initialize schedules: store query failed", logx.Err(err))
		return 0, err
	}
	n := 0
	for _, d := range defs {
		if s.Schedule(d) {
			n++
		}
	}
	s.log.Info("schedules initialized", logx.Int("active", len(defs)), logx.Int("installed", n))
	return n, nil
}

// CleanupExpiredSchedules removes the timers of every definition whose
// window ended at or before now, then deletes those definitions.
func (s *Service) CleanupExpiredSchedules(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.Find(ctx, report.ExpiredAt(now))
	if err != nil {
		s.log.Error("cleanup: store query failed", logx.Err(err))
		return 0, err
	}
	for _, d := range expired {
		s.Remove(d.ID)
	}
	n, err := s.store.DeleteMany(ctx, report.ExpiredAt(now))
	if err != nil {
		s.log.Error("cleanup: delete failed", logx.Int("expired", len(expired)), logx.Err(err))
		return 0, err
	}
	if n > 0 || len(expired) > 0 {
		s.log.Info("expired reports cleaned up", logx.Int("timers", len(expired)), logx.Int("deleted", n))
	}
	return n, nil
}

// MaintenanceLoop runs CleanupExpiredSchedules every CleanupInterval until
// ctx is done. Failures are logged and retried on the next tick.
func (s *Service) MaintenanceLoop(ctx context.Context) error {
	every := s.config().CleanupInterval
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = s.CleanupExpiredSchedules(ctx)
			if next := s.config().CleanupInterval; next != every {
				every = next
				t.Reset(every)
			}
		}
	}
}
