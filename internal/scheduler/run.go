package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"reportd/internal/delivery"
	"reportd/internal/eventbus"
	"reportd/internal/render"
	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

// persistTimeout bounds the store write that records a run's outcome. It is
// detached from the run context so a timed-out render is still recorded.
const persistTimeout = 10 * time.Second

// RunNow starts an out-of-band run of id in the background and returns its
// run id. Manual runs skip the active flag but still honour the window and
// the single-run guard.
func (s *Service) RunNow(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	runCtx := s.runCtx
	if runCtx == nil {
		s.mu.Unlock()
		return "", ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if _, err := s.store.FindByID(ctx, id); err != nil {
		s.wg.Done()
		return "", err
	}
	runID := uuid.NewString()
	go func() {
		defer s.wg.Done()
		s.execute(runCtx, id, TriggerManual, runID)
	}()
	return runID, nil
}

// RunOnce executes a manual run synchronously on ctx. It does not need Start.
func (s *Service) RunOnce(ctx context.Context, id string) (RunRecord, error) {
	if _, err := s.store.FindByID(ctx, id); err != nil {
		return RunRecord{}, err
	}
	rec := s.execute(ctx, id, TriggerManual, "")
	return rec, rec.Err()
}

func (s *Service) tryAcquire(id string) bool {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Service) release(id string) {
	s.gmu.Lock()
	delete(s.running, id)
	s.gmu.Unlock()
}

func (s *Service) isRunning(id string) bool {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	return s.running[id]
}

// execute performs one occurrence for id. Every outcome is recorded in the
// history and published; nothing escapes.
func (s *Service) execute(ctx context.Context, id string, trigger Trigger, runID string) (rec RunRecord) {
	if runID == "" {
		runID = uuid.NewString()
	}
	start := s.now()
	rec = RunRecord{RunID: runID, ReportID: id, Trigger: trigger, Started: start}
	log := s.log.With(logx.String("report_id", id), logx.String("run_id", runID), logx.String("trigger", string(trigger)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("run panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			rec = rec.fail(fmt.Errorf("panic: %v", r))
		}
		rec.Duration = s.now().Sub(start)
		s.finish(rec)
	}()

	if !s.tryAcquire(id) {
		s.overlapWarn.Do(func() {
			log.Warn("previous run still in progress; occurrence skipped")
		})
		return rec.skip(ErrOverlapSkip)
	}
	defer s.release(id)

	def, err := s.store.FindByID(ctx, id)
	if report.IsNotFound(err) {
		// The store no longer knows this report; its timer is stale.
		s.Remove(id)
		log.Info("report gone; stale timer removed")
		return rec.skip(ErrGone)
	}
	if err != nil {
		log.Error("run: load definition failed", logx.Err(err))
		return rec.fail(err)
	}
	rec.Name = def.Label()

	if trigger == TriggerCron && !def.IsActive {
		s.Remove(id)
		log.Info("report inactive; timer removed")
		return rec.skip(ErrInactive)
	}

	now := s.now()
	if !def.Window.Contains(now) {
		log.Info("occurrence outside active window; skipped",
			logx.Time("start", def.Window.Start),
			logx.Time("end", def.Window.End),
		)
		return rec.skip(ErrWindowSkip)
	}

	s.publish(eventbus.RunStarted, rec)

	cfg := s.config()
	rctx := ctx
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	s.mu.Lock()
	slots := s.slots
	s.mu.Unlock()
	select {
	case slots <- struct{}{}:
	case <-rctx.Done():
		log.Warn("run: no render slot before deadline", logx.Err(rctx.Err()))
		rec.Stage = "queue"
		return rec.fail(rctx.Err())
	}
	path, err := func() (string, error) {
		defer func() { <-slots }()
		return s.renderer.Render(rctx, def.Dashboard.BaseURL, def.Label())
	}()

	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer pcancel()

	if err != nil {
		rec.Stage = string(render.StageOf(err))
		failedAt := s.now()
		msg := err.Error()
		if _, uerr := s.store.FindByIDAndUpdate(pctx, id, report.Patch{LastFailure: &failedAt, LastError: &msg}); uerr != nil {
			log.Warn("run: record failure failed", logx.Err(uerr))
		}
		log.Error("render failed", logx.String("stage", rec.Stage), logx.Err(err))
		return rec.fail(err)
	}
	rec.Artifact = path

	ranAt := s.now()
	none := ""
	updated, err := s.store.FindByIDAndUpdate(pctx, id, report.Patch{LastRun: &ranAt, LastError: &none})
	if err != nil {
		log.Error("run: record last run failed", logx.String("artifact", path), logx.Err(err))
		rec.Stage = "persist_run"
		return rec.fail(err)
	}

	if s.delivery != nil {
		results, derr := s.delivery.Deliver(rctx, delivery.Artifact{
			ReportID:    id,
			Name:        updated.Label(),
			Path:        path,
			Recipients:  updated.Recipients,
			GeneratedAt: ranAt,
		})
		rec.Deliveries = results
		if derr != nil {
			log.Warn("delivery incomplete", logx.Err(derr))
		}
	}

	rec.Outcome = OutcomeOK
	log.Info("report run finished", logx.String("artifact", path), logx.Duration("took", s.now().Sub(start)))
	return rec
}

func (r RunRecord) skip(err error) RunRecord {
	r.Outcome = OutcomeSkipped
	r.Error = err.Error()
	r.err = err
	return r
}

func (r RunRecord) fail(err error) RunRecord {
	r.Outcome = OutcomeFailed
	r.Error = err.Error()
	r.err = err
	return r
}

func (s *Service) finish(rec RunRecord) {
	s.hist.add(rec)
	switch rec.Outcome {
	case OutcomeOK:
		s.publish(eventbus.RunFinished, rec)
	case OutcomeSkipped:
		s.publish(eventbus.RunSkipped, rec)
	default:
		s.publish(eventbus.RunFailed, rec)
	}
}

// IsSkip reports whether err marks a suppressed occurrence rather than a failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrWindowSkip) || errors.Is(err, ErrOverlapSkip) ||
		errors.Is(err, ErrInactive) || errors.Is(err, ErrGone)
}
