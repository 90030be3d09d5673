package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"reportd/internal/cronspec"
	"reportd/internal/eventbus"
	"reportd/internal/render"
	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

type Deps struct {
	Store    report.Store
	Renderer render.Renderer
	// Delivery is optional.
	Delivery Deliverer
	// Bus is optional.
	Bus eventbus.Bus
	Log logx.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	c   *cron.Cron // non-nil while started

	reg      *Registry
	store    report.Store
	renderer render.Renderer
	delivery Deliverer
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	// running holds the ids with a run in flight (single slot per report).
	gmu     sync.Mutex
	running map[string]bool

	// slots caps renders across reports; replaced on Apply, captured per run.
	slots chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	hist        *history
	overlapWarn rate.Sometimes
}

func New(cfg Config, d Deps) *Service {
	cfg = cfg.withDefaults()
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		cfg:         cfg,
		reg:         NewRegistry(),
		store:       d.Store,
		renderer:    d.Renderer,
		delivery:    d.Delivery,
		bus:         d.Bus,
		log:         log.With(logx.String("comp", "scheduler")),
		now:         now,
		running:     map[string]bool{},
		slots:       make(chan struct{}, cfg.MaxConcurrentRenders),
		hist:        newHistory(cfg.HistorySize),
		overlapWarn: rate.Sometimes{Interval: 30 * time.Second},
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Registry exposes the live timer map (read-only use).
func (s *Service) Registry() *Registry { return s.reg }

// Location is the operating timezone timers are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Start creates the cron runner and installs every registered entry.
// Runs started from timers or RunNow are bound to ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	n := s.installAllLocked()
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Int("schedules", n),
		logx.Int("render_slots", cap(s.slots)),
	)
}

// Stop cancels every timer, cancels in-flight runs and waits for them until
// ctx expires. The registry is emptied; InitializeSchedules rebuilds it.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	// Cron's Done waits for running jobs, which finish once runs are cancelled.
	stopped := c.Stop()
	if cancel != nil {
		cancel()
	}
	dropped := s.reg.Drain()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Int("timers", len(dropped)), logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; runs still draining", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Apply swaps the config. A timezone change re-installs every timer in the
// new zone; a new render cap applies to runs that start afterwards.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	oldCap := s.cfg.MaxConcurrentRenders
	s.cfg = cfg

	if cfg.MaxConcurrentRenders != oldCap {
		s.slots = make(chan struct{}, cfg.MaxConcurrentRenders)
	}
	s.hist.resize(cfg.HistorySize)

	if strings.TrimSpace(cfg.Timezone) != oldTZ {
		s.loc = s.loadLocationLocked()
		if s.c != nil {
			s.restartLocked()
		}
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) newCronLocked() *cron.Cron {
	cl := cronLogger{log: s.log}
	return cron.New(
		cron.WithParser(cronspec.Parser()),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
}

// restartLocked swaps in a fresh cron runner. The old one is stopped without
// waiting: its in-flight jobs are tracked by wg and may need s.mu to finish.
func (s *Service) restartLocked() {
	s.c.Stop()
	s.c = s.newCronLocked()
	n := s.installAllLocked()
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", n))
}

func (s *Service) installAllLocked() int {
	n := 0
	for _, e := range s.reg.Entries() {
		sched, err := cronspec.Parse(e.Expression)
		if err != nil {
			s.reg.Remove(e.ReportID)
			continue
		}
		e.entryID = s.c.Schedule(sched, s.job(e.ReportID))
		s.reg.Put(e.ReportID, e)
		n++
	}
	return n
}

func (s *Service) loadLocationLocked() *time.Location {
	loc, err := cronspec.LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

// Snapshot is a point-in-time view for the status endpoint.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c := s.c
	loc := s.loc
	slots := s.slots
	s.mu.Unlock()

	entries := s.reg.Entries()
	items := make([]ScheduleInfo, 0, len(entries))
	for _, e := range entries {
		it := ScheduleInfo{ReportID: e.ReportID, Name: e.Name, Expression: e.Expression, Running: s.isRunning(e.ReportID)}
		if c != nil && e.entryID != 0 {
			ce := c.Entry(e.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		items = append(items, it)
	}
	return Snapshot{
		Running:   c != nil,
		Timezone:  loc.String(),
		Renders:   len(slots),
		RenderCap: cap(slots),
		Schedules: items,
		History:   s.hist.list(""),
	}
}

// History returns recent runs, oldest first. An empty id returns all.
func (s *Service) History(reportID string) []RunRecord {
	return s.hist.list(reportID)
}
