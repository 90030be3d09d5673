package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"reportd/internal/delivery"
)

var (
	ErrStopped = errors.New("scheduler not running")
	// ErrWindowSkip is not a failure: the occurrence fell outside the
	// report's active window.
	ErrWindowSkip = errors.New("outside active window")
	// ErrOverlapSkip means a previous run of the same report was still in flight.
	ErrOverlapSkip = errors.New("previous run still in progress")
	ErrInactive    = errors.New("report inactive")
	ErrGone        = errors.New("report no longer exists")
)

type Config struct {
	Timezone string
	// RunTimeout bounds one run including waiting for a render slot. 0 means none.
	RunTimeout time.Duration
	// MaxConcurrentRenders caps renders across all reports.
	MaxConcurrentRenders int
	HistorySize          int
	CleanupInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRenders <= 0 {
		c.MaxConcurrentRenders = 2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	return c
}

// Deliverer receives finished artifacts. *delivery.Fanout implements it.
type Deliverer interface {
	Deliver(ctx context.Context, a delivery.Artifact) ([]delivery.Result, error)
}

type Trigger string

const (
	TriggerCron   Trigger = "cron"
	TriggerManual Trigger = "manual"
)

type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// RunRecord describes one execution attempt.
type RunRecord struct {
	RunID      string            `json:"run_id"`
	ReportID   string            `json:"report_id"`
	Name       string            `json:"name,omitempty"`
	Trigger    Trigger           `json:"trigger"`
	Started    time.Time         `json:"started"`
	Duration   time.Duration     `json:"duration"`
	Outcome    Outcome           `json:"outcome"`
	Error      string            `json:"error,omitempty"`
	Stage      string            `json:"stage,omitempty"`
	Artifact   string            `json:"artifact,omitempty"`
	Deliveries []delivery.Result `json:"deliveries,omitempty"`

	err error
}

// Err returns the cause of a skipped or failed run.
func (r RunRecord) Err() error { return r.err }

// Entry is a live timer for one report.
type Entry struct {
	ReportID   string
	Name       string
	Expression string
	entryID    cron.EntryID
}

type ScheduleInfo struct {
	ReportID   string    `json:"report_id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Next       time.Time `json:"next,omitzero"`
	Prev       time.Time `json:"prev,omitzero"`
	Running    bool      `json:"running"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Renders   int            `json:"renders_in_flight"`
	RenderCap int            `json:"render_cap"`
	Schedules []ScheduleInfo `json:"schedules"`
	History   []RunRecord    `json:"history"`
}
