// Package report defines the persisted report definition and the store
// contract the scheduler and the admin API depend on.
package report

import (
	"context"
	"slices"
	"time"

	"reportd/internal/cronspec"
)

type RecurrenceType = cronspec.Kind

// Dashboard identifies the dashboard a report renders.
type Dashboard struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
}

// Recurrence is the calendar rule plus its derived cron expression.
type Recurrence struct {
	Type       RecurrenceType `json:"type"`
	Expression string         `json:"cronExpression"`
	TimeOfDay  string         `json:"timeOfDay,omitempty"`
}

// Window bounds the period in which runs are eligible. Both ends are inclusive.
type Window struct {
	Start time.Time `json:"startDate"`
	End   time.Time `json:"endDate"`
}

// Contains reports whether t lies within [Start, End].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Expired reports whether the window has closed at or before now.
func (w Window) Expired(now time.Time) bool { return !w.End.After(now) }

type Definition struct {
	ID          string     `json:"id"`
	Dashboard   Dashboard  `json:"dashboard"`
	Widgets     []string   `json:"widgets"`
	Recurrence  Recurrence `json:"recurrence"`
	Window      Window     `json:"window"`
	IsActive    bool       `json:"isActive"`
	Recipients  []string   `json:"recipients,omitempty"`
	LastRun     *time.Time `json:"lastRun,omitempty"`
	LastFailure *time.Time `json:"lastFailure,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Label is the human name used for artifacts and logs.
func (d Definition) Label() string {
	if d.Dashboard.Name != "" {
		return d.Dashboard.Name
	}
	return d.ID
}

// Clone returns a deep copy so callers can't alias store-owned slices.
func (d Definition) Clone() Definition {
	cp := d
	cp.Widgets = slices.Clone(d.Widgets)
	cp.Recipients = slices.Clone(d.Recipients)
	if d.LastRun != nil {
		t := *d.LastRun
		cp.LastRun = &t
	}
	if d.LastFailure != nil {
		t := *d.LastFailure
		cp.LastFailure = &t
	}
	return cp
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Dashboard   *Dashboard
	Widgets     *[]string
	Recurrence  *Recurrence
	Window      *Window
	IsActive    *bool
	Recipients  *[]string
	LastRun     *time.Time
	LastFailure *time.Time
	LastError   *string
}

// Apply mutates d in place.
func (p Patch) Apply(d *Definition) {
	if p.Dashboard != nil {
		d.Dashboard = *p.Dashboard
	}
	if p.Widgets != nil {
		d.Widgets = slices.Clone(*p.Widgets)
	}
	if p.Recurrence != nil {
		d.Recurrence = *p.Recurrence
	}
	if p.Window != nil {
		d.Window = *p.Window
	}
	if p.IsActive != nil {
		d.IsActive = *p.IsActive
	}
	if p.Recipients != nil {
		d.Recipients = slices.Clone(*p.Recipients)
	}
	if p.LastRun != nil {
		t := *p.LastRun
		d.LastRun = &t
	}
	if p.LastFailure != nil {
		t := *p.LastFailure
		d.LastFailure = &t
	}
	if p.LastError != nil {
		d.LastError = *p.LastError
	}
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Dashboard == nil && p.Widgets == nil && p.Recurrence == nil && p.Window == nil &&
		p.IsActive == nil && p.Recipients == nil && p.LastRun == nil && p.LastFailure == nil && p.LastError == nil
}

// Filter selects definitions. Zero-valued fields match everything.
type Filter struct {
	IsActive      *bool
	EndAtOrBefore *time.Time
}

func (f Filter) Match(d Definition) bool {
	if f.IsActive != nil && d.IsActive != *f.IsActive {
		return false
	}
	if f.EndAtOrBefore != nil && d.Window.End.After(*f.EndAtOrBefore) {
		return false
	}
	return true
}

// Active matches definitions with IsActive=true.
func Active() Filter {
	t := true
	return Filter{IsActive: &t}
}

// ExpiredAt matches definitions whose window ended at or before now.
func ExpiredAt(now time.Time) Filter {
	return Filter{EndAtOrBefore: &now}
}

// Store persists report definitions. Implementations must be safe for
// concurrent use and must return ErrNotFound (possibly wrapped) for unknown ids.
type Store interface {
	Create(ctx context.Context, def Definition) (Definition, error)
	FindByID(ctx context.Context, id string) (Definition, error)
	FindByIDAndUpdate(ctx context.Context, id string, patch Patch) (Definition, error)
	FindByIDAndDelete(ctx context.Context, id string) (Definition, error)
	Find(ctx context.Context, f Filter) ([]Definition, error)
	DeleteMany(ctx context.Context, f Filter) (int, error)
	Close() error
}
