package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"reportd/internal/cronspec"
	"reportd/internal/report"
	"reportd/internal/scheduler"
	logx "reportd/pkg/logx"
)

// Scheduler is what the handlers need from the scheduling service.
// *scheduler.Service implements it.
type Scheduler interface {
	Schedule(def report.Definition) bool
	Reschedule(def report.Definition) bool
	Remove(id string) bool
	RunNow(ctx context.Context, id string) (string, error)
	Snapshot() scheduler.Snapshot
	History(reportID string) []scheduler.RunRecord
	Location() *time.Location
}

// ReportHandler serves report CRUD plus run and schedule inspection.
type ReportHandler struct {
	store report.Store
	sched Scheduler
	log   logx.Logger
}

func NewReportHandler(store report.Store, sched Scheduler, log logx.Logger) *ReportHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ReportHandler{store: store, sched: sched, log: log}
}

func (h *ReportHandler) RegisterRoutes(r chi.Router) {
	r.Route("/reports", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		// dashboard schedule dialog
		r.Post("/schedule", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/run", h.Run)
			r.Get("/runs", h.Runs)
		})
	})
	r.Post("/schedule", h.Create)
	r.Get("/schedules", h.Schedules)
	r.Get("/cron/preview", h.Preview)
}

type reportResponse struct {
	Message   string            `json:"message,omitempty"`
	Report    report.Definition `json:"report"`
	Scheduled bool              `json:"scheduled"`
}

// Create handles POST /api/reports: validate, persist, then install the timer.
// An expression that passes validation here can't fail Schedule, so
// scheduled=false only means the report was created inactive.
func (h *ReportHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateReportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, r, err)
		return
	}
	def, err := req.definition()
	if err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := h.store.Create(r.Context(), def)
	if err != nil {
		h.log.Error("create report failed", logx.String("dashboard_id", def.Dashboard.ID), logx.Err(err))
		writeError(w, r, err)
		return
	}
	scheduled := h.sched.Schedule(saved)
	h.log.Info("report created",
		logx.String("report_id", saved.ID),
		logx.String("expression", saved.Recurrence.Expression),
		logx.Bool("scheduled", scheduled),
	)
	writeJSON(w, http.StatusCreated, reportResponse{Message: "Report scheduled", Report: saved, Scheduled: scheduled})
}

// List handles GET /api/reports[?active=true|false][&expired=true].
func (h *ReportHandler) List(w http.ResponseWriter, r *http.Request) {
	var f report.Filter
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, badRequest("active must be true or false"))
			return
		}
		f.IsActive = &v
	}
	if raw := r.URL.Query().Get("expired"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, badRequest("expired must be true or false"))
			return
		}
		if v {
			now := time.Now()
			f.EndAtOrBefore = &now
		}
	}
	defs, err := h.store.Find(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if defs == nil {
		defs = []report.Definition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (h *ReportHandler) Get(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// Update handles PUT /api/reports/{id} and re-installs the timer from the
// stored result.
func (h *ReportHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdateReportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, r, err)
		return
	}
	cur, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := req.patch(cur)
	if err != nil {
		writeError(w, r, err)
		return
	}
	updated := cur
	if !p.Empty() {
		updated, err = h.store.FindByIDAndUpdate(r.Context(), id, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
	scheduled := h.sched.Reschedule(updated)
	h.log.Info("report updated", logx.String("report_id", id), logx.Bool("scheduled", scheduled))
	writeJSON(w, http.StatusOK, reportResponse{Report: updated, Scheduled: scheduled})
}

// Delete handles DELETE /api/reports/{id}. An in-flight run is left to finish.
func (h *ReportHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.FindByIDAndDelete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.sched.Remove(id)
	h.log.Info("report deleted", logx.String("report_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Report deleted"})
}

// Run handles POST /api/reports/{id}/run. The run happens in the background.
func (h *ReportHandler) Run(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	runID, err := h.sched.RunNow(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "report_id": id})
}

func (h *ReportHandler) Runs(w http.ResponseWriter, r *http.Request) {
	runs := h.sched.History(chi.URLParam(r, "id"))
	if runs == nil {
		runs = []scheduler.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *ReportHandler) Schedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Snapshot())
}

type previewResponse struct {
	Expression string      `json:"expression"`
	Timezone   string      `json:"timezone"`
	Next       []time.Time `json:"next"`
}

// Preview handles GET /api/cron/preview?expr=...&n=5, or ?type=daily&time=08:30.
func (h *ReportHandler) Preview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expr := strings.TrimSpace(q.Get("expr"))
	if expr == "" {
		k, err := cronspec.ParseKind(q.Get("type"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if expr, err = cronspec.Derive(k, q.Get("time")); err != nil {
			writeError(w, r, err)
			return
		}
	}
	n := 5
	if raw := q.Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 50 {
			writeError(w, r, badRequest("n must be between 1 and 50"))
			return
		}
		n = v
	}
	loc := h.sched.Location()
	runs, err := cronspec.NextRuns(expr, loc, time.Now(), n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{Expression: expr, Timezone: loc.String(), Next: runs})
}
