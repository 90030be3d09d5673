package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportd/internal/report"
	"reportd/internal/scheduler"
	"reportd/internal/storage"
	logx "reportd/pkg/logx"
)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
	removed   []string
	runErr    error
}

func (f *fakeScheduler) Schedule(def report.Definition) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, def.ID)
	return def.IsActive
}

func (f *fakeScheduler) Reschedule(def report.Definition) bool { return f.Schedule(def) }

func (f *fakeScheduler) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return true
}

func (f *fakeScheduler) RunNow(_ context.Context, id string) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	return "run-" + id, nil
}

func (f *fakeScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Running: true, Timezone: "UTC"}
}

func (f *fakeScheduler) History(string) []scheduler.RunRecord { return nil }

func (f *fakeScheduler) Location() *time.Location { return time.UTC }

type harness struct {
	store *storage.MemoryStore
	sched *fakeScheduler
	h     http.Handler
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	fs := &fakeScheduler{}
	rh := NewReportHandler(st, fs, logx.Nop())
	return &harness{
		store: st,
		sched: fs,
		h:     NewRouter(RouterConfig{Token: token}, rh, logx.Nop()),
	}
}

func (h *harness) do(t *testing.T, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func validCreate() map[string]any {
	return map[string]any{
		"baseUrl":       "https://grafana.example.com",
		"dashboardId":   "dash-1",
		"dashboardName": "Ops Overview",
		"widgets":       []string{"cpu", "mem"},
		"scheduleType":  "weekly",
		"timeOfDay":     "08:30",
		"startDate":     "2024-06-01T00:00:00Z",
		"endDate":       "2099-06-30T00:00:00Z",
		"recipients":    []string{"ops@example.com"},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateDerivesExpressionAndSchedules(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodPost, "/api/reports", validCreate())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[reportResponse](t, rec)
	assert.Equal(t, "Report scheduled", resp.Message)
	assert.True(t, resp.Scheduled)
	assert.NotEmpty(t, resp.Report.ID)
	assert.Equal(t, "30 8 * * 1", resp.Report.Recurrence.Expression)
	assert.True(t, resp.Report.IsActive)
	assert.Equal(t, []string{resp.Report.ID}, h.sched.scheduled)

	stored, err := h.store.FindByID(context.Background(), resp.Report.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ops Overview", stored.Dashboard.Name)
}

func TestScheduleAliasAcceptsExplicitExpression(t *testing.T) {
	h := newHarness(t, "")
	body := validCreate()
	delete(body, "timeOfDay")
	body["cronExpression"] = "15 6 * * 1-5"
	body["isActive"] = false

	rec := h.do(t, http.MethodPost, "/api/schedule", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[reportResponse](t, rec)
	assert.Equal(t, "15 6 * * 1-5", resp.Report.Recurrence.Expression)
	assert.False(t, resp.Scheduled)
}

func TestDialogScheduleAcceptsDateOnlyWindow(t *testing.T) {
	h := newHarness(t, "")
	body := `{"dashboardName":"Ops Overview","baseUrl":"http://localhost:3000/dashboard/ops",` +
		`"scheduleType":"weekly","cronExpression":"30 9 * * 1","widgets":["w1","w2"],` +
		`"startDate":"2024-06-01","endDate":"2099-06-30","isActive":true,"dashboardId":"ops"}`

	rec := h.do(t, http.MethodPost, "/api/reports/schedule", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[reportResponse](t, rec)
	assert.Equal(t, "30 9 * * 1", resp.Report.Recurrence.Expression)
	assert.Equal(t, []string{"w1", "w2"}, resp.Report.Widgets)
	assert.True(t, resp.Report.Window.Start.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, resp.Report.Window.End.Equal(time.Date(2099, 6, 30, 0, 0, 0, 0, time.UTC)))
	assert.True(t, resp.Scheduled)
}

func TestCreateRejectsUnparseableDate(t *testing.T) {
	h := newHarness(t, "")
	b := validCreate()
	b["startDate"] = "06/01/2024"
	rec := h.do(t, http.MethodPost, "/api/reports/schedule", b)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, CodeInvalidJSON, decode[errorBody](t, rec).Error.Code)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		code   string
	}{
		{"missing dashboard", func(b map[string]any) { delete(b, "dashboardId") }, CodeValidation},
		{"bad type", func(b map[string]any) { b["scheduleType"] = "hourly" }, CodeValidation},
		{"bad time", func(b map[string]any) { b["timeOfDay"] = "25:00" }, CodeValidation},
		{"no time or expr", func(b map[string]any) { delete(b, "timeOfDay") }, CodeValidation},
		{"bad expr", func(b map[string]any) { delete(b, "timeOfDay"); b["cronExpression"] = "* * *" }, CodeValidation},
		{"end before start", func(b map[string]any) { b["endDate"] = "2024-05-01T00:00:00Z" }, CodeValidation},
		{"date-only end before start", func(b map[string]any) { b["endDate"] = "2024-05-31" }, CodeValidation},
		{"missing start", func(b map[string]any) { delete(b, "startDate") }, CodeValidation},
		{"bad recipient", func(b map[string]any) { b["recipients"] = []string{"nope"} }, CodeValidation},
		{"unknown field", func(b map[string]any) { b["colour"] = "red" }, CodeInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "")
			b := validCreate()
			tt.mutate(b)
			rec := h.do(t, http.MethodPost, "/api/reports", b)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[errorBody](t, rec).Error.Code)
			assert.Empty(t, h.sched.scheduled)
		})
	}
}

func TestCreateMalformedJSON(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodPost, "/api/reports", `{"baseUrl":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidJSON, decode[errorBody](t, rec).Error.Code)
}

func TestCreateDuplicateID(t *testing.T) {
	h := newHarness(t, "")
	b := validCreate()
	b["id"] = "fixed"
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/reports", b).Code)
	rec := h.do(t, http.MethodPost, "/api/reports", b)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetUnknownReport(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/reports/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode[errorBody](t, rec).Error.Code)
}

func TestListFilters(t *testing.T) {
	h := newHarness(t, "")
	b := validCreate()
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/reports", b).Code)
	b["isActive"] = false
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/reports", b).Code)

	all := decode[[]report.Definition](t, h.do(t, http.MethodGet, "/api/reports", nil))
	assert.Len(t, all, 2)
	active := decode[[]report.Definition](t, h.do(t, http.MethodGet, "/api/reports?active=true", nil))
	assert.Len(t, active, 1)
	expired := decode[[]report.Definition](t, h.do(t, http.MethodGet, "/api/reports?expired=true", nil))
	assert.Empty(t, expired)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/reports?active=maybe", nil).Code)
}

func TestUpdateReschedules(t *testing.T) {
	h := newHarness(t, "")
	created := decode[reportResponse](t, h.do(t, http.MethodPost, "/api/reports", validCreate())).Report

	rec := h.do(t, http.MethodPut, "/api/reports/"+created.ID, map[string]any{
		"scheduleType": "monthly",
		"timeOfDay":    "07:05",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[reportResponse](t, rec).Report
	assert.Equal(t, "5 7 1 * *", got.Recurrence.Expression)
	assert.Equal(t, "Ops Overview", got.Dashboard.Name)
	assert.Equal(t, []string{created.ID, created.ID}, h.sched.scheduled)
}

func TestUpdateRejectsInvertedWindow(t *testing.T) {
	h := newHarness(t, "")
	created := decode[reportResponse](t, h.do(t, http.MethodPost, "/api/reports", validCreate())).Report

	rec := h.do(t, http.MethodPut, "/api/reports/"+created.ID, map[string]any{"endDate": "2020-01-01T00:00:00Z"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPut, "/api/reports/missing", map[string]any{}).Code)
}

func TestDeleteRemovesTimer(t *testing.T) {
	h := newHarness(t, "")
	created := decode[reportResponse](t, h.do(t, http.MethodPost, "/api/reports", validCreate())).Report

	require.Equal(t, http.StatusOK, h.do(t, http.MethodDelete, "/api/reports/"+created.ID, nil).Code)
	assert.Equal(t, []string{created.ID}, h.sched.removed)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/reports/"+created.ID, nil).Code)
}

func TestRunNow(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodPost, "/api/reports/r1/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "run-r1", decode[map[string]string](t, rec)["run_id"])

	h.sched.runErr = scheduler.ErrStopped
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodPost, "/api/reports/r1/run", nil).Code)

	h.sched.runErr = report.WrapStore("find", "r1", report.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/reports/r1/run", nil).Code)
}

func TestRunsAndSchedules(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/reports/r1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	snap := decode[scheduler.Snapshot](t, h.do(t, http.MethodGet, "/api/schedules", nil))
	assert.True(t, snap.Running)
}

func TestPreview(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/cron/preview?type=daily&time=08:30&n=3", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[previewResponse](t, rec)
	assert.Equal(t, "30 8 * * *", p.Expression)
	require.Len(t, p.Next, 3)
	for _, n := range p.Next {
		assert.Equal(t, 8, n.Hour())
		assert.Equal(t, 30, n.Minute())
	}

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/cron/preview?expr=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/cron/preview?expr=0+1+*+*+*&n=0", nil).Code)
}

func TestBearerAuth(t *testing.T) {
	h := newHarness(t, "s3cret")

	rec := h.do(t, http.MethodGet, "/api/reports", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/reports", nil, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/reports", nil, "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestErrorCarriesRequestID(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/api/reports/missing", nil, "X-Request-Id", "abc-123")
	assert.Equal(t, "abc-123", decode[errorBody](t, rec).Error.RequestID)
}

func TestServerServesAndStops(t *testing.T) {
	h := newHarness(t, "")
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, h.h, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not ready")
	}

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "0.0.0.0:0"}, http.NotFoundHandler(), logx.Nop())
	err := srv.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "insecure"))
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, isLoopbackAddr("localhost:8080"))
	assert.True(t, isLoopbackAddr("[::1]:8080"))
	assert.False(t, isLoopbackAddr(":8080"))
	assert.False(t, isLoopbackAddr("10.0.0.1:8080"))
	assert.False(t, isLoopbackAddr("garbage"))
}
