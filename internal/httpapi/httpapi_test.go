package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crowdcompute/foreman/internal/scheduler"
	"github.com/crowdcompute/foreman/internal/store"
	"github.com/crowdcompute/foreman/pkg/types"
)

type fakeSchedulerSwitch struct {
	name string
}

func (f *fakeSchedulerSwitch) SetScheduler(s scheduler.Scheduler) { f.name = s.Name() }
func (f *fakeSchedulerSwitch) SchedulerName() string              { return f.name }

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	sw := &fakeSchedulerSwitch{name: "fifo"}
	return New(st, sw), st
}

func TestStatsReportsJobAndWorkerCounts(t *testing.T) {
	s, st := newTestServer(t)
	if err := st.CreateJob(&types.Job{ID: "j1", Status: types.JobPending, TotalTasks: 1}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["total_jobs"].(float64) != 1 {
		t.Fatalf("expected total_jobs=1, got %v", body["total_jobs"])
	}
}

func TestGetJobReturns404WhenMissing(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetJobReturnsTasksAndCounts(t *testing.T) {
	s, st := newTestServer(t)
	if err := st.CreateJob(&types.Job{ID: "j1", Status: types.JobRunning, TotalTasks: 1}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := st.CreateTasks([]*types.Task{{JobID: "j1", Index: 0, ID: "j1-0", Status: types.TaskPending}}); err != nil {
		t.Fatalf("create tasks: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/j1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSetSchedulerSwapsStrategy(t *testing.T) {
	s, _ := newTestServer(t)
	body := strings.NewReader(`{"name":"round_robin"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/scheduler", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if s.sched.SchedulerName() != "round_robin" {
		t.Fatalf("expected scheduler switched to round_robin, got %s", s.sched.SchedulerName())
	}
}

func TestSetSchedulerRejectsUnknownName(t *testing.T) {
	s, _ := newTestServer(t)
	body := strings.NewReader(`{"name":"quantum"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/scheduler", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
