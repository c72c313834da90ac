package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	app "solarsync/internal/acquisition/application"
	"solarsync/internal/audit"
)

type stubAuditLogger struct {
	entries []audit.Entry
}

func (s *stubAuditLogger) Log(_ context.Context, entry audit.Entry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func newTestHandler(t *testing.T, registry *app.Registry) *Handler {
	t.Helper()
	h, err := NewHandler(registry, log.New(os.Stdout, "", 0), nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

func TestTriggerStartsKnownJob(t *testing.T) {
	registry := app.NewRegistry()
	ran := make(chan string, 1)
	if err := registry.Add(app.Job{Name: "growatt_hourly", Run: func(context.Context) error {
		ran <- "growatt_hourly"
		return nil
	}}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	h := newTestHandler(t, registry)
	// Run inline so the test observes completion.
	h.launch = func(job app.Job) { _ = job.Run(context.Background()) }

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/growatt_hourly", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	select {
	case name := <-ran:
		if name != "growatt_hourly" {
			t.Fatalf("ran %q", name)
		}
	default:
		t.Fatal("job did not run")
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	h := newTestHandler(t, app.NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	registry := app.NewRegistry()
	_ = registry.Add(app.Job{Name: "solis_day", Run: func(context.Context) error { return nil }})
	_ = registry.Add(app.Job{Name: "rge_utility", Run: func(context.Context) error { return nil }})
	h := newTestHandler(t, registry)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("body: %v", err)
	}
	if len(payload["jobs"]) != 2 {
		t.Fatalf("jobs = %v, want both registered names", payload["jobs"])
	}
}

func TestTriggerRecordsAudit(t *testing.T) {
	registry := app.NewRegistry()
	_ = registry.Add(app.Job{Name: "solis_hourly", Run: func(context.Context) error { return nil }})
	recorder := &stubAuditLogger{}
	h, err := NewHandler(registry, log.New(os.Stdout, "", 0), recorder)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	h.launch = func(app.Job) {}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/solis_hourly", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if len(recorder.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Action != "sync.trigger" || entry.ResourceID != "solis_hourly" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestTriggerRequiresPost(t *testing.T) {
	h := newTestHandler(t, app.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/growatt_hourly", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
