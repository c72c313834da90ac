package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	acquisition "solarsync/internal/acquisition/domain"
	app "solarsync/internal/billing/application"
)

type stubService struct {
	report *app.Report
	err    error
	calls  []int64
}

func (s *stubService) Reconcile(_ context.Context, clientID int64) (*app.Report, error) {
	s.calls = append(s.calls, clientID)
	return s.report, s.err
}

type stubPlantRepo struct {
	plant acquisition.Plant
}

func (s *stubPlantRepo) UpsertAll(context.Context, []acquisition.Plant) error { return nil }

func (s *stubPlantRepo) ListByVendor(context.Context, string) ([]acquisition.Plant, error) {
	return nil, nil
}

func (s *stubPlantRepo) Get(context.Context, int64) (acquisition.Plant, error) {
	return s.plant, nil
}

func newTestHandler(t *testing.T, service *stubService) *Handler {
	t.Helper()
	h, err := NewHandler(service, &stubPlantRepo{plant: acquisition.Plant{ID: 7, Name: "Sitio Boa Vista"}}, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

func sampleReport() *app.Report {
	return &app.Report{
		Installations: map[string][]app.MonthlyRecord{
			"4001 - Geradora": {{Month: "11/2023", ConsumptionKWh: 500, AmountBRL: "320.40", SelfConsumption: "600.00", TotalKWh: 800}},
		},
		Info: app.Info{Economy: map[string]float64{"11/2023": 399.6}},
	}
}

func TestReconcileRejectsBadJSON(t *testing.T) {
	service := &stubService{report: &app.Report{}}
	h := newTestHandler(t, service)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("body = %q: %v", rec.Body.String(), err)
	}
	if payload["error"] == "" {
		t.Fatalf("payload = %v, want an error message", payload)
	}
	if len(service.calls) != 0 {
		t.Fatalf("service called %d times for a bad body", len(service.calls))
	}
}

func TestReconcileUsesLastClientID(t *testing.T) {
	service := &stubService{report: sampleReport()}
	h := newTestHandler(t, service)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", strings.NewReader("[3, 5, 7]"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(service.calls) != 1 || service.calls[0] != 7 {
		t.Fatalf("calls = %v, want the last id only", service.calls)
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("body: %v", err)
	}
	if _, ok := payload["4001 - Geradora"]; !ok {
		t.Fatalf("payload keys = %v, want installation label", payload)
	}
}

func TestReconcileEmptyClientReturnsEmptyObject(t *testing.T) {
	service := &stubService{report: &app.Report{}}
	h := newTestHandler(t, service)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", strings.NewReader("[9]"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "{}" {
		t.Fatalf("body = %q, want {}", got)
	}
}

func TestReconcileRejectsEmptyList(t *testing.T) {
	h := newTestHandler(t, &stubService{report: &app.Report{}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", strings.NewReader("[]"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestReconcileMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, &stubService{report: &app.Report{}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reconcile", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestReportDownloads(t *testing.T) {
	service := &stubService{report: sampleReport()}
	h := newTestHandler(t, service)

	cases := []struct {
		path        string
		contentType string
	}{
		{"/api/v1/reconcile/7/report.xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		{"/api/v1/reconcile/7/report.pdf", "application/pdf"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, body = %s", tc.path, rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("Content-Type"); got != tc.contentType {
			t.Fatalf("%s: content type = %q", tc.path, got)
		}
		if rec.Body.Len() == 0 {
			t.Fatalf("%s: empty report body", tc.path)
		}
	}
}

func TestReportRejectsBadClientID(t *testing.T) {
	h := newTestHandler(t, &stubService{report: &app.Report{}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reconcile/abc/report.pdf", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
