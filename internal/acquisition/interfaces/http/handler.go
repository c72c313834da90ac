// Package http exposes the manual sync trigger.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	app "solarsync/internal/acquisition/application"
	"solarsync/internal/audit"
	"solarsync/internal/auth"
)

// Handler triggers registered sync jobs on demand, outside their schedule.
type Handler struct {
	registry    *app.Registry
	logger      *log.Logger
	auditLogger audit.Logger

	// launch runs a triggered job; the default detaches it from the request.
	launch func(job app.Job)
}

// NewHandler constructs a handler. The audit logger may be nil.
func NewHandler(registry *app.Registry, logger *log.Logger, auditLogger audit.Logger) (*Handler, error) {
	if registry == nil {
		return nil, errors.New("sync handler: nil registry")
	}
	if logger == nil {
		return nil, errors.New("sync handler: nil logger")
	}
	h := &Handler{registry: registry, logger: logger, auditLogger: auditLogger}
	h.launch = func(job app.Job) {
		go func() {
			if err := job.Run(context.Background()); err != nil {
				h.logger.Printf("manual sync %s failed: %v", job.Name, err)
			}
		}()
	}
	return h, nil
}

// ServeHTTP handles /api/v1/sync and /api/v1/sync/{job}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/sync":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]string{"jobs": h.registry.List()})
	case strings.HasPrefix(r.URL.Path, "/api/v1/sync/"):
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTrigger(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleTrigger starts the named job and returns immediately; a full vendor
// walk can take minutes.
func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/sync/")
	job, ok := h.registry.Get(name)
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	h.launch(job)
	if h.auditLogger != nil {
		_ = h.auditLogger.Log(r.Context(), audit.Entry{
			Actor:        auth.SubjectFromContext(r.Context()),
			Role:         string(auth.RoleFromContext(r.Context())),
			Action:       "sync.trigger",
			ResourceType: "job",
			ResourceID:   name,
			IP:           audit.ClientIP(r),
			UserAgent:    r.UserAgent(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"job": name, "status": "started"})
}
