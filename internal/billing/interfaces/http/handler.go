// Package http exposes the reconciliation API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	acquisition "solarsync/internal/acquisition/domain"
	"solarsync/internal/audit"
	"solarsync/internal/auth"
	app "solarsync/internal/billing/application"
	"solarsync/internal/billing/interfaces"
)

// ReconcileService builds a client's reconciliation report.
type ReconcileService interface {
	Reconcile(ctx context.Context, clientID int64) (*app.Report, error)
}

// Handler provides the reconciliation endpoints.
type Handler struct {
	service     ReconcileService
	plants      acquisition.PlantRepository
	auditLogger audit.Logger
}

// NewHandler constructs a handler. The audit logger may be nil.
func NewHandler(service ReconcileService, plants acquisition.PlantRepository, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("billing handler: nil service")
	}
	if plants == nil {
		return nil, errors.New("billing handler: nil plant repository")
	}
	return &Handler{service: service, plants: plants, auditLogger: auditLogger}, nil
}

// ServeHTTP handles /api/v1/reconcile and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/reconcile":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleReconcile(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/reconcile/"):
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleReport(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleReconcile accepts a JSON array of client ids. The UI accumulates
// selections as the user clicks through clients; only the last one matters.
func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var ids []int64
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		respondError(w, http.StatusBadRequest, "request body must be a JSON array of client ids")
		return
	}
	if len(ids) == 0 {
		respondError(w, http.StatusBadRequest, "empty client list")
		return
	}

	clientID := ids[len(ids)-1]
	report, err := h.service.Reconcile(r.Context(), clientID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logAudit(r, "reconcile.run", "report", "", clientID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

// handleReport serves /api/v1/reconcile/{id}/report.{xlsx,pdf}.
func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/reconcile/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	clientID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "client id must be numeric")
		return
	}

	report, err := h.service.Reconcile(r.Context(), clientID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	plant, err := h.plants.Get(r.Context(), clientID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logAudit(r, "report.download", "report", parts[1], clientID)
	switch parts[1] {
	case "report.xlsx":
		payload, err := interfaces.BuildReconciliationXLSX(plant.Name, report)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=reconciliation-%d.xlsx", clientID))
		_, _ = w.Write(payload)
	case "report.pdf":
		payload, err := interfaces.BuildReconciliationPDF(plant.Name, report)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=reconciliation-%d.pdf", clientID))
		_, _ = w.Write(payload)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) logAudit(r *http.Request, action, resourceType, resourceID string, clientID int64) {
	if h.auditLogger == nil {
		return
	}
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ClientID:     clientID,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
