package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/service"
)

// StatusService reports dependency health and the audit trail.
type StatusService interface {
	Health(ctx context.Context) ([]service.DependencyStatus, bool)
	Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

type HealthHandler struct {
	status StatusService
}

func NewHealthHandler(status StatusService) *HealthHandler {
	return &HealthHandler{status: status}
}

// HealthCheck pings every backing dependency; 503 when any is down.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	deps, ok := h.status.Health(ctx)
	status, code := "ok", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

type auditEntryResponse struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAudit returns recent audit entries.
// GET /api/audit?limit=50&offset=0
func (h *HealthHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.status.Audit(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
