package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// AuditLister is the read side of the audit log.
type AuditLister interface {
	AuditLog(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error)
}

// AuditHandler serves the audit trail of clearing runs.
type AuditHandler struct {
	audit  AuditLister
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit AuditLister, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger.With(slog.String("handler", "audit"))}
}

// List returns audit entries, newest first. Query parameters: event
// (prefix), date (delivery date), since, until, limit, offset.
// GET /api/audit
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := domain.AuditQuery{ListOpts: opts, Event: r.URL.Query().Get("event")}
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
			return
		}
		q.Date = &d
	}

	entries, err := h.audit.AuditLog(r.Context(), q)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit entries", slog.String("error", err.Error()))
		writeServiceError(w, err, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
