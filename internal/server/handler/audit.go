package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// AuditLister reads the audit log. *postgres.AuditStore satisfies it.
type AuditLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AuditHandler serves /api/audit.
type AuditHandler struct {
	audit  AuditLister
	logger *slog.Logger
}

func NewAuditHandler(audit AuditLister, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{audit: audit, logger: logger}
}

type listAuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// ListEntries returns audit entries, newest first.
// GET /api/audit?limit=100&offset=0&since=2026-01-02T15:04:05Z&until=...
func (h *AuditHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 100}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = min(n, 1000)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		opts.Offset = n
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, p.name+" must be RFC3339")
			return
		}
		*p.dst = &t
	}

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Entries: entries})
}
