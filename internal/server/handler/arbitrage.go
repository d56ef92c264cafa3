package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// ArbService is the arbitrage surface the handler needs.
// *service.ArbService satisfies it.
type ArbService interface {
	ScanArbitrage(ctx context.Context) ([]domain.ArbitrageOpportunity, error)
	ExecuteOpportunity(ctx context.Context, id string) (domain.ArbitrageOpportunity, error)
	GetOpportunity(ctx context.Context, id string) (domain.ArbitrageOpportunity, error)
	ListOpportunities(status domain.OpportunityStatus) []domain.ArbitrageOpportunity
}

// ArbHandler serves /api/arbitrage.
type ArbHandler struct {
	arb    ArbService
	logger *slog.Logger
}

// NewArbHandler creates an ArbHandler.
func NewArbHandler(arb ArbService, logger *slog.Logger) *ArbHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArbHandler{arb: arb, logger: logger}
}

type listArbResponse struct {
	Opportunities []domain.ArbitrageOpportunity `json:"opportunities"`
}

// Scan runs one scan now and returns what it found.
// POST /api/arbitrage/scan
func (h *ArbHandler) Scan(w http.ResponseWriter, r *http.Request) {
	opps, err := h.arb.ScanArbitrage(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: scan failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	if opps == nil {
		opps = []domain.ArbitrageOpportunity{}
	}
	writeJSON(w, http.StatusOK, listArbResponse{Opportunities: opps})
}

// ListOpportunities returns retained opportunities, newest first.
// GET /api/arbitrage/opportunities?status=pending&limit=50
func (h *ArbHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := domain.OpportunityStatus(q.Get("status"))
	switch status {
	case "", domain.OpportunityPending, domain.OpportunityExecuting,
		domain.OpportunityExecuted, domain.OpportunityDiscarded:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 500)
		}
	}

	opps := h.arb.ListOpportunities(status)
	if len(opps) > limit {
		opps = opps[:limit]
	}
	if opps == nil {
		opps = []domain.ArbitrageOpportunity{}
	}
	writeJSON(w, http.StatusOK, listArbResponse{Opportunities: opps})
}

// GetOpportunity returns one opportunity.
// GET /api/arbitrage/opportunities/{id}
func (h *ArbHandler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	opp, err := h.arb.GetOpportunity(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opp)
}

type executeResponse struct {
	Opportunity domain.ArbitrageOpportunity `json:"opportunity"`
	Error       string                      `json:"error,omitempty"`
	Kind        string                      `json:"kind,omitempty"`
}

// Execute executes one pending opportunity.
// POST /api/arbitrage/opportunities/{id}/execute
func (h *ArbHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	opp, err := h.arb.ExecuteOpportunity(r.Context(), id)
	if err != nil {
		if opp.ID == "" {
			writeDomainError(w, err)
			return
		}
		resp := executeResponse{Opportunity: opp, Error: err.Error()}
		if k := domain.KindOf(err); k != domain.KindUnknown {
			resp.Kind = k.String()
		}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{Opportunity: opp})
}
