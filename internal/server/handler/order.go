package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// OrderService is the order lifecycle surface the handler needs.
// *service.OrderService satisfies it.
type OrderService interface {
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, id string) error
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ListActiveOrders(account string) []domain.Order
}

// OrderHandler serves /api/orders.
type OrderHandler struct {
	orders         OrderService
	defaultAccount string
	logger         *slog.Logger
}

// NewOrderHandler creates an OrderHandler. Requests without an account use
// defaultAccount.
func NewOrderHandler(orders OrderService, defaultAccount string, logger *slog.Logger) *OrderHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderHandler{orders: orders, defaultAccount: defaultAccount, logger: logger}
}

type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// orderResponse carries the order even when submission failed, so the
// caller sees the terminal status and failure reason.
type orderResponse struct {
	Order *domain.Order `json:"order,omitempty"`
	Error string        `json:"error,omitempty"`
	Kind  string        `json:"kind,omitempty"`
}

// ListOrders returns active orders.
// GET /api/orders?account=G...
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.orders.ListActiveOrders(r.URL.Query().Get("account"))
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// PlaceOrder submits a limit order.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Account == "" {
		req.Account = h.defaultAccount
	}

	o, err := h.orders.SubmitOrder(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: place order failed",
				slog.String("account", req.Account),
				slog.String("error", err.Error()),
			)
		}
		if o.ID == "" {
			writeDomainError(w, err)
			return
		}
		resp := orderResponse{Order: &o, Error: err.Error()}
		if k := domain.KindOf(err); k != domain.KindUnknown {
			resp.Kind = k.String()
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse{Order: &o})
}

// GetOrder returns one order, active or archived.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		if writeDomainError(w, err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: get order failed", slog.String("error", err.Error()))
		}
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: &o})
}

// CancelOrder cancels a resting order.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.orders.CancelOrder(r.Context(), id); err != nil {
		if writeDomainError(w, err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	o, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.OrderStatusCancelled), "order_id": id})
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: &o})
}
