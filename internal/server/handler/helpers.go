// Package handler implements the HTTP API handlers.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// writeJSON writes v with the given status, falling back to a plain 500 when
// v cannot be marshalled.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrUnknownAccount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNotExecutable):
		return http.StatusConflict
	}
	switch domain.KindOf(err) {
	case domain.KindOrderNotCancellable, domain.KindStaleOpportunity,
		domain.KindInvalidPath, domain.KindAtomicityViolationRisk:
		return http.StatusConflict
	case domain.KindInsufficientBalanceOrReserve:
		return http.StatusUnprocessableEntity
	case domain.KindCircuitOpen, domain.KindSequenceCollision:
		return http.StatusServiceUnavailable
	case domain.KindTimeout, domain.KindNetworkTimeout:
		return http.StatusGatewayTimeout
	case domain.KindGatewayRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status. Internal errors are not
// echoed to the client.
func writeDomainError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if k := domain.KindOf(err); k != domain.KindUnknown {
		resp.Kind = k.String()
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
	return status
}
