package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/sdexbot/internal/domain"
	"github.com/alanyoungcy/sdexbot/internal/server/handler"
)

type emptyOrders struct{}

func (emptyOrders) SubmitOrder(context.Context, domain.OrderRequest) (domain.Order, error) {
	return domain.Order{}, domain.ErrInvalidOrder
}
func (emptyOrders) CancelOrder(context.Context, string) error { return domain.ErrNotFound }
func (emptyOrders) GetOrder(context.Context, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}
func (emptyOrders) ListActiveOrders(string) []domain.Order { return nil }

func newTestServer(apiKey string) http.Handler {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	s := NewServer(Config{APIKey: apiKey, CORSOrigins: []string{"*"}}, Handlers{
		Health:  handler.NewHealthHandler("trade", nil),
		Orders:  handler.NewOrderHandler(emptyOrders{}, "G", nil),
		Metrics: metrics,
	}, nil, nil, nil)
	return s.Handler()
}

func TestRoutesAndAuth(t *testing.T) {
	h := newTestServer("k")

	cases := []struct {
		method, path, token string
		want                int
	}{
		{http.MethodGet, "/api/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/orders", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/orders", "k", http.StatusOK},
		{http.MethodGet, "/api/orders/missing", "k", http.StatusNotFound},
		{http.MethodPut, "/api/orders/x", "k", http.StatusMethodNotAllowed},
		// Arb routes are not mounted without an ArbHandler.
		{http.MethodPost, "/api/arbitrage/scan", "k", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestPreflightSkipsAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	newTestServer("k").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
