package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sdexbot/internal/breaker"
	"github.com/alanyoungcy/sdexbot/internal/domain"
)

type fakeOrders struct {
	submitted []domain.OrderRequest
	order     domain.Order
	err       error
	cancelErr error
	active    []domain.Order
}

func (f *fakeOrders) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	f.submitted = append(f.submitted, req)
	return f.order, f.err
}

func (f *fakeOrders) CancelOrder(context.Context, string) error { return f.cancelErr }

func (f *fakeOrders) GetOrder(_ context.Context, id string) (domain.Order, error) {
	if id != f.order.ID {
		return domain.Order{}, domain.ErrNotFound
	}
	return f.order, nil
}

func (f *fakeOrders) ListActiveOrders(string) []domain.Order { return f.active }

func mux(h *OrderHandler) *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("GET /api/orders", h.ListOrders)
	m.HandleFunc("POST /api/orders", h.PlaceOrder)
	m.HandleFunc("GET /api/orders/{id}", h.GetOrder)
	m.HandleFunc("DELETE /api/orders/{id}", h.CancelOrder)
	return m
}

const orderBody = `{"pair":{"base":"native","counter":"USD:GISSUER"},"side":"buy","amount":"10","price":"0.5"}`

func TestPlaceOrderDefaultsAccount(t *testing.T) {
	svc := &fakeOrders{order: domain.Order{ID: "o-1", Status: domain.OrderStatusOpen}}
	h := NewOrderHandler(svc, "GACCOUNT", nil)

	rec := httptest.NewRecorder()
	mux(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(orderBody)))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "GACCOUNT", svc.submitted[0].Account)
	assert.True(t, svc.submitted[0].Amount.Equal(decimal.NewFromInt(10)))

	var resp orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Order)
	assert.Equal(t, "o-1", resp.Order.ID)
}

func TestPlaceOrderRejectsUnknownFields(t *testing.T) {
	svc := &fakeOrders{}
	rec := httptest.NewRecorder()
	mux(NewOrderHandler(svc, "G", nil)).ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"bogus":1}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.submitted)
}

func TestPlaceOrderFailureCarriesOrder(t *testing.T) {
	svc := &fakeOrders{
		order: domain.Order{ID: "o-2", Status: domain.OrderStatusFailed, FailureReason: "underfunded"},
		err:   domain.E(domain.KindInsufficientBalanceOrReserve, "submit", errors.New("underfunded")),
	}
	rec := httptest.NewRecorder()
	mux(NewOrderHandler(svc, "G", nil)).ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(orderBody)))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Order)
	assert.Equal(t, domain.OrderStatusFailed, resp.Order.Status)
	assert.Equal(t, "insufficient_balance_or_reserve", resp.Kind)
}

func TestGetOrderNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	mux(NewOrderHandler(&fakeOrders{}, "G", nil)).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/orders/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelOrderNotCancellable(t *testing.T) {
	svc := &fakeOrders{
		order:     domain.Order{ID: "o-3", Status: domain.OrderStatusFilled},
		cancelErr: domain.E(domain.KindOrderNotCancellable, "cancel", errors.New("filled")),
	}
	rec := httptest.NewRecorder()
	mux(NewOrderHandler(svc, "G", nil)).ServeHTTP(rec,
		httptest.NewRequest(http.MethodDelete, "/api/orders/o-3", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "order_not_cancellable", resp.Kind)
}

func TestListOrdersEmptyIsArray(t *testing.T) {
	rec := httptest.NewRecorder()
	mux(NewOrderHandler(&fakeOrders{}, "G", nil)).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"orders":[]}`, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"not found":    {domain.ErrNotFound, http.StatusNotFound},
		"rate limited": {domain.ErrRateLimited, http.StatusTooManyRequests},
		"circuit open": {domain.E(domain.KindCircuitOpen, "x", errors.New("open")), http.StatusServiceUnavailable},
		"timeout":      {domain.E(domain.KindTimeout, "x", errors.New("slow")), http.StatusGatewayTimeout},
		"rejected":     {domain.E(domain.KindGatewayRejected, "x", errors.New("no")), http.StatusBadGateway},
		"plain":        {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}

func TestWriteDomainErrorHidesInternalMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	status := writeDomainError(rec, errors.New("dsn password=secret"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotContains(t, rec.Body.String(), "secret")
}

type fakeArb struct {
	opps    []domain.ArbitrageOpportunity
	execErr error
}

func (f *fakeArb) ScanArbitrage(context.Context) ([]domain.ArbitrageOpportunity, error) {
	return f.opps, nil
}

func (f *fakeArb) ExecuteOpportunity(_ context.Context, id string) (domain.ArbitrageOpportunity, error) {
	for _, o := range f.opps {
		if o.ID == id {
			o.Status = domain.OpportunityDiscarded
			return o, f.execErr
		}
	}
	return domain.ArbitrageOpportunity{}, domain.ErrNotFound
}

func (f *fakeArb) GetOpportunity(_ context.Context, id string) (domain.ArbitrageOpportunity, error) {
	for _, o := range f.opps {
		if o.ID == id {
			return o, nil
		}
	}
	return domain.ArbitrageOpportunity{}, domain.ErrNotFound
}

func (f *fakeArb) ListOpportunities(status domain.OpportunityStatus) []domain.ArbitrageOpportunity {
	var out []domain.ArbitrageOpportunity
	for _, o := range f.opps {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

func arbMux(h *ArbHandler) *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("POST /api/arbitrage/scan", h.Scan)
	m.HandleFunc("GET /api/arbitrage/opportunities", h.ListOpportunities)
	m.HandleFunc("GET /api/arbitrage/opportunities/{id}", h.GetOpportunity)
	m.HandleFunc("POST /api/arbitrage/opportunities/{id}/execute", h.Execute)
	return m
}

func TestArbListFiltersAndLimits(t *testing.T) {
	svc := &fakeArb{opps: []domain.ArbitrageOpportunity{
		{ID: "a", Status: domain.OpportunityPending},
		{ID: "b", Status: domain.OpportunityDiscarded},
		{ID: "c", Status: domain.OpportunityDiscarded},
	}}
	m := arbMux(NewArbHandler(svc, nil))

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/arbitrage/opportunities?status=discarded&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp listArbResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Opportunities, 1)
	assert.Equal(t, "b", resp.Opportunities[0].ID)

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/arbitrage/opportunities?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArbExecuteStale(t *testing.T) {
	svc := &fakeArb{
		opps:    []domain.ArbitrageOpportunity{{ID: "a", Status: domain.OpportunityPending}},
		execErr: domain.E(domain.KindStaleOpportunity, "reprice", errors.New("moved")),
	}
	m := arbMux(NewArbHandler(svc, nil))

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/arbitrage/opportunities/a/execute", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	var resp executeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.OpportunityDiscarded, resp.Opportunity.Status)
	assert.Equal(t, "stale_opportunity", resp.Kind)

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/arbitrage/opportunities/zzz/execute", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArbScanEmptyIsArray(t *testing.T) {
	rec := httptest.NewRecorder()
	arbMux(NewArbHandler(&fakeArb{}, nil)).ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/arbitrage/scan", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"opportunities":[]}`, rec.Body.String())
}

type stubBreaker struct {
	name string
	snap breaker.Snapshot
}

func (s stubBreaker) Name() string { return s.name }
func (s stubBreaker) Snapshot() breaker.Snapshot { return s.snap }

func TestHealthCheck(t *testing.T) {
	closed := stubBreaker{name: "ledger", snap: breaker.Snapshot{State: breaker.StateClosed, StateName: "closed"}}
	h := NewHealthHandler("trade", nil, closed).
		WithCheck("postgres", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "trade", resp.Mode)
	assert.Equal(t, "closed", resp.Breakers["ledger"].StateName)
	assert.Equal(t, "ok", resp.Checks["postgres"])
}

func TestHealthDegraded(t *testing.T) {
	open := stubBreaker{name: "ledger", snap: breaker.Snapshot{State: breaker.StateOpen, StateName: "open"}}
	rec := httptest.NewRecorder()
	NewHealthHandler("trade", nil, open).HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthHandler("trade", nil).
		WithCheck("redis", func(context.Context) error { return errors.New("connection refused") }).
		HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

type fakeAudit struct {
	got domain.ListOpts
}

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.got = opts
	return []domain.AuditEntry{{ID: 2, Event: "order_failed"}}, nil
}

func TestAuditListParsesQuery(t *testing.T) {
	audit := &fakeAudit{}
	h := NewAuditHandler(audit, nil)

	rec := httptest.NewRecorder()
	h.ListEntries(rec, httptest.NewRequest(http.MethodGet, "/api/audit?limit=5000&offset=10&since=2026-03-01T00:00:00Z", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1000, audit.got.Limit)
	assert.Equal(t, 10, audit.got.Offset)
	require.NotNil(t, audit.got.Since)
	assert.Equal(t, 2026, audit.got.Since.Year())
	assert.Nil(t, audit.got.Until)
	assert.Contains(t, rec.Body.String(), `"event":"order_failed"`)

	rec = httptest.NewRecorder()
	h.ListEntries(rec, httptest.NewRequest(http.MethodGet, "/api/audit?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
