package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sdexbot/internal/arbitrage"
	"github.com/alanyoungcy/sdexbot/internal/domain"
)

type staticSource struct {
	mu    sync.Mutex
	snaps []domain.LiquiditySnapshot
}

func (s *staticSource) Snapshots() []domain.LiquiditySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LiquiditySnapshot(nil), s.snaps...)
}

func (s *staticSource) set(snaps ...domain.LiquiditySnapshot) {
	s.mu.Lock()
	s.snaps = snaps
	s.mu.Unlock()
}

func liq(from, to domain.Asset, rate float64) domain.LiquiditySnapshot {
	return domain.LiquiditySnapshot{Selling: from, Buying: to, Rate: rate, Liquidity: 1000, ObservedAt: time.Now()}
}

type fakeRouter struct {
	order domain.Order
	err   error
	calls []string
}

func (f *fakeRouter) ExecuteRoute(_ context.Context, opp domain.ArbitrageOpportunity) (domain.Order, error) {
	f.calls = append(f.calls, opp.ID)
	if opp.Status != domain.OpportunityExecuting {
		return domain.Order{}, errors.New("route executed before opportunity was marked executing")
	}
	return f.order, f.err
}

type memOppStore struct {
	mu    sync.Mutex
	saved map[string]domain.ArbitrageOpportunity
}

func (m *memOppStore) Save(_ context.Context, o domain.ArbitrageOpportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]domain.ArbitrageOpportunity{}
	}
	m.saved[o.ID] = o
	return nil
}

func (m *memOppStore) GetByID(_ context.Context, id string) (domain.ArbitrageOpportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.saved[id]
	if !ok {
		return domain.ArbitrageOpportunity{}, domain.ErrNotFound
	}
	return o, nil
}

func (m *memOppStore) ListRecent(_ context.Context, limit int) ([]domain.ArbitrageOpportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ArbitrageOpportunity, 0, len(m.saved))
	for _, o := range m.saved {
		out = append(out, o)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func newTestArbService(src SnapshotSource, router RouteExecutor) *ArbService {
	builder := arbitrage.NewBuilder(arbitrage.BuilderConfig{MinLiquidity: 1})
	detector := arbitrage.NewDetector(arbitrage.DetectorConfig{MaxHops: 4, MinMargin: 0.01, Workers: 2})
	return NewArbService(src, builder, detector, router, ArbConfig{}, nil)
}

func profitableTriangle(src *staticSource) {
	src.set(liq(xlm, usd, 2.0), liq(usd, eur, 0.6), liq(eur, xlm, 1.0))
}

func TestScanArbitrageFindsCycle(t *testing.T) {
	src := &staticSource{}
	profitableTriangle(src)
	bus := &memBus{}
	store := &memOppStore{}
	svc := newTestArbService(src, &fakeRouter{}).WithBus(bus).WithStore(store)

	opps, err := svc.ScanArbitrage(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.InDelta(t, 1.2, opps[0].ProfitRatio, 1e-9)
	assert.Equal(t, domain.OpportunityPending, opps[0].Status)
	assert.True(t, opps[0].Cycle.Closed())

	assert.Equal(t, 1, bus.count(domain.ChannelArb))
	var ev OpportunityEvent
	require.NoError(t, json.Unmarshal(bus.messages[domain.ChannelArb][0], &ev))
	assert.Equal(t, "arb_detected", ev.Event)
	assert.Equal(t, opps[0].ID, ev.ID)

	_, err = store.GetByID(context.Background(), opps[0].ID)
	require.NoError(t, err)
}

func TestScanArbitrageSupersedesPending(t *testing.T) {
	src := &staticSource{}
	profitableTriangle(src)
	svc := newTestArbService(src, &fakeRouter{})

	first, err := svc.ScanArbitrage(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := svc.ScanArbitrage(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)

	old, err := svc.GetOpportunity(context.Background(), first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OpportunityDiscarded, old.Status)
	assert.Equal(t, "superseded", old.DiscardReason)

	pending := svc.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, second[0].ID, pending[0].ID)
	assert.Len(t, svc.ListOpportunities(""), 2)
}

func TestScanArbitrageNoProfit(t *testing.T) {
	src := &staticSource{}
	src.set(liq(xlm, usd, 1.0), liq(usd, eur, 1.0), liq(eur, xlm, 0.99))
	svc := newTestArbService(src, &fakeRouter{})

	opps, err := svc.ScanArbitrage(context.Background())
	require.NoError(t, err)
	assert.Empty(t, opps)
}

func TestExecuteOpportunityExecuted(t *testing.T) {
	src := &staticSource{}
	profitableTriangle(src)
	router := &fakeRouter{order: domain.Order{ID: "ord-9", Status: domain.OrderStatusFilled}}
	audit := &memAudit{}
	alerts := &recordingAlerter{}
	svc := newTestArbService(src, router).WithAudit(audit).WithAlerter(alerts)

	opps, err := svc.ScanArbitrage(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 1)

	got, err := svc.ExecuteOpportunity(context.Background(), opps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OpportunityExecuted, got.Status)
	assert.Equal(t, "ord-9", got.OrderID)
	assert.Equal(t, []string{opps[0].ID}, router.calls)
	assert.Equal(t, []string{"arb_executing", "arb_executed"}, audit.events)
	assert.Equal(t, []string{"arb_executed"}, alerts.events)

	// Executed opportunities cannot run again.
	_, err = svc.ExecuteOpportunity(context.Background(), opps[0].ID)
	require.ErrorIs(t, err, domain.ErrNotExecutable)
	assert.Len(t, router.calls, 1)
}

func TestExecuteOpportunityDiscardedOnStale(t *testing.T) {
	src := &staticSource{}
	profitableTriangle(src)
	router := &fakeRouter{err: domain.E(domain.KindStaleOpportunity, "reprice", errors.New("moved"))}
	svc := newTestArbService(src, router)

	opps, err := svc.ScanArbitrage(context.Background())
	require.NoError(t, err)

	got, err := svc.ExecuteOpportunity(context.Background(), opps[0].ID)
	require.ErrorIs(t, err, domain.ErrStaleOpportunity)
	assert.Equal(t, domain.OpportunityDiscarded, got.Status)
	assert.Contains(t, got.DiscardReason, "moved")
}

func TestExecuteOpportunityFailedOrderDiscards(t *testing.T) {
	src := &staticSource{}
	profitableTriangle(src)
	router := &fakeRouter{order: domain.Order{ID: "ord-2", Status: domain.OrderStatusFailed}}
	svc := newTestArbService(src, router)

	opps, err := svc.ScanArbitrage(context.Background())
	require.NoError(t, err)

	got, err := svc.ExecuteOpportunity(context.Background(), opps[0].ID)
	require.Error(t, err)
	assert.Equal(t, domain.OpportunityDiscarded, got.Status)
	assert.Equal(t, "ord-2", got.OrderID)
}

func TestExecuteOpportunityUnknownAndSuperseded(t *testing.T) {
	src := &staticSource{}
	profitableTriangle(src)
	router := &fakeRouter{}
	svc := newTestArbService(src, router)

	_, err := svc.ExecuteOpportunity(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)

	first, err := svc.ScanArbitrage(context.Background())
	require.NoError(t, err)
	_, err = svc.ScanArbitrage(context.Background())
	require.NoError(t, err)

	_, err = svc.ExecuteOpportunity(context.Background(), first[0].ID)
	require.ErrorIs(t, err, domain.ErrNotExecutable)
	assert.Empty(t, router.calls)
}

func TestArbHistoryTrimmed(t *testing.T) {
	src := &staticSource{}
	profitableTriangle(src)
	builder := arbitrage.NewBuilder(arbitrage.BuilderConfig{MinLiquidity: 1})
	detector := arbitrage.NewDetector(arbitrage.DetectorConfig{MaxHops: 3, MinMargin: 0.01})
	svc := NewArbService(src, builder, detector, &fakeRouter{}, ArbConfig{HistoryLimit: 2}, nil)

	for i := 0; i < 6; i++ {
		_, err := svc.ScanArbitrage(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, svc.ListOpportunities(domain.OpportunityDiscarded), 2)
	assert.Len(t, svc.ListOpportunities(domain.OpportunityPending), 1)
}

func TestRestoreDiscardsLeftoverPending(t *testing.T) {
	ctx := context.Background()
	store := &memOppStore{}
	require.NoError(t, store.Save(ctx, domain.ArbitrageOpportunity{ID: "old-pending", Status: domain.OpportunityPending}))
	require.NoError(t, store.Save(ctx, domain.ArbitrageOpportunity{ID: "old-done", Status: domain.OpportunityExecuted, OrderID: "o-1"}))

	svc := newTestArbService(&staticSource{}, &fakeRouter{}).WithStore(store)
	n, err := svc.Restore(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, svc.Pending())

	got, err := svc.GetOpportunity(ctx, "old-pending")
	require.NoError(t, err)
	assert.Equal(t, domain.OpportunityDiscarded, got.Status)
	assert.Equal(t, "restart", got.DiscardReason)

	saved, err := store.GetByID(ctx, "old-pending")
	require.NoError(t, err)
	assert.Equal(t, domain.OpportunityDiscarded, saved.Status)

	done, err := svc.GetOpportunity(ctx, "old-done")
	require.NoError(t, err)
	assert.Equal(t, domain.OpportunityExecuted, done.Status)
}
