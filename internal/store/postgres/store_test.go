package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://bot:pw@db:5432/sdex?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "sdex", User: "bot", Password: "pw"}))
	assert.Equal(t, "postgres://bot:pw@db:6543/sdex?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "sdex", User: "bot", Password: "pw", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
}

// newTestClient connects to SDEXBOT_TEST_POSTGRES_DSN or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("SDEXBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SDEXBOT_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, c.RunMigrations(ctx))
	// Second run must be a no-op.
	require.NoError(t, c.RunMigrations(ctx))
	t.Cleanup(c.Close)
	return c
}

func TestOrderStoreRoundTrip(t *testing.T) {
	c := newTestClient(t)
	store := NewOrderStore(c.Pool())
	ctx := context.Background()

	usd := domain.MustIssuedAsset("USD", "GISSUER")
	now := time.Now().UTC().Truncate(time.Millisecond)
	o := domain.Order{
		ID:           uuid.NewString(),
		Kind:         domain.OrderKindLimit,
		Account:      "GACCOUNT-" + uuid.NewString()[:8],
		Pair:         domain.TradingPair{Base: domain.NativeAsset(), Counter: usd},
		Side:         domain.OrderSideSell,
		Amount:       decimal.RequireFromString("100.1234567"),
		Price:        decimal.RequireFromString("0.1"),
		Status:       domain.OrderStatusOpen,
		ExternalID:   "offer-1",
		Sequence:     42,
		FilledAmount: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.Save(ctx, o))

	got, err := store.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(o.Amount))
	assert.True(t, got.Pair.Counter.Equal(usd))
	assert.True(t, got.Pair.Base.IsNative())
	assert.Empty(t, got.Fills)

	active, err := store.ListActive(ctx, o.Account)
	require.NoError(t, err)
	require.Len(t, active, 1)

	o.Status = domain.OrderStatusFilled
	o.FilledAmount = o.Amount
	o.Fills = []domain.Fill{{Amount: o.Amount, Price: o.Price, Timestamp: now}}
	o.UpdatedAt = now.Add(-48 * time.Hour)
	require.NoError(t, store.Save(ctx, o))

	active, err = store.ListActive(ctx, o.Account)
	require.NoError(t, err)
	assert.Empty(t, active)

	old, err := store.ListTerminalBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	var found bool
	for _, x := range old {
		if x.ID == o.ID {
			found = true
			require.Len(t, x.Fills, 1)
		}
	}
	assert.True(t, found)

	n, err := store.DeleteTerminalBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, err = store.GetByID(ctx, o.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpportunityStoreRoundTrip(t *testing.T) {
	c := newTestClient(t)
	store := NewOpportunityStore(c.Pool())
	ctx := context.Background()

	usd := domain.MustIssuedAsset("USD", "GISSUER")
	xlm := domain.NativeAsset()
	now := time.Now().UTC().Truncate(time.Millisecond)
	opp := domain.ArbitrageOpportunity{
		ID: uuid.NewString(),
		Cycle: domain.TradingCycle{Origin: xlm, Hops: []domain.Hop{
			{From: xlm, To: usd, Rate: 2, Liquidity: 10},
			{From: usd, To: xlm, Rate: 0.6, Liquidity: 10},
		}},
		GrossRatio:   1.2,
		ProfitRatio:  1.19,
		Status:       domain.OpportunityPending,
		DiscoveredAt: now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.Save(ctx, opp))

	opp.Status = domain.OpportunityExecuted
	opp.OrderID = "ord-1"
	require.NoError(t, store.Save(ctx, opp))

	got, err := store.GetByID(ctx, opp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OpportunityExecuted, got.Status)
	assert.Equal(t, "ord-1", got.OrderID)
	assert.Equal(t, opp.Cycle.Key(), got.Cycle.Key())

	recent, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, recent)

	_, err = store.GetByID(ctx, uuid.NewString())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditStoreLogAndList(t *testing.T) {
	c := newTestClient(t)
	store := NewAuditStore(c.Pool())
	ctx := context.Background()

	event := "test_" + uuid.NewString()[:8]
	require.NoError(t, store.Log(ctx, event, map[string]any{"order_id": "o-1"}))

	since := time.Now().Add(-time.Minute)
	entries, err := store.List(ctx, domain.ListOpts{Limit: 50, Since: &since})
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Event == event {
			found = true
			assert.Equal(t, "o-1", e.Detail["order_id"])
		}
	}
	assert.True(t, found)
}
