package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sdexbot/internal/breaker"
	"github.com/alanyoungcy/sdexbot/internal/domain"
	"github.com/alanyoungcy/sdexbot/internal/gateway"
	"github.com/alanyoungcy/sdexbot/internal/sequence"
)

func newTestOrderService(ledger domain.LedgerGateway, mutate func(*OrderServiceConfig)) *OrderService {
	seq := sequence.NewCoordinator(sequence.Config{LockTimeout: 2 * time.Second})
	seq.Register(testAccount)
	cfg := OrderServiceConfig{
		KeyID:         "trading",
		MaxRetries:    3,
		SubmitTimeout: 5 * time.Second,
		FillEpsilon:   dec("0.0000001"),
		CheckBalance:  true,
		Reconnect:     gateway.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewOrderService(ledger, fakeSigner{}, seq, cfg, nil)
}

func sellUSD(amount string) domain.OrderRequest {
	return domain.OrderRequest{
		Account: testAccount,
		Pair:    domain.TradingPair{Base: usd, Counter: xlm},
		Side:    domain.OrderSideSell,
		Amount:  dec(amount),
		Price:   dec("2.5"),
	}
}

func TestSubmitOrderAcknowledged(t *testing.T) {
	ledger := newFakeLedger()
	bus := &memBus{}
	svc := newTestOrderService(ledger, nil).WithBus(bus)

	o, err := svc.SubmitOrder(context.Background(), sellUSD("100"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)
	assert.Equal(t, "offer-1", o.ExternalID)
	assert.Equal(t, int64(101), o.Sequence)
	assert.Zero(t, o.RetryCount)

	subs := ledger.submissions()
	require.Len(t, subs, 1)
	op := subs[0].Tx.Operations[0]
	assert.Equal(t, domain.OpManageSellOffer, op.Type)
	assert.True(t, op.Selling.Equal(usd))
	assert.True(t, op.Amount.Equal(dec("100")))
	assert.Equal(t, "trading", subs[0].KeyID)

	active := svc.ListActiveOrders(testAccount)
	require.Len(t, active, 1)
	assert.Equal(t, o.ID, active[0].ID)
	assert.Equal(t, 1, bus.count(domain.ChannelOrders))
}

func TestSubmitOrderRetriesSequenceCollision(t *testing.T) {
	ledger := newFakeLedger()
	collision := domain.E(domain.KindSequenceCollision, "submit", nil)
	ledger.submitErrs = []error{collision, collision}
	svc := newTestOrderService(ledger, nil)

	o, err := svc.SubmitOrder(context.Background(), sellUSD("10"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)
	assert.Equal(t, 2, o.RetryCount)
	assert.Len(t, ledger.submissions(), 3)
}

func TestSubmitOrderCollisionBudgetExhausted(t *testing.T) {
	ledger := newFakeLedger()
	collision := domain.E(domain.KindSequenceCollision, "submit", nil)
	ledger.submitErrs = []error{collision, collision, collision, collision}
	alerts := &recordingAlerter{}
	svc := newTestOrderService(ledger, nil).WithAlerter(alerts)

	o, err := svc.SubmitOrder(context.Background(), sellUSD("10"))
	require.ErrorIs(t, err, domain.ErrSequenceCollision)
	assert.Equal(t, domain.OrderStatusFailed, o.Status)
	assert.Equal(t, 3, o.RetryCount)
	assert.NotEmpty(t, o.FailureReason)
	assert.Len(t, ledger.submissions(), 4)
	assert.Equal(t, []string{"order_failed"}, alerts.events)
	assert.Empty(t, svc.ListActiveOrders(""))

	got, err := svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, got.Status)
}

func TestSubmitOrderInsufficientBalance(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestOrderService(ledger, nil)

	o, err := svc.SubmitOrder(context.Background(), sellUSD("5000"))
	require.ErrorIs(t, err, domain.ErrInsufficientBalanceOrReserve)
	assert.Equal(t, domain.OrderStatusFailed, o.Status)
	assert.Empty(t, ledger.submissions())
}

func TestSubmitOrderReserveCountsForNative(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestOrderService(ledger, nil)

	req := domain.OrderRequest{
		Account: testAccount,
		Pair:    domain.TradingPair{Base: xlm, Counter: usd},
		Side:    domain.OrderSideSell,
		Amount:  dec("1000"), // balance is 1000 but 1 is reserved
		Price:   dec("0.1"),
	}
	_, err := svc.SubmitOrder(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInsufficientBalanceOrReserve)
}

func TestSubmitOrderRejectsInvalidRequest(t *testing.T) {
	svc := newTestOrderService(newFakeLedger(), nil)
	req := sellUSD("10")
	req.Amount = decimal.Zero

	_, err := svc.SubmitOrder(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Empty(t, svc.ListActiveOrders(""))
}

func TestSubmitOrderRateLimited(t *testing.T) {
	svc := newTestOrderService(newFakeLedger(), func(c *OrderServiceConfig) {
		c.RateLimit = 1
		c.RateWindow = time.Second
	}).WithLimiter(denyLimiter{})

	_, err := svc.SubmitOrder(context.Background(), sellUSD("10"))
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Empty(t, svc.ListActiveOrders(""))
}

func TestSubmitOrderTimeoutReleasesSlot(t *testing.T) {
	ledger := newFakeLedger()
	ledger.block = make(chan struct{})
	svc := newTestOrderService(ledger, func(c *OrderServiceConfig) {
		c.SubmitTimeout = 50 * time.Millisecond
	})

	o, err := svc.SubmitOrder(context.Background(), sellUSD("10"))
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.OrderStatusFailed, o.Status)

	_, held := svc.seq.Holder(testAccount)
	assert.False(t, held)

	close(ledger.block)
	o, err = svc.SubmitOrder(context.Background(), sellUSD("10"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)
}

func TestConcurrentSubmissionsUseDistinctSequences(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestOrderService(ledger, nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitOrder(context.Background(), sellUSD("1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	seen := map[int64]bool{}
	for _, tx := range ledger.submissions() {
		assert.False(t, seen[tx.Tx.Sequence], "sequence %d reused", tx.Tx.Sequence)
		seen[tx.Tx.Sequence] = true
	}
	// Serialised submissions never collide.
	assert.Len(t, seen, n)
	for _, o := range svc.ListActiveOrders(testAccount) {
		assert.Zero(t, o.RetryCount)
	}
}

func TestPartialFillsThenFilled(t *testing.T) {
	svc := newTestOrderService(newFakeLedger(), nil)
	ctx := context.Background()

	o, err := svc.SubmitOrder(ctx, sellUSD("100"))
	require.NoError(t, err)

	o, err = svc.OnFillEvent(ctx, domain.FillEvent{ExternalID: o.ExternalID, Amount: dec("60"), Price: dec("2.5")})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledAmount.Equal(dec("60")))

	o, err = svc.OnFillEvent(ctx, domain.FillEvent{ExternalID: o.ExternalID, Amount: dec("40"), Price: dec("3")})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.True(t, o.FilledAmount.Equal(dec("100")))
	require.Len(t, o.Fills, 2)

	// (60*2.5 + 40*3) / 100 = 2.7
	assert.True(t, o.AverageFillPrice().Equal(dec("2.7")), "avg %s", o.AverageFillPrice())
	assert.Empty(t, svc.ListActiveOrders(""))
}

func TestFillClampedToRemaining(t *testing.T) {
	svc := newTestOrderService(newFakeLedger(), nil)
	ctx := context.Background()
	o, err := svc.SubmitOrder(ctx, sellUSD("10"))
	require.NoError(t, err)

	o, err = svc.OnFillEvent(ctx, domain.FillEvent{ExternalID: o.ExternalID, Amount: dec("25"), Price: dec("2.5")})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.True(t, o.FilledAmount.Equal(o.Amount))
}

func TestFillWithinEpsilonCompletes(t *testing.T) {
	svc := newTestOrderService(newFakeLedger(), nil)
	ctx := context.Background()
	o, err := svc.SubmitOrder(ctx, sellUSD("10"))
	require.NoError(t, err)

	o, err = svc.OnFillEvent(ctx, domain.FillEvent{ExternalID: o.ExternalID, Amount: dec("9.99999999"), Price: dec("2.5")})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.False(t, o.FilledAmount.GreaterThan(o.Amount))
}

func TestFillUnknownOffer(t *testing.T) {
	svc := newTestOrderService(newFakeLedger(), nil)
	_, err := svc.OnFillEvent(context.Background(), domain.FillEvent{ExternalID: "nope", Amount: dec("1"), Price: dec("1")})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmitOrderConfirmedAfterLostAck(t *testing.T) {
	ledger := newFakeLedger()
	ledger.dropAcks = 1
	guarded := gateway.NewGuarded(ledger,
		breaker.New(breaker.Config{Name: "ledger", Threshold: 5, Timeout: time.Second}),
		gateway.Config{MaxRetries: 3, Backoff: gateway.Backoff{Base: time.Millisecond, Max: time.Millisecond}},
		nil)
	svc := newTestOrderService(guarded, nil)

	o, err := svc.SubmitOrder(context.Background(), sellUSD("100"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)
	assert.Equal(t, "offer-1", o.ExternalID)
	assert.Equal(t, "L101", o.LedgerID)
	assert.Zero(t, o.RetryCount)

	// The resend collided with its own applied copy; no second offer.
	assert.Equal(t, 1, ledger.offers)
	assert.Len(t, ledger.submissions(), 2)
	assert.Len(t, svc.ListActiveOrders(testAccount), 1)
}

func TestFillBeforeAckIsApplied(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestOrderService(ledger, nil)
	ctx := context.Background()

	var early error
	ledger.afterApply = func(res domain.SubmitResult) {
		_, early = svc.OnFillEvent(ctx, domain.FillEvent{ExternalID: res.ExternalIDs[0], Amount: dec("40"), Price: dec("2.5")})
	}

	o, err := svc.SubmitOrder(ctx, sellUSD("100"))
	require.NoError(t, err)
	require.ErrorIs(t, early, ErrFillDeferred)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledAmount.Equal(dec("40")), "filled %s", o.FilledAmount)
	require.Len(t, o.Fills, 1)

	ledger.afterApply = nil
	o, err = svc.OnFillEvent(ctx, domain.FillEvent{ExternalID: o.ExternalID, Amount: dec("60"), Price: dec("2.5")})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Empty(t, svc.ListActiveOrders(""))
}

func TestParkedFillForUnknownOfferDropped(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestOrderService(ledger, nil)
	ctx := context.Background()

	var early error
	ledger.afterApply = func(domain.SubmitResult) {
		_, early = svc.OnFillEvent(ctx, domain.FillEvent{ExternalID: "offer-9", Amount: dec("1"), Price: dec("1")})
	}

	o, err := svc.SubmitOrder(ctx, sellUSD("10"))
	require.NoError(t, err)
	require.ErrorIs(t, early, ErrFillDeferred)
	assert.True(t, o.FilledAmount.IsZero())

	svc.mu.Lock()
	assert.Empty(t, svc.parked)
	svc.mu.Unlock()

	_, err = svc.OnFillEvent(ctx, domain.FillEvent{ExternalID: "offer-9", Amount: dec("1"), Price: dec("1")})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmitOrderCrossedInFull(t *testing.T) {
	ledger := newFakeLedger()
	ledger.crossInFull = true
	ledger.placementFills = []domain.FillEvent{
		{Amount: dec("60"), Price: dec("2.5")},
		{Amount: dec("40"), Price: dec("3")},
	}
	svc := newTestOrderService(ledger, nil)
	ctx := context.Background()

	o, err := svc.SubmitOrder(ctx, sellUSD("100"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Empty(t, o.ExternalID)
	assert.True(t, o.FilledAmount.Equal(o.Amount))
	assert.True(t, o.AverageFillPrice().Equal(dec("2.7")), "avg %s", o.AverageFillPrice())
	assert.Empty(t, svc.ListActiveOrders(testAccount))

	got, err := svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	require.ErrorIs(t, svc.CancelOrder(ctx, o.ID), domain.ErrOrderNotCancellable)
	assert.Len(t, ledger.submissions(), 1)
}

func TestSubmitOrderCrossedWithoutTradeDetail(t *testing.T) {
	ledger := newFakeLedger()
	ledger.crossInFull = true
	svc := newTestOrderService(ledger, nil)

	o, err := svc.SubmitOrder(context.Background(), sellUSD("10"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.True(t, o.FilledAmount.Equal(dec("10")))
	require.Len(t, o.Fills, 1)
	assert.True(t, o.Fills[0].Price.Equal(dec("2.5")))
	assert.Empty(t, svc.ListActiveOrders(""))
}

func TestSubmitOrderPartlyCrossedRests(t *testing.T) {
	ledger := newFakeLedger()
	ledger.placementFills = []domain.FillEvent{{Amount: dec("30"), Price: dec("2.5")}}
	svc := newTestOrderService(ledger, nil)

	o, err := svc.SubmitOrder(context.Background(), sellUSD("100"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
	assert.Equal(t, "offer-1", o.ExternalID)
	assert.True(t, o.FilledAmount.Equal(dec("30")))
	assert.Len(t, svc.ListActiveOrders(testAccount), 1)
}

func TestCancelOpenOrder(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestOrderService(ledger, nil)
	ctx := context.Background()

	o, err := svc.SubmitOrder(ctx, sellUSD("10"))
	require.NoError(t, err)
	_, err = svc.OnFillEvent(ctx, domain.FillEvent{ExternalID: o.ExternalID, Amount: dec("4"), Price: dec("2.5")})
	require.NoError(t, err)

	require.NoError(t, svc.CancelOrder(ctx, o.ID))

	got, err := svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.True(t, got.FilledAmount.Equal(dec("4")))

	subs := ledger.submissions()
	require.Len(t, subs, 2)
	cancelOp := subs[1].Tx.Operations[0]
	assert.True(t, cancelOp.Amount.IsZero())
	assert.Equal(t, o.ExternalID, cancelOp.OfferID)
	assert.Equal(t, subs[0].Tx.Sequence+1, subs[1].Tx.Sequence)
}

func TestCancelTerminalOrderNotCancellable(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestOrderService(ledger, nil)
	ctx := context.Background()

	filled, err := svc.SubmitOrder(ctx, sellUSD("10"))
	require.NoError(t, err)
	filled, err = svc.OnFillEvent(ctx, domain.FillEvent{ExternalID: filled.ExternalID, Amount: dec("10"), Price: dec("2.5")})
	require.NoError(t, err)

	cancelled, err := svc.SubmitOrder(ctx, sellUSD("10"))
	require.NoError(t, err)
	require.NoError(t, svc.CancelOrder(ctx, cancelled.ID))
	cancelled, err = svc.GetOrder(ctx, cancelled.ID)
	require.NoError(t, err)

	before := len(ledger.submissions())
	for _, o := range []domain.Order{filled, cancelled} {
		err := svc.CancelOrder(ctx, o.ID)
		require.ErrorIs(t, err, domain.ErrOrderNotCancellable)

		after, gerr := svc.GetOrder(ctx, o.ID)
		require.NoError(t, gerr)
		assert.Equal(t, o.Status, after.Status)
		assert.True(t, o.FilledAmount.Equal(after.FilledAmount))
		assert.Equal(t, o.UpdatedAt, after.UpdatedAt)
	}
	assert.Len(t, ledger.submissions(), before)
}

func TestCancelUnknownOrder(t *testing.T) {
	svc := newTestOrderService(newFakeLedger(), nil)
	require.ErrorIs(t, svc.CancelOrder(context.Background(), "missing"), domain.ErrNotFound)
}

func TestSubmitRouteSettlesOnAck(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestOrderService(ledger, nil)

	o, err := svc.SubmitRoute(context.Background(), RouteRequest{
		Account:       testAccount,
		OpportunityID: "opp-1",
		Operations: []domain.Operation{{
			Type:        domain.OpPathPaymentStrictSend,
			SendAsset:   usd,
			SendAmount:  dec("50"),
			DestAsset:   usd,
			DestMin:     dec("50.5"),
			Destination: testAccount,
			Path:        []domain.Asset{eur, xlm},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderKindRoute, o.Kind)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, "opp-1", o.OpportunityID)
	assert.True(t, o.FilledAmount.Equal(dec("50")))
	require.Len(t, ledger.submissions(), 1)
}

func TestSubmitRouteRejectsNonPathOperations(t *testing.T) {
	svc := newTestOrderService(newFakeLedger(), nil)
	_, err := svc.SubmitRoute(context.Background(), RouteRequest{
		Account:    testAccount,
		Operations: []domain.Operation{{Type: domain.OpManageSellOffer, Amount: dec("1")}},
	})
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestConsumeFillsReconnects(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestOrderService(ledger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o, err := svc.SubmitOrder(ctx, sellUSD("10"))
	require.NoError(t, err)

	first := make(chan domain.FillEvent, 1)
	second := make(chan domain.FillEvent, 1)
	first <- domain.FillEvent{ExternalID: o.ExternalID, Amount: dec("3"), Price: dec("2")}
	close(first)
	second <- domain.FillEvent{ExternalID: o.ExternalID, Amount: dec("7"), Price: dec("2")}
	ledger.streams = []chan domain.FillEvent{first, second}

	done := make(chan error, 1)
	go func() { done <- svc.ConsumeFills(ctx, testAccount) }()

	require.Eventually(t, func() bool {
		got, err := svc.GetOrder(ctx, o.ID)
		return err == nil && got.Status == domain.OrderStatusFilled
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	close(second)
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRecoverResumesRestingOffers(t *testing.T) {
	ctx := context.Background()
	store := &memOrderStore{}
	now := time.Now().UTC()
	require.NoError(t, store.Save(ctx, domain.Order{
		ID: "resting", Kind: domain.OrderKindLimit, Account: testAccount,
		Pair: domain.TradingPair{Base: usd, Counter: xlm}, Side: domain.OrderSideSell,
		Amount: dec("10"), Price: dec("2"), Status: domain.OrderStatusOpen,
		ExternalID: "offer-77", FilledAmount: decimal.Zero, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.Save(ctx, domain.Order{
		ID: "in-flight", Kind: domain.OrderKindLimit, Account: testAccount,
		Pair: domain.TradingPair{Base: usd, Counter: xlm}, Side: domain.OrderSideSell,
		Amount: dec("5"), Price: dec("2"), Status: domain.OrderStatusSubmitted,
		FilledAmount: decimal.Zero, CreatedAt: now, UpdatedAt: now,
	}))

	svc := newTestOrderService(newFakeLedger(), nil).WithStore(store)
	resumed, err := svc.Recover(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	active := svc.ListActiveOrders(testAccount)
	require.Len(t, active, 1)
	assert.Equal(t, "resting", active[0].ID)

	failed, err := svc.GetOrder(ctx, "in-flight")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "restart")

	// Fills on the resumed offer apply.
	o, err := svc.OnFillEvent(ctx, domain.FillEvent{ExternalID: "offer-77", Amount: dec("10"), Price: dec("2")})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
}

func TestRecoverWithoutStore(t *testing.T) {
	n, err := newTestOrderService(newFakeLedger(), nil).Recover(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Zero(t, n)
}
