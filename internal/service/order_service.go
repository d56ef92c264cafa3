package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sdexbot/internal/domain"
	"github.com/alanyoungcy/sdexbot/internal/gateway"
	"github.com/alanyoungcy/sdexbot/internal/sequence"
)

// OrderMetrics receives order lifecycle counters. *metrics.Recorder
// satisfies it.
type OrderMetrics interface {
	OrderSubmitted(kind, result string)
	SequenceRetried()
	OrderTransition(status string)
	FillApplied()
}

type noopOrderMetrics struct{}

func (noopOrderMetrics) OrderSubmitted(string, string) {}
func (noopOrderMetrics) SequenceRetried()              {}
func (noopOrderMetrics) OrderTransition(string)        {}
func (noopOrderMetrics) FillApplied()                  {}

// Alerter delivers operator notifications. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// OrderServiceConfig holds order lifecycle settings.
type OrderServiceConfig struct {
	KeyID         string
	MaxRetries    int           // sequence-collision retries per submission
	SubmitTimeout time.Duration // bounds one submit or cancel end to end
	FillEpsilon   decimal.Decimal
	CheckBalance  bool

	RateLimit  int // submissions per RateWindow per account; 0 disables
	RateWindow time.Duration

	Reconnect gateway.Backoff // fill stream reconnect delays
}

// OrderService owns every Order. It is the only writer of order state:
// submissions and cancels go through the account's sequence slot, fills
// arrive through OnFillEvent.
type OrderService struct {
	cfg     OrderServiceConfig
	gateway domain.LedgerGateway
	signer  domain.TxSigner
	seq     *sequence.Coordinator
	logger  *slog.Logger

	orders  domain.OrderStore
	limiter domain.RateLimiter
	bus     domain.SignalBus
	audit   domain.AuditStore
	metrics OrderMetrics
	alerter Alerter

	mu         sync.Mutex
	active     map[string]*domain.Order
	byExternal map[string]string // external offer id -> order id
	history    map[string]domain.Order
	parked     map[string][]domain.FillEvent // fills for offers not yet acknowledged
}

// ErrFillDeferred reports a fill held back until a submission in flight
// acknowledges its offer.
var ErrFillDeferred = errors.New("fill deferred until its offer is acknowledged")

// NewOrderService creates an OrderService. Persistence, rate limiting, the
// event bus, audit, metrics and alerts are attached with the With* methods.
func NewOrderService(
	gw domain.LedgerGateway,
	signer domain.TxSigner,
	seq *sequence.Coordinator,
	cfg OrderServiceConfig,
	logger *slog.Logger,
) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderService{
		cfg:        cfg,
		gateway:    gw,
		signer:     signer,
		seq:        seq,
		logger:     logger.With(slog.String("component", "order_service")),
		metrics:    noopOrderMetrics{},
		active:     make(map[string]*domain.Order),
		byExternal: make(map[string]string),
		history:    make(map[string]domain.Order),
		parked:     make(map[string][]domain.FillEvent),
	}
}

func (s *OrderService) WithStore(store domain.OrderStore) *OrderService {
	s.orders = store
	return s
}

func (s *OrderService) WithLimiter(l domain.RateLimiter) *OrderService {
	s.limiter = l
	return s
}

func (s *OrderService) WithBus(bus domain.SignalBus) *OrderService {
	s.bus = bus
	return s
}

func (s *OrderService) WithAudit(audit domain.AuditStore) *OrderService {
	s.audit = audit
	return s
}

func (s *OrderService) WithMetrics(m OrderMetrics) *OrderService {
	if m != nil {
		s.metrics = m
	}
	return s
}

func (s *OrderService) WithAlerter(a Alerter) *OrderService {
	s.alerter = a
	return s
}

// SubmitOrder places a resting offer. The returned order is always the
// latest snapshot, including on error, where it is Failed (or absent when
// the request was rejected before an order was created).
func (s *OrderService) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if err := req.Validate(); err != nil {
		return domain.Order{}, fmt.Errorf("order_service: submit: %w", err)
	}
	if err := s.allow(ctx, req.Account); err != nil {
		return domain.Order{}, err
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:           uuid.NewString(),
		Kind:         domain.OrderKindLimit,
		Account:      req.Account,
		Pair:         req.Pair,
		Side:         req.Side,
		Amount:       req.Amount,
		Price:        req.Price,
		Status:       domain.OrderStatusPending,
		FilledAmount: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	sub := submission{
		orderID:  order.ID,
		account:  order.Account,
		ops:      []domain.Operation{order.OfferOperation(order.Amount)},
		precheck: offerPrecheck(order.Clone()),
		retried:  true,
	}
	s.track(ctx, order)
	return s.run(ctx, order.ID, order.Kind, sub, s.settleOffer)
}

// settleOffer applies the acknowledgment of an offer: trades made while it
// was placed, then either the resting offer id or, when nothing rested,
// completion of the whole amount.
func (s *OrderService) settleOffer(o *domain.Order, res domain.SubmitResult) error {
	for _, f := range res.Fills {
		if o.Status.IsTerminal() {
			break
		}
		if _, err := s.applyFill(o, f); err != nil {
			return err
		}
	}
	if len(res.ExternalIDs) > 0 {
		o.ExternalID = res.ExternalIDs[0]
		return nil
	}
	if o.Status.IsTerminal() {
		return nil
	}
	// Nothing rests on the book, so the offer crossed in full.
	_, err := s.applyFill(o, domain.FillEvent{Amount: o.Remaining(), Price: o.Price})
	return err
}

// RouteRequest is a pre-built atomic route for one account.
type RouteRequest struct {
	Account       string
	OpportunityID string
	Operations    []domain.Operation
	Memo          string
}

// SubmitRoute submits an atomic multi-hop route through the same slot and
// breaker path as SubmitOrder. A path payment settles on acknowledgment, so
// an acknowledged route order goes straight through Open to Filled.
func (s *OrderService) SubmitRoute(ctx context.Context, req RouteRequest) (domain.Order, error) {
	if req.Account == "" {
		return domain.Order{}, fmt.Errorf("order_service: submit route: %w: account is required", domain.ErrInvalidOrder)
	}
	if len(req.Operations) == 0 {
		return domain.Order{}, fmt.Errorf("order_service: submit route: %w: no operations", domain.ErrInvalidOrder)
	}
	for _, op := range req.Operations {
		if op.Type != domain.OpPathPaymentStrictSend || !op.SendAmount.IsPositive() {
			return domain.Order{}, fmt.Errorf("order_service: submit route: %w: route operations must be positive path payments", domain.ErrInvalidOrder)
		}
	}
	if err := s.allow(ctx, req.Account); err != nil {
		return domain.Order{}, err
	}

	first := req.Operations[0]
	now := time.Now().UTC()
	order := &domain.Order{
		ID:            uuid.NewString(),
		Kind:          domain.OrderKindRoute,
		Account:       req.Account,
		Pair:          domain.TradingPair{Base: first.SendAsset, Counter: first.DestAsset},
		Side:          domain.OrderSideSell,
		Amount:        first.SendAmount,
		Price:         first.DestMin.Div(first.SendAmount),
		Status:        domain.OrderStatusPending,
		FilledAmount:  decimal.Zero,
		OpportunityID: req.OpportunityID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	sub := submission{
		orderID:  order.ID,
		account:  order.Account,
		ops:      req.Operations,
		memo:     req.Memo,
		precheck: routePrecheck(req.Operations),
		retried:  true,
	}
	s.track(ctx, order)
	return s.run(ctx, order.ID, order.Kind, sub, func(o *domain.Order, _ domain.SubmitResult) error {
		o.Fills = append(o.Fills, domain.Fill{Amount: o.Amount, Price: o.Price, Timestamp: time.Now().UTC()})
		o.FilledAmount = o.Amount
		return s.setStatus(o, domain.OrderStatusFilled)
	})
}

// run drives a new order from Pending to Open (or Failed). onAck applies
// acknowledgment data while the order is Open. Fills parked for the offer
// it acknowledges are applied in the same step.
func (s *OrderService) run(
	ctx context.Context,
	id string,
	kind domain.OrderKind,
	sub submission,
	onAck func(*domain.Order, domain.SubmitResult) error,
) (domain.Order, error) {
	if s.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		defer cancel()
	}

	res, seq, err := s.transact(ctx, sub)
	if err != nil {
		err = classifyTimeout(ctx, "order_service: submit "+id, err)
		failed, _ := s.fail(ctx, id, err)
		s.metrics.OrderSubmitted(string(kind), "failed")
		s.dropOrphanedFills(ctx)
		return failed, err
	}

	s.metrics.OrderSubmitted(string(kind), "ok")
	var replayed []domain.FillEvent
	o, err := s.mutate(ctx, id, func(o *domain.Order) error {
		o.Sequence = seq
		o.LedgerID = res.LedgerID
		if err := s.setStatus(o, domain.OrderStatusSubmitted); err != nil {
			return err
		}
		if err := s.setStatus(o, domain.OrderStatusOpen); err != nil {
			return err
		}
		if err := onAck(o, res); err != nil {
			return err
		}
		if o.ExternalID == "" {
			return nil
		}
		replayed = s.parked[o.ExternalID]
		delete(s.parked, o.ExternalID)
		for _, ev := range replayed {
			if o.Status.IsTerminal() {
				break
			}
			if _, err := s.applyFill(o, ev); err != nil {
				return err
			}
		}
		return nil
	})
	s.dropOrphanedFills(ctx)
	if err != nil {
		return o, err
	}
	for range replayed {
		s.metrics.FillApplied()
	}
	if len(replayed) > 0 {
		s.logger.InfoContext(ctx, "order_service: deferred fills applied",
			slog.String("order_id", o.ID),
			slog.Int("fills", len(replayed)),
			slog.String("filled", o.FilledAmount.String()),
		)
	}

	s.logger.InfoContext(ctx, "order_service: order acknowledged",
		slog.String("order_id", o.ID),
		slog.String("kind", string(o.Kind)),
		slog.String("account", o.Account),
		slog.String("external_id", o.ExternalID),
		slog.Int64("sequence", o.Sequence),
		slog.Int("retry_count", o.RetryCount),
	)
	s.emit(ctx, "order_acknowledged", o)
	return o, nil
}

// CancelOrder removes a resting offer with a zero-amount update. Orders
// without a resting offer return OrderNotCancellable and are left unchanged.
func (s *OrderService) CancelOrder(ctx context.Context, id string) error {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if !o.Status.Cancellable() || o.ExternalID == "" {
		return domain.E(domain.KindOrderNotCancellable, "order_service: cancel "+id,
			fmt.Errorf("status %s", o.Status))
	}

	if s.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		defer cancel()
	}

	sub := submission{
		orderID: id,
		account: o.Account,
		ops:     []domain.Operation{o.OfferOperation(decimal.Zero)},
		memo:    "cancel " + id,
	}
	if _, _, err := s.transact(ctx, sub); err != nil {
		err = classifyTimeout(ctx, "order_service: cancel "+id, err)
		s.logger.WarnContext(ctx, "order_service: cancel failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		return err
	}

	// A fill may have completed the order while the cancel was in flight.
	cancelled, err := s.mutate(ctx, id, func(o *domain.Order) error {
		if !o.Status.Cancellable() {
			return domain.E(domain.KindOrderNotCancellable, "order_service: cancel "+id,
				fmt.Errorf("status changed to %s", o.Status))
		}
		return s.setStatus(o, domain.OrderStatusCancelled)
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "order_service: order cancelled",
		slog.String("order_id", id),
		slog.String("filled", cancelled.FilledAmount.String()),
	)
	s.emit(ctx, "order_cancelled", cancelled)
	return nil
}

// GetOrder returns a copy of an active or archived order.
func (s *OrderService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	if o, ok := s.active[id]; ok {
		out := o.Clone()
		s.mu.Unlock()
		return out, nil
	}
	if o, ok := s.history[id]; ok {
		s.mu.Unlock()
		return o.Clone(), nil
	}
	s.mu.Unlock()

	if s.orders != nil {
		o, err := s.orders.GetByID(ctx, id)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Order{}, fmt.Errorf("order_service: get order: %w", err)
		}
	}
	return domain.Order{}, fmt.Errorf("order_service: order %s: %w", id, domain.ErrNotFound)
}

// ListActiveOrders returns non-terminal orders, oldest first. An empty
// account lists every account.
func (s *OrderService) ListActiveOrders(account string) []domain.Order {
	s.mu.Lock()
	out := make([]domain.Order, 0, len(s.active))
	for _, o := range s.active {
		if account != "" && o.Account != account {
			continue
		}
		out = append(out, o.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// OnFillEvent applies a fill to the order holding the offer. Fills beyond
// the remaining amount are clamped so filled_amount never exceeds amount.
// A fill for an unknown offer is parked while any submission is in flight,
// since the ledger can report a trade before the submit call returns; it
// is applied when that offer is acknowledged and ErrFillDeferred is
// returned meanwhile.
func (s *OrderService) OnFillEvent(ctx context.Context, ev domain.FillEvent) (domain.Order, error) {
	if !ev.Amount.IsPositive() {
		return domain.Order{}, fmt.Errorf("order_service: fill %s: %w: non-positive amount", ev.ExternalID, domain.ErrInvalidOrder)
	}

	s.mu.Lock()
	id, ok := s.byExternal[ev.ExternalID]
	if !ok && s.submittingLocked() {
		s.parked[ev.ExternalID] = append(s.parked[ev.ExternalID], ev)
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "order_service: fill parked",
			slog.String("external_id", ev.ExternalID),
			slog.String("amount", ev.Amount.String()),
		)
		return domain.Order{}, fmt.Errorf("order_service: fill for offer %s: %w", ev.ExternalID, ErrFillDeferred)
	}
	s.mu.Unlock()
	if !ok {
		return domain.Order{}, fmt.Errorf("order_service: fill for offer %s: %w", ev.ExternalID, domain.ErrNotFound)
	}

	var clamped bool
	o, err := s.mutate(ctx, id, func(o *domain.Order) error {
		var err error
		clamped, err = s.applyFill(o, ev)
		return err
	})
	if err != nil {
		return o, err
	}
	if clamped {
		s.logger.WarnContext(ctx, "order_service: fill exceeded remaining amount, clamped",
			slog.String("order_id", id),
			slog.String("reported", ev.Amount.String()),
		)
	}

	s.metrics.FillApplied()
	s.logger.InfoContext(ctx, "order_service: fill applied",
		slog.String("order_id", o.ID),
		slog.String("status", string(o.Status)),
		slog.String("filled", o.FilledAmount.String()),
		slog.String("avg_price", o.AverageFillPrice().String()),
	)
	s.emit(ctx, "order_filled", o)
	return o, nil
}

// applyFill adds ev to o and moves it to PartiallyFilled or Filled. It
// reports whether the amount was clamped to the remainder.
func (s *OrderService) applyFill(o *domain.Order, ev domain.FillEvent) (clamped bool, err error) {
	amount := ev.Amount
	if rem := o.Remaining(); amount.GreaterThan(rem) {
		amount = rem
		clamped = true
	}
	if !amount.IsPositive() {
		return clamped, fmt.Errorf("order_service: fill %s: order already complete", ev.ExternalID)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	next := domain.OrderStatusPartiallyFilled
	if o.Remaining().Sub(amount).LessThanOrEqual(s.cfg.FillEpsilon) {
		next = domain.OrderStatusFilled
	}
	if err := s.setStatus(o, next); err != nil {
		return clamped, err
	}
	o.FilledAmount = o.FilledAmount.Add(amount)
	o.Fills = append(o.Fills, domain.Fill{Amount: amount, Price: ev.Price, Timestamp: ts})
	return clamped, nil
}

// submittingLocked reports whether an order is waiting for its submission
// to be acknowledged. Callers hold s.mu.
func (s *OrderService) submittingLocked() bool {
	for _, o := range s.active {
		if o.Status == domain.OrderStatusPending {
			return true
		}
	}
	return false
}

// dropOrphanedFills discards parked fills once no submission is left that
// could acknowledge their offers.
func (s *OrderService) dropOrphanedFills(ctx context.Context) {
	s.mu.Lock()
	if len(s.parked) == 0 || s.submittingLocked() {
		s.mu.Unlock()
		return
	}
	orphaned := s.parked
	s.parked = make(map[string][]domain.FillEvent)
	s.mu.Unlock()

	for offer, fills := range orphaned {
		s.logger.WarnContext(ctx, "order_service: fills for unknown offer dropped",
			slog.String("external_id", offer),
			slog.Int("fills", len(fills)),
		)
	}
}

// ConsumeFills applies the account's fill stream until ctx ends,
// reconnecting with backoff whenever the stream closes.
func (s *OrderService) ConsumeFills(ctx context.Context, address string) error {
	attempt := 0
	for {
		ch, err := s.gateway.StreamFills(ctx, address)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WarnContext(ctx, "order_service: fill stream unavailable",
				slog.String("account", address),
				slog.String("error", err.Error()),
			)
		} else {
			attempt = 0
			for ev := range ch {
				if _, err := s.OnFillEvent(ctx, ev); err != nil && !errors.Is(err, ErrFillDeferred) {
					s.logger.WarnContext(ctx, "order_service: fill not applied",
						slog.String("external_id", ev.ExternalID),
						slog.String("error", err.Error()),
					)
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.InfoContext(ctx, "order_service: fill stream closed, reconnecting",
				slog.String("account", address),
			)
		}

		delay := s.cfg.Reconnect.Delay(attempt)
		attempt++
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Recover reloads the account's non-terminal orders from the store after a
// restart. Resting offers resume tracking so their fills apply; orders
// caught mid-submission cannot be reconciled and are failed. It returns how
// many orders were resumed.
func (s *OrderService) Recover(ctx context.Context, account string) (int, error) {
	if s.orders == nil {
		return 0, nil
	}
	stored, err := s.orders.ListActive(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("order_service: recover: %w", err)
	}

	var interrupted []string
	resumed := 0
	s.mu.Lock()
	for i := range stored {
		o := stored[i]
		if _, ok := s.active[o.ID]; ok {
			continue
		}
		s.active[o.ID] = &o
		if o.Status.Cancellable() && o.ExternalID != "" {
			s.byExternal[o.ExternalID] = o.ID
			resumed++
			continue
		}
		interrupted = append(interrupted, o.ID)
	}
	s.mu.Unlock()

	for _, id := range interrupted {
		if _, err := s.fail(ctx, id, errors.New("interrupted by restart before acknowledgment")); err != nil {
			s.logger.WarnContext(ctx, "order_service: recover failed order",
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.InfoContext(ctx, "order_service: recovered orders",
		slog.String("account", account),
		slog.Int("resumed", resumed),
		slog.Int("interrupted", len(interrupted)),
	)
	return resumed, nil
}

// PruneHistory drops archived orders last updated before cutoff from
// memory and returns how many were dropped.
func (s *OrderService) PruneHistory(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, o := range s.history {
		if o.UpdatedAt.Before(before) {
			delete(s.history, id)
			n++
		}
	}
	return n
}

// submission is one ledger transaction made under an account's slot.
type submission struct {
	orderID  string
	account  string
	ops      []domain.Operation
	memo     string
	precheck func(domain.Account) error
	retried  bool // count collisions in the order's retry_count
}

// transact holds the account's slot for the whole read-sequence, sign,
// submit cycle, refreshing the sequence after each collision.
func (s *OrderService) transact(ctx context.Context, sub submission) (domain.SubmitResult, int64, error) {
	slot, err := s.seq.Acquire(ctx, sub.account, sub.orderID)
	if err != nil {
		return domain.SubmitResult{}, 0, err
	}
	defer slot.Release()

	for attempt := 0; ; attempt++ {
		res, seq, err := s.attempt(ctx, slot, sub)
		if err == nil {
			return res, seq, nil
		}
		if !errors.Is(err, domain.ErrSequenceCollision) || attempt >= s.cfg.MaxRetries || ctx.Err() != nil {
			return res, seq, err
		}
		if sub.retried {
			_, _ = s.mutate(ctx, sub.orderID, func(o *domain.Order) error {
				o.RetryCount++
				return nil
			})
		}
		s.metrics.SequenceRetried()
		s.logger.WarnContext(ctx, "order_service: sequence collision, refreshing",
			slog.String("order_id", sub.orderID),
			slog.Int64("sequence", seq),
			slog.Int("attempt", attempt+1),
		)
	}
}

func (s *OrderService) attempt(ctx context.Context, slot *sequence.Slot, sub submission) (domain.SubmitResult, int64, error) {
	acct, err := s.gateway.GetAccount(ctx, sub.account)
	if err != nil {
		return domain.SubmitResult{}, 0, fmt.Errorf("order_service: get account: %w", err)
	}
	if sub.precheck != nil && s.cfg.CheckBalance {
		if err := sub.precheck(acct); err != nil {
			return domain.SubmitResult{}, 0, err
		}
	}

	seq := acct.Sequence + 1
	slot.Reserve(seq)
	tx := domain.Transaction{
		Source:     sub.account,
		Sequence:   seq,
		Operations: sub.ops,
		Memo:       sub.memo,
	}
	signed, err := s.signer.Sign(ctx, tx, s.cfg.KeyID)
	if err != nil {
		return domain.SubmitResult{}, seq, fmt.Errorf("order_service: sign: %w", err)
	}
	res, err := s.gateway.SubmitTransaction(ctx, signed)
	if err != nil {
		return res, seq, fmt.Errorf("order_service: submit: %w", err)
	}
	if !res.Success {
		return res, seq, domain.E(domain.KindGatewayRejected, "order_service: submit", errors.New("transaction not applied"))
	}
	return res, seq, nil
}

func offerPrecheck(o domain.Order) func(domain.Account) error {
	return func(acct domain.Account) error {
		asset, need := o.Pair.Base, o.Amount
		if o.Side == domain.OrderSideBuy {
			asset, need = o.Pair.Counter, o.Amount.Mul(o.Price)
		}
		return requireAvailable(acct, asset, need)
	}
}

func routePrecheck(ops []domain.Operation) func(domain.Account) error {
	return func(acct domain.Account) error {
		for _, op := range ops {
			if err := requireAvailable(acct, op.SendAsset, op.SendAmount); err != nil {
				return err
			}
		}
		return nil
	}
}

func requireAvailable(acct domain.Account, asset domain.Asset, need decimal.Decimal) error {
	avail, ok := acct.Available(asset)
	if !ok || avail.LessThan(need) {
		return domain.E(domain.KindInsufficientBalanceOrReserve, "order_service: precheck",
			fmt.Errorf("need %s %s, available %s", need, asset, avail))
	}
	return nil
}

// classifyTimeout reports an expired submit deadline as Timeout.
func classifyTimeout(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
		return domain.E(domain.KindTimeout, op, err)
	}
	return err
}

func (s *OrderService) allow(ctx context.Context, account string) error {
	if s.limiter == nil || s.cfg.RateLimit <= 0 {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, "orders:"+account, s.cfg.RateLimit, s.cfg.RateWindow)
	if err != nil {
		return fmt.Errorf("order_service: rate limiter: %w", err)
	}
	if !ok {
		return fmt.Errorf("order_service: account %s: %w", account, domain.ErrRateLimited)
	}
	return nil
}

// track registers a new Pending order.
func (s *OrderService) track(ctx context.Context, o *domain.Order) {
	s.mu.Lock()
	s.active[o.ID] = o
	snapshot := o.Clone()
	s.mu.Unlock()
	s.persist(ctx, snapshot)
	s.metrics.OrderTransition(string(domain.OrderStatusPending))
}

// setStatus applies one state machine edge. Callers hold s.mu.
func (s *OrderService) setStatus(o *domain.Order, next domain.OrderStatus) error {
	if !domain.CanTransition(o.Status, next) {
		return fmt.Errorf("order_service: order %s: illegal transition %s -> %s", o.ID, o.Status, next)
	}
	o.Status = next
	s.metrics.OrderTransition(string(next))
	return nil
}

// mutate applies fn to the active order under the lock and maintains the
// external-id index and history. The returned copy reflects fn's changes
// only when fn succeeds.
func (s *OrderService) mutate(ctx context.Context, id string, fn func(*domain.Order) error) (domain.Order, error) {
	s.mu.Lock()
	o, ok := s.active[id]
	if !ok {
		var snapshot domain.Order
		if h, found := s.history[id]; found {
			snapshot = h.Clone()
		}
		s.mu.Unlock()
		if snapshot.ID != "" {
			return snapshot, domain.E(domain.KindOrderNotCancellable, "order_service: order "+id,
				fmt.Errorf("order is %s", snapshot.Status))
		}
		return domain.Order{}, fmt.Errorf("order_service: order %s: %w", id, domain.ErrNotFound)
	}

	work := o.Clone()
	if err := fn(&work); err != nil {
		current := o.Clone()
		s.mu.Unlock()
		return current, err
	}
	work.UpdatedAt = time.Now().UTC()
	*o = work

	if o.ExternalID != "" {
		s.byExternal[o.ExternalID] = id
	}
	if o.Status.IsTerminal() {
		delete(s.active, id)
		if o.ExternalID != "" {
			delete(s.byExternal, o.ExternalID)
		}
		s.history[id] = o.Clone()
	}
	snapshot := o.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	return snapshot, nil
}

// fail moves an order to Failed and alerts.
func (s *OrderService) fail(ctx context.Context, id string, cause error) (domain.Order, error) {
	o, err := s.mutate(ctx, id, func(o *domain.Order) error {
		o.FailureReason = cause.Error()
		return s.setStatus(o, domain.OrderStatusFailed)
	})
	if err != nil {
		return o, err
	}

	s.logger.ErrorContext(ctx, "order_service: order failed",
		slog.String("order_id", id),
		slog.String("kind", domain.KindOf(cause).String()),
		slog.Int("retry_count", o.RetryCount),
		slog.String("error", cause.Error()),
	)
	s.emit(ctx, "order_failed", o)
	if s.alerter != nil {
		msg := fmt.Sprintf("order %s (%s %s %s) failed: %s", o.ID, o.Side, o.Amount, o.Pair, o.FailureReason)
		if aerr := s.alerter.Notify(ctx, "order_failed", "Order failed", msg); aerr != nil {
			s.logger.WarnContext(ctx, "order_service: alert failed", slog.String("error", aerr.Error()))
		}
	}
	return o, nil
}

func (s *OrderService) persist(ctx context.Context, o domain.Order) {
	if s.orders == nil {
		return
	}
	if err := s.orders.Save(context.WithoutCancel(ctx), o); err != nil {
		s.logger.WarnContext(ctx, "order_service: persist failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

// emit publishes the order event on the bus and records it in the audit log.
func (s *OrderService) emit(ctx context.Context, event string, o domain.Order) {
	ctx = context.WithoutCancel(ctx)
	if s.bus != nil {
		payload, _ := json.Marshal(domain.OrderEvent{
			Event:         event,
			OrderID:       o.ID,
			Account:       o.Account,
			Status:        o.Status,
			ExternalID:    o.ExternalID,
			FilledAmount:  o.FilledAmount.String(),
			FailureReason: o.FailureReason,
			Timestamp:     o.UpdatedAt,
		})
		if err := s.bus.Publish(ctx, domain.ChannelOrders, payload); err != nil {
			s.logger.WarnContext(ctx, "order_service: publish event failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.audit != nil {
		if err := s.audit.Log(ctx, event, map[string]any{
			"order_id":    o.ID,
			"kind":        string(o.Kind),
			"account":     o.Account,
			"pair":        o.Pair.String(),
			"side":        string(o.Side),
			"amount":      o.Amount.String(),
			"price":       o.Price.String(),
			"status":      string(o.Status),
			"external_id": o.ExternalID,
			"sequence":    o.Sequence,
			"retry_count": o.RetryCount,
		}); err != nil {
			s.logger.WarnContext(ctx, "order_service: audit log failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
