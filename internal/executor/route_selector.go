package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sdexbot/internal/arbitrage"
	"github.com/alanyoungcy/sdexbot/internal/domain"
	"github.com/alanyoungcy/sdexbot/internal/service"
)

// ledgerScale is the number of decimal places ledger amounts carry.
const ledgerScale = 7

// Jitter distributions.
const (
	JitterUniform     = "uniform"
	JitterExponential = "exponential"
)

// JitterConfig sets the randomized delay taken before each route submission.
type JitterConfig struct {
	Distribution string        `toml:"distribution"` // uniform | exponential
	Min          time.Duration `toml:"min"`
	Max          time.Duration `toml:"max"`
	Mean         time.Duration `toml:"mean"` // exponential only
}

// RouteConfig configures route selection and encoding.
type RouteConfig struct {
	Account       string
	TradeAmount   decimal.Decimal // origin units per route, capped by live liquidity
	MinMargin     float64
	MaxPathAssets int
	Jitter        JitterConfig
}

// Repricer revalidates a cycle against live liquidity.
// *feed.LiquidityBook satisfies it.
type Repricer interface {
	Reprice(cycle domain.TradingCycle) (domain.TradingCycle, error)
}

// RouteSubmitter submits an atomic route. *service.OrderService satisfies it.
type RouteSubmitter interface {
	SubmitRoute(ctx context.Context, req service.RouteRequest) (domain.Order, error)
}

// RouteSelector picks the opportunity to execute, waits a random jitter,
// re-checks the cycle against live prices and submits the whole cycle as a
// single transaction.
type RouteSelector struct {
	cfg     RouteConfig
	book    Repricer
	orders  RouteSubmitter
	logger  *slog.Logger
	uniform func() float64 // [0, 1)
	expo    func() float64 // Exp(1)
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRouteSelector creates a RouteSelector.
func NewRouteSelector(cfg RouteConfig, book Repricer, orders RouteSubmitter, logger *slog.Logger) *RouteSelector {
	if cfg.MaxPathAssets <= 0 {
		cfg.MaxPathAssets = 5
	}
	if cfg.Jitter.Distribution == "" {
		cfg.Jitter.Distribution = JitterUniform
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteSelector{
		cfg:     cfg,
		book:    book,
		orders:  orders,
		logger:  logger.With(slog.String("component", "route_selector")),
		uniform: rand.Float64,
		expo:    rand.ExpFloat64,
		sleep:   sleepCtx,
	}
}

// Select returns the executable opportunity with the highest profit ratio,
// skipping those for which skip reports true. skip may be nil.
func (r *RouteSelector) Select(opps []domain.ArbitrageOpportunity, skip func(domain.ArbitrageOpportunity) bool) (domain.ArbitrageOpportunity, bool) {
	var best domain.ArbitrageOpportunity
	ok := false
	for _, o := range opps {
		if !o.Executable(r.cfg.MinMargin) {
			continue
		}
		if skip != nil && skip(o) {
			continue
		}
		if !ok || o.ProfitRatio > best.ProfitRatio {
			best, ok = o, true
		}
	}
	return best, ok
}

// ExecuteRoute waits out the jitter, reprices the cycle, and submits it if
// it still clears the margin. A missing pair yields InvalidPath; a cycle no
// longer profitable or priced from stale data yields StaleOpportunity; a
// cycle that cannot be one transaction yields AtomicityViolationRisk.
func (r *RouteSelector) ExecuteRoute(ctx context.Context, opp domain.ArbitrageOpportunity) (domain.Order, error) {
	const op = "executor: execute route"

	// Reject what can never be submitted before spending the jitter.
	if _, err := BuildAtomicRoute(opp.Cycle, decimal.NewFromInt(1), r.cfg.MinMargin, r.cfg.Account, r.cfg.MaxPathAssets); err != nil {
		return domain.Order{}, err
	}

	delay := r.Delay()
	if err := r.sleep(ctx, delay); err != nil {
		return domain.Order{}, fmt.Errorf("%s: jitter: %w", op, err)
	}

	live, err := r.book.Reprice(opp.Cycle)
	if err != nil {
		return domain.Order{}, err
	}
	_, net := arbitrage.Evaluate(live)
	if !(net > 1+r.cfg.MinMargin) {
		return domain.Order{}, domain.E(domain.KindStaleOpportunity, op,
			fmt.Errorf("live ratio %.6f no longer clears margin %.6f (was %.6f)", net, r.cfg.MinMargin, opp.ProfitRatio))
	}

	amount := r.cfg.TradeAmount
	if capAmt := decimal.NewFromFloat(arbitrage.MaxAmount(live)); amount.IsZero() || capAmt.LessThan(amount) {
		amount = capAmt
	}
	amount = amount.RoundDown(ledgerScale)
	if !amount.IsPositive() {
		return domain.Order{}, domain.E(domain.KindInvalidPath, op, fmt.Errorf("no tradable amount on %s", live.Key()))
	}

	ops, err := BuildAtomicRoute(live, amount, r.cfg.MinMargin, r.cfg.Account, r.cfg.MaxPathAssets)
	if err != nil {
		return domain.Order{}, err
	}

	r.logger.InfoContext(ctx, "executor: submitting route",
		slog.String("opp_id", opp.ID),
		slog.String("cycle", live.Key()),
		slog.String("amount", amount.String()),
		slog.Float64("live_ratio", net),
		slog.Duration("jitter", delay),
	)
	return r.orders.SubmitRoute(ctx, service.RouteRequest{
		Account:       r.cfg.Account,
		OpportunityID: opp.ID,
		Operations:    ops,
		Memo:          "arb " + shortID(opp.ID),
	})
}

// Delay draws one jitter delay from the configured distribution, clamped
// to [Min, Max].
func (r *RouteSelector) Delay() time.Duration {
	j := r.cfg.Jitter
	if j.Max <= 0 || j.Max < j.Min {
		return j.Min
	}
	var d time.Duration
	switch j.Distribution {
	case JitterExponential:
		mean := j.Mean
		if mean <= 0 {
			mean = (j.Max - j.Min) / 2
		}
		d = j.Min + time.Duration(r.expo()*float64(mean))
	default:
		d = j.Min + time.Duration(r.uniform()*float64(j.Max-j.Min))
	}
	return min(max(d, j.Min), j.Max)
}

// BuildAtomicRoute encodes cycle as one strict-send path payment from the
// origin back to itself. Every hop executes in the same operation, so the
// route either settles entirely or not at all. dest_min requires the
// margin: amount * (1 + minMargin).
func BuildAtomicRoute(cycle domain.TradingCycle, amount decimal.Decimal, minMargin float64, account string, maxPathAssets int) ([]domain.Operation, error) {
	const op = "executor: build route"
	if !cycle.Closed() {
		return nil, domain.E(domain.KindInvalidPath, op, fmt.Errorf("cycle %s is not closed", cycle.Key()))
	}
	if account == "" {
		return nil, fmt.Errorf("%s: %w: account is required", op, domain.ErrInvalidOrder)
	}
	path := make([]domain.Asset, 0, len(cycle.Hops)-1)
	seen := map[string]bool{cycle.Origin.String(): true}
	for _, h := range cycle.Hops[:len(cycle.Hops)-1] {
		key := h.To.String()
		if seen[key] {
			return nil, domain.E(domain.KindAtomicityViolationRisk, op,
				fmt.Errorf("%s revisits %s", cycle.Key(), key))
		}
		seen[key] = true
		path = append(path, h.To)
	}
	if len(path) > maxPathAssets {
		return nil, domain.E(domain.KindAtomicityViolationRisk, op,
			fmt.Errorf("%s needs %d path assets, a single payment carries at most %d", cycle.Key(), len(path), maxPathAssets))
	}
	if !amount.IsPositive() {
		return nil, domain.E(domain.KindInvalidPath, op, fmt.Errorf("amount must be positive"))
	}
	if math.IsNaN(minMargin) || minMargin < 0 {
		minMargin = 0
	}
	destMin := amount.Mul(decimal.NewFromFloat(1 + minMargin)).RoundUp(ledgerScale)
	return []domain.Operation{{
		Type:        domain.OpPathPaymentStrictSend,
		SendAsset:   cycle.Origin,
		SendAmount:  amount,
		DestAsset:   cycle.Origin,
		DestMin:     destMin,
		Destination: account,
		Path:        path,
	}}, nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
