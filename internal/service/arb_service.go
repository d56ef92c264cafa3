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

	"github.com/alanyoungcy/sdexbot/internal/arbitrage"
	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// SnapshotSource supplies the current liquidity view. *feed.LiquidityBook
// satisfies it.
type SnapshotSource interface {
	Snapshots() []domain.LiquiditySnapshot
}

// RouteExecutor revalidates an opportunity and submits its route.
// *executor.RouteSelector satisfies it.
type RouteExecutor interface {
	ExecuteRoute(ctx context.Context, opp domain.ArbitrageOpportunity) (domain.Order, error)
}

// ArbMetrics receives scan counters. *metrics.Recorder satisfies it.
type ArbMetrics interface {
	ScanCompleted(d time.Duration)
	Opportunity(outcome string, n int)
}

type noopArbMetrics struct{}

func (noopArbMetrics) ScanCompleted(time.Duration) {}
func (noopArbMetrics) Opportunity(string, int)     {}

// ArbConfig holds arbitrage service settings.
type ArbConfig struct {
	// HistoryLimit caps how many finished opportunities stay in memory.
	HistoryLimit int
}

// ArbService owns ArbitrageOpportunity records: it runs scans, replaces the
// pending set, and drives execution through a RouteExecutor.
type ArbService struct {
	cfg      ArbConfig
	source   SnapshotSource
	builder  *arbitrage.Builder
	detector *arbitrage.Detector
	router   RouteExecutor
	logger   *slog.Logger

	store   domain.OpportunityStore
	bus     domain.SignalBus
	audit   domain.AuditStore
	metrics ArbMetrics
	alerter Alerter

	scanMu sync.Mutex // one scan at a time
	mu     sync.Mutex
	opps   map[string]*domain.ArbitrageOpportunity
}

// NewArbService creates an ArbService.
func NewArbService(
	source SnapshotSource,
	builder *arbitrage.Builder,
	detector *arbitrage.Detector,
	router RouteExecutor,
	cfg ArbConfig,
	logger *slog.Logger,
) *ArbService {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArbService{
		cfg:      cfg,
		source:   source,
		builder:  builder,
		detector: detector,
		router:   router,
		logger:   logger.With(slog.String("component", "arb_service")),
		metrics:  noopArbMetrics{},
		opps:     make(map[string]*domain.ArbitrageOpportunity),
	}
}

func (s *ArbService) WithStore(store domain.OpportunityStore) *ArbService {
	s.store = store
	return s
}

func (s *ArbService) WithBus(bus domain.SignalBus) *ArbService {
	s.bus = bus
	return s
}

func (s *ArbService) WithAudit(audit domain.AuditStore) *ArbService {
	s.audit = audit
	return s
}

func (s *ArbService) WithMetrics(m ArbMetrics) *ArbService {
	if m != nil {
		s.metrics = m
	}
	return s
}

func (s *ArbService) WithAlerter(a Alerter) *ArbService {
	s.alerter = a
	return s
}

// Restore loads up to limit recent opportunities from the store into
// memory. Anything left pending or executing by the previous process is
// discarded, since its prices are no longer live.
func (s *ArbService) Restore(ctx context.Context, limit int) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	recent, err := s.store.ListRecent(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("arb_service: restore: %w", err)
	}

	now := time.Now().UTC()
	var dropped []domain.ArbitrageOpportunity
	s.mu.Lock()
	for i := range recent {
		o := recent[i]
		if _, ok := s.opps[o.ID]; ok {
			continue
		}
		if o.Status == domain.OpportunityPending || o.Status == domain.OpportunityExecuting {
			o.Status = domain.OpportunityDiscarded
			o.DiscardReason = "restart"
			o.UpdatedAt = now
			dropped = append(dropped, o)
		}
		s.opps[o.ID] = &o
	}
	s.trimLocked()
	s.mu.Unlock()

	for _, o := range dropped {
		s.persist(ctx, o)
	}
	return len(recent), nil
}

// MinMargin is the detector's margin, also used to gate execution.
func (s *ArbService) MinMargin() float64 { return s.detector.MinMargin() }

// ScanArbitrage builds the graph from the current snapshots and detects
// cycles. The new opportunities replace the previous pending set; pending
// ones from earlier scans are discarded as superseded. The result is sorted
// best first.
func (s *ArbService) ScanArbitrage(ctx context.Context) ([]domain.ArbitrageOpportunity, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	start := time.Now()
	g := s.builder.Build(s.source.Snapshots())
	found, err := s.detector.Detect(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("arb_service: scan: %w", err)
	}
	s.metrics.ScanCompleted(time.Since(start))

	now := time.Now().UTC()
	var superseded []domain.ArbitrageOpportunity
	s.mu.Lock()
	for _, o := range s.opps {
		if o.Status == domain.OpportunityPending {
			o.Status = domain.OpportunityDiscarded
			o.DiscardReason = "superseded"
			o.UpdatedAt = now
			superseded = append(superseded, *o)
		}
	}
	for i := range found {
		o := found[i]
		s.opps[o.ID] = &o
	}
	s.trimLocked()
	s.mu.Unlock()

	for _, o := range superseded {
		s.persist(ctx, o)
	}
	for _, o := range found {
		s.persist(ctx, o)
		s.emit(ctx, "arb_detected", o)
	}
	s.metrics.Opportunity("detected", len(found))
	s.metrics.Opportunity("superseded", len(superseded))

	s.logger.InfoContext(ctx, "arb_service: scan complete",
		slog.Int("nodes", len(g.Nodes)),
		slog.Int("edges", g.NumEdges()),
		slog.Int("opportunities", len(found)),
		slog.Int("superseded", len(superseded)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return found, nil
}

// ExecuteOpportunity moves a pending opportunity to Executing and hands it
// to the route executor. It ends Executed when the route order succeeds and
// Discarded otherwise; the returned opportunity is the final state in both
// cases.
func (s *ArbService) ExecuteOpportunity(ctx context.Context, id string) (domain.ArbitrageOpportunity, error) {
	minMargin := s.MinMargin()

	s.mu.Lock()
	o, ok := s.opps[id]
	if !ok {
		s.mu.Unlock()
		return domain.ArbitrageOpportunity{}, fmt.Errorf("arb_service: execute %s: %w", id, domain.ErrNotFound)
	}
	if !o.Executable(minMargin) {
		snap := *o
		s.mu.Unlock()
		return snap, fmt.Errorf("arb_service: execute %s: %w (status %s, profit %.6f)",
			id, domain.ErrNotExecutable, snap.Status, snap.ProfitRatio)
	}
	o.Status = domain.OpportunityExecuting
	o.UpdatedAt = time.Now().UTC()
	executing := *o
	s.mu.Unlock()

	s.persist(ctx, executing)
	s.emit(ctx, "arb_executing", executing)

	order, err := s.router.ExecuteRoute(ctx, executing)

	s.mu.Lock()
	o.OrderID = order.ID
	o.UpdatedAt = time.Now().UTC()
	if err == nil && order.Status == domain.OrderStatusFilled {
		o.Status = domain.OpportunityExecuted
	} else {
		o.Status = domain.OpportunityDiscarded
		if err != nil {
			o.DiscardReason = err.Error()
		} else {
			o.DiscardReason = "route order ended " + string(order.Status)
		}
	}
	final := *o
	s.mu.Unlock()

	s.persist(ctx, final)
	log := s.logger.With(
		slog.String("opp_id", id),
		slog.String("cycle", final.Cycle.Key()),
		slog.String("order_id", final.OrderID),
	)
	switch final.Status {
	case domain.OpportunityExecuted:
		s.metrics.Opportunity("executed", 1)
		s.emit(ctx, "arb_executed", final)
		log.InfoContext(ctx, "arb_service: opportunity executed", slog.Float64("profit_ratio", final.ProfitRatio))
		s.alert(ctx, "arb_executed", "Arbitrage executed",
			fmt.Sprintf("%s profit %.4f%% order %s", final.Cycle.Key(), (final.ProfitRatio-1)*100, final.OrderID))
	default:
		s.metrics.Opportunity("discarded", 1)
		s.emit(ctx, "arb_discarded", final)
		switch domain.KindOf(err) {
		case domain.KindInvalidPath, domain.KindStaleOpportunity, domain.KindAtomicityViolationRisk:
			log.InfoContext(ctx, "arb_service: opportunity discarded", slog.String("reason", final.DiscardReason))
		default:
			log.WarnContext(ctx, "arb_service: opportunity execution failed", slog.String("reason", final.DiscardReason))
		}
	}
	if err == nil && final.Status != domain.OpportunityExecuted {
		err = fmt.Errorf("arb_service: execute %s: %s", id, final.DiscardReason)
	}
	return final, err
}

// GetOpportunity returns the opportunity from memory, falling back to the
// store for ones already trimmed.
func (s *ArbService) GetOpportunity(ctx context.Context, id string) (domain.ArbitrageOpportunity, error) {
	s.mu.Lock()
	o, ok := s.opps[id]
	var snap domain.ArbitrageOpportunity
	if ok {
		snap = *o
	}
	s.mu.Unlock()
	if ok {
		return snap, nil
	}
	if s.store != nil {
		got, err := s.store.GetByID(ctx, id)
		if err == nil {
			return got, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.ArbitrageOpportunity{}, fmt.Errorf("arb_service: get %s: %w", id, err)
		}
	}
	return domain.ArbitrageOpportunity{}, fmt.Errorf("arb_service: get %s: %w", id, domain.ErrNotFound)
}

// ListOpportunities returns opportunities newest first, optionally filtered
// by status (empty means all).
func (s *ArbService) ListOpportunities(status domain.OpportunityStatus) []domain.ArbitrageOpportunity {
	s.mu.Lock()
	out := make([]domain.ArbitrageOpportunity, 0, len(s.opps))
	for _, o := range s.opps {
		if status == "" || o.Status == status {
			out = append(out, *o)
		}
	}
	s.mu.Unlock()
	sortNewestBest(out)
	return out
}

// Pending returns the current pending set, best first.
func (s *ArbService) Pending() []domain.ArbitrageOpportunity {
	out := s.ListOpportunities(domain.OpportunityPending)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ProfitRatio > out[j].ProfitRatio })
	return out
}

func sortNewestBest(out []domain.ArbitrageOpportunity) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DiscoveredAt.After(out[j].DiscoveredAt)
		}
		if out[i].ProfitRatio != out[j].ProfitRatio {
			return out[i].ProfitRatio > out[j].ProfitRatio
		}
		return out[i].ID < out[j].ID
	})
}

// trimLocked drops the oldest finished opportunities beyond HistoryLimit.
// Pending and executing ones are never trimmed.
func (s *ArbService) trimLocked() {
	var done []*domain.ArbitrageOpportunity
	for _, o := range s.opps {
		if o.Status == domain.OpportunityExecuted || o.Status == domain.OpportunityDiscarded {
			done = append(done, o)
		}
	}
	if len(done) <= s.cfg.HistoryLimit {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].UpdatedAt.Before(done[j].UpdatedAt) })
	for _, o := range done[:len(done)-s.cfg.HistoryLimit] {
		delete(s.opps, o.ID)
	}
}

func (s *ArbService) persist(ctx context.Context, o domain.ArbitrageOpportunity) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(context.WithoutCancel(ctx), o); err != nil {
		s.logger.WarnContext(ctx, "arb_service: persist opportunity failed",
			slog.String("opp_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

// OpportunityEvent is published on the arb channel.
type OpportunityEvent struct {
	Event       string                   `json:"event"`
	ID          string                   `json:"opp_id"`
	Cycle       string                   `json:"cycle"`
	Status      domain.OpportunityStatus `json:"status"`
	ProfitRatio float64                  `json:"profit_ratio"`
	RiskScore   float64                  `json:"risk_score"`
	MaxAmount   float64                  `json:"max_amount"`
	OrderID     string                   `json:"order_id,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
}

func (s *ArbService) emit(ctx context.Context, event string, o domain.ArbitrageOpportunity) {
	ctx = context.WithoutCancel(ctx)
	if s.bus != nil {
		payload, _ := json.Marshal(OpportunityEvent{
			Event:       event,
			ID:          o.ID,
			Cycle:       o.Cycle.Key(),
			Status:      o.Status,
			ProfitRatio: o.ProfitRatio,
			RiskScore:   o.RiskScore,
			MaxAmount:   o.MaxAmount,
			OrderID:     o.OrderID,
			Reason:      o.DiscardReason,
		})
		if err := s.bus.Publish(ctx, domain.ChannelArb, payload); err != nil {
			s.logger.WarnContext(ctx, "arb_service: publish event failed",
				slog.String("opp_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.audit != nil && event != "arb_detected" {
		if err := s.audit.Log(ctx, event, map[string]any{
			"opp_id":       o.ID,
			"cycle":        o.Cycle.Key(),
			"profit_ratio": o.ProfitRatio,
			"order_id":     o.OrderID,
			"reason":       o.DiscardReason,
		}); err != nil {
			s.logger.WarnContext(ctx, "arb_service: audit log failed",
				slog.String("opp_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *ArbService) alert(ctx context.Context, event, title, msg string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Notify(context.WithoutCancel(ctx), event, title, msg); err != nil {
		s.logger.WarnContext(ctx, "arb_service: notify failed", slog.String("error", err.Error()))
	}
}
