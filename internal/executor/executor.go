package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// Scanner is the arbitrage service surface the executor drives.
// *service.ArbService satisfies it.
type Scanner interface {
	ScanArbitrage(ctx context.Context) ([]domain.ArbitrageOpportunity, error)
	ExecuteOpportunity(ctx context.Context, id string) (domain.ArbitrageOpportunity, error)
}

// Config configures the scan loop.
type Config struct {
	ScanInterval    time.Duration
	AutoExecute     bool
	DedupTTL        time.Duration
	CleanupInterval time.Duration
}

// Executor runs periodic scans and executes at most one opportunity per
// scan: the best one the RouteSelector picks that was not attempted within
// the dedup window.
type Executor struct {
	cfg      Config
	scanner  Scanner
	selector *RouteSelector
	dedup    *Dedup
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config, scanner Scanner, selector *RouteSelector, logger *slog.Logger) *Executor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		scanner:  scanner,
		selector: selector,
		dedup:    NewDedup(cfg.DedupTTL),
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// Run scans on every tick until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor: started",
		slog.Duration("scan_interval", e.cfg.ScanInterval),
		slog.Bool("auto_execute", e.cfg.AutoExecute),
	)
	defer e.logger.Info("executor: stopped")

	scanTicker := time.NewTicker(e.cfg.ScanInterval)
	defer scanTicker.Stop()
	cleanupTicker := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scanTicker.C:
			e.Tick(ctx)
		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// Tick runs one scan and, when auto-execution is on, executes the selected
// opportunity. It returns the executed opportunity, if any.
func (e *Executor) Tick(ctx context.Context) (domain.ArbitrageOpportunity, bool) {
	opps, err := e.scanner.ScanArbitrage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("executor: scan failed", slog.String("error", err.Error()))
		}
		return domain.ArbitrageOpportunity{}, false
	}
	pick, ok := e.selector.Select(opps, func(o domain.ArbitrageOpportunity) bool {
		return e.dedup.Seen(o.Cycle.Key())
	})
	if !ok {
		return domain.ArbitrageOpportunity{}, false
	}
	log := e.logger.With(
		slog.String("opp_id", pick.ID),
		slog.String("cycle", pick.Cycle.Key()),
		slog.Float64("profit_ratio", pick.ProfitRatio),
	)
	if !e.cfg.AutoExecute {
		log.Info("executor: opportunity selected (auto-execute off)")
		return domain.ArbitrageOpportunity{}, false
	}

	e.dedup.Mark(pick.Cycle.Key())
	final, err := e.scanner.ExecuteOpportunity(ctx, pick.ID)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindInvalidPath, domain.KindStaleOpportunity, domain.KindAtomicityViolationRisk:
			log.Debug("executor: opportunity dropped", slog.String("reason", err.Error()))
		default:
			log.Warn("executor: execution failed", slog.String("error", err.Error()))
		}
		return final, false
	}
	log.Info("executor: opportunity executed", slog.String("order_id", final.OrderID))
	return final, true
}
