package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/sdexbot/internal/arbitrage"
	s3blob "github.com/alanyoungcy/sdexbot/internal/blob/s3"
	"github.com/alanyoungcy/sdexbot/internal/breaker"
	"github.com/alanyoungcy/sdexbot/internal/crypto"
	"github.com/alanyoungcy/sdexbot/internal/executor"
	"github.com/alanyoungcy/sdexbot/internal/feed"
	"github.com/alanyoungcy/sdexbot/internal/gateway"
	"github.com/alanyoungcy/sdexbot/internal/notify"
	"github.com/alanyoungcy/sdexbot/internal/platform/ledger"
	"github.com/alanyoungcy/sdexbot/internal/sequence"
	"github.com/alanyoungcy/sdexbot/internal/server"
	"github.com/alanyoungcy/sdexbot/internal/server/handler"
	"github.com/alanyoungcy/sdexbot/internal/server/ws"
	"github.com/alanyoungcy/sdexbot/internal/service"
)

const (
	pruneInterval   = 10 * time.Minute
	shutdownTimeout = 5 * time.Second
)

// core is the order path every mode runs: breaker-guarded ledger gateway,
// sequence coordinator and the order lifecycle manager.
type core struct {
	ledger  *ledger.Client
	gateway *gateway.Guarded
	orders  *service.OrderService
}

// arbStack is the arbitrage pipeline layered on top of core.
type arbStack struct {
	book     *feed.LiquidityBook
	feed     *feed.LiquidityFeed // nil when following the bus
	arb      *service.ArbService
	executor *executor.Executor
}

// TradeMode runs the order lifecycle manager, its fill consumer and the API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting trade mode")
	return a.run(ctx, deps, a.cfg.Arbitrage.Enabled, false)
}

// ArbitrageMode adds the liquidity feed, the scanner and the executor.
func (a *App) ArbitrageMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting arbitrage mode",
		slog.Int("pairs", len(a.cfg.Arbitrage.Pairs)),
		slog.Bool("auto_execute", a.cfg.Arbitrage.AutoExecute),
	)
	return a.run(ctx, deps, true, false)
}

// FullMode runs everything, including the S3 archiver when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting full mode")
	return a.run(ctx, deps, true, true)
}

func (a *App) run(ctx context.Context, deps *Dependencies, withArb, withArchive bool) error {
	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if _, err := c.orders.Recover(ctx, a.cfg.Account.Address); err != nil {
		a.logger.WarnContext(ctx, "app: order recovery failed", slog.String("error", err.Error()))
	}
	g.Go(func() error {
		return c.orders.ConsumeFills(ctx, a.cfg.Account.Address)
	})
	g.Go(func() error {
		return a.pruneHistory(ctx, c.orders)
	})

	var arb *arbStack
	if withArb {
		arb, err = a.buildArb(ctx, deps, c)
		if err != nil {
			return err
		}
		if arb.feed != nil {
			g.Go(func() error { return arb.feed.Run(ctx) })
		} else {
			g.Go(func() error { return feed.RunFromBus(ctx, deps.SignalBus, arb.book, a.logger) })
		}
		g.Go(func() error { return arb.executor.Run(ctx) })
	}

	if withArchive {
		if deps.BlobWriter == nil || deps.OrderStore == nil {
			a.logger.WarnContext(ctx, "app: archive disabled (needs archive.enabled with postgres)")
		} else {
			archiver := s3blob.NewArchiver(s3blob.ArchiverConfig{Prefix: a.cfg.Archive.Prefix},
				deps.BlobWriter, deps.BlobReader, deps.OrderStore, deps.AuditStore, a.logger)
			retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
			g.Go(func() error {
				return archiver.Run(ctx, a.cfg.Archive.Interval.Duration, retention)
			})
		}
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, arb)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	keys, err := crypto.LoadKeys(a.keySource())
	if err != nil {
		return nil, fmt.Errorf("app: signing keys: %w", err)
	}
	signer, err := crypto.NewSigner(keys)
	if err != nil {
		return nil, fmt.Errorf("app: signer: %w", err)
	}
	if _, err := signer.Address(a.cfg.Account.KeyID); err != nil {
		return nil, fmt.Errorf("app: key_id %q: %w", a.cfg.Account.KeyID, err)
	}

	var auth *crypto.HMACAuth
	if a.cfg.Ledger.APIKey != "" {
		auth = &crypto.HMACAuth{Key: a.cfg.Ledger.APIKey, Secret: a.cfg.Ledger.APISecret}
	}
	client := ledger.NewClient(a.cfg.Ledger.BaseURL, a.cfg.Ledger.WSURL, a.cfg.Ledger.Timeout.Duration, auth)

	b := breaker.New(breaker.Config{
		Name:          "ledger",
		Threshold:     a.cfg.Breaker.Threshold,
		Timeout:       a.cfg.Breaker.Timeout.Duration,
		OnStateChange: a.breakerChanged(deps),
		Logger:        a.logger,
	})
	gw := gateway.NewGuarded(client, b, gateway.Config{
		MaxRetries: a.cfg.Ledger.MaxRetries,
		Backoff: gateway.Backoff{
			Base: a.cfg.Ledger.BackoffBase.Duration,
			Max:  a.cfg.Ledger.BackoffMax.Duration,
		},
	}, a.logger)

	seqCfg := sequence.Config{
		LockTimeout: a.cfg.Orders.LockTimeout.Duration,
		ObserveWait: deps.Metrics.SlotWait,
		Logger:      a.logger,
	}
	if a.cfg.Orders.DistributedGuard && deps.LockManager != nil {
		seqCfg.Guard = deps.LockManager
		seqCfg.GuardTTL = a.cfg.Orders.GuardTTL.Duration
	}
	seq := sequence.NewCoordinator(seqCfg)
	seq.Register(a.cfg.Account.Address)

	eps, err := decimal.NewFromString(a.cfg.Orders.FillEpsilon)
	if err != nil {
		return nil, fmt.Errorf("app: fill_epsilon: %w", err)
	}
	orders := service.NewOrderService(gw, signer, seq, service.OrderServiceConfig{
		KeyID:         a.cfg.Account.KeyID,
		MaxRetries:    a.cfg.Orders.MaxRetries,
		SubmitTimeout: a.cfg.Orders.SubmitTimeout.Duration,
		FillEpsilon:   eps,
		CheckBalance:  a.cfg.Orders.CheckBalance,
		RateLimit:     a.cfg.Orders.RateLimit,
		RateWindow:    a.cfg.Orders.RateWindow.Duration,
		Reconnect: gateway.Backoff{
			Base: a.cfg.Orders.ReconnectBase.Duration,
			Max:  a.cfg.Orders.ReconnectMax.Duration,
		},
	}, a.logger).
		WithMetrics(deps.Metrics).
		WithAlerter(deps.Notifier)
	if deps.OrderStore != nil {
		orders.WithStore(deps.OrderStore)
	}
	if deps.AuditStore != nil {
		orders.WithAudit(deps.AuditStore)
	}
	if deps.SignalBus != nil {
		orders.WithBus(deps.SignalBus)
	}
	if deps.RateLimiter != nil && a.cfg.Orders.RateLimit > 0 {
		orders.WithLimiter(deps.RateLimiter)
	}

	a.logger.InfoContext(ctx, "app: order core ready",
		slog.String("account", a.cfg.Account.Address),
		slog.String("key_id", a.cfg.Account.KeyID),
		slog.Bool("distributed_guard", seqCfg.Guard != nil),
	)
	return &core{ledger: client, gateway: gw, orders: orders}, nil
}

func (a *App) keySource() crypto.KeySource {
	src := crypto.KeySource{
		KeyringPath: a.cfg.Account.KeyringPath,
		Password:    a.cfg.Account.KeyringPassword,
	}
	if a.cfg.Account.PrivateKey != "" {
		src.RawKeys = map[string]string{a.cfg.Account.KeyID: a.cfg.Account.PrivateKey}
	}
	return src
}

// breakerChanged records every transition and alerts when the ledger breaker
// opens or recovers. Alerts are sent off the caller's path.
func (a *App) breakerChanged(deps *Dependencies) func(name string, from, to breaker.State) {
	return func(name string, from, to breaker.State) {
		deps.Metrics.BreakerChanged(name, from, to)

		var event, title string
		switch {
		case to == breaker.StateOpen:
			event, title = notify.EventBreakerOpen, "Circuit breaker open"
		case to == breaker.StateClosed && from != breaker.StateClosed:
			event, title = notify.EventBreakerClosed, "Circuit breaker closed"
		default:
			return
		}
		msg := fmt.Sprintf("breaker %s: %s -> %s", name, from, to)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := deps.Notifier.Notify(ctx, event, title, msg); err != nil {
				a.logger.Warn("app: breaker alert failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func (a *App) buildArb(ctx context.Context, deps *Dependencies, c *core) (*arbStack, error) {
	pairs, err := a.cfg.TradingPairs()
	if err != nil {
		return nil, fmt.Errorf("app: arbitrage pairs: %w", err)
	}
	origins, err := a.cfg.OriginAssets()
	if err != nil {
		return nil, fmt.Errorf("app: arbitrage origins: %w", err)
	}
	amount, err := decimal.NewFromString(a.cfg.Route.TradeAmount)
	if err != nil {
		return nil, fmt.Errorf("app: route trade_amount: %w", err)
	}

	maxAge := a.cfg.Arbitrage.MaxSnapshotAge.Duration
	book := feed.NewLiquidityBook(maxAge)

	st := &arbStack{book: book}
	if a.cfg.Arbitrage.FollowBus && deps.SignalBus != nil {
		a.logger.InfoContext(ctx, "app: liquidity follows the bus")
	} else {
		st.feed = feed.NewLiquidityFeed(c.ledger, pairs, book, deps.SignalBus, gateway.Backoff{
			Base: a.cfg.Orders.ReconnectBase.Duration,
			Max:  a.cfg.Orders.ReconnectMax.Duration,
		}, a.logger)
	}

	builder := arbitrage.NewBuilder(arbitrage.BuilderConfig{
		MinLiquidity: a.cfg.Arbitrage.MinLiquidity,
		MaxAge:       maxAge,
		Fees:         a.cfg.Arbitrage.Fees,
	})
	detector := arbitrage.NewDetector(arbitrage.DetectorConfig{
		MaxHops:   a.cfg.Arbitrage.MaxHops,
		MinMargin: a.cfg.Arbitrage.MinMargin,
		Workers:   a.cfg.Arbitrage.Workers,
		Origins:   origins,
		Logger:    a.logger,
	})

	j := a.cfg.Route.Jitter
	selector := executor.NewRouteSelector(executor.RouteConfig{
		Account:       a.cfg.Account.Address,
		TradeAmount:   amount,
		MinMargin:     a.cfg.Arbitrage.MinMargin,
		MaxPathAssets: a.cfg.Route.MaxPathAssets,
		Jitter: executor.JitterConfig{
			Distribution: j.Distribution,
			Min:          j.Min.Duration,
			Max:          j.Max.Duration,
			Mean:         j.Mean.Duration,
		},
	}, book, c.orders, a.logger)

	st.arb = service.NewArbService(book, builder, detector, selector, service.ArbConfig{
		HistoryLimit: a.cfg.Arbitrage.HistoryLimit,
	}, a.logger).
		WithMetrics(deps.Metrics).
		WithAlerter(deps.Notifier)
	if deps.OpportunityStore != nil {
		st.arb.WithStore(deps.OpportunityStore)
		if _, err := st.arb.Restore(ctx, a.cfg.Arbitrage.HistoryLimit); err != nil {
			a.logger.WarnContext(ctx, "app: opportunity restore failed", slog.String("error", err.Error()))
		}
	}
	if deps.AuditStore != nil {
		st.arb.WithAudit(deps.AuditStore)
	}
	if deps.SignalBus != nil {
		st.arb.WithBus(deps.SignalBus)
	}

	st.executor = executor.NewExecutor(executor.Config{
		ScanInterval: a.cfg.Arbitrage.ScanInterval.Duration,
		AutoExecute:  a.cfg.Arbitrage.AutoExecute,
		DedupTTL:     a.cfg.Arbitrage.DedupTTL.Duration,
	}, st.arb, selector, a.logger)
	return st, nil
}

// pruneHistory drops old terminal orders from memory; the store keeps them.
func (a *App) pruneHistory(ctx context.Context, orders *service.OrderService) error {
	retention := a.cfg.Orders.HistoryRetention.Duration
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := orders.PruneHistory(time.Now().Add(-retention)); n > 0 {
				a.logger.DebugContext(ctx, "app: pruned order history", slog.Int("orders", n))
			}
		}
	}
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, arb *arbStack) {
	health := handler.NewHealthHandler(a.cfg.Mode, a.logger, c.gateway.Breaker())
	if deps.Postgres != nil {
		health.WithCheck("postgres", deps.Postgres.Ping)
	}
	if deps.Redis != nil {
		health.WithCheck("redis", deps.Redis.Ping)
	}
	if deps.S3 != nil {
		health.WithCheck("s3", deps.S3.Health)
	}

	handlers := server.Handlers{
		Health:  health,
		Orders:  handler.NewOrderHandler(c.orders, a.cfg.Account.Address, a.logger),
		Metrics: promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}
	if arb != nil {
		handlers.Arb = handler.NewArbHandler(arb.arb, a.logger)
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, nil, a.logger)
		g.Go(func() error { return hub.Run(ctx) })
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
