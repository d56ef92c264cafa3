package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/domain"
	"github.com/alanyoungcy/sdexbot/internal/gateway"
)

// LiquiditySource streams top-of-book snapshots. The channel closes on
// disconnect; the feed reconnects.
type LiquiditySource interface {
	StreamLiquidity(ctx context.Context, pairs []domain.TradingPair) (<-chan domain.LiquiditySnapshot, error)
}

// LiquidityFeed keeps a LiquidityBook current from a LiquiditySource and
// optionally republishes every snapshot on the bus so other processes can
// follow along with RunFromBus.
type LiquidityFeed struct {
	source  LiquiditySource
	pairs   []domain.TradingPair
	book    *LiquidityBook
	bus     domain.SignalBus
	backoff gateway.Backoff
	logger  *slog.Logger
}

// NewLiquidityFeed creates a feed for pairs. bus may be nil.
func NewLiquidityFeed(source LiquiditySource, pairs []domain.TradingPair, book *LiquidityBook, bus domain.SignalBus, backoff gateway.Backoff, logger *slog.Logger) *LiquidityFeed {
	if backoff.Base <= 0 {
		backoff = gateway.Backoff{Base: time.Second, Max: 30 * time.Second}
	}
	return &LiquidityFeed{
		source:  source,
		pairs:   pairs,
		book:    book,
		bus:     bus,
		backoff: backoff,
		logger:  logger.With(slog.String("component", "liquidity_feed")),
	}
}

// Run subscribes and applies snapshots until ctx ends, reconnecting with
// backoff whenever the stream drops.
func (f *LiquidityFeed) Run(ctx context.Context) error {
	if len(f.pairs) == 0 {
		f.logger.Info("feed: no pairs configured, exiting")
		return nil
	}
	f.logger.Info("feed: liquidity feed started", slog.Int("pairs", len(f.pairs)))
	defer f.logger.Info("feed: liquidity feed stopped")

	attempt := 0
	for {
		received, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received > 0 {
			attempt = 0
		}
		delay := f.backoff.Delay(attempt)
		attempt++
		f.logger.Warn("feed: liquidity stream disconnected, reconnecting",
			slog.Int("received", received),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (f *LiquidityFeed) runConnection(ctx context.Context) (int, error) {
	ch, err := f.source.StreamLiquidity(ctx, f.pairs)
	if err != nil {
		return 0, err
	}
	received := 0
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				return received, domain.ErrWSDisconnect
			}
			received++
			if f.book.Update(snap) {
				f.publish(ctx, snap)
			}
		}
	}
}

func (f *LiquidityFeed) publish(ctx context.Context, snap domain.LiquiditySnapshot) {
	if f.bus == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := f.bus.Publish(ctx, domain.ChannelLiquidity, payload); err != nil {
		f.logger.Debug("feed: publish liquidity failed", slog.String("error", err.Error()))
	}
}

// RunFromBus follows snapshots republished on the bus by another process's
// feed and applies them to book.
func RunFromBus(ctx context.Context, bus domain.SignalBus, book *LiquidityBook, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "liquidity_bus_follower"))
	ch, err := bus.Subscribe(ctx, domain.ChannelLiquidity)
	if err != nil {
		return err
	}
	logger.Info("feed: following liquidity on bus")
	defer logger.Info("feed: bus follower stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var snap domain.LiquiditySnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				logger.Debug("feed: bad liquidity payload",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
				continue
			}
			book.Update(snap)
		}
	}
}
