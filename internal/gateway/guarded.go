// Package gateway decorates a ledger gateway with the circuit breaker and
// bounded network-timeout retries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/breaker"
	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// Config holds retry settings for the guarded gateway.
type Config struct {
	MaxRetries int // extra attempts after a NetworkTimeout
	Backoff    Backoff
}

// Guarded implements domain.LedgerGateway. Every call passes through the
// breaker; calls failing with NetworkTimeout are retried with backoff.
type Guarded struct {
	next    domain.LedgerGateway
	breaker *breaker.Breaker
	cfg     Config
	logger  *slog.Logger
}

// NewGuarded wraps next.
func NewGuarded(next domain.LedgerGateway, b *breaker.Breaker, cfg Config, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{
		next:    next,
		breaker: b,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "gateway")),
	}
}

// Breaker returns the breaker guarding this gateway.
func (g *Guarded) Breaker() *breaker.Breaker { return g.breaker }

func (g *Guarded) GetAccount(ctx context.Context, address string) (domain.Account, error) {
	var acct domain.Account
	err := g.do(ctx, "get_account", func(ctx context.Context) error {
		var err error
		acct, err = g.next.GetAccount(ctx, address)
		return err
	})
	return acct, err
}

// SubmitTransaction is retried on NetworkTimeout with the same signed
// envelope. A timed-out attempt may still have been applied, in which case
// the replay collides on its own sequence; the envelope is then looked up
// by hash so the caller gets the original acknowledgment instead of a
// collision it would answer by signing a second transaction.
func (g *Guarded) SubmitTransaction(ctx context.Context, tx domain.SignedTransaction) (domain.SubmitResult, error) {
	var (
		res      domain.SubmitResult
		timedOut bool
	)
	err := g.do(ctx, "submit_transaction", func(ctx context.Context) error {
		var err error
		res, err = g.next.SubmitTransaction(ctx, tx)
		if domain.KindOf(err) == domain.KindNetworkTimeout {
			timedOut = true
		}
		return err
	})
	if !timedOut || !errors.Is(err, domain.ErrSequenceCollision) {
		return res, err
	}

	applied, lookupErr := g.GetTransaction(ctx, tx.Hash)
	switch {
	case lookupErr == nil:
		g.logger.Info("gateway: timed-out submission was applied",
			slog.String("hash", tx.Hash),
			slog.Int64("sequence", tx.Tx.Sequence),
			slog.String("ledger_id", applied.LedgerID),
		)
		return applied, nil
	case errors.Is(lookupErr, domain.ErrNotFound):
		return res, err
	default:
		// Unknown outcome: resubmitting could apply the operations twice.
		return domain.SubmitResult{}, fmt.Errorf("gateway: confirm %s after timeout: %w", tx.Hash, lookupErr)
	}
}

func (g *Guarded) GetTransaction(ctx context.Context, hash string) (domain.SubmitResult, error) {
	var res domain.SubmitResult
	err := g.do(ctx, "get_transaction", func(ctx context.Context) error {
		var err error
		res, err = g.next.GetTransaction(ctx, hash)
		return err
	})
	return res, err
}

// StreamFills opens the stream through the breaker. The stream itself is
// long-lived and not retried here.
func (g *Guarded) StreamFills(ctx context.Context, address string) (<-chan domain.FillEvent, error) {
	var ch <-chan domain.FillEvent
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		ch, err = g.next.StreamFills(ctx, address)
		return err
	})
	return ch, err
}

func (g *Guarded) do(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = g.breaker.Execute(ctx, fn)
		if err == nil || domain.KindOf(err) != domain.KindNetworkTimeout || attempt >= g.cfg.MaxRetries {
			return err
		}
		delay := g.cfg.Backoff.Delay(attempt)
		g.logger.Warn("gateway: network timeout, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
