// Package sequence serialises submissions per ledger account. An account's
// sequence number is a single-writer resource: whoever holds the account's
// slot is the only caller allowed to read, use, and advance it.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

const guardPollInterval = 25 * time.Millisecond

// Config holds coordinator settings.
type Config struct {
	// LockTimeout bounds how long Acquire waits for a slot. Zero means the
	// caller's context alone bounds the wait.
	LockTimeout time.Duration

	// Guard, when set, is a cross-process lock taken after the local slot
	// so that two bot instances never share an account's sequence.
	Guard    domain.LockManager
	GuardTTL time.Duration

	// ObserveWait receives the time each successful Acquire spent waiting.
	ObserveWait func(address string, wait time.Duration)

	Logger *slog.Logger
}

// Holding describes the current holder of an account's slot.
type Holding struct {
	Address          string    `json:"address"`
	HolderOrderID    string    `json:"holder_order_id"`
	ReservedSequence int64     `json:"reserved_sequence"`
	AcquiredAt       time.Time `json:"acquired_at"`
}

type accountLock struct {
	sem chan struct{} // capacity 1; a token in the channel means "held"

	mu     sync.Mutex
	holder *Holding
}

// Coordinator owns one lock per registered account. Locks are allocated by
// Register and never created on demand.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	accounts map[string]*accountLock
}

// NewCoordinator creates a coordinator with no registered accounts.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = 30 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "sequence")),
		accounts: make(map[string]*accountLock),
	}
}

// Register allocates the lock for address. Registering twice is a no-op.
func (c *Coordinator) Register(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.accounts[address]; ok {
		return
	}
	c.accounts[address] = &accountLock{sem: make(chan struct{}, 1)}
}

// Accounts returns the registered addresses, sorted.
func (c *Coordinator) Accounts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.accounts))
	for a := range c.accounts {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) lookup(address string) (*accountLock, error) {
	c.mu.RLock()
	lock, ok := c.accounts[address]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sequence: %s: %w", address, domain.ErrUnknownAccount)
	}
	return lock, nil
}

// Acquire blocks until the caller holds address's slot, the lock timeout
// elapses, or ctx ends. Waiters are served in arrival order. The returned
// slot must be released exactly once; extra Release calls are ignored.
func (c *Coordinator) Acquire(ctx context.Context, address, orderID string) (*Slot, error) {
	lock, err := c.lookup(address)
	if err != nil {
		return nil, err
	}

	waitCtx := ctx
	if c.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.LockTimeout)
		defer cancel()
	}

	start := time.Now()
	select {
	case lock.sem <- struct{}{}:
	case <-waitCtx.Done():
		return nil, c.waitErr(ctx, waitCtx, address)
	}

	unlockGuard, err := c.acquireGuard(ctx, waitCtx, address)
	if err != nil {
		<-lock.sem
		return nil, err
	}

	now := time.Now()
	wait := now.Sub(start)
	lock.mu.Lock()
	lock.holder = &Holding{
		Address:       address,
		HolderOrderID: orderID,
		AcquiredAt:    now,
	}
	lock.mu.Unlock()

	if c.cfg.ObserveWait != nil {
		c.cfg.ObserveWait(address, wait)
	}
	c.logger.Debug("sequence: slot acquired",
		slog.String("account", address),
		slog.String("order_id", orderID),
		slog.Duration("wait", wait),
	)

	return &Slot{
		address:     address,
		orderID:     orderID,
		acquiredAt:  now,
		lock:        lock,
		unlockGuard: unlockGuard,
		logger:      c.logger,
	}, nil
}

// acquireGuard polls the distributed lock until it is free or the wait
// deadline passes.
func (c *Coordinator) acquireGuard(ctx, waitCtx context.Context, address string) (func(), error) {
	if c.cfg.Guard == nil {
		return func() {}, nil
	}
	key := "seq:" + address
	ticker := time.NewTicker(guardPollInterval)
	defer ticker.Stop()
	for {
		unlock, err := c.cfg.Guard.Acquire(waitCtx, key, c.cfg.GuardTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			if waitCtx.Err() != nil {
				return nil, c.waitErr(ctx, waitCtx, address)
			}
			return nil, fmt.Errorf("sequence: guard %s: %w", key, err)
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return nil, c.waitErr(ctx, waitCtx, address)
		}
	}
}

// waitErr reports a lock-timeout expiry as Timeout and passes through the
// caller's own cancellation.
func (c *Coordinator) waitErr(ctx, waitCtx context.Context, address string) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("sequence: acquire %s: %w", address, ctx.Err())
	}
	c.logger.Warn("sequence: lock wait timed out",
		slog.String("account", address),
		slog.Duration("lock_timeout", c.cfg.LockTimeout),
	)
	return domain.E(domain.KindTimeout, "sequence: acquire "+address, waitCtx.Err())
}

// Holder returns the current holder of address's slot, if any.
func (c *Coordinator) Holder(address string) (Holding, bool) {
	lock, err := c.lookup(address)
	if err != nil {
		return Holding{}, false
	}
	lock.mu.Lock()
	defer lock.mu.Unlock()
	if lock.holder == nil {
		return Holding{}, false
	}
	return *lock.holder, true
}

// Slot is exclusive ownership of one account's sequence counter.
type Slot struct {
	address     string
	orderID     string
	acquiredAt  time.Time
	lock        *accountLock
	unlockGuard func()
	logger      *slog.Logger

	once sync.Once
}

// Address returns the account the slot belongs to.
func (s *Slot) Address() string { return s.address }

// Reserve records the sequence number the holder is about to submit with.
func (s *Slot) Reserve(seq int64) {
	s.lock.mu.Lock()
	if s.lock.holder != nil {
		s.lock.holder.ReservedSequence = seq
	}
	s.lock.mu.Unlock()
}

// Release gives the slot to the next waiter.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.unlockGuard()
		s.lock.mu.Lock()
		s.lock.holder = nil
		s.lock.mu.Unlock()
		<-s.lock.sem
		s.logger.Debug("sequence: slot released",
			slog.String("account", s.address),
			slog.String("order_id", s.orderID),
			slog.Duration("held", time.Since(s.acquiredAt)),
		)
	})
}
