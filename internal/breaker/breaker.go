// Package breaker implements the circuit breaker that fronts every ledger
// gateway call.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected without reaching the gateway
	StateHalfOpen              // one trial call in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of the breaker state.
type Snapshot struct {
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Config holds configuration for creating a circuit breaker.
type Config struct {
	Name      string
	Threshold int           // consecutive failures before opening
	Timeout   time.Duration // time spent open before the trial call

	// IsFailure decides whether an error counts against the breaker. Nil
	// uses CountsAsFailure.
	IsFailure func(error) bool
	// OnStateChange is called outside the lock after each transition.
	OnStateChange func(name string, from, to State)
	Logger        *slog.Logger
	Now           func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		Threshold: 5,
		Timeout:   30 * time.Second,
	}
}

// Breaker is a Closed/Open/HalfOpen state machine. All transitions happen in
// this file under mu.
type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration
	isFailure func(error) bool
	onChange  func(name string, from, to State)
	logger    *slog.Logger
	now       func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// New creates a circuit breaker in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = CountsAsFailure
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		timeout:   cfg.Timeout,
		isFailure: cfg.IsFailure,
		onChange:  cfg.OnStateChange,
		logger:    cfg.Logger.With(slog.String("component", "breaker"), slog.String("breaker", cfg.Name)),
		now:       cfg.Now,
	}
}

// CountsAsFailure treats every error as a gateway failure except those
// proving the gateway answered (business rejections) and caller cancellation.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch domain.KindOf(err) {
	case domain.KindSequenceCollision,
		domain.KindInsufficientBalanceOrReserve,
		domain.KindStaleOpportunity,
		domain.KindGatewayRejected:
		return false
	default:
		return true
	}
}

// Execute runs fn if the breaker admits the call. A rejected call returns an
// error matching domain.ErrCircuitOpen and fn is not invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	b.record(trial, callErr)
	return callErr
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	var from, to State
	changed := false

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			b.mu.Unlock()
			return false, domain.E(domain.KindCircuitOpen, "breaker "+b.name, nil)
		}
		from, to, changed = b.state, StateHalfOpen, true
		b.state = StateHalfOpen
		b.trialInFlight = true
		trial = true

	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return false, domain.E(domain.KindCircuitOpen, "breaker "+b.name, fmt.Errorf("trial call in flight"))
		}
		b.trialInFlight = true
		trial = true
	}
	b.mu.Unlock()

	if changed {
		b.transitioned(from, to)
	}
	return trial, nil
}

func (b *Breaker) record(trial bool, callErr error) {
	failed := b.isFailure(callErr)

	b.mu.Lock()
	from := b.state
	if trial {
		b.trialInFlight = false
	}
	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}

	case StateHalfOpen:
		if !trial {
			break
		}
		if errors.Is(callErr, context.Canceled) {
			// Inconclusive; the next caller runs a fresh trial.
			break
		}
		if failed {
			b.failures++
			b.state = StateOpen
			b.openedAt = b.now()
		} else {
			b.failures = 0
			b.state = StateClosed
		}

	case StateOpen:
		// A call admitted before the breaker opened finished late.
		if failed {
			b.failures++
		}
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		if to == StateOpen {
			b.logger.Warn("breaker: opened",
				slog.Int("consecutive_failures", failures),
				slog.Duration("timeout", b.timeout),
			)
		}
		b.transitioned(from, to)
	}
}

func (b *Breaker) transitioned(from, to State) {
	b.logger.Info("breaker: state change",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Snapshot returns the current state for monitoring. It does not advance
// Open to HalfOpen; only an admitted call does that.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		StateName:           b.state.String(),
		OpenedAt:            b.openedAt,
		ConsecutiveFailures: b.failures,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Reset forces the breaker closed (admin use).
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.trialInFlight = false
	b.openedAt = time.Time{}
	b.mu.Unlock()
	if from != StateClosed {
		b.transitioned(from, StateClosed)
	}
}
