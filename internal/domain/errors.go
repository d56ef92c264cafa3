package domain

import (
	"errors"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrRateLimited    = errors.New("rate limited")
	ErrInvalidOrder   = errors.New("invalid order parameters")
	ErrSigningFailed  = errors.New("signing failed")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrLockHeld       = errors.New("lock already held")
	ErrUnknownAccount = errors.New("account not registered with sequence coordinator")
	ErrNotExecutable  = errors.New("opportunity is not executable")
)

// Kind classifies ledger and trading failures. Retry decisions are made from
// the kind alone, never from message text.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSequenceCollision
	KindNetworkTimeout
	KindInsufficientBalanceOrReserve
	KindCircuitOpen
	KindTimeout
	KindInvalidPath
	KindStaleOpportunity
	KindAtomicityViolationRisk
	KindOrderNotCancellable
	KindGatewayRejected
)

var kindNames = [...]string{
	KindUnknown:                      "unknown",
	KindSequenceCollision:            "sequence_collision",
	KindNetworkTimeout:               "network_timeout",
	KindInsufficientBalanceOrReserve: "insufficient_balance_or_reserve",
	KindCircuitOpen:                  "circuit_open",
	KindTimeout:                      "timeout",
	KindInvalidPath:                  "invalid_path",
	KindStaleOpportunity:             "stale_opportunity",
	KindAtomicityViolationRisk:       "atomicity_violation_risk",
	KindOrderNotCancellable:          "order_not_cancellable",
	KindGatewayRejected:              "gateway_rejected",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Retryable reports whether an operation failing with this kind may be
// attempted again by the component that owns the retry budget.
func (k Kind) Retryable() bool {
	switch k {
	case KindSequenceCollision, KindNetworkTimeout:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Op names the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of Op or the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrSequenceCollision            = &Error{Kind: KindSequenceCollision}
	ErrNetworkTimeout               = &Error{Kind: KindNetworkTimeout}
	ErrInsufficientBalanceOrReserve = &Error{Kind: KindInsufficientBalanceOrReserve}
	ErrCircuitOpen                  = &Error{Kind: KindCircuitOpen}
	ErrTimeout                      = &Error{Kind: KindTimeout}
	ErrInvalidPath                  = &Error{Kind: KindInvalidPath}
	ErrStaleOpportunity             = &Error{Kind: KindStaleOpportunity}
	ErrAtomicityViolationRisk       = &Error{Kind: KindAtomicityViolationRisk}
	ErrOrderNotCancellable          = &Error{Kind: KindOrderNotCancellable}
	ErrGatewayRejected              = &Error{Kind: KindGatewayRejected}
)

// KindOf extracts the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err carries a retryable kind.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
