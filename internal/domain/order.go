package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind separates resting offers from atomic arbitrage routes.
type OrderKind string

const (
	OrderKindLimit OrderKind = "limit"
	OrderKindRoute OrderKind = "route"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
)

// orderTransitions is the lifecycle state machine. Terminal states have no
// outgoing edges.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusSubmitted, OrderStatusFailed},
	OrderStatusSubmitted:       {OrderStatusOpen, OrderStatusFailed},
	OrderStatusOpen:            {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusOpen, OrderStatusFilled, OrderStatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a resting offer exists that a cancel can remove.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

// OrderRequest is what a caller supplies to place an order.
type OrderRequest struct {
	Account string          `json:"account"`
	Pair    TradingPair     `json:"pair"`
	Side    OrderSide       `json:"side"`
	Amount  decimal.Decimal `json:"amount"`
	Price   decimal.Decimal `json:"price"`
}

// Validate checks the request shape before any resource is taken.
func (r OrderRequest) Validate() error {
	if r.Account == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidOrder)
	}
	if err := r.Pair.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if r.Side != OrderSideBuy && r.Side != OrderSideSell {
		return fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidOrder, r.Side)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if !r.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	return nil
}

// Fill is one execution against an order.
type Fill struct {
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Order is a tracked order. Only the order service mutates it; callers
// receive copies.
type Order struct {
	ID            string          `json:"id"`
	Kind          OrderKind       `json:"kind"`
	Account       string          `json:"account"`
	Pair          TradingPair     `json:"pair"`
	Side          OrderSide       `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	Status        OrderStatus     `json:"status"`
	ExternalID    string          `json:"external_id,omitempty"`
	LedgerID      string          `json:"ledger_id,omitempty"`
	Sequence      int64           `json:"sequence"`
	FilledAmount  decimal.Decimal `json:"filled_amount"`
	Fills         []Fill          `json:"fills"`
	RetryCount    int             `json:"retry_count"`
	FailureReason string          `json:"failure_reason,omitempty"`
	OpportunityID string          `json:"opportunity_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Remaining is the unfilled amount.
func (o Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// AverageFillPrice is the size-weighted mean of all fill prices, zero when
// nothing has filled.
func (o Order) AverageFillPrice() decimal.Decimal {
	if !o.FilledAmount.IsPositive() {
		return decimal.Zero
	}
	notional := decimal.Zero
	for _, f := range o.Fills {
		notional = notional.Add(f.Amount.Mul(f.Price))
	}
	return notional.Div(o.FilledAmount)
}

// Clone returns a deep copy safe to hand to callers.
func (o Order) Clone() Order {
	out := o
	if o.Fills != nil {
		out.Fills = make([]Fill, len(o.Fills))
		copy(out.Fills, o.Fills)
	}
	return out
}

// OfferOperation builds the ledger operation that places this order as a
// resting offer. A zero amount with the external id set deletes the offer.
func (o Order) OfferOperation(amount decimal.Decimal) Operation {
	op := Operation{
		OfferID: o.ExternalID,
		Amount:  amount,
		Price:   o.Price,
	}
	switch o.Side {
	case OrderSideBuy:
		op.Type = OpManageBuyOffer
		op.Selling = o.Pair.Counter
		op.Buying = o.Pair.Base
	default:
		op.Type = OpManageSellOffer
		op.Selling = o.Pair.Base
		op.Buying = o.Pair.Counter
	}
	return op
}

// OrderEvent is published on the "orders" channel for every state change.
type OrderEvent struct {
	Event         string      `json:"event"`
	OrderID       string      `json:"order_id"`
	Account       string      `json:"account"`
	Status        OrderStatus `json:"status"`
	ExternalID    string      `json:"external_id,omitempty"`
	FilledAmount  string      `json:"filled_amount"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}
