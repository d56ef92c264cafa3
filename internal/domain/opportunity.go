package domain

import (
	"strings"
	"time"
)

// LiquiditySnapshot is one market-data observation for a directed pair:
// selling one unit of Selling yields Rate units of Buying, and up to
// Liquidity units of Selling can be sold at that rate.
type LiquiditySnapshot struct {
	Selling    Asset     `json:"selling"`
	Buying     Asset     `json:"buying"`
	Rate       float64   `json:"rate"`
	Liquidity  float64   `json:"liquidity"`
	ObservedAt time.Time `json:"observed_at"`
}

// PairKey identifies the directed pair of a snapshot.
func (s LiquiditySnapshot) PairKey() string {
	return s.Selling.String() + ">" + s.Buying.String()
}

// Hop is one directed edge of a trading cycle.
type Hop struct {
	From      Asset   `json:"from"`
	To        Asset   `json:"to"`
	Rate      float64 `json:"rate"`
	Liquidity float64 `json:"liquidity"`
	HopCost   float64 `json:"hop_cost"`
}

// TradingCycle is an ordered list of hops returning to Origin.
type TradingCycle struct {
	Origin Asset `json:"origin"`
	Hops   []Hop `json:"hops"`
}

// Key renders the cycle as "A>B>C>A".
func (c TradingCycle) Key() string {
	parts := make([]string, 0, len(c.Hops)+1)
	parts = append(parts, c.Origin.String())
	for _, h := range c.Hops {
		parts = append(parts, h.To.String())
	}
	return strings.Join(parts, ">")
}

// Closed reports whether the hops are contiguous and end at Origin.
func (c TradingCycle) Closed() bool {
	if len(c.Hops) < 2 {
		return false
	}
	cur := c.Origin
	for _, h := range c.Hops {
		if !h.From.Equal(cur) {
			return false
		}
		cur = h.To
	}
	return cur.Equal(c.Origin)
}

// OpportunityStatus tracks an arbitrage opportunity.
type OpportunityStatus string

const (
	OpportunityPending   OpportunityStatus = "pending"
	OpportunityExecuting OpportunityStatus = "executing"
	OpportunityExecuted  OpportunityStatus = "executed"
	OpportunityDiscarded OpportunityStatus = "discarded"
)

// ArbitrageOpportunity is a profitable cycle found by a scan.
type ArbitrageOpportunity struct {
	ID            string            `json:"id"`
	Cycle         TradingCycle      `json:"cycle"`
	GrossRatio    float64           `json:"gross_ratio"`
	ProfitRatio   float64           `json:"profit_ratio"`
	RiskScore     float64           `json:"risk_score"`
	MaxAmount     float64           `json:"max_amount"`
	Status        OpportunityStatus `json:"status"`
	DiscardReason string            `json:"discard_reason,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	DiscoveredAt  time.Time         `json:"discovered_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Executable reports whether the opportunity may move to Executing.
func (o ArbitrageOpportunity) Executable(minMargin float64) bool {
	return o.Status == OpportunityPending && o.ProfitRatio > 1+minMargin
}
