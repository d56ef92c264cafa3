package arbitrage

import "github.com/alanyoungcy/sdexbot/internal/domain"

// FeeModel prices one hop as a fraction of the traded amount. The network
// charges a flat fee per operation rather than per amount, so PerHop is an
// operator estimate of that fee plus expected slippage; issued assets carry
// an extra surcharge for spread and trustline risk.
type FeeModel struct {
	PerHop               float64 `toml:"per_hop"`
	IssuedAssetSurcharge float64 `toml:"issued_asset_surcharge"`
}

// HopCost returns the cost fraction of trading from -> to, capped below 1.
func (m FeeModel) HopCost(from, to domain.Asset) float64 {
	cost := m.PerHop
	if issued(from) || issued(to) {
		cost += m.IssuedAssetSurcharge
	}
	switch {
	case cost < 0:
		return 0
	case cost >= 1:
		return 0.999999
	default:
		return cost
	}
}

func issued(a domain.Asset) bool {
	switch a.Kind() {
	case domain.AssetNative:
		return false
	case domain.AssetIssued:
		return true
	default:
		return false
	}
}

// CycleCost returns the compounded cost fraction of a cycle's hops.
func (m FeeModel) CycleCost(c domain.TradingCycle) float64 {
	keep := 1.0
	for _, h := range c.Hops {
		keep *= 1 - m.HopCost(h.From, h.To)
	}
	return 1 - keep
}
