// Package arbitrage builds the asset graph from liquidity snapshots and
// searches it for profitable trading cycles.
package arbitrage

import (
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// Edge is a directed trade From -> To. Weight is -ln(rate * (1 - hopCost)),
// so a cycle whose weights sum below zero returns more than it started with.
type Edge struct {
	From      int
	To        int
	Rate      float64
	Liquidity float64
	HopCost   float64
	Weight    float64
}

// Graph is an immutable snapshot of the tradable assets. Nodes are sorted by
// their string form, so node indices are deterministic for a given input.
type Graph struct {
	Nodes   []domain.Asset
	Out     [][]Edge // Out[i] holds edges leaving node i, sorted by To
	BuiltAt time.Time

	index map[string]int
}

// Index returns the node index of asset.
func (g *Graph) Index(asset domain.Asset) (int, bool) {
	i, ok := g.index[asset.String()]
	return i, ok
}

// Edge returns the edge from -> to.
func (g *Graph) Edge(from, to int) (Edge, bool) {
	if from < 0 || from >= len(g.Out) {
		return Edge{}, false
	}
	out := g.Out[from]
	i := sort.Search(len(out), func(i int) bool { return out[i].To >= to })
	if i < len(out) && out[i].To == to {
		return out[i], true
	}
	return Edge{}, false
}

// NumEdges counts all directed edges.
func (g *Graph) NumEdges() int {
	n := 0
	for _, out := range g.Out {
		n += len(out)
	}
	return n
}

// Hop converts an edge to the domain representation.
func (g *Graph) Hop(e Edge) domain.Hop {
	return domain.Hop{
		From:      g.Nodes[e.From],
		To:        g.Nodes[e.To],
		Rate:      e.Rate,
		Liquidity: e.Liquidity,
		HopCost:   e.HopCost,
	}
}

// BuilderConfig configures graph construction.
type BuilderConfig struct {
	// MinLiquidity drops assets whose total offered liquidity is below the
	// threshold, and edges thinner than it, before any edge is built.
	MinLiquidity float64
	// MaxAge ignores snapshots older than this. Zero keeps everything.
	MaxAge time.Duration
	Fees   FeeModel
}

// Builder turns liquidity snapshots into a Graph.
type Builder struct {
	cfg BuilderConfig
	now func() time.Time
}

// NewBuilder creates a Builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	return &Builder{cfg: cfg, now: time.Now}
}

// Build constructs the graph in one pass over the snapshots to rank assets,
// a sort of the surviving assets, and one pass to emit edges among them.
func (b *Builder) Build(snaps []domain.LiquiditySnapshot) *Graph {
	now := b.now()

	// Latest usable observation per directed pair.
	latest := make(map[string]domain.LiquiditySnapshot, len(snaps))
	for _, s := range snaps {
		if !usable(s) {
			continue
		}
		if b.cfg.MaxAge > 0 && now.Sub(s.ObservedAt) > b.cfg.MaxAge {
			continue
		}
		key := s.PairKey()
		if prev, ok := latest[key]; ok && !s.ObservedAt.After(prev.ObservedAt) {
			continue
		}
		latest[key] = s
	}

	// Node pre-filter: an asset needs enough outgoing liquidity and at least
	// one incoming pair to be part of any cycle.
	offered := make(map[string]float64)
	incoming := make(map[string]bool)
	assets := make(map[string]domain.Asset)
	for _, s := range latest {
		from, to := s.Selling.String(), s.Buying.String()
		offered[from] += s.Liquidity
		incoming[to] = true
		assets[from] = s.Selling
		assets[to] = s.Buying
	}
	keys := make([]string, 0, len(assets))
	for k := range assets {
		if offered[k] >= b.cfg.MinLiquidity && incoming[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	g := &Graph{
		Nodes:   make([]domain.Asset, len(keys)),
		Out:     make([][]Edge, len(keys)),
		BuiltAt: now,
		index:   make(map[string]int, len(keys)),
	}
	for i, k := range keys {
		g.Nodes[i] = assets[k]
		g.index[k] = i
	}

	for _, s := range latest {
		from, okFrom := g.index[s.Selling.String()]
		to, okTo := g.index[s.Buying.String()]
		if !okFrom || !okTo || s.Liquidity < b.cfg.MinLiquidity {
			continue
		}
		cost := b.cfg.Fees.HopCost(s.Selling, s.Buying)
		eff := s.Rate * (1 - cost)
		if eff <= 0 {
			continue
		}
		g.Out[from] = append(g.Out[from], Edge{
			From:      from,
			To:        to,
			Rate:      s.Rate,
			Liquidity: s.Liquidity,
			HopCost:   cost,
			Weight:    -math.Log(eff),
		})
	}
	for i := range g.Out {
		out := g.Out[i]
		sort.Slice(out, func(a, b int) bool { return out[a].To < out[b].To })
	}
	return g
}

func usable(s domain.LiquiditySnapshot) bool {
	if s.Selling.Equal(s.Buying) {
		return false
	}
	if math.IsNaN(s.Rate) || math.IsInf(s.Rate, 0) || s.Rate <= 0 {
		return false
	}
	return !math.IsNaN(s.Liquidity) && s.Liquidity > 0
}
