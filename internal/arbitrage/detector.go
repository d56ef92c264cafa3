package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// DetectorConfig configures the cycle search.
type DetectorConfig struct {
	MaxHops   int     // cycle length cap, at least 2
	MinMargin float64 // a cycle must return more than 1 + MinMargin
	Workers   int     // origins searched in parallel
	// Origins restricts the assets a cycle may start from (the assets the
	// account can actually spend). Empty means every node.
	Origins []domain.Asset
	Logger  *slog.Logger
}

// Detector finds profitable cycles. It reads only the graph it is given and
// keeps no state between scans, so concurrent Detect calls are safe.
type Detector struct {
	cfg    DetectorConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.MaxHops < 2 {
		cfg.MaxHops = 2
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Detector{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "arb_detector")),
		now:    time.Now,
	}
}

// MinMargin returns the configured margin.
func (d *Detector) MinMargin() float64 { return d.cfg.MinMargin }

// found is a cycle that cleared the margin, still in node-index form.
type found struct {
	nodes  []int // origin first, origin not repeated at the end
	weight float64
}

// Detect searches every origin for cycles of at most MaxHops edges whose
// profit ratio exceeds 1 + MinMargin, and returns them best first. Cycles
// below the margin are dropped before any opportunity is built.
func (d *Detector) Detect(ctx context.Context, g *Graph) ([]domain.ArbitrageOpportunity, error) {
	origins := d.origins(g)
	if len(origins) == 0 {
		return nil, nil
	}
	threshold := -math.Log1p(d.cfg.MinMargin)

	results := make([][]found, len(origins))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(d.cfg.Workers)
	for i, origin := range origins {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			results[i] = d.searchOrigin(g, origin, threshold)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("arb_detector: detect: %w", err)
	}

	seen := make(map[string]bool)
	now := d.now().UTC()
	var opps []domain.ArbitrageOpportunity
	for _, res := range results {
		for _, f := range res {
			key := canonicalKey(f.nodes)
			if seen[key] {
				continue
			}
			seen[key] = true
			opps = append(opps, d.materialize(g, f, now))
		}
	}
	sort.SliceStable(opps, func(i, j int) bool { return opps[i].ProfitRatio > opps[j].ProfitRatio })
	return opps, nil
}

func (d *Detector) origins(g *Graph) []int {
	if len(d.cfg.Origins) == 0 {
		out := make([]int, len(g.Nodes))
		for i := range out {
			out[i] = i
		}
		return out
	}
	var out []int
	for _, a := range d.cfg.Origins {
		if i, ok := g.Index(a); ok {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// searchOrigin runs a layered relaxation from s. dist[k][v] is the lightest
// simple walk of exactly k edges from s to v and pred[k][v] its previous
// node; each layer closes back to s to test for a profitable cycle.
func (d *Detector) searchOrigin(g *Graph, s int, threshold float64) []found {
	n := len(g.Nodes)
	maxLen := d.cfg.MaxHops - 1 // edges before the closing edge

	inf := math.Inf(1)
	dist := make([][]float64, maxLen+1)
	pred := make([][]int, maxLen+1)
	for k := range dist {
		dist[k] = make([]float64, n)
		pred[k] = make([]int, n)
		for v := range dist[k] {
			dist[k][v] = inf
			pred[k][v] = -1
		}
	}
	dist[0][s] = 0

	var out []found
	for k := 1; k <= maxLen; k++ {
		for u := 0; u < n; u++ {
			du := dist[k-1][u]
			if math.IsInf(du, 1) {
				continue
			}
			for _, e := range g.Out[u] {
				v := e.To
				if v == s || onPath(pred, k-1, u, v) {
					continue
				}
				if w := du + e.Weight; w < dist[k][v] {
					dist[k][v] = w
					pred[k][v] = u
				}
			}
		}

		for u := 0; u < n; u++ {
			du := dist[k][u]
			if math.IsInf(du, 1) {
				continue
			}
			back, ok := g.Edge(u, s)
			if !ok {
				continue
			}
			total := du + back.Weight
			if total >= threshold {
				continue
			}
			out = append(out, found{nodes: walk(pred, k, u, s), weight: total})
		}
	}
	return out
}

// onPath reports whether v appears on the walk ending at u in layer k.
func onPath(pred [][]int, k, u, v int) bool {
	cur := u
	for j := k; j > 0; j-- {
		if cur == v {
			return true
		}
		cur = pred[j][cur]
	}
	return cur == v
}

// walk rebuilds the node list s, ..., u from the predecessor layers.
func walk(pred [][]int, k, u, s int) []int {
	nodes := make([]int, k+1)
	cur := u
	for j := k; j > 0; j-- {
		nodes[j] = cur
		cur = pred[j][cur]
	}
	nodes[0] = s
	return nodes
}

// canonicalKey identifies a cycle independent of its starting node.
func canonicalKey(nodes []int) string {
	start := 0
	for i, v := range nodes {
		if v < nodes[start] {
			start = i
		}
	}
	var b strings.Builder
	for i := range nodes {
		if i > 0 {
			b.WriteByte('>')
		}
		b.WriteString(strconv.Itoa(nodes[(start+i)%len(nodes)]))
	}
	return b.String()
}

func (d *Detector) materialize(g *Graph, f found, now time.Time) domain.ArbitrageOpportunity {
	cycle := domain.TradingCycle{Origin: g.Nodes[f.nodes[0]]}
	for i, from := range f.nodes {
		to := f.nodes[(i+1)%len(f.nodes)]
		e, _ := g.Edge(from, to)
		cycle.Hops = append(cycle.Hops, g.Hop(e))
	}
	gross, _ := Evaluate(cycle)
	profit := math.Exp(-f.weight)
	return domain.ArbitrageOpportunity{
		ID:           uuid.NewString(),
		Cycle:        cycle,
		GrossRatio:   gross,
		ProfitRatio:  profit,
		RiskScore:    RiskScore(len(cycle.Hops), d.cfg.MaxHops, profit, d.cfg.MinMargin),
		MaxAmount:    MaxAmount(cycle),
		Status:       domain.OpportunityPending,
		DiscoveredAt: now,
		UpdatedAt:    now,
	}
}

// Evaluate returns the gross ratio (product of rates) and the net ratio
// after each hop's cost.
func Evaluate(c domain.TradingCycle) (gross, net float64) {
	gross, net = 1, 1
	for _, h := range c.Hops {
		gross *= h.Rate
		net *= h.Rate * (1 - h.HopCost)
	}
	return gross, net
}

// MaxAmount is the largest origin amount every hop's liquidity can absorb.
func MaxAmount(c domain.TradingCycle) float64 {
	maxAmt := math.Inf(1)
	factor := 1.0 // origin units -> units of the current hop's input
	for _, h := range c.Hops {
		if factor <= 0 {
			return 0
		}
		if lim := h.Liquidity / factor; lim < maxAmt {
			maxAmt = lim
		}
		factor *= h.Rate * (1 - h.HopCost)
	}
	if math.IsInf(maxAmt, 1) {
		return 0
	}
	return maxAmt
}

// RiskScore is in [0, 1]: half from cycle length relative to the cap, half
// from how little the profit clears the margin.
func RiskScore(hops, maxHops int, profitRatio, minMargin float64) float64 {
	length := float64(hops) / float64(maxHops)
	if length > 1 {
		length = 1
	}
	thin := 1.0
	if edge := profitRatio - 1; edge > 0 {
		thin = minMargin / edge
		if thin > 1 {
			thin = 1
		}
		if thin < 0 {
			thin = 0
		}
	}
	return 0.5*length + 0.5*thin
}
