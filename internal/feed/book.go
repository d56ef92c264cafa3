// Package feed keeps the live liquidity view used by the arbitrage scanner and
// route selector, fed from the gateway's market-data stream.
package feed

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// LiquidityBook holds the latest snapshot per directed pair. Safe for
// concurrent use.
type LiquidityBook struct {
	mu     sync.RWMutex
	pairs  map[string]domain.LiquiditySnapshot
	maxAge time.Duration
	now    func() time.Time
}

// NewLiquidityBook creates an empty book. Snapshots older than maxAge fail
// revalidation; zero disables the age check.
func NewLiquidityBook(maxAge time.Duration) *LiquidityBook {
	return &LiquidityBook{
		pairs:  make(map[string]domain.LiquiditySnapshot),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Update stores snap unless a newer observation for the same pair is already
// held. It reports whether the book changed.
func (b *LiquidityBook) Update(snap domain.LiquiditySnapshot) bool {
	key := snap.PairKey()
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.pairs[key]; ok && cur.ObservedAt.After(snap.ObservedAt) {
		return false
	}
	b.pairs[key] = snap
	return true
}

// Snapshots returns the held snapshots ordered by pair key.
func (b *LiquidityBook) Snapshots() []domain.LiquiditySnapshot {
	b.mu.RLock()
	out := make([]domain.LiquiditySnapshot, 0, len(b.pairs))
	for _, s := range b.pairs {
		out = append(out, s)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PairKey() < out[j].PairKey() })
	return out
}

// Get returns the snapshot for the directed pair from→to.
func (b *LiquidityBook) Get(from, to domain.Asset) (domain.LiquiditySnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.pairs[from.String()+">"+to.String()]
	return s, ok
}

// Len returns the number of pairs held.
func (b *LiquidityBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pairs)
}

// Reprice returns cycle with every hop's rate and liquidity replaced by the
// book's current values. Hop costs are kept. A hop whose pair is missing or
// no longer positive fails with InvalidPath; a hop older than the book's
// max age fails with StaleOpportunity.
func (b *LiquidityBook) Reprice(cycle domain.TradingCycle) (domain.TradingCycle, error) {
	const op = "feed: reprice"
	if !cycle.Closed() {
		return domain.TradingCycle{}, domain.E(domain.KindInvalidPath, op, fmt.Errorf("cycle %s is not closed", cycle.Key()))
	}
	now := b.now()
	out := domain.TradingCycle{Origin: cycle.Origin, Hops: make([]domain.Hop, len(cycle.Hops))}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for i, h := range cycle.Hops {
		snap, ok := b.pairs[h.From.String()+">"+h.To.String()]
		if !ok || !(snap.Rate > 0) || !(snap.Liquidity > 0) {
			return domain.TradingCycle{}, domain.E(domain.KindInvalidPath, op,
				fmt.Errorf("no live liquidity for %s>%s", h.From, h.To))
		}
		if b.maxAge > 0 && now.Sub(snap.ObservedAt) > b.maxAge {
			return domain.TradingCycle{}, domain.E(domain.KindStaleOpportunity, op,
				fmt.Errorf("%s observed %s ago", snap.PairKey(), now.Sub(snap.ObservedAt).Round(time.Millisecond)))
		}
		h.Rate = snap.Rate
		h.Liquidity = snap.Liquidity
		out.Hops[i] = h
	}
	return out, nil
}

// Prune drops snapshots observed before cutoff and returns how many went.
func (b *LiquidityBook) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, s := range b.pairs {
		if s.ObservedAt.Before(cutoff) {
			delete(b.pairs, k)
			n++
		}
	}
	return n
}
