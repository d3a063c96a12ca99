package exchange

import (
	"sort"

	"github.com/marketmux/marketmux/internal/model"
)

// BookBuilder accumulates level-2 deltas into a full book so adapters whose
// venues send snapshot+update feeds can emit whole OrderBookSnapshots.
// Not goroutine-safe; confine to the adapter's read loop.
type BookBuilder struct {
	bids  map[float64]float64
	asks  map[float64]float64
	depth int
}

// NewBookBuilder returns a builder that emits at most depth levels per side.
// depth <= 0 means unlimited.
func NewBookBuilder(depth int) *BookBuilder {
	return &BookBuilder{
		bids:  make(map[float64]float64),
		asks:  make(map[float64]float64),
		depth: depth,
	}
}

// Reset replaces the whole book with a fresh snapshot.
func (b *BookBuilder) Reset(bids, asks []model.BookLevel) {
	b.bids = make(map[float64]float64, len(bids))
	b.asks = make(map[float64]float64, len(asks))
	for _, l := range bids {
		if l.Amount > 0 {
			b.bids[l.Price] = l.Amount
		}
	}
	for _, l := range asks {
		if l.Amount > 0 {
			b.asks[l.Price] = l.Amount
		}
	}
}

// Update applies one delta. amount == 0 removes the level.
func (b *BookBuilder) Update(isBid bool, price, amount float64) {
	side := b.asks
	if isBid {
		side = b.bids
	}
	if amount <= 0 {
		delete(side, price)
		return
	}
	side[price] = amount
}

// Ready reports whether the builder has seen at least one level.
func (b *BookBuilder) Ready() bool {
	return len(b.bids) > 0 || len(b.asks) > 0
}

// Snapshot emits the current book, bids descending and asks ascending,
// truncated to the configured depth.
func (b *BookBuilder) Snapshot(venue, symbol string, tsMillis int64) model.OrderBookSnapshot {
	snap := model.OrderBookSnapshot{
		Exchange:        venue,
		Symbol:          symbol,
		Bids:            levels(b.bids, true, b.depth),
		Asks:            levels(b.asks, false, b.depth),
		TimestampMillis: tsMillis,
	}
	return snap
}

func levels(side map[float64]float64, descending bool, depth int) []model.BookLevel {
	out := make([]model.BookLevel, 0, len(side))
	for p, a := range side {
		out = append(out, model.BookLevel{Price: p, Amount: a})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
