// Package market tracks externally observed prices per trading pair.
// The reference cache is the synthetic-matching price source: it is
// written only from feed events and read by the matching engine and
// the pending-order scheduler.
package market

import (
	"time"

	"matchcore/internal/domain"
	"matchcore/internal/event"
	"matchcore/pkg/quant"

	"github.com/shopspring/decimal"
)

// Reference is the latest external view of one pair. Zero decimals
// mean the field has not been observed yet.
type Reference struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	// Observed ladder extents per side. The ask band [AskMin, AskMax]
	// is the synthetic-fill band for bids, and vice versa.
	BidMin    decimal.Decimal
	BidMax    decimal.Decimal
	AskMin    decimal.Decimal
	AskMax    decimal.Decimal
	UpdatedAt quant.TimeStamp
}

func (r Reference) equal(o Reference) bool {
	return r.BestBid.Equal(o.BestBid) &&
		r.BestAsk.Equal(o.BestAsk) &&
		r.BidMin.Equal(o.BidMin) &&
		r.BidMax.Equal(o.BidMax) &&
		r.AskMin.Equal(o.AskMin) &&
		r.AskMax.Equal(o.AskMax) &&
		r.UpdatedAt == o.UpdatedAt
}

// ReferenceCache holds one pair's reference state. Not safe for
// concurrent use; it is owned by the pair's sequencer.
type ReferenceCache struct {
	pair      string
	staleness time.Duration
	ref       Reference
	seen      bool
}

// NewReferenceCache creates a cache that treats data older than the
// staleness window as unusable for synthetic matching.
func NewReferenceCache(pair string, staleness time.Duration) *ReferenceCache {
	return &ReferenceCache{pair: pair, staleness: staleness}
}

// ApplyTicker folds a ticker update into the reference view. Returns
// true when the view changed; re-delivering an identical update is a
// no-op.
func (c *ReferenceCache) ApplyTicker(ev event.TickerUpdate) bool {
	next := c.ref
	next.UpdatedAt = ev.Ts
	if ev.BestBid.IsPositive() {
		next.BestBid = ev.BestBid
		next.BidMax = ev.BestBid
	}
	if ev.BestAsk.IsPositive() {
		next.BestAsk = ev.BestAsk
		next.AskMin = ev.BestAsk
	}
	// High/low band the far edges where the venue reports them.
	if ev.Low.IsPositive() {
		next.BidMin = ev.Low
	} else if next.BidMin.IsZero() {
		next.BidMin = next.BestBid
	}
	if ev.High.IsPositive() {
		next.AskMax = ev.High
	} else if next.AskMax.IsZero() {
		next.AskMax = next.BestAsk
	}
	return c.commit(next)
}

// ApplyDepth folds a depth ladder into the reference view. Returns
// true when the view changed.
func (c *ReferenceCache) ApplyDepth(ev event.DepthUpdate) bool {
	next := c.ref
	next.UpdatedAt = ev.Ts
	if len(ev.Bids) > 0 {
		min, max := ladderExtent(ev.Bids)
		next.BidMin = min
		next.BidMax = max
		next.BestBid = max
	}
	if len(ev.Asks) > 0 {
		min, max := ladderExtent(ev.Asks)
		next.AskMin = min
		next.AskMax = max
		next.BestAsk = min
	}
	return c.commit(next)
}

func (c *ReferenceCache) commit(next Reference) bool {
	if c.seen && c.ref.equal(next) {
		return false
	}
	c.ref = next
	c.seen = true
	return true
}

func ladderExtent(rungs []event.PriceQty) (min, max decimal.Decimal) {
	min = rungs[0].Price
	max = rungs[0].Price
	for _, r := range rungs[1:] {
		if r.Price.LessThan(min) {
			min = r.Price
		}
		if r.Price.GreaterThan(max) {
			max = r.Price
		}
	}
	return min, max
}

// Snapshot returns the current reference view.
func (c *ReferenceCache) Snapshot() Reference {
	return c.ref
}

// Stale reports whether the cache cannot back a synthetic match at
// time now.
func (c *ReferenceCache) Stale(now time.Time) bool {
	if !c.seen {
		return true
	}
	age := now.Sub(time.UnixMicro(int64(c.ref.UpdatedAt)))
	return age > c.staleness
}

// BestOpposite returns the reference price a taker on side would hit:
// the external best ask for a bid, the external best bid for an ask.
func (c *ReferenceCache) BestOpposite(side domain.Side) (decimal.Decimal, bool) {
	var p decimal.Decimal
	if side == domain.Bid {
		p = c.ref.BestAsk
	} else {
		p = c.ref.BestBid
	}
	return p, p.IsPositive()
}

// Band returns the opposite-side ladder extent for a taker on side.
// A limit price inside this band is eligible for a delayed synthetic
// fill.
func (c *ReferenceCache) Band(side domain.Side) (min, max decimal.Decimal, ok bool) {
	if side == domain.Bid {
		min, max = c.ref.AskMin, c.ref.AskMax
	} else {
		min, max = c.ref.BidMin, c.ref.BidMax
	}
	return min, max, min.IsPositive() && max.IsPositive()
}

// InBand reports whether price lies inside the opposite-side band for
// a taker on side.
func (c *ReferenceCache) InBand(side domain.Side, price decimal.Decimal) bool {
	min, max, ok := c.Band(side)
	if !ok {
		return false
	}
	return price.GreaterThanOrEqual(min) && price.LessThanOrEqual(max)
}
