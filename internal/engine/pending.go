package engine

import (
	"matchcore/internal/domain"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/shopspring/decimal"
)

type pendingEntry struct {
	order *domain.ResidentOrder
	armed bool
}

// PendingIndex holds a pair's PENDING orders keyed by price per side,
// ordered for range scans against a moving reference band. Owned by
// the pair's sequencer; no locking.
type PendingIndex struct {
	// price -> FIFO slice of entries at that price, per side
	bids    *rbt.Tree
	asks    *rbt.Tree
	entries map[string]*pendingEntry
}

// NewPendingIndex creates an empty index.
func NewPendingIndex() *PendingIndex {
	return &PendingIndex{
		bids:    rbt.NewWith(priceAsc),
		asks:    rbt.NewWith(priceAsc),
		entries: make(map[string]*pendingEntry),
	}
}

func priceAsc(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// Add indexes a pending order. The order keeps its admission sequence
// number, so FIFO among equal prices survives the detour through
// PENDING.
func (p *PendingIndex) Add(ro *domain.ResidentOrder) {
	e := &pendingEntry{order: ro}
	p.entries[ro.ID] = e
	tree := p.sideTree(ro.Side)
	if v, ok := tree.Get(ro.Price); ok {
		tree.Put(ro.Price, append(v.([]*pendingEntry), e))
	} else {
		tree.Put(ro.Price, []*pendingEntry{e})
	}
}

// Get returns the pending order with the given id.
func (p *PendingIndex) Get(orderID string) (*domain.ResidentOrder, bool) {
	e, ok := p.entries[orderID]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// Remove drops an order from the index.
func (p *PendingIndex) Remove(orderID string) {
	e, ok := p.entries[orderID]
	if !ok {
		return
	}
	delete(p.entries, orderID)
	tree := p.sideTree(e.order.Side)
	v, ok := tree.Get(e.order.Price)
	if !ok {
		return
	}
	list := v.([]*pendingEntry)
	for i, x := range list {
		if x == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		tree.Remove(e.order.Price)
	} else {
		tree.Put(e.order.Price, list)
	}
}

// InRange returns pending orders on side with price in [min, max],
// price-ascending then admission order.
func (p *PendingIndex) InRange(side domain.Side, min, max decimal.Decimal) []*domain.ResidentOrder {
	var out []*domain.ResidentOrder
	it := p.sideTree(side).Iterator()
	for it.Next() {
		price := it.Key().(decimal.Decimal)
		if price.LessThan(min) {
			continue
		}
		if price.GreaterThan(max) {
			break
		}
		for _, e := range it.Value().([]*pendingEntry) {
			out = append(out, e.order)
		}
	}
	return out
}

// MarkArmed records that a synthetic delay timer is running for the
// order, so a band oscillation does not stack timers.
func (p *PendingIndex) MarkArmed(orderID string) {
	if e, ok := p.entries[orderID]; ok {
		e.armed = true
	}
}

// Disarm clears the armed flag after a timer fires.
func (p *PendingIndex) Disarm(orderID string) {
	if e, ok := p.entries[orderID]; ok {
		e.armed = false
	}
}

// Armed reports whether a timer is already running for the order.
func (p *PendingIndex) Armed(orderID string) bool {
	e, ok := p.entries[orderID]
	return ok && e.armed
}

// Len returns the number of pending orders.
func (p *PendingIndex) Len() int { return len(p.entries) }

func (p *PendingIndex) sideTree(side domain.Side) *rbt.Tree {
	if side == domain.Bid {
		return p.bids
	}
	return p.asks
}
