package book

import (
	"matchcore/internal/domain"

	"github.com/shopspring/decimal"
)

// levelEntry links a resident order into its level's FIFO queue.
type levelEntry struct {
	order *domain.ResidentOrder
	level *PriceLevel
	next  *levelEntry
	prev  *levelEntry
}

// PriceLevel aggregates the resident orders at one price on one side.
// Invariant: TotalQty equals the sum of the queued orders' remaining
// quantities; an empty level is removed from the ladder.
type PriceLevel struct {
	Price      decimal.Decimal
	TotalQty   decimal.Decimal
	OrderCount int
	head       *levelEntry
	tail       *levelEntry
}

func newPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{Price: price, TotalQty: decimal.Zero}
}

// Front returns the order with time priority at this level.
func (p *PriceLevel) Front() *domain.ResidentOrder {
	if p.head == nil {
		return nil
	}
	return p.head.order
}

func (p *PriceLevel) enqueue(e *levelEntry) {
	e.level = p
	if p.head == nil {
		p.head = e
		p.tail = e
	} else {
		p.tail.next = e
		e.prev = p.tail
		p.tail = e
	}
	p.TotalQty = p.TotalQty.Add(e.order.Remaining)
	p.OrderCount++
}

func (p *PriceLevel) unlink(e *levelEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		p.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		p.tail = e.prev
	}
	e.next = nil
	e.prev = nil
	e.level = nil
	p.TotalQty = p.TotalQty.Sub(e.order.Remaining)
	p.OrderCount--
	if p.TotalQty.IsNegative() {
		p.TotalQty = decimal.Zero
	}
}

// Orders returns the queued orders in FIFO order. Snapshot use only.
func (p *PriceLevel) Orders() []*domain.ResidentOrder {
	out := make([]*domain.ResidentOrder, 0, p.OrderCount)
	for e := p.head; e != nil; e = e.next {
		out = append(out, e.order)
	}
	return out
}
