// Package book implements the per-pair resident order book: two sorted
// ladders of price levels with strict FIFO queues inside each level.
// The book holds customer orders only; externally observed depth never
// touches it.
package book

import (
	"fmt"
	"time"

	"matchcore/internal/domain"
	"matchcore/pkg/quant"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/shopspring/decimal"
)

// BidComparator sorts bid prices descending so the tree minimum is the
// best bid.
func BidComparator(a, b interface{}) int {
	return b.(decimal.Decimal).Cmp(a.(decimal.Decimal))
}

// AskComparator sorts ask prices ascending so the tree minimum is the
// best ask.
func AskComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// Book is the resident order book for one trading pair. Not safe for
// concurrent use; the owning pair sequencer is the single writer.
type Book struct {
	pair    domain.TradingPair
	bids    *rbt.Tree
	asks    *rbt.Tree
	entries map[string]*levelEntry
	nextSeq uint64
}

// New creates an empty book for the pair.
func New(pair domain.TradingPair) *Book {
	return &Book{
		pair:    pair,
		bids:    rbt.NewWith(BidComparator),
		asks:    rbt.NewWith(AskComparator),
		entries: make(map[string]*levelEntry),
	}
}

// Pair returns the pair this book serves.
func (b *Book) Pair() domain.TradingPair { return b.pair }

// NewResident validates an incoming order against the pair's tick
// sizes and assigns its time-priority sequence number. The order is
// not yet resting; the matching pass decides that.
func (b *Book) NewResident(o domain.Order) (*domain.ResidentOrder, error) {
	if o.Pair != b.pair.Symbol {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPair, o.Pair)
	}
	if !b.pair.ValidQty(o.Quantity) {
		return nil, fmt.Errorf("%w: quantity %s off step %s", domain.ErrInvalidOrder, o.Quantity, b.pair.QtyStep)
	}
	if o.Type == domain.Limit && !b.pair.ValidPrice(o.Price) {
		return nil, fmt.Errorf("%w: price %s off tick %s", domain.ErrInvalidOrder, o.Price, b.pair.PriceTick)
	}
	if o.SubmittedAt == 0 {
		o.SubmittedAt = time.Now().UnixMicro()
	}
	return &domain.ResidentOrder{
		Order:     o,
		Seq:       quant.NextSeq(&b.nextSeq),
		Remaining: o.Quantity,
		Status:    domain.StatusOpen,
	}, nil
}

// Admit validates, sequences, and rests an order in one step.
func (b *Book) Admit(o domain.Order) (*domain.ResidentOrder, error) {
	ro, err := b.NewResident(o)
	if err != nil {
		return nil, err
	}
	b.Rest(ro)
	return ro, nil
}

// Rest inserts an already-sequenced order at its price level, creating
// the level if needed. Market orders never rest.
func (b *Book) Rest(ro *domain.ResidentOrder) {
	tree := b.sideTree(ro.Side)
	var level *PriceLevel
	if v, ok := tree.Get(ro.Price); ok {
		level = v.(*PriceLevel)
	} else {
		level = newPriceLevel(ro.Price)
		tree.Put(ro.Price, level)
	}
	e := &levelEntry{order: ro}
	level.enqueue(e)
	b.entries[ro.ID] = e
}

// BestBid returns the highest-priced bid level.
func (b *Book) BestBid() (*PriceLevel, bool) {
	return minLevel(b.bids)
}

// BestAsk returns the lowest-priced ask level.
func (b *Book) BestAsk() (*PriceLevel, bool) {
	return minLevel(b.asks)
}

// BestOpposite returns the best level a taker on side would hit.
func (b *Book) BestOpposite(side domain.Side) (*PriceLevel, bool) {
	if side == domain.Bid {
		return b.BestAsk()
	}
	return b.BestBid()
}

// OppositeLevels returns the ladder a taker on side would walk, best
// price first.
func (b *Book) OppositeLevels(side domain.Side) []*PriceLevel {
	tree := b.sideTree(side.Opposite())
	out := make([]*PriceLevel, 0, tree.Size())
	it := tree.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*PriceLevel))
	}
	return out
}

func minLevel(tree *rbt.Tree) (*PriceLevel, bool) {
	node := tree.Left()
	if node == nil {
		return nil, false
	}
	return node.Value.(*PriceLevel), true
}

// Reduce decreases a resident order's remaining quantity. The order is
// evicted and marked FILLED when remaining reaches zero, otherwise it
// becomes PARTIALLY_FILLED.
func (b *Book) Reduce(orderID string, qty decimal.Decimal) error {
	e, ok := b.entries[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotResident, orderID)
	}
	ro := e.order
	if qty.GreaterThan(ro.Remaining) {
		return fmt.Errorf("%w: reduce %s exceeds remaining %s", domain.ErrInvalidOrder, qty, ro.Remaining)
	}

	level := e.level
	ro.Remaining = ro.Remaining.Sub(qty)
	level.TotalQty = level.TotalQty.Sub(qty)

	if ro.Remaining.IsZero() {
		level.unlink(e)
		delete(b.entries, orderID)
		ro.Status = domain.StatusFilled
		if level.OrderCount == 0 {
			b.sideTree(ro.Side).Remove(level.Price)
		}
	} else {
		ro.Status = domain.StatusPartiallyFilled
	}
	return nil
}

// Cancel removes a resident order and marks it CANCELED.
func (b *Book) Cancel(orderID string) (*domain.ResidentOrder, error) {
	e, ok := b.entries[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotResident, orderID)
	}
	ro := e.order
	level := e.level
	level.unlink(e)
	delete(b.entries, orderID)
	if level.OrderCount == 0 {
		b.sideTree(ro.Side).Remove(level.Price)
	}
	ro.Status = domain.StatusCanceled
	return ro, nil
}

// Resident returns the resident order with the given id, if any.
func (b *Book) Resident(orderID string) (*domain.ResidentOrder, bool) {
	e, ok := b.entries[orderID]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// Crossed reports whether the best bid price meets or exceeds the best
// ask price. A matching pass must never return with a crossed book.
func (b *Book) Crossed() bool {
	bb, okB := b.BestBid()
	ba, okA := b.BestAsk()
	if !okB || !okA {
		return false
	}
	return bb.Price.GreaterThanOrEqual(ba.Price)
}

// DepthSnapshot is a top-N view of both ladders.
type DepthSnapshot struct {
	Pair string       `json:"pair"`
	Bids []LevelQuote `json:"bids"`
	Asks []LevelQuote `json:"asks"`
}

// LevelQuote is one ladder rung in a snapshot.
type LevelQuote struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// Depth returns the top n levels per side, best first.
func (b *Book) Depth(n int) DepthSnapshot {
	snap := DepthSnapshot{Pair: b.pair.Symbol}
	snap.Bids = topLevels(b.bids, n)
	snap.Asks = topLevels(b.asks, n)
	return snap
}

func topLevels(tree *rbt.Tree, n int) []LevelQuote {
	out := make([]LevelQuote, 0, n)
	it := tree.Iterator()
	for it.Next() && len(out) < n {
		level := it.Value().(*PriceLevel)
		out = append(out, LevelQuote{Price: level.Price, Qty: level.TotalQty})
	}
	return out
}

func (b *Book) sideTree(side domain.Side) *rbt.Tree {
	if side == domain.Bid {
		return b.bids
	}
	return b.asks
}
