package book

import (
	"errors"
	"testing"

	"matchcore/internal/domain"

	"github.com/shopspring/decimal"
)

func testPair() domain.TradingPair {
	return domain.TradingPair{
		Symbol:     "BTC-USD",
		Base:       "BTC",
		Quote:      "USD",
		PriceTick:  decimal.RequireFromString("0.01"),
		QtyStep:    decimal.RequireFromString("0.0001"),
		PriceScale: 2,
		QtyScale:   4,
	}
}

func limitOrder(id string, side domain.Side, price, qty string) domain.Order {
	return domain.Order{
		ID:       id,
		UserID:   "u1",
		Pair:     "BTC-USD",
		Side:     side,
		Type:     domain.Limit,
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

func TestAdmitRestsAtCorrectLevel(t *testing.T) {
	b := New(testPair())

	ro, err := b.Admit(limitOrder("o1", domain.Bid, "100.00", "10"))
	if err != nil {
		t.Fatal(err)
	}
	if ro.Seq != 1 {
		t.Errorf("first seq = %d, want 1", ro.Seq)
	}
	if ro.Status != domain.StatusOpen {
		t.Errorf("status = %s, want OPEN", ro.Status)
	}

	best, ok := b.BestBid()
	if !ok {
		t.Fatal("expected a bid level")
	}
	if !best.Price.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("bestBid = %s, want 100.00", best.Price)
	}
	if !best.TotalQty.Equal(decimal.RequireFromString("10")) {
		t.Errorf("level qty = %s, want 10", best.TotalQty)
	}
}

func TestAdmitValidation(t *testing.T) {
	b := New(testPair())

	_, err := b.Admit(limitOrder("o1", domain.Bid, "100.005", "1"))
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Errorf("off-tick price: got %v, want ErrInvalidOrder", err)
	}

	_, err = b.Admit(limitOrder("o2", domain.Bid, "100.00", "0.00005"))
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Errorf("off-step qty: got %v, want ErrInvalidOrder", err)
	}

	_, err = b.Admit(limitOrder("o3", domain.Bid, "-1", "1"))
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Errorf("negative price: got %v, want ErrInvalidOrder", err)
	}

	bad := limitOrder("o4", domain.Bid, "100.00", "1")
	bad.Pair = "DOGE-USD"
	_, err = b.Admit(bad)
	if !errors.Is(err, domain.ErrUnknownPair) {
		t.Errorf("wrong pair: got %v, want ErrUnknownPair", err)
	}
}

func TestBestSidesSortCorrectly(t *testing.T) {
	b := New(testPair())
	for _, o := range []domain.Order{
		limitOrder("b1", domain.Bid, "99.00", "1"),
		limitOrder("b2", domain.Bid, "101.00", "1"),
		limitOrder("b3", domain.Bid, "100.00", "1"),
		limitOrder("a1", domain.Ask, "103.00", "1"),
		limitOrder("a2", domain.Ask, "102.00", "1"),
		limitOrder("a3", domain.Ask, "104.00", "1"),
	} {
		if _, err := b.Admit(o); err != nil {
			t.Fatal(err)
		}
	}

	bb, _ := b.BestBid()
	if bb.Price.String() != "101" {
		t.Errorf("bestBid = %s, want 101", bb.Price)
	}
	ba, _ := b.BestAsk()
	if ba.Price.String() != "102" {
		t.Errorf("bestAsk = %s, want 102", ba.Price)
	}
}

func TestFIFOWithinLevel(t *testing.T) {
	b := New(testPair())

	first, _ := b.Admit(limitOrder("o1", domain.Bid, "100.00", "1"))
	second, _ := b.Admit(limitOrder("o2", domain.Bid, "100.00", "1"))
	if second.Seq <= first.Seq {
		t.Fatalf("seq must be monotonic: %d then %d", first.Seq, second.Seq)
	}

	level, _ := b.BestBid()
	if level.Front().ID != "o1" {
		t.Errorf("front = %s, want o1 (FIFO)", level.Front().ID)
	}

	// Fully consuming the front must promote the next in admission order.
	if err := b.Reduce("o1", decimal.RequireFromString("1")); err != nil {
		t.Fatal(err)
	}
	level, _ = b.BestBid()
	if level.Front().ID != "o2" {
		t.Errorf("front after fill = %s, want o2", level.Front().ID)
	}
}

func TestReduce(t *testing.T) {
	b := New(testPair())
	ro, _ := b.Admit(limitOrder("o1", domain.Bid, "100.00", "10"))

	if err := b.Reduce("o1", decimal.RequireFromString("4")); err != nil {
		t.Fatal(err)
	}
	if ro.Status != domain.StatusPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", ro.Status)
	}
	if ro.Remaining.String() != "6" {
		t.Errorf("remaining = %s, want 6", ro.Remaining)
	}
	level, _ := b.BestBid()
	if level.TotalQty.String() != "6" {
		t.Errorf("level qty = %s, want 6", level.TotalQty)
	}

	// over-reduce is rejected
	if err := b.Reduce("o1", decimal.RequireFromString("7")); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Errorf("over-reduce: got %v, want ErrInvalidOrder", err)
	}

	if err := b.Reduce("o1", decimal.RequireFromString("6")); err != nil {
		t.Fatal(err)
	}
	if ro.Status != domain.StatusFilled {
		t.Errorf("status = %s, want FILLED", ro.Status)
	}
	if _, ok := b.BestBid(); ok {
		t.Error("empty level must be removed")
	}
	if err := b.Reduce("o1", decimal.RequireFromString("1")); !errors.Is(err, domain.ErrOrderNotResident) {
		t.Errorf("reduce evicted: got %v, want ErrOrderNotResident", err)
	}
}

func TestCancel(t *testing.T) {
	b := New(testPair())
	b.Admit(limitOrder("o1", domain.Bid, "100.00", "10"))

	ro, err := b.Cancel("o1")
	if err != nil {
		t.Fatal(err)
	}
	if ro.Status != domain.StatusCanceled {
		t.Errorf("status = %s, want CANCELED", ro.Status)
	}
	if _, ok := b.BestBid(); ok {
		t.Error("canceled only order should empty the side")
	}
	if _, err := b.Cancel("o1"); !errors.Is(err, domain.ErrOrderNotResident) {
		t.Errorf("double cancel: got %v, want ErrOrderNotResident", err)
	}
}

func TestLevelAggregateInvariant(t *testing.T) {
	b := New(testPair())
	b.Admit(limitOrder("o1", domain.Ask, "100.00", "3"))
	b.Admit(limitOrder("o2", domain.Ask, "100.00", "7"))
	b.Reduce("o1", decimal.RequireFromString("2"))

	level, _ := b.BestAsk()
	sum := decimal.Zero
	for _, o := range level.Orders() {
		sum = sum.Add(o.Remaining)
	}
	if !level.TotalQty.Equal(sum) {
		t.Errorf("level qty %s != sum of remaining %s", level.TotalQty, sum)
	}
}

func TestDepthSnapshot(t *testing.T) {
	b := New(testPair())
	b.Admit(limitOrder("b1", domain.Bid, "99.00", "1"))
	b.Admit(limitOrder("b2", domain.Bid, "100.00", "2"))
	b.Admit(limitOrder("a1", domain.Ask, "101.00", "3"))

	snap := b.Depth(1)
	if len(snap.Bids) != 1 || snap.Bids[0].Price.String() != "100" {
		t.Errorf("depth bids = %+v, want single 100 level", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price.String() != "101" {
		t.Errorf("depth asks = %+v, want single 101 level", snap.Asks)
	}
}
