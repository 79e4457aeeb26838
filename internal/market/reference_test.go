package market

import (
	"testing"
	"time"

	"matchcore/internal/domain"
	"matchcore/internal/event"
	"matchcore/pkg/quant"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func depthEv(ts int64, bids, asks [][2]string) event.DepthUpdate {
	ev := event.DepthUpdate{
		BaseEvent: event.BaseEvent{Ts: quant.TimeStamp(ts)},
		Pair:      "BTC-USD",
		Venue:     "TEST",
	}
	for _, b := range bids {
		ev.Bids = append(ev.Bids, event.PriceQty{Price: dec(b[0]), Qty: dec(b[1])})
	}
	for _, a := range asks {
		ev.Asks = append(ev.Asks, event.PriceQty{Price: dec(a[0]), Qty: dec(a[1])})
	}
	return ev
}

func TestApplyDepthSetsBandAndBest(t *testing.T) {
	c := NewReferenceCache("BTC-USD", time.Minute)

	changed := c.ApplyDepth(depthEv(1000, [][2]string{{"99", "1"}, {"98", "2"}}, [][2]string{{"101", "1"}, {"103", "2"}}))
	if !changed {
		t.Fatal("first apply must report change")
	}

	ref := c.Snapshot()
	if ref.BestBid.String() != "99" || ref.BestAsk.String() != "101" {
		t.Errorf("best = %s/%s, want 99/101", ref.BestBid, ref.BestAsk)
	}

	// Bid taker's synthetic band is the ask ladder extent.
	min, max, ok := c.Band(domain.Bid)
	if !ok || min.String() != "101" || max.String() != "103" {
		t.Errorf("bid band = [%s,%s] ok=%v, want [101,103]", min, max, ok)
	}
	min, max, _ = c.Band(domain.Ask)
	if min.String() != "98" || max.String() != "99" {
		t.Errorf("ask band = [%s,%s], want [98,99]", min, max)
	}
}

func TestApplyDepthIdempotent(t *testing.T) {
	c := NewReferenceCache("BTC-USD", time.Minute)
	ev := depthEv(1000, [][2]string{{"99", "1"}}, [][2]string{{"101", "1"}})

	if !c.ApplyDepth(ev) {
		t.Fatal("first apply must change state")
	}
	before := c.Snapshot()
	if c.ApplyDepth(ev) {
		t.Error("identical re-delivery must be a no-op")
	}
	if !c.Snapshot().equal(before) {
		t.Error("state changed on idempotent re-delivery")
	}
}

func TestApplyTicker(t *testing.T) {
	c := NewReferenceCache("BTC-USD", time.Minute)
	ev := event.TickerUpdate{
		BaseEvent: event.BaseEvent{Ts: 2000},
		Pair:      "BTC-USD",
		BestBid:   dec("99.5"),
		BestAsk:   dec("100.5"),
		High:      dec("105"),
		Low:       dec("95"),
	}
	if !c.ApplyTicker(ev) {
		t.Fatal("ticker apply must change state")
	}
	min, max, ok := c.Band(domain.Bid)
	if !ok || min.String() != "100.5" || max.String() != "105" {
		t.Errorf("bid band = [%s,%s], want [100.5,105]", min, max)
	}
	if !c.InBand(domain.Bid, dec("101")) {
		t.Error("101 should be inside bid band")
	}
	if c.InBand(domain.Bid, dec("100")) {
		t.Error("100 is below ask band, should be outside")
	}
}

func TestStaleness(t *testing.T) {
	c := NewReferenceCache("BTC-USD", time.Minute)
	if !c.Stale(time.Now()) {
		t.Error("empty cache must be stale")
	}

	now := time.Now()
	ev := depthEv(now.UnixMicro(), [][2]string{{"99", "1"}}, [][2]string{{"101", "1"}})
	c.ApplyDepth(ev)

	if c.Stale(now.Add(30 * time.Second)) {
		t.Error("fresh data inside window reported stale")
	}
	if !c.Stale(now.Add(2 * time.Minute)) {
		t.Error("data past window should be stale")
	}
}

func TestBestOpposite(t *testing.T) {
	c := NewReferenceCache("BTC-USD", time.Minute)
	if _, ok := c.BestOpposite(domain.Bid); ok {
		t.Error("no data: BestOpposite should report !ok")
	}
	c.ApplyDepth(depthEv(1000, [][2]string{{"99", "1"}}, [][2]string{{"101", "1"}}))
	p, ok := c.BestOpposite(domain.Bid)
	if !ok || p.String() != "101" {
		t.Errorf("bid hits %s, want 101", p)
	}
	p, _ = c.BestOpposite(domain.Ask)
	if p.String() != "99" {
		t.Errorf("ask hits %s, want 99", p)
	}
}
