package binance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"matchcore/internal/bus"
	"matchcore/internal/event"
	"matchcore/internal/infra"
)

func newTestWorker(t *testing.T) (*Worker, <-chan event.Event) {
	t.Helper()
	b := bus.New()
	events, err := b.Subscribe("test", 16, bus.Reject)
	if err != nil {
		t.Fatal(err)
	}
	var seq uint64
	w := NewWorker("ws://127.0.0.1:0/stream", map[string]string{"BTCUSDT": "BTC-USD"}, b, &seq)
	return w, events
}

func recvEvent(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no event received")
		return nil
	}
}

func TestTickerParsing(t *testing.T) {
	w, events := newTestWorker(t)

	frame := map[string]interface{}{
		"stream": "btcusdt@ticker",
		"data": map[string]interface{}{
			"e": "24hrTicker",
			"E": int64(1704067200000),
			"s": "BTCUSDT",
			"c": "42000.50",
			"b": "42000.00",
			"B": "1.5",
			"a": "42001.00",
			"A": "2.0",
			"h": "43000.00",
			"l": "41000.00",
		},
	}
	data, _ := json.Marshal(frame)
	w.OnMessage(context.Background(), data)

	tu, ok := recvEvent(t, events).(event.TickerUpdate)
	if !ok {
		t.Fatalf("expected TickerUpdate")
	}
	if tu.Pair != "BTC-USD" {
		t.Errorf("pair = %s, want BTC-USD", tu.Pair)
	}
	if tu.Venue != "BINANCE" {
		t.Errorf("venue = %s, want BINANCE", tu.Venue)
	}
	if tu.BestBid.String() != "42000" || tu.BestAsk.String() != "42001" {
		t.Errorf("quote = %s/%s", tu.BestBid, tu.BestAsk)
	}
	if tu.Low.String() != "41000" || tu.High.String() != "43000" {
		t.Errorf("band = %s/%s", tu.Low, tu.High)
	}
	if tu.Seq == 0 {
		t.Error("seq must be assigned")
	}
}

func TestDepthParsing(t *testing.T) {
	w, events := newTestWorker(t)

	frame := map[string]interface{}{
		"stream": "btcusdt@depth20",
		"data": map[string]interface{}{
			"lastUpdateId": int64(160),
			"bids":         [][2]string{{"41999.00", "3"}, {"41998.00", "1"}},
			"asks":         [][2]string{{"42001.00", "2"}},
		},
	}
	data, _ := json.Marshal(frame)
	w.OnMessage(context.Background(), data)

	du, ok := recvEvent(t, events).(event.DepthUpdate)
	if !ok {
		t.Fatalf("expected DepthUpdate")
	}
	if len(du.Bids) != 2 || len(du.Asks) != 1 {
		t.Fatalf("ladder = %d/%d rungs", len(du.Bids), len(du.Asks))
	}
	if du.Bids[0].Price.String() != "41999" || du.Bids[0].Qty.String() != "3" {
		t.Errorf("best bid rung = %s@%s", du.Bids[0].Qty, du.Bids[0].Price)
	}
}

func TestZeroQtyRungsDropped(t *testing.T) {
	w, events := newTestWorker(t)

	frame := map[string]interface{}{
		"stream": "btcusdt@depth20",
		"data": map[string]interface{}{
			"bids": [][2]string{{"41999.00", "0"}},
			"asks": [][2]string{{"42001.00", "1"}},
		},
	}
	data, _ := json.Marshal(frame)
	w.OnMessage(context.Background(), data)

	du := recvEvent(t, events).(event.DepthUpdate)
	if len(du.Bids) != 0 {
		t.Errorf("zero-qty rung survived: %+v", du.Bids)
	}
}

func TestMalformedNumericsDropped(t *testing.T) {
	w, events := newTestWorker(t)

	tickerFrame := map[string]interface{}{
		"stream": "btcusdt@ticker",
		"data": map[string]interface{}{
			"s": "BTCUSDT",
			"c": "not-a-price",
			"b": "42000.00",
		},
	}
	data, _ := json.Marshal(tickerFrame)
	w.OnMessage(context.Background(), data)

	depthFrame := map[string]interface{}{
		"stream": "btcusdt@depth20",
		"data": map[string]interface{}{
			"bids": [][2]string{{"41999.00", "garbage"}},
			"asks": [][2]string{{"42001.00", "1"}},
		},
	}
	data, _ = json.Marshal(depthFrame)
	w.OnMessage(context.Background(), data)

	select {
	case ev := <-events:
		t.Errorf("malformed frame produced %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if got := w.dropped.Load(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

func TestUnmappedSymbolIgnored(t *testing.T) {
	w, events := newTestWorker(t)

	frame := map[string]interface{}{
		"stream": "ethusdt@ticker",
		"data":   map[string]interface{}{"s": "ETHUSDT", "c": "3000"},
	}
	data, _ := json.Marshal(frame)
	w.OnMessage(context.Background(), data)

	select {
	case ev := <-events:
		t.Errorf("unmapped symbol produced %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestControlFrameIgnored(t *testing.T) {
	w, events := newTestWorker(t)

	// subscribe ack has no stream field
	w.OnMessage(context.Background(), []byte(`{"result":null,"id":1}`))
	w.OnMessage(context.Background(), []byte(`not json at all`))

	select {
	case ev := <-events:
		t.Errorf("control frame produced %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamNames(t *testing.T) {
	cases := []struct {
		sub  string
		want string
	}{
		{"ticker", "btcusdt@ticker"},
		{"depth", "btcusdt@depth20@100ms"},
	}
	for _, c := range cases {
		got := streamName(infra.Subscription{Channel: c.sub, Symbol: "btcusdt"})
		if got != c.want {
			t.Errorf("streamName(%s) = %s, want %s", c.sub, got, c.want)
		}
	}
}
