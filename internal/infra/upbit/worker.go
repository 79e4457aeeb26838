package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"matchcore/internal/bus"
	"matchcore/internal/event"
	"matchcore/internal/infra"
	"matchcore/pkg/quant"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// tickerResponse is the Upbit ticker frame. json.Number keeps venue
// numerics out of float64.
type tickerResponse struct {
	Type       string      `json:"type"`
	Code       string      `json:"code"`
	TradePrice json.Number `json:"trade_price"`
	HighPrice  json.Number `json:"high_price"`
	LowPrice   json.Number `json:"low_price"`
	Timestamp  int64       `json:"timestamp"`
}

// orderbookResponse is the Upbit orderbook frame; units are best-first.
type orderbookResponse struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
	Units     []struct {
		AskPrice json.Number `json:"ask_price"`
		BidPrice json.Number `json:"bid_price"`
		AskSize  json.Number `json:"ask_size"`
		BidSize  json.Number `json:"bid_size"`
	} `json:"orderbook_units"`
}

// Worker normalizes Upbit frames into TickerUpdate and DepthUpdate
// events on the bus.
type Worker struct {
	worker  *infra.FeedWorker
	url     string
	pairs   map[string]string // venue code -> internal pair
	bus     *bus.Bus
	seq     *uint64
	dropped atomic.Uint64
}

// NewWorker maps venue codes to internal pairs and subscribes each
// mapped code's ticker stream.
func NewWorker(wsURL string, symbols map[string]string, b *bus.Bus, seq *uint64) *Worker {
	w := &Worker{
		url:   wsURL,
		pairs: make(map[string]string, len(symbols)),
		bus:   b,
		seq:   seq,
	}
	subs := make([]infra.Subscription, 0, len(symbols))
	for code, pair := range symbols {
		w.pairs[code] = pair
		subs = append(subs, infra.Subscription{Channel: "ticker", Symbol: code})
	}
	w.worker = infra.NewFeedWorker(w, subs)
	return w
}

func (w *Worker) Venue() string { return "UPBIT" }
func (w *Worker) URL() string   { return w.url }

// Start opens the connection loop.
func (w *Worker) Start(ctx context.Context) { w.worker.Start(ctx) }

// Stop tears the connection down.
func (w *Worker) Stop() { w.worker.Stop() }

// State exposes the connection state.
func (w *Worker) State() infra.ConnState { return w.worker.State() }

// SubscribeDepth adds the orderbook stream for an internal pair.
func (w *Worker) SubscribeDepth(ctx context.Context, pair string) error {
	code, ok := w.venueCode(pair)
	if !ok {
		return fmt.Errorf("upbit: no code mapped to pair %s", pair)
	}
	return w.worker.AddSubscription(ctx, infra.Subscription{Channel: "depth", Symbol: code})
}

// Subscribe sends the subscription frame. Upbit replaces the active
// subscription set on every frame, so the full set goes out each time
// regardless of which addition triggered the call.
func (w *Worker) Subscribe(ctx context.Context, fw *infra.FeedWorker, _ []infra.Subscription) error {
	var tickerCodes, depthCodes []string
	for _, s := range fw.Subscriptions() {
		if s.Channel == "depth" {
			depthCodes = append(depthCodes, s.Symbol)
		} else {
			tickerCodes = append(tickerCodes, s.Symbol)
		}
	}

	frame := []map[string]interface{}{
		{"ticket": fmt.Sprintf("matchcore-%d", time.Now().UnixNano())},
	}
	if len(tickerCodes) > 0 {
		frame = append(frame, map[string]interface{}{"type": "ticker", "codes": tickerCodes})
	}
	if len(depthCodes) > 0 {
		frame = append(frame, map[string]interface{}{"type": "orderbook", "codes": depthCodes})
	}

	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return fw.WriteSubscribe(b)
}

// Heartbeat sends a transport-level ping.
func (w *Worker) Heartbeat(ctx context.Context, fw *infra.FeedWorker) error {
	return fw.Write(websocket.PingMessage, nil)
}

// OnMessage routes one frame by its type field. Malformed frames are
// logged and dropped.
func (w *Worker) OnMessage(ctx context.Context, msg []byte) {
	var head struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		w.drop("frame", err)
		return
	}
	pair, ok := w.pairs[head.Code]
	if !ok {
		return
	}

	switch head.Type {
	case "ticker":
		w.onTicker(pair, msg)
	case "orderbook":
		w.onOrderbook(pair, msg)
	}
}

func (w *Worker) onTicker(pair string, msg []byte) {
	var resp tickerResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		w.drop("ticker", err)
		return
	}

	var perr error
	parse := func(n json.Number) decimal.Decimal {
		d, err := quant.ParseDecimal(n.String())
		if err != nil && perr == nil {
			perr = err
		}
		return d
	}
	ev := event.TickerUpdate{
		BaseEvent: event.BaseEvent{
			Seq: quant.NextSeq(w.seq),
			Ts:  quant.TimeStamp(resp.Timestamp * 1000),
		},
		Pair:      pair,
		Venue:     w.Venue(),
		LastPrice: parse(resp.TradePrice),
		High:      parse(resp.HighPrice),
		Low:       parse(resp.LowPrice),
	}
	if perr != nil {
		w.drop("ticker", perr)
		return
	}
	w.publish(ev)
}

func (w *Worker) onOrderbook(pair string, msg []byte) {
	var resp orderbookResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		w.drop("orderbook", err)
		return
	}

	var perr error
	parse := func(n json.Number) decimal.Decimal {
		d, err := quant.ParseDecimal(n.String())
		if err != nil && perr == nil {
			perr = err
		}
		return d
	}
	ev := event.DepthUpdate{
		BaseEvent: event.BaseEvent{
			Seq: quant.NextSeq(w.seq),
			Ts:  quant.TimeStamp(resp.Timestamp * 1000),
		},
		Pair:  pair,
		Venue: w.Venue(),
	}
	for _, u := range resp.Units {
		bid := parse(u.BidPrice)
		ask := parse(u.AskPrice)
		if bid.IsPositive() {
			ev.Bids = append(ev.Bids, event.PriceQty{Price: bid, Qty: parse(u.BidSize)})
		}
		if ask.IsPositive() {
			ev.Asks = append(ev.Asks, event.PriceQty{Price: ask, Qty: parse(u.AskSize)})
		}
	}
	if perr != nil {
		w.drop("orderbook", perr)
		return
	}
	w.publish(ev)
}

func (w *Worker) publish(ev event.Event) {
	if err := w.bus.Publish(ev); err != nil {
		w.dropped.Add(1)
	}
}

func (w *Worker) drop(channel string, err error) {
	w.dropped.Add(1)
	slog.Warn("FEED_MALFORMED_MESSAGE",
		slog.String("venue", w.Venue()),
		slog.String("channel", channel),
		slog.String("err", err.Error()))
}

func (w *Worker) venueCode(pair string) (string, bool) {
	for code, p := range w.pairs {
		if p == pair {
			return code, true
		}
	}
	return "", false
}
