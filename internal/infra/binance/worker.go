package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"matchcore/internal/bus"
	"matchcore/internal/event"
	"matchcore/internal/infra"
	"matchcore/pkg/quant"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// streamFrame is the combined-stream envelope: every payload arrives
// wrapped with the stream name that produced it.
type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tickerPayload is the 24h rolling ticker stream. All numerics arrive
// as strings; decimal parsing keeps them exact.
type tickerPayload struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BestBid   string `json:"b"`
	BidQty    string `json:"B"`
	BestAsk   string `json:"a"`
	AskQty    string `json:"A"`
	High      string `json:"h"`
	Low       string `json:"l"`
}

// depthPayload is the partial book depth stream.
type depthPayload struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// Worker normalizes Binance combined-stream frames into TickerUpdate
// and DepthUpdate events on the bus.
type Worker struct {
	worker  *infra.FeedWorker
	url     string
	pairs   map[string]string // venue symbol (upper) -> internal pair
	bus     *bus.Bus
	seq     *uint64
	subID   atomic.Int64
	dropped atomic.Uint64
}

// NewWorker maps venue symbols to internal pairs and subscribes each
// mapped symbol's ticker stream. Depth streams are added on demand.
func NewWorker(wsURL string, symbols map[string]string, b *bus.Bus, seq *uint64) *Worker {
	w := &Worker{
		url:   wsURL,
		pairs: make(map[string]string, len(symbols)),
		bus:   b,
		seq:   seq,
	}
	subs := make([]infra.Subscription, 0, len(symbols))
	for venueSym, pair := range symbols {
		w.pairs[strings.ToUpper(venueSym)] = pair
		subs = append(subs, infra.Subscription{Channel: "ticker", Symbol: strings.ToLower(venueSym)})
	}
	w.worker = infra.NewFeedWorker(w, subs)
	return w
}

func (w *Worker) Venue() string { return "BINANCE" }
func (w *Worker) URL() string   { return w.url }

// Start opens the connection loop.
func (w *Worker) Start(ctx context.Context) { w.worker.Start(ctx) }

// Stop tears the connection down.
func (w *Worker) Stop() { w.worker.Stop() }

// State exposes the connection state.
func (w *Worker) State() infra.ConnState { return w.worker.State() }

// SubscribeDepth adds a partial-book depth stream for an internal
// pair. The stream survives reconnects within this process.
func (w *Worker) SubscribeDepth(ctx context.Context, pair string) error {
	venueSym, ok := w.venueSymbol(pair)
	if !ok {
		return fmt.Errorf("binance: no symbol mapped to pair %s", pair)
	}
	return w.worker.AddSubscription(ctx, infra.Subscription{
		Channel: "depth",
		Symbol:  strings.ToLower(venueSym),
	})
}

// Subscribe sends SUBSCRIBE frames for the given streams.
func (w *Worker) Subscribe(ctx context.Context, fw *infra.FeedWorker, subs []infra.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	params := make([]string, 0, len(subs))
	for _, s := range subs {
		params = append(params, streamName(s))
	}
	frame, err := json.Marshal(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     w.subID.Add(1),
	})
	if err != nil {
		return err
	}
	return fw.WriteSubscribe(frame)
}

// Heartbeat sends a transport-level ping; the server answers with a
// pong frame which counts as inbound activity.
func (w *Worker) Heartbeat(ctx context.Context, fw *infra.FeedWorker) error {
	return fw.Write(websocket.PingMessage, nil)
}

// OnMessage parses one combined-stream frame. Malformed frames are
// logged and dropped.
func (w *Worker) OnMessage(ctx context.Context, msg []byte) {
	var frame streamFrame
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Stream == "" {
		// subscribe acks and other control responses land here
		return
	}

	sym, channel := splitStream(frame.Stream)
	pair, ok := w.pairs[strings.ToUpper(sym)]
	if !ok {
		return
	}

	switch {
	case channel == "ticker":
		w.onTicker(pair, frame.Data)
	case strings.HasPrefix(channel, "depth"):
		w.onDepth(pair, frame.Data)
	}
}

func (w *Worker) onTicker(pair string, data []byte) {
	var p tickerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		w.drop("ticker", err)
		return
	}

	var perr error
	parse := func(s string) decimal.Decimal {
		d, err := quant.ParseDecimal(s)
		if err != nil && perr == nil {
			perr = err
		}
		return d
	}
	ev := event.TickerUpdate{
		BaseEvent: event.BaseEvent{
			Seq: quant.NextSeq(w.seq),
			Ts:  quant.TimeStamp(p.EventTime * 1000),
		},
		Pair:      pair,
		Venue:     w.Venue(),
		LastPrice: parse(p.LastPrice),
		BestBid:   parse(p.BestBid),
		BestAsk:   parse(p.BestAsk),
		BidQty:    parse(p.BidQty),
		AskQty:    parse(p.AskQty),
		High:      parse(p.High),
		Low:       parse(p.Low),
	}
	if perr != nil {
		w.drop("ticker", perr)
		return
	}
	w.publish(ev)
}

func (w *Worker) onDepth(pair string, data []byte) {
	var p depthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		w.drop("depth", err)
		return
	}

	bids, err := parseLadder(p.Bids)
	if err != nil {
		w.drop("depth", err)
		return
	}
	asks, err := parseLadder(p.Asks)
	if err != nil {
		w.drop("depth", err)
		return
	}

	ev := event.DepthUpdate{
		BaseEvent: event.BaseEvent{
			Seq: quant.NextSeq(w.seq),
			Ts:  quant.TimeStamp(time.Now().UnixMicro()),
		},
		Pair:  pair,
		Venue: w.Venue(),
		Bids:  bids,
		Asks:  asks,
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

func (w *Worker) venueSymbol(pair string) (string, bool) {
	for sym, p := range w.pairs {
		if p == pair {
			return sym, true
		}
	}
	return "", false
}

func parseLadder(rungs [][2]string) ([]event.PriceQty, error) {
	out := make([]event.PriceQty, 0, len(rungs))
	for _, r := range rungs {
		price, err := quant.ParseDecimal(r[0])
		if err != nil {
			return nil, err
		}
		qty, err := quant.ParseDecimal(r[1])
		if err != nil {
			return nil, err
		}
		if price.IsPositive() && qty.IsPositive() {
			out = append(out, event.PriceQty{Price: price, Qty: qty})
		}
	}
	return out, nil
}

func streamName(s infra.Subscription) string {
	if s.Channel == "depth" {
		return s.Symbol + "@depth20@100ms"
	}
	return s.Symbol + "@ticker"
}

func splitStream(stream string) (symbol, channel string) {
	if i := strings.IndexByte(stream, '@'); i >= 0 {
		return stream[:i], stream[i+1:]
	}
	return stream, ""
}
