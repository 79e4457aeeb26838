package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"matchcore/internal/event"
)

// Topic names for outbound routing. Ticker, depth and trade topics are
// public per pair; order updates go to a per-user private topic.
func TickerTopic(pair string) string { return "ticker." + pair }
func DepthTopic(pair string) string  { return "depth." + pair }
func TradesTopic(pair string) string { return "trades." + pair }
func OrdersTopic(userID string) string {
	return "orders." + userID
}

// Hub fans bus events out to websocket clients. Each client has its
// own bounded send queue; a client whose queue is full when a message
// arrives is disconnected rather than allowed to block the fan-out.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	clientQueueSize int
	evicted         uint64
}

// NewHub creates a hub with the given per-client queue size.
func NewHub(clientQueueSize int) *Hub {
	if clientQueueSize <= 0 {
		clientQueueSize = 256
	}
	return &Hub{
		clients:         make(map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		done:            make(chan struct{}),
		clientQueueSize: clientQueueSize,
	}
}

// Run owns client registration until the context is canceled. done is
// closed on exit so pumps racing a shutdown never block on the
// registration channels.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			slog.Info("WS_CLIENT_CONNECTED", slog.String("client", c.id), slog.Int("total", n))

		case c := <-h.unregister:
			h.drop(c, "disconnect")
		}
	}
}

// Dispatch routes one domain event to its topic's subscribers.
func (h *Hub) Dispatch(ev event.Event) {
	topic, payload, ok := routeEvent(ev)
	if !ok {
		return
	}
	h.publish(topic, payload)
}

func (h *Hub) publish(topic string, payload []byte) {
	var stalled []*Client

	h.mu.RLock()
	for c := range h.clients {
		if !c.IsSubscribed(topic) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		h.drop(c, "send queue full")
	}
}

func (h *Hub) drop(c *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.evicted++
	n := len(h.clients)
	h.mu.Unlock()
	slog.Info("WS_CLIENT_DROPPED",
		slog.String("client", c.id),
		slog.String("reason", reason),
		slog.Int("total", n))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// routeEvent maps a domain event to its outbound topic and JSON
// payload. Raw feed events are not broadcast.
func routeEvent(ev event.Event) (string, []byte, bool) {
	var topic string
	var body interface{}

	switch e := ev.(type) {
	case event.TickerUpdate:
		topic = TickerTopic(e.Pair)
		body = e
	case event.DepthUpdate:
		topic = DepthTopic(e.Pair)
		body = e
	case event.TradeExecuted:
		topic = TradesTopic(e.Trade.Pair)
		body = e
	case event.OrderUpdated:
		topic = OrdersTopic(e.UserID)
		body = e
	case event.NewOrderAccepted:
		topic = OrdersTopic(e.UserID)
		body = e
	default:
		return "", nil, false
	}

	payload, err := json.Marshal(envelope{
		Topic: topic,
		Type:  ev.GetType().String(),
		Data:  body,
	})
	if err != nil {
		slog.Warn("WS_MARSHAL_FAILED", slog.String("err", err.Error()))
		return "", nil, false
	}
	return topic, payload, true
}

type envelope struct {
	Topic string      `json:"topic"`
	Type  string      `json:"type"`
	Data  interface{} `json:"data"`
}
