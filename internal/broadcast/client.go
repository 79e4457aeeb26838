package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// subscribeRequest is the inbound client protocol.
type subscribeRequest struct {
	Op     string   `json:"op"` // subscribe | unsubscribe
	Topics []string `json:"topics"`
}

// Client is one websocket consumer with a bounded send queue.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu sync.RWMutex
	subs   map[string]bool

	// called when the client subscribes a depth topic, so the gateway
	// can request the venue stream and replay a book snapshot
	onDepthSubscribe func(ctx context.Context, pair string) ([]byte, error)
}

// IsSubscribed reports whether the client listens on topic.
func (c *Client) IsSubscribed(topic string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subs[topic]
}

func (c *Client) subscribe(topic string) {
	c.subsMu.Lock()
	c.subs[topic] = true
	c.subsMu.Unlock()
}

func (c *Client) unsubscribe(topic string) {
	c.subsMu.Lock()
	delete(c.subs, topic)
	c.subsMu.Unlock()
}

// readPump consumes subscribe/unsubscribe requests until the
// connection dies.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		// the hub may already be gone during shutdown; it closes every
		// registered client itself in that case
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("WS_READ_ERROR", slog.String("client", c.id), slog.String("err", err.Error()))
			}
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			slog.Debug("WS_BAD_REQUEST", slog.String("client", c.id), slog.String("err", err.Error()))
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, topic := range req.Topics {
				c.subscribe(topic)
				c.maybeReplayDepth(ctx, topic)
			}
		case "unsubscribe":
			for _, topic := range req.Topics {
				c.unsubscribe(topic)
			}
		default:
			slog.Debug("WS_UNKNOWN_OP", slog.String("client", c.id), slog.String("op", req.Op))
		}
	}
}

// maybeReplayDepth fires the depth hook for depth.<pair> topics and
// queues the returned snapshot so the client has a baseline before the
// stream starts.
func (c *Client) maybeReplayDepth(ctx context.Context, topic string) {
	pair, ok := strings.CutPrefix(topic, "depth.")
	if !ok || c.onDepthSubscribe == nil {
		return
	}
	snapshot, err := c.onDepthSubscribe(ctx, pair)
	if err != nil {
		slog.Warn("WS_DEPTH_SUBSCRIBE_FAILED",
			slog.String("client", c.id),
			slog.String("pair", pair),
			slog.String("err", err.Error()))
		return
	}
	if snapshot != nil {
		select {
		case c.send <- snapshot:
		default:
		}
	}
}

// writePump drains the send queue onto the wire, batching whatever is
// already queued into a single frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
