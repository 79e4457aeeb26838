package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the feed connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// Subscription names one venue stream the worker must keep alive
// across reconnects. Channel is "ticker" or "depth"; Symbol is the
// venue-native symbol.
type Subscription struct {
	Channel string
	Symbol  string
}

// FeedHandler supplies the venue-specific half of a feed connection:
// endpoint, subscribe frames, message parsing and the heartbeat probe.
type FeedHandler interface {
	Venue() string
	URL() string
	Subscribe(ctx context.Context, w *FeedWorker, subs []Subscription) error
	OnMessage(ctx context.Context, msg []byte)
	Heartbeat(ctx context.Context, w *FeedWorker) error
}

// FeedWorker drives one venue connection through an explicit state
// machine: DISCONNECTED -> CONNECTING -> CONNECTED -> DEGRADED (missed
// heartbeat) -> DISCONNECTED. Reconnects after a fixed delay and
// re-issues every registered subscription on each connect. Malformed
// frames are the handler's problem; the worker only moves bytes and
// state.
type FeedWorker struct {
	handler FeedHandler

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	state    atomic.Int32
	lastSeen atomic.Int64 // unix nanos of the last inbound frame

	subMu sync.Mutex
	subs  []Subscription

	// subscribe frames are paced so a reconnect with many pairs does
	// not trip venue write limits
	subLimiter *RateLimiter

	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
}

// NewFeedWorker creates a worker with the given initial subscriptions.
func NewFeedWorker(handler FeedHandler, subs []Subscription) *FeedWorker {
	return &FeedWorker{
		handler:           handler,
		subs:              subs,
		subLimiter:        NewRateLimiter(5, 10),
		ReconnectDelay:    5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReadTimeout:       90 * time.Second,
	}
}

// State returns the current connection state.
func (w *FeedWorker) State() ConnState {
	return ConnState(w.state.Load())
}

// Start runs the connection loop until the context is canceled or
// Stop is called.
func (w *FeedWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker.
func (w *FeedWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
	w.setState(StateDisconnected)
}

// AddSubscription registers a stream for this and every future
// connection. If the worker is currently connected the subscribe frame
// goes out immediately; registrations do not survive a process restart.
func (w *FeedWorker) AddSubscription(ctx context.Context, sub Subscription) error {
	w.subMu.Lock()
	for _, s := range w.subs {
		if s == sub {
			w.subMu.Unlock()
			return nil
		}
	}
	w.subs = append(w.subs, sub)
	w.subMu.Unlock()

	if w.State() == StateConnected {
		return w.handler.Subscribe(ctx, w, []Subscription{sub})
	}
	return nil
}

// Subscriptions snapshots the registered streams.
func (w *FeedWorker) Subscriptions() []Subscription {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	out := make([]Subscription, len(w.subs))
	copy(out, w.subs)
	return out
}

func (w *FeedWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			slog.Warn("FEED_CONNECT_FAILED",
				slog.String("venue", w.handler.Venue()),
				slog.String("err", err.Error()))
			w.setState(StateDisconnected)

			select {
			case <-ctx.Done():
				return
			case <-time.After(w.ReconnectDelay):
				continue
			}
		}

		connDone := make(chan struct{})
		if w.HeartbeatInterval > 0 {
			w.wg.Add(1)
			go w.heartbeatLoop(ctx, connDone)
		}
		w.process(ctx)
		close(connDone)
		w.setState(StateDisconnected)
	}
}

func (w *FeedWorker) connect(ctx context.Context) error {
	w.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.handler.URL(), nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.lastSeen.Store(time.Now().UnixNano())

	if err := w.handler.Subscribe(ctx, w, w.Subscriptions()); err != nil {
		w.close()
		return fmt.Errorf("subscribe: %w", err)
	}

	w.setState(StateConnected)
	slog.Info("FEED_CONNECTED", slog.String("venue", w.handler.Venue()))
	return nil
}

func (w *FeedWorker) process(ctx context.Context) {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("FEED_READ_ERROR",
					slog.String("venue", w.handler.Venue()),
					slog.String("err", err.Error()))
			}
			w.close()
			return
		}

		w.lastSeen.Store(time.Now().UnixNano())
		w.handler.OnMessage(ctx, msg)
	}
}

// heartbeatLoop probes the link on a fixed interval. A link that went
// a full interval without any inbound frame after a probe is DEGRADED
// and torn down; the run loop then reconnects.
func (w *FeedWorker) heartbeatLoop(ctx context.Context, connDone <-chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-connDone:
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, w.lastSeen.Load()))
			if silent > w.HeartbeatInterval*2 {
				w.setState(StateDegraded)
				slog.Warn("FEED_HEARTBEAT_MISSED",
					slog.String("venue", w.handler.Venue()),
					slog.Duration("silent", silent))
				w.close()
				return
			}
			if err := w.handler.Heartbeat(ctx, w); err != nil {
				w.setState(StateDegraded)
				slog.Warn("FEED_HEARTBEAT_ERROR",
					slog.String("venue", w.handler.Venue()),
					slog.String("err", err.Error()))
				w.close()
				return
			}
		}
	}
}

// Write sends one frame. Subscribe traffic is paced; data plane writes
// from the heartbeat are not.
func (w *FeedWorker) Write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("feed %s not connected", w.handler.Venue())
	}
	return c.WriteMessage(msgType, data)
}

// WriteSubscribe sends a subscribe frame through the pacing limiter.
func (w *FeedWorker) WriteSubscribe(data []byte) error {
	w.subLimiter.Wait()
	return w.Write(websocket.TextMessage, data)
}

func (w *FeedWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

func (w *FeedWorker) setState(s ConnState) {
	if ConnState(w.state.Swap(int32(s))) != s {
		slog.Debug("FEED_STATE",
			slog.String("venue", w.handler.Venue()),
			slog.String("state", s.String()))
	}
}
