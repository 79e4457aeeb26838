package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"matchcore/internal/bus"
	"matchcore/internal/domain"
	"matchcore/internal/engine"
	"matchcore/internal/infra"
	"matchcore/internal/ledger"
	"matchcore/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

func testArena(t *testing.T) (*engine.Arena, *bus.Bus) {
	t.Helper()
	pair := domain.TradingPair{
		Symbol:     "BTC-USD",
		Base:       "BTC",
		Quote:      "USD",
		PriceTick:  decimal.RequireFromString("0.01"),
		QtyStep:    decimal.RequireFromString("0.0001"),
		PriceScale: 2,
		QtyScale:   4,
	}
	b := bus.New()
	a := engine.NewArena([]domain.TradingPair{pair}, b, ledger.Permissive{}, engine.DefaultMatchingConfig(), 64)
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	t.Cleanup(func() {
		cancel()
		a.Stop()
	})
	return a, b
}

func testServer(t *testing.T) (*Server, *httptest.Server, *bus.Bus) {
	t.Helper()
	arena, b := testArena(t)
	hub := NewHub(16)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	s := NewServer(arena, hub, "127.0.0.1:0", nil)
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)
	return s, ts, b
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestSubmitOrderREST(t *testing.T) {
	_, ts, _ := testServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/orders", orderRequest{
		OrderID:  "o1",
		UserID:   "alice",
		Pair:     "BTC-USD",
		Side:     "BUY",
		Type:     "LIMIT",
		TIF:      "GTC",
		Price:    "100.00",
		Quantity: "1",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "OPEN" || out.OrderID != "o1" {
		t.Errorf("response = %+v", out)
	}
}

func TestSubmitOrderValidationErrors(t *testing.T) {
	_, ts, _ := testServer(t)

	cases := []struct {
		name string
		req  orderRequest
		want int
	}{
		{"bad side", orderRequest{OrderID: "o1", Pair: "BTC-USD", Side: "SIDEWAYS", Quantity: "1", Price: "100.00"}, http.StatusBadRequest},
		{"unknown pair", orderRequest{OrderID: "o1", Pair: "DOGE-USD", Side: "BUY", Quantity: "1", Price: "100.00"}, http.StatusNotFound},
		{"off-tick price", orderRequest{OrderID: "o1", Pair: "BTC-USD", Side: "BUY", Quantity: "1", Price: "100.001"}, http.StatusBadRequest},
	}
	for _, c := range cases {
		resp := postJSON(t, ts.URL+"/api/v1/orders", c.req)
		resp.Body.Close()
		if resp.StatusCode != c.want {
			t.Errorf("%s: status = %d, want %d", c.name, resp.StatusCode, c.want)
		}
	}
}

func TestCancelOrderREST(t *testing.T) {
	_, ts, _ := testServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/orders", orderRequest{
		OrderID: "o1", UserID: "alice", Pair: "BTC-USD",
		Side: "BUY", Price: "100.00", Quantity: "1",
	})
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/orders/cancel", cancelRequest{Pair: "BTC-USD", OrderID: "o1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	var out orderResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Status != "CANCELED" {
		t.Errorf("status = %s", out.Status)
	}

	// second cancel conflicts
	resp = postJSON(t, ts.URL+"/api/v1/orders/cancel", cancelRequest{Pair: "BTC-USD", OrderID: "o1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("repeat cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestBookSnapshotREST(t *testing.T) {
	_, ts, _ := testServer(t)

	for i, req := range []orderRequest{
		{OrderID: "b1", Pair: "BTC-USD", Side: "BUY", Price: "99.00", Quantity: "2"},
		{OrderID: "a1", Pair: "BTC-USD", Side: "SELL", Price: "101.00", Quantity: "3"},
	} {
		resp := postJSON(t, ts.URL+"/api/v1/orders", req)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("order %d status = %d", i, resp.StatusCode)
		}
	}

	resp, err := http.Get(ts.URL + "/api/v1/pairs/BTC-USD/book?depth=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var snap struct {
		Bids []json.RawMessage `json:"bids"`
		Asks []json.RawMessage `json:"asks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Errorf("snapshot = %d/%d levels", len(snap.Bids), len(snap.Asks))
	}
}

func TestWebSocketTradeStream(t *testing.T) {
	s, ts, b := testServer(t)

	events, err := b.Subscribe("broadcast", 64, bus.DropOldest)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Pump(ctx, events)

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(subscribeRequest{Op: "subscribe", Topics: []string{"trades.BTC-USD"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatal(err)
	}
	// registration and subscription race the fills below
	time.Sleep(50 * time.Millisecond)

	resp := postJSON(t, ts.URL+"/api/v1/orders", orderRequest{
		OrderID: "m1", UserID: "alice", Pair: "BTC-USD",
		Side: "SELL", Price: "100.00", Quantity: "1",
	})
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/api/v1/orders", orderRequest{
		OrderID: "t1", UserID: "bob", Pair: "BTC-USD",
		Side: "BUY", Price: "100.00", Quantity: "1",
	})
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatal(err)
	}
	if env.Topic != "trades.BTC-USD" || env.Type != "TRADE_EXECUTED" {
		t.Errorf("envelope = %s/%s", env.Topic, env.Type)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status    string   `json:"status"`
		DeadPairs []string `json:"dead_pairs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || len(body.DeadPairs) != 0 {
		t.Errorf("health = %+v, want ok with no dead pairs", body)
	}
}

func TestRestartPairEndpoint(t *testing.T) {
	_, ts, _ := testServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/admin/pairs/DOGE-USD/restart", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown pair: status = %d, want 404", resp.StatusCode)
	}

	// a healthy sequencer must not be restartable
	resp, err = http.Post(ts.URL+"/api/v1/admin/pairs/BTC-USD/restart", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("healthy pair: status = %d, want 409", resp.StatusCode)
	}
}

func TestReadPumpExitsAfterHubStopped(t *testing.T) {
	hub := NewHub(8)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	pumpDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &Client{hub: hub, conn: conn, send: make(chan []byte, 1), id: "c", subs: map[string]bool{}}
		go func() {
			c.readPump(context.Background())
			close(pumpDone)
		}()
	}))
	defer srv.Close()

	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	// the disconnect handoff has no hub to receive it; the pump must
	// still wind down
	select {
	case <-pumpDone:
	case <-time.After(2 * time.Second):
		t.Fatal("read pump stuck on disconnect after hub shutdown")
	}
}

func TestRejectedWebSocketAfterHubStopped(t *testing.T) {
	arena, _ := testArena(t)
	hub := NewHub(8)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	s := NewServer(arena, hub, "127.0.0.1:0", nil)
	ts := httptest.NewServer(s.router)
	defer ts.Close()

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		// upgrade refused outright is fine too
		return
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open although the hub is gone")
	}
}

func TestHistoryEndpoints(t *testing.T) {
	arena, _ := testArena(t)
	hub := NewHub(16)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	st, err := storage.NewStore(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.SaveTrade(context.Background(), domain.Trade{
		ID: "tr-1", Pair: "BTC-USD", TakerOrderID: "t1", MakerOrderID: "m1",
		Price:    decimal.RequireFromString("100"),
		Quantity: decimal.RequireFromString("1"),
	}); err != nil {
		t.Fatal(err)
	}

	s := NewServer(arena, hub, "127.0.0.1:0", nil).WithStore(st)
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/v1/pairs/BTC-USD/trades?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trades status = %d", resp.StatusCode)
	}
	var trades []storage.TradeRecord
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].ID != "tr-1" {
		t.Errorf("trades = %+v, want the saved fill", trades)
	}

	resp2, err := http.Get(ts.URL + "/api/v1/users/nobody/orders")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("orders status = %d", resp2.StatusCode)
	}
	var orders []storage.OrderRecord
	if err := json.NewDecoder(resp2.Body).Decode(&orders); err != nil {
		t.Fatal(err)
	}
	if len(orders) != 0 {
		t.Errorf("orders = %+v, want none", orders)
	}
}

func TestHistoryEndpointsWithoutStore(t *testing.T) {
	_, ts, _ := testServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/pairs/BTC-USD/trades")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestOrderIntakeThrottled(t *testing.T) {
	s, ts, _ := testServer(t)
	s.orderLimiter = infra.NewRateLimiter(1, 0.001)

	resp := postJSON(t, ts.URL+"/api/v1/orders", orderRequest{
		OrderID: "o1", UserID: "alice", Pair: "BTC-USD",
		Side: "BUY", Price: "100.00", Quantity: "1",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first order: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/orders", orderRequest{
		OrderID: "o2", UserID: "alice", Pair: "BTC-USD",
		Side: "BUY", Price: "100.00", Quantity: "1",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second order: status = %d, want 429", resp.StatusCode)
	}
}
