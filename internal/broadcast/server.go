package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"matchcore/internal/domain"
	"matchcore/internal/engine"
	"matchcore/internal/event"
	"matchcore/internal/infra"
	"matchcore/internal/stats"
	"matchcore/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced by the outer middleware
		return true
	},
}

// DepthRequester is implemented by venue feed workers that can add a
// depth stream for a pair at runtime.
type DepthRequester interface {
	SubscribeDepth(ctx context.Context, pair string) error
}

// Order intake throttle. Bursty clients get 429 instead of queueing
// behind the sequencer inbox.
const (
	orderBurst     = 200
	orderPerSecond = 100.0
)

// Server exposes the REST and websocket surface of the gateway.
type Server struct {
	arena  *engine.Arena
	hub    *Hub
	router *mux.Router
	feeds  []DepthRequester
	stats  *stats.Service
	store  *storage.Store

	orderLimiter *infra.RateLimiter

	listenAddr     string
	allowedOrigins []string

	httpServer *http.Server
}

// NewServer wires routes for the given arena. feeds receive depth
// subscription requests triggered by websocket clients.
func NewServer(arena *engine.Arena, hub *Hub, listenAddr string, allowedOrigins []string, feeds ...DepthRequester) *Server {
	s := &Server{
		arena:          arena,
		hub:            hub,
		router:         mux.NewRouter(),
		feeds:          feeds,
		orderLimiter:   infra.NewRateLimiter(orderBurst, orderPerSecond),
		listenAddr:     listenAddr,
		allowedOrigins: allowedOrigins,
	}
	s.setupRoutes()
	return s
}

// WithStats attaches the statistics service backing the ticker
// endpoint.
func (s *Server) WithStats(svc *stats.Service) *Server {
	s.stats = svc
	return s
}

// WithStore attaches the trade and order store backing the history
// endpoints.
func (s *Server) WithStore(st *storage.Store) *Server {
	s.store = st
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/pairs", s.handleGetPairs).Methods("GET")
	api.HandleFunc("/pairs/{symbol}/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/pairs/{symbol}/ticker", s.handleGetTicker).Methods("GET")
	api.HandleFunc("/pairs/{symbol}/trades", s.handleRecentTrades).Methods("GET")
	api.HandleFunc("/users/{userID}/orders", s.handleUserOrders).Methods("GET")
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/admin/pairs/{symbol}/restart", s.handleRestartPair).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start serves until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	s.httpServer = &http.Server{
		Addr:    s.listenAddr,
		Handler: c.Handler(s.router),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("GATEWAY_LISTENING", slog.String("addr", s.listenAddr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Pump routes bus events to websocket subscribers until the channel
// closes or the context is canceled.
func (s *Server) Pump(ctx context.Context, ch <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.hub.Dispatch(ev)
		}
	}
}

type orderRequest struct {
	OrderID  string `json:"order_id"`
	UserID   string `json:"user_id"`
	Pair     string `json:"pair"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	TIF      string `json:"tif"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type orderResponse struct {
	OrderID   string         `json:"order_id"`
	Status    string         `json:"status"`
	Remaining string         `json:"remaining"`
	Trades    []domain.Trade `json:"trades,omitempty"`
}

type cancelRequest struct {
	Pair    string `json:"pair"`
	OrderID string `json:"order_id"`
}

func (s *Server) handleGetPairs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.arena.Pairs())
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	n := 20
	if v := r.URL.Query().Get("depth"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid depth", v)
			return
		}
		n = parsed
	}

	snap, err := s.arena.Depth(r.Context(), symbol, n)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetTicker(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		respondError(w, http.StatusNotFound, "statistics disabled", "")
		return
	}
	symbol := mux.Vars(r)["symbol"]
	st, ok := s.stats.Snapshot(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "no trades for pair", symbol)
		return
	}
	respondJSON(w, st)
}

func (s *Server) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "history disabled", "")
		return
	}
	symbol := mux.Vars(r)["symbol"]
	trades, err := s.store.RecentTrades(r.Context(), symbol, historyLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history query failed", err.Error())
		return
	}
	respondJSON(w, trades)
}

func (s *Server) handleUserOrders(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "history disabled", "")
		return
	}
	userID := mux.Vars(r)["userID"]
	orders, err := s.store.OrdersByUser(r.Context(), userID, historyLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history query failed", err.Error())
		return
	}
	respondJSON(w, orders)
}

// historyLimit reads the limit query parameter, defaulting to 50 and
// capping at 500.
func historyLimit(r *http.Request) int {
	n := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if n > 500 {
		n = 500
	}
	return n
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	if !s.orderLimiter.TryAcquire() {
		respondError(w, http.StatusTooManyRequests, "order intake throttled", "")
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	order, err := req.toOrder()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	res, err := s.arena.Submit(r.Context(), order)
	if err != nil && res.Order.ID == "" {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, orderResponse{
		OrderID:   res.Order.ID,
		Status:    res.Order.Status.String(),
		Remaining: res.Order.Remaining.String(),
		Trades:    res.Trades,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Pair == "" || req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "pair and order_id are required", "")
		return
	}

	res, err := s.arena.Cancel(r.Context(), req.Pair, req.OrderID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, orderResponse{
		OrderID:   res.Order.ID,
		Status:    res.Order.Status.String(),
		Remaining: res.Order.Remaining.String(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WS_UPGRADE_FAILED", slog.String("err", err.Error()))
		return
	}

	client := &Client{
		hub:              s.hub,
		conn:             conn,
		send:             make(chan []byte, s.hub.clientQueueSize),
		id:               conn.RemoteAddr().String(),
		subs:             make(map[string]bool),
		onDepthSubscribe: s.onDepthSubscribe,
	}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	// the request context dies with the handler; the upgraded
	// connection outlives it
	go client.writePump()
	go client.readPump(context.Background())
}

// onDepthSubscribe asks every venue feed for the pair's depth stream
// and returns a current book snapshot for replay.
func (s *Server) onDepthSubscribe(ctx context.Context, pair string) ([]byte, error) {
	for _, f := range s.feeds {
		if err := f.SubscribeDepth(ctx, pair); err != nil {
			slog.Debug("DEPTH_SUBSCRIBE_SKIPPED", slog.String("pair", pair), slog.String("err", err.Error()))
		}
	}

	snap, err := s.arena.Depth(ctx, pair, 20)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Topic: DepthTopic(pair),
		Type:  "BOOK_SNAPSHOT",
		Data:  snap,
	})
}

// handleRestartPair revives a pair whose sequencer died on an
// invariant breach. Healthy pairs are refused so a restart can never
// drop a live book.
func (s *Server) handleRestartPair(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.arena.Restart(symbol); err != nil {
		if errors.Is(err, domain.ErrUnknownPair) {
			respondError(w, http.StatusNotFound, "UNKNOWN_PAIR", err.Error())
			return
		}
		respondError(w, http.StatusConflict, "NOT_RESTARTABLE", err.Error())
		return
	}
	respondJSON(w, map[string]interface{}{"pair": symbol, "status": "restarted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dead := s.arena.DeadPairs()
	status := "ok"
	if len(dead) > 0 {
		status = "degraded"
	}
	respondJSON(w, map[string]interface{}{
		"status":     status,
		"clients":    s.hub.ClientCount(),
		"dead_pairs": dead,
	})
}

func (r orderRequest) toOrder() (domain.Order, error) {
	side, err := domain.ParseSide(r.Side)
	if err != nil {
		return domain.Order{}, err
	}
	typ, err := domain.ParseOrderType(r.Type)
	if err != nil {
		return domain.Order{}, err
	}
	tif, err := domain.ParseTimeInForce(r.TIF)
	if err != nil {
		return domain.Order{}, err
	}

	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil {
		return domain.Order{}, err
	}
	var price decimal.Decimal
	if r.Price != "" {
		if price, err = decimal.NewFromString(r.Price); err != nil {
			return domain.Order{}, err
		}
	}

	return domain.Order{
		ID:       r.OrderID,
		UserID:   r.UserID,
		Pair:     r.Pair,
		Side:     side,
		Type:     typ,
		TIF:      tif,
		Price:    price,
		Quantity: qty,
	}, nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   error,
		"message": message,
	})
}

// respondDomainError maps the error taxonomy onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidOrder):
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
	case errors.Is(err, domain.ErrUnknownPair):
		respondError(w, http.StatusNotFound, "unknown pair", err.Error())
	case errors.Is(err, domain.ErrOrderNotResident):
		respondError(w, http.StatusNotFound, "order not found", err.Error())
	case errors.Is(err, domain.ErrAlreadyTerminal), errors.Is(err, domain.ErrConflictingOperation):
		respondError(w, http.StatusConflict, "order already settled", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		respondError(w, http.StatusUnprocessableEntity, "insufficient funds", err.Error())
	case errors.Is(err, domain.ErrStaleReference):
		respondError(w, http.StatusServiceUnavailable, "reference price unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}
