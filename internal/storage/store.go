package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"matchcore/internal/domain"
	"matchcore/internal/event"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"
)

// Store persists executed trades and order state transitions in
// SQLite. It consumes the storage bus group; a write failure is logged
// and the event dropped, never propagated back into matching.
type Store struct {
	db *sql.DB
}

// NewStore opens the database with WAL mode enabled and creates the
// schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			pair TEXT NOT NULL,
			taker_order_id TEXT NOT NULL,
			maker_order_id TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			is_buyer_maker INTEGER NOT NULL,
			synthetic INTEGER NOT NULL,
			executed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_pair_time ON trades(pair, executed_at DESC);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			pair TEXT NOT NULL,
			side TEXT NOT NULL,
			price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			remaining TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Run consumes the bus group until the channel closes or the context
// is canceled.
func (s *Store) Run(ctx context.Context, ch <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.apply(ctx, ev)
		}
	}
}

func (s *Store) apply(ctx context.Context, ev event.Event) {
	var err error
	switch e := ev.(type) {
	case event.TradeExecuted:
		err = s.SaveTrade(ctx, e.Trade)
	case event.NewOrderAccepted:
		err = s.upsertOrder(ctx, e.OrderID, e.UserID, e.Pair, e.Side,
			e.Price, e.Quantity, e.Quantity, "OPEN", int64(e.Ts))
	case event.OrderUpdated:
		err = s.updateOrder(ctx, e.OrderID, e.Remaining, e.Status, int64(e.Ts))
	default:
		return
	}
	if err != nil {
		slog.Warn("STORE_WRITE_FAILED",
			slog.String("type", ev.GetType().String()),
			slog.String("err", err.Error()))
	}
}

// SaveTrade persists one fill. Duplicate ids are ignored so a replay
// is harmless.
func (s *Store) SaveTrade(ctx context.Context, t domain.Trade) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, pair, taker_order_id, maker_order_id, price, quantity, is_buyer_maker, synthetic, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		t.ID, t.Pair, t.TakerOrderID, t.MakerOrderID,
		t.Price.String(), t.Quantity.String(),
		boolInt(t.IsBuyerMaker), boolInt(t.Synthetic()), t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (s *Store) upsertOrder(ctx context.Context, id, userID, pair, side string, price, qty, remaining decimal.Decimal, status string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, pair, side, price, quantity, remaining, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET remaining=excluded.remaining, status=excluded.status, updated_at=excluded.updated_at`,
		id, userID, pair, side, price.String(), qty.String(), remaining.String(), status, ts,
	)
	return err
}

func (s *Store) updateOrder(ctx context.Context, id string, remaining decimal.Decimal, status string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET remaining = ?, status = ?, updated_at = ? WHERE id = ?`,
		remaining.String(), status, ts, id,
	)
	return err
}

// TradeRecord is one persisted fill, prices kept as exact strings.
type TradeRecord struct {
	ID           string `json:"id"`
	Pair         string `json:"pair"`
	TakerOrderID string `json:"taker_order_id"`
	MakerOrderID string `json:"maker_order_id"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	IsBuyerMaker bool   `json:"is_buyer_maker"`
	Synthetic    bool   `json:"synthetic"`
	ExecutedAt   int64  `json:"executed_at"`
}

// RecentTrades returns up to limit fills for a pair, newest first.
func (s *Store) RecentTrades(ctx context.Context, pair string, limit int) ([]TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pair, taker_order_id, maker_order_id, price, quantity, is_buyer_maker, synthetic, executed_at
		 FROM trades WHERE pair = ? ORDER BY executed_at DESC LIMIT ?`,
		pair, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var buyerMaker, synthetic int
		if err := rows.Scan(&t.ID, &t.Pair, &t.TakerOrderID, &t.MakerOrderID,
			&t.Price, &t.Quantity, &buyerMaker, &synthetic, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.IsBuyerMaker = buyerMaker != 0
		t.Synthetic = synthetic != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// OrderRecord is one persisted order row.
type OrderRecord struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Pair      string `json:"pair"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Remaining string `json:"remaining"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updated_at"`
}

// OrdersByUser returns a user's orders, most recently updated first.
func (s *Store) OrdersByUser(ctx context.Context, userID string, limit int) ([]OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, pair, side, price, quantity, remaining, status, updated_at
		 FROM orders WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.ID, &o.UserID, &o.Pair, &o.Side,
			&o.Price, &o.Quantity, &o.Remaining, &o.Status, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpsertMetadata saves a key-value pair to the metadata table.
func (s *Store) UpsertMetadata(ctx context.Context, key, value string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, ts,
	)
	return err
}

// GetMetadata retrieves a value from the metadata table. Missing keys
// return "".
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
