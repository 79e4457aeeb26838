package event

import (
	"matchcore/internal/domain"
	"matchcore/pkg/quant"

	"github.com/shopspring/decimal"
)

// Type defines the type of event.
type Type uint16

const (
	EvTickerUpdate Type = iota + 1
	EvDepthUpdate
	EvNewOrderAccepted
	EvTradeExecuted
	EvOrderUpdated
)

func (t Type) String() string {
	switch t {
	case EvTickerUpdate:
		return "TICKER_UPDATE"
	case EvDepthUpdate:
		return "DEPTH_UPDATE"
	case EvNewOrderAccepted:
		return "NEW_ORDER_ACCEPTED"
	case EvTradeExecuted:
		return "TRADE_EXECUTED"
	case EvOrderUpdated:
		return "ORDER_UPDATED"
	default:
		return "UNKNOWN"
	}
}

// Event is the interface for all events flowing through the bus.
// Events travel by value; consumers never mutate a received event.
type Event interface {
	GetSeq() uint64
	GetTs() quant.TimeStamp
	GetType() Type
	GetPair() string
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq uint64          `json:"seq"`
	Ts  quant.TimeStamp `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64         { return e.Seq }
func (e BaseEvent) GetTs() quant.TimeStamp { return e.Ts }

// PriceQty is one rung of an externally observed depth ladder.
type PriceQty struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// TickerUpdate carries a venue's latest top-of-book quote for a pair.
type TickerUpdate struct {
	BaseEvent
	Pair      string          `json:"pair"`
	Venue     string          `json:"venue"`
	LastPrice decimal.Decimal `json:"last_price"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	BidQty    decimal.Decimal `json:"bid_qty"`
	AskQty    decimal.Decimal `json:"ask_qty"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
}

func (e TickerUpdate) GetType() Type   { return EvTickerUpdate }
func (e TickerUpdate) GetPair() string { return e.Pair }

// DepthUpdate carries a venue's observed depth ladder for a pair.
// It only ever mutates the reference price cache, never the customer
// book.
type DepthUpdate struct {
	BaseEvent
	Pair  string     `json:"pair"`
	Venue string     `json:"venue"`
	Bids  []PriceQty `json:"bids"`
	Asks  []PriceQty `json:"asks"`
}

func (e DepthUpdate) GetType() Type   { return EvDepthUpdate }
func (e DepthUpdate) GetPair() string { return e.Pair }

// NewOrderAccepted announces an order admitted by a pair sequencer.
type NewOrderAccepted struct {
	BaseEvent
	OrderID  string          `json:"order_id"`
	UserID   string          `json:"user_id"`
	Pair     string          `json:"pair"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

func (e NewOrderAccepted) GetType() Type   { return EvNewOrderAccepted }
func (e NewOrderAccepted) GetPair() string { return e.Pair }

// TradeExecuted wraps a fill record.
type TradeExecuted struct {
	BaseEvent
	Trade domain.Trade `json:"trade"`
}

func (e TradeExecuted) GetType() Type   { return EvTradeExecuted }
func (e TradeExecuted) GetPair() string { return e.Trade.Pair }

// OrderUpdated announces a status or remaining-quantity change.
type OrderUpdated struct {
	BaseEvent
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Pair      string          `json:"pair"`
	Status    string          `json:"status"`
	Remaining decimal.Decimal `json:"remaining"`
}

func (e OrderUpdated) GetType() Type   { return EvOrderUpdated }
func (e OrderUpdated) GetPair() string { return e.Pair }
