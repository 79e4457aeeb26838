package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the book side an order rests on.
type Side int

const (
	Bid Side = iota // buy
	Ask             // sell
)

func (s Side) String() string {
	if s == Bid {
		return "BID"
	}
	return "ASK"
}

// Opposite returns the side an order takes liquidity from.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// ParseSide accepts BID/BUY and ASK/SELL, case-insensitive.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "BID", "BUY":
		return Bid, nil
	case "ASK", "SELL":
		return Ask, nil
	}
	return Bid, fmt.Errorf("%w: side %q", ErrInvalidOrder, s)
}

// OrderType distinguishes priced from unpriced orders.
type OrderType int

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	if t == Market {
		return "MARKET"
	}
	return "LIMIT"
}

// ParseOrderType accepts LIMIT and MARKET, case-insensitive. Empty
// means LIMIT.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToUpper(s) {
	case "", "LIMIT":
		return Limit, nil
	case "MARKET":
		return Market, nil
	}
	return Limit, fmt.Errorf("%w: order type %q", ErrInvalidOrder, s)
}

// TimeInForce governs how much of an order must fill immediately.
type TimeInForce int

const (
	GTC TimeInForce = iota // rest until canceled
	IOC                    // fill what crosses now, cancel the rest
	FOK                    // full quantity immediately or nothing
	AON                    // full quantity in a single fill or rest
)

func (t TimeInForce) String() string {
	switch t {
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	case AON:
		return "AON"
	default:
		return "GTC"
	}
}

// ParseTimeInForce accepts GTC, IOC, FOK and AON, case-insensitive.
// Empty means GTC.
func ParseTimeInForce(s string) (TimeInForce, error) {
	switch strings.ToUpper(s) {
	case "", "GTC":
		return GTC, nil
	case "IOC":
		return IOC, nil
	case "FOK":
		return FOK, nil
	case "AON":
		return AON, nil
	}
	return GTC, fmt.Errorf("%w: time in force %q", ErrInvalidOrder, s)
}

// Status is the lifecycle state of an admitted order.
type Status int

const (
	StatusOpen Status = iota
	StatusPartiallyFilled
	StatusPending
	StatusFilled
	StatusCanceled
	StatusExpired
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusPending:
		return "PENDING"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusExpired:
		return "EXPIRED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further fills or cancels may touch the order.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Order is an incoming customer order, before admission.
// Price is ignored for Market orders.
type Order struct {
	ID          string
	UserID      string
	Pair        string
	Side        Side
	Type        OrderType
	TIF         TimeInForce
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	SubmittedAt int64 // unix micros
}

// ResidentOrder is an order owned by a pair's book or pending index.
// Seq is assigned at admission and is the sole tie-break within a
// price level (strict FIFO).
type ResidentOrder struct {
	Order
	Seq       uint64
	Remaining decimal.Decimal
	Status    Status
}

// Open reports whether the order can still be matched or canceled.
func (o *ResidentOrder) Open() bool {
	return !o.Status.Terminal()
}

// Filled returns the quantity executed so far.
func (o *ResidentOrder) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining)
}
