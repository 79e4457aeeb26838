// Package quant holds the numeric helpers shared by the matching core.
// All price and quantity arithmetic is fixed-point decimal; binary
// floating point never enters the hotpath.
package quant

import (
	"strconv"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// TimeStamp represents unix microseconds.
type TimeStamp int64

// NextSeq generates the next sequence number atomically.
func NextSeq(ptr *uint64) uint64 {
	return atomic.AddUint64(ptr, 1)
}

// ParseTimeStamp converts a millisecond string to a TimeStamp (micros).
func ParseTimeStamp(s string) (TimeStamp, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return TimeStamp(ms * 1000), nil
}

// ParseDecimal parses a venue numeric string. Empty and "null" parse
// to zero; feed payloads use them for absent fields.
func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" || s == "null" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// TruncQty truncates q toward zero to the given scale. Partial-level
// consumption rounds this way so a trade never creates value: the
// maker debit always equals the taker credit.
func TruncQty(q decimal.Decimal, scale int32) decimal.Decimal {
	return q.Truncate(scale)
}

// Notional returns price*qty truncated to the price scale.
func Notional(price, qty decimal.Decimal, priceScale int32) decimal.Decimal {
	return price.Mul(qty).Truncate(priceScale)
}

// MinDec returns the smaller of a and b.
func MinDec(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
