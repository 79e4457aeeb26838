package domain

import (
	"github.com/shopspring/decimal"
)

// TradingPair describes one tradable instrument. Pairs are owned by
// configuration and are read-only to the matching core.
type TradingPair struct {
	Symbol     string          // e.g. "BTC-USD"
	Base       string          // e.g. "BTC"
	Quote      string          // e.g. "USD"
	PriceTick  decimal.Decimal // minimum price increment
	QtyStep    decimal.Decimal // minimum quantity increment
	PriceScale int32           // decimal places for prices
	QtyScale   int32           // decimal places for quantities
}

// ValidPrice reports whether p is positive and on the pair's price grid.
func (tp TradingPair) ValidPrice(p decimal.Decimal) bool {
	if !p.IsPositive() {
		return false
	}
	return p.Mod(tp.PriceTick).IsZero()
}

// ValidQty reports whether q is positive and on the pair's quantity grid.
func (tp TradingPair) ValidQty(q decimal.Decimal) bool {
	if !q.IsPositive() {
		return false
	}
	return q.Mod(tp.QtyStep).IsZero()
}
