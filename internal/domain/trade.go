package domain

import (
	"github.com/shopspring/decimal"
)

// AnonymousMaker is the maker order id recorded on synthetic fills,
// where the counterparty is the externally observed reference price
// rather than a resident order.
const AnonymousMaker = "ANONYMOUS"

// Trade is an immutable fill record. Created exactly once per fill,
// never mutated.
type Trade struct {
	ID           string          `json:"id"`
	Pair         string          `json:"pair"`
	TakerOrderID string          `json:"taker_order_id"`
	MakerOrderID string          `json:"maker_order_id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	IsBuyerMaker bool            `json:"is_buyer_maker"`
	ExecutedAt   int64           `json:"executed_at"` // unix micros
}

// Synthetic reports whether the fill was taken against the anonymous
// reference-price counterparty.
func (t Trade) Synthetic() bool {
	return t.MakerOrderID == AnonymousMaker
}
