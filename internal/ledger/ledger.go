// Package ledger defines the asset-lock collaborator consumed by the
// matching core. Locking is synchronous and authoritative: an order is
// only admitted after its funds are locked.
package ledger

import (
	"sync"

	"github.com/shopspring/decimal"
)

// AssetLedger locks and releases user funds around order admission.
type AssetLedger interface {
	// Lock reserves qty of asset for the user. Returns false when the
	// user's free balance is insufficient.
	Lock(userID, asset string, qty decimal.Decimal) bool
	// Unlock releases a previously locked amount.
	Unlock(userID, asset string, qty decimal.Decimal)
}

type balance struct {
	free   decimal.Decimal
	locked decimal.Decimal
}

// MemoryLedger is an in-process AssetLedger used by bootstrap and
// tests. The production ledger lives outside the matching core.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]map[string]*balance
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]map[string]*balance)}
}

// Deposit credits free balance.
func (l *MemoryLedger) Deposit(userID, asset string, qty decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.get(userID, asset)
	b.free = b.free.Add(qty)
}

// Lock reserves funds if the free balance covers qty.
func (l *MemoryLedger) Lock(userID, asset string, qty decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.get(userID, asset)
	if b.free.LessThan(qty) {
		return false
	}
	b.free = b.free.Sub(qty)
	b.locked = b.locked.Add(qty)
	return true
}

// Unlock releases locked funds back to free balance.
func (l *MemoryLedger) Unlock(userID, asset string, qty decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.get(userID, asset)
	b.locked = b.locked.Sub(qty)
	b.free = b.free.Add(qty)
	if b.locked.IsNegative() {
		b.locked = decimal.Zero
	}
}

// Balances returns (free, locked) for inspection.
func (l *MemoryLedger) Balances(userID, asset string) (decimal.Decimal, decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.get(userID, asset)
	return b.free, b.locked
}

func (l *MemoryLedger) get(userID, asset string) *balance {
	assets, ok := l.balances[userID]
	if !ok {
		assets = make(map[string]*balance)
		l.balances[userID] = assets
	}
	b, ok := assets[asset]
	if !ok {
		b = &balance{free: decimal.Zero, locked: decimal.Zero}
		assets[asset] = b
	}
	return b
}

// Permissive is an AssetLedger that always grants locks. Used when the
// core runs without a balance service.
type Permissive struct{}

func (Permissive) Lock(string, string, decimal.Decimal) bool { return true }
func (Permissive) Unlock(string, string, decimal.Decimal)    {}
