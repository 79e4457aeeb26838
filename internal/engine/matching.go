package engine

import (
	"fmt"
	"math/rand"
	"time"

	"matchcore/internal/book"
	"matchcore/internal/domain"
	"matchcore/internal/market"
	"matchcore/pkg/quant"

	"github.com/shopspring/decimal"
)

// MatchingConfig tunes synthetic matching for a pair.
type MatchingConfig struct {
	// StalenessWindow is the maximum reference age usable for
	// synthetic fills.
	StalenessWindow time.Duration
	// PendingDelayMin/Max bound the randomized delay before a
	// band-eligible limit order receives its synthetic fill.
	PendingDelayMin time.Duration
	PendingDelayMax time.Duration
}

// DefaultMatchingConfig mirrors the reference design: 60s staleness,
// 5-30s synthetic delay.
func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		StalenessWindow: 60 * time.Second,
		PendingDelayMin: 5 * time.Second,
		PendingDelayMax: 30 * time.Second,
	}
}

// ArmRequest asks the scheduler to fire a synthetic fill attempt for a
// pending order after the delay.
type ArmRequest struct {
	OrderID string
	Delay   time.Duration
}

// PassResult is the outcome of one serialized matching pass.
// Trades are in execution order; Touched lists every order whose
// status or remaining quantity changed, in first-mutation order.
type PassResult struct {
	Taker   *domain.ResidentOrder
	Trades  []domain.Trade
	Touched []*domain.ResidentOrder
	Arm     []ArmRequest
	Err     error
}

func (r *PassResult) touch(ro *domain.ResidentOrder) {
	for _, t := range r.Touched {
		if t.ID == ro.ID {
			return
		}
	}
	r.Touched = append(r.Touched, ro)
}

// Engine applies the matching rules for one trading pair. It mutates
// book, reference cache, and pending index state and is only ever
// driven by the pair's sequencer (single writer).
type Engine struct {
	pair     domain.TradingPair
	book     *book.Book
	ref      *market.ReferenceCache
	pending  *PendingIndex
	cfg      MatchingConfig
	rnd      *rand.Rand
	tradeSeq uint64
}

// NewEngine wires a matching engine over its pair-owned state.
func NewEngine(pair domain.TradingPair, bk *book.Book, ref *market.ReferenceCache, cfg MatchingConfig) *Engine {
	return &Engine{
		pair:    pair,
		book:    bk,
		ref:     ref,
		pending: NewPendingIndex(),
		cfg:     cfg,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Book exposes the pair's book for snapshots.
func (e *Engine) Book() *book.Book { return e.book }

// Ref exposes the pair's reference cache.
func (e *Engine) Ref() *market.ReferenceCache { return e.ref }

// Submit runs a full matching pass for an incoming customer order.
// Admission errors are returned without any state change.
func (e *Engine) Submit(o domain.Order, now time.Time) *PassResult {
	ro, err := e.book.NewResident(o)
	if err != nil {
		return &PassResult{Err: err}
	}
	res := &PassResult{Taker: ro}

	if o.Type == domain.Market {
		e.matchMarket(ro, now, res)
	} else {
		e.matchLimit(ro, now, res)
	}

	if e.book.Crossed() {
		panic(fmt.Sprintf("BOOK_CROSSED_AFTER_PASS pair=%s order=%s", e.pair.Symbol, ro.ID))
	}
	return res
}

// matchMarket takes resident liquidity in price-time order, then the
// reference price for any remainder. Market orders never rest: a
// stale reference rejects the unmatched remainder.
func (e *Engine) matchMarket(ro *domain.ResidentOrder, now time.Time, res *PassResult) {
	e.takeResident(ro, nil, now, res)
	if ro.Remaining.IsZero() {
		return
	}

	price, ok := e.ref.BestOpposite(ro.Side)
	if e.ref.Stale(now) || !ok {
		if ro.Filled().IsZero() {
			ro.Status = domain.StatusRejected
		} else {
			ro.Status = domain.StatusCanceled
		}
		res.Err = domain.ErrStaleReference
		res.touch(ro)
		return
	}
	e.syntheticFill(ro, price, now, res)
}

func (e *Engine) matchLimit(ro *domain.ResidentOrder, now time.Time, res *PassResult) {
	if ro.TIF == domain.AON {
		e.matchAON(ro, now, res)
		return
	}
	if ro.TIF == domain.FOK && e.crossableQty(ro).LessThan(ro.Remaining) {
		// whole order rejected, no partial effect
		ro.Status = domain.StatusRejected
		res.touch(ro)
		return
	}

	e.takeResident(ro, &ro.Price, now, res)
	if ro.Remaining.IsZero() {
		return
	}

	switch ro.TIF {
	case domain.IOC:
		ro.Status = domain.StatusCanceled
		res.touch(ro)
	case domain.FOK:
		// full fill was prechecked; remainder is impossible
		panic(fmt.Sprintf("FOK_REMAINDER pair=%s order=%s remaining=%s", e.pair.Symbol, ro.ID, ro.Remaining))
	default:
		e.parkOrRest(ro, now, res)
	}
}

// matchAON executes the full quantity in one trade or none at all.
// Price-time priority pins the only candidate maker: the front order
// of the best crossing level. A smaller front maker means the order
// cannot execute without either splitting the fill or skipping the
// queue, so a crossing price is rejected; a non-crossing price parks
// or rests like any other limit.
func (e *Engine) matchAON(ro *domain.ResidentOrder, now time.Time, res *PassResult) {
	level, ok := e.book.BestOpposite(ro.Side)
	if !ok || !crosses(ro.Side, ro.Price, level.Price) {
		e.parkOrRest(ro, now, res)
		return
	}
	maker := level.Front()
	if maker == nil {
		panic(fmt.Sprintf("EMPTY_LEVEL_IN_LADDER pair=%s price=%s", e.pair.Symbol, level.Price))
	}
	if maker.Remaining.LessThan(ro.Remaining) {
		ro.Status = domain.StatusRejected
		res.touch(ro)
		return
	}
	e.fill(ro, maker, level.Price, ro.Remaining, now, res)
}

// takeResident walks the opposite ladder in price-then-time order.
// Fills execute at the maker's price (price improvement for the
// taker). A nil limit means take any price (market order).
func (e *Engine) takeResident(ro *domain.ResidentOrder, limit *decimal.Decimal, now time.Time, res *PassResult) {
	for ro.Remaining.IsPositive() {
		level, ok := e.book.BestOpposite(ro.Side)
		if !ok {
			return
		}
		if limit != nil && !crosses(ro.Side, *limit, level.Price) {
			return
		}
		maker := level.Front()
		if maker == nil {
			panic(fmt.Sprintf("EMPTY_LEVEL_IN_LADDER pair=%s price=%s", e.pair.Symbol, level.Price))
		}
		// Admitted quantities sit on the step grid, so the truncation
		// is a no-op unless a partial consumption ever drifts off it.
		qty := quant.TruncQty(quant.MinDec(ro.Remaining, maker.Remaining), e.pair.QtyScale)
		if qty.IsZero() {
			return
		}
		e.fill(ro, maker, level.Price, qty, now, res)
	}
}

// crosses reports whether a taker limit meets the maker level price.
func crosses(side domain.Side, limit, levelPrice decimal.Decimal) bool {
	if side == domain.Bid {
		return limit.GreaterThanOrEqual(levelPrice)
	}
	return limit.LessThanOrEqual(levelPrice)
}

// fill executes one (taker, maker) trade at the maker's price and
// mutates both orders. The maker debit equals the taker credit by
// construction: a single qty at a single price.
func (e *Engine) fill(ro, maker *domain.ResidentOrder, price, qty decimal.Decimal, now time.Time, res *PassResult) {
	trade := domain.Trade{
		ID:           e.nextTradeID(),
		Pair:         e.pair.Symbol,
		TakerOrderID: ro.ID,
		MakerOrderID: maker.ID,
		Price:        price,
		Quantity:     qty,
		IsBuyerMaker: maker.Side == domain.Bid,
		ExecutedAt:   now.UnixMicro(),
	}
	if err := e.book.Reduce(maker.ID, qty); err != nil {
		panic(fmt.Sprintf("MAKER_REDUCE_FAILED pair=%s maker=%s: %v", e.pair.Symbol, maker.ID, err))
	}
	ro.Remaining = ro.Remaining.Sub(qty)
	if ro.Remaining.IsZero() {
		ro.Status = domain.StatusFilled
	} else {
		ro.Status = domain.StatusPartiallyFilled
	}
	res.Trades = append(res.Trades, trade)
	res.touch(maker)
	res.touch(ro)
}

// syntheticFill executes the order's full remaining quantity against
// the anonymous reference counterparty at the given price.
func (e *Engine) syntheticFill(ro *domain.ResidentOrder, price decimal.Decimal, now time.Time, res *PassResult) {
	trade := domain.Trade{
		ID:           e.nextTradeID(),
		Pair:         e.pair.Symbol,
		TakerOrderID: ro.ID,
		MakerOrderID: domain.AnonymousMaker,
		Price:        price,
		Quantity:     ro.Remaining,
		IsBuyerMaker: ro.Side == domain.Ask,
		ExecutedAt:   now.UnixMicro(),
	}
	ro.Remaining = decimal.Zero
	ro.Status = domain.StatusFilled
	res.Trades = append(res.Trades, trade)
	res.touch(ro)
}

// parkOrRest parks a band-eligible remainder as PENDING with an armed
// synthetic delay, otherwise rests it in the book.
func (e *Engine) parkOrRest(ro *domain.ResidentOrder, now time.Time, res *PassResult) {
	if !e.ref.Stale(now) && e.ref.InBand(ro.Side, ro.Price) {
		ro.Status = domain.StatusPending
		e.pending.Add(ro)
		e.pending.MarkArmed(ro.ID)
		res.Arm = append(res.Arm, ArmRequest{OrderID: ro.ID, Delay: e.randDelay()})
		res.touch(ro)
		return
	}
	e.book.Rest(ro)
	res.touch(ro)
}

// crossableQty sums opposite-side liquidity the order's limit crosses,
// capped at the order's remaining quantity. Used by the FOK precheck.
func (e *Engine) crossableQty(ro *domain.ResidentOrder) decimal.Decimal {
	total := decimal.Zero
	levels := e.book.OppositeLevels(ro.Side)
	for _, level := range levels {
		if !crosses(ro.Side, ro.Price, level.Price) {
			break
		}
		total = total.Add(level.TotalQty)
		if total.GreaterThanOrEqual(ro.Remaining) {
			return ro.Remaining
		}
	}
	return total
}

// SyntheticFire attempts the delayed synthetic fill for a pending
// order. Cancellation is authoritative: a fire after the order left
// PENDING is a no-op. When the band has moved away (or gone stale),
// TimeInForce decides: GTC stays PENDING until the next reference
// move re-arms it; anything stricter expires.
func (e *Engine) SyntheticFire(orderID string, now time.Time) *PassResult {
	res := &PassResult{}
	ro, ok := e.pending.Get(orderID)
	if !ok || ro.Status != domain.StatusPending {
		return res
	}
	e.pending.Disarm(orderID)

	if e.ref.Stale(now) || !e.ref.InBand(ro.Side, ro.Price) {
		if ro.TIF == domain.GTC {
			return res
		}
		e.pending.Remove(orderID)
		ro.Status = domain.StatusExpired
		res.Taker = ro
		res.touch(ro)
		return res
	}

	e.pending.Remove(orderID)
	res.Taker = ro
	e.syntheticFill(ro, ro.Price, now, res)
	return res
}

// OnReferenceMove re-scans the pending index after a reference change
// and arms a delay for every order whose price now sits inside the
// band.
func (e *Engine) OnReferenceMove(now time.Time) *PassResult {
	res := &PassResult{}
	if e.ref.Stale(now) {
		return res
	}
	for _, side := range []domain.Side{domain.Bid, domain.Ask} {
		min, max, ok := e.ref.Band(side)
		if !ok {
			continue
		}
		for _, ro := range e.pending.InRange(side, min, max) {
			if e.pending.Armed(ro.ID) {
				continue
			}
			e.pending.MarkArmed(ro.ID)
			res.Arm = append(res.Arm, ArmRequest{OrderID: ro.ID, Delay: e.randDelay()})
		}
	}
	return res
}

// CancelPending removes a PENDING order from the index and marks it
// CANCELED. The armed timer, if any, will no-op on fire.
func (e *Engine) CancelPending(orderID string) (*domain.ResidentOrder, bool) {
	ro, ok := e.pending.Get(orderID)
	if !ok {
		return nil, false
	}
	e.pending.Remove(orderID)
	ro.Status = domain.StatusCanceled
	return ro, true
}

// PendingOrder returns a pending order by id.
func (e *Engine) PendingOrder(orderID string) (*domain.ResidentOrder, bool) {
	return e.pending.Get(orderID)
}

func (e *Engine) randDelay() time.Duration {
	min, max := e.cfg.PendingDelayMin, e.cfg.PendingDelayMax
	if max <= min {
		return min
	}
	return min + time.Duration(e.rnd.Int63n(int64(max-min)))
}

func (e *Engine) nextTradeID() string {
	e.tradeSeq++
	return fmt.Sprintf("%s-%d", e.pair.Symbol, e.tradeSeq)
}
