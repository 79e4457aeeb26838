package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"matchcore/internal/book"
	"matchcore/internal/bus"
	"matchcore/internal/domain"
	"matchcore/internal/event"
	"matchcore/internal/ledger"
	"matchcore/internal/market"
	"matchcore/pkg/quant"

	"github.com/shopspring/decimal"
)

// SubmitResult is returned synchronously to an order's originator.
// Order is a copy of the taker's state after the pass.
type SubmitResult struct {
	Order  domain.ResidentOrder
	Trades []domain.Trade
	Err    error
}

// CancelResult is returned synchronously to a cancel's originator.
type CancelResult struct {
	Order domain.ResidentOrder
	Err   error
}

type command interface{}

type submitCmd struct {
	order domain.Order
	reply chan SubmitResult
}

type cancelCmd struct {
	orderID string
	reply   chan CancelResult
}

type feedCmd struct {
	ev event.Event
}

type fireCmd struct {
	orderID string
}

type depthCmd struct {
	n     int
	reply chan book.DepthSnapshot
}

type lockRec struct {
	asset   string
	perUnit decimal.Decimal // locked amount per unit of remaining qty
}

// Sequencer is the single writer for one trading pair: every admit,
// match, cancel, reference move, and delayed synthetic fill for the
// pair runs strictly serially through its inbox. This is what makes
// price-time priority well-defined.
type Sequencer struct {
	pair   domain.TradingPair
	engine *Engine
	inbox  chan command
	bus    *bus.Bus
	ledger ledger.AssetLedger
	evSeq  *uint64
	now    func() time.Time

	// every admitted order, including terminal ones, for cancel
	// conflict resolution
	orders map[string]*domain.ResidentOrder
	locks  map[string]lockRec

	cancel context.CancelFunc
	wg     sync.WaitGroup
	dead   atomic.Bool
	closed atomic.Bool
}

// NewSequencer builds the pair's sequencer and its owned state: book,
// reference cache, matching engine, pending index.
func NewSequencer(pair domain.TradingPair, b *bus.Bus, lg ledger.AssetLedger, cfg MatchingConfig, evSeq *uint64, inboxSize int) *Sequencer {
	bk := book.New(pair)
	ref := market.NewReferenceCache(pair.Symbol, cfg.StalenessWindow)
	return &Sequencer{
		pair:   pair,
		engine: NewEngine(pair, bk, ref, cfg),
		inbox:  make(chan command, inboxSize),
		bus:    b,
		ledger: lg,
		evSeq:  evSeq,
		now:    time.Now,
		orders: make(map[string]*domain.ResidentOrder),
		locks:  make(map[string]lockRec),
	}
}

// Start launches the sequencer loop.
func (s *Sequencer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop terminates the loop and waits for it to drain.
func (s *Sequencer) Stop() {
	s.closed.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Dead reports whether the loop died on an invariant violation. A dead
// sequencer is restartable in isolation; other pairs are unaffected.
func (s *Sequencer) Dead() bool { return s.dead.Load() }

func (s *Sequencer) run(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.dead.Store(true)
			slog.Error("SEQUENCER_PANIC",
				slog.String("pair", s.pair.Symbol),
				slog.Any("panic", r))
			s.dumpState(fmt.Sprintf("panic_dump_%s.json", s.pair.Symbol))
		}
	}()

	slog.Info("Sequencer started", slog.String("pair", s.pair.Symbol))
	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping", slog.String("pair", s.pair.Symbol))
			return
		case cmd := <-s.inbox:
			s.dispatch(cmd)
		}
	}
}

func (s *Sequencer) dispatch(cmd command) {
	switch c := cmd.(type) {
	case submitCmd:
		c.reply <- s.handleSubmit(c.order)
	case cancelCmd:
		c.reply <- s.handleCancel(c.orderID)
	case feedCmd:
		s.handleFeed(c.ev)
	case fireCmd:
		s.handleFire(c.orderID)
	case depthCmd:
		c.reply <- s.engine.Book().Depth(c.n)
	default:
		slog.Warn("Unknown command type", slog.String("pair", s.pair.Symbol), slog.Any("cmd", cmd))
	}
}

// Submit sequences an order through the pair's single-writer path and
// waits for the synchronous result.
func (s *Sequencer) Submit(ctx context.Context, o domain.Order) (SubmitResult, error) {
	if s.closed.Load() || s.dead.Load() {
		return SubmitResult{}, domain.ErrSequencerClosed
	}
	reply := make(chan SubmitResult, 1)
	select {
	case s.inbox <- submitCmd{order: o, reply: reply}:
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, res.Err
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	}
}

// Cancel sequences a cancel request. It cannot race a concurrent fill
// of the same order: whichever command the sequencer admits first
// wins, and the loser gets a typed conflict result.
func (s *Sequencer) Cancel(ctx context.Context, orderID string) (CancelResult, error) {
	if s.closed.Load() || s.dead.Load() {
		return CancelResult{}, domain.ErrSequencerClosed
	}
	reply := make(chan CancelResult, 1)
	select {
	case s.inbox <- cancelCmd{orderID: orderID, reply: reply}:
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	}
	select {
	case res := <-reply:
		return res, res.Err
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	}
}

// OfferFeed hands a feed event to the sequencer without blocking.
// Ticker and depth streams are superseded by later updates, so a full
// inbox sheds them.
func (s *Sequencer) OfferFeed(ev event.Event) {
	if s.closed.Load() || s.dead.Load() {
		return
	}
	select {
	case s.inbox <- feedCmd{ev: ev}:
	default:
		slog.Warn("FEED_EVENT_SHED",
			slog.String("pair", s.pair.Symbol),
			slog.String("event", ev.GetType().String()))
	}
}

// Depth returns a snapshot of the pair's resident book.
func (s *Sequencer) Depth(ctx context.Context, n int) (book.DepthSnapshot, error) {
	if s.closed.Load() || s.dead.Load() {
		return book.DepthSnapshot{}, domain.ErrSequencerClosed
	}
	reply := make(chan book.DepthSnapshot, 1)
	select {
	case s.inbox <- depthCmd{n: n, reply: reply}:
	case <-ctx.Done():
		return book.DepthSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return book.DepthSnapshot{}, ctx.Err()
	}
}

func (s *Sequencer) handleSubmit(o domain.Order) SubmitResult {
	if _, exists := s.orders[o.ID]; exists {
		return SubmitResult{Err: fmt.Errorf("%w: duplicate order id %s", domain.ErrInvalidOrder, o.ID)}
	}

	now := s.now()
	rec, err := s.lockFunds(o, now)
	if err != nil {
		return SubmitResult{Err: err}
	}

	res := s.engine.Submit(o, now)
	if res.Taker == nil {
		// admission failed before any state change
		s.ledger.Unlock(o.UserID, rec.asset, s.lockAmount(rec, o.Quantity))
		return SubmitResult{Err: res.Err}
	}

	ro := res.Taker
	s.orders[ro.ID] = ro
	s.locks[ro.ID] = rec

	s.publish(event.NewOrderAccepted{
		OrderID:  ro.ID,
		UserID:   ro.UserID,
		Pair:     ro.Pair,
		Side:     ro.Side.String(),
		Price:    ro.Price,
		Quantity: ro.Quantity,
	})
	s.publishPass(res)
	s.settleTerminal(res)
	s.armTimers(res.Arm)

	return SubmitResult{Order: *ro, Trades: res.Trades, Err: res.Err}
}

func (s *Sequencer) handleCancel(orderID string) CancelResult {
	if ro, err := s.engine.Book().Cancel(orderID); err == nil {
		s.releaseRemainder(ro)
		s.publishOrderUpdate(ro)
		return CancelResult{Order: *ro}
	}
	if ro, ok := s.engine.CancelPending(orderID); ok {
		s.releaseRemainder(ro)
		s.publishOrderUpdate(ro)
		return CancelResult{Order: *ro}
	}

	ro, known := s.orders[orderID]
	if !known {
		return CancelResult{Err: fmt.Errorf("%w: %s", domain.ErrOrderNotResident, orderID)}
	}
	if ro.Status == domain.StatusFilled {
		// lost the race to a fill the sequencer admitted first
		return CancelResult{Order: *ro, Err: fmt.Errorf("%w: %s already filled", domain.ErrConflictingOperation, orderID)}
	}
	return CancelResult{Order: *ro, Err: fmt.Errorf("%w: %s is %s", domain.ErrAlreadyTerminal, orderID, ro.Status)}
}

func (s *Sequencer) handleFeed(ev event.Event) {
	changed := false
	switch e := ev.(type) {
	case event.TickerUpdate:
		changed = s.engine.Ref().ApplyTicker(e)
	case event.DepthUpdate:
		changed = s.engine.Ref().ApplyDepth(e)
	}
	if !changed {
		return
	}
	res := s.engine.OnReferenceMove(s.now())
	s.armTimers(res.Arm)
}

func (s *Sequencer) handleFire(orderID string) {
	res := s.engine.SyntheticFire(orderID, s.now())
	s.publishPass(res)
	s.settleTerminal(res)
}

// lockFunds reserves the order's funds before admission. Bids lock
// quote notional, asks lock base quantity.
func (s *Sequencer) lockFunds(o domain.Order, now time.Time) (lockRec, error) {
	var rec lockRec
	if o.Side == domain.Ask {
		rec = lockRec{asset: s.pair.Base, perUnit: decimal.NewFromInt(1)}
	} else {
		price := o.Price
		if o.Type == domain.Market {
			p, err := s.marketBidLockPrice(o.Quantity, now)
			if err != nil {
				return rec, err
			}
			price = p
		}
		rec = lockRec{asset: s.pair.Quote, perUnit: price}
	}

	total := s.lockAmount(rec, o.Quantity)
	if !s.ledger.Lock(o.UserID, rec.asset, total) {
		return rec, fmt.Errorf("%w: %s %s", domain.ErrInsufficientFunds, total, rec.asset)
	}
	return rec, nil
}

// marketBidLockPrice returns the deepest ask price a market bid of qty
// can sweep, so the quote lock covers the whole walk rather than just
// the top of book. When resident asks cannot cover qty the reference
// price backs the remainder, since synthetic fills execute inside the
// band.
func (s *Sequencer) marketBidLockPrice(qty decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	worst := decimal.Zero
	need := qty
	for _, level := range s.engine.Book().OppositeLevels(domain.Bid) {
		worst = level.Price
		need = need.Sub(level.TotalQty)
		if !need.IsPositive() {
			return worst, nil
		}
	}
	if p, ok := s.engine.Ref().BestOpposite(domain.Bid); ok && !s.engine.Ref().Stale(now) && p.GreaterThan(worst) {
		worst = p
	}
	if worst.IsZero() {
		return worst, fmt.Errorf("%w: no price to lock against", domain.ErrStaleReference)
	}
	return worst, nil
}

// lockAmount converts a quantity into the amount locked for rec's
// asset. Quote locks truncate to the notional grid; base locks are the
// quantity itself.
func (s *Sequencer) lockAmount(rec lockRec, qty decimal.Decimal) decimal.Decimal {
	if rec.asset == s.pair.Quote {
		return quant.Notional(rec.perUnit, qty, s.pair.PriceScale)
	}
	return qty
}

// releaseRemainder unlocks the funds backing an order's unfilled
// remainder once it reaches a terminal state.
func (s *Sequencer) releaseRemainder(ro *domain.ResidentOrder) {
	rec, ok := s.locks[ro.ID]
	if !ok {
		return
	}
	delete(s.locks, ro.ID)
	if ro.Remaining.IsPositive() {
		s.ledger.Unlock(ro.UserID, rec.asset, s.lockAmount(rec, ro.Remaining))
	}
}

// settleTerminal releases remainders for every order the pass drove to
// a terminal state.
func (s *Sequencer) settleTerminal(res *PassResult) {
	for _, ro := range res.Touched {
		if ro.Status.Terminal() {
			s.releaseRemainder(ro)
		}
	}
}

// publishPass emits the pass's trades before the order-state events
// they caused.
func (s *Sequencer) publishPass(res *PassResult) {
	for _, tr := range res.Trades {
		s.publish(event.TradeExecuted{Trade: tr})
	}
	for _, ro := range res.Touched {
		s.publishOrderUpdate(ro)
	}
}

func (s *Sequencer) publishOrderUpdate(ro *domain.ResidentOrder) {
	s.publish(event.OrderUpdated{
		OrderID:   ro.ID,
		UserID:    ro.UserID,
		Pair:      ro.Pair,
		Status:    ro.Status.String(),
		Remaining: ro.Remaining,
	})
}

func (s *Sequencer) publish(ev event.Event) {
	stamped := stamp(ev, quant.NextSeq(s.evSeq), quant.TimeStamp(s.now().UnixMicro()))
	if err := s.bus.Publish(stamped); err != nil {
		slog.Error("EVENT_PUBLISH_FAILED",
			slog.String("pair", s.pair.Symbol),
			slog.String("event", stamped.GetType().String()),
			slog.Any("error", err))
	}
}

// stamp fills the base fields on an outgoing event value.
func stamp(ev event.Event, seq uint64, ts quant.TimeStamp) event.Event {
	base := event.BaseEvent{Seq: seq, Ts: ts}
	switch e := ev.(type) {
	case event.NewOrderAccepted:
		e.BaseEvent = base
		return e
	case event.TradeExecuted:
		e.BaseEvent = base
		return e
	case event.OrderUpdated:
		e.BaseEvent = base
		return e
	case event.TickerUpdate:
		e.BaseEvent = base
		return e
	case event.DepthUpdate:
		e.BaseEvent = base
		return e
	default:
		return ev
	}
}

// armTimers schedules delayed synthetic fills. The timer callback
// re-enters the sequencer inbox, so no delayed match ever mutates
// state concurrently with a live matching call.
func (s *Sequencer) armTimers(reqs []ArmRequest) {
	for _, req := range reqs {
		orderID := req.OrderID
		var deliver func()
		deliver = func() {
			if s.closed.Load() || s.dead.Load() {
				return
			}
			select {
			case s.inbox <- fireCmd{orderID: orderID}:
			default:
				// inbox saturated; retry shortly rather than touch pair
				// state from this goroutine
				slog.Warn("SYNTHETIC_FIRE_DEFERRED",
					slog.String("pair", s.pair.Symbol),
					slog.String("order", orderID))
				time.AfterFunc(time.Second, deliver)
			}
		}
		time.AfterFunc(req.Delay, deliver)
	}
}

// dumpState writes a post-mortem snapshot of the pair's state.
func (s *Sequencer) dumpState(filename string) {
	slog.Info("Dumping pair state", slog.String("pair", s.pair.Symbol), slog.String("file", filename))

	data := struct {
		Pair    string             `json:"pair"`
		Depth   book.DepthSnapshot `json:"depth"`
		Pending int                `json:"pending_orders"`
		Orders  int                `json:"admitted_orders"`
		Ref     market.Reference   `json:"reference"`
	}{
		Pair:    s.pair.Symbol,
		Depth:   s.engine.Book().Depth(32),
		Pending: s.engine.pending.Len(),
		Orders:  len(s.orders),
		Ref:     s.engine.Ref().Snapshot(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state dump", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
