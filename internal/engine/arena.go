package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"matchcore/internal/book"
	"matchcore/internal/bus"
	"matchcore/internal/domain"
	"matchcore/internal/event"
	"matchcore/internal/ledger"
)

// Arena owns one sequencer per configured trading pair. Pairs operate
// fully in parallel; no operation ever holds more than one pair's
// sequencer.
type Arena struct {
	mu        sync.RWMutex
	pairs     map[string]domain.TradingPair
	seqs      map[string]*Sequencer
	bus       *bus.Bus
	ledger    ledger.AssetLedger
	cfg       MatchingConfig
	inboxSize int
	evSeq     uint64
	ctx       context.Context
}

// NewArena constructs sequencers for every configured pair. Nothing
// runs until Start.
func NewArena(pairs []domain.TradingPair, b *bus.Bus, lg ledger.AssetLedger, cfg MatchingConfig, inboxSize int) *Arena {
	a := &Arena{
		pairs:     make(map[string]domain.TradingPair, len(pairs)),
		seqs:      make(map[string]*Sequencer, len(pairs)),
		bus:       b,
		ledger:    lg,
		cfg:       cfg,
		inboxSize: inboxSize,
	}
	for _, p := range pairs {
		a.pairs[p.Symbol] = p
		a.seqs[p.Symbol] = NewSequencer(p, b, lg, cfg, &a.evSeq, inboxSize)
	}
	return a
}

// Start launches every pair sequencer.
func (a *Arena) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx = ctx
	for _, s := range a.seqs {
		s.Start(ctx)
	}
	slog.Info("Matching arena started", slog.Int("pairs", len(a.seqs)))
}

// Stop terminates every sequencer and waits for them to drain.
func (a *Arena) Stop() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, s := range a.seqs {
		s.Stop()
	}
}

// Submit routes a customer order to its pair's sequencer.
func (a *Arena) Submit(ctx context.Context, o domain.Order) (SubmitResult, error) {
	s, err := a.sequencer(o.Pair)
	if err != nil {
		return SubmitResult{}, err
	}
	return s.Submit(ctx, o)
}

// Cancel routes a cancel request to its pair's sequencer.
func (a *Arena) Cancel(ctx context.Context, pair, orderID string) (CancelResult, error) {
	s, err := a.sequencer(pair)
	if err != nil {
		return CancelResult{}, err
	}
	return s.Cancel(ctx, orderID)
}

// Depth returns a book snapshot for the pair.
func (a *Arena) Depth(ctx context.Context, pair string, n int) (book.DepthSnapshot, error) {
	s, err := a.sequencer(pair)
	if err != nil {
		return book.DepthSnapshot{}, err
	}
	return s.Depth(ctx, n)
}

// PumpFeed consumes raw feed events from a bus group and routes each
// to its pair's sequencer. Events for unconfigured pairs are dropped.
func (a *Arena) PumpFeed(ctx context.Context, ch <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if s, err := a.sequencer(ev.GetPair()); err == nil {
				s.OfferFeed(ev)
			}
		}
	}
}

// Restart replaces a dead pair sequencer with a fresh one. Resident
// state is rebuilt empty; recovery from the persistence collaborator
// is outside the matching core.
func (a *Arena) Restart(pair string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pairs[pair]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPair, pair)
	}
	old, ok := a.seqs[pair]
	if !ok || !old.Dead() {
		return fmt.Errorf("sequencer for %s is not dead", pair)
	}
	old.Stop()

	fresh := NewSequencer(p, a.bus, a.ledger, a.cfg, &a.evSeq, a.inboxSize)
	a.seqs[pair] = fresh
	if a.ctx != nil {
		fresh.Start(a.ctx)
	}
	slog.Warn("SEQUENCER_RESTARTED", slog.String("pair", pair))
	return nil
}

// DeadPairs lists pairs whose sequencer died on an invariant breach
// and awaits a Restart.
func (a *Arena) DeadPairs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0)
	for sym, s := range a.seqs {
		if s.Dead() {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Pairs lists the configured pair symbols.
func (a *Arena) Pairs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.pairs))
	for sym := range a.pairs {
		out = append(out, sym)
	}
	return out
}

func (a *Arena) sequencer(pair string) (*Sequencer, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.seqs[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPair, pair)
	}
	return s, nil
}
