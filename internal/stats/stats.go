package stats

import (
	"context"
	"sync"
	"time"

	"matchcore/internal/event"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// sample is one executed trade inside the rolling window.
type sample struct {
	price decimal.Decimal
	qty   decimal.Decimal
	at    time.Time
}

// PairStats is the published view of one pair's rolling statistics.
type PairStats struct {
	Pair       string          `json:"pair"`
	Last       decimal.Decimal `json:"last"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Volume     decimal.Decimal `json:"volume"`
	TradeCount int             `json:"trade_count"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Service aggregates executed trades into rolling per-pair statistics.
// It consumes its own bus group so a slow reader never touches the
// matching path.
type Service struct {
	mu      sync.RWMutex
	window  time.Duration
	samples map[string][]sample
	last    map[string]decimal.Decimal
	updated map[string]time.Time
	now     func() time.Time
}

// NewService creates a service with the given rolling window.
func NewService(window time.Duration) *Service {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Service{
		window:  window,
		samples: make(map[string][]sample),
		last:    make(map[string]decimal.Decimal),
		updated: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Run consumes the bus group until the channel closes or the context
// is canceled.
func (s *Service) Run(ctx context.Context, ch <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if te, ok := ev.(event.TradeExecuted); ok {
				s.record(te)
			}
		}
	}
}

func (s *Service) record(te event.TradeExecuted) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := te.Trade.Pair
	s.samples[pair] = append(s.prune(s.samples[pair], now), sample{
		price: te.Trade.Price,
		qty:   te.Trade.Quantity,
		at:    now,
	})
	s.last[pair] = te.Trade.Price
	s.updated[pair] = now
}

// prune drops samples older than the window. Samples are appended in
// time order, so the cut point is the first fresh one.
func (s *Service) prune(in []sample, now time.Time) []sample {
	cutoff := now.Add(-s.window)
	idx := len(in)
	for i, smp := range in {
		if smp.at.After(cutoff) {
			idx = i
			break
		}
	}
	return in[idx:]
}

// Snapshot returns the current statistics for a pair. ok is false when
// the pair has no trades yet.
func (s *Service) Snapshot(pair string) (PairStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last, seen := s.last[pair]
	if !seen {
		return PairStats{}, false
	}

	live := s.prune(s.samples[pair], s.now())
	st := PairStats{
		Pair:       pair,
		Last:       last,
		Volume:     decimal.Zero,
		TradeCount: len(live),
		UpdatedAt:  s.updated[pair].UnixMicro(),
	}
	if len(live) > 0 {
		st.High = lo.MaxBy(live, func(a, b sample) bool { return a.price.GreaterThan(b.price) }).price
		st.Low = lo.MinBy(live, func(a, b sample) bool { return a.price.LessThan(b.price) }).price
		st.Volume = lo.Reduce(live, func(acc decimal.Decimal, smp sample, _ int) decimal.Decimal {
			return acc.Add(smp.qty)
		}, decimal.Zero)
	}
	return st, true
}

// Pairs lists every pair with at least one recorded trade.
func (s *Service) Pairs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.last)
}
