// Package bus provides the in-process publish/subscribe fabric between
// feed ingestion, matching, and distribution. Delivery is ordered per
// publisher within a subscriber group; cross-group ordering is not
// guaranteed. Publishers never block on slow consumers.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"matchcore/internal/event"
)

// OverflowPolicy selects what happens when a subscriber group's queue
// is full. Ticker/depth streams are superseded by later updates and
// favor DropOldest; trade/order streams must not be lost and favor
// Reject so the publisher sees the failure.
type OverflowPolicy int

const (
	DropOldest OverflowPolicy = iota
	Reject
)

func (p OverflowPolicy) String() string {
	if p == Reject {
		return "REJECT"
	}
	return "DROP_OLDEST"
}

// ErrQueueFull is returned by Publish when a Reject-policy group
// cannot accept the event.
var ErrQueueFull = errors.New("subscriber queue full")

type group struct {
	name    string
	ch      chan event.Event
	policy  OverflowPolicy
	dropped atomic.Uint64
}

// Bus is the event dispatcher. Groups are registered at startup,
// before any Publish call; registration is not safe concurrently
// with publishing.
type Bus struct {
	mu     sync.RWMutex
	groups []*group
	closed atomic.Bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a named subscriber group with a bounded queue
// and returns its delivery channel. The overflow policy is logged as
// an explicit operational decision.
func (b *Bus) Subscribe(name string, size int, policy OverflowPolicy) (<-chan event.Event, error) {
	if size <= 0 {
		return nil, fmt.Errorf("group %q: queue size must be positive", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.groups {
		if g.name == name {
			return nil, fmt.Errorf("group %q already subscribed", name)
		}
	}
	g := &group{name: name, ch: make(chan event.Event, size), policy: policy}
	b.groups = append(b.groups, g)
	slog.Info("Bus group subscribed",
		slog.String("group", name),
		slog.Int("queue_size", size),
		slog.String("overflow_policy", policy.String()))
	return g.ch, nil
}

// Publish delivers ev to every subscriber group. DropOldest groups
// shed their oldest undelivered event on overflow; Reject groups
// surface ErrQueueFull to the caller. Never blocks.
func (b *Bus) Publish(ev event.Event) error {
	if b.closed.Load() {
		return errors.New("bus closed")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var errs []error
	for _, g := range b.groups {
		select {
		case g.ch <- ev:
			continue
		default:
		}

		switch g.policy {
		case DropOldest:
			// Single consumer per group, so at most one retry races
			// with the drain; losing that race just means the queue
			// made room for us.
			select {
			case <-g.ch:
				n := g.dropped.Add(1)
				if n%1000 == 1 {
					slog.Warn("BUS_EVENTS_DROPPED",
						slog.String("group", g.name),
						slog.Uint64("total_dropped", n))
				}
			default:
			}
			select {
			case g.ch <- ev:
			default:
				g.dropped.Add(1)
			}
		case Reject:
			slog.Error("BUS_PUBLISH_REJECTED",
				slog.String("group", g.name),
				slog.String("event", ev.GetType().String()),
				slog.Uint64("seq", ev.GetSeq()))
			errs = append(errs, fmt.Errorf("group %q: %w", g.name, ErrQueueFull))
		}
	}
	return errors.Join(errs...)
}

// Dropped returns the number of events shed by the named group.
func (b *Bus) Dropped(name string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, g := range b.groups {
		if g.name == name {
			return g.dropped.Load()
		}
	}
	return 0
}

// Close marks the bus closed and closes all group channels. Publishers
// must have stopped before Close is called.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.groups {
		close(g.ch)
	}
}
