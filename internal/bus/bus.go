// Package bus routes cross-component feedback through one explicit queue.
//
// The position tracker, circuit breaker, ledger sink, and metrics all react
// to the same stream of events. Routing them through the bus instead of
// direct references breaks the tracker → breaker → sizer → execution →
// tracker cycle: producers publish and move on, consumers observe on the
// bus goroutine.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
)

// ClosedTrade reports the outcome of a position that finished closing.
// The circuit breaker consumes these for its consecutive-loss counter and
// half-open probe resolution.
type ClosedTrade struct {
	Position    model.Position
	RealizedPnL decimal.Decimal
}

// Event is one feedback item. Exactly one field is non-nil.
type Event struct {
	Risk        *model.RiskEvent
	ClosedTrade *ClosedTrade
	Order       *model.Order
}

// Handler consumes events. Handlers run on the bus goroutine and must not
// block; anything slow belongs behind the handler's own queue.
type Handler func(Event)

// Bus is a single-goroutine fan-out queue.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	events   chan Event
}

// New creates a bus with the given buffer depth.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{events: make(chan Event, buffer)}
}

// Subscribe registers a handler. Subscriptions happen at wiring time,
// before Run; there is no unsubscribe.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish enqueues an event. Drops with a log line if the buffer is full so
// a stalled consumer can never block a decision cycle.
func (b *Bus) Publish(e Event) {
	select {
	case b.events <- e:
	default:
		slog.Warn("event bus full, dropping event")
	}
}

// Run dispatches events until ctx is cancelled. Must be called in a goroutine.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.events:
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(e)
			}
		}
	}
}

// Drain synchronously dispatches everything currently queued. Tests use
// this instead of sleeping.
func (b *Bus) Drain() {
	for {
		select {
		case e := <-b.events:
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(e)
			}
		default:
			return
		}
	}
}
