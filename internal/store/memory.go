package store

import (
	"context"
	"sync"

	"github.com/atmx/trade-engine/internal/model"
)

// MemoryLedger implements Ledger with in-memory slices. Used for testing
// and dry runs. Not suitable for production (no persistence).
type MemoryLedger struct {
	mu       sync.RWMutex
	events   []model.RiskEvent
	orders   map[string]model.Order
	orderSeq []string
	closed   []model.Position
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{orders: make(map[string]model.Order)}
}

func (s *MemoryLedger) AppendRiskEvent(_ context.Context, ev *model.RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == ev.ID {
			return nil
		}
	}
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryLedger) AppendOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.orders[o.ID]; dup {
		return nil
	}
	s.orders[o.ID] = *o
	s.orderSeq = append(s.orderSeq, o.ID)
	return nil
}

func (s *MemoryLedger) AppendClosedPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, *p)
	return nil
}

func (s *MemoryLedger) RecentRiskEvents(_ context.Context, limit int) ([]model.RiskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.RiskEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *MemoryLedger) ClosedPositions(_ context.Context, symbol string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.closed {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out, nil
}

// Orders returns all recorded orders in append order. Test helper.
func (s *MemoryLedger) Orders() []model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Order, 0, len(s.orderSeq))
	for _, id := range s.orderSeq {
		out = append(out, s.orders[id])
	}
	return out
}
