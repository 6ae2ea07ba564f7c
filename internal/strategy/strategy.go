// Package strategy holds the signal producers. Each strategy reads one
// immutable feature snapshot per cycle and either emits a directional signal
// or abstains by returning nil.
package strategy

import (
	"sync"

	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/model"
)

// Strategy produces at most one signal per snapshot. Implementations must
// be pure with respect to the snapshot: all market state comes in through
// it, never from the estimators directly.
type Strategy interface {
	ID() string
	ProduceSignal(snap *feature.Snapshot) *model.Signal
}

// Registry is an ordered set of strategies. Registration order is stable
// and is used to break ties downstream, so wiring happens once at startup
// and the set is closed afterward.
type Registry struct {
	mu      sync.RWMutex
	ordered []Strategy
	ids     map[string]struct{}
	sealed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]struct{})}
}

// Register adds a strategy. Duplicate IDs and registration after Seal are
// programming errors and panic.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic("strategy: register after seal")
	}
	if _, dup := r.ids[s.ID()]; dup {
		panic("strategy: duplicate id " + s.ID())
	}
	r.ids[s.ID()] = struct{}{}
	r.ordered = append(r.ordered, s)
}

// Seal closes the registry to further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// All returns the strategies in registration order.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Strategy(nil), r.ordered...)
}

// Order returns the registration index of a strategy ID, or -1 when absent.
func (r *Registry) Order(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, s := range r.ordered {
		if s.ID() == id {
			return i
		}
	}
	return -1
}
