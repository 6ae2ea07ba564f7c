package execution

import (
	"context"
	"sync"
	"time"

	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/model"
)

// PaperGateway simulates an exchange for dry runs: orders fill immediately
// at the touch. Submissions are memoized by idempotency key, so replays
// return the original result without a second effect.
type PaperGateway struct {
	book feature.Book
	now  func() time.Time

	mu     sync.Mutex
	orders map[string]model.Order // by order ID
	byKey  map[string]string      // idempotency key -> order ID

	// FailNext, when set, fails the next PlaceOrder with the given error
	// exactly once. Test hook.
	FailNext error
}

// NewPaperGateway returns a paper gateway pricing fills off the book.
func NewPaperGateway(book feature.Book) *PaperGateway {
	return &PaperGateway{
		book:   book,
		now:    time.Now,
		orders: make(map[string]model.Order),
		byKey:  make(map[string]string),
	}
}

// PlaceOrder implements Gateway.
func (g *PaperGateway) PlaceOrder(_ context.Context, o model.Order) (model.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, seen := g.byKey[o.IdempotencyKey]; seen {
		return g.orders[id], nil
	}
	if g.FailNext != nil {
		err := g.FailNext
		g.FailNext = nil
		return model.Order{}, err
	}

	price := o.Price
	if g.book != nil {
		if q, ok := g.book.TopOfBook(o.Symbol); ok {
			if o.Side == model.Buy {
				price = q.Ask
			} else {
				price = q.Bid
			}
		}
	}
	if price.IsZero() {
		return model.Order{}, ErrInvalidSymbol
	}

	o.Status = model.OrderFilled
	o.FilledQty = o.Qty
	o.AvgFillPrice = price
	o.SubmittedAt = g.now()

	g.orders[o.ID] = o
	g.byKey[o.IdempotencyKey] = o.ID
	return o, nil
}

// CancelOrder implements Gateway. Paper orders fill instantly, so there is
// never anything left to cancel.
func (g *PaperGateway) CancelOrder(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.orders[orderID]; !ok {
		return ErrUnknownOrder
	}
	return nil
}

// OrderStatus implements Gateway.
func (g *PaperGateway) OrderStatus(_ context.Context, orderID string) (model.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return model.Order{}, ErrUnknownOrder
	}
	return o, nil
}

// Placed returns how many distinct orders reached the venue. Test helper.
func (g *PaperGateway) Placed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders)
}
