// Package store defines the durable ledger for audit records: risk events,
// child orders, and closed positions. Implementations include PostgreSQL
// (source of truth), a Redis-fronted wrapper (duplicate suppression and hot
// reads), and in-memory (for testing). Appends are idempotent by record ID.
package store

import (
	"context"
	"log/slog"

	"github.com/atmx/trade-engine/internal/bus"
	"github.com/atmx/trade-engine/internal/model"
)

// Ledger is the append-only persistence interface. Records are immutable
// once written; re-appending the same ID is a no-op.
type Ledger interface {
	// AppendRiskEvent persists one audit event.
	AppendRiskEvent(ctx context.Context, ev *model.RiskEvent) error

	// AppendOrder persists one resolved child order, idempotent by order ID.
	AppendOrder(ctx context.Context, o *model.Order) error

	// AppendClosedPosition persists one closed position.
	AppendClosedPosition(ctx context.Context, p *model.Position) error

	// RecentRiskEvents returns the latest events, newest first.
	RecentRiskEvents(ctx context.Context, limit int) ([]model.RiskEvent, error)

	// ClosedPositions returns closed positions for a symbol, oldest first.
	// An empty symbol returns all.
	ClosedPositions(ctx context.Context, symbol string) ([]model.Position, error)
}

// Recorder bridges the event bus to a ledger. Writes are fire-and-forget:
// a failed append is logged and dropped, never propagated into the
// decision path.
func Recorder(l Ledger) bus.Handler {
	return func(ev bus.Event) {
		ctx := context.Background()
		switch {
		case ev.Risk != nil:
			if err := l.AppendRiskEvent(ctx, ev.Risk); err != nil {
				slog.Warn("ledger append risk event failed", "err", err)
			}
		case ev.Order != nil:
			if err := l.AppendOrder(ctx, ev.Order); err != nil {
				slog.Warn("ledger append order failed", "err", err)
			}
		case ev.ClosedTrade != nil:
			if err := l.AppendClosedPosition(ctx, &ev.ClosedTrade.Position); err != nil {
				slog.Warn("ledger append closed position failed", "err", err)
			}
		}
	}
}
