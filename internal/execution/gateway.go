// Package execution turns approved intents into exchange orders: algorithm
// selection against available liquidity, bounded retries with idempotency
// keys, and reconciliation after ambiguous timeouts.
package execution

import (
	"context"
	"errors"

	"github.com/atmx/trade-engine/internal/model"
)

// Gateway errors, classified retryable vs terminal.
var (
	ErrTimeout             = errors.New("gateway: timeout")
	ErrRateLimited         = errors.New("gateway: rate limited")
	ErrInsufficientBalance = errors.New("gateway: insufficient balance")
	ErrInvalidSymbol       = errors.New("gateway: invalid symbol")
	ErrRejected            = errors.New("gateway: order rejected")
	ErrUnknownOrder        = errors.New("gateway: unknown order")
)

// IsRetryable reports whether a gateway error is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited)
}

// Gateway is the exchange-facing collaborator. PlaceOrder must be
// idempotent on the order's IdempotencyKey: re-submitting after an
// ambiguous timeout cannot double-execute.
type Gateway interface {
	PlaceOrder(ctx context.Context, o model.Order) (model.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (model.Order, error)
}
