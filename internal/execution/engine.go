package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/bus"
	"github.com/atmx/trade-engine/internal/config"
	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
)

// ErrAborted means the intent was cut short before all child orders were
// placed: a breaker trip or a terminal gateway error. Any partial fills
// were already reconciled into the position tracker.
var ErrAborted = errors.New("execution: intent aborted")

// FillSink receives confirmed fills. The position tracker implements it.
type FillSink interface {
	ApplyFill(f model.Fill, intent *model.SizedIntent)
}

// BreakerGate is the execution-time view of the circuit breaker. Checked
// between child orders so a trip cancels the rest of a staged intent.
type BreakerGate interface {
	State() model.BreakerState
}

// Engine executes sized intents against a gateway.
type Engine struct {
	cfg     config.ExecutionConfig
	gw      Gateway
	book    feature.Book
	sink    FillSink
	breaker BreakerGate
	bus     *bus.Bus

	iceberg decimal.Decimal
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds an execution engine. breaker may be nil, in which case staged
// intents run to completion.
func New(cfg config.ExecutionConfig, gw Gateway, book feature.Book, sink FillSink, breaker BreakerGate, b *bus.Bus) *Engine {
	iceberg, err := decimal.NewFromString(cfg.IcebergDisplayQty)
	if err != nil {
		iceberg = decimal.Zero
	}
	return &Engine{
		cfg:     cfg,
		gw:      gw,
		book:    book,
		sink:    sink,
		breaker: breaker,
		bus:     b,
		iceberg: iceberg,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Execute runs an intent to completion: picks an algorithm, places child
// orders with retries and idempotency keys, feeds fills to the sink, and
// returns only once every child order is resolved. The caller holds the
// symbol lock for the duration.
func (e *Engine) Execute(ctx context.Context, intent model.SizedIntent) error {
	switch e.chooseAlgorithm(intent) {
	case "twap":
		return e.executeTWAP(ctx, intent)
	case "iceberg":
		return e.executeIceberg(ctx, intent)
	default:
		_, err := e.placeChild(ctx, intent, intent.SizeBase)
		return err
	}
}

// chooseAlgorithm compares intent notional against top-of-book liquidity.
// Small orders go out whole; large ones are staged.
func (e *Engine) chooseAlgorithm(intent model.SizedIntent) string {
	if e.book != nil {
		if q, ok := e.book.TopOfBook(intent.Symbol); ok {
			depth := q.BidSize
			if intent.Direction.Side() == model.Buy {
				depth = q.AskSize
			}
			available := depth.Mul(q.Mid())
			threshold := available.Mul(decimal.NewFromFloat(e.cfg.LiquidityFraction))
			if intent.Notional.LessThanOrEqual(threshold) {
				return "immediate"
			}
		}
	}
	if !e.iceberg.IsZero() && intent.SizeBase.GreaterThan(e.iceberg) {
		return "iceberg"
	}
	if e.cfg.TWAPSlices > 1 {
		return "twap"
	}
	return "immediate"
}

// executeTWAP splits the intent into equal slices over the configured
// window, re-checking the breaker before each slice.
func (e *Engine) executeTWAP(ctx context.Context, intent model.SizedIntent) error {
	slices := e.cfg.TWAPSlices
	interval := e.cfg.TWAPWindow / time.Duration(slices)
	sliceQty := intent.SizeBase.Div(decimal.NewFromInt(int64(slices)))
	remaining := intent.SizeBase

	for i := 0; i < slices; i++ {
		if err := e.gate(intent); err != nil {
			return err
		}
		qty := sliceQty
		if i == slices-1 {
			qty = remaining // absorb rounding into the last slice
		}
		if _, err := e.placeChild(ctx, intent, qty); err != nil {
			return err
		}
		remaining = remaining.Sub(qty)
		if i < slices-1 {
			if err := e.sleep(ctx, interval); err != nil {
				return err
			}
		}
	}
	return nil
}

// executeIceberg reveals display-sized slices until the intent is filled.
func (e *Engine) executeIceberg(ctx context.Context, intent model.SizedIntent) error {
	remaining := intent.SizeBase
	for remaining.IsPositive() {
		if err := e.gate(intent); err != nil {
			return err
		}
		qty := e.iceberg
		if qty.GreaterThan(remaining) {
			qty = remaining
		}
		if _, err := e.placeChild(ctx, intent, qty); err != nil {
			return err
		}
		remaining = remaining.Sub(qty)
	}
	return nil
}

// gate aborts the remainder of a staged risk-increasing intent when
// the breaker has tripped mid-flight. Closing intents always continue.
func (e *Engine) gate(intent model.SizedIntent) error {
	if intent.RiskReducing || e.breaker == nil {
		return nil
	}
	if e.breaker.State() == model.BreakerOpen {
		e.publishFailure(intent, "breaker tripped mid-execution, remaining slices cancelled")
		return fmt.Errorf("%w: breaker open", ErrAborted)
	}
	return nil
}

// placeChild submits one child order with bounded retries. An ambiguous
// timeout triggers reconciliation by order status before any retry; the
// idempotency key is stable across attempts, so duplicates are impossible
// on a conforming gateway.
func (e *Engine) placeChild(ctx context.Context, intent model.SizedIntent, qty decimal.Decimal) (model.Order, error) {
	order := model.Order{
		ID:             uuid.NewString(),
		ParentIntentID: intent.ID,
		IdempotencyKey: uuid.NewString(),
		Symbol:         intent.Symbol,
		Side:           intent.Direction.Side(),
		Type:           model.Market,
		Qty:            qty,
		RiskReducing:   intent.RiskReducing,
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.cfg.RetryBackoff << (attempt - 1)
			if err := e.sleep(ctx, backoff); err != nil {
				return order, err
			}
			metrics.OrderRetriesTotal.Inc()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		placed, err := e.gw.PlaceOrder(attemptCtx, order)
		cancel()

		if err == nil {
			e.settle(placed, intent)
			return placed, nil
		}
		lastErr = err

		if errors.Is(err, ErrTimeout) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			// Ambiguous: the venue may have accepted the order. Reconcile
			// before deciding to retry.
			if settled, ok := e.reconcile(ctx, order, intent); ok {
				return settled, nil
			}
			continue
		}
		if IsRetryable(err) {
			continue
		}

		// Terminal: abort the intent.
		e.publishFailure(intent, fmt.Sprintf("order %s failed: %v", order.ID, err))
		return order, fmt.Errorf("%w: %v", ErrAborted, err)
	}

	e.publishFailure(intent, fmt.Sprintf("order %s exhausted retries: %v", order.ID, lastErr))
	return order, fmt.Errorf("%w: retries exhausted: %v", ErrAborted, lastErr)
}

// reconcile queries order status after an ambiguous timeout. When the
// venue knows the order, its fills are applied and the child is done; when
// it does not, a cancel is issued so a retry cannot race a late fill.
func (e *Engine) reconcile(ctx context.Context, order model.Order, intent model.SizedIntent) (model.Order, bool) {
	statusCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	known, err := e.gw.OrderStatus(statusCtx, order.ID)
	if err == nil && known.Status != "" && known.Status != model.OrderPending {
		e.settle(known, intent)
		return known, true
	}
	if err == nil {
		// Still pending at the venue; cancel and let the retry re-submit
		// under the same idempotency key.
		_ = e.gw.CancelOrder(statusCtx, order.ID)
	}
	return order, false
}

// settle records the resolved child order and forwards its fill.
func (e *Engine) settle(o model.Order, intent model.SizedIntent) {
	metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Status)).Inc()
	if e.bus != nil {
		e.bus.Publish(bus.Event{Order: &o})
	}
	if o.FilledQty.IsPositive() && e.sink != nil {
		e.sink.ApplyFill(model.Fill{
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Qty:       o.FilledQty,
			Price:     o.AvgFillPrice,
			Timestamp: e.now(),
		}, &intent)
	}
	if o.Status == model.OrderRejected {
		slog.Warn("child order rejected", "order_id", o.ID, "symbol", o.Symbol)
	}
}

func (e *Engine) publishFailure(intent model.SizedIntent, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Risk: &model.RiskEvent{
		ID:        uuid.NewString(),
		Type:      model.EventExecutionFailed,
		Symbol:    intent.Symbol,
		Reason:    reason,
		Timestamp: e.now(),
	}})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
