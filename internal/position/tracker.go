// Package position keeps the authoritative per-symbol holdings with
// average-cost accounting, recomputes PnL on every mark, and synthesizes
// closing intents when a stop or target is breached.
package position

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/bus"
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
)

// CloseRequester receives synthesized closing intents on stop or target
// breach. The orchestrator implements it; closing intents bypass scoring.
type CloseRequester interface {
	RequestClose(intent model.SizedIntent)
}

// Tracker owns all position state. Safe for concurrent use.
type Tracker struct {
	bus    *bus.Bus
	closer CloseRequester
	now    func() time.Time

	mu             sync.RWMutex
	cash           decimal.Decimal
	startingEquity decimal.Decimal
	dailyRealized  decimal.Decimal
	dailyDate      time.Time
	open           map[string]*model.Position
	closed         []model.Position
	halted         map[string]string // symbol -> why
	closeRequested map[string]bool   // symbol -> breach close pending
}

// NewTracker creates a tracker with starting cash. The close requester may
// be set later via SetCloseRequester to break construction ordering.
func NewTracker(startingCash decimal.Decimal, b *bus.Bus) *Tracker {
	t := &Tracker{
		bus:            b,
		now:            time.Now,
		cash:           startingCash,
		startingEquity: startingCash,
		open:           make(map[string]*model.Position),
		halted:         make(map[string]string),
		closeRequested: make(map[string]bool),
	}
	t.dailyDate = t.now().UTC().Truncate(24 * time.Hour)
	return t
}

// SetCloseRequester wires the consumer of breach-triggered closing intents.
func (t *Tracker) SetCloseRequester(c CloseRequester) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closer = c
}

// ApplyFill folds one confirmed fill into the position for its symbol,
// opening, extending, reducing or closing it. Opening fills carry the
// intent's direction and protective levels.
func (t *Tracker) ApplyFill(f model.Fill, intent *model.SizedIntent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := t.open[f.Symbol]
	if pos == nil {
		dir := model.Long
		if f.Side == model.Sell {
			dir = model.Short
		}
		pos = &model.Position{
			Symbol:     f.Symbol,
			Direction:  dir,
			Quantity:   f.Qty,
			EntryPrice: f.Price,
			MarkPrice:  f.Price,
			Status:     model.PositionOpen,
			OpenedAt:   f.Timestamp,
		}
		if intent != nil {
			pos.StopPrice = intent.StopPrice
			pos.TargetPrice = intent.TargetPrice
		}
		t.open[f.Symbol] = pos
		metrics.OpenPositions.Set(float64(len(t.open)))
		return
	}

	sameSide := f.Side == pos.Direction.Side()
	if sameSide {
		// Extend: average the cost basis.
		oldCost := pos.EntryPrice.Mul(pos.Quantity)
		addCost := f.Price.Mul(f.Qty)
		pos.Quantity = pos.Quantity.Add(f.Qty)
		pos.EntryPrice = oldCost.Add(addCost).Div(pos.Quantity)
		pos.MarkPrice = f.Price
		return
	}

	// Reduce or close.
	qty := f.Qty
	if qty.GreaterThan(pos.Quantity) {
		qty = pos.Quantity
	}
	pnl := f.Price.Sub(pos.EntryPrice).Mul(qty)
	if pos.Direction == model.Short {
		pnl = pnl.Neg()
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.Quantity = pos.Quantity.Sub(qty)
	pos.MarkPrice = f.Price
	t.addRealizedLocked(pnl)

	if pos.Quantity.IsZero() {
		t.closeLocked(pos, f.Timestamp)
	}
}

// Mark updates the mark price for a symbol, recomputes unrealized PnL, and
// requests a close when the stop or target is breached.
func (t *Tracker) Mark(symbol string, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := t.open[symbol]
	if pos == nil || price.IsZero() {
		return
	}
	pos.MarkPrice = price
	diff := price.Sub(pos.EntryPrice)
	if pos.Direction == model.Short {
		diff = diff.Neg()
	}
	pos.UnrealizedPnL = diff.Mul(pos.Quantity)

	// Breach closes are risk reducing, so a halted symbol still gets them.
	if t.closer == nil || t.closeRequested[symbol] {
		return
	}
	if breached, why := breach(pos, price); breached {
		t.closeRequested[symbol] = true
		intent := closingIntent(pos, price, t.now())
		slog.Info("protective level breached, closing",
			"symbol", symbol, "level", why, "price", price)
		go t.closer.RequestClose(intent)
	}
}

// RecordOpen registers that a symbol is about to receive opening fills for
// an intent. If an OPEN position already exists the invariant is violated:
// the symbol is halted and an event emitted, and false is returned.
func (t *Tracker) RecordOpen(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos := t.open[symbol]; pos != nil && pos.Status == model.PositionOpen {
		t.halted[symbol] = "duplicate open position"
		t.publishLocked(&model.RiskEvent{
			ID:        uuid.NewString(),
			Type:      model.EventInvariantViolation,
			Symbol:    symbol,
			Reason:    "second open position attempted; symbol halted for manual reconciliation",
			Metrics:   t.metricsLocked(),
			Timestamp: t.now(),
		})
		return false
	}
	return true
}

// Halted reports whether a symbol is halted for manual reconciliation, and
// why.
func (t *Tracker) Halted(symbol string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	why, ok := t.halted[symbol]
	return why, ok
}

// Get returns a copy of the open position for a symbol.
func (t *Tracker) Get(symbol string) (model.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos := t.open[symbol]
	if pos == nil {
		return model.Position{}, false
	}
	return *pos, true
}

// Open returns copies of all open positions.
func (t *Tracker) Open() []model.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Position, 0, len(t.open))
	for _, p := range t.open {
		out = append(out, *p)
	}
	return out
}

// OpenCount returns the number of open positions.
func (t *Tracker) OpenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.open)
}

// OpenNotional returns symbol → notional for all open positions.
func (t *Tracker) OpenNotional() map[string]decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(t.open))
	for sym, p := range t.open {
		out[sym] = p.Notional()
	}
	return out
}

// PortfolioValue is cash plus open unrealized PnL.
func (t *Tracker) PortfolioValue() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := t.cash
	for _, p := range t.open {
		v = v.Add(p.UnrealizedPnL)
	}
	return v
}

// StartingEquity is the equity at the start of the current UTC day.
func (t *Tracker) StartingEquity() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()
	return t.startingEquity
}

// DailyRealizedPnL is realized PnL accumulated since the UTC day rolled.
func (t *Tracker) DailyRealizedPnL() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()
	return t.dailyRealized
}

// rollDayLocked resets the daily counters when the UTC day has advanced.
// Called from every path that reads or writes them, so a quiet day with no
// fills still rolls over.
func (t *Tracker) rollDayLocked() {
	today := t.now().UTC().Truncate(24 * time.Hour)
	if today.After(t.dailyDate) {
		t.dailyDate = today
		t.dailyRealized = decimal.Zero
		t.startingEquity = t.cash
	}
}

func (t *Tracker) addRealizedLocked(pnl decimal.Decimal) {
	t.rollDayLocked()
	t.dailyRealized = t.dailyRealized.Add(pnl)
	t.cash = t.cash.Add(pnl)
	rp, _ := t.dailyRealized.Float64()
	metrics.RealizedPnL.Set(rp)
}

func (t *Tracker) closeLocked(pos *model.Position, at time.Time) {
	pos.Status = model.PositionClosed
	pos.ClosedAt = at
	pos.UnrealizedPnL = decimal.Zero
	delete(t.open, pos.Symbol)
	delete(t.closeRequested, pos.Symbol)
	t.closed = append(t.closed, *pos)
	metrics.OpenPositions.Set(float64(len(t.open)))

	if t.bus != nil {
		t.bus.Publish(bus.Event{ClosedTrade: &bus.ClosedTrade{
			Position:    *pos,
			RealizedPnL: pos.RealizedPnL,
		}})
	}
}

func (t *Tracker) metricsLocked() model.MetricsSnapshot {
	v := t.cash
	for _, p := range t.open {
		v = v.Add(p.UnrealizedPnL)
	}
	return model.MetricsSnapshot{
		PortfolioValue:   v,
		DailyRealizedPnL: t.dailyRealized,
		OpenPositions:    len(t.open),
	}
}

func (t *Tracker) publishLocked(ev *model.RiskEvent) {
	if t.bus != nil {
		t.bus.Publish(bus.Event{Risk: ev})
	}
}

// breach checks protective levels against the mark.
func breach(pos *model.Position, price decimal.Decimal) (bool, string) {
	if pos.Direction == model.Long {
		if !pos.StopPrice.IsZero() && price.LessThanOrEqual(pos.StopPrice) {
			return true, "stop"
		}
		if !pos.TargetPrice.IsZero() && price.GreaterThanOrEqual(pos.TargetPrice) {
			return true, "target"
		}
		return false, ""
	}
	if !pos.StopPrice.IsZero() && price.GreaterThanOrEqual(pos.StopPrice) {
		return true, "stop"
	}
	if !pos.TargetPrice.IsZero() && price.LessThanOrEqual(pos.TargetPrice) {
		return true, "target"
	}
	return false, ""
}

// closingIntent synthesizes the risk-reducing intent that flattens pos.
func closingIntent(pos *model.Position, price decimal.Decimal, now time.Time) model.SizedIntent {
	return model.SizedIntent{
		ID:           uuid.NewString(),
		Symbol:       pos.Symbol,
		Direction:    pos.Direction.Opposite(),
		Method:       model.SizeFixedFractional,
		SizeBase:     pos.Quantity,
		Notional:     pos.Quantity.Mul(price),
		EntryPrice:   price,
		RiskReducing: true,
		CreatedAt:    now,
	}
}
