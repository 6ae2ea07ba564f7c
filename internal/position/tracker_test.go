package position_test

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/bus"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/position"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type busRecorder struct {
	mu     sync.Mutex
	risks  []model.RiskEvent
	closed []bus.ClosedTrade
}

func (r *busRecorder) handle(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Risk != nil {
		r.risks = append(r.risks, *ev.Risk)
	}
	if ev.ClosedTrade != nil {
		r.closed = append(r.closed, *ev.ClosedTrade)
	}
}

type testEnv struct {
	tracker *position.Tracker
	bus     *bus.Bus
	rec     *busRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	b := bus.New(64)
	rec := &busRecorder{}
	b.Subscribe(rec.handle)
	return &testEnv{
		tracker: position.NewTracker(d(100_000), b),
		bus:     b,
		rec:     rec,
	}
}

func fill(symbol string, side model.OrderSide, qty, price float64) model.Fill {
	return model.Fill{
		OrderID:   "o1",
		Symbol:    symbol,
		Side:      side,
		Qty:       d(qty),
		Price:     d(price),
		Timestamp: time.Now(),
	}
}

func openingIntent(symbol string, dir model.Direction, stop, target float64) *model.SizedIntent {
	return &model.SizedIntent{
		ID:          "i1",
		Symbol:      symbol,
		Direction:   dir,
		StopPrice:   d(stop),
		TargetPrice: d(target),
	}
}

func TestOpenExtendReduceClose(t *testing.T) {
	env := newTestEnv(t)
	tr := env.tracker

	tr.ApplyFill(fill("BTCUSDT", model.Buy, 1, 100), openingIntent("BTCUSDT", model.Long, 95, 120))
	pos, ok := tr.Get("BTCUSDT")
	if !ok {
		t.Fatal("no open position after opening fill")
	}
	if pos.Direction != model.Long || !pos.Quantity.Equal(d(1)) || !pos.EntryPrice.Equal(d(100)) {
		t.Fatalf("opened position = %+v", pos)
	}
	if !pos.StopPrice.Equal(d(95)) || !pos.TargetPrice.Equal(d(120)) {
		t.Errorf("protective levels = %v/%v, want 95/120", pos.StopPrice, pos.TargetPrice)
	}

	// Extending averages the cost basis.
	tr.ApplyFill(fill("BTCUSDT", model.Buy, 1, 110), nil)
	pos, _ = tr.Get("BTCUSDT")
	if !pos.Quantity.Equal(d(2)) || !pos.EntryPrice.Equal(d(105)) {
		t.Fatalf("after extend: qty=%v entry=%v, want 2 at 105", pos.Quantity, pos.EntryPrice)
	}

	// Reducing realizes against the average.
	tr.ApplyFill(fill("BTCUSDT", model.Sell, 1, 115), nil)
	pos, _ = tr.Get("BTCUSDT")
	if !pos.Quantity.Equal(d(1)) || !pos.RealizedPnL.Equal(d(10)) {
		t.Fatalf("after reduce: qty=%v realized=%v, want 1 and 10", pos.Quantity, pos.RealizedPnL)
	}

	// Flattening closes and publishes the outcome.
	tr.ApplyFill(fill("BTCUSDT", model.Sell, 1, 95), nil)
	if _, ok := tr.Get("BTCUSDT"); ok {
		t.Fatal("position still open after flattening")
	}
	if !tr.DailyRealizedPnL().Equal(d(0)) {
		t.Errorf("daily realized = %v, want 0 (+10 then -10)", tr.DailyRealizedPnL())
	}

	env.bus.Drain()
	if len(env.rec.closed) != 1 {
		t.Fatalf("closed trade events = %d, want 1", len(env.rec.closed))
	}
	if got := env.rec.closed[0].RealizedPnL; !got.Equal(d(0)) {
		t.Errorf("closed trade pnl = %v, want 0", got)
	}
}

func TestShortProfitOnDecline(t *testing.T) {
	env := newTestEnv(t)
	tr := env.tracker

	tr.ApplyFill(fill("ETHUSDT", model.Sell, 2, 100), openingIntent("ETHUSDT", model.Short, 105, 90))
	tr.ApplyFill(fill("ETHUSDT", model.Buy, 2, 94), nil)

	if _, ok := tr.Get("ETHUSDT"); ok {
		t.Fatal("short still open after buyback")
	}
	if !tr.DailyRealizedPnL().Equal(d(12)) {
		t.Errorf("daily realized = %v, want 12", tr.DailyRealizedPnL())
	}
	if !tr.PortfolioValue().Equal(d(100_012)) {
		t.Errorf("portfolio value = %v, want 100012", tr.PortfolioValue())
	}
}

func TestMarkRecomputesUnrealized(t *testing.T) {
	env := newTestEnv(t)
	tr := env.tracker

	tr.ApplyFill(fill("BTCUSDT", model.Buy, 2, 100), openingIntent("BTCUSDT", model.Long, 90, 130))
	tr.Mark("BTCUSDT", d(105))

	pos, _ := tr.Get("BTCUSDT")
	if !pos.UnrealizedPnL.Equal(d(10)) {
		t.Errorf("unrealized = %v, want 10", pos.UnrealizedPnL)
	}
	if !tr.PortfolioValue().Equal(d(100_010)) {
		t.Errorf("portfolio value = %v, want 100010", tr.PortfolioValue())
	}
	if got := tr.OpenNotional()["BTCUSDT"]; !got.Equal(d(210)) {
		t.Errorf("open notional = %v, want 210", got)
	}
}

type closeCapture struct {
	ch chan model.SizedIntent
}

func (c *closeCapture) RequestClose(intent model.SizedIntent) { c.ch <- intent }

func TestStopBreachRequestsCloseOnce(t *testing.T) {
	env := newTestEnv(t)
	tr := env.tracker
	capture := &closeCapture{ch: make(chan model.SizedIntent, 2)}
	tr.SetCloseRequester(capture)

	tr.ApplyFill(fill("BTCUSDT", model.Buy, 3, 100), openingIntent("BTCUSDT", model.Long, 95, 120))
	tr.Mark("BTCUSDT", d(94.5))

	var intent model.SizedIntent
	select {
	case intent = <-capture.ch:
	case <-time.After(time.Second):
		t.Fatal("no closing intent after stop breach")
	}
	if !intent.RiskReducing {
		t.Error("closing intent not risk-reducing")
	}
	if intent.Direction != model.Short {
		t.Errorf("closing direction = %v, want SHORT to flatten a long", intent.Direction)
	}
	if !intent.SizeBase.Equal(d(3)) {
		t.Errorf("closing size = %v, want full quantity 3", intent.SizeBase)
	}

	// Further marks through the stop must not stack closes.
	tr.Mark("BTCUSDT", d(94))
	select {
	case <-capture.ch:
		t.Fatal("second closing intent for the same breach")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTargetBreachRequestsClose(t *testing.T) {
	env := newTestEnv(t)
	tr := env.tracker
	capture := &closeCapture{ch: make(chan model.SizedIntent, 1)}
	tr.SetCloseRequester(capture)

	tr.ApplyFill(fill("ETHUSDT", model.Sell, 1, 100), openingIntent("ETHUSDT", model.Short, 105, 90))
	tr.Mark("ETHUSDT", d(89.5))

	select {
	case intent := <-capture.ch:
		if intent.Direction != model.Long {
			t.Errorf("closing direction = %v, want LONG to flatten a short", intent.Direction)
		}
	case <-time.After(time.Second):
		t.Fatal("no closing intent after target breach")
	}
}

func TestHaltedSymbolStillClosesOnBreach(t *testing.T) {
	env := newTestEnv(t)
	tr := env.tracker
	capture := &closeCapture{ch: make(chan model.SizedIntent, 1)}
	tr.SetCloseRequester(capture)

	tr.ApplyFill(fill("BTCUSDT", model.Buy, 500, 100), openingIntent("BTCUSDT", model.Long, 50, 200))
	if tr.RecordOpen("BTCUSDT") {
		t.Fatal("RecordOpen allowed with a live position")
	}
	if _, halted := tr.Halted("BTCUSDT"); !halted {
		t.Fatal("symbol not halted")
	}

	// The stop breach must still flatten the halted position.
	tr.Mark("BTCUSDT", d(40))

	select {
	case intent := <-capture.ch:
		if !intent.RiskReducing {
			t.Error("closing intent not risk-reducing")
		}
		if !intent.SizeBase.Equal(d(500)) {
			t.Errorf("closing size = %v, want full quantity 500", intent.SizeBase)
		}
	case <-time.After(time.Second):
		t.Fatal("no closing intent for a halted symbol through its stop")
	}
}

func TestDuplicateOpenHaltsSymbol(t *testing.T) {
	env := newTestEnv(t)
	tr := env.tracker

	if !tr.RecordOpen("BTCUSDT") {
		t.Fatal("first RecordOpen refused")
	}
	tr.ApplyFill(fill("BTCUSDT", model.Buy, 1, 100), openingIntent("BTCUSDT", model.Long, 95, 120))

	if tr.RecordOpen("BTCUSDT") {
		t.Fatal("second RecordOpen allowed with a live position")
	}
	if _, halted := tr.Halted("BTCUSDT"); !halted {
		t.Error("symbol not halted after the violation")
	}

	env.bus.Drain()
	found := false
	for _, ev := range env.rec.risks {
		if ev.Type == model.EventInvariantViolation && ev.Symbol == "BTCUSDT" {
			found = true
		}
	}
	if !found {
		t.Error("no INVARIANT_VIOLATION event published")
	}
}
