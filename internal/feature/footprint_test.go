package feature_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func trade(id int, price, qty float64, side model.OrderSide, at time.Time) model.TradePrint {
	return model.TradePrint{
		TradeID:   fmt.Sprintf("t%d", id),
		Symbol:    "BTCUSDT",
		Price:     d(price),
		Qty:       d(qty),
		Aggressor: side,
		Timestamp: at,
	}
}

func TestDuplicateTradeDropped(t *testing.T) {
	a := feature.NewFootprintAnalyzer(time.Minute, d(0.5), 10)

	p := trade(1, 100, 2, model.Buy, t0)
	if !a.AddTrade(p) {
		t.Fatal("first print rejected")
	}
	if a.AddTrade(p) {
		t.Fatal("duplicate trade ID accepted")
	}

	flow, ok := a.Flow("BTCUSDT")
	if !ok {
		t.Fatal("no flow view")
	}
	if !flow.CumulativeDelta.Equal(d(2)) {
		t.Errorf("cumulative delta = %v, want 2 (duplicate must not count)", flow.CumulativeDelta)
	}
}

func TestPointOfControl(t *testing.T) {
	a := feature.NewFootprintAnalyzer(time.Minute, d(0.5), 10)

	a.AddTrade(trade(1, 100.0, 5, model.Buy, t0))
	a.AddTrade(trade(2, 101.0, 2, model.Sell, t0.Add(10*time.Second)))
	a.AddTrade(trade(3, 100.2, 1, model.Buy, t0.Add(20*time.Second)))
	// New minute closes the bar.
	a.AddTrade(trade(4, 101.0, 1, model.Buy, t0.Add(time.Minute)))

	bars := a.Bars("BTCUSDT")
	if len(bars) != 1 {
		t.Fatalf("closed bars = %d, want 1", len(bars))
	}
	// 100.0 and 100.2 share the 100.0 bucket at tick 0.5, 6 units total.
	if poc := bars[0].PointOfControl(); !poc.Equal(d(100.0)) {
		t.Errorf("point of control = %v, want 100.0", poc)
	}
	if !bars[0].Delta.Equal(d(4)) {
		t.Errorf("bar delta = %v, want 4", bars[0].Delta)
	}
}

func TestImbalanceRatio(t *testing.T) {
	a := feature.NewFootprintAnalyzer(time.Minute, d(0.5), 10)

	for i := 0; i < 8; i++ {
		a.AddTrade(trade(i, 100, 1, model.Buy, t0.Add(time.Duration(i)*time.Second)))
	}
	a.AddTrade(trade(8, 100, 1, model.Sell, t0.Add(8*time.Second)))
	a.AddTrade(trade(9, 100, 1, model.Sell, t0.Add(9*time.Second)))
	a.AddTrade(trade(10, 100, 1, model.Buy, t0.Add(time.Minute)))

	flow, ok := a.Flow("BTCUSDT")
	if !ok {
		t.Fatal("no flow view")
	}
	if flow.ImbalanceRatio < 0.79 || flow.ImbalanceRatio > 0.81 {
		t.Errorf("imbalance ratio = %v, want 0.8", flow.ImbalanceRatio)
	}
}

func TestExhaustionOnThreeDecliningVolumeBars(t *testing.T) {
	a := feature.NewFootprintAnalyzer(time.Minute, d(0.5), 10)

	// Volume fades 6, 4, 2 across three closed bars; participation is
	// draining out of the move.
	a.AddTrade(trade(1, 100.0, 3, model.Buy, t0))
	a.AddTrade(trade(2, 100.5, 3, model.Buy, t0.Add(10*time.Second)))
	m1 := t0.Add(time.Minute)
	a.AddTrade(trade(3, 101.0, 2, model.Buy, m1))
	a.AddTrade(trade(4, 101.5, 2, model.Buy, m1.Add(10*time.Second)))
	m2 := t0.Add(2 * time.Minute)
	a.AddTrade(trade(5, 102.0, 1, model.Buy, m2))
	a.AddTrade(trade(6, 102.5, 1, model.Buy, m2.Add(10*time.Second)))
	// Fourth bar closes the third.
	a.AddTrade(trade(7, 102.5, 1, model.Buy, t0.Add(3*time.Minute)))

	flow, ok := a.Flow("BTCUSDT")
	if !ok {
		t.Fatal("no flow view")
	}
	if !flow.Exhaustion {
		t.Error("exhaustion not flagged on three declining-volume bars")
	}
	if flow.Absorption {
		t.Error("absorption flagged on a directional bar")
	}
}

func TestNoExhaustionWhenVolumeHolds(t *testing.T) {
	a := feature.NewFootprintAnalyzer(time.Minute, d(0.5), 10)

	// Middle bar picks up volume, so the declining streak never forms.
	a.AddTrade(trade(1, 100.0, 3, model.Buy, t0))
	a.AddTrade(trade(2, 101.0, 4, model.Buy, t0.Add(time.Minute)))
	a.AddTrade(trade(3, 102.0, 2, model.Buy, t0.Add(2*time.Minute)))
	a.AddTrade(trade(4, 102.0, 1, model.Buy, t0.Add(3*time.Minute)))

	flow, ok := a.Flow("BTCUSDT")
	if !ok {
		t.Fatal("no flow view")
	}
	if flow.Exhaustion {
		t.Error("exhaustion flagged without three declining-volume bars")
	}
}

func TestAbsorptionOnHeavyBalancedNarrowBar(t *testing.T) {
	a := feature.NewFootprintAnalyzer(time.Minute, d(0.5), 10)

	// First bar establishes a small trailing volume average.
	a.AddTrade(trade(1, 100.0, 1, model.Buy, t0))
	a.AddTrade(trade(2, 100.0, 1, model.Sell, t0.Add(5*time.Second)))

	// Second bar: triple the volume, balanced flow, one-tick range.
	m1 := t0.Add(time.Minute)
	a.AddTrade(trade(3, 100.0, 3, model.Buy, m1))
	a.AddTrade(trade(4, 100.4, 3, model.Sell, m1.Add(5*time.Second)))

	// Third bar closes the second.
	a.AddTrade(trade(5, 100.4, 1, model.Buy, t0.Add(2*time.Minute)))

	flow, ok := a.Flow("BTCUSDT")
	if !ok {
		t.Fatal("no flow view")
	}
	if !flow.Absorption {
		t.Error("absorption not flagged on a heavy balanced narrow bar")
	}
	if flow.VolumeRatio < 1.5 {
		t.Errorf("volume ratio = %v, want >= 1.5", flow.VolumeRatio)
	}
}

func TestBearishDeltaDivergence(t *testing.T) {
	a := feature.NewFootprintAnalyzer(time.Minute, d(0.5), 15)

	// Ten rising buy prints, then sellers lean on the highs: price holds
	// up while cumulative delta rolls over.
	at := t0
	for i := 0; i < 10; i++ {
		a.AddTrade(trade(i, 100+float64(i), 1, model.Buy, at))
		at = at.Add(time.Second)
	}
	sells := []float64{110, 109.8, 109.6, 109.4, 109.2}
	for i, p := range sells {
		a.AddTrade(trade(100+i, p, 3, model.Sell, at))
		at = at.Add(time.Second)
	}

	if got := a.DetectDeltaDivergence("BTCUSDT"); got != model.DivergenceBearish {
		t.Fatalf("divergence = %v, want BEARISH", got)
	}
	flow, _ := a.Flow("BTCUSDT")
	if flow.Divergence != model.DivergenceBearish {
		t.Errorf("flow view divergence = %v, want BEARISH", flow.Divergence)
	}
}

func TestBullishDeltaDivergence(t *testing.T) {
	a := feature.NewFootprintAnalyzer(time.Minute, d(0.5), 15)

	at := t0
	for i := 0; i < 10; i++ {
		a.AddTrade(trade(i, 110-float64(i), 1, model.Sell, at))
		at = at.Add(time.Second)
	}
	buys := []float64{100, 100.2, 100.4, 100.6, 100.8}
	for i, p := range buys {
		a.AddTrade(trade(100+i, p, 3, model.Buy, at))
		at = at.Add(time.Second)
	}

	if got := a.DetectDeltaDivergence("BTCUSDT"); got != model.DivergenceBullish {
		t.Fatalf("divergence = %v, want BULLISH", got)
	}
}

func TestNoDivergenceWithoutHistory(t *testing.T) {
	a := feature.NewFootprintAnalyzer(time.Minute, d(0.5), 15)

	a.AddTrade(trade(1, 100, 1, model.Buy, t0))
	if got := a.DetectDeltaDivergence("BTCUSDT"); got != model.DivergenceNone {
		t.Errorf("divergence = %v, want NONE on a short history", got)
	}
}
