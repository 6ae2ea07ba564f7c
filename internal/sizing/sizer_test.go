package sizing_test

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/config"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/sizing"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newSizer(t *testing.T, cfg config.SizingConfig) *sizing.Sizer {
	t.Helper()
	s, err := sizing.New(cfg)
	if err != nil {
		t.Fatalf("sizing.New: %v", err)
	}
	return s
}

func scored(entry, stop, target, confidence float64) model.ScoredSignal {
	return model.ScoredSignal{
		Signal: model.Signal{
			Symbol:      "BTCUSDT",
			StrategyID:  "momentum",
			Direction:   model.Long,
			Confidence:  confidence,
			EntryPrice:  d(entry),
			StopPrice:   d(stop),
			TargetPrice: d(target),
		},
		TradeRecommended: true,
	}
}

func portfolio(value float64) sizing.Portfolio {
	return sizing.Portfolio{Value: d(value), AvailableMargin: d(value)}
}

func approx(t *testing.T, name string, got decimal.Decimal, want, eps float64) {
	t.Helper()
	if g := got.InexactFloat64(); math.Abs(g-want) > eps {
		t.Errorf("%s = %v, want %v", name, g, want)
	}
}

func TestKellyClampedToPerTradeCeiling(t *testing.T) {
	s := newSizer(t, config.Default().Sizing)

	// Quarter-Kelly on rr 3 at 0.8 confidence wants far more than 2% of
	// the book; the notional ceiling takes over.
	intent, err := s.Size(scored(100, 99, 103, 0.8), model.RegimeMedium, 0.3, portfolio(100_000))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if intent.Method != model.SizeKelly {
		t.Errorf("method = %v, want KELLY_FRACTIONAL", intent.Method)
	}
	approx(t, "notional", intent.Notional, 2000, 1e-9)
	approx(t, "size base", intent.SizeBase, 20, 1e-9)
	approx(t, "max loss", intent.MaxLoss, 20, 1e-9)
	if intent.RiskReducing {
		t.Error("opening intent marked risk-reducing")
	}
}

func TestKellyUnclampedUsesEdge(t *testing.T) {
	s := newSizer(t, config.Default().Sizing)

	// A thin edge keeps Kelly under the ceiling; the staked notional is
	// f = (1.02*0.505 - 0.495)/1.02 * 0.25 of the book, no stop lever.
	intent, err := s.Size(scored(100, 50, 151, 0.505), model.RegimeMedium, 0.3, portfolio(100_000))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if intent.Method != model.SizeKelly {
		t.Errorf("method = %v, want KELLY_FRACTIONAL", intent.Method)
	}
	f := (1.02*0.505 - 0.495) / 1.02 * 0.25
	approx(t, "notional", intent.Notional, 100_000*f, 0.01)
}

func TestKellyNoEdgeFallsBackFixedFractional(t *testing.T) {
	s := newSizer(t, config.Default().Sizing)

	// rr 1 at 0.4 confidence has negative expectancy; Kelly declines and
	// fixed-fractional takes over at the full per-trade budget.
	intent, err := s.Size(scored(100, 95, 105, 0.4), model.RegimeMedium, 0.3, portfolio(100_000))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if intent.Method != model.SizeFixedFractional {
		t.Errorf("method = %v, want FIXED_FRACTIONAL", intent.Method)
	}
	approx(t, "notional", intent.Notional, 2000, 1e-9)
}

func TestVolTargetScalesInverseToVol(t *testing.T) {
	cfg := config.Default().Sizing
	cfg.Method = "vol_target"
	s := newSizer(t, cfg)

	// At 4x the target vol the risk budget shrinks to a quarter:
	// 0.02 * (0.15/0.60) = 0.005 over a 50% stop gives 1000.
	intent, err := s.Size(scored(100, 50, 200, 0.8), model.RegimeMedium, 0.60, portfolio(100_000))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if intent.Method != model.SizeVolTarget {
		t.Errorf("method = %v, want VOLATILITY_TARGET", intent.Method)
	}
	approx(t, "notional", intent.Notional, 1000, 0.01)
}

func TestVolTargetZeroVolFallsBack(t *testing.T) {
	cfg := config.Default().Sizing
	cfg.Method = "vol_target"
	s := newSizer(t, cfg)

	intent, err := s.Size(scored(100, 99, 103, 0.8), model.RegimeMedium, 0, portfolio(100_000))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if intent.Method != model.SizeFixedFractional {
		t.Errorf("method = %v, want FIXED_FRACTIONAL on zero vol", intent.Method)
	}
}

func TestRiskParitySplitsBudgetByInverseVol(t *testing.T) {
	cfg := config.Default().Sizing
	cfg.Method = "risk_parity"
	s := newSizer(t, cfg)

	pf := portfolio(100_000)
	pf.Vols = map[string]float64{"ETHUSDT": 0.2}

	// Equal vols split the 10% total budget evenly; 5% over a 50% stop
	// wants 10000 and the 2% ceiling clamps it to 2000.
	intent, err := s.Size(scored(100, 50, 200, 0.8), model.RegimeMedium, 0.2, pf)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if intent.Method != model.SizeRiskParity {
		t.Errorf("method = %v, want RISK_PARITY", intent.Method)
	}
	approx(t, "notional", intent.Notional, 2000, 1e-9)
}

func TestAvailableMarginClamps(t *testing.T) {
	s := newSizer(t, config.Default().Sizing)

	pf := sizing.Portfolio{Value: d(100_000), AvailableMargin: d(500)}
	intent, err := s.Size(scored(100, 99, 103, 0.8), model.RegimeMedium, 0.3, pf)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	approx(t, "notional", intent.Notional, 500, 1e-9)
}

func TestZeroAvailableMarginRejected(t *testing.T) {
	s := newSizer(t, config.Default().Sizing)

	pf := sizing.Portfolio{Value: d(100_000), AvailableMargin: decimal.Zero}
	_, err := s.Size(scored(100, 99, 103, 0.8), model.RegimeMedium, 0.3, pf)
	if !errors.Is(err, sizing.ErrSizeTooSmall) {
		t.Fatalf("err = %v, want ErrSizeTooSmall with no margin left", err)
	}
}

func TestExtremeRegimeRejected(t *testing.T) {
	s := newSizer(t, config.Default().Sizing)

	_, err := s.Size(scored(100, 99, 103, 0.8), model.RegimeExtreme, 0.9, portfolio(100_000))
	if !errors.Is(err, sizing.ErrExtremeRegime) {
		t.Fatalf("err = %v, want ErrExtremeRegime", err)
	}
}

func TestDegenerateStopRejected(t *testing.T) {
	s := newSizer(t, config.Default().Sizing)

	_, err := s.Size(scored(100, 100, 103, 0.8), model.RegimeMedium, 0.3, portfolio(100_000))
	if !errors.Is(err, sizing.ErrDegenerateStop) {
		t.Fatalf("err = %v, want ErrDegenerateStop", err)
	}
}

func TestBelowMinNotionalRejected(t *testing.T) {
	s := newSizer(t, config.Default().Sizing)

	// 2% of a 100 unit book is 2, under the venue minimum of 10.
	_, err := s.Size(scored(100, 99, 103, 0.8), model.RegimeMedium, 0.3, portfolio(100))
	if !errors.Is(err, sizing.ErrSizeTooSmall) {
		t.Fatalf("err = %v, want ErrSizeTooSmall", err)
	}
}
