// Package sizing turns a recommended signal into a capital commitment using
// Kelly, volatility-target, or risk-parity sizing, with a fixed-fractional
// fallback when the preferred method's inputs are degenerate.
package sizing

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/config"
	"github.com/atmx/trade-engine/internal/model"
)

var (
	// ErrExtremeRegime rejects new risk while volatility is classified
	// extreme. Risk-reducing intents are sized elsewhere and never hit
	// this path.
	ErrExtremeRegime = errors.New("sizing: extreme volatility regime")
	// ErrSizeTooSmall means the clamped size fell below the venue minimum.
	ErrSizeTooSmall = errors.New("sizing: below minimum notional")
	// ErrDegenerateStop means the signal's stop provides no risk anchor.
	ErrDegenerateStop = errors.New("sizing: degenerate stop distance")
)

// Portfolio is the sizer's view of current capital and risk.
type Portfolio struct {
	Value           decimal.Decimal
	AvailableMargin decimal.Decimal
	// Vols maps symbols with open or pending risk to their current
	// annualized volatility; used by risk-parity allocation.
	Vols map[string]float64
}

// Sizer computes position sizes. Stateless apart from configuration.
type Sizer struct {
	cfg         config.SizingConfig
	minNotional decimal.Decimal
	now         func() time.Time
}

// New builds a sizer from configuration.
func New(cfg config.SizingConfig) (*Sizer, error) {
	min, err := decimal.NewFromString(cfg.MinNotional)
	if err != nil {
		return nil, errors.New("sizing: invalid min_notional " + cfg.MinNotional)
	}
	return &Sizer{cfg: cfg, minNotional: min, now: time.Now}, nil
}

// Size produces a sized intent for a scored signal, or an error naming why
// no capital should be committed. symbolVol is the signal symbol's current
// annualized volatility; regime gates new risk entirely when extreme.
func (s *Sizer) Size(sc model.ScoredSignal, regime model.Regime, symbolVol float64, pf Portfolio) (*model.SizedIntent, error) {
	if regime == model.RegimeExtreme {
		return nil, ErrExtremeRegime
	}

	sig := sc.Signal
	stopDist := sig.StopDistancePct()
	if stopDist <= 0 {
		return nil, ErrDegenerateStop
	}

	// Risk-budget methods translate a risk fraction through the stop
	// distance; Kelly stakes its fraction of the portfolio directly.
	budgeted := func(riskFrac float64) decimal.Decimal {
		riskAmount := pf.Value.Mul(decimal.NewFromFloat(riskFrac))
		return riskAmount.Div(decimal.NewFromFloat(stopDist))
	}

	method := model.SizingMethod(s.cfg.Method)
	var notional decimal.Decimal
	switch method {
	case model.SizeKelly:
		if f, ok := s.kellyFraction(sig); ok {
			notional = pf.Value.Mul(decimal.NewFromFloat(f))
		} else {
			method = model.SizeFixedFractional
			notional = budgeted(s.cfg.MaxRiskPerTradePct)
		}
	case model.SizeVolTarget:
		if f, ok := s.volTargetFraction(symbolVol); ok {
			notional = budgeted(f)
		} else {
			method = model.SizeFixedFractional
			notional = budgeted(s.cfg.MaxRiskPerTradePct)
		}
	case model.SizeRiskParity:
		if f, ok := s.riskParityFraction(sig.Symbol, symbolVol, pf.Vols); ok {
			notional = budgeted(f)
		} else {
			method = model.SizeFixedFractional
			notional = budgeted(s.cfg.MaxRiskPerTradePct)
		}
	default:
		method = model.SizeFixedFractional
		notional = budgeted(s.cfg.MaxRiskPerTradePct)
	}

	// Post-clamp: per-trade notional ceiling, then available margin. Zero
	// margin drives the size to zero.
	ceiling := pf.Value.Mul(decimal.NewFromFloat(s.cfg.MaxRiskPerTradePct))
	if notional.GreaterThan(ceiling) {
		notional = ceiling
	}
	if notional.GreaterThan(pf.AvailableMargin) {
		notional = pf.AvailableMargin
	}

	if notional.LessThan(s.minNotional) {
		return nil, ErrSizeTooSmall
	}

	sizeBase := notional.Div(sig.EntryPrice)
	maxLoss := notional.Mul(decimal.NewFromFloat(stopDist))

	return &model.SizedIntent{
		ID:          uuid.NewString(),
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		Method:      method,
		SizeBase:    sizeBase,
		Notional:    notional,
		EntryPrice:  sig.EntryPrice,
		StopPrice:   sig.StopPrice,
		TargetPrice: sig.TargetPrice,
		MaxLoss:     maxLoss,
		CreatedAt:   s.now(),
	}, nil
}

// kellyFraction computes f = (bp - q)/b scaled by the configured Kelly
// fraction, with b the risk/reward ratio and p the signal confidence. The
// fraction is the share of portfolio value staked as notional. Returns
// false when the edge is zero or the inputs are degenerate.
func (s *Sizer) kellyFraction(sig model.Signal) (float64, bool) {
	b := sig.RiskRewardRatio()
	p := sig.Confidence
	if b <= 0 || p <= 0 || p >= 1 {
		return 0, false
	}
	q := 1 - p
	f := (b*p - q) / b * s.cfg.KellyFraction
	if f <= 0 {
		return 0, false
	}
	return f, true
}

// volTargetFraction scales the base risk budget inversely with realized
// volatility so position risk stays near the target.
func (s *Sizer) volTargetFraction(vol float64) (float64, bool) {
	if vol <= 0 {
		return 0, false
	}
	return s.cfg.MaxRiskPerTradePct * (s.cfg.TargetVolatility / vol), true
}

// riskParityFraction allocates the total risk budget across active symbols
// in inverse proportion to their volatility.
func (s *Sizer) riskParityFraction(symbol string, vol float64, vols map[string]float64) (float64, bool) {
	if vol <= 0 {
		return 0, false
	}
	inv := func(v float64) float64 { return 1 / v }

	total := inv(vol)
	for sym, v := range vols {
		if sym == symbol || v <= 0 {
			continue
		}
		total += inv(v)
	}
	weight := inv(vol) / total
	return s.cfg.MaxTotalRiskPct * weight, true
}
