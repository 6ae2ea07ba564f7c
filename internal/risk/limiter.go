// Package risk enforces portfolio-level exposure limits.
//
// Two caps apply to every risk-increasing intent: the notional of a single
// intent may not exceed a fixed fraction of portfolio value, and the sum of
// open position notional plus the new intent may not exceed a larger total
// fraction. Both are checked after sizing and before execution.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerTradeLimitExceeded is returned when a single intent's notional
	// exceeds the per-trade risk fraction of portfolio value.
	ErrPerTradeLimitExceeded = errors.New("risk: per-trade notional limit exceeded")

	// ErrTotalRiskLimitExceeded is returned when an intent would push the
	// aggregate open notional beyond the total risk fraction.
	ErrTotalRiskLimitExceeded = errors.New("risk: total open notional limit exceeded")
)

// ExposureLimiter validates intent notional against portfolio risk caps.
type ExposureLimiter struct {
	// MaxPerTradePct is the per-intent notional cap as a fraction of
	// portfolio value (e.g. 0.02 for 2%).
	MaxPerTradePct decimal.Decimal

	// MaxTotalPct is the cap on aggregate open notional as a fraction of
	// portfolio value.
	MaxTotalPct decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given fractional caps.
func NewExposureLimiter(maxPerTradePct, maxTotalPct float64) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerTradePct: decimal.NewFromFloat(maxPerTradePct),
		MaxTotalPct:    decimal.NewFromFloat(maxTotalPct),
	}
}

// CheckLimit validates whether an intent respects both exposure caps.
//
// Parameters:
//   - notional: the candidate intent's notional
//   - portfolioValue: current portfolio value
//   - openNotional: map of symbol → open position notional
//
// Returns nil if the intent is within limits, or an error naming the cap.
func (l *ExposureLimiter) CheckLimit(
	notional decimal.Decimal,
	portfolioValue decimal.Decimal,
	openNotional map[string]decimal.Decimal,
) error {
	if notional.GreaterThan(portfolioValue.Mul(l.MaxPerTradePct)) {
		return ErrPerTradeLimitExceeded
	}

	total := notional
	for _, n := range openNotional {
		total = total.Add(n.Abs())
	}
	if total.GreaterThan(portfolioValue.Mul(l.MaxTotalPct)) {
		return ErrTotalRiskLimitExceeded
	}

	return nil
}
