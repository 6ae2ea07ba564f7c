package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/model"
)

// Momentum trades with the dominant multi-timeframe trend when order flow
// confirms it. Stops sit beyond the nearest opposing level, targets extend
// the risk by a fixed multiple.
type Momentum struct {
	// MinAlignment is the fraction of timeframes that must agree.
	MinAlignment float64
	// MinStrength is the minimum mean regression fit of agreeing frames.
	MinStrength float64
	// TargetMultiple scales stop distance into target distance.
	TargetMultiple float64
	now            func() time.Time
}

// NewMomentum returns a momentum strategy with standard thresholds.
func NewMomentum() *Momentum {
	return &Momentum{MinAlignment: 0.6, MinStrength: 0.4, TargetMultiple: 2.0, now: time.Now}
}

func (m *Momentum) ID() string { return "momentum" }

// ProduceSignal implements Strategy.
func (m *Momentum) ProduceSignal(snap *feature.Snapshot) *model.Signal {
	t := snap.Trend
	if t.Direction == "" || t.Alignment < m.MinAlignment || t.Strength < m.MinStrength {
		return nil
	}
	// Flow must not fight the trend.
	if t.Direction == model.Long && snap.Flow.Divergence == model.DivergenceBearish {
		return nil
	}
	if t.Direction == model.Short && snap.Flow.Divergence == model.DivergenceBullish {
		return nil
	}

	entry := snap.Price
	var stop, target decimal.Decimal
	mult := decimal.NewFromFloat(m.TargetMultiple)
	if t.Direction == model.Long {
		stop = t.NearestSupport
		if stop.IsZero() || !stop.LessThan(entry) {
			stop = entry.Mul(decimal.NewFromFloat(0.99))
		}
		target = entry.Add(entry.Sub(stop).Mul(mult))
	} else {
		stop = t.NearestResistance
		if stop.IsZero() || !stop.GreaterThan(entry) {
			stop = entry.Mul(decimal.NewFromFloat(1.01))
		}
		target = entry.Sub(stop.Sub(entry).Mul(mult))
	}

	confidence := 0.5*t.Alignment + 0.5*t.Strength
	if snap.Flow.ImbalanceRatio > 0.6 && t.Direction == model.Long {
		confidence += 0.1
	}
	if snap.Flow.ImbalanceRatio < 0.4 && t.Direction == model.Short {
		confidence += 0.1
	}
	if confidence > 1 {
		confidence = 1
	}

	return &model.Signal{
		Symbol:          snap.Symbol,
		StrategyID:      m.ID(),
		Direction:       t.Direction,
		Confidence:      confidence,
		EntryPrice:      entry,
		StopPrice:       stop,
		TargetPrice:     target,
		SnapshotVersion: snap.Version,
		Timestamp:       m.now(),
	}
}
