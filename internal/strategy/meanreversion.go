package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/model"
)

// MeanReversion fades moves into support or resistance when a delta
// divergence suggests the move is running out of aggressors. It stays out
// of trending tape.
type MeanReversion struct {
	// MaxAlignment keeps the strategy out of strongly trending markets.
	MaxAlignment float64
	// LevelProximityPct is how close (relative) price must sit to a level.
	LevelProximityPct float64
	now               func() time.Time
}

// NewMeanReversion returns a mean-reversion strategy with standard
// thresholds.
func NewMeanReversion() *MeanReversion {
	return &MeanReversion{MaxAlignment: 0.6, LevelProximityPct: 0.003, now: time.Now}
}

func (m *MeanReversion) ID() string { return "mean_reversion" }

// ProduceSignal implements Strategy.
func (m *MeanReversion) ProduceSignal(snap *feature.Snapshot) *model.Signal {
	t := snap.Trend
	if t.Direction != "" && t.Alignment > m.MaxAlignment && t.Strength > 0.5 {
		return nil
	}

	price := snap.Price
	prox := price.Mul(decimal.NewFromFloat(m.LevelProximityPct))

	var dir model.Direction
	var entry, stop, target decimal.Decimal
	switch {
	case !t.NearestSupport.IsZero() && price.Sub(t.NearestSupport).LessThanOrEqual(prox) &&
		snap.Flow.Divergence == model.DivergenceBullish:
		dir = model.Long
		entry = price
		stop = t.NearestSupport.Sub(prox)
		target = t.NearestResistance
		if target.IsZero() {
			target = entry.Add(entry.Sub(stop).Mul(decimal.NewFromInt(2)))
		}
	case !t.NearestResistance.IsZero() && t.NearestResistance.Sub(price).LessThanOrEqual(prox) &&
		snap.Flow.Divergence == model.DivergenceBearish:
		dir = model.Short
		entry = price
		stop = t.NearestResistance.Add(prox)
		target = t.NearestSupport
		if target.IsZero() {
			target = entry.Sub(stop.Sub(entry).Mul(decimal.NewFromInt(2)))
		}
	default:
		return nil
	}

	confidence := 0.55
	if snap.Flow.Absorption {
		confidence += 0.15
	}
	if snap.Vol.Regime == model.RegimeLow || snap.Vol.Regime == model.RegimeMedium {
		confidence += 0.1
	}

	return &model.Signal{
		Symbol:          snap.Symbol,
		StrategyID:      m.ID(),
		Direction:       dir,
		Confidence:      confidence,
		EntryPrice:      entry,
		StopPrice:       stop,
		TargetPrice:     target,
		SnapshotVersion: snap.Version,
		Timestamp:       m.now(),
	}
}
