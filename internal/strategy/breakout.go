package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/model"
)

// Breakout enters when price clears a multi-timeframe level with order flow
// pushing through it. The broken level becomes the stop.
type Breakout struct {
	// BreakThresholdPct is how far past the level price must trade.
	BreakThresholdPct float64
	// MinImbalance is the buy-flow imbalance needed to confirm an upside
	// break; the mirror (1 - MinImbalance) confirms a downside break.
	MinImbalance   float64
	TargetMultiple float64
	now            func() time.Time
}

// NewBreakout returns a breakout strategy with standard thresholds.
func NewBreakout() *Breakout {
	return &Breakout{BreakThresholdPct: 0.001, MinImbalance: 0.6, TargetMultiple: 1.5, now: time.Now}
}

func (b *Breakout) ID() string { return "breakout" }

// ProduceSignal implements Strategy.
func (b *Breakout) ProduceSignal(snap *feature.Snapshot) *model.Signal {
	t := snap.Trend
	price := snap.Price
	thresh := decimal.NewFromFloat(b.BreakThresholdPct)

	var dir model.Direction
	var level decimal.Decimal
	switch {
	case !t.NearestResistance.IsZero() && price.GreaterThanOrEqual(t.NearestResistance.Mul(decimal.NewFromInt(1).Add(thresh))):
		// Price cleared resistance; resistance is the nearest level above
		// price, so a break only registers right after the level updates.
		dir = model.Long
		level = t.NearestResistance
	case !t.NearestSupport.IsZero() && price.LessThanOrEqual(t.NearestSupport.Mul(decimal.NewFromInt(1).Sub(thresh))):
		dir = model.Short
		level = t.NearestSupport
	default:
		// Check per-timeframe levels: the aggregate view filters to levels
		// on the far side of price, which hides a just-broken one.
		for _, tf := range t.PerTimeframe {
			if !tf.Resistance.IsZero() && price.GreaterThanOrEqual(tf.Resistance.Mul(decimal.NewFromInt(1).Add(thresh))) {
				dir = model.Long
				level = tf.Resistance
				break
			}
			if !tf.Support.IsZero() && price.LessThanOrEqual(tf.Support.Mul(decimal.NewFromInt(1).Sub(thresh))) {
				dir = model.Short
				level = tf.Support
				break
			}
		}
		if dir == "" {
			return nil
		}
	}

	// Flow confirmation.
	if dir == model.Long && snap.Flow.ImbalanceRatio < b.MinImbalance {
		return nil
	}
	if dir == model.Short && snap.Flow.ImbalanceRatio > 1-b.MinImbalance {
		return nil
	}
	if snap.Flow.Exhaustion {
		return nil
	}

	entry := price
	mult := decimal.NewFromFloat(b.TargetMultiple)
	var stop, target decimal.Decimal
	if dir == model.Long {
		stop = level
		target = entry.Add(entry.Sub(stop).Mul(mult))
	} else {
		stop = level
		target = entry.Sub(stop.Sub(entry).Mul(mult))
	}

	confidence := 0.6
	if dir == model.Long {
		confidence += 0.3 * (snap.Flow.ImbalanceRatio - b.MinImbalance) / (1 - b.MinImbalance)
	} else {
		confidence += 0.3 * ((1 - b.MinImbalance) - snap.Flow.ImbalanceRatio) / (1 - b.MinImbalance)
	}
	if confidence > 1 {
		confidence = 1
	}

	return &model.Signal{
		Symbol:          snap.Symbol,
		StrategyID:      b.ID(),
		Direction:       dir,
		Confidence:      confidence,
		EntryPrice:      entry,
		StopPrice:       stop,
		TargetPrice:     target,
		SnapshotVersion: snap.Version,
		Timestamp:       b.now(),
	}
}
