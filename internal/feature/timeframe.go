package feature

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
)

// maxCandlesPerTF bounds the per-timeframe candle series.
const maxCandlesPerTF = 500

// TrendDirection labels the slope of one timeframe's regression line.
type TrendDirection string

const (
	TrendStrongUp   TrendDirection = "STRONG_UP"
	TrendUp         TrendDirection = "UP"
	TrendNeutral    TrendDirection = "NEUTRAL"
	TrendDown       TrendDirection = "DOWN"
	TrendStrongDown TrendDirection = "STRONG_DOWN"
)

// Up reports whether the direction is rising.
func (d TrendDirection) Up() bool { return d == TrendUp || d == TrendStrongUp }

// Down reports whether the direction is falling.
func (d TrendDirection) Down() bool { return d == TrendDown || d == TrendStrongDown }

// TimeframeTrend is the trend reading for a single timeframe.
type TimeframeTrend struct {
	Timeframe  time.Duration
	Direction  TrendDirection
	Strength   float64 // regression R², 0–1
	Support    decimal.Decimal
	Resistance decimal.Decimal
}

// TrendView aggregates trend readings across configured timeframes.
type TrendView struct {
	PerTimeframe map[time.Duration]TimeframeTrend
	// Alignment is the fraction of timeframes agreeing with the dominant
	// direction, 0–1.
	Alignment float64
	// Direction is the dominant direction, or empty when no timeframe
	// leans either way.
	Direction model.Direction
	// Strength is the mean R² of the agreeing timeframes.
	Strength float64
	// NearestSupport and NearestResistance are the levels closest to the
	// latest price across all timeframes. Zero when unknown.
	NearestSupport    decimal.Decimal
	NearestResistance decimal.Decimal
}

type tfSeries struct {
	building *model.Candle
	closed   []model.Candle
}

// TimeframeAggregator resamples base bars into the configured timeframes and
// reads a regression trend off each. Safe for concurrent use.
type TimeframeAggregator struct {
	mu         sync.RWMutex
	timeframes []time.Duration
	lookback   int // closed candles per regression
	series     map[string]map[time.Duration]*tfSeries
}

// NewTimeframeAggregator creates an aggregator over the given timeframes
// with a regression lookback in candles.
func NewTimeframeAggregator(timeframes []time.Duration, lookback int) *TimeframeAggregator {
	if lookback < 3 {
		lookback = 20
	}
	return &TimeframeAggregator{
		timeframes: append([]time.Duration(nil), timeframes...),
		lookback:   lookback,
		series:     make(map[string]map[time.Duration]*tfSeries),
	}
}

// AddCandle folds one base bar into every configured timeframe. Base bars
// must be no coarser than the finest timeframe and arrive in time order.
func (a *TimeframeAggregator) AddCandle(c model.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	perTF := a.series[c.Symbol]
	if perTF == nil {
		perTF = make(map[time.Duration]*tfSeries, len(a.timeframes))
		for _, tf := range a.timeframes {
			perTF[tf] = &tfSeries{}
		}
		a.series[c.Symbol] = perTF
	}

	for tf, s := range perTF {
		openTime := c.OpenTime.Truncate(tf)
		if s.building != nil && !s.building.OpenTime.Equal(openTime) {
			s.closed = append(s.closed, *s.building)
			if len(s.closed) > maxCandlesPerTF {
				s.closed = s.closed[len(s.closed)-maxCandlesPerTF:]
			}
			s.building = nil
		}
		if s.building == nil {
			s.building = &model.Candle{
				Symbol:    c.Symbol,
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
				OpenTime:  openTime,
				CloseTime: openTime.Add(tf),
			}
			continue
		}
		b := s.building
		if c.High.GreaterThan(b.High) {
			b.High = c.High
		}
		if c.Low.LessThan(b.Low) {
			b.Low = c.Low
		}
		b.Close = c.Close
		b.Volume = b.Volume.Add(c.Volume)
	}
}

// Trend returns the aggregated trend view for a symbol. Timeframes without
// enough closed candles are absent from PerTimeframe.
func (a *TimeframeAggregator) Trend(symbol string) (TrendView, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	perTF := a.series[symbol]
	if perTF == nil {
		return TrendView{}, false
	}

	view := TrendView{PerTimeframe: make(map[time.Duration]TimeframeTrend)}
	var lastPrice decimal.Decimal
	for _, tf := range a.timeframes {
		s := perTF[tf]
		candles := s.closed
		if s.building != nil {
			candles = append(append([]model.Candle(nil), candles...), *s.building)
		}
		if len(candles) < 3 {
			continue
		}
		if lastPrice.IsZero() {
			lastPrice = candles[len(candles)-1].Close
		}
		start := len(candles) - a.lookback
		if start < 0 {
			start = 0
		}
		window := candles[start:]
		view.PerTimeframe[tf] = analyzeWindow(tf, window)
	}
	if len(view.PerTimeframe) == 0 {
		return TrendView{}, false
	}

	up, down := 0, 0
	for _, t := range view.PerTimeframe {
		if t.Direction.Up() {
			up++
		} else if t.Direction.Down() {
			down++
		}
	}
	total := len(view.PerTimeframe)
	dominantUp := up >= down
	agreeing := up
	if !dominantUp {
		agreeing = down
	}
	if agreeing > 0 {
		view.Alignment = float64(agreeing) / float64(total)
		if dominantUp {
			view.Direction = model.Long
		} else {
			view.Direction = model.Short
		}
		sum, n := 0.0, 0
		for _, t := range view.PerTimeframe {
			if (dominantUp && t.Direction.Up()) || (!dominantUp && t.Direction.Down()) {
				sum += t.Strength
				n++
			}
		}
		view.Strength = sum / float64(n)
	}

	view.NearestSupport, view.NearestResistance = nearestLevels(view.PerTimeframe, lastPrice)
	return view, true
}

// analyzeWindow fits a linear regression over closes and scans extremes for
// support and resistance.
func analyzeWindow(tf time.Duration, candles []model.Candle) TimeframeTrend {
	closes := make([]float64, len(candles))
	support := candles[0].Low
	resistance := candles[0].High
	for i, c := range candles {
		closes[i], _ = c.Close.Float64()
		if c.Low.LessThan(support) {
			support = c.Low
		}
		if c.High.GreaterThan(resistance) {
			resistance = c.High
		}
	}

	slope, r2 := linearRegression(closes)
	last := closes[len(closes)-1]
	// Normalize slope to percent-per-candle so thresholds hold across
	// price scales.
	slopePct := 0.0
	if last > 0 {
		slopePct = slope / last
	}

	var dir TrendDirection
	switch {
	case slopePct > 0.002 && r2 > 0.6:
		dir = TrendStrongUp
	case slopePct > 0.0005:
		dir = TrendUp
	case slopePct < -0.002 && r2 > 0.6:
		dir = TrendStrongDown
	case slopePct < -0.0005:
		dir = TrendDown
	default:
		dir = TrendNeutral
	}

	return TimeframeTrend{
		Timeframe:  tf,
		Direction:  dir,
		Strength:   r2,
		Support:    support,
		Resistance: resistance,
	}
}

// linearRegression returns the slope and R² of y over x = 0..n-1.
func linearRegression(ys []float64) (slope, r2 float64) {
	n := float64(len(ys))
	if n < 2 {
		return 0, 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i, y := range ys {
		fit := intercept + slope*float64(i)
		ssTot += (y - meanY) * (y - meanY)
		ssRes += (y - fit) * (y - fit)
	}
	if ssTot == 0 {
		return slope, 0
	}
	r2 = math.Max(0, 1-ssRes/ssTot)
	return slope, r2
}

// nearestLevels picks the support below price and resistance above price
// closest to it across timeframes.
func nearestLevels(trends map[time.Duration]TimeframeTrend, price decimal.Decimal) (support, resistance decimal.Decimal) {
	if price.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	for _, t := range trends {
		if t.Support.LessThan(price) {
			if support.IsZero() || t.Support.GreaterThan(support) {
				support = t.Support
			}
		}
		if t.Resistance.GreaterThan(price) {
			if resistance.IsZero() || t.Resistance.LessThan(resistance) {
				resistance = t.Resistance
			}
		}
	}
	return support, resistance
}
