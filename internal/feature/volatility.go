// Package feature derives trading features from market data: realized
// volatility and regime classification, order-flow footprint analysis, and
// multi-timeframe trend aggregation. Estimators are fed by the market data
// loop and read by strategies through immutable snapshots.
package feature

import (
	"math"
	"sort"
	"sync"

	"github.com/atmx/trade-engine/internal/model"
)

// barsPerYear annualizes per-bar return volatility for 1-minute bars.
const barsPerYear = 365 * 24 * 60

// maxCloseHistory bounds the per-symbol close series.
const maxCloseHistory = 2000

// VolFeatures is the volatility feature set for one symbol at one instant.
type VolFeatures struct {
	// RealizedVol maps lookback window (bars) to annualized volatility.
	RealizedVol map[int]float64
	// Current is the shortest-window realized vol.
	Current float64
	// Baseline is the longest-window realized vol, used by the circuit
	// breaker's spike rule.
	Baseline float64
	// Percentile is where Current sits in this symbol's vol history, 0–100.
	Percentile float64
	// VolOfVol is the volatility of the short-window vol series.
	VolOfVol float64
	Regime           model.Regime
	RegimeConfidence float64
}

// RegimeClassifier maps volatility features to a regime label with
// confidence. The engine ships a threshold classifier; external models
// plug in behind this interface.
type RegimeClassifier interface {
	Classify(f VolFeatures) (model.Regime, float64)
}

// ThresholdClassifier buckets the volatility percentile into regimes.
// Confidence grows with distance from the nearest band edge.
type ThresholdClassifier struct{}

// Classify implements RegimeClassifier.
func (ThresholdClassifier) Classify(f VolFeatures) (model.Regime, float64) {
	p := f.Percentile
	var regime model.Regime
	var edge float64
	switch {
	case p < 40:
		regime, edge = model.RegimeLow, math.Min(p, 40-p)
	case p < 70:
		regime, edge = model.RegimeMedium, math.Min(p-40, 70-p)
	case p < 90:
		regime, edge = model.RegimeHigh, math.Min(p-70, 90-p)
	default:
		regime, edge = model.RegimeExtreme, p-90
	}
	confidence := 0.5 + math.Min(edge/20.0, 0.5)
	return regime, confidence
}

// VolatilityEstimator computes multi-window realized volatility per symbol.
// Safe for concurrent use.
type VolatilityEstimator struct {
	mu         sync.RWMutex
	windows    []int // sorted ascending
	classifier RegimeClassifier
	closes     map[string][]float64
	volHistory map[string][]float64 // short-window vol series per symbol
}

// NewVolatilityEstimator creates an estimator over the given lookback
// windows (in bars). A nil classifier falls back to ThresholdClassifier.
func NewVolatilityEstimator(windows []int, classifier RegimeClassifier) *VolatilityEstimator {
	ws := append([]int(nil), windows...)
	sort.Ints(ws)
	if classifier == nil {
		classifier = ThresholdClassifier{}
	}
	return &VolatilityEstimator{
		windows:    ws,
		classifier: classifier,
		closes:     make(map[string][]float64),
		volHistory: make(map[string][]float64),
	}
}

// AddCandle appends one closed bar for the symbol.
func (e *VolatilityEstimator) AddCandle(c model.Candle) {
	close, _ := c.Close.Float64()
	if close <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	series := append(e.closes[c.Symbol], close)
	if len(series) > maxCloseHistory {
		series = series[len(series)-maxCloseHistory:]
	}
	e.closes[c.Symbol] = series

	if v, ok := realizedVol(series, e.windows[0]); ok {
		hist := append(e.volHistory[c.Symbol], v)
		if len(hist) > maxCloseHistory {
			hist = hist[len(hist)-maxCloseHistory:]
		}
		e.volHistory[c.Symbol] = hist
	}
}

// Features returns the current feature set for a symbol, or false when not
// enough history has accumulated for the shortest window.
func (e *VolatilityEstimator) Features(symbol string) (VolFeatures, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	series := e.closes[symbol]
	f := VolFeatures{RealizedVol: make(map[int]float64, len(e.windows))}

	ok := false
	for _, w := range e.windows {
		if v, has := realizedVol(series, w); has {
			f.RealizedVol[w] = v
			f.Baseline = v // overwritten by each longer window that resolves
			if !ok {
				f.Current = v
				ok = true
			}
		}
	}
	if !ok {
		return VolFeatures{}, false
	}

	hist := e.volHistory[symbol]
	f.Percentile = percentile(hist, f.Current)
	f.VolOfVol = stddev(hist)
	f.Regime, f.RegimeConfidence = e.classifier.Classify(f)
	return f, true
}

// realizedVol is the annualized standard deviation of log returns over the
// last `window` bars. Returns false when the series is too short.
func realizedVol(closes []float64, window int) (float64, bool) {
	if len(closes) < window+1 {
		return 0, false
	}
	tail := closes[len(closes)-window-1:]
	returns := make([]float64, 0, window)
	for i := 1; i < len(tail); i++ {
		if tail[i-1] <= 0 || tail[i] <= 0 {
			return 0, false
		}
		returns = append(returns, math.Log(tail[i]/tail[i-1]))
	}
	return stddev(returns) * math.Sqrt(barsPerYear), true
}

// percentile returns where v falls within hist, 0–100. An empty history
// reads as the 50th percentile so early classifications stay neutral.
func percentile(hist []float64, v float64) float64 {
	if len(hist) == 0 {
		return 50
	}
	below := 0
	for _, h := range hist {
		if h < v {
			below++
		}
	}
	return 100 * float64(below) / float64(len(hist))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	ss := 0.0
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}
