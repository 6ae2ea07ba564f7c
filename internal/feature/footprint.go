package feature

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
)

// maxBarHistory bounds the per-symbol closed-bar series.
const maxBarHistory = 500

// maxSeenTrades bounds the per-symbol trade-ID dedup window.
const maxSeenTrades = 4096

// PriceLevel is the aggregated volume at one price within a footprint bar.
type PriceLevel struct {
	Price      decimal.Decimal
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
}

// Total returns combined volume at the level.
func (l PriceLevel) Total() decimal.Decimal {
	return l.BuyVolume.Add(l.SellVolume)
}

// FootprintBar is one time-bucketed bar of per-price order flow.
type FootprintBar struct {
	Symbol    string
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	Close     decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Levels    []PriceLevel // sorted by price ascending
	Delta     decimal.Decimal
	Volume    decimal.Decimal

	// Flow patterns, evaluated when the bar closes.
	Absorption bool
	Exhaustion bool
	// ImbalanceRatio is buy volume over total, 0–1. 0.5 is balanced.
	ImbalanceRatio float64
	// VolumeRatio is bar volume over the trailing closed-bar average.
	VolumeRatio float64
}

// PointOfControl returns the price level carrying the most volume.
func (b *FootprintBar) PointOfControl() decimal.Decimal {
	var poc decimal.Decimal
	best := decimal.Zero
	for _, l := range b.Levels {
		if t := l.Total(); t.GreaterThan(best) {
			best = t
			poc = l.Price
		}
	}
	return poc
}

// FlowView is the footprint feature set exposed to snapshots.
type FlowView struct {
	BarDelta        decimal.Decimal
	CumulativeDelta decimal.Decimal
	Divergence      model.Divergence
	PointOfControl  decimal.Decimal
	ImbalanceRatio  float64
	VolumeRatio     float64
	Absorption      bool
	Exhaustion      bool
}

type symbolFlow struct {
	building  *FootprintBar
	levels    map[string]*PriceLevel // key: bucketed price string
	closed    []*FootprintBar
	cumDelta  decimal.Decimal
	deltaHist []decimal.Decimal // cumulative delta at each print
	priceHist []decimal.Decimal // price at each print
	seen      map[string]struct{}
	seenOrder []string
}

// FootprintAnalyzer buckets trade prints into per-price footprint bars and
// detects absorption, exhaustion, imbalance, and delta divergence. Prints
// are deduplicated by trade ID. Safe for concurrent use.
type FootprintAnalyzer struct {
	mu        sync.RWMutex
	barSize   time.Duration
	priceTick decimal.Decimal
	lookback  int // prints considered by divergence detection
	flows     map[string]*symbolFlow

	// minDeltaRatio is the fraction of lookback volume the delta swing must
	// exceed before a divergence is reported.
	minDeltaRatio float64
}

// NewFootprintAnalyzer creates an analyzer with the given bar duration,
// price bucket size, and divergence lookback (in prints).
func NewFootprintAnalyzer(barSize time.Duration, priceTick decimal.Decimal, lookback int) *FootprintAnalyzer {
	if lookback <= 0 {
		lookback = 50
	}
	return &FootprintAnalyzer{
		barSize:       barSize,
		priceTick:     priceTick,
		lookback:      lookback,
		flows:         make(map[string]*symbolFlow),
		minDeltaRatio: 0.1,
	}
}

// AddTrade ingests one trade print. Returns false when the print was a
// duplicate (same trade ID already observed) and was dropped.
func (a *FootprintAnalyzer) AddTrade(t model.TradePrint) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	f := a.flows[t.Symbol]
	if f == nil {
		f = &symbolFlow{
			levels: make(map[string]*PriceLevel),
			seen:   make(map[string]struct{}),
		}
		a.flows[t.Symbol] = f
	}

	if _, dup := f.seen[t.TradeID]; dup {
		return false
	}
	f.seen[t.TradeID] = struct{}{}
	f.seenOrder = append(f.seenOrder, t.TradeID)
	if len(f.seenOrder) > maxSeenTrades {
		delete(f.seen, f.seenOrder[0])
		f.seenOrder = f.seenOrder[1:]
	}

	openTime := t.Timestamp.Truncate(a.barSize)
	if f.building != nil && !f.building.OpenTime.Equal(openTime) {
		a.closeBar(f)
	}
	if f.building == nil {
		f.building = &FootprintBar{
			Symbol:    t.Symbol,
			OpenTime:  openTime,
			CloseTime: openTime.Add(a.barSize),
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
		}
		f.levels = make(map[string]*PriceLevel)
	}

	bar := f.building
	bar.Close = t.Price
	if t.Price.GreaterThan(bar.High) {
		bar.High = t.Price
	}
	if t.Price.LessThan(bar.Low) {
		bar.Low = t.Price
	}
	bar.Volume = bar.Volume.Add(t.Qty)

	bucket := a.bucket(t.Price)
	key := bucket.String()
	lvl := f.levels[key]
	if lvl == nil {
		lvl = &PriceLevel{Price: bucket}
		f.levels[key] = lvl
	}

	signed := t.Qty
	if t.Aggressor == model.Buy {
		lvl.BuyVolume = lvl.BuyVolume.Add(t.Qty)
	} else {
		lvl.SellVolume = lvl.SellVolume.Add(t.Qty)
		signed = t.Qty.Neg()
	}
	bar.Delta = bar.Delta.Add(signed)
	f.cumDelta = f.cumDelta.Add(signed)

	f.priceHist = append(f.priceHist, t.Price)
	f.deltaHist = append(f.deltaHist, f.cumDelta)
	if len(f.priceHist) > maxSeenTrades {
		f.priceHist = f.priceHist[1:]
		f.deltaHist = f.deltaHist[1:]
	}
	return true
}

func (a *FootprintAnalyzer) bucket(p decimal.Decimal) decimal.Decimal {
	if a.priceTick.IsZero() {
		return p
	}
	return p.Div(a.priceTick).Floor().Mul(a.priceTick)
}

// closeBar finalizes the in-progress bar, evaluating flow patterns.
func (a *FootprintAnalyzer) closeBar(f *symbolFlow) {
	bar := f.building
	if bar == nil {
		return
	}
	for _, lvl := range f.levels {
		bar.Levels = append(bar.Levels, *lvl)
	}
	sortLevels(bar.Levels)

	if !bar.Volume.IsZero() {
		buys := bar.Volume.Add(bar.Delta).Div(decimal.NewFromInt(2))
		bar.ImbalanceRatio, _ = buys.Div(bar.Volume).Float64()
	}

	// Absorption: heavy volume with little price travel and a small delta.
	// Exhaustion: volume has declined over three consecutive closed bars,
	// this one included. The move is running out of participation.
	span := bar.High.Sub(bar.Low)
	if !bar.Volume.IsZero() {
		deltaFrac, _ := bar.Delta.Abs().Div(bar.Volume).Float64()
		narrow := a.priceTick.IsZero() || span.LessThanOrEqual(a.priceTick.Mul(decimal.NewFromInt(3)))
		bar.VolumeRatio = volumeRatio(f, bar)
		bar.Absorption = narrow && deltaFrac < 0.15 && bar.VolumeRatio >= 1.5
		if n := len(f.closed); n >= 2 {
			bar.Exhaustion = bar.Volume.LessThan(f.closed[n-1].Volume) &&
				f.closed[n-1].Volume.LessThan(f.closed[n-2].Volume)
		}
	}

	f.closed = append(f.closed, bar)
	if len(f.closed) > maxBarHistory {
		f.closed = f.closed[len(f.closed)-maxBarHistory:]
	}
	f.building = nil
	f.levels = make(map[string]*PriceLevel)
}

// volumeRatio compares bar volume to the trailing 20-closed-bar average.
// Returns 1 when there is no history to compare against.
func volumeRatio(f *symbolFlow, bar *FootprintBar) float64 {
	n := len(f.closed)
	if n == 0 {
		return 1
	}
	start := n - 20
	if start < 0 {
		start = 0
	}
	sum := decimal.Zero
	for _, b := range f.closed[start:] {
		sum = sum.Add(b.Volume)
	}
	avg := sum.Div(decimal.NewFromInt(int64(n - start)))
	if avg.IsZero() {
		return 1
	}
	ratio, _ := bar.Volume.Div(avg).Float64()
	return ratio
}

// DetectDeltaDivergence compares price direction with cumulative-delta
// direction over the lookback window. Rising price on falling delta is
// bearish; falling price on rising delta is bullish.
func (a *FootprintAnalyzer) DetectDeltaDivergence(symbol string) model.Divergence {
	a.mu.RLock()
	defer a.mu.RUnlock()

	f := a.flows[symbol]
	if f == nil || len(f.priceHist) < a.lookback {
		return model.DivergenceNone
	}

	prices := f.priceHist[len(f.priceHist)-a.lookback:]
	deltas := f.deltaHist[len(f.deltaHist)-a.lookback:]

	priceChange := prices[len(prices)-1].Sub(prices[0])
	deltaChange := deltas[len(deltas)-1].Sub(deltas[0])

	// Require the delta swing to be meaningful relative to window volume.
	windowVol := decimal.Zero
	for i := 1; i < len(deltas); i++ {
		windowVol = windowVol.Add(deltas[i].Sub(deltas[i-1]).Abs())
	}
	if windowVol.IsZero() {
		return model.DivergenceNone
	}
	ratio, _ := deltaChange.Abs().Div(windowVol).Float64()
	if ratio < a.minDeltaRatio {
		return model.DivergenceNone
	}

	switch {
	case priceChange.Sign() > 0 && deltaChange.Sign() < 0:
		return model.DivergenceBearish
	case priceChange.Sign() < 0 && deltaChange.Sign() > 0:
		return model.DivergenceBullish
	default:
		return model.DivergenceNone
	}
}

// Flow returns the current footprint feature view for a symbol.
func (a *FootprintAnalyzer) Flow(symbol string) (FlowView, bool) {
	div := a.DetectDeltaDivergence(symbol)

	a.mu.RLock()
	defer a.mu.RUnlock()

	f := a.flows[symbol]
	if f == nil {
		return FlowView{}, false
	}
	v := FlowView{CumulativeDelta: f.cumDelta, Divergence: div, ImbalanceRatio: 0.5, VolumeRatio: 1}

	var last *FootprintBar
	if n := len(f.closed); n > 0 {
		last = f.closed[n-1]
	}
	if last != nil {
		v.BarDelta = last.Delta
		v.PointOfControl = last.PointOfControl()
		v.ImbalanceRatio = last.ImbalanceRatio
		v.VolumeRatio = last.VolumeRatio
		v.Absorption = last.Absorption
		v.Exhaustion = last.Exhaustion
	} else if f.building != nil {
		v.BarDelta = f.building.Delta
	}
	return v, true
}

// Bars returns the closed bars for a symbol, most recent last.
func (a *FootprintAnalyzer) Bars(symbol string) []*FootprintBar {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f := a.flows[symbol]
	if f == nil {
		return nil
	}
	return append([]*FootprintBar(nil), f.closed...)
}

func sortLevels(levels []PriceLevel) {
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Price.LessThan(levels[j].Price)
	})
}
