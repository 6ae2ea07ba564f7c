package feature

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
)

// Book exposes current top-of-book liquidity.
type Book interface {
	TopOfBook(symbol string) (model.Quote, bool)
}

// Snapshot is an immutable, versioned view of one symbol's features.
// Strategies read snapshots; they never touch the estimators directly, so a
// decision cycle sees one consistent picture.
type Snapshot struct {
	Symbol  string
	Version uint64
	Time    time.Time

	Price decimal.Decimal
	Quote model.Quote

	Vol   VolFeatures
	Flow  FlowView
	Trend TrendView

	// SpreadQuality is 1 for a tight spread, decaying to 0 as the spread
	// widens toward 10bps of mid.
	SpreadQuality float64
}

// Snapshotter assembles snapshots from the feature estimators and the live
// book. Versions increase monotonically across all symbols.
type Snapshotter struct {
	vol   *VolatilityEstimator
	flow  *FootprintAnalyzer
	trend *TimeframeAggregator
	book  Book

	version atomic.Uint64
	now     func() time.Time
}

// NewSnapshotter wires the estimators together. Any of them may be nil, in
// which case the corresponding section stays zero.
func NewSnapshotter(vol *VolatilityEstimator, flow *FootprintAnalyzer, trend *TimeframeAggregator, book Book) *Snapshotter {
	return &Snapshotter{vol: vol, flow: flow, trend: trend, book: book, now: time.Now}
}

// Snapshot builds the current feature view for a symbol. Returns false when
// no price is known yet.
func (s *Snapshotter) Snapshot(symbol string) (*Snapshot, bool) {
	snap := &Snapshot{
		Symbol:  symbol,
		Version: s.version.Add(1),
		Time:    s.now(),
	}

	if s.book != nil {
		if q, ok := s.book.TopOfBook(symbol); ok {
			snap.Quote = q
			snap.Price = q.Mid()
			snap.SpreadQuality = spreadQuality(q)
		}
	}
	if s.vol != nil {
		if f, ok := s.vol.Features(symbol); ok {
			snap.Vol = f
		}
	}
	if s.flow != nil {
		if f, ok := s.flow.Flow(symbol); ok {
			snap.Flow = f
			if snap.Price.IsZero() && !f.PointOfControl.IsZero() {
				snap.Price = f.PointOfControl
			}
		}
	}
	if s.trend != nil {
		if t, ok := s.trend.Trend(symbol); ok {
			snap.Trend = t
		}
	}

	if snap.Price.IsZero() {
		return nil, false
	}
	return snap, true
}

// spreadQuality maps relative spread to 0–1, with 10bps or wider scoring 0.
func spreadQuality(q model.Quote) float64 {
	mid := q.Mid()
	if mid.IsZero() {
		return 0
	}
	spreadPct, _ := q.Ask.Sub(q.Bid).Div(mid).Float64()
	if spreadPct <= 0 {
		return 1
	}
	const worst = 0.001 // 10bps
	if spreadPct >= worst {
		return 0
	}
	return 1 - spreadPct/worst
}
