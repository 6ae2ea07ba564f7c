// Package feed consumes the market data collaborator over a websocket:
// trade prints and depth snapshots per symbol, at-least-once and possibly
// out of order. Prints are de-duplicated by trade ID before they touch the
// footprint delta. The feed also maintains top-of-book quotes and builds
// one-minute base candles for the estimators.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/config"
	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
)

const maxReconnectDelay = 30 * time.Second

// message is the wire envelope. One of the payload fields is set according
// to Type.
type message struct {
	Type   string            `json:"type"` // trade | quote | candle
	Trade  *model.TradePrint `json:"trade,omitempty"`
	Quote  *model.Quote      `json:"quote,omitempty"`
	Candle *model.Candle     `json:"candle,omitempty"`
}

// Marker receives mark-price updates. The position tracker implements it.
type Marker interface {
	Mark(symbol string, price decimal.Decimal)
}

// Feed is the websocket market data client. It implements feature.Book.
type Feed struct {
	cfg    config.FeedConfig
	flow   *feature.FootprintAnalyzer
	vol    *feature.VolatilityEstimator
	trend  *feature.TimeframeAggregator
	marker Marker

	mu       sync.RWMutex
	quotes   map[string]model.Quote
	building map[string]*model.Candle
}

// New wires the feed to its consumers. Any consumer may be nil.
func New(cfg config.FeedConfig, flow *feature.FootprintAnalyzer, vol *feature.VolatilityEstimator, trend *feature.TimeframeAggregator, marker Marker) *Feed {
	return &Feed{
		cfg:      cfg,
		flow:     flow,
		vol:      vol,
		trend:    trend,
		marker:   marker,
		quotes:   make(map[string]model.Quote),
		building: make(map[string]*model.Candle),
	}
}

// TopOfBook implements feature.Book.
func (f *Feed) TopOfBook(symbol string) (model.Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[symbol]
	return q, ok
}

// Run connects and consumes until ctx ends, reconnecting with exponential
// backoff on read or dial errors.
func (f *Feed) Run(ctx context.Context) {
	backoff := f.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
		if err != nil {
			slog.Warn("feed dial failed", "url", f.cfg.URL, "err", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		conn.SetReadLimit(2 << 20)
		slog.Info("feed connected", "url", f.cfg.URL)
		backoff = f.cfg.ReconnectDelay

		f.readLoop(ctx, conn)
		_ = conn.Close()
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("feed read failed", "err", err)
			return
		}
		f.Handle(data)
	}
}

// Handle processes one raw feed message. Exported so tests can drive the
// feed without a socket.
func (f *Feed) Handle(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.FeedTradesTotal.WithLabelValues("malformed").Inc()
		slog.Warn("malformed feed message", "err", err)
		return
	}

	switch {
	case msg.Type == "trade" && msg.Trade != nil:
		f.handleTrade(*msg.Trade)
	case msg.Type == "quote" && msg.Quote != nil:
		f.handleQuote(*msg.Quote)
	case msg.Type == "candle" && msg.Candle != nil:
		f.handleCandle(*msg.Candle)
	default:
		metrics.FeedTradesTotal.WithLabelValues("malformed").Inc()
	}
}

func (f *Feed) handleTrade(t model.TradePrint) {
	if t.TradeID == "" || t.Symbol == "" || !t.Price.IsPositive() || !t.Qty.IsPositive() {
		metrics.FeedTradesTotal.WithLabelValues("malformed").Inc()
		return
	}
	if f.flow != nil && !f.flow.AddTrade(t) {
		metrics.FeedTradesTotal.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.FeedTradesTotal.WithLabelValues("accepted").Inc()

	f.foldIntoCandle(t)
	if f.marker != nil {
		f.marker.Mark(t.Symbol, t.Price)
	}
}

func (f *Feed) handleQuote(q model.Quote) {
	if q.Symbol == "" || q.Bid.IsNegative() || q.Ask.IsNegative() {
		metrics.FeedTradesTotal.WithLabelValues("malformed").Inc()
		return
	}
	f.mu.Lock()
	f.quotes[q.Symbol] = q
	f.mu.Unlock()

	if f.marker != nil && !q.Mid().IsZero() {
		f.marker.Mark(q.Symbol, q.Mid())
	}
}

func (f *Feed) handleCandle(c model.Candle) {
	if f.vol != nil {
		f.vol.AddCandle(c)
	}
	if f.trend != nil {
		f.trend.AddCandle(c)
	}
}

// foldIntoCandle builds one-minute base candles from prints, for venues
// that publish no candle stream. A print in a new minute closes the prior
// candle into the estimators.
func (f *Feed) foldIntoCandle(t model.TradePrint) {
	open := t.Timestamp.Truncate(time.Minute)

	f.mu.Lock()
	b := f.building[t.Symbol]
	var done *model.Candle
	if b != nil && !b.OpenTime.Equal(open) {
		done = b
		b = nil
	}
	if b == nil {
		b = &model.Candle{
			Symbol:    t.Symbol,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			OpenTime:  open,
			CloseTime: open.Add(time.Minute),
		}
		f.building[t.Symbol] = b
	}
	if t.Price.GreaterThan(b.High) {
		b.High = t.Price
	}
	if t.Price.LessThan(b.Low) {
		b.Low = t.Price
	}
	b.Close = t.Price
	b.Volume = b.Volume.Add(t.Qty)
	f.mu.Unlock()

	if done != nil {
		f.handleCandle(*done)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d *= 2; d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
