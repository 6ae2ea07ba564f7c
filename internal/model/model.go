// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the directional view carried by a signal or intent.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Regime classifies the current volatility environment of a symbol.
type Regime string

const (
	RegimeLow     Regime = "LOW"
	RegimeMedium  Regime = "MEDIUM"
	RegimeHigh    Regime = "HIGH"
	RegimeExtreme Regime = "EXTREME"
)

// Divergence is the outcome of the footprint delta-divergence detector.
type Divergence string

const (
	DivergenceNone    Divergence = "NONE"
	DivergenceBullish Divergence = "BULLISH"
	DivergenceBearish Divergence = "BEARISH"
)

// Signal is one strategy's directional view on one symbol. Signals are
// immutable once emitted and consumed at most once per decision cycle.
type Signal struct {
	Symbol          string          `json:"symbol"`
	StrategyID      string          `json:"strategy_id"`
	Direction       Direction       `json:"direction"`
	Confidence      float64         `json:"confidence"` // 0.0 to 1.0
	EntryPrice      decimal.Decimal `json:"entry_price"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	TargetPrice     decimal.Decimal `json:"target_price"`
	SnapshotVersion uint64          `json:"snapshot_version"`
	Timestamp       time.Time       `json:"timestamp"`
}

// RiskRewardRatio is the distance to target over the distance to stop.
// Returns 0 when the stop distance is degenerate.
func (s Signal) RiskRewardRatio() float64 {
	risk := s.EntryPrice.Sub(s.StopPrice).Abs()
	reward := s.TargetPrice.Sub(s.EntryPrice).Abs()
	if risk.IsZero() {
		return 0
	}
	rr, _ := reward.Div(risk).Float64()
	return rr
}

// StopDistancePct is |entry − stop| / entry, as a fraction.
func (s Signal) StopDistancePct() float64 {
	if s.EntryPrice.IsZero() {
		return 0
	}
	pct, _ := s.EntryPrice.Sub(s.StopPrice).Abs().Div(s.EntryPrice).Float64()
	return pct
}

// QualityTier buckets a total score for observability.
type QualityTier string

const (
	TierExcellent QualityTier = "EXCELLENT" // ≥85
	TierGood      QualityTier = "GOOD"      // ≥70
	TierFair      QualityTier = "FAIR"      // ≥55
	TierPoor      QualityTier = "POOR"      // <55
)

// ComponentScores holds the six factor scores, each on a 0–100 scale.
type ComponentScores struct {
	Technical  float64 `json:"technical"`
	Volume     float64 `json:"volume"`
	Volatility float64 `json:"volatility"`
	Momentum   float64 `json:"momentum"`
	RiskReward float64 `json:"risk_reward"`
	Timing     float64 `json:"timing"`
}

// ScoredSignal is a Signal plus its multi-factor quality assessment.
// Derived per cycle, never persisted.
type ScoredSignal struct {
	Signal           Signal          `json:"signal"`
	Components       ComponentScores `json:"components"`
	TotalScore       float64         `json:"total_score"` // 0–100
	Tier             QualityTier     `json:"tier"`
	Confidence       float64         `json:"confidence"` // score-consistency, 0.5–1.0
	TradeRecommended bool            `json:"trade_recommended"`
	Strengths        []string        `json:"strengths"`  // strongest factors, ranked
	Weaknesses       []string        `json:"weaknesses"` // weakest factors, ranked
}

// SizingMethod selects how a position size is computed.
type SizingMethod string

const (
	SizeKelly           SizingMethod = "KELLY_FRACTIONAL"
	SizeVolTarget       SizingMethod = "VOLATILITY_TARGET"
	SizeRiskParity      SizingMethod = "RISK_PARITY"
	SizeFixedFractional SizingMethod = "FIXED_FRACTIONAL" // degenerate-input fallback
)

// SizedIntent is an approved, risk-bounded trade proposal handed to the
// execution engine. Risk-reducing intents (closing or shrinking an existing
// position) bypass the scorer and are always allowed through the breaker.
type SizedIntent struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	Method       SizingMethod    `json:"method"`
	SizeBase     decimal.Decimal `json:"size_base"` // base units
	Notional     decimal.Decimal `json:"notional"`  // quote units
	EntryPrice   decimal.Decimal `json:"entry_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	TargetPrice  decimal.Decimal `json:"target_price"`
	MaxLoss      decimal.Decimal `json:"max_loss"`
	RiskReducing bool            `json:"risk_reducing"`
	CreatedAt    time.Time       `json:"created_at"`
}

// BreakerState is the portfolio-wide safety status.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"    // normal trading
	BreakerOpen     BreakerState = "OPEN"      // risk-increasing intents halted
	BreakerHalfOpen BreakerState = "HALF_OPEN" // one probe intent allowed
)

// TripReason identifies which breaker rule fired.
type TripReason string

const (
	TripDailyLoss         TripReason = "DAILY_LOSS_LIMIT"
	TripRapidDrawdown     TripReason = "RAPID_DRAWDOWN"
	TripPositionLimit     TripReason = "POSITION_LIMIT"
	TripConsecutiveLosses TripReason = "CONSECUTIVE_LOSSES"
	TripVolatilitySpike   TripReason = "VOLATILITY_SPIKE"
	TripManual            TripReason = "MANUAL"
)

// OrderSide is the exchange-facing side of a child order.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Side maps a direction opening a position to its order side.
func (d Direction) Side() OrderSide {
	if d == Long {
		return Buy
	}
	return Sell
}

// OrderType distinguishes market from limit child orders.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of one child order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether no further fills can arrive for this status.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Order is one exchange-facing execution unit. A SizedIntent may spawn one
// or many child orders depending on the execution algorithm.
type Order struct {
	ID             string          `json:"id" db:"id"`
	ParentIntentID string          `json:"parent_intent_id" db:"parent_intent_id"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	Symbol         string          `json:"symbol" db:"symbol"`
	Side           OrderSide       `json:"side" db:"side"`
	Type           OrderType       `json:"type" db:"type"`
	Qty            decimal.Decimal `json:"qty" db:"qty"`
	Price          decimal.Decimal `json:"price" db:"price"` // zero for market orders
	Status         OrderStatus     `json:"status" db:"status"`
	FilledQty      decimal.Decimal `json:"filled_qty" db:"filled_qty"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price" db:"avg_fill_price"`
	RiskReducing   bool            `json:"risk_reducing" db:"risk_reducing"`
	SubmittedAt    time.Time       `json:"submitted_at" db:"submitted_at"`
}

// Fill is a confirmed (possibly partial) execution applied to the position
// ledger.
type Fill struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is the authoritative holding in one symbol, average-cost
// accounted. At most one OPEN position exists per symbol.
type Position struct {
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Quantity      decimal.Decimal `json:"quantity"` // base units, always positive
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Status        PositionStatus  `json:"status"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at,omitempty"`
}

// Notional is quantity × mark price.
func (p Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.MarkPrice)
}

// RiskEventType enumerates the audit records emitted on rejections, trips
// and reconciliation failures.
type RiskEventType string

const (
	EventConflict           RiskEventType = "CONFLICT"
	EventScoreRejected      RiskEventType = "SCORE_REJECTED"
	EventConfluenceRejected RiskEventType = "CONFLUENCE_REJECTED"
	EventSizeTooSmall       RiskEventType = "SIZE_TOO_SMALL"
	EventRegimeRejected     RiskEventType = "REGIME_REJECTED"
	EventExposureRejected   RiskEventType = "EXPOSURE_REJECTED"
	EventBreakerRejected    RiskEventType = "BREAKER_REJECTED"
	EventBreakerTripped     RiskEventType = "BREAKER_TRIPPED"
	EventBreakerHalfOpen    RiskEventType = "BREAKER_HALF_OPEN"
	EventBreakerClosed      RiskEventType = "BREAKER_CLOSED"
	EventExecutionFailed    RiskEventType = "EXECUTION_FAILED"
	EventInvariantViolation RiskEventType = "INVARIANT_VIOLATION"
)

// MetricsSnapshot is the portfolio state captured alongside a risk event.
type MetricsSnapshot struct {
	PortfolioValue    decimal.Decimal `json:"portfolio_value"`
	DailyRealizedPnL  decimal.Decimal `json:"daily_realized_pnl"`
	OpenPositions     int             `json:"open_positions"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
}

// RiskEvent is an immutable audit record. Once created, these are never
// modified or deleted.
type RiskEvent struct {
	ID        string          `json:"id" db:"id"`
	Type      RiskEventType   `json:"type" db:"type"`
	Symbol    string          `json:"symbol,omitempty" db:"symbol"`
	Reason    string          `json:"reason" db:"reason"`
	Metrics   MetricsSnapshot `json:"metrics" db:"metrics"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// TradePrint is one normalized trade from the market data feed. Aggressor
// marks which side initiated. TradeID is the feed's de-duplication key.
type TradePrint struct {
	TradeID   string          `json:"trade_id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Aggressor OrderSide       `json:"aggressor"`
	Timestamp time.Time       `json:"timestamp"`
}

// Quote is top-of-book liquidity for one symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the midpoint price, or zero when one side is empty.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsZero() || q.Ask.IsZero() {
		return decimal.Zero
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Candle is one OHLCV bar on some timeframe.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
}
