// Package breaker implements the portfolio circuit breaker: a three-state
// machine (CLOSED, OPEN, HALF_OPEN) with five independent trip rules. While
// OPEN it halts risk-increasing intents only; risk-reducing intents always
// pass. Reads are lock-free; trips and resets take the write lock, so any
// cycle started after a transition observes it.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/bus"
	"github.com/atmx/trade-engine/internal/config"
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
)

var (
	// ErrOpen rejects a risk-increasing intent while the breaker is open.
	ErrOpen = errors.New("breaker: open")
	// ErrProbeInFlight rejects a second intent while the half-open probe
	// is still unresolved.
	ErrProbeInFlight = errors.New("breaker: probe in flight")
)

// Input is the rolling portfolio state the trip rules evaluate against.
type Input struct {
	StartingEquity   decimal.Decimal
	PortfolioValue   decimal.Decimal
	DailyRealizedPnL decimal.Decimal
	OpenPositions    int
	// VolSpikePct is the worst (current − baseline)/baseline across
	// symbols, as a fraction.
	VolSpikePct float64
}

// Snapshot is the breaker's externally visible status.
type Snapshot struct {
	State             model.BreakerState `json:"state"`
	TripReason        model.TripReason   `json:"trip_reason,omitempty"`
	TrippedAt         time.Time          `json:"tripped_at,omitempty"`
	CooldownUntil     time.Time          `json:"cooldown_until,omitempty"`
	TripCount         int                `json:"trip_count"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	ProbeSymbol       string             `json:"probe_symbol,omitempty"`
}

type equityMark struct {
	at    time.Time
	value decimal.Decimal
}

// Breaker is the circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg config.BreakerConfig
	bus *bus.Bus
	now func() time.Time

	state atomic.Value // model.BreakerState

	mu                sync.Mutex
	tripReason        model.TripReason
	trippedAt         time.Time
	cooldown          time.Duration // doubles on repeated trips
	cooldownUntil     time.Time
	tripCount         int
	consecutiveLosses int
	probeActive       bool
	probeSymbol       string
	equity            []equityMark
}

// New returns a closed breaker publishing transitions to the event bus.
func New(cfg config.BreakerConfig, b *bus.Bus) *Breaker {
	br := &Breaker{cfg: cfg, bus: b, now: time.Now, cooldown: cfg.Cooldown}
	br.state.Store(model.BreakerClosed)
	metrics.BreakerState.Set(0)
	return br
}

// State returns the current state without locking.
func (b *Breaker) State() model.BreakerState {
	return b.state.Load().(model.BreakerState)
}

// Allow gates one intent. Risk-reducing intents always pass. In HALF_OPEN
// exactly one risk-increasing probe passes; its symbol is remembered so the
// eventual closed trade resolves the probe.
func (b *Breaker) Allow(symbol string, riskReducing bool) error {
	if riskReducing {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.State() {
	case model.BreakerClosed:
		return nil
	case model.BreakerOpen:
		return ErrOpen
	default: // HALF_OPEN
		if b.probeActive {
			return ErrProbeInFlight
		}
		b.probeActive = true
		b.probeSymbol = symbol
		return nil
	}
}

// Evaluate runs the five trip rules. Call it once per decision cycle and on
// every portfolio update; it is cheap when nothing fires.
func (b *Breaker) Evaluate(in Input) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	b.markEquityLocked(in.PortfolioValue)

	if b.State() != model.BreakerClosed {
		return
	}

	if reason, detail, fired := b.checkRulesLocked(in); fired {
		b.tripLocked(reason, detail, in)
	}
}

func (b *Breaker) checkRulesLocked(in Input) (model.TripReason, string, bool) {
	if !in.StartingEquity.IsZero() {
		lossPct, _ := in.DailyRealizedPnL.Neg().Div(in.StartingEquity).Float64()
		if lossPct >= b.cfg.MaxDailyLossPct {
			return model.TripDailyLoss,
				fmt.Sprintf("daily realized loss %.2f%% ≥ %.2f%%", lossPct*100, b.cfg.MaxDailyLossPct*100), true
		}
	}
	if dd := b.rollingDrawdownLocked(in.PortfolioValue); dd >= b.cfg.MaxRapidDrawdownPct {
		return model.TripRapidDrawdown,
			fmt.Sprintf("drawdown %.2f%% over %s", dd*100, b.cfg.DrawdownWindow), true
	}
	if in.OpenPositions > b.cfg.MaxOpenPositions {
		return model.TripPositionLimit,
			fmt.Sprintf("%d open positions > %d", in.OpenPositions, b.cfg.MaxOpenPositions), true
	}
	if b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		return model.TripConsecutiveLosses,
			fmt.Sprintf("%d consecutive losses", b.consecutiveLosses), true
	}
	if in.VolSpikePct > b.cfg.MaxVolatilitySpikePct {
		return model.TripVolatilitySpike,
			fmt.Sprintf("volatility %.1f%% over baseline", in.VolSpikePct*100), true
	}
	return "", "", false
}

// ManualTrip forces the breaker open, for operator intervention.
func (b *Breaker) ManualTrip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.State() == model.BreakerOpen {
		return
	}
	if reason == "" {
		reason = "manual trip"
	}
	b.tripLocked(model.TripManual, reason, Input{})
}

// ManualReset returns the breaker to CLOSED and restores the default
// cooldown regardless of current state.
func (b *Breaker) ManualReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked("manual reset")
}

// OnTradeClosed feeds trade outcomes into the consecutive-loss counter and
// resolves the half-open probe. Wire it to the bus's closed-trade events.
func (b *Breaker) OnTradeClosed(ct bus.ClosedTrade) {
	b.mu.Lock()
	defer b.mu.Unlock()

	loss := ct.RealizedPnL.IsNegative()
	if loss {
		b.consecutiveLosses++
	} else {
		b.consecutiveLosses = 0
	}

	if b.State() == model.BreakerHalfOpen && b.probeActive && ct.Position.Symbol == b.probeSymbol {
		b.probeActive = false
		b.probeSymbol = ""
		if loss {
			b.tripLocked(b.tripReason, "probe closed at a loss", Input{})
		} else {
			b.closeLocked("probe closed flat or profitable")
		}
	}
}

// Status returns the current snapshot.
func (b *Breaker) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return Snapshot{
		State:             b.State(),
		TripReason:        b.tripReason,
		TrippedAt:         b.trippedAt,
		CooldownUntil:     b.cooldownUntil,
		TripCount:         b.tripCount,
		ConsecutiveLosses: b.consecutiveLosses,
		ProbeSymbol:       b.probeSymbol,
	}
}

// tripLocked moves to OPEN, doubling the cooldown on repeated trips.
func (b *Breaker) tripLocked(reason model.TripReason, detail string, in Input) {
	now := b.now()
	if b.tripCount > 0 {
		b.cooldown *= 2
	}
	b.tripCount++
	b.tripReason = reason
	b.trippedAt = now
	b.cooldownUntil = now.Add(b.cooldown)
	b.probeActive = false
	b.probeSymbol = ""
	b.state.Store(model.BreakerOpen)

	metrics.BreakerState.Set(2)
	metrics.BreakerTripsTotal.WithLabelValues(string(reason)).Inc()
	b.publish(model.EventBreakerTripped, string(reason)+": "+detail, in)
}

// maybeHalfOpenLocked advances OPEN to HALF_OPEN once cooldown elapses.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.State() != model.BreakerOpen || b.now().Before(b.cooldownUntil) {
		return
	}
	b.state.Store(model.BreakerHalfOpen)
	metrics.BreakerState.Set(1)
	b.publish(model.EventBreakerHalfOpen, "cooldown elapsed, probing", Input{})
}

// closeLocked returns to CLOSED and resets the cooldown to its default.
func (b *Breaker) closeLocked(detail string) {
	b.cooldown = b.cfg.Cooldown
	b.tripReason = ""
	b.trippedAt = time.Time{}
	b.cooldownUntil = time.Time{}
	b.probeActive = false
	b.probeSymbol = ""
	b.state.Store(model.BreakerClosed)
	metrics.BreakerState.Set(0)
	b.publish(model.EventBreakerClosed, detail, Input{})
}

// markEquityLocked records an equity observation and prunes the window.
func (b *Breaker) markEquityLocked(value decimal.Decimal) {
	if value.IsZero() {
		return
	}
	now := b.now()
	b.equity = append(b.equity, equityMark{at: now, value: value})
	cutoff := now.Add(-b.cfg.DrawdownWindow)
	i := 0
	for i < len(b.equity) && b.equity[i].at.Before(cutoff) {
		i++
	}
	b.equity = b.equity[i:]
}

// rollingDrawdownLocked is (peak − current)/peak over the window.
func (b *Breaker) rollingDrawdownLocked(current decimal.Decimal) float64 {
	if current.IsZero() || len(b.equity) == 0 {
		return 0
	}
	peak := b.equity[0].value
	for _, m := range b.equity[1:] {
		if m.value.GreaterThan(peak) {
			peak = m.value
		}
	}
	if !peak.GreaterThan(current) {
		return 0
	}
	dd, _ := peak.Sub(current).Div(peak).Float64()
	return dd
}

func (b *Breaker) publish(typ model.RiskEventType, reason string, in Input) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(bus.Event{Risk: &model.RiskEvent{
		ID:     uuid.NewString(),
		Type:   typ,
		Reason: reason,
		Metrics: model.MetricsSnapshot{
			PortfolioValue:    in.PortfolioValue,
			DailyRealizedPnL:  in.DailyRealizedPnL,
			OpenPositions:     in.OpenPositions,
			ConsecutiveLosses: b.consecutiveLosses,
		},
		Timestamp: b.now(),
	}})
}
