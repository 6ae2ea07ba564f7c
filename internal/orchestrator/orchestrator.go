// Package orchestrator drives the decision pipeline. One worker goroutine
// per symbol enforces the single-writer rule: a cycle runs conflict
// resolution, scoring, breaker and exposure gates, sizing, and execution to
// completion before the next cycle for that symbol may start.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/breaker"
	"github.com/atmx/trade-engine/internal/bus"
	"github.com/atmx/trade-engine/internal/config"
	"github.com/atmx/trade-engine/internal/execution"
	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/position"
	"github.com/atmx/trade-engine/internal/risk"
	"github.com/atmx/trade-engine/internal/scoring"
	"github.com/atmx/trade-engine/internal/sizing"
	"github.com/atmx/trade-engine/internal/strategy"
)

// Orchestrator owns the per-symbol decision workers.
type Orchestrator struct {
	cfg       config.EngineConfig
	registry  *strategy.Registry
	snapshots *feature.Snapshotter
	scorer    *scoring.Scorer
	sizer     *sizing.Sizer
	breaker   *breaker.Breaker
	limiter   *risk.ExposureLimiter
	tracker   *position.Tracker
	exec      *execution.Engine
	bus       *bus.Bus
	now       func() time.Time

	mu       sync.Mutex
	pending  map[string][]model.Signal // externally submitted, drop-oldest
	closing  map[string][]model.SizedIntent
	vols     map[string]float64 // current annualized vol per symbol
	volSpike map[string]float64 // (current − baseline)/baseline per symbol
	cycles   map[string]uint64
	executed map[string]uint64

	wake map[string]chan struct{}
}

// SymbolStats summarizes one symbol's session activity for the ops API.
type SymbolStats struct {
	Cycles   uint64 `json:"cycles"`
	Pending  int    `json:"pending_signals"`
	Executed uint64 `json:"executed_intents"`
}

// SessionStats returns per-symbol cycle, pending-signal and executed-intent
// counts since start.
func (o *Orchestrator) SessionStats() map[string]SymbolStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]SymbolStats, len(o.cfg.Symbols))
	for _, sym := range o.cfg.Symbols {
		out[sym] = SymbolStats{
			Cycles:   o.cycles[sym],
			Pending:  len(o.pending[sym]),
			Executed: o.executed[sym],
		}
	}
	return out
}

// New wires the pipeline. Strategies must already be registered and the
// registry sealed.
func New(
	cfg config.EngineConfig,
	registry *strategy.Registry,
	snapshots *feature.Snapshotter,
	scorer *scoring.Scorer,
	sizer *sizing.Sizer,
	br *breaker.Breaker,
	limiter *risk.ExposureLimiter,
	tracker *position.Tracker,
	exec *execution.Engine,
	b *bus.Bus,
) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		snapshots: snapshots,
		scorer:    scorer,
		sizer:     sizer,
		breaker:   br,
		limiter:   limiter,
		tracker:   tracker,
		exec:      exec,
		bus:       b,
		now:       time.Now,
		pending:   make(map[string][]model.Signal),
		closing:   make(map[string][]model.SizedIntent),
		vols:      make(map[string]float64),
		volSpike:  make(map[string]float64),
		cycles:    make(map[string]uint64),
		executed:  make(map[string]uint64),
		wake:      make(map[string]chan struct{}),
	}
	for _, sym := range cfg.Symbols {
		o.wake[sym] = make(chan struct{}, 1)
	}
	return o
}

// Run starts one worker per configured symbol and blocks until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sym := range o.cfg.Symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			o.runWorker(ctx, symbol)
		}(sym)
	}
	wg.Wait()
}

// Submit queues an externally produced signal for its symbol's next cycle.
// When the buffer is full the oldest queued signal is dropped: stale
// directional signals are worse than no signal.
func (o *Orchestrator) Submit(sig model.Signal) {
	o.mu.Lock()
	q := append(o.pending[sig.Symbol], sig)
	if limit := o.cfg.PendingLimit; limit > 0 && len(q) > limit {
		slog.Debug("pending buffer full, dropping oldest",
			"symbol", sig.Symbol, "dropped_strategy", q[0].StrategyID)
		q = q[len(q)-limit:]
	}
	o.pending[sig.Symbol] = q
	o.mu.Unlock()
	o.nudge(sig.Symbol)
}

// RequestClose queues a risk-reducing intent. Closing intents bypass the
// scorer and sizer and execute on the symbol's next cycle.
func (o *Orchestrator) RequestClose(intent model.SizedIntent) {
	o.mu.Lock()
	o.closing[intent.Symbol] = append(o.closing[intent.Symbol], intent)
	o.mu.Unlock()
	o.nudge(intent.Symbol)
}

func (o *Orchestrator) nudge(symbol string) {
	o.mu.Lock()
	ch := o.wake[symbol]
	o.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// runWorker is the single writer for one symbol.
func (o *Orchestrator) runWorker(ctx context.Context, symbol string) {
	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	o.mu.Lock()
	wake := o.wake[symbol]
	o.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		o.RunCycle(ctx, symbol)
	}
}

// RunCycle executes one full decision cycle for a symbol. Exported so
// tests can drive cycles deterministically without the ticker.
func (o *Orchestrator) RunCycle(ctx context.Context, symbol string) {
	started := o.now()
	defer func() {
		metrics.DecisionLatency.WithLabelValues(symbol).Observe(time.Since(started).Seconds())
	}()
	o.mu.Lock()
	o.cycles[symbol]++
	o.mu.Unlock()

	// Closing intents run first and regardless of halts or breaker state.
	for _, intent := range o.drainClosing(symbol) {
		if err := o.exec.Execute(ctx, intent); err != nil {
			slog.Error("closing intent failed", "symbol", symbol, "err", err)
		}
	}

	if why, halted := o.tracker.Halted(symbol); halted {
		slog.Debug("symbol halted, skipping cycle", "symbol", symbol, "why", why)
		return
	}

	snap, ok := o.snapshots.Snapshot(symbol)
	if !ok {
		// No usable market data yet; skip this symbol, keep going.
		return
	}

	o.observeVol(symbol, snap)
	o.breaker.Evaluate(o.breakerInput())

	signals, fromRegistry := o.collectSignals(symbol, snap)
	if len(signals) == 0 {
		return
	}

	merged, ok := o.resolveConflicts(symbol, signals, fromRegistry)
	if !ok {
		return
	}

	// Confluence gate: weak multi-timeframe agreement suppresses the
	// signal no matter how well it would score.
	if snap.Trend.Alignment < o.cfg.MinConfluence {
		o.reject(model.EventConfluenceRejected, symbol,
			"trend alignment below confluence threshold")
		return
	}

	scored := o.scorer.Score(merged, snap)
	if !scored.TradeRecommended {
		o.reject(model.EventScoreRejected, symbol, "total score below minimum")
		return
	}

	if err := o.breaker.Allow(symbol, false); err != nil {
		o.reject(model.EventBreakerRejected, symbol, err.Error())
		return
	}

	intent, err := o.size(scored, snap)
	if err != nil {
		return // size() already emitted the event
	}

	if err := o.limiter.CheckLimit(intent.Notional, o.tracker.PortfolioValue(), o.tracker.OpenNotional()); err != nil {
		o.reject(model.EventExposureRejected, symbol, err.Error())
		return
	}

	if pos, ok := o.tracker.Get(symbol); ok && pos.Status == model.PositionOpen {
		if pos.Direction != intent.Direction {
			o.reject(model.EventConflict, symbol, "signal opposes open position, dropped")
			return
		}
		// Same-direction fills extend the position; cost basis averages.
	} else if !o.tracker.RecordOpen(symbol) {
		return // invariant violation already published, symbol halted
	}

	if err := o.exec.Execute(ctx, *intent); err != nil {
		slog.Error("execution failed", "symbol", symbol, "intent", intent.ID, "err", err)
		return
	}
	o.mu.Lock()
	o.executed[symbol]++
	o.mu.Unlock()
}

// collectSignals runs every strategy concurrently against the snapshot and
// merges in externally submitted signals. The second return is how many of
// the signals came from the registry, which is what unanimity counts.
func (o *Orchestrator) collectSignals(symbol string, snap *feature.Snapshot) ([]model.Signal, int) {
	strategies := o.registry.All()
	results := make([]*model.Signal, len(strategies))

	var wg sync.WaitGroup
	for i, s := range strategies {
		wg.Add(1)
		go func(i int, s strategy.Strategy) {
			defer wg.Done()
			results[i] = s.ProduceSignal(snap)
		}(i, s)
	}
	wg.Wait()

	var signals []model.Signal
	for _, r := range results {
		if r != nil {
			signals = append(signals, *r)
			metrics.SignalsTotal.WithLabelValues(r.StrategyID, string(r.Direction)).Inc()
		}
	}

	fromRegistry := len(signals)

	o.mu.Lock()
	queued := o.pending[symbol]
	delete(o.pending, symbol)
	o.mu.Unlock()
	signals = append(signals, queued...)
	return signals, fromRegistry
}

// resolveConflicts applies the conflict policy and merges same-direction
// signals into one. Returns false when the cycle must produce no intent.
func (o *Orchestrator) resolveConflicts(symbol string, signals []model.Signal, fromRegistry int) (model.Signal, bool) {
	var long, short []model.Signal
	for _, s := range signals {
		if s.Direction == model.Long {
			long = append(long, s)
		} else {
			short = append(short, s)
		}
	}

	if len(long) > 0 && len(short) > 0 {
		metrics.ConflictsTotal.WithLabelValues(symbol).Inc()
		o.reject(model.EventConflict, symbol, "opposing directions in one cycle, all signals dropped")
		return model.Signal{}, false
	}

	if o.cfg.ConflictPolicy == config.PolicyUnanimous && fromRegistry < len(o.registry.All()) {
		o.reject(model.EventConflict, symbol, "unanimity required and not all strategies agreed")
		return model.Signal{}, false
	}

	group := long
	if len(short) > 0 {
		group = short
	}
	return o.merge(group), true
}

// merge combines same-direction signals: the representative is the most
// confident one (registration order breaks ties), and when per-strategy
// weights are configured the merged confidence is the weighted average
// instead of the max.
func (o *Orchestrator) merge(group []model.Signal) model.Signal {
	best := group[0]
	for _, s := range group[1:] {
		if s.Confidence > best.Confidence {
			best = s
			continue
		}
		if s.Confidence == best.Confidence &&
			o.registry.Order(s.StrategyID) >= 0 &&
			o.registry.Order(s.StrategyID) < o.registry.Order(best.StrategyID) {
			best = s
		}
	}

	if len(o.cfg.StrategyWeights) > 0 {
		var sum, wsum float64
		for _, s := range group {
			w := o.weightFor(s.StrategyID)
			sum += s.Confidence * w
			wsum += w
		}
		if wsum > 0 {
			best.Confidence = sum / wsum
		}
	}
	return best
}

func (o *Orchestrator) weightFor(id string) float64 {
	for _, w := range o.cfg.StrategyWeights {
		if w.ID == id {
			return w.Weight
		}
	}
	return 1
}

// size wraps the sizer, translating its sentinel errors into risk events.
func (o *Orchestrator) size(scored model.ScoredSignal, snap *feature.Snapshot) (*model.SizedIntent, error) {
	pf := sizing.Portfolio{
		Value:           o.tracker.PortfolioValue(),
		AvailableMargin: o.availableMargin(),
		Vols:            o.openVols(),
	}
	intent, err := o.sizer.Size(scored, snap.Vol.Regime, snap.Vol.Current, pf)
	if err != nil {
		if errors.Is(err, sizing.ErrExtremeRegime) {
			o.reject(model.EventRegimeRejected, scored.Signal.Symbol, err.Error())
		} else {
			o.reject(model.EventSizeTooSmall, scored.Signal.Symbol, err.Error())
		}
		return nil, err
	}
	return intent, nil
}

// availableMargin is portfolio value minus open notional.
func (o *Orchestrator) availableMargin() decimal.Decimal {
	v := o.tracker.PortfolioValue()
	for _, n := range o.tracker.OpenNotional() {
		v = v.Sub(n)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// openVols collects current vol for symbols carrying open risk, for
// risk-parity allocation.
func (o *Orchestrator) openVols() map[string]float64 {
	open := o.tracker.OpenNotional()
	o.mu.Lock()
	defer o.mu.Unlock()
	vols := make(map[string]float64)
	for sym := range open {
		if v, ok := o.vols[sym]; ok {
			vols[sym] = v
		}
	}
	return vols
}

func (o *Orchestrator) drainClosing(symbol string) []model.SizedIntent {
	o.mu.Lock()
	defer o.mu.Unlock()
	intents := o.closing[symbol]
	delete(o.closing, symbol)
	return intents
}

func (o *Orchestrator) observeVol(symbol string, snap *feature.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if snap.Vol.Current > 0 {
		o.vols[symbol] = snap.Vol.Current
	}
	if snap.Vol.Baseline > 0 {
		o.volSpike[symbol] = (snap.Vol.Current - snap.Vol.Baseline) / snap.Vol.Baseline
	}
}

func (o *Orchestrator) breakerInput() breaker.Input {
	o.mu.Lock()
	worst := 0.0
	for _, v := range o.volSpike {
		if v > worst {
			worst = v
		}
	}
	o.mu.Unlock()

	return breaker.Input{
		StartingEquity:   o.tracker.StartingEquity(),
		PortfolioValue:   o.tracker.PortfolioValue(),
		DailyRealizedPnL: o.tracker.DailyRealizedPnL(),
		OpenPositions:    o.tracker.OpenCount(),
		VolSpikePct:      worst,
	}
}

func (o *Orchestrator) reject(typ model.RiskEventType, symbol, reason string) {
	metrics.RejectionsTotal.WithLabelValues(string(typ)).Inc()
	o.bus.Publish(bus.Event{Risk: &model.RiskEvent{
		ID:     uuid.NewString(),
		Type:   typ,
		Symbol: symbol,
		Reason: reason,
		Metrics: model.MetricsSnapshot{
			PortfolioValue:   o.tracker.PortfolioValue(),
			DailyRealizedPnL: o.tracker.DailyRealizedPnL(),
			OpenPositions:    o.tracker.OpenCount(),
		},
		Timestamp: o.now(),
	}})
}
