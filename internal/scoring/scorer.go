// Package scoring grades signals on six weighted factors before any capital
// is committed. The scorer is pure: same signal and snapshot, same score.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/config"
	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/model"
)

// Inputs are the factor observations behind one score. Derived from the
// signal and its snapshot; exposed so tests can drive factors directly.
type Inputs struct {
	// Technical
	NearLevel         bool // price within reach of support/resistance
	IndicatorsAligned bool // multi-timeframe trend agrees with the signal
	PatternDetected   bool // footprint pattern supporting the signal

	// Volume
	HeavyFlow   bool    // absorption print or outsized participation
	VolumeRatio float64 // bar volume over trailing average
	Imbalance   float64 // signed order-flow imbalance, -1 to +1

	// Volatility
	Regime        model.Regime
	VolPercentile float64

	// Momentum
	TrendStrength float64 // 0–1
	Acceleration  float64 // -1 to +1, flow pushing with the signal

	// Risk/reward
	RiskReward   float64
	StopDistance float64 // fraction of entry

	// Timing
	Liquidity     float64 // 0–1
	SpreadQuality float64 // 0–1
}

// Scorer computes weighted multi-factor scores.
type Scorer struct {
	weights config.ScoringConfig
}

// New returns a scorer using the given weights and threshold.
func New(cfg config.ScoringConfig) *Scorer {
	return &Scorer{weights: cfg}
}

// Score grades a signal against its snapshot.
func (s *Scorer) Score(sig model.Signal, snap *feature.Snapshot) model.ScoredSignal {
	return s.ScoreInputs(sig, DeriveInputs(sig, snap))
}

// ScoreInputs grades a signal from explicit factor inputs.
func (s *Scorer) ScoreInputs(sig model.Signal, in Inputs) model.ScoredSignal {
	c := model.ComponentScores{
		Technical:  scoreTechnical(in),
		Volume:     scoreVolume(in),
		Volatility: scoreVolatility(in),
		Momentum:   scoreMomentum(in),
		RiskReward: scoreRiskReward(in),
		Timing:     scoreTiming(in),
	}

	w := s.weights
	total := c.Technical*w.TechnicalWeight +
		c.Volume*w.VolumeWeight +
		c.Volatility*w.VolatilityWeight +
		c.Momentum*w.MomentumWeight +
		c.RiskReward*w.RiskRewardWeight +
		c.Timing*w.TimingWeight

	var tier model.QualityTier
	switch {
	case total >= 85:
		tier = model.TierExcellent
	case total >= 70:
		tier = model.TierGood
	case total >= 55:
		tier = model.TierFair
	default:
		tier = model.TierPoor
	}

	all := []float64{c.Technical, c.Volume, c.Volatility, c.Momentum, c.RiskReward, c.Timing}
	std := stddev(all)
	confidence := math.Max(0.5, math.Min(1.0, 1.0-std/50.0))

	strengths, weaknesses := analyzeComponents(c)

	return model.ScoredSignal{
		Signal:           sig,
		Components:       c,
		TotalScore:       total,
		Tier:             tier,
		Confidence:       confidence,
		TradeRecommended: total >= w.MinScoreToTrade && in.RiskReward >= 1.0,
		Strengths:        strengths,
		Weaknesses:       weaknesses,
	}
}

// DeriveInputs maps a signal and its snapshot onto factor observations.
func DeriveInputs(sig model.Signal, snap *feature.Snapshot) Inputs {
	in := Inputs{
		VolumeRatio:   snap.Flow.VolumeRatio,
		Regime:        snap.Vol.Regime,
		VolPercentile: snap.Vol.Percentile,
		RiskReward:    sig.RiskRewardRatio(),
		StopDistance:  sig.StopDistancePct(),
		SpreadQuality: snap.SpreadQuality,
	}

	t := snap.Trend
	in.NearLevel = nearLevel(snap.Price, t.NearestSupport) || nearLevel(snap.Price, t.NearestResistance)
	in.IndicatorsAligned = t.Direction == sig.Direction && t.Alignment >= 0.6
	in.HeavyFlow = snap.Flow.Absorption || snap.Flow.VolumeRatio > 2.0

	switch {
	case sig.Direction == model.Long && snap.Flow.Divergence == model.DivergenceBullish,
		sig.Direction == model.Short && snap.Flow.Divergence == model.DivergenceBearish:
		in.PatternDetected = true
	case snap.Flow.Absorption:
		in.PatternDetected = true
	}

	// Signed imbalance from the buy fraction, oriented by direction.
	signed := 2*snap.Flow.ImbalanceRatio - 1
	in.Imbalance = signed
	if t.Direction == sig.Direction {
		in.TrendStrength = t.Strength
	}
	if sig.Direction == model.Short {
		signed = -signed
	}
	in.Acceleration = signed

	in.Liquidity = liquidityScore(snap.Quote)
	return in
}

func scoreTechnical(in Inputs) float64 {
	score := 50.0
	if in.NearLevel {
		score += 20
	}
	if in.IndicatorsAligned {
		score += 20
	}
	if in.PatternDetected {
		score += 10
	}
	return math.Min(100, score)
}

func scoreVolume(in Inputs) float64 {
	score := 40.0
	if in.HeavyFlow {
		score += 30
	}
	if in.VolumeRatio > 2.0 {
		score += 20
	} else if in.VolumeRatio > 1.5 {
		score += 10
	}
	if math.Abs(in.Imbalance) > 0.6 {
		score += 10
	}
	return math.Min(100, score)
}

func scoreVolatility(in Inputs) float64 {
	var base float64
	switch in.Regime {
	case model.RegimeLow:
		base = 80
	case model.RegimeMedium:
		base = 70
	case model.RegimeHigh:
		base = 50
	default:
		base = 20
	}
	switch {
	case in.VolPercentile < 50:
		base += 10
	case in.VolPercentile > 80:
		base -= 20
	}
	return math.Max(0, math.Min(100, base))
}

func scoreMomentum(in Inputs) float64 {
	score := 50.0 + in.TrendStrength*30
	switch {
	case in.Acceleration > 0.5:
		score += 20
	case in.Acceleration > 0.2:
		score += 10
	case in.Acceleration < -0.2:
		score -= 10
	}
	return math.Max(0, math.Min(100, score))
}

func scoreRiskReward(in Inputs) float64 {
	score := 30.0
	switch {
	case in.RiskReward >= 3.0:
		score += 50
	case in.RiskReward >= 2.0:
		score += 30
	case in.RiskReward >= 1.5:
		score += 20
	default:
		score += 10
	}
	switch {
	case in.StopDistance > 0 && in.StopDistance < 0.005:
		score += 20
	case in.StopDistance < 0.01:
		score += 10
	}
	return math.Min(100, score)
}

func scoreTiming(in Inputs) float64 {
	return math.Min(100, 50+in.Liquidity*30+in.SpreadQuality*20)
}

// analyzeComponents ranks factors scoring at least 80 as strengths and
// below 50 as weaknesses, strongest and weakest first.
func analyzeComponents(c model.ComponentScores) (strengths, weaknesses []string) {
	type comp struct {
		name  string
		score float64
	}
	comps := []comp{
		{"Technical", c.Technical},
		{"Volume", c.Volume},
		{"Volatility", c.Volatility},
		{"Momentum", c.Momentum},
		{"Risk/Reward", c.RiskReward},
		{"Timing", c.Timing},
	}
	var strong, weak []comp
	for _, x := range comps {
		if x.score >= 80 {
			strong = append(strong, x)
		} else if x.score < 50 {
			weak = append(weak, x)
		}
	}
	sort.SliceStable(strong, func(i, j int) bool { return strong[i].score > strong[j].score })
	sort.SliceStable(weak, func(i, j int) bool { return weak[i].score < weak[j].score })
	for _, x := range strong {
		strengths = append(strengths, fmt.Sprintf("Strong %s (%.0f/100)", x.name, x.score))
	}
	for _, x := range weak {
		weaknesses = append(weaknesses, fmt.Sprintf("Weak %s (%.0f/100)", x.name, x.score))
	}
	return strengths, weaknesses
}

// nearLevel reports whether price sits within 0.5% of a level.
func nearLevel(price, level decimal.Decimal) bool {
	if price.IsZero() || level.IsZero() {
		return false
	}
	dist, _ := price.Sub(level).Abs().Div(price).Float64()
	return dist <= 0.005
}

// liquidityScore maps top-of-book depth to 0–1, saturating at refNotional.
func liquidityScore(q model.Quote) float64 {
	mid := q.Mid()
	if mid.IsZero() {
		return 0
	}
	const refNotional = 50_000.0
	depth, _ := q.BidSize.Add(q.AskSize).Mul(mid).Float64()
	return math.Min(1, depth/refNotional)
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := 0.0
	for _, x := range xs {
		m += x
	}
	m /= float64(len(xs))
	ss := 0.0
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}
