package scoring_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/config"
	"github.com/atmx/trade-engine/internal/feature"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/scoring"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newScorer(t *testing.T) *scoring.Scorer {
	t.Helper()
	return scoring.New(config.Default().Scoring)
}

func longSignal(rr float64) model.Signal {
	// entry 100, stop 99 fixes stop distance at 1%; target follows rr.
	return model.Signal{
		Symbol:      "BTCUSDT",
		StrategyID:  "momentum",
		Direction:   model.Long,
		Confidence:  0.8,
		EntryPrice:  d(100),
		StopPrice:   d(99),
		TargetPrice: d(100 + rr),
		Timestamp:   time.Now(),
	}
}

func TestAllFactorsStrongScoresExcellent(t *testing.T) {
	s := newScorer(t)
	in := scoring.Inputs{
		NearLevel:         true,
		IndicatorsAligned: true,
		PatternDetected:   true,
		HeavyFlow:         true,
		VolumeRatio:       2.5,
		Imbalance:         0.8,
		Regime:            model.RegimeLow,
		VolPercentile:     30,
		TrendStrength:     1.0,
		Acceleration:      0.6,
		RiskReward:        3.0,
		StopDistance:      0.004,
		Liquidity:         1.0,
		SpreadQuality:     1.0,
	}

	got := s.ScoreInputs(longSignal(3), in)

	if got.Components.Technical != 100 {
		t.Errorf("technical = %v, want 100", got.Components.Technical)
	}
	if got.Components.Volume != 100 {
		t.Errorf("volume = %v, want 100", got.Components.Volume)
	}
	if got.Components.Volatility != 90 {
		t.Errorf("volatility = %v, want 90", got.Components.Volatility)
	}
	if got.Components.Momentum != 100 {
		t.Errorf("momentum = %v, want 100", got.Components.Momentum)
	}
	if got.Components.RiskReward != 100 {
		t.Errorf("risk/reward = %v, want 100", got.Components.RiskReward)
	}
	if got.Components.Timing != 100 {
		t.Errorf("timing = %v, want 100", got.Components.Timing)
	}
	if got.Tier != model.TierExcellent {
		t.Errorf("tier = %v (total %v), want EXCELLENT", got.Tier, got.TotalScore)
	}
	if !got.TradeRecommended {
		t.Error("trade not recommended despite strong factors")
	}
	if len(got.Weaknesses) != 0 {
		t.Errorf("unexpected weaknesses: %v", got.Weaknesses)
	}
}

func TestNoFactorsScoresPoor(t *testing.T) {
	s := newScorer(t)
	got := s.ScoreInputs(longSignal(0.5), scoring.Inputs{RiskReward: 0.5})

	if got.Tier != model.TierPoor {
		t.Errorf("tier = %v (total %v), want POOR", got.Tier, got.TotalScore)
	}
	if got.TradeRecommended {
		t.Error("trade recommended on a poor score")
	}
}

func TestRecommendationRequiresRiskReward(t *testing.T) {
	s := newScorer(t)
	in := scoring.Inputs{
		NearLevel:         true,
		IndicatorsAligned: true,
		PatternDetected:   true,
		HeavyFlow:         true,
		VolumeRatio:       2.5,
		Imbalance:         0.7,
		Regime:            model.RegimeLow,
		VolPercentile:     30,
		TrendStrength:     1.0,
		Acceleration:      0.6,
		RiskReward:        0.8, // below the 1.0 floor
		StopDistance:      0.008,
		Liquidity:         1.0,
		SpreadQuality:     1.0,
	}

	got := s.ScoreInputs(longSignal(0.8), in)
	if got.TotalScore < 70 {
		t.Fatalf("total = %v, expected a passing score for this setup", got.TotalScore)
	}
	if got.TradeRecommended {
		t.Error("trade recommended with risk/reward below 1.0")
	}
}

func TestConfidenceClampedAtFloor(t *testing.T) {
	s := newScorer(t)
	// Wildly dispersed components drive the raw confidence below 0.5.
	in := scoring.Inputs{
		NearLevel:         true,
		IndicatorsAligned: true,
		PatternDetected:   true,
		Regime:            "",
		VolPercentile:     60,
		RiskReward:        3.0,
		StopDistance:      0.02,
	}

	got := s.ScoreInputs(longSignal(3), in)
	if got.Confidence != 0.5 {
		t.Errorf("confidence = %v, want floor 0.5", got.Confidence)
	}
}

func TestStrengthsAndWeaknessesRanked(t *testing.T) {
	s := newScorer(t)
	in := scoring.Inputs{
		NearLevel:         true,
		IndicatorsAligned: true,
		PatternDetected:   true, // technical 100
		RiskReward:        3.0,  // risk/reward 80
		StopDistance:      0.02,
		VolPercentile:     60, // volatility 20 (unknown regime)
		// volume 40, momentum 50, timing 50
	}

	got := s.ScoreInputs(longSignal(3), in)

	wantStrengths := []string{"Strong Technical (100/100)", "Strong Risk/Reward (80/100)"}
	if len(got.Strengths) != len(wantStrengths) {
		t.Fatalf("strengths = %v, want %v", got.Strengths, wantStrengths)
	}
	for i := range wantStrengths {
		if got.Strengths[i] != wantStrengths[i] {
			t.Errorf("strengths[%d] = %q, want %q", i, got.Strengths[i], wantStrengths[i])
		}
	}

	wantWeaknesses := []string{"Weak Volatility (20/100)", "Weak Volume (40/100)"}
	if len(got.Weaknesses) != len(wantWeaknesses) {
		t.Fatalf("weaknesses = %v, want %v", got.Weaknesses, wantWeaknesses)
	}
	for i := range wantWeaknesses {
		if got.Weaknesses[i] != wantWeaknesses[i] {
			t.Errorf("weaknesses[%d] = %q, want %q", i, got.Weaknesses[i], wantWeaknesses[i])
		}
	}
}

func TestVolatilityRegimeBase(t *testing.T) {
	cases := []struct {
		regime     model.Regime
		percentile float64
		want       float64
	}{
		{model.RegimeLow, 60, 80},
		{model.RegimeMedium, 60, 70},
		{model.RegimeHigh, 60, 50},
		{model.RegimeExtreme, 60, 20},
		{model.RegimeLow, 30, 90},   // quiet tape bonus
		{model.RegimeHigh, 90, 30},  // stretched percentile penalty
		{model.RegimeExtreme, 95, 0}, // floor
	}
	s := newScorer(t)
	for _, tc := range cases {
		got := s.ScoreInputs(longSignal(2), scoring.Inputs{
			Regime: tc.regime, VolPercentile: tc.percentile, RiskReward: 2,
		})
		if got.Components.Volatility != tc.want {
			t.Errorf("volatility(%s, p%v) = %v, want %v",
				tc.regime, tc.percentile, got.Components.Volatility, tc.want)
		}
	}
}

func TestDeriveInputsLong(t *testing.T) {
	snap := &feature.Snapshot{
		Symbol: "BTCUSDT",
		Price:  d(100),
		Quote: model.Quote{
			Symbol: "BTCUSDT", Bid: d(99.98), Ask: d(100.02),
			BidSize: d(300), AskSize: d(300),
		},
		Vol: feature.VolFeatures{Regime: model.RegimeMedium, Percentile: 45},
		Flow: feature.FlowView{
			ImbalanceRatio: 0.8,
			VolumeRatio:    2.5,
			Divergence:     model.DivergenceBullish,
		},
		Trend: feature.TrendView{
			Direction:      model.Long,
			Alignment:      0.75,
			Strength:       0.7,
			NearestSupport: d(99.6),
		},
		SpreadQuality: 0.6,
	}

	in := scoring.DeriveInputs(longSignal(3), snap)

	if !in.NearLevel {
		t.Error("NearLevel = false, support sits 0.4% away")
	}
	if !in.IndicatorsAligned {
		t.Error("IndicatorsAligned = false for an aligned long")
	}
	if !in.PatternDetected {
		t.Error("PatternDetected = false with a bullish divergence")
	}
	if !in.HeavyFlow {
		t.Error("HeavyFlow = false with volume ratio 2.5")
	}
	if in.TrendStrength != 0.7 {
		t.Errorf("TrendStrength = %v, want 0.7", in.TrendStrength)
	}
	// Buy fraction 0.8 maps to signed imbalance +0.6, pushing with a long.
	if in.Acceleration < 0.59 || in.Acceleration > 0.61 {
		t.Errorf("Acceleration = %v, want 0.6", in.Acceleration)
	}
	// 600 units at mid 100 saturates the liquidity reference.
	if in.Liquidity != 1.0 {
		t.Errorf("Liquidity = %v, want 1.0", in.Liquidity)
	}
}

func TestDeriveInputsShortFlipsAcceleration(t *testing.T) {
	snap := &feature.Snapshot{
		Symbol: "BTCUSDT",
		Price:  d(100),
		Flow:   feature.FlowView{ImbalanceRatio: 0.8},
		Trend:  feature.TrendView{Direction: model.Long, Alignment: 0.75, Strength: 0.7},
	}
	sig := longSignal(3)
	sig.Direction = model.Short

	in := scoring.DeriveInputs(sig, snap)

	if in.IndicatorsAligned {
		t.Error("IndicatorsAligned = true for a short against a long trend")
	}
	if in.TrendStrength != 0 {
		t.Errorf("TrendStrength = %v, want 0 when trend opposes", in.TrendStrength)
	}
	if in.Acceleration > -0.59 || in.Acceleration < -0.61 {
		t.Errorf("Acceleration = %v, want -0.6 (buy flow fights a short)", in.Acceleration)
	}
}
