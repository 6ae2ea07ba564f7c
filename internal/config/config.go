// Package config loads and validates the engine configuration.
//
// Configuration comes from configs/config.yaml with environment variable
// overrides (TRADE_ENGINE_*). Every knob has an explicit default; Validate
// rejects configurations that violate the engine's risk invariants before
// anything starts trading.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree.
type Config struct {
	Engine    EngineConfig
	Scoring   ScoringConfig
	Sizing    SizingConfig
	Breaker   BreakerConfig
	Execution ExecutionConfig
	Feature   FeatureConfig
	Feed      FeedConfig
	Store     StoreConfig
	Ops       OpsConfig
}

// ConflictPolicy selects how the orchestrator treats disagreeing signals.
type ConflictPolicy string

const (
	// PolicyNoOpposition drops the cycle only when LONG and SHORT are both
	// present (the default).
	PolicyNoOpposition ConflictPolicy = "no_opposition"
	// PolicyUnanimous requires every registered strategy that emitted a
	// signal to agree in direction.
	PolicyUnanimous ConflictPolicy = "unanimous"
)

// StrategyWeight is an optional historical weight for one strategy, used by
// the orchestrator's confidence merge.
type StrategyWeight struct {
	ID     string
	Weight float64
}

// EngineConfig drives the orchestrator.
type EngineConfig struct {
	Symbols         []string
	CycleInterval   time.Duration // decision tick when no signals arrive
	ConflictPolicy  ConflictPolicy
	MinConfluence   float64 // trend-alignment floor, 0–1
	StrategyWeights []StrategyWeight
	PendingLimit    int    // per-symbol signal buffer before drop-oldest
	StartingCash    string // initial portfolio cash, decimal string
	DryRun          bool
}

// ScoringConfig holds the six factor weights and acceptance thresholds.
// Weights must sum to 1.0.
type ScoringConfig struct {
	MinScoreToTrade  float64
	TechnicalWeight  float64
	VolumeWeight     float64
	VolatilityWeight float64
	MomentumWeight   float64
	RiskRewardWeight float64
	TimingWeight     float64
}

// WeightSum returns the total of the six factor weights.
func (s ScoringConfig) WeightSum() float64 {
	return s.TechnicalWeight + s.VolumeWeight + s.VolatilityWeight +
		s.MomentumWeight + s.RiskRewardWeight + s.TimingWeight
}

// SizingConfig drives the position sizer.
type SizingConfig struct {
	Method             string  // kelly | vol_target | risk_parity
	MaxRiskPerTradePct float64 // per-intent notional cap, fraction of portfolio
	MaxTotalRiskPct    float64 // open-notional cap, fraction of portfolio
	KellyFraction      float64 // e.g. 0.25 for quarter-Kelly
	TargetVolatility   float64 // annualized, for vol_target
	MinNotional        string  // exchange minimum, decimal string
}

// BreakerConfig holds the five trip rules and cooldown behavior.
type BreakerConfig struct {
	MaxDailyLossPct       float64
	MaxRapidDrawdownPct   float64
	DrawdownWindow        time.Duration
	MaxOpenPositions      int
	MaxConsecutiveLosses  int
	MaxVolatilitySpikePct float64
	Cooldown              time.Duration // doubles on repeated trips
}

// ExecutionConfig drives the execution engine.
type ExecutionConfig struct {
	OrderTimeout      time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration // base for exponential backoff
	TWAPSlices        int
	TWAPWindow        time.Duration
	IcebergDisplayQty string  // decimal string; 0 disables iceberg
	LiquidityFraction float64 // immediate if notional ≤ fraction × top-of-book
	SlippageTolerance float64 // fill-vs-intent quantity tolerance, fraction
}

// FeatureConfig drives the estimators.
type FeatureConfig struct {
	VolWindows         []int         // realized-vol lookbacks, in bars
	BarSize            time.Duration // footprint bucket size
	PriceTick          string        // footprint price bucket, decimal string
	DivergenceLookback int
	Timeframes         []string // subset of 1m,5m,15m,1h,4h,1d
	TrendLookback      int
}

// FeedConfig points at the market data collaborator.
type FeedConfig struct {
	URL            string
	ReconnectDelay time.Duration
}

// StoreConfig points at the ledger collaborators.
type StoreConfig struct {
	DatabaseURL string
	RedisURL    string
}

// OpsConfig configures the operational HTTP surface.
type OpsConfig struct {
	Port string
}

// Load reads configs/config.yaml (if present), applies environment
// overrides, and returns a validated Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("configs")
	v.SetEnvPrefix("TRADE_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env carry the config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := fromViper(v)

	for _, sw := range v.GetStringSlice("engine.strategy_weights") {
		// "momentum=0.6" entries; malformed entries are a config error.
		parts := strings.SplitN(sw, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: malformed strategy weight %q", sw)
		}
		var w float64
		if _, err := fmt.Sscanf(parts[1], "%f", &w); err != nil {
			return nil, fmt.Errorf("config: strategy weight %q: %w", sw, err)
		}
		cfg.Engine.StrategyWeights = append(cfg.Engine.StrategyWeights,
			StrategyWeight{ID: parts[0], Weight: w})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("engine.cycle_interval", "250ms")
	v.SetDefault("engine.conflict_policy", string(PolicyNoOpposition))
	v.SetDefault("engine.min_confluence", 0.7)
	v.SetDefault("engine.pending_limit", 16)
	v.SetDefault("engine.starting_cash", "100000")
	v.SetDefault("engine.dry_run", true)

	v.SetDefault("scoring.min_score_to_trade", 70.0)
	v.SetDefault("scoring.technical_weight", 0.30)
	v.SetDefault("scoring.volume_weight", 0.20)
	v.SetDefault("scoring.volatility_weight", 0.15)
	v.SetDefault("scoring.momentum_weight", 0.15)
	v.SetDefault("scoring.risk_reward_weight", 0.10)
	v.SetDefault("scoring.timing_weight", 0.10)

	v.SetDefault("sizing.method", "kelly")
	v.SetDefault("sizing.max_risk_per_trade_pct", 0.02)
	v.SetDefault("sizing.max_total_risk_pct", 0.10)
	v.SetDefault("sizing.kelly_fraction", 0.25)
	v.SetDefault("sizing.target_volatility", 0.15)
	v.SetDefault("sizing.min_notional", "10")

	v.SetDefault("breaker.max_daily_loss_pct", 0.05)
	v.SetDefault("breaker.max_rapid_drawdown_pct", 0.02)
	v.SetDefault("breaker.drawdown_window", "15m")
	v.SetDefault("breaker.max_open_positions", 10)
	v.SetDefault("breaker.max_consecutive_losses", 5)
	v.SetDefault("breaker.max_volatility_spike_pct", 0.20)
	v.SetDefault("breaker.cooldown", "300s")

	v.SetDefault("execution.order_timeout", "2s")
	v.SetDefault("execution.max_retries", 3)
	v.SetDefault("execution.retry_backoff", "100ms")
	v.SetDefault("execution.twap_slices", 5)
	v.SetDefault("execution.twap_window", "5m")
	v.SetDefault("execution.iceberg_display_qty", "0")
	v.SetDefault("execution.liquidity_fraction", 0.5)
	v.SetDefault("execution.slippage_tolerance", 0.005)

	v.SetDefault("feature.vol_windows", []int{20, 50, 100})
	v.SetDefault("feature.bar_size", "1m")
	v.SetDefault("feature.price_tick", "0.1")
	v.SetDefault("feature.divergence_lookback", 10)
	v.SetDefault("feature.timeframes", []string{"1m", "5m", "15m", "1h", "4h"})
	v.SetDefault("feature.trend_lookback", 50)

	v.SetDefault("feed.url", "")
	v.SetDefault("feed.reconnect_delay", "1s")

	v.SetDefault("store.database_url", "")
	v.SetDefault("store.redis_url", "")

	v.SetDefault("ops.port", "8080")
}

// Validate checks cross-field invariants. It is called by Load and again by
// main so hand-built test configs go through the same gate.
func (c *Config) Validate() error {
	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("config: engine.symbols must not be empty")
	}
	if c.Engine.CycleInterval <= 0 {
		return fmt.Errorf("config: engine.cycle_interval must be positive")
	}
	switch c.Engine.ConflictPolicy {
	case PolicyNoOpposition, PolicyUnanimous:
	default:
		return fmt.Errorf("config: unknown conflict policy %q", c.Engine.ConflictPolicy)
	}
	if c.Engine.MinConfluence < 0 || c.Engine.MinConfluence > 1 {
		return fmt.Errorf("config: engine.min_confluence must be in [0,1]")
	}

	if sum := c.Scoring.WeightSum(); math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("config: scoring weights must sum to 1.0, got %v", sum)
	}
	if c.Scoring.MinScoreToTrade < 0 || c.Scoring.MinScoreToTrade > 100 {
		return fmt.Errorf("config: scoring.min_score_to_trade must be in [0,100]")
	}

	if c.Sizing.MaxRiskPerTradePct <= 0 || c.Sizing.MaxRiskPerTradePct > 1 {
		return fmt.Errorf("config: sizing.max_risk_per_trade_pct must be in (0,1]")
	}
	if c.Sizing.MaxTotalRiskPct < c.Sizing.MaxRiskPerTradePct {
		return fmt.Errorf("config: sizing.max_total_risk_pct must be ≥ max_risk_per_trade_pct")
	}
	if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
		return fmt.Errorf("config: sizing.kelly_fraction must be in (0,1]")
	}

	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("config: breaker.cooldown must be positive")
	}
	if c.Breaker.MaxOpenPositions < 1 {
		return fmt.Errorf("config: breaker.max_open_positions must be ≥ 1")
	}

	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("config: execution.max_retries must be ≥ 0")
	}
	if c.Execution.TWAPSlices < 1 {
		return fmt.Errorf("config: execution.twap_slices must be ≥ 1")
	}
	if c.Execution.OrderTimeout <= 0 {
		return fmt.Errorf("config: execution.order_timeout must be positive")
	}

	if len(c.Feature.VolWindows) == 0 {
		return fmt.Errorf("config: feature.vol_windows must not be empty")
	}
	if len(c.Feature.Timeframes) == 0 {
		return fmt.Errorf("config: feature.timeframes must not be empty")
	}
	return nil
}

// Default returns the built-in defaults without touching the filesystem.
// Tests use this as a starting point.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

// fromViper maps resolved viper keys onto the typed tree.
func fromViper(v *viper.Viper) *Config {
	return &Config{
		Engine: EngineConfig{
			Symbols:        v.GetStringSlice("engine.symbols"),
			CycleInterval:  v.GetDuration("engine.cycle_interval"),
			ConflictPolicy: ConflictPolicy(v.GetString("engine.conflict_policy")),
			MinConfluence:  v.GetFloat64("engine.min_confluence"),
			PendingLimit:   v.GetInt("engine.pending_limit"),
			StartingCash:   v.GetString("engine.starting_cash"),
			DryRun:         v.GetBool("engine.dry_run"),
		},
		Scoring: ScoringConfig{
			MinScoreToTrade:  v.GetFloat64("scoring.min_score_to_trade"),
			TechnicalWeight:  v.GetFloat64("scoring.technical_weight"),
			VolumeWeight:     v.GetFloat64("scoring.volume_weight"),
			VolatilityWeight: v.GetFloat64("scoring.volatility_weight"),
			MomentumWeight:   v.GetFloat64("scoring.momentum_weight"),
			RiskRewardWeight: v.GetFloat64("scoring.risk_reward_weight"),
			TimingWeight:     v.GetFloat64("scoring.timing_weight"),
		},
		Sizing: SizingConfig{
			Method:             v.GetString("sizing.method"),
			MaxRiskPerTradePct: v.GetFloat64("sizing.max_risk_per_trade_pct"),
			MaxTotalRiskPct:    v.GetFloat64("sizing.max_total_risk_pct"),
			KellyFraction:      v.GetFloat64("sizing.kelly_fraction"),
			TargetVolatility:   v.GetFloat64("sizing.target_volatility"),
			MinNotional:        v.GetString("sizing.min_notional"),
		},
		Breaker: BreakerConfig{
			MaxDailyLossPct:       v.GetFloat64("breaker.max_daily_loss_pct"),
			MaxRapidDrawdownPct:   v.GetFloat64("breaker.max_rapid_drawdown_pct"),
			DrawdownWindow:        v.GetDuration("breaker.drawdown_window"),
			MaxOpenPositions:      v.GetInt("breaker.max_open_positions"),
			MaxConsecutiveLosses:  v.GetInt("breaker.max_consecutive_losses"),
			MaxVolatilitySpikePct: v.GetFloat64("breaker.max_volatility_spike_pct"),
			Cooldown:              v.GetDuration("breaker.cooldown"),
		},
		Execution: ExecutionConfig{
			OrderTimeout:      v.GetDuration("execution.order_timeout"),
			MaxRetries:        v.GetInt("execution.max_retries"),
			RetryBackoff:      v.GetDuration("execution.retry_backoff"),
			TWAPSlices:        v.GetInt("execution.twap_slices"),
			TWAPWindow:        v.GetDuration("execution.twap_window"),
			IcebergDisplayQty: v.GetString("execution.iceberg_display_qty"),
			LiquidityFraction: v.GetFloat64("execution.liquidity_fraction"),
			SlippageTolerance: v.GetFloat64("execution.slippage_tolerance"),
		},
		Feature: FeatureConfig{
			VolWindows:         v.GetIntSlice("feature.vol_windows"),
			BarSize:            v.GetDuration("feature.bar_size"),
			PriceTick:          v.GetString("feature.price_tick"),
			DivergenceLookback: v.GetInt("feature.divergence_lookback"),
			Timeframes:         v.GetStringSlice("feature.timeframes"),
			TrendLookback:      v.GetInt("feature.trend_lookback"),
		},
		Feed: FeedConfig{
			URL:            v.GetString("feed.url"),
			ReconnectDelay: v.GetDuration("feed.reconnect_delay"),
		},
		Store: StoreConfig{
			DatabaseURL: v.GetString("store.database_url"),
			RedisURL:    v.GetString("store.redis_url"),
		},
		Ops: OpsConfig{Port: v.GetString("ops.port")},
	}
}
