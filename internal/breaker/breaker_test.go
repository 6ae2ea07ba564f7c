package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/bus"
	"github.com/atmx/trade-engine/internal/config"
	"github.com/atmx/trade-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// testBreaker returns a breaker on a controllable clock.
func testBreaker(t *testing.T, cfg config.BreakerConfig) (*Breaker, *time.Time) {
	t.Helper()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := New(cfg, nil)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func closedTrade(symbol string, pnl float64) bus.ClosedTrade {
	return bus.ClosedTrade{
		Position:    model.Position{Symbol: symbol, Status: model.PositionClosed},
		RealizedPnL: d(pnl),
	}
}

func TestDailyLossTrips(t *testing.T) {
	b, _ := testBreaker(t, config.Default().Breaker)

	b.Evaluate(Input{
		StartingEquity:   d(100_000),
		PortfolioValue:   d(95_000),
		DailyRealizedPnL: d(-5000), // exactly the 5% limit
	})

	if got := b.State(); got != model.BreakerOpen {
		t.Fatalf("state = %v, want OPEN", got)
	}
	if got := b.Status().TripReason; got != model.TripDailyLoss {
		t.Errorf("trip reason = %v, want DAILY_LOSS_LIMIT", got)
	}
	if err := b.Allow("BTCUSDT", false); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow(risk-increasing) = %v, want ErrOpen", err)
	}
	if err := b.Allow("BTCUSDT", true); err != nil {
		t.Errorf("Allow(risk-reducing) = %v, want nil", err)
	}
}

func TestDailyLossUnderLimitStaysClosed(t *testing.T) {
	b, _ := testBreaker(t, config.Default().Breaker)

	b.Evaluate(Input{
		StartingEquity:   d(100_000),
		PortfolioValue:   d(95_100),
		DailyRealizedPnL: d(-4900),
	})

	if got := b.State(); got != model.BreakerClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}
}

func TestRapidDrawdownTrips(t *testing.T) {
	b, clock := testBreaker(t, config.Default().Breaker)

	b.Evaluate(Input{StartingEquity: d(100_000), PortfolioValue: d(100_000)})
	*clock = clock.Add(5 * time.Minute)
	b.Evaluate(Input{StartingEquity: d(100_000), PortfolioValue: d(97_900)})

	if got := b.State(); got != model.BreakerOpen {
		t.Fatalf("state = %v, want OPEN", got)
	}
	if got := b.Status().TripReason; got != model.TripRapidDrawdown {
		t.Errorf("trip reason = %v, want RAPID_DRAWDOWN", got)
	}
}

func TestDrawdownOutsideWindowIgnored(t *testing.T) {
	cfg := config.Default().Breaker
	b, clock := testBreaker(t, cfg)

	b.Evaluate(Input{StartingEquity: d(100_000), PortfolioValue: d(100_000)})
	// The peak ages out of the window before the dip arrives.
	*clock = clock.Add(cfg.DrawdownWindow + time.Minute)
	b.Evaluate(Input{StartingEquity: d(100_000), PortfolioValue: d(97_900)})

	if got := b.State(); got != model.BreakerClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}
}

func TestPositionLimitTrips(t *testing.T) {
	cfg := config.Default().Breaker
	b, _ := testBreaker(t, cfg)

	b.Evaluate(Input{
		StartingEquity: d(100_000),
		PortfolioValue: d(100_000),
		OpenPositions:  cfg.MaxOpenPositions + 1,
	})

	if got := b.Status().TripReason; got != model.TripPositionLimit {
		t.Errorf("trip reason = %v, want POSITION_LIMIT", got)
	}
}

func TestConsecutiveLossesTrip(t *testing.T) {
	cfg := config.Default().Breaker
	cfg.MaxConsecutiveLosses = 3
	b, _ := testBreaker(t, cfg)

	b.OnTradeClosed(closedTrade("BTCUSDT", -50))
	b.OnTradeClosed(closedTrade("BTCUSDT", -30))
	// A winner resets the streak.
	b.OnTradeClosed(closedTrade("BTCUSDT", 80))
	b.OnTradeClosed(closedTrade("BTCUSDT", -10))
	b.OnTradeClosed(closedTrade("BTCUSDT", -10))
	b.Evaluate(Input{StartingEquity: d(100_000), PortfolioValue: d(99_900)})
	if got := b.State(); got != model.BreakerClosed {
		t.Fatalf("state = %v after 2 losses, want CLOSED", got)
	}

	b.OnTradeClosed(closedTrade("BTCUSDT", -10))
	b.Evaluate(Input{StartingEquity: d(100_000), PortfolioValue: d(99_890)})
	if got := b.Status().TripReason; got != model.TripConsecutiveLosses {
		t.Errorf("trip reason = %v, want CONSECUTIVE_LOSSES", got)
	}
}

func TestVolatilitySpikeTrips(t *testing.T) {
	b, _ := testBreaker(t, config.Default().Breaker)

	b.Evaluate(Input{
		StartingEquity: d(100_000),
		PortfolioValue: d(100_000),
		VolSpikePct:    0.25,
	})

	if got := b.Status().TripReason; got != model.TripVolatilitySpike {
		t.Errorf("trip reason = %v, want VOLATILITY_SPIKE", got)
	}
}

func TestHalfOpenProbeLossReopensWithDoubledCooldown(t *testing.T) {
	cfg := config.Default().Breaker
	b, clock := testBreaker(t, cfg)

	b.Evaluate(Input{
		StartingEquity:   d(100_000),
		PortfolioValue:   d(95_000),
		DailyRealizedPnL: d(-5000),
	})
	if got := b.State(); got != model.BreakerOpen {
		t.Fatalf("state = %v, want OPEN", got)
	}

	// During cooldown nothing passes.
	*clock = clock.Add(cfg.Cooldown - time.Second)
	if err := b.Allow("BTCUSDT", false); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow during cooldown = %v, want ErrOpen", err)
	}

	// Cooldown elapses: exactly one probe passes.
	*clock = clock.Add(2 * time.Second)
	if err := b.Allow("BTCUSDT", false); err != nil {
		t.Fatalf("probe Allow = %v, want nil", err)
	}
	if got := b.State(); got != model.BreakerHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", got)
	}
	if err := b.Allow("ETHUSDT", false); !errors.Is(err, ErrProbeInFlight) {
		t.Fatalf("second Allow = %v, want ErrProbeInFlight", err)
	}

	// The probe loses: back to OPEN with the cooldown doubled.
	b.OnTradeClosed(closedTrade("BTCUSDT", -100))
	if got := b.State(); got != model.BreakerOpen {
		t.Fatalf("state after losing probe = %v, want OPEN", got)
	}
	if b.cooldown != 2*cfg.Cooldown {
		t.Errorf("cooldown = %v, want %v", b.cooldown, 2*cfg.Cooldown)
	}
	wantUntil := clock.Add(2 * cfg.Cooldown)
	if got := b.Status().CooldownUntil; !got.Equal(wantUntil) {
		t.Errorf("cooldown until = %v, want %v", got, wantUntil)
	}
}

func TestHalfOpenProbeWinCloses(t *testing.T) {
	cfg := config.Default().Breaker
	b, clock := testBreaker(t, cfg)

	b.ManualTrip("drill")
	*clock = clock.Add(cfg.Cooldown + time.Second)
	if err := b.Allow("BTCUSDT", false); err != nil {
		t.Fatalf("probe Allow = %v, want nil", err)
	}

	b.OnTradeClosed(closedTrade("BTCUSDT", 250))

	if got := b.State(); got != model.BreakerClosed {
		t.Fatalf("state after winning probe = %v, want CLOSED", got)
	}
	if b.cooldown != cfg.Cooldown {
		t.Errorf("cooldown = %v, want reset to %v", b.cooldown, cfg.Cooldown)
	}
	if err := b.Allow("ETHUSDT", false); err != nil {
		t.Errorf("Allow after close = %v, want nil", err)
	}
}

func TestUnrelatedCloseDoesNotResolveProbe(t *testing.T) {
	cfg := config.Default().Breaker
	b, clock := testBreaker(t, cfg)

	b.ManualTrip("drill")
	*clock = clock.Add(cfg.Cooldown + time.Second)
	if err := b.Allow("BTCUSDT", false); err != nil {
		t.Fatalf("probe Allow = %v, want nil", err)
	}

	// A different symbol closing must leave the probe pending.
	b.OnTradeClosed(closedTrade("ETHUSDT", 40))

	if got := b.State(); got != model.BreakerHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", got)
	}
	if err := b.Allow("SOLUSDT", false); !errors.Is(err, ErrProbeInFlight) {
		t.Errorf("Allow = %v, want ErrProbeInFlight", err)
	}
}

func TestManualTripAndReset(t *testing.T) {
	b, _ := testBreaker(t, config.Default().Breaker)

	b.ManualTrip("ops drill")
	if got := b.State(); got != model.BreakerOpen {
		t.Fatalf("state = %v, want OPEN", got)
	}
	if got := b.Status().TripReason; got != model.TripManual {
		t.Errorf("trip reason = %v, want MANUAL", got)
	}

	b.ManualReset()
	if got := b.State(); got != model.BreakerClosed {
		t.Fatalf("state = %v, want CLOSED", got)
	}
	if err := b.Allow("BTCUSDT", false); err != nil {
		t.Errorf("Allow after reset = %v, want nil", err)
	}
}
