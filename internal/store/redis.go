package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/trade-engine/internal/model"
)

// CachedLedger wraps a primary Ledger (PostgreSQL) with Redis. Order
// appends are suppressed early when the order ID was already seen, sparing
// the primary a round trip; recent risk events are served from a capped
// list so the ops surface never queries the primary on the hot path.
type CachedLedger struct {
	primary Ledger
	rdb     *redis.Client
	ttl     time.Duration
}

const recentEventsCap = 500

// NewCachedLedger creates a cached wrapper around a primary ledger.
func NewCachedLedger(primary Ledger, rdb *redis.Client, ttl time.Duration) *CachedLedger {
	return &CachedLedger{primary: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedLedger) AppendRiskEvent(ctx context.Context, ev *model.RiskEvent) error {
	if err := s.primary.AppendRiskEvent(ctx, ev); err != nil {
		return err
	}
	if data, err := json.Marshal(ev); err == nil {
		pipe := s.rdb.Pipeline()
		pipe.LPush(ctx, eventsKey(), data)
		pipe.LTrim(ctx, eventsKey(), 0, recentEventsCap-1)
		_, _ = pipe.Exec(ctx)
	}
	return nil
}

func (s *CachedLedger) AppendOrder(ctx context.Context, o *model.Order) error {
	// SetNX marks the order ID; a second append short-circuits here.
	set, err := s.rdb.SetNX(ctx, orderKey(o.ID), 1, s.ttl).Result()
	if err == nil && !set {
		return nil
	}
	return s.primary.AppendOrder(ctx, o)
}

func (s *CachedLedger) AppendClosedPosition(ctx context.Context, p *model.Position) error {
	return s.primary.AppendClosedPosition(ctx, p)
}

func (s *CachedLedger) RecentRiskEvents(ctx context.Context, limit int) ([]model.RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.rdb.LRange(ctx, eventsKey(), 0, int64(limit-1)).Result()
	if err == nil && len(raw) > 0 {
		events := make([]model.RiskEvent, 0, len(raw))
		for _, item := range raw {
			var ev model.RiskEvent
			if json.Unmarshal([]byte(item), &ev) == nil {
				events = append(events, ev)
			}
		}
		if len(events) > 0 {
			return events, nil
		}
	}
	return s.primary.RecentRiskEvents(ctx, limit)
}

func (s *CachedLedger) ClosedPositions(ctx context.Context, symbol string) ([]model.Position, error) {
	return s.primary.ClosedPositions(ctx, symbol)
}

func eventsKey() string         { return "risk_events:recent" }
func orderKey(id string) string { return fmt.Sprintf("order:%s", id) }
