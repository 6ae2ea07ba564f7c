package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
)

// PostgresLedger implements Ledger with PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Appends use ON CONFLICT DO NOTHING, so replays after ambiguous failures
// are harmless.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a PostgreSQL-backed ledger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (s *PostgresLedger) AppendRiskEvent(ctx context.Context, ev *model.RiskEvent) error {
	metrics, err := json.Marshal(ev.Metrics)
	if err != nil {
		return fmt.Errorf("marshal risk event metrics: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO risk_events (id, type, symbol, reason, metrics, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.Symbol, ev.Reason, metrics, ev.Timestamp,
	)
	return err
}

func (s *PostgresLedger) AppendOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, parent_intent_id, idempotency_key, symbol, side, type,
		                     qty, price, status, filled_qty, avg_fill_price, risk_reducing, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC, $11::NUMERIC, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		o.ID, o.ParentIntentID, o.IdempotencyKey, o.Symbol, o.Side, o.Type,
		o.Qty.String(), o.Price.String(), o.Status,
		o.FilledQty.String(), o.AvgFillPrice.String(), o.RiskReducing, o.SubmittedAt,
	)
	return err
}

func (s *PostgresLedger) AppendClosedPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO closed_positions (symbol, direction, quantity, entry_price,
		                               realized_pnl, opened_at, closed_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT DO NOTHING`,
		p.Symbol, p.Direction, p.Quantity.String(), p.EntryPrice.String(),
		p.RealizedPnL.String(), p.OpenedAt, p.ClosedAt,
	)
	return err
}

func (s *PostgresLedger) RecentRiskEvents(ctx context.Context, limit int) ([]model.RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, symbol, reason, metrics, timestamp
		 FROM risk_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.RiskEvent
	for rows.Next() {
		var ev model.RiskEvent
		var metrics []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Symbol, &ev.Reason, &metrics, &ev.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metrics, &ev.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal risk event %s metrics: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresLedger) ClosedPositions(ctx context.Context, symbol string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, direction, quantity::TEXT, entry_price::TEXT,
		        realized_pnl::TEXT, opened_at, closed_at
		 FROM closed_positions
		 WHERE $1 = '' OR symbol = $1
		 ORDER BY closed_at`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qtyS, entryS, pnlS string
		if err := rows.Scan(&p.Symbol, &p.Direction, &qtyS, &entryS, &pnlS,
			&p.OpenedAt, &p.ClosedAt); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qtyS)
		p.EntryPrice, _ = decimal.NewFromString(entryS)
		p.RealizedPnL, _ = decimal.NewFromString(pnlS)
		p.Status = model.PositionClosed
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
