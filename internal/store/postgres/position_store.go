package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avdeev/tradeforge/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. It holds
// open-position snapshots so the ledger can be rebuilt after a restart.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert inserts or replaces an open-position snapshot.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, bot_id, symbol, side, quantity, avg_entry_price, cost_basis,
			current_price, unrealized_pnl, stop_loss, take_profit,
			trailing_stop, trailing_pct, max_favorable, max_adverse,
			strategy, opened_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17
		) ON CONFLICT (id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			cost_basis = EXCLUDED.cost_basis,
			current_price = EXCLUDED.current_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			trailing_stop = EXCLUDED.trailing_stop,
			max_favorable = EXCLUDED.max_favorable,
			max_adverse = EXCLUDED.max_adverse`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.BotID, p.Symbol, string(p.Side), p.Quantity, p.AvgEntryPrice,
		p.CostBasis, p.CurrentPrice, p.UnrealizedPnL, p.StopLoss, p.TakeProfit,
		p.TrailingStop, p.TrailingPct, p.MaxFavorable, p.MaxAdverse,
		p.Strategy, p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// Delete removes a closed position's snapshot. Deleting a missing id is a
// no-op.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	return nil
}

// ListOpen returns all persisted open positions, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	const query = `
		SELECT id, bot_id, symbol, side, quantity, avg_entry_price, cost_basis,
			current_price, unrealized_pnl, stop_loss, take_profit,
			trailing_stop, trailing_pct, max_favorable, max_adverse,
			strategy, opened_at
		FROM positions ORDER BY opened_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(
			&p.ID, &p.BotID, &p.Symbol, &p.Side, &p.Quantity, &p.AvgEntryPrice,
			&p.CostBasis, &p.CurrentPrice, &p.UnrealizedPnL, &p.StopLoss,
			&p.TakeProfit, &p.TrailingStop, &p.TrailingPct, &p.MaxFavorable,
			&p.MaxAdverse, &p.Strategy, &p.OpenedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
