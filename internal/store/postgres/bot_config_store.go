package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avdeev/tradeforge/internal/domain"
)

// BotConfigStore implements domain.BotConfigStore using PostgreSQL.
// Strategy params are stored as JSONB.
type BotConfigStore struct {
	pool *pgxpool.Pool
}

// NewBotConfigStore creates a BotConfigStore backed by the given pool.
func NewBotConfigStore(pool *pgxpool.Pool) *BotConfigStore {
	return &BotConfigStore{pool: pool}
}

// Upsert inserts or replaces a bot configuration.
func (s *BotConfigStore) Upsert(ctx context.Context, cfg domain.BotConfig) error {
	params, err := json.Marshal(cfg.Params)
	if err != nil {
		return fmt.Errorf("postgres: marshal bot params %s: %w", cfg.ID, err)
	}

	const query = `
		INSERT INTO bot_configs (
			id, owner_id, symbol, timeframe, strategy, params,
			position_fraction, stop_loss_pct, take_profit_pct,
			trailing_stop_pct, max_positions, eval_interval_ms,
			active, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14
		) ON CONFLICT (id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			timeframe = EXCLUDED.timeframe,
			strategy = EXCLUDED.strategy,
			params = EXCLUDED.params,
			position_fraction = EXCLUDED.position_fraction,
			stop_loss_pct = EXCLUDED.stop_loss_pct,
			take_profit_pct = EXCLUDED.take_profit_pct,
			trailing_stop_pct = EXCLUDED.trailing_stop_pct,
			max_positions = EXCLUDED.max_positions,
			eval_interval_ms = EXCLUDED.eval_interval_ms,
			active = EXCLUDED.active`

	_, err = s.pool.Exec(ctx, query,
		cfg.ID, cfg.OwnerID, cfg.Symbol, string(cfg.Timeframe), cfg.Strategy, params,
		cfg.PositionFraction, cfg.StopLossPct, cfg.TakeProfitPct,
		cfg.TrailingStopPct, cfg.MaxPositions, cfg.EvalInterval.Milliseconds(),
		cfg.Active, cfg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert bot config %s: %w", cfg.ID, err)
	}
	return nil
}

const botConfigSelectCols = `id, owner_id, symbol, timeframe, strategy, params,
	position_fraction, stop_loss_pct, take_profit_pct, trailing_stop_pct,
	max_positions, eval_interval_ms, active, created_at`

func scanBotConfig(row pgx.Row) (domain.BotConfig, error) {
	var cfg domain.BotConfig
	var params []byte
	var evalMs int64
	err := row.Scan(
		&cfg.ID, &cfg.OwnerID, &cfg.Symbol, &cfg.Timeframe, &cfg.Strategy, &params,
		&cfg.PositionFraction, &cfg.StopLossPct, &cfg.TakeProfitPct,
		&cfg.TrailingStopPct, &cfg.MaxPositions, &evalMs, &cfg.Active, &cfg.CreatedAt,
	)
	if err != nil {
		return domain.BotConfig{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg.Params); err != nil {
			return domain.BotConfig{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	cfg.EvalInterval = time.Duration(evalMs) * time.Millisecond
	return cfg, nil
}

// Get returns one bot configuration, or domain.ErrNotFound.
func (s *BotConfigStore) Get(ctx context.Context, id string) (domain.BotConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+botConfigSelectCols+` FROM bot_configs WHERE id = $1`, id)
	cfg, err := scanBotConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BotConfig{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BotConfig{}, fmt.Errorf("postgres: get bot config %s: %w", id, err)
	}
	return cfg, nil
}

// ListByOwner returns an owner's bot configurations, newest first.
func (s *BotConfigStore) ListByOwner(ctx context.Context, ownerID string) ([]domain.BotConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+botConfigSelectCols+` FROM bot_configs WHERE owner_id = $1 ORDER BY created_at DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bot configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.BotConfig
	for rows.Next() {
		cfg, err := scanBotConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bot config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bot configs: %w", err)
	}
	return configs, nil
}

// Delete removes a bot configuration. Deleting a missing id is a no-op.
func (s *BotConfigStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bot_configs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete bot config %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BotConfigStore = (*BotConfigStore)(nil)
