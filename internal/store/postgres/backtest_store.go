package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avdeev/tradeforge/internal/domain"
)

// BacktestStore implements domain.BacktestStore using PostgreSQL. Key run
// attributes are columns for querying; the full result (trades, equity
// curve, metrics) is one JSONB document.
type BacktestStore struct {
	pool *pgxpool.Pool
}

// NewBacktestStore creates a BacktestStore backed by the given pool.
func NewBacktestStore(pool *pgxpool.Pool) *BacktestStore {
	return &BacktestStore{pool: pool}
}

// Create records one completed run. Results are immutable; re-creating an
// existing id fails.
func (s *BacktestStore) Create(ctx context.Context, result domain.BacktestResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("postgres: marshal backtest %s: %w", result.ID, err)
	}

	const query = `
		INSERT INTO backtests (
			id, strategy, symbol, timeframe, start_time, end_time,
			initial_capital, final_capital, result, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.pool.Exec(ctx, query,
		result.ID, result.Strategy, result.Symbol, string(result.Timeframe),
		result.Start, result.End, result.InitialCapital, result.FinalCapital,
		doc, result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create backtest %s: %w", result.ID, err)
	}
	return nil
}

// GetByID returns one run, or domain.ErrNotFound.
func (s *BacktestStore) GetByID(ctx context.Context, id string) (domain.BacktestResult, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM backtests WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BacktestResult{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BacktestResult{}, fmt.Errorf("postgres: get backtest %s: %w", id, err)
	}

	var result domain.BacktestResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return domain.BacktestResult{}, fmt.Errorf("postgres: unmarshal backtest %s: %w", id, err)
	}
	return result, nil
}

// ListRecent returns the most recent runs, newest first.
func (s *BacktestStore) ListRecent(ctx context.Context, limit int) ([]domain.BacktestResult, error) {
	query := `SELECT result FROM backtests ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list backtests: %w", err)
	}
	defer rows.Close()

	var results []domain.BacktestResult
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("postgres: scan backtest: %w", err)
		}
		var r domain.BacktestResult
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal backtest: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list backtests: %w", err)
	}
	return results, nil
}

// Compile-time interface check.
var _ domain.BacktestStore = (*BacktestStore)(nil)
