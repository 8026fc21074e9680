package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avdeev/tradeforge/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. The trades
// table is append-only; rows are only removed by the archiver.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, bot_id, symbol, side, quantity, entry_price,
	exit_price, entry_time, exit_time, realized_pnl, exit_reason,
	commission, slippage, strategy`

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(
			&t.ID, &t.BotID, &t.Symbol, &t.Side, &t.Quantity,
			&t.EntryPrice, &t.ExitPrice, &t.EntryTime, &t.ExitTime,
			&t.RealizedPnL, &t.ExitReason, &t.Commission, &t.Slippage,
			&t.Strategy,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Append inserts one closed trade. Re-appending the same id is a no-op so a
// retried persist never duplicates a trade.
func (s *TradeStore) Append(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, bot_id, symbol, side, quantity, entry_price,
			exit_price, entry_time, exit_time, realized_pnl, exit_reason,
			commission, slippage, strategy
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14
		) ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.BotID, t.Symbol, string(t.Side), t.Quantity, t.EntryPrice,
		t.ExitPrice, t.EntryTime, t.ExitTime, t.RealizedPnL, string(t.ExitReason),
		t.Commission, t.Slippage, t.Strategy,
	)
	if err != nil {
		return fmt.Errorf("postgres: append trade %s: %w", t.ID, err)
	}
	return nil
}

// ListByBot returns one bot's closed trades, newest first.
func (s *TradeStore) ListByBot(ctx context.Context, botID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE bot_id = $1`
	args := []any{botID}
	query, args = appendListOpts(query, args, opts, "exit_time")

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by bot: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by bot: %w", err)
	}
	return trades, nil
}

// ListRecent returns the most recent closed trades across all bots.
func (s *TradeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE TRUE`
	var args []any
	query, args = appendListOpts(query, args, opts, "exit_time")

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent trades: %w", err)
	}
	return trades, nil
}

// ListBefore returns up to limit trades closed strictly before cutoff,
// oldest first, for archiving.
func (s *TradeStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE exit_time < $1 ORDER BY exit_time ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before: %w", err)
	}
	return trades, nil
}

// DeleteBefore removes trades closed strictly before cutoff and returns the
// number deleted. Callers archive first.
func (s *TradeStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE exit_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// appendListOpts adds time filters, ordering, and pagination to a query
// that already ends in a WHERE clause.
func appendListOpts(query string, args []any, opts domain.ListOpts, timeCol string) (string, []any) {
	argIdx := len(args) + 1
	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY %s DESC", timeCol)
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
