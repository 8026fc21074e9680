package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avdeev/tradeforge/internal/domain"
)

// AlertStore implements domain.AlertStore using PostgreSQL.
type AlertStore struct {
	pool *pgxpool.Pool
}

// NewAlertStore creates an AlertStore backed by the given pool.
func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

// Log records one risk alert.
func (s *AlertStore) Log(ctx context.Context, a domain.RiskAlert) error {
	const query = `
		INSERT INTO risk_alerts (severity, code, symbol, message, value, limit_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		string(a.Severity), a.Code, a.Symbol, a.Message, a.Value, a.Limit, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: log alert %s: %w", a.Code, err)
	}
	return nil
}

// List returns recorded alerts, newest first.
func (s *AlertStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.RiskAlert, error) {
	query := `SELECT severity, code, symbol, message, value, limit_value, created_at
		FROM risk_alerts WHERE TRUE`
	var args []any
	query, args = appendListOpts(query, args, opts, "created_at")

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.RiskAlert
	for rows.Next() {
		var a domain.RiskAlert
		if err := rows.Scan(
			&a.Severity, &a.Code, &a.Symbol, &a.Message, &a.Value, &a.Limit, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list alerts: %w", err)
	}
	return alerts, nil
}

// Compile-time interface check.
var _ domain.AlertStore = (*AlertStore)(nil)
