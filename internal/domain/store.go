package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeStore persists the append-only closed-trade journal. Trades are never
// updated or deleted; the Kelly estimator reads a bot's history from here.
type TradeStore interface {
	Append(ctx context.Context, trade Trade) error
	ListByBot(ctx context.Context, botID string, opts ListOpts) ([]Trade, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Trade, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Trade, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PositionStore persists open-position snapshots so the ledger can be
// reconstructed after a restart.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Delete(ctx context.Context, id string) error
	ListOpen(ctx context.Context) ([]Position, error)
}

// BotConfigStore persists bot configurations.
type BotConfigStore interface {
	Upsert(ctx context.Context, cfg BotConfig) error
	Get(ctx context.Context, id string) (BotConfig, error)
	ListByOwner(ctx context.Context, ownerID string) ([]BotConfig, error)
	Delete(ctx context.Context, id string) error
}

// AlertStore persists risk alerts for later review.
type AlertStore interface {
	Log(ctx context.Context, alert RiskAlert) error
	List(ctx context.Context, opts ListOpts) ([]RiskAlert, error)
}

// BacktestStore persists completed backtest reports.
type BacktestStore interface {
	Create(ctx context.Context, result BacktestResult) error
	GetByID(ctx context.Context, id string) (BacktestResult, error)
	ListRecent(ctx context.Context, limit int) ([]BacktestResult, error)
}

// BlobWriter writes archive objects to blob storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, body []byte, contentType string) error
}

// Archiver moves aged trade history and backtest reports to blob storage.
type Archiver interface {
	ArchiveTrades(ctx context.Context, cutoff time.Time) (int, error)
	ArchiveBacktest(ctx context.Context, result BacktestResult) error
}
