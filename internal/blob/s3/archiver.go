package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/avdeev/tradeforge/internal/domain"
)

// archiveBatchSize bounds how many trades one archive object holds.
const archiveBatchSize = 5000

// TradeArchiveSource is the narrow read/delete surface the archiver needs
// from the trade store.
type TradeArchiveSource interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver implements domain.Archiver: aged closed trades and completed
// backtest reports move from the primary store to blob storage as JSONL /
// JSON objects. Trades are deleted from the primary store only after their
// archive object has been written.
type Archiver struct {
	writer domain.BlobWriter
	trades TradeArchiveSource
	logger *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver over the given writer and trade source.
func NewArchiver(writer domain.BlobWriter, trades TradeArchiveSource, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		trades: trades,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades moves all trades closed before cutoff to blob storage in
// bounded batches and returns the total archived count. A batch is deleted
// from the primary store only after its object upload succeeds, so a
// mid-run failure leaves unarchived rows in place for the next run.
func (a *Archiver) ArchiveTrades(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for batch := 0; ; batch++ {
		trades, err := a.trades.ListBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive trades query: %w", err)
		}
		if len(trades) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(trades)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive trades marshal: %w", err)
		}

		key := fmt.Sprintf("archive/trades/%s/batch-%04d.jsonl", cutoff.Format("2006-01"), batch)
		if err := a.writer.Write(ctx, key, buf, "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive trades upload: %w", err)
		}

		// Delete exactly the rows that were just written: the batch is
		// oldest-first, so its last exit time bounds it.
		batchCutoff := trades[len(trades)-1].ExitTime.Add(time.Nanosecond)
		if batchCutoff.After(cutoff) {
			batchCutoff = cutoff
		}
		deleted, err := a.trades.DeleteBefore(ctx, batchCutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive trades delete: %w", err)
		}

		total += len(trades)
		a.logger.Info("trade batch archived",
			slog.String("key", key),
			slog.Int("archived", len(trades)),
			slog.Int64("deleted", deleted),
		)
		if len(trades) < archiveBatchSize {
			return total, nil
		}
	}
}

// ArchiveBacktest uploads one completed backtest report as a JSON object at
// archive/backtests/{id}.json.
func (a *Archiver) ArchiveBacktest(ctx context.Context, result domain.BacktestResult) error {
	buf, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("s3blob: archive backtest marshal: %w", err)
	}
	key := fmt.Sprintf("archive/backtests/%s.json", result.ID)
	if err := a.writer.Write(ctx, key, buf, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive backtest upload: %w", err)
	}
	a.logger.Info("backtest archived", slog.String("key", key))
	return nil
}

// marshalJSONL serializes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
