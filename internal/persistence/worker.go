package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"TokenVault/internal/event"
	"TokenVault/internal/observability"

	"github.com/rs/zerolog"
)

// AuditWorker drains reservation lifecycle events and batch-writes them to
// reservation_log. It runs apart from the selection path: a slow database
// backs up the bounded event channel, and the registry drops events rather
// than block a caller.
type AuditWorker struct {
	writer       *AuditWriter
	db           *sql.DB
	inputChan    <-chan event.ReservationEvent
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewAuditWorker(
	db *sql.DB,
	dialect Dialect,
	inputChan <-chan event.ReservationEvent,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *AuditWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 50 * time.Millisecond
	}
	return &AuditWorker{
		writer:       NewAuditWriter(db, dialect),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run batches incoming events and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (aw *AuditWorker) Run(ctx context.Context) error {
	batch := make([]AuditRow, 0, aw.batchSize)

	timer := time.NewTimer(aw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := aw.flush(context.Background(), batch); err != nil {
					aw.logger.Error().Err(err).Int("rows", len(batch)).Msg("final audit flush failed")
				}
			}
			return ctx.Err()

		case evt, ok := <-aw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := aw.flush(context.Background(), batch); err != nil {
						aw.logger.Error().Err(err).Int("rows", len(batch)).Msg("final audit flush failed")
					}
				}
				return nil
			}

			row, err := AuditRowFromEvent(evt)
			if err != nil {
				aw.logger.Error().Err(err).Str("reservation_id", evt.ReservationID.String()).Msg("dropping unencodable audit event")
				aw.countError("encode")
				continue
			}
			batch = append(batch, row)

			if len(batch) >= aw.batchSize {
				if err := aw.flushWithRetry(ctx, batch); err != nil {
					aw.logger.Error().Err(err).Msg("audit batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(aw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := aw.flushWithRetry(ctx, batch); err != nil {
					aw.logger.Error().Err(err).Msg("audit timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(aw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, then makes one last attempt on a background context.
func (aw *AuditWorker) flushWithRetry(ctx context.Context, rows []AuditRow) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			aw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("rows", len(rows)).
				Msg("audit flush retry")
			select {
			case <-ctx.Done():
				if err := aw.flush(context.Background(), rows); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > aw.maxBackoff {
				backoff = aw.maxBackoff
			}
		}

		err := aw.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				aw.logger.Info().Int("retries", attempt).Msg("audit flush succeeded after retries")
			}
			return nil
		}
		aw.logger.Debug().Err(err).Msg("audit flush failed")
		aw.countError("retry")
	}
}

func (aw *AuditWorker) flush(ctx context.Context, rows []AuditRow) error {
	start := time.Now()

	tx, err := aw.db.BeginTx(ctx, nil)
	if err != nil {
		aw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := aw.writer.WriteBatch(ctx, tx, rows); err != nil {
		aw.countError("write")
		return err
	}

	if err := tx.Commit(); err != nil {
		aw.countError("tx_commit")
		return err
	}

	if aw.metrics != nil {
		aw.metrics.AuditBatchDuration.Observe(time.Since(start).Seconds())
		aw.metrics.AuditRowsWritten.Add(float64(len(rows)))
	}
	return nil
}

func (aw *AuditWorker) countError(stage string) {
	if aw.metrics != nil {
		aw.metrics.AuditErrors.WithLabelValues(stage).Inc()
	}
}
