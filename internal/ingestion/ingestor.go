package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"TokenVault/internal/core"
	"TokenVault/internal/event"
	"TokenVault/internal/observability"
	"TokenVault/internal/port"

	"github.com/rs/zerolog"
)

// ApplyResult describes what Apply did with an update.
type ApplyResult struct {
	Outcome SequenceOutcome
	// Duplicate marks a transaction already applied under another sequence.
	Duplicate bool
	Removed   int
	Inserted  int
}

// Ingestor keeps an Index in step with the ledger: one bulk snapshot at
// startup, then the live update stream applied serially. Selections run
// concurrently with it; the Index is the only shared state.
type Ingestor struct {
	index   *core.Index
	tracker *SequenceTracker
	recent  *TxWindow
	logger  zerolog.Logger
	metrics *observability.Metrics

	ready   atomic.Bool
	lastSeq atomic.Int64
}

func NewIngestor(index *core.Index, logger zerolog.Logger, metrics *observability.Metrics) *Ingestor {
	return &Ingestor{
		index:   index,
		tracker: NewSequenceTracker(),
		recent:  NewTxWindow(DefaultTxWindow),
		logger:  logger,
		metrics: metrics,
	}
}

// Bootstrap loads every unconsumed token from src into the index and returns
// the ledger cursor the snapshot reflects. Updates at or below the cursor are
// skipped by Apply.
func (ing *Ingestor) Bootstrap(ctx context.Context, src port.SnapshotSource) (int64, error) {
	start := time.Now()

	snap, err := src.OpenSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer snap.Close()

	cursor := snap.Cursor()
	var rows, pages, dupes int
	for {
		page, err := snap.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("snapshot page %d: %w", pages+1, err)
		}
		if len(page) == 0 {
			break
		}
		pages++
		for _, r := range page {
			if !ing.index.Upsert(r) {
				dupes++
			}
		}
		rows += len(page)
		if ing.metrics != nil {
			ing.metrics.SnapshotPages.Inc()
			ing.metrics.SnapshotRows.Add(float64(len(page)))
		}
	}

	ing.tracker.Reset(cursor)
	ing.lastSeq.Store(cursor)
	ing.ready.Store(true)

	if ing.metrics != nil {
		ing.metrics.SnapshotCursor.Set(float64(cursor))
		ing.metrics.SnapshotDuration.Set(time.Since(start).Seconds())
		ing.metrics.IngestLastSequence.Set(float64(cursor))
	}
	ing.logger.Info().
		Int64("cursor", cursor).
		Int("rows", rows).
		Int("pages", pages).
		Int("duplicates", dupes).
		Dur("took", time.Since(start)).
		Msg("inventory bootstrapped from snapshot")

	return cursor, nil
}

// Apply merges one validated update into the index: consumed refs first,
// then produced records. Updates already reflected by the snapshot or a
// previous Apply are skipped.
func (ing *Ingestor) Apply(u *event.Update) ApplyResult {
	start := time.Now()
	res := ApplyResult{Outcome: ing.tracker.Observe(u.Sequence)}

	switch res.Outcome {
	case SequenceStale:
		ing.logger.Debug().
			Int64("sequence", u.Sequence).
			Int64("last", ing.tracker.Last()).
			Str("tx_id", u.IdempotencyKey()).
			Msg("update already applied, skipping")
		ing.count("stale")
		return res
	case SequenceGap:
		ing.logger.Info().
			Int64("sequence", u.Sequence).
			Int64("previous", ing.lastSeq.Load()).
			Msg("ledger sequence gap")
		if ing.metrics != nil {
			ing.metrics.IngestSequenceGaps.Inc()
		}
	}

	if ing.skipDuplicate(u, &res) {
		ing.lastSeq.Store(u.Sequence)
		return res
	}

	ing.merge(u, &res)
	ing.lastSeq.Store(u.Sequence)
	ing.count("applied")
	if ing.metrics != nil {
		ing.metrics.IngestLastSequence.Set(float64(u.Sequence))
		ing.metrics.IngestApplyDuration.Observe(time.Since(start).Seconds())
	}
	return res
}

// ApplyAdmin merges an operator-injected update. It bypasses sequence
// tracking and leaves LastSequence alone, so the ledger's own update with the
// same or a lower sequence is not mistaken for a replay. Only the
// transaction-id window deduplicates it.
func (ing *Ingestor) ApplyAdmin(u *event.Update) ApplyResult {
	start := time.Now()
	res := ApplyResult{Outcome: SequenceNext}
	if ing.skipDuplicate(u, &res) {
		return res
	}

	ing.merge(u, &res)
	ing.count("admin")
	if ing.metrics != nil {
		ing.metrics.IngestApplyDuration.Observe(time.Since(start).Seconds())
	}
	return res
}

func (ing *Ingestor) skipDuplicate(u *event.Update, res *ApplyResult) bool {
	if !ing.recent.Contains(u.TxID) {
		return false
	}
	ing.logger.Warn().
		Int64("sequence", u.Sequence).
		Str("tx_id", u.IdempotencyKey()).
		Msg("transaction already applied under another sequence, skipping")
	ing.count("duplicate_tx")
	res.Duplicate = true
	return true
}

// merge removes consumed refs, then inserts produced records. A token
// produced and consumed by later transactions must never reappear, so
// removals precede inserts within one update.
func (ing *Ingestor) merge(u *event.Update, res *ApplyResult) {
	for _, c := range u.Consumed {
		if ing.index.Remove(c.Ref, c.Owner, c.Class, c.Identifier) {
			res.Removed++
		}
	}
	for _, p := range u.Produced {
		if ing.index.Upsert(p) {
			res.Inserted++
		}
	}
	ing.recent.Add(u.TxID)
}

// Run consumes raw updates until ctx is cancelled or events is closed.
// Malformed payloads are logged, counted and acknowledged; they never stop
// the loop.
func (ing *Ingestor) Run(ctx context.Context, events <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-events:
			if !ok {
				ing.logger.Info().Msg("update channel closed, ingestion stopping")
				return nil
			}
			ing.handle(raw)
		}
	}
}

func (ing *Ingestor) handle(raw RawEvent) {
	defer raw.ack()

	u, err := ParseUpdate(raw.Data)
	if err != nil {
		lvl := ing.logger.Error()
		if errors.Is(err, event.ErrMalformedEvent) {
			lvl = ing.logger.Warn()
		}
		lvl.Err(err).
			Str("subject", raw.Subject).
			Uint64("stream_seq", raw.StreamSeq).
			Msg("skipping malformed update")
		ing.count("malformed")
		return
	}

	var res ApplyResult
	if raw.Admin {
		res = ing.ApplyAdmin(u)
	} else {
		res = ing.Apply(u)
	}
	if res.Outcome != SequenceStale && !res.Duplicate {
		ing.logger.Debug().
			Bool("admin", raw.Admin).
			Int64("sequence", u.Sequence).
			Str("tx_id", u.IdempotencyKey()).
			Int("removed", res.Removed).
			Int("inserted", res.Inserted).
			Msg("update applied")
	}
}

// Ready reports whether Bootstrap has completed.
func (ing *Ingestor) Ready() bool {
	return ing.ready.Load()
}

// LastSequence is the ledger sequence of the most recent applied update, or
// the snapshot cursor when no update has been applied yet.
func (ing *Ingestor) LastSequence() int64 {
	return ing.lastSeq.Load()
}

func (ing *Ingestor) count(result string) {
	if ing.metrics != nil {
		ing.metrics.IngestUpdates.WithLabelValues(result).Inc()
	}
}
