package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"TokenVault/internal/port"
	"TokenVault/internal/token"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultSnapshotPageSize is the number of token states fetched per page.
const DefaultSnapshotPageSize = 1000

var ErrSnapshotClosed = errors.New("snapshot closed")

// SnapshotReader reads the unconsumed token states of the party's owners from
// the ledger state table. It implements port.SnapshotSource.
type SnapshotReader struct {
	db       *sql.DB
	dialect  Dialect
	owners   []string
	pageSize int
	logger   zerolog.Logger
}

func NewSnapshotReader(db *sql.DB, dialect Dialect, owners []string, pageSize int, logger zerolog.Logger) *SnapshotReader {
	if pageSize <= 0 {
		pageSize = DefaultSnapshotPageSize
	}
	return &SnapshotReader{
		db:       db,
		dialect:  dialect,
		owners:   owners,
		pageSize: pageSize,
		logger:   logger,
	}
}

// OpenSnapshot starts a read-only REPEATABLE READ transaction, reads the
// ledger cursor inside it and returns a paged view over the same snapshot.
// The caller must Close it.
func (sr *SnapshotReader) OpenSnapshot(ctx context.Context) (port.Snapshot, error) {
	tx, err := sr.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot tx: %w", err)
	}

	var cursor int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT GREATEST(COALESCE(MAX(produced_seq), 0), COALESCE(MAX(consumed_seq), 0))
		FROM %s`, sr.dialect.Table("token_states")),
	).Scan(&cursor)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("read ledger cursor: %w", err)
	}

	sr.logger.Debug().
		Int64("cursor", cursor).
		Int("page_size", sr.pageSize).
		Strs("owners", sr.owners).
		Msg("snapshot opened")

	return &PagedSnapshot{
		tx:       tx,
		dialect:  sr.dialect,
		owners:   sr.owners,
		pageSize: sr.pageSize,
		cursor:   cursor,
	}, nil
}

// PagedSnapshot walks token_states in (tx_id, output_index) order using
// keyset pagination inside a single transaction.
type PagedSnapshot struct {
	tx       *sql.Tx
	dialect  Dialect
	owners   []string
	pageSize int
	cursor   int64

	after *token.StateRef
	done  bool
}

func (ps *PagedSnapshot) Cursor() int64 {
	return ps.cursor
}

// NextPage returns up to pageSize records after the last one returned.
func (ps *PagedSnapshot) NextPage(ctx context.Context) ([]token.Record, error) {
	if ps.tx == nil {
		return nil, ErrSnapshotClosed
	}
	if ps.done {
		return nil, nil
	}

	query, args := ps.pageQuery()
	rows, err := ps.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query token states: %w", err)
	}
	defer rows.Close()

	page := make([]token.Record, 0, ps.pageSize)
	for rows.Next() {
		r, err := scanTokenState(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token states: %w", err)
	}

	if len(page) < ps.pageSize {
		ps.done = true
	}
	if len(page) > 0 {
		last := page[len(page)-1].Ref
		ps.after = &last
	}
	return page, nil
}

// Close ends the snapshot transaction. Safe to call more than once.
func (ps *PagedSnapshot) Close() error {
	if ps.tx == nil {
		return nil
	}
	err := ps.tx.Rollback()
	ps.tx = nil
	return err
}

func (ps *PagedSnapshot) pageQuery() (string, []interface{}) {
	var (
		where = []string{"consumed_seq IS NULL"}
		args  []interface{}
	)
	if ps.after != nil {
		where = append(where, fmt.Sprintf("(tx_id, output_index) > (%s, %s)",
			ps.dialect.Placeholder(len(args)+1), ps.dialect.Placeholder(len(args)+2)))
		args = append(args, ps.after.TxID.String(), ps.after.Index)
	}
	if clause, ownerArgs := ps.dialect.OwnerFilter("owner", ps.owners, len(args)+1); clause != "" {
		where = append(where, clause)
		args = append(args, ownerArgs...)
	}

	query := fmt.Sprintf(`
		SELECT tx_id, output_index, owner, issuer, type_class, type_identifier,
		       fraction_digits, quantity
		FROM %s
		WHERE %s
		ORDER BY tx_id, output_index
		LIMIT %d`,
		ps.dialect.Table("token_states"), strings.Join(where, " AND "), ps.pageSize)
	return query, args
}

func scanTokenState(rows *sql.Rows) (token.Record, error) {
	var (
		r        token.Record
		txID     uuid.UUID
		index    int64
		owner    string
		issuer   string
		digits   int64
		quantity string
	)
	if err := rows.Scan(
		&txID, &index, &owner, &issuer,
		&r.Issued.Type.Class, &r.Issued.Type.Identifier,
		&digits, &quantity,
	); err != nil {
		return token.Record{}, fmt.Errorf("scan token state: %w", err)
	}

	if index < 0 || index > int64(^uint32(0)) {
		return token.Record{}, fmt.Errorf("token state %s: output index %d out of range", txID, index)
	}
	if digits < 0 || digits > token.MaxFractionDigits {
		return token.Record{}, fmt.Errorf("token state %s:%d: fraction digits %d out of range", txID, index, digits)
	}
	q, err := strconv.ParseUint(quantity, 10, 64)
	if err != nil {
		return token.Record{}, fmt.Errorf("token state %s:%d: quantity %q: %w", txID, index, quantity, err)
	}

	r.Ref = token.StateRef{TxID: txID, Index: uint32(index)}
	r.Owner = token.PublicKey(owner)
	r.Issued.Issuer = token.PublicKey(issuer)
	r.Issued.Type.FractionDigits = uint8(digits)
	r.Quantity = q
	return r, nil
}
