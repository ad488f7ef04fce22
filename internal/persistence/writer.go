package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TokenVault/internal/event"
)

// AuditRow is one row of reservation_log.
type AuditRow struct {
	ReservationID  string
	Kind           string
	RequestID      string
	Owner          string
	Issuer         string
	TypeClass      string
	TypeIdentifier string
	FractionDigits uint8
	Quantity       string
	Refs           []byte // JSON array of "txid:index"
	Unlocked       int
	EventTime      time.Time
}

// AuditRowFromEvent flattens a reservation lifecycle event.
func AuditRowFromEvent(evt event.ReservationEvent) (AuditRow, error) {
	refs := make([]string, len(evt.Refs))
	for i, r := range evt.Refs {
		refs[i] = r.String()
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return AuditRow{}, fmt.Errorf("marshal refs: %w", err)
	}
	qty := evt.Quantity
	if qty == "" {
		qty = "0"
	}
	return AuditRow{
		ReservationID:  evt.ReservationID.String(),
		Kind:           string(evt.Kind),
		RequestID:      evt.RequestID,
		Owner:          string(evt.Owner),
		Issuer:         string(evt.Issued.Issuer),
		TypeClass:      evt.Issued.Type.Class,
		TypeIdentifier: evt.Issued.Type.Identifier,
		FractionDigits: evt.Issued.Type.FractionDigits,
		Quantity:       qty,
		Refs:           data,
		Unlocked:       evt.Unlocked,
		EventTime:      evt.Timestamp.UTC(),
	}, nil
}

// AuditWriter writes reservation lifecycle rows using multi-row INSERT.
// Writes are idempotent on (reservation_id, kind).
type AuditWriter struct {
	db      *sql.DB
	dialect Dialect
}

func NewAuditWriter(db *sql.DB, dialect Dialect) *AuditWriter {
	return &AuditWriter{db: db, dialect: dialect}
}

const auditColumns = 12

// WriteBatch inserts rows inside tx.
func (w *AuditWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []AuditRow) error {
	if len(rows) == 0 {
		return nil
	}
	query, args := w.buildInsert(rows)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *AuditWriter) buildInsert(rows []AuditRow) (string, []interface{}) {
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*auditColumns)

	for i, r := range rows {
		base := i * auditColumns
		marks := make([]string, auditColumns)
		for c := range marks {
			marks[c] = w.dialect.Placeholder(base + c + 1)
		}
		values = append(values, "("+strings.Join(marks, ", ")+")")
		args = append(args,
			r.ReservationID, r.Kind, r.RequestID, r.Owner,
			r.Issuer, r.TypeClass, r.TypeIdentifier, r.FractionDigits,
			r.Quantity, string(r.Refs), r.Unlocked, r.EventTime,
		)
	}

	insert := "INSERT INTO"
	suffix := " ON CONFLICT (reservation_id, kind) DO NOTHING"
	if w.dialect == MySQL {
		insert = "INSERT IGNORE INTO"
		suffix = ""
	}

	query := fmt.Sprintf(`%s %s
		(reservation_id, kind, request_id, owner, issuer, type_class, type_identifier,
		 fraction_digits, quantity, refs, unlocked, event_time)
		VALUES %s%s`,
		insert, w.dialect.Table("reservation_log"), strings.Join(values, ", "), suffix)
	return query, args
}
