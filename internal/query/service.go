package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"TokenVault/internal/core"
	fpmath "TokenVault/internal/math"
	"TokenVault/internal/persistence"
	"TokenVault/internal/token"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ErrHistoryUnavailable is returned by History when no audit database is
// configured.
var ErrHistoryUnavailable = errors.New("reservation history not available")

// Service answers read-only questions about the inventory and the
// reservation audit log. Balances come from the live index; every response
// carries the ledger sequence it reflects.
type Service struct {
	index     *core.Index
	db        *sql.DB
	dialect   persistence.Dialect
	watermark func() int64
}

// NewService builds a query service. db may be nil, which disables History.
// watermark reports the last applied ledger sequence.
func NewService(index *core.Index, db *sql.DB, dialect persistence.Dialect, watermark func() int64) *Service {
	if watermark == nil {
		watermark = func() int64 { return 0 }
	}
	return &Service{index: index, db: db, dialect: dialect, watermark: watermark}
}

// Balances returns one entry per issuer holding tokens of (class,
// identifier) for owner, ordered by issuer. A non-empty issuer narrows the
// result to that issuer.
func (qs *Service) Balances(owner token.PublicKey, class, identifier string, issuer token.PublicKey) []BalanceResponse {
	asOf := qs.watermark()
	grouped := qs.index.BalancesFor(owner, class, identifier)

	out := make([]BalanceResponse, 0, len(grouped))
	for issued, b := range grouped {
		if issuer != "" && issued.Issuer != issuer {
			continue
		}
		out = append(out, toBalanceResponse(owner, issued, b, asOf))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Issuer != out[j].Issuer {
			return out[i].Issuer < out[j].Issuer
		}
		return out[i].FractionDigits < out[j].FractionDigits
	})
	return out
}

// Balance returns the balance of exactly one issued type.
func (qs *Service) Balance(owner token.PublicKey, issued token.IssuedType) BalanceResponse {
	return toBalanceResponse(owner, issued, qs.index.Balance(owner, issued), qs.watermark())
}

func toBalanceResponse(owner token.PublicKey, issued token.IssuedType, b core.Balance, asOf int64) BalanceResponse {
	digits := issued.Type.FractionDigits
	return BalanceResponse{
		Owner:          string(owner),
		Issuer:         string(issued.Issuer),
		TypeClass:      issued.Type.Class,
		TypeIdentifier: issued.Type.Identifier,
		FractionDigits: digits,
		Free:           b.Free.Format(digits),
		Locked:         b.Locked.Format(digits),
		Total:          b.Total().Format(digits),
		FreeTokens:     b.FreeCount,
		LockedTokens:   b.LockedCount,
		AsOfSequence:   asOf,
	}
}

// History returns owner's reservation lifecycle rows, newest first. When
// beforeID is positive only rows with a smaller id are returned, which pages
// backwards through the log.
func (qs *Service) History(ctx context.Context, owner token.PublicKey, limit int, beforeID int64) ([]HistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrHistoryUnavailable
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	p := qs.dialect.Placeholder
	where := "owner = " + p(1)
	args := []interface{}{string(owner)}
	if beforeID > 0 {
		where += " AND id < " + p(2)
		args = append(args, beforeID)
	}

	rows, err := qs.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, reservation_id, kind, request_id, owner, issuer, type_class,
		       type_identifier, fraction_digits, quantity, refs, unlocked, event_time
		FROM %s
		WHERE %s
		ORDER BY id DESC
		LIMIT %d`, qs.dialect.Table("reservation_log"), where, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("query reservation history: %w", err)
	}
	defer rows.Close()

	history := []HistoryEntry{}
	for rows.Next() {
		var (
			h      HistoryEntry
			digits int64
			units  string
			refs   []byte
		)
		if err := rows.Scan(
			&h.ID, &h.ReservationID, &h.Kind, &h.RequestID, &h.Owner, &h.Issuer,
			&h.TypeClass, &h.TypeIdentifier, &digits, &units, &refs, &h.Unlocked, &h.EventTime,
		); err != nil {
			return nil, fmt.Errorf("scan reservation history: %w", err)
		}
		if err := json.Unmarshal(refs, &h.Refs); err != nil {
			return nil, fmt.Errorf("decode refs of row %d: %w", h.ID, err)
		}
		h.Quantity = fpmath.FormatUnits(units, uint8(digits))
		history = append(history, h)
	}
	return history, rows.Err()
}
