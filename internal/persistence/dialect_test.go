package persistence

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"TokenVault/internal/event"
	"TokenVault/internal/token"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"":           Postgres,
		"postgres":   Postgres,
		"PostgreSQL": Postgres,
		"mysql":      MySQL,
	} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("sqlite")
	assert.Error(t, err)
}

func TestDialect_OwnerFilter(t *testing.T) {
	clause, args := Postgres.OwnerFilter("owner", []string{"a", "b"}, 3)
	assert.Equal(t, "owner = ANY($3)", clause)
	assert.Len(t, args, 1)

	clause, args = MySQL.OwnerFilter("owner", []string{"a", "b"}, 3)
	assert.Equal(t, "owner IN (?, ?)", clause)
	assert.Equal(t, []interface{}{"a", "b"}, args)

	clause, args = Postgres.OwnerFilter("owner", nil, 1)
	assert.Empty(t, clause)
	assert.Nil(t, args)
}

func TestDialect_NormalizeMySQLDSN(t *testing.T) {
	dsn, err := MySQL.normalizeDSN("u:p@tcp(db:3306)/vault")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "multiStatements=true")

	_, err = MySQL.normalizeDSN("not a dsn")
	assert.Error(t, err)
}

func TestPagedSnapshot_QueryUsesKeyset(t *testing.T) {
	ps := &PagedSnapshot{dialect: Postgres, owners: []string{"alice"}, pageSize: 500}

	q, args := ps.pageQuery()
	assert.NotContains(t, q, "(tx_id, output_index) >")
	assert.Contains(t, q, "owner = ANY($1)")
	assert.Contains(t, q, "LIMIT 500")
	assert.Len(t, args, 1)

	ps.after = &token.StateRef{TxID: uuid.New(), Index: 4}
	q, args = ps.pageQuery()
	assert.Contains(t, q, "(tx_id, output_index) > ($1, $2)")
	assert.Contains(t, q, "owner = ANY($3)")
	assert.Len(t, args, 3)
}

func TestAuditWriter_BuildInsert(t *testing.T) {
	row, err := AuditRowFromEvent(event.ReservationEvent{
		Kind:          event.ReservationExpired,
		ReservationID: uuid.New(),
		RequestID:     "r",
		Owner:         "alice",
		Refs:          []token.StateRef{{TxID: uuid.Nil, Index: 2}},
		Unlocked:      1,
		Timestamp:     time.Unix(0, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, "0", row.Quantity)
	assert.Equal(t, `["00000000-0000-0000-0000-000000000000:2"]`, string(row.Refs))

	q, args := NewAuditWriter(nil, Postgres).buildInsert([]AuditRow{row, row})
	assert.Contains(t, q, "vault.reservation_log")
	assert.Contains(t, q, "$24)")
	assert.True(t, strings.HasSuffix(q, "ON CONFLICT (reservation_id, kind) DO NOTHING"))
	assert.Len(t, args, 24)

	q, _ = NewAuditWriter(nil, MySQL).buildInsert([]AuditRow{row})
	assert.Contains(t, q, "INSERT IGNORE INTO vault_reservation_log")
	assert.NotContains(t, q, "$")
}

func TestMigrations_Bundled(t *testing.T) {
	for _, d := range []Dialect{Postgres, MySQL} {
		entries, err := fs.ReadDir(Migrations(d), ".")
		require.NoError(t, err)
		assert.Len(t, entries, 4, d)
	}
}
