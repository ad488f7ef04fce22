package ingestion_test

import (
	"encoding/json"
	"testing"

	"TokenVault/internal/event"
	"TokenVault/internal/ingestion"
	"TokenVault/internal/token"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	txA = "550e8400-e29b-41d4-a716-446655440000"
	txB = "660e8400-e29b-41d4-a716-446655440001"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func producedJSON(tx string, index int, owner string, qty string) map[string]interface{} {
	return map[string]interface{}{
		"tx_id":           tx,
		"index":           index,
		"owner":           owner,
		"issuer":          "bank-key",
		"type_class":      "fiat",
		"type_identifier": "GBP",
		"fraction_digits": 2,
		"quantity":        qty,
	}
}

func consumedJSON(tx string, index int, owner string) map[string]interface{} {
	return map[string]interface{}{
		"tx_id":           tx,
		"index":           index,
		"owner":           owner,
		"type_class":      "fiat",
		"type_identifier": "GBP",
	}
}

func TestParseUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"sequence":     int64(42),
		"tx_id":        txB,
		"timestamp_us": int64(1700000000000000),
		"consumed":     []interface{}{consumedJSON(txA, 0, "alice-key")},
		"produced": []interface{}{
			producedJSON(txB, 0, "bob-key", "700"),
			producedJSON(txB, 1, "alice-key", "300"),
		},
	}

	u, err := ingestion.ParseUpdate(mustJSON(t, payload))
	require.NoError(t, err)

	assert.Equal(t, int64(42), u.Sequence)
	assert.Equal(t, uuid.MustParse(txB), u.TxID)
	assert.Equal(t, int64(1700000000), u.Timestamp.Unix())

	require.Len(t, u.Consumed, 1)
	c := u.Consumed[0]
	assert.Equal(t, token.StateRef{TxID: uuid.MustParse(txA), Index: 0}, c.Ref)
	assert.Equal(t, token.Key{Owner: "alice-key", Class: "fiat", Identifier: "GBP"}, c.Key())

	require.Len(t, u.Produced, 2)
	p := u.Produced[1]
	assert.Equal(t, uint32(1), p.Ref.Index)
	assert.Equal(t, token.PublicKey("alice-key"), p.Owner)
	assert.Equal(t, token.PublicKey("bank-key"), p.Issued.Issuer)
	assert.Equal(t, token.TokenType{Class: "fiat", Identifier: "GBP", FractionDigits: 2}, p.Issued.Type)
	assert.Equal(t, uint64(300), p.Quantity)
}

func TestParseUpdate_LargeQuantityKeepsPrecision(t *testing.T) {
	payload := map[string]interface{}{
		"sequence": 1,
		"tx_id":    txB,
		"produced": []interface{}{producedJSON(txB, 0, "alice-key", "18446744073709551615")},
	}

	u, err := ingestion.ParseUpdate(mustJSON(t, payload))
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), u.Produced[0].Quantity)
}

func TestParseUpdate_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte(`{"sequence":`)},
		{"bad tx id", []byte(`{"sequence":1,"tx_id":"nope","produced":[]}`)},
		{"numeric quantity", mustJSON(t, map[string]interface{}{
			"sequence": 1,
			"tx_id":    txB,
			"produced": []interface{}{map[string]interface{}{
				"tx_id": txB, "index": 0, "owner": "a", "issuer": "b",
				"type_class": "fiat", "type_identifier": "GBP", "quantity": 5,
			}},
		})},
		{"bad consumed tx id", mustJSON(t, map[string]interface{}{
			"sequence": 1,
			"tx_id":    txB,
			"consumed": []interface{}{consumedJSON("x", 0, "alice-key")},
		})},
		{"empty update", mustJSON(t, map[string]interface{}{"sequence": 1, "tx_id": txB})},
		{"zero sequence", mustJSON(t, map[string]interface{}{
			"sequence": 0,
			"tx_id":    txB,
			"produced": []interface{}{producedJSON(txB, 0, "alice-key", "1")},
		})},
		{"produced by another tx", mustJSON(t, map[string]interface{}{
			"sequence": 1,
			"tx_id":    txB,
			"produced": []interface{}{producedJSON(txA, 0, "alice-key", "1")},
		})},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseUpdate(tc.payload)
			assert.ErrorIs(t, err, event.ErrMalformedEvent)
		})
	}
}
