package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"TokenVault/internal/event"
	"TokenVault/internal/token"

	"github.com/google/uuid"
)

// --- JSON wire format ---
// Field names use snake_case to match the ledger's update publisher.
// Quantities travel as decimal strings of smallest units so that values above
// 2^53 survive producers that decode JSON numbers as doubles.

type updateJSON struct {
	Sequence    int64          `json:"sequence"`
	TxID        string         `json:"tx_id"`
	Consumed    []consumedJSON `json:"consumed"`
	Produced    []producedJSON `json:"produced"`
	TimestampUs int64          `json:"timestamp_us"`
}

type consumedJSON struct {
	TxID           string `json:"tx_id"`
	Index          uint32 `json:"index"`
	Owner          string `json:"owner"`
	TypeClass      string `json:"type_class"`
	TypeIdentifier string `json:"type_identifier"`
}

type producedJSON struct {
	TxID           string `json:"tx_id"`
	Index          uint32 `json:"index"`
	Owner          string `json:"owner"`
	Issuer         string `json:"issuer"`
	TypeClass      string `json:"type_class"`
	TypeIdentifier string `json:"type_identifier"`
	FractionDigits uint8  `json:"fraction_digits"`
	Quantity       uint64 `json:"quantity,string"`
}

// ParseUpdate decodes a ledger update payload and validates it.
// Decode and validation failures both wrap event.ErrMalformedEvent.
func ParseUpdate(data []byte) (*event.Update, error) {
	var j updateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: decode update: %v", event.ErrMalformedEvent, err)
	}

	txID, err := parseTxID("tx_id", j.TxID)
	if err != nil {
		return nil, err
	}

	u := &event.Update{
		Sequence: j.Sequence,
		TxID:     txID,
		Consumed: make([]event.ConsumedRef, 0, len(j.Consumed)),
		Produced: make([]token.Record, 0, len(j.Produced)),
	}
	if j.TimestampUs != 0 {
		u.Timestamp = time.UnixMicro(j.TimestampUs)
	}

	for i, c := range j.Consumed {
		ref, err := parseTxID(fmt.Sprintf("consumed[%d].tx_id", i), c.TxID)
		if err != nil {
			return nil, err
		}
		u.Consumed = append(u.Consumed, event.ConsumedRef{
			Ref:        token.StateRef{TxID: ref, Index: c.Index},
			Owner:      token.PublicKey(c.Owner),
			Class:      c.TypeClass,
			Identifier: c.TypeIdentifier,
		})
	}

	for i, p := range j.Produced {
		ref, err := parseTxID(fmt.Sprintf("produced[%d].tx_id", i), p.TxID)
		if err != nil {
			return nil, err
		}
		u.Produced = append(u.Produced, token.Record{
			Ref:   token.StateRef{TxID: ref, Index: p.Index},
			Owner: token.PublicKey(p.Owner),
			Issued: token.IssuedType{
				Issuer: token.PublicKey(p.Issuer),
				Type: token.TokenType{
					Class:          p.TypeClass,
					Identifier:     p.TypeIdentifier,
					FractionDigits: p.FractionDigits,
				},
			},
			Quantity: p.Quantity,
		})
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

func parseTxID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: parse %s: %v", event.ErrMalformedEvent, field, err)
	}
	return id, nil
}
