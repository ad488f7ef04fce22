package event

import (
	"errors"
	"fmt"
	"time"

	"TokenVault/internal/token"

	"github.com/google/uuid"
)

// ErrMalformedEvent marks updates that fail structural validation.
// They are skipped by the ingestor; the stream keeps flowing.
var ErrMalformedEvent = errors.New("malformed event")

// ConsumedRef identifies a token state spent by a ledger transaction, with
// enough coordinates to find it in the inventory without a ref lookup.
type ConsumedRef struct {
	Ref        token.StateRef
	Owner      token.PublicKey
	Class      string
	Identifier string
}

// Key returns the inventory coordinate the consumed token is expected under.
func (c ConsumedRef) Key() token.Key {
	return token.Key{Owner: c.Owner, Class: c.Class, Identifier: c.Identifier}
}

// Update is one finalized ledger transaction as seen by this party: the
// fungible token states it consumed and the ones it produced.
type Update struct {
	// Ledger-assigned monotonic sequence of the transaction.
	Sequence int64
	TxID     uuid.UUID
	Consumed []ConsumedRef
	Produced []token.Record
	// Ledger commit time, informational only.
	Timestamp time.Time
}

// IdempotencyKey is the transaction id; a ledger transaction is applied once.
func (u *Update) IdempotencyKey() string {
	return u.TxID.String()
}

// Validate checks the update is well formed. Every failure wraps ErrMalformedEvent.
func (u *Update) Validate() error {
	if u.Sequence <= 0 {
		return malformed("sequence must be positive, got %d", u.Sequence)
	}
	if u.TxID == uuid.Nil {
		return malformed("missing tx_id")
	}
	if len(u.Consumed) == 0 && len(u.Produced) == 0 {
		return malformed("tx %s has neither consumed nor produced states", u.TxID)
	}

	seen := make(map[token.StateRef]struct{}, len(u.Consumed)+len(u.Produced))
	for i, c := range u.Consumed {
		if c.Ref.TxID == uuid.Nil {
			return malformed("consumed[%d]: missing tx_id", i)
		}
		if c.Owner == "" || c.Class == "" || c.Identifier == "" {
			return malformed("consumed[%d] %s: owner, type_class and type_identifier are required", i, c.Ref)
		}
		if _, dup := seen[c.Ref]; dup {
			return malformed("consumed[%d]: %s listed twice", i, c.Ref)
		}
		seen[c.Ref] = struct{}{}
	}

	produced := make(map[token.StateRef]struct{}, len(u.Produced))
	for i, p := range u.Produced {
		if p.Ref.TxID != u.TxID {
			return malformed("produced[%d] %s: not an output of tx %s", i, p.Ref, u.TxID)
		}
		if _, dup := produced[p.Ref]; dup {
			return malformed("produced[%d]: %s listed twice", i, p.Ref)
		}
		produced[p.Ref] = struct{}{}
		if p.Owner == "" || p.Issued.Issuer == "" {
			return malformed("produced[%d] %s: owner and issuer are required", i, p.Ref)
		}
		if p.Issued.Type.Class == "" || p.Issued.Type.Identifier == "" {
			return malformed("produced[%d] %s: type_class and type_identifier are required", i, p.Ref)
		}
		if p.Issued.Type.FractionDigits > token.MaxFractionDigits {
			return malformed("produced[%d] %s: fraction_digits %d exceeds %d",
				i, p.Ref, p.Issued.Type.FractionDigits, token.MaxFractionDigits)
		}
		if p.Quantity == 0 {
			return malformed("produced[%d] %s: zero quantity", i, p.Ref)
		}
	}
	return nil
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}
