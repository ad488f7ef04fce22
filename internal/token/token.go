package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MaxFractionDigits bounds display precision so that 10^digits fits in a uint64.
const MaxFractionDigits = 18

var ErrInvalidStateRef = errors.New("invalid state ref")

// PublicKey identifies a ledger party (token owner or issuer).
// Encoded form as published by the ledger; compared byte-for-byte.
type PublicKey string

// TokenType describes a fungible token kind.
// Class is the type discriminator, Identifier distinguishes tokens within a class
// (e.g. class "fiat", identifier "GBP").
type TokenType struct {
	Class          string `json:"type_class"`
	Identifier     string `json:"type_identifier"`
	FractionDigits uint8  `json:"fraction_digits"`
}

func (t TokenType) String() string {
	return t.Class + "/" + t.Identifier
}

// IssuedType is a TokenType scoped to the party that issued it.
type IssuedType struct {
	Issuer PublicKey `json:"issuer"`
	Type   TokenType `json:"type"`
}

func (it IssuedType) String() string {
	return fmt.Sprintf("%s issued by %s", it.Type, it.Issuer)
}

// StateRef is the ledger's unique reference to a token state: the producing
// transaction plus the output index within it.
type StateRef struct {
	TxID  uuid.UUID `json:"tx_id"`
	Index uint32    `json:"index"`
}

func (r StateRef) String() string {
	return r.TxID.String() + ":" + strconv.FormatUint(uint64(r.Index), 10)
}

// ParseStateRef parses the "txid:index" form produced by StateRef.String.
func ParseStateRef(s string) (StateRef, error) {
	txPart, idxPart, ok := strings.Cut(s, ":")
	if !ok {
		return StateRef{}, fmt.Errorf("%w: %q", ErrInvalidStateRef, s)
	}
	txID, err := uuid.Parse(txPart)
	if err != nil {
		return StateRef{}, fmt.Errorf("%w: tx id: %v", ErrInvalidStateRef, err)
	}
	idx, err := strconv.ParseUint(idxPart, 10, 32)
	if err != nil {
		return StateRef{}, fmt.Errorf("%w: index: %v", ErrInvalidStateRef, err)
	}
	return StateRef{TxID: txID, Index: uint32(idx)}, nil
}

// Key is the inventory coordinate of a token: owner, type class, type identifier.
// The issuer is deliberately absent; tokens of different issuers share a key.
type Key struct {
	Owner      PublicKey
	Class      string
	Identifier string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Owner, k.Class, k.Identifier)
}

// Record is an unconsumed fungible token state observed on the ledger.
// Quantity is expressed in the smallest unit of Issued.Type.FractionDigits.
type Record struct {
	Ref      StateRef
	Owner    PublicKey
	Issued   IssuedType
	Quantity uint64
}

// Key returns the inventory coordinate of the record.
func (r Record) Key() Key {
	return Key{Owner: r.Owner, Class: r.Issued.Type.Class, Identifier: r.Issued.Type.Identifier}
}

// Amount returns the record's quantity tagged with its display precision.
func (r Record) Amount() Amount {
	return Amount{Quantity: r.Quantity, FractionDigits: r.Issued.Type.FractionDigits}
}

// Amount is an exact fixed-point quantity: Quantity units of 10^-FractionDigits.
type Amount struct {
	Quantity       uint64
	FractionDigits uint8
}
