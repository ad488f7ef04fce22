package core

import (
	"errors"
	"fmt"

	fpmath "TokenVault/internal/math"
	"TokenVault/internal/token"
)

var (
	// ErrInsufficientBalance is matched by every *InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// InsufficientBalanceError reports that the free tokens of an owner could not
// cover a request. It is usually transient: tokens arrive or are released.
type InsufficientBalanceError struct {
	Owner     token.PublicKey
	Issued    token.IssuedType
	Requested token.Amount
	// Available is the free quantity observed after this selection gave back
	// its provisional claims.
	Available fpmath.Uint128
}

func (e *InsufficientBalanceError) Error() string {
	digits := e.Requested.FractionDigits
	return fmt.Sprintf("insufficient balance: owner %s requested %s %s, available %s",
		e.Owner,
		fpmath.FormatQuantity(e.Requested.Quantity, digits),
		e.Issued,
		e.Available.Format(digits),
	)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}
