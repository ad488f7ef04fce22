package port

import (
	"context"
	"errors"
	"time"

	"TokenVault/internal/token"

	"github.com/google/uuid"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrRequestSeen is returned by ClaimRequest for a request id that
	// already has a live claim.
	ErrRequestSeen = errors.New("request already seen")
)

// Reservation is a set of tokens locked on behalf of one caller request.
type Reservation struct {
	ID uuid.UUID `json:"id"`
	// Instance names the registry whose in-memory index holds the locks.
	// Only that registry may take the reservation.
	Instance  string           `json:"instance"`
	RequestID string           `json:"request_id"`
	Owner     token.PublicKey  `json:"owner"`
	Issued    token.IssuedType `json:"issued"`
	Requested uint64           `json:"requested,string"`
	// Total is the reserved quantity in smallest units, as a decimal string;
	// it may exceed 64 bits.
	Total     string           `json:"total"`
	Refs      []token.StateRef `json:"refs"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// ReservationStore keeps live reservations and request-id claims.
type ReservationStore interface {
	// ClaimRequest records requestID as in flight for reservation id. It
	// returns the existing id and ErrRequestSeen when the request id is taken.
	ClaimRequest(ctx context.Context, requestID string, id uuid.UUID) (uuid.UUID, error)

	// ForgetRequest drops a request claim so the caller may retry it.
	ForgetRequest(ctx context.Context, requestID string) error

	Put(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)

	// Take atomically removes and returns a reservation owned by instance.
	// Of several concurrent callers exactly one receives it; the others, and
	// callers from any other instance, get ErrReservationNotFound.
	Take(ctx context.Context, instance string, id uuid.UUID) (*Reservation, error)

	// Expired lists up to limit reservations of instance whose ExpiresAt is
	// not after now.
	Expired(ctx context.Context, instance string, now time.Time, limit int) ([]uuid.UUID, error)

	// Count returns the live reservations of instance.
	Count(ctx context.Context, instance string) (int, error)
}
