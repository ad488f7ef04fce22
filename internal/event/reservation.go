package event

import (
	"time"

	"TokenVault/internal/token"

	"github.com/google/uuid"
)

// ReservationKind is the lifecycle step a ReservationEvent records.
type ReservationKind string

const (
	ReservationReserved  ReservationKind = "reserved"
	ReservationReleased  ReservationKind = "released"
	ReservationForgotten ReservationKind = "forgotten"
	ReservationExpired   ReservationKind = "expired"
)

// ReservationEvent is emitted by the reservation registry for every
// lifecycle transition. Downstream it is published to NATS and written to
// the audit log.
type ReservationEvent struct {
	Kind          ReservationKind  `json:"kind"`
	ReservationID uuid.UUID        `json:"reservation_id"`
	RequestID     string           `json:"request_id"`
	Owner         token.PublicKey  `json:"owner"`
	Issued        token.IssuedType `json:"issued"`
	// Quantity is the reserved total in smallest units, as a decimal string.
	Quantity string           `json:"quantity"`
	Refs     []token.StateRef `json:"refs"`
	// Unlocked counts entries actually returned to the free pool; zero for
	// reserved and forgotten.
	Unlocked  int       `json:"unlocked"`
	Timestamp time.Time `json:"timestamp"`
}
