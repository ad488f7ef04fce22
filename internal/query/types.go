package query

import "time"

// BalanceResponse is the inventory balance of one owner and issued type.
// Amounts are decimal strings at the token's display precision.
type BalanceResponse struct {
	Owner          string `json:"owner"`
	Issuer         string `json:"issuer"`
	TypeClass      string `json:"type_class"`
	TypeIdentifier string `json:"type_identifier"`
	FractionDigits uint8  `json:"fraction_digits"`

	Free   string `json:"free"`   // selectable now
	Locked string `json:"locked"` // reserved by in-flight selections
	Total  string `json:"total"`  // free + locked

	FreeTokens   int `json:"free_tokens"`
	LockedTokens int `json:"locked_tokens"`

	// Ledger sequence the inventory reflects.
	AsOfSequence int64 `json:"as_of_sequence"`
}

// HistoryEntry is one reservation lifecycle row from the audit log.
type HistoryEntry struct {
	ID             int64     `json:"id"`
	ReservationID  string    `json:"reservation_id"`
	Kind           string    `json:"kind"`
	RequestID      string    `json:"request_id"`
	Owner          string    `json:"owner"`
	Issuer         string    `json:"issuer"`
	TypeClass      string    `json:"type_class"`
	TypeIdentifier string    `json:"type_identifier"`
	Quantity       string    `json:"quantity"`
	Refs           []string  `json:"refs"`
	Unlocked       int       `json:"unlocked"`
	EventTime      time.Time `json:"event_time"`
}
