// internal/event/deposit.go
package event

import (
	"github.com/google/uuid"

	"GridClear/internal/auction"
)

// DepositConfirmed credits a participant wallet once the on-chain transfer
// into the custody vault is final.
type DepositConfirmed struct {
	DepositID   uuid.UUID // Idempotency key
	Participant auction.Address
	Asset       string
	Amount      uint64
	Sequence    int64
	Timestamp   int64 // Unix seconds (versioned input)
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (d *DepositConfirmed) EpochTS() *int64 {
	return nil // Global event
}

func (d *DepositConfirmed) SourceSequence() int64 {
	return d.Sequence
}
