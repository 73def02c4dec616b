package event

import (
	"fmt"

	"github.com/google/uuid"

	"GridClear/internal/auction"
)

// WithdrawalRequested debits a participant wallet for transfer back to the
// participant's on-chain account. The wallet must hold the full amount; funds
// locked in escrow are not withdrawable.
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID
	Participant  auction.Address
	Asset        string
	Amount       uint64
	Sequence     int64
	Timestamp    int64
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) EpochTS() *int64 {
	return nil // Global event
}

func (w *WithdrawalRequested) SourceSequence() int64 {
	return w.Sequence
}

// EmergencyWithdraw drains a participant wallet while the system is paused.
// One of the few operations the pause gate lets through.
type EmergencyWithdraw struct {
	WithdrawalID uuid.UUID
	Participant  auction.Address
	Asset        string
	Amount       uint64
	Sequence     int64
	Timestamp    int64
}

func (w *EmergencyWithdraw) IdempotencyKey() string {
	return fmt.Sprintf("emergency:%s", w.WithdrawalID)
}

func (w *EmergencyWithdraw) EventType() EventType {
	return EventTypeEmergencyWithdraw
}

func (w *EmergencyWithdraw) EpochTS() *int64 {
	return nil
}

func (w *EmergencyWithdraw) SourceSequence() int64 {
	return w.Sequence
}
