// internal/event/delivery.go
package event

import (
	"fmt"

	"github.com/google/uuid"

	"GridClear/internal/auction"
)

// VerifyDelivery carries an oracle's signed meter reading for one seller's
// dispatch. A large enough shortfall auto-triggers slashing on apply.
// Idempotency key: report_id (UUID from the oracle).
type VerifyDelivery struct {
	ReportID          uuid.UUID // Idempotency key
	Epoch             int64
	Supplier          auction.Address
	AllocatedQuantity uint64
	DeliveredQuantity uint64
	EvidenceHash      [32]byte
	ReportedAt        int64 // Oracle-side reading time, unix seconds
	Oracle            auction.Address
	Signature         []byte // ed25519 over the report's signing bytes
	Sequence          int64
	Timestamp         int64
}

func (v *VerifyDelivery) IdempotencyKey() string {
	return v.ReportID.String()
}

func (v *VerifyDelivery) EventType() EventType {
	return EventTypeVerifyDelivery
}

func (v *VerifyDelivery) EpochTS() *int64 {
	return &v.Epoch
}

func (v *VerifyDelivery) SourceSequence() int64 {
	return v.Sequence
}

// AppealSlashing disputes a pending slashing before its deadline.
type AppealSlashing struct {
	Epoch     int64
	Seller    auction.Address
	Evidence  [32]byte
	Sequence  int64
	Timestamp int64
}

func (a *AppealSlashing) IdempotencyKey() string {
	return fmt.Sprintf("slashing:%d:appeal:%s", a.Epoch, a.Seller)
}

func (a *AppealSlashing) EventType() EventType {
	return EventTypeAppealSlashing
}

func (a *AppealSlashing) EpochTS() *int64 {
	return &a.Epoch
}

func (a *AppealSlashing) SourceSequence() int64 {
	return a.Sequence
}

// ResolveSlashingAppeal is the council's ruling on an appeal. Upheld
// reverses the penalty; rejected confirms it for execution.
type ResolveSlashingAppeal struct {
	Epoch     int64
	Seller    auction.Address
	Authority auction.Address
	Upheld    bool
	Sequence  int64
	Timestamp int64
}

func (r *ResolveSlashingAppeal) IdempotencyKey() string {
	return fmt.Sprintf("slashing:%d:resolve:%s", r.Epoch, r.Seller)
}

func (r *ResolveSlashingAppeal) EventType() EventType {
	return EventTypeResolveSlashingAppeal
}

func (r *ResolveSlashingAppeal) EpochTS() *int64 {
	return &r.Epoch
}

func (r *ResolveSlashingAppeal) SourceSequence() int64 {
	return r.Sequence
}

// ExecuteSlashing collects a confirmed penalty, drawing first from unclaimed
// proceeds and then from the seller's wallet.
type ExecuteSlashing struct {
	Epoch     int64
	Seller    auction.Address
	Sequence  int64
	Timestamp int64
}

func (e *ExecuteSlashing) IdempotencyKey() string {
	return fmt.Sprintf("slashing:%d:execute:%s", e.Epoch, e.Seller)
}

func (e *ExecuteSlashing) EventType() EventType {
	return EventTypeExecuteSlashing
}

func (e *ExecuteSlashing) EpochTS() *int64 {
	return &e.Epoch
}

func (e *ExecuteSlashing) SourceSequence() int64 {
	return e.Sequence
}
