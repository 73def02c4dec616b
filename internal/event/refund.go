package event

import (
	"fmt"

	"github.com/google/uuid"

	"GridClear/internal/auction"
)

// RefundCancelledBuyers returns bid escrow for a page range of a cancelled
// timeslot. Pages already refunded are skipped on replay.
type RefundCancelledBuyers struct {
	Epoch     int64
	FromPage  uint32
	ToPage    uint32
	Sequence  int64
	Timestamp int64
}

func (r *RefundCancelledBuyers) IdempotencyKey() string {
	return fmt.Sprintf("refund:%d:buyers:%d-%d", r.Epoch, r.FromPage, r.ToPage)
}

func (r *RefundCancelledBuyers) EventType() EventType {
	return EventTypeRefundCancelledBuyers
}

func (r *RefundCancelledBuyers) EpochTS() *int64 {
	return &r.Epoch
}

func (r *RefundCancelledBuyers) SourceSequence() int64 {
	return r.Sequence
}

// RefundCancelledSellers returns energy escrow for a batch of sellers of a
// cancelled timeslot.
type RefundCancelledSellers struct {
	BatchID   uuid.UUID
	Epoch     int64
	Sellers   []auction.Address
	Sequence  int64
	Timestamp int64
}

func (r *RefundCancelledSellers) IdempotencyKey() string {
	return fmt.Sprintf("refund:%d:sellers:%s", r.Epoch, r.BatchID)
}

func (r *RefundCancelledSellers) EventType() EventType {
	return EventTypeRefundCancelledSellers
}

func (r *RefundCancelledSellers) EpochTS() *int64 {
	return &r.Epoch
}

func (r *RefundCancelledSellers) SourceSequence() int64 {
	return r.Sequence
}
