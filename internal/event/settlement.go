package event

import (
	"fmt"

	"GridClear/internal/auction"
)

// SettleTimeslot finalizes a verified clearing. The caller restates the
// expected price and quantity; a mismatch against the stored result rejects
// the event rather than settling the wrong numbers.
type SettleTimeslot struct {
	Epoch           int64
	ClearingPrice   uint64
	ClearedQuantity uint64
	Authority       auction.Address
	Sequence        int64
	Timestamp       int64
}

func (s *SettleTimeslot) IdempotencyKey() string {
	return fmt.Sprintf("timeslot:%d:settle", s.Epoch)
}

func (s *SettleTimeslot) EventType() EventType {
	return EventTypeSettleTimeslot
}

func (s *SettleTimeslot) EpochTS() *int64 {
	return &s.Epoch
}

func (s *SettleTimeslot) SourceSequence() int64 {
	return s.Sequence
}

// CalculateSellerAllocations writes the merit-order dispatch rows for a
// settled timeslot in one idempotent pass. The caller restates the settled
// price and quantity; a mismatch rejects the event.
type CalculateSellerAllocations struct {
	Epoch           int64
	ClearingPrice   uint64
	ClearedQuantity uint64
	Sequence        int64
	Timestamp       int64
}

func (c *CalculateSellerAllocations) IdempotencyKey() string {
	return fmt.Sprintf("settlement:%d:sellers", c.Epoch)
}

func (c *CalculateSellerAllocations) EventType() EventType {
	return EventTypeSellerAllocations
}

func (c *CalculateSellerAllocations) EpochTS() *int64 {
	return &c.Epoch
}

func (c *CalculateSellerAllocations) SourceSequence() int64 {
	return c.Sequence
}

// CalculateBuyerAllocation materializes one buyer's fill row with its
// per-seller sourcing.
type CalculateBuyerAllocation struct {
	Epoch     int64
	Buyer     auction.Address
	Sequence  int64
	Timestamp int64
}

func (c *CalculateBuyerAllocation) IdempotencyKey() string {
	return fmt.Sprintf("settlement:%d:buyer:%s", c.Epoch, c.Buyer)
}

func (c *CalculateBuyerAllocation) EventType() EventType {
	return EventTypeBuyerAllocation
}

func (c *CalculateBuyerAllocation) EpochTS() *int64 {
	return &c.Epoch
}

func (c *CalculateBuyerAllocation) SourceSequence() int64 {
	return c.Sequence
}

// WithdrawProceeds pays a seller the allocation value minus protocol fee
// and any penalty already applied. One shot per (timeslot, seller).
type WithdrawProceeds struct {
	Epoch     int64
	Seller    auction.Address
	Sequence  int64
	Timestamp int64
}

func (w *WithdrawProceeds) IdempotencyKey() string {
	return fmt.Sprintf("claim:%d:proceeds:%s", w.Epoch, w.Seller)
}

func (w *WithdrawProceeds) EventType() EventType {
	return EventTypeWithdrawProceeds
}

func (w *WithdrawProceeds) EpochTS() *int64 {
	return &w.Epoch
}

func (w *WithdrawProceeds) SourceSequence() int64 {
	return w.Sequence
}

// RedeemEnergy delivers a buyer's won energy and returns the unspent escrow.
// One shot per (timeslot, buyer).
type RedeemEnergy struct {
	Epoch     int64
	Buyer     auction.Address
	Sequence  int64
	Timestamp int64
}

func (r *RedeemEnergy) IdempotencyKey() string {
	return fmt.Sprintf("claim:%d:redeem:%s", r.Epoch, r.Buyer)
}

func (r *RedeemEnergy) EventType() EventType {
	return EventTypeRedeemEnergy
}

func (r *RedeemEnergy) EpochTS() *int64 {
	return &r.Epoch
}

func (r *RedeemEnergy) SourceSequence() int64 {
	return r.Sequence
}
