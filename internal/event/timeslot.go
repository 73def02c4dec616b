package event

import (
	"fmt"

	"GridClear/internal/auction"
)

// OpenTimeslot opens a delivery hour for bidding and supply commitments.
// The epoch is the hour's unix timestamp and doubles as the timeslot key.
// Lot size and price tick fix the alignment grid for every order that
// follows.
type OpenTimeslot struct {
	Epoch     int64
	Authority auction.Address
	LotSize   uint64
	PriceTick uint64
	Sequence  int64
	Timestamp int64
}

func (o *OpenTimeslot) IdempotencyKey() string {
	return fmt.Sprintf("timeslot:%d:open", o.Epoch)
}

func (o *OpenTimeslot) EventType() EventType {
	return EventTypeOpenTimeslot
}

func (o *OpenTimeslot) EpochTS() *int64 {
	return &o.Epoch
}

func (o *OpenTimeslot) SourceSequence() int64 {
	return o.Sequence
}

// SealTimeslot closes order entry and freezes the book for clearing.
type SealTimeslot struct {
	Epoch     int64
	Authority auction.Address
	Sequence  int64
	Timestamp int64
}

func (s *SealTimeslot) IdempotencyKey() string {
	return fmt.Sprintf("timeslot:%d:seal", s.Epoch)
}

func (s *SealTimeslot) EventType() EventType {
	return EventTypeSealTimeslot
}

func (s *SealTimeslot) EpochTS() *int64 {
	return &s.Epoch
}

func (s *SealTimeslot) SourceSequence() int64 {
	return s.Sequence
}

// CancelAuction aborts a timeslot and opens the refund path. Allowed from
// any non-terminal status, and from Settled only before payouts start.
type CancelAuction struct {
	Epoch     int64
	Authority auction.Address
	Reason    string
	Sequence  int64
	Timestamp int64
}

func (c *CancelAuction) IdempotencyKey() string {
	return fmt.Sprintf("timeslot:%d:cancel", c.Epoch)
}

func (c *CancelAuction) EventType() EventType {
	return EventTypeCancelAuction
}

func (c *CancelAuction) EpochTS() *int64 {
	return &c.Epoch
}

func (c *CancelAuction) SourceSequence() int64 {
	return c.Sequence
}
