package event

import (
	"github.com/google/uuid"

	"GridClear/internal/auction"
)

// CommitSupply is a seller's offer for one timeslot: quantity at a reserve
// price, energy escrowed on apply. One commitment per (timeslot, seller).
// Idempotency key: supply_id (UUID from the gateway).
type CommitSupply struct {
	SupplyID     uuid.UUID // Idempotency key
	Epoch        int64
	Supplier     auction.Address
	ReservePrice uint64
	Quantity     uint64
	Sequence     int64
	Timestamp    int64 // Unix seconds (versioned input)
}

func (c *CommitSupply) IdempotencyKey() string {
	return c.SupplyID.String()
}

func (c *CommitSupply) EventType() EventType {
	return EventTypeCommitSupply
}

func (c *CommitSupply) EpochTS() *int64 {
	return &c.Epoch
}

func (c *CommitSupply) SourceSequence() int64 {
	return c.Sequence
}

// PlaceBid is a buyer's order for one timeslot. The full price*quantity is
// escrowed on apply. PageIndex must name the currently active page; the book
// keeps pages as a dense sequence.
type PlaceBid struct {
	BidID     uuid.UUID // Idempotency key
	Epoch     int64
	Buyer     auction.Address
	Price     uint64
	Quantity  uint64
	PageIndex uint32
	Sequence  int64
	Timestamp int64
}

func (p *PlaceBid) IdempotencyKey() string {
	return p.BidID.String()
}

func (p *PlaceBid) EventType() EventType {
	return EventTypePlaceBid
}

func (p *PlaceBid) EpochTS() *int64 {
	return &p.Epoch
}

func (p *PlaceBid) SourceSequence() int64 {
	return p.Sequence
}
