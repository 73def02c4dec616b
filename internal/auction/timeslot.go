package auction

import (
	"fmt"
	"sort"
)

// TimeslotStatus is the delivery-window lifecycle.
type TimeslotStatus uint8

const (
	TimeslotPending TimeslotStatus = iota
	TimeslotOpen
	TimeslotSealed
	TimeslotSettled
	TimeslotCancelled
)

func (s TimeslotStatus) String() string {
	switch s {
	case TimeslotPending:
		return "Pending"
	case TimeslotOpen:
		return "Open"
	case TimeslotSealed:
		return "Sealed"
	case TimeslotSettled:
		return "Settled"
	case TimeslotCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Timeslot is the aggregate for one delivery window, keyed by the epoch
// start timestamp. Bids, supplies, clearing state and allocations all hang
// off this key.
type Timeslot struct {
	EpochTS   int64
	Status    TimeslotStatus
	LotSize   uint64
	PriceTick uint64

	TotalSupply uint64 // committed energy, in lots
	TotalBids   uint64 // bid energy, in lots

	ClearingPrice     uint64
	TotalSoldQuantity uint64

	// Settlement outflow counters, maintained as quote escrow drains.
	// Together with live escrow balances they close the conservation books.
	FeeCollected    uint64 // portion of SellerGrossPaid routed to the fee vault
	RefundsPaid     uint64 // quote returned to buyers at redemption
	SellerGrossPaid uint64 // quote drained per withdrawn seller: net + fee + escrow-side penalty
}

// AlignedPrice reports whether p is a positive multiple of the price tick.
func (t *Timeslot) AlignedPrice(p uint64) bool {
	return p > 0 && p%t.PriceTick == 0
}

// AlignedQuantity reports whether q is a positive multiple of the lot size.
func (t *Timeslot) AlignedQuantity(q uint64) bool {
	return q > 0 && q%t.LotSize == 0
}

// TimeslotManager owns all timeslot aggregates.
type TimeslotManager struct {
	slots map[int64]*Timeslot
}

func NewTimeslotManager() *TimeslotManager {
	return &TimeslotManager{
		slots: make(map[int64]*Timeslot),
	}
}

// Open creates a timeslot directly in Open status so it accepts bids and
// supply commitments immediately.
func (tm *TimeslotManager) Open(epoch int64, lotSize, priceTick uint64) (*Timeslot, error) {
	if lotSize == 0 {
		return nil, fmt.Errorf("lot_size must be > 0: %w", ErrConstraintViolation)
	}
	if priceTick == 0 {
		return nil, fmt.Errorf("price_tick must be > 0: %w", ErrConstraintViolation)
	}
	if _, exists := tm.slots[epoch]; exists {
		return nil, fmt.Errorf("timeslot %d already exists: %w", epoch, ErrConstraintViolation)
	}

	t := &Timeslot{
		EpochTS:   epoch,
		Status:    TimeslotOpen,
		LotSize:   lotSize,
		PriceTick: priceTick,
	}
	tm.slots[epoch] = t
	return t, nil
}

func (tm *TimeslotManager) Get(epoch int64) (*Timeslot, bool) {
	t, ok := tm.slots[epoch]
	return t, ok
}

// MustGet returns the timeslot or an error carrying the standard taxonomy.
func (tm *TimeslotManager) MustGet(epoch int64) (*Timeslot, error) {
	t, ok := tm.slots[epoch]
	if !ok {
		return nil, fmt.Errorf("timeslot %d not found: %w", epoch, ErrInvalidTimeslot)
	}
	return t, nil
}

// Seal freezes the order book. Only Open timeslots can seal.
func (tm *TimeslotManager) Seal(epoch int64) (*Timeslot, error) {
	t, err := tm.MustGet(epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != TimeslotOpen {
		return nil, fmt.Errorf("timeslot %d is %s, want Open: %w", epoch, t.Status, ErrInvalidTimeslot)
	}
	t.Status = TimeslotSealed
	return t, nil
}

// Settle records the verified clearing result on the timeslot.
func (tm *TimeslotManager) Settle(epoch int64, clearingPrice, soldQuantity uint64) (*Timeslot, error) {
	t, err := tm.MustGet(epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != TimeslotSealed {
		return nil, fmt.Errorf("timeslot %d is %s, want Sealed: %w", epoch, t.Status, ErrInvalidTimeslot)
	}
	t.Status = TimeslotSettled
	t.ClearingPrice = clearingPrice
	t.TotalSoldQuantity = soldQuantity
	return t, nil
}

// Cancel moves any non-terminal timeslot to Cancelled. The no-payouts-yet
// precondition for Settled timeslots is the caller's to enforce, since it
// needs the allocation records.
func (tm *TimeslotManager) Cancel(epoch int64) (*Timeslot, error) {
	t, err := tm.MustGet(epoch)
	if err != nil {
		return nil, err
	}
	if t.Status == TimeslotCancelled {
		return nil, fmt.Errorf("timeslot %d is already cancelled: %w", epoch, ErrInvalidTimeslot)
	}
	t.Status = TimeslotCancelled
	return t, nil
}

// All returns every timeslot ordered by epoch, for snapshots and queries.
func (tm *TimeslotManager) All() []*Timeslot {
	out := make([]*Timeslot, 0, len(tm.slots))
	for _, t := range tm.slots {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EpochTS < out[j].EpochTS })
	return out
}

// Restore reinstalls a timeslot from a snapshot.
func (tm *TimeslotManager) Restore(t *Timeslot) {
	tm.slots[t.EpochTS] = t
}
