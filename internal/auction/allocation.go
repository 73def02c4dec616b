package auction

import (
	"fmt"
	"sort"

	"GridClear/internal/math"
)

// EnergySource names how much of a buyer's fill one seller delivers.
type EnergySource struct {
	Seller   Address
	Quantity uint64
}

// SellerAllocation is a seller's dispatch for a settled timeslot. Proceeds
// are gross allocation value minus protocol fee, paid on withdrawal.
type SellerAllocation struct {
	EpochTS           int64
	Seller            Address
	AllocatedQuantity uint64
	AllocationPrice   uint64

	ProceedsWithdrawn bool
	// PenaltyApplied is slashing already taken out of this seller's unclaimed
	// proceeds. Withdrawal pays net minus this.
	PenaltyApplied uint64
}

// BuyerAllocation is a buyer's cleared fill with its per-seller sourcing.
// RefundAmount is the buyer's total escrow minus cost at clearing price.
type BuyerAllocation struct {
	EpochTS          int64
	Buyer            Address
	TotalQuantityWon uint64
	EnergySources    []EnergySource
	TotalCost        uint64
	RefundAmount     uint64
	Redeemed         bool
}

// AllocationTracker carries the merit-order cursor for one settled timeslot.
// Seller rows are written in a single idempotent pass; buyer rows draw from
// a fill schedule computed once and replayed deterministically.
type AllocationTracker struct {
	EpochTS          int64
	ClearingPrice    uint64
	ClearedQuantity  uint64
	RemainingDemand  uint64
	SellerOrder      []Address
	SellersAllocated bool

	// Fill schedule, rebuilt on demand after restarts. Not snapshotted.
	fillsReady bool
	wonBy      map[Address]uint64
	sourcesBy  map[Address][]EnergySource
}

// AllocationManager owns allocation state for all settled timeslots.
type AllocationManager struct {
	trackers map[int64]*AllocationTracker
	sellers  map[int64]map[Address]*SellerAllocation
	buyers   map[int64]map[Address]*BuyerAllocation
}

func NewAllocationManager() *AllocationManager {
	return &AllocationManager{
		trackers: make(map[int64]*AllocationTracker),
		sellers:  make(map[int64]map[Address]*SellerAllocation),
		buyers:   make(map[int64]map[Address]*BuyerAllocation),
	}
}

func (am *AllocationManager) Tracker(epoch int64) (*AllocationTracker, bool) {
	tr, ok := am.trackers[epoch]
	return tr, ok
}

// SellersAllocated reports whether the seller pass already ran.
func (am *AllocationManager) SellersAllocated(epoch int64) bool {
	tr, ok := am.trackers[epoch]
	return ok && tr.SellersAllocated
}

// CalculateSellerAllocations walks the merit order once, granting each
// seller min(committed, remaining) until the cleared quantity is exhausted.
// A repeat call returns the existing rows unchanged.
func (am *AllocationManager) CalculateSellerAllocations(
	epoch int64,
	clearingPrice, clearedQuantity uint64,
	merit []*Supply,
) ([]*SellerAllocation, error) {
	if tr, ok := am.trackers[epoch]; ok && tr.SellersAllocated {
		return am.SellerAllocs(epoch), nil
	}

	tr := &AllocationTracker{
		EpochTS:         epoch,
		ClearingPrice:   clearingPrice,
		ClearedQuantity: clearedQuantity,
		RemainingDemand: clearedQuantity,
		SellerOrder:     make([]Address, 0, len(merit)),
	}

	rows := make(map[Address]*SellerAllocation, len(merit))
	out := make([]*SellerAllocation, 0, len(merit))
	remaining := clearedQuantity
	for _, s := range merit {
		grant := s.CommittedQuantity
		if grant > remaining {
			grant = remaining
		}
		remaining -= grant

		row := &SellerAllocation{
			EpochTS:           epoch,
			Seller:            s.Supplier,
			AllocatedQuantity: grant,
			AllocationPrice:   clearingPrice,
		}
		rows[s.Supplier] = row
		out = append(out, row)
		tr.SellerOrder = append(tr.SellerOrder, s.Supplier)
	}

	// Cleared quantity never exceeds committed supply, so the cursor must
	// land on zero.
	if remaining != 0 {
		return nil, fmt.Errorf("merit-order cursor left %d lots unallocated for timeslot %d: %w",
			remaining, epoch, ErrConservation)
	}
	tr.RemainingDemand = 0
	tr.SellersAllocated = true

	am.trackers[epoch] = tr
	am.sellers[epoch] = rows
	return out, nil
}

func (am *AllocationManager) SellerAlloc(epoch int64, seller Address) (*SellerAllocation, bool) {
	row, ok := am.sellers[epoch][seller]
	return row, ok
}

// SellerAllocs returns seller rows in merit order.
func (am *AllocationManager) SellerAllocs(epoch int64) []*SellerAllocation {
	tr, ok := am.trackers[epoch]
	if !ok {
		return nil
	}
	out := make([]*SellerAllocation, 0, len(tr.SellerOrder))
	for _, seller := range tr.SellerOrder {
		if row, ok := am.sellers[epoch][seller]; ok {
			out = append(out, row)
		}
	}
	return out
}

// bidRef orders winning bids for the fill schedule.
type bidRef struct {
	pageIndex uint32
	bidIndex  int
	bid       *Bid
}

// ensureFills computes the deterministic fill schedule: winning bids sorted
// by price descending, then placement time, then book position, each drawn
// from sellers in merit order. Losing bids get nothing; their escrow comes
// back as refund at redemption.
func (am *AllocationManager) ensureFills(epoch int64, book *BidBook) error {
	tr, ok := am.trackers[epoch]
	if !ok || !tr.SellersAllocated {
		return fmt.Errorf("seller allocations not computed for timeslot %d: %w", epoch, ErrConstraintViolation)
	}
	if tr.fillsReady {
		return nil
	}

	refs := make([]bidRef, 0)
	for _, page := range book.Pages(epoch) {
		for i := range page.Bids {
			b := &page.Bids[i]
			if b.Status == BidCancelled || b.Price < tr.ClearingPrice {
				continue
			}
			refs = append(refs, bidRef{pageIndex: page.PageIndex, bidIndex: i, bid: b})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.bid.Price != b.bid.Price {
			return a.bid.Price > b.bid.Price
		}
		if a.bid.Timestamp != b.bid.Timestamp {
			return a.bid.Timestamp < b.bid.Timestamp
		}
		if a.pageIndex != b.pageIndex {
			return a.pageIndex < b.pageIndex
		}
		return a.bidIndex < b.bidIndex
	})

	sellerRemaining := make(map[Address]uint64, len(tr.SellerOrder))
	for _, seller := range tr.SellerOrder {
		if row, ok := am.sellers[epoch][seller]; ok {
			sellerRemaining[seller] = row.AllocatedQuantity
		}
	}

	wonBy := make(map[Address]uint64)
	sourcesBy := make(map[Address][]EnergySource)
	filled := make([]bidRef, 0, len(refs))

	remaining := tr.ClearedQuantity
	meritIdx := 0
	var err error
	for _, ref := range refs {
		if remaining == 0 {
			break
		}
		fill := ref.bid.Quantity
		if fill > remaining {
			fill = remaining
		}
		remaining -= fill

		owner := ref.bid.Owner
		wonBy[owner], err = math.AddU64(wonBy[owner], fill)
		if err != nil {
			return fmt.Errorf("fill schedule for timeslot %d: %w", epoch, err)
		}

		// Draw the fill from sellers in merit order.
		for fill > 0 {
			if meritIdx >= len(tr.SellerOrder) {
				return fmt.Errorf("fill schedule exhausted sellers for timeslot %d: %w", epoch, ErrConservation)
			}
			seller := tr.SellerOrder[meritIdx]
			avail := sellerRemaining[seller]
			if avail == 0 {
				meritIdx++
				continue
			}
			take := avail
			if take > fill {
				take = fill
			}
			sellerRemaining[seller] -= take
			fill -= take

			srcs := sourcesBy[owner]
			if n := len(srcs); n > 0 && srcs[n-1].Seller == seller {
				srcs[n-1].Quantity += take
			} else {
				srcs = append(srcs, EnergySource{Seller: seller, Quantity: take})
			}
			sourcesBy[owner] = srcs
		}
		filled = append(filled, ref)
	}

	for _, ref := range filled {
		ref.bid.Status = BidFilled
	}
	tr.wonBy = wonBy
	tr.sourcesBy = sourcesBy
	tr.fillsReady = true
	return nil
}

// CalculateBuyerAllocation materializes one buyer's fill row from the
// schedule. Buyers with bids but no winning fill get a zero-quantity row
// whose refund returns their full escrow. Repeat calls return the existing
// row.
func (am *AllocationManager) CalculateBuyerAllocation(epoch int64, buyer Address, book *BidBook) (*BuyerAllocation, error) {
	if row, ok := am.buyers[epoch][buyer]; ok {
		return row, nil
	}
	if !book.BuyerHasBids(epoch, buyer) {
		return nil, fmt.Errorf("buyer %s has no bids for timeslot %d: %w", buyer, epoch, ErrConstraintViolation)
	}
	if err := am.ensureFills(epoch, book); err != nil {
		return nil, err
	}
	tr := am.trackers[epoch]

	escrow, err := book.BuyerEscrowTotal(epoch, buyer)
	if err != nil {
		return nil, err
	}
	won := tr.wonBy[buyer]
	cost, err := math.MulU64(won, tr.ClearingPrice)
	if err != nil {
		return nil, fmt.Errorf("buyer cost for timeslot %d: %w", epoch, err)
	}
	refund, err := math.SubU64(escrow, cost)
	if err != nil {
		return nil, fmt.Errorf("buyer refund below zero for timeslot %d: %w", epoch, err)
	}

	sources := make([]EnergySource, len(tr.sourcesBy[buyer]))
	copy(sources, tr.sourcesBy[buyer])

	row := &BuyerAllocation{
		EpochTS:          epoch,
		Buyer:            buyer,
		TotalQuantityWon: won,
		EnergySources:    sources,
		TotalCost:        cost,
		RefundAmount:     refund,
	}
	if am.buyers[epoch] == nil {
		am.buyers[epoch] = make(map[Address]*BuyerAllocation)
	}
	am.buyers[epoch][buyer] = row
	return row, nil
}

func (am *AllocationManager) BuyerAlloc(epoch int64, buyer Address) (*BuyerAllocation, bool) {
	row, ok := am.buyers[epoch][buyer]
	return row, ok
}

// BuyerAllocs returns buyer rows ordered by address bytes.
func (am *AllocationManager) BuyerAllocs(epoch int64) []*BuyerAllocation {
	out := make([]*BuyerAllocation, 0, len(am.buyers[epoch]))
	for _, row := range am.buyers[epoch] {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Buyer.Less(out[j].Buyer) })
	return out
}

// MarkProceedsWithdrawn flags a seller's payout after the transfer lands.
func (am *AllocationManager) MarkProceedsWithdrawn(epoch int64, seller Address) error {
	row, ok := am.sellers[epoch][seller]
	if !ok {
		return fmt.Errorf("no allocation for seller %s in timeslot %d: %w", seller, epoch, ErrConstraintViolation)
	}
	if row.ProceedsWithdrawn {
		return fmt.Errorf("proceeds for seller %s in timeslot %d: %w", seller, epoch, ErrAlreadyClaimed)
	}
	row.ProceedsWithdrawn = true
	return nil
}

// ApplyPenalty records slashing drawn from a seller's unclaimed proceeds.
func (am *AllocationManager) ApplyPenalty(epoch int64, seller Address, amount uint64) error {
	row, ok := am.sellers[epoch][seller]
	if !ok {
		return fmt.Errorf("no allocation for seller %s in timeslot %d: %w", seller, epoch, ErrConstraintViolation)
	}
	sum, err := math.AddU64(row.PenaltyApplied, amount)
	if err != nil {
		return fmt.Errorf("penalty for seller %s in timeslot %d: %w", seller, epoch, err)
	}
	row.PenaltyApplied = sum
	return nil
}

// MarkRedeemed flags a buyer's redemption after the transfers land.
func (am *AllocationManager) MarkRedeemed(epoch int64, buyer Address) error {
	row, ok := am.buyers[epoch][buyer]
	if !ok {
		return fmt.Errorf("no allocation for buyer %s in timeslot %d: %w", buyer, epoch, ErrConstraintViolation)
	}
	if row.Redeemed {
		return fmt.Errorf("redemption for buyer %s in timeslot %d: %w", buyer, epoch, ErrAlreadyClaimed)
	}
	row.Redeemed = true
	return nil
}

// PayoutsStarted reports whether any proceeds or redemption has been paid.
// Cancellation of a settled timeslot is only legal before this point.
func (am *AllocationManager) PayoutsStarted(epoch int64) bool {
	for _, row := range am.sellers[epoch] {
		if row.ProceedsWithdrawn {
			return true
		}
	}
	for _, row := range am.buyers[epoch] {
		if row.Redeemed {
			return true
		}
	}
	return false
}

// TotalAllocated sums seller allocations with overflow checks.
func (am *AllocationManager) TotalAllocated(epoch int64) (uint64, error) {
	var total uint64
	var err error
	for _, row := range am.sellers[epoch] {
		total, err = math.AddU64(total, row.AllocatedQuantity)
		if err != nil {
			return 0, fmt.Errorf("total allocated for timeslot %d: %w", epoch, err)
		}
	}
	return total, nil
}

// RedeemedEnergyTotal sums energy already delivered to redeemed buyers.
func (am *AllocationManager) RedeemedEnergyTotal(epoch int64) (uint64, error) {
	var total uint64
	var err error
	for _, row := range am.buyers[epoch] {
		if !row.Redeemed {
			continue
		}
		total, err = math.AddU64(total, row.TotalQuantityWon)
		if err != nil {
			return 0, fmt.Errorf("redeemed energy for timeslot %d: %w", epoch, err)
		}
	}
	return total, nil
}

// AllTrackers returns every tracker sorted by timeslot.
func (am *AllocationManager) AllTrackers() []*AllocationTracker {
	out := make([]*AllocationTracker, 0, len(am.trackers))
	for _, tr := range am.trackers {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EpochTS < out[j].EpochTS })
	return out
}

// AllSellerRows returns every seller row, timeslots ascending and rows in
// merit order within each.
func (am *AllocationManager) AllSellerRows() []*SellerAllocation {
	epochs := make([]int64, 0, len(am.sellers))
	for epoch := range am.sellers {
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	out := make([]*SellerAllocation, 0)
	for _, epoch := range epochs {
		out = append(out, am.SellerAllocs(epoch)...)
	}
	return out
}

// AllBuyerRows returns every buyer row, timeslots ascending and rows ordered
// by address within each.
func (am *AllocationManager) AllBuyerRows() []*BuyerAllocation {
	epochs := make([]int64, 0, len(am.buyers))
	for epoch := range am.buyers {
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	out := make([]*BuyerAllocation, 0)
	for _, epoch := range epochs {
		out = append(out, am.BuyerAllocs(epoch)...)
	}
	return out
}

// RestoreTracker reinstalls a tracker from a snapshot. The fill schedule is
// rebuilt lazily from the book, so only the seller pass state persists.
func (am *AllocationManager) RestoreTracker(tr *AllocationTracker) {
	am.trackers[tr.EpochTS] = tr
}

// RestoreSellerAlloc reinstalls a seller row from a snapshot.
func (am *AllocationManager) RestoreSellerAlloc(row *SellerAllocation) {
	if am.sellers[row.EpochTS] == nil {
		am.sellers[row.EpochTS] = make(map[Address]*SellerAllocation)
	}
	am.sellers[row.EpochTS][row.Seller] = row
}

// RestoreBuyerAlloc reinstalls a buyer row from a snapshot.
func (am *AllocationManager) RestoreBuyerAlloc(row *BuyerAllocation) {
	if am.buyers[row.EpochTS] == nil {
		am.buyers[row.EpochTS] = make(map[Address]*BuyerAllocation)
	}
	am.buyers[row.EpochTS][row.Buyer] = row
}
