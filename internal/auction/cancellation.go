package auction

import (
	"fmt"
	"sort"

	"GridClear/internal/math"
)

// BidRefund is one planned escrow return for a cancelled timeslot.
type BidRefund struct {
	Owner     Address
	PageIndex uint32
	BidIndex  int
	Amount    uint64
}

// SellerRefund is one planned energy escrow return.
type SellerRefund struct {
	Seller Address
	Amount uint64
}

// CancellationState tracks the batched unwind of a cancelled timeslot.
// Counters against the totals snapshot tell operators when the unwind is
// complete; the bitmap and seller set make refund batches replay-safe.
type CancellationState struct {
	EpochTS     int64
	CancelledAt int64
	PriorStatus TimeslotStatus

	PageCount    uint32
	TotalBids    uint64
	TotalSellers uint32

	BuyersRefunded  uint64
	SellersRefunded uint32

	RefundedPages   *PageBitmap
	RefundedSellers map[Address]bool
}

// CancellationManager owns the refund cursors for cancelled timeslots.
type CancellationManager struct {
	states map[int64]*CancellationState
}

func NewCancellationManager() *CancellationManager {
	return &CancellationManager{
		states: make(map[int64]*CancellationState),
	}
}

// Install snapshots the outstanding refund work at cancellation time.
func (cm *CancellationManager) Install(
	epoch, cancelledAt int64,
	prior TimeslotStatus,
	book *BidBook,
	set *SupplySet,
) (*CancellationState, error) {
	if _, exists := cm.states[epoch]; exists {
		return nil, fmt.Errorf("timeslot %d already has a cancellation in progress: %w", epoch, ErrConstraintViolation)
	}

	var totalBids uint64
	for _, page := range book.Pages(epoch) {
		for i := range page.Bids {
			if page.Bids[i].Status != BidCancelled {
				totalBids++
			}
		}
	}

	pageCount := book.PageCount(epoch)
	cs := &CancellationState{
		EpochTS:         epoch,
		CancelledAt:     cancelledAt,
		PriorStatus:     prior,
		PageCount:       pageCount,
		TotalBids:       totalBids,
		TotalSellers:    uint32(set.Count(epoch)),
		RefundedPages:   NewPageBitmap(pageCount),
		RefundedSellers: make(map[Address]bool),
	}
	cm.states[epoch] = cs
	return cs, nil
}

func (cm *CancellationManager) Get(epoch int64) (*CancellationState, bool) {
	cs, ok := cm.states[epoch]
	return cs, ok
}

// PlanBuyerRefunds lists the escrow returns for the unrefunded pages in
// [fromPage, toPage]. Nothing is mutated; CommitBuyerRefunds applies the
// plan once the transfers are journaled.
func (cm *CancellationManager) PlanBuyerRefunds(epoch int64, fromPage, toPage uint32, book *BidBook) ([]BidRefund, []uint32, error) {
	cs, ok := cm.states[epoch]
	if !ok {
		return nil, nil, fmt.Errorf("timeslot %d is not cancelled: %w", epoch, ErrInvalidTimeslot)
	}
	if fromPage > toPage {
		return nil, nil, fmt.Errorf("page range [%d, %d] is inverted: %w", fromPage, toPage, ErrConstraintViolation)
	}
	if toPage-fromPage+1 > MaxPagesPerBatch {
		return nil, nil, fmt.Errorf("page range [%d, %d] exceeds batch bound %d: %w", fromPage, toPage, MaxPagesPerBatch, ErrConstraintViolation)
	}
	if toPage >= cs.PageCount {
		return nil, nil, fmt.Errorf("page %d out of range, timeslot %d has %d pages: %w", toPage, epoch, cs.PageCount, ErrConstraintViolation)
	}

	refunds := make([]BidRefund, 0)
	pages := make([]uint32, 0, toPage-fromPage+1)
	for i := fromPage; i <= toPage; i++ {
		if cs.RefundedPages.Get(i) {
			continue
		}
		page, ok := book.Page(epoch, i)
		if !ok {
			return nil, nil, fmt.Errorf("page %d missing for timeslot %d: %w", i, epoch, ErrConstraintViolation)
		}
		for j := range page.Bids {
			b := &page.Bids[j]
			if b.Status == BidCancelled {
				continue
			}
			amount, err := math.MulU64(b.Price, b.Quantity)
			if err != nil {
				return nil, nil, fmt.Errorf("refund for timeslot %d page %d: %w", epoch, i, err)
			}
			refunds = append(refunds, BidRefund{
				Owner:     b.Owner,
				PageIndex: i,
				BidIndex:  j,
				Amount:    amount,
			})
		}
		pages = append(pages, i)
	}
	return refunds, pages, nil
}

// CommitBuyerRefunds marks the refunded bids Cancelled and advances the
// cursor. Call only after the refund journals applied.
func (cm *CancellationManager) CommitBuyerRefunds(epoch int64, pages []uint32, refunds []BidRefund, book *BidBook) error {
	cs, ok := cm.states[epoch]
	if !ok {
		return fmt.Errorf("timeslot %d is not cancelled: %w", epoch, ErrInvalidTimeslot)
	}
	for _, r := range refunds {
		page, ok := book.Page(epoch, r.PageIndex)
		if !ok || r.BidIndex >= len(page.Bids) {
			return fmt.Errorf("refund target page %d bid %d missing for timeslot %d: %w", r.PageIndex, r.BidIndex, epoch, ErrConstraintViolation)
		}
		page.Bids[r.BidIndex].Status = BidCancelled
	}
	for _, i := range pages {
		cs.RefundedPages.Set(i)
	}
	cs.BuyersRefunded += uint64(len(refunds))
	return nil
}

// PlanSellerRefunds lists the energy escrow returns for the named sellers,
// skipping any already refunded.
func (cm *CancellationManager) PlanSellerRefunds(epoch int64, sellers []Address, set *SupplySet) ([]SellerRefund, error) {
	cs, ok := cm.states[epoch]
	if !ok {
		return nil, fmt.Errorf("timeslot %d is not cancelled: %w", epoch, ErrInvalidTimeslot)
	}
	if len(sellers) == 0 {
		return nil, fmt.Errorf("empty seller batch: %w", ErrConstraintViolation)
	}
	if len(sellers) > MaxSellersPerBatch {
		return nil, fmt.Errorf("seller batch of %d exceeds bound %d: %w", len(sellers), MaxSellersPerBatch, ErrConstraintViolation)
	}

	refunds := make([]SellerRefund, 0, len(sellers))
	inBatch := make(map[Address]bool, len(sellers))
	for _, seller := range sellers {
		if cs.RefundedSellers[seller] || inBatch[seller] {
			continue
		}
		s, ok := set.Get(epoch, seller)
		if !ok {
			return nil, fmt.Errorf("seller %s has no supply for timeslot %d: %w", seller, epoch, ErrConstraintViolation)
		}
		inBatch[seller] = true
		refunds = append(refunds, SellerRefund{Seller: seller, Amount: s.CommittedQuantity})
	}
	return refunds, nil
}

// CommitSellerRefunds marks supplies refunded and advances the cursor.
func (cm *CancellationManager) CommitSellerRefunds(epoch int64, refunds []SellerRefund, set *SupplySet) error {
	cs, ok := cm.states[epoch]
	if !ok {
		return fmt.Errorf("timeslot %d is not cancelled: %w", epoch, ErrInvalidTimeslot)
	}
	for _, r := range refunds {
		s, ok := set.Get(epoch, r.Seller)
		if !ok {
			return fmt.Errorf("seller %s has no supply for timeslot %d: %w", r.Seller, epoch, ErrConstraintViolation)
		}
		s.Refunded = true
		cs.RefundedSellers[r.Seller] = true
	}
	cs.SellersRefunded += uint32(len(refunds))
	return nil
}

// Complete reports whether every bid and seller has been refunded.
func (cm *CancellationManager) Complete(epoch int64) bool {
	cs, ok := cm.states[epoch]
	if !ok {
		return false
	}
	return cs.BuyersRefunded == cs.TotalBids && cs.SellersRefunded == cs.TotalSellers
}

// All returns cancellation states ordered by epoch, for snapshots.
func (cm *CancellationManager) All() []*CancellationState {
	out := make([]*CancellationState, 0, len(cm.states))
	for _, cs := range cm.states {
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EpochTS < out[j].EpochTS })
	return out
}

// Restore reinstalls a cancellation state from a snapshot.
func (cm *CancellationManager) Restore(cs *CancellationState) {
	cm.states[cs.EpochTS] = cs
}
