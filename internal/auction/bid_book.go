package auction

import (
	"fmt"
	"sort"

	"GridClear/internal/math"
)

// PageCapacity is the fixed number of bids per page. Pages fill densely:
// page i+1 exists only once page i holds exactly PageCapacity bids.
const PageCapacity = 150

// BidStatus tracks a bid through settlement.
type BidStatus uint8

const (
	BidActive BidStatus = iota
	BidCancelled
	BidFilled
)

func (s BidStatus) String() string {
	switch s {
	case BidActive:
		return "Active"
	case BidCancelled:
		return "Cancelled"
	case BidFilled:
		return "Filled"
	default:
		return "Unknown"
	}
}

// Bid is a buyer's limit order for one timeslot. Price is the maximum the
// buyer pays per lot; escrow locks price × quantity up front.
type Bid struct {
	Owner     Address
	Price     uint64
	Quantity  uint64
	Timestamp int64
	Status    BidStatus
}

// BidPage is one fixed-capacity chunk of the per-timeslot bid list.
type BidPage struct {
	EpochTS   int64
	PageIndex uint32
	Bids      []Bid
}

// Full reports whether the page has reached capacity.
func (p *BidPage) Full() bool {
	return len(p.Bids) >= PageCapacity
}

// BidBook holds the paged bid lists for all timeslots.
type BidBook struct {
	pages map[int64][]*BidPage
}

func NewBidBook() *BidBook {
	return &BidBook{
		pages: make(map[int64][]*BidPage),
	}
}

// ActivePageIndex returns the page new bids must target: the tail page while
// it has room, or the next index once the tail is full.
func (bb *BidBook) ActivePageIndex(epoch int64) uint32 {
	ps := bb.pages[epoch]
	if len(ps) == 0 {
		return 0
	}
	last := ps[len(ps)-1]
	if last.Full() {
		return last.PageIndex + 1
	}
	return last.PageIndex
}

// Append places a bid on the given page. The page index must equal the
// active page, which keeps the sequence dense and makes placement replays
// detectable by the caller.
func (bb *BidBook) Append(epoch int64, pageIndex uint32, b Bid) error {
	active := bb.ActivePageIndex(epoch)
	if pageIndex != active {
		return fmt.Errorf("page %d is not the active page %d for timeslot %d: %w",
			pageIndex, active, epoch, ErrConstraintViolation)
	}

	ps := bb.pages[epoch]
	if int(pageIndex) == len(ps) {
		page := &BidPage{
			EpochTS:   epoch,
			PageIndex: pageIndex,
			Bids:      make([]Bid, 0, PageCapacity),
		}
		page.Bids = append(page.Bids, b)
		bb.pages[epoch] = append(ps, page)
		return nil
	}

	ps[pageIndex].Bids = append(ps[pageIndex].Bids, b)
	return nil
}

// PageCount returns the number of allocated pages for a timeslot.
func (bb *BidBook) PageCount(epoch int64) uint32 {
	return uint32(len(bb.pages[epoch]))
}

func (bb *BidBook) Page(epoch int64, idx uint32) (*BidPage, bool) {
	ps := bb.pages[epoch]
	if int(idx) >= len(ps) {
		return nil, false
	}
	return ps[idx], true
}

// Pages returns the dense page list in order.
func (bb *BidBook) Pages(epoch int64) []*BidPage {
	return bb.pages[epoch]
}

// AllEpochs returns every timeslot with at least one page, sorted ascending.
func (bb *BidBook) AllEpochs() []int64 {
	epochs := make([]int64, 0, len(bb.pages))
	for epoch := range bb.pages {
		epochs = append(epochs, epoch)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs
}

// EscrowTotal sums price × quantity over bids that still hold escrow, which
// is every bid not yet Cancelled.
func (bb *BidBook) EscrowTotal(epoch int64) (uint64, error) {
	var total uint64
	for _, page := range bb.pages[epoch] {
		for i := range page.Bids {
			b := &page.Bids[i]
			if b.Status == BidCancelled {
				continue
			}
			cost, err := math.MulU64(b.Price, b.Quantity)
			if err != nil {
				return 0, fmt.Errorf("bid escrow for timeslot %d: %w", epoch, err)
			}
			total, err = math.AddU64(total, cost)
			if err != nil {
				return 0, fmt.Errorf("bid escrow for timeslot %d: %w", epoch, err)
			}
		}
	}
	return total, nil
}

// BuyerEscrowTotal sums the escrow still held for one buyer's bids.
func (bb *BidBook) BuyerEscrowTotal(epoch int64, owner Address) (uint64, error) {
	var total uint64
	for _, page := range bb.pages[epoch] {
		for i := range page.Bids {
			b := &page.Bids[i]
			if b.Owner != owner || b.Status == BidCancelled {
				continue
			}
			cost, err := math.MulU64(b.Price, b.Quantity)
			if err != nil {
				return 0, fmt.Errorf("buyer escrow for timeslot %d: %w", epoch, err)
			}
			total, err = math.AddU64(total, cost)
			if err != nil {
				return 0, fmt.Errorf("buyer escrow for timeslot %d: %w", epoch, err)
			}
		}
	}
	return total, nil
}

// BuyerHasBids reports whether the buyer placed at least one bid.
func (bb *BidBook) BuyerHasBids(epoch int64, owner Address) bool {
	for _, page := range bb.pages[epoch] {
		for i := range page.Bids {
			if page.Bids[i].Owner == owner {
				return true
			}
		}
	}
	return false
}

// Restore reinstalls a page from a snapshot. Pages must arrive in index
// order so the dense-sequence invariant holds afterwards.
func (bb *BidBook) Restore(page *BidPage) error {
	ps := bb.pages[page.EpochTS]
	if int(page.PageIndex) != len(ps) {
		return fmt.Errorf("restore page %d for timeslot %d out of order, have %d pages",
			page.PageIndex, page.EpochTS, len(ps))
	}
	bb.pages[page.EpochTS] = append(ps, page)
	return nil
}
