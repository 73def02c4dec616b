package auction

import (
	"fmt"
	"sort"

	"GridClear/internal/math"
)

// Supply is one seller's energy commitment for a timeslot. At most one per
// (timeslot, seller); re-commits are rejected, not merged.
type Supply struct {
	EpochTS           int64
	Supplier          Address
	ReservePrice      uint64
	CommittedQuantity uint64

	ProceedsClaimed bool
	Refunded        bool // energy returned through cancellation
}

// SupplySet indexes supplies by timeslot and seller.
type SupplySet struct {
	byEpoch map[int64]map[Address]*Supply
}

func NewSupplySet() *SupplySet {
	return &SupplySet{
		byEpoch: make(map[int64]map[Address]*Supply),
	}
}

// Commit registers a seller's commitment. Alignment against lot size and
// price tick is validated by the caller, which holds the timeslot.
func (ss *SupplySet) Commit(epoch int64, supplier Address, reservePrice, quantity uint64) (*Supply, error) {
	if reservePrice == 0 {
		return nil, fmt.Errorf("reserve_price must be > 0: %w", ErrConstraintViolation)
	}
	if quantity == 0 {
		return nil, fmt.Errorf("quantity must be > 0: %w", ErrConstraintViolation)
	}

	sellers := ss.byEpoch[epoch]
	if sellers == nil {
		sellers = make(map[Address]*Supply)
		ss.byEpoch[epoch] = sellers
	}
	if _, exists := sellers[supplier]; exists {
		return nil, fmt.Errorf("seller %s already committed for timeslot %d: %w", supplier, epoch, ErrDuplicateSupply)
	}

	s := &Supply{
		EpochTS:           epoch,
		Supplier:          supplier,
		ReservePrice:      reservePrice,
		CommittedQuantity: quantity,
	}
	sellers[supplier] = s
	return s, nil
}

func (ss *SupplySet) Get(epoch int64, supplier Address) (*Supply, bool) {
	s, ok := ss.byEpoch[epoch][supplier]
	return s, ok
}

// Count returns the number of committed sellers for a timeslot.
func (ss *SupplySet) Count(epoch int64) int {
	return len(ss.byEpoch[epoch])
}

// MeritOrder returns supplies sorted by ascending reserve price, ties broken
// by supplier address bytes. This ordering decides dispatch priority.
func (ss *SupplySet) MeritOrder(epoch int64) []*Supply {
	out := make([]*Supply, 0, len(ss.byEpoch[epoch]))
	for _, s := range ss.byEpoch[epoch] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReservePrice != out[j].ReservePrice {
			return out[i].ReservePrice < out[j].ReservePrice
		}
		return out[i].Supplier.Less(out[j].Supplier)
	})
	return out
}

// TotalCommitted sums committed quantity across sellers with overflow checks.
func (ss *SupplySet) TotalCommitted(epoch int64) (uint64, error) {
	var total uint64
	var err error
	for _, s := range ss.MeritOrder(epoch) {
		total, err = math.AddU64(total, s.CommittedQuantity)
		if err != nil {
			return 0, fmt.Errorf("total committed supply for timeslot %d: %w", epoch, err)
		}
	}
	return total, nil
}

// AllEpochs lists timeslots with at least one supply, ascending.
func (ss *SupplySet) AllEpochs() []int64 {
	epochs := make([]int64, 0, len(ss.byEpoch))
	for e := range ss.byEpoch {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs
}

// Restore reinstalls a supply from a snapshot.
func (ss *SupplySet) Restore(s *Supply) {
	sellers := ss.byEpoch[s.EpochTS]
	if sellers == nil {
		sellers = make(map[Address]*Supply)
		ss.byEpoch[s.EpochTS] = sellers
	}
	sellers[s.Supplier] = s
}
