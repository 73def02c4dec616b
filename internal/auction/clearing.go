package auction

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"GridClear/internal/math"
)

// Batch bounds for incremental clearing. One event never touches more state
// than this, so processing cost stays flat no matter how large the book is.
const (
	MaxPagesPerBatch   = uint32(10)
	MaxSellersPerBatch = 50
)

// NoTradePrice is recorded when a sealed timeslot has no bids or no supply.
// The round settles as an empty trade rather than failing.
const NoTradePrice = uint64(1)

// AuctionStatus is the clearing lifecycle for one sealed timeslot.
type AuctionStatus uint8

const (
	AuctionProcessing AuctionStatus = iota
	AuctionCleared
	AuctionSettled
	AuctionFailed
)

func (s AuctionStatus) String() string {
	switch s {
	case AuctionProcessing:
		return "Processing"
	case AuctionCleared:
		return "Cleared"
	case AuctionSettled:
		return "Settled"
	case AuctionFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// PageBitmap records which bid pages a clearing pass has consumed.
type PageBitmap struct {
	words []uint64
}

func NewPageBitmap(n uint32) *PageBitmap {
	return &PageBitmap{
		words: make([]uint64, (n+63)/64),
	}
}

func (m *PageBitmap) Set(i uint32) {
	m.words[i/64] |= 1 << (i % 64)
}

func (m *PageBitmap) Get(i uint32) bool {
	if int(i/64) >= len(m.words) {
		return false
	}
	return m.words[i/64]&(1<<(i%64)) != 0
}

func (m *PageBitmap) Count() uint32 {
	var n int
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return uint32(n)
}

// Words exposes the raw bitmap for snapshots.
func (m *PageBitmap) Words() []uint64 {
	out := make([]uint64, len(m.words))
	copy(out, m.words)
	return out
}

// RestorePageBitmap rebuilds a bitmap from snapshotted words.
func RestorePageBitmap(words []uint64) *PageBitmap {
	m := &PageBitmap{words: make([]uint64, len(words))}
	copy(m.words, words)
	return m
}

// AuctionState accumulates demand and supply curves across batched passes
// over a sealed book, then holds the clearing result.
type AuctionState struct {
	EpochTS int64
	Status  AuctionStatus

	ClearingPrice   uint64
	ClearedQuantity uint64
	Verified        bool

	// Batch targets, snapshotted when the first batch arrives. The book is
	// sealed by then, so both are stable.
	TargetPages   uint32
	TargetSellers uint32

	ProcessedPages   *PageBitmap
	ProcessedSellers map[Address]bool

	// Demand maps bid price to active quantity at that price; Supply maps
	// reserve price to committed quantity.
	Demand map[uint64]uint64
	Supply map[uint64]uint64

	DemandTotal uint64
	SupplyTotal uint64

	// Checksum binds the aggregated curves to the clearing result so the
	// verification pass can detect tampering or a missed page.
	Checksum [32]byte
}

// ComputeChecksum hashes the sorted curves, totals and clearing result.
func (st *AuctionState) ComputeChecksum() [32]byte {
	h := sha256.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	put(uint64(st.EpochTS))
	h.Write([]byte("demand"))
	for _, p := range sortedKeys(st.Demand) {
		put(p)
		put(st.Demand[p])
	}
	h.Write([]byte("supply"))
	for _, r := range sortedKeys(st.Supply) {
		put(r)
		put(st.Supply[r])
	}
	put(st.DemandTotal)
	put(st.SupplyTotal)
	put(st.ClearingPrice)
	put(st.ClearedQuantity)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func sortedKeys(m map[uint64]uint64) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ClearingManager runs the batched uniform-price clearing for every sealed
// timeslot.
type ClearingManager struct {
	states map[int64]*AuctionState
}

func NewClearingManager() *ClearingManager {
	return &ClearingManager{
		states: make(map[int64]*AuctionState),
	}
}

func (cm *ClearingManager) Get(epoch int64) (*AuctionState, bool) {
	st, ok := cm.states[epoch]
	return st, ok
}

// EnsureState creates the processing state on first use. Later calls return
// the existing state; the original targets stand.
func (cm *ClearingManager) EnsureState(epoch int64, targetPages uint32, targetSellers uint32) *AuctionState {
	if st, ok := cm.states[epoch]; ok {
		return st
	}
	st := &AuctionState{
		EpochTS:          epoch,
		Status:           AuctionProcessing,
		TargetPages:      targetPages,
		TargetSellers:    targetSellers,
		ProcessedPages:   NewPageBitmap(targetPages),
		ProcessedSellers: make(map[Address]bool),
		Demand:           make(map[uint64]uint64),
		Supply:           make(map[uint64]uint64),
	}
	cm.states[epoch] = st
	return st
}

// ProcessBidBatch folds the page range [fromPage, toPage] into the demand
// curve. Pages already in the bitmap are skipped, so replays are no-ops.
// Either the whole range lands or nothing does.
func (cm *ClearingManager) ProcessBidBatch(epoch int64, fromPage, toPage uint32, book *BidBook) (int, error) {
	st, ok := cm.states[epoch]
	if !ok {
		return 0, fmt.Errorf("no clearing state for timeslot %d: %w", epoch, ErrConstraintViolation)
	}
	if st.Status != AuctionProcessing {
		return 0, fmt.Errorf("auction for timeslot %d is %s, want Processing: %w", epoch, st.Status, ErrInvalidTimeslot)
	}
	if fromPage > toPage {
		return 0, fmt.Errorf("page range [%d, %d] is inverted: %w", fromPage, toPage, ErrConstraintViolation)
	}
	if toPage-fromPage+1 > MaxPagesPerBatch {
		return 0, fmt.Errorf("page range [%d, %d] exceeds batch bound %d: %w", fromPage, toPage, MaxPagesPerBatch, ErrConstraintViolation)
	}
	if toPage >= st.TargetPages {
		return 0, fmt.Errorf("page %d out of range, timeslot %d has %d pages: %w", toPage, epoch, st.TargetPages, ErrConstraintViolation)
	}

	// Plan the merged curve first so an overflow cannot leave a half-applied
	// batch behind.
	merged := make(map[uint64]uint64)
	newTotal := st.DemandTotal
	toMark := make([]uint32, 0, toPage-fromPage+1)

	for i := fromPage; i <= toPage; i++ {
		if st.ProcessedPages.Get(i) {
			continue
		}
		page, ok := book.Page(epoch, i)
		if !ok {
			return 0, fmt.Errorf("page %d missing for timeslot %d: %w", i, epoch, ErrConstraintViolation)
		}
		for j := range page.Bids {
			b := &page.Bids[j]
			if b.Status != BidActive {
				continue
			}
			base, seen := merged[b.Price]
			if !seen {
				base = st.Demand[b.Price]
			}
			sum, err := math.AddU64(base, b.Quantity)
			if err != nil {
				return 0, fmt.Errorf("demand curve for timeslot %d: %w", epoch, err)
			}
			merged[b.Price] = sum
			newTotal, err = math.AddU64(newTotal, b.Quantity)
			if err != nil {
				return 0, fmt.Errorf("demand total for timeslot %d: %w", epoch, err)
			}
		}
		toMark = append(toMark, i)
	}

	for price, qty := range merged {
		st.Demand[price] = qty
	}
	st.DemandTotal = newTotal
	for _, i := range toMark {
		st.ProcessedPages.Set(i)
	}
	return len(toMark), nil
}

// ProcessSupplyBatch folds up to MaxSellersPerBatch supplies into the supply
// curve. Already-processed sellers are skipped.
func (cm *ClearingManager) ProcessSupplyBatch(epoch int64, sellers []Address, set *SupplySet) (int, error) {
	st, ok := cm.states[epoch]
	if !ok {
		return 0, fmt.Errorf("no clearing state for timeslot %d: %w", epoch, ErrConstraintViolation)
	}
	if st.Status != AuctionProcessing {
		return 0, fmt.Errorf("auction for timeslot %d is %s, want Processing: %w", epoch, st.Status, ErrInvalidTimeslot)
	}
	if len(sellers) == 0 {
		return 0, fmt.Errorf("empty seller batch: %w", ErrConstraintViolation)
	}
	if len(sellers) > MaxSellersPerBatch {
		return 0, fmt.Errorf("seller batch of %d exceeds bound %d: %w", len(sellers), MaxSellersPerBatch, ErrConstraintViolation)
	}

	merged := make(map[uint64]uint64)
	newTotal := st.SupplyTotal
	toMark := make([]Address, 0, len(sellers))
	inBatch := make(map[Address]bool, len(sellers))

	for _, seller := range sellers {
		if st.ProcessedSellers[seller] || inBatch[seller] {
			continue
		}
		s, ok := set.Get(epoch, seller)
		if !ok {
			return 0, fmt.Errorf("seller %s has no supply for timeslot %d: %w", seller, epoch, ErrConstraintViolation)
		}
		base, seen := merged[s.ReservePrice]
		if !seen {
			base = st.Supply[s.ReservePrice]
		}
		sum, err := math.AddU64(base, s.CommittedQuantity)
		if err != nil {
			return 0, fmt.Errorf("supply curve for timeslot %d: %w", epoch, err)
		}
		merged[s.ReservePrice] = sum
		newTotal, err = math.AddU64(newTotal, s.CommittedQuantity)
		if err != nil {
			return 0, fmt.Errorf("supply total for timeslot %d: %w", epoch, err)
		}
		inBatch[seller] = true
		toMark = append(toMark, seller)
	}

	for reserve, qty := range merged {
		st.Supply[reserve] = qty
	}
	st.SupplyTotal = newTotal
	for _, seller := range toMark {
		st.ProcessedSellers[seller] = true
	}
	return len(toMark), nil
}

// Complete reports whether every page and seller has been folded in.
func (cm *ClearingManager) Complete(epoch int64) bool {
	st, ok := cm.states[epoch]
	if !ok {
		return false
	}
	return st.ProcessedPages.Count() == st.TargetPages &&
		uint32(len(st.ProcessedSellers)) == st.TargetSellers
}

// Execute computes the uniform clearing price and quantity from the
// accumulated curves and seals them under a checksum.
func (cm *ClearingManager) Execute(epoch int64) (*AuctionState, error) {
	st, ok := cm.states[epoch]
	if !ok {
		return nil, fmt.Errorf("no clearing state for timeslot %d: %w", epoch, ErrConstraintViolation)
	}
	if st.Status != AuctionProcessing {
		return nil, fmt.Errorf("auction for timeslot %d is %s, want Processing: %w", epoch, st.Status, ErrInvalidTimeslot)
	}
	if !cm.Complete(epoch) {
		return nil, fmt.Errorf("timeslot %d has unprocessed pages (%d/%d) or sellers (%d/%d): %w",
			epoch, st.ProcessedPages.Count(), st.TargetPages,
			len(st.ProcessedSellers), st.TargetSellers, ErrConstraintViolation)
	}

	price, qty := computeClearing(st.Demand, st.Supply, st.SupplyTotal)
	st.ClearingPrice = price
	st.ClearedQuantity = qty
	st.Status = AuctionCleared
	st.Checksum = st.ComputeChecksum()
	return st, nil
}

// Verify independently re-aggregates the sealed book and supply set,
// recomputes the clearing, and compares against the stored result. Any
// mismatch fails the auction permanently; cancellation is the recovery.
func (cm *ClearingManager) Verify(epoch int64, book *BidBook, set *SupplySet) error {
	st, ok := cm.states[epoch]
	if !ok {
		return fmt.Errorf("no clearing state for timeslot %d: %w", epoch, ErrConstraintViolation)
	}
	if st.Status != AuctionCleared {
		return fmt.Errorf("auction for timeslot %d is %s, want Cleared: %w", epoch, st.Status, ErrInvalidTimeslot)
	}

	demand, demandTotal, err := aggregateDemand(epoch, book)
	if err != nil {
		return err
	}
	supply, supplyTotal, err := aggregateSupply(epoch, set)
	if err != nil {
		return err
	}

	price, qty := computeClearing(demand, supply, supplyTotal)
	rebuilt := &AuctionState{
		EpochTS:         epoch,
		ClearingPrice:   price,
		ClearedQuantity: qty,
		Demand:          demand,
		Supply:          supply,
		DemandTotal:     demandTotal,
		SupplyTotal:     supplyTotal,
	}

	if price != st.ClearingPrice || qty != st.ClearedQuantity || rebuilt.ComputeChecksum() != st.Checksum {
		st.Status = AuctionFailed
		return fmt.Errorf("clearing verification mismatch for timeslot %d: got (p=%d q=%d), stored (p=%d q=%d): %w",
			epoch, price, qty, st.ClearingPrice, st.ClearedQuantity, ErrConservation)
	}

	st.Verified = true
	return nil
}

// MarkSettled finalizes a verified clearing.
func (cm *ClearingManager) MarkSettled(epoch int64) error {
	st, ok := cm.states[epoch]
	if !ok {
		return fmt.Errorf("no clearing state for timeslot %d: %w", epoch, ErrConstraintViolation)
	}
	if st.Status != AuctionCleared {
		return fmt.Errorf("auction for timeslot %d is %s, want Cleared: %w", epoch, st.Status, ErrInvalidTimeslot)
	}
	if !st.Verified {
		return fmt.Errorf("clearing for timeslot %d has not been verified: %w", epoch, ErrConstraintViolation)
	}
	st.Status = AuctionSettled
	return nil
}

// Fail force-marks the auction Failed. Used when a conservation check trips
// outside the verification pass.
func (cm *ClearingManager) Fail(epoch int64) {
	if st, ok := cm.states[epoch]; ok {
		st.Status = AuctionFailed
	}
}

// All returns every auction state ordered by epoch, for snapshots.
func (cm *ClearingManager) All() []*AuctionState {
	out := make([]*AuctionState, 0, len(cm.states))
	for _, st := range cm.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EpochTS < out[j].EpochTS })
	return out
}

// Restore reinstalls an auction state from a snapshot.
func (cm *ClearingManager) Restore(st *AuctionState) {
	cm.states[st.EpochTS] = st
}

// aggregateDemand rebuilds the demand curve from every page of the book.
func aggregateDemand(epoch int64, book *BidBook) (map[uint64]uint64, uint64, error) {
	demand := make(map[uint64]uint64)
	var total uint64
	var err error
	for _, page := range book.Pages(epoch) {
		for i := range page.Bids {
			b := &page.Bids[i]
			if b.Status != BidActive {
				continue
			}
			demand[b.Price], err = math.AddU64(demand[b.Price], b.Quantity)
			if err != nil {
				return nil, 0, fmt.Errorf("demand curve for timeslot %d: %w", epoch, err)
			}
			total, err = math.AddU64(total, b.Quantity)
			if err != nil {
				return nil, 0, fmt.Errorf("demand total for timeslot %d: %w", epoch, err)
			}
		}
	}
	return demand, total, nil
}

// aggregateSupply rebuilds the supply curve from the full supply set.
func aggregateSupply(epoch int64, set *SupplySet) (map[uint64]uint64, uint64, error) {
	supply := make(map[uint64]uint64)
	var total uint64
	var err error
	for _, s := range set.MeritOrder(epoch) {
		supply[s.ReservePrice], err = math.AddU64(supply[s.ReservePrice], s.CommittedQuantity)
		if err != nil {
			return nil, 0, fmt.Errorf("supply curve for timeslot %d: %w", epoch, err)
		}
		total, err = math.AddU64(total, s.CommittedQuantity)
		if err != nil {
			return nil, 0, fmt.Errorf("supply total for timeslot %d: %w", epoch, err)
		}
	}
	return supply, total, nil
}

// computeClearing finds the uniform price. Candidates are the distinct bid
// prices at or above the cheapest committed reserve; anything cheaper could
// only dispatch a seller below reserve, so a round where every bid sits
// under the cheapest reserve clears as no-trade. The raw price is the
// highest candidate where S(p) ≤ D(p) (S(p) is supply with reserve at or
// below p, D(p) demand at or above p), or the lowest candidate when every
// level is oversupplied. Cleared quantity is D(p) capped by total committed
// supply. A buyer-favouring pass then takes the lowest candidate that
// clears the same quantity. Above the floor, reserves set dispatch order,
// not a participation cutoff.
func computeClearing(demand, supply map[uint64]uint64, supplyTotal uint64) (uint64, uint64) {
	if len(demand) == 0 || len(supply) == 0 {
		return NoTradePrice, 0
	}

	prices := sortedKeys(demand)
	reserves := sortedKeys(supply)

	// demandAt[i] = D(prices[i]), a suffix sum.
	demandAt := make([]uint64, len(prices))
	var dAcc uint64
	for i := len(prices) - 1; i >= 0; i-- {
		dAcc += demand[prices[i]]
		demandAt[i] = dAcc
	}

	// supplyAt[i] = S(prices[i]), a prefix walk over reserves.
	supplyAt := make([]uint64, len(prices))
	var sAcc uint64
	ri := 0
	for i, p := range prices {
		for ri < len(reserves) && reserves[ri] <= p {
			sAcc += supply[reserves[ri]]
			ri++
		}
		supplyAt[i] = sAcc
	}

	floor := reserves[0]
	rawIdx := -1
	lowestEligible := -1
	for i := range prices {
		if prices[i] < floor {
			continue
		}
		if lowestEligible == -1 {
			lowestEligible = i
		}
		if supplyAt[i] <= demandAt[i] {
			rawIdx = i
		}
	}
	if lowestEligible == -1 {
		return NoTradePrice, 0
	}
	if rawIdx == -1 {
		rawIdx = lowestEligible
	}

	qty := demandAt[rawIdx]
	if supplyTotal < qty {
		qty = supplyTotal
	}

	idx := rawIdx
	for i := lowestEligible; i < rawIdx; i++ {
		if supplyAt[i] > demandAt[i] {
			continue
		}
		alt := demandAt[i]
		if supplyTotal < alt {
			alt = supplyTotal
		}
		if alt == qty {
			idx = i
			break
		}
	}

	return prices[idx], qty
}
