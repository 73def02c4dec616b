package auction_test

import (
	"errors"
	"testing"

	"GridClear/internal/auction"
)

// --- Test helpers ---

func addr(b byte) auction.Address {
	var a auction.Address
	a[0] = b
	return a
}

func bid(owner auction.Address, price, qty uint64, ts int64) auction.Bid {
	return auction.Bid{Owner: owner, Price: price, Quantity: qty, Timestamp: ts}
}

// sealedFixture builds a book and supply set, runs the batch passes, and
// returns the managers ready for Execute.
func sealedFixture(t *testing.T, epoch int64, bids []auction.Bid, supplies map[auction.Address][2]uint64) (*auction.ClearingManager, *auction.BidBook, *auction.SupplySet) {
	t.Helper()

	book := auction.NewBidBook()
	for _, b := range bids {
		if err := book.Append(epoch, book.ActivePageIndex(epoch), b); err != nil {
			t.Fatalf("append bid: %v", err)
		}
	}

	set := auction.NewSupplySet()
	sellers := make([]auction.Address, 0, len(supplies))
	for seller, rq := range supplies {
		if _, err := set.Commit(epoch, seller, rq[0], rq[1]); err != nil {
			t.Fatalf("commit supply: %v", err)
		}
		sellers = append(sellers, seller)
	}

	cm := auction.NewClearingManager()
	cm.EnsureState(epoch, book.PageCount(epoch), uint32(set.Count(epoch)))

	if n := book.PageCount(epoch); n > 0 {
		if _, err := cm.ProcessBidBatch(epoch, 0, n-1, book); err != nil {
			t.Fatalf("process bid batch: %v", err)
		}
	}
	if len(sellers) > 0 {
		if _, err := cm.ProcessSupplyBatch(epoch, sellers, set); err != nil {
			t.Fatalf("process supply batch: %v", err)
		}
	}
	return cm, book, set
}

// ============================================================================
// Test: Uniform-Price Clearing
// ============================================================================

func TestClearing_MultiSellerMultiBuyer(t *testing.T) {
	epoch := int64(1_700_000_000)
	buyer1, buyer2 := addr(0x11), addr(0x12)
	sellerA, sellerB, sellerC := addr(0x01), addr(0x02), addr(0x03)

	cm, _, _ := sealedFixture(t, epoch,
		[]auction.Bid{
			bid(buyer1, 9, 600, 10),
			bid(buyer2, 7, 1200, 11),
		},
		map[auction.Address][2]uint64{
			sellerA: {6, 800},
			sellerB: {8, 1000},
			sellerC: {10, 500},
		},
	)

	st, err := cm.Execute(epoch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if st.ClearingPrice != 7 {
		t.Errorf("clearing price = %d; want 7", st.ClearingPrice)
	}
	if st.ClearedQuantity != 1800 {
		t.Errorf("cleared quantity = %d; want 1800", st.ClearedQuantity)
	}
	if st.Status != auction.AuctionCleared {
		t.Errorf("status = %s; want Cleared", st.Status)
	}
}

func TestClearing_NoBids_SettlesEmpty(t *testing.T) {
	epoch := int64(1_700_003_600)
	sellerA := addr(0x01)

	cm, _, _ := sealedFixture(t, epoch, nil,
		map[auction.Address][2]uint64{sellerA: {5, 300}})

	st, err := cm.Execute(epoch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if st.ClearingPrice != auction.NoTradePrice || st.ClearedQuantity != 0 {
		t.Errorf("got (p=%d, q=%d); want (p=%d, q=0)", st.ClearingPrice, st.ClearedQuantity, auction.NoTradePrice)
	}
	if st.Status == auction.AuctionFailed {
		t.Error("empty auction must clear, not fail")
	}
}

func TestClearing_NoSupply_SettlesEmpty(t *testing.T) {
	epoch := int64(1_700_007_200)
	buyer := addr(0x11)

	cm, _, _ := sealedFixture(t, epoch,
		[]auction.Bid{bid(buyer, 9, 400, 5)}, nil)

	st, err := cm.Execute(epoch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if st.ClearingPrice != auction.NoTradePrice || st.ClearedQuantity != 0 {
		t.Errorf("got (p=%d, q=%d); want (p=%d, q=0)", st.ClearingPrice, st.ClearedQuantity, auction.NoTradePrice)
	}
}

func TestClearing_SingleCrossing(t *testing.T) {
	epoch := int64(1_700_010_800)

	cm, _, _ := sealedFixture(t, epoch,
		[]auction.Bid{bid(addr(0x11), 5, 500, 1)},
		map[auction.Address][2]uint64{addr(0x01): {5, 500}})

	st, err := cm.Execute(epoch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if st.ClearingPrice != 5 || st.ClearedQuantity != 500 {
		t.Errorf("got (p=%d, q=%d); want (5, 500)", st.ClearingPrice, st.ClearedQuantity)
	}
}

func TestClearing_SupplyConstrained_TakesLowestEquivalentPrice(t *testing.T) {
	epoch := int64(1_700_014_400)

	// 100 lots of supply against 500 lots of demand: both bid levels clear
	// the same 100 lots, so the lower one sets the price.
	cm, _, _ := sealedFixture(t, epoch,
		[]auction.Bid{
			bid(addr(0x11), 5, 200, 1),
			bid(addr(0x12), 3, 300, 2),
		},
		map[auction.Address][2]uint64{addr(0x01): {1, 100}})

	st, err := cm.Execute(epoch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if st.ClearingPrice != 3 || st.ClearedQuantity != 100 {
		t.Errorf("got (p=%d, q=%d); want (3, 100)", st.ClearingPrice, st.ClearedQuantity)
	}
}

func TestClearing_TieBreakRespectsReserveFloor(t *testing.T) {
	epoch := int64(1_700_018_000)

	// Same shape, but the cheapest reserve is 4: the 3-level is below every
	// reserve, so the price stays at 5.
	cm, _, _ := sealedFixture(t, epoch,
		[]auction.Bid{
			bid(addr(0x11), 5, 200, 1),
			bid(addr(0x12), 3, 300, 2),
		},
		map[auction.Address][2]uint64{addr(0x01): {4, 100}})

	st, err := cm.Execute(epoch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if st.ClearingPrice != 5 || st.ClearedQuantity != 100 {
		t.Errorf("got (p=%d, q=%d); want (5, 100)", st.ClearingPrice, st.ClearedQuantity)
	}
}

func TestClearing_AllBidsBelowEveryReserve_SettlesEmpty(t *testing.T) {
	epoch := int64(1_700_019_000)

	// The only bid level sits under the cheapest reserve. Dispatching would
	// pay the seller below reserve, so the round must clear as no-trade.
	cm, _, _ := sealedFixture(t, epoch,
		[]auction.Bid{bid(addr(0x11), 3, 50, 1)},
		map[auction.Address][2]uint64{addr(0x01): {5, 100}})

	st, err := cm.Execute(epoch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if st.ClearingPrice != auction.NoTradePrice || st.ClearedQuantity != 0 {
		t.Errorf("got (p=%d, q=%d); want (p=%d, q=0)", st.ClearingPrice, st.ClearedQuantity, auction.NoTradePrice)
	}
	if st.Status == auction.AuctionFailed {
		t.Error("reserve-floored auction must clear empty, not fail")
	}
}

func TestClearing_MixedCandidates_PriceNeverBelowCheapestReserve(t *testing.T) {
	epoch := int64(1_700_019_600)

	// One bid level under the cheapest reserve, one above, with the seller
	// oversupplied at every eligible level: the price settles at the level
	// above the reserve, never at the sub-reserve one.
	cm, _, _ := sealedFixture(t, epoch,
		[]auction.Bid{
			bid(addr(0x11), 6, 400, 1),
			bid(addr(0x12), 2, 100, 2),
		},
		map[auction.Address][2]uint64{addr(0x01): {4, 1000}})

	st, err := cm.Execute(epoch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if st.ClearingPrice != 6 || st.ClearedQuantity != 400 {
		t.Errorf("got (p=%d, q=%d); want (6, 400)", st.ClearingPrice, st.ClearedQuantity)
	}
}

// ============================================================================
// Test: Batch Processing
// ============================================================================

func TestProcessBidBatch_ReplayIsNoOp(t *testing.T) {
	epoch := int64(1_700_021_600)
	book := auction.NewBidBook()
	if err := book.Append(epoch, 0, bid(addr(0x11), 9, 600, 1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	cm := auction.NewClearingManager()
	cm.EnsureState(epoch, 1, 0)

	n, err := cm.ProcessBidBatch(epoch, 0, 0, book)
	if err != nil || n != 1 {
		t.Fatalf("first pass = %d, %v; want 1, nil", n, err)
	}
	n, err = cm.ProcessBidBatch(epoch, 0, 0, book)
	if err != nil || n != 0 {
		t.Fatalf("replay = %d, %v; want 0, nil", n, err)
	}

	st, _ := cm.Get(epoch)
	if st.DemandTotal != 600 {
		t.Errorf("demand total after replay = %d; want 600", st.DemandTotal)
	}
}

func TestProcessBidBatch_RangeBounds(t *testing.T) {
	epoch := int64(1_700_025_200)
	book := auction.NewBidBook()
	cm := auction.NewClearingManager()
	cm.EnsureState(epoch, 20, 0)

	if _, err := cm.ProcessBidBatch(epoch, 0, 10, book); !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("11-page batch: err = %v; want ErrConstraintViolation", err)
	}
	if _, err := cm.ProcessBidBatch(epoch, 5, 4, book); !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("inverted range: err = %v; want ErrConstraintViolation", err)
	}
	if _, err := cm.ProcessBidBatch(epoch, 15, 24, book); !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("out-of-range page: err = %v; want ErrConstraintViolation", err)
	}
}

func TestProcessSupplyBatch_SkipsProcessedSellers(t *testing.T) {
	epoch := int64(1_700_028_800)
	set := auction.NewSupplySet()
	sellerA, sellerB := addr(0x01), addr(0x02)
	if _, err := set.Commit(epoch, sellerA, 6, 800); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := set.Commit(epoch, sellerB, 8, 1000); err != nil {
		t.Fatalf("commit: %v", err)
	}

	cm := auction.NewClearingManager()
	cm.EnsureState(epoch, 0, 2)

	n, err := cm.ProcessSupplyBatch(epoch, []auction.Address{sellerA, sellerA}, set)
	if err != nil || n != 1 {
		t.Fatalf("first pass = %d, %v; want 1, nil (in-batch duplicate skipped)", n, err)
	}
	n, err = cm.ProcessSupplyBatch(epoch, []auction.Address{sellerA, sellerB}, set)
	if err != nil || n != 1 {
		t.Fatalf("second pass = %d, %v; want 1, nil (sellerA already processed)", n, err)
	}

	st, _ := cm.Get(epoch)
	if st.SupplyTotal != 1800 {
		t.Errorf("supply total = %d; want 1800", st.SupplyTotal)
	}
	if !cm.Complete(epoch) {
		t.Error("all pages and sellers processed; Complete() = false")
	}
}

func TestExecute_RejectsIncompleteProcessing(t *testing.T) {
	epoch := int64(1_700_032_400)
	book := auction.NewBidBook()
	if err := book.Append(epoch, 0, bid(addr(0x11), 9, 600, 1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	cm := auction.NewClearingManager()
	cm.EnsureState(epoch, 1, 1)

	if _, err := cm.ProcessBidBatch(epoch, 0, 0, book); err != nil {
		t.Fatalf("process bid batch: %v", err)
	}
	// Seller batch never ran.
	if _, err := cm.Execute(epoch); !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("Execute on incomplete state: err = %v; want ErrConstraintViolation", err)
	}
}

// ============================================================================
// Test: Verification
// ============================================================================

func TestVerify_MatchesCleanClearing(t *testing.T) {
	epoch := int64(1_700_036_000)
	cm, book, set := sealedFixture(t, epoch,
		[]auction.Bid{bid(addr(0x11), 9, 600, 1), bid(addr(0x12), 7, 1200, 2)},
		map[auction.Address][2]uint64{addr(0x01): {6, 800}, addr(0x02): {8, 1000}})

	if _, err := cm.Execute(epoch); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if err := cm.Verify(epoch, book, set); err != nil {
		t.Fatalf("Verify failed on clean state: %v", err)
	}

	st, _ := cm.Get(epoch)
	if !st.Verified {
		t.Error("Verified flag not set after successful verification")
	}
	if err := cm.MarkSettled(epoch); err != nil {
		t.Errorf("MarkSettled after verify: %v", err)
	}
}

func TestVerify_MismatchFailsAuction(t *testing.T) {
	epoch := int64(1_700_039_600)
	cm, book, set := sealedFixture(t, epoch,
		[]auction.Bid{bid(addr(0x11), 9, 600, 1)},
		map[auction.Address][2]uint64{addr(0x01): {6, 800}})

	if _, err := cm.Execute(epoch); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Corrupt the book after clearing: verification must notice.
	page, _ := book.Page(epoch, 0)
	page.Bids[0].Quantity += 50

	err := cm.Verify(epoch, book, set)
	if !errors.Is(err, auction.ErrConservation) {
		t.Fatalf("Verify on corrupted book: err = %v; want ErrConservation", err)
	}
	st, _ := cm.Get(epoch)
	if st.Status != auction.AuctionFailed {
		t.Errorf("status after mismatch = %s; want Failed", st.Status)
	}
	if err := cm.MarkSettled(epoch); err == nil {
		t.Error("MarkSettled on failed auction must be rejected")
	}
}

// ============================================================================
// Test: Bid Book Paging
// ============================================================================

func TestBidBook_DensePageSequence(t *testing.T) {
	epoch := int64(1_700_043_200)
	book := auction.NewBidBook()
	buyer := addr(0x11)

	for i := 0; i < auction.PageCapacity; i++ {
		if got := book.ActivePageIndex(epoch); got != 0 {
			t.Fatalf("active page during fill = %d; want 0", got)
		}
		if err := book.Append(epoch, 0, bid(buyer, 5, 10, int64(i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if got := book.ActivePageIndex(epoch); got != 1 {
		t.Fatalf("active page after fill = %d; want 1", got)
	}
	// Page 0 is full: placing there again must fail, page 2 does not exist yet.
	if err := book.Append(epoch, 0, bid(buyer, 5, 10, 999)); !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("append to full page: err = %v; want ErrConstraintViolation", err)
	}
	if err := book.Append(epoch, 2, bid(buyer, 5, 10, 999)); !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("append skipping a page: err = %v; want ErrConstraintViolation", err)
	}
	if err := book.Append(epoch, 1, bid(buyer, 5, 10, 999)); err != nil {
		t.Errorf("append to new active page: %v", err)
	}
	if book.PageCount(epoch) != 2 {
		t.Errorf("page count = %d; want 2", book.PageCount(epoch))
	}
}

func TestSupplySet_RejectsDuplicate(t *testing.T) {
	epoch := int64(1_700_046_800)
	set := auction.NewSupplySet()
	seller := addr(0x01)

	if _, err := set.Commit(epoch, seller, 6, 800); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := set.Commit(epoch, seller, 7, 100); !errors.Is(err, auction.ErrDuplicateSupply) {
		t.Errorf("second commit: err = %v; want ErrDuplicateSupply", err)
	}
	// A different timeslot is a fresh slate.
	if _, err := set.Commit(epoch+3600, seller, 6, 800); err != nil {
		t.Errorf("commit in next timeslot: %v", err)
	}
}
