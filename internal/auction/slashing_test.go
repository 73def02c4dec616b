package auction_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"GridClear/internal/auction"
)

// signedReport builds a delivery report signed by a fresh oracle key. The
// oracle address is the public key.
func signedReport(t *testing.T, epoch int64, seller auction.Address, allocated, delivered uint64, ts int64) *auction.DeliveryReport {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate oracle key: %v", err)
	}
	var oracle auction.Address
	copy(oracle[:], pub)

	r := &auction.DeliveryReport{
		EpochTS:           epoch,
		Supplier:          seller,
		AllocatedQuantity: allocated,
		DeliveredQuantity: delivered,
		EvidenceHash:      [32]byte{0xab},
		Timestamp:         ts,
		Oracle:            oracle,
	}
	r.Signature = ed25519.Sign(priv, r.SigningBytes())
	return r
}

// ============================================================================
// Test: Report Signatures
// ============================================================================

func TestDeliveryReport_SignatureRoundTrip(t *testing.T) {
	r := signedReport(t, 1_700_200_000, addr(0x01), 100, 80, 1_700_203_600)
	if !r.VerifySignature() {
		t.Fatal("freshly signed report must verify")
	}

	tampered := *r
	tampered.DeliveredQuantity = 100
	if tampered.VerifySignature() {
		t.Error("report with altered quantity must not verify")
	}

	truncated := *r
	truncated.Signature = r.Signature[:16]
	if truncated.VerifySignature() {
		t.Error("short signature must not verify")
	}
}

// ============================================================================
// Test: Delivery Recording
// ============================================================================

func TestRecord_CleanDelivery(t *testing.T) {
	sm := auction.NewSlashingManager()
	epoch, ts := int64(1_700_200_000), int64(1_700_203_600)

	r := signedReport(t, epoch, addr(0x01), 800, 800, ts)
	st, err := sm.Record(r, 7, auction.DefaultSlashingPenaltyBps)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if st.Status != auction.SlashReported {
		t.Errorf("status = %s; want Reported", st.Status)
	}
	if st.Shortfall != 0 || st.PenaltyAmount != 0 {
		t.Errorf("clean delivery: shortfall = %d, penalty = %d; want 0, 0", st.Shortfall, st.PenaltyAmount)
	}
	if st.AppealDeadline != ts+auction.AppealWindowReported {
		t.Errorf("deadline = %d; want %d", st.AppealDeadline, ts+auction.AppealWindowReported)
	}
}

func TestRecord_ShortfallAutoTriggers(t *testing.T) {
	sm := auction.NewSlashingManager()
	epoch, ts := int64(1_700_200_000), int64(1_700_203_600)

	// 20 of 100 undelivered is a 20% shortfall, past the 10% trigger.
	// Penalty at price 5 with the default 150% markup: 20 * 5 * 2.5 = 250.
	r := signedReport(t, epoch, addr(0x01), 100, 80, ts)
	st, err := sm.Record(r, 5, auction.DefaultSlashingPenaltyBps)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if st.Status != auction.SlashAutoTriggered {
		t.Errorf("status = %s; want AutoTriggered", st.Status)
	}
	if st.Shortfall != 20 {
		t.Errorf("shortfall = %d; want 20", st.Shortfall)
	}
	if st.PenaltyAmount != 250 {
		t.Errorf("penalty = %d; want 250", st.PenaltyAmount)
	}
	if st.AppealDeadline != ts+auction.AppealWindowAutoTriggered {
		t.Errorf("deadline = %d; want %d", st.AppealDeadline, ts+auction.AppealWindowAutoTriggered)
	}
}

func TestRecord_MinorShortfallStaysReported(t *testing.T) {
	sm := auction.NewSlashingManager()
	epoch, ts := int64(1_700_200_000), int64(1_700_203_600)

	// 50 of 1000 is 5%, under the trigger, but still penalized.
	r := signedReport(t, epoch, addr(0x01), 1000, 950, ts)
	st, err := sm.Record(r, 4, auction.DefaultSlashingPenaltyBps)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if st.Status != auction.SlashReported {
		t.Errorf("status = %s; want Reported", st.Status)
	}
	if st.PenaltyAmount != 500 { // 50 * 4 * 2.5
		t.Errorf("penalty = %d; want 500", st.PenaltyAmount)
	}
	if st.AppealDeadline != ts+auction.AppealWindowReported {
		t.Errorf("deadline = %d; want %d", st.AppealDeadline, ts+auction.AppealWindowReported)
	}
}

func TestRecord_OverDeliveryClampsToZero(t *testing.T) {
	sm := auction.NewSlashingManager()
	r := signedReport(t, 1_700_200_000, addr(0x01), 100, 140, 1_700_203_600)
	st, err := sm.Record(r, 5, auction.DefaultSlashingPenaltyBps)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if st.Shortfall != 0 || st.PenaltyAmount != 0 {
		t.Errorf("over-delivery: shortfall = %d, penalty = %d; want 0, 0", st.Shortfall, st.PenaltyAmount)
	}
}

func TestRecord_SupersedeOnlyWhilePending(t *testing.T) {
	sm := auction.NewSlashingManager()
	epoch, seller, ts := int64(1_700_200_000), addr(0x01), int64(1_700_203_600)

	if _, err := sm.Record(signedReport(t, epoch, seller, 1000, 950, ts), 4, auction.DefaultSlashingPenaltyBps); err != nil {
		t.Fatalf("first report: %v", err)
	}

	// A corrected report replaces the pending one.
	st, err := sm.Record(signedReport(t, epoch, seller, 1000, 990, ts+60), 4, auction.DefaultSlashingPenaltyBps)
	if err != nil {
		t.Fatalf("corrected report: %v", err)
	}
	if st.DeliveredQuantity != 990 || st.Shortfall != 10 {
		t.Errorf("corrected record = (delivered %d, shortfall %d); want (990, 10)", st.DeliveredQuantity, st.Shortfall)
	}

	if _, err := sm.Appeal(epoch, seller, [32]byte{0x01}, ts+120); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if _, err := sm.Record(signedReport(t, epoch, seller, 1000, 1000, ts+180), 4, auction.DefaultSlashingPenaltyBps); !errors.Is(err, auction.ErrInvalidReport) {
		t.Errorf("report over appeal: err = %v; want ErrInvalidReport", err)
	}
}

// ============================================================================
// Test: Appeal Lifecycle
// ============================================================================

func TestAppeal_ResolveUpheldReverses(t *testing.T) {
	sm := auction.NewSlashingManager()
	epoch, seller, ts := int64(1_700_200_000), addr(0x01), int64(1_700_203_600)

	if _, err := sm.Record(signedReport(t, epoch, seller, 100, 80, ts), 5, auction.DefaultSlashingPenaltyBps); err != nil {
		t.Fatalf("record: %v", err)
	}

	st, err := sm.Appeal(epoch, seller, [32]byte{0xee}, ts+3600)
	if err != nil {
		t.Fatalf("Appeal failed: %v", err)
	}
	if st.Status != auction.SlashUnderAppeal {
		t.Fatalf("status = %s; want UnderAppeal", st.Status)
	}

	// Execution is blocked while the appeal is pending.
	if _, err := sm.PrepareExecution(epoch, seller, ts+auction.AppealWindowAutoTriggered+1); !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("execute under appeal: err = %v; want ErrConstraintViolation", err)
	}

	st, err = sm.Resolve(epoch, seller, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if st.Status != auction.SlashReversed {
		t.Errorf("status = %s; want Reversed", st.Status)
	}

	// A reversed slashing can never be executed.
	if _, err := sm.PrepareExecution(epoch, seller, ts+auction.AppealWindowAutoTriggered+1); !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("execute reversed: err = %v; want ErrConstraintViolation", err)
	}
}

func TestAppeal_ResolveRejectedConfirms(t *testing.T) {
	sm := auction.NewSlashingManager()
	epoch, seller, ts := int64(1_700_200_000), addr(0x01), int64(1_700_203_600)

	if _, err := sm.Record(signedReport(t, epoch, seller, 100, 80, ts), 5, auction.DefaultSlashingPenaltyBps); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := sm.Appeal(epoch, seller, [32]byte{0xee}, ts+3600); err != nil {
		t.Fatalf("appeal: %v", err)
	}

	st, err := sm.Resolve(epoch, seller, false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if st.Status != auction.SlashConfirmed {
		t.Fatalf("status = %s; want Confirmed", st.Status)
	}

	// Confirmed executes immediately, no waiting on the window.
	if _, err := sm.PrepareExecution(epoch, seller, ts+3700); err != nil {
		t.Errorf("execute confirmed: %v", err)
	}
}

func TestAppeal_DeadlineEnforced(t *testing.T) {
	sm := auction.NewSlashingManager()
	epoch, seller, ts := int64(1_700_200_000), addr(0x01), int64(1_700_203_600)

	if _, err := sm.Record(signedReport(t, epoch, seller, 100, 80, ts), 5, auction.DefaultSlashingPenaltyBps); err != nil {
		t.Fatalf("record: %v", err)
	}

	late := ts + auction.AppealWindowAutoTriggered + 1
	if _, err := sm.Appeal(epoch, seller, [32]byte{0xee}, late); !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("late appeal: err = %v; want ErrConstraintViolation", err)
	}
}

// ============================================================================
// Test: Execution
// ============================================================================

func TestExecution_LapsedWindowConfirms(t *testing.T) {
	sm := auction.NewSlashingManager()
	epoch, seller, ts := int64(1_700_200_000), addr(0x01), int64(1_700_203_600)

	if _, err := sm.Record(signedReport(t, epoch, seller, 100, 80, ts), 5, auction.DefaultSlashingPenaltyBps); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Still inside the window: blocked.
	if _, err := sm.PrepareExecution(epoch, seller, ts+auction.AppealWindowAutoTriggered); !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("execute inside window: err = %v; want ErrConstraintViolation", err)
	}

	st, err := sm.PrepareExecution(epoch, seller, ts+auction.AppealWindowAutoTriggered+1)
	if err != nil {
		t.Fatalf("PrepareExecution failed: %v", err)
	}
	if st.Status != auction.SlashConfirmed {
		t.Errorf("status = %s; want Confirmed", st.Status)
	}

	if err := sm.MarkExecuted(epoch, seller, 200, 50); err != nil {
		t.Fatalf("MarkExecuted failed: %v", err)
	}
	if st.Status != auction.SlashExecuted {
		t.Errorf("status = %s; want Executed", st.Status)
	}
	if st.PenaltyCollected != 200 || st.UnrecoveredDeficit != 50 {
		t.Errorf("execution = (collected %d, deficit %d); want (200, 50)", st.PenaltyCollected, st.UnrecoveredDeficit)
	}

	if _, err := sm.PrepareExecution(epoch, seller, ts+auction.AppealWindowAutoTriggered+2); !errors.Is(err, auction.ErrAlreadyClaimed) {
		t.Errorf("double execution: err = %v; want ErrAlreadyClaimed", err)
	}
}

func TestExecution_ZeroPenaltyRejected(t *testing.T) {
	sm := auction.NewSlashingManager()
	epoch, seller, ts := int64(1_700_200_000), addr(0x01), int64(1_700_203_600)

	if _, err := sm.Record(signedReport(t, epoch, seller, 800, 800, ts), 7, auction.DefaultSlashingPenaltyBps); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := sm.PrepareExecution(epoch, seller, ts+auction.AppealWindowReported+1); !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("execute clean delivery: err = %v; want ErrConstraintViolation", err)
	}
}
