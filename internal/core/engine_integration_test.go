package core_test

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/google/uuid"

	"GridClear/internal/auction"
	"GridClear/internal/core"
	"GridClear/internal/event"
	"GridClear/internal/ledger"
)

// --- Test helpers ---

// The standard book used across tests: sellerA offers 100 kWh at reserve 20,
// sellerB 100 at reserve 30; buyer1 bids 80 lots at 50, buyer2 80 at 30.
// Uniform-price clearing crosses at price 30 for 160 lots, so merit order
// dispatches all of A and 60 from B.
const testEpoch = int64(1_760_000_000)

// newTestCore creates a DeterministicCore with buffered channels and no DB checker.
func newTestCore() (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewDeterministicCore(0, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func addr(b byte) auction.Address {
	var a auction.Address
	a[0] = b
	return a
}

// ts derives an event timestamp from a sequence number.
func ts(seq int64) int64 {
	return 1_759_000_000 + seq
}

func mustInitialize(authority auction.Address, oracles []auction.Address, feeBps uint32, seq int64) *event.Initialize {
	return &event.Initialize{
		Authority:          authority,
		Council:            nil,
		Oracles:            oracles,
		FeeBps:             feeBps,
		SlashingPenaltyBps: 0,
		QuoteAsset:         "USDC",
		EnergyAsset:        "KWH",
		Sequence:           seq,
		Timestamp:          ts(seq),
	}
}

func mustDeposit(participant auction.Address, asset string, amount uint64, seq int64) *event.DepositConfirmed {
	return &event.DepositConfirmed{
		DepositID:   uuid.New(),
		Participant: participant,
		Asset:       asset,
		Amount:      amount,
		Sequence:    seq,
		Timestamp:   ts(seq),
	}
}

func mustWithdrawal(participant auction.Address, asset string, amount uint64, seq int64) *event.WithdrawalRequested {
	return &event.WithdrawalRequested{
		WithdrawalID: uuid.New(),
		Participant:  participant,
		Asset:        asset,
		Amount:       amount,
		Sequence:     seq,
		Timestamp:    ts(seq),
	}
}

func mustEmergencyWithdraw(participant auction.Address, asset string, amount uint64, seq int64) *event.EmergencyWithdraw {
	return &event.EmergencyWithdraw{
		WithdrawalID: uuid.New(),
		Participant:  participant,
		Asset:        asset,
		Amount:       amount,
		Sequence:     seq,
		Timestamp:    ts(seq),
	}
}

func mustOpenTimeslot(authority auction.Address, epoch int64, lotSize, priceTick uint64, seq int64) *event.OpenTimeslot {
	return &event.OpenTimeslot{
		Epoch:     epoch,
		Authority: authority,
		LotSize:   lotSize,
		PriceTick: priceTick,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustCommitSupply(epoch int64, supplier auction.Address, reservePrice, quantity uint64, seq int64) *event.CommitSupply {
	return &event.CommitSupply{
		SupplyID:     uuid.New(),
		Epoch:        epoch,
		Supplier:     supplier,
		ReservePrice: reservePrice,
		Quantity:     quantity,
		Sequence:     seq,
		Timestamp:    ts(seq),
	}
}

func mustPlaceBid(epoch int64, buyer auction.Address, price, quantity uint64, pageIndex uint32, seq int64) *event.PlaceBid {
	return &event.PlaceBid{
		BidID:     uuid.New(),
		Epoch:     epoch,
		Buyer:     buyer,
		Price:     price,
		Quantity:  quantity,
		PageIndex: pageIndex,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustSealTimeslot(authority auction.Address, epoch, seq int64) *event.SealTimeslot {
	return &event.SealTimeslot{
		Epoch:     epoch,
		Authority: authority,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustProcessBidBatch(epoch int64, fromPage, toPage uint32, seq int64) *event.ProcessBidBatch {
	return &event.ProcessBidBatch{
		Epoch:     epoch,
		FromPage:  fromPage,
		ToPage:    toPage,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustProcessSupplyBatch(epoch int64, sellers []auction.Address, seq int64) *event.ProcessSupplyBatch {
	return &event.ProcessSupplyBatch{
		BatchID:   uuid.New(),
		Epoch:     epoch,
		Sellers:   sellers,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustExecuteClearing(epoch, seq int64) *event.ExecuteClearing {
	return &event.ExecuteClearing{Epoch: epoch, Sequence: seq, Timestamp: ts(seq)}
}

func mustVerifyClearing(epoch, seq int64) *event.VerifyClearing {
	return &event.VerifyClearing{Epoch: epoch, Sequence: seq, Timestamp: ts(seq)}
}

func mustSettleTimeslot(authority auction.Address, epoch int64, price, qty uint64, seq int64) *event.SettleTimeslot {
	return &event.SettleTimeslot{
		Epoch:           epoch,
		ClearingPrice:   price,
		ClearedQuantity: qty,
		Authority:       authority,
		Sequence:        seq,
		Timestamp:       ts(seq),
	}
}

func mustSellerAllocations(epoch int64, price, qty uint64, seq int64) *event.CalculateSellerAllocations {
	return &event.CalculateSellerAllocations{
		Epoch:           epoch,
		ClearingPrice:   price,
		ClearedQuantity: qty,
		Sequence:        seq,
		Timestamp:       ts(seq),
	}
}

func mustBuyerAllocation(epoch int64, buyer auction.Address, seq int64) *event.CalculateBuyerAllocation {
	return &event.CalculateBuyerAllocation{Epoch: epoch, Buyer: buyer, Sequence: seq, Timestamp: ts(seq)}
}

func mustWithdrawProceeds(epoch int64, seller auction.Address, seq int64) *event.WithdrawProceeds {
	return &event.WithdrawProceeds{Epoch: epoch, Seller: seller, Sequence: seq, Timestamp: ts(seq)}
}

func mustRedeemEnergy(epoch int64, buyer auction.Address, seq int64) *event.RedeemEnergy {
	return &event.RedeemEnergy{Epoch: epoch, Buyer: buyer, Sequence: seq, Timestamp: ts(seq)}
}

func mustCancelAuction(authority auction.Address, epoch, seq int64) *event.CancelAuction {
	return &event.CancelAuction{
		Epoch:     epoch,
		Authority: authority,
		Reason:    "operator abort",
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustRefundBuyers(epoch int64, fromPage, toPage uint32, seq int64) *event.RefundCancelledBuyers {
	return &event.RefundCancelledBuyers{
		Epoch:     epoch,
		FromPage:  fromPage,
		ToPage:    toPage,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustRefundSellers(epoch int64, sellers []auction.Address, seq int64) *event.RefundCancelledSellers {
	return &event.RefundCancelledSellers{
		BatchID:   uuid.New(),
		Epoch:     epoch,
		Sellers:   sellers,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustAppealSlashing(epoch int64, seller auction.Address, appealTS, seq int64) *event.AppealSlashing {
	return &event.AppealSlashing{
		Epoch:     epoch,
		Seller:    seller,
		Evidence:  [32]byte{0xAE},
		Sequence:  seq,
		Timestamp: appealTS,
	}
}

func mustResolveAppeal(authority auction.Address, epoch int64, seller auction.Address, upheld bool, seq int64) *event.ResolveSlashingAppeal {
	return &event.ResolveSlashingAppeal{
		Epoch:     epoch,
		Seller:    seller,
		Authority: authority,
		Upheld:    upheld,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustExecuteSlashing(epoch int64, seller auction.Address, execTS, seq int64) *event.ExecuteSlashing {
	return &event.ExecuteSlashing{Epoch: epoch, Seller: seller, Sequence: seq, Timestamp: execTS}
}

func mustPause(authority auction.Address, reason string, seq int64) *event.EmergencyPause {
	return &event.EmergencyPause{
		PauseID:   uuid.New(),
		Authority: authority,
		Reason:    reason,
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustResume(authority auction.Address, seq int64) *event.EmergencyResume {
	return &event.EmergencyResume{ResumeID: uuid.New(), Authority: authority, Sequence: seq, Timestamp: ts(seq)}
}

func mustParamUpdate(authority auction.Address, param string, value uint64, seq int64) *event.GridParamUpdate {
	return &event.GridParamUpdate{
		Param:        param,
		Value:        value,
		Authority:    authority,
		EffectiveSeq: seq,
		Sequence:     seq,
		Timestamp:    ts(seq),
	}
}

func mustHealthCheck(epoch *int64, seq int64) *event.ValidateSystemHealth {
	return &event.ValidateSystemHealth{CheckID: uuid.New(), Epoch: epoch, Sequence: seq, Timestamp: ts(seq)}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// market wires a funded marketplace: initialized config, a registered
// delivery oracle, two buyers with USDC and two sellers with KWH.
// Global partition sequences 0..4 are consumed; the next free one is 5.
type market struct {
	c         *core.DeterministicCore
	persistCh chan core.CoreOutput
	projCh    chan core.CoreOutput

	authority auction.Address
	oracle    auction.Address
	oracleKey ed25519.PrivateKey
	buyer1    auction.Address
	buyer2    auction.Address
	sellerA   auction.Address
	sellerB   auction.Address
}

func newMarket(t *testing.T) *market {
	t.Helper()
	c, persistCh, projCh := newTestCore()

	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 0x0E
	key := ed25519.NewKeyFromSeed(seed)
	var oracle auction.Address
	copy(oracle[:], key.Public().(ed25519.PublicKey))

	m := &market{
		c:         c,
		persistCh: persistCh,
		projCh:    projCh,
		authority: addr(0xA0),
		oracle:    oracle,
		oracleKey: key,
		buyer1:    addr(0xB1),
		buyer2:    addr(0xB2),
		sellerA:   addr(0x5A),
		sellerB:   addr(0x5B),
	}

	if err := c.ProcessEvent(mustInitialize(m.authority, []auction.Address{oracle}, 250, 0)); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	deposits := []struct {
		who    auction.Address
		asset  string
		amount uint64
	}{
		{m.buyer1, "USDC", 10_000},
		{m.buyer2, "USDC", 2_400},
		{m.sellerA, "KWH", 100},
		{m.sellerB, "KWH", 100},
	}
	for i, d := range deposits {
		if err := c.ProcessEvent(mustDeposit(d.who, d.asset, d.amount, int64(i+1))); err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
	}

	drainOutputs(persistCh)
	drainOutputs(projCh)
	return m
}

// runAuction drives the standard book from open through seller allocations.
// Timeslot partition sequences 0..11 are consumed; the next free one is 12.
func runAuction(t *testing.T, m *market) {
	t.Helper()
	steps := []event.Event{
		mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0),
		mustCommitSupply(testEpoch, m.sellerA, 20, 100, 1),
		mustCommitSupply(testEpoch, m.sellerB, 30, 100, 2),
		mustPlaceBid(testEpoch, m.buyer1, 50, 80, 0, 3),
		mustPlaceBid(testEpoch, m.buyer2, 30, 80, 0, 4),
		mustSealTimeslot(m.authority, testEpoch, 5),
		mustProcessBidBatch(testEpoch, 0, 0, 6),
		mustProcessSupplyBatch(testEpoch, []auction.Address{m.sellerA, m.sellerB}, 7),
		mustExecuteClearing(testEpoch, 8),
		mustVerifyClearing(testEpoch, 9),
		mustSettleTimeslot(m.authority, testEpoch, 30, 160, 10),
		mustSellerAllocations(testEpoch, 30, 160, 11),
	}
	for i, evt := range steps {
		if err := m.c.ProcessEvent(evt); err != nil {
			t.Fatalf("auction step %d (%s) failed: %v", i, evt.EventType(), err)
		}
	}
	drainOutputs(m.persistCh)
	drainOutputs(m.projCh)
}

// signedDelivery builds an oracle-signed delivery report event.
func (m *market) signedDelivery(seller auction.Address, allocated, delivered uint64, reportedAt, feedSeq int64) *event.VerifyDelivery {
	evt := &event.VerifyDelivery{
		ReportID:          uuid.New(),
		Epoch:             testEpoch,
		Supplier:          seller,
		AllocatedQuantity: allocated,
		DeliveredQuantity: delivered,
		EvidenceHash:      [32]byte{0xE1},
		ReportedAt:        reportedAt,
		Oracle:            m.oracle,
		Sequence:          feedSeq,
		Timestamp:         reportedAt,
	}
	report := &auction.DeliveryReport{
		EpochTS:           evt.Epoch,
		Supplier:          evt.Supplier,
		AllocatedQuantity: evt.AllocatedQuantity,
		DeliveredQuantity: evt.DeliveredQuantity,
		EvidenceHash:      evt.EvidenceHash,
		Timestamp:         evt.ReportedAt,
		Oracle:            evt.Oracle,
	}
	evt.Signature = ed25519.Sign(m.oracleKey, report.SigningBytes())
	return evt
}

// journalsByType indexes a batch for assertions.
func journalsByType(batch *ledger.Batch) map[ledger.JournalType][]ledger.Journal {
	out := make(map[ledger.JournalType][]ledger.Journal)
	if batch == nil {
		return out
	}
	for _, j := range batch.Journals {
		out[j.JournalType] = append(out[j.JournalType], j)
	}
	return out
}

// ============================================================================
// Test: Initialization
// ============================================================================

func TestInitialize_BootstrapsOnce(t *testing.T) {
	c, persistCh, _ := newTestCore()

	err := c.ProcessEvent(mustInitialize(addr(0xA0), nil, 250, 0))
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Batch != nil {
		t.Error("initialize must not move money")
	}
	if outputs[0].Envelope.EventType != event.EventTypeInitialize {
		t.Errorf("event type = %v; want Initialize", outputs[0].Envelope.EventType)
	}

	// A second bootstrap, even from another authority, is rejected.
	err = c.ProcessEvent(mustInitialize(addr(0xA1), nil, 250, 1))
	if !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("second initialize: err = %v; want ErrConstraintViolation", err)
	}
}

func TestInitialize_RejectsFeeAboveCap(t *testing.T) {
	c, _, _ := newTestCore()

	err := c.ProcessEvent(mustInitialize(addr(0xA0), nil, 1_001, 0))
	if !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("err = %v; want ErrConstraintViolation", err)
	}
}

func TestOperations_BeforeInitialize_Rejected(t *testing.T) {
	c, _, _ := newTestCore()

	err := c.ProcessEvent(mustOpenTimeslot(addr(0xA0), testEpoch, 10, 5, 0))
	if !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("open before initialize: err = %v; want ErrConstraintViolation", err)
	}
}

// ============================================================================
// Test: Deposit and Withdrawal Flow
// ============================================================================

func TestDeposit_CreditsWallet(t *testing.T) {
	c, persistCh, _ := newTestCore()

	err := c.ProcessEvent(mustDeposit(addr(0xB1), "USDC", 5_000, 0))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	batch := outputs[0].Batch
	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(batch.Journals))
	}
	j := batch.Journals[0]
	if j.JournalType != ledger.JournalTypeDeposit {
		t.Errorf("journal type = %d; want JournalTypeDeposit", j.JournalType)
	}
	if j.Amount != 5_000 {
		t.Errorf("amount = %d; want 5000", j.Amount)
	}
	if outputs[0].Envelope.EpochTS != nil {
		t.Error("deposit envelope must carry no timeslot")
	}
}

func TestWithdrawal_DebitsWallet(t *testing.T) {
	c, persistCh, _ := newTestCore()

	if err := c.ProcessEvent(mustDeposit(addr(0xB1), "USDC", 1_000, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	if err := c.ProcessEvent(mustWithdrawal(addr(0xB1), "USDC", 400, 1)); err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeWithdrawal {
		t.Errorf("journal type = %d; want JournalTypeWithdrawal", j.JournalType)
	}
	if j.Amount != 400 {
		t.Errorf("amount = %d; want 400", j.Amount)
	}
}

func TestWithdrawal_InsufficientBalance_Fails(t *testing.T) {
	c, persistCh, _ := newTestCore()

	if err := c.ProcessEvent(mustDeposit(addr(0xB1), "USDC", 100, 0)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(persistCh)

	err := c.ProcessEvent(mustWithdrawal(addr(0xB1), "USDC", 200, 1))
	if !errors.Is(err, auction.ErrInsufficientBalance) {
		t.Errorf("err = %v; want ErrInsufficientBalance", err)
	}
}

// ============================================================================
// Test: Timeslot Lifecycle
// ============================================================================

func TestOpenTimeslot_RequiresAuthority(t *testing.T) {
	m := newMarket(t)

	err := m.c.ProcessEvent(mustOpenTimeslot(m.buyer1, testEpoch, 10, 5, 0))
	if !errors.Is(err, auction.ErrInvalidAuthority) {
		t.Errorf("err = %v; want ErrInvalidAuthority", err)
	}
}

func TestCommitSupply_LocksEnergyEscrow(t *testing.T) {
	m := newMarket(t)

	if err := m.c.ProcessEvent(mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	drainOutputs(m.persistCh)

	if err := m.c.ProcessEvent(mustCommitSupply(testEpoch, m.sellerA, 20, 100, 1)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	outputs := drainOutputs(m.persistCh)
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeSupplyEscrowLock {
		t.Errorf("journal type = %d; want JournalTypeSupplyEscrowLock", j.JournalType)
	}
	if j.Amount != 100 {
		t.Errorf("amount = %d; want 100", j.Amount)
	}

	// One commitment per (timeslot, seller), regardless of supply_id.
	err := m.c.ProcessEvent(mustCommitSupply(testEpoch, m.sellerA, 25, 50, 2))
	if !errors.Is(err, auction.ErrDuplicateSupply) {
		t.Errorf("second commit: err = %v; want ErrDuplicateSupply", err)
	}
}

func TestCommitSupply_MisalignedQuantity_Fails(t *testing.T) {
	m := newMarket(t)

	if err := m.c.ProcessEvent(mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	drainOutputs(m.persistCh)

	err := m.c.ProcessEvent(mustCommitSupply(testEpoch, m.sellerA, 20, 105, 1))
	if !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("err = %v; want ErrConstraintViolation", err)
	}
}

func TestPlaceBid_LocksQuoteEscrow(t *testing.T) {
	m := newMarket(t)

	if err := m.c.ProcessEvent(mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	drainOutputs(m.persistCh)

	if err := m.c.ProcessEvent(mustPlaceBid(testEpoch, m.buyer1, 50, 80, 0, 1)); err != nil {
		t.Fatalf("bid failed: %v", err)
	}

	outputs := drainOutputs(m.persistCh)
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeBidEscrowLock {
		t.Errorf("journal type = %d; want JournalTypeBidEscrowLock", j.JournalType)
	}
	if j.Amount != 4_000 {
		t.Errorf("escrowed = %d; want 4000 (80 lots at 50)", j.Amount)
	}
	env := outputs[0].Envelope
	if env.EpochTS == nil || *env.EpochTS != testEpoch {
		t.Errorf("bid envelope epoch = %v; want %d", env.EpochTS, testEpoch)
	}
}

func TestPlaceBid_InsufficientWallet_Fails(t *testing.T) {
	m := newMarket(t)

	if err := m.c.ProcessEvent(mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	drainOutputs(m.persistCh)

	// buyer2 holds 2400 USDC; 80 lots at 50 needs 4000.
	err := m.c.ProcessEvent(mustPlaceBid(testEpoch, m.buyer2, 50, 80, 0, 1))
	if !errors.Is(err, auction.ErrInsufficientBalance) {
		t.Errorf("err = %v; want ErrInsufficientBalance", err)
	}
}

func TestPlaceBid_AfterSeal_Fails(t *testing.T) {
	m := newMarket(t)

	if err := m.c.ProcessEvent(mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := m.c.ProcessEvent(mustSealTimeslot(m.authority, testEpoch, 1)); err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	drainOutputs(m.persistCh)

	err := m.c.ProcessEvent(mustPlaceBid(testEpoch, m.buyer1, 50, 80, 0, 2))
	if !errors.Is(err, auction.ErrInvalidTimeslot) {
		t.Errorf("err = %v; want ErrInvalidTimeslot", err)
	}
}

func TestSealTimeslot_RequiresAuthority(t *testing.T) {
	m := newMarket(t)

	if err := m.c.ProcessEvent(mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	drainOutputs(m.persistCh)

	err := m.c.ProcessEvent(mustSealTimeslot(m.buyer1, testEpoch, 1))
	if !errors.Is(err, auction.ErrInvalidAuthority) {
		t.Errorf("err = %v; want ErrInvalidAuthority", err)
	}
}

// ============================================================================
// Test: Clearing Pipeline
// ============================================================================

func TestAuction_ClearsAtUniformPrice(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	// Settling at (30, 160) succeeded inside runAuction, which pins the
	// clearing outcome. 5 global events plus 12 timeslot events.
	if got := m.c.GetSequence(); got != 17 {
		t.Errorf("sequence after lifecycle = %d; want 17", got)
	}
}

func TestSettle_MismatchedRestatement_Fails(t *testing.T) {
	m := newMarket(t)
	steps := []event.Event{
		mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0),
		mustCommitSupply(testEpoch, m.sellerA, 20, 100, 1),
		mustCommitSupply(testEpoch, m.sellerB, 30, 100, 2),
		mustPlaceBid(testEpoch, m.buyer1, 50, 80, 0, 3),
		mustPlaceBid(testEpoch, m.buyer2, 30, 80, 0, 4),
		mustSealTimeslot(m.authority, testEpoch, 5),
		mustProcessBidBatch(testEpoch, 0, 0, 6),
		mustProcessSupplyBatch(testEpoch, []auction.Address{m.sellerA, m.sellerB}, 7),
		mustExecuteClearing(testEpoch, 8),
		mustVerifyClearing(testEpoch, 9),
	}
	for i, evt := range steps {
		if err := m.c.ProcessEvent(evt); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
	drainOutputs(m.persistCh)

	err := m.c.ProcessEvent(mustSettleTimeslot(m.authority, testEpoch, 35, 160, 10))
	if !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("err = %v; want ErrConstraintViolation", err)
	}
}

func TestSettleTimeslot_RequiresAuthority(t *testing.T) {
	m := newMarket(t)
	steps := []event.Event{
		mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0),
		mustCommitSupply(testEpoch, m.sellerA, 20, 100, 1),
		mustPlaceBid(testEpoch, m.buyer1, 50, 80, 0, 2),
		mustSealTimeslot(m.authority, testEpoch, 3),
		mustProcessBidBatch(testEpoch, 0, 0, 4),
		mustProcessSupplyBatch(testEpoch, []auction.Address{m.sellerA}, 5),
		mustExecuteClearing(testEpoch, 6),
		mustVerifyClearing(testEpoch, 7),
	}
	for i, evt := range steps {
		if err := m.c.ProcessEvent(evt); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
	drainOutputs(m.persistCh)

	err := m.c.ProcessEvent(mustSettleTimeslot(m.buyer1, testEpoch, 50, 80, 8))
	if !errors.Is(err, auction.ErrInvalidAuthority) {
		t.Errorf("err = %v; want ErrInvalidAuthority", err)
	}
}

func TestExecuteClearing_UnprocessedBatches_Fails(t *testing.T) {
	m := newMarket(t)
	steps := []event.Event{
		mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0),
		mustCommitSupply(testEpoch, m.sellerA, 20, 100, 1),
		mustPlaceBid(testEpoch, m.buyer1, 50, 80, 0, 2),
		mustSealTimeslot(m.authority, testEpoch, 3),
	}
	for i, evt := range steps {
		if err := m.c.ProcessEvent(evt); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
	drainOutputs(m.persistCh)

	err := m.c.ProcessEvent(mustExecuteClearing(testEpoch, 4))
	if !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("err = %v; want ErrConstraintViolation", err)
	}
}

func TestEmptyAuction_SettlesAsNoTrade(t *testing.T) {
	m := newMarket(t)
	steps := []event.Event{
		mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0),
		mustSealTimeslot(m.authority, testEpoch, 1),
		mustExecuteClearing(testEpoch, 2),
		mustVerifyClearing(testEpoch, 3),
		mustSettleTimeslot(m.authority, testEpoch, auction.NoTradePrice, 0, 4),
		mustSellerAllocations(testEpoch, auction.NoTradePrice, 0, 5),
	}
	for i, evt := range steps {
		if err := m.c.ProcessEvent(evt); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}

	outputs := drainOutputs(m.persistCh)
	if len(outputs) != 6 {
		t.Errorf("expected 6 outputs, got %d", len(outputs))
	}
	for _, o := range outputs {
		if o.Batch != nil {
			t.Errorf("%v moved money in an empty auction", o.Envelope.EventType)
		}
	}
}

func TestNoSupplyAuction_RedeemsFullRefund(t *testing.T) {
	m := newMarket(t)
	steps := []event.Event{
		mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0),
		mustPlaceBid(testEpoch, m.buyer1, 10, 50, 0, 1),
		mustSealTimeslot(m.authority, testEpoch, 2),
		mustProcessBidBatch(testEpoch, 0, 0, 3),
		mustExecuteClearing(testEpoch, 4),
		mustVerifyClearing(testEpoch, 5),
		mustSettleTimeslot(m.authority, testEpoch, auction.NoTradePrice, 0, 6),
		mustSellerAllocations(testEpoch, auction.NoTradePrice, 0, 7),
		mustBuyerAllocation(testEpoch, m.buyer1, 8),
	}
	for i, evt := range steps {
		if err := m.c.ProcessEvent(evt); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
	drainOutputs(m.persistCh)

	if err := m.c.ProcessEvent(mustRedeemEnergy(testEpoch, m.buyer1, 9)); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	outputs := drainOutputs(m.persistCh)
	byType := journalsByType(outputs[0].Batch)
	refunds := byType[ledger.JournalTypeBuyerRefund]
	if len(refunds) != 1 || refunds[0].Amount != 500 {
		t.Fatalf("refunds = %+v; want one leg of 500", refunds)
	}
	if legs := byType[ledger.JournalTypeEnergyDelivery]; len(legs) != 0 {
		t.Errorf("no-supply auction delivered energy: %+v", legs)
	}
}

// ============================================================================
// Test: Proceeds Withdrawal
// ============================================================================

func TestWithdrawProceeds_PaysFeeNetAndUnsold(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	// sellerA: fully dispatched. gross = 100*30 = 3000, fee 2.5% = 75.
	if err := m.c.ProcessEvent(mustWithdrawProceeds(testEpoch, m.sellerA, 12)); err != nil {
		t.Fatalf("withdraw A failed: %v", err)
	}
	outputs := drainOutputs(m.persistCh)
	byType := journalsByType(outputs[0].Batch)
	if len(outputs[0].Batch.Journals) != 2 {
		t.Fatalf("seller A: expected 2 journals, got %d", len(outputs[0].Batch.Journals))
	}
	if fee := byType[ledger.JournalTypeFeeCollection]; len(fee) != 1 || fee[0].Amount != 75 {
		t.Errorf("seller A fee journals = %+v; want one of 75", fee)
	}
	if net := byType[ledger.JournalTypeSellerProceeds]; len(net) != 1 || net[0].Amount != 2_925 {
		t.Errorf("seller A proceeds journals = %+v; want one of 2925", net)
	}

	// sellerB: 60 of 100 dispatched. gross 1800, fee 45, 40 lots unsold.
	if err := m.c.ProcessEvent(mustWithdrawProceeds(testEpoch, m.sellerB, 13)); err != nil {
		t.Fatalf("withdraw B failed: %v", err)
	}
	outputs = drainOutputs(m.persistCh)
	byType = journalsByType(outputs[0].Batch)
	if len(outputs[0].Batch.Journals) != 3 {
		t.Fatalf("seller B: expected 3 journals, got %d", len(outputs[0].Batch.Journals))
	}
	if fee := byType[ledger.JournalTypeFeeCollection]; len(fee) != 1 || fee[0].Amount != 45 {
		t.Errorf("seller B fee journals = %+v; want one of 45", fee)
	}
	if net := byType[ledger.JournalTypeSellerProceeds]; len(net) != 1 || net[0].Amount != 1_755 {
		t.Errorf("seller B proceeds journals = %+v; want one of 1755", net)
	}
	if unsold := byType[ledger.JournalTypeUnsoldEnergyReturn]; len(unsold) != 1 || unsold[0].Amount != 40 {
		t.Errorf("seller B unsold journals = %+v; want one of 40", unsold)
	}
}

func TestWithdrawProceeds_Replay_Ignored(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	evt := mustWithdrawProceeds(testEpoch, m.sellerA, 12)
	if err := m.c.ProcessEvent(evt); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	drainOutputs(m.persistCh)

	if err := m.c.ProcessEvent(evt); err != nil {
		t.Fatalf("replayed withdraw must not error: %v", err)
	}
	if outputs := drainOutputs(m.persistCh); len(outputs) != 0 {
		t.Errorf("replay produced %d outputs; want 0", len(outputs))
	}
}

// ============================================================================
// Test: Energy Redemption
// ============================================================================

func TestRedeemEnergy_PaysRefundAndDelivery(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	// buyer1 bid 80 at 50 and pays the uniform 30: refund 1600, all 80 lots
	// sourced from sellerA.
	if err := m.c.ProcessEvent(mustRedeemEnergy(testEpoch, m.buyer1, 12)); err != nil {
		t.Fatalf("redeem buyer1 failed: %v", err)
	}
	outputs := drainOutputs(m.persistCh)
	byType := journalsByType(outputs[0].Batch)
	if refund := byType[ledger.JournalTypeBuyerRefund]; len(refund) != 1 || refund[0].Amount != 1_600 {
		t.Errorf("buyer1 refund journals = %+v; want one of 1600", refund)
	}
	delivery := byType[ledger.JournalTypeEnergyDelivery]
	if len(delivery) != 1 || delivery[0].Amount != 80 {
		t.Fatalf("buyer1 delivery journals = %+v; want one of 80", delivery)
	}
	if got, want := delivery[0].CreditAccount, ledger.NewEnergyEscrowKey(testEpoch, m.sellerA); got != want {
		t.Errorf("buyer1 delivery drawn from %v; want sellerA escrow", got)
	}

	// buyer2 bid at the clearing price: no refund, 20 lots from A, 60 from B.
	if err := m.c.ProcessEvent(mustRedeemEnergy(testEpoch, m.buyer2, 13)); err != nil {
		t.Fatalf("redeem buyer2 failed: %v", err)
	}
	outputs = drainOutputs(m.persistCh)
	byType = journalsByType(outputs[0].Batch)
	if refund := byType[ledger.JournalTypeBuyerRefund]; len(refund) != 0 {
		t.Errorf("buyer2 refund journals = %+v; want none", refund)
	}
	delivery = byType[ledger.JournalTypeEnergyDelivery]
	if len(delivery) != 2 {
		t.Fatalf("buyer2 delivery journals = %+v; want 2", delivery)
	}
	got := map[ledger.AccountKey]int64{}
	for _, j := range delivery {
		got[j.CreditAccount] = j.Amount
	}
	if got[ledger.NewEnergyEscrowKey(testEpoch, m.sellerA)] != 20 {
		t.Errorf("buyer2 drew %d from sellerA; want 20", got[ledger.NewEnergyEscrowKey(testEpoch, m.sellerA)])
	}
	if got[ledger.NewEnergyEscrowKey(testEpoch, m.sellerB)] != 60 {
		t.Errorf("buyer2 drew %d from sellerB; want 60", got[ledger.NewEnergyEscrowKey(testEpoch, m.sellerB)])
	}
}

func TestCalculateBuyerAllocation_ExplicitPass(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	if err := m.c.ProcessEvent(mustBuyerAllocation(testEpoch, m.buyer1, 12)); err != nil {
		t.Fatalf("buyer allocation failed: %v", err)
	}
	outputs := drainOutputs(m.persistCh)
	if len(outputs) != 1 || outputs[0].Batch != nil {
		t.Fatalf("allocation pass must emit one state-only envelope")
	}

	// Redemption after the explicit pass pays the same schedule.
	if err := m.c.ProcessEvent(mustRedeemEnergy(testEpoch, m.buyer1, 13)); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	outputs = drainOutputs(m.persistCh)
	if len(outputs[0].Batch.Journals) != 2 {
		t.Errorf("expected refund + delivery journals, got %d", len(outputs[0].Batch.Journals))
	}
}

// TestThreeSellerAuction_FullLifecycle drives a three-seller, two-buyer book
// through every settlement operation and checks the payout math end to end.
// Sellers commit {800@6, 1000@8, 500@10}; buyers bid {600@9, 1200@7}. The
// book clears at 7 for 1800 lots: merit order dispatches all of A and B and
// none of C, and the fee vault collects 315 of the 12600 gross at 250 bps.
func TestThreeSellerAuction_FullLifecycle(t *testing.T) {
	c, persistCh, _ := newTestCore()

	authority := addr(0xA0)
	buyer1, buyer2 := addr(0xB1), addr(0xB2)
	sellerA, sellerB, sellerC := addr(0x5A), addr(0x5B), addr(0x5C)

	if err := c.ProcessEvent(mustInitialize(authority, nil, 250, 0)); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	deposits := []struct {
		who    auction.Address
		asset  string
		amount uint64
	}{
		{buyer1, "USDC", 5_400},
		{buyer2, "USDC", 8_400},
		{sellerA, "KWH", 800},
		{sellerB, "KWH", 1_000},
		{sellerC, "KWH", 500},
	}
	for i, d := range deposits {
		if err := c.ProcessEvent(mustDeposit(d.who, d.asset, d.amount, int64(i+1))); err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
	}

	steps := []event.Event{
		mustOpenTimeslot(authority, testEpoch, 100, 1, 0),
		mustCommitSupply(testEpoch, sellerA, 6, 800, 1),
		mustCommitSupply(testEpoch, sellerB, 8, 1_000, 2),
		mustCommitSupply(testEpoch, sellerC, 10, 500, 3),
		mustPlaceBid(testEpoch, buyer1, 9, 600, 0, 4),
		mustPlaceBid(testEpoch, buyer2, 7, 1_200, 0, 5),
		mustSealTimeslot(authority, testEpoch, 6),
		mustProcessBidBatch(testEpoch, 0, 0, 7),
		mustProcessSupplyBatch(testEpoch, []auction.Address{sellerA, sellerB, sellerC}, 8),
		mustExecuteClearing(testEpoch, 9),
		mustVerifyClearing(testEpoch, 10),
		mustSettleTimeslot(authority, testEpoch, 7, 1_800, 11),
		mustSellerAllocations(testEpoch, 7, 1_800, 12),
	}
	for i, evt := range steps {
		if err := c.ProcessEvent(evt); err != nil {
			t.Fatalf("auction step %d (%s) failed: %v", i, evt.EventType(), err)
		}
	}
	drainOutputs(persistCh)

	// sellerA: 800 dispatched at 7. gross 5600, fee 140, net 5460.
	if err := c.ProcessEvent(mustWithdrawProceeds(testEpoch, sellerA, 13)); err != nil {
		t.Fatalf("withdraw A failed: %v", err)
	}
	outputs := drainOutputs(persistCh)
	byType := journalsByType(outputs[0].Batch)
	if fee := byType[ledger.JournalTypeFeeCollection]; len(fee) != 1 || fee[0].Amount != 140 {
		t.Errorf("seller A fee journals = %+v; want one of 140", fee)
	}
	if net := byType[ledger.JournalTypeSellerProceeds]; len(net) != 1 || net[0].Amount != 5_460 {
		t.Errorf("seller A proceeds journals = %+v; want one of 5460", net)
	}

	// sellerB's reserve sits above the clearing price, but reserves order
	// dispatch rather than gate it: 1000 dispatched, gross 7000, fee 175.
	if err := c.ProcessEvent(mustWithdrawProceeds(testEpoch, sellerB, 14)); err != nil {
		t.Fatalf("withdraw B failed: %v", err)
	}
	outputs = drainOutputs(persistCh)
	byType = journalsByType(outputs[0].Batch)
	if fee := byType[ledger.JournalTypeFeeCollection]; len(fee) != 1 || fee[0].Amount != 175 {
		t.Errorf("seller B fee journals = %+v; want one of 175", fee)
	}
	if net := byType[ledger.JournalTypeSellerProceeds]; len(net) != 1 || net[0].Amount != 6_825 {
		t.Errorf("seller B proceeds journals = %+v; want one of 6825", net)
	}

	// sellerC won nothing: the only leg is its 500 lots coming home.
	if err := c.ProcessEvent(mustWithdrawProceeds(testEpoch, sellerC, 15)); err != nil {
		t.Fatalf("withdraw C failed: %v", err)
	}
	outputs = drainOutputs(persistCh)
	byType = journalsByType(outputs[0].Batch)
	if len(outputs[0].Batch.Journals) != 1 {
		t.Fatalf("seller C: expected 1 journal, got %d", len(outputs[0].Batch.Journals))
	}
	if unsold := byType[ledger.JournalTypeUnsoldEnergyReturn]; len(unsold) != 1 || unsold[0].Amount != 500 {
		t.Errorf("seller C unsold journals = %+v; want one of 500", unsold)
	}

	// buyer1 bid 9 and pays the uniform 7: refund 1200, 600 lots all from A.
	if err := c.ProcessEvent(mustRedeemEnergy(testEpoch, buyer1, 16)); err != nil {
		t.Fatalf("redeem buyer1 failed: %v", err)
	}
	outputs = drainOutputs(persistCh)
	byType = journalsByType(outputs[0].Batch)
	if refund := byType[ledger.JournalTypeBuyerRefund]; len(refund) != 1 || refund[0].Amount != 1_200 {
		t.Errorf("buyer1 refund journals = %+v; want one of 1200", refund)
	}
	if delivery := byType[ledger.JournalTypeEnergyDelivery]; len(delivery) != 1 || delivery[0].Amount != 600 {
		t.Errorf("buyer1 delivery journals = %+v; want one of 600", delivery)
	}

	// buyer2 bid the clearing price: no refund, 200 lots from A, 1000 from B.
	if err := c.ProcessEvent(mustRedeemEnergy(testEpoch, buyer2, 17)); err != nil {
		t.Fatalf("redeem buyer2 failed: %v", err)
	}
	outputs = drainOutputs(persistCh)
	byType = journalsByType(outputs[0].Batch)
	if refund := byType[ledger.JournalTypeBuyerRefund]; len(refund) != 0 {
		t.Errorf("buyer2 refund journals = %+v; want none", refund)
	}
	delivery := byType[ledger.JournalTypeEnergyDelivery]
	if len(delivery) != 2 {
		t.Fatalf("buyer2 delivery journals = %+v; want 2", delivery)
	}
	got := map[ledger.AccountKey]int64{}
	for _, j := range delivery {
		got[j.CreditAccount] = j.Amount
	}
	if got[ledger.NewEnergyEscrowKey(testEpoch, sellerA)] != 200 {
		t.Errorf("buyer2 drew %d from sellerA; want 200", got[ledger.NewEnergyEscrowKey(testEpoch, sellerA)])
	}
	if got[ledger.NewEnergyEscrowKey(testEpoch, sellerB)] != 1_000 {
		t.Errorf("buyer2 drew %d from sellerB; want 1000", got[ledger.NewEnergyEscrowKey(testEpoch, sellerB)])
	}

	// Every escrow drained exactly: the conservation sweep stays clean.
	epoch := testEpoch
	if err := c.ProcessEvent(mustHealthCheck(&epoch, 6)); err != nil {
		t.Errorf("conservation check after payouts failed: %v", err)
	}
}

// ============================================================================
// Test: Cancellation and Refunds
// ============================================================================

func TestCancelAuction_RefundsBuyersAndSellers(t *testing.T) {
	m := newMarket(t)
	steps := []event.Event{
		mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0),
		mustCommitSupply(testEpoch, m.sellerA, 20, 100, 1),
		mustCommitSupply(testEpoch, m.sellerB, 30, 100, 2),
		mustPlaceBid(testEpoch, m.buyer1, 50, 80, 0, 3),
		mustPlaceBid(testEpoch, m.buyer2, 30, 80, 0, 4),
		mustSealTimeslot(m.authority, testEpoch, 5),
		mustCancelAuction(m.authority, testEpoch, 6),
	}
	for i, evt := range steps {
		if err := m.c.ProcessEvent(evt); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
	drainOutputs(m.persistCh)

	refundBuyers := mustRefundBuyers(testEpoch, 0, 0, 7)
	if err := m.c.ProcessEvent(refundBuyers); err != nil {
		t.Fatalf("buyer refunds failed: %v", err)
	}
	outputs := drainOutputs(m.persistCh)
	byType := journalsByType(outputs[0].Batch)
	refunds := byType[ledger.JournalTypeCancelBidRefund]
	if len(refunds) != 2 {
		t.Fatalf("expected 2 bid refunds, got %d", len(refunds))
	}
	var total int64
	for _, j := range refunds {
		total += j.Amount
	}
	if total != 6_400 {
		t.Errorf("refunded %d; want full 6400 escrow", total)
	}

	if err := m.c.ProcessEvent(mustRefundSellers(testEpoch, []auction.Address{m.sellerA, m.sellerB}, 8)); err != nil {
		t.Fatalf("seller refunds failed: %v", err)
	}
	outputs = drainOutputs(m.persistCh)
	byType = journalsByType(outputs[0].Batch)
	sellerRefunds := byType[ledger.JournalTypeCancelSupplyRefund]
	if len(sellerRefunds) != 2 {
		t.Fatalf("expected 2 supply refunds, got %d", len(sellerRefunds))
	}
	for _, j := range sellerRefunds {
		if j.Amount != 100 {
			t.Errorf("supply refund = %d; want 100", j.Amount)
		}
	}

	// Replaying the same page range is a pure no-op.
	if err := m.c.ProcessEvent(refundBuyers); err != nil {
		t.Fatalf("replayed refund must not error: %v", err)
	}
	if outputs := drainOutputs(m.persistCh); len(outputs) != 0 {
		t.Errorf("replay produced %d outputs; want 0", len(outputs))
	}

	// Wallets are whole again: withdrawing the original deposits clears.
	if err := m.c.ProcessEvent(mustWithdrawal(m.buyer1, "USDC", 10_000, 5)); err != nil {
		t.Fatalf("restored buyer withdrawal failed: %v", err)
	}
	if err := m.c.ProcessEvent(mustWithdrawal(m.sellerA, "KWH", 100, 6)); err != nil {
		t.Fatalf("restored seller withdrawal failed: %v", err)
	}
	drainOutputs(m.persistCh)
}

func TestRefundCancelled_SettledTimeslot_Fails(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	err := m.c.ProcessEvent(mustRefundBuyers(testEpoch, 0, 0, 12))
	if !errors.Is(err, auction.ErrInvalidTimeslot) {
		t.Errorf("buyer refund err = %v; want ErrInvalidTimeslot", err)
	}
	err = m.c.ProcessEvent(mustRefundSellers(testEpoch, []auction.Address{m.sellerA}, 12))
	if !errors.Is(err, auction.ErrInvalidTimeslot) {
		t.Errorf("seller refund err = %v; want ErrInvalidTimeslot", err)
	}
}

func TestCancelAuction_AfterPayouts_Fails(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	if err := m.c.ProcessEvent(mustWithdrawProceeds(testEpoch, m.sellerA, 12)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	drainOutputs(m.persistCh)

	err := m.c.ProcessEvent(mustCancelAuction(m.authority, testEpoch, 13))
	if !errors.Is(err, auction.ErrInvalidTimeslot) {
		t.Errorf("err = %v; want ErrInvalidTimeslot", err)
	}
}

func TestCancelAuction_RequiresAuthority(t *testing.T) {
	m := newMarket(t)

	if err := m.c.ProcessEvent(mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	drainOutputs(m.persistCh)

	err := m.c.ProcessEvent(mustCancelAuction(m.buyer2, testEpoch, 1))
	if !errors.Is(err, auction.ErrInvalidAuthority) {
		t.Errorf("err = %v; want ErrInvalidAuthority", err)
	}
}

// ============================================================================
// Test: Delivery Verification
// ============================================================================

func TestVerifyDelivery_CleanReport(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	evt := m.signedDelivery(m.sellerA, 100, 100, testEpoch+600, 0)
	if err := m.c.ProcessEvent(evt); err != nil {
		t.Fatalf("clean delivery report failed: %v", err)
	}

	outputs := drainOutputs(m.persistCh)
	if len(outputs) != 1 || outputs[0].Batch != nil {
		t.Fatalf("delivery report must emit one state-only envelope")
	}
}

func TestVerifyDelivery_RejectsBadSignature(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	evt := m.signedDelivery(m.sellerA, 100, 100, testEpoch+600, 0)
	evt.DeliveredQuantity = 50 // breaks the signature

	err := m.c.ProcessEvent(evt)
	if !errors.Is(err, auction.ErrInvalidReport) {
		t.Errorf("err = %v; want ErrInvalidReport", err)
	}
}

func TestVerifyDelivery_RejectsUnregisteredOracle(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	// Swap in a different, correctly-signing key that was never registered.
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 0xFF
	m.oracleKey = ed25519.NewKeyFromSeed(seed)
	copy(m.oracle[:], m.oracleKey.Public().(ed25519.PublicKey))

	err := m.c.ProcessEvent(m.signedDelivery(m.sellerA, 100, 100, testEpoch+600, 0))
	if !errors.Is(err, auction.ErrUnauthorized) {
		t.Errorf("err = %v; want ErrUnauthorized", err)
	}
}

func TestVerifyDelivery_StaleFeed_Skipped(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	if err := m.c.ProcessEvent(m.signedDelivery(m.sellerA, 100, 100, testEpoch+600, 5)); err != nil {
		t.Fatalf("report at feed seq 5 failed: %v", err)
	}
	drainOutputs(m.persistCh)

	// A reading older than the cursor is dropped without an envelope.
	if err := m.c.ProcessEvent(m.signedDelivery(m.sellerA, 100, 40, testEpoch+300, 3)); err != nil {
		t.Fatalf("stale report must not error: %v", err)
	}
	if outputs := drainOutputs(m.persistCh); len(outputs) != 0 {
		t.Errorf("stale report produced %d outputs; want 0", len(outputs))
	}
}

// ============================================================================
// Test: Slashing
// ============================================================================

func TestSlashing_AutoTriggered_ExecutesAfterWindow(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	// sellerB delivered 30 of 60: a 50% shortfall auto-triggers. Penalty is
	// 30 * 30 * 2.5 = 2250, but only 1755 of unclaimed net proceeds exist
	// and sellerB holds no free USDC, so 495 goes unrecovered.
	reportedAt := testEpoch + 600
	if err := m.c.ProcessEvent(m.signedDelivery(m.sellerB, 60, 30, reportedAt, 0)); err != nil {
		t.Fatalf("delivery report failed: %v", err)
	}
	drainOutputs(m.persistCh)

	err := m.c.ProcessEvent(mustExecuteSlashing(testEpoch, m.sellerB, reportedAt+100, 12))
	if !errors.Is(err, auction.ErrConstraintViolation) {
		t.Fatalf("execution inside the appeal window: err = %v; want ErrConstraintViolation", err)
	}

	afterWindow := reportedAt + auction.AppealWindowAutoTriggered + 1
	if err := m.c.ProcessEvent(mustExecuteSlashing(testEpoch, m.sellerB, afterWindow, 13)); err != nil {
		t.Fatalf("execution after window failed: %v", err)
	}
	outputs := drainOutputs(m.persistCh)
	byType := journalsByType(outputs[0].Batch)
	if len(outputs[0].Batch.Journals) != 1 {
		t.Fatalf("expected 1 penalty journal, got %d", len(outputs[0].Batch.Journals))
	}
	if p := byType[ledger.JournalTypePenaltyFromEscrow]; len(p) != 1 || p[0].Amount != 1_755 {
		t.Errorf("penalty journals = %+v; want one of 1755", p)
	}

	// The later withdrawal pays fee and unsold only; the net was consumed.
	if err := m.c.ProcessEvent(mustWithdrawProceeds(testEpoch, m.sellerB, 14)); err != nil {
		t.Fatalf("withdraw after slashing failed: %v", err)
	}
	outputs = drainOutputs(m.persistCh)
	byType = journalsByType(outputs[0].Batch)
	if len(outputs[0].Batch.Journals) != 2 {
		t.Fatalf("expected 2 journals after slashing, got %d", len(outputs[0].Batch.Journals))
	}
	if net := byType[ledger.JournalTypeSellerProceeds]; len(net) != 0 {
		t.Errorf("proceeds journals = %+v; want none after full penalty", net)
	}
	if unsold := byType[ledger.JournalTypeUnsoldEnergyReturn]; len(unsold) != 1 || unsold[0].Amount != 40 {
		t.Errorf("unsold journals = %+v; want one of 40", unsold)
	}
}

func TestSlashing_AppealUpheld_BlocksExecution(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	reportedAt := testEpoch + 600
	if err := m.c.ProcessEvent(m.signedDelivery(m.sellerB, 60, 30, reportedAt, 0)); err != nil {
		t.Fatalf("delivery report failed: %v", err)
	}
	if err := m.c.ProcessEvent(mustAppealSlashing(testEpoch, m.sellerB, reportedAt+3_600, 12)); err != nil {
		t.Fatalf("appeal failed: %v", err)
	}
	if err := m.c.ProcessEvent(mustResolveAppeal(m.authority, testEpoch, m.sellerB, true, 13)); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	drainOutputs(m.persistCh)

	afterWindow := reportedAt + auction.AppealWindowAutoTriggered + 1
	if err := m.c.ProcessEvent(mustExecuteSlashing(testEpoch, m.sellerB, afterWindow, 14)); err == nil {
		t.Fatal("execution of a reversed slashing must fail")
	}

	// Proceeds come out whole.
	if err := m.c.ProcessEvent(mustWithdrawProceeds(testEpoch, m.sellerB, 15)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	outputs := drainOutputs(m.persistCh)
	byType := journalsByType(outputs[0].Batch)
	if net := byType[ledger.JournalTypeSellerProceeds]; len(net) != 1 || net[0].Amount != 1_755 {
		t.Errorf("proceeds journals = %+v; want one of 1755", net)
	}
}

func TestSlashing_AppealDenied_ExecutesImmediately(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	reportedAt := testEpoch + 600
	if err := m.c.ProcessEvent(m.signedDelivery(m.sellerB, 60, 30, reportedAt, 0)); err != nil {
		t.Fatalf("delivery report failed: %v", err)
	}
	if err := m.c.ProcessEvent(mustAppealSlashing(testEpoch, m.sellerB, reportedAt+3_600, 12)); err != nil {
		t.Fatalf("appeal failed: %v", err)
	}
	if err := m.c.ProcessEvent(mustResolveAppeal(m.authority, testEpoch, m.sellerB, false, 13)); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	drainOutputs(m.persistCh)

	// Confirmed penalties do not wait out the appeal window.
	if err := m.c.ProcessEvent(mustExecuteSlashing(testEpoch, m.sellerB, reportedAt+7_200, 14)); err != nil {
		t.Fatalf("execution of confirmed slashing failed: %v", err)
	}
	outputs := drainOutputs(m.persistCh)
	byType := journalsByType(outputs[0].Batch)
	if p := byType[ledger.JournalTypePenaltyFromEscrow]; len(p) != 1 || p[0].Amount != 1_755 {
		t.Errorf("penalty journals = %+v; want one of 1755", p)
	}
}

// ============================================================================
// Test: Emergency Pause
// ============================================================================

func TestEmergencyPause_GatesMutations(t *testing.T) {
	m := newMarket(t)

	if err := m.c.ProcessEvent(mustOpenTimeslot(m.authority, testEpoch, 10, 5, 0)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := m.c.ProcessEvent(mustPause(m.authority, "grid fault", 5)); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	drainOutputs(m.persistCh)

	// Mutations are rejected. The sequence slot is still consumed.
	err := m.c.ProcessEvent(mustPlaceBid(testEpoch, m.buyer1, 50, 80, 0, 1))
	if !errors.Is(err, auction.ErrEmergencyPauseActive) {
		t.Fatalf("bid during pause: err = %v; want ErrEmergencyPauseActive", err)
	}

	// The recovery set still runs: wallet drains and health probes.
	if err := m.c.ProcessEvent(mustEmergencyWithdraw(m.buyer1, "USDC", 500, 6)); err != nil {
		t.Fatalf("emergency withdrawal during pause failed: %v", err)
	}
	outputs := drainOutputs(m.persistCh)
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeEmergencyWithdrawal || j.Amount != 500 {
		t.Errorf("journal = %+v; want emergency withdrawal of 500", j)
	}

	if err := m.c.ProcessEvent(mustHealthCheck(nil, 7)); err != nil {
		t.Fatalf("health check during pause failed: %v", err)
	}
	drainOutputs(m.persistCh)

	if err := m.c.ProcessEvent(mustResume(m.authority, 8)); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if err := m.c.ProcessEvent(mustPlaceBid(testEpoch, m.buyer1, 50, 80, 0, 2)); err != nil {
		t.Fatalf("bid after resume failed: %v", err)
	}
}

func TestEmergencyResume_RequiresAuthority(t *testing.T) {
	m := newMarket(t)

	if err := m.c.ProcessEvent(mustPause(m.authority, "grid fault", 5)); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	drainOutputs(m.persistCh)

	err := m.c.ProcessEvent(mustResume(m.buyer1, 6))
	if !errors.Is(err, auction.ErrInvalidAuthority) {
		t.Errorf("err = %v; want ErrInvalidAuthority", err)
	}
}

func TestEmergencyWithdraw_WithoutPause_Fails(t *testing.T) {
	m := newMarket(t)

	err := m.c.ProcessEvent(mustEmergencyWithdraw(m.buyer1, "USDC", 500, 5))
	if !errors.Is(err, auction.ErrConstraintViolation) {
		t.Errorf("err = %v; want ErrConstraintViolation", err)
	}
}

// ============================================================================
// Test: Governance Parameters
// ============================================================================

func TestGridParamUpdate_AdjustsFee(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	if err := m.c.ProcessEvent(mustParamUpdate(m.authority, "fee_bps", 0, 5)); err != nil {
		t.Fatalf("param update failed: %v", err)
	}
	drainOutputs(m.persistCh)

	// With the fee zeroed, sellerA's withdrawal is a single full-gross leg.
	if err := m.c.ProcessEvent(mustWithdrawProceeds(testEpoch, m.sellerA, 12)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	outputs := drainOutputs(m.persistCh)
	if len(outputs[0].Batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(outputs[0].Batch.Journals))
	}
	j := outputs[0].Batch.Journals[0]
	if j.JournalType != ledger.JournalTypeSellerProceeds || j.Amount != 3_000 {
		t.Errorf("journal = %+v; want full proceeds of 3000", j)
	}
}

func TestGridParamUpdate_UnknownParam_Fails(t *testing.T) {
	m := newMarket(t)

	if err := m.c.ProcessEvent(mustParamUpdate(m.authority, "voltage_cap", 10, 5)); err == nil {
		t.Fatal("unknown parameter must be rejected")
	}
}

// ============================================================================
// Test: System Health Checks
// ============================================================================

func TestValidateSystemHealth_CleanBooks(t *testing.T) {
	m := newMarket(t)
	runAuction(t, m)

	if err := m.c.ProcessEvent(mustWithdrawProceeds(testEpoch, m.sellerA, 12)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if err := m.c.ProcessEvent(mustRedeemEnergy(testEpoch, m.buyer1, 13)); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	drainOutputs(m.persistCh)

	epoch := testEpoch
	if err := m.c.ProcessEvent(mustHealthCheck(&epoch, 14)); err != nil {
		t.Fatalf("timeslot health check failed: %v", err)
	}
	if err := m.c.ProcessEvent(mustHealthCheck(nil, 5)); err != nil {
		t.Fatalf("global health check failed: %v", err)
	}

	outputs := drainOutputs(m.persistCh)
	if len(outputs) != 2 {
		t.Errorf("expected 2 health envelopes, got %d", len(outputs))
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateDeposit_Ignored(t *testing.T) {
	c, persistCh, _ := newTestCore()

	deposit := mustDeposit(addr(0xB1), "USDC", 1_000, 0)
	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 1 {
		t.Fatalf("expected 1 output on first process, got %d", len(outputs))
	}

	if err := c.ProcessEvent(deposit); err != nil {
		t.Fatalf("duplicate deposit should not error: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("expected 0 outputs for duplicate, got %d", len(outputs))
	}
}

// ============================================================================
// Test: Sequence Validation
// ============================================================================

func TestSequenceValidation_GapDetected(t *testing.T) {
	c, persistCh, _ := newTestCore()

	if err := c.ProcessEvent(mustDeposit(addr(0xB1), "USDC", 1_000, 0)); err != nil {
		t.Fatalf("seq 0 failed: %v", err)
	}
	drainOutputs(persistCh)

	err := c.ProcessEvent(mustDeposit(addr(0xB1), "USDC", 1_000, 2))
	if err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}
}

func TestSequenceValidation_OutOfOrderNewEvent_Rejected(t *testing.T) {
	c, persistCh, _ := newTestCore()

	if err := c.ProcessEvent(mustDeposit(addr(0xB1), "USDC", 1_000, 0)); err != nil {
		t.Fatalf("seq 0 failed: %v", err)
	}
	drainOutputs(persistCh)

	// A different event reusing a consumed slot is not a replay.
	err := c.ProcessEvent(mustDeposit(addr(0xB2), "USDC", 500, 0))
	if err == nil {
		t.Fatal("expected out-of-order error, got nil")
	}
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func TestHashChain_LinksEnvelopes(t *testing.T) {
	c, persistCh, _ := newTestCore()
	genesis := c.GetStateHash()

	for i := int64(0); i < 3; i++ {
		if err := c.ProcessEvent(mustDeposit(addr(0xB1), "USDC", 1_000, i)); err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	if outputs[0].Envelope.PrevHash != genesis {
		t.Error("first envelope must link to the genesis hash")
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("envelope %d prev_hash does not link to envelope %d state_hash", i, i-1)
		}
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: sequence = %d; want %d", i, o.Envelope.Sequence, i)
		}
	}
}

func TestHashChain_DeterministicAcrossRuns(t *testing.T) {
	run := func() [32]byte {
		m := newMarket(t)
		runAuction(t, m)
		return m.c.GetStateHash()
	}

	hash1 := run()
	hash2 := run()
	if hash1 != hash2 {
		t.Errorf("state hash differs across identical runs: %x vs %x", hash1, hash2)
	}
}

// ============================================================================
// Test: Snapshot and Restore
// ============================================================================

func TestSnapshotRestore_ContinuesChain(t *testing.T) {
	c1, persistCh1, _ := newTestCore()

	if err := c1.ProcessEvent(mustInitialize(addr(0xA0), nil, 250, 0)); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	deposit := mustDeposit(addr(0xB1), "USDC", 10_000, 1)
	if err := c1.ProcessEvent(deposit); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := c1.ProcessEvent(mustOpenTimeslot(addr(0xA0), testEpoch, 10, 5, 0)); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	drainOutputs(persistCh1)

	snap := c1.CreateSnapshotState()
	if snap.Sequence != 2 {
		t.Fatalf("snapshot sequence = %d; want 2", snap.Sequence)
	}
	if snap.StateHash != c1.GetStateHash() {
		t.Fatal("snapshot hash must equal the chain tip")
	}

	c2, persistCh2, _ := newTestCore()
	c2.RestoreFromSnapshot(snap)
	c2.WarmLRU(snap.IdempotencyKeys)

	if got := c2.GetSequence(); got != 3 {
		t.Errorf("restored sequence = %d; want 3", got)
	}
	if c2.GetStateHash() != snap.StateHash {
		t.Error("restored chain tip differs from snapshot")
	}

	// A replay from before the snapshot is recognized via the warmed LRU.
	if err := c2.ProcessEvent(deposit); err != nil {
		t.Fatalf("replayed deposit must not error: %v", err)
	}
	if outputs := drainOutputs(persistCh2); len(outputs) != 0 {
		t.Errorf("replay produced %d outputs; want 0", len(outputs))
	}

	// New work continues the hash chain against restored balances and
	// timeslot state.
	if err := c2.ProcessEvent(mustPlaceBid(testEpoch, addr(0xB1), 50, 80, 0, 1)); err != nil {
		t.Fatalf("bid after restore failed: %v", err)
	}
	outputs := drainOutputs(persistCh2)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	env := outputs[0].Envelope
	if env.Sequence != 3 {
		t.Errorf("sequence = %d; want 3", env.Sequence)
	}
	if env.PrevHash != snap.StateHash {
		t.Error("first post-restore envelope must link to the snapshot hash")
	}
	if outputs[0].Batch.Journals[0].Amount != 4_000 {
		t.Errorf("escrowed = %d; want 4000", outputs[0].Batch.Journals[0].Amount)
	}
}

// ============================================================================
// Test: Projection Channel (non-blocking drop)
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 1024)
	projCh := make(chan core.CoreOutput, 1) // Tiny buffer — will fill up
	c := core.NewDeterministicCore(0, persistCh, projCh, nil, nil)

	for i := int64(0); i < 5; i++ {
		if err := c.ProcessEvent(mustDeposit(addr(0xB1), "USDC", 1_000, i)); err != nil {
			t.Fatalf("ProcessEvent %d failed: %v", i, err)
		}
	}

	// All 5 should succeed (projection drops are silent)
	persistOutputs := drainOutputs(persistCh)
	if len(persistOutputs) != 5 {
		t.Errorf("expected 5 persist outputs, got %d", len(persistOutputs))
	}
}
