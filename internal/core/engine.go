package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"GridClear/internal/auction"
	"GridClear/internal/event"
	"GridClear/internal/ledger"
	"GridClear/internal/math"
	"GridClear/internal/observability"
)

// DeterministicCore is the single-threaded event processor. All market,
// escrow and penalty state lives here; the only clock it reads is the
// versioned timestamp carried by each event.
type DeterministicCore struct {
	sequence       int64
	hasher         *StateHasher
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator

	timeslots     *auction.TimeslotManager
	supplies      *auction.SupplySet
	bids          *auction.BidBook
	clearing      *auction.ClearingManager
	allocations   *auction.AllocationManager
	cancellations *auction.CancellationManager
	slashing      *auction.SlashingManager

	// config is nil until Initialize applies.
	config    *auction.GlobalConfig
	emergency auction.EmergencyFlag

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

func NewDeterministicCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(balanceTracker)
	journalGen := ledger.NewJournalGenerator(startSequence, balanceTracker)

	// Initialize with capacity of 1M entries (configurable)
	idempotencyChecker := NewIdempotencyChecker(1_000_000, dbChecker)
	sequenceValidator := NewSequenceValidator()

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        journalGen,
		validator:         validator,
		timeslots:         auction.NewTimeslotManager(),
		supplies:          auction.NewSupplySet(),
		bids:              auction.NewBidBook(),
		clearing:          auction.NewClearingManager(),
		allocations:       auction.NewAllocationManager(),
		cancellations:     auction.NewCancellationManager(),
		slashing:          auction.NewSlashingManager(),
		idempotency:       idempotencyChecker,
		sequenceValidator: sequenceValidator,
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	partition := c.getPartition(evt)
	sourceSequence := evt.SourceSequence()

	// Special handling for delivery oracle feeds (gaps tolerated, stale
	// readings skipped without an envelope)
	if delivery, ok := evt.(*event.VerifyDelivery); ok {
		if !c.sequenceValidator.ValidateOracleSequence(delivery.Oracle.String(), delivery.Sequence) {
			if c.metrics != nil {
				c.metrics.CoreEventsRejected.WithLabelValues(eventType, "stale").Inc()
			}
			return nil
		}
	} else {
		// Regular sequence validation
		if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Pause gate. While the emergency flag is set only the recovery
	// set may run. The sequence slot above is already consumed, matching the
	// behavior of any other rejected event.
	if c.emergency.Paused && !pauseAllowed(evt) {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "paused").Inc()
		}
		return fmt.Errorf("%s rejected: %w", eventType, auction.ErrEmergencyPauseActive)
	}

	// Step 4: Event dispatch. Validates, mutates domain state, returns
	// journals. State-only events return a nil batch but still produce an
	// envelope.
	batch, err := c.dispatchEvent(evt)
	if err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 5: Validate and apply journals
	if batch != nil && len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			return fmt.Errorf("apply batch failed: %w", err)
		}
	}

	// Step 6: Post-apply conservation checks
	if err := c.postCheckInvariants(evt); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: State digest and hash chain
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(batch)
	prevHash := c.hasher.Tip()
	stateHash := c.hasher.Extend(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		EpochTS:        evt.EpochTS(),
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: sourceSequence,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
	}
	c.sequence++

	// Step 8: Emit outputs. Persistence uses a BLOCKING send: the core
	// stalls until the persistence worker drains, so no event is lost.
	// Projections use a NON-BLOCKING send with silent drop; projection
	// workers rebuild from the event log when they fall behind.
	c.persistChan <- output

	select {
	case c.projectionChan <- output:
	default:
		// Dropped — projection will catch up via rebuild
		if c.metrics != nil {
			c.metrics.ProjectionDrops.Inc()
		}
	}

	// Step 9: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		if batch != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	return nil
}

// pauseAllowed lists the operations the emergency pause lets through:
// resuming, draining wallets, unwinding cancellations, and health probes.
func pauseAllowed(evt event.Event) bool {
	switch evt.(type) {
	case *event.EmergencyResume,
		*event.EmergencyWithdraw,
		*event.RefundCancelledBuyers,
		*event.RefundCancelledSellers,
		*event.ValidateSystemHealth:
		return true
	default:
		return false
	}
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if epoch := evt.EpochTS(); epoch != nil {
		return fmt.Sprintf("timeslot:%d", *epoch)
	}
	return "global"
}

// getEventTimestamp extracts the versioned timestamp from an event. The
// core never calls time.Now() for state; every timestamp is an input.
func (c *DeterministicCore) getEventTimestamp(evt event.Event) int64 {
	switch e := evt.(type) {
	case *event.Initialize:
		return e.Timestamp
	case *event.DepositConfirmed:
		return e.Timestamp
	case *event.WithdrawalRequested:
		return e.Timestamp
	case *event.EmergencyWithdraw:
		return e.Timestamp
	case *event.OpenTimeslot:
		return e.Timestamp
	case *event.CommitSupply:
		return e.Timestamp
	case *event.PlaceBid:
		return e.Timestamp
	case *event.SealTimeslot:
		return e.Timestamp
	case *event.ProcessBidBatch:
		return e.Timestamp
	case *event.ProcessSupplyBatch:
		return e.Timestamp
	case *event.ExecuteClearing:
		return e.Timestamp
	case *event.VerifyClearing:
		return e.Timestamp
	case *event.SettleTimeslot:
		return e.Timestamp
	case *event.CalculateSellerAllocations:
		return e.Timestamp
	case *event.CalculateBuyerAllocation:
		return e.Timestamp
	case *event.WithdrawProceeds:
		return e.Timestamp
	case *event.RedeemEnergy:
		return e.Timestamp
	case *event.CancelAuction:
		return e.Timestamp
	case *event.RefundCancelledBuyers:
		return e.Timestamp
	case *event.RefundCancelledSellers:
		return e.Timestamp
	case *event.VerifyDelivery:
		return e.Timestamp
	case *event.AppealSlashing:
		return e.Timestamp
	case *event.ResolveSlashingAppeal:
		return e.Timestamp
	case *event.ExecuteSlashing:
		return e.Timestamp
	case *event.EmergencyPause:
		return e.Timestamp
	case *event.EmergencyResume:
		return e.Timestamp
	case *event.GridParamUpdate:
		return e.Timestamp
	case *event.ValidateSystemHealth:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T — deterministic core cannot use wall-clock time", evt))
	}
}

// computeStateDigest creates canonical bytes for state hash
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch) []byte {
	// Collect all affected accounts
	affectedAccounts := make(map[ledger.AccountKey]bool)

	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	// Sort accounts deterministically
	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}

	// Sort by AccountPath (deterministic string ordering)
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	// Build digest
	digest := make([]byte, 0, len(accounts)*64)

	for _, key := range accounts {
		balance := c.balanceTracker.GetBalance(key)

		// Append account path
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		// Append balance (8 bytes LE)
		digest = appendInt64LE(digest, balance)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants runs conservation checks after journals applied.
// A failure here means balances no longer match the auction books, and the
// core halts rather than extend a corrupt hash chain.
func (c *DeterministicCore) postCheckInvariants(evt event.Event) error {
	switch e := evt.(type) {
	case *event.SealTimeslot:
		return c.checkTimeslotConservation(e.Epoch)
	case *event.SettleTimeslot:
		return c.checkTimeslotConservation(e.Epoch)
	case *event.WithdrawProceeds:
		return c.checkTimeslotConservation(e.Epoch)
	case *event.RedeemEnergy:
		return c.checkTimeslotConservation(e.Epoch)
	case *event.CancelAuction:
		return c.checkTimeslotConservation(e.Epoch)
	case *event.RefundCancelledBuyers:
		return c.checkTimeslotConservation(e.Epoch)
	case *event.RefundCancelledSellers:
		return c.checkTimeslotConservation(e.Epoch)
	case *event.ExecuteSlashing:
		return c.checkTimeslotConservation(e.Epoch)
	}

	// Periodic global zero-sum check
	if c.sequence > 0 && c.sequence%1000 == 0 {
		totals := c.balanceTracker.ComputeGlobalBalance()
		for assetID, total := range totals {
			if total != 0 {
				return fmt.Errorf("global balance non-zero for asset %d: %d (at seq %d)",
					assetID, total, c.sequence)
			}
		}
	}

	return nil
}

// checkTimeslotConservation reconciles ledger escrow balances against the
// auction books. Open and Sealed timeslots must hold exactly the active bid
// escrow; Settled and Cancelled ones hold that minus everything already
// drained through payouts, refunds and penalties. Each seller's energy
// escrow must equal the committed quantity minus deliveries, unsold returns
// and cancellation refunds.
func (c *DeterministicCore) checkTimeslotConservation(epoch int64) error {
	t, err := c.timeslots.MustGet(epoch)
	if err != nil {
		return err
	}

	escrowHeld, err := c.bids.EscrowTotal(epoch)
	if err != nil {
		return err
	}

	var want uint64
	switch t.Status {
	case auction.TimeslotOpen, auction.TimeslotSealed:
		want = escrowHeld
	case auction.TimeslotSettled, auction.TimeslotCancelled:
		drained, err := math.AddU64(t.SellerGrossPaid, t.RefundsPaid)
		if err != nil {
			return fmt.Errorf("quote outflow for timeslot %d: %w", epoch, err)
		}
		want, err = math.SubU64(escrowHeld, drained)
		if err != nil {
			return fmt.Errorf("quote escrow for timeslot %d drained %d beyond held %d: %w",
				epoch, drained, escrowHeld, auction.ErrConservation)
		}
	default:
		want = 0
	}

	wantQuote, err := math.ToInt64(want)
	if err != nil {
		return err
	}
	if got := c.balanceTracker.GetQuoteEscrowBalance(epoch); got != wantQuote {
		return fmt.Errorf("quote escrow for timeslot %d holds %d, books say %d: %w",
			epoch, got, wantQuote, auction.ErrConservation)
	}

	// Energy already delivered to redeemed buyers, summed per sourcing seller.
	delivered := make(map[auction.Address]uint64)
	for _, row := range c.allocations.BuyerAllocs(epoch) {
		if !row.Redeemed {
			continue
		}
		for _, src := range row.EnergySources {
			sum, err := math.AddU64(delivered[src.Seller], src.Quantity)
			if err != nil {
				return fmt.Errorf("delivered energy for timeslot %d: %w", epoch, err)
			}
			delivered[src.Seller] = sum
		}
	}

	for _, s := range c.supplies.MeritOrder(epoch) {
		var expect uint64
		if !s.Refunded {
			out := delivered[s.Supplier]
			if s.ProceedsClaimed {
				if row, ok := c.allocations.SellerAlloc(epoch, s.Supplier); ok {
					unsold, err := math.SubU64(s.CommittedQuantity, row.AllocatedQuantity)
					if err != nil {
						return fmt.Errorf("unsold energy for seller %s in timeslot %d: %w", s.Supplier, epoch, err)
					}
					out, err = math.AddU64(out, unsold)
					if err != nil {
						return fmt.Errorf("energy outflow for seller %s in timeslot %d: %w", s.Supplier, epoch, err)
					}
				}
			}
			expect, err = math.SubU64(s.CommittedQuantity, out)
			if err != nil {
				return fmt.Errorf("energy escrow for seller %s in timeslot %d released %d beyond committed %d: %w",
					s.Supplier, epoch, out, s.CommittedQuantity, auction.ErrConservation)
			}
		}

		wantEnergy, err := math.ToInt64(expect)
		if err != nil {
			return err
		}
		if got := c.balanceTracker.GetEnergyEscrowBalance(epoch, s.Supplier); got != wantEnergy {
			return fmt.Errorf("energy escrow for seller %s in timeslot %d holds %d, books say %d: %w",
				s.Supplier, epoch, got, wantEnergy, auction.ErrConservation)
		}
	}

	return nil
}

// requireConfig gates every operation that needs the protocol singleton.
func (c *DeterministicCore) requireConfig() error {
	if c.config == nil {
		return fmt.Errorf("marketplace not initialized: %w", auction.ErrConstraintViolation)
	}
	return nil
}

// requireAuthority gates operations reserved for the protocol authority.
func (c *DeterministicCore) requireAuthority(signer auction.Address) error {
	if err := c.requireConfig(); err != nil {
		return err
	}
	if signer != c.config.Authority {
		return fmt.Errorf("signer %s is not the authority: %w", signer, auction.ErrInvalidAuthority)
	}
	return nil
}

// requireCouncil gates governance operations. The authority always passes.
func (c *DeterministicCore) requireCouncil(signer auction.Address) error {
	if err := c.requireConfig(); err != nil {
		return err
	}
	if !c.config.IsCouncil(signer) {
		return fmt.Errorf("signer %s is not on the council: %w", signer, auction.ErrUnauthorized)
	}
	return nil
}

// --- Event handlers ---

func (c *DeterministicCore) handleInitialize(e *event.Initialize) (*ledger.Batch, error) {
	if c.config != nil {
		return nil, fmt.Errorf("marketplace already initialized: %w", auction.ErrConstraintViolation)
	}
	if e.FeeBps > uint32(auction.MaxFeeBps) {
		return nil, fmt.Errorf("fee_bps %d exceeds cap %d: %w", e.FeeBps, auction.MaxFeeBps, auction.ErrConstraintViolation)
	}
	if _, ok := ledger.GetAssetID(e.QuoteAsset); !ok {
		return nil, fmt.Errorf("unknown quote asset %q: %w", e.QuoteAsset, auction.ErrConstraintViolation)
	}
	if _, ok := ledger.GetAssetID(e.EnergyAsset); !ok {
		return nil, fmt.Errorf("unknown energy asset %q: %w", e.EnergyAsset, auction.ErrConstraintViolation)
	}

	cfg, err := auction.NewGlobalConfig(
		e.Authority,
		e.QuoteAsset, e.EnergyAsset,
		uint16(e.FeeBps),
		e.SlashingPenaltyBps,
		0, // max sellers: default
		0, // delivery window: default
		e.Council, e.Oracles,
	)
	if err != nil {
		return nil, err
	}
	c.config = cfg
	return nil, nil
}

func (c *DeterministicCore) handleDepositConfirmed(e *event.DepositConfirmed) (*ledger.Batch, error) {
	assetID, ok := ledger.GetAssetID(e.Asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset: %s", e.Asset)
	}
	amount, err := math.ToInt64(e.Amount)
	if err != nil {
		return nil, fmt.Errorf("deposit amount: %w", err)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be > 0: %w", auction.ErrConstraintViolation)
	}
	return c.journalGen.GenerateDeposit(e, assetID, amount)
}

func (c *DeterministicCore) handleWithdrawalRequested(e *event.WithdrawalRequested) (*ledger.Batch, error) {
	assetID, ok := ledger.GetAssetID(e.Asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset: %s", e.Asset)
	}
	amount, err := math.ToInt64(e.Amount)
	if err != nil {
		return nil, fmt.Errorf("withdrawal amount: %w", err)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be > 0: %w", auction.ErrConstraintViolation)
	}
	return c.journalGen.GenerateWithdrawal(e.Participant, e.WithdrawalID.String(), amount, assetID, e.Timestamp)
}

func (c *DeterministicCore) handleEmergencyWithdraw(e *event.EmergencyWithdraw) (*ledger.Batch, error) {
	if !c.emergency.Paused {
		return nil, fmt.Errorf("emergency withdrawal requires an active pause: %w", auction.ErrConstraintViolation)
	}
	assetID, ok := ledger.GetAssetID(e.Asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset: %s", e.Asset)
	}
	amount, err := math.ToInt64(e.Amount)
	if err != nil {
		return nil, fmt.Errorf("withdrawal amount: %w", err)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be > 0: %w", auction.ErrConstraintViolation)
	}
	return c.journalGen.GenerateEmergencyWithdrawal(e.Participant, e.IdempotencyKey(), amount, assetID, e.Timestamp)
}

func (c *DeterministicCore) handleOpenTimeslot(e *event.OpenTimeslot) (*ledger.Batch, error) {
	if err := c.requireAuthority(e.Authority); err != nil {
		return nil, err
	}
	if e.Epoch <= 0 {
		return nil, fmt.Errorf("epoch must be a positive unix timestamp: %w", auction.ErrConstraintViolation)
	}
	if _, err := c.timeslots.Open(e.Epoch, e.LotSize, e.PriceTick); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleCommitSupply(e *event.CommitSupply) (*ledger.Batch, error) {
	if err := c.requireConfig(); err != nil {
		return nil, err
	}
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotOpen {
		return nil, fmt.Errorf("timeslot %d is %s, want Open: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}
	if !t.AlignedPrice(e.ReservePrice) {
		return nil, fmt.Errorf("reserve price %d not aligned to tick %d: %w", e.ReservePrice, t.PriceTick, auction.ErrConstraintViolation)
	}
	if !t.AlignedQuantity(e.Quantity) {
		return nil, fmt.Errorf("quantity %d not aligned to lot size %d: %w", e.Quantity, t.LotSize, auction.ErrConstraintViolation)
	}
	if uint32(c.supplies.Count(e.Epoch)) >= c.config.MaxSellers {
		return nil, fmt.Errorf("timeslot %d reached the seller cap %d: %w", e.Epoch, c.config.MaxSellers, auction.ErrConstraintViolation)
	}
	if _, exists := c.supplies.Get(e.Epoch, e.Supplier); exists {
		return nil, fmt.Errorf("seller %s already committed for timeslot %d: %w", e.Supplier, e.Epoch, auction.ErrDuplicateSupply)
	}

	// Resolve everything fallible before any state mutates.
	newTotal, err := math.AddU64(t.TotalSupply, e.Quantity)
	if err != nil {
		return nil, fmt.Errorf("supply total for timeslot %d: %w", e.Epoch, err)
	}
	quantity, err := math.ToInt64(e.Quantity)
	if err != nil {
		return nil, fmt.Errorf("supply quantity: %w", err)
	}
	if err := c.balanceTracker.ValidateSufficientWallet(e.Supplier, ledger.AssetKWH, quantity); err != nil {
		return nil, fmt.Errorf("supply escrow pre-check failed: %w", err)
	}

	if _, err := c.supplies.Commit(e.Epoch, e.Supplier, e.ReservePrice, e.Quantity); err != nil {
		return nil, err
	}
	batch, err := c.journalGen.GenerateSupplyEscrowLock(e.Epoch, e.Supplier, quantity, e.SupplyID.String(), e.Timestamp)
	if err != nil {
		return nil, err
	}
	t.TotalSupply = newTotal
	return batch, nil
}

func (c *DeterministicCore) handlePlaceBid(e *event.PlaceBid) (*ledger.Batch, error) {
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotOpen {
		return nil, fmt.Errorf("timeslot %d is %s, want Open: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}
	if !t.AlignedPrice(e.Price) {
		return nil, fmt.Errorf("bid price %d not aligned to tick %d: %w", e.Price, t.PriceTick, auction.ErrConstraintViolation)
	}
	if !t.AlignedQuantity(e.Quantity) {
		return nil, fmt.Errorf("bid quantity %d not aligned to lot size %d: %w", e.Quantity, t.LotSize, auction.ErrConstraintViolation)
	}

	cost, err := math.MulU64(e.Price, e.Quantity)
	if err != nil {
		return nil, fmt.Errorf("bid cost for timeslot %d: %w", e.Epoch, err)
	}
	costSigned, err := math.ToInt64(cost)
	if err != nil {
		return nil, fmt.Errorf("bid cost: %w", err)
	}
	newTotal, err := math.AddU64(t.TotalBids, e.Quantity)
	if err != nil {
		return nil, fmt.Errorf("bid total for timeslot %d: %w", e.Epoch, err)
	}
	if err := c.balanceTracker.ValidateSufficientWallet(e.Buyer, ledger.AssetUSDC, costSigned); err != nil {
		return nil, fmt.Errorf("bid escrow pre-check failed: %w", err)
	}

	if err := c.bids.Append(e.Epoch, e.PageIndex, auction.Bid{
		Owner:     e.Buyer,
		Price:     e.Price,
		Quantity:  e.Quantity,
		Timestamp: e.Timestamp,
		Status:    auction.BidActive,
	}); err != nil {
		return nil, err
	}
	batch, err := c.journalGen.GenerateBidEscrowLock(e.Epoch, e.Buyer, costSigned, e.BidID.String(), e.Timestamp)
	if err != nil {
		return nil, err
	}
	t.TotalBids = newTotal
	return batch, nil
}

func (c *DeterministicCore) handleSealTimeslot(e *event.SealTimeslot) (*ledger.Batch, error) {
	if err := c.requireAuthority(e.Authority); err != nil {
		return nil, err
	}
	if _, err := c.timeslots.Seal(e.Epoch); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleProcessBidBatch(e *event.ProcessBidBatch) (*ledger.Batch, error) {
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotSealed {
		return nil, fmt.Errorf("timeslot %d is %s, want Sealed: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}
	c.clearing.EnsureState(e.Epoch, c.bids.PageCount(e.Epoch), uint32(c.supplies.Count(e.Epoch)))
	if _, err := c.clearing.ProcessBidBatch(e.Epoch, e.FromPage, e.ToPage, c.bids); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleProcessSupplyBatch(e *event.ProcessSupplyBatch) (*ledger.Batch, error) {
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotSealed {
		return nil, fmt.Errorf("timeslot %d is %s, want Sealed: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}
	c.clearing.EnsureState(e.Epoch, c.bids.PageCount(e.Epoch), uint32(c.supplies.Count(e.Epoch)))
	if _, err := c.clearing.ProcessSupplyBatch(e.Epoch, e.Sellers, c.supplies); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleExecuteClearing(e *event.ExecuteClearing) (*ledger.Batch, error) {
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotSealed {
		return nil, fmt.Errorf("timeslot %d is %s, want Sealed: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}
	// Covers the empty auction: zero pages and zero sellers complete trivially
	// and clear as a no-trade.
	c.clearing.EnsureState(e.Epoch, c.bids.PageCount(e.Epoch), uint32(c.supplies.Count(e.Epoch)))
	if _, err := c.clearing.Execute(e.Epoch); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleVerifyClearing(e *event.VerifyClearing) (*ledger.Batch, error) {
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotSealed {
		return nil, fmt.Errorf("timeslot %d is %s, want Sealed: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}
	if err := c.clearing.Verify(e.Epoch, c.bids, c.supplies); err != nil {
		// A mismatch is a recorded outcome, not a rejection: the event must
		// reach the log so replay reproduces the Failed auction.
		if errors.Is(err, auction.ErrConservation) {
			return nil, nil
		}
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleSettleTimeslot(e *event.SettleTimeslot) (*ledger.Batch, error) {
	if err := c.requireAuthority(e.Authority); err != nil {
		return nil, err
	}
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotSealed {
		return nil, fmt.Errorf("timeslot %d is %s, want Sealed: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}
	st, ok := c.clearing.Get(e.Epoch)
	if !ok {
		return nil, fmt.Errorf("no clearing state for timeslot %d: %w", e.Epoch, auction.ErrConstraintViolation)
	}
	if e.ClearingPrice != st.ClearingPrice || e.ClearedQuantity != st.ClearedQuantity {
		return nil, fmt.Errorf("settle restates (p=%d q=%d), clearing holds (p=%d q=%d) for timeslot %d: %w",
			e.ClearingPrice, e.ClearedQuantity, st.ClearingPrice, st.ClearedQuantity, e.Epoch, auction.ErrConstraintViolation)
	}

	if err := c.clearing.MarkSettled(e.Epoch); err != nil {
		return nil, err
	}
	if _, err := c.timeslots.Settle(e.Epoch, st.ClearingPrice, st.ClearedQuantity); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleCalculateSellerAllocations(e *event.CalculateSellerAllocations) (*ledger.Batch, error) {
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotSettled {
		return nil, fmt.Errorf("timeslot %d is %s, want Settled: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}
	if e.ClearingPrice != t.ClearingPrice || e.ClearedQuantity != t.TotalSoldQuantity {
		return nil, fmt.Errorf("allocation restates (p=%d q=%d), settlement holds (p=%d q=%d) for timeslot %d: %w",
			e.ClearingPrice, e.ClearedQuantity, t.ClearingPrice, t.TotalSoldQuantity, e.Epoch, auction.ErrConstraintViolation)
	}
	merit := c.supplies.MeritOrder(e.Epoch)
	if _, err := c.allocations.CalculateSellerAllocations(e.Epoch, t.ClearingPrice, t.TotalSoldQuantity, merit); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleCalculateBuyerAllocation(e *event.CalculateBuyerAllocation) (*ledger.Batch, error) {
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotSettled {
		return nil, fmt.Errorf("timeslot %d is %s, want Settled: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}
	if _, err := c.allocations.CalculateBuyerAllocation(e.Epoch, e.Buyer, c.bids); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleWithdrawProceeds(e *event.WithdrawProceeds) (*ledger.Batch, error) {
	if err := c.requireConfig(); err != nil {
		return nil, err
	}
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotSettled {
		return nil, fmt.Errorf("timeslot %d is %s, want Settled: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}
	row, ok := c.allocations.SellerAlloc(e.Epoch, e.Seller)
	if !ok {
		return nil, fmt.Errorf("seller allocations not computed for timeslot %d: %w", e.Epoch, auction.ErrConstraintViolation)
	}
	if row.ProceedsWithdrawn {
		return nil, fmt.Errorf("proceeds for seller %s in timeslot %d: %w", e.Seller, e.Epoch, auction.ErrAlreadyClaimed)
	}
	s, ok := c.supplies.Get(e.Epoch, e.Seller)
	if !ok {
		return nil, fmt.Errorf("seller %s has no supply for timeslot %d: %w", e.Seller, e.Epoch, auction.ErrConstraintViolation)
	}

	// Fee goes to the vault and the post-penalty net to the wallet. Unsold
	// energy returns from the seller's energy escrow in the same batch.
	gross, err := math.MulU64(row.AllocatedQuantity, row.AllocationPrice)
	if err != nil {
		return nil, fmt.Errorf("gross proceeds for seller %s: %w", e.Seller, err)
	}
	fee, err := math.BpsOf(gross, uint32(c.config.FeeBps))
	if err != nil {
		return nil, fmt.Errorf("protocol fee for seller %s: %w", e.Seller, err)
	}
	net, err := math.SubU64(gross, fee)
	if err != nil {
		return nil, fmt.Errorf("net proceeds for seller %s: %w", e.Seller, err)
	}
	netAfterPenalty, err := math.SubU64(net, row.PenaltyApplied)
	if err != nil {
		return nil, fmt.Errorf("penalty %d exceeds net proceeds %d for seller %s: %w",
			row.PenaltyApplied, net, e.Seller, auction.ErrConservation)
	}
	unsold, err := math.SubU64(s.CommittedQuantity, row.AllocatedQuantity)
	if err != nil {
		return nil, fmt.Errorf("unsold energy for seller %s: %w", e.Seller, err)
	}

	feeSigned, err := math.ToInt64(fee)
	if err != nil {
		return nil, err
	}
	netSigned, err := math.ToInt64(netAfterPenalty)
	if err != nil {
		return nil, err
	}
	unsoldSigned, err := math.ToInt64(unsold)
	if err != nil {
		return nil, err
	}

	// Quote drained from escrow now: fee plus the post-penalty net. The
	// penalty portion already left at slashing execution.
	paid, err := math.AddU64(fee, netAfterPenalty)
	if err != nil {
		return nil, err
	}
	newFeeCollected, err := math.AddU64(t.FeeCollected, fee)
	if err != nil {
		return nil, err
	}
	newGrossPaid, err := math.AddU64(t.SellerGrossPaid, paid)
	if err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateProceedsWithdrawal(e.Epoch, e.Seller, feeSigned, netSigned, unsoldSigned, e.IdempotencyKey(), e.Timestamp)
	if err != nil {
		return nil, err
	}
	if err := c.allocations.MarkProceedsWithdrawn(e.Epoch, e.Seller); err != nil {
		return nil, err
	}
	s.ProceedsClaimed = true
	t.FeeCollected = newFeeCollected
	t.SellerGrossPaid = newGrossPaid
	return batch, nil
}

func (c *DeterministicCore) handleRedeemEnergy(e *event.RedeemEnergy) (*ledger.Batch, error) {
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotSettled {
		return nil, fmt.Errorf("timeslot %d is %s, want Settled: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}

	// Materializes the buyer's row if redemption arrives before an explicit
	// allocation pass; both paths share the same deterministic fill schedule.
	row, err := c.allocations.CalculateBuyerAllocation(e.Epoch, e.Buyer, c.bids)
	if err != nil {
		return nil, err
	}
	if row.Redeemed {
		return nil, fmt.Errorf("redemption for buyer %s in timeslot %d: %w", e.Buyer, e.Epoch, auction.ErrAlreadyClaimed)
	}

	refund, err := math.ToInt64(row.RefundAmount)
	if err != nil {
		return nil, err
	}
	sources := make([]ledger.DeliveryLeg, 0, len(row.EnergySources))
	for _, src := range row.EnergySources {
		qty, err := math.ToInt64(src.Quantity)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ledger.DeliveryLeg{Seller: src.Seller, Quantity: qty})
	}
	newRefundsPaid, err := math.AddU64(t.RefundsPaid, row.RefundAmount)
	if err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateRedemption(e.Epoch, e.Buyer, refund, sources, e.IdempotencyKey(), e.Timestamp)
	if err != nil {
		return nil, err
	}
	if err := c.allocations.MarkRedeemed(e.Epoch, e.Buyer); err != nil {
		return nil, err
	}
	t.RefundsPaid = newRefundsPaid
	return batch, nil
}

func (c *DeterministicCore) handleCancelAuction(e *event.CancelAuction) (*ledger.Batch, error) {
	if err := c.requireAuthority(e.Authority); err != nil {
		return nil, err
	}
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status == auction.TimeslotSettled {
		if c.allocations.PayoutsStarted(e.Epoch) {
			return nil, fmt.Errorf("timeslot %d has paid out, cancellation closed: %w", e.Epoch, auction.ErrInvalidTimeslot)
		}
		// Executed penalties drained escrow already; full refunds would no
		// longer be covered.
		for _, st := range c.slashing.States(e.Epoch) {
			if st.Status == auction.SlashExecuted {
				return nil, fmt.Errorf("timeslot %d has executed penalties, cancellation closed: %w", e.Epoch, auction.ErrInvalidTimeslot)
			}
		}
	}

	prior := t.Status
	if _, err := c.timeslots.Cancel(e.Epoch); err != nil {
		return nil, err
	}
	if _, err := c.cancellations.Install(e.Epoch, e.Timestamp, prior, c.bids, c.supplies); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleRefundCancelledBuyers(e *event.RefundCancelledBuyers) (*ledger.Batch, error) {
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotCancelled {
		return nil, fmt.Errorf("timeslot %d is %s, want Cancelled: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}

	refunds, pages, err := c.cancellations.PlanBuyerRefunds(e.Epoch, e.FromPage, e.ToPage, c.bids)
	if err != nil {
		return nil, err
	}
	legs := make([]ledger.RefundLeg, 0, len(refunds))
	for _, r := range refunds {
		amount, err := math.ToInt64(r.Amount)
		if err != nil {
			return nil, err
		}
		legs = append(legs, ledger.RefundLeg{Party: r.Owner, Amount: amount})
	}

	batch, err := c.journalGen.GenerateCancelBidRefunds(e.Epoch, legs, e.IdempotencyKey(), e.Timestamp)
	if err != nil {
		return nil, err
	}
	if err := c.cancellations.CommitBuyerRefunds(e.Epoch, pages, refunds, c.bids); err != nil {
		return nil, err
	}
	return batch, nil
}

func (c *DeterministicCore) handleRefundCancelledSellers(e *event.RefundCancelledSellers) (*ledger.Batch, error) {
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotCancelled {
		return nil, fmt.Errorf("timeslot %d is %s, want Cancelled: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}

	refunds, err := c.cancellations.PlanSellerRefunds(e.Epoch, e.Sellers, c.supplies)
	if err != nil {
		return nil, err
	}
	legs := make([]ledger.RefundLeg, 0, len(refunds))
	for _, r := range refunds {
		amount, err := math.ToInt64(r.Amount)
		if err != nil {
			return nil, err
		}
		legs = append(legs, ledger.RefundLeg{Party: r.Seller, Amount: amount})
	}

	batch, err := c.journalGen.GenerateCancelSupplyRefunds(e.Epoch, legs, e.IdempotencyKey(), e.Timestamp)
	if err != nil {
		return nil, err
	}
	if err := c.cancellations.CommitSellerRefunds(e.Epoch, refunds, c.supplies); err != nil {
		return nil, err
	}
	return batch, nil
}

func (c *DeterministicCore) handleVerifyDelivery(e *event.VerifyDelivery) (*ledger.Batch, error) {
	if err := c.requireConfig(); err != nil {
		return nil, err
	}
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotSettled {
		return nil, fmt.Errorf("timeslot %d is %s, want Settled: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}
	if !c.config.IsOracle(e.Oracle) {
		return nil, fmt.Errorf("reporter %s is not a registered oracle: %w", e.Oracle, auction.ErrUnauthorized)
	}

	report := &auction.DeliveryReport{
		EpochTS:           e.Epoch,
		Supplier:          e.Supplier,
		AllocatedQuantity: e.AllocatedQuantity,
		DeliveredQuantity: e.DeliveredQuantity,
		EvidenceHash:      e.EvidenceHash,
		Timestamp:         e.ReportedAt,
		Oracle:            e.Oracle,
		Signature:         e.Signature,
	}
	if !report.VerifySignature() {
		return nil, fmt.Errorf("signature check failed for report %s: %w", e.ReportID, auction.ErrInvalidReport)
	}
	if e.ReportedAt < e.Epoch || e.ReportedAt > e.Epoch+c.config.DeliveryWindow {
		return nil, fmt.Errorf("report %s outside delivery window [%d, %d]: %w",
			e.ReportID, e.Epoch, e.Epoch+c.config.DeliveryWindow, auction.ErrInvalidReport)
	}

	row, ok := c.allocations.SellerAlloc(e.Epoch, e.Supplier)
	if !ok {
		return nil, fmt.Errorf("seller allocations not computed for timeslot %d: %w", e.Epoch, auction.ErrConstraintViolation)
	}
	if row.AllocatedQuantity != e.AllocatedQuantity {
		return nil, fmt.Errorf("report %s claims allocation %d, ledger holds %d: %w",
			e.ReportID, e.AllocatedQuantity, row.AllocatedQuantity, auction.ErrInvalidReport)
	}

	if _, err := c.slashing.Record(report, row.AllocationPrice, c.config.SlashingPenaltyBps); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleAppealSlashing(e *event.AppealSlashing) (*ledger.Batch, error) {
	if _, err := c.slashing.Appeal(e.Epoch, e.Seller, e.Evidence, e.Timestamp); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleResolveSlashingAppeal(e *event.ResolveSlashingAppeal) (*ledger.Batch, error) {
	if err := c.requireCouncil(e.Authority); err != nil {
		return nil, err
	}
	if _, err := c.slashing.Resolve(e.Epoch, e.Seller, e.Upheld); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleExecuteSlashing(e *event.ExecuteSlashing) (*ledger.Batch, error) {
	if err := c.requireConfig(); err != nil {
		return nil, err
	}
	t, err := c.timeslots.MustGet(e.Epoch)
	if err != nil {
		return nil, err
	}
	if t.Status != auction.TimeslotSettled {
		return nil, fmt.Errorf("timeslot %d is %s, want Settled: %w", e.Epoch, t.Status, auction.ErrInvalidTimeslot)
	}

	st, err := c.slashing.PrepareExecution(e.Epoch, e.Seller, e.Timestamp)
	if err != nil {
		return nil, err
	}
	penalty := st.PenaltyAmount

	// Draw from the seller's unclaimed proceeds first. Headroom is the
	// post-fee net minus penalties already applied; a withdrawn allocation
	// leaves nothing in escrow for this seller.
	var fromEscrow uint64
	if row, ok := c.allocations.SellerAlloc(e.Epoch, e.Seller); ok && !row.ProceedsWithdrawn {
		gross, err := math.MulU64(row.AllocatedQuantity, row.AllocationPrice)
		if err != nil {
			return nil, fmt.Errorf("gross proceeds for seller %s: %w", e.Seller, err)
		}
		fee, err := math.BpsOf(gross, uint32(c.config.FeeBps))
		if err != nil {
			return nil, fmt.Errorf("protocol fee for seller %s: %w", e.Seller, err)
		}
		net, err := math.SubU64(gross, fee)
		if err != nil {
			return nil, fmt.Errorf("net proceeds for seller %s: %w", e.Seller, err)
		}
		headroom, err := math.SubU64(net, row.PenaltyApplied)
		if err != nil {
			return nil, fmt.Errorf("penalty headroom for seller %s: %w", e.Seller, err)
		}
		fromEscrow = penalty
		if fromEscrow > headroom {
			fromEscrow = headroom
		}
	}

	// Then the seller's free wallet balance. Whatever neither source covers
	// is recorded as an unrecovered deficit.
	remainder := penalty - fromEscrow
	var fromWallet uint64
	if remainder > 0 {
		if free := c.balanceTracker.GetWalletBalance(e.Seller, ledger.AssetUSDC); free > 0 {
			fromWallet = remainder
			if fromWallet > uint64(free) {
				fromWallet = uint64(free)
			}
		}
	}
	deficit := remainder - fromWallet

	fromEscrowSigned, err := math.ToInt64(fromEscrow)
	if err != nil {
		return nil, err
	}
	fromWalletSigned, err := math.ToInt64(fromWallet)
	if err != nil {
		return nil, err
	}
	collected, err := math.AddU64(fromEscrow, fromWallet)
	if err != nil {
		return nil, err
	}
	newGrossPaid, err := math.AddU64(t.SellerGrossPaid, fromEscrow)
	if err != nil {
		return nil, err
	}

	batch, err := c.journalGen.GenerateSlashingCollection(e.Epoch, e.Seller, fromEscrowSigned, fromWalletSigned, e.IdempotencyKey(), e.Timestamp)
	if err != nil {
		return nil, err
	}
	if fromEscrow > 0 {
		if err := c.allocations.ApplyPenalty(e.Epoch, e.Seller, fromEscrow); err != nil {
			return nil, err
		}
		t.SellerGrossPaid = newGrossPaid
	}
	if err := c.slashing.MarkExecuted(e.Epoch, e.Seller, collected, deficit); err != nil {
		return nil, err
	}
	return batch, nil
}

func (c *DeterministicCore) handleEmergencyPause(e *event.EmergencyPause) (*ledger.Batch, error) {
	if err := c.requireCouncil(e.Authority); err != nil {
		return nil, err
	}
	if err := c.emergency.Pause(e.Reason, e.Timestamp); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleEmergencyResume(e *event.EmergencyResume) (*ledger.Batch, error) {
	if err := c.requireAuthority(e.Authority); err != nil {
		return nil, err
	}
	if err := c.emergency.Resume(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleGridParamUpdate(e *event.GridParamUpdate) (*ledger.Batch, error) {
	if err := c.requireCouncil(e.Authority); err != nil {
		return nil, err
	}
	kind, err := auction.ParseParamKind(e.Param)
	if err != nil {
		return nil, err
	}
	if err := c.config.ApplyParam(kind, e.Value, e.Target); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *DeterministicCore) handleValidateSystemHealth(e *event.ValidateSystemHealth) (*ledger.Batch, error) {
	if e.Epoch != nil {
		if err := c.checkTimeslotConservation(*e.Epoch); err != nil {
			return nil, err
		}
	} else {
		for _, t := range c.timeslots.All() {
			if err := c.checkTimeslotConservation(t.EpochTS); err != nil {
				return nil, err
			}
		}
	}
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return nil, err
	}
	if err := c.validator.ValidateVaultsNonNegative(); err != nil {
		return nil, err
	}

	// Non-negativity sweep over every tracked wallet and escrow account,
	// walked in path order so the first failure is the same on every replica.
	held := c.balanceTracker.Snapshot()
	keys := make([]ledger.AccountKey, 0, len(held))
	for k := range held {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].AccountPath() < keys[j].AccountPath() })
	for _, k := range keys {
		var err error
		switch {
		case k.Scope == ledger.AccountScopeParticipant && k.SubType == ledger.SubTypeWallet:
			err = c.validator.ValidateWalletNonNegative(k.Party, k.AssetID)
		case k.Scope == ledger.AccountScopeTimeslot && k.SubType == ledger.SubTypeQuoteEscrow:
			err = c.validator.ValidateQuoteEscrowNonNegative(k.EpochTS)
		case k.Scope == ledger.AccountScopeSeller && k.SubType == ledger.SubTypeEnergyEscrow:
			err = c.validator.ValidateEnergyEscrowNonNegative(k.EpochTS, k.Party)
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (*ledger.Batch, error) {
	switch e := evt.(type) {
	case *event.Initialize:
		return c.handleInitialize(e)
	case *event.DepositConfirmed:
		return c.handleDepositConfirmed(e)
	case *event.WithdrawalRequested:
		return c.handleWithdrawalRequested(e)
	case *event.EmergencyWithdraw:
		return c.handleEmergencyWithdraw(e)
	case *event.OpenTimeslot:
		return c.handleOpenTimeslot(e)
	case *event.CommitSupply:
		return c.handleCommitSupply(e)
	case *event.PlaceBid:
		return c.handlePlaceBid(e)
	case *event.SealTimeslot:
		return c.handleSealTimeslot(e)
	case *event.ProcessBidBatch:
		return c.handleProcessBidBatch(e)
	case *event.ProcessSupplyBatch:
		return c.handleProcessSupplyBatch(e)
	case *event.ExecuteClearing:
		return c.handleExecuteClearing(e)
	case *event.VerifyClearing:
		return c.handleVerifyClearing(e)
	case *event.SettleTimeslot:
		return c.handleSettleTimeslot(e)
	case *event.CalculateSellerAllocations:
		return c.handleCalculateSellerAllocations(e)
	case *event.CalculateBuyerAllocation:
		return c.handleCalculateBuyerAllocation(e)
	case *event.WithdrawProceeds:
		return c.handleWithdrawProceeds(e)
	case *event.RedeemEnergy:
		return c.handleRedeemEnergy(e)
	case *event.CancelAuction:
		return c.handleCancelAuction(e)
	case *event.RefundCancelledBuyers:
		return c.handleRefundCancelledBuyers(e)
	case *event.RefundCancelledSellers:
		return c.handleRefundCancelledSellers(e)
	case *event.VerifyDelivery:
		return c.handleVerifyDelivery(e)
	case *event.AppealSlashing:
		return c.handleAppealSlashing(e)
	case *event.ResolveSlashingAppeal:
		return c.handleResolveSlashingAppeal(e)
	case *event.ExecuteSlashing:
		return c.handleExecuteSlashing(e)
	case *event.EmergencyPause:
		return c.handleEmergencyPause(e)
	case *event.EmergencyResume:
		return c.handleEmergencyResume(e)
	case *event.GridParamUpdate:
		return c.handleGridParamUpdate(e)
	case *event.ValidateSystemHealth:
		return c.handleValidateSystemHealth(e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence  int64
	StateHash [32]byte
	Balances  map[ledger.AccountKey]int64

	Config    *auction.GlobalConfig
	Emergency auction.EmergencyFlag

	Timeslots      []*auction.Timeslot
	Supplies       []*auction.Supply
	BidPages       []*auction.BidPage
	AuctionStates  []*auction.AuctionState
	Trackers       []*auction.AllocationTracker
	SellerAllocs   []*auction.SellerAllocation
	BuyerAllocs    []*auction.BuyerAllocation
	Cancellations  []*auction.CancellationState
	SlashingStates []*auction.SlashingState

	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart: load the latest snapshot, then replay the event log tail.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	// Restore sequence
	c.sequence = snap.Sequence + 1 // Next sequence to assign

	// Restore state hash chain
	c.hasher.Reset(snap.StateHash)

	// Restore balances
	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}

	// Restore protocol config and pause flag
	c.config = snap.Config
	c.emergency = snap.Emergency

	// Restore auction aggregates. Pages arrive in index order per timeslot,
	// so the dense-page invariant survives the round trip.
	for _, t := range snap.Timeslots {
		c.timeslots.Restore(t)
	}
	for _, s := range snap.Supplies {
		c.supplies.Restore(s)
	}
	for _, page := range snap.BidPages {
		if err := c.bids.Restore(page); err != nil {
			panic(fmt.Sprintf("FATAL: corrupt snapshot: %v", err))
		}
	}
	for _, st := range snap.AuctionStates {
		c.clearing.Restore(st)
	}
	for _, tr := range snap.Trackers {
		c.allocations.RestoreTracker(tr)
	}
	for _, row := range snap.SellerAllocs {
		c.allocations.RestoreSellerAlloc(row)
	}
	for _, row := range snap.BuyerAllocs {
		c.allocations.RestoreBuyerAlloc(row)
	}
	for _, cs := range snap.Cancellations {
		c.cancellations.Restore(cs)
	}
	for _, st := range snap.SlashingStates {
		c.slashing.Restore(st)
	}

	// Restore sequence validator state
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}

	// Restore journal generator sequence
	c.journalGen.SetSequence(snap.Sequence)
}

// WarmLRU loads recent idempotency keys into the LRU cache so replayed
// events skip the cold-path DB lookup.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// GetSequence returns the current global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.Tip()
}

// GetExpectedSourceSequence returns the next upstream sequence the validator
// will accept for a partition. The shell seeds the admin injector from the
// "global" partition after replay.
func (c *DeterministicCore) GetExpectedSourceSequence(partition string) int64 {
	return c.sequenceValidator.GetExpectedSequence(partition)
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	supplies := make([]*auction.Supply, 0)
	for _, epoch := range c.supplies.AllEpochs() {
		supplies = append(supplies, c.supplies.MeritOrder(epoch)...)
	}
	pages := make([]*auction.BidPage, 0)
	for _, epoch := range c.bids.AllEpochs() {
		pages = append(pages, c.bids.Pages(epoch)...)
	}
	slashingStates := make([]*auction.SlashingState, 0)
	for _, epoch := range c.slashing.AllEpochs() {
		slashingStates = append(slashingStates, c.slashing.States(epoch)...)
	}

	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.Tip(),
		Balances:        c.balanceTracker.Snapshot(),
		Config:          c.config,
		Emergency:       c.emergency,
		Timeslots:       c.timeslots.All(),
		Supplies:        supplies,
		BidPages:        pages,
		AuctionStates:   c.clearing.All(),
		Trackers:        c.allocations.AllTrackers(),
		SellerAllocs:    c.allocations.AllSellerRows(),
		BuyerAllocs:     c.allocations.AllBuyerRows(),
		Cancellations:   c.cancellations.All(),
		SlashingStates:  slashingStates,
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}
