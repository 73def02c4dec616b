package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"GridClear/internal/auction"
	"GridClear/internal/event"
)

// RefundLeg is one escrow return within a refund batch.
type RefundLeg struct {
	Party  auction.Address
	Amount int64
}

// DeliveryLeg is one seller's contribution to a buyer's energy delivery.
type DeliveryLeg struct {
	Seller   auction.Address
	Quantity int64
}

// JournalGenerator creates balanced journal batches from events
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker // For pre-checks
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// SetSequence resets the generator's sequence. Snapshot restore only.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// CurrentSequence returns the next sequence the generator will stamp.
func (jg *JournalGenerator) CurrentSequence() int64 {
	return jg.sequence
}

// newBatch starts an empty batch stamped with the generator's sequence.
func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (jg *JournalGenerator) addJournal(b *Batch, debit, credit AccountKey, assetID AssetID, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit credits a confirmed deposit.
// Moves funds: external:deposits → participant:wallet
func (jg *JournalGenerator) GenerateDeposit(
	evt *event.DepositConfirmed,
	assetID AssetID,
	amount int64,
) (*Batch, error) {
	batch := jg.newBatch(evt.DepositID.String(), evt.Timestamp, 1)
	jg.addJournal(batch,
		NewWalletKey(evt.Participant, assetID),
		NewExternalKey(SubTypeExternalDeposits, assetID),
		assetID, amount, JournalTypeDeposit)
	jg.sequence++
	return batch, nil
}

// GenerateWithdrawal debits a wallet for transfer off-system.
// Pre-check: the wallet must hold the full amount.
// Moves funds: participant:wallet → external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(
	participant auction.Address,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientWallet(participant, assetID, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.addJournal(batch,
		NewExternalKey(SubTypeExternalWithdrawals, assetID),
		NewWalletKey(participant, assetID),
		assetID, amount, JournalTypeWithdrawal)
	jg.sequence++
	return batch, nil
}

// GenerateEmergencyWithdrawal drains a wallet while paused. Same flow as a
// normal withdrawal, typed separately so the audit trail shows the pause.
func (jg *JournalGenerator) GenerateEmergencyWithdrawal(
	participant auction.Address,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientWallet(participant, assetID, amount); err != nil {
		return nil, fmt.Errorf("emergency withdrawal pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.addJournal(batch,
		NewExternalKey(SubTypeExternalWithdrawals, assetID),
		NewWalletKey(participant, assetID),
		assetID, amount, JournalTypeEmergencyWithdrawal)
	jg.sequence++
	return batch, nil
}

// GenerateBidEscrowLock locks a buyer's full bid value.
// Pre-check: wallet must cover price*quantity.
// Moves funds: participant:wallet → timeslot:quote_escrow
func (jg *JournalGenerator) GenerateBidEscrowLock(
	epoch int64,
	buyer auction.Address,
	amount int64,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientWallet(buyer, AssetUSDC, amount); err != nil {
		return nil, fmt.Errorf("bid escrow pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.addJournal(batch,
		NewQuoteEscrowKey(epoch),
		NewWalletKey(buyer, AssetUSDC),
		AssetUSDC, amount, JournalTypeBidEscrowLock)
	jg.sequence++
	return batch, nil
}

// GenerateSupplyEscrowLock locks a seller's committed energy.
// Pre-check: wallet must hold the committed quantity.
// Moves funds: participant:wallet → seller:energy_escrow
func (jg *JournalGenerator) GenerateSupplyEscrowLock(
	epoch int64,
	seller auction.Address,
	quantity int64,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientWallet(seller, AssetKWH, quantity); err != nil {
		return nil, fmt.Errorf("supply escrow pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 1)
	jg.addJournal(batch,
		NewEnergyEscrowKey(epoch, seller),
		NewWalletKey(seller, AssetKWH),
		AssetKWH, quantity, JournalTypeSupplyEscrowLock)
	jg.sequence++
	return batch, nil
}

// GenerateProceedsWithdrawal pays out one seller after settlement: protocol
// fee to the vault, net proceeds to the wallet, unsold energy back from
// escrow. Legs with a zero amount are omitted; returns nil if nothing moves.
func (jg *JournalGenerator) GenerateProceedsWithdrawal(
	epoch int64,
	seller auction.Address,
	fee, net, unsoldEnergy int64,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 3)

	if fee > 0 {
		jg.addJournal(batch,
			NewFeeVaultKey(),
			NewQuoteEscrowKey(epoch),
			AssetUSDC, fee, JournalTypeFeeCollection)
	}
	if net > 0 {
		jg.addJournal(batch,
			NewWalletKey(seller, AssetUSDC),
			NewQuoteEscrowKey(epoch),
			AssetUSDC, net, JournalTypeSellerProceeds)
	}
	if unsoldEnergy > 0 {
		jg.addJournal(batch,
			NewWalletKey(seller, AssetKWH),
			NewEnergyEscrowKey(epoch, seller),
			AssetKWH, unsoldEnergy, JournalTypeUnsoldEnergyReturn)
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}
	jg.sequence++
	return batch, nil
}

// GenerateRedemption delivers a buyer's won energy from the sourcing sellers
// and returns the unspent quote escrow. Returns nil if nothing moves.
func (jg *JournalGenerator) GenerateRedemption(
	epoch int64,
	buyer auction.Address,
	refund int64,
	sources []DeliveryLeg,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, len(sources)+1)

	if refund > 0 {
		jg.addJournal(batch,
			NewWalletKey(buyer, AssetUSDC),
			NewQuoteEscrowKey(epoch),
			AssetUSDC, refund, JournalTypeBuyerRefund)
	}
	for _, src := range sources {
		if src.Quantity <= 0 {
			continue
		}
		jg.addJournal(batch,
			NewWalletKey(buyer, AssetKWH),
			NewEnergyEscrowKey(epoch, src.Seller),
			AssetKWH, src.Quantity, JournalTypeEnergyDelivery)
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}
	jg.sequence++
	return batch, nil
}

// GenerateCancelBidRefunds returns escrow to every buyer in a refund page
// batch of a cancelled timeslot.
func (jg *JournalGenerator) GenerateCancelBidRefunds(
	epoch int64,
	refunds []RefundLeg,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, len(refunds))

	for _, r := range refunds {
		if r.Amount <= 0 {
			continue
		}
		jg.addJournal(batch,
			NewWalletKey(r.Party, AssetUSDC),
			NewQuoteEscrowKey(epoch),
			AssetUSDC, r.Amount, JournalTypeCancelBidRefund)
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}
	jg.sequence++
	return batch, nil
}

// GenerateCancelSupplyRefunds returns committed energy to every seller in a
// refund batch of a cancelled timeslot.
func (jg *JournalGenerator) GenerateCancelSupplyRefunds(
	epoch int64,
	refunds []RefundLeg,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, len(refunds))

	for _, r := range refunds {
		if r.Amount <= 0 {
			continue
		}
		jg.addJournal(batch,
			NewWalletKey(r.Party, AssetKWH),
			NewEnergyEscrowKey(epoch, r.Party),
			AssetKWH, r.Amount, JournalTypeCancelSupplyRefund)
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}
	jg.sequence++
	return batch, nil
}

// GenerateSlashingCollection moves a confirmed penalty into the penalty
// vault: fromEscrow is drawn from the seller's unclaimed proceeds in the
// timeslot escrow, fromWallet from the seller's free balance.
// Pre-check: the wallet portion must be covered.
func (jg *JournalGenerator) GenerateSlashingCollection(
	epoch int64,
	seller auction.Address,
	fromEscrow, fromWallet int64,
	eventRef string,
	timestamp int64,
) (*Batch, error) {
	if fromWallet > 0 {
		if err := jg.balanceTracker.ValidateSufficientWallet(seller, AssetUSDC, fromWallet); err != nil {
			return nil, fmt.Errorf("slashing pre-check failed: %w", err)
		}
	}

	batch := jg.newBatch(eventRef, timestamp, 2)

	if fromEscrow > 0 {
		jg.addJournal(batch,
			NewPenaltyVaultKey(),
			NewQuoteEscrowKey(epoch),
			AssetUSDC, fromEscrow, JournalTypePenaltyFromEscrow)
	}
	if fromWallet > 0 {
		jg.addJournal(batch,
			NewPenaltyVaultKey(),
			NewWalletKey(seller, AssetUSDC),
			AssetUSDC, fromWallet, JournalTypePenaltyFromWallet)
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}
	jg.sequence++
	return batch, nil
}
