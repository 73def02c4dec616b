package ledger

import (
	"fmt"

	"GridClear/internal/auction"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateVaultsNonNegative checks the fee and penalty vaults never go red
func (v *InvariantValidator) ValidateVaultsNonNegative() error {
	if err := v.tracker.ValidateNonNegative(NewFeeVaultKey()); err != nil {
		return err
	}
	return v.tracker.ValidateNonNegative(NewPenaltyVaultKey())
}

// ValidateQuoteEscrowNonNegative checks a timeslot's pooled escrow
func (v *InvariantValidator) ValidateQuoteEscrowNonNegative(epoch int64) error {
	return v.tracker.ValidateNonNegative(NewQuoteEscrowKey(epoch))
}

// ValidateEnergyEscrowNonNegative checks one seller's committed energy
func (v *InvariantValidator) ValidateEnergyEscrowNonNegative(epoch int64, seller auction.Address) error {
	return v.tracker.ValidateNonNegative(NewEnergyEscrowKey(epoch, seller))
}

// ValidateWalletNonNegative checks a participant wallet
func (v *InvariantValidator) ValidateWalletNonNegative(participant auction.Address, assetID AssetID) error {
	return v.tracker.ValidateNonNegative(NewWalletKey(participant, assetID))
}
