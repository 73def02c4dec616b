package ledger

import (
	"fmt"

	"GridClear/internal/auction"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance writes a balance directly. Snapshot restore only; normal
// mutation goes through journals.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// === Domain Balance Queries ===

// GetWalletBalance returns a participant's free balance in one asset
func (bt *BalanceTracker) GetWalletBalance(participant auction.Address, assetID AssetID) int64 {
	return bt.GetBalance(NewWalletKey(participant, assetID))
}

// GetQuoteEscrowBalance returns the pooled bid escrow for a timeslot
func (bt *BalanceTracker) GetQuoteEscrowBalance(epoch int64) int64 {
	return bt.GetBalance(NewQuoteEscrowKey(epoch))
}

// GetEnergyEscrowBalance returns one seller's committed energy for a timeslot
func (bt *BalanceTracker) GetEnergyEscrowBalance(epoch int64, seller auction.Address) int64 {
	return bt.GetBalance(NewEnergyEscrowKey(epoch, seller))
}

// GetFeeVaultBalance returns accumulated protocol fees
func (bt *BalanceTracker) GetFeeVaultBalance() int64 {
	return bt.GetBalance(NewFeeVaultKey())
}

// GetPenaltyVaultBalance returns collected slashing penalties
func (bt *BalanceTracker) GetPenaltyVaultBalance() int64 {
	return bt.GetBalance(NewPenaltyVaultKey())
}

// === Invariant Checks ===

// ValidateSufficientWallet checks a participant can cover an outflow
func (bt *BalanceTracker) ValidateSufficientWallet(participant auction.Address, assetID AssetID, required int64) error {
	balance := bt.GetWalletBalance(participant, assetID)
	if balance < required {
		return fmt.Errorf("wallet %s: have=%d, need=%d: %w",
			NewWalletKey(participant, assetID).AccountPath(), balance, required, auction.ErrInsufficientBalance)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 per asset for
// a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
