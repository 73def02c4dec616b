package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeBidEscrowLock
	JournalTypeSupplyEscrowLock
	JournalTypeFeeCollection
	JournalTypeSellerProceeds
	JournalTypeUnsoldEnergyReturn
	JournalTypeBuyerRefund
	JournalTypeEnergyDelivery
	JournalTypeCancelBidRefund
	JournalTypeCancelSupplyRefund
	JournalTypePenaltyFromEscrow
	JournalTypePenaltyFromWallet
	JournalTypeEmergencyWithdrawal
	JournalTypeAdjustment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "Deposit"
	case JournalTypeWithdrawal:
		return "Withdrawal"
	case JournalTypeBidEscrowLock:
		return "BidEscrowLock"
	case JournalTypeSupplyEscrowLock:
		return "SupplyEscrowLock"
	case JournalTypeFeeCollection:
		return "FeeCollection"
	case JournalTypeSellerProceeds:
		return "SellerProceeds"
	case JournalTypeUnsoldEnergyReturn:
		return "UnsoldEnergyReturn"
	case JournalTypeBuyerRefund:
		return "BuyerRefund"
	case JournalTypeEnergyDelivery:
		return "EnergyDelivery"
	case JournalTypeCancelBidRefund:
		return "CancelBidRefund"
	case JournalTypeCancelSupplyRefund:
		return "CancelSupplyRefund"
	case JournalTypePenaltyFromEscrow:
		return "PenaltyFromEscrow"
	case JournalTypePenaltyFromWallet:
		return "PenaltyFromWallet"
	case JournalTypeEmergencyWithdrawal:
		return "EmergencyWithdrawal"
	case JournalTypeAdjustment:
		return "Adjustment"
	default:
		return "Unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // ALWAYS positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Note on balance invariant: each journal entry is a balanced transfer by
// construction (a single positive amount moves from credit account to debit
// account), so debits equal credits per-entry. Multi-leg settlements (payout
// with fee, redemption with refund) use multiple entries under one batch_id,
// each individually balanced.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}

	return nil
}
