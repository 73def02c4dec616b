package ledger

import (
	"fmt"

	"GridClear/internal/auction"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeParticipant AccountScope = iota
	AccountScopeTimeslot
	AccountScopeSeller
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Participant sub-types
	SubTypeWallet AccountSubType = iota

	// Escrow sub-types
	SubTypeQuoteEscrow
	SubTypeEnergyEscrow

	// System sub-types
	SubTypeFeeVault
	SubTypePenaltyVault

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetUSDC AssetID = 1
	AssetKWH  AssetID = 2
)

var (
	assetToID = map[string]AssetID{
		"USDC": AssetUSDC,
		"KWH":  AssetKWH,
	}
	idToAsset = map[AssetID]string{
		AssetUSDC: "USDC",
		AssetKWH:  "KWH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking. Timeslot-scoped
// accounts carry the epoch; participant-scoped accounts carry the address.
type AccountKey struct {
	Scope   AccountScope
	EpochTS int64           // Zero for non-timeslot scopes
	Party   auction.Address // Zero for system/external/timeslot scopes
	SubType AccountSubType
	AssetID AssetID
}

// NewWalletKey creates a key for a participant wallet
func NewWalletKey(participant auction.Address, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeParticipant,
		Party:   participant,
		SubType: SubTypeWallet,
		AssetID: assetID,
	}
}

// NewQuoteEscrowKey creates the key for a timeslot's pooled bid escrow
func NewQuoteEscrowKey(epoch int64) AccountKey {
	return AccountKey{
		Scope:   AccountScopeTimeslot,
		EpochTS: epoch,
		SubType: SubTypeQuoteEscrow,
		AssetID: AssetUSDC,
	}
}

// NewEnergyEscrowKey creates the key for one seller's committed energy
func NewEnergyEscrowKey(epoch int64, seller auction.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSeller,
		EpochTS: epoch,
		Party:   seller,
		SubType: SubTypeEnergyEscrow,
		AssetID: AssetKWH,
	}
}

// NewFeeVaultKey creates the key for the protocol fee vault
func NewFeeVaultKey() AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: SubTypeFeeVault,
		AssetID: AssetUSDC,
	}
}

// NewPenaltyVaultKey creates the key for collected slashing penalties
func NewPenaltyVaultKey() AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: SubTypePenaltyVault,
		AssetID: AssetUSDC,
	}
}

// NewExternalKey creates a key for external boundary accounts
func NewExternalKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeParticipant:
		return fmt.Sprintf("participant:%s:%s:%s", k.Party, k.subTypeName(), assetName)
	case AccountScopeTimeslot:
		return fmt.Sprintf("timeslot:%d:%s:%s", k.EpochTS, k.subTypeName(), assetName)
	case AccountScopeSeller:
		return fmt.Sprintf("seller:%d:%s:%s:%s", k.EpochTS, k.Party, k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeQuoteEscrow:
		return "quote_escrow"
	case SubTypeEnergyEscrow:
		return "energy_escrow"
	case SubTypeFeeVault:
		return "fee_vault"
	case SubTypePenaltyVault:
		return "penalty_vault"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
