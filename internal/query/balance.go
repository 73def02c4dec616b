package query

// BalanceResponse represents a participant's wallet state for API queries.
type BalanceResponse struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`

	// Ledger balances (from journal entries)
	WalletBalance int64 `json:"wallet_balance"` // free, spendable now

	// Energy locked in the participant's per-seller escrow accounts. Quote
	// escrow is pooled per timeslot and not attributable to one buyer, so
	// this stays zero for the quote asset.
	EscrowedBalance int64 `json:"escrowed_balance"`

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last applied event sequence
}
