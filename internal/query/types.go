package query

// TimeslotResponse is one delivery window for API queries. Status codes
// follow auction.TimeslotStatus.
type TimeslotResponse struct {
	EpochTS           int64  `json:"epoch_ts"`
	Status            int16  `json:"status"`
	LotSize           int64  `json:"lot_size"`
	PriceTick         int64  `json:"price_tick"`
	ClearingPrice     int64  `json:"clearing_price"`
	TotalSoldQuantity int64  `json:"total_sold_quantity"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// DeliveryReportResponse is one seller's delivery/slashing record for API
// queries. Status codes follow auction.SlashingStatus.
type DeliveryReportResponse struct {
	EpochTS           int64  `json:"epoch_ts"`
	Seller            string `json:"seller"`
	Oracle            string `json:"oracle"`
	Status            int16  `json:"status"`
	AllocatedQuantity int64  `json:"allocated_quantity"`
	DeliveredQuantity int64  `json:"delivered_quantity"`
	Shortfall         int64  `json:"shortfall"`
	PenaltyCollected  int64  `json:"penalty_collected"`
	ReportedAt        int64  `json:"reported_at"`
	AppealDeadline    int64  `json:"appeal_deadline"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
