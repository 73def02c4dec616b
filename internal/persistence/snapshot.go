package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain balances, every auction aggregate, the idempotency LRU,
// per-partition sequence cursors, and the state hash chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable mirror of the core's in-memory state at a
// point in time. The shell converts between this and core.SnapshotState, so
// the snapshot format can stay stable while the in-memory structs evolve.
type SnapshotData struct {
	Sequence        int64              `json:"sequence"`
	StateHash       []byte             `json:"state_hash"`
	Balances        []BalanceSnap      `json:"balances"`
	Config          *ConfigSnap        `json:"config"`
	Emergency       EmergencySnap      `json:"emergency"`
	Timeslots       []TimeslotSnap     `json:"timeslots"`
	Supplies        []SupplySnap       `json:"supplies"`
	BidPages        []BidPageSnap      `json:"bid_pages"`
	AuctionStates   []AuctionSnap      `json:"auction_states"`
	Trackers        []TrackerSnap      `json:"trackers"`
	SellerAllocs    []SellerAllocSnap  `json:"seller_allocs"`
	BuyerAllocs     []BuyerAllocSnap   `json:"buyer_allocs"`
	Cancellations   []CancellationSnap `json:"cancellations"`
	SlashingStates  []SlashingSnap     `json:"slashing_states"`
	SequenceState   map[string]int64   `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string           `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time          `json:"created_at"`
}

// BalanceSnap is one ledger account balance. Account keys are stored
// field-by-field rather than as rendered paths so restore needs no parsing.
type BalanceSnap struct {
	Scope   uint8  `json:"scope"`
	EpochTS int64  `json:"epoch_ts,omitempty"`
	Party   string `json:"party,omitempty"` // base58; empty for system scopes
	SubType uint8  `json:"sub_type"`
	AssetID uint16 `json:"asset_id"`
	Balance int64  `json:"balance"`
}

// ConfigSnap is the serializable protocol config.
type ConfigSnap struct {
	Authority          string   `json:"authority"`
	QuoteAsset         string   `json:"quote_asset"`
	EnergyAsset        string   `json:"energy_asset"`
	FeeBps             uint16   `json:"fee_bps"`
	SlashingPenaltyBps uint32   `json:"slashing_penalty_bps"`
	MaxSellers         uint32   `json:"max_sellers"`
	DeliveryWindow     int64    `json:"delivery_window"`
	Council            []string `json:"council"`
	Oracles            []string `json:"oracles"`
	Version            uint32   `json:"version"`
}

// EmergencySnap is the serializable pause flag.
type EmergencySnap struct {
	Paused   bool   `json:"paused"`
	PausedAt int64  `json:"paused_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// TimeslotSnap is a serializable timeslot aggregate.
type TimeslotSnap struct {
	EpochTS           int64  `json:"epoch_ts"`
	Status            uint8  `json:"status"`
	LotSize           uint64 `json:"lot_size"`
	PriceTick         uint64 `json:"price_tick"`
	TotalSupply       uint64 `json:"total_supply"`
	TotalBids         uint64 `json:"total_bids"`
	ClearingPrice     uint64 `json:"clearing_price"`
	TotalSoldQuantity uint64 `json:"total_sold_quantity"`
	FeeCollected      uint64 `json:"fee_collected"`
	RefundsPaid       uint64 `json:"refunds_paid"`
	SellerGrossPaid   uint64 `json:"seller_gross_paid"`
}

// SupplySnap is a serializable supply commitment.
type SupplySnap struct {
	EpochTS           int64  `json:"epoch_ts"`
	Supplier          string `json:"supplier"`
	ReservePrice      uint64 `json:"reserve_price"`
	CommittedQuantity uint64 `json:"committed_quantity"`
	ProceedsClaimed   bool   `json:"proceeds_claimed"`
	Refunded          bool   `json:"refunded"`
}

// BidSnap is one bid inside a page.
type BidSnap struct {
	Owner     string `json:"owner"`
	Price     uint64 `json:"price"`
	Quantity  uint64 `json:"quantity"`
	Timestamp int64  `json:"timestamp"`
	Status    uint8  `json:"status"`
}

// BidPageSnap is a serializable bid page. Pages serialize in index order so
// the dense-page invariant survives the round trip.
type BidPageSnap struct {
	EpochTS   int64     `json:"epoch_ts"`
	PageIndex uint32    `json:"page_index"`
	Bids      []BidSnap `json:"bids"`
}

// AuctionSnap is a serializable clearing state. The page bitmap serializes
// as raw words; demand and supply curves as price -> quantity maps.
type AuctionSnap struct {
	EpochTS          int64             `json:"epoch_ts"`
	Status           uint8             `json:"status"`
	ClearingPrice    uint64            `json:"clearing_price"`
	ClearedQuantity  uint64            `json:"cleared_quantity"`
	Verified         bool              `json:"verified"`
	TargetPages      uint32            `json:"target_pages"`
	TargetSellers    uint32            `json:"target_sellers"`
	ProcessedPages   []uint64          `json:"processed_pages"`
	ProcessedSellers []string          `json:"processed_sellers"`
	Demand           map[uint64]uint64 `json:"demand"`
	Supply           map[uint64]uint64 `json:"supply"`
	DemandTotal      uint64            `json:"demand_total"`
	SupplyTotal      uint64            `json:"supply_total"`
	Checksum         []byte            `json:"checksum"`
}

// TrackerSnap is a serializable allocation tracker. The fill schedule is
// rebuilt from the book after restore, so only the seller pass persists.
type TrackerSnap struct {
	EpochTS          int64    `json:"epoch_ts"`
	ClearingPrice    uint64   `json:"clearing_price"`
	ClearedQuantity  uint64   `json:"cleared_quantity"`
	RemainingDemand  uint64   `json:"remaining_demand"`
	SellerOrder      []string `json:"seller_order"`
	SellersAllocated bool     `json:"sellers_allocated"`
}

// SellerAllocSnap is a serializable seller allocation row.
type SellerAllocSnap struct {
	EpochTS           int64  `json:"epoch_ts"`
	Seller            string `json:"seller"`
	AllocatedQuantity uint64 `json:"allocated_quantity"`
	AllocationPrice   uint64 `json:"allocation_price"`
	ProceedsWithdrawn bool   `json:"proceeds_withdrawn"`
	PenaltyApplied    uint64 `json:"penalty_applied"`
}

// SourceSnap is one per-seller component of a buyer's fill.
type SourceSnap struct {
	Seller   string `json:"seller"`
	Quantity uint64 `json:"quantity"`
}

// BuyerAllocSnap is a serializable buyer allocation row.
type BuyerAllocSnap struct {
	EpochTS          int64        `json:"epoch_ts"`
	Buyer            string       `json:"buyer"`
	TotalQuantityWon uint64       `json:"total_quantity_won"`
	EnergySources    []SourceSnap `json:"energy_sources"`
	TotalCost        uint64       `json:"total_cost"`
	RefundAmount     uint64       `json:"refund_amount"`
	Redeemed         bool         `json:"redeemed"`
}

// CancellationSnap is a serializable refund cursor for a cancelled timeslot.
type CancellationSnap struct {
	EpochTS         int64    `json:"epoch_ts"`
	CancelledAt     int64    `json:"cancelled_at"`
	PriorStatus     uint8    `json:"prior_status"`
	PageCount       uint32   `json:"page_count"`
	TotalBids       uint64   `json:"total_bids"`
	TotalSellers    uint32   `json:"total_sellers"`
	BuyersRefunded  uint64   `json:"buyers_refunded"`
	SellersRefunded uint32   `json:"sellers_refunded"`
	RefundedPages   []uint64 `json:"refunded_pages"`
	RefundedSellers []string `json:"refunded_sellers"`
}

// SlashingSnap is a serializable delivery/slashing state.
type SlashingSnap struct {
	EpochTS            int64  `json:"epoch_ts"`
	Seller             string `json:"seller"`
	Oracle             string `json:"oracle"`
	Status             uint8  `json:"status"`
	AllocatedQuantity  uint64 `json:"allocated_quantity"`
	DeliveredQuantity  uint64 `json:"delivered_quantity"`
	Shortfall          uint64 `json:"shortfall"`
	PenaltyAmount      uint64 `json:"penalty_amount"`
	ReportedAt         int64  `json:"reported_at"`
	AppealDeadline     int64  `json:"appeal_deadline"`
	EvidenceHash       []byte `json:"evidence_hash"`
	AppealEvidence     []byte `json:"appeal_evidence,omitempty"`
	PenaltyCollected   uint64 `json:"penalty_collected"`
	UnrecoveredDeficit uint64 `json:"unrecovered_deficit"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres and returns its encoded size.
// New rows land unverified; the caller marks them verified once it knows the
// write completed, so a crash mid-save can never leave a restore candidate.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return sizeBytes, err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart the shell restores it and replays events from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used for
// warm restart (replay the tail) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, epoch_ts, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.EpochTS,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
