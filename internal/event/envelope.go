package event

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInitialize
	EventTypeDepositConfirmed
	EventTypeWithdrawalRequested
	EventTypeOpenTimeslot
	EventTypeCommitSupply
	EventTypePlaceBid
	EventTypeSealTimeslot
	EventTypeProcessBidBatch
	EventTypeProcessSupplyBatch
	EventTypeExecuteClearing
	EventTypeVerifyClearing
	EventTypeSettleTimeslot
	EventTypeSellerAllocations
	EventTypeBuyerAllocation
	EventTypeWithdrawProceeds
	EventTypeRedeemEnergy
	EventTypeCancelAuction
	EventTypeRefundCancelledBuyers
	EventTypeRefundCancelledSellers
	EventTypeVerifyDelivery
	EventTypeAppealSlashing
	EventTypeResolveSlashingAppeal
	EventTypeExecuteSlashing
	EventTypeEmergencyPause
	EventTypeEmergencyResume
	EventTypeEmergencyWithdraw
	EventTypeGridParamUpdate
	EventTypeValidateSystemHealth
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Timeslot context (nullable for global events)
	EpochTS *int64

	// Versioned input timestamp in unix seconds (NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// EpochTS returns the timeslot context (nil for global events)
	EpochTS() *int64

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeInitialize:
		return "Initialize"
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypeOpenTimeslot:
		return "OpenTimeslot"
	case EventTypeCommitSupply:
		return "CommitSupply"
	case EventTypePlaceBid:
		return "PlaceBid"
	case EventTypeSealTimeslot:
		return "SealTimeslot"
	case EventTypeProcessBidBatch:
		return "ProcessBidBatch"
	case EventTypeProcessSupplyBatch:
		return "ProcessSupplyBatch"
	case EventTypeExecuteClearing:
		return "ExecuteClearing"
	case EventTypeVerifyClearing:
		return "VerifyClearing"
	case EventTypeSettleTimeslot:
		return "SettleTimeslot"
	case EventTypeSellerAllocations:
		return "CalculateSellerAllocations"
	case EventTypeBuyerAllocation:
		return "CalculateBuyerAllocation"
	case EventTypeWithdrawProceeds:
		return "WithdrawProceeds"
	case EventTypeRedeemEnergy:
		return "RedeemEnergy"
	case EventTypeCancelAuction:
		return "CancelAuction"
	case EventTypeRefundCancelledBuyers:
		return "RefundCancelledBuyers"
	case EventTypeRefundCancelledSellers:
		return "RefundCancelledSellers"
	case EventTypeVerifyDelivery:
		return "VerifyDelivery"
	case EventTypeAppealSlashing:
		return "AppealSlashing"
	case EventTypeResolveSlashingAppeal:
		return "ResolveSlashingAppeal"
	case EventTypeExecuteSlashing:
		return "ExecuteSlashing"
	case EventTypeEmergencyPause:
		return "EmergencyPause"
	case EventTypeEmergencyResume:
		return "EmergencyResume"
	case EventTypeEmergencyWithdraw:
		return "EmergencyWithdraw"
	case EventTypeGridParamUpdate:
		return "GridParamUpdate"
	case EventTypeValidateSystemHealth:
		return "ValidateSystemHealth"
	default:
		return "Unknown"
	}
}
