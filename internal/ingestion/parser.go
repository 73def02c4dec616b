package ingestion

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"GridClear/internal/auction"
	"GridClear/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "Initialize":
		return parseInitialize(raw.Data)
	case "GridParamUpdate":
		return parseGridParamUpdate(raw.Data)
	case "EmergencyPause":
		return parseEmergencyPause(raw.Data)
	case "EmergencyResume":
		return parseEmergencyResume(raw.Data)
	case "ValidateSystemHealth":
		return parseValidateSystemHealth(raw.Data)
	case "OpenTimeslot":
		return parseOpenTimeslot(raw.Data)
	case "SealTimeslot":
		return parseSealTimeslot(raw.Data)
	case "CancelAuction":
		return parseCancelAuction(raw.Data)
	case "CommitSupply":
		return parseCommitSupply(raw.Data)
	case "PlaceBid":
		return parsePlaceBid(raw.Data)
	case "DepositConfirmed":
		return parseDepositConfirmed(raw.Data)
	case "WithdrawalRequested":
		return parseWithdrawalRequested(raw.Data)
	case "EmergencyWithdraw":
		return parseEmergencyWithdraw(raw.Data)
	case "ProcessBidBatch":
		return parseProcessBidBatch(raw.Data)
	case "ProcessSupplyBatch":
		return parseProcessSupplyBatch(raw.Data)
	case "ExecuteClearing":
		return parseExecuteClearing(raw.Data)
	case "VerifyClearing":
		return parseVerifyClearing(raw.Data)
	case "SettleTimeslot":
		return parseSettleTimeslot(raw.Data)
	case "CalculateSellerAllocations":
		return parseCalculateSellerAllocations(raw.Data)
	case "CalculateBuyerAllocation":
		return parseCalculateBuyerAllocation(raw.Data)
	case "WithdrawProceeds":
		return parseWithdrawProceeds(raw.Data)
	case "RedeemEnergy":
		return parseRedeemEnergy(raw.Data)
	case "RefundCancelledBuyers":
		return parseRefundCancelledBuyers(raw.Data)
	case "RefundCancelledSellers":
		return parseRefundCancelledSellers(raw.Data)
	case "VerifyDelivery":
		return parseVerifyDelivery(raw.Data)
	case "AppealSlashing":
		return parseAppealSlashing(raw.Data)
	case "ResolveSlashingAppeal":
		return parseResolveSlashingAppeal(raw.Data)
	case "ExecuteSlashing":
		return parseExecuteSlashing(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- Wire format helpers ---
// Addresses travel as base58 strings, 32-byte hashes as hex, ed25519
// signatures as standard base64. Timestamps are unix seconds.

// unmarshalEvent decodes a wire payload. Unknown fields are tolerated so
// producers can add fields without a lockstep deploy.
func unmarshalEvent(data []byte, v any, eventType string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", eventType, err)
	}
	return nil
}

func parseAddr(field, s string) (auction.Address, error) {
	a, err := auction.ParseAddress(s)
	if err != nil {
		return auction.Address{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return a, nil
}

func parseAddrList(field string, ss []string) ([]auction.Address, error) {
	out := make([]auction.Address, 0, len(ss))
	for i, s := range ss {
		a, err := auction.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("parse %s[%d]: %w", field, i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func parseHash32(field, s string) ([32]byte, error) {
	var h [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse %s: %w", field, err)
	}
	if len(raw) != 32 {
		return h, fmt.Errorf("parse %s: got %d bytes, want 32", field, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type initializeJSON struct {
	Authority          string   `json:"authority"`
	Council            []string `json:"council,omitempty"`
	Oracles            []string `json:"oracles,omitempty"`
	FeeBps             uint32   `json:"fee_bps"`
	SlashingPenaltyBps uint32   `json:"slashing_penalty_bps"`
	QuoteAsset         string   `json:"quote_asset"`
	EnergyAsset        string   `json:"energy_asset"`
	Sequence           int64    `json:"sequence"`
	Timestamp          int64    `json:"timestamp"`
}

func parseInitialize(data []byte) (*event.Initialize, error) {
	var j initializeJSON
	if err := unmarshalEvent(data, &j, "Initialize"); err != nil {
		return nil, err
	}
	authority, err := parseAddr("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	council, err := parseAddrList("council", j.Council)
	if err != nil {
		return nil, err
	}
	oracles, err := parseAddrList("oracles", j.Oracles)
	if err != nil {
		return nil, err
	}
	return &event.Initialize{
		Authority:          authority,
		Council:            council,
		Oracles:            oracles,
		FeeBps:             j.FeeBps,
		SlashingPenaltyBps: j.SlashingPenaltyBps,
		QuoteAsset:         j.QuoteAsset,
		EnergyAsset:        j.EnergyAsset,
		Sequence:           j.Sequence,
		Timestamp:          j.Timestamp,
	}, nil
}

type paramUpdateJSON struct {
	Param        string `json:"param"`
	Value        uint64 `json:"value"`
	Target       string `json:"target,omitempty"`
	Authority    string `json:"authority"`
	EffectiveSeq int64  `json:"effective_seq"`
	Sequence     int64  `json:"sequence"`
	Timestamp    int64  `json:"timestamp"`
}

func parseGridParamUpdate(data []byte) (*event.GridParamUpdate, error) {
	var j paramUpdateJSON
	if err := unmarshalEvent(data, &j, "GridParamUpdate"); err != nil {
		return nil, err
	}
	authority, err := parseAddr("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	var target auction.Address
	if j.Target != "" {
		if target, err = parseAddr("target", j.Target); err != nil {
			return nil, err
		}
	}
	return &event.GridParamUpdate{
		Param:        j.Param,
		Value:        j.Value,
		Target:       target,
		Authority:    authority,
		EffectiveSeq: j.EffectiveSeq,
		Sequence:     j.Sequence,
		Timestamp:    j.Timestamp,
	}, nil
}

type pauseJSON struct {
	PauseID   string `json:"pause_id"`
	Authority string `json:"authority"`
	Reason    string `json:"reason"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseEmergencyPause(data []byte) (*event.EmergencyPause, error) {
	var j pauseJSON
	if err := unmarshalEvent(data, &j, "EmergencyPause"); err != nil {
		return nil, err
	}
	pauseID, err := uuid.Parse(j.PauseID)
	if err != nil {
		return nil, fmt.Errorf("parse pause_id: %w", err)
	}
	authority, err := parseAddr("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	return &event.EmergencyPause{
		PauseID:   pauseID,
		Authority: authority,
		Reason:    j.Reason,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type resumeJSON struct {
	ResumeID  string `json:"resume_id"`
	Authority string `json:"authority"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseEmergencyResume(data []byte) (*event.EmergencyResume, error) {
	var j resumeJSON
	if err := unmarshalEvent(data, &j, "EmergencyResume"); err != nil {
		return nil, err
	}
	resumeID, err := uuid.Parse(j.ResumeID)
	if err != nil {
		return nil, fmt.Errorf("parse resume_id: %w", err)
	}
	authority, err := parseAddr("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	return &event.EmergencyResume{
		ResumeID:  resumeID,
		Authority: authority,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type healthCheckJSON struct {
	CheckID   string `json:"check_id"`
	Epoch     *int64 `json:"epoch,omitempty"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseValidateSystemHealth(data []byte) (*event.ValidateSystemHealth, error) {
	var j healthCheckJSON
	if err := unmarshalEvent(data, &j, "ValidateSystemHealth"); err != nil {
		return nil, err
	}
	checkID, err := uuid.Parse(j.CheckID)
	if err != nil {
		return nil, fmt.Errorf("parse check_id: %w", err)
	}
	return &event.ValidateSystemHealth{
		CheckID:   checkID,
		Epoch:     j.Epoch,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type openTimeslotJSON struct {
	Epoch     int64  `json:"epoch"`
	Authority string `json:"authority"`
	LotSize   uint64 `json:"lot_size"`
	PriceTick uint64 `json:"price_tick"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseOpenTimeslot(data []byte) (*event.OpenTimeslot, error) {
	var j openTimeslotJSON
	if err := unmarshalEvent(data, &j, "OpenTimeslot"); err != nil {
		return nil, err
	}
	authority, err := parseAddr("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	return &event.OpenTimeslot{
		Epoch:     j.Epoch,
		Authority: authority,
		LotSize:   j.LotSize,
		PriceTick: j.PriceTick,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

// timeslotActionJSON covers seal and cancel, which differ only in the
// optional reason.
type timeslotActionJSON struct {
	Epoch     int64  `json:"epoch"`
	Authority string `json:"authority"`
	Reason    string `json:"reason,omitempty"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseSealTimeslot(data []byte) (*event.SealTimeslot, error) {
	var j timeslotActionJSON
	if err := unmarshalEvent(data, &j, "SealTimeslot"); err != nil {
		return nil, err
	}
	authority, err := parseAddr("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	return &event.SealTimeslot{
		Epoch:     j.Epoch,
		Authority: authority,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

func parseCancelAuction(data []byte) (*event.CancelAuction, error) {
	var j timeslotActionJSON
	if err := unmarshalEvent(data, &j, "CancelAuction"); err != nil {
		return nil, err
	}
	authority, err := parseAddr("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	return &event.CancelAuction{
		Epoch:     j.Epoch,
		Authority: authority,
		Reason:    j.Reason,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type commitSupplyJSON struct {
	SupplyID     string `json:"supply_id"`
	Epoch        int64  `json:"epoch"`
	Supplier     string `json:"supplier"`
	ReservePrice uint64 `json:"reserve_price"`
	Quantity     uint64 `json:"quantity"`
	Sequence     int64  `json:"sequence"`
	Timestamp    int64  `json:"timestamp"`
}

func parseCommitSupply(data []byte) (*event.CommitSupply, error) {
	var j commitSupplyJSON
	if err := unmarshalEvent(data, &j, "CommitSupply"); err != nil {
		return nil, err
	}
	supplyID, err := uuid.Parse(j.SupplyID)
	if err != nil {
		return nil, fmt.Errorf("parse supply_id: %w", err)
	}
	supplier, err := parseAddr("supplier", j.Supplier)
	if err != nil {
		return nil, err
	}
	return &event.CommitSupply{
		SupplyID:     supplyID,
		Epoch:        j.Epoch,
		Supplier:     supplier,
		ReservePrice: j.ReservePrice,
		Quantity:     j.Quantity,
		Sequence:     j.Sequence,
		Timestamp:    j.Timestamp,
	}, nil
}

type placeBidJSON struct {
	BidID     string `json:"bid_id"`
	Epoch     int64  `json:"epoch"`
	Buyer     string `json:"buyer"`
	Price     uint64 `json:"price"`
	Quantity  uint64 `json:"quantity"`
	PageIndex uint32 `json:"page_index"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parsePlaceBid(data []byte) (*event.PlaceBid, error) {
	var j placeBidJSON
	if err := unmarshalEvent(data, &j, "PlaceBid"); err != nil {
		return nil, err
	}
	bidID, err := uuid.Parse(j.BidID)
	if err != nil {
		return nil, fmt.Errorf("parse bid_id: %w", err)
	}
	buyer, err := parseAddr("buyer", j.Buyer)
	if err != nil {
		return nil, err
	}
	return &event.PlaceBid{
		BidID:     bidID,
		Epoch:     j.Epoch,
		Buyer:     buyer,
		Price:     j.Price,
		Quantity:  j.Quantity,
		PageIndex: j.PageIndex,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      uint64 `json:"amount"`
	Sequence    int64  `json:"sequence"`
	Timestamp   int64  `json:"timestamp"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := unmarshalEvent(data, &j, "DepositConfirmed"); err != nil {
		return nil, err
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	participant, err := parseAddr("participant", j.Participant)
	if err != nil {
		return nil, err
	}
	return &event.DepositConfirmed{
		DepositID:   depositID,
		Participant: participant,
		Asset:       j.Asset,
		Amount:      j.Amount,
		Sequence:    j.Sequence,
		Timestamp:   j.Timestamp,
	}, nil
}

// withdrawalJSON covers plain and emergency withdrawals.
type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	Participant  string `json:"participant"`
	Asset        string `json:"asset"`
	Amount       uint64 `json:"amount"`
	Sequence     int64  `json:"sequence"`
	Timestamp    int64  `json:"timestamp"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := unmarshalEvent(data, &j, "WithdrawalRequested"); err != nil {
		return nil, err
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	participant, err := parseAddr("participant", j.Participant)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawalRequested{
		WithdrawalID: wdID,
		Participant:  participant,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    j.Timestamp,
	}, nil
}

func parseEmergencyWithdraw(data []byte) (*event.EmergencyWithdraw, error) {
	var j withdrawalJSON
	if err := unmarshalEvent(data, &j, "EmergencyWithdraw"); err != nil {
		return nil, err
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	participant, err := parseAddr("participant", j.Participant)
	if err != nil {
		return nil, err
	}
	return &event.EmergencyWithdraw{
		WithdrawalID: wdID,
		Participant:  participant,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    j.Timestamp,
	}, nil
}

// pageRangeJSON covers the page-cursor cranks: bid batching and buyer
// refunds.
type pageRangeJSON struct {
	Epoch     int64  `json:"epoch"`
	FromPage  uint32 `json:"from_page"`
	ToPage    uint32 `json:"to_page"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseProcessBidBatch(data []byte) (*event.ProcessBidBatch, error) {
	var j pageRangeJSON
	if err := unmarshalEvent(data, &j, "ProcessBidBatch"); err != nil {
		return nil, err
	}
	return &event.ProcessBidBatch{
		Epoch:     j.Epoch,
		FromPage:  j.FromPage,
		ToPage:    j.ToPage,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

func parseRefundCancelledBuyers(data []byte) (*event.RefundCancelledBuyers, error) {
	var j pageRangeJSON
	if err := unmarshalEvent(data, &j, "RefundCancelledBuyers"); err != nil {
		return nil, err
	}
	return &event.RefundCancelledBuyers{
		Epoch:     j.Epoch,
		FromPage:  j.FromPage,
		ToPage:    j.ToPage,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

// sellerBatchJSON covers the seller-list cranks: supply batching and seller
// refunds.
type sellerBatchJSON struct {
	BatchID   string   `json:"batch_id"`
	Epoch     int64    `json:"epoch"`
	Sellers   []string `json:"sellers"`
	Sequence  int64    `json:"sequence"`
	Timestamp int64    `json:"timestamp"`
}

func parseProcessSupplyBatch(data []byte) (*event.ProcessSupplyBatch, error) {
	var j sellerBatchJSON
	if err := unmarshalEvent(data, &j, "ProcessSupplyBatch"); err != nil {
		return nil, err
	}
	batchID, err := uuid.Parse(j.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	sellers, err := parseAddrList("sellers", j.Sellers)
	if err != nil {
		return nil, err
	}
	return &event.ProcessSupplyBatch{
		BatchID:   batchID,
		Epoch:     j.Epoch,
		Sellers:   sellers,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

func parseRefundCancelledSellers(data []byte) (*event.RefundCancelledSellers, error) {
	var j sellerBatchJSON
	if err := unmarshalEvent(data, &j, "RefundCancelledSellers"); err != nil {
		return nil, err
	}
	batchID, err := uuid.Parse(j.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	sellers, err := parseAddrList("sellers", j.Sellers)
	if err != nil {
		return nil, err
	}
	return &event.RefundCancelledSellers{
		BatchID:   batchID,
		Epoch:     j.Epoch,
		Sellers:   sellers,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type epochOnlyJSON struct {
	Epoch     int64 `json:"epoch"`
	Sequence  int64 `json:"sequence"`
	Timestamp int64 `json:"timestamp"`
}

func parseExecuteClearing(data []byte) (*event.ExecuteClearing, error) {
	var j epochOnlyJSON
	if err := unmarshalEvent(data, &j, "ExecuteClearing"); err != nil {
		return nil, err
	}
	return &event.ExecuteClearing{Epoch: j.Epoch, Sequence: j.Sequence, Timestamp: j.Timestamp}, nil
}

func parseVerifyClearing(data []byte) (*event.VerifyClearing, error) {
	var j epochOnlyJSON
	if err := unmarshalEvent(data, &j, "VerifyClearing"); err != nil {
		return nil, err
	}
	return &event.VerifyClearing{Epoch: j.Epoch, Sequence: j.Sequence, Timestamp: j.Timestamp}, nil
}

// clearingResultJSON restates the stored clearing outcome. Settle and the
// seller-allocation crank both carry it as a cross-check; settle is
// additionally authority-gated.
type clearingResultJSON struct {
	Epoch           int64  `json:"epoch"`
	ClearingPrice   uint64 `json:"clearing_price"`
	ClearedQuantity uint64 `json:"cleared_quantity"`
	Sequence        int64  `json:"sequence"`
	Timestamp       int64  `json:"timestamp"`
}

type settleTimeslotJSON struct {
	clearingResultJSON
	Authority string `json:"authority"`
}

func parseSettleTimeslot(data []byte) (*event.SettleTimeslot, error) {
	var j settleTimeslotJSON
	if err := unmarshalEvent(data, &j, "SettleTimeslot"); err != nil {
		return nil, err
	}
	authority, err := parseAddr("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	return &event.SettleTimeslot{
		Epoch:           j.Epoch,
		ClearingPrice:   j.ClearingPrice,
		ClearedQuantity: j.ClearedQuantity,
		Authority:       authority,
		Sequence:        j.Sequence,
		Timestamp:       j.Timestamp,
	}, nil
}

func parseCalculateSellerAllocations(data []byte) (*event.CalculateSellerAllocations, error) {
	var j clearingResultJSON
	if err := unmarshalEvent(data, &j, "CalculateSellerAllocations"); err != nil {
		return nil, err
	}
	return &event.CalculateSellerAllocations{
		Epoch:           j.Epoch,
		ClearingPrice:   j.ClearingPrice,
		ClearedQuantity: j.ClearedQuantity,
		Sequence:        j.Sequence,
		Timestamp:       j.Timestamp,
	}, nil
}

type buyerOpJSON struct {
	Epoch     int64  `json:"epoch"`
	Buyer     string `json:"buyer"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseCalculateBuyerAllocation(data []byte) (*event.CalculateBuyerAllocation, error) {
	var j buyerOpJSON
	if err := unmarshalEvent(data, &j, "CalculateBuyerAllocation"); err != nil {
		return nil, err
	}
	buyer, err := parseAddr("buyer", j.Buyer)
	if err != nil {
		return nil, err
	}
	return &event.CalculateBuyerAllocation{
		Epoch:     j.Epoch,
		Buyer:     buyer,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

func parseRedeemEnergy(data []byte) (*event.RedeemEnergy, error) {
	var j buyerOpJSON
	if err := unmarshalEvent(data, &j, "RedeemEnergy"); err != nil {
		return nil, err
	}
	buyer, err := parseAddr("buyer", j.Buyer)
	if err != nil {
		return nil, err
	}
	return &event.RedeemEnergy{
		Epoch:     j.Epoch,
		Buyer:     buyer,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type sellerOpJSON struct {
	Epoch     int64  `json:"epoch"`
	Seller    string `json:"seller"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseWithdrawProceeds(data []byte) (*event.WithdrawProceeds, error) {
	var j sellerOpJSON
	if err := unmarshalEvent(data, &j, "WithdrawProceeds"); err != nil {
		return nil, err
	}
	seller, err := parseAddr("seller", j.Seller)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawProceeds{
		Epoch:     j.Epoch,
		Seller:    seller,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

func parseExecuteSlashing(data []byte) (*event.ExecuteSlashing, error) {
	var j sellerOpJSON
	if err := unmarshalEvent(data, &j, "ExecuteSlashing"); err != nil {
		return nil, err
	}
	seller, err := parseAddr("seller", j.Seller)
	if err != nil {
		return nil, err
	}
	return &event.ExecuteSlashing{
		Epoch:     j.Epoch,
		Seller:    seller,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

// Meter readings arrive as decimal kWh strings ("1287.5"). The core works in
// integer lots and the oracle signs the integer form, so the report carries
// the lot size and the reading must divide it exactly.
type deliveryReportJSON struct {
	ReportID          string `json:"report_id"`
	Epoch             int64  `json:"epoch"`
	Supplier          string `json:"supplier"`
	AllocatedQuantity uint64 `json:"allocated_quantity"`
	DeliveredKWH      string `json:"delivered_kwh"`
	LotKWH            string `json:"lot_kwh"`
	EvidenceHash      string `json:"evidence_hash"`
	ReportedAt        int64  `json:"reported_at"`
	Oracle            string `json:"oracle"`
	Signature         string `json:"signature"`
	Sequence          int64  `json:"sequence"`
	Timestamp         int64  `json:"timestamp"`
}

// lotsFromKWH converts a metered kWh reading into whole lots. Readings that
// do not divide the lot size exactly are rejected rather than rounded; a
// reading the oracle never signed in integer form cannot verify anyway.
func lotsFromKWH(deliveredKWH, lotKWH string) (uint64, error) {
	delivered, err := decimal.NewFromString(deliveredKWH)
	if err != nil {
		return 0, fmt.Errorf("parse delivered_kwh: %w", err)
	}
	lot, err := decimal.NewFromString(lotKWH)
	if err != nil {
		return 0, fmt.Errorf("parse lot_kwh: %w", err)
	}
	if !lot.IsPositive() {
		return 0, fmt.Errorf("parse lot_kwh: %s is not positive", lot)
	}
	if delivered.IsNegative() {
		return 0, fmt.Errorf("parse delivered_kwh: %s is negative", delivered)
	}
	q, r := delivered.QuoRem(lot, 0)
	if !r.IsZero() {
		return 0, fmt.Errorf("delivered_kwh %s is not a whole number of %s kWh lots", delivered, lot)
	}
	bi := q.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("delivered_kwh %s overflows the lot count", delivered)
	}
	return bi.Uint64(), nil
}

func parseVerifyDelivery(data []byte) (*event.VerifyDelivery, error) {
	var j deliveryReportJSON
	if err := unmarshalEvent(data, &j, "VerifyDelivery"); err != nil {
		return nil, err
	}
	reportID, err := uuid.Parse(j.ReportID)
	if err != nil {
		return nil, fmt.Errorf("parse report_id: %w", err)
	}
	supplier, err := parseAddr("supplier", j.Supplier)
	if err != nil {
		return nil, err
	}
	oracle, err := parseAddr("oracle", j.Oracle)
	if err != nil {
		return nil, err
	}
	evidence, err := parseHash32("evidence_hash", j.EvidenceHash)
	if err != nil {
		return nil, err
	}
	signature, err := base64.StdEncoding.DecodeString(j.Signature)
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	deliveredLots, err := lotsFromKWH(j.DeliveredKWH, j.LotKWH)
	if err != nil {
		return nil, err
	}
	return &event.VerifyDelivery{
		ReportID:          reportID,
		Epoch:             j.Epoch,
		Supplier:          supplier,
		AllocatedQuantity: j.AllocatedQuantity,
		DeliveredQuantity: deliveredLots,
		EvidenceHash:      evidence,
		ReportedAt:        j.ReportedAt,
		Oracle:            oracle,
		Signature:         signature,
		Sequence:          j.Sequence,
		Timestamp:         j.Timestamp,
	}, nil
}

type appealJSON struct {
	Epoch     int64  `json:"epoch"`
	Seller    string `json:"seller"`
	Evidence  string `json:"evidence"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseAppealSlashing(data []byte) (*event.AppealSlashing, error) {
	var j appealJSON
	if err := unmarshalEvent(data, &j, "AppealSlashing"); err != nil {
		return nil, err
	}
	seller, err := parseAddr("seller", j.Seller)
	if err != nil {
		return nil, err
	}
	evidence, err := parseHash32("evidence", j.Evidence)
	if err != nil {
		return nil, err
	}
	return &event.AppealSlashing{
		Epoch:     j.Epoch,
		Seller:    seller,
		Evidence:  evidence,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type resolveAppealJSON struct {
	Epoch     int64  `json:"epoch"`
	Seller    string `json:"seller"`
	Authority string `json:"authority"`
	Upheld    bool   `json:"upheld"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseResolveSlashingAppeal(data []byte) (*event.ResolveSlashingAppeal, error) {
	var j resolveAppealJSON
	if err := unmarshalEvent(data, &j, "ResolveSlashingAppeal"); err != nil {
		return nil, err
	}
	seller, err := parseAddr("seller", j.Seller)
	if err != nil {
		return nil, err
	}
	authority, err := parseAddr("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	return &event.ResolveSlashingAppeal{
		Epoch:     j.Epoch,
		Seller:    seller,
		Authority: authority,
		Upheld:    j.Upheld,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}
