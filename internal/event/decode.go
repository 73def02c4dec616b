package event

import (
	"encoding/json"
	"fmt"
)

// DecodeStored turns an event-log payload back into a typed event. The log
// stores the core's own marshal of the typed struct, not the upstream wire
// form, so replay never depends on producer wire formats staying frozen.
func DecodeStored(eventType string, data []byte) (Event, error) {
	evt, err := emptyEvent(eventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode stored %s: %w", eventType, err)
	}
	return evt, nil
}

func emptyEvent(eventType string) (Event, error) {
	switch eventType {
	case "Initialize":
		return &Initialize{}, nil
	case "GridParamUpdate":
		return &GridParamUpdate{}, nil
	case "EmergencyPause":
		return &EmergencyPause{}, nil
	case "EmergencyResume":
		return &EmergencyResume{}, nil
	case "ValidateSystemHealth":
		return &ValidateSystemHealth{}, nil
	case "OpenTimeslot":
		return &OpenTimeslot{}, nil
	case "SealTimeslot":
		return &SealTimeslot{}, nil
	case "CancelAuction":
		return &CancelAuction{}, nil
	case "CommitSupply":
		return &CommitSupply{}, nil
	case "PlaceBid":
		return &PlaceBid{}, nil
	case "DepositConfirmed":
		return &DepositConfirmed{}, nil
	case "WithdrawalRequested":
		return &WithdrawalRequested{}, nil
	case "EmergencyWithdraw":
		return &EmergencyWithdraw{}, nil
	case "ProcessBidBatch":
		return &ProcessBidBatch{}, nil
	case "ProcessSupplyBatch":
		return &ProcessSupplyBatch{}, nil
	case "ExecuteClearing":
		return &ExecuteClearing{}, nil
	case "VerifyClearing":
		return &VerifyClearing{}, nil
	case "SettleTimeslot":
		return &SettleTimeslot{}, nil
	case "CalculateSellerAllocations":
		return &CalculateSellerAllocations{}, nil
	case "CalculateBuyerAllocation":
		return &CalculateBuyerAllocation{}, nil
	case "WithdrawProceeds":
		return &WithdrawProceeds{}, nil
	case "RedeemEnergy":
		return &RedeemEnergy{}, nil
	case "RefundCancelledBuyers":
		return &RefundCancelledBuyers{}, nil
	case "RefundCancelledSellers":
		return &RefundCancelledSellers{}, nil
	case "VerifyDelivery":
		return &VerifyDelivery{}, nil
	case "AppealSlashing":
		return &AppealSlashing{}, nil
	case "ResolveSlashingAppeal":
		return &ResolveSlashingAppeal{}, nil
	case "ExecuteSlashing":
		return &ExecuteSlashing{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}
