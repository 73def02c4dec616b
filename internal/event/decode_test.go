package event_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"GridClear/internal/auction"
	"GridClear/internal/event"
)

func fillAddr(seed byte) auction.Address {
	var a auction.Address
	for i := range a {
		a[i] = seed
	}
	return a
}

// The event log stores json.Marshal of the typed event, so every field must
// survive a marshal/DecodeStored cycle, including addresses, UUIDs, hashes
// and raw signature bytes.
func TestDecodeStoredRoundTrip(t *testing.T) {
	report := &event.VerifyDelivery{
		ReportID:          uuid.New(),
		Epoch:             1_700_000_000,
		Supplier:          fillAddr(0x11),
		AllocatedQuantity: 1_000,
		DeliveredQuantity: 900,
		EvidenceHash:      [32]byte{0xaa, 0xbb, 0xcc},
		ReportedAt:        1_700_003_600,
		Oracle:            fillAddr(0x22),
		Signature:         []byte("not-a-real-signature"),
		Sequence:          7,
		Timestamp:         1_700_003_601,
	}

	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := event.DecodeStored("VerifyDelivery", data)
	if err != nil {
		t.Fatalf("DecodeStored: %v", err)
	}
	decoded, ok := got.(*event.VerifyDelivery)
	if !ok {
		t.Fatalf("decoded type = %T, want *event.VerifyDelivery", got)
	}
	if !reflect.DeepEqual(decoded, report) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, report)
	}
}

// Replay resolves the decoder from the stored event_type column, which holds
// EventType.String(). A type whose string form the decoder does not know
// would silently drop events during replay.
func TestDecodeStoredCoversAllEventTypes(t *testing.T) {
	epoch := int64(1_700_000_000)
	events := []event.Event{
		&event.Initialize{Authority: fillAddr(1)},
		&event.GridParamUpdate{Param: "fee_bps"},
		&event.EmergencyPause{PauseID: uuid.New()},
		&event.EmergencyResume{ResumeID: uuid.New()},
		&event.ValidateSystemHealth{CheckID: uuid.New(), Epoch: &epoch},
		&event.OpenTimeslot{Epoch: epoch},
		&event.SealTimeslot{Epoch: epoch},
		&event.CancelAuction{Epoch: epoch},
		&event.CommitSupply{SupplyID: uuid.New(), Epoch: epoch},
		&event.PlaceBid{BidID: uuid.New(), Epoch: epoch},
		&event.DepositConfirmed{DepositID: uuid.New()},
		&event.WithdrawalRequested{WithdrawalID: uuid.New()},
		&event.EmergencyWithdraw{WithdrawalID: uuid.New()},
		&event.ProcessBidBatch{Epoch: epoch},
		&event.ProcessSupplyBatch{BatchID: uuid.New(), Epoch: epoch},
		&event.ExecuteClearing{Epoch: epoch},
		&event.VerifyClearing{Epoch: epoch},
		&event.SettleTimeslot{Epoch: epoch},
		&event.CalculateSellerAllocations{Epoch: epoch},
		&event.CalculateBuyerAllocation{Epoch: epoch, Buyer: fillAddr(2)},
		&event.WithdrawProceeds{Epoch: epoch, Seller: fillAddr(3)},
		&event.RedeemEnergy{Epoch: epoch, Buyer: fillAddr(2)},
		&event.RefundCancelledBuyers{Epoch: epoch},
		&event.RefundCancelledSellers{BatchID: uuid.New(), Epoch: epoch},
		&event.VerifyDelivery{ReportID: uuid.New(), Epoch: epoch},
		&event.AppealSlashing{Epoch: epoch, Seller: fillAddr(3)},
		&event.ResolveSlashingAppeal{Epoch: epoch, Seller: fillAddr(3)},
		&event.ExecuteSlashing{Epoch: epoch, Seller: fillAddr(3)},
	}

	for _, evt := range events {
		name := evt.EventType().String()
		data, err := json.Marshal(evt)
		if err != nil {
			t.Errorf("%s: marshal: %v", name, err)
			continue
		}
		got, err := event.DecodeStored(name, data)
		if err != nil {
			t.Errorf("%s: DecodeStored: %v", name, err)
			continue
		}
		if got.EventType() != evt.EventType() {
			t.Errorf("%s: decoded EventType = %v, want %v", name, got.EventType(), evt.EventType())
		}
		if reflect.TypeOf(got) != reflect.TypeOf(evt) {
			t.Errorf("%s: decoded type = %T, want %T", name, got, evt)
		}
	}
}

func TestDecodeStoredUnknownType(t *testing.T) {
	if _, err := event.DecodeStored("NotAnEvent", []byte("{}")); err == nil {
		t.Error("expected error for unknown event type, got nil")
	}
}
