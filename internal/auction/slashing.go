package auction

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sort"

	"GridClear/internal/math"
)

// SlashingStatus is the delivery-verification state machine.
type SlashingStatus uint8

const (
	SlashReported SlashingStatus = iota
	SlashAutoTriggered
	SlashUnderAppeal
	SlashConfirmed
	SlashExecuted
	SlashReversed
)

func (s SlashingStatus) String() string {
	switch s {
	case SlashReported:
		return "Reported"
	case SlashAutoTriggered:
		return "AutoTriggered"
	case SlashUnderAppeal:
		return "UnderAppeal"
	case SlashConfirmed:
		return "Confirmed"
	case SlashExecuted:
		return "Executed"
	case SlashReversed:
		return "Reversed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo encodes the legal moves. Executed and Reversed are
// terminal.
func (s SlashingStatus) CanTransitionTo(to SlashingStatus) bool {
	switch s {
	case SlashReported, SlashAutoTriggered:
		return to == SlashUnderAppeal || to == SlashConfirmed
	case SlashUnderAppeal:
		return to == SlashConfirmed || to == SlashReversed
	case SlashConfirmed:
		return to == SlashExecuted
	default:
		return false
	}
}

// DeliveryReport is an oracle's signed meter attestation for one seller's
// dispatch. The signature covers SigningBytes with the oracle's ed25519 key,
// which is the oracle's address.
type DeliveryReport struct {
	EpochTS           int64
	Supplier          Address
	AllocatedQuantity uint64
	DeliveredQuantity uint64
	EvidenceHash      [32]byte
	Timestamp         int64
	Oracle            Address
	Signature         []byte
}

// deliverySigningPrefix domain-separates delivery attestations from any
// other payload an oracle key might sign.
const deliverySigningPrefix = "grid.delivery.v1"

// SigningBytes is the canonical byte layout the oracle signs.
func (r *DeliveryReport) SigningBytes() []byte {
	buf := make([]byte, 0, len(deliverySigningPrefix)+8+AddressLen+8+8+32+8)
	buf = append(buf, deliverySigningPrefix...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.EpochTS))
	buf = append(buf, r.Supplier[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.AllocatedQuantity)
	buf = binary.LittleEndian.AppendUint64(buf, r.DeliveredQuantity)
	buf = append(buf, r.EvidenceHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp))
	return buf
}

// VerifySignature checks the report against the embedded oracle key.
func (r *DeliveryReport) VerifySignature() bool {
	if len(r.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(r.Oracle[:]), r.SigningBytes(), r.Signature)
}

// SlashingState doubles as the delivery record for one (timeslot, seller)
// pair. A clean delivery stays Reported with zero shortfall and is never
// executed.
type SlashingState struct {
	EpochTS int64
	Seller  Address
	Oracle  Address
	Status  SlashingStatus

	AllocatedQuantity uint64
	DeliveredQuantity uint64
	Shortfall         uint64
	PenaltyAmount     uint64

	ReportedAt     int64
	AppealDeadline int64
	EvidenceHash   [32]byte
	AppealEvidence [32]byte

	// Set at execution.
	PenaltyCollected   uint64
	UnrecoveredDeficit uint64
}

// SlashingManager owns delivery and penalty state.
type SlashingManager struct {
	states map[int64]map[Address]*SlashingState
}

func NewSlashingManager() *SlashingManager {
	return &SlashingManager{
		states: make(map[int64]map[Address]*SlashingState),
	}
}

func (sm *SlashingManager) Get(epoch int64, seller Address) (*SlashingState, bool) {
	st, ok := sm.states[epoch][seller]
	return st, ok
}

// Record writes the delivery outcome. A shortfall of 10% or more of the
// allocation auto-triggers slashing with the shorter appeal window. An
// oracle may supersede its own report while the state is still Reported or
// AutoTriggered; anything later rejects the new report.
func (sm *SlashingManager) Record(report *DeliveryReport, allocationPrice uint64, slashingBps uint32) (*SlashingState, error) {
	if existing, ok := sm.states[report.EpochTS][report.Supplier]; ok {
		if existing.Status != SlashReported && existing.Status != SlashAutoTriggered {
			return nil, fmt.Errorf("delivery for seller %s in timeslot %d is already %s: %w",
				report.Supplier, report.EpochTS, existing.Status, ErrInvalidReport)
		}
	}

	var shortfall uint64
	if report.DeliveredQuantity < report.AllocatedQuantity {
		shortfall = report.AllocatedQuantity - report.DeliveredQuantity
	}

	penalty, err := math.PenaltyOf(shortfall, allocationPrice, slashingBps)
	if err != nil {
		return nil, fmt.Errorf("penalty for seller %s in timeslot %d: %w", report.Supplier, report.EpochTS, err)
	}

	status := SlashReported
	window := AppealWindowReported
	if shortfall > 0 && math.MulCompare(shortfall, 10_000, report.AllocatedQuantity, AutoTriggerThresholdBps) >= 0 {
		status = SlashAutoTriggered
		window = AppealWindowAutoTriggered
	}

	st := &SlashingState{
		EpochTS:           report.EpochTS,
		Seller:            report.Supplier,
		Oracle:            report.Oracle,
		Status:            status,
		AllocatedQuantity: report.AllocatedQuantity,
		DeliveredQuantity: report.DeliveredQuantity,
		Shortfall:         shortfall,
		PenaltyAmount:     penalty,
		ReportedAt:        report.Timestamp,
		AppealDeadline:    report.Timestamp + window,
		EvidenceHash:      report.EvidenceHash,
	}

	sellers := sm.states[report.EpochTS]
	if sellers == nil {
		sellers = make(map[Address]*SlashingState)
		sm.states[report.EpochTS] = sellers
	}
	sellers[report.Supplier] = st
	return st, nil
}

// Appeal moves a pending slashing to UnderAppeal before the deadline.
func (sm *SlashingManager) Appeal(epoch int64, seller Address, evidence [32]byte, now int64) (*SlashingState, error) {
	st, ok := sm.states[epoch][seller]
	if !ok {
		return nil, fmt.Errorf("no delivery record for seller %s in timeslot %d: %w", seller, epoch, ErrConstraintViolation)
	}
	if !st.Status.CanTransitionTo(SlashUnderAppeal) {
		return nil, fmt.Errorf("slashing for seller %s in timeslot %d is %s: %w", seller, epoch, st.Status, ErrConstraintViolation)
	}
	if now > st.AppealDeadline {
		return nil, fmt.Errorf("appeal deadline %d passed at %d for seller %s: %w", st.AppealDeadline, now, seller, ErrConstraintViolation)
	}
	st.Status = SlashUnderAppeal
	st.AppealEvidence = evidence
	return st, nil
}

// Resolve settles an appeal. Upholding it reverses the slashing; rejecting
// it confirms the penalty for execution.
func (sm *SlashingManager) Resolve(epoch int64, seller Address, upheld bool) (*SlashingState, error) {
	st, ok := sm.states[epoch][seller]
	if !ok {
		return nil, fmt.Errorf("no delivery record for seller %s in timeslot %d: %w", seller, epoch, ErrConstraintViolation)
	}
	if st.Status != SlashUnderAppeal {
		return nil, fmt.Errorf("slashing for seller %s in timeslot %d is %s, want UnderAppeal: %w", seller, epoch, st.Status, ErrConstraintViolation)
	}
	if upheld {
		st.Status = SlashReversed
	} else {
		st.Status = SlashConfirmed
	}
	return st, nil
}

// PrepareExecution gates penalty collection. Confirmed states pass; pending
// states whose appeal window lapsed are confirmed on the spot. Anything
// under appeal, reversed, already executed, or with no penalty is rejected.
func (sm *SlashingManager) PrepareExecution(epoch int64, seller Address, now int64) (*SlashingState, error) {
	st, ok := sm.states[epoch][seller]
	if !ok {
		return nil, fmt.Errorf("no delivery record for seller %s in timeslot %d: %w", seller, epoch, ErrConstraintViolation)
	}

	switch st.Status {
	case SlashConfirmed:
	case SlashReported, SlashAutoTriggered:
		if now <= st.AppealDeadline {
			return nil, fmt.Errorf("appeal window open until %d for seller %s: %w", st.AppealDeadline, seller, ErrConstraintViolation)
		}
		st.Status = SlashConfirmed
	case SlashUnderAppeal:
		return nil, fmt.Errorf("appeal pending for seller %s in timeslot %d: %w", seller, epoch, ErrConstraintViolation)
	case SlashExecuted:
		return nil, fmt.Errorf("slashing for seller %s in timeslot %d: %w", seller, epoch, ErrAlreadyClaimed)
	default:
		return nil, fmt.Errorf("slashing for seller %s in timeslot %d is %s: %w", seller, epoch, st.Status, ErrConstraintViolation)
	}

	if st.PenaltyAmount == 0 {
		return nil, fmt.Errorf("no penalty to execute for seller %s in timeslot %d: %w", seller, epoch, ErrConstraintViolation)
	}
	return st, nil
}

// MarkExecuted finalizes the penalty with what was actually collected.
func (sm *SlashingManager) MarkExecuted(epoch int64, seller Address, collected, deficit uint64) error {
	st, ok := sm.states[epoch][seller]
	if !ok {
		return fmt.Errorf("no delivery record for seller %s in timeslot %d: %w", seller, epoch, ErrConstraintViolation)
	}
	if !st.Status.CanTransitionTo(SlashExecuted) {
		return fmt.Errorf("slashing for seller %s in timeslot %d is %s: %w", seller, epoch, st.Status, ErrConstraintViolation)
	}
	st.Status = SlashExecuted
	st.PenaltyCollected = collected
	st.UnrecoveredDeficit = deficit
	return nil
}

// States returns the timeslot's delivery records ordered by seller bytes.
func (sm *SlashingManager) States(epoch int64) []*SlashingState {
	out := make([]*SlashingState, 0, len(sm.states[epoch]))
	for _, st := range sm.states[epoch] {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seller.Less(out[j].Seller) })
	return out
}

// AllEpochs lists timeslots with delivery records, ascending.
func (sm *SlashingManager) AllEpochs() []int64 {
	epochs := make([]int64, 0, len(sm.states))
	for e := range sm.states {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs
}

// Restore reinstalls a delivery record from a snapshot.
func (sm *SlashingManager) Restore(st *SlashingState) {
	sellers := sm.states[st.EpochTS]
	if sellers == nil {
		sellers = make(map[Address]*SlashingState)
		sm.states[st.EpochTS] = sellers
	}
	sellers[st.Seller] = st
}
