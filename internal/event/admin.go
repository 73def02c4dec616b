package event

import (
	"fmt"

	"github.com/google/uuid"

	"GridClear/internal/auction"
)

// Initialize bootstraps the marketplace config: authority, council and
// oracle sets, fee schedule, and asset pair. Applied exactly once.
type Initialize struct {
	Authority          auction.Address
	Council            []auction.Address
	Oracles            []auction.Address
	FeeBps             uint32
	SlashingPenaltyBps uint32
	QuoteAsset         string
	EnergyAsset        string
	Sequence           int64
	Timestamp          int64
}

func (i *Initialize) IdempotencyKey() string {
	return fmt.Sprintf("init:%s", i.Authority)
}

func (i *Initialize) EventType() EventType {
	return EventTypeInitialize
}

func (i *Initialize) EpochTS() *int64 {
	return nil // Global event
}

func (i *Initialize) SourceSequence() int64 {
	return i.Sequence
}

// GridParamUpdate changes one governance parameter. When received, the core
// validates the value against the parameter's bounds and bumps the config
// version. Target carries the oracle address for add_oracle/remove_oracle
// and is zero otherwise.
type GridParamUpdate struct {
	Param        string // fee_bps, slashing_penalty_bps, max_sellers, delivery_window, add_oracle, remove_oracle
	Value        uint64
	Target       auction.Address
	Authority    auction.Address
	EffectiveSeq int64 // Sequence at which the parameter takes effect
	Sequence     int64
	Timestamp    int64
}

func (g *GridParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("param:%s:%d", g.Param, g.EffectiveSeq)
}

func (g *GridParamUpdate) EventType() EventType {
	return EventTypeGridParamUpdate
}

func (g *GridParamUpdate) EpochTS() *int64 {
	return nil
}

func (g *GridParamUpdate) SourceSequence() int64 {
	return g.Sequence
}

// EmergencyPause halts all mutating operations except the recovery set.
type EmergencyPause struct {
	PauseID   uuid.UUID
	Authority auction.Address
	Reason    string
	Sequence  int64
	Timestamp int64
}

func (e *EmergencyPause) IdempotencyKey() string {
	return e.PauseID.String()
}

func (e *EmergencyPause) EventType() EventType {
	return EventTypeEmergencyPause
}

func (e *EmergencyPause) EpochTS() *int64 {
	return nil
}

func (e *EmergencyPause) SourceSequence() int64 {
	return e.Sequence
}

// EmergencyResume lifts a pause.
type EmergencyResume struct {
	ResumeID  uuid.UUID
	Authority auction.Address
	Sequence  int64
	Timestamp int64
}

func (e *EmergencyResume) IdempotencyKey() string {
	return e.ResumeID.String()
}

func (e *EmergencyResume) EventType() EventType {
	return EventTypeEmergencyResume
}

func (e *EmergencyResume) EpochTS() *int64 {
	return nil
}

func (e *EmergencyResume) SourceSequence() int64 {
	return e.Sequence
}

// ValidateSystemHealth runs the conservation checks on demand: one timeslot
// when Epoch is set, every live timeslot otherwise. Read-only; a violation
// fails the event so operators see it in the reject stream.
type ValidateSystemHealth struct {
	CheckID   uuid.UUID
	Epoch     *int64
	Sequence  int64
	Timestamp int64
}

func (v *ValidateSystemHealth) IdempotencyKey() string {
	return fmt.Sprintf("health:%s", v.CheckID)
}

func (v *ValidateSystemHealth) EventType() EventType {
	return EventTypeValidateSystemHealth
}

// EpochTS is nil even for a scoped check: health checks ride the global
// partition alongside the other admin traffic, and the scope lives in the
// payload. Binding them to a timeslot partition would force the injector to
// know per-timeslot cursors.
func (v *ValidateSystemHealth) EpochTS() *int64 {
	return nil
}

func (v *ValidateSystemHealth) SourceSequence() int64 {
	return v.Sequence
}
