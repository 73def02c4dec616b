// internal/event/clearing.go
package event

import (
	"fmt"

	"github.com/google/uuid"

	"GridClear/internal/auction"
)

// ProcessBidBatch folds a page range of a sealed book into the demand curve.
// Batches are replay-safe: already-processed pages are skipped, so keepers
// may retry or overlap ranges freely.
type ProcessBidBatch struct {
	Epoch     int64
	FromPage  uint32
	ToPage    uint32
	Sequence  int64
	Timestamp int64
}

func (p *ProcessBidBatch) IdempotencyKey() string {
	return fmt.Sprintf("clearing:%d:bids:%d-%d", p.Epoch, p.FromPage, p.ToPage)
}

func (p *ProcessBidBatch) EventType() EventType {
	return EventTypeProcessBidBatch
}

func (p *ProcessBidBatch) EpochTS() *int64 {
	return &p.Epoch
}

func (p *ProcessBidBatch) SourceSequence() int64 {
	return p.Sequence
}

// ProcessSupplyBatch folds a set of sellers into the supply curve. The
// batch id distinguishes keeper attempts; the seller set itself is
// deduplicated against already-processed sellers.
type ProcessSupplyBatch struct {
	BatchID   uuid.UUID
	Epoch     int64
	Sellers   []auction.Address
	Sequence  int64
	Timestamp int64
}

func (p *ProcessSupplyBatch) IdempotencyKey() string {
	return fmt.Sprintf("clearing:%d:supply:%s", p.Epoch, p.BatchID)
}

func (p *ProcessSupplyBatch) EventType() EventType {
	return EventTypeProcessSupplyBatch
}

func (p *ProcessSupplyBatch) EpochTS() *int64 {
	return &p.Epoch
}

func (p *ProcessSupplyBatch) SourceSequence() int64 {
	return p.Sequence
}

// ExecuteClearing runs the uniform-price cross once every page and seller
// has been aggregated.
type ExecuteClearing struct {
	Epoch     int64
	Sequence  int64
	Timestamp int64
}

func (e *ExecuteClearing) IdempotencyKey() string {
	return fmt.Sprintf("clearing:%d:execute", e.Epoch)
}

func (e *ExecuteClearing) EventType() EventType {
	return EventTypeExecuteClearing
}

func (e *ExecuteClearing) EpochTS() *int64 {
	return &e.Epoch
}

func (e *ExecuteClearing) SourceSequence() int64 {
	return e.Sequence
}

// VerifyClearing recomputes the cross from the raw book and compares it to
// the stored result before settlement may proceed.
type VerifyClearing struct {
	Epoch     int64
	Sequence  int64
	Timestamp int64
}

func (v *VerifyClearing) IdempotencyKey() string {
	return fmt.Sprintf("clearing:%d:verify", v.Epoch)
}

func (v *VerifyClearing) EventType() EventType {
	return EventTypeVerifyClearing
}

func (v *VerifyClearing) EpochTS() *int64 {
	return &v.Epoch
}

func (v *VerifyClearing) SourceSequence() int64 {
	return v.Sequence
}
