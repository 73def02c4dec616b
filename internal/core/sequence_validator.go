package core

import (
	"fmt"
	"log"
)

const oraclePartitionPrefix = "oracle:"

// SequenceValidator tracks the next expected source sequence per partition
// (`global`, `timeslot:<epoch>`, `oracle:<address>`). Command partitions are
// strict: a gap or an out-of-order new event is an error. Oracle feed
// partitions only guard against stale readings, since meter feeds are
// sampled upstream and gaps are normal.
// Not thread-safe; owned by the core goroutine.
type SequenceValidator struct {
	next map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{next: make(map[string]int64)}
}

// ValidateSequence enforces strict ordering on a command partition and
// advances the cursor on an exact match. A stale sequence is tolerated only
// when the idempotency tier already knows the event.
func (sv *SequenceValidator) ValidateSequence(partition string, seq int64, idempotencyKey string, isDuplicate bool) error {
	expected := sv.next[partition]

	switch {
	case seq == expected:
		sv.next[partition] = expected + 1
		return nil
	case seq < expected:
		if isDuplicate {
			return nil
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d (key=%s)",
			partition, expected, seq, idempotencyKey)
	default:
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
			partition, expected, seq)
	}
}

// ValidateOracleSequence admits a delivery-oracle reading unless it is
// stale. A stale reading returns false and the caller must skip it: a late
// report must never supersede a newer one.
func (sv *SequenceValidator) ValidateOracleSequence(oracle string, feedSeq int64) bool {
	partition := oraclePartitionPrefix + oracle
	expected := sv.next[partition]

	if feedSeq < expected {
		return false
	}
	if feedSeq > expected+1 && expected > 0 {
		log.Printf("WARN: oracle feed gap: oracle=%s, expected=%d, got=%d", oracle, expected, feedSeq)
	}
	sv.next[partition] = feedSeq + 1
	return true
}

// GetExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.next[partition]
}

// RestorePartition reinstalls a cursor during snapshot restore.
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.next[partition] = nextSeq
}

// GetAllPartitions copies the cursors for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.next))
	for partition, seq := range sv.next {
		out[partition] = seq
	}
	return out
}
