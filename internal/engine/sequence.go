package engine

import (
	"errors"
	"fmt"
)

// ErrSequenceGap means the request's source sequence ran ahead of the
// partition's expected value. The predecessor may still be in flight,
// so callers treat this as retryable.
var ErrSequenceGap = errors.New("sequence gap")

// SequenceValidator validates source sequences per partition.
// Not thread-safe; only accessed from the single-threaded engine.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// ValidateSequence checks source sequence ordering
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Already processed upstream replay
			return nil
		}
		return fmt.Errorf("out-of-order request: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// ValidateOracleSequence validates oracle batches. Gaps are tolerated:
// a missed reading only delays freshness, unlike a missed fill.
func (sv *SequenceValidator) ValidateOracleSequence(sourceSequence int64) (stale bool) {
	const partition = "oracle"

	expected := sv.expectedNextSeq[partition]

	if sourceSequence <= expected {
		// Stale reading, silently ignored
		return true
	}

	sv.expectedNextSeq[partition] = sourceSequence

	return false
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Partitions returns a copy of the partition map for snapshots.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
