package engine

import (
	"errors"
	"math"
	"testing"

	"vectorcore/internal/fpmath"
)

// The liquidation path previews the collateral balance after a close
// before it moves any state. The preview has to refuse a credit the
// balance cannot hold, or the later apply would trip its overflow trap.

func TestPreviewSigned_CreditOverflowFails(t *testing.T) {
	if _, err := previewSigned(math.MaxUint64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if _, err := previewSigned(math.MaxUint64-5, 100); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow near the top of the range, got %v", err)
	}
}

func TestPreviewSigned_DebitFloorsAtZero(t *testing.T) {
	got, err := previewSigned(100, -500)
	if err != nil {
		t.Fatalf("debit preview failed: %v", err)
	}
	if got != 0 {
		t.Errorf("expected floor at 0, got %d", got)
	}
}

func TestPreviewSigned_AppliesDeltaWithinRange(t *testing.T) {
	got, err := previewSigned(1000, 250)
	if err != nil || got != 1250 {
		t.Errorf("credit preview: got %d, err %v", got, err)
	}
	got, err = previewSigned(1000, -250)
	if err != nil || got != 750 {
		t.Errorf("debit preview: got %d, err %v", got, err)
	}
}
