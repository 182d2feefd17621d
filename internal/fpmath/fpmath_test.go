package fpmath_test

import (
	"errors"
	"math"
	"testing"

	"vectorcore/internal/fpmath"

	"github.com/google/uuid"
)

// ============================================================================
// Test: checked arithmetic
// ============================================================================

func TestAddU64_Overflow(t *testing.T) {
	if _, err := fpmath.AddU64(math.MaxUint64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("want ErrOverflow, got %v", err)
	}

	sum, err := fpmath.AddU64(math.MaxUint64-1, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != math.MaxUint64 {
		t.Errorf("got %d, want MaxUint64", sum)
	}
}

func TestSubU64_Underflow(t *testing.T) {
	if _, err := fpmath.SubU64(5, 6); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("want ErrOverflow, got %v", err)
	}

	diff, err := fpmath.SubU64(5, 5)
	if err != nil || diff != 0 {
		t.Errorf("got (%d, %v), want (0, nil)", diff, err)
	}
}

func TestMulU64_Overflow(t *testing.T) {
	if _, err := fpmath.MulU64(math.MaxUint64, 2); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("want ErrOverflow, got %v", err)
	}
}

// ============================================================================
// Test: reference price
// ============================================================================

func TestReferencePrice(t *testing.T) {
	// Reserves (base=1_000_000, quote=50_000_000) derive a price of 50.
	price, err := fpmath.ReferencePrice(50_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price != 50 {
		t.Errorf("got %d, want 50", price)
	}
}

func TestReferencePrice_TruncatesTowardZero(t *testing.T) {
	price, err := fpmath.ReferencePrice(7, 2)
	if err != nil {
		t.Fatal(err)
	}
	if price != 3 {
		t.Errorf("got %d, want 3", price)
	}
}

func TestReferencePrice_ZeroBaseReserve(t *testing.T) {
	if _, err := fpmath.ReferencePrice(50_000_000, 0); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Fatalf("want ErrDivisionByZero, got %v", err)
	}
}

// ============================================================================
// Test: liquidation fee
// ============================================================================

func TestLiquidationFee(t *testing.T) {
	// 10 base at mark 52 -> notional 520 -> fee 0 (truncated)
	fee, err := fpmath.LiquidationFee(10, 52)
	if err != nil {
		t.Fatal(err)
	}
	if fee != 0 {
		t.Errorf("got %d, want 0", fee)
	}

	// 100_000 base at mark 52 -> notional 5_200_000 -> fee 5200
	fee, err = fpmath.LiquidationFee(100_000, 52)
	if err != nil {
		t.Fatal(err)
	}
	if fee != 5_200 {
		t.Errorf("got %d, want 5200", fee)
	}
}

func TestLiquidationFee_Overflow(t *testing.T) {
	if _, err := fpmath.LiquidationFee(math.MaxUint64, 2); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("want ErrOverflow, got %v", err)
	}
}

// ============================================================================
// Test: funding rate and settlement
// ============================================================================

func TestFundingRatePPM(t *testing.T) {
	// mark 52 vs reference 50 -> +4%
	rate, err := fpmath.FundingRatePPM(52, 50)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 40_000 {
		t.Errorf("got %d, want 40000", rate)
	}

	// mark below reference -> negative rate
	rate, err = fpmath.FundingRatePPM(48, 50)
	if err != nil {
		t.Fatal(err)
	}
	if rate != -40_000 {
		t.Errorf("got %d, want -40000", rate)
	}
}

func TestFundingRatePPM_ZeroReference(t *testing.T) {
	if _, err := fpmath.FundingRatePPM(52, 0); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Fatalf("want ErrDivisionByZero, got %v", err)
	}
}

func TestFundingPayment_Signs(t *testing.T) {
	// Positive rate: long pays, short receives.
	long, err := fpmath.FundingPayment(40_000, 1_000, 50, +1)
	if err != nil {
		t.Fatalf("long payment: %v", err)
	}
	short, err := fpmath.FundingPayment(40_000, 1_000, 50, -1)
	if err != nil {
		t.Fatalf("short payment: %v", err)
	}

	if long <= 0 {
		t.Errorf("long payment should be positive, got %d", long)
	}
	if short >= 0 {
		t.Errorf("short payment should be negative, got %d", short)
	}
	if long != -short {
		t.Errorf("symmetric exposures should offset: long=%d short=%d", long, short)
	}
}

func TestFundingPayment_Overflow(t *testing.T) {
	// notional(MaxUint64, MaxUint64) at full-scale rate lands far outside
	// int64; the payment must fail, never saturate.
	if _, err := fpmath.FundingPayment(fpmath.PPMScale, math.MaxUint64, math.MaxUint64, +1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("want ErrOverflow, got %v", err)
	}
	if _, err := fpmath.FundingPayment(fpmath.PPMScale, math.MaxUint64, math.MaxUint64, -1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("want ErrOverflow on the receiving side, got %v", err)
	}
}

func TestComputeFundingSettlement_ZeroSumResidual(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	settlement, err := fpmath.ComputeFundingSettlement(0, 40_000, 50, []fpmath.PositionExposure{
		{UserID: a, Size: 1_000, SideSign: +1},
		{UserID: b, Size: 999, SideSign: -1}, // slightly smaller short
	})
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}

	var net int64
	for _, p := range settlement.Payments {
		net += p.Payment
	}
	if net != settlement.Residual {
		t.Errorf("residual mismatch: net=%d residual=%d", net, settlement.Residual)
	}
}

func TestComputeFundingSettlement_DeterministicOrder(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	// Feed positions in reverse order; output must be sorted by user id.
	settlement, err := fpmath.ComputeFundingSettlement(0, 40_000, 50, []fpmath.PositionExposure{
		{UserID: b, Size: 1_000, SideSign: -1},
		{UserID: a, Size: 1_000, SideSign: +1},
	})
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}

	if len(settlement.Payments) != 2 {
		t.Fatalf("want 2 payments, got %d", len(settlement.Payments))
	}
	if settlement.Payments[0].UserID != a {
		t.Errorf("payments not sorted by user id")
	}
}

func TestComputeFundingSettlement_SkipsFlat(t *testing.T) {
	settlement, err := fpmath.ComputeFundingSettlement(0, 40_000, 50, []fpmath.PositionExposure{
		{UserID: uuid.New(), Size: 0, SideSign: +1},
	})
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if len(settlement.Payments) != 0 {
		t.Errorf("flat positions must not settle, got %d payments", len(settlement.Payments))
	}
}

func TestComputeFundingSettlement_OverflowFailsWholeEpoch(t *testing.T) {
	_, err := fpmath.ComputeFundingSettlement(0, fpmath.PPMScale, math.MaxUint64, []fpmath.PositionExposure{
		{UserID: uuid.New(), Size: math.MaxUint64, SideSign: -1},
	})
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("want ErrOverflow, got %v", err)
	}
}

// ============================================================================
// Test: PnL and entry price
// ============================================================================

func TestUnrealizedPnL(t *testing.T) {
	// Long 10 from 50, mark 52 -> +20
	pnl := fpmath.UnrealizedPnL(+1, 52, 50, 10)
	if pnl.Int64() != 20 {
		t.Errorf("got %d, want 20", pnl.Int64())
	}

	// Short 10 from 50, mark 52 -> -20
	pnl = fpmath.UnrealizedPnL(-1, 52, 50, 10)
	if pnl.Int64() != -20 {
		t.Errorf("got %d, want -20", pnl.Int64())
	}
}

func TestAvgEntryPrice(t *testing.T) {
	// Fresh position takes the fill price.
	if got := fpmath.AvgEntryPrice(0, 0, 10, 50); got != 50 {
		t.Errorf("got %d, want 50", got)
	}

	// 10 @ 50 + 10 @ 60 -> 55
	if got := fpmath.AvgEntryPrice(10, 50, 10, 60); got != 55 {
		t.Errorf("got %d, want 55", got)
	}
}
