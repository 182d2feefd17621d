package fpmath

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
)

// FundingRatePPM computes (markPrice - referencePrice) / referencePrice
// scaled to parts-per-million, truncated toward zero. Positive when the
// perp trades above its reference: longs pay shorts.
func FundingRatePPM(markPrice, referencePrice uint64) (int64, error) {
	if referencePrice == 0 {
		return 0, ErrDivisionByZero
	}
	num := new(big.Int).SetUint64(markPrice)
	ref := big.NewInt(0).SetUint64(referencePrice)
	num.Sub(num, ref)
	num.Mul(num, big.NewInt(PPMScale))
	num.Quo(num, ref)
	if !num.IsInt64() {
		return 0, ErrOverflow
	}
	return num.Int64(), nil
}

// FundingPayment computes the payment owed by one position for an epoch:
// notional(mark) * ratePPM / 1_000_000, signed by the side. Positive means
// the position pays; negative means it receives. A payment outside int64
// fails with ErrOverflow rather than saturating.
func FundingPayment(ratePPM int64, size, markPrice uint64, sideSign int64) (int64, error) {
	pay := Notional(size, markPrice)
	pay.Mul(pay, big.NewInt(ratePPM))
	pay.Quo(pay, big.NewInt(PPMScale))
	pay.Mul(pay, big.NewInt(sideSign))
	if !pay.IsInt64() {
		return 0, ErrOverflow
	}
	return pay.Int64(), nil
}

// PositionExposure is the slice element fed into ComputeFundingSettlement.
type PositionExposure struct {
	UserID   uuid.UUID
	Size     uint64
	SideSign int64 // +1 long, -1 short
}

// AccountPayment is a single settled funding leg. Positive = account pays.
type AccountPayment struct {
	UserID  uuid.UUID
	Payment int64
}

// FundingSettlement is the deterministic result of settling one epoch.
type FundingSettlement struct {
	MarketIndex uint16
	RatePPM     int64
	MarkPrice   uint64
	Payments    []AccountPayment
	// Residual is totalPaid - totalReceived after truncation; it is posted
	// to the insurance fund so the settlement stays zero-sum.
	Residual int64
}

// ComputeFundingSettlement computes funding legs for every open position in
// a market. Positions are sorted by user id so replays produce identical
// output byte-for-byte. Any leg that overflows fails the whole settlement.
func ComputeFundingSettlement(
	marketIndex uint16,
	ratePPM int64,
	markPrice uint64,
	positions []PositionExposure,
) (*FundingSettlement, error) {
	sort.Slice(positions, func(i, j int) bool {
		a, b := positions[i].UserID, positions[j].UserID
		for k := 0; k < 16; k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})

	payments := make([]AccountPayment, 0, len(positions))
	var totalPaid, totalReceived int64

	for _, pos := range positions {
		if pos.Size == 0 {
			continue
		}

		payment, err := FundingPayment(ratePPM, pos.Size, markPrice, pos.SideSign)
		if err != nil {
			return nil, fmt.Errorf("funding leg for %s: %w", pos.UserID, err)
		}
		if payment == 0 {
			continue
		}

		payments = append(payments, AccountPayment{UserID: pos.UserID, Payment: payment})
		if payment > 0 {
			totalPaid += payment
		} else {
			totalReceived += -payment
		}
	}

	return &FundingSettlement{
		MarketIndex: marketIndex,
		RatePPM:     ratePPM,
		MarkPrice:   markPrice,
		Payments:    payments,
		Residual:    totalPaid - totalReceived,
	}, nil
}
