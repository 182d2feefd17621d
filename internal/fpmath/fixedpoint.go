package fpmath

import (
	"math/big"
	"sync"
)

// All risk arithmetic is integer fixed-point. Prices and base amounts are
// plain uint64 quantities; fractions use one of two fixed scales.
const (
	// BpsScale is the basis-point scale used for margin ratios (10000 = 100%).
	BpsScale = 10_000

	// PPMScale is the parts-per-million scale used for funding rates.
	PPMScale = 1_000_000

	// LiquidationFeeDivisor encodes the fixed 0.1% liquidation fee.
	LiquidationFeeDivisor = 1_000
)

// Pooled big.Int for intermediate products that may exceed 64 bits.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// Notional returns baseAmount * price as a big.Int, sized for comparisons
// that must survive the full uint64 range on both operands.
func Notional(baseAmount, price uint64) *big.Int {
	a := new(big.Int).SetUint64(baseAmount)
	b := getBig().SetUint64(price)
	a.Mul(a, b)
	putBig(b)
	return a
}

// RatioBps returns value * bps / 10000 truncated toward zero.
func RatioBps(value *big.Int, bps uint32) *big.Int {
	out := new(big.Int).Mul(value, big.NewInt(int64(bps)))
	return out.Quo(out, big.NewInt(BpsScale))
}

// ReferencePrice derives the AMM-style reserve price quote/base with
// truncation toward zero. A zero base reserve is a misconfigured market.
func ReferencePrice(quoteReserve, baseReserve uint64) (uint64, error) {
	if baseReserve == 0 {
		return 0, ErrDivisionByZero
	}
	return quoteReserve / baseReserve, nil
}

// LiquidationFee computes baseAmount * markPrice / 1000 (0.1%) with a
// checked multiply that fails rather than wraps.
func LiquidationFee(baseAmount, markPrice uint64) (uint64, error) {
	notional, err := MulU64(baseAmount, markPrice)
	if err != nil {
		return 0, err
	}
	return notional / LiquidationFeeDivisor, nil
}

// UnrealizedPnL returns sideSign * (markPrice - entryPrice) * size.
// sideSign is +1 for long, -1 for short. The result is exact (big.Int);
// callers settle it against collateral with checked arithmetic.
func UnrealizedPnL(sideSign int64, markPrice, entryPrice, size uint64) *big.Int {
	diff := new(big.Int).SetUint64(markPrice)
	entry := getBig().SetUint64(entryPrice)
	diff.Sub(diff, entry)
	putBig(entry)

	sz := getBig().SetUint64(size)
	diff.Mul(diff, sz)
	putBig(sz)

	if sideSign < 0 {
		diff.Neg(diff)
	}
	return diff
}

// AvgEntryPrice returns the size-weighted average entry price after adding
// fillSize at fillPrice to an existing position of oldSize at oldEntry.
// Truncates toward zero, matching the rest of the price arithmetic.
func AvgEntryPrice(oldSize, oldEntry, fillSize, fillPrice uint64) uint64 {
	if oldSize == 0 {
		return fillPrice
	}
	num := Notional(oldSize, oldEntry)
	fill := Notional(fillSize, fillPrice)
	num.Add(num, fill)
	den := new(big.Int).SetUint64(oldSize + fillSize)
	num.Quo(num, den)
	return num.Uint64()
}
