package account

import (
	"fmt"
	"math/big"

	"vectorcore/internal/event"
	"vectorcore/internal/fpmath"
)

// Position is one account's exposure in a single market. Size is held
// unsigned with an explicit direction; a zero size is always flat.
type Position struct {
	MarketIndex   uint16
	Side          event.Direction
	Size          uint64 // base units
	AvgEntryPrice uint64 // quote per base
	RealizedPnL   int64  // cumulative, quote units
	LastFundingTs int64
}

// IsFlat returns true if the position has no exposure
func (p *Position) IsFlat() bool {
	return p.Side == event.DirectionFlat || p.Size == 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat
func (p *Position) SideSign() int64 {
	return p.Side.Sign()
}

// UnrealizedPnL computes mark-to-market profit against the entry price.
func (p *Position) UnrealizedPnL(markPrice uint64) *big.Int {
	if p.IsFlat() {
		return big.NewInt(0)
	}
	return fpmath.UnrealizedPnL(p.SideSign(), markPrice, p.AvgEntryPrice, p.Size)
}

// Notional values the position at the given mark price.
func (p *Position) Notional(markPrice uint64) *big.Int {
	if p.IsFlat() {
		return big.NewInt(0)
	}
	return fpmath.Notional(p.Size, markPrice)
}

// Position returns the account's position in a market, or nil.
func (a *Account) Position(marketIndex uint16) *Position {
	return a.Positions[marketIndex]
}

// GetOrCreatePosition returns the existing position or a new flat one.
func (a *Account) GetOrCreatePosition(marketIndex uint16) *Position {
	pos := a.Positions[marketIndex]
	if pos == nil {
		pos = &Position{
			MarketIndex: marketIndex,
			Side:        event.DirectionFlat,
		}
		a.Positions[marketIndex] = pos
	}
	return pos
}

// ApplyFill folds one execution into the position. Returns the realized
// PnL of any closed portion; opening and increasing realize nothing.
// The position is updated in place only when every arithmetic step
// succeeds, so a failed fill leaves it unchanged.
func (a *Account) ApplyFill(marketIndex uint16, side event.Direction, quantity, price uint64) (int64, error) {
	pos := a.GetOrCreatePosition(marketIndex)

	// Flat position: open new
	if pos.IsFlat() {
		pos.Side = side
		pos.Size = quantity
		pos.AvgEntryPrice = price
		return 0, nil
	}

	// Same side: increase at blended entry
	if pos.Side == side {
		newSize, err := fpmath.AddU64(pos.Size, quantity)
		if err != nil {
			return 0, fmt.Errorf("increase position: %w", err)
		}
		newEntry := fpmath.AvgEntryPrice(pos.Size, pos.AvgEntryPrice, quantity, price)
		pos.Size = newSize
		pos.AvgEntryPrice = newEntry
		return 0, nil
	}

	// Opposite side: reduce, close, or flip
	switch {
	case quantity < pos.Size:
		pnl, err := closePnL(pos, quantity, price)
		if err != nil {
			return 0, err
		}
		pos.Size -= quantity
		pos.RealizedPnL += pnl
		return pnl, nil

	case quantity == pos.Size:
		pnl, err := closePnL(pos, quantity, price)
		if err != nil {
			return 0, err
		}
		pos.Side = event.DirectionFlat
		pos.Size = 0
		pos.AvgEntryPrice = 0
		pos.RealizedPnL += pnl
		return pnl, nil

	default:
		// Close the whole position, open the remainder on the other side
		pnl, err := closePnL(pos, pos.Size, price)
		if err != nil {
			return 0, err
		}
		remaining := quantity - pos.Size
		pos.Side = side
		pos.Size = remaining
		pos.AvgEntryPrice = price
		pos.RealizedPnL += pnl
		return pnl, nil
	}
}

func closePnL(pos *Position, closedQty, exitPrice uint64) (int64, error) {
	pnl := fpmath.UnrealizedPnL(pos.SideSign(), exitPrice, pos.AvgEntryPrice, closedQty)
	if !pnl.IsInt64() {
		return 0, fmt.Errorf("close %d @ %d: realized pnl: %w", closedQty, exitPrice, fpmath.ErrOverflow)
	}
	return pnl.Int64(), nil
}
