package account

import (
	"math/big"

	"vectorcore/internal/fpmath"
)

// PriceFunc resolves the mark price for a market. Implementations return
// an error when the price is missing or stale; margin evaluation fails
// closed in that case rather than valuing exposure at a guess.
type PriceFunc func(marketIndex uint16) (uint64, error)

// MarginStatus represents an account's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// Equity returns collateral plus unrealized PnL across all positions.
// It can be negative, which is why the result is a big.Int rather than
// the unsigned collateral balance.
func (a *Account) Equity(price PriceFunc) (*big.Int, error) {
	equity := new(big.Int).SetUint64(a.Collateral)
	for _, pos := range a.Positions {
		if pos.IsFlat() {
			continue
		}
		mark, err := price(pos.MarketIndex)
		if err != nil {
			return nil, err
		}
		equity.Add(equity, pos.UnrealizedPnL(mark))
	}
	return equity, nil
}

// TotalNotional sums position notional at mark across all markets.
func (a *Account) TotalNotional(price PriceFunc) (*big.Int, error) {
	total := new(big.Int)
	for _, pos := range a.Positions {
		if pos.IsFlat() {
			continue
		}
		mark, err := price(pos.MarketIndex)
		if err != nil {
			return nil, err
		}
		total.Add(total, pos.Notional(mark))
	}
	return total, nil
}

// MarginStatusAt classifies the account against its maintenance and
// initial requirements, widened by bufferBps for the liquidation bound.
// An account with no exposure is always healthy.
func (a *Account) MarginStatusAt(price PriceFunc, bufferBps uint32) (MarginStatus, error) {
	notional, err := a.TotalNotional(price)
	if err != nil {
		return MarginStatusHealthy, err
	}
	if notional.Sign() == 0 {
		return MarginStatusHealthy, nil
	}

	equity, err := a.Equity(price)
	if err != nil {
		return MarginStatusHealthy, err
	}

	liquidationBound := fpmath.RatioBps(notional, a.LiquidationMarginRatioBps+bufferBps)
	if equity.Cmp(liquidationBound) < 0 {
		return MarginStatusLiquidatable, nil
	}

	initialBound := fpmath.RatioBps(notional, a.MarginRatioBps)
	if equity.Cmp(initialBound) < 0 {
		return MarginStatusAtRisk, nil
	}
	return MarginStatusHealthy, nil
}

// FreeCollateral returns equity minus the initial margin requirement,
// floored at zero. Withdrawals are limited to this amount.
func (a *Account) FreeCollateral(price PriceFunc) (uint64, error) {
	equity, err := a.Equity(price)
	if err != nil {
		return 0, err
	}
	notional, err := a.TotalNotional(price)
	if err != nil {
		return 0, err
	}

	free := new(big.Int).Sub(equity, fpmath.RatioBps(notional, a.MarginRatioBps))
	if free.Sign() <= 0 {
		return 0, nil
	}
	// Free collateral is capped at the cash balance: unrealized profit
	// cannot be withdrawn before it is realized.
	if free.IsUint64() && free.Uint64() < a.Collateral {
		return free.Uint64(), nil
	}
	return a.Collateral, nil
}
