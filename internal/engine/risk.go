package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"vectorcore/internal/account"
	"vectorcore/internal/event"
	"vectorcore/internal/fpmath"
)

func (e *Engine) handleFundingTick(req *event.FundingTick) (interface{}, *touchSet, error) {
	ex, err := e.registry.Exchange()
	if err != nil {
		return nil, nil, err
	}
	m, err := e.markets.Get(req.Market)
	if err != nil {
		return nil, nil, err
	}
	if !m.FundingDue(req.Timestamp) {
		return nil, nil, fmt.Errorf("market %d: %w", m.Index, ErrFundingNotDue)
	}

	mark, err := m.FreshMarkPrice(req.Timestamp, ex.OracleConfig.StalenessThreshold)
	if err != nil {
		return nil, nil, fmt.Errorf("funding: %w", err)
	}
	ref, err := m.ReferencePrice()
	if err != nil {
		return nil, nil, err
	}
	rate, err := fpmath.FundingRatePPM(mark, ref)
	if err != nil {
		return nil, nil, fmt.Errorf("funding rate: %w", err)
	}

	// Collect exposures across all accounts. Settlement output is sorted
	// by user id, so map iteration order here does not matter.
	exposures := make([]fpmath.PositionExposure, 0)
	for _, a := range e.accounts.All() {
		pos := a.Position(m.Index)
		if pos == nil || pos.IsFlat() {
			continue
		}
		exposures = append(exposures, fpmath.PositionExposure{
			UserID:   a.UserID,
			Size:     pos.Size,
			SideSign: pos.SideSign(),
		})
	}

	settlement, err := fpmath.ComputeFundingSettlement(m.Index, rate, mark, exposures)
	if err != nil {
		return nil, nil, fmt.Errorf("funding settlement: %w", err)
	}

	touched := &touchSet{exchange: true}
	touched.market(m.Index)

	// Apply every leg. A payer short of collateral pays what it has and
	// the insurance fund absorbs the difference, so receivers are whole
	// and the settlement stays zero-sum.
	var netApplied int64
	payments := make([]event.FundingPaymentRecord, 0, len(settlement.Payments))
	for _, leg := range settlement.Payments {
		a, err := e.accounts.Get(leg.UserID)
		if err != nil {
			panic(fmt.Sprintf("FATAL: funding leg for unknown account %s", leg.UserID))
		}
		applied, shortfall := e.applySignedCollateral(a, -leg.Payment)
		if shortfall > 0 {
			ex.InsuranceFund -= int64(shortfall)
		}
		netApplied += applied
		if pos := a.Position(m.Index); pos != nil {
			pos.LastFundingTs = req.Timestamp.Unix()
		}
		touched.account(a.UserID)
		payments = append(payments, event.FundingPaymentRecord{
			UserID:          leg.UserID,
			Amount:          -leg.Payment,
			CollateralAfter: a.Collateral,
		})
	}
	ex.InsuranceFund += settlement.Residual
	e.adjustTotal(ex, netApplied)

	m.LastFundingRate = rate
	m.LastFundingRateTs = req.Timestamp

	if e.metrics != nil {
		label := fmt.Sprint(m.Index)
		e.metrics.FundingTicksSettled.WithLabelValues(label).Inc()
		e.metrics.FundingPositions.WithLabelValues(label).Add(float64(len(payments)))
		e.metrics.FundingResidual.WithLabelValues(label).Set(float64(settlement.Residual))
	}

	return &event.FundingRecord{
		TickID:      req.TickID,
		MarketIndex: m.Index,
		RatePPM:     rate,
		MarkPrice:   mark,
		Payments:    payments,
		Residual:    settlement.Residual,
	}, touched, nil
}

// IsLiquidatable re-derives margin candidacy from live prices at the
// given time. The stored flag on the account is advisory only.
func (e *Engine) IsLiquidatable(userID uuid.UUID, at time.Time) (bool, error) {
	ex, err := e.registry.Exchange()
	if err != nil {
		return false, err
	}
	a, err := e.accounts.Get(userID)
	if err != nil {
		return false, err
	}

	status, err := a.MarginStatusAt(e.freshPriceAt(at), ex.LiquidationConfig.MarginBufferBps)
	if err != nil {
		return false, err
	}
	a.LiquidationCandidate = status == account.MarginStatusLiquidatable
	return a.LiquidationCandidate, nil
}

func (e *Engine) handleLiquidate(req *event.Liquidate) (interface{}, *touchSet, error) {
	ex, err := e.registry.Exchange()
	if err != nil {
		return nil, nil, err
	}
	m, err := e.markets.Get(req.Market)
	if err != nil {
		return nil, nil, err
	}
	target, err := e.accounts.Get(req.UserID)
	if err != nil {
		return nil, nil, err
	}
	liquidator, err := e.accounts.Get(req.LiquidatorID)
	if err != nil {
		return nil, nil, fmt.Errorf("liquidator: %w", err)
	}

	mark, err := m.FreshMarkPrice(req.Timestamp, ex.OracleConfig.StalenessThreshold)
	if err != nil {
		return nil, nil, fmt.Errorf("liquidate: %w", err)
	}

	// Candidacy is re-derived here, never trusted from the stored flag:
	// with the engine serialized, a second liquidation request against a
	// cured account fails on this check.
	status, err := target.MarginStatusAt(e.freshPriceAt(req.Timestamp), ex.LiquidationConfig.MarginBufferBps)
	if err != nil {
		return nil, nil, fmt.Errorf("liquidate: %w", err)
	}
	if status != account.MarginStatusLiquidatable {
		return nil, nil, fmt.Errorf("account %s: %w", req.UserID, ErrNotLiquidatable)
	}

	pos := target.Position(m.Index)
	if pos == nil || pos.IsFlat() {
		return nil, nil, fmt.Errorf("account %s market %d: %w", req.UserID, m.Index, ErrNoPosition)
	}

	closeQty := pos.Size
	if req.MaxBaseAmount > 0 && req.MaxBaseAmount < closeQty {
		closeQty = req.MaxBaseAmount
	}

	// Everything fallible is computed before any state moves.
	fee, err := fpmath.LiquidationFee(closeQty, mark)
	if err != nil {
		return nil, nil, fmt.Errorf("liquidation fee: %w", err)
	}
	pnlBig := fpmath.UnrealizedPnL(pos.SideSign(), mark, pos.AvgEntryPrice, closeQty)
	if !pnlBig.IsInt64() {
		return nil, nil, fmt.Errorf("liquidation pnl: %w", fpmath.ErrOverflow)
	}
	pnl := pnlBig.Int64()

	// Preview collateral after the close to enforce the fee precondition
	// without mutating.
	postClose, err := previewSigned(target.Collateral, pnl)
	if err != nil {
		return nil, nil, fmt.Errorf("liquidation close preview: %w", err)
	}
	if postClose < fee {
		return nil, nil, fmt.Errorf("%w: collateral after close %d cannot cover liquidation fee %d",
			account.ErrInsufficientCollateral, postClose, fee)
	}

	// Close up to closeQty at mark.
	realized, err := target.ApplyFill(m.Index, pos.Side.Opposite(), closeQty, mark)
	if err != nil {
		panic(fmt.Sprintf("FATAL: liquidation close after preview: %v", err))
	}
	applied, shortfall := e.applySignedCollateral(target, realized)
	var deficit uint64
	if shortfall > 0 {
		deficit = shortfall
		ex.InsuranceFund -= int64(shortfall)
	}
	e.adjustTotal(ex, applied)

	// Fee moves target -> liquidator; the aggregate is unchanged.
	if err := target.Debit(fee); err != nil {
		panic(fmt.Sprintf("FATAL: liquidation fee debit after preview: %v", err))
	}
	if err := liquidator.Credit(fee); err != nil {
		panic(fmt.Sprintf("FATAL: liquidation fee credit overflow for %s", liquidator.UserID))
	}

	target.LiquidationCandidate = false
	target.LastActiveSlot = e.lastSlot

	outcome := "closed"
	if deficit > 0 {
		outcome = "bankrupt"
	}
	if e.metrics != nil {
		label := fmt.Sprint(m.Index)
		e.metrics.LiquidationsCompleted.WithLabelValues(label, outcome).Inc()
		if deficit > 0 {
			e.metrics.LiquidationDeficit.WithLabelValues(label).Add(float64(deficit))
		}
	}

	touched := &touchSet{exchange: true}
	touched.account(target.UserID)
	touched.account(liquidator.UserID)
	touched.market(m.Index)
	return &event.LiquidationRecord{
		LiquidationID:             req.LiquidationID,
		LiquidatorID:              req.LiquidatorID,
		UserID:                    req.UserID,
		MarketIndex:               m.Index,
		ClosedBase:                closeQty,
		MarkPrice:                 mark,
		RealizedPnL:               realized,
		Fee:                       fee,
		InsurancePortion:          0,
		LiquidatorReward:          fee,
		Deficit:                   deficit,
		RemainingBase:             pos.Size,
		RemainingSide:             pos.Side,
		RemainingEntry:            pos.AvgEntryPrice,
		TargetCollateralAfter:     target.Collateral,
		LiquidatorCollateralAfter: liquidator.Collateral,
	}, touched, nil
}

// previewSigned returns the collateral balance after applying a signed
// delta with the same flooring rule as applySignedCollateral. A credit
// past the uint64 range fails with ErrOverflow instead of saturating.
func previewSigned(collateral uint64, delta int64) (uint64, error) {
	if delta >= 0 {
		next, err := fpmath.AddU64(collateral, uint64(delta))
		if err != nil {
			return 0, fmt.Errorf("collateral credit: %w", err)
		}
		return next, nil
	}
	debit := uint64(-delta)
	if debit > collateral {
		return 0, nil
	}
	return collateral - debit, nil
}
