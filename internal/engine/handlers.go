package engine

import (
	"context"
	"fmt"
	"time"

	"vectorcore/internal/account"
	"vectorcore/internal/event"
	"vectorcore/internal/fpmath"
	"vectorcore/internal/market"
	"vectorcore/internal/registry"
)

func (e *Engine) handleInitialize(req *event.InitializeExchange) (interface{}, *touchSet, error) {
	ex, err := e.registry.Initialize(req.Authority, req.Fees, req.Oracle, req.Liquidation)
	if err != nil {
		return nil, nil, err
	}
	return &event.ExchangeRecord{Authority: ex.Authority}, &touchSet{exchange: true}, nil
}

func (e *Engine) handleCreateMarket(req *event.CreateMarket) (interface{}, *touchSet, error) {
	ex, err := e.registry.Exchange()
	if err != nil {
		return nil, nil, err
	}
	if req.Authority != ex.Authority {
		return nil, nil, fmt.Errorf("%w: create market requires the exchange authority", ErrUnauthorized)
	}

	m, err := e.markets.Create(req.Params, req.Timestamp)
	if err != nil {
		return nil, nil, err
	}
	total, err := e.registry.RegisterMarket()
	if err != nil {
		return nil, nil, err
	}

	ref, err := m.ReferencePrice()
	if err != nil {
		return nil, nil, err
	}

	record := &event.MarketRecord{
		MarketIndex:    m.Index,
		Commodity:      m.Commodity.String(),
		ReferencePrice: ref,
		TotalMarkets:   uint64(total),
	}
	touched := &touchSet{exchange: true}
	touched.market(m.Index)
	return record, touched, nil
}

func (e *Engine) handleCreateAccount(req *event.CreateAccount) (interface{}, *touchSet, error) {
	if _, err := e.registry.Exchange(); err != nil {
		return nil, nil, err
	}
	a, err := e.accounts.Create(req.UserID, req.Referrer)
	if err != nil {
		return nil, nil, err
	}

	touched := &touchSet{}
	touched.account(a.UserID)
	return &event.AccountRecord{UserID: a.UserID, Referrer: a.Referrer}, touched, nil
}

func (e *Engine) handleDeposit(req *event.Deposit) (interface{}, *touchSet, error) {
	if req.Amount == 0 {
		return nil, nil, fmt.Errorf("deposit: %w", ErrInvalidAmount)
	}
	ex, err := e.registry.Exchange()
	if err != nil {
		return nil, nil, err
	}
	a, err := e.accounts.Get(req.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !a.IsActive {
		return nil, nil, fmt.Errorf("deposit: %w", account.ErrNotActive)
	}

	// Both checked adds must succeed before either balance moves.
	newCollateral, err := fpmath.AddU64(a.Collateral, req.Amount)
	if err != nil {
		return nil, nil, fmt.Errorf("deposit %d to %s: %w", req.Amount, req.UserID, err)
	}
	newTotal, err := fpmath.AddU64(ex.TotalCollateral, req.Amount)
	if err != nil {
		return nil, nil, fmt.Errorf("deposit %d to %s: exchange total: %w", req.Amount, req.UserID, err)
	}

	// Funds must be in custody before collateral is credited.
	if err := e.vault.Receive(context.Background(), req.UserID, req.Amount); err != nil {
		return nil, nil, fmt.Errorf("custody receive: %w", err)
	}

	a.Collateral = newCollateral
	ex.TotalCollateral = newTotal
	a.LastActiveSlot = e.lastSlot

	touched := &touchSet{exchange: true}
	touched.account(a.UserID)
	return &event.DepositRecord{
		DepositID:       req.DepositID,
		UserID:          req.UserID,
		Amount:          req.Amount,
		CollateralAfter: a.Collateral,
	}, touched, nil
}

func (e *Engine) handleWithdraw(req *event.Withdraw) (interface{}, *touchSet, error) {
	if req.Amount == 0 {
		return nil, nil, fmt.Errorf("withdraw: %w", ErrInvalidAmount)
	}
	ex, err := e.registry.Exchange()
	if err != nil {
		return nil, nil, err
	}
	a, err := e.accounts.Get(req.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !a.IsActive {
		return nil, nil, fmt.Errorf("withdraw: %w", account.ErrNotActive)
	}

	// Withdrawals come out of free collateral only: the margin
	// requirement for open positions stays funded.
	free, err := a.FreeCollateral(e.freshPriceAt(req.Timestamp))
	if err != nil {
		return nil, nil, fmt.Errorf("withdraw: %w", err)
	}
	if req.Amount > free {
		return nil, nil, fmt.Errorf("%w: withdraw %d exceeds free collateral %d",
			account.ErrInsufficientCollateral, req.Amount, free)
	}

	newTotal, err := fpmath.SubU64(ex.TotalCollateral, req.Amount)
	if err != nil {
		return nil, nil, fmt.Errorf("withdraw %d from %s: exchange total: %w", req.Amount, req.UserID, err)
	}

	// Custody pays out before any balance moves, mirroring deposit: a
	// release failure rejects the request whole with the account untouched.
	if err := e.vault.Release(context.Background(), req.UserID, req.Amount); err != nil {
		return nil, nil, fmt.Errorf("custody release: %w", err)
	}

	if err := a.Debit(req.Amount); err != nil {
		panic(fmt.Sprintf("FATAL: withdraw debit after free collateral check: %v", err))
	}
	ex.TotalCollateral = newTotal
	a.LastActiveSlot = e.lastSlot

	touched := &touchSet{exchange: true}
	touched.account(a.UserID)
	return &event.WithdrawalRecord{
		WithdrawalID:    req.WithdrawalID,
		UserID:          req.UserID,
		Amount:          req.Amount,
		CollateralAfter: a.Collateral,
	}, touched, nil
}

func (e *Engine) handlePlaceOrder(req *event.PlaceOrder) (interface{}, *touchSet, error) {
	ex, err := e.registry.Exchange()
	if err != nil {
		return nil, nil, err
	}
	if req.BaseAmount == 0 {
		return nil, nil, fmt.Errorf("place order: %w", ErrInvalidAmount)
	}
	if req.Side == event.DirectionFlat {
		return nil, nil, fmt.Errorf("place order: direction must be long or short: %w", ErrInvalidAmount)
	}

	m, err := e.markets.Get(req.Market)
	if err != nil {
		return nil, nil, err
	}
	if !m.IsActive {
		return nil, nil, fmt.Errorf("place order: market %d: %w", m.Index, market.ErrNotActive)
	}

	a, err := e.accounts.Get(req.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !a.IsActive {
		return nil, nil, fmt.Errorf("place order: %w", account.ErrNotActive)
	}
	if a.Collateral == 0 {
		return nil, nil, fmt.Errorf("place order: %w", account.ErrInsufficientCollateral)
	}

	switch req.Kind {
	case event.OrderKindLimit, event.OrderKindTriggerLimit:
		if req.Price == 0 {
			return nil, nil, fmt.Errorf("place %s order: %w", req.Kind, ErrInvalidPrice)
		}
	}
	switch req.Kind {
	case event.OrderKindTriggerMarket, event.OrderKindTriggerLimit:
		if req.TriggerPrice == 0 {
			return nil, nil, fmt.Errorf("place %s order: trigger: %w", req.Kind, ErrInvalidPrice)
		}
	}

	orderID := a.AllocateOrderID()
	a.LastActiveSlot = e.lastSlot
	tier := ex.FeeStructure.TierFor(a.CumulativeVolume)

	touched := &touchSet{}
	touched.account(a.UserID)
	return &event.OrderRecord{
		OrderID:           orderID,
		UserID:            req.UserID,
		MarketIndex:       req.Market,
		Side:              req.Side,
		Kind:              req.Kind,
		BaseAmount:        req.BaseAmount,
		Price:             req.Price,
		TriggerPrice:      req.TriggerPrice,
		ReduceOnly:        req.ReduceOnly,
		PostOnly:          req.PostOnly,
		ImmediateOrCancel: req.ImmediateOrCancel,
		FeeTier:           tier.String(),
		Slot:              e.lastSlot,
	}, touched, nil
}

func (e *Engine) handleOracleBatch(req *event.OraclePriceBatch) (interface{}, *touchSet, error) {
	ex, err := e.registry.Exchange()
	if err != nil {
		return nil, nil, err
	}
	if req.Authority != ex.OracleConfig.OracleAuthority {
		return nil, nil, fmt.Errorf("%w: oracle batch requires the oracle authority", ErrUnauthorized)
	}

	// Validate the whole batch before touching any market: a bad reading
	// rejects the batch, not half of it.
	for _, u := range req.Updates {
		m, err := e.markets.Get(u.MarketIndex)
		if err != nil {
			return nil, nil, err
		}
		if !m.IsActive {
			return nil, nil, fmt.Errorf("oracle update for market %d: %w", u.MarketIndex, market.ErrNotActive)
		}
		if u.Confidence < ex.OracleConfig.ConfidenceThreshold {
			return nil, nil, fmt.Errorf("%w: market %d confidence %d < %d",
				market.ErrConfidenceTooLow, u.MarketIndex, u.Confidence, ex.OracleConfig.ConfidenceThreshold)
		}
	}

	touched := &touchSet{}
	records := make([]event.OraclePriceRecord, 0, len(req.Updates))
	for _, u := range req.Updates {
		m, err := e.markets.IngestPrice(u, ex.OracleConfig.ConfidenceThreshold, req.Timestamp, req.Slot)
		if err != nil {
			panic(fmt.Sprintf("FATAL: oracle ingest after validation: %v", err))
		}
		touched.market(m.Index)
		records = append(records, event.OraclePriceRecord{
			MarketIndex: m.Index,
			Price:       m.MarkPrice,
			Confidence:  m.OracleConfidence,
			Slot:        req.Slot,
		})
		if e.metrics != nil {
			e.metrics.OraclePricesAccepted.WithLabelValues(fmt.Sprint(m.Index)).Inc()
		}
	}

	if req.Slot > e.lastSlot {
		e.lastSlot = req.Slot
	}
	return records, touched, nil
}

func (e *Engine) handleFill(req *event.Fill) (interface{}, *touchSet, error) {
	ex, err := e.registry.Exchange()
	if err != nil {
		return nil, nil, err
	}
	if req.BaseAmount == 0 {
		return nil, nil, fmt.Errorf("fill: %w", ErrInvalidAmount)
	}
	if req.Side == event.DirectionFlat {
		return nil, nil, fmt.Errorf("fill: direction must be long or short: %w", ErrInvalidAmount)
	}
	if _, err := e.markets.Get(req.Market); err != nil {
		return nil, nil, err
	}
	a, err := e.accounts.Get(req.UserID)
	if err != nil {
		return nil, nil, err
	}

	// Everything fallible is computed up front; state moves only after.
	notional, err := fpmath.MulU64(req.BaseAmount, req.Price)
	if err != nil {
		return nil, nil, fmt.Errorf("fill notional: %w", err)
	}
	tier := ex.FeeStructure.TierFor(a.CumulativeVolume)
	fee, err := ex.FeeStructure.TradeFee(notional, tier)
	if err != nil {
		return nil, nil, fmt.Errorf("fill fee: %w", err)
	}
	newVolume, err := fpmath.AddU64(a.CumulativeVolume, notional)
	if err != nil {
		return nil, nil, fmt.Errorf("fill volume: %w", err)
	}

	pnl, err := a.ApplyFill(req.Market, req.Side, req.BaseAmount, req.Price)
	if err != nil {
		return nil, nil, err
	}

	applied, shortfall := e.applySignedCollateral(a, pnl)
	if shortfall > 0 {
		// The counterparty's gain is real; the insurance fund covers
		// what this account could not.
		ex.InsuranceFund -= int64(shortfall)
	}
	e.adjustTotal(ex, applied)

	feeCharged := fee
	if feeCharged > a.Collateral {
		feeCharged = a.Collateral
	}
	if feeCharged > 0 {
		if err := a.Debit(feeCharged); err != nil {
			panic(fmt.Sprintf("FATAL: fee debit after cap: %v", err))
		}
		e.adjustTotal(ex, -int64(feeCharged))
		ex.InsuranceFund += int64(feeCharged)
		a.TotalFeePaid += feeCharged
	}
	a.CumulativeVolume = newVolume
	a.LastActiveSlot = e.lastSlot

	pos := a.Position(req.Market)

	touched := &touchSet{exchange: true}
	touched.account(a.UserID)
	return &event.FillRecord{
		FillID:          req.FillID,
		UserID:          req.UserID,
		MarketIndex:     req.Market,
		Side:            req.Side,
		BaseAmount:      req.BaseAmount,
		Price:           req.Price,
		Fee:             feeCharged,
		RealizedPnL:     pnl,
		CollateralAfter: a.Collateral,
		PositionSide:    pos.Side,
		PositionSize:    pos.Size,
		PositionEntry:   pos.AvgEntryPrice,
	}, touched, nil
}

// freshPriceAt builds a PriceFunc that values positions at the mark
// price, failing on missing or stale oracle data.
func (e *Engine) freshPriceAt(at time.Time) account.PriceFunc {
	return func(marketIndex uint16) (uint64, error) {
		ex, err := e.registry.Exchange()
		if err != nil {
			return 0, err
		}
		m, err := e.markets.Get(marketIndex)
		if err != nil {
			return 0, err
		}
		return m.FreshMarkPrice(at, ex.OracleConfig.StalenessThreshold)
	}
}

// applySignedCollateral applies a signed delta, capping debits at the
// balance. Returns the applied delta and any uncovered shortfall.
func (e *Engine) applySignedCollateral(a *account.Account, delta int64) (applied int64, shortfall uint64) {
	if delta >= 0 {
		if err := a.Credit(uint64(delta)); err != nil {
			panic(fmt.Sprintf("FATAL: collateral credit overflow for %s", a.UserID))
		}
		return delta, 0
	}

	debit := uint64(-delta)
	if debit > a.Collateral {
		shortfall = debit - a.Collateral
		applied = -int64(a.Collateral)
		a.Collateral = 0
		return applied, shortfall
	}
	if err := a.Debit(debit); err != nil {
		panic(fmt.Sprintf("FATAL: collateral debit after cap: %v", err))
	}
	return delta, 0
}

// adjustTotal moves the registry collateral aggregate in lockstep with
// an account mutation. Callers have already capped debits at what the
// account held, so the aggregate cannot go negative.
func (e *Engine) adjustTotal(ex *registry.Exchange, delta int64) {
	if delta >= 0 {
		next, err := fpmath.AddU64(ex.TotalCollateral, uint64(delta))
		if err != nil {
			panic(fmt.Sprintf("FATAL: exchange total overflow (+%d)", delta))
		}
		ex.TotalCollateral = next
		return
	}
	next, err := fpmath.SubU64(ex.TotalCollateral, uint64(-delta))
	if err != nil {
		panic(fmt.Sprintf("FATAL: exchange total underflow (%d)", delta))
	}
	ex.TotalCollateral = next
}
