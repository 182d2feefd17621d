package event

import (
	"time"

	"github.com/google/uuid"
)

// Liquidate asks the engine to close a deficient position, up to
// MaxBaseAmount, at the current mark price.
// Idempotency key: liquidation_id.
type Liquidate struct {
	LiquidationID uuid.UUID // Idempotency key
	LiquidatorID  uuid.UUID
	UserID        uuid.UUID // liquidation target
	Market        uint16
	MaxBaseAmount uint64 // zero means close the whole position
	Sequence      int64
	Timestamp     time.Time
}

func (l *Liquidate) IdempotencyKey() string {
	return "liquidation:" + l.LiquidationID.String()
}

func (l *Liquidate) RequestType() RequestType {
	return RequestTypeLiquidate
}

func (l *Liquidate) MarketIndex() *uint16 {
	m := l.Market
	return &m
}

func (l *Liquidate) SourceSequence() int64 {
	return l.Sequence
}

// LiquidationRecord is the applied outcome of a Liquidate request.
type LiquidationRecord struct {
	LiquidationID    uuid.UUID `json:"liquidation_id"`
	LiquidatorID     uuid.UUID `json:"liquidator_id"`
	UserID           uuid.UUID `json:"user_id"`
	MarketIndex      uint16    `json:"market_index"`
	ClosedBase       uint64    `json:"closed_base"`
	MarkPrice        uint64    `json:"mark_price"`
	RealizedPnL      int64     `json:"realized_pnl"`
	Fee              uint64    `json:"fee"`
	InsurancePortion uint64    `json:"insurance_portion"`
	LiquidatorReward uint64    `json:"liquidator_reward"`
	Deficit          uint64    `json:"deficit"` // nonzero means the insurance fund absorbed a shortfall

	RemainingBase             uint64    `json:"remaining_base"`
	RemainingSide             Direction `json:"remaining_side"`
	RemainingEntry            uint64    `json:"remaining_entry"`
	TargetCollateralAfter     uint64    `json:"target_collateral_after"`
	LiquidatorCollateralAfter uint64    `json:"liquidator_collateral_after"`
}
