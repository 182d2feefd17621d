package event

import (
	"time"

	"github.com/google/uuid"
)

// Fill is a matched execution reported by the external matching engine.
// Idempotency key: fill_id.
type Fill struct {
	FillID     uuid.UUID // Idempotency key
	UserID     uuid.UUID
	Market     uint16
	Side       Direction
	BaseAmount uint64
	Price      uint64 // execution price, quote per base
	OrderID    uint64 // originating order, zero if unknown
	Sequence   int64
	Timestamp  time.Time
}

func (f *Fill) IdempotencyKey() string {
	return "fill:" + f.FillID.String()
}

func (f *Fill) RequestType() RequestType {
	return RequestTypeFill
}

func (f *Fill) MarketIndex() *uint16 {
	m := f.Market
	return &m
}

func (f *Fill) SourceSequence() int64 {
	return f.Sequence
}

// FillRecord is the applied outcome of a Fill request.
type FillRecord struct {
	FillID          uuid.UUID `json:"fill_id"`
	UserID          uuid.UUID `json:"user_id"`
	MarketIndex     uint16    `json:"market_index"`
	Side            Direction `json:"side"`
	BaseAmount      uint64    `json:"base_amount"`
	Price           uint64    `json:"price"`
	Fee             uint64    `json:"fee"`
	RealizedPnL     int64     `json:"realized_pnl"`
	CollateralAfter uint64    `json:"collateral_after"`

	// Position state after the fill, so downstream projections never
	// have to re-run position arithmetic.
	PositionSide  Direction `json:"position_side"`
	PositionSize  uint64    `json:"position_size"`
	PositionEntry uint64    `json:"position_entry"`
}
