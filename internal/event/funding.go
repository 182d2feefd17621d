package event

import (
	"time"

	"github.com/google/uuid"
)

// FundingTick requests a funding settlement for one market. The engine
// computes the rate from mark and reference prices at apply time.
// Idempotency key: tick_id.
type FundingTick struct {
	TickID    uuid.UUID // Idempotency key
	Market    uint16
	Sequence  int64
	Timestamp time.Time
}

func (f *FundingTick) IdempotencyKey() string {
	return "funding:" + f.TickID.String()
}

func (f *FundingTick) RequestType() RequestType {
	return RequestTypeFundingTick
}

func (f *FundingTick) MarketIndex() *uint16 {
	m := f.Market
	return &m
}

func (f *FundingTick) SourceSequence() int64 {
	return f.Sequence
}

// FundingPaymentRecord is one account's leg of a funding settlement.
type FundingPaymentRecord struct {
	UserID          uuid.UUID `json:"user_id"`
	Amount          int64     `json:"amount"` // positive credits the account
	CollateralAfter uint64    `json:"collateral_after"`
}

// FundingRecord is the applied outcome of a FundingTick request.
type FundingRecord struct {
	TickID      uuid.UUID              `json:"tick_id"`
	MarketIndex uint16                 `json:"market_index"`
	RatePPM     int64                  `json:"rate_ppm"`
	MarkPrice   uint64                 `json:"mark_price"`
	Payments    []FundingPaymentRecord `json:"payments"`
	Residual    int64                  `json:"residual"` // credited to the insurance fund
}
