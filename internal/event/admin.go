package event

import (
	"time"

	"github.com/google/uuid"

	"vectorcore/internal/market"
	"vectorcore/internal/registry"
)

// InitializeExchange bootstraps the exchange singleton. Applied at most
// once; a second attempt fails rather than deduplicating silently.
type InitializeExchange struct {
	RequestID   uuid.UUID // Idempotency key
	Authority   uuid.UUID
	Fees        registry.FeeStructure
	Oracle      registry.OracleConfig
	Liquidation registry.LiquidationConfig
	Sequence    int64
	Timestamp   time.Time
}

func (i *InitializeExchange) IdempotencyKey() string {
	return "init:" + i.RequestID.String()
}

func (i *InitializeExchange) RequestType() RequestType {
	return RequestTypeInitializeExchange
}

func (i *InitializeExchange) MarketIndex() *uint16 {
	return nil
}

func (i *InitializeExchange) SourceSequence() int64 {
	return i.Sequence
}

// CreateMarket registers a new perpetual market. Authority-gated.
type CreateMarket struct {
	RequestID uuid.UUID // Idempotency key
	Authority uuid.UUID
	Params    market.CreateParams
	Sequence  int64
	Timestamp time.Time
}

func (c *CreateMarket) IdempotencyKey() string {
	return "market:" + c.RequestID.String()
}

func (c *CreateMarket) RequestType() RequestType {
	return RequestTypeCreateMarket
}

func (c *CreateMarket) MarketIndex() *uint16 {
	m := c.Params.Index
	return &m
}

func (c *CreateMarket) SourceSequence() int64 {
	return c.Sequence
}

// CreateAccount opens a trading account with zero collateral.
type CreateAccount struct {
	RequestID uuid.UUID // Idempotency key
	UserID    uuid.UUID
	Referrer  *uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (c *CreateAccount) IdempotencyKey() string {
	return "account:" + c.RequestID.String()
}

func (c *CreateAccount) RequestType() RequestType {
	return RequestTypeCreateAccount
}

func (c *CreateAccount) MarketIndex() *uint16 {
	return nil
}

func (c *CreateAccount) SourceSequence() int64 {
	return c.Sequence
}

// ExchangeRecord is the applied outcome of InitializeExchange.
type ExchangeRecord struct {
	Authority uuid.UUID `json:"authority"`
}

// MarketRecord is the applied outcome of CreateMarket.
type MarketRecord struct {
	MarketIndex    uint16 `json:"market_index"`
	Commodity      string `json:"commodity"`
	ReferencePrice uint64 `json:"reference_price"`
	TotalMarkets   uint64 `json:"total_markets"`
}

// AccountRecord is the applied outcome of CreateAccount.
type AccountRecord struct {
	UserID   uuid.UUID  `json:"user_id"`
	Referrer *uuid.UUID `json:"referrer,omitempty"`
}
