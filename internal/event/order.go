package event

import (
	"time"

	"github.com/google/uuid"
)

// Direction represents position direction
type Direction int32

const (
	DirectionFlat Direction = iota
	DirectionLong
	DirectionShort
)

// Sign returns +1 for long, -1 for short, 0 for flat
func (d Direction) Sign() int64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "Long"
	case DirectionShort:
		return "Short"
	default:
		return "Flat"
	}
}

// Opposite returns the other trading direction. Flat stays flat.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionFlat
	}
}

// OrderKind represents the order execution style
type OrderKind int32

const (
	OrderKindMarket OrderKind = iota
	OrderKindLimit
	OrderKindTriggerMarket
	OrderKindTriggerLimit
	OrderKindOracle
)

func (k OrderKind) String() string {
	switch k {
	case OrderKindMarket:
		return "Market"
	case OrderKindLimit:
		return "Limit"
	case OrderKindTriggerMarket:
		return "TriggerMarket"
	case OrderKindTriggerLimit:
		return "TriggerLimit"
	case OrderKindOracle:
		return "Oracle"
	default:
		return "Unknown"
	}
}

// PlaceOrder is an order intake request. The engine validates and records
// it; matching happens elsewhere and comes back as a Fill.
// Idempotency key: request_id (UUID from the gateway).
type PlaceOrder struct {
	RequestID    uuid.UUID // Idempotency key
	UserID       uuid.UUID
	Market       uint16
	Side         Direction
	Kind         OrderKind
	BaseAmount   uint64 // base asset units
	Price        uint64 // quote per base; zero for market orders
	TriggerPrice uint64 // zero unless trigger kind
	ReduceOnly   bool
	PostOnly     bool
	// ImmediateOrCancel is carried through to the order record; the
	// matcher enforces it.
	ImmediateOrCancel bool
	Sequence          int64
	Timestamp         time.Time // Versioned input timestamp (NOT wall-clock)
}

func (p *PlaceOrder) IdempotencyKey() string {
	return "order:" + p.RequestID.String()
}

func (p *PlaceOrder) RequestType() RequestType {
	return RequestTypePlaceOrder
}

func (p *PlaceOrder) MarketIndex() *uint16 {
	m := p.Market
	return &m
}

func (p *PlaceOrder) SourceSequence() int64 {
	return p.Sequence
}

// OrderRecord is the applied outcome of a PlaceOrder request.
type OrderRecord struct {
	OrderID           uint64    `json:"order_id"`
	UserID            uuid.UUID `json:"user_id"`
	MarketIndex       uint16    `json:"market_index"`
	Side              Direction `json:"side"`
	Kind              OrderKind `json:"kind"`
	BaseAmount        uint64    `json:"base_amount"`
	Price             uint64    `json:"price"`
	TriggerPrice      uint64    `json:"trigger_price,omitempty"`
	ReduceOnly        bool      `json:"reduce_only"`
	PostOnly          bool      `json:"post_only"`
	ImmediateOrCancel bool      `json:"immediate_or_cancel"`
	FeeTier           string    `json:"fee_tier"`
	Slot              uint64    `json:"slot"`
}
