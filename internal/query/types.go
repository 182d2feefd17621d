package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BalanceResponse is a user's projected collateral balance. All
// responses carry as_of_sequence so callers can reason about freshness
// against the record log.
type BalanceResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Collateral   int64     `json:"collateral"`
	AsOfSequence int64     `json:"as_of_sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PositionResponse is one projected open position.
type PositionResponse struct {
	UserID        uuid.UUID `json:"user_id"`
	MarketIndex   uint16    `json:"market_index"`
	Side          int32     `json:"side"`
	Size          int64     `json:"size"`
	AvgEntryPrice int64     `json:"avg_entry_price"`
	UnrealizedPnL int64     `json:"unrealized_pnl"` // derived from the projected mark price
	AsOfSequence  int64     `json:"as_of_sequence"`
}

// MarketResponse is the projected state of one market.
type MarketResponse struct {
	MarketIndex      uint16    `json:"market_index"`
	Commodity        string    `json:"commodity"`
	ReferencePrice   int64     `json:"reference_price"`
	MarkPrice        int64     `json:"mark_price"`
	OracleConfidence int32     `json:"oracle_confidence"`
	LastOracleSlot   int64     `json:"last_oracle_slot"`
	FundingRatePPM   int64     `json:"funding_rate_ppm"`
	AsOfSequence     int64     `json:"as_of_sequence"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FundingHistoryResponse is one funding settlement leg for a user.
type FundingHistoryResponse struct {
	TickID       uuid.UUID `json:"tick_id"`
	UserID       uuid.UUID `json:"user_id"`
	MarketIndex  uint16    `json:"market_index"`
	RatePPM      int64     `json:"rate_ppm"`
	MarkPrice    int64     `json:"mark_price"`
	Payment      int64     `json:"payment"` // positive credited the account
	Sequence     int64     `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// LiquidationResponse is one completed liquidation against a user.
type LiquidationResponse struct {
	LiquidationID uuid.UUID `json:"liquidation_id"`
	UserID        uuid.UUID `json:"user_id"`
	LiquidatorID  uuid.UUID `json:"liquidator_id"`
	MarketIndex   uint16    `json:"market_index"`
	ClosedBase    int64     `json:"closed_base"`
	RemainingBase int64     `json:"remaining_base"`
	MarkPrice     int64     `json:"mark_price"`
	RealizedPnL   int64     `json:"realized_pnl"`
	Fee           int64     `json:"fee"`
	Deficit       int64     `json:"deficit"`
	Sequence      int64     `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
}

// RecordResponse is one raw record-log entry, for audit tooling.
type RecordResponse struct {
	Sequence       int64           `json:"sequence"`
	RequestType    string          `json:"request_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketIndex    *int32          `json:"market_index,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
	SourceSequence int64           `json:"source_sequence"`
}

// IntegrityReport is the outcome of a hash chain verification pass.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LastSequence    int64   `json:"last_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
