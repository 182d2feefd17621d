package event

import (
	"time"
)

// RequestType discriminator for request payloads
type RequestType int32

const (
	RequestTypeUnknown RequestType = iota
	RequestTypeInitializeExchange
	RequestTypeCreateMarket
	RequestTypeCreateAccount
	RequestTypeDeposit
	RequestTypeWithdraw
	RequestTypePlaceOrder
	RequestTypeOraclePriceBatch
	RequestTypeFill
	RequestTypeLiquidate
	RequestTypeFundingTick
)

// RecordEnvelope wraps every applied request in the record log
type RecordEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Request type discriminator
	RequestType RequestType

	// Market context (nullable for global requests)
	MarketIndex *uint16

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded outcome record
	Payload []byte

	// SHA-256 of state AFTER applying this request
	StateHash [32]byte

	// Previous record's state hash (chain integrity)
	PrevHash [32]byte
}

// Request is the interface all engine inputs must implement
type Request interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// RequestType returns the discriminator
	RequestType() RequestType

	// MarketIndex returns the market context (nil for global requests)
	MarketIndex() *uint16

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64
}

func (rt RequestType) String() string {
	switch rt {
	case RequestTypeInitializeExchange:
		return "InitializeExchange"
	case RequestTypeCreateMarket:
		return "CreateMarket"
	case RequestTypeCreateAccount:
		return "CreateAccount"
	case RequestTypeDeposit:
		return "Deposit"
	case RequestTypeWithdraw:
		return "Withdraw"
	case RequestTypePlaceOrder:
		return "PlaceOrder"
	case RequestTypeOraclePriceBatch:
		return "OraclePriceBatch"
	case RequestTypeFill:
		return "Fill"
	case RequestTypeLiquidate:
		return "Liquidate"
	case RequestTypeFundingTick:
		return "FundingTick"
	default:
		return "Unknown"
	}
}

// RequestTypeFromString inverts String, for rows read back from storage.
func RequestTypeFromString(s string) RequestType {
	switch s {
	case "InitializeExchange":
		return RequestTypeInitializeExchange
	case "CreateMarket":
		return RequestTypeCreateMarket
	case "CreateAccount":
		return RequestTypeCreateAccount
	case "Deposit":
		return RequestTypeDeposit
	case "Withdraw":
		return RequestTypeWithdraw
	case "PlaceOrder":
		return RequestTypePlaceOrder
	case "OraclePriceBatch":
		return RequestTypeOraclePriceBatch
	case "Fill":
		return RequestTypeFill
	case "Liquidate":
		return RequestTypeLiquidate
	case "FundingTick":
		return RequestTypeFundingTick
	default:
		return RequestTypeUnknown
	}
}
