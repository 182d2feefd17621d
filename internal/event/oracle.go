package event

import (
	"time"

	"github.com/google/uuid"

	"vectorcore/internal/market"
)

// OraclePriceBatch carries one or more oracle readings signed by the
// oracle authority. The whole batch shares one idempotency key; partial
// application is not allowed.
type OraclePriceBatch struct {
	BatchID   uuid.UUID // Idempotency key
	Authority uuid.UUID
	Updates   []market.PriceUpdate
	Slot      uint64
	Sequence  int64
	Timestamp time.Time
}

func (o *OraclePriceBatch) IdempotencyKey() string {
	return "oracle:" + o.BatchID.String()
}

func (o *OraclePriceBatch) RequestType() RequestType {
	return RequestTypeOraclePriceBatch
}

func (o *OraclePriceBatch) MarketIndex() *uint16 {
	if len(o.Updates) == 1 {
		m := o.Updates[0].MarketIndex
		return &m
	}
	return nil
}

func (o *OraclePriceBatch) SourceSequence() int64 {
	return o.Sequence
}

// OraclePriceRecord is one accepted reading inside an applied batch.
type OraclePriceRecord struct {
	MarketIndex uint16 `json:"market_index"`
	Price       uint64 `json:"price"`
	Confidence  uint8  `json:"confidence"`
	Slot        uint64 `json:"slot"`
}
