package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Injector provides manual request injection for ops tooling and local
// development. Injected payloads go through the same parser as NATS
// traffic so hand-built requests can never bypass validation. The
// caller supplies the source sequence; the engine enforces per
// partition ordering regardless of transport.
type Injector struct {
	requestChan chan<- RawRequest
}

func NewInjector(requestChan chan<- RawRequest) *Injector {
	return &Injector{requestChan: requestChan}
}

// InjectDeposit queues a deposit credit.
func (i *Injector) InjectDeposit(ctx context.Context, userID uuid.UUID, amount uint64, sequence int64) error {
	if amount == 0 {
		return fmt.Errorf("amount must be positive")
	}
	return i.send(ctx, "Deposit", depositJSON{
		DepositID:   uuid.New().String(),
		UserID:      userID.String(),
		Amount:      amount,
		Sequence:    sequence,
		TimestampUs: time.Now().UnixMicro(),
	})
}

// InjectWithdraw queues a withdrawal request.
func (i *Injector) InjectWithdraw(ctx context.Context, userID uuid.UUID, amount uint64, sequence int64) error {
	if amount == 0 {
		return fmt.Errorf("amount must be positive")
	}
	return i.send(ctx, "Withdraw", withdrawJSON{
		WithdrawalID: uuid.New().String(),
		UserID:       userID.String(),
		Amount:       amount,
		Sequence:     sequence,
		TimestampUs:  time.Now().UnixMicro(),
	})
}

// InjectOraclePrice queues a single-market oracle reading.
func (i *Injector) InjectOraclePrice(
	ctx context.Context,
	authority uuid.UUID,
	marketIndex uint16,
	price uint64,
	confidence uint8,
	slot uint64,
	sequence int64,
) error {
	if price == 0 {
		return fmt.Errorf("price must be positive")
	}
	batch := oraclePriceBatchJSON{
		BatchID:     uuid.New().String(),
		Authority:   authority.String(),
		Slot:        slot,
		Sequence:    sequence,
		TimestampUs: time.Now().UnixMicro(),
	}
	batch.Updates = append(batch.Updates, struct {
		MarketIndex uint16 `json:"market_index"`
		Price       uint64 `json:"price"`
		Confidence  uint8  `json:"confidence"`
	}{MarketIndex: marketIndex, Price: price, Confidence: confidence})

	return i.send(ctx, "OraclePriceBatch", batch)
}

// InjectFundingTick queues a funding settlement request.
func (i *Injector) InjectFundingTick(ctx context.Context, marketIndex uint16, sequence int64) error {
	return i.send(ctx, "FundingTick", fundingTickJSON{
		TickID:      uuid.New().String(),
		MarketIndex: marketIndex,
		Sequence:    sequence,
		TimestampUs: time.Now().UnixMicro(),
	})
}

func (i *Injector) send(ctx context.Context, requestType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", requestType, err)
	}

	raw := RawRequest{
		Subject:     "inject." + requestType,
		RequestType: requestType,
		Data:        data,
		Received:    time.Now(),
	}

	select {
	case i.requestChan <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
