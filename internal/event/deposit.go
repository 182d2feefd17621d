package event

import (
	"time"

	"github.com/google/uuid"
)

// Deposit credits collateral after custody has received the funds.
// Idempotency key: deposit_id.
type Deposit struct {
	DepositID uuid.UUID // Idempotency key
	UserID    uuid.UUID
	Amount    uint64 // quote units
	Sequence  int64
	Timestamp time.Time
}

func (d *Deposit) IdempotencyKey() string {
	return "deposit:" + d.DepositID.String()
}

func (d *Deposit) RequestType() RequestType {
	return RequestTypeDeposit
}

func (d *Deposit) MarketIndex() *uint16 {
	return nil
}

func (d *Deposit) SourceSequence() int64 {
	return d.Sequence
}

// DepositRecord is the applied outcome of a Deposit request.
type DepositRecord struct {
	DepositID       uuid.UUID `json:"deposit_id"`
	UserID          uuid.UUID `json:"user_id"`
	Amount          uint64    `json:"amount"`
	CollateralAfter uint64    `json:"collateral_after"`
}
