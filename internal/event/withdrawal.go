package event

import (
	"time"

	"github.com/google/uuid"
)

// Withdraw debits collateral, subject to the free-collateral floor.
// Idempotency key: withdrawal_id.
type Withdraw struct {
	WithdrawalID uuid.UUID // Idempotency key
	UserID       uuid.UUID
	Amount       uint64 // quote units
	Sequence     int64
	Timestamp    time.Time
}

func (w *Withdraw) IdempotencyKey() string {
	return "withdraw:" + w.WithdrawalID.String()
}

func (w *Withdraw) RequestType() RequestType {
	return RequestTypeWithdraw
}

func (w *Withdraw) MarketIndex() *uint16 {
	return nil
}

func (w *Withdraw) SourceSequence() int64 {
	return w.Sequence
}

// WithdrawalRecord is the applied outcome of a Withdraw request.
type WithdrawalRecord struct {
	WithdrawalID    uuid.UUID `json:"withdrawal_id"`
	UserID          uuid.UUID `json:"user_id"`
	Amount          uint64    `json:"amount"`
	CollateralAfter uint64    `json:"collateral_after"`
}
