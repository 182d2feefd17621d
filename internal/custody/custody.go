// Package custody abstracts the asset boundary. The risk engine only
// mutates internal balances; moving real funds in or out happens here,
// before a deposit is applied and after a withdrawal is approved.
package custody

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrVaultUnderflow is returned when a release exceeds vault holdings.
var ErrVaultUnderflow = errors.New("custody vault underflow")

// Transferer moves funds across the asset boundary. Receive confirms
// inbound funds are held before collateral is credited; Release pays
// out after a withdrawal passes the margin checks.
type Transferer interface {
	Receive(ctx context.Context, userID uuid.UUID, amount uint64) error
	Release(ctx context.Context, userID uuid.UUID, amount uint64) error
}

// MemoryVault is an in-process Transferer for tests and single-node
// deployments. It tracks one aggregate balance; per-user bookkeeping is
// the ledger's job.
type MemoryVault struct {
	mu   sync.Mutex
	held uint64
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{}
}

func (v *MemoryVault) Receive(_ context.Context, _ uuid.UUID, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.held += amount
	return nil
}

func (v *MemoryVault) Release(_ context.Context, _ uuid.UUID, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if amount > v.held {
		return ErrVaultUnderflow
	}
	v.held -= amount
	return nil
}

// Held returns the current vault balance.
func (v *MemoryVault) Held() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.held
}
