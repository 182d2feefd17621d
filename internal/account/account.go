package account

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"vectorcore/internal/fpmath"
)

var (
	// ErrExists is returned when creating an account that already exists.
	ErrExists = errors.New("account already exists")

	// ErrNotFound is returned for an unknown user id.
	ErrNotFound = errors.New("account not found")

	// ErrNotActive is returned when an operation targets a frozen account.
	ErrNotActive = errors.New("account is not active")

	// ErrInsufficientCollateral is returned when a debit would take
	// collateral below zero.
	ErrInsufficientCollateral = errors.New("insufficient collateral")
)

// Default margin requirements in basis points of position notional.
const (
	DefaultMarginRatioBps            = 100
	DefaultLiquidationMarginRatioBps = 50
)

// Account is one user's collateral and position state. Collateral is
// unsigned and can never go negative; every mutation is checked.
type Account struct {
	UserID    uuid.UUID
	Authority uuid.UUID
	Referrer  *uuid.UUID

	Collateral uint64 // quote units

	// Order ids are assigned locally per account, starting at 1.
	NextOrderID uint64

	// Cumulative counters for fee tiering and reporting.
	CumulativeVolume uint64 // quote notional traded
	TotalFeePaid     uint64
	TotalFeeRebate   uint64

	MarginRatioBps            uint32
	LiquidationMarginRatioBps uint32

	Positions map[uint16]*Position

	IsActive bool

	// LiquidationCandidate is advisory: candidacy is re-derived from
	// live prices on every liquidation attempt.
	LiquidationCandidate bool

	LastActiveSlot uint64
}

// Credit adds to collateral with overflow checking.
func (a *Account) Credit(amount uint64) error {
	next, err := fpmath.AddU64(a.Collateral, amount)
	if err != nil {
		return fmt.Errorf("credit account %s: %w", a.UserID, err)
	}
	a.Collateral = next
	return nil
}

// Debit removes from collateral. A debit that would go below zero fails
// and leaves the balance untouched.
func (a *Account) Debit(amount uint64) error {
	if amount > a.Collateral {
		return fmt.Errorf("%w: account %s has %d, needs %d",
			ErrInsufficientCollateral, a.UserID, a.Collateral, amount)
	}
	a.Collateral -= amount
	return nil
}

// AllocateOrderID returns the next order id and advances the counter.
// Ids are monotonic per account and never reused, even when the order
// is later rejected downstream.
func (a *Account) AllocateOrderID() uint64 {
	id := a.NextOrderID
	a.NextOrderID++
	return id
}

// Clone returns a deep copy, including the position map. Snapshots copy
// accounts so serialization never races the engine goroutine.
func (a *Account) Clone() *Account {
	c := *a
	if a.Referrer != nil {
		ref := *a.Referrer
		c.Referrer = &ref
	}
	c.Positions = make(map[uint16]*Position, len(a.Positions))
	for idx, pos := range a.Positions {
		p := *pos
		c.Positions[idx] = &p
	}
	return &c
}

// Ledger is the in-memory set of accounts, keyed by user id.
type Ledger struct {
	accounts map[uuid.UUID]*Account
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[uuid.UUID]*Account)}
}

// Create opens an account with zero collateral and default margin ratios.
func (l *Ledger) Create(userID uuid.UUID, referrer *uuid.UUID) (*Account, error) {
	if _, exists := l.accounts[userID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, userID)
	}
	a := &Account{
		UserID:                    userID,
		Authority:                 userID,
		Referrer:                  referrer,
		Collateral:                0,
		NextOrderID:               1,
		MarginRatioBps:            DefaultMarginRatioBps,
		LiquidationMarginRatioBps: DefaultLiquidationMarginRatioBps,
		Positions:                 make(map[uint16]*Position),
		IsActive:                  true,
	}
	l.accounts[userID] = a
	return a, nil
}

// Get returns the account for a user id.
func (l *Ledger) Get(userID uuid.UUID) (*Account, error) {
	a, ok := l.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return a, nil
}

// All returns every account. Iteration order is unspecified; callers that
// need determinism sort by user id.
func (l *Ledger) All() []*Account {
	out := make([]*Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, a)
	}
	return out
}

// Snapshot returns deep copies of every account so callers can hold
// them across engine mutations.
func (l *Ledger) Snapshot() []*Account {
	out := make([]*Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, a.Clone())
	}
	return out
}

// Restore directly installs an account, used for snapshot recovery.
func (l *Ledger) Restore(a *Account) {
	l.accounts[a.UserID] = a
}

// TotalCollateral sums collateral across all accounts. Used by the
// conservation check after each applied request.
func (l *Ledger) TotalCollateral() (uint64, error) {
	var total uint64
	for _, a := range l.accounts {
		next, err := fpmath.AddU64(total, a.Collateral)
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}
