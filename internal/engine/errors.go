package engine

import (
	"errors"

	"vectorcore/internal/account"
)

var (
	// ErrUnauthorized is returned when a signer does not hold the
	// required authority for an operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotLiquidatable is returned when a liquidation targets an
	// account whose margin is not deficient.
	ErrNotLiquidatable = errors.New("account is not liquidatable")

	// ErrInvalidAmount rejects zero-valued amounts and sizes.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidPrice rejects zero limit prices.
	ErrInvalidPrice = errors.New("price must be positive")

	// ErrFundingNotDue is returned when a funding tick arrives before a
	// full funding period has elapsed.
	ErrFundingNotDue = errors.New("funding period has not elapsed")

	// ErrNoPosition is returned when a liquidation targets a market the
	// account has no exposure in.
	ErrNoPosition = errors.New("no open position")

	// ErrInsufficientCollateral mirrors the ledger sentinel so callers
	// can match on either package.
	ErrInsufficientCollateral = account.ErrInsufficientCollateral
)
