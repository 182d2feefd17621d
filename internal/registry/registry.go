package registry

import (
	"errors"

	"github.com/google/uuid"

	"vectorcore/internal/fpmath"
)

var (
	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("exchange already initialized")

	// ErrNotInitialized is returned when the registry is used before Initialize.
	ErrNotInitialized = errors.New("exchange not initialized")
)

// DiscountTier identifies the volume-based fee bracket applied to an order.
type DiscountTier int32

const (
	DiscountTierNone DiscountTier = iota
	DiscountTierFirst
	DiscountTierSecond
	DiscountTierThird
	DiscountTierFourth
)

func (dt DiscountTier) String() string {
	switch dt {
	case DiscountTierNone:
		return "None"
	case DiscountTierFirst:
		return "First"
	case DiscountTierSecond:
		return "Second"
	case DiscountTierThird:
		return "Third"
	case DiscountTierFourth:
		return "Fourth"
	default:
		return "Unknown"
	}
}

// FeeStructure is the venue-wide trading fee schedule: a base ratio plus
// four cumulative-volume discount brackets and a referral discount.
type FeeStructure struct {
	FeeNumerator   uint64
	FeeDenominator uint64

	Tier1Minimum  uint64
	Tier1Discount uint64
	Tier2Minimum  uint64
	Tier2Discount uint64
	Tier3Minimum  uint64
	Tier3Discount uint64
	Tier4Minimum  uint64
	Tier4Discount uint64

	ReferralDiscount uint64
}

// TierFor returns the discount tier for a trader's cumulative fee volume.
// Brackets are checked highest-first so the best tier wins.
func (fs *FeeStructure) TierFor(cumulativeVolume uint64) DiscountTier {
	switch {
	case fs.Tier4Minimum > 0 && cumulativeVolume >= fs.Tier4Minimum:
		return DiscountTierFourth
	case fs.Tier3Minimum > 0 && cumulativeVolume >= fs.Tier3Minimum:
		return DiscountTierThird
	case fs.Tier2Minimum > 0 && cumulativeVolume >= fs.Tier2Minimum:
		return DiscountTierSecond
	case fs.Tier1Minimum > 0 && cumulativeVolume >= fs.Tier1Minimum:
		return DiscountTierFirst
	default:
		return DiscountTierNone
	}
}

// Discount returns the flat discount amount for a tier.
func (fs *FeeStructure) Discount(tier DiscountTier) uint64 {
	switch tier {
	case DiscountTierFirst:
		return fs.Tier1Discount
	case DiscountTierSecond:
		return fs.Tier2Discount
	case DiscountTierThird:
		return fs.Tier3Discount
	case DiscountTierFourth:
		return fs.Tier4Discount
	default:
		return 0
	}
}

// TradeFee computes notional * numerator / denominator less the tier
// discount, never below zero. The multiply is checked.
func (fs *FeeStructure) TradeFee(notional uint64, tier DiscountTier) (uint64, error) {
	if fs.FeeDenominator == 0 {
		return 0, fpmath.ErrDivisionByZero
	}
	raw, err := fpmath.MulU64(notional, fs.FeeNumerator)
	if err != nil {
		return 0, err
	}
	fee := raw / fs.FeeDenominator
	discount := fs.Discount(tier)
	if discount >= fee {
		return 0, nil
	}
	return fee - discount, nil
}

// OracleConfig gates which price readings are usable for risk decisions.
type OracleConfig struct {
	OracleAuthority     uuid.UUID
	OracleDelay         uint64 // max allowed ingest delay, seconds
	StalenessThreshold  uint64 // seconds before a stored price is unusable
	ConfidenceThreshold uint8  // minimum confidence (0-255)
}

// LiquidationConfig parameterizes the liquidation engine.
type LiquidationConfig struct {
	LiquidationFee   uint64
	MarginBufferBps  uint32 // added to the account maintenance ratio
	InsuranceFundFee uint64 // share of fees routed to the insurance fund
	LiquidatorFee    uint64
}

// DefaultOracleConfig mirrors the venue launch parameters.
func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		OracleDelay:         5,
		StalenessThreshold:  60,
		ConfidenceThreshold: 100,
	}
}

// DefaultLiquidationConfig mirrors the venue launch parameters.
func DefaultLiquidationConfig() LiquidationConfig {
	return LiquidationConfig{
		LiquidationFee:   fpmath.LiquidationFeeDivisor,
		MarginBufferBps:  25,
		InsuranceFundFee: 0,
		LiquidatorFee:    fpmath.LiquidationFeeDivisor,
	}
}

// Exchange is the process-wide configuration singleton. It is created once
// and read-only thereafter, except for the market counter and the collateral
// aggregates, which are mutated only by the serialized risk engine.
type Exchange struct {
	Authority         uuid.UUID
	FeeStructure      FeeStructure
	OracleConfig      OracleConfig
	LiquidationConfig LiquidationConfig

	// TotalCollateral tracks the sum of all account collateral. The risk
	// engine updates it in lockstep with every collateral mutation and the
	// invariant is re-checked after each operation.
	TotalCollateral uint64

	// InsuranceFund absorbs funding rounding residue and bankruptcy
	// deficits. Signed: a negative balance is a socialized deficit.
	InsuranceFund int64

	TotalMarkets  uint16
	IsInitialized bool
}

// Registry owns the exchange singleton and enforces its init-once lifecycle.
type Registry struct {
	exchange *Exchange
}

func New() *Registry {
	return &Registry{}
}

// Initialize creates the exchange singleton with zeroed aggregates.
// Zero-valued oracle or liquidation configs fall back to the defaults.
func (r *Registry) Initialize(authority uuid.UUID, fees FeeStructure, oracle OracleConfig, liq LiquidationConfig) (*Exchange, error) {
	if r.exchange != nil && r.exchange.IsInitialized {
		return nil, ErrAlreadyInitialized
	}

	if oracle == (OracleConfig{}) {
		oracle = DefaultOracleConfig()
	}
	if liq == (LiquidationConfig{}) {
		liq = DefaultLiquidationConfig()
	}

	r.exchange = &Exchange{
		Authority:         authority,
		FeeStructure:      fees,
		OracleConfig:      oracle,
		LiquidationConfig: liq,
		TotalCollateral:   0,
		TotalMarkets:      0,
		IsInitialized:     true,
	}
	return r.exchange, nil
}

// Exchange returns the singleton, or ErrNotInitialized before Initialize.
func (r *Registry) Exchange() (*Exchange, error) {
	if r.exchange == nil || !r.exchange.IsInitialized {
		return nil, ErrNotInitialized
	}
	return r.exchange, nil
}

// RegisterMarket increments the market counter.
func (r *Registry) RegisterMarket() (uint16, error) {
	ex, err := r.Exchange()
	if err != nil {
		return 0, err
	}
	ex.TotalMarkets++
	return ex.TotalMarkets, nil
}

// Restore replaces the singleton from a snapshot.
func (r *Registry) Restore(ex *Exchange) {
	r.exchange = ex
}

// SetOracleAuthority assigns the signer allowed to push oracle prices.
// Part of one-time setup, not a governed runtime update path.
func (r *Registry) SetOracleAuthority(authority uuid.UUID) error {
	ex, err := r.Exchange()
	if err != nil {
		return err
	}
	ex.OracleConfig.OracleAuthority = authority
	return nil
}
