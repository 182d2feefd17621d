package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vectorcore/internal/fpmath"
)

var (
	// ErrDuplicateIndex is returned when creating a market whose index exists.
	ErrDuplicateIndex = errors.New("duplicate market index")

	// ErrNotFound is returned when a market index is unknown.
	ErrNotFound = errors.New("market not found")

	// ErrNotActive is returned when an operation targets a halted market.
	ErrNotActive = errors.New("market is not active")

	// ErrConfidenceTooLow rejects oracle readings below the configured floor.
	ErrConfidenceTooLow = errors.New("oracle confidence too low")

	// ErrStaleOracle gates risk decisions on price freshness.
	ErrStaleOracle = errors.New("oracle price is stale")

	// ErrNoOraclePrice is returned before the first oracle ingest.
	ErrNoOraclePrice = errors.New("no oracle price ingested yet")
)

// Market holds one perpetual market's pricing and funding state. Identity
// fields are immutable after creation; pricing state is mutated only by the
// serialized risk engine.
type Market struct {
	Index        uint16
	Commodity    Commodity
	OracleSource uuid.UUID

	// Virtual AMM reserves, used only to derive the reference price.
	BaseAssetReserve  uint64
	QuoteAssetReserve uint64

	// Oracle-ingested pricing state. MarkPrice stays zero until the first
	// accepted reading; staleness is always derived from LastOracleUpdate
	// at the time of use, never cached.
	MarkPrice        uint64
	OracleConfidence uint8
	LastOracleUpdate time.Time
	LastOracleSlot   uint64

	FundingPeriod     int64 // seconds
	LastFundingRate   int64 // parts-per-million, signed
	LastFundingRateTs time.Time

	MaxLeverage uint32
	IsActive    bool
}

// ReferencePrice derives the reserve-implied price. Creation rejects zero
// base reserves, so this cannot fail on a well-formed market.
func (m *Market) ReferencePrice() (uint64, error) {
	return fpmath.ReferencePrice(m.QuoteAssetReserve, m.BaseAssetReserve)
}

// FreshMarkPrice returns the mark price iff an oracle reading exists and is
// within the staleness threshold of now.
func (m *Market) FreshMarkPrice(now time.Time, stalenessThreshold uint64) (uint64, error) {
	if m.LastOracleUpdate.IsZero() {
		return 0, ErrNoOraclePrice
	}
	age := now.Sub(m.LastOracleUpdate)
	if age > time.Duration(stalenessThreshold)*time.Second {
		return 0, fmt.Errorf("%w: market %d price is %s old", ErrStaleOracle, m.Index, age)
	}
	return m.MarkPrice, nil
}

// FundingDue reports whether a full funding period has elapsed.
func (m *Market) FundingDue(now time.Time) bool {
	return now.Sub(m.LastFundingRateTs) >= time.Duration(m.FundingPeriod)*time.Second
}

// PriceUpdate is one transient oracle reading, consumed once on ingest.
type PriceUpdate struct {
	MarketIndex uint16
	Price       uint64
	Confidence  uint8
}

// Book is the in-memory set of markets, keyed by index.
type Book struct {
	markets map[uint16]*Market
}

func NewBook() *Book {
	return &Book{markets: make(map[uint16]*Market)}
}

// CreateParams carries the immutable inputs to market creation.
type CreateParams struct {
	Index             uint16
	Commodity         Commodity
	OracleSource      uuid.UUID
	BaseAssetReserve  uint64
	QuoteAssetReserve uint64
	FundingPeriod     int64
	MaxLeverage       uint32
}

// Create initializes a market with zeroed pricing state and active=true.
// Zero base reserves are rejected up front so the reference price can never
// divide by zero later.
func (b *Book) Create(p CreateParams, now time.Time) (*Market, error) {
	if _, exists := b.markets[p.Index]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, p.Index)
	}
	if p.BaseAssetReserve == 0 {
		return nil, fmt.Errorf("market %d: base asset reserve: %w", p.Index, fpmath.ErrDivisionByZero)
	}

	m := &Market{
		Index:             p.Index,
		Commodity:         p.Commodity,
		OracleSource:      p.OracleSource,
		BaseAssetReserve:  p.BaseAssetReserve,
		QuoteAssetReserve: p.QuoteAssetReserve,
		MarkPrice:         0,
		LastFundingRate:   0,
		LastFundingRateTs: now,
		FundingPeriod:     p.FundingPeriod,
		MaxLeverage:       p.MaxLeverage,
		IsActive:          true,
	}
	b.markets[p.Index] = m
	return m, nil
}

// Get returns the market for an index.
func (b *Book) Get(index uint16) (*Market, error) {
	m, ok := b.markets[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	}
	return m, nil
}

// All returns every market. Iteration order is unspecified; callers that
// need determinism sort by index.
func (b *Book) All() []*Market {
	out := make([]*Market, 0, len(b.markets))
	for _, m := range b.markets {
		out = append(out, m)
	}
	return out
}

// Snapshot returns value copies of every market. Market holds no
// reference fields, so a shallow copy is a full copy.
func (b *Book) Snapshot() []*Market {
	out := make([]*Market, 0, len(b.markets))
	for _, m := range b.markets {
		c := *m
		out = append(out, &c)
	}
	return out
}

// Restore inserts a market from a snapshot, replacing any entry with the
// same index.
func (b *Book) Restore(m *Market) {
	b.markets[m.Index] = m
}

// IngestPrice applies one validated oracle reading. The confidence floor is
// checked here; signer authority is checked by the engine before calling.
// The timestamp refreshes unconditionally, even for an unchanged price,
// because staleness is computed from elapsed time.
func (b *Book) IngestPrice(u PriceUpdate, minConfidence uint8, now time.Time, slot uint64) (*Market, error) {
	m, err := b.Get(u.MarketIndex)
	if err != nil {
		return nil, err
	}
	if u.Confidence < minConfidence {
		return nil, fmt.Errorf("%w: market %d confidence %d < %d",
			ErrConfidenceTooLow, u.MarketIndex, u.Confidence, minConfidence)
	}

	m.MarkPrice = u.Price
	m.OracleConfidence = u.Confidence
	m.LastOracleUpdate = now
	m.LastOracleSlot = slot
	return m, nil
}
