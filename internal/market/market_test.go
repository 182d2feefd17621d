package market_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"vectorcore/internal/fpmath"
	"vectorcore/internal/market"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newParams(index uint16) market.CreateParams {
	return market.CreateParams{
		Index:             index,
		Commodity:         market.CommodityGold,
		OracleSource:      uuid.New(),
		BaseAssetReserve:  1_000_000,
		QuoteAssetReserve: 50_000_000,
		FundingPeriod:     3600,
		MaxLeverage:       10,
	}
}

// ---------------------------------------------------------------------------
// Creation
// ---------------------------------------------------------------------------

func TestCreateMarket(t *testing.T) {
	b := market.NewBook()

	m, err := b.Create(newParams(0), t0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !m.IsActive {
		t.Error("new market should be active")
	}
	if m.MarkPrice != 0 {
		t.Errorf("MarkPrice = %d, want 0 before first oracle ingest", m.MarkPrice)
	}
	if !m.LastFundingRateTs.Equal(t0) {
		t.Errorf("LastFundingRateTs = %v, want creation time %v", m.LastFundingRateTs, t0)
	}

	ref, err := m.ReferencePrice()
	if err != nil {
		t.Fatalf("ReferencePrice: %v", err)
	}
	if ref != 50 {
		t.Errorf("ReferencePrice = %d, want 50", ref)
	}
}

func TestCreateMarketDuplicateIndex(t *testing.T) {
	b := market.NewBook()
	if _, err := b.Create(newParams(3), t0); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := b.Create(newParams(3), t0)
	if !errors.Is(err, market.ErrDuplicateIndex) {
		t.Errorf("err = %v, want ErrDuplicateIndex", err)
	}
}

func TestCreateMarketZeroBaseReserve(t *testing.T) {
	p := newParams(0)
	p.BaseAssetReserve = 0
	_, err := market.NewBook().Create(p, t0)
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("err = %v, want ErrDivisionByZero", err)
	}
}

// ---------------------------------------------------------------------------
// Oracle ingest
// ---------------------------------------------------------------------------

func TestIngestPrice(t *testing.T) {
	b := market.NewBook()
	if _, err := b.Create(newParams(0), t0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	m, err := b.IngestPrice(market.PriceUpdate{MarketIndex: 0, Price: 52, Confidence: 100}, 100, t0.Add(time.Second), 7)
	if err != nil {
		t.Fatalf("IngestPrice: %v", err)
	}
	if m.MarkPrice != 52 {
		t.Errorf("MarkPrice = %d, want 52", m.MarkPrice)
	}
	if m.LastOracleSlot != 7 {
		t.Errorf("LastOracleSlot = %d, want 7", m.LastOracleSlot)
	}
}

func TestIngestPriceLowConfidence(t *testing.T) {
	b := market.NewBook()
	if _, err := b.Create(newParams(0), t0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := b.IngestPrice(market.PriceUpdate{MarketIndex: 0, Price: 52, Confidence: 80}, 100, t0, 1)
	if !errors.Is(err, market.ErrConfidenceTooLow) {
		t.Errorf("err = %v, want ErrConfidenceTooLow", err)
	}

	m, _ := b.Get(0)
	if m.MarkPrice != 0 {
		t.Errorf("rejected reading mutated MarkPrice to %d", m.MarkPrice)
	}
}

func TestIngestPriceUnknownMarket(t *testing.T) {
	b := market.NewBook()
	_, err := b.IngestPrice(market.PriceUpdate{MarketIndex: 9, Price: 52, Confidence: 100}, 100, t0, 1)
	if !errors.Is(err, market.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// An unchanged price still refreshes the staleness clock.
func TestIngestSamePriceRefreshesTimestamp(t *testing.T) {
	b := market.NewBook()
	if _, err := b.Create(newParams(0), t0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	u := market.PriceUpdate{MarketIndex: 0, Price: 52, Confidence: 100}
	if _, err := b.IngestPrice(u, 100, t0, 1); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	later := t0.Add(45 * time.Second)
	m, err := b.IngestPrice(u, 100, later, 2)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !m.LastOracleUpdate.Equal(later) {
		t.Errorf("LastOracleUpdate = %v, want %v", m.LastOracleUpdate, later)
	}
	if _, err := m.FreshMarkPrice(later.Add(30*time.Second), 60); err != nil {
		t.Errorf("price should be fresh after refresh: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Staleness
// ---------------------------------------------------------------------------

func TestFreshMarkPrice(t *testing.T) {
	b := market.NewBook()
	m, err := b.Create(newParams(0), t0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := m.FreshMarkPrice(t0, 60); !errors.Is(err, market.ErrNoOraclePrice) {
		t.Errorf("before first ingest: err = %v, want ErrNoOraclePrice", err)
	}

	if _, err := b.IngestPrice(market.PriceUpdate{MarketIndex: 0, Price: 52, Confidence: 100}, 100, t0, 1); err != nil {
		t.Fatalf("IngestPrice: %v", err)
	}

	price, err := m.FreshMarkPrice(t0.Add(59*time.Second), 60)
	if err != nil {
		t.Fatalf("fresh price: %v", err)
	}
	if price != 52 {
		t.Errorf("price = %d, want 52", price)
	}

	if _, err := m.FreshMarkPrice(t0.Add(61*time.Second), 60); !errors.Is(err, market.ErrStaleOracle) {
		t.Errorf("stale price: err = %v, want ErrStaleOracle", err)
	}
}

func TestFundingDue(t *testing.T) {
	b := market.NewBook()
	m, err := b.Create(newParams(0), t0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.FundingDue(t0.Add(30 * time.Minute)) {
		t.Error("funding should not be due before a full period")
	}
	if !m.FundingDue(t0.Add(time.Hour)) {
		t.Error("funding should be due after a full period")
	}
}

func TestCommodityString(t *testing.T) {
	if got := market.CommodityGold.String(); got != "Gold" {
		t.Errorf("Gold.String() = %q", got)
	}
	if got := market.Commodity(99).String(); got != "Unknown" {
		t.Errorf("out-of-range String() = %q", got)
	}
}
