package persistence_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"vectorcore/internal/custody"
	"vectorcore/internal/engine"
	"vectorcore/internal/event"
	"vectorcore/internal/market"
	"vectorcore/internal/persistence"
	"vectorcore/internal/registry"
)

var captureBase = time.Unix(1_700_000_000, 0).UTC()

// TestCapture_InsulatedFromLaterMutations exercises the contract that a
// captured snapshot is a deep copy: the snapshot goroutine marshals it
// while the engine keeps processing, so later state changes must not
// show through.
func TestCapture_InsulatedFromLaterMutations(t *testing.T) {
	persist := make(chan engine.Output, 256)
	sink := make(chan engine.Output, 256)
	eng := engine.New(0, persist, sink, custody.NewMemoryVault(), nil, nil)

	authority := uuid.New()
	oracleAuth := uuid.New()
	user := uuid.New()

	process := func(req event.Request) {
		t.Helper()
		if err := eng.Process(req); err != nil {
			t.Fatalf("%s failed: %v", req.RequestType(), err)
		}
	}

	var globalSeq, marketSeq, oracleSeq int64
	nextGlobal := func() int64 { s := globalSeq; globalSeq++; return s }
	nextMarket := func() int64 { s := marketSeq; marketSeq++; return s }

	process(&event.InitializeExchange{
		RequestID: uuid.New(),
		Authority: authority,
		Fees:      registry.FeeStructure{FeeNumerator: 1, FeeDenominator: 1000},
		Oracle: registry.OracleConfig{
			OracleAuthority:     oracleAuth,
			OracleDelay:         5,
			StalenessThreshold:  60,
			ConfidenceThreshold: 100,
		},
		Sequence:  nextGlobal(),
		Timestamp: captureBase,
	})
	process(&event.CreateMarket{
		RequestID: uuid.New(),
		Authority: authority,
		Params: market.CreateParams{
			Index:             0,
			Commodity:         market.CommodityGold,
			OracleSource:      uuid.New(),
			BaseAssetReserve:  1_000_000,
			QuoteAssetReserve: 50_000_000,
			FundingPeriod:     3600,
			MaxLeverage:       20,
		},
		Sequence:  nextMarket(),
		Timestamp: captureBase,
	})
	process(&event.CreateAccount{
		RequestID: uuid.New(),
		UserID:    user,
		Sequence:  nextGlobal(),
		Timestamp: captureBase,
	})
	process(&event.Deposit{
		DepositID: uuid.New(),
		UserID:    user,
		Amount:    1000,
		Sequence:  nextGlobal(),
		Timestamp: captureBase,
	})
	oracleSeq++
	process(&event.OraclePriceBatch{
		BatchID:   uuid.New(),
		Authority: oracleAuth,
		Updates:   []market.PriceUpdate{{MarketIndex: 0, Price: 50, Confidence: 200}},
		Slot:      10,
		Sequence:  oracleSeq,
		Timestamp: captureBase,
	})
	process(&event.Fill{
		FillID:     uuid.New(),
		UserID:     user,
		Market:     0,
		Side:       event.DirectionLong,
		BaseAmount: 10,
		Price:      50,
		Sequence:   nextMarket(),
		Timestamp:  captureBase,
	})

	snap := persistence.Capture(eng, captureBase)

	// Touch every piece of state the snapshot references.
	process(&event.Deposit{
		DepositID: uuid.New(),
		UserID:    user,
		Amount:    500,
		Sequence:  nextGlobal(),
		Timestamp: captureBase,
	})
	oracleSeq++
	process(&event.OraclePriceBatch{
		BatchID:   uuid.New(),
		Authority: oracleAuth,
		Updates:   []market.PriceUpdate{{MarketIndex: 0, Price: 60, Confidence: 200}},
		Slot:      20,
		Sequence:  oracleSeq,
		Timestamp: captureBase.Add(time.Second),
	})
	process(&event.Fill{
		FillID:     uuid.New(),
		UserID:     user,
		Market:     0,
		Side:       event.DirectionLong,
		BaseAmount: 5,
		Price:      60,
		Sequence:   nextMarket(),
		Timestamp:  captureBase.Add(time.Second),
	})

	if len(snap.Accounts) != 1 {
		t.Fatalf("expected 1 account in the snapshot, got %d", len(snap.Accounts))
	}
	acct := snap.Accounts[0]
	if acct.Collateral != 1000 {
		t.Errorf("snapshot collateral drifted to %d", acct.Collateral)
	}
	pos, ok := acct.Positions[0]
	if !ok {
		t.Fatal("snapshot account lost its position")
	}
	if pos.Size != 10 {
		t.Errorf("snapshot position size drifted to %d", pos.Size)
	}
	if pos.AvgEntryPrice != 50 {
		t.Errorf("snapshot entry price drifted to %d", pos.AvgEntryPrice)
	}

	if len(snap.Markets) != 1 {
		t.Fatalf("expected 1 market in the snapshot, got %d", len(snap.Markets))
	}
	if snap.Markets[0].MarkPrice != 50 {
		t.Errorf("snapshot mark price drifted to %d", snap.Markets[0].MarkPrice)
	}

	if snap.Exchange == nil {
		t.Fatal("snapshot missing exchange state")
	}
	if snap.Exchange.TotalCollateral != 1000 {
		t.Errorf("snapshot total collateral drifted to %d", snap.Exchange.TotalCollateral)
	}
	if snap.Sequence != eng.Sequence()-3 {
		t.Errorf("snapshot sequence advanced with the engine: %d", snap.Sequence)
	}
}
