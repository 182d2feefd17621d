package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"vectorcore/internal/account"
	"vectorcore/internal/custody"
	"vectorcore/internal/engine"
	"vectorcore/internal/event"
	"vectorcore/internal/fpmath"
	"vectorcore/internal/market"
	"vectorcore/internal/registry"
)

// --- Test helpers ---

var baseTime = time.Unix(1_700_000_000, 0).UTC()

// harness wraps an engine with buffered output channels and per-partition
// source sequence counters, so tests read like operation scripts.
type harness struct {
	t       *testing.T
	eng     *engine.Engine
	persist chan engine.Output
	sink    chan engine.Output
	vault   *custody.MemoryVault

	seqs       map[string]int64
	oracleSeq  int64
	authority  uuid.UUID
	oracleAuth uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, custody.NewMemoryVault())
}

// newHarnessWith builds a harness over an arbitrary custody backend.
// h.vault is only set for the in-memory vault, so tests swapping in a
// faulty backend cannot inspect holdings.
func newHarnessWith(t *testing.T, vault custody.Transferer) *harness {
	t.Helper()
	persist := make(chan engine.Output, 1024)
	sink := make(chan engine.Output, 1024)
	h := &harness{
		t:          t,
		eng:        engine.New(0, persist, sink, vault, nil, nil),
		persist:    persist,
		sink:       sink,
		seqs:       make(map[string]int64),
		authority:  uuid.New(),
		oracleAuth: uuid.New(),
	}
	if mv, ok := vault.(*custody.MemoryVault); ok {
		h.vault = mv
	}
	return h
}

func (h *harness) globalSeq() int64 {
	s := h.seqs["global"]
	h.seqs["global"]++
	return s
}

func (h *harness) marketSeq(idx uint16) int64 {
	key := fmt.Sprintf("market:%d", idx)
	s := h.seqs[key]
	h.seqs[key]++
	return s
}

func (h *harness) mustProcess(req event.Request) {
	h.t.Helper()
	if err := h.eng.Process(req); err != nil {
		h.t.Fatalf("%s failed: %v", req.RequestType(), err)
	}
}

func (h *harness) initExchange() {
	h.t.Helper()
	h.mustProcess(&event.InitializeExchange{
		RequestID: uuid.New(),
		Authority: h.authority,
		Fees:      registry.FeeStructure{FeeNumerator: 1, FeeDenominator: 1000},
		Oracle: registry.OracleConfig{
			OracleAuthority:     h.oracleAuth,
			OracleDelay:         5,
			StalenessThreshold:  60,
			ConfidenceThreshold: 100,
		},
		Sequence:  h.globalSeq(),
		Timestamp: baseTime,
	})
}

func (h *harness) createMarket(idx uint16) {
	h.t.Helper()
	h.mustProcess(&event.CreateMarket{
		RequestID: uuid.New(),
		Authority: h.authority,
		Params: market.CreateParams{
			Index:             idx,
			Commodity:         market.CommodityGold,
			OracleSource:      uuid.New(),
			BaseAssetReserve:  1_000_000,
			QuoteAssetReserve: 50_000_000,
			FundingPeriod:     3600,
			MaxLeverage:       20,
		},
		Sequence:  h.marketSeq(idx),
		Timestamp: baseTime,
	})
}

func (h *harness) createAccount(userID uuid.UUID) {
	h.t.Helper()
	h.mustProcess(&event.CreateAccount{
		RequestID: uuid.New(),
		UserID:    userID,
		Sequence:  h.globalSeq(),
		Timestamp: baseTime,
	})
}

func (h *harness) deposit(userID uuid.UUID, amount uint64) error {
	return h.eng.Process(&event.Deposit{
		DepositID: uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Sequence:  h.globalSeq(),
		Timestamp: baseTime,
	})
}

func (h *harness) mustDeposit(userID uuid.UUID, amount uint64) {
	h.t.Helper()
	if err := h.deposit(userID, amount); err != nil {
		h.t.Fatalf("deposit %d failed: %v", amount, err)
	}
}

func (h *harness) withdraw(userID uuid.UUID, amount uint64, at time.Time) error {
	return h.eng.Process(&event.Withdraw{
		WithdrawalID: uuid.New(),
		UserID:       userID,
		Amount:       amount,
		Sequence:     h.globalSeq(),
		Timestamp:    at,
	})
}

func (h *harness) ingestPrice(idx uint16, price uint64, confidence uint8, at time.Time) error {
	h.oracleSeq++
	return h.eng.Process(&event.OraclePriceBatch{
		BatchID:   uuid.New(),
		Authority: h.oracleAuth,
		Updates:   []market.PriceUpdate{{MarketIndex: idx, Price: price, Confidence: confidence}},
		Slot:      uint64(h.oracleSeq) * 10,
		Sequence:  h.oracleSeq,
		Timestamp: at,
	})
}

func (h *harness) mustIngestPrice(idx uint16, price uint64, confidence uint8, at time.Time) {
	h.t.Helper()
	if err := h.ingestPrice(idx, price, confidence, at); err != nil {
		h.t.Fatalf("oracle ingest price=%d failed: %v", price, err)
	}
}

func (h *harness) fill(userID uuid.UUID, idx uint16, side event.Direction, qty, price uint64) error {
	return h.eng.Process(&event.Fill{
		FillID:     uuid.New(),
		UserID:     userID,
		Market:     idx,
		Side:       side,
		BaseAmount: qty,
		Price:      price,
		Sequence:   h.marketSeq(idx),
		Timestamp:  baseTime,
	})
}

func (h *harness) mustFill(userID uuid.UUID, idx uint16, side event.Direction, qty, price uint64) {
	h.t.Helper()
	if err := h.fill(userID, idx, side, qty, price); err != nil {
		h.t.Fatalf("fill %s %d@%d failed: %v", side, qty, price, err)
	}
}

func (h *harness) placeOrder(userID uuid.UUID, idx uint16, side event.Direction, kind event.OrderKind, qty, price uint64) error {
	return h.eng.Process(&event.PlaceOrder{
		RequestID:  uuid.New(),
		UserID:     userID,
		Market:     idx,
		Side:       side,
		Kind:       kind,
		BaseAmount: qty,
		Price:      price,
		Sequence:   h.marketSeq(idx),
		Timestamp:  baseTime,
	})
}

func (h *harness) fundingTick(idx uint16, at time.Time) error {
	return h.eng.Process(&event.FundingTick{
		TickID:    uuid.New(),
		Market:    idx,
		Sequence:  h.marketSeq(idx),
		Timestamp: at,
	})
}

func (h *harness) liquidate(liquidator, target uuid.UUID, idx uint16, maxBase uint64, at time.Time) error {
	return h.eng.Process(&event.Liquidate{
		LiquidationID: uuid.New(),
		LiquidatorID:  liquidator,
		UserID:        target,
		Market:        idx,
		MaxBaseAmount: maxBase,
		Sequence:      h.marketSeq(idx),
		Timestamp:     at,
	})
}

func (h *harness) account(userID uuid.UUID) *account.Account {
	h.t.Helper()
	a, err := h.eng.Accounts().Get(userID)
	if err != nil {
		h.t.Fatalf("account %s: %v", userID, err)
	}
	return a
}

func (h *harness) exchange() *registry.Exchange {
	h.t.Helper()
	ex, err := h.eng.Registry().Exchange()
	if err != nil {
		h.t.Fatalf("exchange: %v", err)
	}
	return ex
}

func (h *harness) marketState(idx uint16) *market.Market {
	h.t.Helper()
	m, err := h.eng.Markets().Get(idx)
	if err != nil {
		h.t.Fatalf("market %d: %v", idx, err)
	}
	return m
}

func drainOutputs(ch chan engine.Output) []engine.Output {
	var outputs []engine.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func lastPayload(t *testing.T, outputs []engine.Output, v interface{}) {
	t.Helper()
	if len(outputs) == 0 {
		t.Fatal("no outputs emitted")
	}
	env := outputs[len(outputs)-1].Envelope
	if err := json.Unmarshal(env.Payload, v); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
}

// ============================================================================
// Test: Exchange bootstrap
// ============================================================================

func TestInitializeExchange_Bootstrap(t *testing.T) {
	h := newHarness(t)
	h.initExchange()

	ex := h.exchange()
	if ex.Authority != h.authority {
		t.Errorf("authority mismatch: %s", ex.Authority)
	}
	if ex.TotalMarkets != 0 {
		t.Errorf("expected 0 markets, got %d", ex.TotalMarkets)
	}
	if ex.TotalCollateral != 0 {
		t.Errorf("expected 0 total collateral, got %d", ex.TotalCollateral)
	}
	if ex.InsuranceFund != 0 {
		t.Errorf("expected empty insurance fund, got %d", ex.InsuranceFund)
	}
	// Zero-valued liquidation config falls back to venue defaults.
	if ex.LiquidationConfig.MarginBufferBps != 25 {
		t.Errorf("expected default margin buffer 25 bps, got %d", ex.LiquidationConfig.MarginBufferBps)
	}
}

func TestInitializeExchange_SecondAttemptFails(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	drainOutputs(h.persist)

	err := h.eng.Process(&event.InitializeExchange{
		RequestID: uuid.New(),
		Authority: uuid.New(),
		Sequence:  h.globalSeq(),
		Timestamp: baseTime,
	})
	if !errors.Is(err, registry.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if outputs := drainOutputs(h.persist); len(outputs) != 0 {
		t.Errorf("rejected request emitted %d outputs", len(outputs))
	}
	if h.exchange().Authority != h.authority {
		t.Error("authority changed by rejected re-initialization")
	}
}

// ============================================================================
// Test: Market creation and oracle pricing
// ============================================================================

func TestCreateMarket_DerivesReferencePrice(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	drainOutputs(h.persist)

	h.createMarket(0)

	outputs := drainOutputs(h.persist)
	var rec event.MarketRecord
	lastPayload(t, outputs, &rec)
	if rec.ReferencePrice != 50 {
		t.Errorf("expected reference price 50, got %d", rec.ReferencePrice)
	}
	if rec.TotalMarkets != 1 {
		t.Errorf("expected 1 market, got %d", rec.TotalMarkets)
	}

	m := h.marketState(0)
	if m.MarkPrice != 0 {
		t.Errorf("mark price should be zero before first oracle ingest, got %d", m.MarkPrice)
	}
	if !m.IsActive {
		t.Error("new market should be active")
	}
}

func TestCreateMarket_RequiresAuthority(t *testing.T) {
	h := newHarness(t)
	h.initExchange()

	err := h.eng.Process(&event.CreateMarket{
		RequestID: uuid.New(),
		Authority: uuid.New(),
		Params: market.CreateParams{
			Index:             0,
			BaseAssetReserve:  1_000_000,
			QuoteAssetReserve: 50_000_000,
			FundingPeriod:     3600,
		},
		Sequence:  h.marketSeq(0),
		Timestamp: baseTime,
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestOracleIngest_UpdatesMarkPrice(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)

	h.mustIngestPrice(0, 52, 200, baseTime)

	m := h.marketState(0)
	if m.MarkPrice != 52 {
		t.Errorf("expected mark price 52, got %d", m.MarkPrice)
	}
	if m.OracleConfidence != 200 {
		t.Errorf("expected confidence 200, got %d", m.OracleConfidence)
	}
}

func TestOracleIngest_LowConfidenceRejectsWholeBatch(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	h.mustIngestPrice(0, 52, 200, baseTime)
	drainOutputs(h.persist)

	err := h.ingestPrice(0, 60, 50, baseTime.Add(time.Second))
	if !errors.Is(err, market.ErrConfidenceTooLow) {
		t.Fatalf("expected ErrConfidenceTooLow, got %v", err)
	}
	if m := h.marketState(0); m.MarkPrice != 52 {
		t.Errorf("rejected batch moved the mark price to %d", m.MarkPrice)
	}
	if outputs := drainOutputs(h.persist); len(outputs) != 0 {
		t.Errorf("rejected batch emitted %d outputs", len(outputs))
	}
}

func TestOracleIngest_StaleBatchDroppedSilently(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	h.mustIngestPrice(0, 52, 200, baseTime)
	drainOutputs(h.persist)

	// Same source sequence as the applied batch: dropped, not errored.
	err := h.eng.Process(&event.OraclePriceBatch{
		BatchID:   uuid.New(),
		Authority: h.oracleAuth,
		Updates:   []market.PriceUpdate{{MarketIndex: 0, Price: 99, Confidence: 200}},
		Slot:      5,
		Sequence:  h.oracleSeq,
		Timestamp: baseTime.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("stale batch should be dropped silently, got %v", err)
	}
	if m := h.marketState(0); m.MarkPrice != 52 {
		t.Errorf("stale batch moved the mark price to %d", m.MarkPrice)
	}
	if outputs := drainOutputs(h.persist); len(outputs) != 0 {
		t.Errorf("stale batch emitted %d outputs", len(outputs))
	}
}

func TestOracleIngest_GapInSequenceTolerated(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	h.mustIngestPrice(0, 52, 200, baseTime)

	// Skip ahead several source sequences; oracle gaps only delay freshness.
	h.oracleSeq += 100
	h.mustIngestPrice(0, 53, 200, baseTime.Add(time.Second))
	if m := h.marketState(0); m.MarkPrice != 53 {
		t.Errorf("expected mark 53 after gapped batch, got %d", m.MarkPrice)
	}
}

// ============================================================================
// Test: Deposits and withdrawals
// ============================================================================

func TestDeposit_CreditsCollateralAndAggregate(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	user := uuid.New()
	h.createAccount(user)
	drainOutputs(h.persist)

	h.mustDeposit(user, 1000)

	if got := h.account(user).Collateral; got != 1000 {
		t.Errorf("expected collateral 1000, got %d", got)
	}
	if got := h.exchange().TotalCollateral; got != 1000 {
		t.Errorf("expected total collateral 1000, got %d", got)
	}
	if got := h.vault.Held(); got != 1000 {
		t.Errorf("expected vault to hold 1000, got %d", got)
	}

	var rec event.DepositRecord
	lastPayload(t, drainOutputs(h.persist), &rec)
	if rec.Amount != 1000 || rec.CollateralAfter != 1000 {
		t.Errorf("deposit record amount=%d after=%d", rec.Amount, rec.CollateralAfter)
	}
}

func TestDeposit_OverflowLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	user := uuid.New()
	h.createAccount(user)
	h.mustDeposit(user, math.MaxUint64)
	drainOutputs(h.persist)

	err := h.deposit(user, 1)
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if got := h.account(user).Collateral; got != math.MaxUint64 {
		t.Errorf("collateral changed by failed deposit: %d", got)
	}
	if got := h.exchange().TotalCollateral; got != math.MaxUint64 {
		t.Errorf("total collateral changed by failed deposit: %d", got)
	}
	if outputs := drainOutputs(h.persist); len(outputs) != 0 {
		t.Errorf("failed deposit emitted %d outputs", len(outputs))
	}
}

func TestDeposit_ZeroAmountRejected(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	user := uuid.New()
	h.createAccount(user)

	if err := h.deposit(user, 0); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestWithdraw_RespectsFreeCollateralFloor(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	user := uuid.New()
	h.createAccount(user)
	h.mustDeposit(user, 1000)
	h.mustIngestPrice(0, 50, 200, baseTime)

	// Long 100 @ 50: notional 5000, fee 5, collateral 995.
	// Initial margin at 100 bps holds back 50, so free collateral is 945.
	h.mustFill(user, 0, event.DirectionLong, 100, 50)

	at := baseTime.Add(10 * time.Second)
	if err := h.withdraw(user, 946, at); !errors.Is(err, account.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral withdrawing past the floor, got %v", err)
	}
	if err := h.withdraw(user, 945, at); err != nil {
		t.Fatalf("withdraw at the floor failed: %v", err)
	}

	if got := h.account(user).Collateral; got != 50 {
		t.Errorf("expected collateral 50 after withdrawal, got %d", got)
	}
	if got := h.exchange().TotalCollateral; got != 50 {
		t.Errorf("expected total collateral 50, got %d", got)
	}
	// Vault released the withdrawal; the trading fee stayed in custody.
	if got := h.vault.Held(); got != 55 {
		t.Errorf("expected vault to hold 55, got %d", got)
	}
}

func TestWithdraw_FailsClosedOnStalePrice(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	user := uuid.New()
	h.createAccount(user)
	h.mustDeposit(user, 1000)
	h.mustIngestPrice(0, 50, 200, baseTime)
	h.mustFill(user, 0, event.DirectionLong, 100, 50)

	// 90s after the last reading, past the 60s staleness threshold.
	err := h.withdraw(user, 10, baseTime.Add(90*time.Second))
	if !errors.Is(err, market.ErrStaleOracle) {
		t.Fatalf("expected ErrStaleOracle, got %v", err)
	}
}

// stuckVault accepts incoming funds but fails every payout, standing in
// for a custody backend that has gone unavailable mid-session.
type stuckVault struct {
	inner *custody.MemoryVault
}

func (v *stuckVault) Receive(ctx context.Context, user uuid.UUID, amount uint64) error {
	return v.inner.Receive(ctx, user, amount)
}

func (v *stuckVault) Release(ctx context.Context, user uuid.UUID, amount uint64) error {
	return errors.New("custody backend unavailable")
}

func TestWithdraw_CustodyFailureLeavesStateUntouched(t *testing.T) {
	h := newHarnessWith(t, &stuckVault{inner: custody.NewMemoryVault()})
	h.initExchange()
	user := uuid.New()
	h.createAccount(user)
	h.mustDeposit(user, 1000)
	drainOutputs(h.persist)

	if err := h.withdraw(user, 400, baseTime.Add(time.Second)); err == nil {
		t.Fatal("expected withdraw to fail when custody rejects the payout")
	}
	if got := h.account(user).Collateral; got != 1000 {
		t.Errorf("failed withdrawal debited the account to %d", got)
	}
	if got := h.exchange().TotalCollateral; got != 1000 {
		t.Errorf("failed withdrawal moved total collateral to %d", got)
	}
	if outputs := drainOutputs(h.persist); len(outputs) != 0 {
		t.Errorf("failed withdrawal emitted %d outputs", len(outputs))
	}
}

// ============================================================================
// Test: Order intake
// ============================================================================

func TestPlaceOrder_AllocatesMonotonicIDs(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	user := uuid.New()
	h.createAccount(user)
	h.mustDeposit(user, 1000)
	drainOutputs(h.persist)

	for want := uint64(1); want <= 3; want++ {
		if err := h.placeOrder(user, 0, event.DirectionLong, event.OrderKindLimit, 10, 52); err != nil {
			t.Fatalf("place order %d failed: %v", want, err)
		}
		var rec event.OrderRecord
		lastPayload(t, drainOutputs(h.persist), &rec)
		if rec.OrderID != want {
			t.Errorf("expected order id %d, got %d", want, rec.OrderID)
		}
	}
	if got := h.account(user).NextOrderID; got != 4 {
		t.Errorf("expected next order id 4, got %d", got)
	}
}

func TestPlaceOrder_RequiresCollateral(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	user := uuid.New()
	h.createAccount(user)

	err := h.placeOrder(user, 0, event.DirectionLong, event.OrderKindMarket, 10, 0)
	if !errors.Is(err, account.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if got := h.account(user).NextOrderID; got != 1 {
		t.Errorf("rejected order consumed an id, next is %d", got)
	}
}

func TestPlaceOrder_LimitRequiresPrice(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	user := uuid.New()
	h.createAccount(user)
	h.mustDeposit(user, 1000)

	err := h.placeOrder(user, 0, event.DirectionLong, event.OrderKindLimit, 10, 0)
	if !errors.Is(err, engine.ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

// ============================================================================
// Test: Fills and collateral conservation
// ============================================================================

func TestFill_RoundTripConservesCollateral(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	alice, bob := uuid.New(), uuid.New()
	h.createAccount(alice)
	h.createAccount(bob)
	h.mustDeposit(alice, 1000)
	h.mustDeposit(bob, 1000)

	// Open opposing 100 @ 50, then close both at 52.
	h.mustFill(alice, 0, event.DirectionLong, 100, 50)
	h.mustFill(bob, 0, event.DirectionShort, 100, 50)
	h.mustFill(alice, 0, event.DirectionShort, 100, 52)
	h.mustFill(bob, 0, event.DirectionLong, 100, 52)

	// Alice: 1000 - 5 + 200 - 5 = 1190. Bob: 1000 - 5 - 200 - 5 = 790.
	if got := h.account(alice).Collateral; got != 1190 {
		t.Errorf("alice collateral: expected 1190, got %d", got)
	}
	if got := h.account(bob).Collateral; got != 790 {
		t.Errorf("bob collateral: expected 790, got %d", got)
	}

	ex := h.exchange()
	if ex.TotalCollateral != 1980 {
		t.Errorf("expected total collateral 1980, got %d", ex.TotalCollateral)
	}
	if ex.InsuranceFund != 20 {
		t.Errorf("expected 20 in fees collected, got %d", ex.InsuranceFund)
	}
	// Deposits in equal what the venue holds across all balances.
	if uint64(ex.InsuranceFund)+ex.TotalCollateral != 2000 {
		t.Error("collateral plus insurance fund does not equal deposits")
	}

	if pos := h.account(alice).Position(0); pos != nil && !pos.IsFlat() {
		t.Error("alice position should be flat after round trip")
	}
}

func TestFill_LossBeyondCollateralHitsInsuranceFund(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	user := uuid.New()
	h.createAccount(user)
	h.mustDeposit(user, 100)

	// Open long 100 @ 50 (fee 5, collateral 95), then close at 30:
	// realized loss 2000 wipes the 95 and leaves 1905 uncovered.
	h.mustFill(user, 0, event.DirectionLong, 100, 50)
	h.mustFill(user, 0, event.DirectionShort, 100, 30)

	if got := h.account(user).Collateral; got != 0 {
		t.Errorf("expected zero collateral, got %d", got)
	}
	ex := h.exchange()
	if ex.TotalCollateral != 0 {
		t.Errorf("expected zero total collateral, got %d", ex.TotalCollateral)
	}
	if ex.InsuranceFund != -1900 {
		t.Errorf("expected insurance fund -1900, got %d", ex.InsuranceFund)
	}
}

func TestFill_FlipThroughFlat(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	user := uuid.New()
	h.createAccount(user)
	h.mustDeposit(user, 10_000)

	h.mustFill(user, 0, event.DirectionLong, 100, 50)
	// Selling 150 closes the 100 long and opens a 50 short.
	h.mustFill(user, 0, event.DirectionShort, 150, 52)

	pos := h.account(user).Position(0)
	if pos == nil {
		t.Fatal("expected an open position after the flip")
	}
	if pos.Side != event.DirectionShort || pos.Size != 50 {
		t.Errorf("expected short 50, got %s %d", pos.Side, pos.Size)
	}
	if pos.AvgEntryPrice != 52 {
		t.Errorf("expected entry 52 on the flipped leg, got %d", pos.AvgEntryPrice)
	}
}

// ============================================================================
// Test: Funding settlement
// ============================================================================

func TestFundingTick_ZeroSumWithResidual(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	alice, bob := uuid.New(), uuid.New()
	h.createAccount(alice)
	h.createAccount(bob)
	h.mustDeposit(alice, 1000)
	h.mustDeposit(bob, 1000)

	// Alice long 10, Bob short 7. Notionals are small enough that the
	// open fees truncate to zero.
	h.mustFill(alice, 0, event.DirectionLong, 10, 50)
	h.mustFill(bob, 0, event.DirectionShort, 7, 50)

	tickAt := baseTime.Add(3600 * time.Second)
	h.mustIngestPrice(0, 52, 200, tickAt.Add(-5*time.Second))
	drainOutputs(h.persist)

	// Rate = (52-50)*1e6/50 = 40000 ppm. Alice pays 20, Bob receives 14,
	// residual 6 goes to the insurance fund.
	if err := h.fundingTick(0, tickAt); err != nil {
		t.Fatalf("funding tick failed: %v", err)
	}

	if got := h.account(alice).Collateral; got != 980 {
		t.Errorf("alice: expected 980, got %d", got)
	}
	if got := h.account(bob).Collateral; got != 1014 {
		t.Errorf("bob: expected 1014, got %d", got)
	}
	ex := h.exchange()
	if ex.InsuranceFund != 6 {
		t.Errorf("expected residual 6 in the insurance fund, got %d", ex.InsuranceFund)
	}
	if ex.TotalCollateral != 1994 {
		t.Errorf("expected total collateral 1994, got %d", ex.TotalCollateral)
	}

	var rec event.FundingRecord
	lastPayload(t, drainOutputs(h.persist), &rec)
	if rec.RatePPM != 40_000 {
		t.Errorf("expected rate 40000 ppm, got %d", rec.RatePPM)
	}
	if rec.Residual != 6 {
		t.Errorf("expected residual 6, got %d", rec.Residual)
	}
	if len(rec.Payments) != 2 {
		t.Errorf("expected 2 payment legs, got %d", len(rec.Payments))
	}

	m := h.marketState(0)
	if m.LastFundingRate != 40_000 {
		t.Errorf("market funding rate not recorded: %d", m.LastFundingRate)
	}
	if !m.LastFundingRateTs.Equal(tickAt) {
		t.Errorf("funding timestamp not advanced: %s", m.LastFundingRateTs)
	}
}

func TestFundingTick_NotDueRejected(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	h.mustIngestPrice(0, 52, 200, baseTime)

	err := h.fundingTick(0, baseTime.Add(10*time.Second))
	if !errors.Is(err, engine.ErrFundingNotDue) {
		t.Fatalf("expected ErrFundingNotDue, got %v", err)
	}
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidate_HealthyAccountRejected(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	target, liquidator := uuid.New(), uuid.New()
	h.createAccount(target)
	h.createAccount(liquidator)
	h.mustDeposit(target, 1000)
	h.mustIngestPrice(0, 50, 200, baseTime)
	h.mustFill(target, 0, event.DirectionLong, 10, 50)

	err := h.liquidate(liquidator, target, 0, 0, baseTime.Add(time.Second))
	if !errors.Is(err, engine.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
	if got := h.account(target).Collateral; got != 1000 {
		t.Errorf("rejected liquidation moved collateral to %d", got)
	}
	if got := h.account(liquidator).Collateral; got != 0 {
		t.Errorf("rejected liquidation credited the liquidator %d", got)
	}
}

func TestLiquidate_ClosesPositionAndPaysFee(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	target, liquidator := uuid.New(), uuid.New()
	h.createAccount(target)
	h.createAccount(liquidator)
	h.mustDeposit(target, 120_000)
	h.mustIngestPrice(0, 50, 200, baseTime)

	// Long 100k @ 50: notional 5M, fee 5000, collateral 115000.
	h.mustFill(target, 0, event.DirectionLong, 100_000, 50)

	// Mark drops to 49. Equity 115000-100000=15000 is under the
	// maintenance bound 4.9M * 75bps = 36750.
	at := baseTime.Add(10 * time.Second)
	h.mustIngestPrice(0, 49, 200, at)
	drainOutputs(h.persist)

	if err := h.liquidate(liquidator, target, 0, 0, at); err != nil {
		t.Fatalf("liquidation failed: %v", err)
	}

	var rec event.LiquidationRecord
	lastPayload(t, drainOutputs(h.persist), &rec)
	if rec.ClosedBase != 100_000 {
		t.Errorf("expected full close of 100000, got %d", rec.ClosedBase)
	}
	if rec.MarkPrice != 49 {
		t.Errorf("expected close at mark 49, got %d", rec.MarkPrice)
	}
	if rec.RealizedPnL != -100_000 {
		t.Errorf("expected realized -100000, got %d", rec.RealizedPnL)
	}
	if rec.Fee != 4_900 || rec.LiquidatorReward != 4_900 {
		t.Errorf("expected fee 4900 to the liquidator, got fee=%d reward=%d", rec.Fee, rec.LiquidatorReward)
	}
	if rec.Deficit != 0 {
		t.Errorf("unexpected deficit %d", rec.Deficit)
	}

	if got := h.account(target).Collateral; got != 10_100 {
		t.Errorf("target collateral: expected 10100, got %d", got)
	}
	if got := h.account(liquidator).Collateral; got != 4_900 {
		t.Errorf("liquidator collateral: expected 4900, got %d", got)
	}
	// The fee is an internal transfer; totals only reflect the loss.
	if got := h.exchange().TotalCollateral; got != 15_000 {
		t.Errorf("expected total collateral 15000, got %d", got)
	}
	if pos := h.account(target).Position(0); pos != nil && !pos.IsFlat() {
		t.Error("position should be flat after full liquidation")
	}
}

func TestLiquidate_SecondLiquidatorLoses(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	target, first, second := uuid.New(), uuid.New(), uuid.New()
	h.createAccount(target)
	h.createAccount(first)
	h.createAccount(second)
	h.mustDeposit(target, 120_000)
	h.mustIngestPrice(0, 50, 200, baseTime)
	h.mustFill(target, 0, event.DirectionLong, 100_000, 50)

	at := baseTime.Add(10 * time.Second)
	h.mustIngestPrice(0, 49, 200, at)

	if err := h.liquidate(first, target, 0, 0, at); err != nil {
		t.Fatalf("first liquidation failed: %v", err)
	}
	// The close cured the account, so the racing request fails on the
	// re-derived candidacy check.
	err := h.liquidate(second, target, 0, 0, at)
	if !errors.Is(err, engine.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable for the second liquidator, got %v", err)
	}
	if got := h.account(second).Collateral; got != 0 {
		t.Errorf("second liquidator was paid %d", got)
	}
}

func TestLiquidate_PartialCloseHonorsMaxBase(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	target, liquidator := uuid.New(), uuid.New()
	h.createAccount(target)
	h.createAccount(liquidator)
	h.mustDeposit(target, 120_000)
	h.mustIngestPrice(0, 50, 200, baseTime)
	h.mustFill(target, 0, event.DirectionLong, 100_000, 50)

	at := baseTime.Add(10 * time.Second)
	h.mustIngestPrice(0, 49, 200, at)
	drainOutputs(h.persist)

	if err := h.liquidate(liquidator, target, 0, 40_000, at); err != nil {
		t.Fatalf("partial liquidation failed: %v", err)
	}

	var rec event.LiquidationRecord
	lastPayload(t, drainOutputs(h.persist), &rec)
	if rec.ClosedBase != 40_000 {
		t.Errorf("expected partial close of 40000, got %d", rec.ClosedBase)
	}
	pos := h.account(target).Position(0)
	if pos == nil || pos.Size != 60_000 {
		t.Fatalf("expected 60000 remaining, got %+v", pos)
	}
}

func TestLiquidate_RequiresFreshOracle(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	target, liquidator := uuid.New(), uuid.New()
	h.createAccount(target)
	h.createAccount(liquidator)
	h.mustDeposit(target, 120_000)
	h.mustIngestPrice(0, 49, 200, baseTime)
	h.mustFill(target, 0, event.DirectionLong, 100_000, 50)

	err := h.liquidate(liquidator, target, 0, 0, baseTime.Add(120*time.Second))
	if !errors.Is(err, market.ErrStaleOracle) {
		t.Fatalf("expected ErrStaleOracle, got %v", err)
	}
}

// ============================================================================
// Test: Pipeline mechanics
// ============================================================================

func TestProcess_DuplicateRequestAppliedOnce(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	user := uuid.New()
	h.createAccount(user)
	drainOutputs(h.persist)

	dep := &event.Deposit{
		DepositID: uuid.New(),
		UserID:    user,
		Amount:    500,
		Sequence:  h.globalSeq(),
		Timestamp: baseTime,
	}
	if err := h.eng.Process(dep); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	// Upstream redelivery of the exact same request.
	if err := h.eng.Process(dep); err != nil {
		t.Fatalf("duplicate should be absorbed, got %v", err)
	}

	if got := h.account(user).Collateral; got != 500 {
		t.Errorf("duplicate applied twice: collateral %d", got)
	}
	if outputs := drainOutputs(h.persist); len(outputs) != 1 {
		t.Errorf("expected 1 output, got %d", len(outputs))
	}
}

func TestProcess_SequenceGapRejected(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	user := uuid.New()
	h.createAccount(user)

	err := h.eng.Process(&event.Deposit{
		DepositID: uuid.New(),
		UserID:    user,
		Amount:    500,
		Sequence:  h.seqs["global"] + 3,
		Timestamp: baseTime,
	})
	if err == nil {
		t.Fatal("expected a sequence gap error")
	}
	if got := h.account(user).Collateral; got != 0 {
		t.Errorf("gapped request applied: collateral %d", got)
	}
}

func TestProcess_HashChainLinks(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	user := uuid.New()
	h.createAccount(user)
	h.mustDeposit(user, 1000)
	h.mustIngestPrice(0, 52, 200, baseTime)

	outputs := drainOutputs(h.persist)
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}
	var zero [32]byte
	for i, o := range outputs {
		env := o.Envelope
		if env.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, env.Sequence)
		}
		if env.StateHash == zero {
			t.Errorf("output %d: zero state hash", i)
		}
		if i > 0 && env.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d: prev hash does not link to the prior state hash", i)
		}
	}
	if h.eng.Sequence() != 5 {
		t.Errorf("expected next sequence 5, got %d", h.eng.Sequence())
	}
}

func TestProcess_SinkMirrorsPersist(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	user := uuid.New()
	h.createAccount(user)
	h.mustDeposit(user, 1000)

	persisted := drainOutputs(h.persist)
	mirrored := drainOutputs(h.sink)
	if len(persisted) != len(mirrored) {
		t.Fatalf("persist saw %d outputs, sink saw %d", len(persisted), len(mirrored))
	}
	for i := range persisted {
		if persisted[i].Envelope.Sequence != mirrored[i].Envelope.Sequence {
			t.Errorf("output %d: sequence mismatch between persist and sink", i)
		}
	}
}

func TestIsLiquidatable_TracksOraclePrice(t *testing.T) {
	h := newHarness(t)
	h.initExchange()
	h.createMarket(0)
	user := uuid.New()
	h.createAccount(user)
	h.mustDeposit(user, 120_000)
	h.mustIngestPrice(0, 50, 200, baseTime)
	h.mustFill(user, 0, event.DirectionLong, 100_000, 50)

	if ok, err := h.eng.IsLiquidatable(user, baseTime.Add(time.Second)); err != nil || ok {
		t.Fatalf("healthy account flagged liquidatable: ok=%v err=%v", ok, err)
	}

	at := baseTime.Add(10 * time.Second)
	h.mustIngestPrice(0, 49, 200, at)
	if ok, err := h.eng.IsLiquidatable(user, at); err != nil || !ok {
		t.Fatalf("deficient account not flagged: ok=%v err=%v", ok, err)
	}
}
