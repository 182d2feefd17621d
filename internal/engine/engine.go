package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"vectorcore/internal/account"
	"vectorcore/internal/custody"
	"vectorcore/internal/event"
	"vectorcore/internal/market"
	"vectorcore/internal/observability"
	"vectorcore/internal/registry"
)

// Engine is the single-threaded request processor. All state-changing
// entry points are serialized through Process; external surfaces parse
// and validate transport concerns, then hand typed requests here.
type Engine struct {
	sequence  int64
	hasher    *StateHasher
	registry  *registry.Registry
	markets   *market.Book
	accounts  *account.Ledger
	vault     custody.Transferer
	dedup     *IdempotencyChecker
	sequences *SequenceValidator
	metrics   *observability.Metrics

	lastSlot uint64

	persistChan chan<- Output
	sinkChan    chan<- Output
}

// Output is one applied request flowing to persistence and projections.
type Output struct {
	Envelope   *event.RecordEnvelope
	StateDelta []byte
}

func New(
	startSequence int64,
	persistChan, sinkChan chan<- Output,
	vault custody.Transferer,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		sequence:    startSequence,
		hasher:      NewStateHasher(),
		registry:    registry.New(),
		markets:     market.NewBook(),
		accounts:    account.NewLedger(),
		vault:       vault,
		dedup:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequences:   NewSequenceValidator(),
		metrics:     metrics,
		persistChan: persistChan,
		sinkChan:    sinkChan,
	}
}

// Registry exposes the exchange singleton for read paths.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Markets exposes market state for read paths.
func (e *Engine) Markets() *market.Book { return e.markets }

// Accounts exposes the account ledger for read paths.
func (e *Engine) Accounts() *account.Ledger { return e.accounts }

// Sequence returns the next global sequence to be assigned.
func (e *Engine) Sequence() int64 { return e.sequence }

// Hasher exposes the hash chain for snapshot save and restore.
func (e *Engine) Hasher() *StateHasher { return e.hasher }

// Sequences exposes the per-partition validator for snapshot recovery.
func (e *Engine) Sequences() *SequenceValidator { return e.sequences }

// Process is the main pipeline: dedup, order, dispatch, hash, emit.
func (e *Engine) Process(req event.Request) error {
	start := time.Now()
	requestType := req.RequestType().String()
	idempotencyKey := req.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := e.dedup.IsDuplicate(requestType, idempotencyKey)

	// Step 2: Sequence validation. Oracle batches tolerate gaps; a stale
	// batch is dropped silently because a newer reading already applied.
	if _, ok := req.(*event.OraclePriceBatch); ok {
		if stale := e.sequences.ValidateOracleSequence(req.SourceSequence()); stale {
			if e.metrics != nil {
				e.metrics.EngineRequestsRejected.WithLabelValues(requestType, "stale").Inc()
			}
			return nil
		}
	} else {
		if err := e.sequences.ValidateSequence(e.partition(req), req.SourceSequence(), isDuplicate); err != nil {
			if e.metrics != nil {
				e.metrics.EngineRequestsRejected.WithLabelValues(requestType, "sequence").Inc()
			}
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if e.metrics != nil {
			e.metrics.EngineRequestsRejected.WithLabelValues(requestType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch. Handlers validate everything before mutating, so
	// an error here means state is untouched.
	payload, touched, err := e.dispatch(req)
	if err != nil {
		if e.metrics != nil {
			e.metrics.EngineRequestsRejected.WithLabelValues(requestType, "validation").Inc()
		}
		return fmt.Errorf("dispatch %s: %w", requestType, err)
	}

	// Step 4: Conservation check. The registry aggregate is updated in
	// lockstep with every collateral mutation; drift means a handler bug.
	e.postCheckConservation(requestType)

	// Step 5: State hash chain
	stateDigest := e.computeStateDigest(touched)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal %s payload: %v", requestType, err))
	}

	envelope := &event.RecordEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: idempotencyKey,
		RequestType:    req.RequestType(),
		MarketIndex:    req.MarketIndex(),
		Timestamp:      requestTimestamp(req),
		SourceSequence: req.SourceSequence(),
		Payload:        payloadBytes,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	e.sequence++

	output := Output{Envelope: envelope, StateDelta: stateDigest}

	// Step 6: Emit. Persistence is a blocking send so no record is ever
	// lost; the sink is best-effort and drops when full.
	e.persistChan <- output

	select {
	case e.sinkChan <- output:
	default:
		if e.metrics != nil {
			e.metrics.SinkDrops.WithLabelValues("projection").Inc()
		}
	}

	// Step 7: Mark as processed
	e.dedup.MarkProcessed(requestType, idempotencyKey)

	if e.metrics != nil {
		e.metrics.EngineRequestsApplied.WithLabelValues(requestType).Inc()
		e.metrics.EngineRequestDuration.WithLabelValues(requestType).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.DedupLRUSize.Set(float64(e.dedup.Size()))
		if ex, exErr := e.registry.Exchange(); exErr == nil {
			e.metrics.TotalCollateral.Set(float64(ex.TotalCollateral))
			e.metrics.InsuranceFundBalance.Set(float64(ex.InsuranceFund))
			e.metrics.MarketsTotal.Set(float64(ex.TotalMarkets))
		}
	}

	return nil
}

// touchSet names the entities a handler mutated, for digest computation.
type touchSet struct {
	exchange bool
	accounts []uuid.UUID
	markets  []uint16
}

func (t *touchSet) account(id uuid.UUID) { t.accounts = append(t.accounts, id) }
func (t *touchSet) market(idx uint16)    { t.markets = append(t.markets, idx) }

func (e *Engine) dispatch(req event.Request) (interface{}, *touchSet, error) {
	switch r := req.(type) {
	case *event.InitializeExchange:
		return e.handleInitialize(r)
	case *event.CreateMarket:
		return e.handleCreateMarket(r)
	case *event.CreateAccount:
		return e.handleCreateAccount(r)
	case *event.Deposit:
		return e.handleDeposit(r)
	case *event.Withdraw:
		return e.handleWithdraw(r)
	case *event.PlaceOrder:
		return e.handlePlaceOrder(r)
	case *event.OraclePriceBatch:
		return e.handleOracleBatch(r)
	case *event.Fill:
		return e.handleFill(r)
	case *event.FundingTick:
		return e.handleFundingTick(r)
	case *event.Liquidate:
		return e.handleLiquidate(r)
	default:
		return nil, nil, fmt.Errorf("unhandled request type %T", req)
	}
}

// partition determines the ordering partition for sequence validation
func (e *Engine) partition(req event.Request) string {
	if idx := req.MarketIndex(); idx != nil {
		return fmt.Sprintf("market:%d", *idx)
	}
	return "global"
}

// requestTimestamp extracts the versioned timestamp. The engine never
// reads the wall clock; replays of the same request log produce the
// same envelopes.
func requestTimestamp(req event.Request) time.Time {
	switch r := req.(type) {
	case *event.InitializeExchange:
		return r.Timestamp
	case *event.CreateMarket:
		return r.Timestamp
	case *event.CreateAccount:
		return r.Timestamp
	case *event.Deposit:
		return r.Timestamp
	case *event.Withdraw:
		return r.Timestamp
	case *event.PlaceOrder:
		return r.Timestamp
	case *event.OraclePriceBatch:
		return r.Timestamp
	case *event.Fill:
		return r.Timestamp
	case *event.FundingTick:
		return r.Timestamp
	case *event.Liquidate:
		return r.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: requestTimestamp called with unhandled type %T", req))
	}
}

// computeStateDigest serializes the touched entities canonically.
func (e *Engine) computeStateDigest(touched *touchSet) []byte {
	digest := make([]byte, 0, 256)

	if touched == nil {
		return digest
	}

	if touched.exchange {
		if ex, err := e.registry.Exchange(); err == nil {
			digest = append(digest, ex.CanonicalBytes()...)
		}
	}

	ids := dedupUUIDs(touched.accounts)
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		for k := 0; k < 16; k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	for _, id := range ids {
		if a, err := e.accounts.Get(id); err == nil {
			digest = append(digest, a.CanonicalBytes()...)
		}
	}

	indexes := dedupUint16(touched.markets)
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for _, idx := range indexes {
		if m, err := e.markets.Get(idx); err == nil {
			digest = append(digest, m.CanonicalBytes()...)
		}
	}

	return digest
}

func dedupUUIDs(in []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(in))
	out := make([]uuid.UUID, 0, len(in))
	for _, id := range in {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func dedupUint16(in []uint16) []uint16 {
	seen := make(map[uint16]bool, len(in))
	out := make([]uint16, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// postCheckConservation panics if account collateral no longer sums to
// the registry aggregate. This is a bug trap, not a recoverable error:
// continuing would persist corrupt balances.
func (e *Engine) postCheckConservation(requestType string) {
	ex, err := e.registry.Exchange()
	if err != nil {
		return
	}
	total, err := e.accounts.TotalCollateral()
	if err != nil {
		panic(fmt.Sprintf("FATAL: collateral sum overflow after %s", requestType))
	}
	if total != ex.TotalCollateral {
		panic(fmt.Sprintf("FATAL: collateral conservation violated after %s: accounts=%d registry=%d",
			requestType, total, ex.TotalCollateral))
	}
}
