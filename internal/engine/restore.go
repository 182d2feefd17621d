package engine

import (
	"vectorcore/internal/account"
	"vectorcore/internal/market"
	"vectorcore/internal/registry"
)

// RestoreState rehydrates the engine from snapshot contents. Called once
// during startup, before any request is processed.
func (e *Engine) RestoreState(
	sequence int64,
	prevHash [32]byte,
	ex *registry.Exchange,
	accounts []*account.Account,
	markets []*market.Market,
	partitions map[string]int64,
) {
	e.sequence = sequence
	e.hasher.SetPrevHash(prevHash)
	if ex != nil {
		e.registry.Restore(ex)
	}
	for _, a := range accounts {
		e.accounts.Restore(a)
	}
	for _, m := range markets {
		e.markets.Restore(m)
	}
	for partition, seq := range partitions {
		e.sequences.SetExpectedSequence(partition, seq)
	}
}

// WarmIdempotencyKeys preloads recently applied composite keys so
// upstream redeliveries after a restart stay on the LRU hot path.
func (e *Engine) WarmIdempotencyKeys(keys []string) {
	e.dedup.WarmFromKeys(keys)
}
