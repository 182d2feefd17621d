package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"vectorcore/internal/account"
	"vectorcore/internal/engine"
	"vectorcore/internal/market"
	"vectorcore/internal/registry"
)

// SnapshotManager creates and loads engine state snapshots. On warm
// restart the engine is rehydrated from the latest verified snapshot and
// the message broker redelivers whatever was in flight past it.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the full engine state at one record-log sequence.
type SnapshotData struct {
	Sequence      int64              `json:"sequence"`
	StateHash     []byte             `json:"state_hash"` // chain tip at Sequence
	Exchange      *registry.Exchange `json:"exchange,omitempty"`
	Accounts      []*account.Account `json:"accounts"`
	Markets       []*market.Market   `json:"markets"`
	SequenceState map[string]int64   `json:"sequence_state"` // partition -> next expected
	CreatedAt     time.Time          `json:"created_at"`
}

// ChainTip returns the stored hash as the fixed-size chain tip.
func (s *SnapshotData) ChainTip() [32]byte {
	var tip [32]byte
	copy(tip[:], s.StateHash)
	return tip
}

// Capture deep-copies the engine's current state. The copies let the
// snapshot be marshaled after the engine has moved on without tearing.
func Capture(eng *engine.Engine, at time.Time) *SnapshotData {
	snap := &SnapshotData{
		Sequence:      eng.Sequence(),
		SequenceState: eng.Sequences().Partitions(),
		CreatedAt:     at,
	}
	tip := eng.Hasher().GetPrevHash()
	snap.StateHash = tip[:]

	if ex, err := eng.Registry().Exchange(); err == nil {
		exCopy := *ex
		snap.Exchange = &exCopy
	}

	snap.Accounts = eng.Accounts().Snapshot()
	sort.Slice(snap.Accounts, func(i, j int) bool {
		return bytes.Compare(snap.Accounts[i].UserID[:], snap.Accounts[j].UserID[:]) < 0
	})

	snap.Markets = eng.Markets().Snapshot()
	sort.Slice(snap.Markets, func(i, j int) bool {
		return snap.Markets[i].Index < snap.Markets[j].Index
	})

	return snap
}

// Restore rehydrates an engine from snapshot contents.
func (s *SnapshotData) Restore(eng *engine.Engine) {
	eng.RestoreState(s.Sequence, s.ChainTip(), s.Exchange, s.Accounts, s.Markets, s.SequenceState)
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots are verified out-of-band
// by walking the record log hash chain up to the snapshot sequence.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	const formatVersion = 1 // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO record_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil for
// a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM record_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified flags a snapshot after its chain check passes.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE record_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadRecordsFrom pages through the record log in sequence order.
func (sm *SnapshotManager) LoadRecordsFrom(ctx context.Context, fromSequence int64, limit int) ([]RecordRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, request_type, idempotency_key, market_index, payload,
		       state_hash, prev_hash, ts, source_sequence
		FROM record_log.records
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RecordRow
	for rows.Next() {
		var r RecordRow
		if err := rows.Scan(
			&r.Sequence, &r.RequestType, &r.IdempotencyKey, &r.MarketIndex,
			&r.Payload, &r.StateHash, &r.PrevHash, &r.Timestamp, &r.SourceSequence,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LatestSequence returns the highest sequence in the record log, or -1
// when the log is empty.
func (sm *SnapshotManager) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM record_log.records
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// LoadRecentKeys returns the newest composite idempotency keys, used to
// warm the engine LRU after a restart.
func (sm *SnapshotManager) LoadRecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT request_type || ':' || idempotency_key
		FROM record_log.records
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// VerifyChain walks the record log from fromSequence and checks that
// every record's prev_hash links to its predecessor's state_hash.
// Returns the last verified sequence.
func (sm *SnapshotManager) VerifyChain(ctx context.Context, fromSequence int64) (int64, error) {
	const pageSize = 10_000

	last := fromSequence - 1
	var prevState []byte

	for {
		page, err := sm.LoadRecordsFrom(ctx, last+1, pageSize)
		if err != nil {
			return last, err
		}
		if len(page) == 0 {
			return last, nil
		}
		for _, r := range page {
			if r.Sequence != last+1 {
				return last, fmt.Errorf("record log gap: expected sequence %d, found %d", last+1, r.Sequence)
			}
			if prevState != nil && !bytes.Equal(r.PrevHash, prevState) {
				return last, fmt.Errorf("hash chain break at sequence %d", r.Sequence)
			}
			prevState = r.StateHash
			last = r.Sequence
		}
	}
}
