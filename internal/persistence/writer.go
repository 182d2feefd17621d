package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"vectorcore/internal/engine"
	"vectorcore/internal/event"
)

// RecordLogWriter writes applied-request records to Postgres using
// multi-row INSERT. ON CONFLICT makes re-writes after a retry idempotent;
// switch to pgx CopyFrom if single-writer throughput ever becomes the
// bottleneck.
type RecordLogWriter struct {
	db *sql.DB
}

// RecordRow is one row in record_log.records.
type RecordRow struct {
	Sequence       int64
	RequestType    string
	IdempotencyKey string
	MarketIndex    *int32
	Payload        []byte // JSON-encoded outcome record
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// RowFromEnvelope flattens an engine envelope into its storage row.
func RowFromEnvelope(env *event.RecordEnvelope) RecordRow {
	row := RecordRow{
		Sequence:       env.Sequence,
		RequestType:    env.RequestType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if env.MarketIndex != nil {
		idx := int32(*env.MarketIndex)
		row.MarketIndex = &idx
	}
	return row
}

// RowFromOutput is the channel-side convenience form.
func RowFromOutput(o engine.Output) RecordRow {
	return RowFromEnvelope(o.Envelope)
}

// Envelope reconstructs the engine envelope from a stored row, used by
// projection rebuilds.
func (r RecordRow) Envelope() *event.RecordEnvelope {
	env := &event.RecordEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		RequestType:    event.RequestTypeFromString(r.RequestType),
		Timestamp:      r.Timestamp,
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	if r.MarketIndex != nil {
		idx := uint16(*r.MarketIndex)
		env.MarketIndex = &idx
	}
	return env
}

func NewRecordLogWriter(db *sql.DB) *RecordLogWriter {
	return &RecordLogWriter{db: db}
}

// WriteBatch writes rows inside the caller's transaction.
func (w *RecordLogWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []RecordRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO record_log.records
		(sequence, request_type, idempotency_key, market_index, payload, state_hash, prev_hash, ts, source_sequence)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)

	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.Sequence, r.RequestType, r.IdempotencyKey, r.MarketIndex,
			r.Payload, r.StateHash, r.PrevHash, r.Timestamp, r.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
