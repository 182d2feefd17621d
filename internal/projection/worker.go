package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"vectorcore/internal/engine"
	"vectorcore/internal/event"
	"vectorcore/internal/observability"
)

// Worker updates projection tables from applied records. The sink
// channel feeding it is non-blocking with drop on the engine side, so
// projections are eventually consistent and rebuildable from the record
// log when they fall behind.
type Worker struct {
	db        *sql.DB
	inputChan <-chan engine.Output
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan engine.Output, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run applies outputs until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := w.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Envelope.Sequence, err)
				// Projections can be rebuilt from the record log;
				// keep consuming.
			}
			if w.metrics != nil {
				w.metrics.ProjectionUpdateDur.WithLabelValues(output.Envelope.RequestType.String()).Observe(time.Since(start).Seconds())
			}

			w.lastSeq = output.Envelope.Sequence
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, output engine.Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyRecord(ctx, tx, output.Envelope); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Envelope.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// Rebuild reapplies the whole record log into truncated projection
// tables. Used after a sink overflow or a schema change.
func Rebuild(ctx context.Context, db *sql.DB, loadPage func(ctx context.Context, from int64, limit int) ([]event.RecordEnvelope, error)) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.market_state`,
		`TRUNCATE projections.funding_history`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	const pageSize = 10_000
	var from int64
	var applied int64

	for {
		page, err := loadPage(ctx, from, pageSize)
		if err != nil {
			return fmt.Errorf("load records from %d: %w", from, err)
		}
		if len(page) == 0 {
			break
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for i := range page {
			if err := applyRecord(ctx, tx, &page[i]); err != nil {
				tx.Rollback()
				return fmt.Errorf("reapply seq=%d: %w", page[i].Sequence, err)
			}
		}
		last := page[len(page)-1].Sequence
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ('main', $1, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
		`, last); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		applied += int64(len(page))
		from = last + 1
	}

	log.Printf("INFO: projection rebuild complete (%d records)", applied)
	return nil
}
