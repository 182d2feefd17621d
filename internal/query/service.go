package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vectorcore/internal/observability"
)

// Service provides read-only access to the projection tables and the
// record log. All responses include as_of_sequence, the projection
// watermark at query time.
type Service struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewService(db *sql.DB, metrics *observability.Metrics) *Service {
	return &Service{db: db, metrics: metrics}
}

// GetBalance returns a user's projected collateral.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*BalanceResponse, error) {
	defer s.observe("balance", time.Now())

	asOfSeq, err := s.watermark(ctx)
	if err != nil {
		return nil, s.fail("balance", fmt.Errorf("watermark: %w", err))
	}

	resp := &BalanceResponse{UserID: userID, AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT collateral, updated_at FROM projections.balances WHERE user_id = $1
	`, userID).Scan(&resp.Collateral, &resp.UpdatedAt)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, s.fail("balance", err)
	}
	return resp, nil
}

// GetPositions returns a user's projected open positions, with
// unrealized PnL derived from the projected mark price.
func (s *Service) GetPositions(ctx context.Context, userID uuid.UUID) ([]PositionResponse, error) {
	defer s.observe("positions", time.Now())

	asOfSeq, err := s.watermark(ctx)
	if err != nil {
		return nil, s.fail("positions", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.market_index, p.side, p.size, p.avg_entry_price,
		       COALESCE(m.mark_price, 0)
		FROM projections.positions p
		LEFT JOIN projections.market_state m ON m.market_index = p.market_index
		WHERE p.user_id = $1 AND p.size > 0
		ORDER BY p.market_index
	`, userID)
	if err != nil {
		return nil, s.fail("positions", err)
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		var markPrice int64
		p.UserID = userID
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(&p.MarketIndex, &p.Side, &p.Size, &p.AvgEntryPrice, &markPrice); err != nil {
			return nil, s.fail("positions", err)
		}
		if markPrice > 0 {
			sign := int64(1)
			if p.Side == 2 { // Direction enum: 2 is short
				sign = -1
			}
			p.UnrealizedPnL = sign * (markPrice - p.AvgEntryPrice) * p.Size
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetMarkets returns the projected state of every market.
func (s *Service) GetMarkets(ctx context.Context) ([]MarketResponse, error) {
	defer s.observe("markets", time.Now())

	asOfSeq, err := s.watermark(ctx)
	if err != nil {
		return nil, s.fail("markets", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT market_index, commodity, reference_price, mark_price,
		       oracle_confidence, last_oracle_slot, funding_rate_ppm, updated_at
		FROM projections.market_state
		ORDER BY market_index
	`)
	if err != nil {
		return nil, s.fail("markets", err)
	}
	defer rows.Close()

	var markets []MarketResponse
	for rows.Next() {
		var m MarketResponse
		m.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&m.MarketIndex, &m.Commodity, &m.ReferencePrice, &m.MarkPrice,
			&m.OracleConfidence, &m.LastOracleSlot, &m.FundingRatePPM, &m.UpdatedAt,
		); err != nil {
			return nil, s.fail("markets", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// GetFundingHistory returns a user's funding legs, newest first, with
// cursor-based pagination on the record sequence.
func (s *Service) GetFundingHistory(
	ctx context.Context,
	userID uuid.UUID,
	marketIndex *uint16,
	limit int,
	beforeSequence *int64,
) ([]FundingHistoryResponse, error) {
	defer s.observe("funding_history", time.Now())

	asOfSeq, err := s.watermark(ctx)
	if err != nil {
		return nil, s.fail("funding_history", err)
	}

	querySQL := `
		SELECT tick_id, market_index, rate_ppm, mark_price, payment, sequence, ts
		FROM projections.funding_history
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	argIdx := 2

	if marketIndex != nil {
		querySQL += fmt.Sprintf(" AND market_index = $%d", argIdx)
		args = append(args, int32(*marketIndex))
		argIdx++
	}
	if beforeSequence != nil {
		querySQL += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	querySQL += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, s.fail("funding_history", err)
	}
	defer rows.Close()

	var history []FundingHistoryResponse
	for rows.Next() {
		var h FundingHistoryResponse
		h.UserID = userID
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&h.TickID, &h.MarketIndex, &h.RatePPM, &h.MarkPrice,
			&h.Payment, &h.Sequence, &h.Timestamp,
		); err != nil {
			return nil, s.fail("funding_history", err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetLiquidationHistory returns liquidations against a user, newest first.
func (s *Service) GetLiquidationHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
) ([]LiquidationResponse, error) {
	defer s.observe("liquidation_history", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT liquidation_id, liquidator_id, market_index, closed_base,
		       remaining_base, mark_price, realized_pnl, fee, deficit, sequence, ts
		FROM projections.liquidation_history
		WHERE user_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, s.fail("liquidation_history", err)
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var r LiquidationResponse
		r.UserID = userID
		if err := rows.Scan(
			&r.LiquidationID, &r.LiquidatorID, &r.MarketIndex, &r.ClosedBase,
			&r.RemainingBase, &r.MarkPrice, &r.RealizedPnL, &r.Fee,
			&r.Deficit, &r.Sequence, &r.Timestamp,
		); err != nil {
			return nil, s.fail("liquidation_history", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetRecords pages through the raw record log for audit tooling.
func (s *Service) GetRecords(ctx context.Context, fromSequence int64, limit int) ([]RecordResponse, error) {
	defer s.observe("records", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, request_type, idempotency_key, market_index, payload,
		       state_hash, prev_hash, ts, source_sequence
		FROM record_log.records
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, s.fail("records", err)
	}
	defer rows.Close()

	var records []RecordResponse
	for rows.Next() {
		var r RecordResponse
		var stateHash, prevHash []byte
		if err := rows.Scan(
			&r.Sequence, &r.RequestType, &r.IdempotencyKey, &r.MarketIndex,
			&r.Payload, &stateHash, &prevHash, &r.Timestamp, &r.SourceSequence,
		); err != nil {
			return nil, s.fail("records", err)
		}
		r.StateHash = hex.EncodeToString(stateHash)
		r.PrevHash = hex.EncodeToString(prevHash)
		records = append(records, r)
	}
	return records, rows.Err()
}

// VerifyIntegrity checks record-log hash chain continuity in SQL.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer s.observe("verify_integrity", time.Now())

	report := &IntegrityReport{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), -1) FROM record_log.records
	`).Scan(&report.LastSequence)
	if err != nil {
		return nil, s.fail("verify_integrity", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r1.sequence
		FROM record_log.records r1
		JOIN record_log.records r2 ON r2.sequence = r1.sequence - 1
		WHERE r1.prev_hash != r2.state_hash
		ORDER BY r1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, s.fail("verify_integrity", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, s.fail("verify_integrity", err)
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("verify_integrity", err)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (s *Service) observe(endpoint string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (s *Service) fail(endpoint string, err error) error {
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint).Inc()
	}
	return err
}
