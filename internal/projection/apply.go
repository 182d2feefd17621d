package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"vectorcore/internal/event"
)

// applyRecord routes one applied record into its projection tables.
// Order types leave no projection rows: orders are intake-only until a
// fill comes back from the matcher.
func applyRecord(ctx context.Context, tx *sql.Tx, env *event.RecordEnvelope) error {
	switch env.RequestType {
	case event.RequestTypeDeposit:
		var rec event.DepositRecord
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return fmt.Errorf("decode deposit: %w", err)
		}
		return upsertBalance(ctx, tx, rec.UserID.String(), rec.CollateralAfter, env)

	case event.RequestTypeWithdraw:
		var rec event.WithdrawalRecord
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return fmt.Errorf("decode withdrawal: %w", err)
		}
		return upsertBalance(ctx, tx, rec.UserID.String(), rec.CollateralAfter, env)

	case event.RequestTypeFill:
		return applyFill(ctx, tx, env)

	case event.RequestTypeCreateMarket:
		return applyMarket(ctx, tx, env)

	case event.RequestTypeOraclePriceBatch:
		return applyOracleBatch(ctx, tx, env)

	case event.RequestTypeFundingTick:
		return applyFunding(ctx, tx, env)

	case event.RequestTypeLiquidate:
		return applyLiquidation(ctx, tx, env)

	default:
		return nil
	}
}

func upsertBalance(ctx context.Context, tx *sql.Tx, userID string, collateral uint64, env *event.RecordEnvelope) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (user_id, collateral, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
			SET collateral = $2, last_sequence = $3, updated_at = $4
		WHERE projections.balances.last_sequence < $3
	`, userID, int64(collateral), env.Sequence, env.Timestamp)
	return err
}

func upsertPosition(ctx context.Context, tx *sql.Tx, userID string, marketIndex uint16, side event.Direction, size, entry uint64, env *event.RecordEnvelope) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions (user_id, market_index, side, size, avg_entry_price, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, market_index) DO UPDATE
			SET side = $3, size = $4, avg_entry_price = $5, last_sequence = $6
		WHERE projections.positions.last_sequence < $6
	`, userID, int32(marketIndex), int32(side), int64(size), int64(entry), env.Sequence)
	return err
}

func applyFill(ctx context.Context, tx *sql.Tx, env *event.RecordEnvelope) error {
	var rec event.FillRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return fmt.Errorf("decode fill: %w", err)
	}
	if err := upsertBalance(ctx, tx, rec.UserID.String(), rec.CollateralAfter, env); err != nil {
		return err
	}
	return upsertPosition(ctx, tx, rec.UserID.String(), rec.MarketIndex,
		rec.PositionSide, rec.PositionSize, rec.PositionEntry, env)
}

func applyMarket(ctx context.Context, tx *sql.Tx, env *event.RecordEnvelope) error {
	var rec event.MarketRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return fmt.Errorf("decode market: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.market_state
			(market_index, commodity, reference_price, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (market_index) DO NOTHING
	`, int32(rec.MarketIndex), rec.Commodity, int64(rec.ReferencePrice), env.Sequence, env.Timestamp)
	return err
}

func applyOracleBatch(ctx context.Context, tx *sql.Tx, env *event.RecordEnvelope) error {
	var recs []event.OraclePriceRecord
	if err := json.Unmarshal(env.Payload, &recs); err != nil {
		return fmt.Errorf("decode oracle batch: %w", err)
	}
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.market_state
			SET mark_price = $2, oracle_confidence = $3, last_oracle_slot = $4,
			    last_sequence = $5, updated_at = $6
			WHERE market_index = $1 AND last_sequence < $5
		`, int32(rec.MarketIndex), int64(rec.Price), int32(rec.Confidence),
			int64(rec.Slot), env.Sequence, env.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

func applyFunding(ctx context.Context, tx *sql.Tx, env *event.RecordEnvelope) error {
	var rec event.FundingRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return fmt.Errorf("decode funding: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.market_state
		SET funding_rate_ppm = $2, last_sequence = $3, updated_at = $4
		WHERE market_index = $1 AND last_sequence < $3
	`, int32(rec.MarketIndex), rec.RatePPM, env.Sequence, env.Timestamp); err != nil {
		return err
	}

	for _, leg := range rec.Payments {
		if err := upsertBalance(ctx, tx, leg.UserID.String(), leg.CollateralAfter, env); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.funding_history
				(tick_id, user_id, market_index, rate_ppm, mark_price, payment, sequence, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tick_id, user_id) DO NOTHING
		`, rec.TickID, leg.UserID, int32(rec.MarketIndex), rec.RatePPM,
			int64(rec.MarkPrice), leg.Amount, env.Sequence, env.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

func applyLiquidation(ctx context.Context, tx *sql.Tx, env *event.RecordEnvelope) error {
	var rec event.LiquidationRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return fmt.Errorf("decode liquidation: %w", err)
	}

	if err := upsertBalance(ctx, tx, rec.UserID.String(), rec.TargetCollateralAfter, env); err != nil {
		return err
	}
	if err := upsertBalance(ctx, tx, rec.LiquidatorID.String(), rec.LiquidatorCollateralAfter, env); err != nil {
		return err
	}

	if err := upsertPosition(ctx, tx, rec.UserID.String(), rec.MarketIndex,
		rec.RemainingSide, rec.RemainingBase, rec.RemainingEntry, env); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(liquidation_id, user_id, liquidator_id, market_index, closed_base,
			 remaining_base, mark_price, realized_pnl, fee, deficit, sequence, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (liquidation_id) DO NOTHING
	`, rec.LiquidationID, rec.UserID, rec.LiquidatorID, int32(rec.MarketIndex),
		int64(rec.ClosedBase), int64(rec.RemainingBase), int64(rec.MarkPrice),
		rec.RealizedPnL, int64(rec.Fee), int64(rec.Deficit), env.Sequence, env.Timestamp)
	return err
}
