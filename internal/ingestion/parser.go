package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vectorcore/internal/event"
	"vectorcore/internal/market"
	"vectorcore/internal/registry"
)

// ParseRawRequest converts a RawRequest (JSON bytes plus a request type
// name) into a typed engine request. Transport concerns end here; the
// engine only ever sees validated, typed inputs.
func ParseRawRequest(raw RawRequest) (event.Request, error) {
	switch raw.RequestType {
	case "InitializeExchange":
		return parseInitializeExchange(raw.Data)
	case "CreateMarket":
		return parseCreateMarket(raw.Data)
	case "CreateAccount":
		return parseCreateAccount(raw.Data)
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "PlaceOrder":
		return parsePlaceOrder(raw.Data)
	case "OraclePriceBatch":
		return parseOraclePriceBatch(raw.Data)
	case "Fill":
		return parseFill(raw.Data)
	case "Liquidate":
		return parseLiquidate(raw.Data)
	case "FundingTick":
		return parseFundingTick(raw.Data)
	default:
		return nil, fmt.Errorf("unknown request type: %s", raw.RequestType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Timestamps
// are microseconds since epoch, assigned by the producer.

type initializeExchangeJSON struct {
	RequestID string `json:"request_id"`
	Authority string `json:"authority"`
	Fees      struct {
		Numerator   uint64 `json:"numerator"`
		Denominator uint64 `json:"denominator"`
	} `json:"fees"`
	Oracle struct {
		Authority     string `json:"authority"`
		DelayS        uint64 `json:"delay_s"`
		StalenessS    uint64 `json:"staleness_s"`
		ConfidenceMin uint8  `json:"confidence_min"`
	} `json:"oracle"`
	Liquidation struct {
		Fee             uint64 `json:"fee"`
		MarginBufferBps uint32 `json:"margin_buffer_bps"`
		InsuranceFee    uint64 `json:"insurance_fee"`
		LiquidatorFee   uint64 `json:"liquidator_fee"`
	} `json:"liquidation"`
	Sequence    int64 `json:"sequence"`
	TimestampUs int64 `json:"timestamp_us"`
}

func parseInitializeExchange(data []byte) (*event.InitializeExchange, error) {
	var j initializeExchangeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InitializeExchange: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	authority, err := uuid.Parse(j.Authority)
	if err != nil {
		return nil, fmt.Errorf("parse authority: %w", err)
	}

	var oracleAuthority uuid.UUID
	if j.Oracle.Authority != "" {
		oracleAuthority, err = uuid.Parse(j.Oracle.Authority)
		if err != nil {
			return nil, fmt.Errorf("parse oracle authority: %w", err)
		}
	}

	return &event.InitializeExchange{
		RequestID: requestID,
		Authority: authority,
		Fees: registry.FeeStructure{
			FeeNumerator:   j.Fees.Numerator,
			FeeDenominator: j.Fees.Denominator,
		},
		Oracle: registry.OracleConfig{
			OracleAuthority:     oracleAuthority,
			OracleDelay:         j.Oracle.DelayS,
			StalenessThreshold:  j.Oracle.StalenessS,
			ConfidenceThreshold: j.Oracle.ConfidenceMin,
		},
		Liquidation: registry.LiquidationConfig{
			LiquidationFee:   j.Liquidation.Fee,
			MarginBufferBps:  j.Liquidation.MarginBufferBps,
			InsuranceFundFee: j.Liquidation.InsuranceFee,
			LiquidatorFee:    j.Liquidation.LiquidatorFee,
		},
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type createMarketJSON struct {
	RequestID         string `json:"request_id"`
	Authority         string `json:"authority"`
	MarketIndex       uint16 `json:"market_index"`
	Commodity         int32  `json:"commodity"`
	OracleSource      string `json:"oracle_source"`
	BaseAssetReserve  uint64 `json:"base_asset_reserve"`
	QuoteAssetReserve uint64 `json:"quote_asset_reserve"`
	FundingPeriodS    int64  `json:"funding_period_s"`
	MaxLeverage       uint32 `json:"max_leverage"`
	Sequence          int64  `json:"sequence"`
	TimestampUs       int64  `json:"timestamp_us"`
}

func parseCreateMarket(data []byte) (*event.CreateMarket, error) {
	var j createMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreateMarket: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	authority, err := uuid.Parse(j.Authority)
	if err != nil {
		return nil, fmt.Errorf("parse authority: %w", err)
	}
	oracleSource, err := uuid.Parse(j.OracleSource)
	if err != nil {
		return nil, fmt.Errorf("parse oracle_source: %w", err)
	}

	return &event.CreateMarket{
		RequestID: requestID,
		Authority: authority,
		Params: market.CreateParams{
			Index:             j.MarketIndex,
			Commodity:         market.Commodity(j.Commodity),
			OracleSource:      oracleSource,
			BaseAssetReserve:  j.BaseAssetReserve,
			QuoteAssetReserve: j.QuoteAssetReserve,
			FundingPeriod:     j.FundingPeriodS,
			MaxLeverage:       j.MaxLeverage,
		},
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type createAccountJSON struct {
	RequestID   string `json:"request_id"`
	UserID      string `json:"user_id"`
	Referrer    string `json:"referrer,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCreateAccount(data []byte) (*event.CreateAccount, error) {
	var j createAccountJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreateAccount: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}

	var referrer *uuid.UUID
	if j.Referrer != "" {
		r, err := uuid.Parse(j.Referrer)
		if err != nil {
			return nil, fmt.Errorf("parse referrer: %w", err)
		}
		referrer = &r
	}

	return &event.CreateAccount{
		RequestID: requestID,
		UserID:    userID,
		Referrer:  referrer,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	UserID      string `json:"user_id"`
	Amount      uint64 `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.Deposit{
		DepositID: depositID,
		UserID:    userID,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Amount       uint64 `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseWithdraw(data []byte) (*event.Withdraw, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	withdrawalID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	return &event.Withdraw{
		WithdrawalID: withdrawalID,
		UserID:       userID,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type placeOrderJSON struct {
	RequestID         string `json:"request_id"`
	UserID            string `json:"user_id"`
	MarketIndex       uint16 `json:"market_index"`
	Side              string `json:"side"`
	Kind              string `json:"kind"`
	BaseAmount        uint64 `json:"base_amount"`
	Price             uint64 `json:"price"`
	TriggerPrice      uint64 `json:"trigger_price"`
	ReduceOnly        bool   `json:"reduce_only"`
	PostOnly          bool   `json:"post_only"`
	ImmediateOrCancel bool   `json:"immediate_or_cancel"`
	Sequence          int64  `json:"sequence"`
	TimestampUs       int64  `json:"timestamp_us"`
}

func parsePlaceOrder(data []byte) (*event.PlaceOrder, error) {
	var j placeOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PlaceOrder: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	side, err := parseSide(j.Side)
	if err != nil {
		return nil, err
	}
	kind, err := parseOrderKind(j.Kind)
	if err != nil {
		return nil, err
	}

	return &event.PlaceOrder{
		RequestID:         requestID,
		UserID:            userID,
		Market:            j.MarketIndex,
		Side:              side,
		Kind:              kind,
		BaseAmount:        j.BaseAmount,
		Price:             j.Price,
		TriggerPrice:      j.TriggerPrice,
		ReduceOnly:        j.ReduceOnly,
		PostOnly:          j.PostOnly,
		ImmediateOrCancel: j.ImmediateOrCancel,
		Sequence:          j.Sequence,
		Timestamp:         time.UnixMicro(j.TimestampUs),
	}, nil
}

type oraclePriceBatchJSON struct {
	BatchID   string `json:"batch_id"`
	Authority string `json:"authority"`
	Updates   []struct {
		MarketIndex uint16 `json:"market_index"`
		Price       uint64 `json:"price"`
		Confidence  uint8  `json:"confidence"`
	} `json:"updates"`
	Slot        uint64 `json:"slot"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOraclePriceBatch(data []byte) (*event.OraclePriceBatch, error) {
	var j oraclePriceBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OraclePriceBatch: %w", err)
	}
	batchID, err := uuid.Parse(j.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	authority, err := uuid.Parse(j.Authority)
	if err != nil {
		return nil, fmt.Errorf("parse authority: %w", err)
	}
	if len(j.Updates) == 0 {
		return nil, fmt.Errorf("empty oracle batch %s", j.BatchID)
	}

	updates := make([]market.PriceUpdate, 0, len(j.Updates))
	for _, u := range j.Updates {
		updates = append(updates, market.PriceUpdate{
			MarketIndex: u.MarketIndex,
			Price:       u.Price,
			Confidence:  u.Confidence,
		})
	}

	return &event.OraclePriceBatch{
		BatchID:   batchID,
		Authority: authority,
		Updates:   updates,
		Slot:      j.Slot,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type fillJSON struct {
	FillID      string `json:"fill_id"`
	UserID      string `json:"user_id"`
	MarketIndex uint16 `json:"market_index"`
	Side        string `json:"side"`
	BaseAmount  uint64 `json:"base_amount"`
	Price       uint64 `json:"price"`
	OrderID     uint64 `json:"order_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFill(data []byte) (*event.Fill, error) {
	var j fillJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Fill: %w", err)
	}
	fillID, err := uuid.Parse(j.FillID)
	if err != nil {
		return nil, fmt.Errorf("parse fill_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	side, err := parseSide(j.Side)
	if err != nil {
		return nil, err
	}

	return &event.Fill{
		FillID:     fillID,
		UserID:     userID,
		Market:     j.MarketIndex,
		Side:       side,
		BaseAmount: j.BaseAmount,
		Price:      j.Price,
		OrderID:    j.OrderID,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type liquidateJSON struct {
	LiquidationID string `json:"liquidation_id"`
	LiquidatorID  string `json:"liquidator_id"`
	UserID        string `json:"user_id"`
	MarketIndex   uint16 `json:"market_index"`
	MaxBaseAmount uint64 `json:"max_base_amount"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	liquidationID, err := uuid.Parse(j.LiquidationID)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation_id: %w", err)
	}
	liquidatorID, err := uuid.Parse(j.LiquidatorID)
	if err != nil {
		return nil, fmt.Errorf("parse liquidator_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}

	return &event.Liquidate{
		LiquidationID: liquidationID,
		LiquidatorID:  liquidatorID,
		UserID:        userID,
		Market:        j.MarketIndex,
		MaxBaseAmount: j.MaxBaseAmount,
		Sequence:      j.Sequence,
		Timestamp:     time.UnixMicro(j.TimestampUs),
	}, nil
}

type fundingTickJSON struct {
	TickID      string `json:"tick_id"`
	MarketIndex uint16 `json:"market_index"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFundingTick(data []byte) (*event.FundingTick, error) {
	var j fundingTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundingTick: %w", err)
	}
	tickID, err := uuid.Parse(j.TickID)
	if err != nil {
		return nil, fmt.Errorf("parse tick_id: %w", err)
	}
	return &event.FundingTick{
		TickID:    tickID,
		Market:    j.MarketIndex,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseSide(s string) (event.Direction, error) {
	switch s {
	case "long":
		return event.DirectionLong, nil
	case "short":
		return event.DirectionShort, nil
	default:
		return event.DirectionFlat, fmt.Errorf("invalid side: %q", s)
	}
}

func parseOrderKind(s string) (event.OrderKind, error) {
	switch s {
	case "market", "":
		return event.OrderKindMarket, nil
	case "limit":
		return event.OrderKindLimit, nil
	case "trigger_market":
		return event.OrderKindTriggerMarket, nil
	case "trigger_limit":
		return event.OrderKindTriggerLimit, nil
	case "oracle":
		return event.OrderKindOracle, nil
	default:
		return event.OrderKindMarket, fmt.Errorf("invalid order kind: %q", s)
	}
}
