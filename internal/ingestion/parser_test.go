package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"vectorcore/internal/event"
	"vectorcore/internal/ingestion"
	"vectorcore/internal/market"
)

func rawFromJSON(t *testing.T, requestType string, v interface{}) ingestion.RawRequest {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawRequest{
		Subject:     "test",
		RequestType: requestType,
		Data:        data,
		Received:    time.Now(),
		AckFunc:     func() {},
		NakFunc:     func() {},
	}
}

func TestParseFill(t *testing.T) {
	payload := map[string]interface{}{
		"fill_id":      "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"market_index": uint16(3),
		"side":         "long",
		"base_amount":  uint64(1_000_000),
		"price":        uint64(50),
		"order_id":     uint64(42),
		"sequence":     int64(7),
		"timestamp_us": int64(1700000000000000),
	}

	req, err := ingestion.ParseRawRequest(rawFromJSON(t, "Fill", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	f, ok := req.(*event.Fill)
	if !ok {
		t.Fatalf("expected *event.Fill, got %T", req)
	}

	if f.Market != 3 {
		t.Errorf("market: got %d, want 3", f.Market)
	}
	if f.Side != event.DirectionLong {
		t.Errorf("side: got %v, want Long", f.Side)
	}
	if f.BaseAmount != 1_000_000 {
		t.Errorf("base_amount: got %d, want 1_000_000", f.BaseAmount)
	}
	if f.Price != 50 {
		t.Errorf("price: got %d, want 50", f.Price)
	}
	if f.OrderID != 42 {
		t.Errorf("order_id: got %d, want 42", f.OrderID)
	}
	if f.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", f.Sequence)
	}
	if f.RequestType() != event.RequestTypeFill {
		t.Errorf("request type: got %v, want Fill", f.RequestType())
	}
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"amount":       uint64(1_000_000),
		"sequence":     int64(1),
		"timestamp_us": int64(1700000000000000),
	}

	req, err := ingestion.ParseRawRequest(rawFromJSON(t, "Deposit", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	d, ok := req.(*event.Deposit)
	if !ok {
		t.Fatalf("expected *event.Deposit, got %T", req)
	}

	if d.Amount != 1_000_000 {
		t.Errorf("amount: got %d, want 1_000_000", d.Amount)
	}
	if d.RequestType() != event.RequestTypeDeposit {
		t.Errorf("request type: got %v, want Deposit", d.RequestType())
	}
}

func TestParseOraclePriceBatch(t *testing.T) {
	payload := map[string]interface{}{
		"batch_id":  "550e8400-e29b-41d4-a716-446655440000",
		"authority": "660e8400-e29b-41d4-a716-446655440001",
		"updates": []map[string]interface{}{
			{"market_index": uint16(0), "price": uint64(52), "confidence": uint8(210)},
			{"market_index": uint16(1), "price": uint64(31), "confidence": uint8(180)},
		},
		"slot":         uint64(9000),
		"sequence":     int64(100),
		"timestamp_us": int64(1700000000000000),
	}

	req, err := ingestion.ParseRawRequest(rawFromJSON(t, "OraclePriceBatch", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	b, ok := req.(*event.OraclePriceBatch)
	if !ok {
		t.Fatalf("expected *event.OraclePriceBatch, got %T", req)
	}

	if len(b.Updates) != 2 {
		t.Fatalf("updates: got %d, want 2", len(b.Updates))
	}
	if b.Updates[0].Price != 52 || b.Updates[0].Confidence != 210 {
		t.Errorf("update[0]: got %+v", b.Updates[0])
	}
	if b.Slot != 9000 {
		t.Errorf("slot: got %d, want 9000", b.Slot)
	}
	if b.MarketIndex() != nil {
		t.Error("multi-market batch should have nil market index")
	}
}

func TestParseOraclePriceBatch_EmptyFails(t *testing.T) {
	payload := map[string]interface{}{
		"batch_id":     "550e8400-e29b-41d4-a716-446655440000",
		"authority":    "660e8400-e29b-41d4-a716-446655440001",
		"updates":      []map[string]interface{}{},
		"slot":         uint64(9000),
		"sequence":     int64(100),
		"timestamp_us": int64(1700000000000000),
	}

	if _, err := ingestion.ParseRawRequest(rawFromJSON(t, "OraclePriceBatch", payload)); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestParseCreateMarket(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":          "550e8400-e29b-41d4-a716-446655440000",
		"authority":           "660e8400-e29b-41d4-a716-446655440001",
		"market_index":        uint16(5),
		"commodity":           int32(market.CommoditySilver),
		"oracle_source":       "770e8400-e29b-41d4-a716-446655440002",
		"base_asset_reserve":  uint64(1_000_000),
		"quote_asset_reserve": uint64(31_000_000),
		"funding_period_s":    int64(3600),
		"max_leverage":        uint32(10),
		"sequence":            int64(2),
		"timestamp_us":        int64(1700000000000000),
	}

	req, err := ingestion.ParseRawRequest(rawFromJSON(t, "CreateMarket", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cm, ok := req.(*event.CreateMarket)
	if !ok {
		t.Fatalf("expected *event.CreateMarket, got %T", req)
	}

	if cm.Params.Index != 5 {
		t.Errorf("index: got %d, want 5", cm.Params.Index)
	}
	if cm.Params.Commodity != market.CommoditySilver {
		t.Errorf("commodity: got %v, want Silver", cm.Params.Commodity)
	}
	if cm.Params.FundingPeriod != 3600 {
		t.Errorf("funding_period: got %d, want 3600", cm.Params.FundingPeriod)
	}
}

func TestParsePlaceOrder(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":          "550e8400-e29b-41d4-a716-446655440000",
		"user_id":             "660e8400-e29b-41d4-a716-446655440001",
		"market_index":        uint16(0),
		"side":                "short",
		"kind":                "limit",
		"base_amount":         uint64(10_000),
		"price":               uint64(49),
		"reduce_only":         true,
		"immediate_or_cancel": true,
		"sequence":            int64(11),
		"timestamp_us":        int64(1700000000000000),
	}

	req, err := ingestion.ParseRawRequest(rawFromJSON(t, "PlaceOrder", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	po, ok := req.(*event.PlaceOrder)
	if !ok {
		t.Fatalf("expected *event.PlaceOrder, got %T", req)
	}

	if po.Side != event.DirectionShort {
		t.Errorf("side: got %v, want Short", po.Side)
	}
	if po.Kind != event.OrderKindLimit {
		t.Errorf("kind: got %v, want Limit", po.Kind)
	}
	if !po.ReduceOnly {
		t.Error("reduce_only not carried through")
	}
	if !po.ImmediateOrCancel {
		t.Error("immediate_or_cancel not carried through")
	}
}

func TestParsePlaceOrder_InvalidKindFails(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"market_index": uint16(0),
		"side":         "long",
		"kind":         "stop_loss_take_profit",
		"base_amount":  uint64(1),
		"sequence":     int64(1),
		"timestamp_us": int64(0),
	}

	if _, err := ingestion.ParseRawRequest(rawFromJSON(t, "PlaceOrder", payload)); err == nil {
		t.Fatal("expected error for invalid order kind")
	}
}

func TestParseLiquidate(t *testing.T) {
	payload := map[string]interface{}{
		"liquidation_id":  "550e8400-e29b-41d4-a716-446655440000",
		"liquidator_id":   "660e8400-e29b-41d4-a716-446655440001",
		"user_id":         "770e8400-e29b-41d4-a716-446655440002",
		"market_index":    uint16(2),
		"max_base_amount": uint64(40_000),
		"sequence":        int64(9),
		"timestamp_us":    int64(1700000000000000),
	}

	req, err := ingestion.ParseRawRequest(rawFromJSON(t, "Liquidate", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	l, ok := req.(*event.Liquidate)
	if !ok {
		t.Fatalf("expected *event.Liquidate, got %T", req)
	}

	if l.MaxBaseAmount != 40_000 {
		t.Errorf("max_base_amount: got %d, want 40_000", l.MaxBaseAmount)
	}
	if idx := l.MarketIndex(); idx == nil || *idx != 2 {
		t.Errorf("market index: got %v, want 2", idx)
	}
}

func TestParseUnknownRequestType_Fails(t *testing.T) {
	raw := ingestion.RawRequest{RequestType: "NonExistentType", Data: []byte(`{}`)}
	if _, err := ingestion.ParseRawRequest(raw); err == nil {
		t.Fatal("expected error for unknown request type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawRequest{RequestType: "Fill", Data: []byte(`{invalid json`)}
	if _, err := ingestion.ParseRawRequest(raw); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"fill_id":      "not-a-uuid",
		"user_id":      "also-not-a-uuid",
		"market_index": uint16(0),
		"side":         "long",
		"base_amount":  uint64(1),
		"price":        uint64(1),
		"sequence":     int64(0),
		"timestamp_us": int64(0),
	}

	if _, err := ingestion.ParseRawRequest(rawFromJSON(t, "Fill", payload)); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
