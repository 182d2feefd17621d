package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"vectorcore/internal/engine"
)

// OutboundPublisher mirrors applied records onto NATS for downstream
// consumers (risk dashboards, settlement feeds). Publishing is
// best-effort; the record log remains the source of truth.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan engine.Output
}

// PublishedRecord is the outbound wire format.
type PublishedRecord struct {
	Sequence       int64           `json:"sequence"`
	RequestType    string          `json:"request_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketIndex    *uint16         `json:"market_index,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan engine.Output) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run publishes until the context is cancelled or the channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, output); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", output.Envelope.Sequence, err)
				// Non-fatal: consumers can page the record log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, output engine.Output) error {
	env := output.Envelope

	rec := PublishedRecord{
		Sequence:       env.Sequence,
		RequestType:    env.RequestType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketIndex:    env.MarketIndex,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	subject := fmt.Sprintf("vector.records.%s", rec.RequestType)
	if env.MarketIndex != nil {
		subject = fmt.Sprintf("%s.%d", subject, *env.MarketIndex)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound records stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "VECTOR_RECORDS",
		Subjects:  []string{"vector.records.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream VECTOR_RECORDS")
	return nil
}
