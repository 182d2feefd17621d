package ingestion

import (
	"context"
	"errors"
	"log"
	"time"

	"vectorcore/internal/engine"
	"vectorcore/internal/observability"
)

// Runner is the single consumer of the request channel. It parses each
// raw message, feeds it to the engine, and settles the NATS delivery.
// The engine is not safe for concurrent use; exactly one Runner may
// call Process.
type Runner struct {
	eng         *engine.Engine
	requestChan <-chan RawRequest
	metrics     *observability.Metrics
}

func NewRunner(eng *engine.Engine, requestChan <-chan RawRequest, metrics *observability.Metrics) *Runner {
	return &Runner{
		eng:         eng,
		requestChan: requestChan,
		metrics:     metrics,
	}
}

// Run consumes until the context is cancelled or the channel closes.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-r.requestChan:
			if !ok {
				return nil
			}
			r.handle(raw)
		}
	}
}

func (r *Runner) handle(raw RawRequest) {
	if r.metrics != nil {
		r.metrics.IngestPullLatency.WithLabelValues(raw.Subject).Observe(time.Since(raw.Received).Seconds())
	}

	req, err := ParseRawRequest(raw)
	if err != nil {
		// Malformed payloads never become valid on redelivery. Ack to
		// drop the poison message and count it.
		log.Printf("WARN: drop unparseable %s message: %v", raw.Subject, err)
		if r.metrics != nil {
			r.metrics.IngestParseErrors.WithLabelValues(raw.Subject).Inc()
		}
		ack(raw)
		return
	}

	if err := r.eng.Process(req); err != nil {
		if errors.Is(err, engine.ErrSequenceGap) {
			// The missing predecessor may still be in flight. Nak so
			// JetStream redelivers after the gap closes.
			if r.metrics != nil {
				r.metrics.IngestMessages.WithLabelValues(raw.Subject, "redelivered").Inc()
			}
			nak(raw)
			return
		}

		// Validation rejections are final: the request was well-formed
		// but refused, and its source sequence is already consumed.
		log.Printf("WARN: rejected %s request: %v", raw.Subject, err)
		if r.metrics != nil {
			r.metrics.IngestMessages.WithLabelValues(raw.Subject, "rejected").Inc()
		}
		ack(raw)
		return
	}

	if r.metrics != nil {
		r.metrics.IngestMessages.WithLabelValues(raw.Subject, "applied").Inc()
	}
	ack(raw)
}

func ack(raw RawRequest) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawRequest) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}
