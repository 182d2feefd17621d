package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subscriber consumes request messages from NATS JetStream and feeds
// them into the processing loop via requestChan. Messages are acked
// only after the engine has handed the applied record to persistence,
// so a crash before that point gets a redelivery.
type Subscriber struct {
	js          jetstream.JetStream
	requestChan chan<- RawRequest
	consumers   []jetstream.ConsumeContext
}

// RawRequest is a received-but-unparsed message. AckFunc and NakFunc
// settle the underlying JetStream delivery.
type RawRequest struct {
	Subject     string
	RequestType string
	Data        []byte
	Received    time.Time
	AckFunc     func()
	NakFunc     func()
}

// SubjectConfig binds one NATS subject to a request type.
type SubjectConfig struct {
	Subject      string
	RequestType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout. Each request
// type gets its own durable consumer so redelivery pressure on one
// surface never stalls another.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "vector.admin.init", RequestType: "InitializeExchange", ConsumerName: "core-init", StreamName: "VECTOR_ADMIN"},
		{Subject: "vector.admin.markets.>", RequestType: "CreateMarket", ConsumerName: "core-markets", StreamName: "VECTOR_ADMIN"},
		{Subject: "vector.accounts.>", RequestType: "CreateAccount", ConsumerName: "core-accounts", StreamName: "VECTOR_ACCOUNTS"},
		{Subject: "vector.deposits.>", RequestType: "Deposit", ConsumerName: "core-deposits", StreamName: "VECTOR_TRANSFERS"},
		{Subject: "vector.withdrawals.>", RequestType: "Withdraw", ConsumerName: "core-withdrawals", StreamName: "VECTOR_TRANSFERS"},
		{Subject: "vector.orders.>", RequestType: "PlaceOrder", ConsumerName: "core-orders", StreamName: "VECTOR_ORDERS"},
		{Subject: "vector.oracle.>", RequestType: "OraclePriceBatch", ConsumerName: "core-oracle", StreamName: "VECTOR_ORACLE"},
		{Subject: "vector.fills.>", RequestType: "Fill", ConsumerName: "core-fills", StreamName: "VECTOR_FILLS"},
		{Subject: "vector.liquidations.>", RequestType: "Liquidate", ConsumerName: "core-liquidations", StreamName: "VECTOR_RISK"},
		{Subject: "vector.funding.>", RequestType: "FundingTick", ConsumerName: "core-funding", StreamName: "VECTOR_RISK"},
	}
}

func NewSubscriber(js jetstream.JetStream, requestChan chan<- RawRequest) *Subscriber {
	return &Subscriber{
		js:          js,
		requestChan: requestChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		requestType := cfg.RequestType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawRequest{
				Subject:     msg.Subject(),
				RequestType: requestType,
				Data:        msg.Data(),
				Received:    time.Now(),
				AckFunc:     func() { msg.Ack() },
				NakFunc:     func() { msg.Nak() },
			}

			select {
			case s.requestChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "VECTOR_ADMIN",
			Subjects:  []string{"vector.admin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VECTOR_ACCOUNTS",
			Subjects:  []string{"vector.accounts.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VECTOR_TRANSFERS",
			Subjects:  []string{"vector.deposits.>", "vector.withdrawals.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VECTOR_ORDERS",
			Subjects:  []string{"vector.orders.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VECTOR_ORACLE",
			Subjects:  []string{"vector.oracle.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VECTOR_FILLS",
			Subjects:  []string{"vector.fills.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VECTOR_RISK",
			Subjects:  []string{"vector.liquidations.>", "vector.funding.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
