package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds
// commands into the core via the eventChan. JetStream is the primary
// high-throughput ingestion surface; each subject maps to a command type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
}

// RawEvent is the parsed-but-untyped command from NATS, ready for the
// shell to validate and convert into a typed event.Event.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to command types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "cover.policies.activate.>", EventType: "PolicyActivate", ConsumerName: "ledger-policy-activate", StreamName: "COVER_POLICIES"},
		{Subject: "cover.policies.update.>", EventType: "PolicyUpdate", ConsumerName: "ledger-policy-update", StreamName: "COVER_POLICIES"},
		{Subject: "cover.policies.deactivate.>", EventType: "PolicyDeactivate", ConsumerName: "ledger-policy-deactivate", StreamName: "COVER_POLICIES"},
		{Subject: "cover.funds.deposit.>", EventType: "Deposit", ConsumerName: "ledger-deposit", StreamName: "COVER_FUNDS"},
		{Subject: "cover.funds.withdraw.>", EventType: "Withdraw", ConsumerName: "ledger-withdraw", StreamName: "COVER_FUNDS"},
		{Subject: "cover.premiums.charge.>", EventType: "PremiumBatch", ConsumerName: "ledger-premium-charge", StreamName: "COVER_PREMIUMS"},
		{Subject: "cover.admin.risk.>", EventType: "RiskParamUpdate", ConsumerName: "ledger-risk-params", StreamName: "COVER_ADMIN"},
		{Subject: "cover.admin.gov.nominate.>", EventType: "GovernanceNominate", ConsumerName: "ledger-gov-nominate", StreamName: "COVER_ADMIN"},
		{Subject: "cover.admin.gov.accept.>", EventType: "GovernanceAccept", ConsumerName: "ledger-gov-accept", StreamName: "COVER_ADMIN"},
		{Subject: "cover.admin.pause.>", EventType: "PauseSet", ConsumerName: "ledger-pause", StreamName: "COVER_ADMIN"},
		{Subject: "cover.admin.collector.>", EventType: "PremiumCollectorSet", ConsumerName: "ledger-collector", StreamName: "COVER_ADMIN"},
		{Subject: "cover.admin.rate.>", EventType: "RateParamsSet", ConsumerName: "ledger-rate-params", StreamName: "COVER_ADMIN"},
		{Subject: "cover.admin.referral.>", EventType: "ReferralParamsSet", ConsumerName: "ledger-referral-params", StreamName: "COVER_ADMIN"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
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

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "COVER_POLICIES",
			Subjects:  []string{"cover.policies.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "COVER_FUNDS",
			Subjects:  []string{"cover.funds.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "COVER_PREMIUMS",
			Subjects:  []string{"cover.premiums.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "COVER_ADMIN",
			Subjects:  []string{"cover.admin.>"},
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
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
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
