package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds events
// into the deterministic core via the eventChan. JetStream is the primary
// high-throughput ingestion surface; each subject maps to one event type so
// consumers can scale independently.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
}

// RawEvent is the parsed-but-untyped event from NATS, ready for the shell
// to validate and convert into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. Participant
// traffic (offers, bids, transfers) and operator traffic (clearing cranks,
// claims, governance) ride separate streams.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "grid.timeslots.open.>", EventType: "OpenTimeslot", ConsumerName: "clear-ts-open", StreamName: "GRID_TIMESLOTS"},
		{Subject: "grid.timeslots.seal.>", EventType: "SealTimeslot", ConsumerName: "clear-ts-seal", StreamName: "GRID_TIMESLOTS"},
		{Subject: "grid.timeslots.cancel.>", EventType: "CancelAuction", ConsumerName: "clear-ts-cancel", StreamName: "GRID_TIMESLOTS"},
		{Subject: "grid.orders.supply.>", EventType: "CommitSupply", ConsumerName: "clear-supply", StreamName: "GRID_ORDERS"},
		{Subject: "grid.orders.bid.>", EventType: "PlaceBid", ConsumerName: "clear-bids", StreamName: "GRID_ORDERS"},
		{Subject: "grid.transfers.deposit.>", EventType: "DepositConfirmed", ConsumerName: "clear-deposits", StreamName: "GRID_TRANSFERS"},
		{Subject: "grid.transfers.withdraw.>", EventType: "WithdrawalRequested", ConsumerName: "clear-withdrawals", StreamName: "GRID_TRANSFERS"},
		{Subject: "grid.transfers.emergency.>", EventType: "EmergencyWithdraw", ConsumerName: "clear-emergency-wd", StreamName: "GRID_TRANSFERS"},
		{Subject: "grid.clearing.bids.>", EventType: "ProcessBidBatch", ConsumerName: "clear-batch-bids", StreamName: "GRID_CLEARING"},
		{Subject: "grid.clearing.supply.>", EventType: "ProcessSupplyBatch", ConsumerName: "clear-batch-supply", StreamName: "GRID_CLEARING"},
		{Subject: "grid.clearing.execute.>", EventType: "ExecuteClearing", ConsumerName: "clear-execute", StreamName: "GRID_CLEARING"},
		{Subject: "grid.clearing.verify.>", EventType: "VerifyClearing", ConsumerName: "clear-verify", StreamName: "GRID_CLEARING"},
		{Subject: "grid.clearing.settle.>", EventType: "SettleTimeslot", ConsumerName: "clear-settle", StreamName: "GRID_CLEARING"},
		{Subject: "grid.clearing.allocs.seller.>", EventType: "CalculateSellerAllocations", ConsumerName: "clear-alloc-sellers", StreamName: "GRID_CLEARING"},
		{Subject: "grid.clearing.allocs.buyer.>", EventType: "CalculateBuyerAllocation", ConsumerName: "clear-alloc-buyers", StreamName: "GRID_CLEARING"},
		{Subject: "grid.claims.proceeds.>", EventType: "WithdrawProceeds", ConsumerName: "clear-proceeds", StreamName: "GRID_CLAIMS"},
		{Subject: "grid.claims.redeem.>", EventType: "RedeemEnergy", ConsumerName: "clear-redeem", StreamName: "GRID_CLAIMS"},
		{Subject: "grid.claims.refund.buyers.>", EventType: "RefundCancelledBuyers", ConsumerName: "clear-refund-buyers", StreamName: "GRID_CLAIMS"},
		{Subject: "grid.claims.refund.sellers.>", EventType: "RefundCancelledSellers", ConsumerName: "clear-refund-sellers", StreamName: "GRID_CLAIMS"},
		{Subject: "grid.delivery.report.>", EventType: "VerifyDelivery", ConsumerName: "clear-delivery", StreamName: "GRID_DELIVERY"},
		{Subject: "grid.slashing.appeal.>", EventType: "AppealSlashing", ConsumerName: "clear-appeal", StreamName: "GRID_SLASHING"},
		{Subject: "grid.slashing.resolve.>", EventType: "ResolveSlashingAppeal", ConsumerName: "clear-appeal-resolve", StreamName: "GRID_SLASHING"},
		{Subject: "grid.slashing.execute.>", EventType: "ExecuteSlashing", ConsumerName: "clear-slash-exec", StreamName: "GRID_SLASHING"},
		{Subject: "grid.admin.init.>", EventType: "Initialize", ConsumerName: "clear-admin-init", StreamName: "GRID_ADMIN"},
		{Subject: "grid.admin.params.>", EventType: "GridParamUpdate", ConsumerName: "clear-admin-params", StreamName: "GRID_ADMIN"},
		{Subject: "grid.admin.pause.>", EventType: "EmergencyPause", ConsumerName: "clear-admin-pause", StreamName: "GRID_ADMIN"},
		{Subject: "grid.admin.resume.>", EventType: "EmergencyResume", ConsumerName: "clear-admin-resume", StreamName: "GRID_ADMIN"},
		{Subject: "grid.admin.health.>", EventType: "ValidateSystemHealth", ConsumerName: "clear-admin-health", StreamName: "GRID_ADMIN"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
	}
}

// Subscribe creates a durable JetStream consumer per configured subject.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		if err := ns.startConsumer(ctx, cfg); err != nil {
			return err
		}
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}
	return nil
}

func (ns *NATSSubscriber) startConsumer(ctx context.Context, cfg SubjectConfig) error {
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

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
		}
		// The handoff either lands in the shell's channel or NAKs for
		// redelivery when shutdown wins the race.
		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
	}
	ns.consumers = append(ns.consumers, cc)
	return nil
}

// gridStream builds the standard stream shape: file storage, limits
// retention, 72h max age, single replica.
func gridStream(name, subjectRoot string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subjectRoot + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
}

// EnsureStreams creates or updates the eight ingest streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		gridStream("GRID_TIMESLOTS", "grid.timeslots"),
		gridStream("GRID_ORDERS", "grid.orders"),
		gridStream("GRID_TRANSFERS", "grid.transfers"),
		gridStream("GRID_CLEARING", "grid.clearing"),
		gridStream("GRID_CLAIMS", "grid.claims"),
		gridStream("GRID_DELIVERY", "grid.delivery"),
		gridStream("GRID_SLASHING", "grid.slashing"),
		gridStream("GRID_ADMIN", "grid.admin"),
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
