package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// PublishableEvent is a processed event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64       `json:"sequence"`
	EventType      string      `json:"event_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	EpochTS        *int64      `json:"epoch_ts,omitempty"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

// subject returns grid.clear.events.{event_type}, with the timeslot epoch
// appended for timeslot-scoped events so consumers can filter per auction.
func (e PublishableEvent) subject() string {
	if e.EpochTS != nil {
		return fmt.Sprintf("grid.clear.events.%s.%d", e.EventType, *e.EpochTS)
	}
	return "grid.clear.events." + e.EventType
}

// OutboundPublisher forwards applied events to NATS for downstream
// consumers (billing, meter reconciliation, dashboards). Events arrive on
// its channel only after the core has emitted them, and a publish failure
// is non-fatal: the event log remains the source of truth.
type OutboundPublisher struct {
	js    jetstream.JetStream
	input <-chan PublishableEvent
}

func NewOutboundPublisher(js jetstream.JetStream, input <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{js: js, input: input}
}

// Run drains the outbound channel until ctx is cancelled or the channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-op.input:
			if !ok {
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				log.Printf("WARN: outbound marshal failed seq=%d: %v", evt.Sequence, err)
				continue
			}
			if _, err := op.js.Publish(ctx, evt.subject(), data); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", evt.Sequence, err)
			}
		}
	}
}

// EnsureOutboundStream creates or updates the stream backing the outbound feed.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "GRID_CLEAR_EVENTS",
		Subjects:  []string{"grid.clear.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream GRID_CLEAR_EVENTS")
	return nil
}
