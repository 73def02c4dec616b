package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"GridClear/internal/auction"
	"GridClear/internal/event"
)

// AdminInjector provides manual event injection for break-glass operator
// actions: pause, resume, health checks, and parameter changes. It bypasses
// the message bus and writes straight into the core's event channel, so it
// is usable when NATS is down, which is exactly when a pause is needed.
//
// The injector stamps source sequences from its own counter for the global
// partition. The bus consumers for that partition must be quiesced while it
// is in use; two writers on one partition cursor cannot be reconciled.
type AdminInjector struct {
	eventChan chan<- event.Event
	authority auction.Address

	mu        sync.Mutex
	globalSeq int64
}

// NewAdminInjector seeds the global partition cursor, typically from the
// restored snapshot's sequence state.
func NewAdminInjector(eventChan chan<- event.Event, authority auction.Address, globalSeq int64) *AdminInjector {
	return &AdminInjector{
		eventChan: eventChan,
		authority: authority,
		globalSeq: globalSeq,
	}
}

func (s *AdminInjector) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.globalSeq
	s.globalSeq++
	return seq
}

func (s *AdminInjector) send(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectPause halts the marketplace.
func (s *AdminInjector) InjectPause(ctx context.Context, reason string) error {
	if reason == "" {
		return fmt.Errorf("pause reason must not be empty")
	}
	return s.send(ctx, &event.EmergencyPause{
		PauseID:   uuid.New(),
		Authority: s.authority,
		Reason:    reason,
		Sequence:  s.nextSeq(),
		Timestamp: time.Now().Unix(),
	})
}

// InjectResume lifts an active pause.
func (s *AdminInjector) InjectResume(ctx context.Context) error {
	return s.send(ctx, &event.EmergencyResume{
		ResumeID:  uuid.New(),
		Authority: s.authority,
		Sequence:  s.nextSeq(),
		Timestamp: time.Now().Unix(),
	})
}

// InjectHealthCheck runs the conservation checks, for one timeslot when
// epoch is set or for every live timeslot otherwise.
func (s *AdminInjector) InjectHealthCheck(ctx context.Context, epoch *int64) error {
	return s.send(ctx, &event.ValidateSystemHealth{
		CheckID:   uuid.New(),
		Epoch:     epoch,
		Sequence:  s.nextSeq(),
		Timestamp: time.Now().Unix(),
	})
}

// InjectParamUpdate changes one governance parameter. Target is only
// meaningful for add_oracle and remove_oracle.
func (s *AdminInjector) InjectParamUpdate(ctx context.Context, param string, value uint64, target auction.Address) error {
	if _, err := auction.ParseParamKind(param); err != nil {
		return err
	}
	seq := s.nextSeq()
	return s.send(ctx, &event.GridParamUpdate{
		Param:        param,
		Value:        value,
		Target:       target,
		Authority:    s.authority,
		EffectiveSeq: seq,
		Sequence:     seq,
		Timestamp:    time.Now().Unix(),
	})
}
