package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"GridClear/internal/observability"
)

// CoreOutput mirrors core.CoreOutput so the core never imports persistence.
// The shell (cmd/gridclear) bridges between the two.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// pendingBatch accumulates rows between flushes.
type pendingBatch struct {
	events   []EventRow
	journals []JournalRow
}

func (b *pendingBatch) add(out CoreOutput) {
	b.events = append(b.events, out.EventRow)
	b.journals = append(b.journals, out.JournalRows...)
}

func (b *pendingBatch) reset() {
	b.events = b.events[:0]
	b.journals = b.journals[:0]
}

func (b *pendingBatch) empty() bool { return len(b.events) == 0 }

// PersistenceWorker drains the persist channel and batch-writes the event
// log and journal rows to Postgres in one transaction per flush. The core
// sends on this channel with a BLOCKING send: if the worker falls behind,
// the core stalls rather than lose an event.
type PersistenceWorker struct {
	writer        *EventLogWriter
	input         <-chan CoreOutput
	batchSize     int
	flushInterval time.Duration
	metrics       *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	input <-chan CoreOutput,
	batchSize int,
	flushInterval time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:        NewEventLogWriter(db, batchSize, flushInterval),
		input:         input,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		metrics:       metrics,
	}
}

// Run blocks until ctx is cancelled or the input channel closes, flushing
// whenever the batch fills or the flush interval elapses. The tail batch is
// flushed on the way out with a background context so shutdown cannot drop
// already-accepted events.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pendingBatch{
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushInterval)
	defer timer.Stop()

	drain := func() {
		if batch.empty() {
			return
		}
		if err := pw.flush(context.Background(), batch); err != nil {
			log.Printf("ERROR: final flush failed: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return ctx.Err()

		case out, ok := <-pw.input:
			if !ok {
				drain()
				return nil
			}
			batch.add(out)
			if len(batch.events) < pw.batchSize {
				continue
			}
			if err := pw.flushWithRetry(ctx, batch); err != nil {
				log.Printf("ERROR: batch flush failed after retries: %v", err)
			}
			batch.reset()
			timer.Reset(pw.flushInterval)

		case <-timer.C:
			if !batch.empty() {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: interval flush failed after retries: %v", err)
				}
				batch.reset()
			}
			timer.Reset(pw.flushInterval)
		}
	}
}

// flushWithRetry retries with exponential backoff (100ms doubling to 30s)
// until the write lands or ctx is cancelled. Cancellation triggers one last
// background-context attempt so the batch survives a graceful shutdown.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pendingBatch) error {
	const (
		initialBackoff = 100 * time.Millisecond
		maxBackoff     = 30 * time.Second
	)

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
		log.Printf("WARN: persistence flush attempt %d failed (events=%d, next backoff %v): %v",
			attempt+1, len(batch.events), backoff, err)

		select {
		case <-ctx.Done():
			if finalErr := pw.flush(context.Background(), batch); finalErr != nil {
				return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
			}
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pendingBatch) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, batch.events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, batch.journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(batch.events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(batch.journals)))
		if n := len(batch.events); n > 0 {
			pw.metrics.PersistLastSequence.Set(float64(batch.events[n-1].Sequence))
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
