package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer abstracts *sql.DB and *sql.Tx so batch writes can run inside the
// worker's flush transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using batch inserts.
// Multi-row INSERT is used as a portable alternative to the COPY protocol;
// switch to pgx CopyFrom if write throughput becomes the bottleneck.
type EventLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	EpochTS        *int64 // Timeslot context; NULL for global events
	Payload        []byte // JSON-encoded source event
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64 // Versioned input timestamp (unix seconds)
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *EventLogWriter {
	return &EventLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// WriteEventBatch inserts into event_log.events, skipping sequences that are
// already present so replayed flushes stay idempotent.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	cols := []string{
		"sequence", "event_type", "idempotency_key", "epoch_ts",
		"payload", "state_hash", "prev_hash", "timestamp", "source_sequence",
	}
	rows := make([][]interface{}, len(events))
	for i, e := range events {
		rows[i] = []interface{}{
			e.Sequence, e.EventType, e.IdempotencyKey, e.EpochTS,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		}
	}
	return multiInsert(ctx, tx, "event_log.events", cols, "sequence", rows)
}

// WriteJournalBatch inserts into event_log.journal, conflict-free on journal_id.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	cols := []string{
		"journal_id", "batch_id", "event_ref", "sequence", "debit_account",
		"credit_account", "asset_id", "amount", "journal_type", "timestamp",
	}
	rows := make([][]interface{}, len(journals))
	for i, j := range journals {
		rows[i] = []interface{}{
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		}
	}
	return multiInsert(ctx, tx, "event_log.journal", cols, "journal_id", rows)
}

// multiInsert issues one INSERT ... VALUES ($1,...),(...) ON CONFLICT DO
// NOTHING statement covering every row.
func multiInsert(ctx context.Context, tx execer, table string, cols []string, conflictCol string, rows [][]interface{}) error {
	width := len(cols)
	placeholders := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*width)

	for i, row := range rows {
		marks := make([]string, width)
		for j := range row {
			marks[j] = fmt.Sprintf("$%d", i*width+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(marks, ", ")+")")
		args = append(args, row...)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), conflictCol,
	)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
