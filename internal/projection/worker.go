package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"GridClear/internal/auction"
	"GridClear/internal/ledger"
	"GridClear/internal/math"
)

// ProjectionOutput mirrors the data projection workers need from the core.
// The shell bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	EpochTS        *int64
	Payload        []byte // JSON-encoded source event
	JournalEntries []JournalEntry
	Timestamp      int64
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
}

// ProjectionWorker updates projection tables from processed events. The
// projection channel is non-blocking with drop; when projections fall
// behind they are rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Update balance projections from journal entries
	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	// Update domain projections from the event itself
	if err := pw.updateDomainProjection(ctx, tx, output); err != nil {
		return fmt.Errorf("domain projection: %w", err)
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalanceProjection applies one journal to the balances table. The
// ledger convention is debit increases, credit decreases.
func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

// updateDomainProjection maintains the timeslot and delivery read models.
// Payload field names follow the event structs; status codes follow the
// auction enums, so API consumers see the same values the core uses.
func (pw *ProjectionWorker) updateDomainProjection(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	switch output.EventType {
	case "OpenTimeslot":
		var e struct {
			Epoch     int64
			LotSize   uint64
			PriceTick uint64
		}
		if err := json.Unmarshal(output.Payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.timeslots (epoch_ts, status, lot_size, price_tick, last_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (epoch_ts) DO NOTHING
		`, e.Epoch, int16(auction.TimeslotOpen), int64(e.LotSize), int64(e.PriceTick), output.Sequence)
		return err

	case "SealTimeslot":
		return pw.setTimeslotStatus(ctx, tx, output, auction.TimeslotSealed)

	case "SettleTimeslot":
		var e struct {
			Epoch           int64
			ClearingPrice   uint64
			ClearedQuantity uint64
		}
		if err := json.Unmarshal(output.Payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.timeslots
			SET status = $2, clearing_price = $3, total_sold_quantity = $4, last_sequence = $5
			WHERE epoch_ts = $1
		`, e.Epoch, int16(auction.TimeslotSettled), int64(e.ClearingPrice), int64(e.ClearedQuantity), output.Sequence)
		return err

	case "CancelAuction":
		return pw.setTimeslotStatus(ctx, tx, output, auction.TimeslotCancelled)

	case "VerifyDelivery":
		var e struct {
			Epoch             int64
			Supplier          string
			Oracle            string
			AllocatedQuantity uint64
			DeliveredQuantity uint64
			ReportedAt        int64
		}
		if err := json.Unmarshal(output.Payload, &e); err != nil {
			return err
		}
		var shortfall uint64
		if e.DeliveredQuantity < e.AllocatedQuantity {
			shortfall = e.AllocatedQuantity - e.DeliveredQuantity
		}
		status := auction.SlashReported
		window := auction.AppealWindowReported
		if shortfall > 0 && math.MulCompare(shortfall, 10_000, e.AllocatedQuantity, auction.AutoTriggerThresholdBps) >= 0 {
			status = auction.SlashAutoTriggered
			window = auction.AppealWindowAutoTriggered
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.delivery_reports
				(epoch_ts, seller, oracle, status, allocated_quantity, delivered_quantity,
				 shortfall, reported_at, appeal_deadline, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (epoch_ts, seller) DO UPDATE SET
				oracle = $3, status = $4, allocated_quantity = $5, delivered_quantity = $6,
				shortfall = $7, reported_at = $8, appeal_deadline = $9, last_sequence = $10
		`, e.Epoch, e.Supplier, e.Oracle, int16(status),
			int64(e.AllocatedQuantity), int64(e.DeliveredQuantity), int64(shortfall),
			e.ReportedAt, e.ReportedAt+window, output.Sequence)
		return err

	case "AppealSlashing":
		return pw.setSlashingStatus(ctx, tx, output, auction.SlashUnderAppeal)

	case "ResolveSlashingAppeal":
		var e struct {
			Epoch  int64
			Seller string
			Upheld bool
		}
		if err := json.Unmarshal(output.Payload, &e); err != nil {
			return err
		}
		status := auction.SlashConfirmed
		if e.Upheld {
			status = auction.SlashReversed
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.delivery_reports
			SET status = $3, last_sequence = $4
			WHERE epoch_ts = $1 AND seller = $2
		`, e.Epoch, e.Seller, int16(status), output.Sequence)
		return err

	case "ExecuteSlashing":
		var e struct {
			Epoch  int64
			Seller string
		}
		if err := json.Unmarshal(output.Payload, &e); err != nil {
			return err
		}
		// Collected amount comes from the penalty journals in this output.
		var collected int64
		for _, j := range output.JournalEntries {
			if j.JournalType == int32(ledger.JournalTypePenaltyFromEscrow) ||
				j.JournalType == int32(ledger.JournalTypePenaltyFromWallet) {
				collected += j.Amount
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.delivery_reports
			SET status = $3, penalty_collected = $4, last_sequence = $5
			WHERE epoch_ts = $1 AND seller = $2
		`, e.Epoch, e.Seller, int16(auction.SlashExecuted), collected, output.Sequence)
		return err
	}

	return nil
}

func (pw *ProjectionWorker) setTimeslotStatus(ctx context.Context, tx *sql.Tx, output ProjectionOutput, status auction.TimeslotStatus) error {
	var e struct{ Epoch int64 }
	if err := json.Unmarshal(output.Payload, &e); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.timeslots SET status = $2, last_sequence = $3 WHERE epoch_ts = $1
	`, e.Epoch, int16(status), output.Sequence)
	return err
}

func (pw *ProjectionWorker) setSlashingStatus(ctx context.Context, tx *sql.Tx, output ProjectionOutput, status auction.SlashingStatus) error {
	var e struct {
		Epoch  int64
		Seller string
	}
	if err := json.Unmarshal(output.Payload, &e); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.delivery_reports SET status = $3, last_sequence = $4
		WHERE epoch_ts = $1 AND seller = $2
	`, e.Epoch, e.Seller, int16(status), output.Sequence)
	return err
}

// RebuildProjections rebuilds the balance projection from the event log.
// Timeslot and delivery projections rebuild on replay through the worker.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.timeslots`,
		`TRUNCATE projections.delivery_reports`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debit side increases balances
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset_id,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credit side decreases balances
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset_id,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset_id
		ON CONFLICT (account_path, asset_id) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
