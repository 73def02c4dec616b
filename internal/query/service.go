package query

import (
	"context"
	"database/sql"
	"fmt"

	"GridClear/internal/auction"
	"GridClear/internal/ledger"
)

// QueryService provides read-only access to projection tables. Queries are
// served over HTTP/JSON from the PostgreSQL projections, and every response
// carries as_of_sequence so callers can reason about freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalance returns a participant's wallet balance for one asset, plus the
// energy held in that participant's seller escrow accounts.
func (qs *QueryService) GetBalance(
	ctx context.Context,
	participant auction.Address,
	asset string,
) (*BalanceResponse, error) {
	if _, ok := ledger.GetAssetID(asset); !ok {
		return nil, fmt.Errorf("unknown asset %q", asset)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	walletPath := fmt.Sprintf("participant:%s:wallet:%s", participant, asset)
	wallet, err := qs.getProjectedBalance(ctx, walletPath)
	if err != nil {
		return nil, err
	}

	// Per-seller energy escrow rows are attributable; pooled quote escrow
	// is not, so only the energy asset reports a locked amount.
	var escrowed int64
	if asset == "KWH" {
		pattern := fmt.Sprintf("seller:%%:%s:energy_escrow:%%", participant)
		err := qs.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(balance), 0) FROM projections.balances
			WHERE account_path LIKE $1
		`, pattern).Scan(&escrowed)
		if err != nil {
			return nil, err
		}
	}

	return &BalanceResponse{
		Participant:     participant.String(),
		Asset:           asset,
		WalletBalance:   wallet,
		EscrowedBalance: escrowed,
		AsOfSequence:    asOfSeq,
	}, nil
}

// GetTimeslot returns one delivery window, or nil when it does not exist.
func (qs *QueryService) GetTimeslot(ctx context.Context, epoch int64) (*TimeslotResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var t TimeslotResponse
	t.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT epoch_ts, status, lot_size, price_tick, clearing_price, total_sold_quantity
		FROM projections.timeslots
		WHERE epoch_ts = $1
	`, epoch).Scan(
		&t.EpochTS, &t.Status, &t.LotSize, &t.PriceTick,
		&t.ClearingPrice, &t.TotalSoldQuantity,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTimeslots returns delivery windows newest-first with cursor-based
// pagination. A status filter narrows to one lifecycle stage.
func (qs *QueryService) ListTimeslots(
	ctx context.Context,
	status *int16,
	limit int,
	beforeEpoch *int64,
) ([]TimeslotResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT epoch_ts, status, lot_size, price_tick, clearing_price, total_sold_quantity
		FROM projections.timeslots
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *status)
		argIdx++
	}

	if beforeEpoch != nil {
		query += fmt.Sprintf(" AND epoch_ts < $%d", argIdx)
		args = append(args, *beforeEpoch)
		argIdx++
	}

	query += " ORDER BY epoch_ts DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []TimeslotResponse
	for rows.Next() {
		var t TimeslotResponse
		t.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&t.EpochTS, &t.Status, &t.LotSize, &t.PriceTick,
			&t.ClearingPrice, &t.TotalSoldQuantity,
		); err != nil {
			return nil, err
		}
		slots = append(slots, t)
	}

	return slots, rows.Err()
}

// GetDeliveryReports returns all delivery records for a timeslot, ordered by
// seller address.
func (qs *QueryService) GetDeliveryReports(ctx context.Context, epoch int64) ([]DeliveryReportResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT epoch_ts, seller, oracle, status, allocated_quantity, delivered_quantity,
		       shortfall, penalty_collected, reported_at, appeal_deadline
		FROM projections.delivery_reports
		WHERE epoch_ts = $1
		ORDER BY seller
	`, epoch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []DeliveryReportResponse
	for rows.Next() {
		var r DeliveryReportResponse
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&r.EpochTS, &r.Seller, &r.Oracle, &r.Status,
			&r.AllocatedQuantity, &r.DeliveredQuantity,
			&r.Shortfall, &r.PenaltyCollected, &r.ReportedAt, &r.AppealDeadline,
		); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}

	return reports, rows.Err()
}

// GetJournalHistory returns journal entries touching a participant's
// accounts with cursor-based pagination, newest-first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	participant auction.Address,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	walletPrefix := fmt.Sprintf("participant:%s:%%", participant)
	sellerPrefix := fmt.Sprintf("seller:%%:%s:%%", participant)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1
		    OR debit_account LIKE $2 OR credit_account LIKE $2)
	`
	args := []interface{}{walletPrefix, sellerPrefix}
	argIdx := 3

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and the per-asset zero-sum
// invariant over the projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}

	// Every journal moves value between two accounts of one asset, so the
	// global sum per asset must be zero.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) as total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
