// Package ledger is the append-only audit trail of executed transactions.
// Rows are inserted once and never updated or deleted; the ledger database
// runs with full synchronous durability.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/parosfi/rebalancer/internal/domain"
)

// Recorder writes and queries the transaction log.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder over the ledger database.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// RecordTransaction appends one executed transaction.
func (r *Recorder) RecordTransaction(entry domain.LedgerEntry) error {
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(`
		INSERT INTO transaction_log (
			operation_id, transaction_id, user_id, tx_type,
			from_asset, to_asset, amount_usd, gas_cost_usd,
			slippage_pct, tx_ref, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.OperationID, entry.TransactionID, entry.UserID, string(entry.TxType),
		entry.FromAsset, entry.ToAsset, entry.AmountUSD, entry.GasCostUSD,
		entry.SlippagePct, entry.TxRef, recordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

// ListByOperation returns all entries of one operation in insertion order.
func (r *Recorder) ListByOperation(operationID string) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(`
		SELECT operation_id, transaction_id, user_id, tx_type,
		       from_asset, to_asset, amount_usd, gas_cost_usd,
		       slippage_pct, tx_ref, recorded_at
		FROM transaction_log
		WHERE operation_id = ?
		ORDER BY id
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListByUser returns a user's entries inside the time window, newest first.
func (r *Recorder) ListByUser(userID string, from, to time.Time, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT operation_id, transaction_id, user_id, tx_type,
		       from_asset, to_asset, amount_usd, gas_cost_usd,
		       slippage_pct, tx_ref, recorded_at
		FROM transaction_log
		WHERE user_id = ? AND recorded_at >= ? AND recorded_at <= ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, from.Unix(), to.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// TotalGasSpent sums the gas cost of a user's entries inside the window.
func (r *Recorder) TotalGasSpent(userID string, from, to time.Time) (float64, error) {
	var total float64
	err := r.db.QueryRow(`
		SELECT COALESCE(SUM(gas_cost_usd), 0)
		FROM transaction_log
		WHERE user_id = ? AND recorded_at >= ? AND recorded_at <= ?
	`, userID, from.Unix(), to.Unix()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum gas costs: %w", err)
	}
	return total, nil
}

func scanEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			entry      domain.LedgerEntry
			txType     string
			recordedAt int64
		)
		err := rows.Scan(
			&entry.OperationID, &entry.TransactionID, &entry.UserID, &txType,
			&entry.FromAsset, &entry.ToAsset, &entry.AmountUSD, &entry.GasCostUSD,
			&entry.SlippagePct, &entry.TxRef, &recordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entry.TxType = domain.TxType(txType)
		entry.RecordedAt = time.Unix(recordedAt, 0).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
