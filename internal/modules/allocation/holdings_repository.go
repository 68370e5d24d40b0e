package allocation

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/parosfi/rebalancer/internal/domain"
)

// SQLiteHoldingsRepository persists raw positions in the core database.
type SQLiteHoldingsRepository struct {
	db *sql.DB
}

// NewSQLiteHoldingsRepository creates a holdings repository over the core
// database.
func NewSQLiteHoldingsRepository(db *sql.DB) *SQLiteHoldingsRepository {
	return &SQLiteHoldingsRepository{db: db}
}

// GetHoldings returns all positions of a user.
func (r *SQLiteHoldingsRepository) GetHoldings(userID string) ([]domain.Holding, error) {
	rows, err := r.db.Query(`
		SELECT user_id, asset, protocol_id, chain, amount
		FROM holdings
		WHERE user_id = ?
		ORDER BY asset, protocol_id, chain
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []domain.Holding
	for rows.Next() {
		var h domain.Holding
		if err := rows.Scan(&h.UserID, &h.Asset, &h.ProtocolID, &h.Chain, &h.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// UpsertHolding inserts or replaces a position. A zero amount removes it.
func (r *SQLiteHoldingsRepository) UpsertHolding(h domain.Holding) error {
	if h.Amount == 0 {
		_, err := r.db.Exec(`
			DELETE FROM holdings
			WHERE user_id = ? AND asset = ? AND protocol_id = ? AND chain = ?
		`, h.UserID, h.Asset, h.ProtocolID, h.Chain)
		if err != nil {
			return fmt.Errorf("failed to delete holding: %w", err)
		}
		return nil
	}

	_, err := r.db.Exec(`
		INSERT INTO holdings (user_id, asset, protocol_id, chain, amount, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, asset, protocol_id, chain) DO UPDATE SET
			amount = excluded.amount, updated_at = excluded.updated_at
	`, h.UserID, h.Asset, h.ProtocolID, h.Chain, h.Amount, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert holding: %w", err)
	}
	return nil
}
