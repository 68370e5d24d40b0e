package strategy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parosfi/rebalancer/internal/domain"
)

// Repository persists strategies in the core database.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a strategy repository over the core database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Create validates and stores a new strategy, assigning an ID if missing.
func (r *Repository) Create(s *Strategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := r.now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	targets, err := json.Marshal(s.TargetAllocation)
	if err != nil {
		return fmt.Errorf("failed to marshal target allocation: %w", err)
	}
	prefs, err := json.Marshal(s.NotifyPrefs)
	if err != nil {
		return fmt.Errorf("failed to marshal notify prefs: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO strategies (
			id, user_id, name, dimension, target_allocation, trigger_type,
			tolerance_pct, interval_seconds, manual_approval, simulate_first,
			notify_prefs, active, last_rebalanced_at, next_scheduled_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.UserID, s.Name, string(s.Dimension), string(targets), string(s.TriggerType),
		s.TolerancePct, int64(s.Interval/time.Second), boolToInt(s.ManualApprovalRequired),
		boolToInt(s.SimulateBeforeExecution), string(prefs), boolToInt(s.Active),
		unixOrNil(s.LastRebalancedAt), unixOrNil(s.NextScheduledAt),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert strategy: %w", err)
	}
	return nil
}

// Update rewrites a stored strategy.
func (r *Repository) Update(s *Strategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.UpdatedAt = r.now().UTC()

	targets, err := json.Marshal(s.TargetAllocation)
	if err != nil {
		return fmt.Errorf("failed to marshal target allocation: %w", err)
	}
	prefs, err := json.Marshal(s.NotifyPrefs)
	if err != nil {
		return fmt.Errorf("failed to marshal notify prefs: %w", err)
	}

	result, err := r.db.Exec(`
		UPDATE strategies SET
			name = ?, dimension = ?, target_allocation = ?, trigger_type = ?,
			tolerance_pct = ?, interval_seconds = ?, manual_approval = ?,
			simulate_first = ?, notify_prefs = ?, active = ?,
			last_rebalanced_at = ?, next_scheduled_at = ?, updated_at = ?
		WHERE id = ?
	`,
		s.Name, string(s.Dimension), string(targets), string(s.TriggerType),
		s.TolerancePct, int64(s.Interval/time.Second), boolToInt(s.ManualApprovalRequired),
		boolToInt(s.SimulateBeforeExecution), string(prefs), boolToInt(s.Active),
		unixOrNil(s.LastRebalancedAt), unixOrNil(s.NextScheduledAt), s.UpdatedAt.Unix(),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update strategy: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one strategy.
func (r *Repository) GetByID(id string) (*Strategy, error) {
	row := r.db.QueryRow(selectColumns+` FROM strategies WHERE id = ?`, id)
	return scanStrategy(row)
}

// ListByUser returns all strategies of a user, newest first.
func (r *Repository) ListByUser(userID string) ([]*Strategy, error) {
	rows, err := r.db.Query(selectColumns+`
		FROM strategies WHERE user_id = ? ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()
	return scanStrategies(rows)
}

// ListActiveByTrigger returns all active strategies with the given trigger
// type. The scheduler uses this to find candidates for evaluation.
func (r *Repository) ListActiveByTrigger(trigger TriggerType) ([]*Strategy, error) {
	rows, err := r.db.Query(selectColumns+`
		FROM strategies WHERE trigger_type = ? AND active = 1 ORDER BY created_at, id
	`, string(trigger))
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()
	return scanStrategies(rows)
}

// RecordRebalanceAttempt stamps the last rebalance time and, for periodic
// strategies, advances the next scheduled run. Called only after an
// operation was actually created; evaluation alone never mutates state.
func (r *Repository) RecordRebalanceAttempt(id string, at time.Time) error {
	s, err := r.GetByID(id)
	if err != nil {
		return err
	}

	at = at.UTC()
	var next *time.Time
	if s.TriggerType == TriggerPeriodic && s.Interval > 0 {
		n := at.Add(s.Interval)
		next = &n
	}

	_, err = r.db.Exec(`
		UPDATE strategies SET last_rebalanced_at = ?, next_scheduled_at = ?, updated_at = ?
		WHERE id = ?
	`, at.Unix(), unixOrNil(next), r.now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record rebalance attempt: %w", err)
	}
	return nil
}

// Delete removes a strategy.
func (r *Repository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete strategy: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const selectColumns = `
	SELECT id, user_id, name, dimension, target_allocation, trigger_type,
	       tolerance_pct, interval_seconds, manual_approval, simulate_first,
	       notify_prefs, active, last_rebalanced_at, next_scheduled_at,
	       created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(row rowScanner) (*Strategy, error) {
	var (
		s                    Strategy
		dimension, trigger   string
		targets, prefs       string
		intervalSeconds      int64
		manual, simulate     int
		active               int
		lastAt, nextAt       sql.NullInt64
		createdAt, updatedAt int64
	)

	err := row.Scan(
		&s.ID, &s.UserID, &s.Name, &dimension, &targets, &trigger,
		&s.TolerancePct, &intervalSeconds, &manual, &simulate,
		&prefs, &active, &lastAt, &nextAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan strategy: %w", err)
	}

	s.Dimension = domain.Dimension(dimension)
	s.TriggerType = TriggerType(trigger)
	s.Interval = time.Duration(intervalSeconds) * time.Second
	s.ManualApprovalRequired = manual != 0
	s.SimulateBeforeExecution = simulate != 0
	s.Active = active != 0
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastAt.Valid {
		t := time.Unix(lastAt.Int64, 0).UTC()
		s.LastRebalancedAt = &t
	}
	if nextAt.Valid {
		t := time.Unix(nextAt.Int64, 0).UTC()
		s.NextScheduledAt = &t
	}

	if err := json.Unmarshal([]byte(targets), &s.TargetAllocation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target allocation: %w", err)
	}
	if err := json.Unmarshal([]byte(prefs), &s.NotifyPrefs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notify prefs: %w", err)
	}

	return &s, nil
}

func scanStrategies(rows *sql.Rows) ([]*Strategy, error) {
	var strategies []*Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}
	return strategies, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
