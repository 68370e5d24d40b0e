package rebalancing

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parosfi/rebalancer/internal/domain"
)

// Repository persists operations in the core database. Allocation snapshots,
// transactions and the simulation/approval/performance records live in JSON
// columns; the status and identity columns stay relational for querying.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates an operation repository over the core database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Create stores a new operation.
func (r *Repository) Create(op *Operation) error {
	now := r.now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now

	cols, err := marshalColumns(op)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		INSERT INTO operations (
			id, user_id, strategy_id, status, initiated_by, dimension,
			current_allocation, target_allocation, transactions,
			simulation, approval, performance, notified,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID, op.UserID, op.StrategyID, string(op.Status), string(op.InitiatedBy),
		string(op.Dimension), cols.current, cols.target, cols.transactions,
		cols.simulation, cols.approval, cols.performance, cols.notified,
		now.Unix(), now.Unix(), unixOrNil(op.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

// Update rewrites a stored operation.
func (r *Repository) Update(op *Operation) error {
	op.UpdatedAt = r.now().UTC()

	cols, err := marshalColumns(op)
	if err != nil {
		return err
	}

	result, err := r.db.Exec(`
		UPDATE operations SET
			status = ?, current_allocation = ?, target_allocation = ?,
			transactions = ?, simulation = ?, approval = ?, performance = ?,
			notified = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`,
		string(op.Status), cols.current, cols.target, cols.transactions,
		cols.simulation, cols.approval, cols.performance, cols.notified,
		op.UpdatedAt.Unix(), unixOrNil(op.CompletedAt), op.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
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

// GetByID returns one operation.
func (r *Repository) GetByID(id string) (*Operation, error) {
	row := r.db.QueryRow(operationColumns+` FROM operations WHERE id = ?`, id)
	return scanOperation(row)
}

// ListByUser returns a user's operations, newest first.
func (r *Repository) ListByUser(userID string, limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(operationColumns+`
		FROM operations WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// ListByStatus returns all operations in one status, oldest first. The
// scheduler uses this to resume interrupted executions.
func (r *Repository) ListByStatus(status Status) ([]*Operation, error) {
	rows, err := r.db.Query(operationColumns+`
		FROM operations WHERE status = ? ORDER BY created_at, id
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// HasActiveOperation reports whether a user already has an operation in a
// non-terminal status. At most one rebalance runs per user at a time.
func (r *Repository) HasActiveOperation(userID string) (bool, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM operations
		WHERE user_id = ? AND status IN (?, ?, ?, ?, ?)
	`, userID,
		string(StatusPending), string(StatusSimulating),
		string(StatusWaitingApproval), string(StatusApproved),
		string(StatusExecuting),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count active operations: %w", err)
	}
	return count > 0, nil
}

const operationColumns = `
	SELECT id, user_id, strategy_id, status, initiated_by, dimension,
	       current_allocation, target_allocation, transactions,
	       simulation, approval, performance, notified,
	       created_at, updated_at, completed_at`

type jsonColumns struct {
	current      string
	target       string
	transactions string
	simulation   interface{}
	approval     interface{}
	performance  interface{}
	notified     string
}

func marshalColumns(op *Operation) (*jsonColumns, error) {
	current, err := json.Marshal(op.CurrentAllocation)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal current allocation: %w", err)
	}
	target, err := json.Marshal(op.TargetAllocation)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal target allocation: %w", err)
	}
	if op.Transactions == nil {
		op.Transactions = []domain.Transaction{}
	}
	transactions, err := json.Marshal(op.Transactions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transactions: %w", err)
	}
	if op.Notified == nil {
		op.Notified = []string{}
	}
	notified, err := json.Marshal(op.Notified)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notified list: %w", err)
	}

	cols := &jsonColumns{
		current:      string(current),
		target:       string(target),
		transactions: string(transactions),
		notified:     string(notified),
	}
	if cols.simulation, err = marshalOptional(op.Simulation); err != nil {
		return nil, err
	}
	if cols.approval, err = marshalOptional(op.Approval); err != nil {
		return nil, err
	}
	if cols.performance, err = marshalOptional(op.Performance); err != nil {
		return nil, err
	}
	return cols, nil
}

func marshalOptional(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case *SimulationResult:
		if x == nil {
			return nil, nil
		}
	case *Approval:
		if x == nil {
			return nil, nil
		}
	case *Performance:
		if x == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation column: %w", err)
	}
	return string(data), nil
}

func scanOperation(row interface{ Scan(...interface{}) error }) (*Operation, error) {
	var (
		op                                Operation
		status, initiatedBy, dimension    string
		current, target, transactions     string
		simulation, approval, performance sql.NullString
		notified                          string
		createdAt, updatedAt              int64
		completedAt                       sql.NullInt64
	)

	err := row.Scan(
		&op.ID, &op.UserID, &op.StrategyID, &status, &initiatedBy, &dimension,
		&current, &target, &transactions,
		&simulation, &approval, &performance, &notified,
		&createdAt, &updatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.Status = Status(status)
	op.InitiatedBy = InitiatedBy(initiatedBy)
	op.Dimension = domain.Dimension(dimension)
	op.CreatedAt = time.Unix(createdAt, 0).UTC()
	op.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		op.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(current), &op.CurrentAllocation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal current allocation: %w", err)
	}
	if err := json.Unmarshal([]byte(target), &op.TargetAllocation); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target allocation: %w", err)
	}
	if err := json.Unmarshal([]byte(transactions), &op.Transactions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transactions: %w", err)
	}
	if err := json.Unmarshal([]byte(notified), &op.Notified); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notified list: %w", err)
	}
	if simulation.Valid {
		if err := json.Unmarshal([]byte(simulation.String), &op.Simulation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal simulation: %w", err)
		}
	}
	if approval.Valid {
		if err := json.Unmarshal([]byte(approval.String), &op.Approval); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approval: %w", err)
		}
	}
	if performance.Valid {
		if err := json.Unmarshal([]byte(performance.String), &op.Performance); err != nil {
			return nil, fmt.Errorf("failed to unmarshal performance: %w", err)
		}
	}

	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]*Operation, error) {
	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
