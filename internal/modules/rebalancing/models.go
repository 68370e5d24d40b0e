// Package rebalancing implements the rebalancing operation lifecycle:
// creation, simulation, approval, execution and terminal bookkeeping.
package rebalancing

import (
	"time"

	"github.com/parosfi/rebalancer/internal/domain"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSimulating      Status = "simulating"
	StatusWaitingApproval Status = "waitingApproval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusPartial         Status = "partial"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transitions are allowed from this
// status.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// transitions is the allowed state machine. Execution may re-enter from
// executing to itself so an interrupted run can resume idempotently.
var transitions = map[Status][]Status{
	StatusPending:         {StatusSimulating, StatusWaitingApproval, StatusExecuting, StatusCancelled},
	StatusSimulating:      {StatusWaitingApproval, StatusExecuting, StatusFailed, StatusCancelled},
	StatusWaitingApproval: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:        {StatusExecuting, StatusCancelled},
	StatusExecuting:       {StatusExecuting, StatusCompleted, StatusPartial, StatusFailed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InitiatedBy records what started an operation.
type InitiatedBy string

const (
	InitiatedByUser      InitiatedBy = "user"
	InitiatedByThreshold InitiatedBy = "threshold"
	InitiatedByPeriodic  InitiatedBy = "periodic"
)

// SimulationWarning flags a non-blocking concern found during simulation.
type SimulationWarning struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message"`
}

// SimulationStatus is the aggregate verdict of a dry run.
type SimulationStatus string

const (
	// SimulationOK means every transaction projected cleanly.
	SimulationOK SimulationStatus = "ok"
	// SimulationPartial means the plan is executable but carries warnings.
	SimulationPartial SimulationStatus = "partial"
	// SimulationFailed means blocking errors forbid execution.
	SimulationFailed SimulationStatus = "failed"
	// SimulationSkipped marks an operation that opted out of simulation.
	SimulationSkipped SimulationStatus = "skipped"
)

// SimulationResult is the projected outcome of executing the plan.
type SimulationResult struct {
	Result                 SimulationStatus    `json:"result"`
	ProjectedGasCostUSD    float64             `json:"projected_gas_cost_usd"`
	ProjectedSlippagePct   float64             `json:"projected_slippage_pct"`
	ProjectedValueAfterUSD float64             `json:"projected_value_after_usd"`
	ProjectedDurationMS    int64               `json:"projected_duration_ms"`
	Warnings               []SimulationWarning `json:"warnings,omitempty"`
	BlockingErrors         []string            `json:"blocking_errors,omitempty"`
	SimulatedAt            time.Time           `json:"simulated_at"`
}

// Blocked reports whether the simulation forbids execution.
func (r *SimulationResult) Blocked() bool {
	return r != nil && len(r.BlockingErrors) > 0
}

// Approval records the manual approval decision on an operation.
type Approval struct {
	Required    bool       `json:"required"`
	Approved    bool       `json:"approved"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
}

// Performance summarizes an executed operation.
type Performance struct {
	PortfolioValueBeforeUSD float64       `json:"portfolio_value_before_usd"`
	PortfolioValueAfterUSD  float64       `json:"portfolio_value_after_usd"`
	TotalGasCostUSD         float64       `json:"total_gas_cost_usd"`
	TotalSlippagePct        float64       `json:"total_slippage_pct"`
	ExecutionTime           time.Duration `json:"execution_time"`
	SuccessRate             float64       `json:"success_rate"`
}

// Operation is one rebalancing run through the state machine.
type Operation struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	StrategyID  string      `json:"strategy_id,omitempty"`
	Status      Status      `json:"status"`
	InitiatedBy InitiatedBy `json:"initiated_by"`

	Dimension         domain.Dimension           `json:"dimension"`
	CurrentAllocation *domain.AllocationSnapshot `json:"current_allocation"`
	TargetAllocation  []domain.TargetEntry       `json:"target_allocation"`
	Transactions      []domain.Transaction       `json:"transactions"`

	Simulation  *SimulationResult `json:"simulation,omitempty"`
	Approval    *Approval         `json:"approval,omitempty"`
	Performance *Performance      `json:"performance,omitempty"`

	// Notified lists the statuses a notification was already sent for, so
	// re-entry never duplicates messages.
	Notified []string `json:"notified"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WasNotified reports whether a notification for this status went out
// already.
func (o *Operation) WasNotified(status Status) bool {
	for _, s := range o.Notified {
		if s == string(status) {
			return true
		}
	}
	return false
}

// MarkNotified records a delivered notification.
func (o *Operation) MarkNotified(status Status) {
	if !o.WasNotified(status) {
		o.Notified = append(o.Notified, string(status))
	}
}

// PendingTransactions returns the transactions still awaiting execution.
// Completed ones are skipped on re-entry.
func (o *Operation) PendingTransactions() []*domain.Transaction {
	var pending []*domain.Transaction
	for i := range o.Transactions {
		if o.Transactions[i].Status != domain.TxCompleted {
			pending = append(pending, &o.Transactions[i])
		}
	}
	return pending
}
