package rebalancing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/domain"
	"github.com/parosfi/rebalancer/internal/events"
	"github.com/parosfi/rebalancer/internal/modules/allocation"
)

// SnapshotProvider computes the current allocation of a user's portfolio.
type SnapshotProvider interface {
	ComputeSnapshot(ctx context.Context, userID string, dimension domain.Dimension) (*domain.AllocationSnapshot, error)
}

// TransferPlanner turns a current/target pair into a transaction plan.
type TransferPlanner interface {
	Diff(current *domain.AllocationSnapshot, target []domain.TargetEntry) allocation.Plan
}

// CreateRequest describes a new rebalancing operation.
type CreateRequest struct {
	UserID           string
	StrategyID       string
	Dimension        domain.Dimension
	TargetAllocation []domain.TargetEntry
	InitiatedBy      InitiatedBy

	SimulateFirst    bool
	ApprovalRequired bool
}

// Service drives operations through the lifecycle state machine. All
// transitions are persisted before their events publish, so a crash never
// loses a state change that observers saw.
type Service struct {
	repo      *Repository
	snapshots SnapshotProvider
	planner   TransferPlanner
	simulator *Simulator
	executor  *Executor
	bus       *events.Bus
	now       func() time.Time
	log       zerolog.Logger

	// inflight guards against two concurrent Advance passes on one
	// operation within this process.
	mu       sync.Mutex
	inflight map[string]bool
}

// NewService creates the rebalancing lifecycle service.
func NewService(
	repo *Repository,
	snapshots SnapshotProvider,
	planner TransferPlanner,
	simulator *Simulator,
	executor *Executor,
	bus *events.Bus,
	log zerolog.Logger,
) *Service {
	return &Service{
		repo:      repo,
		snapshots: snapshots,
		planner:   planner,
		simulator: simulator,
		executor:  executor,
		bus:       bus,
		now:       time.Now,
		inflight:  make(map[string]bool),
		log:       log.With().Str("service", "rebalancing").Logger(),
	}
}

// Create snapshots the portfolio, plans the transfers and stores a new
// pending operation. A user can have at most one non-terminal operation. An
// empty plan completes immediately: there is nothing to execute.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Operation, error) {
	active, err := s.repo.HasActiveOperation(req.UserID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, domain.ErrAlreadyExecuting
	}

	snapshot, err := s.snapshots.ComputeSnapshot(ctx, req.UserID, req.Dimension)
	if err != nil {
		return nil, fmt.Errorf("failed to compute allocation snapshot: %w", err)
	}

	plan := s.planner.Diff(snapshot, req.TargetAllocation)

	op := &Operation{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		StrategyID:        req.StrategyID,
		Status:            StatusPending,
		InitiatedBy:       req.InitiatedBy,
		Dimension:         req.Dimension,
		CurrentAllocation: snapshot,
		TargetAllocation:  req.TargetAllocation,
		Transactions:      plan.Transactions,
	}
	if req.ApprovalRequired {
		op.Approval = &Approval{Required: true, RequestedAt: s.now().UTC()}
	}

	if len(plan.Transactions) == 0 {
		op.Status = StatusCompleted
		now := s.now().UTC()
		op.CompletedAt = &now
		op.Performance = &Performance{
			PortfolioValueBeforeUSD: snapshot.TotalValueUSD,
			PortfolioValueAfterUSD:  snapshot.TotalValueUSD,
			SuccessRate:             100,
		}
	}

	if err := s.repo.Create(op); err != nil {
		return nil, err
	}

	s.publish(op, "", false)
	s.log.Info().
		Str("operation_id", op.ID).
		Str("user_id", op.UserID).
		Int("transactions", len(op.Transactions)).
		Str("status", string(op.Status)).
		Msg("Operation created")

	// configuration for the advance pass rides on the operation itself
	if op.Status == StatusPending && !req.SimulateFirst {
		// Skipping simulation is recorded as a skipped result so Advance
		// knows not to simulate.
		op.Simulation = &SimulationResult{Result: SimulationSkipped, SimulatedAt: s.now().UTC()}
		if err := s.repo.Update(op); err != nil {
			return nil, err
		}
	}

	return op, nil
}

// Advance drives an operation as far as it can go without external input:
// through simulation, stopping at approval when required, otherwise through
// execution to a terminal status. Calling Advance on an operation that is
// waiting or terminal is a no-op, so re-entry after a crash is safe.
func (s *Service) Advance(ctx context.Context, operationID string) (*Operation, error) {
	s.mu.Lock()
	if s.inflight[operationID] {
		s.mu.Unlock()
		return nil, domain.ErrAlreadyExecuting
	}
	s.inflight[operationID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, operationID)
		s.mu.Unlock()
	}()

	op, err := s.repo.GetByID(operationID)
	if err != nil {
		return nil, err
	}

	switch op.Status {
	case StatusPending:
		if op.Simulation == nil {
			if err := s.simulate(ctx, op); err != nil {
				return op, err
			}
			if op.Status.Terminal() {
				return op, nil
			}
		}
		if op.Approval != nil && op.Approval.Required && !op.Approval.Approved {
			if err := s.transition(op, StatusWaitingApproval); err != nil {
				return op, err
			}
			return op, nil
		}
		return op, s.execute(ctx, op)

	case StatusApproved, StatusExecuting:
		return op, s.execute(ctx, op)

	case StatusWaitingApproval:
		return op, nil

	default:
		if op.Status.Terminal() {
			return op, nil
		}
		return op, fmt.Errorf("%w: cannot advance from %s", domain.ErrInvalidTransition, op.Status)
	}
}

// Approve records a positive decision on a waiting operation and executes
// it.
func (s *Service) Approve(ctx context.Context, operationID, decidedBy string) (*Operation, error) {
	op, err := s.repo.GetByID(operationID)
	if err != nil {
		return nil, err
	}
	if op.Status != StatusWaitingApproval {
		return nil, fmt.Errorf("%w: approve requires waitingApproval, operation is %s", domain.ErrInvalidTransition, op.Status)
	}

	now := s.now().UTC()
	op.Approval.Approved = true
	op.Approval.DecidedBy = decidedBy
	op.Approval.DecidedAt = &now
	if err := s.transition(op, StatusApproved); err != nil {
		return nil, err
	}

	return s.Advance(ctx, operationID)
}

// Reject records a negative decision. Rejection is terminal.
func (s *Service) Reject(operationID, decidedBy, reason string) (*Operation, error) {
	op, err := s.repo.GetByID(operationID)
	if err != nil {
		return nil, err
	}
	if op.Status != StatusWaitingApproval {
		return nil, fmt.Errorf("%w: reject requires waitingApproval, operation is %s", domain.ErrInvalidTransition, op.Status)
	}

	now := s.now().UTC()
	op.Approval.Approved = false
	op.Approval.DecidedBy = decidedBy
	op.Approval.Reason = reason
	op.Approval.DecidedAt = &now
	op.CompletedAt = &now
	if err := s.transition(op, StatusRejected); err != nil {
		return nil, err
	}
	return op, nil
}

// Cancel aborts an operation that has not started executing.
func (s *Service) Cancel(operationID string) (*Operation, error) {
	op, err := s.repo.GetByID(operationID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(op.Status, StatusCancelled) {
		return nil, fmt.Errorf("%w: cannot cancel from %s", domain.ErrInvalidTransition, op.Status)
	}

	now := s.now().UTC()
	op.CompletedAt = &now
	if err := s.transition(op, StatusCancelled); err != nil {
		return nil, err
	}
	return op, nil
}

// Get returns one operation.
func (s *Service) Get(operationID string) (*Operation, error) {
	return s.repo.GetByID(operationID)
}

// List returns a user's operations, newest first.
func (s *Service) List(userID string, limit int) ([]*Operation, error) {
	return s.repo.ListByUser(userID, limit)
}

// ResumeInterrupted re-advances every operation left in executing status,
// typically after a restart. Completed transactions inside them are skipped
// by the executor.
func (s *Service) ResumeInterrupted(ctx context.Context) error {
	ops, err := s.repo.ListByStatus(StatusExecuting)
	if err != nil {
		return err
	}
	for _, op := range ops {
		s.log.Info().Str("operation_id", op.ID).Msg("Resuming interrupted operation")
		if _, err := s.Advance(ctx, op.ID); err != nil {
			s.log.Error().Err(err).Str("operation_id", op.ID).Msg("Failed to resume operation")
		}
	}
	return nil
}

// simulate runs the dry-run pass. Blocking errors fail the operation.
func (s *Service) simulate(ctx context.Context, op *Operation) error {
	if err := s.transition(op, StatusSimulating); err != nil {
		return err
	}

	op.Simulation = s.simulator.Simulate(ctx, op)

	if op.Simulation.Blocked() {
		now := s.now().UTC()
		op.CompletedAt = &now
		return s.transition(op, StatusFailed)
	}

	// Stay on the pipeline: persist the result, status moves on in Advance.
	op.Status = StatusPending
	return s.repo.Update(op)
}

// execute runs the executor pass and derives the terminal status.
func (s *Service) execute(ctx context.Context, op *Operation) error {
	if op.Status != StatusExecuting {
		if err := s.transition(op, StatusExecuting); err != nil {
			return err
		}
	}

	summary := s.executor.Execute(ctx, op)

	// Success rate counts the whole plan, including transactions completed
	// in earlier passes.
	total := len(op.Transactions)
	completed := 0
	for _, tx := range op.Transactions {
		if tx.Status == domain.TxCompleted {
			completed++
		}
	}

	perf := &Performance{
		TotalGasCostUSD:  summary.GasCostUSD,
		TotalSlippagePct: summary.SlippagePct,
		ExecutionTime:    summary.Duration,
	}
	if op.Performance != nil {
		perf.TotalGasCostUSD += op.Performance.TotalGasCostUSD
		perf.TotalSlippagePct += op.Performance.TotalSlippagePct
		perf.ExecutionTime += op.Performance.ExecutionTime
	}
	if op.CurrentAllocation != nil {
		perf.PortfolioValueBeforeUSD = op.CurrentAllocation.TotalValueUSD
	}
	if total > 0 {
		perf.SuccessRate = float64(completed) / float64(total) * 100
	} else {
		perf.SuccessRate = 100
	}

	if after, err := s.snapshots.ComputeSnapshot(ctx, op.UserID, op.Dimension); err == nil {
		perf.PortfolioValueAfterUSD = after.TotalValueUSD
	} else {
		s.log.Warn().Err(err).Str("operation_id", op.ID).Msg("Post-execution snapshot unavailable")
		perf.PortfolioValueAfterUSD = perf.PortfolioValueBeforeUSD - perf.TotalGasCostUSD
	}
	op.Performance = perf

	now := s.now().UTC()
	op.CompletedAt = &now

	switch {
	case completed == total:
		return s.transition(op, StatusCompleted)
	case completed == 0:
		return s.transition(op, StatusFailed)
	default:
		return s.transition(op, StatusPartial)
	}
}

// transition validates, persists and publishes one state change.
func (s *Service) transition(op *Operation, to Status) error {
	if !CanTransition(op.Status, to) {
		return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, op.Status, to)
	}
	from := op.Status
	op.Status = to

	// Re-entering executing on resume republishes the transition but must
	// not notify again; the operation's notified log carries the dedup.
	repeat := notifyWorthy(to) && op.WasNotified(to)
	if notifyWorthy(to) {
		op.MarkNotified(to)
	}

	if err := s.repo.Update(op); err != nil {
		op.Status = from
		return err
	}

	s.publish(op, string(from), repeat)
	return nil
}

// notifyWorthy statuses generate a user notification exactly once.
func notifyWorthy(status Status) bool {
	switch status {
	case StatusWaitingApproval, StatusExecuting, StatusCompleted, StatusPartial, StatusFailed, StatusRejected:
		return true
	}
	return false
}

func (s *Service) publish(op *Operation, from string, repeat bool) {
	if s.bus == nil {
		return
	}
	data := &events.OperationTransitionData{
		OperationID: op.ID,
		UserID:      op.UserID,
		StrategyID:  op.StrategyID,
		Status:      string(op.Status),
		Repeat:      repeat,
	}
	if op.Performance != nil {
		data.SuccessRate = op.Performance.SuccessRate
	}
	if op.Status == StatusRejected && op.Approval != nil {
		data.Reason = op.Approval.Reason
	}
	if from != "" {
		s.log.Debug().
			Str("operation_id", op.ID).
			Str("from", from).
			Str("to", string(op.Status)).
			Msg("Operation transition")
	}
	s.bus.PublishData("rebalancing", data)
}
