package rebalancing

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/parosfi/rebalancer/internal/domain"
	"github.com/parosfi/rebalancer/internal/events"
	"github.com/parosfi/rebalancer/internal/modules/allocation"
)

const operationsTestSchema = `
CREATE TABLE operations (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    strategy_id         TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    initiated_by        TEXT NOT NULL,
    dimension           TEXT NOT NULL,
    current_allocation  TEXT NOT NULL,
    target_allocation   TEXT NOT NULL,
    transactions        TEXT NOT NULL DEFAULT '[]',
    simulation          TEXT,
    approval            TEXT,
    performance         TEXT,
    notified            TEXT NOT NULL DEFAULT '[]',
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    completed_at        INTEGER
);
`

type stubSnapshots struct {
	snapshot *domain.AllocationSnapshot
}

func (s *stubSnapshots) ComputeSnapshot(ctx context.Context, userID string, dimension domain.Dimension) (*domain.AllocationSnapshot, error) {
	return s.snapshot, nil
}

func unbalancedSnapshot() *domain.AllocationSnapshot {
	return &domain.AllocationSnapshot{
		Dimension:     domain.DimensionAsset,
		TotalValueUSD: 10000,
		Entries: []domain.AllocationEntry{
			{Dimension: domain.DimensionAsset, ID: "ETH", Name: "ETH", AmountUSD: 8000, Percentage: 80},
			{Dimension: domain.DimensionAsset, ID: "USDC", Name: "USDC", AmountUSD: 2000, Percentage: 20},
		},
	}
}

func fiftyFiftyTargets() []domain.TargetEntry {
	return []domain.TargetEntry{
		{Dimension: domain.DimensionAsset, ID: "ETH", Name: "ETH", TargetPercentage: 50},
		{Dimension: domain.DimensionAsset, ID: "USDC", Name: "USDC", TargetPercentage: 50},
	}
}

type serviceFixture struct {
	svc     *Service
	repo    *Repository
	adapter *stubAdapter
	bus     *events.Bus
	types   []events.EventType
}

func newFixture(t *testing.T) *serviceFixture {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(operationsTestSchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &serviceFixture{
		repo:    NewRepository(db),
		adapter: &stubAdapter{},
		bus:     events.NewBus(),
	}
	for _, et := range events.AllTypes() {
		f.bus.Subscribe(et, func(e *events.Event) {
			f.types = append(f.types, e.Type)
		})
	}

	resolver := &stubResolver{adapter: f.adapter}
	f.svc = NewService(
		f.repo,
		&stubSnapshots{snapshot: unbalancedSnapshot()},
		allocation.NewPlanner(),
		NewSimulator(resolver, zerolog.Nop()),
		NewExecutor(resolver, &memoryLedger{}, fastExecConfig(), zerolog.Nop()),
		f.bus,
		zerolog.Nop(),
	)
	return f
}

func (f *serviceFixture) create(t *testing.T, simulate, approval bool) *Operation {
	op, err := f.svc.Create(context.Background(), CreateRequest{
		UserID:           "u1",
		Dimension:        domain.DimensionAsset,
		TargetAllocation: fiftyFiftyTargets(),
		InitiatedBy:      InitiatedByUser,
		SimulateFirst:    simulate,
		ApprovalRequired: approval,
	})
	require.NoError(t, err)
	return op
}

func TestCreatePlansTransactions(t *testing.T) {
	f := newFixture(t)

	op := f.create(t, true, true)

	assert.Equal(t, StatusPending, op.Status)
	require.Len(t, op.Transactions, 1)
	assert.Equal(t, "ETH", op.Transactions[0].FromAsset)
	assert.InDelta(t, 3000.0, op.Transactions[0].FromAmount, 0.001)
	assert.Contains(t, f.types, events.OperationCreated)
}

func TestCreateEmptyPlanCompletesImmediately(t *testing.T) {
	f := newFixture(t)

	op, err := f.svc.Create(context.Background(), CreateRequest{
		UserID:    "u1",
		Dimension: domain.DimensionAsset,
		TargetAllocation: []domain.TargetEntry{
			{Dimension: domain.DimensionAsset, ID: "ETH", TargetPercentage: 80},
			{Dimension: domain.DimensionAsset, ID: "USDC", TargetPercentage: 20},
		},
		InitiatedBy: InitiatedByUser,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, op.Status)
	assert.NotNil(t, op.CompletedAt)
	assert.Equal(t, 100.0, op.Performance.SuccessRate)
}

func TestCreateRejectsSecondActiveOperation(t *testing.T) {
	f := newFixture(t)

	f.create(t, true, true)
	_, err := f.svc.Create(context.Background(), CreateRequest{
		UserID:           "u1",
		Dimension:        domain.DimensionAsset,
		TargetAllocation: fiftyFiftyTargets(),
		InitiatedBy:      InitiatedByUser,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExecuting)
}

func TestAdvanceStopsAtApproval(t *testing.T) {
	f := newFixture(t)
	op := f.create(t, true, true)

	op, err := f.svc.Advance(context.Background(), op.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusWaitingApproval, op.Status)
	require.NotNil(t, op.Simulation)
	assert.Equal(t, SimulationOK, op.Simulation.Result)
	assert.False(t, op.Simulation.Blocked())
	assert.Contains(t, f.types, events.OperationAwaitingApproval)
	assert.True(t, op.WasNotified(StatusWaitingApproval))

	// Advancing again while waiting changes nothing.
	op, err = f.svc.Advance(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingApproval, op.Status)
}

func TestAdvanceExecutesWithoutApproval(t *testing.T) {
	f := newFixture(t)
	op := f.create(t, true, false)

	op, err := f.svc.Advance(context.Background(), op.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, op.Status)
	assert.NotNil(t, op.CompletedAt)
	assert.Equal(t, 100.0, op.Performance.SuccessRate)
	assert.Contains(t, f.types, events.OperationExecuting)
	assert.Contains(t, f.types, events.OperationCompleted)
	assert.True(t, op.WasNotified(StatusExecuting))
	assert.True(t, op.WasNotified(StatusCompleted))
}

func TestAdvanceSkipsSimulationWhenDisabled(t *testing.T) {
	f := newFixture(t)
	op := f.create(t, false, false)

	op, err := f.svc.Advance(context.Background(), op.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, op.Status)
	require.NotNil(t, op.Simulation)
	assert.Equal(t, SimulationSkipped, op.Simulation.Result)
	assert.NotContains(t, f.types, events.OperationSimulated)
}

func TestApproveThenExecute(t *testing.T) {
	f := newFixture(t)
	op := f.create(t, true, true)
	_, err := f.svc.Advance(context.Background(), op.ID)
	require.NoError(t, err)

	op, err = f.svc.Approve(context.Background(), op.ID, "u1")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, op.Status)
	require.NotNil(t, op.Approval)
	assert.True(t, op.Approval.Approved)
	assert.Equal(t, "u1", op.Approval.DecidedBy)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	op := f.create(t, true, true)
	_, err := f.svc.Advance(context.Background(), op.ID)
	require.NoError(t, err)

	op, err = f.svc.Reject(op.ID, "u1", "gas too high")
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, op.Status)
	assert.Equal(t, "gas too high", op.Approval.Reason)
	assert.NotNil(t, op.CompletedAt)
	assert.Contains(t, f.types, events.OperationRejected)

	_, err = f.svc.Approve(context.Background(), op.ID, "u1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelPendingOperation(t *testing.T) {
	f := newFixture(t)
	op := f.create(t, true, true)

	op, err := f.svc.Cancel(op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, op.Status)

	_, err = f.svc.Cancel(op.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestPartialExecution(t *testing.T) {
	f := newFixture(t)

	// Three-transaction plan: unbalanced across three assets.
	f.svc.snapshots = &stubSnapshots{snapshot: &domain.AllocationSnapshot{
		Dimension:     domain.DimensionAsset,
		TotalValueUSD: 9000,
		Entries: []domain.AllocationEntry{
			{Dimension: domain.DimensionAsset, ID: "ETH", Name: "ETH", AmountUSD: 4000, Percentage: 44.44},
			{Dimension: domain.DimensionAsset, ID: "BTC", Name: "BTC", AmountUSD: 3000, Percentage: 33.33},
			{Dimension: domain.DimensionAsset, ID: "SOL", Name: "SOL", AmountUSD: 2000, Percentage: 22.23},
		},
	}}

	op, err := f.svc.Create(context.Background(), CreateRequest{
		UserID:    "u1",
		Dimension: domain.DimensionAsset,
		TargetAllocation: []domain.TargetEntry{
			{Dimension: domain.DimensionAsset, ID: "USDC", Name: "USDC", TargetPercentage: 100},
		},
		InitiatedBy:   InitiatedByUser,
		SimulateFirst: false,
	})
	require.NoError(t, err)
	require.Len(t, op.Transactions, 3)

	// Second transaction fails on all attempts.
	f.adapter.swapResults = []*domain.ExecutionResult{
		{Success: true, TxRef: "0x1", GasCostUSD: 3},
		{Success: false, Error: "insufficient liquidity"},
		{Success: false, Error: "insufficient liquidity"},
		{Success: false, Error: "insufficient liquidity"},
		{Success: true, TxRef: "0x3", GasCostUSD: 3},
	}

	op, err = f.svc.Advance(context.Background(), op.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, op.Status)
	assert.InDelta(t, 66.67, op.Performance.SuccessRate, 0.1)
	assert.Contains(t, f.types, events.OperationPartial)
}

func TestResumeSkipsCompletedTransactions(t *testing.T) {
	f := newFixture(t)
	op := f.create(t, false, false)

	// Fake an interrupted execution: first transaction already settled.
	op.Status = StatusExecuting
	op.Transactions[0].Status = domain.TxCompleted
	op.Transactions[0].TxRef = "0xearlier"
	require.NoError(t, f.repo.Update(op))

	require.NoError(t, f.svc.ResumeInterrupted(context.Background()))

	got, err := f.repo.GetByID(op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "0xearlier", got.Transactions[0].TxRef)
	assert.Zero(t, f.adapter.swapCalls)
}

func TestResumeFlagsRepeatedStartTransition(t *testing.T) {
	f := newFixture(t)
	op := f.create(t, false, false)

	// The interrupted run already told the user execution started.
	op.Status = StatusExecuting
	op.MarkNotified(StatusExecuting)
	require.NoError(t, f.repo.Update(op))

	var repeats []bool
	f.bus.Subscribe(events.OperationExecuting, func(e *events.Event) {
		repeat, _ := e.Data["repeat"].(bool)
		repeats = append(repeats, repeat)
	})

	require.NoError(t, f.svc.ResumeInterrupted(context.Background()))

	require.Len(t, repeats, 1)
	assert.True(t, repeats[0])
}

func TestOperationPersistenceRoundTrip(t *testing.T) {
	f := newFixture(t)
	op := f.create(t, true, true)

	got, err := f.repo.GetByID(op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, InitiatedByUser, got.InitiatedBy)
	require.NotNil(t, got.CurrentAllocation)
	assert.InDelta(t, 10000.0, got.CurrentAllocation.TotalValueUSD, 0.001)
	require.Len(t, got.TargetAllocation, 2)
	require.NotNil(t, got.Approval)
	assert.True(t, got.Approval.Required)
}
