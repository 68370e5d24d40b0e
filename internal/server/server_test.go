package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/parosfi/rebalancer/internal/config"
	"github.com/parosfi/rebalancer/internal/domain"
	"github.com/parosfi/rebalancer/internal/events"
	"github.com/parosfi/rebalancer/internal/modules/allocation"
	"github.com/parosfi/rebalancer/internal/modules/ledger"
	"github.com/parosfi/rebalancer/internal/modules/rebalancing"
	"github.com/parosfi/rebalancer/internal/modules/risk"
	"github.com/parosfi/rebalancer/internal/modules/sizing"
	"github.com/parosfi/rebalancer/internal/modules/strategy"
	"github.com/parosfi/rebalancer/internal/services"
)

const apiTestSchema = `
CREATE TABLE strategies (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    name                TEXT NOT NULL DEFAULT '',
    dimension           TEXT NOT NULL,
    target_allocation   TEXT NOT NULL,
    trigger_type        TEXT NOT NULL,
    tolerance_pct       REAL NOT NULL DEFAULT 0,
    interval_seconds    INTEGER NOT NULL DEFAULT 0,
    manual_approval     INTEGER NOT NULL DEFAULT 0,
    simulate_first      INTEGER NOT NULL DEFAULT 1,
    notify_prefs        TEXT NOT NULL DEFAULT '{}',
    active              INTEGER NOT NULL DEFAULT 1,
    last_rebalanced_at  INTEGER,
    next_scheduled_at   INTEGER,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);
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
CREATE TABLE transaction_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id    TEXT NOT NULL,
    transaction_id  TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    tx_type         TEXT NOT NULL,
    from_asset      TEXT NOT NULL DEFAULT '',
    to_asset        TEXT NOT NULL DEFAULT '',
    amount_usd      REAL NOT NULL,
    gas_cost_usd    REAL NOT NULL DEFAULT 0,
    slippage_pct    REAL NOT NULL DEFAULT 0,
    tx_ref          TEXT NOT NULL DEFAULT '',
    recorded_at     INTEGER NOT NULL
);
`

type apiSnapshots struct {
	snapshot *domain.AllocationSnapshot
}

func (s *apiSnapshots) ComputeSnapshot(ctx context.Context, userID string, dimension domain.Dimension) (*domain.AllocationSnapshot, error) {
	return s.snapshot, nil
}

type apiAdapter struct{}

func (apiAdapter) EstimateGas(ctx context.Context, tx *domain.Transaction) (*domain.GasEstimate, error) {
	return &domain.GasEstimate{GasUnits: 1, CostUSD: 2}, nil
}
func (apiAdapter) ExecuteSwap(ctx context.Context, req domain.SwapRequest) (*domain.ExecutionResult, error) {
	return &domain.ExecutionResult{Success: true, TxRef: "0xabc", GasCostUSD: 2}, nil
}
func (apiAdapter) ExecuteDeposit(ctx context.Context, req domain.DepositRequest) (*domain.ExecutionResult, error) {
	return &domain.ExecutionResult{Success: true, TxRef: "0xdef"}, nil
}
func (apiAdapter) ExecuteWithdrawal(ctx context.Context, req domain.WithdrawalRequest) (*domain.ExecutionResult, error) {
	return &domain.ExecutionResult{Success: true, TxRef: "0xghi"}, nil
}
func (apiAdapter) GetBalance(ctx context.Context, userID, asset string) (float64, error) {
	return 0, nil
}
func (apiAdapter) GetClaimableRewards(ctx context.Context, userID string) (float64, error) {
	return 0, nil
}

type apiResolver struct{}

func (apiResolver) Resolve(protocol, chain string) (domain.ExecutionAdapter, error) {
	return apiAdapter{}, nil
}

func apiSnapshot() *domain.AllocationSnapshot {
	return &domain.AllocationSnapshot{
		Dimension:     domain.DimensionAsset,
		TotalValueUSD: 10000,
		ComputedAt:    time.Now(),
		Entries: []domain.AllocationEntry{
			{Dimension: domain.DimensionAsset, ID: "ETH", Name: "ETH", AmountUSD: 8000, Percentage: 80},
			{Dimension: domain.DimensionAsset, ID: "USDC", Name: "USDC", AmountUSD: 2000, Percentage: 20},
		},
	}
}

type apiFixture struct {
	server     *Server
	strategies *strategy.Repository
	ledger     *ledger.Recorder
}

func newAPIFixture(t *testing.T) *apiFixture {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(apiTestSchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus()
	strategies := strategy.NewRepository(db)
	operations := rebalancing.NewRepository(db)
	recorder := ledger.NewRecorder(db)

	execCfg := config.ExecutionConfig{
		TxTimeout:       time.Second,
		MaxAttempts:     1,
		RetryMinBackoff: time.Millisecond,
		RetryMaxBackoff: time.Millisecond,
	}
	rebalancer := rebalancing.NewService(
		operations,
		&apiSnapshots{snapshot: apiSnapshot()},
		allocation.NewPlanner(),
		rebalancing.NewSimulator(apiResolver{}, zerolog.Nop()),
		rebalancing.NewExecutor(apiResolver{}, recorder, execCfg, zerolog.Nop()),
		bus,
		zerolog.Nop(),
	)

	market := services.NewMarketDataService(services.NewStaticFeed(), zerolog.Nop())
	scorer := risk.NewScorer(config.DefaultRiskConfig(), nil, nil, bus, zerolog.Nop())

	srv := New(Config{
		Log: zerolog.Nop(),
		Cfg: &config.Config{Port: 0, Execution: execCfg, Risk: config.DefaultRiskConfig()},

		Bus:        bus,
		Strategies: strategies,
		Rebalancer: rebalancer,
		Snapshots:  &apiSnapshots{snapshot: apiSnapshot()},
		Scorer:     scorer,
		Sizer:      sizing.NewService(zerolog.Nop()),
		Ledger:     recorder,
		Market:     market,
	})
	return &apiFixture{server: srv, strategies: strategies, ledger: recorder}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, true, body["healthy"])
}

func TestStrategyCRUD(t *testing.T) {
	f := newAPIFixture(t)

	create := map[string]interface{}{
		"user_id":   "u1",
		"name":      "fifty-fifty",
		"dimension": "asset",
		"target_allocation": []map[string]interface{}{
			{"dimension": "asset", "id": "ETH", "name": "ETH", "target_percentage": 50},
			{"dimension": "asset", "id": "USDC", "name": "USDC", "target_percentage": 50},
		},
		"trigger_type": "manual",
	}
	rec := f.do(t, http.MethodPost, "/api/strategies", create)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created strategy.Strategy
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.ID)

	rec = f.do(t, http.MethodGet, "/api/strategies/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/strategies?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []strategy.Strategy
	decodeBody(t, rec, &listed)
	assert.Len(t, listed, 1)

	create["name"] = "renamed"
	rec = f.do(t, http.MethodPut, "/api/strategies/"+created.ID, create)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated strategy.Strategy
	decodeBody(t, rec, &updated)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, created.ID, updated.ID)

	rec = f.do(t, http.MethodDelete, "/api/strategies/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/strategies/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateStrategyRejectsInvalidTargets(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/strategies", map[string]interface{}{
		"user_id":           "u1",
		"dimension":         "asset",
		"target_allocation": []map[string]interface{}{},
		"trigger_type":      "manual",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperationLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/operations", map[string]interface{}{
		"user_id":   "u1",
		"dimension": "asset",
		"target_allocation": []map[string]interface{}{
			{"dimension": "asset", "id": "ETH", "name": "ETH", "target_percentage": 50},
			{"dimension": "asset", "id": "USDC", "name": "USDC", "target_percentage": 50},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var op rebalancing.Operation
	decodeBody(t, rec, &op)
	require.NotEmpty(t, op.ID)
	assert.Equal(t, rebalancing.StatusPending, op.Status)
	require.Len(t, op.Transactions, 1)

	rec = f.do(t, http.MethodPost, "/api/operations/"+op.ID+"/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &op)
	assert.Equal(t, rebalancing.StatusWaitingApproval, op.Status)

	rec = f.do(t, http.MethodPost, "/api/operations/"+op.ID+"/approve", map[string]string{"decided_by": "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &op)
	assert.Equal(t, rebalancing.StatusCompleted, op.Status)

	rec = f.do(t, http.MethodGet, "/api/operations?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ops []rebalancing.Operation
	decodeBody(t, rec, &ops)
	assert.Len(t, ops, 1)
}

func TestCreateOperationFromStrategy(t *testing.T) {
	f := newAPIFixture(t)

	s := &strategy.Strategy{
		UserID:    "u1",
		Dimension: domain.DimensionAsset,
		TargetAllocation: []domain.TargetEntry{
			{Dimension: domain.DimensionAsset, ID: "ETH", Name: "ETH", TargetPercentage: 50},
			{Dimension: domain.DimensionAsset, ID: "USDC", Name: "USDC", TargetPercentage: 50},
		},
		TriggerType:             strategy.TriggerManual,
		ManualApprovalRequired:  true,
		SimulateBeforeExecution: true,
		Active:                  true,
	}
	require.NoError(t, f.strategies.Create(s))

	rec := f.do(t, http.MethodPost, "/api/operations", map[string]string{
		"user_id":     "u1",
		"strategy_id": s.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var op rebalancing.Operation
	decodeBody(t, rec, &op)
	assert.Equal(t, s.ID, op.StrategyID)
	assert.Len(t, op.TargetAllocation, 2)
}

func TestCreateOperationFromForeignStrategyForbidden(t *testing.T) {
	f := newAPIFixture(t)

	s := &strategy.Strategy{
		UserID:    "owner",
		Dimension: domain.DimensionAsset,
		TargetAllocation: []domain.TargetEntry{
			{Dimension: domain.DimensionAsset, ID: "ETH", Name: "ETH", TargetPercentage: 100},
		},
		TriggerType: strategy.TriggerManual,
		Active:      true,
	}
	require.NoError(t, f.strategies.Create(s))

	rec := f.do(t, http.MethodPost, "/api/operations", map[string]string{
		"user_id":     "intruder",
		"strategy_id": s.ID,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRejectOperationRecordsReason(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/operations", map[string]interface{}{
		"user_id":   "u1",
		"dimension": "asset",
		"target_allocation": []map[string]interface{}{
			{"dimension": "asset", "id": "ETH", "name": "ETH", "target_percentage": 50},
			{"dimension": "asset", "id": "USDC", "name": "USDC", "target_percentage": 50},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var op rebalancing.Operation
	decodeBody(t, rec, &op)

	rec = f.do(t, http.MethodPost, "/api/operations/"+op.ID+"/advance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/operations/"+op.ID+"/reject", map[string]string{
		"decided_by": "u1",
		"reason":     "gas too high",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &op)
	assert.Equal(t, rebalancing.StatusRejected, op.Status)
	require.NotNil(t, op.Approval)
	assert.Equal(t, "gas too high", op.Approval.Reason)
}

func TestSecondActiveOperationConflicts(t *testing.T) {
	f := newAPIFixture(t)

	body := map[string]interface{}{
		"user_id":   "u1",
		"dimension": "asset",
		"target_allocation": []map[string]interface{}{
			{"dimension": "asset", "id": "ETH", "name": "ETH", "target_percentage": 50},
			{"dimension": "asset", "id": "USDC", "name": "USDC", "target_percentage": 50},
		},
	}
	rec := f.do(t, http.MethodPost, "/api/operations", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/operations", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetUnknownOperationReturns404(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/operations/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScoreProtocolEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/risk/protocols/aave-v3", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var score domain.RiskScore
	decodeBody(t, rec, &score)
	assert.Equal(t, "aave-v3", score.SubjectID)
	assert.Greater(t, score.OverallScore, 0.0)
}

func TestPreviewSizingEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sizing/preview", map[string]interface{}{
		"preference":       "medium",
		"total_amount_usd": 10000,
		"opportunities": []map[string]interface{}{
			{"id": "opp-1", "protocol_id": "aave-v3", "asset": "USDC", "chain": "ethereum", "apy": 4.2, "liquidity_usd": 50000000},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var plan sizing.AllocationPlan
	decodeBody(t, rec, &plan)
	assert.Equal(t, domain.TierMedium, plan.Preference)
	assert.Equal(t, sizing.PlanOK, plan.Status)
	assert.Equal(t, 10000.0, plan.TotalAmountUSD)
	require.Len(t, plan.Positions, 1)
}

func TestPreviewSizingRequiresPositiveAmount(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sizing/preview", map[string]interface{}{
		"preference":       "low",
		"total_amount_usd": 0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAllocationEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/allocation?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot domain.AllocationSnapshot
	decodeBody(t, rec, &snapshot)
	assert.Equal(t, 10000.0, snapshot.TotalValueUSD)
	assert.Len(t, snapshot.Entries, 2)
}

func TestListLedgerEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.ledger.RecordTransaction(domain.LedgerEntry{
			OperationID:   "op-1",
			TransactionID: fmt.Sprintf("tx-%d", i),
			UserID:        "u1",
			TxType:        domain.TxSwap,
			FromAsset:     "ETH",
			ToAsset:       "USDC",
			AmountUSD:     1000,
			GasCostUSD:    2,
			RecordedAt:    time.Now(),
		}))
	}

	rec := f.do(t, http.MethodGet, "/api/ledger?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []domain.LedgerEntry
	decodeBody(t, rec, &entries)
	assert.Len(t, entries, 3)

	rec = f.do(t, http.MethodGet, "/api/ledger?user_id=u1&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &entries)
	assert.Len(t, entries, 2)
}

func TestListEndpointsRequireUserID(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/api/strategies", "/api/operations", "/api/allocation", "/api/ledger"} {
		rec := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}
