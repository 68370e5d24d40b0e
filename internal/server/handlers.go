package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/database"
	"github.com/parosfi/rebalancer/internal/domain"
	"github.com/parosfi/rebalancer/internal/modules/ledger"
	"github.com/parosfi/rebalancer/internal/modules/rebalancing"
	"github.com/parosfi/rebalancer/internal/modules/risk"
	"github.com/parosfi/rebalancer/internal/modules/sizing"
	"github.com/parosfi/rebalancer/internal/modules/strategy"
	"github.com/parosfi/rebalancer/internal/services"
)

// Handlers bundles the API handlers and their dependencies.
type Handlers struct {
	strategies *strategy.Repository
	rebalancer *rebalancing.Service
	snapshots  rebalancing.SnapshotProvider
	scorer     *risk.Scorer
	sizer      *sizing.Service
	ledger     *ledger.Recorder
	market     *services.MarketDataService
	coreDB     *database.DB
	ledgerDB   *database.DB
	cacheDB    *database.DB
	log        zerolog.Logger
}

// NewHandlers creates the handler set from the server config.
func NewHandlers(cfg Config) *Handlers {
	return &Handlers{
		strategies: cfg.Strategies,
		rebalancer: cfg.Rebalancer,
		snapshots:  cfg.Snapshots,
		scorer:     cfg.Scorer,
		sizer:      cfg.Sizer,
		ledger:     cfg.Ledger,
		market:     cfg.Market,
		coreDB:     cfg.CoreDB,
		ledgerDB:   cfg.LedgerDB,
		cacheDB:    cfg.CacheDB,
		log:        cfg.Log.With().Str("component", "handlers").Logger(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAlreadyExecuting):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Health reports the state of the three databases.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true
	for name, db := range map[string]*database.DB{
		"core": h.coreDB, "ledger": h.ledgerDB, "cache": h.cacheDB,
	} {
		if db == nil {
			continue
		}
		if err := db.QuickCheck(r.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy":   healthy,
		"databases": checks,
		"time":      time.Now().UTC(),
	})
}

// ListStrategies handles GET /api/strategies?user_id=...
func (h *Handlers) ListStrategies(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	strategies, err := h.strategies.ListByUser(userID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, strategies)
}

// CreateStrategy handles POST /api/strategies.
func (h *Handlers) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	var s strategy.Strategy
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	if err := h.strategies.Create(&s); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// GetStrategy handles GET /api/strategies/{id}.
func (h *Handlers) GetStrategy(w http.ResponseWriter, r *http.Request) {
	s, err := h.strategies.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// UpdateStrategy handles PUT /api/strategies/{id}.
func (h *Handlers) UpdateStrategy(w http.ResponseWriter, r *http.Request) {
	existing, err := h.strategies.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	var s strategy.Strategy
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.ID = existing.ID
	s.UserID = existing.UserID

	if err := h.strategies.Update(&s); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// DeleteStrategy handles DELETE /api/strategies/{id}.
func (h *Handlers) DeleteStrategy(w http.ResponseWriter, r *http.Request) {
	if err := h.strategies.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createOperationRequest is the POST /api/operations body. Either a
// strategy_id or an inline target allocation must be supplied.
type createOperationRequest struct {
	UserID           string               `json:"user_id"`
	StrategyID       string               `json:"strategy_id,omitempty"`
	Dimension        domain.Dimension     `json:"dimension,omitempty"`
	TargetAllocation []domain.TargetEntry `json:"target_allocation,omitempty"`
	SimulateFirst    *bool                `json:"simulate_first,omitempty"`
	ApprovalRequired *bool                `json:"approval_required,omitempty"`
}

// CreateOperation handles POST /api/operations.
func (h *Handlers) CreateOperation(w http.ResponseWriter, r *http.Request) {
	var req createOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}

	create := rebalancing.CreateRequest{
		UserID:           req.UserID,
		StrategyID:       req.StrategyID,
		Dimension:        req.Dimension,
		TargetAllocation: req.TargetAllocation,
		InitiatedBy:      rebalancing.InitiatedByUser,
		SimulateFirst:    true,
		ApprovalRequired: true,
	}

	if req.StrategyID != "" {
		s, err := h.strategies.GetByID(req.StrategyID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if s.UserID != req.UserID {
			writeError(w, http.StatusForbidden, domain.ErrUnauthorized)
			return
		}
		create.Dimension = s.Dimension
		create.TargetAllocation = s.TargetAllocation
		create.SimulateFirst = s.SimulateBeforeExecution
		create.ApprovalRequired = s.ManualApprovalRequired
	}
	if req.SimulateFirst != nil {
		create.SimulateFirst = *req.SimulateFirst
	}
	if req.ApprovalRequired != nil {
		create.ApprovalRequired = *req.ApprovalRequired
	}
	if len(create.TargetAllocation) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("target allocation is required"))
		return
	}
	if create.Dimension == "" {
		create.Dimension = domain.DimensionAsset
	}

	op, err := h.rebalancer.Create(r.Context(), create)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

// ListOperations handles GET /api/operations?user_id=...&limit=...
func (h *Handlers) ListOperations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := h.rebalancer.List(userID, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

// GetOperation handles GET /api/operations/{id}.
func (h *Handlers) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.rebalancer.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// AdvanceOperation handles POST /api/operations/{id}/advance: runs the
// operation forward through simulation and, where allowed, execution.
func (h *Handlers) AdvanceOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.rebalancer.Advance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason,omitempty"`
}

// ApproveOperation handles POST /api/operations/{id}/approve.
func (h *Handlers) ApproveOperation(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	op, err := h.rebalancer.Approve(r.Context(), chi.URLParam(r, "id"), req.DecidedBy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// RejectOperation handles POST /api/operations/{id}/reject.
func (h *Handlers) RejectOperation(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	op, err := h.rebalancer.Reject(chi.URLParam(r, "id"), req.DecidedBy, req.Reason)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// CancelOperation handles POST /api/operations/{id}/cancel.
func (h *Handlers) CancelOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.rebalancer.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// ScoreProtocol handles GET /api/risk/protocols/{id}.
func (h *Handlers) ScoreProtocol(w http.ResponseWriter, r *http.Request) {
	protocol, err := h.market.GetProtocol(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.scorer.ScoreProtocol(r.Context(), protocol))
}

// previewSizingRequest is the POST /api/sizing/preview body.
type previewSizingRequest struct {
	Preference     domain.RiskTier      `json:"preference"`
	TotalAmountUSD float64              `json:"total_amount_usd"`
	Opportunities  []domain.Opportunity `json:"opportunities"`
}

// PreviewSizing scores the submitted opportunities and returns the sized
// allocation for the requested risk preference.
func (h *Handlers) PreviewSizing(w http.ResponseWriter, r *http.Request) {
	var req previewSizingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TotalAmountUSD <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("total_amount_usd must be positive"))
		return
	}

	scored := make([]domain.ScoredOpportunity, 0, len(req.Opportunities))
	for i := range req.Opportunities {
		opp := req.Opportunities[i]
		scored = append(scored, domain.ScoredOpportunity{
			Opportunity: opp,
			Score:       h.scorer.ScoreOpportunity(r.Context(), &opp),
		})
	}

	plan := h.sizer.GenerateAllocation(req.Preference, scored, req.TotalAmountUSD)
	writeJSON(w, http.StatusOK, plan)
}

// GetAllocation handles GET /api/allocation?user_id=...&dimension=...
func (h *Handlers) GetAllocation(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	dimension := domain.Dimension(r.URL.Query().Get("dimension"))
	if dimension == "" {
		dimension = domain.DimensionAsset
	}

	snapshot, err := h.snapshots.ComputeSnapshot(r.Context(), userID, dimension)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// ListLedger handles GET /api/ledger?user_id=...&from=...&to=...&limit=...
// Timestamps are RFC 3339; the window defaults to the last 30 days.
func (h *Handlers) ListLedger(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		to = t
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.ledger.ListByUser(userID, from, to, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
