package adapters

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/domain"
)

// PaperAdapter simulates execution without touching any chain. Every call
// succeeds deterministically, with gas and slippage derived from the
// request, so dev-mode runs are reproducible. Balances are tracked
// in-memory per user and asset.
type PaperAdapter struct {
	mu       sync.Mutex
	balances map[string]float64
	log      zerolog.Logger
}

// NewPaperAdapter creates a paper-trading adapter.
func NewPaperAdapter(log zerolog.Logger) *PaperAdapter {
	return &PaperAdapter{
		balances: make(map[string]float64),
		log:      log.With().Str("adapter", "paper").Logger(),
	}
}

// EstimateGas derives a stable pseudo-estimate from the transaction.
func (a *PaperAdapter) EstimateGas(ctx context.Context, tx *domain.Transaction) (*domain.GasEstimate, error) {
	units := 90000 + float64(stableHash(tx.FromAsset+tx.ToAsset)%60000)
	cost := 1.5 + float64(stableHash(tx.ID)%400)/100
	if tx.CrossChain() {
		cost *= 3
	}
	return &domain.GasEstimate{GasUnits: units, CostUSD: cost}, nil
}

// ExecuteSwap settles a swap instantly.
func (a *PaperAdapter) ExecuteSwap(ctx context.Context, req domain.SwapRequest) (*domain.ExecutionResult, error) {
	a.adjust(req.UserID, req.FromAsset, -req.AmountUSD)
	a.adjust(req.UserID, req.ToAsset, req.AmountUSD)

	a.log.Debug().
		Str("user_id", req.UserID).
		Str("from", req.FromAsset).
		Str("to", req.ToAsset).
		Float64("amount_usd", req.AmountUSD).
		Msg("Paper swap")

	return &domain.ExecutionResult{
		Success:     true,
		TxRef:       paperRef("swap", req.UserID, req.FromAsset, req.ToAsset),
		GasCostUSD:  2 + float64(stableHash(req.FromAsset)%200)/100,
		SlippagePct: float64(stableHash(req.ToAsset)%30) / 100,
	}, nil
}

// ExecuteDeposit settles a deposit instantly.
func (a *PaperAdapter) ExecuteDeposit(ctx context.Context, req domain.DepositRequest) (*domain.ExecutionResult, error) {
	a.adjust(req.UserID, req.Asset+"@"+req.Protocol, req.AmountUSD)
	return &domain.ExecutionResult{
		Success:    true,
		TxRef:      paperRef("deposit", req.UserID, req.Asset, req.Protocol),
		GasCostUSD: 1 + float64(stableHash(req.Protocol)%150)/100,
	}, nil
}

// ExecuteWithdrawal settles a withdrawal instantly.
func (a *PaperAdapter) ExecuteWithdrawal(ctx context.Context, req domain.WithdrawalRequest) (*domain.ExecutionResult, error) {
	a.adjust(req.UserID, req.Asset+"@"+req.Protocol, -req.AmountUSD)
	return &domain.ExecutionResult{
		Success:    true,
		TxRef:      paperRef("withdrawal", req.UserID, req.Asset, req.Protocol),
		GasCostUSD: 1 + float64(stableHash(req.Protocol)%150)/100,
	}, nil
}

// GetBalance returns the tracked paper balance, in USD terms.
func (a *PaperAdapter) GetBalance(ctx context.Context, userID, asset string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[userID+"/"+asset], nil
}

// GetClaimableRewards always returns zero: paper positions accrue nothing.
func (a *PaperAdapter) GetClaimableRewards(ctx context.Context, userID string) (float64, error) {
	return 0, nil
}

func (a *PaperAdapter) adjust(userID, asset string, delta float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[userID+"/"+asset] += delta
}

func paperRef(kind, userID, a, b string) string {
	return fmt.Sprintf("paper-%s-%08x", kind, stableHash(userID+a+b))
}

func stableHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
