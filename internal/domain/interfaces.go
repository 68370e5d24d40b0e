package domain

import "context"

// HoldingsRepository provides the raw positions the allocation snapshot is
// computed from. Backed by the core database; swappable in tests.
type HoldingsRepository interface {
	// GetHoldings returns all holdings for a user. An empty portfolio is an
	// empty slice, not an error.
	GetHoldings(userID string) ([]Holding, error)
}

// GasEstimate is the projected cost of one transaction.
type GasEstimate struct {
	GasUnits float64 `json:"gas_units"`
	CostUSD  float64 `json:"cost_usd"`
}

// ExecutionResult is the outcome of a single adapter call.
type ExecutionResult struct {
	Success     bool    `json:"success"`
	TxRef       string  `json:"tx_ref,omitempty"`
	GasCostUSD  float64 `json:"gas_cost_usd"`
	SlippagePct float64 `json:"slippage_pct"`
	Error       string  `json:"error,omitempty"`
}

// SwapRequest asks an adapter to exchange one asset for another.
type SwapRequest struct {
	UserID    string
	FromAsset string
	ToAsset   string
	AmountUSD float64
	Protocol  string
	Chain     string
}

// DepositRequest asks an adapter to move an asset into a protocol position.
type DepositRequest struct {
	UserID    string
	Asset     string
	AmountUSD float64
	Protocol  string
	Chain     string
}

// WithdrawalRequest asks an adapter to move an asset out of a protocol position.
type WithdrawalRequest struct {
	UserID    string
	Asset     string
	AmountUSD float64
	Protocol  string
	Chain     string
}

// ExecutionAdapter abstracts the chain/protocol-specific machinery that
// actually submits transactions. Adapters are registered at compile time per
// protocol+chain; the engine never loads them dynamically. The engine treats
// "execute a transfer" as a call that returns success/failure plus cost
// metadata - custody, signing and settlement finality live behind this
// interface.
type ExecutionAdapter interface {
	EstimateGas(ctx context.Context, tx *Transaction) (*GasEstimate, error)
	ExecuteSwap(ctx context.Context, req SwapRequest) (*ExecutionResult, error)
	ExecuteDeposit(ctx context.Context, req DepositRequest) (*ExecutionResult, error)
	ExecuteWithdrawal(ctx context.Context, req WithdrawalRequest) (*ExecutionResult, error)
	GetBalance(ctx context.Context, userID, asset string) (float64, error)
	GetClaimableRewards(ctx context.Context, userID string) (float64, error)
}

// NotificationSink delivers user notifications. Implementations must treat
// delivery as fire-and-forget; the engine logs failures and moves on.
type NotificationSink interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// MarketDataSource resolves asset prices and protocol metadata. Callers must
// degrade to neutral defaults rather than fail when the source is
// unavailable; implementations return errors, the degradation policy lives
// in the caller.
type MarketDataSource interface {
	AssetPriceUSD(ctx context.Context, asset string) (float64, error)
	GetProtocol(ctx context.Context, protocolID string) (*Protocol, error)
}

// LedgerRecorder appends audit records for executed transactions.
type LedgerRecorder interface {
	RecordTransaction(entry LedgerEntry) error
}
