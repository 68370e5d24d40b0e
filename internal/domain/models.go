// Package domain contains the shared models and capability interfaces of the
// rebalancing engine. The domain layer is pure: it has no infrastructure
// dependencies and is imported by every feature module.
package domain

import (
	"math"
	"time"
)

// RiskTier is the coarse risk bucket derived from a continuous risk score.
type RiskTier string

const (
	TierLow      RiskTier = "low"
	TierMedium   RiskTier = "medium"
	TierHigh     RiskTier = "high"
	TierVeryHigh RiskTier = "veryHigh"
)

// Tier thresholds. A score equal to a threshold falls into the lower tier.
const (
	tierLowMax    = 30.0
	tierMediumMax = 60.0
	tierHighMax   = 85.0
)

// TierForScore maps a 0-100 risk score onto its tier.
func TierForScore(score float64) RiskTier {
	switch {
	case score <= tierLowMax:
		return TierLow
	case score <= tierMediumMax:
		return TierMedium
	case score <= tierHighMax:
		return TierHigh
	default:
		return TierVeryHigh
	}
}

// Accepts reports whether an opportunity of the given tier is compatible with
// this tier preference: low accepts only low, medium accepts low+medium,
// high (and veryHigh) accept everything.
func (t RiskTier) Accepts(other RiskTier) bool {
	if t == TierHigh || t == TierVeryHigh {
		return true
	}
	return t.rank() >= other.rank()
}

func (t RiskTier) rank() int {
	switch t {
	case TierLow:
		return 0
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	default:
		return 3
	}
}

// SubjectType identifies what a risk score was computed for.
type SubjectType string

const (
	SubjectProtocol    SubjectType = "protocol"
	SubjectOpportunity SubjectType = "opportunity"
)

// FactorScore is one weighted component of a risk score breakdown.
type FactorScore struct {
	Score  float64 `json:"score" msgpack:"score"`
	Weight float64 `json:"weight" msgpack:"weight"`
}

// RiskScore is an immutable scoring snapshot. OverallScore is the weighted
// sum of the breakdown scores clamped to [0,100]; Tier is derived from it.
type RiskScore struct {
	SubjectID    string                 `json:"subject_id" msgpack:"subject_id"`
	SubjectType  SubjectType            `json:"subject_type" msgpack:"subject_type"`
	OverallScore float64                `json:"overall_score" msgpack:"overall_score"`
	Tier         RiskTier               `json:"tier" msgpack:"tier"`
	Breakdown    map[string]FactorScore `json:"breakdown" msgpack:"breakdown"`
	Confidence   float64                `json:"confidence,omitempty" msgpack:"confidence"`
	MLEnhanced   bool                   `json:"ml_enhanced,omitempty" msgpack:"ml_enhanced"`
	ComputedAt   time.Time              `json:"computed_at" msgpack:"computed_at"`
}

// ClampScore bounds a sub-score or final score to [0,100].
func ClampScore(score float64) float64 {
	return math.Max(0, math.Min(100, score))
}

// Dimension is the axis an allocation is expressed over.
type Dimension string

const (
	DimensionAsset    Dimension = "asset"
	DimensionProtocol Dimension = "protocol"
	DimensionChain    Dimension = "chain"
)

// AllocationEntry is one slice of a current allocation. A list of entries
// sums Percentage to 100 (within rounding) whenever total value is positive.
type AllocationEntry struct {
	Dimension  Dimension `json:"dimension"`
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	AmountUSD  float64   `json:"amount_usd"`
	Percentage float64   `json:"percentage"`
}

// TargetEntry is one slice of a target allocation.
type TargetEntry struct {
	Dimension        Dimension `json:"dimension"`
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	TargetPercentage float64   `json:"target_percentage"`
}

// AllocationSnapshot is the current allocation of a portfolio along one
// dimension at a point in time.
type AllocationSnapshot struct {
	Dimension     Dimension         `json:"dimension"`
	Entries       []AllocationEntry `json:"entries"`
	TotalValueUSD float64           `json:"total_value_usd"`
	ComputedAt    time.Time         `json:"computed_at"`
}

// Holding is one raw position: an amount of an asset held in a protocol on a
// chain. ProtocolID and Chain may be empty for plain wallet balances.
type Holding struct {
	UserID     string  `json:"user_id"`
	Asset      string  `json:"asset"`
	ProtocolID string  `json:"protocol_id,omitempty"`
	Chain      string  `json:"chain,omitempty"`
	Amount     float64 `json:"amount"`
}

// Protocol categories used by the complexity and volatility-estimate factors.
const (
	CategoryLending         = "lending"
	CategoryDEX             = "dex"
	CategoryStaking         = "staking"
	CategoryYieldAggregator = "yield_aggregator"
	CategoryDerivatives     = "derivatives"
)

// Protocol is the metadata the risk engine scores. Zero/nil values mean the
// signal is unavailable and the corresponding factor degrades to neutral.
type Protocol struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Category         string    `json:"category"`
	Chain            string    `json:"chain"`
	TVLUSD           float64   `json:"tvl_usd"`
	AuditCount       int       `json:"audit_count"`
	Audited          bool      `json:"audited"`
	LaunchedAt       time.Time `json:"launched_at"`
	GitHubStars      int       `json:"github_stars"`
	TwitterFollowers int       `json:"twitter_followers"`
	APYHistory       []float64 `json:"apy_history,omitempty"`
}

// AgeDays returns the protocol age in days, or 0 when the launch date is
// unknown.
func (p *Protocol) AgeDays(now time.Time) float64 {
	if p.LaunchedAt.IsZero() {
		return 0
	}
	return now.Sub(p.LaunchedAt).Hours() / 24
}

// Opportunity is one candidate yield position.
type Opportunity struct {
	ID           string    `json:"id"`
	ProtocolID   string    `json:"protocol_id"`
	Protocol     *Protocol `json:"protocol,omitempty"`
	Asset        string    `json:"asset"`
	Chain        string    `json:"chain"`
	APY          float64   `json:"apy"`
	LiquidityUSD float64   `json:"liquidity_usd"`
	// ILExposure is the impermanent-loss exposure in [0,1] for LP positions;
	// nil when not applicable or unknown.
	ILExposure *float64  `json:"il_exposure,omitempty"`
	APYHistory []float64 `json:"apy_history,omitempty"`
}

// ScoredOpportunity pairs an opportunity with its computed risk score.
type ScoredOpportunity struct {
	Opportunity Opportunity `json:"opportunity"`
	Score       RiskScore   `json:"score"`
}

// TxType is the kind of transfer operation.
type TxType string

const (
	TxSwap       TxType = "swap"
	TxDeposit    TxType = "deposit"
	TxWithdrawal TxType = "withdrawal"
)

// TxStatus is the lifecycle status of a single transaction. Statuses are
// independent per transaction; the owning operation derives its overall
// status from the aggregate.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Transaction is one transfer step inside a rebalancing operation. The
// operation owns its transaction list exclusively.
type Transaction struct {
	ID           string   `json:"id"`
	Type         TxType   `json:"type"`
	FromAsset    string   `json:"from_asset,omitempty"`
	ToAsset      string   `json:"to_asset,omitempty"`
	FromAmount   float64  `json:"from_amount"`
	ToAmount     float64  `json:"to_amount"`
	FromProtocol string   `json:"from_protocol,omitempty"`
	ToProtocol   string   `json:"to_protocol,omitempty"`
	FromChain    string   `json:"from_chain,omitempty"`
	ToChain      string   `json:"to_chain,omitempty"`
	Status       TxStatus `json:"status"`
	GasCostUSD   float64  `json:"gas_cost_usd,omitempty"`
	SlippagePct  float64  `json:"slippage_pct,omitempty"`
	TxRef        string   `json:"tx_ref,omitempty"`
	Error        string   `json:"error,omitempty"`
	Attempts     int      `json:"attempts,omitempty"`
}

// CrossChain reports whether the transaction moves value between chains.
func (t *Transaction) CrossChain() bool {
	return t.FromChain != "" && t.ToChain != "" && t.FromChain != t.ToChain
}

// Chain returns the chain the transaction executes on (the origin chain for
// cross-chain moves). Empty when no chain is specified.
func (t *Transaction) Chain() string {
	if t.FromChain != "" {
		return t.FromChain
	}
	return t.ToChain
}

// LedgerEntry is one append-only audit record of an executed transaction.
type LedgerEntry struct {
	OperationID   string    `json:"operation_id"`
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	TxType        TxType    `json:"tx_type"`
	FromAsset     string    `json:"from_asset,omitempty"`
	ToAsset       string    `json:"to_asset,omitempty"`
	AmountUSD     float64   `json:"amount_usd"`
	GasCostUSD    float64   `json:"gas_cost_usd"`
	SlippagePct   float64   `json:"slippage_pct"`
	TxRef         string    `json:"tx_ref,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Notification is a user-facing message emitted on state transitions.
// Delivery is fire-and-forget; failures are logged, never raised.
type Notification struct {
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Importance string                 `json:"importance"` // "low", "normal", "high"
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}
