// Package allocation computes current allocation snapshots and plans the
// transfers that move a portfolio from its current allocation to a target.
package allocation

import "github.com/parosfi/rebalancer/internal/domain"

// Direction of an allocation change.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// Change is one delta between current and target allocation along a single
// dimension value.
type Change struct {
	Dimension       domain.Dimension `json:"dimension"`
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Direction       Direction        `json:"direction"`
	CurrentPct      float64          `json:"current_pct"`
	TargetPct       float64          `json:"target_pct"`
	ChangePct       float64          `json:"change_pct"`
	ChangeAmountUSD float64          `json:"change_amount_usd"`
}

// Shortfall reports an increase that could not be fully funded from the
// available decreases. This is informational, never an error.
type Shortfall struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	AmountUSD float64 `json:"amount_usd"`
}

// Plan is the planner output: the sorted change list and the swap
// transactions that realize it.
type Plan struct {
	Changes      []Change             `json:"changes"`
	Transactions []domain.Transaction `json:"transactions"`
	Unfulfilled  []Shortfall          `json:"unfulfilled,omitempty"`
}
