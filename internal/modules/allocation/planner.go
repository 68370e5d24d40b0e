package allocation

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/parosfi/rebalancer/internal/domain"
)

// Deltas below these thresholds are treated as noise, so identical
// current/target allocations produce an empty change list.
const (
	minChangePct       = 0.01
	minChangeAmountUSD = 0.01
)

// Planner computes allocation diffs and matches them into transfers.
type Planner struct{}

// NewPlanner creates a new allocation planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Diff computes the decrease/increase changes between the current snapshot
// and the target allocation, then greedily matches them into the minimal
// swap list under first-fit-decreasing ordering. A zero-value portfolio
// yields an empty plan.
func (p *Planner) Diff(current *domain.AllocationSnapshot, target []domain.TargetEntry) Plan {
	if current == nil || current.TotalValueUSD <= 0 {
		return Plan{}
	}

	totalValue := current.TotalValueUSD
	dimension := current.Dimension

	currentByID := make(map[string]domain.AllocationEntry, len(current.Entries))
	for _, entry := range current.Entries {
		currentByID[entry.ID] = entry
	}
	targetByID := make(map[string]domain.TargetEntry, len(target))
	for _, entry := range target {
		targetByID[entry.ID] = entry
	}

	var decreases, increases []Change

	// Current entries missing from target, or above their target, shed the
	// excess.
	for _, entry := range current.Entries {
		targetPct := 0.0
		if t, ok := targetByID[entry.ID]; ok {
			targetPct = t.TargetPercentage
		}
		excess := entry.Percentage - targetPct
		if excess < minChangePct {
			continue
		}
		change := Change{
			Dimension:       dimension,
			ID:              entry.ID,
			Name:            entry.Name,
			Direction:       DirectionDecrease,
			CurrentPct:      entry.Percentage,
			TargetPct:       targetPct,
			ChangePct:       excess,
			ChangeAmountUSD: roundUSD(excess / 100 * totalValue),
		}
		if change.ChangeAmountUSD < minChangeAmountUSD {
			continue
		}
		decreases = append(decreases, change)
	}

	// Target entries missing from current, or above current, gain the
	// shortfall.
	for _, entry := range target {
		currentPct := 0.0
		if c, ok := currentByID[entry.ID]; ok {
			currentPct = c.Percentage
		}
		gain := entry.TargetPercentage - currentPct
		if gain < minChangePct {
			continue
		}
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		change := Change{
			Dimension:       dimension,
			ID:              entry.ID,
			Name:            name,
			Direction:       DirectionIncrease,
			CurrentPct:      currentPct,
			TargetPct:       entry.TargetPercentage,
			ChangePct:       gain,
			ChangeAmountUSD: roundUSD(gain / 100 * totalValue),
		}
		if change.ChangeAmountUSD < minChangeAmountUSD {
			continue
		}
		increases = append(increases, change)
	}

	// First-fit-decreasing: biggest deltas first, stable on ties to keep
	// original list order.
	sortByAmountDesc(decreases)
	sortByAmountDesc(increases)

	plan := Plan{Changes: append(append([]Change{}, decreases...), increases...)}
	p.matchTransfers(&plan, decreases, increases, dimension)
	return plan
}

// matchTransfers pairs each increase with draws from the remaining
// decreases. Each draw emits one swap transaction. An increase that
// exhausts the decreases is reported as unfulfilled.
func (p *Planner) matchTransfers(plan *Plan, decreases, increases []Change, dimension domain.Dimension) {
	remaining := make([]decimal.Decimal, len(decreases))
	for i, dec := range decreases {
		remaining[i] = decimal.NewFromFloat(dec.ChangeAmountUSD)
	}

	next := 0 // index of the next decrease with funds left
	for _, inc := range increases {
		need := decimal.NewFromFloat(inc.ChangeAmountUSD)

		for need.IsPositive() && next < len(decreases) {
			if !remaining[next].IsPositive() {
				next++
				continue
			}

			draw := decimal.Min(need, remaining[next])
			remaining[next] = remaining[next].Sub(draw)
			need = need.Sub(draw)

			plan.Transactions = append(plan.Transactions, p.swapTransaction(decreases[next], inc, draw, dimension))
		}

		if need.IsPositive() {
			plan.Unfulfilled = append(plan.Unfulfilled, Shortfall{
				ID:        inc.ID,
				Name:      inc.Name,
				AmountUSD: need.Round(2).InexactFloat64(),
			})
		}
	}
}

// swapTransaction builds one pending swap moving value from a decrease
// towards an increase.
func (p *Planner) swapTransaction(from, to Change, amount decimal.Decimal, dimension domain.Dimension) domain.Transaction {
	amountUSD := amount.Round(2).InexactFloat64()
	tx := domain.Transaction{
		ID:         uuid.New().String(),
		Type:       domain.TxSwap,
		FromAsset:  from.Name,
		ToAsset:    to.Name,
		FromAmount: amountUSD,
		ToAmount:   amountUSD,
		Status:     domain.TxPending,
	}

	switch dimension {
	case domain.DimensionProtocol:
		tx.FromProtocol = from.ID
		tx.ToProtocol = to.ID
	case domain.DimensionChain:
		tx.FromChain = from.ID
		tx.ToChain = to.ID
	}

	return tx
}

func sortByAmountDesc(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].ChangeAmountUSD > changes[j].ChangeAmountUSD
	})
}

func roundUSD(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
