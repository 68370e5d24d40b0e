// Package sizing turns risk-scored yield opportunities into a target
// allocation sized according to a risk-tier preference.
package sizing

import (
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/parosfi/rebalancer/internal/domain"
)

// PlanStatus reports whether sizing found anything to allocate.
type PlanStatus string

const (
	// PlanOK means positions were produced.
	PlanOK PlanStatus = "ok"
	// PlanNoMatch means no opportunity was compatible with the tier
	// preference. This is a result, not an error: the caller presents
	// "no eligible opportunities" instead of crashing.
	PlanNoMatch PlanStatus = "no_match"
)

// Sizing strategy limits and floors.
const (
	conservativeMaxPositions = 8
	conservativeFloorPct     = 5.0

	balancedMaxPositions = 5
	balancedFloorPct     = 10.0

	aggressiveMaxPositions = 3
)

// Aggressive fixed splits by position count.
var aggressiveSplits = map[int][]float64{
	1: {100},
	2: {70, 30},
	3: {60, 25, 15},
}

// Position is one sized slice of the allocation plan.
type Position struct {
	OpportunityID string  `json:"opportunity_id"`
	Asset         string  `json:"asset"`
	Protocol      string  `json:"protocol"`
	Chain         string  `json:"chain"`
	Percentage    float64 `json:"percentage"`
	AmountUSD     float64 `json:"amount_usd"`
	RiskScore     float64 `json:"risk_score"`
	APY           float64 `json:"apy"`
}

// AllocationPlan is the sized target allocation.
type AllocationPlan struct {
	Status         PlanStatus      `json:"status"`
	Preference     domain.RiskTier `json:"preference"`
	Positions      []Position      `json:"positions"`
	TotalAmountUSD float64         `json:"total_amount_usd"`
}

// TargetEntries converts the plan into a target allocation along the given
// dimension, merging positions that share a dimension value.
func (p *AllocationPlan) TargetEntries(dimension domain.Dimension) []domain.TargetEntry {
	merged := make(map[string]*domain.TargetEntry)
	order := make([]string, 0, len(p.Positions))

	for _, pos := range p.Positions {
		var id string
		switch dimension {
		case domain.DimensionProtocol:
			id = pos.Protocol
		case domain.DimensionChain:
			id = pos.Chain
		default:
			id = pos.Asset
		}

		if entry, ok := merged[id]; ok {
			entry.TargetPercentage += pos.Percentage
			continue
		}
		merged[id] = &domain.TargetEntry{
			Dimension:        dimension,
			ID:               id,
			Name:             id,
			TargetPercentage: pos.Percentage,
		}
		order = append(order, id)
	}

	entries := make([]domain.TargetEntry, 0, len(order))
	for _, id := range order {
		entries = append(entries, *merged[id])
	}
	return entries
}

// Service generates target allocations from scored opportunities.
type Service struct {
	log zerolog.Logger
}

// NewService creates a new sizing service.
func NewService(log zerolog.Logger) *Service {
	return &Service{
		log: log.With().Str("service", "sizing").Logger(),
	}
}

// GenerateAllocation sizes a target allocation for the given preference.
// Opportunities whose tier is incompatible with the preference are filtered
// out; an empty filtered set yields a no_match plan.
func (s *Service) GenerateAllocation(preference domain.RiskTier, scored []domain.ScoredOpportunity, totalAmountUSD float64) AllocationPlan {
	eligible := make([]domain.ScoredOpportunity, 0, len(scored))
	for _, candidate := range scored {
		if preference.Accepts(candidate.Score.Tier) {
			eligible = append(eligible, candidate)
		}
	}

	if len(eligible) == 0 {
		s.log.Debug().
			Str("preference", string(preference)).
			Int("candidates", len(scored)).
			Msg("No opportunities compatible with tier preference")
		return AllocationPlan{Status: PlanNoMatch, Preference: preference}
	}

	var positions []Position
	switch preference {
	case domain.TierLow:
		positions = sizeConservative(eligible)
	case domain.TierMedium:
		positions = sizeBalanced(eligible)
	default:
		positions = sizeAggressive(eligible)
	}

	normalize(positions)
	fillAmounts(positions, totalAmountUSD)

	return AllocationPlan{
		Status:         PlanOK,
		Preference:     preference,
		Positions:      positions,
		TotalAmountUSD: totalAmountUSD,
	}
}

// sizeConservative takes up to 8 of the lowest-risk opportunities, weighted
// inversely to risk, each position floored at 5% for diversification.
func sizeConservative(eligible []domain.ScoredOpportunity) []Position {
	sorted := sortedBy(eligible, func(a, b domain.ScoredOpportunity) bool {
		return a.Score.OverallScore < b.Score.OverallScore
	})
	picked := sorted[:min(conservativeMaxPositions, len(sorted))]

	positions := makePositions(picked)
	for i, candidate := range picked {
		positions[i].Percentage = 1.0 / riskDivisor(candidate.Score.OverallScore)
	}
	applyFloor(positions, conservativeFloorPct)
	return positions
}

// sizeBalanced takes up to 5 opportunities by risk-adjusted return, weighted
// by apy/risk, floored at 10%.
func sizeBalanced(eligible []domain.ScoredOpportunity) []Position {
	sorted := sortedBy(eligible, func(a, b domain.ScoredOpportunity) bool {
		return riskAdjustedReturn(a) > riskAdjustedReturn(b)
	})
	picked := sorted[:min(balancedMaxPositions, len(sorted))]

	positions := makePositions(picked)
	for i, candidate := range picked {
		positions[i].Percentage = riskAdjustedReturn(candidate)
	}
	applyFloor(positions, balancedFloorPct)
	return positions
}

// sizeAggressive concentrates into at most 3 positions with fixed splits,
// favoring the top risk-adjusted-return candidate.
func sizeAggressive(eligible []domain.ScoredOpportunity) []Position {
	sorted := sortedBy(eligible, func(a, b domain.ScoredOpportunity) bool {
		return riskAdjustedReturn(a) > riskAdjustedReturn(b)
	})
	picked := sorted[:min(aggressiveMaxPositions, len(sorted))]

	positions := makePositions(picked)
	splits := aggressiveSplits[len(picked)]
	for i := range positions {
		positions[i].Percentage = splits[i]
	}
	return positions
}

// riskAdjustedReturn is APY per unit of risk.
func riskAdjustedReturn(candidate domain.ScoredOpportunity) float64 {
	return candidate.Opportunity.APY / riskDivisor(candidate.Score.OverallScore)
}

// riskDivisor guards against division by a zero risk score.
func riskDivisor(score float64) float64 {
	if score < 1 {
		return 1
	}
	return score
}

func makePositions(picked []domain.ScoredOpportunity) []Position {
	positions := make([]Position, len(picked))
	for i, candidate := range picked {
		positions[i] = Position{
			OpportunityID: candidate.Opportunity.ID,
			Asset:         candidate.Opportunity.Asset,
			Protocol:      candidate.Opportunity.ProtocolID,
			Chain:         candidate.Opportunity.Chain,
			RiskScore:     candidate.Score.OverallScore,
			APY:           candidate.Opportunity.APY,
		}
	}
	return positions
}

// applyFloor normalizes raw weights to 100 and lifts every position to at
// least floorPct, shrinking the above-floor positions proportionally.
// Repeats until stable since shrinking can push a position under the floor.
func applyFloor(positions []Position, floorPct float64) {
	normalizeRaw(positions)

	for iter := 0; iter < len(positions); iter++ {
		deficit := 0.0
		aboveFloorTotal := 0.0
		for _, pos := range positions {
			if pos.Percentage < floorPct {
				deficit += floorPct - pos.Percentage
			} else {
				aboveFloorTotal += pos.Percentage - floorPct
			}
		}
		if deficit == 0 || aboveFloorTotal <= 0 {
			break
		}

		shrink := deficit / aboveFloorTotal
		for i := range positions {
			if positions[i].Percentage < floorPct {
				positions[i].Percentage = floorPct
			} else {
				excess := positions[i].Percentage - floorPct
				positions[i].Percentage = floorPct + excess*(1-shrink)
			}
		}
	}
}

// normalizeRaw scales raw weights so they sum to 100.
func normalizeRaw(positions []Position) {
	total := 0.0
	for _, pos := range positions {
		total += pos.Percentage
	}
	if total <= 0 {
		equal := 100.0 / float64(len(positions))
		for i := range positions {
			positions[i].Percentage = equal
		}
		return
	}
	for i := range positions {
		positions[i].Percentage = positions[i].Percentage / total * 100
	}
}

// normalize rounds percentages to 2 decimal places and absorbs the rounding
// residual into the largest position so totals always account to 100.
func normalize(positions []Position) {
	if len(positions) == 0 {
		return
	}

	normalizeRaw(positions)

	largest := 0
	sum := decimal.Zero
	for i := range positions {
		rounded := decimal.NewFromFloat(positions[i].Percentage).Round(2)
		positions[i].Percentage = rounded.InexactFloat64()
		sum = sum.Add(rounded)
		if positions[i].Percentage > positions[largest].Percentage {
			largest = i
		}
	}

	residual := decimal.NewFromInt(100).Sub(sum)
	if !residual.IsZero() {
		positions[largest].Percentage = decimal.NewFromFloat(positions[largest].Percentage).
			Add(residual).Round(2).InexactFloat64()
	}
}

// fillAmounts converts percentages into currency amounts rounded to 2
// decimal places, absorbing the rounding residual into the largest position.
func fillAmounts(positions []Position, totalAmountUSD float64) {
	if len(positions) == 0 || totalAmountUSD <= 0 {
		return
	}

	total := decimal.NewFromFloat(totalAmountUSD)
	largest := 0
	allocated := decimal.Zero
	for i := range positions {
		amount := total.Mul(decimal.NewFromFloat(positions[i].Percentage)).
			Div(decimal.NewFromInt(100)).Round(2)
		positions[i].AmountUSD = amount.InexactFloat64()
		allocated = allocated.Add(amount)
		if positions[i].Percentage > positions[largest].Percentage {
			largest = i
		}
	}

	residual := total.Sub(allocated)
	if !residual.IsZero() {
		positions[largest].AmountUSD = decimal.NewFromFloat(positions[largest].AmountUSD).
			Add(residual).Round(2).InexactFloat64()
	}
}

func sortedBy(opportunities []domain.ScoredOpportunity, less func(a, b domain.ScoredOpportunity) bool) []domain.ScoredOpportunity {
	sorted := make([]domain.ScoredOpportunity, len(opportunities))
	copy(sorted, opportunities)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})
	return sorted
}
