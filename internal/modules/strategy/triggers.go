package strategy

import (
	"math"
	"time"

	"github.com/parosfi/rebalancer/internal/domain"
)

// ThresholdEvaluation reports why a threshold strategy is or is not
// eligible.
type ThresholdEvaluation struct {
	Eligible bool    `json:"eligible"`
	MaxDrift float64 `json:"max_drift"`
	// DriftedID is the entry with the largest drift, empty when nothing
	// drifted.
	DriftedID string `json:"drifted_id,omitempty"`
}

// ThresholdEvaluator checks target drift. Evaluation is read-only: it never
// touches the strategy's stored state.
type ThresholdEvaluator struct{}

// Evaluate compares the current allocation against the strategy targets.
// The strategy is eligible when any single entry drifts past the tolerance,
// in either direction. Entries present in only one side count their full
// percentage as drift.
func (ThresholdEvaluator) Evaluate(s *Strategy, current *domain.AllocationSnapshot) ThresholdEvaluation {
	var eval ThresholdEvaluation
	if s.TriggerType != TriggerThreshold || current == nil {
		return eval
	}

	currentByID := make(map[string]float64, len(current.Entries))
	for _, entry := range current.Entries {
		currentByID[entry.ID] = entry.Percentage
	}

	seen := make(map[string]bool, len(s.TargetAllocation))
	for _, target := range s.TargetAllocation {
		seen[target.ID] = true
		drift := math.Abs(currentByID[target.ID] - target.TargetPercentage)
		if drift > eval.MaxDrift {
			eval.MaxDrift = drift
			eval.DriftedID = target.ID
		}
	}
	// Entries held but absent from the target drift by their full weight.
	for _, entry := range current.Entries {
		if seen[entry.ID] {
			continue
		}
		if entry.Percentage > eval.MaxDrift {
			eval.MaxDrift = entry.Percentage
			eval.DriftedID = entry.ID
		}
	}

	eval.Eligible = eval.MaxDrift > s.TolerancePct
	return eval
}

// PeriodicEvaluator checks schedules. Like the threshold evaluator it is
// read-only; the schedule only advances when an operation is actually
// created, via Repository.RecordRebalanceAttempt.
type PeriodicEvaluator struct{}

// Evaluate returns true when the strategy's next scheduled run has passed.
// A periodic strategy that has never run is due immediately.
func (PeriodicEvaluator) Evaluate(s *Strategy, now time.Time) bool {
	if s.TriggerType != TriggerPeriodic {
		return false
	}
	if s.NextScheduledAt == nil {
		return true
	}
	return !now.Before(*s.NextScheduledAt)
}
