// Package strategy manages rebalancing strategies: a user's target
// allocation plus the trigger that decides when the portfolio should be
// pulled back to it.
package strategy

import (
	"fmt"
	"time"

	"github.com/parosfi/rebalancer/internal/domain"
)

// TriggerType decides when a strategy fires.
type TriggerType string

const (
	// TriggerManual strategies only rebalance on explicit request.
	TriggerManual TriggerType = "manual"
	// TriggerThreshold strategies fire when any entry drifts past the
	// tolerance.
	TriggerThreshold TriggerType = "threshold"
	// TriggerPeriodic strategies fire on a fixed interval.
	TriggerPeriodic TriggerType = "periodic"
)

// NotifyPrefs selects which operation transitions generate notifications.
type NotifyPrefs struct {
	OnAwaitingApproval bool `json:"on_awaiting_approval"`
	OnCompleted        bool `json:"on_completed"`
	OnFailed           bool `json:"on_failed"`
}

// DefaultNotifyPrefs notifies on everything a user would act on.
func DefaultNotifyPrefs() NotifyPrefs {
	return NotifyPrefs{OnAwaitingApproval: true, OnCompleted: true, OnFailed: true}
}

// Strategy is a stored rebalancing strategy.
type Strategy struct {
	ID               string               `json:"id"`
	UserID           string               `json:"user_id"`
	Name             string               `json:"name"`
	Dimension        domain.Dimension     `json:"dimension"`
	TargetAllocation []domain.TargetEntry `json:"target_allocation"`
	TriggerType      TriggerType          `json:"trigger_type"`

	// TolerancePct applies to threshold triggers: max drift in percentage
	// points before the strategy fires.
	TolerancePct float64 `json:"tolerance_pct,omitempty"`
	// Interval applies to periodic triggers.
	Interval time.Duration `json:"interval,omitempty"`

	ManualApprovalRequired  bool        `json:"manual_approval_required"`
	SimulateBeforeExecution bool        `json:"simulate_before_execution"`
	NotifyPrefs             NotifyPrefs `json:"notify_prefs"`
	Active                  bool        `json:"active"`
	LastRebalancedAt        *time.Time  `json:"last_rebalanced_at,omitempty"`
	NextScheduledAt         *time.Time  `json:"next_scheduled_at,omitempty"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// Validate rejects strategies that can never produce a sensible plan.
func (s *Strategy) Validate() error {
	switch s.Dimension {
	case domain.DimensionAsset, domain.DimensionProtocol, domain.DimensionChain:
	default:
		return fmt.Errorf("invalid dimension %q", s.Dimension)
	}

	if len(s.TargetAllocation) == 0 {
		return fmt.Errorf("target allocation is empty")
	}
	total := 0.0
	for _, entry := range s.TargetAllocation {
		if entry.ID == "" {
			return fmt.Errorf("target entry missing id")
		}
		if entry.TargetPercentage < 0 {
			return fmt.Errorf("target entry %q has negative percentage", entry.ID)
		}
		total += entry.TargetPercentage
	}
	if total < 99.5 || total > 100.5 {
		return fmt.Errorf("target allocation sums to %.2f, expected 100", total)
	}

	switch s.TriggerType {
	case TriggerManual:
	case TriggerThreshold:
		if s.TolerancePct <= 0 {
			return fmt.Errorf("threshold trigger requires a positive tolerance")
		}
	case TriggerPeriodic:
		if s.Interval <= 0 {
			return fmt.Errorf("periodic trigger requires a positive interval")
		}
	default:
		return fmt.Errorf("invalid trigger type %q", s.TriggerType)
	}

	return nil
}
