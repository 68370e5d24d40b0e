package events

// EventData is the interface that all typed event payloads implement.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType

	// Map flattens the payload into the generic event envelope
	Map() map[string]interface{}
}

// OperationTransitionData describes one rebalancing operation state change.
type OperationTransitionData struct {
	OperationID string  `json:"operation_id"`
	UserID      string  `json:"user_id"`
	StrategyID  string  `json:"strategy_id,omitempty"`
	Status      string  `json:"status"`
	SuccessRate float64 `json:"success_rate,omitempty"`
	Reason      string  `json:"reason,omitempty"`

	// Repeat marks a re-entry into an already-notified status (resume of an
	// interrupted execution); consumers that notify users skip these.
	Repeat bool `json:"repeat,omitempty"`
}

// EventType maps the operation status onto its transition event.
func (d *OperationTransitionData) EventType() EventType {
	switch d.Status {
	case "pending":
		return OperationCreated
	case "simulating":
		return OperationSimulated
	case "waitingApproval":
		return OperationAwaitingApproval
	case "approved":
		return OperationApproved
	case "rejected":
		return OperationRejected
	case "cancelled":
		return OperationCancelled
	case "executing":
		return OperationExecuting
	case "completed":
		return OperationCompleted
	case "partial":
		return OperationPartial
	case "failed":
		return OperationFailed
	default:
		return OperationCreated
	}
}

// Map flattens the payload for the event envelope.
func (d *OperationTransitionData) Map() map[string]interface{} {
	m := map[string]interface{}{
		"operation_id": d.OperationID,
		"user_id":      d.UserID,
		"status":       d.Status,
	}
	if d.StrategyID != "" {
		m["strategy_id"] = d.StrategyID
	}
	if d.SuccessRate != 0 {
		m["success_rate"] = d.SuccessRate
	}
	if d.Reason != "" {
		m["reason"] = d.Reason
	}
	if d.Repeat {
		m["repeat"] = true
	}
	return m
}

// TriggerMatchedData describes a strategy found eligible by an evaluator.
type TriggerMatchedData struct {
	StrategyID   string  `json:"strategy_id"`
	UserID       string  `json:"user_id"`
	TriggerType  string  `json:"trigger_type"`
	DeviationPct float64 `json:"deviation_pct,omitempty"`
}

// EventType returns the event type for TriggerMatchedData
func (d *TriggerMatchedData) EventType() EventType {
	return TriggerMatched
}

// Map flattens the payload for the event envelope.
func (d *TriggerMatchedData) Map() map[string]interface{} {
	return map[string]interface{}{
		"strategy_id":   d.StrategyID,
		"user_id":       d.UserID,
		"trigger_type":  d.TriggerType,
		"deviation_pct": d.DeviationPct,
	}
}

// ScoreUpdatedData describes a freshly computed risk score.
type ScoreUpdatedData struct {
	SubjectID   string  `json:"subject_id"`
	SubjectType string  `json:"subject_type"`
	Score       float64 `json:"score"`
	Tier        string  `json:"tier"`
}

// EventType returns the event type for ScoreUpdatedData
func (d *ScoreUpdatedData) EventType() EventType {
	return ScoreUpdated
}

// Map flattens the payload for the event envelope.
func (d *ScoreUpdatedData) Map() map[string]interface{} {
	return map[string]interface{}{
		"subject_id":   d.SubjectID,
		"subject_type": d.SubjectType,
		"score":        d.Score,
		"tier":         d.Tier,
	}
}
