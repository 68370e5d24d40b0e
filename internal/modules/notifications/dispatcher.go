// Package notifications turns operation lifecycle events into user-facing
// messages. Delivery is fire-and-forget: a sink failure is logged and never
// propagates back into the operation lifecycle.
package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/domain"
	"github.com/parosfi/rebalancer/internal/events"
	"github.com/parosfi/rebalancer/internal/modules/strategy"
)

// PrefsResolver looks up the notification preferences of the strategy that
// started an operation. Returning an error means "use defaults".
type PrefsResolver func(strategyID string) (strategy.NotifyPrefs, error)

// Dispatcher subscribes to operation transition events and forwards the
// notify-worthy ones to the sink.
type Dispatcher struct {
	sink    domain.NotificationSink
	prefs   PrefsResolver
	timeout time.Duration
	log     zerolog.Logger
}

// NewDispatcher creates a dispatcher. prefs may be nil, in which case every
// notify-worthy transition is delivered.
func NewDispatcher(sink domain.NotificationSink, prefs PrefsResolver, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sink:    sink,
		prefs:   prefs,
		timeout: 10 * time.Second,
		log:     log.With().Str("service", "notifications").Logger(),
	}
}

// Register subscribes the dispatcher to the notify-worthy event types.
func (d *Dispatcher) Register(bus *events.Bus) {
	for _, et := range []events.EventType{
		events.OperationAwaitingApproval,
		events.OperationExecuting,
		events.OperationCompleted,
		events.OperationPartial,
		events.OperationFailed,
		events.OperationRejected,
	} {
		bus.Subscribe(et, d.handle)
	}
}

func (d *Dispatcher) handle(event *events.Event) {
	userID, _ := event.Data["user_id"].(string)
	operationID, _ := event.Data["operation_id"].(string)
	if userID == "" {
		return
	}
	if repeat, _ := event.Data["repeat"].(bool); repeat {
		return
	}

	strategyID, _ := event.Data["strategy_id"].(string)
	if !d.wanted(event.Type, strategyID) {
		return
	}

	notification := buildNotification(event, operationID)

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.Notify(ctx, userID, notification); err != nil {
		d.log.Warn().
			Err(err).
			Str("user_id", userID).
			Str("operation_id", operationID).
			Str("event", string(event.Type)).
			Msg("Notification delivery failed")
	}
}

// wanted applies the strategy's notification preferences. Operations not
// tied to a strategy always notify.
func (d *Dispatcher) wanted(eventType events.EventType, strategyID string) bool {
	if d.prefs == nil || strategyID == "" {
		return true
	}
	prefs, err := d.prefs(strategyID)
	if err != nil {
		return true
	}

	switch eventType {
	case events.OperationAwaitingApproval:
		return prefs.OnAwaitingApproval
	case events.OperationCompleted, events.OperationPartial:
		return prefs.OnCompleted
	case events.OperationFailed, events.OperationRejected:
		return prefs.OnFailed
	}
	return true
}

func buildNotification(event *events.Event, operationID string) domain.Notification {
	metadata := map[string]interface{}{"operation_id": operationID}

	switch event.Type {
	case events.OperationAwaitingApproval:
		return domain.Notification{
			Title:      "Rebalance awaiting approval",
			Message:    fmt.Sprintf("Rebalancing operation %s is ready and needs your approval.", operationID),
			Importance: "high",
			Metadata:   metadata,
		}
	case events.OperationExecuting:
		return domain.Notification{
			Title:      "Rebalance started",
			Message:    fmt.Sprintf("Rebalancing operation %s has started executing transfers.", operationID),
			Importance: "normal",
			Metadata:   metadata,
		}
	case events.OperationCompleted:
		return domain.Notification{
			Title:      "Rebalance completed",
			Message:    fmt.Sprintf("Rebalancing operation %s completed successfully.", operationID),
			Importance: "normal",
			Metadata:   metadata,
		}
	case events.OperationPartial:
		if rate, ok := event.Data["success_rate"].(float64); ok {
			metadata["success_rate"] = rate
		}
		return domain.Notification{
			Title:      "Rebalance partially completed",
			Message:    fmt.Sprintf("Rebalancing operation %s finished with some failed transfers.", operationID),
			Importance: "high",
			Metadata:   metadata,
		}
	case events.OperationFailed:
		return domain.Notification{
			Title:      "Rebalance failed",
			Message:    fmt.Sprintf("Rebalancing operation %s failed. No further transfers will run.", operationID),
			Importance: "high",
			Metadata:   metadata,
		}
	case events.OperationRejected:
		if reason, ok := event.Data["reason"].(string); ok && reason != "" {
			metadata["reason"] = reason
		}
		return domain.Notification{
			Title:      "Rebalance rejected",
			Message:    fmt.Sprintf("Rebalancing operation %s was rejected.", operationID),
			Importance: "normal",
			Metadata:   metadata,
		}
	default:
		return domain.Notification{
			Title:      "Rebalance update",
			Message:    fmt.Sprintf("Rebalancing operation %s changed state.", operationID),
			Importance: "low",
			Metadata:   metadata,
		}
	}
}
