package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parosfi/rebalancer/internal/domain"
	"github.com/parosfi/rebalancer/internal/events"
	"github.com/parosfi/rebalancer/internal/modules/strategy"
)

type captureSink struct {
	sent []domain.Notification
	err  error
}

func (s *captureSink) Notify(ctx context.Context, userID string, n domain.Notification) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

func publishTransition(bus *events.Bus, status, strategyID string) {
	bus.PublishData("rebalancing", &events.OperationTransitionData{
		OperationID: "op1",
		UserID:      "u1",
		StrategyID:  strategyID,
		Status:      status,
	})
}

func TestDispatcherDeliversOnCompletion(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	NewDispatcher(sink, nil, zerolog.Nop()).Register(bus)

	publishTransition(bus, "completed", "")

	require.Len(t, sink.sent, 1)
	assert.Equal(t, "Rebalance completed", sink.sent[0].Title)
	assert.Equal(t, "op1", sink.sent[0].Metadata["operation_id"])
}

func TestDispatcherIgnoresNonNotifyEvents(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	NewDispatcher(sink, nil, zerolog.Nop()).Register(bus)

	publishTransition(bus, "pending", "")
	publishTransition(bus, "approved", "")

	assert.Empty(t, sink.sent)
}

func TestDispatcherDeliversOnStart(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	NewDispatcher(sink, nil, zerolog.Nop()).Register(bus)

	publishTransition(bus, "executing", "")

	require.Len(t, sink.sent, 1)
	assert.Equal(t, "Rebalance started", sink.sent[0].Title)
}

func TestDispatcherSkipsRepeatedStart(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	NewDispatcher(sink, nil, zerolog.Nop()).Register(bus)

	// A resumed execution republishes the transition flagged as a repeat;
	// the user was already told the rebalance started.
	bus.PublishData("rebalancing", &events.OperationTransitionData{
		OperationID: "op1",
		UserID:      "u1",
		Status:      "executing",
		Repeat:      true,
	})

	assert.Empty(t, sink.sent)
}

func TestDispatcherRespectsPrefs(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	prefs := func(strategyID string) (strategy.NotifyPrefs, error) {
		return strategy.NotifyPrefs{OnAwaitingApproval: false, OnCompleted: true, OnFailed: false}, nil
	}
	NewDispatcher(sink, prefs, zerolog.Nop()).Register(bus)

	publishTransition(bus, "waitingApproval", "s1")
	publishTransition(bus, "failed", "s1")
	publishTransition(bus, "completed", "s1")

	require.Len(t, sink.sent, 1)
	assert.Equal(t, "Rebalance completed", sink.sent[0].Title)
}

func TestDispatcherNotifiesWhenPrefsLookupFails(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	prefs := func(strategyID string) (strategy.NotifyPrefs, error) {
		return strategy.NotifyPrefs{}, errors.New("not found")
	}
	NewDispatcher(sink, prefs, zerolog.Nop()).Register(bus)

	publishTransition(bus, "failed", "ghost")

	assert.Len(t, sink.sent, 1)
}

func TestDispatcherSwallowsSinkErrors(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{err: errors.New("smtp down")}
	NewDispatcher(sink, nil, zerolog.Nop()).Register(bus)

	// Must not panic or block.
	publishTransition(bus, "completed", "")
	assert.Empty(t, sink.sent)
}

func TestDispatcherRejectedIncludesReason(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	NewDispatcher(sink, nil, zerolog.Nop()).Register(bus)

	bus.PublishData("rebalancing", &events.OperationTransitionData{
		OperationID: "op1",
		UserID:      "u1",
		Status:      "rejected",
		Reason:      "gas too high",
	})

	require.Len(t, sink.sent, 1)
	assert.Equal(t, "gas too high", sink.sent[0].Metadata["reason"])
}
