package notifications

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/parosfi/rebalancer/internal/domain"
)

// LogSink writes notifications to the structured log. Used in development
// and as the default sink when no external channel is configured.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log-backed notification sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("service", "notify").Logger()}
}

// Notify logs the notification.
func (s *LogSink) Notify(ctx context.Context, userID string, n domain.Notification) error {
	s.log.Info().
		Str("user_id", userID).
		Str("importance", n.Importance).
		Str("title", n.Title).
		Fields(n.Metadata).
		Msg(n.Message)
	return nil
}
