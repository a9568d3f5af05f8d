package streaming

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogPublisher writes every event to the structured log.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{
		logger: log.With().Str("component", "streaming").Logger(),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.Info().
		Str("event_id", event.ID).
		Str("topic", event.Topic).
		Str("execution_id", event.ExecutionID).
		RawJSON("payload", event.Payload).
		Msg("rollout event")
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Debug().Msg("log publisher closed")
	return nil
}
