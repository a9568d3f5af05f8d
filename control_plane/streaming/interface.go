package streaming

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Rollout event topics.
const (
	TopicExecutionCreated   = "execution.created"
	TopicBatchStarted       = "batch.started"
	TopicDeviceResult       = "device.result"
	TopicBatchCompleted     = "batch.completed"
	TopicExecutionCompleted = "execution.completed"
	TopicExecutionAbandoned = "execution.abandoned"
)

type Event struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	ExecutionID string          `json:"execution_id"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	Source      string          `json:"source"`
}

// NewEvent stamps an event for executionID with a fresh id and the JSON form of payload.
func NewEvent(topic, executionID string, payload interface{}, at time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrapf(err, "marshal %s payload", topic)
	}
	return Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		ExecutionID: executionID,
		Payload:     data,
		Timestamp:   at,
		Source:      "control-plane",
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
func (discard) Close() error                         { return nil }

type multi []Publisher

// Multi fans an event out to every publisher. A failing publisher does not stop
// delivery to the others; the errors are joined.
func Multi(pubs ...Publisher) Publisher {
	return multi(pubs)
}

func (m multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
