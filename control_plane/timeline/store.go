package timeline

import (
	"context"
	"sync"
	"time"

	"github.com/itskum47/FleetRoll/control_plane/streaming"
)

// DefaultRetention caps the events kept per execution.
const DefaultRetention = 1000

// Store keeps the audit trail of each execution in memory. It is a
// streaming.Publisher so the engine can feed it like any other sink.
type Store struct {
	mu        sync.RWMutex
	events    map[string][]streaming.Event
	retention int
}

func NewStore(retention int) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		events:    make(map[string][]streaming.Event),
		retention: retention,
	}
}

func (s *Store) Record(e streaming.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	trail := append(s.events[e.ExecutionID], e)
	// oldest events go first
	if len(trail) > s.retention {
		trail = trail[len(trail)-s.retention:]
	}
	s.events[e.ExecutionID] = trail
}

func (s *Store) Publish(ctx context.Context, event streaming.Event) error {
	s.Record(event)
	return nil
}

func (s *Store) Close() error { return nil }

// Events returns a copy of the execution's trail in publish order.
func (s *Store) Events(executionID string) []streaming.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail := s.events[executionID]
	c := make([]streaming.Event, len(trail))
	copy(c, trail)
	return c
}

// EventsByTopic filters the trail of one execution by topic.
func (s *Store) EventsByTopic(executionID, topic string) []streaming.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []streaming.Event
	for _, e := range s.events[executionID] {
		if e.Topic == topic {
			results = append(results, e)
		}
	}
	return results
}
