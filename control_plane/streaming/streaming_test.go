package streaming

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recorder struct {
	events []Event
	err    error
	closed bool
}

func (r *recorder) Publish(ctx context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func TestMultiDeliversToEveryPublisher(t *testing.T) {
	failing := &recorder{err: errors.New("sink down")}
	ok := &recorder{}
	pub := Multi(failing, NewLogPublisher(), ok)

	ev, err := NewEvent(TopicDeviceResult, "e1", map[string]bool{"success": true}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(context.Background(), ev); err == nil {
		t.Error("expected the failing publisher's error")
	}
	if len(ok.events) != 1 || ok.events[0].ID != ev.ID {
		t.Errorf("publisher after a failure got %v", ok.events)
	}

	if err := pub.Close(); err != nil {
		t.Fatal(err)
	}
	if !failing.closed || !ok.closed {
		t.Error("Close should reach every publisher")
	}
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev, err := NewEvent(TopicBatchCompleted, "e1", map[string]string{"result": "SUCCESSFUL"}, at)
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID == "" || ev.Source != "control-plane" || !ev.Timestamp.Equal(at) {
		t.Errorf("unexpected event %+v", ev)
	}
	if string(ev.Payload) != `{"result":"SUCCESSFUL"}` {
		t.Errorf("payload %s", ev.Payload)
	}

	if _, err := NewEvent(TopicBatchCompleted, "e1", make(chan int), at); err == nil {
		t.Error("expected a marshal error")
	}
}
