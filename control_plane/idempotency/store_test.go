package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestFirstResponseWins(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if _, found, err := s.Get(ctx, "k"); err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}

	first := Response{StatusCode: 201, Body: []byte(`{"plan_id":"p1"}`), Headers: map[string][]string{"Content-Type": {"application/json"}}}
	if err := s.Set(ctx, "k", first); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "k", Response{StatusCode: 409}); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.StatusCode != 201 || string(got.Body) != `{"plan_id":"p1"}` {
		t.Errorf("replayed %d %s, want the first response", got.StatusCode, got.Body)
	}
	if got.Headers["Content-Type"][0] != "application/json" {
		t.Errorf("headers not preserved: %v", got.Headers)
	}
}

func TestMemoryRecordsExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewBackedStore(newMemoryBackend(func() time.Time { return now }), time.Minute)

	if err := s.Set(ctx, "k", Response{StatusCode: 200}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Fatal("expired record was replayed")
	}

	if err := s.Set(ctx, "k", Response{StatusCode: 202}); err != nil {
		t.Fatal(err)
	}
	got, found, _ := s.Get(ctx, "k")
	if !found || got.StatusCode != 202 {
		t.Errorf("got %+v found=%v, want the new record", got, found)
	}
}
