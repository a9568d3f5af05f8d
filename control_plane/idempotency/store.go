package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultTTL bounds how long a replayable response is kept.
const DefaultTTL = time.Hour

// Response is the recorded outcome of a mutating request.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Backend persists encoded responses. store.RedisStore satisfies it.
type Backend interface {
	GetIdempotencyRecord(ctx context.Context, key string) ([]byte, bool, error)
	SetIdempotencyRecord(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Store replays the first response recorded for an idempotency key.
type Store struct {
	backend Backend
	ttl     time.Duration
}

// NewStore caches in process memory.
func NewStore() *Store {
	return NewBackedStore(newMemoryBackend(time.Now), DefaultTTL)
}

// NewBackedStore caches in the given backend, typically Redis, so replays
// work across replicas.
func NewBackedStore(b Backend, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{backend: b, ttl: ttl}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool, error) {
	raw, found, err := s.backend.GetIdempotencyRecord(ctx, key)
	if err != nil || !found {
		return Response{}, false, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, errors.Wrapf(err, "decode idempotency record %s", key)
	}
	return resp, true, nil
}

// Set records resp unless a response for key already exists.
func (s *Store) Set(ctx context.Context, key string, resp Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "encode idempotency record")
	}
	return s.backend.SetIdempotencyRecord(ctx, key, raw, s.ttl)
}

type memoryBackend struct {
	cache sync.Map
	now   func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func newMemoryBackend(now func() time.Time) *memoryBackend {
	return &memoryBackend{now: now}
}

func (m *memoryBackend) GetIdempotencyRecord(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok := m.cache.Load(key)
	if !ok {
		return nil, false, nil
	}
	e := val.(*entry)
	if m.now().After(e.expiresAt) {
		m.cache.CompareAndDelete(key, val)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *memoryBackend) SetIdempotencyRecord(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	fresh := &entry{value: value, expiresAt: m.now().Add(ttl)}
	for {
		prev, loaded := m.cache.LoadOrStore(key, fresh)
		if !loaded {
			return nil
		}
		if !m.now().After(prev.(*entry).expiresAt) {
			return nil
		}
		// expired record, replace it
		if m.cache.CompareAndSwap(key, prev, fresh) {
			return nil
		}
	}
}
