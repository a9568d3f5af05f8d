package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/itskum47/FleetRoll/control_plane/store"
)

// RedisLocker serializes batch advancement per execution across control
// plane replicas. The lease is renewed while held so a slow transaction does
// not lose it, and expires on its own if the holder dies.
type RedisLocker struct {
	coordinator store.Coordinator
	nodeID      string
	ttl         time.Duration
	retry       time.Duration
}

func NewRedisLocker(c store.Coordinator, nodeID string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		coordinator: c,
		nodeID:      nodeID,
		ttl:         ttl,
		retry:       50 * time.Millisecond,
	}
}

// Lock blocks until the execution lock is held or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, executionID string) (func(), error) {
	key := store.LockKey(store.ResourceExecution, executionID)
	token := l.nodeID + ":" + uuid.NewString()

	for {
		ok, err := l.coordinator.AcquireLock(ctx, key, token, l.ttl)
		if err != nil {
			return nil, errors.Wrapf(err, "acquire %s", key)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, stop, done)

	return func() {
		close(stop)
		<-done
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.coordinator.ReleaseLock(rctx, key, token); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("release execution lock failed")
		}
	}, nil
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			renewed, err := l.coordinator.RenewLock(ctx, key, token, l.ttl)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("renew execution lock failed")
				continue
			}
			if !renewed {
				log.Error().Str("key", key).Msg("execution lock lost while held")
				return
			}
		}
	}
}
