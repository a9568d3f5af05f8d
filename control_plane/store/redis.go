package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/FleetRoll/control_plane/observability"
)

// RedisStore implements Coordinator and the idempotency record cache on Redis.
// Durable rollout state never lives here.
type RedisStore struct {
	client *redis.Client
}

// renewScript extends the TTL only while the caller still owns the lock.
// Returns 1 on success, 0 if PEXPIRE failed, -1 if the key is gone, -2 on owner mismatch.
const renewScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	else
		return -2
	end
`

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func observeRedis(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// AcquireLock attempts to acquire a distributed lock.
// It uses SET key value NX PX ttl.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	success, err := s.client.SetNX(ctx, key, ownerID, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquire lock %s", key)
	}
	return success, nil
}

// RenewLock extends the TTL if the lock is held by ownerID.
func (s *RedisStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	res, err := s.client.Eval(ctx, renewScript, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "renew lock %s", key)
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from lua script")
	}
	return val == 1, nil
}

// ReleaseLock releases the lock if held by ownerID.
func (s *RedisStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	defer observeRedis(time.Now())

	if err := s.client.Eval(ctx, releaseScript, []string{key}, ownerID).Err(); err != nil {
		return errors.Wrapf(err, "release lock %s", key)
	}
	return nil
}

// GetLockOwner returns current owner.
func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "get lock owner %s", key)
	}
	return val, nil
}

// --- Idempotency Records ---

// GetIdempotencyRecord returns the cached response for key; found is false
// when no record exists.
func (s *RedisStore) GetIdempotencyRecord(ctx context.Context, key string) (value []byte, found bool, err error) {
	defer observeRedis(time.Now())

	val, err := s.client.Get(ctx, IdempotencyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "get idempotency record")
	}
	return val, true, nil
}

// SetIdempotencyRecord stores a response only if none exists yet, so the first
// completed request for a key wins.
func (s *RedisStore) SetIdempotencyRecord(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	defer observeRedis(time.Now())

	if err := s.client.SetNX(ctx, IdempotencyKey(key), value, ttl).Err(); err != nil {
		return errors.Wrap(err, "set idempotency record")
	}
	return nil
}
