package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceExecution   Resource = "executions"
	ResourceIdempotency Resource = "idempotency"
	ResourceLeader      Resource = "leader"
)

// LockKey constructs the Redis lock key guarding a resource.
// Format: fleetroll:lock:{resource}:{id}
func LockKey(resource Resource, id string) string {
	return fmt.Sprintf("fleetroll:lock:%s:%s", resource, id)
}

// IdempotencyKey constructs the Redis key caching an API response.
// Format: fleetroll:idempotency:{key}
func IdempotencyKey(key string) string {
	return fmt.Sprintf("fleetroll:%s:%s", ResourceIdempotency, key)
}
