package coordination

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/itskum47/FleetRoll/control_plane/observability"
	"github.com/itskum47/FleetRoll/control_plane/store"
)

// LockMetadata is the value stored under the leader key.
type LockMetadata struct {
	OwnerNode string    `json:"owner_node"`
	Term      string    `json:"term"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaderElector keeps a single control plane replica in charge of the
// background monitors.
type LeaderElector struct {
	coordinator store.Coordinator
	nodeID      string
	lockKey     string
	ttl         time.Duration

	mu           sync.RWMutex
	isLeader     bool
	currentValue string // exact lease value while held
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
	transitions  int64

	onElected func(context.Context)
	onLost    func()
}

type LeaderState struct {
	IsLeader    bool   `json:"is_leader"`
	Transitions int64  `json:"transitions"`
	NodeID      string `json:"node_id"`
}

func NewLeaderElector(c store.Coordinator, nodeID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		coordinator: c,
		nodeID:      nodeID,
		lockKey:     store.LockKey(store.ResourceLeader, "rollout-monitor"),
		ttl:         ttl,
	}
}

func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// GetState returns the elector state for the health endpoint.
func (l *LeaderElector) GetState() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:    l.isLeader,
		Transitions: l.transitions,
		NodeID:      l.nodeID,
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	// first attempt right away
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.stepDown()
			l.release()
			return
		case <-timer.C:
			err := l.attempt(ctx, &renewFailures, maxRenewFailures)
			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				log.Warn().Err(err).Dur("backoff", interval).Str("node_id", l.nodeID).Msg("leader election error")
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) attempt(ctx context.Context, renewFailures *int, maxRenewFailures int) error {
	if !l.IsLeader() {
		acquired, err := l.acquire(ctx)
		if err != nil {
			return err
		}
		if acquired {
			l.becomeLeader()
		}
		return nil
	}

	renewed, err := l.renew(ctx)
	if err != nil {
		*renewFailures++
		if *renewFailures >= maxRenewFailures {
			log.Error().Int("failures", *renewFailures).Msg("too many lease renew failures, stepping down")
			l.stepDown()
			*renewFailures = 0
		}
		return err
	}
	*renewFailures = 0
	if !renewed {
		l.stepDown()
	}
	return nil
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	meta := LockMetadata{
		OwnerNode: l.nodeID,
		Term:      uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	valBytes, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(valBytes)

	acquired, err := l.coordinator.AcquireLock(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()

	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLock(ctx, l.lockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.Lock()
	val := l.currentValue
	l.currentValue = ""
	l.mu.Unlock()

	if val == "" {
		return
	}

	// the outer context is usually cancelled by now
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLock(ctx, l.lockKey, val); err != nil {
		log.Warn().Err(err).Msg("release leader lease failed")
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	l.leaderCtx, l.leaderCancel = context.WithCancel(context.Background())
	l.transitions++
	leaderCtx := l.leaderCtx
	l.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	observability.IsLeader.WithLabelValues(l.nodeID).Set(1)
	log.Info().Str("node_id", l.nodeID).Msg("acquired rollout monitor leadership")

	if l.onElected != nil {
		go l.onElected(leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	observability.IsLeader.WithLabelValues(l.nodeID).Set(0)
	log.Warn().Str("node_id", l.nodeID).Msg("lost rollout monitor leadership")

	if l.onLost != nil {
		l.onLost()
	}
}
