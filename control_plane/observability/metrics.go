package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlansGenerated counts DRAFT plans created by the planner.
	PlansGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetroll_plans_generated_total",
		Help: "Total number of rollout plans generated",
	})

	// ExecutionTransitions counts execution status changes by target status.
	ExecutionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetroll_execution_transitions_total",
		Help: "Total number of execution status transitions",
	}, []string{"status"})

	// BatchesStarted counts dispatched execution batches by batch type.
	BatchesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetroll_batches_started_total",
		Help: "Total number of execution batches started",
	}, []string{"type"})

	// BatchesCompleted counts completed execution batches by result and path.
	BatchesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetroll_batches_completed_total",
		Help: "Total number of execution batches completed",
	}, []string{"result", "path"}) // path: reported, timeout

	// DevicesDispatched counts device status rows created at dispatch time.
	DevicesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetroll_devices_dispatched_total",
		Help: "Total number of devices an update was dispatched to",
	})

	// DevicesSkippedOffline counts batch members skipped because they were not ONLINE.
	DevicesSkippedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetroll_devices_skipped_offline_total",
		Help: "Total number of batch members skipped at dispatch because they were not online",
	})

	// DeviceResults counts device result callbacks by outcome.
	DeviceResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetroll_device_results_total",
		Help: "Total number of device update results recorded",
	}, []string{"outcome"})

	// DispatchDeliveries counts attempts to hand an update to a device agent.
	DispatchDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetroll_dispatch_deliveries_total",
		Help: "Total number of update deliveries attempted to device agents",
	}, []string{"outcome"}) // outcome: accepted, failed, dropped, rejected

	// DispatchQueueDepth tracks deliveries waiting for a worker.
	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetroll_dispatch_queue_depth",
		Help: "Current number of deliveries waiting in the dispatch queue",
	})

	// DispatchBreakerState is 0 closed, 1 half-open, 2 open.
	DispatchBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetroll_dispatch_breaker_state",
		Help: "State of the dispatch delivery circuit breaker",
	})

	// MonitorTickDuration tracks one pass of the rollout monitor.
	MonitorTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetroll_monitor_tick_duration_seconds",
		Help:    "Duration of one rollout monitor pass",
		Buckets: prometheus.DefBuckets,
	})

	// DevicesMarkedOffline counts devices demoted by the liveness monitor.
	DevicesMarkedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetroll_devices_marked_offline_total",
		Help: "Total number of devices marked offline after missing heartbeats",
	})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetroll_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// IsLeader is 1 while this node holds the monitor lease.
	IsLeader = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetroll_is_leader",
		Help: "Whether this node is the rollout monitor leader (1=leader, 0=follower)",
	}, []string{"node_id"})

	// RedisLatency tracks latency of Redis operations.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetroll_redis_latency_seconds",
		Help:    "Latency of Redis operations",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// APIRequests counts HTTP requests by route and status code.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetroll_api_requests_total",
		Help: "Total number of API requests",
	}, []string{"route", "code"})

	// RateLimitedRequests counts device result callbacks rejected by the limiter.
	RateLimitedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetroll_rate_limited_requests_total",
		Help: "Total number of result callbacks rejected by the rate limiter",
	})

	// IdempotentReplays counts responses served from the idempotency cache.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetroll_idempotent_replays_total",
		Help: "Total number of responses replayed for a repeated idempotency key",
	})

	// StreamClients tracks connected websocket clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetroll_stream_clients",
		Help: "Current number of connected event stream clients",
	})
)
