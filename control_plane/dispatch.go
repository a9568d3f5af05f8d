package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/itskum47/FleetRoll/control_plane/execution"
	"github.com/itskum47/FleetRoll/control_plane/observability"
)

// HTTPDispatcher delivers update requests to device agents.
// IMPORTANT:
// - HTTP 202 Accepted (or 200) = delivered, installation runs on the device
// - the outcome is reported later via /executions/{id}/results
// - a failed delivery is only logged and counted; the device stays pending
type HTTPDispatcher struct {
	cfg      DispatchConfig
	client   *http.Client
	limiter  *rate.Limiter
	perAgent *agentLimiter
	breaker  *deliveryBreaker
	queue    chan execution.DispatchRequest
	wg       sync.WaitGroup
}

// agentLimiter keeps one token bucket per agent address, so devices behind
// a shared gateway do not flood it.
type agentLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newAgentLimiter(r float64, b int) *agentLimiter {
	return &agentLimiter{limiters: make(map[string]*rate.Limiter), r: rate.Limit(r), b: b}
}

func (l *agentLimiter) Wait(ctx context.Context, addr string) error {
	l.mu.Lock()
	limiter, ok := l.limiters[addr]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[addr] = limiter
	}
	l.mu.Unlock()
	return limiter.Wait(ctx)
}

func NewHTTPDispatcher(cfg DispatchConfig) *HTTPDispatcher {
	return &HTTPDispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		perAgent: newAgentLimiter(cfg.PerAgentRate, cfg.PerAgentBurst),
		breaker:  newDeliveryBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		queue:    make(chan execution.DispatchRequest, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers exit when ctx is done.
func (d *HTTPDispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	log.Info().Int("workers", d.cfg.Workers).Float64("rate", d.cfg.RatePerSecond).Msg("dispatch workers started")
}

// Wait blocks until every worker has exited.
func (d *HTTPDispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch enqueues without blocking. Requests that do not fit are dropped.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, reqs []execution.DispatchRequest) {
	for _, req := range reqs {
		select {
		case d.queue <- req:
			observability.DispatchQueueDepth.Inc()
		default:
			observability.DispatchDeliveries.WithLabelValues("dropped").Inc()
			log.Warn().
				Str("execution_id", req.ExecutionID).
				Str("device_id", req.DeviceID).
				Msg("dispatch queue full, update not delivered")
		}
	}
}

func (d *HTTPDispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			observability.DispatchQueueDepth.Dec()
			if req.Address == "" {
				// not an agent fault, so the breaker never sees it
				observability.DispatchDeliveries.WithLabelValues("failed").Inc()
				log.Warn().Str("device_id", req.DeviceID).Msg("device has no address, update not delivered")
				continue
			}
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			if err := d.perAgent.Wait(ctx, req.Address); err != nil {
				return
			}
			if !d.breaker.Allow() {
				observability.DispatchDeliveries.WithLabelValues("rejected").Inc()
				log.Warn().
					Str("execution_id", req.ExecutionID).
					Str("device_id", req.DeviceID).
					Msg("dispatch circuit open, update not delivered")
				continue
			}
			if err := d.deliver(ctx, req); err != nil {
				d.breaker.RecordFailure()
				observability.DispatchDeliveries.WithLabelValues("failed").Inc()
				log.Warn().Err(err).
					Str("execution_id", req.ExecutionID).
					Str("device_id", req.DeviceID).
					Msg("update delivery failed")
				continue
			}
			d.breaker.RecordSuccess()
			observability.DispatchDeliveries.WithLabelValues("accepted").Inc()
			log.Debug().
				Str("execution_id", req.ExecutionID).
				Str("device_id", req.DeviceID).
				Msg("update delivered to agent")
		}
	}
}

func (d *HTTPDispatcher) deliver(ctx context.Context, req execution.DispatchRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal dispatch payload")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.agentURL(req.Address), bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "contact agent")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return errors.Errorf("agent returned status %d", resp.StatusCode)
	}
	return nil
}

// agentURL brackets IPv6 literals.
func (d *HTTPDispatcher) agentURL(address string) string {
	return "http://" + net.JoinHostPort(address, strconv.Itoa(d.cfg.AgentPort)) + "/updates"
}
