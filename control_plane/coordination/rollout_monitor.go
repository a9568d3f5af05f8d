package coordination

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/itskum47/FleetRoll/control_plane/execution"
	"github.com/itskum47/FleetRoll/control_plane/observability"
	"github.com/itskum47/FleetRoll/control_plane/store"
)

// RolloutDriver is the part of the execution engine the monitor drives.
type RolloutDriver interface {
	CheckBatchCompletion(ctx context.Context, executionBatchID string) (*execution.CompletionCheck, error)
	EndMonitoringPeriod(ctx context.Context, executionBatchID string) (*execution.CompletionCheck, error)
	StartNextBatch(ctx context.Context, currentExecutionBatchID string) (*execution.BatchStart, error)
	CompleteExecution(ctx context.Context, executionID string) (*store.Execution, error)
}

// RolloutMonitor polls executing rollouts. It closes batches whose devices
// all reported or whose monitoring window elapsed and, with auto-advance on,
// moves successful rollouts to the next batch. FAILED and INCOMPLETE batches
// stay put for an operator.
type RolloutMonitor struct {
	store       store.Store
	driver      RolloutDriver
	interval    time.Duration
	autoAdvance bool
	gate        func() bool
}

func NewRolloutMonitor(s store.Store, d RolloutDriver, interval time.Duration, autoAdvance bool) *RolloutMonitor {
	return &RolloutMonitor{
		store:       s,
		driver:      d,
		interval:    interval,
		autoAdvance: autoAdvance,
		gate:        func() bool { return true },
	}
}

// OnlyWhen makes every tick conditional, typically on leadership.
func (m *RolloutMonitor) OnlyWhen(gate func() bool) *RolloutMonitor {
	m.gate = gate
	return m
}

func (m *RolloutMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *RolloutMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", m.interval).
		Bool("auto_advance", m.autoAdvance).
		Msg("starting rollout monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.gate() {
				continue
			}
			if err := m.Tick(ctx); err != nil {
				log.Warn().Err(err).Msg("rollout monitor tick failed")
			}
		}
	}
}

// Tick runs one pass over every EXECUTING execution. A failure on one
// execution is logged and does not stop the others.
func (m *RolloutMonitor) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		observability.MonitorTickDuration.Observe(time.Since(start).Seconds())
	}()

	execs, err := m.store.ListExecutionsByStatus(ctx, store.ExecutionExecuting)
	if err != nil {
		return errors.Wrap(err, "list executing executions")
	}
	for _, exec := range execs {
		if err := m.advance(ctx, exec.ExecutionID); err != nil {
			log.Warn().Err(err).Str("execution_id", exec.ExecutionID).Msg("rollout monitor could not advance execution")
		}
	}
	return nil
}

func (m *RolloutMonitor) advance(ctx context.Context, executionID string) error {
	eb, err := m.currentBatch(ctx, executionID)
	if err != nil || eb == nil {
		return err
	}

	check, err := m.driver.CheckBatchCompletion(ctx, eb.ExecutionBatchID)
	if err != nil {
		return err
	}
	if !check.Complete {
		if check, err = m.driver.EndMonitoringPeriod(ctx, eb.ExecutionBatchID); err != nil {
			return err
		}
	}
	if !check.Complete || check.Result != store.ResultSuccessful || !m.autoAdvance {
		return nil
	}

	next, err := m.driver.StartNextBatch(ctx, eb.ExecutionBatchID)
	if err != nil {
		return err
	}
	if next != nil {
		log.Info().
			Str("execution_id", executionID).
			Int("sequence", next.Sequence).
			Msg("auto-advanced to next batch")
		return nil
	}

	if _, err := m.driver.CompleteExecution(ctx, executionID); err != nil {
		return err
	}
	log.Info().Str("execution_id", executionID).Msg("auto-completed execution after last batch")
	return nil
}

// currentBatch is the EXECUTING batch, or else the highest COMPLETED one
// when the rollout sits between batches.
func (m *RolloutMonitor) currentBatch(ctx context.Context, executionID string) (*store.ExecutionBatch, error) {
	ebs, err := m.store.ListExecutionBatches(ctx, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "list execution batches")
	}
	var lastCompleted *store.ExecutionBatch
	for _, eb := range ebs {
		switch eb.Status {
		case store.ExecutionBatchExecuting:
			return eb, nil
		case store.ExecutionBatchCompleted:
			lastCompleted = eb
		}
	}
	return lastCompleted, nil
}
