// Package execution drives an approved plan through its batches.
//
// An Execution moves CREATED -> EXECUTING -> COMPLETED | ABANDONED and each of
// its ExecutionBatches moves PENDING -> EXECUTING -> COMPLETED. A batch result
// is written exactly once, either when every dispatched device has reported or
// when its monitoring period runs out.
package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/itskum47/FleetRoll/control_plane/errs"
	"github.com/itskum47/FleetRoll/control_plane/observability"
	"github.com/itskum47/FleetRoll/control_plane/store"
	"github.com/itskum47/FleetRoll/control_plane/streaming"
)

// BatchStart describes a batch that has just been dispatched.
type BatchStart struct {
	ExecutionID       string    `json:"execution_id"`
	ExecutionBatchID  string    `json:"execution_batch_id"`
	BatchID           string    `json:"batch_id"`
	Sequence          int       `json:"sequence"`
	BatchType         string    `json:"batch_type"`
	DevicesDispatched int       `json:"devices_dispatched"`
	DevicesSkipped    int       `json:"devices_skipped"`
	MonitoringEndTime time.Time `json:"monitoring_end_time"`
}

// CompletionCheck is the outcome of CheckBatchCompletion and EndMonitoringPeriod.
type CompletionCheck struct {
	ExecutionID      string                     `json:"execution_id"`
	ExecutionBatchID string                     `json:"execution_batch_id"`
	Sequence         int                        `json:"sequence"`
	Complete         bool                       `json:"batch_complete"`
	Result           store.ExecutionBatchResult `json:"result,omitempty"`
	DevicesReported  int                        `json:"devices_reported"`
	TotalDevices     int                        `json:"total_devices"`
}

type Engine struct {
	store      store.Store
	locker     Locker
	dispatcher Dispatcher
	publisher  streaming.Publisher
	now        func() time.Time
	newID      func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

func WithPublisher(p streaming.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithIDGenerator replaces uuid generation, mostly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		locker:     NewLocalLocker(),
		dispatcher: noopDispatcher{},
		publisher:  streaming.Discard,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateFromPlan mirrors an APPROVED plan into a CREATED execution with one
// PENDING ExecutionBatch per batch and moves the plan to EXECUTING.
func (e *Engine) CreateFromPlan(ctx context.Context, planID string) (*store.Execution, error) {
	var exec *store.Execution

	err := e.store.InTx(ctx, func(tx store.Store) error {
		plan, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return errors.Wrap(err, "load plan")
		}
		if plan == nil {
			return errs.ErrPlanNotFound.With("plan %s", planID)
		}
		if plan.Status != store.PlanApproved {
			return errs.ErrPlanNotApproved.With("plan %s is %s", planID, plan.Status)
		}

		batches, err := tx.ListBatches(ctx, planID)
		if err != nil {
			return errors.Wrap(err, "list batches")
		}

		now := e.now()
		exec = &store.Execution{
			ExecutionID: e.newID(),
			PlanID:      planID,
			Status:      store.ExecutionCreated,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateExecution(ctx, exec); err != nil {
			return errors.Wrap(err, "create execution")
		}
		for _, b := range batches {
			eb := &store.ExecutionBatch{
				ExecutionBatchID: e.newID(),
				ExecutionID:      exec.ExecutionID,
				BatchID:          b.BatchID,
				Sequence:         b.Sequence,
				Status:           store.ExecutionBatchPending,
			}
			if err := tx.CreateExecutionBatch(ctx, eb); err != nil {
				return errors.Wrapf(err, "create execution batch %d", b.Sequence)
			}
			exec.Batches = append(exec.Batches, eb)
		}

		ok, err := tx.TransitionPlanStatus(ctx, planID, store.PlanApproved, store.PlanExecuting)
		if err != nil {
			return errors.Wrap(err, "transition plan")
		}
		if !ok {
			return errs.ErrPlanNotApproved.With("plan %s changed concurrently", planID)
		}
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("plan_id", planID).Msg("create execution rejected")
		return nil, err
	}

	observability.ExecutionTransitions.WithLabelValues(string(store.ExecutionCreated)).Inc()
	log.Info().
		Str("execution_id", exec.ExecutionID).
		Str("plan_id", planID).
		Int("batches", len(exec.Batches)).
		Msg("execution created")
	e.publish(ctx, streaming.TopicExecutionCreated, exec.ExecutionID, exec)
	return exec, nil
}

// GetExecution returns the execution with its batches in sequence order.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := loadExecution(ctx, e.store, executionID)
	if err != nil {
		return nil, err
	}
	exec.Batches, err = e.store.ListExecutionBatches(ctx, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "list execution batches")
	}
	return exec, nil
}

func loadExecution(ctx context.Context, s store.Store, executionID string) (*store.Execution, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "load execution")
	}
	if exec == nil {
		return nil, errs.ErrExecutionNotFound.With("execution %s", executionID)
	}
	return exec, nil
}

// StartBatch dispatches the lowest-sequence batch of a CREATED execution.
func (e *Engine) StartBatch(ctx context.Context, executionID string) (*BatchStart, error) {
	unlock, err := e.locker.Lock(ctx, executionID)
	if err != nil {
		return nil, errors.Wrapf(err, "lock execution %s", executionID)
	}
	defer unlock()

	var start *BatchStart
	var reqs []DispatchRequest

	err = e.store.InTx(ctx, func(tx store.Store) error {
		exec, err := loadExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if exec.Status != store.ExecutionCreated {
			return errs.ErrAlreadyInProgress.With("execution %s is %s", executionID, exec.Status)
		}

		ebs, err := tx.ListExecutionBatches(ctx, executionID)
		if err != nil {
			return errors.Wrap(err, "list execution batches")
		}
		if len(ebs) == 0 {
			return errs.ErrNoBatches.With("execution %s has no batches", executionID)
		}

		start, reqs, err = e.dispatchBatch(ctx, tx, exec, ebs[0])
		if err != nil {
			return err
		}

		ok, err := tx.TransitionExecutionStatus(ctx, executionID, store.ExecutionCreated, store.ExecutionExecuting)
		if err != nil {
			return errors.Wrap(err, "transition execution")
		}
		if !ok {
			return errs.ErrAlreadyInProgress.With("execution %s changed concurrently", executionID)
		}
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("execution_id", executionID).Msg("start batch rejected")
		return nil, err
	}

	observability.ExecutionTransitions.WithLabelValues(string(store.ExecutionExecuting)).Inc()
	e.afterDispatch(ctx, start, reqs)
	return start, nil
}

// StartNextBatch dispatches the batch following a COMPLETED one. It returns
// (nil, nil) when there is no PENDING successor, which means the rollout is done.
func (e *Engine) StartNextBatch(ctx context.Context, currentExecutionBatchID string) (*BatchStart, error) {
	current, err := e.store.GetExecutionBatch(ctx, currentExecutionBatchID)
	if err != nil {
		return nil, errors.Wrap(err, "load execution batch")
	}
	if current == nil {
		return nil, errs.ErrCurrentBatchNotFound.With("execution batch %s", currentExecutionBatchID)
	}

	unlock, err := e.locker.Lock(ctx, current.ExecutionID)
	if err != nil {
		return nil, errors.Wrapf(err, "lock execution %s", current.ExecutionID)
	}
	defer unlock()

	var start *BatchStart
	var reqs []DispatchRequest

	err = e.store.InTx(ctx, func(tx store.Store) error {
		// re-read under the lock
		current, err := tx.GetExecutionBatch(ctx, currentExecutionBatchID)
		if err != nil {
			return errors.Wrap(err, "load execution batch")
		}
		if current == nil {
			return errs.ErrCurrentBatchNotFound.With("execution batch %s", currentExecutionBatchID)
		}
		if current.Status != store.ExecutionBatchCompleted {
			return errs.ErrCurrentBatchNotComplete.With("execution batch %s is %s", currentExecutionBatchID, current.Status)
		}

		exec, err := loadExecution(ctx, tx, current.ExecutionID)
		if err != nil {
			return err
		}
		if exec.Status != store.ExecutionExecuting {
			return errs.ErrExecutionNotActive.With("execution %s is %s", exec.ExecutionID, exec.Status)
		}

		next, err := tx.GetExecutionBatchBySequence(ctx, exec.ExecutionID, current.Sequence+1)
		if err != nil {
			return errors.Wrap(err, "load next execution batch")
		}
		if next == nil || next.Status != store.ExecutionBatchPending {
			return nil
		}

		start, reqs, err = e.dispatchBatch(ctx, tx, exec, next)
		return err
	})
	if err != nil {
		log.Debug().Err(err).Str("execution_batch_id", currentExecutionBatchID).Msg("start next batch rejected")
		return nil, err
	}
	if start == nil {
		log.Info().
			Str("execution_id", current.ExecutionID).
			Int("sequence", current.Sequence).
			Msg("no pending batch after current, rollout finished")
		return nil, nil
	}

	e.afterDispatch(ctx, start, reqs)
	return start, nil
}

// dispatchBatch moves eb to EXECUTING and records a status row for every batch
// member that is ONLINE right now. Other members are skipped for good.
func (e *Engine) dispatchBatch(ctx context.Context, tx store.Store, exec *store.Execution, eb *store.ExecutionBatch) (*BatchStart, []DispatchRequest, error) {
	batch, err := tx.GetBatch(ctx, eb.BatchID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load batch")
	}
	if batch == nil {
		return nil, nil, errs.ErrBatchConfigMissing.With("batch %s of execution batch %s", eb.BatchID, eb.ExecutionBatchID)
	}

	now := e.now()
	monitoringEnd := now.Add(time.Duration(batch.MonitoringPeriod) * time.Hour)
	ok, err := tx.StartExecutionBatch(ctx, eb.ExecutionBatchID, now, monitoringEnd)
	if err != nil {
		return nil, nil, errors.Wrap(err, "start execution batch")
	}
	if !ok {
		return nil, nil, errs.ErrAlreadyInProgress.With("execution batch %s is not pending", eb.ExecutionBatchID)
	}

	members, err := tx.ListBatchDevices(ctx, batch.BatchID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list batch devices")
	}
	devices, err := tx.GetDevices(ctx, members)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load batch devices")
	}

	m, err := loadManifest(ctx, tx, exec.PlanID)
	if err != nil {
		return nil, nil, err
	}

	var reqs []DispatchRequest
	for _, d := range devices {
		if d.Status != store.DeviceOnline {
			continue
		}
		st := &store.ExecutionDeviceStatus{
			ExecutionBatchID: eb.ExecutionBatchID,
			DeviceID:         d.DeviceID,
			UpdateSent:       true,
			SentAt:           now,
		}
		if err := tx.CreateExecutionDeviceStatus(ctx, st); err != nil {
			return nil, nil, errors.Wrapf(err, "record dispatch to %s", d.DeviceID)
		}
		reqs = append(reqs, DispatchRequest{
			ExecutionID:      exec.ExecutionID,
			ExecutionBatchID: eb.ExecutionBatchID,
			DeviceID:         d.DeviceID,
			Address:          d.IPAddress,
			UpdateID:         m.updateID,
			UpdateName:       m.updateName,
			UpdateVersion:    m.updateVersion,
			Packages:         m.packages,
		})
	}

	start := &BatchStart{
		ExecutionID:       exec.ExecutionID,
		ExecutionBatchID:  eb.ExecutionBatchID,
		BatchID:           batch.BatchID,
		Sequence:          eb.Sequence,
		BatchType:         string(batch.Type),
		DevicesDispatched: len(reqs),
		DevicesSkipped:    len(members) - len(reqs),
		MonitoringEndTime: monitoringEnd,
	}
	return start, reqs, nil
}

type manifest struct {
	updateID      string
	updateName    string
	updateVersion string
	packages      []*store.UpdatePackage
}

// loadManifest collects what the transport needs to deliver the plan's update.
func loadManifest(ctx context.Context, s store.Store, planID string) (manifest, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return manifest{}, errors.Wrap(err, "load plan")
	}
	if plan == nil {
		return manifest{}, nil
	}
	update, err := s.GetUpdate(ctx, plan.UpdateID)
	if err != nil {
		return manifest{}, errors.Wrap(err, "load update")
	}
	if update == nil {
		return manifest{updateID: plan.UpdateID}, nil
	}
	pkgs, err := s.ListUpdatePackages(ctx, update.UpdateID)
	if err != nil {
		return manifest{}, errors.Wrap(err, "load update packages")
	}
	return manifest{
		updateID:      update.UpdateID,
		updateName:    update.Name,
		updateVersion: update.Version,
		packages:      pkgs,
	}, nil
}

func (e *Engine) afterDispatch(ctx context.Context, start *BatchStart, reqs []DispatchRequest) {
	observability.BatchesStarted.WithLabelValues(start.BatchType).Inc()
	observability.DevicesDispatched.Add(float64(start.DevicesDispatched))
	observability.DevicesSkippedOffline.Add(float64(start.DevicesSkipped))

	log.Info().
		Str("execution_id", start.ExecutionID).
		Str("execution_batch_id", start.ExecutionBatchID).
		Int("sequence", start.Sequence).
		Int("dispatched", start.DevicesDispatched).
		Int("skipped", start.DevicesSkipped).
		Time("monitoring_end_time", start.MonitoringEndTime).
		Msg("batch started")

	if len(reqs) > 0 {
		e.dispatcher.Dispatch(ctx, reqs)
	}
	e.publish(ctx, streaming.TopicBatchStarted, start.ExecutionID, start)
}

type deviceResult struct {
	ExecutionBatchID string `json:"execution_batch_id"`
	DeviceID         string `json:"device_id"`
	Succeeded        bool   `json:"succeeded"`
}

// RecordDeviceUpdateResult stores a device's outcome for the currently
// EXECUTING batch. It does not evaluate batch completion.
func (e *Engine) RecordDeviceUpdateResult(ctx context.Context, executionID, deviceID string, success bool) error {
	if _, err := loadExecution(ctx, e.store, executionID); err != nil {
		return err
	}

	ebs, err := e.store.ListExecutionBatches(ctx, executionID)
	if err != nil {
		return errors.Wrap(err, "list execution batches")
	}
	var current *store.ExecutionBatch
	for _, eb := range ebs {
		if eb.Status == store.ExecutionBatchExecuting {
			current = eb
			break
		}
	}
	if current == nil {
		return errs.ErrNoExecutingBatch.With("execution %s", executionID)
	}

	outcome, err := e.store.RecordExecutionDeviceResult(ctx, current.ExecutionBatchID, deviceID, success, e.now())
	if err != nil {
		return errors.Wrap(err, "record device result")
	}
	switch outcome {
	case store.RecordBatchNotExecuting:
		return errs.ErrNoExecutingBatch.With("execution batch %s completed before the result for %s arrived", current.ExecutionBatchID, deviceID)
	case store.RecordNotDispatched:
		return errs.ErrDeviceNotInBatch.With("device %s was not dispatched in execution batch %s", deviceID, current.ExecutionBatchID)
	}

	label := "failed"
	if success {
		label = "succeeded"
	}
	observability.DeviceResults.WithLabelValues(label).Inc()
	log.Info().
		Str("execution_id", executionID).
		Str("execution_batch_id", current.ExecutionBatchID).
		Str("device_id", deviceID).
		Bool("succeeded", success).
		Msg("device result recorded")
	e.publish(ctx, streaming.TopicDeviceResult, executionID, deviceResult{
		ExecutionBatchID: current.ExecutionBatchID,
		DeviceID:         deviceID,
		Succeeded:        success,
	})
	return nil
}

func loadExecutionBatch(ctx context.Context, s store.Store, executionBatchID string) (*store.ExecutionBatch, error) {
	eb, err := s.GetExecutionBatch(ctx, executionBatchID)
	if err != nil {
		return nil, errors.Wrap(err, "load execution batch")
	}
	if eb == nil {
		return nil, errs.ErrExecutionBatchNotFound.With("execution batch %s", executionBatchID)
	}
	return eb, nil
}

func tally(rows []*store.ExecutionDeviceStatus) (reported int, anyFailed bool) {
	for _, st := range rows {
		if !st.UpdateCompleted {
			continue
		}
		reported++
		if st.Succeeded != nil && !*st.Succeeded {
			anyFailed = true
		}
	}
	return reported, anyFailed
}

// CheckBatchCompletion completes the batch once every dispatched device has
// reported: FAILED if any device failed, SUCCESSFUL otherwise. A batch with no
// dispatched devices never completes here. On a COMPLETED batch it returns the
// stored result.
func (e *Engine) CheckBatchCompletion(ctx context.Context, executionBatchID string) (*CompletionCheck, error) {
	eb, err := loadExecutionBatch(ctx, e.store, executionBatchID)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.ListExecutionDeviceStatuses(ctx, executionBatchID)
	if err != nil {
		return nil, errors.Wrap(err, "list device statuses")
	}
	reported, anyFailed := tally(rows)

	check := &CompletionCheck{
		ExecutionID:      eb.ExecutionID,
		ExecutionBatchID: executionBatchID,
		Sequence:         eb.Sequence,
		DevicesReported:  reported,
		TotalDevices:     len(rows),
	}
	if eb.Status == store.ExecutionBatchCompleted {
		check.Complete = true
		check.Result = eb.Result
		return check, nil
	}
	if len(rows) == 0 || reported < len(rows) {
		return check, nil
	}

	result := store.ResultSuccessful
	if anyFailed {
		result = store.ResultFailed
	}
	return e.complete(ctx, eb, result, check, "reported")
}

// EndMonitoringPeriod force-completes an elapsed batch as INCOMPLETE however
// many devices reported. A batch whose window is unset or still open is left
// alone and reported with zero counts; an end time equal to now has elapsed.
func (e *Engine) EndMonitoringPeriod(ctx context.Context, executionBatchID string) (*CompletionCheck, error) {
	eb, err := loadExecutionBatch(ctx, e.store, executionBatchID)
	if err != nil {
		return nil, err
	}
	check := &CompletionCheck{
		ExecutionID:      eb.ExecutionID,
		ExecutionBatchID: executionBatchID,
		Sequence:         eb.Sequence,
	}
	if eb.MonitoringEndTime == nil || eb.MonitoringEndTime.After(e.now()) {
		return check, nil
	}

	rows, err := e.store.ListExecutionDeviceStatuses(ctx, executionBatchID)
	if err != nil {
		return nil, errors.Wrap(err, "list device statuses")
	}
	check.DevicesReported, _ = tally(rows)
	check.TotalDevices = len(rows)

	if eb.Status == store.ExecutionBatchCompleted {
		check.Complete = true
		check.Result = eb.Result
		return check, nil
	}
	return e.complete(ctx, eb, store.ResultIncomplete, check, "timeout")
}

// complete applies the single COMPLETED transition. A caller that loses the
// race reports the winner's result.
func (e *Engine) complete(ctx context.Context, eb *store.ExecutionBatch, result store.ExecutionBatchResult, check *CompletionCheck, path string) (*CompletionCheck, error) {
	won, err := e.store.CompleteExecutionBatch(ctx, eb.ExecutionBatchID, result, e.now())
	if err != nil {
		return nil, errors.Wrap(err, "complete execution batch")
	}
	check.Complete = true
	if !won {
		latest, err := loadExecutionBatch(ctx, e.store, eb.ExecutionBatchID)
		if err != nil {
			return nil, err
		}
		check.Result = latest.Result
		return check, nil
	}

	check.Result = result
	observability.BatchesCompleted.WithLabelValues(string(result), path).Inc()
	log.Info().
		Str("execution_id", eb.ExecutionID).
		Str("execution_batch_id", eb.ExecutionBatchID).
		Int("sequence", eb.Sequence).
		Str("result", string(result)).
		Int("reported", check.DevicesReported).
		Int("total", check.TotalDevices).
		Str("path", path).
		Msg("batch completed")
	e.publish(ctx, streaming.TopicBatchCompleted, eb.ExecutionID, check)
	return check, nil
}

// CompleteExecution marks the execution COMPLETED and closes its plan as
// COMPLETED, or FAILED when any batch did not finish SUCCESSFUL.
func (e *Engine) CompleteExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	return e.finish(ctx, executionID, store.ExecutionCompleted, streaming.TopicExecutionCompleted)
}

// AbandonExecution marks the execution ABANDONED and cancels its plan. Batches
// in flight keep their status.
func (e *Engine) AbandonExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	return e.finish(ctx, executionID, store.ExecutionAbandoned, streaming.TopicExecutionAbandoned)
}

func (e *Engine) finish(ctx context.Context, executionID string, to store.ExecutionStatus, topic string) (*store.Execution, error) {
	var exec *store.Execution
	changed := false
	var planStatus store.PlanStatus

	err := e.store.InTx(ctx, func(tx store.Store) error {
		var err error
		exec, err = loadExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if exec.Status == to {
			return nil
		}
		if exec.Status.IsTerminal() {
			return errs.ErrExecutionAlreadyFinished.With("execution %s is %s", executionID, exec.Status)
		}

		ok, err := tx.TransitionExecutionStatus(ctx, executionID, exec.Status, to)
		if err != nil {
			return errors.Wrap(err, "transition execution")
		}
		if !ok {
			return errs.ErrExecutionNotActive.With("execution %s changed concurrently", executionID)
		}
		exec.Status = to
		changed = true

		ebs, err := tx.ListExecutionBatches(ctx, executionID)
		if err != nil {
			return errors.Wrap(err, "list execution batches")
		}
		exec.Batches = ebs

		planStatus = store.PlanCancelled
		if to == store.ExecutionCompleted {
			planStatus = store.PlanCompleted
			for _, eb := range ebs {
				if eb.Result != store.ResultSuccessful {
					planStatus = store.PlanFailed
					break
				}
			}
		}
		// the plan may have been moved by an operator; leave it then
		if _, err := tx.TransitionPlanStatus(ctx, exec.PlanID, store.PlanExecuting, planStatus); err != nil {
			return errors.Wrap(err, "transition plan")
		}
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("execution_id", executionID).Str("to", to.String()).Msg("finish execution rejected")
		return nil, err
	}
	if !changed {
		return exec, nil
	}

	observability.ExecutionTransitions.WithLabelValues(string(to)).Inc()
	log.Info().
		Str("execution_id", executionID).
		Str("status", to.String()).
		Str("plan_status", planStatus.String()).
		Msg("execution finished")
	e.publish(ctx, topic, executionID, exec)
	return exec, nil
}

func (e *Engine) publish(ctx context.Context, topic, executionID string, payload interface{}) {
	ev, err := streaming.NewEvent(topic, executionID, payload, e.now())
	if err == nil {
		err = e.publisher.Publish(ctx, ev)
	}
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Str("execution_id", executionID).Msg("publish rollout event failed")
	}
}
