package execution

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/itskum47/FleetRoll/control_plane/errs"
	"github.com/itskum47/FleetRoll/control_plane/store"
)

// PendingUpdate is an update sent to a device that has not reported yet.
type PendingUpdate struct {
	UpdateID         string    `json:"update_id"`
	UpdateName       string    `json:"update_name"`
	UpdateVersion    string    `json:"update_version"`
	ExecutionBatchID string    `json:"execution_batch_id"`
	BatchID          string    `json:"batch_id"`
	BatchName        string    `json:"batch_name"`
	ExecutionID      string    `json:"execution_id"`
	PlanID           string    `json:"plan_id"`
	PlanName         string    `json:"plan_name"`
	SentAt           time.Time `json:"sent_at"`
}

// PendingQuery answers which updates are outstanding for a device.
type PendingQuery struct {
	store store.Store
}

func NewPendingQuery(s store.Store) *PendingQuery {
	return &PendingQuery{store: s}
}

// GetPendingUpdates lists every sent but unreported update of the device.
// A row whose execution batch, execution, plan or update no longer resolves
// fails the query with that entity's NotFound error.
func (q *PendingQuery) GetPendingUpdates(ctx context.Context, deviceID string) ([]PendingUpdate, error) {
	rows, err := q.store.ListPendingDeviceStatuses(ctx, deviceID)
	if err != nil {
		return nil, errors.Wrap(err, "list pending device statuses")
	}

	r := &joinCache{
		store:      q.store,
		execBatch:  make(map[string]*store.ExecutionBatch),
		executions: make(map[string]*store.Execution),
		plans:      make(map[string]*store.Plan),
		updates:    make(map[string]*store.Update),
		batches:    make(map[string]*store.Batch),
	}

	result := make([]PendingUpdate, 0, len(rows))
	for _, st := range rows {
		pu, err := r.project(ctx, st)
		if err != nil {
			return nil, err
		}
		result = append(result, pu)
	}
	return result, nil
}

// joinCache memoizes lookups for one query; rows of the same batch share parents.
type joinCache struct {
	store      store.Store
	execBatch  map[string]*store.ExecutionBatch
	executions map[string]*store.Execution
	plans      map[string]*store.Plan
	updates    map[string]*store.Update
	batches    map[string]*store.Batch
}

func (c *joinCache) project(ctx context.Context, st *store.ExecutionDeviceStatus) (PendingUpdate, error) {
	eb, ok := c.execBatch[st.ExecutionBatchID]
	if !ok {
		var err error
		if eb, err = c.store.GetExecutionBatch(ctx, st.ExecutionBatchID); err != nil {
			return PendingUpdate{}, errors.Wrap(err, "load execution batch")
		}
		c.execBatch[st.ExecutionBatchID] = eb
	}
	if eb == nil {
		return PendingUpdate{}, errs.ErrExecutionBatchNotFound.With("pending row of device %s references execution batch %s", st.DeviceID, st.ExecutionBatchID)
	}

	exec, ok := c.executions[eb.ExecutionID]
	if !ok {
		var err error
		if exec, err = c.store.GetExecution(ctx, eb.ExecutionID); err != nil {
			return PendingUpdate{}, errors.Wrap(err, "load execution")
		}
		c.executions[eb.ExecutionID] = exec
	}
	if exec == nil {
		return PendingUpdate{}, errs.ErrExecutionNotFound.With("execution batch %s references execution %s", eb.ExecutionBatchID, eb.ExecutionID)
	}

	plan, ok := c.plans[exec.PlanID]
	if !ok {
		var err error
		if plan, err = c.store.GetPlan(ctx, exec.PlanID); err != nil {
			return PendingUpdate{}, errors.Wrap(err, "load plan")
		}
		c.plans[exec.PlanID] = plan
	}
	if plan == nil {
		return PendingUpdate{}, errs.ErrPlanNotFound.With("execution %s references plan %s", exec.ExecutionID, exec.PlanID)
	}

	update, ok := c.updates[plan.UpdateID]
	if !ok {
		var err error
		if update, err = c.store.GetUpdate(ctx, plan.UpdateID); err != nil {
			return PendingUpdate{}, errors.Wrap(err, "load update")
		}
		c.updates[plan.UpdateID] = update
	}
	if update == nil {
		return PendingUpdate{}, errs.ErrUpdateNotFound.With("plan %s references update %s", plan.PlanID, plan.UpdateID)
	}

	batch, ok := c.batches[eb.BatchID]
	if !ok {
		var err error
		if batch, err = c.store.GetBatch(ctx, eb.BatchID); err != nil {
			return PendingUpdate{}, errors.Wrap(err, "load batch")
		}
		c.batches[eb.BatchID] = batch
	}
	batchName := ""
	if batch != nil {
		batchName = batch.Name
	}

	return PendingUpdate{
		UpdateID:         update.UpdateID,
		UpdateName:       update.Name,
		UpdateVersion:    update.Version,
		ExecutionBatchID: eb.ExecutionBatchID,
		BatchID:          eb.BatchID,
		BatchName:        batchName,
		ExecutionID:      exec.ExecutionID,
		PlanID:           plan.PlanID,
		PlanName:         plan.Name,
		SentAt:           st.SentAt,
	}, nil
}
