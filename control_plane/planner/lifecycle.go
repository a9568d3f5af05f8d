package planner

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/itskum47/FleetRoll/control_plane/errs"
	"github.com/itskum47/FleetRoll/control_plane/store"
)

// Lifecycle runs the DRAFT -> APPROVED | REJECTED state machine of a plan and
// guards batch membership edits while the plan is still a draft.
type Lifecycle struct {
	store store.Store
}

func NewLifecycle(s store.Store) *Lifecycle {
	return &Lifecycle{store: s}
}

// Approve requires a DRAFT plan with at least one batch.
func (l *Lifecycle) Approve(ctx context.Context, planID string) (*store.Plan, error) {
	return l.decide(ctx, planID, store.PlanApproved, true)
}

// Reject requires a DRAFT plan.
func (l *Lifecycle) Reject(ctx context.Context, planID string) (*store.Plan, error) {
	return l.decide(ctx, planID, store.PlanRejected, false)
}

func (l *Lifecycle) decide(ctx context.Context, planID string, to store.PlanStatus, needBatches bool) (*store.Plan, error) {
	var plan *store.Plan
	err := l.store.InTx(ctx, func(tx store.Store) error {
		var err error
		plan, err = loadDraft(ctx, tx, planID)
		if err != nil {
			return err
		}
		if needBatches {
			batches, err := tx.ListBatches(ctx, planID)
			if err != nil {
				return errors.Wrap(err, "list batches")
			}
			if len(batches) == 0 {
				return errs.ErrEmptyPlan.With("plan %s has no batches", planID)
			}
		}
		ok, err := tx.TransitionPlanStatus(ctx, planID, store.PlanDraft, to)
		if err != nil {
			return errors.Wrap(err, "transition plan")
		}
		if !ok {
			return errs.ErrPlanNotDraft.With("plan %s changed concurrently", planID)
		}
		plan.Status = to
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("plan_id", planID).Str("to", to.String()).Msg("plan transition rejected")
		return nil, err
	}
	log.Info().Str("plan_id", planID).Str("status", to.String()).Msg("plan reviewed")
	return plan, nil
}

func loadPlan(ctx context.Context, s store.Store, planID string) (*store.Plan, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, errors.Wrap(err, "load plan")
	}
	if plan == nil {
		return nil, errs.ErrPlanNotFound.With("plan %s", planID)
	}
	return plan, nil
}

func loadDraft(ctx context.Context, s store.Store, planID string) (*store.Plan, error) {
	plan, err := loadPlan(ctx, s, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != store.PlanDraft {
		return nil, errs.ErrPlanNotDraft.With("plan %s is %s", planID, plan.Status)
	}
	return plan, nil
}

// GetBatches returns the plan's batches in sequence order with their members.
func (l *Lifecycle) GetBatches(ctx context.Context, planID string) ([]*store.Batch, error) {
	if _, err := loadPlan(ctx, l.store, planID); err != nil {
		return nil, err
	}
	batches, err := l.store.ListBatches(ctx, planID)
	if err != nil {
		return nil, errors.Wrap(err, "list batches")
	}
	for _, b := range batches {
		b.DeviceIDs, err = l.store.ListBatchDevices(ctx, b.BatchID)
		if err != nil {
			return nil, errors.Wrapf(err, "list devices of batch %s", b.BatchID)
		}
	}
	return batches, nil
}

// GetPlan returns the plan with its batches attached.
func (l *Lifecycle) GetPlan(ctx context.Context, planID string) (*store.Plan, error) {
	plan, err := loadPlan(ctx, l.store, planID)
	if err != nil {
		return nil, err
	}
	plan.Batches, err = l.GetBatches(ctx, planID)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func batchOfPlan(ctx context.Context, s store.Store, planID, batchID string) (*store.Batch, error) {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "load batch")
	}
	if b == nil || b.PlanID != planID {
		return nil, errs.ErrBatchNotFound.With("batch %s in plan %s", batchID, planID)
	}
	return b, nil
}

// AddDeviceToBatch assigns an affected, not yet assigned device to a draft plan's batch.
func (l *Lifecycle) AddDeviceToBatch(ctx context.Context, planID, batchID, deviceID string) error {
	return l.store.InTx(ctx, func(tx store.Store) error {
		plan, err := loadDraft(ctx, tx, planID)
		if err != nil {
			return err
		}
		if _, err := batchOfPlan(ctx, tx, planID, batchID); err != nil {
			return err
		}

		affected, err := resolve(ctx, tx, plan.UpdateID)
		if err != nil {
			return err
		}
		found := false
		for _, d := range affected {
			if d.DeviceID == deviceID {
				found = true
				break
			}
		}
		if !found {
			return errs.ErrDeviceNotAffected.With("device %s is not affected by update %s", deviceID, plan.UpdateID)
		}

		current, err := tx.FindBatchForDevice(ctx, planID, deviceID)
		if err != nil {
			return errors.Wrap(err, "find device batch")
		}
		if current != nil {
			return errs.ErrDeviceAlreadyInBatch.With("device %s already in batch %s", deviceID, current.BatchID)
		}
		return tx.AddBatchDevice(ctx, planID, batchID, deviceID)
	})
}

// RemoveDeviceFromBatch drops a device from a draft plan's batch.
func (l *Lifecycle) RemoveDeviceFromBatch(ctx context.Context, planID, batchID, deviceID string) error {
	return l.store.InTx(ctx, func(tx store.Store) error {
		if _, err := loadDraft(ctx, tx, planID); err != nil {
			return err
		}
		if _, err := batchOfPlan(ctx, tx, planID, batchID); err != nil {
			return err
		}
		removed, err := tx.RemoveBatchDevice(ctx, batchID, deviceID)
		if err != nil {
			return errors.Wrap(err, "remove batch device")
		}
		if !removed {
			return errs.ErrDeviceNotInBatch.With("device %s not in batch %s", deviceID, batchID)
		}
		return nil
	})
}

// MoveDevice moves a device between two batches of the same draft plan.
func (l *Lifecycle) MoveDevice(ctx context.Context, planID, fromBatchID, toBatchID, deviceID string) error {
	return l.store.InTx(ctx, func(tx store.Store) error {
		if _, err := loadDraft(ctx, tx, planID); err != nil {
			return err
		}
		if _, err := batchOfPlan(ctx, tx, planID, fromBatchID); err != nil {
			return err
		}
		if _, err := batchOfPlan(ctx, tx, planID, toBatchID); err != nil {
			return err
		}
		removed, err := tx.RemoveBatchDevice(ctx, fromBatchID, deviceID)
		if err != nil {
			return errors.Wrap(err, "remove batch device")
		}
		if !removed {
			return errs.ErrDeviceNotInSourceBatch.With("device %s not in batch %s", deviceID, fromBatchID)
		}
		return tx.AddBatchDevice(ctx, planID, toBatchID, deviceID)
	})
}
