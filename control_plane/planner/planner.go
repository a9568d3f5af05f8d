package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/itskum47/FleetRoll/control_plane/errs"
	"github.com/itskum47/FleetRoll/control_plane/observability"
	"github.com/itskum47/FleetRoll/control_plane/store"
)

// DefaultMonitoringPeriodHours is the monitoring window given to every generated batch.
const DefaultMonitoringPeriodHours = 24

// Partition is one batch of a split fleet before it is persisted.
type Partition struct {
	Name      string
	Type      store.BatchType
	DeviceIDs []string
}

// PartitionDevices splits an ordered device list into rollout batches:
//
//	1 device   -> MASS
//	2-4        -> TEST(first) + MASS(rest)
//	5 or more  -> TEST(first) + TEST(second) + MASS(rest)
//
// The canary count stays at two however large the fleet is.
func PartitionDevices(deviceIDs []string) []Partition {
	n := len(deviceIDs)
	switch {
	case n == 0:
		return nil
	case n == 1:
		return []Partition{
			{Name: "Mass Rollout", Type: store.BatchMass, DeviceIDs: copyIDs(deviceIDs)},
		}
	case n < 5:
		return []Partition{
			{Name: "Test Batch 1", Type: store.BatchTest, DeviceIDs: copyIDs(deviceIDs[:1])},
			{Name: "Mass Rollout", Type: store.BatchMass, DeviceIDs: copyIDs(deviceIDs[1:])},
		}
	default:
		return []Partition{
			{Name: "Test Batch 1", Type: store.BatchTest, DeviceIDs: copyIDs(deviceIDs[:1])},
			{Name: "Test Batch 2", Type: store.BatchTest, DeviceIDs: copyIDs(deviceIDs[1:2])},
			{Name: "Mass Rollout", Type: store.BatchMass, DeviceIDs: copyIDs(deviceIDs[2:])},
		}
	}
}

func copyIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Planner generates DRAFT rollout plans from an update's affected devices.
type Planner struct {
	store            store.Store
	monitoringPeriod int
	newID            func() string
	now              func() time.Time
}

type Option func(*Planner)

// WithMonitoringPeriod overrides the per-batch monitoring window in hours.
func WithMonitoringPeriod(hours int) Option {
	return func(p *Planner) {
		if hours > 0 {
			p.monitoringPeriod = hours
		}
	}
}

// WithIDGenerator replaces uuid generation, mostly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(p *Planner) { p.newID = fn }
}

func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

func NewPlanner(s store.Store, opts ...Option) *Planner {
	p := &Planner{
		store:            s,
		monitoringPeriod: DefaultMonitoringPeriodHours,
		newID:            uuid.NewString,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generate creates a DRAFT plan with its batches and memberships in one transaction.
// When deviceFilter is non-empty only affected devices in it are planned, in
// resolver order.
func (p *Planner) Generate(ctx context.Context, updateID string, deviceFilter []string) (*store.Plan, error) {
	var plan *store.Plan

	err := p.store.InTx(ctx, func(tx store.Store) error {
		update, err := tx.GetUpdate(ctx, updateID)
		if err != nil {
			return errors.Wrap(err, "load update")
		}
		if update == nil {
			return errs.ErrUpdateNotFound.With("update %s", updateID)
		}

		affected, err := resolve(ctx, tx, updateID)
		if err != nil {
			return err
		}
		ids := filterDevices(affected, deviceFilter)
		if len(ids) == 0 {
			return errs.ErrNoAffectedDevices.With("update %s %s affects no selected device", update.Name, update.Version)
		}

		now := p.now()
		plan = &store.Plan{
			PlanID:      p.newID(),
			UpdateID:    update.UpdateID,
			Name:        fmt.Sprintf("Rollout plan for %s %s", update.Name, update.Version),
			Description: fmt.Sprintf("Staged rollout of %s %s to %d devices", update.Name, update.Version, len(ids)),
			Status:      store.PlanDraft,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreatePlan(ctx, plan); err != nil {
			return errors.Wrap(err, "create plan")
		}

		for i, part := range PartitionDevices(ids) {
			batch := &store.Batch{
				BatchID:          p.newID(),
				PlanID:           plan.PlanID,
				Name:             part.Name,
				Sequence:         i + 1,
				Type:             part.Type,
				MonitoringPeriod: p.monitoringPeriod,
				Status:           store.BatchPending,
				CreatedAt:        now,
			}
			if err := tx.CreateBatch(ctx, batch); err != nil {
				return errors.Wrapf(err, "create batch %d", batch.Sequence)
			}
			for _, deviceID := range part.DeviceIDs {
				if err := tx.AddBatchDevice(ctx, plan.PlanID, batch.BatchID, deviceID); err != nil {
					return errors.Wrapf(err, "assign device %s", deviceID)
				}
			}
			batch.DeviceIDs = part.DeviceIDs
			plan.Batches = append(plan.Batches, batch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.PlansGenerated.Inc()
	log.Info().
		Str("plan_id", plan.PlanID).
		Str("update_id", updateID).
		Int("batches", len(plan.Batches)).
		Msg("rollout plan generated")
	return plan, nil
}

func filterDevices(affected []*store.Device, filter []string) []string {
	var keep map[string]struct{}
	if len(filter) > 0 {
		keep = make(map[string]struct{}, len(filter))
		for _, id := range filter {
			keep[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(affected))
	for _, d := range affected {
		if keep != nil {
			if _, ok := keep[d.DeviceID]; !ok {
				continue
			}
		}
		ids = append(ids, d.DeviceID)
	}
	return ids
}
