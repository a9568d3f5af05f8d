package planner

import (
	"errors"
	"fmt"
	"testing"

	"github.com/itskum47/FleetRoll/control_plane/errs"
	"github.com/itskum47/FleetRoll/control_plane/store"
)

// draftPlan builds a five device fleet and a generated DRAFT plan over four of them.
func draftPlan(t *testing.T) (*fleet, *store.Plan) {
	f := newFleet(t)
	for i := 0; i < 5; i++ {
		f.device(fmt.Sprintf("dev-%d", i), store.DeviceOnline)
	}
	f.update("u1", f.entry("nginx", "2.0.0", store.ActionInstall, false))
	plan, err := NewPlanner(f.store, WithIDGenerator(sequentialIDs())).
		Generate(f.ctx, "u1", []string{"dev-0", "dev-1", "dev-2", "dev-3"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return f, plan
}

func TestApproveAndReject(t *testing.T) {
	f, plan := draftPlan(t)
	lc := NewLifecycle(f.store)

	approved, err := lc.Approve(f.ctx, plan.PlanID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != store.PlanApproved {
		t.Errorf("expected APPROVED, got %s", approved.Status)
	}

	_, err = lc.Approve(f.ctx, plan.PlanID)
	if !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("second approve: expected InvalidState, got %v", err)
	}
	_, err = lc.Reject(f.ctx, plan.PlanID)
	if !errors.Is(err, errs.ErrPlanNotDraft) {
		t.Fatalf("reject after approve: expected PlanNotDraft, got %v", err)
	}

	_, err = lc.Approve(f.ctx, "missing")
	if !errors.Is(err, errs.ErrPlanNotFound) {
		t.Fatalf("expected PlanNotFound, got %v", err)
	}
}

func TestRejectDraft(t *testing.T) {
	f, plan := draftPlan(t)
	lc := NewLifecycle(f.store)

	rejected, err := lc.Reject(f.ctx, plan.PlanID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != store.PlanRejected {
		t.Errorf("expected REJECTED, got %s", rejected.Status)
	}
	if _, err := lc.Approve(f.ctx, plan.PlanID); !errors.Is(err, errs.ErrPlanNotDraft) {
		t.Fatalf("approve after reject: expected PlanNotDraft, got %v", err)
	}
}

func TestApproveEmptyPlan(t *testing.T) {
	f := newFleet(t)
	f.update("u1")
	if err := f.store.CreatePlan(f.ctx, &store.Plan{PlanID: "empty", UpdateID: "u1", Status: store.PlanDraft}); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	_, err := NewLifecycle(f.store).Approve(f.ctx, "empty")
	if !errors.Is(err, errs.ErrEmptyCollection) {
		t.Fatalf("expected EmptyCollection, got %v", err)
	}
	plan, _ := f.store.GetPlan(f.ctx, "empty")
	if plan.Status != store.PlanDraft {
		t.Errorf("failed approve changed status to %s", plan.Status)
	}
}

func TestGetBatchesOrdered(t *testing.T) {
	f, plan := draftPlan(t)
	batches, err := NewLifecycle(f.store).GetBatches(f.ctx, plan.PlanID)
	if err != nil {
		t.Fatalf("GetBatches: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	for i, b := range batches {
		if b.Sequence != i+1 {
			t.Errorf("position %d holds sequence %d", i, b.Sequence)
		}
	}
	if fmt.Sprint(batches[0].DeviceIDs) != "[dev-0]" {
		t.Errorf("unexpected canary members %v", batches[0].DeviceIDs)
	}
	if len(batches[1].DeviceIDs) != 3 {
		t.Errorf("unexpected mass members %v", batches[1].DeviceIDs)
	}
}

func TestMembershipEdits(t *testing.T) {
	f, plan := draftPlan(t)
	lc := NewLifecycle(f.store)
	canary, mass := plan.Batches[0].BatchID, plan.Batches[1].BatchID

	t.Run("AddUnassignedAffectedDevice", func(t *testing.T) {
		if err := lc.AddDeviceToBatch(f.ctx, plan.PlanID, canary, "dev-4"); err != nil {
			t.Fatalf("AddDeviceToBatch: %v", err)
		}
	})

	t.Run("AddAlreadyAssigned", func(t *testing.T) {
		err := lc.AddDeviceToBatch(f.ctx, plan.PlanID, mass, "dev-4")
		if !errors.Is(err, errs.ErrDeviceAlreadyInBatch) {
			t.Fatalf("expected DeviceAlreadyInBatch, got %v", err)
		}
	})

	t.Run("AddUnaffected", func(t *testing.T) {
		f.device("dev-off", store.DeviceOffline)
		err := lc.AddDeviceToBatch(f.ctx, plan.PlanID, mass, "dev-off")
		if !errors.Is(err, errs.ErrDeviceNotAffected) {
			t.Fatalf("expected DeviceNotAffected, got %v", err)
		}
	})

	t.Run("MoveFromWrongSource", func(t *testing.T) {
		err := lc.MoveDevice(f.ctx, plan.PlanID, mass, canary, "dev-0")
		if !errors.Is(err, errs.ErrDeviceNotInSourceBatch) {
			t.Fatalf("expected DeviceNotInSourceBatch, got %v", err)
		}
		if !errors.Is(err, errs.ErrMembershipConflict) {
			t.Fatalf("expected MembershipConflict kind, got %v", err)
		}
	})

	t.Run("Move", func(t *testing.T) {
		if err := lc.MoveDevice(f.ctx, plan.PlanID, canary, mass, "dev-0"); err != nil {
			t.Fatalf("MoveDevice: %v", err)
		}
		b, _ := f.store.FindBatchForDevice(f.ctx, plan.PlanID, "dev-0")
		if b == nil || b.BatchID != mass {
			t.Fatalf("dev-0 should now be in the mass batch, got %+v", b)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if err := lc.RemoveDeviceFromBatch(f.ctx, plan.PlanID, mass, "dev-0"); err != nil {
			t.Fatalf("RemoveDeviceFromBatch: %v", err)
		}
		err := lc.RemoveDeviceFromBatch(f.ctx, plan.PlanID, mass, "dev-0")
		if !errors.Is(err, errs.ErrDeviceNotInBatch) {
			t.Fatalf("expected DeviceNotInBatch, got %v", err)
		}
	})

	t.Run("ForeignBatch", func(t *testing.T) {
		err := lc.AddDeviceToBatch(f.ctx, plan.PlanID, "not-a-batch", "dev-0")
		if !errors.Is(err, errs.ErrBatchNotFound) {
			t.Fatalf("expected BatchNotFound, got %v", err)
		}
	})

	t.Run("FrozenAfterApproval", func(t *testing.T) {
		if _, err := lc.Approve(f.ctx, plan.PlanID); err != nil {
			t.Fatalf("Approve: %v", err)
		}
		err := lc.AddDeviceToBatch(f.ctx, plan.PlanID, mass, "dev-0")
		if !errors.Is(err, errs.ErrPlanNotDraft) {
			t.Fatalf("expected PlanNotDraft, got %v", err)
		}
		err = lc.MoveDevice(f.ctx, plan.PlanID, mass, canary, "dev-1")
		if !errors.Is(err, errs.ErrPlanNotDraft) {
			t.Fatalf("expected PlanNotDraft, got %v", err)
		}
	})
}
