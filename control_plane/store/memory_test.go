package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itskum47/FleetRoll/control_plane/errs"
)

func seedPlan(t *testing.T, s *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateUpdate(ctx, &Update{UpdateID: "u1", Name: "nginx", Version: "2.0.0", Status: UpdatePublished}); err != nil {
		t.Fatalf("CreateUpdate: %v", err)
	}
	if err := s.CreatePlan(ctx, &Plan{PlanID: "p1", UpdateID: "u1", Status: PlanDraft}); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	for i, id := range []string{"b1", "b2"} {
		if err := s.CreateBatch(ctx, &Batch{BatchID: id, PlanID: "p1", Sequence: i + 1, Type: BatchTest, Status: BatchPending}); err != nil {
			t.Fatalf("CreateBatch: %v", err)
		}
	}
}

func TestInTxRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPlan(t, s)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Store) error {
		if err := tx.AddBatchDevice(ctx, "p1", "b1", "dev-1"); err != nil {
			return err
		}
		if ok, err := tx.TransitionPlanStatus(ctx, "p1", PlanDraft, PlanApproved); err != nil || !ok {
			t.Fatalf("transition inside tx: ok=%v err=%v", ok, err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	devices, _ := s.ListBatchDevices(ctx, "b1")
	if len(devices) != 0 {
		t.Errorf("rolled back membership still visible: %v", devices)
	}
	plan, _ := s.GetPlan(ctx, "p1")
	if plan.Status != PlanDraft {
		t.Errorf("rolled back status visible: %s", plan.Status)
	}
}

func TestInTxCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPlan(t, s)

	err := s.InTx(ctx, func(tx Store) error {
		// nested InTx joins the outer transaction
		return tx.InTx(ctx, func(inner Store) error {
			return inner.AddBatchDevice(ctx, "p1", "b2", "dev-2")
		})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	batch, _ := s.FindBatchForDevice(ctx, "p1", "dev-2")
	if batch == nil || batch.BatchID != "b2" {
		t.Fatalf("expected dev-2 in b2, got %+v", batch)
	}
}

func TestBatchMembershipIsPartition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPlan(t, s)

	if err := s.AddBatchDevice(ctx, "p1", "b1", "dev-1"); err != nil {
		t.Fatalf("AddBatchDevice: %v", err)
	}
	err := s.AddBatchDevice(ctx, "p1", "b2", "dev-1")
	if !errors.Is(err, errs.ErrDeviceAlreadyInBatch) {
		t.Fatalf("expected DeviceAlreadyInBatch, got %v", err)
	}
	if err := s.AddBatchDevice(ctx, "other-plan", "b1", "dev-9"); !errors.Is(err, errs.ErrBatchNotFound) {
		t.Fatalf("expected BatchNotFound for foreign plan, got %v", err)
	}

	removed, err := s.RemoveBatchDevice(ctx, "b1", "dev-1")
	if err != nil || !removed {
		t.Fatalf("RemoveBatchDevice: removed=%v err=%v", removed, err)
	}
	if err := s.AddBatchDevice(ctx, "p1", "b2", "dev-1"); err != nil {
		t.Fatalf("re-adding after removal: %v", err)
	}
}

func TestExecutionBatchCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPlan(t, s)
	if err := s.CreateExecution(ctx, &Execution{ExecutionID: "e1", PlanID: "p1", Status: ExecutionCreated}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.CreateExecutionBatch(ctx, &ExecutionBatch{ExecutionBatchID: "eb1", ExecutionID: "e1", BatchID: "b1", Sequence: 1, Status: ExecutionBatchPending}); err != nil {
		t.Fatalf("CreateExecutionBatch: %v", err)
	}

	now := time.Now().UTC()
	started, err := s.StartExecutionBatch(ctx, "eb1", now, now.Add(time.Hour))
	if err != nil || !started {
		t.Fatalf("first start: started=%v err=%v", started, err)
	}
	started, err = s.StartExecutionBatch(ctx, "eb1", now, now.Add(time.Hour))
	if err != nil || started {
		t.Fatalf("second start must lose: started=%v err=%v", started, err)
	}

	done, _ := s.CompleteExecutionBatch(ctx, "eb1", ResultSuccessful, now)
	if !done {
		t.Fatal("first completion should win")
	}
	done, _ = s.CompleteExecutionBatch(ctx, "eb1", ResultIncomplete, now)
	if done {
		t.Fatal("second completion should be rejected")
	}
	eb, _ := s.GetExecutionBatch(ctx, "eb1")
	if eb.Result != ResultSuccessful {
		t.Errorf("result changed after completion: %s", eb.Result)
	}
}

func TestPendingDeviceStatuses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPlan(t, s)
	_ = s.CreateExecution(ctx, &Execution{ExecutionID: "e1", PlanID: "p1", Status: ExecutionExecuting})
	_ = s.CreateExecutionBatch(ctx, &ExecutionBatch{ExecutionBatchID: "eb1", ExecutionID: "e1", BatchID: "b1", Sequence: 1, Status: ExecutionBatchExecuting})

	for _, dev := range []string{"dev-1", "dev-2"} {
		if err := s.CreateExecutionDeviceStatus(ctx, &ExecutionDeviceStatus{ExecutionBatchID: "eb1", DeviceID: dev, UpdateSent: true}); err != nil {
			t.Fatalf("CreateExecutionDeviceStatus: %v", err)
		}
	}
	err := s.CreateExecutionDeviceStatus(ctx, &ExecutionDeviceStatus{ExecutionBatchID: "eb1", DeviceID: "dev-1", UpdateSent: true})
	if !errors.Is(err, errs.ErrMembershipConflict) {
		t.Fatalf("duplicate status row: expected MembershipConflict, got %v", err)
	}

	if got, _ := s.RecordExecutionDeviceResult(ctx, "eb1", "dev-1", true, time.Now()); got != RecordApplied {
		t.Fatalf("dev-1: outcome %d, want applied", got)
	}
	if got, _ := s.RecordExecutionDeviceResult(ctx, "eb1", "dev-3", true, time.Now()); got != RecordNotDispatched {
		t.Fatalf("dev-3: outcome %d, want not dispatched", got)
	}

	pending, _ := s.ListPendingDeviceStatuses(ctx, "dev-1")
	if len(pending) != 0 {
		t.Errorf("dev-1 reported, expected no pending rows, got %d", len(pending))
	}
	pending, _ = s.ListPendingDeviceStatuses(ctx, "dev-2")
	if len(pending) != 1 || pending[0].ExecutionBatchID != "eb1" {
		t.Errorf("expected dev-2 pending in eb1, got %+v", pending)
	}
}

func TestCopyOnRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.UpsertDevice(ctx, &Device{DeviceID: "dev-1", Status: DeviceOnline})

	d, _ := s.GetDevice(ctx, "dev-1")
	d.Status = DeviceDecommissioned

	again, _ := s.GetDevice(ctx, "dev-1")
	if again.Status != DeviceOnline {
		t.Errorf("caller mutation leaked into store: %s", again.Status)
	}
}

func TestResultsFrozenAfterBatchCompletes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPlan(t, s)
	_ = s.CreateExecution(ctx, &Execution{ExecutionID: "e1", PlanID: "p1", Status: ExecutionExecuting})
	_ = s.CreateExecutionBatch(ctx, &ExecutionBatch{ExecutionBatchID: "eb1", ExecutionID: "e1", BatchID: "b1", Sequence: 1, Status: ExecutionBatchExecuting})
	if err := s.CreateExecutionDeviceStatus(ctx, &ExecutionDeviceStatus{ExecutionBatchID: "eb1", DeviceID: "dev-1", UpdateSent: true}); err != nil {
		t.Fatal(err)
	}

	if done, _ := s.CompleteExecutionBatch(ctx, "eb1", ResultIncomplete, time.Now()); !done {
		t.Fatal("completion should win")
	}
	got, err := s.RecordExecutionDeviceResult(ctx, "eb1", "dev-1", false, time.Now())
	if err != nil || got != RecordBatchNotExecuting {
		t.Fatalf("outcome %d err %v, want batch not executing", got, err)
	}

	rows, _ := s.ListExecutionDeviceStatuses(ctx, "eb1")
	if len(rows) != 1 || rows[0].UpdateCompleted || rows[0].Succeeded != nil {
		t.Errorf("row changed after completion: %+v", rows[0])
	}
}
