package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestPostgres connects to FLEETROLL_TEST_POSTGRES_URL and applies the schema.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Postgres test in short mode")
	}
	url := os.Getenv("FLEETROLL_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("FLEETROLL_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

// pgFixture seeds an executing batch with one dispatched device. IDs are
// unique per run so the test can share a database.
type pgFixture struct {
	planID, execBatchID, deviceID string
}

func seedPostgres(t *testing.T, s *PostgresStore) pgFixture {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()[:8]
	f := pgFixture{planID: "p-" + id, execBatchID: "eb-" + id, deviceID: "dev-" + id}

	steps := []error{
		s.CreateUpdate(ctx, &Update{UpdateID: "u-" + id, Name: "nginx", Version: "2.0.0", Status: UpdatePublished}),
		s.CreatePlan(ctx, &Plan{PlanID: f.planID, UpdateID: "u-" + id, Name: "plan", Status: PlanDraft}),
		s.CreateBatch(ctx, &Batch{BatchID: "b-" + id, PlanID: f.planID, Sequence: 1, Type: BatchMass, MonitoringPeriod: 24, Status: BatchPending}),
		s.CreateExecution(ctx, &Execution{ExecutionID: "e-" + id, PlanID: f.planID, Status: ExecutionExecuting}),
		s.CreateExecutionBatch(ctx, &ExecutionBatch{ExecutionBatchID: f.execBatchID, ExecutionID: "e-" + id, BatchID: "b-" + id, Sequence: 1, Status: ExecutionBatchPending}),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("seed step %d: %v", i, err)
		}
	}
	now := time.Now().UTC()
	if ok, err := s.StartExecutionBatch(ctx, f.execBatchID, now, now.Add(time.Hour)); err != nil || !ok {
		t.Fatalf("StartExecutionBatch: ok=%v err=%v", ok, err)
	}
	if err := s.CreateExecutionDeviceStatus(ctx, &ExecutionDeviceStatus{ExecutionBatchID: f.execBatchID, DeviceID: f.deviceID, UpdateSent: true}); err != nil {
		t.Fatalf("CreateExecutionDeviceStatus: %v", err)
	}
	return f
}

func TestPostgresTransitions(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	f := seedPostgres(t, s)

	t.Run("plan status CAS", func(t *testing.T) {
		ok, err := s.TransitionPlanStatus(ctx, f.planID, PlanDraft, PlanApproved)
		if err != nil || !ok {
			t.Fatalf("first transition: ok=%v err=%v", ok, err)
		}
		ok, err = s.TransitionPlanStatus(ctx, f.planID, PlanDraft, PlanRejected)
		if err != nil || ok {
			t.Fatalf("stale transition must lose: ok=%v err=%v", ok, err)
		}
	})

	t.Run("batch start and completion apply once", func(t *testing.T) {
		now := time.Now().UTC()
		if ok, _ := s.StartExecutionBatch(ctx, f.execBatchID, now, now); ok {
			t.Fatal("second start must lose")
		}
		if ok, err := s.CompleteExecutionBatch(ctx, f.execBatchID, ResultSuccessful, now); err != nil || !ok {
			t.Fatalf("first completion: ok=%v err=%v", ok, err)
		}
		if ok, _ := s.CompleteExecutionBatch(ctx, f.execBatchID, ResultIncomplete, now); ok {
			t.Fatal("second completion must lose")
		}
		eb, err := s.GetExecutionBatch(ctx, f.execBatchID)
		if err != nil || eb.Result != ResultSuccessful {
			t.Fatalf("result after completion: %+v err=%v", eb, err)
		}
	})

	t.Run("results frozen after completion", func(t *testing.T) {
		got, err := s.RecordExecutionDeviceResult(ctx, f.execBatchID, f.deviceID, false, time.Now().UTC())
		if err != nil || got != RecordBatchNotExecuting {
			t.Fatalf("outcome %d err %v, want batch not executing", got, err)
		}
		rows, _ := s.ListExecutionDeviceStatuses(ctx, f.execBatchID)
		if len(rows) != 1 || rows[0].UpdateCompleted {
			t.Errorf("row changed after completion: %+v", rows)
		}
	})
}

func TestPostgresRecordOutcomes(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	f := seedPostgres(t, s)

	if got, err := s.RecordExecutionDeviceResult(ctx, f.execBatchID, f.deviceID, true, time.Now().UTC()); err != nil || got != RecordApplied {
		t.Fatalf("dispatched device: outcome %d err %v", got, err)
	}
	if got, err := s.RecordExecutionDeviceResult(ctx, f.execBatchID, "not-dispatched", true, time.Now().UTC()); err != nil || got != RecordNotDispatched {
		t.Fatalf("unknown device: outcome %d err %v", got, err)
	}
}

func TestPostgresInTxRollback(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()[:8]
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Store) error {
		if err := tx.CreateUpdate(ctx, &Update{UpdateID: "u-tx-" + id, Name: "agent", Version: "1", Status: UpdateDraft}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the callback error, got %v", err)
	}
	u, err := s.GetUpdate(ctx, "u-tx-"+id)
	if err != nil {
		t.Fatal(err)
	}
	if u != nil {
		t.Errorf("update survived a rolled back transaction: %+v", u)
	}
}
