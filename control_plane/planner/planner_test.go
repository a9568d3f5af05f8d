package planner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/itskum47/FleetRoll/control_plane/errs"
	"github.com/itskum47/FleetRoll/control_plane/store"
)

type fleet struct {
	t     *testing.T
	store *store.MemoryStore
	ctx   context.Context
}

func newFleet(t *testing.T) *fleet {
	return &fleet{t: t, store: store.NewMemoryStore(), ctx: context.Background()}
}

func (f *fleet) device(id string, status store.DeviceStatus) {
	f.t.Helper()
	if err := f.store.UpsertDevice(f.ctx, &store.Device{DeviceID: id, Name: id, Status: status}); err != nil {
		f.t.Fatalf("UpsertDevice: %v", err)
	}
}

func (f *fleet) pkg(name, version string) string {
	f.t.Helper()
	id := name + "@" + version
	if p, _ := f.store.GetPackageByNameVersion(f.ctx, name, version); p != nil {
		return p.PackageID
	}
	if err := f.store.CreatePackage(f.ctx, &store.Package{PackageID: id, Name: name, Version: version, Status: store.PackagePublished}); err != nil {
		f.t.Fatalf("CreatePackage: %v", err)
	}
	return id
}

func (f *fleet) install(deviceID, name, version string) {
	f.t.Helper()
	pkgID := f.pkg(name, version)
	if err := f.store.AddInstalledPackage(f.ctx, &store.InstalledPackage{DeviceID: deviceID, PackageID: pkgID}); err != nil {
		f.t.Fatalf("AddInstalledPackage: %v", err)
	}
}

func (f *fleet) update(id string, entries ...store.UpdatePackage) {
	f.t.Helper()
	if err := f.store.CreateUpdate(f.ctx, &store.Update{UpdateID: id, Name: "nginx-update", Version: "2.0.0", Status: store.UpdatePublished}); err != nil {
		f.t.Fatalf("CreateUpdate: %v", err)
	}
	for _, e := range entries {
		e.UpdateID = id
		if err := f.store.AddUpdatePackage(f.ctx, &e); err != nil {
			f.t.Fatalf("AddUpdatePackage: %v", err)
		}
	}
}

func (f *fleet) entry(name, version string, action store.PackageAction, forced bool) store.UpdatePackage {
	return store.UpdatePackage{PackageID: f.pkg(name, version), Action: action, Forced: forced}
}

func deviceIDs(ds []*store.Device) []string {
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.DeviceID
	}
	return ids
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%03d", n)
	}
}

func TestPartitionDevicesThresholds(t *testing.T) {
	tests := []struct {
		n     int
		types []store.BatchType
		sizes []int
	}{
		{1, []store.BatchType{store.BatchMass}, []int{1}},
		{2, []store.BatchType{store.BatchTest, store.BatchMass}, []int{1, 1}},
		{3, []store.BatchType{store.BatchTest, store.BatchMass}, []int{1, 2}},
		{4, []store.BatchType{store.BatchTest, store.BatchMass}, []int{1, 3}},
		{5, []store.BatchType{store.BatchTest, store.BatchTest, store.BatchMass}, []int{1, 1, 3}},
		{20, []store.BatchType{store.BatchTest, store.BatchTest, store.BatchMass}, []int{1, 1, 18}},
		{1000, []store.BatchType{store.BatchTest, store.BatchTest, store.BatchMass}, []int{1, 1, 998}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("N=%d", tt.n), func(t *testing.T) {
			ids := make([]string, tt.n)
			for i := range ids {
				ids[i] = fmt.Sprintf("dev-%04d", i)
			}
			parts := PartitionDevices(ids)
			if len(parts) != len(tt.types) {
				t.Fatalf("expected %d batches, got %d", len(tt.types), len(parts))
			}
			for i, part := range parts {
				if part.Type != tt.types[i] {
					t.Errorf("batch %d: expected %s, got %s", i+1, tt.types[i], part.Type)
				}
				if len(part.DeviceIDs) != tt.sizes[i] {
					t.Errorf("batch %d: expected %d devices, got %d", i+1, tt.sizes[i], len(part.DeviceIDs))
				}
			}
		})
	}

	if parts := PartitionDevices(nil); parts != nil {
		t.Errorf("empty input should produce no batches, got %d", len(parts))
	}
}

func TestPartitionDevicesExhaustive(t *testing.T) {
	for n := 1; n <= 40; n++ {
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("dev-%02d", i)
		}
		seen := make(map[string]int)
		var order []string
		for _, part := range PartitionDevices(ids) {
			for _, id := range part.DeviceIDs {
				seen[id]++
				order = append(order, id)
			}
		}
		if len(seen) != n {
			t.Fatalf("N=%d: union has %d devices", n, len(seen))
		}
		for id, c := range seen {
			if c != 1 {
				t.Fatalf("N=%d: device %s appears %d times", n, id, c)
			}
		}
		// canaries are taken from the front of the enumeration order
		for i := range ids {
			if order[i] != ids[i] {
				t.Fatalf("N=%d: order not preserved at %d", n, i)
			}
		}
	}
}

func TestResolveInstallScenario(t *testing.T) {
	f := newFleet(t)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("dev-%02d", i)
		f.device(id, store.DeviceOnline)
		if i < 10 {
			f.install(id, "nginx", "1.0.0")
		}
	}
	f.update("u1", f.entry("nginx", "2.0.0", store.ActionInstall, false))

	affected, err := NewResolver(f.store).Resolve(f.ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(affected) != 20 {
		t.Fatalf("expected 20 affected devices, got %d", len(affected))
	}

	plan, err := NewPlanner(f.store, WithIDGenerator(sequentialIDs())).Generate(f.ctx, "u1", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(plan.Batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(plan.Batches))
	}
	wantSizes := []int{1, 1, 18}
	for i, b := range plan.Batches {
		if b.Sequence != i+1 {
			t.Errorf("batch %d has sequence %d", i, b.Sequence)
		}
		if b.MonitoringPeriod != DefaultMonitoringPeriodHours {
			t.Errorf("batch %d monitoring period %d", i, b.MonitoringPeriod)
		}
		members, _ := f.store.ListBatchDevices(f.ctx, b.BatchID)
		if len(members) != wantSizes[i] {
			t.Errorf("batch %d: expected %d stored members, got %d", i+1, wantSizes[i], len(members))
		}
	}
	if plan.Status != store.PlanDraft {
		t.Errorf("expected DRAFT, got %s", plan.Status)
	}
	if plan.Name != "Rollout plan for nginx-update 2.0.0" {
		t.Errorf("unexpected plan name %q", plan.Name)
	}
}

func TestResolveVersionRules(t *testing.T) {
	f := newFleet(t)
	f.device("older", store.DeviceOnline)
	f.install("older", "nginx", "1.9.9")
	f.device("equal", store.DeviceOnline)
	f.install("equal", "nginx", "2.0")
	f.device("newer", store.DeviceOnline)
	f.install("newer", "nginx", "2.0.1")
	f.device("mixed", store.DeviceOnline)
	f.install("mixed", "nginx", "1.0.0")
	f.install("mixed", "nginx", "3.0.0")
	f.device("mixed-current", store.DeviceOnline)
	f.install("mixed-current", "nginx", "2.0.0")
	f.install("mixed-current", "nginx", "3.0.0")
	f.device("missing", store.DeviceOnline)
	f.device("offline", store.DeviceOffline)
	f.device("maint", store.DeviceMaintenance)

	f.update("u1", f.entry("nginx", "2.0.0", store.ActionInstall, false))

	affected, err := NewResolver(f.store).Resolve(f.ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := deviceIDs(affected)
	// mixed still carries a 1.0.0 copy below the target
	want := []string{"missing", "mixed", "older"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestResolveForced(t *testing.T) {
	f := newFleet(t)
	f.device("a", store.DeviceOnline)
	f.install("a", "openssl", "9.0.0")
	f.device("b", store.DeviceOnline)
	f.device("c", store.DeviceOffline)

	f.update("u1", f.entry("openssl", "1.0.0", store.ActionUninstall, true))

	affected, err := NewResolver(f.store).Resolve(f.ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if fmt.Sprint(deviceIDs(affected)) != "[a b]" {
		t.Errorf("forced entry should hit every online device, got %v", deviceIDs(affected))
	}
}

func TestResolveUninstall(t *testing.T) {
	f := newFleet(t)
	f.device("with-nginx", store.DeviceOnline)
	f.install("with-nginx", "nginx", "1.18.0")
	f.device("without-nginx", store.DeviceOnline)
	f.install("without-nginx", "curl", "7.0")

	f.update("u1", f.entry("nginx", "1.18.0", store.ActionUninstall, false))

	affected, err := NewResolver(f.store).Resolve(f.ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if fmt.Sprint(deviceIDs(affected)) != "[with-nginx]" {
		t.Errorf("expected only with-nginx, got %v", deviceIDs(affected))
	}
}

func TestResolveUnknownActionNotAffected(t *testing.T) {
	f := newFleet(t)
	f.device("a", store.DeviceOnline)
	f.update("u1", f.entry("nginx", "1.0.0", store.PackageAction("UPGRADE"), false))

	affected, err := NewResolver(f.store).Resolve(f.ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(affected) != 0 {
		t.Errorf("unknown action must not affect devices, got %v", deviceIDs(affected))
	}
}

func TestResolveMalformedVersion(t *testing.T) {
	f := newFleet(t)
	f.device("a", store.DeviceOnline)
	f.install("a", "nginx", "1.x")
	f.update("u1", f.entry("nginx", "2.0.0", store.ActionInstall, false))

	_, err := NewResolver(f.store).Resolve(f.ctx, "u1")
	if !errors.Is(err, errs.ErrMalformedVersion) {
		t.Fatalf("expected MalformedVersion, got %v", err)
	}
}

func TestResolveUpdateNotFound(t *testing.T) {
	f := newFleet(t)
	_, err := NewResolver(f.store).Resolve(f.ctx, "nope")
	if !errors.Is(err, errs.ErrUpdateNotFound) {
		t.Fatalf("expected UpdateNotFound, got %v", err)
	}
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("UpdateNotFound should be a NotFound kind, got %v", err)
	}
}

// countingStore records how often the fleet is scanned.
type countingStore struct {
	*store.MemoryStore
	scans int
}

func (c *countingStore) ListDevicesByStatus(ctx context.Context, status store.DeviceStatus) ([]*store.Device, error) {
	c.scans++
	return c.MemoryStore.ListDevicesByStatus(ctx, status)
}

func (c *countingStore) ListDevices(ctx context.Context) ([]*store.Device, error) {
	c.scans++
	return c.MemoryStore.ListDevices(ctx)
}

func TestResolveZeroPackagesSkipsScan(t *testing.T) {
	f := newFleet(t)
	f.device("a", store.DeviceOnline)
	f.update("u-empty")

	cs := &countingStore{MemoryStore: f.store}
	affected, err := NewResolver(cs).Resolve(f.ctx, "u-empty")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(affected) != 0 {
		t.Errorf("expected empty set, got %d devices", len(affected))
	}
	if cs.scans != 0 {
		t.Errorf("expected no device scan, got %d", cs.scans)
	}
}

func TestGenerateFilterAndEmpty(t *testing.T) {
	f := newFleet(t)
	for _, id := range []string{"a", "b", "c"} {
		f.device(id, store.DeviceOnline)
	}
	f.update("u1", f.entry("nginx", "2.0.0", store.ActionInstall, false))
	p := NewPlanner(f.store, WithIDGenerator(sequentialIDs()), WithMonitoringPeriod(6))

	plan, err := p.Generate(f.ctx, "u1", []string{"c", "zzz"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(plan.Batches) != 1 || plan.Batches[0].Type != store.BatchMass {
		t.Fatalf("single filtered device should yield one MASS batch, got %+v", plan.Batches)
	}
	if plan.Batches[0].MonitoringPeriod != 6 {
		t.Errorf("expected monitoring period 6, got %d", plan.Batches[0].MonitoringPeriod)
	}

	_, err = p.Generate(f.ctx, "u1", []string{"zzz"})
	if !errors.Is(err, errs.ErrNoAffectedDevices) {
		t.Fatalf("expected NoAffectedDevices, got %v", err)
	}
	if !errors.Is(err, errs.ErrEmptyCollection) {
		t.Fatalf("NoAffectedDevices should be an EmptyCollection kind")
	}

	_, err = p.Generate(f.ctx, "missing", nil)
	if !errors.Is(err, errs.ErrUpdateNotFound) {
		t.Fatalf("expected UpdateNotFound, got %v", err)
	}
}

// failingStore fails membership writes after the first batch to prove
// generation is all-or-nothing.
type failingStore struct {
	*store.MemoryStore
}

func (s *failingStore) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	return s.MemoryStore.InTx(ctx, func(tx store.Store) error {
		return fn(&failingTx{Store: tx})
	})
}

type failingTx struct {
	store.Store
	adds int
}

func (t *failingTx) AddBatchDevice(ctx context.Context, planID, batchID, deviceID string) error {
	t.adds++
	if t.adds > 1 {
		return errors.New("disk full")
	}
	return t.Store.AddBatchDevice(ctx, planID, batchID, deviceID)
}

func TestGenerateIsAtomic(t *testing.T) {
	f := newFleet(t)
	for _, id := range []string{"a", "b", "c"} {
		f.device(id, store.DeviceOnline)
	}
	f.update("u1", f.entry("nginx", "2.0.0", store.ActionInstall, false))

	p := NewPlanner(&failingStore{MemoryStore: f.store}, WithIDGenerator(sequentialIDs()))
	if _, err := p.Generate(f.ctx, "u1", nil); err == nil {
		t.Fatal("expected generation failure")
	}

	// id-001 would have been the plan id
	if plan, _ := f.store.GetPlan(f.ctx, "id-001"); plan != nil {
		t.Fatalf("partial plan is visible: %+v", plan)
	}
	if batches, _ := f.store.ListBatches(f.ctx, "id-001"); len(batches) != 0 {
		t.Fatalf("partial batches are visible: %d", len(batches))
	}
}
