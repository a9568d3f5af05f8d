package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/FleetRoll/control_plane/errs"
)

// MemoryStore holds the whole rollout state in memory.
// It implements the Store interface; values are copied on the way in and out.
type MemoryStore struct {
	mu     *sync.RWMutex
	tables *memTables
	// tx is set on the view handed to an InTx callback, which already holds mu.
	tx bool
}

type memTables struct {
	devices          map[string]*Device
	packages         map[string]*Package
	installed        map[string]map[string]*InstalledPackage // deviceID -> packageID
	updates          map[string]*Update
	updatePackages   map[string]map[string]*UpdatePackage // updateID -> packageID
	plans            map[string]*Plan
	batches          map[string]*Batch
	batchDevices     map[string]map[string]struct{} // batchID -> deviceIDs
	planDevices      map[string]string              // planID/deviceID -> batchID
	executions       map[string]*Execution
	executionBatches map[string]*ExecutionBatch
	deviceStatuses   map[string]map[string]*ExecutionDeviceStatus // executionBatchID -> deviceID
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.RWMutex{},
		tables: &memTables{
			devices:          make(map[string]*Device),
			packages:         make(map[string]*Package),
			installed:        make(map[string]map[string]*InstalledPackage),
			updates:          make(map[string]*Update),
			updatePackages:   make(map[string]map[string]*UpdatePackage),
			plans:            make(map[string]*Plan),
			batches:          make(map[string]*Batch),
			batchDevices:     make(map[string]map[string]struct{}),
			planDevices:      make(map[string]string),
			executions:       make(map[string]*Execution),
			executionBatches: make(map[string]*ExecutionBatch),
			deviceStatuses:   make(map[string]map[string]*ExecutionDeviceStatus),
		},
	}
}

func (s *MemoryStore) rlock() func() {
	if s.tx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *MemoryStore) lock() func() {
	if s.tx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// InTx runs fn on a private copy of the tables and swaps it in on success.
// Transactions are serialized; readers wait until the transaction finishes.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	view := &MemoryStore{mu: s.mu, tables: s.tables.clone(), tx: true}
	if err := fn(view); err != nil {
		return err
	}
	s.tables = view.tables
	return nil
}

func (t *memTables) clone() *memTables {
	c := &memTables{
		devices:          make(map[string]*Device, len(t.devices)),
		packages:         make(map[string]*Package, len(t.packages)),
		installed:        make(map[string]map[string]*InstalledPackage, len(t.installed)),
		updates:          make(map[string]*Update, len(t.updates)),
		updatePackages:   make(map[string]map[string]*UpdatePackage, len(t.updatePackages)),
		plans:            make(map[string]*Plan, len(t.plans)),
		batches:          make(map[string]*Batch, len(t.batches)),
		batchDevices:     make(map[string]map[string]struct{}, len(t.batchDevices)),
		planDevices:      make(map[string]string, len(t.planDevices)),
		executions:       make(map[string]*Execution, len(t.executions)),
		executionBatches: make(map[string]*ExecutionBatch, len(t.executionBatches)),
		deviceStatuses:   make(map[string]map[string]*ExecutionDeviceStatus, len(t.deviceStatuses)),
	}
	for k, v := range t.devices {
		cp := *v
		c.devices[k] = &cp
	}
	for k, v := range t.packages {
		cp := *v
		c.packages[k] = &cp
	}
	for k, m := range t.installed {
		inner := make(map[string]*InstalledPackage, len(m))
		for pk, v := range m {
			cp := *v
			inner[pk] = &cp
		}
		c.installed[k] = inner
	}
	for k, v := range t.updates {
		cp := *v
		c.updates[k] = &cp
	}
	for k, m := range t.updatePackages {
		inner := make(map[string]*UpdatePackage, len(m))
		for pk, v := range m {
			cp := *v
			inner[pk] = &cp
		}
		c.updatePackages[k] = inner
	}
	for k, v := range t.plans {
		cp := *v
		c.plans[k] = &cp
	}
	for k, v := range t.batches {
		cp := *v
		c.batches[k] = &cp
	}
	for k, m := range t.batchDevices {
		inner := make(map[string]struct{}, len(m))
		for d := range m {
			inner[d] = struct{}{}
		}
		c.batchDevices[k] = inner
	}
	for k, v := range t.planDevices {
		c.planDevices[k] = v
	}
	for k, v := range t.executions {
		cp := *v
		c.executions[k] = &cp
	}
	for k, v := range t.executionBatches {
		cp := *v
		c.executionBatches[k] = &cp
	}
	for k, m := range t.deviceStatuses {
		inner := make(map[string]*ExecutionDeviceStatus, len(m))
		for d, v := range m {
			cp := *v
			inner[d] = &cp
		}
		c.deviceStatuses[k] = inner
	}
	return c
}

func stamp(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

// --- Device Operations ---

func (s *MemoryStore) UpsertDevice(ctx context.Context, d *Device) error {
	defer s.lock()()
	stamp(&d.CreatedAt)
	if existing, ok := s.tables.devices[d.DeviceID]; ok {
		d.CreatedAt = existing.CreatedAt
	}
	d.UpdatedAt = time.Now().UTC()
	cp := *d
	s.tables.devices[d.DeviceID] = &cp
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	defer s.rlock()()
	d, ok := s.tables.devices[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetDevices(ctx context.Context, deviceIDs []string) ([]*Device, error) {
	defer s.rlock()()
	result := make([]*Device, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if d, ok := s.tables.devices[id]; ok {
			cp := *d
			result = append(result, &cp)
		}
	}
	sortDevices(result)
	return result, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]*Device, error) {
	defer s.rlock()()
	result := make([]*Device, 0, len(s.tables.devices))
	for _, d := range s.tables.devices {
		cp := *d
		result = append(result, &cp)
	}
	sortDevices(result)
	return result, nil
}

func (s *MemoryStore) ListDevicesByStatus(ctx context.Context, status DeviceStatus) ([]*Device, error) {
	defer s.rlock()()
	result := make([]*Device, 0)
	for _, d := range s.tables.devices {
		if d.Status == status {
			cp := *d
			result = append(result, &cp)
		}
	}
	sortDevices(result)
	return result, nil
}

func (s *MemoryStore) UpdateDeviceStatus(ctx context.Context, deviceID string, status DeviceStatus) error {
	defer s.lock()()
	d, ok := s.tables.devices[deviceID]
	if !ok {
		return errs.ErrDeviceNotFound.With("device %s", deviceID)
	}
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateDeviceHeartbeat(ctx context.Context, deviceID string, t time.Time) error {
	defer s.lock()()
	d, ok := s.tables.devices[deviceID]
	if !ok {
		return errs.ErrDeviceNotFound.With("device %s", deviceID)
	}
	d.LastHeartbeat = t
	if d.Status == DeviceOffline {
		d.Status = DeviceOnline
	}
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func sortDevices(ds []*Device) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].DeviceID < ds[j].DeviceID })
}

// --- Package Operations ---

func (s *MemoryStore) CreatePackage(ctx context.Context, p *Package) error {
	defer s.lock()()
	for _, existing := range s.tables.packages {
		if existing.Name == p.Name && existing.Version == p.Version {
			return errs.ErrDuplicatePackage.With("package %s@%s already exists", p.Name, p.Version)
		}
	}
	stamp(&p.CreatedAt)
	cp := *p
	s.tables.packages[p.PackageID] = &cp
	return nil
}

func (s *MemoryStore) GetPackage(ctx context.Context, packageID string) (*Package, error) {
	defer s.rlock()()
	p, ok := s.tables.packages[packageID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPackageByNameVersion(ctx context.Context, name, version string) (*Package, error) {
	defer s.rlock()()
	for _, p := range s.tables.packages {
		if p.Name == name && p.Version == version {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) AddInstalledPackage(ctx context.Context, ip *InstalledPackage) error {
	defer s.lock()()
	if _, ok := s.tables.devices[ip.DeviceID]; !ok {
		return errs.ErrDeviceNotFound.With("device %s", ip.DeviceID)
	}
	if _, ok := s.tables.packages[ip.PackageID]; !ok {
		return errs.ErrPackageNotFound.With("package %s", ip.PackageID)
	}
	stamp(&ip.InstalledAt)
	m, ok := s.tables.installed[ip.DeviceID]
	if !ok {
		m = make(map[string]*InstalledPackage)
		s.tables.installed[ip.DeviceID] = m
	}
	cp := *ip
	m[ip.PackageID] = &cp
	return nil
}

func (s *MemoryStore) RemoveInstalledPackage(ctx context.Context, deviceID, packageID string) error {
	defer s.lock()()
	if m, ok := s.tables.installed[deviceID]; ok {
		delete(m, packageID)
	}
	return nil
}

func (s *MemoryStore) ListInstalledPackages(ctx context.Context, deviceIDs []string) ([]*InstalledPackage, error) {
	defer s.rlock()()
	var result []*InstalledPackage
	for _, id := range deviceIDs {
		for _, ip := range s.tables.installed[id] {
			cp := *ip
			if p, ok := s.tables.packages[ip.PackageID]; ok {
				cp.PackageName = p.Name
				cp.PackageVersion = p.Version
			}
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DeviceID != result[j].DeviceID {
			return result[i].DeviceID < result[j].DeviceID
		}
		return result[i].PackageID < result[j].PackageID
	})
	return result, nil
}

// --- Update Operations ---

func (s *MemoryStore) CreateUpdate(ctx context.Context, u *Update) error {
	defer s.lock()()
	stamp(&u.CreatedAt)
	u.UpdatedAt = u.CreatedAt
	cp := *u
	s.tables.updates[u.UpdateID] = &cp
	return nil
}

func (s *MemoryStore) GetUpdate(ctx context.Context, updateID string) (*Update, error) {
	defer s.rlock()()
	u, ok := s.tables.updates[updateID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpdateUpdateStatus(ctx context.Context, updateID string, status UpdateStatus) error {
	defer s.lock()()
	u, ok := s.tables.updates[updateID]
	if !ok {
		return errs.ErrUpdateNotFound.With("update %s", updateID)
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AddUpdatePackage(ctx context.Context, up *UpdatePackage) error {
	defer s.lock()()
	if _, ok := s.tables.updates[up.UpdateID]; !ok {
		return errs.ErrUpdateNotFound.With("update %s", up.UpdateID)
	}
	if _, ok := s.tables.packages[up.PackageID]; !ok {
		return errs.ErrPackageNotFound.With("package %s", up.PackageID)
	}
	m, ok := s.tables.updatePackages[up.UpdateID]
	if !ok {
		m = make(map[string]*UpdatePackage)
		s.tables.updatePackages[up.UpdateID] = m
	}
	if _, dup := m[up.PackageID]; dup {
		return errs.ErrDuplicatePackage.With("package %s already belongs to update %s", up.PackageID, up.UpdateID)
	}
	cp := *up
	m[up.PackageID] = &cp
	return nil
}

func (s *MemoryStore) ListUpdatePackages(ctx context.Context, updateID string) ([]*UpdatePackage, error) {
	defer s.rlock()()
	var result []*UpdatePackage
	for _, up := range s.tables.updatePackages[updateID] {
		cp := *up
		if p, ok := s.tables.packages[up.PackageID]; ok {
			cp.PackageName = p.Name
			cp.PackageVersion = p.Version
		}
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PackageID < result[j].PackageID })
	return result, nil
}

// --- Plan Operations ---

func (s *MemoryStore) CreatePlan(ctx context.Context, p *Plan) error {
	defer s.lock()()
	stamp(&p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	cp := *p
	cp.Batches = nil
	s.tables.plans[p.PlanID] = &cp
	return nil
}

func (s *MemoryStore) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	defer s.rlock()()
	p, ok := s.tables.plans[planID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) TransitionPlanStatus(ctx context.Context, planID string, from, to PlanStatus) (bool, error) {
	defer s.lock()()
	p, ok := s.tables.plans[planID]
	if !ok {
		return false, errs.ErrPlanNotFound.With("plan %s", planID)
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) CreateBatch(ctx context.Context, b *Batch) error {
	defer s.lock()()
	if _, ok := s.tables.plans[b.PlanID]; !ok {
		return errs.ErrPlanNotFound.With("plan %s", b.PlanID)
	}
	stamp(&b.CreatedAt)
	cp := *b
	cp.DeviceIDs = nil
	s.tables.batches[b.BatchID] = &cp
	s.tables.batchDevices[b.BatchID] = make(map[string]struct{})
	return nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	defer s.rlock()()
	b, ok := s.tables.batches[batchID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBatches(ctx context.Context, planID string) ([]*Batch, error) {
	defer s.rlock()()
	result := make([]*Batch, 0)
	for _, b := range s.tables.batches {
		if b.PlanID == planID {
			cp := *b
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

func planDeviceKey(planID, deviceID string) string {
	return planID + "/" + deviceID
}

func (s *MemoryStore) AddBatchDevice(ctx context.Context, planID, batchID, deviceID string) error {
	defer s.lock()()
	b, ok := s.tables.batches[batchID]
	if !ok || b.PlanID != planID {
		return errs.ErrBatchNotFound.With("batch %s in plan %s", batchID, planID)
	}
	key := planDeviceKey(planID, deviceID)
	if owner, taken := s.tables.planDevices[key]; taken {
		return errs.ErrDeviceAlreadyInBatch.With("device %s already in batch %s", deviceID, owner)
	}
	s.tables.planDevices[key] = batchID
	s.tables.batchDevices[batchID][deviceID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveBatchDevice(ctx context.Context, batchID, deviceID string) (bool, error) {
	defer s.lock()()
	b, ok := s.tables.batches[batchID]
	if !ok {
		return false, nil
	}
	members := s.tables.batchDevices[batchID]
	if _, in := members[deviceID]; !in {
		return false, nil
	}
	delete(members, deviceID)
	delete(s.tables.planDevices, planDeviceKey(b.PlanID, deviceID))
	return true, nil
}

func (s *MemoryStore) ListBatchDevices(ctx context.Context, batchID string) ([]string, error) {
	defer s.rlock()()
	members := s.tables.batchDevices[batchID]
	result := make([]string, 0, len(members))
	for d := range members {
		result = append(result, d)
	}
	sort.Strings(result)
	return result, nil
}

func (s *MemoryStore) FindBatchForDevice(ctx context.Context, planID, deviceID string) (*Batch, error) {
	defer s.rlock()()
	batchID, ok := s.tables.planDevices[planDeviceKey(planID, deviceID)]
	if !ok {
		return nil, nil
	}
	b, ok := s.tables.batches[batchID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

// --- Execution Operations ---

func (s *MemoryStore) CreateExecution(ctx context.Context, e *Execution) error {
	defer s.lock()()
	if _, ok := s.tables.plans[e.PlanID]; !ok {
		return errs.ErrPlanNotFound.With("plan %s", e.PlanID)
	}
	stamp(&e.CreatedAt)
	e.UpdatedAt = e.CreatedAt
	cp := *e
	cp.Batches = nil
	s.tables.executions[e.ExecutionID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	defer s.rlock()()
	e, ok := s.tables.executions[executionID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListExecutionsByStatus(ctx context.Context, status ExecutionStatus) ([]*Execution, error) {
	defer s.rlock()()
	result := make([]*Execution, 0)
	for _, e := range s.tables.executions {
		if e.Status == status {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExecutionID < result[j].ExecutionID })
	return result, nil
}

func (s *MemoryStore) TransitionExecutionStatus(ctx context.Context, executionID string, from, to ExecutionStatus) (bool, error) {
	defer s.lock()()
	e, ok := s.tables.executions[executionID]
	if !ok {
		return false, errs.ErrExecutionNotFound.With("execution %s", executionID)
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) CreateExecutionBatch(ctx context.Context, eb *ExecutionBatch) error {
	defer s.lock()()
	if _, ok := s.tables.executions[eb.ExecutionID]; !ok {
		return errs.ErrExecutionNotFound.With("execution %s", eb.ExecutionID)
	}
	cp := *eb
	s.tables.executionBatches[eb.ExecutionBatchID] = &cp
	s.tables.deviceStatuses[eb.ExecutionBatchID] = make(map[string]*ExecutionDeviceStatus)
	return nil
}

func (s *MemoryStore) GetExecutionBatch(ctx context.Context, executionBatchID string) (*ExecutionBatch, error) {
	defer s.rlock()()
	eb, ok := s.tables.executionBatches[executionBatchID]
	if !ok {
		return nil, nil
	}
	cp := *eb
	return &cp, nil
}

func (s *MemoryStore) GetExecutionBatchBySequence(ctx context.Context, executionID string, sequence int) (*ExecutionBatch, error) {
	defer s.rlock()()
	for _, eb := range s.tables.executionBatches {
		if eb.ExecutionID == executionID && eb.Sequence == sequence {
			cp := *eb
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListExecutionBatches(ctx context.Context, executionID string) ([]*ExecutionBatch, error) {
	defer s.rlock()()
	result := make([]*ExecutionBatch, 0)
	for _, eb := range s.tables.executionBatches {
		if eb.ExecutionID == executionID {
			cp := *eb
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

func (s *MemoryStore) StartExecutionBatch(ctx context.Context, executionBatchID string, startedAt, monitoringEnd time.Time) (bool, error) {
	defer s.lock()()
	eb, ok := s.tables.executionBatches[executionBatchID]
	if !ok {
		return false, errs.ErrExecutionBatchNotFound.With("execution batch %s", executionBatchID)
	}
	if eb.Status != ExecutionBatchPending {
		return false, nil
	}
	eb.Status = ExecutionBatchExecuting
	eb.StartedAt = &startedAt
	eb.MonitoringEndTime = &monitoringEnd
	return true, nil
}

func (s *MemoryStore) CompleteExecutionBatch(ctx context.Context, executionBatchID string, result ExecutionBatchResult, completedAt time.Time) (bool, error) {
	defer s.lock()()
	eb, ok := s.tables.executionBatches[executionBatchID]
	if !ok {
		return false, errs.ErrExecutionBatchNotFound.With("execution batch %s", executionBatchID)
	}
	if eb.Status == ExecutionBatchCompleted {
		return false, nil
	}
	eb.Status = ExecutionBatchCompleted
	eb.Result = result
	eb.CompletedAt = &completedAt
	return true, nil
}

// --- Device Status Operations ---

func (s *MemoryStore) CreateExecutionDeviceStatus(ctx context.Context, st *ExecutionDeviceStatus) error {
	defer s.lock()()
	m, ok := s.tables.deviceStatuses[st.ExecutionBatchID]
	if !ok {
		return errs.ErrExecutionBatchNotFound.With("execution batch %s", st.ExecutionBatchID)
	}
	if _, dup := m[st.DeviceID]; dup {
		return errs.ErrDeviceAlreadyInBatch.With("device %s already dispatched in %s", st.DeviceID, st.ExecutionBatchID)
	}
	stamp(&st.SentAt)
	cp := *st
	m[st.DeviceID] = &cp
	return nil
}

func (s *MemoryStore) ListExecutionDeviceStatuses(ctx context.Context, executionBatchID string) ([]*ExecutionDeviceStatus, error) {
	defer s.rlock()()
	m := s.tables.deviceStatuses[executionBatchID]
	result := make([]*ExecutionDeviceStatus, 0, len(m))
	for _, st := range m {
		cp := *st
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result, nil
}

func (s *MemoryStore) RecordExecutionDeviceResult(ctx context.Context, executionBatchID, deviceID string, succeeded bool, reportedAt time.Time) (RecordOutcome, error) {
	defer s.lock()()
	eb, ok := s.tables.executionBatches[executionBatchID]
	if !ok || eb.Status != ExecutionBatchExecuting {
		return RecordBatchNotExecuting, nil
	}
	st, ok := s.tables.deviceStatuses[executionBatchID][deviceID]
	if !ok {
		return RecordNotDispatched, nil
	}
	st.UpdateCompleted = true
	st.Succeeded = &succeeded
	st.ReportedAt = &reportedAt
	return RecordApplied, nil
}

func (s *MemoryStore) ListPendingDeviceStatuses(ctx context.Context, deviceID string) ([]*ExecutionDeviceStatus, error) {
	defer s.rlock()()
	var result []*ExecutionDeviceStatus
	for _, m := range s.tables.deviceStatuses {
		st, ok := m[deviceID]
		if !ok || !st.UpdateSent || st.UpdateCompleted {
			continue
		}
		cp := *st
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExecutionBatchID < result[j].ExecutionBatchID })
	return result, nil
}
