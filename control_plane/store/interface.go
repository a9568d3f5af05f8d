package store

import (
	"context"
	"time"
)

// Store defines the persistence operations the rollout core needs.
// Lookups by id return (nil, nil) when the entity does not exist.
// List operations that feed the planner and engine return rows in a stable
// order (ids ascending, batches by sequence).
type Store interface {
	// InTx runs fn against a transactional view of the store. Every write made
	// through tx is committed together, or none is when fn returns an error.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Device Operations
	UpsertDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	GetDevices(ctx context.Context, deviceIDs []string) ([]*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	ListDevicesByStatus(ctx context.Context, status DeviceStatus) ([]*Device, error)
	UpdateDeviceStatus(ctx context.Context, deviceID string, status DeviceStatus) error
	// UpdateDeviceHeartbeat records liveness and brings an OFFLINE device back ONLINE.
	UpdateDeviceHeartbeat(ctx context.Context, deviceID string, t time.Time) error

	// Package Operations
	CreatePackage(ctx context.Context, pkg *Package) error
	GetPackage(ctx context.Context, packageID string) (*Package, error)
	GetPackageByNameVersion(ctx context.Context, name, version string) (*Package, error)
	AddInstalledPackage(ctx context.Context, ip *InstalledPackage) error
	RemoveInstalledPackage(ctx context.Context, deviceID, packageID string) error
	ListInstalledPackages(ctx context.Context, deviceIDs []string) ([]*InstalledPackage, error)

	// Update Operations
	CreateUpdate(ctx context.Context, update *Update) error
	GetUpdate(ctx context.Context, updateID string) (*Update, error)
	UpdateUpdateStatus(ctx context.Context, updateID string, status UpdateStatus) error
	AddUpdatePackage(ctx context.Context, up *UpdatePackage) error
	ListUpdatePackages(ctx context.Context, updateID string) ([]*UpdatePackage, error)

	// Plan Operations
	CreatePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, planID string) (*Plan, error)
	// TransitionPlanStatus sets status to `to` only if it currently equals `from`.
	TransitionPlanStatus(ctx context.Context, planID string, from, to PlanStatus) (bool, error)
	CreateBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	ListBatches(ctx context.Context, planID string) ([]*Batch, error)
	AddBatchDevice(ctx context.Context, planID, batchID, deviceID string) error
	RemoveBatchDevice(ctx context.Context, batchID, deviceID string) (bool, error)
	ListBatchDevices(ctx context.Context, batchID string) ([]string, error)
	// FindBatchForDevice returns the batch of planID holding deviceID, if any.
	FindBatchForDevice(ctx context.Context, planID, deviceID string) (*Batch, error)

	// Execution Operations
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	ListExecutionsByStatus(ctx context.Context, status ExecutionStatus) ([]*Execution, error)
	TransitionExecutionStatus(ctx context.Context, executionID string, from, to ExecutionStatus) (bool, error)
	CreateExecutionBatch(ctx context.Context, eb *ExecutionBatch) error
	GetExecutionBatch(ctx context.Context, executionBatchID string) (*ExecutionBatch, error)
	GetExecutionBatchBySequence(ctx context.Context, executionID string, sequence int) (*ExecutionBatch, error)
	ListExecutionBatches(ctx context.Context, executionID string) ([]*ExecutionBatch, error)
	// StartExecutionBatch moves a PENDING batch to EXECUTING. It reports false
	// when the batch is not PENDING, which makes it the dispatch guard.
	StartExecutionBatch(ctx context.Context, executionBatchID string, startedAt, monitoringEnd time.Time) (bool, error)
	// CompleteExecutionBatch moves a non-COMPLETED batch to COMPLETED with the
	// given result. It reports false when the batch was already COMPLETED.
	CompleteExecutionBatch(ctx context.Context, executionBatchID string, result ExecutionBatchResult, completedAt time.Time) (bool, error)

	// Device Status Operations
	CreateExecutionDeviceStatus(ctx context.Context, st *ExecutionDeviceStatus) error
	ListExecutionDeviceStatuses(ctx context.Context, executionBatchID string) ([]*ExecutionDeviceStatus, error)
	// RecordExecutionDeviceResult marks the row completed, but only while the
	// execution batch is still EXECUTING.
	RecordExecutionDeviceResult(ctx context.Context, executionBatchID, deviceID string, succeeded bool, reportedAt time.Time) (RecordOutcome, error)
	ListPendingDeviceStatuses(ctx context.Context, deviceID string) ([]*ExecutionDeviceStatus, error)
}
