package store

// Persisted enums. The string values are the storage format and must not change.

type DeviceStatus string

const (
	DeviceOnline         DeviceStatus = "ONLINE"
	DeviceOffline        DeviceStatus = "OFFLINE"
	DeviceMaintenance    DeviceStatus = "MAINTENANCE"
	DeviceDecommissioned DeviceStatus = "DECOMMISSIONED"
)

func (s DeviceStatus) String() string { return string(s) }

func (s DeviceStatus) IsValid() bool {
	switch s {
	case DeviceOnline, DeviceOffline, DeviceMaintenance, DeviceDecommissioned:
		return true
	}
	return false
}

type PackageStatus string

const (
	PackageDraft      PackageStatus = "DRAFT"
	PackagePublished  PackageStatus = "PUBLISHED"
	PackageDeprecated PackageStatus = "DEPRECATED"
	PackageArchived   PackageStatus = "ARCHIVED"
)

func (s PackageStatus) String() string { return string(s) }

func (s PackageStatus) IsValid() bool {
	switch s {
	case PackageDraft, PackagePublished, PackageDeprecated, PackageArchived:
		return true
	}
	return false
}

type UpdateStatus string

const (
	UpdateDraft     UpdateStatus = "DRAFT"
	UpdatePublished UpdateStatus = "PUBLISHED"
	UpdateTesting   UpdateStatus = "TESTING"
	UpdateDeploying UpdateStatus = "DEPLOYING"
	UpdateCompleted UpdateStatus = "COMPLETED"
	UpdateFailed    UpdateStatus = "FAILED"
	UpdateCancelled UpdateStatus = "CANCELLED"
)

func (s UpdateStatus) String() string { return string(s) }

func (s UpdateStatus) IsValid() bool {
	switch s {
	case UpdateDraft, UpdatePublished, UpdateTesting, UpdateDeploying, UpdateCompleted, UpdateFailed, UpdateCancelled:
		return true
	}
	return false
}

type PlanStatus string

const (
	PlanDraft     PlanStatus = "DRAFT"
	PlanApproved  PlanStatus = "APPROVED"
	PlanRejected  PlanStatus = "REJECTED"
	PlanReady     PlanStatus = "READY"
	PlanExecuting PlanStatus = "EXECUTING"
	PlanCompleted PlanStatus = "COMPLETED"
	PlanFailed    PlanStatus = "FAILED"
	PlanCancelled PlanStatus = "CANCELLED"
)

func (s PlanStatus) String() string { return string(s) }

func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanDraft, PlanApproved, PlanRejected, PlanReady, PlanExecuting, PlanCompleted, PlanFailed, PlanCancelled:
		return true
	}
	return false
}

type BatchStatus string

const (
	BatchPending   BatchStatus = "PENDING"
	BatchExecuting BatchStatus = "EXECUTING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
	BatchCancelled BatchStatus = "CANCELLED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchPending, BatchExecuting, BatchCompleted, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

type BatchType string

const (
	BatchTest BatchType = "TEST"
	BatchMass BatchType = "MASS"
)

func (t BatchType) String() string { return string(t) }

func (t BatchType) IsValid() bool {
	return t == BatchTest || t == BatchMass
}

type ExecutionStatus string

const (
	ExecutionCreated   ExecutionStatus = "CREATED"
	ExecutionExecuting ExecutionStatus = "EXECUTING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionAbandoned ExecutionStatus = "ABANDONED"
)

func (s ExecutionStatus) String() string { return string(s) }

func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionCreated, ExecutionExecuting, ExecutionCompleted, ExecutionAbandoned:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionAbandoned
}

type ExecutionBatchStatus string

const (
	ExecutionBatchPending   ExecutionBatchStatus = "PENDING"
	ExecutionBatchExecuting ExecutionBatchStatus = "EXECUTING"
	ExecutionBatchCompleted ExecutionBatchStatus = "COMPLETED"
)

func (s ExecutionBatchStatus) String() string { return string(s) }

func (s ExecutionBatchStatus) IsValid() bool {
	switch s {
	case ExecutionBatchPending, ExecutionBatchExecuting, ExecutionBatchCompleted:
		return true
	}
	return false
}

// ExecutionBatchResult is empty until the batch completes.
type ExecutionBatchResult string

const (
	ResultNone       ExecutionBatchResult = ""
	ResultSuccessful ExecutionBatchResult = "SUCCESSFUL"
	ResultFailed     ExecutionBatchResult = "FAILED"
	ResultIncomplete ExecutionBatchResult = "INCOMPLETE"
)

func (r ExecutionBatchResult) String() string { return string(r) }

func (r ExecutionBatchResult) IsValid() bool {
	switch r {
	case ResultSuccessful, ResultFailed, ResultIncomplete:
		return true
	}
	return false
}

type PackageAction string

const (
	ActionInstall   PackageAction = "INSTALL"
	ActionUninstall PackageAction = "UNINSTALL"
)

func (a PackageAction) String() string { return string(a) }

func (a PackageAction) IsValid() bool {
	return a == ActionInstall || a == ActionUninstall
}

// RecordOutcome is the result of writing a device result row.
type RecordOutcome int

const (
	RecordApplied           RecordOutcome = iota
	RecordNotDispatched                   // no row for (execution batch, device)
	RecordBatchNotExecuting               // batch completed first, row untouched
)
