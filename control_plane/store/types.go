package store

import (
	"time"
)

// Device is a fleet member. Its status is maintained by heartbeats and admins.
type Device struct {
	DeviceID      string       `json:"device_id" db:"device_id"`
	Name          string       `json:"name" db:"name"`
	IPAddress     string       `json:"ip_address,omitempty" db:"ip_address"`
	Type          string       `json:"type" db:"device_type"`
	Status        DeviceStatus `json:"status" db:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat" db:"last_heartbeat_at"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// Package is identified by the (Name, Version) pair.
type Package struct {
	PackageID string        `json:"package_id" db:"package_id"`
	Name      string        `json:"name" db:"name"`
	Version   string        `json:"version" db:"version"`
	Vendor    string        `json:"vendor" db:"vendor"`
	Status    PackageStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// InstalledPackage records that a package is present on a device.
// PackageName and PackageVersion are filled from the package on read.
type InstalledPackage struct {
	DeviceID       string    `json:"device_id" db:"device_id"`
	PackageID      string    `json:"package_id" db:"package_id"`
	PackageName    string    `json:"package_name" db:"-"`
	PackageVersion string    `json:"package_version" db:"-"`
	InstalledAt    time.Time `json:"installed_at" db:"installed_at"`
}

type Update struct {
	UpdateID    string       `json:"update_id" db:"update_id"`
	Name        string       `json:"name" db:"name"`
	Version     string       `json:"version" db:"version"`
	Description string       `json:"description" db:"description"`
	Status      UpdateStatus `json:"status" db:"status"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// UpdatePackage is one package action of an update, unique per (update, package).
type UpdatePackage struct {
	UpdateID       string        `json:"update_id" db:"update_id"`
	PackageID      string        `json:"package_id" db:"package_id"`
	PackageName    string        `json:"package_name" db:"-"`
	PackageVersion string        `json:"package_version" db:"-"`
	Action         PackageAction `json:"action" db:"action"`
	Forced         bool          `json:"forced" db:"forced"`
	RequiresReboot bool          `json:"requires_reboot" db:"requires_reboot"`
}

type Plan struct {
	PlanID      string     `json:"plan_id" db:"plan_id"`
	UpdateID    string     `json:"update_id" db:"update_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	Status      PlanStatus `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`

	// Batches is populated by the planner; it is not a stored column.
	Batches []*Batch `json:"batches,omitempty" db:"-"`
}

// Batch is one step of a plan. Sequence is 1-based and contiguous.
type Batch struct {
	BatchID          string      `json:"batch_id" db:"batch_id"`
	PlanID           string      `json:"plan_id" db:"plan_id"`
	Name             string      `json:"name" db:"name"`
	Sequence         int         `json:"sequence" db:"sequence"`
	Type             BatchType   `json:"type" db:"batch_type"`
	MonitoringPeriod int         `json:"monitoring_period_hours" db:"monitoring_period"`
	Status           BatchStatus `json:"status" db:"status"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`

	// DeviceIDs is the membership set, loaded on demand.
	DeviceIDs []string `json:"device_ids,omitempty" db:"-"`
}

type Execution struct {
	ExecutionID string          `json:"execution_id" db:"execution_id"`
	PlanID      string          `json:"plan_id" db:"plan_id"`
	Status      ExecutionStatus `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`

	Batches []*ExecutionBatch `json:"batches,omitempty" db:"-"`
}

// ExecutionBatch mirrors a Batch inside one Execution.
type ExecutionBatch struct {
	ExecutionBatchID  string               `json:"execution_batch_id" db:"execution_batch_id"`
	ExecutionID       string               `json:"execution_id" db:"execution_id"`
	BatchID           string               `json:"batch_id" db:"batch_id"`
	Sequence          int                  `json:"sequence" db:"sequence"`
	Status            ExecutionBatchStatus `json:"status" db:"status"`
	Result            ExecutionBatchResult `json:"result,omitempty" db:"result"`
	MonitoringEndTime *time.Time           `json:"monitoring_end_time,omitempty" db:"monitoring_end_time"`
	StartedAt         *time.Time           `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty" db:"completed_at"`
}

// ExecutionDeviceStatus exists only for devices that were ONLINE when their
// batch was dispatched. Succeeded is nil until the device reports.
type ExecutionDeviceStatus struct {
	ExecutionBatchID string     `json:"execution_batch_id" db:"execution_batch_id"`
	DeviceID         string     `json:"device_id" db:"device_id"`
	UpdateSent       bool       `json:"update_sent" db:"update_sent"`
	UpdateCompleted  bool       `json:"update_completed" db:"update_completed"`
	Succeeded        *bool      `json:"succeeded" db:"succeeded"`
	SentAt           time.Time  `json:"sent_at" db:"sent_at"`
	ReportedAt       *time.Time `json:"reported_at,omitempty" db:"reported_at"`
}
