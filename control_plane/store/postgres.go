package store

import (
	"context"
	_ "embed"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/itskum47/FleetRoll/control_plane/errs"
)

//go:embed schema.sql
var schemaSQL string

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres url")
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return &PostgresStore{pool: pool, db: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the schema if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return errors.Wrap(err, "apply schema")
}

// InTx runs fn in a transaction; inside an existing transaction it opens a savepoint.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&PostgresStore{db: tx})
	})
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func nullableResult(r ExecutionBatchResult) *string {
	if r == ResultNone {
		return nil
	}
	v := string(r)
	return &v
}

// --- Device Operations ---

const deviceColumns = `device_id, name, ip_address, device_type, status, last_heartbeat_at, created_at, updated_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.DeviceID, &d.Name, &d.IPAddress, &d.Type, &d.Status, &d.LastHeartbeat, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDevices(rows pgx.Rows) ([]*Device, error) {
	defer rows.Close()
	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan device")
		}
		devices = append(devices, d)
	}
	return devices, errors.Wrap(rows.Err(), "iterate devices")
}

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (device_id, name, ip_address, device_type, status, last_heartbeat_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			name = EXCLUDED.name,
			ip_address = EXCLUDED.ip_address,
			device_type = EXCLUDED.device_type,
			status = EXCLUDED.status,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			updated_at = NOW()
	`
	_, err := s.db.Exec(ctx, query, d.DeviceID, d.Name, d.IPAddress, d.Type, d.Status, d.LastHeartbeat)
	return errors.Wrap(err, "upsert device")
}

func (s *PostgresStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	d, err := scanDevice(s.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, errors.Wrap(err, "get device")
}

func (s *PostgresStore) GetDevices(ctx context.Context, deviceIDs []string) ([]*Device, error) {
	rows, err := s.db.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ANY($1) ORDER BY device_id`, deviceIDs)
	if err != nil {
		return nil, errors.Wrap(err, "get devices")
	}
	return collectDevices(rows)
}

func (s *PostgresStore) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}
	return collectDevices(rows)
}

func (s *PostgresStore) ListDevicesByStatus(ctx context.Context, status DeviceStatus) ([]*Device, error) {
	rows, err := s.db.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE status = $1 ORDER BY device_id`, status)
	if err != nil {
		return nil, errors.Wrap(err, "list devices by status")
	}
	return collectDevices(rows)
}

func (s *PostgresStore) UpdateDeviceStatus(ctx context.Context, deviceID string, status DeviceStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE devices SET status = $2, updated_at = NOW() WHERE device_id = $1`, deviceID, status)
	if err != nil {
		return errors.Wrap(err, "update device status")
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrDeviceNotFound.With("device %s", deviceID)
	}
	return nil
}

func (s *PostgresStore) UpdateDeviceHeartbeat(ctx context.Context, deviceID string, t time.Time) error {
	query := `
		UPDATE devices
		SET last_heartbeat_at = $2,
		    status = CASE WHEN status = $3::text THEN $4::text ELSE status END,
		    updated_at = NOW()
		WHERE device_id = $1`
	tag, err := s.db.Exec(ctx, query, deviceID, t, DeviceOffline, DeviceOnline)
	if err != nil {
		return errors.Wrap(err, "update device heartbeat")
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrDeviceNotFound.With("device %s", deviceID)
	}
	return nil
}

// --- Package Operations ---

func (s *PostgresStore) CreatePackage(ctx context.Context, p *Package) error {
	query := `
		INSERT INTO packages (package_id, name, version, vendor, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	_, err := s.db.Exec(ctx, query, p.PackageID, p.Name, p.Version, p.Vendor, p.Status)
	if _, dup := uniqueViolation(err); dup {
		return errs.ErrDuplicatePackage.With("package %s@%s already exists", p.Name, p.Version)
	}
	return errors.Wrap(err, "create package")
}

func scanPackage(row pgx.Row) (*Package, error) {
	var p Package
	if err := row.Scan(&p.PackageID, &p.Name, &p.Version, &p.Vendor, &p.Status, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPackage(ctx context.Context, packageID string) (*Package, error) {
	query := `SELECT package_id, name, version, vendor, status, created_at FROM packages WHERE package_id = $1`
	p, err := scanPackage(s.db.QueryRow(ctx, query, packageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, errors.Wrap(err, "get package")
}

func (s *PostgresStore) GetPackageByNameVersion(ctx context.Context, name, version string) (*Package, error) {
	query := `SELECT package_id, name, version, vendor, status, created_at FROM packages WHERE name = $1 AND version = $2`
	p, err := scanPackage(s.db.QueryRow(ctx, query, name, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, errors.Wrap(err, "get package by name")
}

func (s *PostgresStore) AddInstalledPackage(ctx context.Context, ip *InstalledPackage) error {
	installedAt := ip.InstalledAt
	if installedAt.IsZero() {
		installedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO installed_packages (device_id, package_id, installed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id, package_id) DO UPDATE SET installed_at = EXCLUDED.installed_at
	`
	_, err := s.db.Exec(ctx, query, ip.DeviceID, ip.PackageID, installedAt)
	return errors.Wrap(err, "add installed package")
}

func (s *PostgresStore) RemoveInstalledPackage(ctx context.Context, deviceID, packageID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM installed_packages WHERE device_id = $1 AND package_id = $2`, deviceID, packageID)
	return errors.Wrap(err, "remove installed package")
}

func (s *PostgresStore) ListInstalledPackages(ctx context.Context, deviceIDs []string) ([]*InstalledPackage, error) {
	query := `
		SELECT ip.device_id, ip.package_id, p.name, p.version, ip.installed_at
		FROM installed_packages ip JOIN packages p ON p.package_id = ip.package_id
		WHERE ip.device_id = ANY($1)
		ORDER BY ip.device_id, ip.package_id
	`
	rows, err := s.db.Query(ctx, query, deviceIDs)
	if err != nil {
		return nil, errors.Wrap(err, "list installed packages")
	}
	defer rows.Close()

	var result []*InstalledPackage
	for rows.Next() {
		var ip InstalledPackage
		if err := rows.Scan(&ip.DeviceID, &ip.PackageID, &ip.PackageName, &ip.PackageVersion, &ip.InstalledAt); err != nil {
			return nil, errors.Wrap(err, "scan installed package")
		}
		result = append(result, &ip)
	}
	return result, errors.Wrap(rows.Err(), "iterate installed packages")
}

// --- Update Operations ---

func (s *PostgresStore) CreateUpdate(ctx context.Context, u *Update) error {
	query := `
		INSERT INTO updates (update_id, name, version, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`
	_, err := s.db.Exec(ctx, query, u.UpdateID, u.Name, u.Version, u.Description, u.Status)
	return errors.Wrap(err, "create update")
}

func (s *PostgresStore) GetUpdate(ctx context.Context, updateID string) (*Update, error) {
	query := `SELECT update_id, name, version, description, status, created_at, updated_at FROM updates WHERE update_id = $1`
	var u Update
	err := s.db.QueryRow(ctx, query, updateID).Scan(&u.UpdateID, &u.Name, &u.Version, &u.Description, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get update")
	}
	return &u, nil
}

func (s *PostgresStore) UpdateUpdateStatus(ctx context.Context, updateID string, status UpdateStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE updates SET status = $2, updated_at = NOW() WHERE update_id = $1`, updateID, status)
	if err != nil {
		return errors.Wrap(err, "update update status")
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrUpdateNotFound.With("update %s", updateID)
	}
	return nil
}

func (s *PostgresStore) AddUpdatePackage(ctx context.Context, up *UpdatePackage) error {
	query := `
		INSERT INTO update_packages (update_id, package_id, action, forced, requires_reboot)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.Exec(ctx, query, up.UpdateID, up.PackageID, up.Action, up.Forced, up.RequiresReboot)
	if _, dup := uniqueViolation(err); dup {
		return errs.ErrDuplicatePackage.With("package %s already belongs to update %s", up.PackageID, up.UpdateID)
	}
	return errors.Wrap(err, "add update package")
}

func (s *PostgresStore) ListUpdatePackages(ctx context.Context, updateID string) ([]*UpdatePackage, error) {
	query := `
		SELECT up.update_id, up.package_id, p.name, p.version, up.action, up.forced, up.requires_reboot
		FROM update_packages up JOIN packages p ON p.package_id = up.package_id
		WHERE up.update_id = $1
		ORDER BY up.package_id
	`
	rows, err := s.db.Query(ctx, query, updateID)
	if err != nil {
		return nil, errors.Wrap(err, "list update packages")
	}
	defer rows.Close()

	var result []*UpdatePackage
	for rows.Next() {
		var up UpdatePackage
		if err := rows.Scan(&up.UpdateID, &up.PackageID, &up.PackageName, &up.PackageVersion, &up.Action, &up.Forced, &up.RequiresReboot); err != nil {
			return nil, errors.Wrap(err, "scan update package")
		}
		result = append(result, &up)
	}
	return result, errors.Wrap(rows.Err(), "iterate update packages")
}

// --- Plan Operations ---

func (s *PostgresStore) CreatePlan(ctx context.Context, p *Plan) error {
	query := `
		INSERT INTO plans (plan_id, update_id, name, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`
	_, err := s.db.Exec(ctx, query, p.PlanID, p.UpdateID, p.Name, p.Description, p.Status)
	return errors.Wrap(err, "create plan")
}

func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	query := `SELECT plan_id, update_id, name, description, status, created_at, updated_at FROM plans WHERE plan_id = $1`
	var p Plan
	err := s.db.QueryRow(ctx, query, planID).Scan(&p.PlanID, &p.UpdateID, &p.Name, &p.Description, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get plan")
	}
	return &p, nil
}

func (s *PostgresStore) TransitionPlanStatus(ctx context.Context, planID string, from, to PlanStatus) (bool, error) {
	query := `UPDATE plans SET status = $3, updated_at = NOW() WHERE plan_id = $1 AND status = $2`
	tag, err := s.db.Exec(ctx, query, planID, from, to)
	if err != nil {
		return false, errors.Wrap(err, "transition plan status")
	}
	return tag.RowsAffected() == 1, nil
}

const batchColumns = `batch_id, plan_id, name, sequence, batch_type, monitoring_period, status, created_at`

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	if err := row.Scan(&b.BatchID, &b.PlanID, &b.Name, &b.Sequence, &b.Type, &b.MonitoringPeriod, &b.Status, &b.CreatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, b *Batch) error {
	query := `
		INSERT INTO batches (batch_id, plan_id, name, sequence, batch_type, monitoring_period, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err := s.db.Exec(ctx, query, b.BatchID, b.PlanID, b.Name, b.Sequence, b.Type, b.MonitoringPeriod, b.Status)
	return errors.Wrap(err, "create batch")
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	b, err := scanBatch(s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id = $1`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, errors.Wrap(err, "get batch")
}

func (s *PostgresStore) ListBatches(ctx context.Context, planID string) ([]*Batch, error) {
	rows, err := s.db.Query(ctx, `SELECT `+batchColumns+` FROM batches WHERE plan_id = $1 ORDER BY sequence`, planID)
	if err != nil {
		return nil, errors.Wrap(err, "list batches")
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan batch")
		}
		batches = append(batches, b)
	}
	return batches, errors.Wrap(rows.Err(), "iterate batches")
}

func (s *PostgresStore) AddBatchDevice(ctx context.Context, planID, batchID, deviceID string) error {
	// The INSERT ... SELECT only matches when the batch belongs to the plan.
	query := `
		INSERT INTO batch_devices (plan_id, batch_id, device_id)
		SELECT plan_id, batch_id, $3 FROM batches WHERE batch_id = $2 AND plan_id = $1
	`
	tag, err := s.db.Exec(ctx, query, planID, batchID, deviceID)
	if _, dup := uniqueViolation(err); dup {
		return errs.ErrDeviceAlreadyInBatch.With("device %s already assigned in plan %s", deviceID, planID)
	}
	if err != nil {
		return errors.Wrap(err, "add batch device")
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrBatchNotFound.With("batch %s in plan %s", batchID, planID)
	}
	return nil
}

func (s *PostgresStore) RemoveBatchDevice(ctx context.Context, batchID, deviceID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM batch_devices WHERE batch_id = $1 AND device_id = $2`, batchID, deviceID)
	if err != nil {
		return false, errors.Wrap(err, "remove batch device")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListBatchDevices(ctx context.Context, batchID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT device_id FROM batch_devices WHERE batch_id = $1 ORDER BY device_id`, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "list batch devices")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, errors.Wrap(err, "collect batch devices")
}

func (s *PostgresStore) FindBatchForDevice(ctx context.Context, planID, deviceID string) (*Batch, error) {
	query := `
		SELECT b.batch_id, b.plan_id, b.name, b.sequence, b.batch_type, b.monitoring_period, b.status, b.created_at
		FROM batch_devices bd JOIN batches b ON b.batch_id = bd.batch_id
		WHERE bd.plan_id = $1 AND bd.device_id = $2
	`
	b, err := scanBatch(s.db.QueryRow(ctx, query, planID, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, errors.Wrap(err, "find batch for device")
}

// --- Execution Operations ---

func (s *PostgresStore) CreateExecution(ctx context.Context, e *Execution) error {
	query := `
		INSERT INTO executions (execution_id, plan_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
	`
	_, err := s.db.Exec(ctx, query, e.ExecutionID, e.PlanID, e.Status)
	return errors.Wrap(err, "create execution")
}

func scanExecution(row pgx.Row) (*Execution, error) {
	var e Execution
	if err := row.Scan(&e.ExecutionID, &e.PlanID, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	query := `SELECT execution_id, plan_id, status, created_at, updated_at FROM executions WHERE execution_id = $1`
	e, err := scanExecution(s.db.QueryRow(ctx, query, executionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, errors.Wrap(err, "get execution")
}

func (s *PostgresStore) ListExecutionsByStatus(ctx context.Context, status ExecutionStatus) ([]*Execution, error) {
	query := `SELECT execution_id, plan_id, status, created_at, updated_at FROM executions WHERE status = $1 ORDER BY execution_id`
	rows, err := s.db.Query(ctx, query, status)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	var result []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		result = append(result, e)
	}
	return result, errors.Wrap(rows.Err(), "iterate executions")
}

func (s *PostgresStore) TransitionExecutionStatus(ctx context.Context, executionID string, from, to ExecutionStatus) (bool, error) {
	query := `UPDATE executions SET status = $3, updated_at = NOW() WHERE execution_id = $1 AND status = $2`
	tag, err := s.db.Exec(ctx, query, executionID, from, to)
	if err != nil {
		return false, errors.Wrap(err, "transition execution status")
	}
	return tag.RowsAffected() == 1, nil
}

const executionBatchColumns = `execution_batch_id, execution_id, batch_id, sequence, status, result, monitoring_end_time, started_at, completed_at`

func scanExecutionBatch(row pgx.Row) (*ExecutionBatch, error) {
	var eb ExecutionBatch
	var result *string
	err := row.Scan(&eb.ExecutionBatchID, &eb.ExecutionID, &eb.BatchID, &eb.Sequence, &eb.Status,
		&result, &eb.MonitoringEndTime, &eb.StartedAt, &eb.CompletedAt)
	if err != nil {
		return nil, err
	}
	if result != nil {
		eb.Result = ExecutionBatchResult(*result)
	}
	return &eb, nil
}

func (s *PostgresStore) CreateExecutionBatch(ctx context.Context, eb *ExecutionBatch) error {
	query := `
		INSERT INTO execution_batches (execution_batch_id, execution_id, batch_id, sequence, status, result, monitoring_end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Exec(ctx, query, eb.ExecutionBatchID, eb.ExecutionID, eb.BatchID, eb.Sequence, eb.Status,
		nullableResult(eb.Result), eb.MonitoringEndTime)
	return errors.Wrap(err, "create execution batch")
}

func (s *PostgresStore) GetExecutionBatch(ctx context.Context, executionBatchID string) (*ExecutionBatch, error) {
	query := `SELECT ` + executionBatchColumns + ` FROM execution_batches WHERE execution_batch_id = $1`
	eb, err := scanExecutionBatch(s.db.QueryRow(ctx, query, executionBatchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return eb, errors.Wrap(err, "get execution batch")
}

func (s *PostgresStore) GetExecutionBatchBySequence(ctx context.Context, executionID string, sequence int) (*ExecutionBatch, error) {
	query := `SELECT ` + executionBatchColumns + ` FROM execution_batches WHERE execution_id = $1 AND sequence = $2`
	eb, err := scanExecutionBatch(s.db.QueryRow(ctx, query, executionID, sequence))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return eb, errors.Wrap(err, "get execution batch by sequence")
}

func (s *PostgresStore) ListExecutionBatches(ctx context.Context, executionID string) ([]*ExecutionBatch, error) {
	query := `SELECT ` + executionBatchColumns + ` FROM execution_batches WHERE execution_id = $1 ORDER BY sequence`
	rows, err := s.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "list execution batches")
	}
	defer rows.Close()

	var result []*ExecutionBatch
	for rows.Next() {
		eb, err := scanExecutionBatch(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution batch")
		}
		result = append(result, eb)
	}
	return result, errors.Wrap(rows.Err(), "iterate execution batches")
}

func (s *PostgresStore) StartExecutionBatch(ctx context.Context, executionBatchID string, startedAt, monitoringEnd time.Time) (bool, error) {
	query := `
		UPDATE execution_batches
		SET status = $2, started_at = $4, monitoring_end_time = $5
		WHERE execution_batch_id = $1 AND status = $3
	`
	tag, err := s.db.Exec(ctx, query, executionBatchID, ExecutionBatchExecuting, ExecutionBatchPending, startedAt, monitoringEnd)
	if err != nil {
		return false, errors.Wrap(err, "start execution batch")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteExecutionBatch(ctx context.Context, executionBatchID string, result ExecutionBatchResult, completedAt time.Time) (bool, error) {
	query := `
		UPDATE execution_batches
		SET status = $2, result = $3, completed_at = $4
		WHERE execution_batch_id = $1 AND status <> $2
	`
	tag, err := s.db.Exec(ctx, query, executionBatchID, ExecutionBatchCompleted, nullableResult(result), completedAt)
	if err != nil {
		return false, errors.Wrap(err, "complete execution batch")
	}
	return tag.RowsAffected() == 1, nil
}

// --- Device Status Operations ---

func (s *PostgresStore) CreateExecutionDeviceStatus(ctx context.Context, st *ExecutionDeviceStatus) error {
	sentAt := st.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	query := `
		INSERT INTO execution_device_statuses (execution_batch_id, device_id, update_sent, update_completed, succeeded, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.Exec(ctx, query, st.ExecutionBatchID, st.DeviceID, st.UpdateSent, st.UpdateCompleted, st.Succeeded, sentAt)
	if _, dup := uniqueViolation(err); dup {
		return errs.ErrDeviceAlreadyInBatch.With("device %s already dispatched in %s", st.DeviceID, st.ExecutionBatchID)
	}
	return errors.Wrap(err, "create execution device status")
}

const deviceStatusColumns = `execution_batch_id, device_id, update_sent, update_completed, succeeded, sent_at, reported_at`

func collectDeviceStatuses(rows pgx.Rows) ([]*ExecutionDeviceStatus, error) {
	defer rows.Close()
	var result []*ExecutionDeviceStatus
	for rows.Next() {
		var st ExecutionDeviceStatus
		if err := rows.Scan(&st.ExecutionBatchID, &st.DeviceID, &st.UpdateSent, &st.UpdateCompleted,
			&st.Succeeded, &st.SentAt, &st.ReportedAt); err != nil {
			return nil, errors.Wrap(err, "scan device status")
		}
		result = append(result, &st)
	}
	return result, errors.Wrap(rows.Err(), "iterate device statuses")
}

func (s *PostgresStore) ListExecutionDeviceStatuses(ctx context.Context, executionBatchID string) ([]*ExecutionDeviceStatus, error) {
	query := `SELECT ` + deviceStatusColumns + ` FROM execution_device_statuses WHERE execution_batch_id = $1 ORDER BY device_id`
	rows, err := s.db.Query(ctx, query, executionBatchID)
	if err != nil {
		return nil, errors.Wrap(err, "list device statuses")
	}
	return collectDeviceStatuses(rows)
}

// RecordExecutionDeviceResult share-locks the batch row, so it serializes
// with CompleteExecutionBatch and never writes into a completed batch.
func (s *PostgresStore) RecordExecutionDeviceResult(ctx context.Context, executionBatchID, deviceID string, succeeded bool, reportedAt time.Time) (RecordOutcome, error) {
	query := `
		WITH batch AS (
			SELECT status FROM execution_batches
			WHERE execution_batch_id = $1
			FOR SHARE
		), updated AS (
			UPDATE execution_device_statuses
			SET update_completed = TRUE, succeeded = $3, reported_at = $4
			WHERE execution_batch_id = $1 AND device_id = $2
			  AND EXISTS (SELECT 1 FROM batch WHERE status = $5::text)
			RETURNING device_id
		)
		SELECT COALESCE((SELECT status FROM batch), ''), EXISTS (SELECT 1 FROM updated)
	`
	var status string
	var applied bool
	err := s.db.QueryRow(ctx, query, executionBatchID, deviceID, succeeded, reportedAt, string(ExecutionBatchExecuting)).Scan(&status, &applied)
	if err != nil {
		return RecordNotDispatched, errors.Wrap(err, "record device result")
	}
	switch {
	case applied:
		return RecordApplied, nil
	case status != string(ExecutionBatchExecuting):
		return RecordBatchNotExecuting, nil
	default:
		return RecordNotDispatched, nil
	}
}

func (s *PostgresStore) ListPendingDeviceStatuses(ctx context.Context, deviceID string) ([]*ExecutionDeviceStatus, error) {
	query := `
		SELECT ` + deviceStatusColumns + ` FROM execution_device_statuses
		WHERE device_id = $1 AND update_sent AND NOT update_completed
		ORDER BY execution_batch_id
	`
	rows, err := s.db.Query(ctx, query, deviceID)
	if err != nil {
		return nil, errors.Wrap(err, "list pending device statuses")
	}
	return collectDeviceStatuses(rows)
}
