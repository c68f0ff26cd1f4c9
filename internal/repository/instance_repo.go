package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
)

var ErrNotFound = errors.New("not found")

// Addresses are read back through host() so they scan into plain strings.
const instanceColumns = `
	id, vmid, kind, hostname, node, customer_id, order_id, plan_id,
	cpu_cores, ram_mb, disk_gb, bandwidth_gb,
	host(ip_address), ip_prefix, host(gateway), pool_id, bridge, vlan_tag,
	root_password, status, error_message, suspend_reason,
	created_at, updated_at, provisioned_at, suspended_at, delete_after, deleted_at`

type InstanceRepository struct {
	pool *pgxpool.Pool
}

func NewInstanceRepository(pool *pgxpool.Pool) *InstanceRepository {
	return &InstanceRepository{pool: pool}
}

// Create inserts a new instance
func (r *InstanceRepository) Create(ctx context.Context, inst *models.Instance) error {
	query := `
		INSERT INTO instances (
			id, vmid, kind, hostname, node, customer_id, order_id, plan_id,
			cpu_cores, ram_mb, disk_gb, bandwidth_gb,
			ip_address, ip_prefix, gateway, pool_id, bridge, vlan_tag,
			root_password, status, error_message, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13::inet, $14, $15::inet, $16, $17, $18, $19, $20, $21, $22, $23
		)
	`

	_, err := r.pool.Exec(ctx, query,
		inst.ID, inst.VMID, inst.Kind, inst.Hostname, inst.Node, inst.CustomerID, inst.OrderID, inst.PlanID,
		inst.CPUCores, inst.RAMMB, inst.DiskGB, inst.BandwidthGB,
		inst.IPAddress, inst.IPPrefix, inst.Gateway, inst.PoolID, inst.Bridge, inst.VLANTag,
		inst.RootPassword, inst.Status, inst.ErrorMessage, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	return nil
}

// GetByID retrieves an instance by ID
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = $1`
	return r.scanInstance(r.pool.QueryRow(ctx, query, id))
}

// GetByOrderID retrieves the instance created for an order
func (r *InstanceRepository) GetByOrderID(ctx context.Context, orderID string) (*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE order_id = $1`
	return r.scanInstance(r.pool.QueryRow(ctx, query, orderID))
}

// ListByCustomer retrieves a customer's instances, newest first
func (r *InstanceRepository) ListByCustomer(ctx context.Context, customerID string) ([]*models.Instance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM instances
		WHERE customer_id = $1
		ORDER BY created_at DESC
	`
	return r.query(ctx, query, customerID)
}

// ListByCustomerStatus retrieves a customer's instances in any of the given statuses
func (r *InstanceRepository) ListByCustomerStatus(ctx context.Context, customerID string, statuses ...models.InstanceStatus) ([]*models.Instance, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + instanceColumns + `
		FROM instances
		WHERE customer_id = $1 AND status = ANY($2)
		ORDER BY created_at
	`
	return r.query(ctx, query, customerID, names)
}

// ListByStatus retrieves every instance in the given status
func (r *InstanceRepository) ListByStatus(ctx context.Context, status models.InstanceStatus) ([]*models.Instance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM instances
		WHERE status = $1
		ORDER BY created_at
	`
	return r.query(ctx, query, string(status))
}

// ListDeletionDue retrieves suspended instances whose deletion deadline has passed
func (r *InstanceRepository) ListDeletionDue(ctx context.Context, now time.Time) ([]*models.Instance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM instances
		WHERE status = 'suspended' AND delete_after IS NOT NULL AND delete_after <= $1
		ORDER BY delete_after
	`
	return r.query(ctx, query, now)
}

// ListAll retrieves a page of instances for the admin listing
func (r *InstanceRepository) ListAll(ctx context.Context, limit, offset int) ([]*models.Instance, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + instanceColumns + `
		FROM instances
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	return r.query(ctx, query, limit, offset)
}

// CountByStatus counts instances per status
func (r *InstanceRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	return countByStatus(ctx, r.pool, `SELECT status, COUNT(*) FROM instances GROUP BY status`)
}

// Update writes every mutable column of an instance
func (r *InstanceRepository) Update(ctx context.Context, inst *models.Instance) error {
	query := `
		UPDATE instances SET
			status = $2, error_message = $3, suspend_reason = $4,
			provisioned_at = $5, suspended_at = $6, delete_after = $7, deleted_at = $8,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		inst.ID, inst.Status, inst.ErrorMessage, inst.SuspendReason,
		inst.ProvisionedAt, inst.SuspendedAt, inst.DeleteAfter, inst.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateStatus updates instance status and error message
func (r *InstanceRepository) UpdateStatus(ctx context.Context, id string, status models.InstanceStatus, errMsg *string) error {
	query := `
		UPDATE instances
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// MaxVMID returns the highest vmid ever used for a kind. Deleted rows count,
// so a vmid is never handed out twice.
func (r *InstanceRepository) MaxVMID(ctx context.Context, kind models.GuestKind) (int, error) {
	var max int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(vmid), 0) FROM instances WHERE kind = $1`, kind).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max vmid: %w", err)
	}
	return max, nil
}

// BoundIPs returns the addresses held by instances that are not deleted.
func (r *InstanceRepository) BoundIPs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT host(ip_address)
		FROM instances
		WHERE ip_address IS NOT NULL AND status <> 'deleted'
	`)
	if err != nil {
		return nil, fmt.Errorf("query bound ips: %w", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scan bound ip: %w", err)
		}
		ips = append(ips, ip)
	}

	return ips, rows.Err()
}

func (r *InstanceRepository) query(ctx context.Context, query string, args ...any) ([]*models.Instance, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	return r.scanInstances(rows)
}

func (r *InstanceRepository) scanInstance(row pgx.Row) (*models.Instance, error) {
	inst := &models.Instance{}
	err := row.Scan(
		&inst.ID, &inst.VMID, &inst.Kind, &inst.Hostname, &inst.Node, &inst.CustomerID, &inst.OrderID, &inst.PlanID,
		&inst.CPUCores, &inst.RAMMB, &inst.DiskGB, &inst.BandwidthGB,
		&inst.IPAddress, &inst.IPPrefix, &inst.Gateway, &inst.PoolID, &inst.Bridge, &inst.VLANTag,
		&inst.RootPassword, &inst.Status, &inst.ErrorMessage, &inst.SuspendReason,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.ProvisionedAt, &inst.SuspendedAt, &inst.DeleteAfter, &inst.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	return inst, nil
}

func (r *InstanceRepository) scanInstances(rows pgx.Rows) ([]*models.Instance, error) {
	var instances []*models.Instance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func countByStatus(ctx context.Context, pool *pgxpool.Pool, query string) (map[string]int, error) {
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
