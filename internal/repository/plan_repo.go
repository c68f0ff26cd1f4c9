package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
)

const planColumns = `
	id, name, version, kind, node, template_id, os_template,
	cpu_cores, ram_mb, disk_gb, bandwidth_gb, price_cents, currency,
	snapshots_enabled, pool_id, stripe_price_id, active, created_at`

// PlanRepository reads the plan catalog and the IP pools plans draw from.
type PlanRepository struct {
	pool *pgxpool.Pool
}

func NewPlanRepository(pool *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{pool: pool}
}

// GetByID retrieves a plan by ID, active or not
func (r *PlanRepository) GetByID(ctx context.Context, id string) (*models.Plan, error) {
	return r.scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

// ListActive retrieves the plans that can be bought
func (r *PlanRepository) ListActive(ctx context.Context) ([]*models.Plan, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+planColumns+`
		FROM plans
		WHERE active = true
		ORDER BY price_cents, name
	`)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []*models.Plan
	for rows.Next() {
		plan, err := r.scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	return plans, rows.Err()
}

// GetIPPool retrieves an IP pool by ID
func (r *PlanRepository) GetIPPool(ctx context.Context, id string) (*models.IPPool, error) {
	query := `
		SELECT id, name, cidr::text, host(start_ip), host(end_ip), COALESCE(host(gateway), ''),
			   bridge, vlan_tag, active, created_at
		FROM ip_pools
		WHERE id = $1
	`

	pool := &models.IPPool{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&pool.ID, &pool.Name, &pool.CIDR, &pool.StartIP, &pool.EndIP, &pool.Gateway,
		&pool.Bridge, &pool.VLANTag, &pool.Active, &pool.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ip pool: %w", err)
	}

	return pool, nil
}

func (r *PlanRepository) scanPlan(row pgx.Row) (*models.Plan, error) {
	plan := &models.Plan{}
	err := row.Scan(
		&plan.ID, &plan.Name, &plan.Version, &plan.Kind, &plan.Node, &plan.TemplateID, &plan.OSTemplate,
		&plan.CPUCores, &plan.RAMMB, &plan.DiskGB, &plan.BandwidthGB, &plan.PriceCents, &plan.Currency,
		&plan.SnapshotsEnabled, &plan.PoolID, &plan.StripePriceID, &plan.Active, &plan.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	return plan, nil
}
