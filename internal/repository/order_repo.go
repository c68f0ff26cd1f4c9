package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
)

const orderColumns = `
	id, customer_id, plan_id, hostname, amount_cents, currency, checkout_session_id,
	status, instance_id, error_message, created_at, updated_at`

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// CreateIfAbsent inserts the order unless one already exists for its
// checkout session. It returns the stored order and whether it was created.
func (r *OrderRepository) CreateIfAbsent(ctx context.Context, order *models.Order) (*models.Order, bool, error) {
	query := `
		INSERT INTO orders (
			id, customer_id, plan_id, hostname, amount_cents, currency,
			checkout_session_id, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (checkout_session_id) DO NOTHING
		RETURNING ` + orderColumns

	created, err := r.scanOrder(r.pool.QueryRow(ctx, query,
		order.ID, order.CustomerID, order.PlanID, order.Hostname, order.AmountCents, order.Currency,
		order.CheckoutSessionID, order.Status, order.CreatedAt, order.UpdatedAt,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("insert order: %w", err)
	}

	existing, err := r.scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE checkout_session_id = $1`, order.CheckoutSessionID))
	if err != nil {
		return nil, false, fmt.Errorf("load existing order: %w", err)
	}
	return existing, false, nil
}

// GetByID retrieves an order by ID
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	return r.scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

// ListByCustomer retrieves a customer's orders, newest first
func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]*models.Order, error) {
	return r.query(ctx, `SELECT `+orderColumns+`
		FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC
	`, customerID)
}

// ListByStatus retrieves orders in a status, oldest first
func (r *OrderRepository) ListByStatus(ctx context.Context, status models.OrderStatus) ([]*models.Order, error) {
	return r.query(ctx, `SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		ORDER BY created_at
	`, status)
}

// ListAll retrieves a page of orders for the admin listing
func (r *OrderRepository) ListAll(ctx context.Context, limit, offset int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.query(ctx, `SELECT `+orderColumns+`
		FROM orders
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
}

// Transition moves an order to a new status if its current status is an
// allowed predecessor. It reports whether a row changed.
func (r *OrderRepository) Transition(ctx context.Context, id string, to models.OrderStatus, errMsg *string) (bool, error) {
	from := models.OrderPredecessors(to)
	if len(from) == 0 {
		return false, fmt.Errorf("no transition leads to %s", to)
	}
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}

	query := `
		UPDATE orders
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`

	tag, err := r.pool.Exec(ctx, query, id, to, errMsg, names)
	if err != nil {
		return false, fmt.Errorf("transition order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetInstance links the order to the instance created for it
func (r *OrderRepository) SetInstance(ctx context.Context, id, instanceID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET instance_id = $2, updated_at = NOW() WHERE id = $1`, id, instanceID)
	if err != nil {
		return fmt.Errorf("set order instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus counts orders per status
func (r *OrderRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	return countByStatus(ctx, r.pool, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
}

// CompletedRevenue sums the amount of completed orders
func (r *OrderRepository) CompletedRevenue(ctx context.Context) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0)::BIGINT FROM orders WHERE status = 'completed'`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum revenue: %w", err)
	}
	return total, nil
}

func (r *OrderRepository) query(ctx context.Context, query string, args ...any) ([]*models.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (r *OrderRepository) scanOrder(row pgx.Row) (*models.Order, error) {
	order := &models.Order{}
	err := row.Scan(
		&order.ID, &order.CustomerID, &order.PlanID, &order.Hostname, &order.AmountCents, &order.Currency,
		&order.CheckoutSessionID, &order.Status, &order.InstanceID, &order.ErrorMessage,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return order, nil
}
