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

const subscriptionColumns = `
	customer_id, COALESCE(stripe_customer_id, ''), stripe_subscription_id, status,
	current_period_start, current_period_end, cancel_at_period_end,
	past_due_since, suspend_at, created_at, updated_at`

type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

// Get retrieves a customer's subscription
func (r *SubscriptionRepository) Get(ctx context.Context, customerID string) (*models.Subscription, error) {
	return r.scanSubscription(r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE customer_id = $1`, customerID))
}

// GetByStripeCustomer retrieves the subscription linked to a Stripe customer
func (r *SubscriptionRepository) GetByStripeCustomer(ctx context.Context, stripeCustomerID string) (*models.Subscription, error) {
	return r.scanSubscription(r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_customer_id = $1`, stripeCustomerID))
}

// Upsert creates or replaces a customer's subscription
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *models.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			customer_id, stripe_customer_id, stripe_subscription_id, status,
			current_period_start, current_period_end, cancel_at_period_end,
			past_due_since, suspend_at, created_at, updated_at
		) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (customer_id) DO UPDATE SET
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, subscriptions.stripe_customer_id),
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			past_due_since = EXCLUDED.past_due_since,
			suspend_at = EXCLUDED.suspend_at,
			updated_at = EXCLUDED.updated_at
	`

	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := r.pool.Exec(ctx, query,
		sub.CustomerID, sub.StripeCustomerID, sub.StripeSubscriptionID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.PastDueSince, sub.SuspendAt, createdAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	return nil
}

// ListSuspensionDue retrieves past-due subscriptions whose grace deadline has passed
func (r *SubscriptionRepository) ListSuspensionDue(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'past_due' AND suspend_at IS NOT NULL AND suspend_at <= $1
		ORDER BY suspend_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := r.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

// CountByStatus counts subscriptions per status
func (r *SubscriptionRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	return countByStatus(ctx, r.pool, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
}

func (r *SubscriptionRepository) scanSubscription(row pgx.Row) (*models.Subscription, error) {
	sub := &models.Subscription{}
	err := row.Scan(
		&sub.CustomerID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.PastDueSince, &sub.SuspendAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return sub, nil
}
