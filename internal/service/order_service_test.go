package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
)

func TestCreateCheckout(t *testing.T) {
	f := newFixture()
	var got *stripe.CheckoutSessionParams
	f.orderSvc.WithCheckoutSessions(func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		got = params
		return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
	})

	resp, err := f.orderSvc.CreateCheckout(f.ctx, "cust-1", "plan-s", " Web-01 ")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", resp.SessionID)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", resp.URL)

	require.NotNil(t, got)
	assert.Equal(t, string(stripe.CheckoutSessionModeSubscription), *got.Mode)
	assert.Equal(t, "cust-1", *got.ClientReferenceID)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, "price_small", *got.LineItems[0].Price)
	assert.Equal(t, "web-01", got.Metadata["hostname"])
	assert.Equal(t, "plan-s", got.Metadata["plan_id"])
	assert.Equal(t, "cust-1", got.SubscriptionData.Metadata["customer_id"])

	assert.Empty(t, f.orders.list(func(*models.Order) bool { return true }), "orders are created by the webhook")
	assert.Nil(t, got.Customer, "a first purchase lets the provider create the customer")
}

func TestCreateCheckout_ReusesLinkedProviderCustomer(t *testing.T) {
	f := newFixture()
	f.addSubscription("cust-1", "cus_A", models.SubscriptionActive)
	var got *stripe.CheckoutSessionParams
	f.orderSvc.WithCheckoutSessions(func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		got = params
		return &stripe.CheckoutSession{ID: "cs_test_2"}, nil
	})

	_, err := f.orderSvc.CreateCheckout(f.ctx, "cust-1", "plan-s", "web-02")
	require.NoError(t, err)
	require.NotNil(t, got.Customer)
	assert.Equal(t, "cus_A", *got.Customer)
}

func TestCreateCheckout_Rejects(t *testing.T) {
	f := newFixture()
	called := false
	f.orderSvc.WithCheckoutSessions(func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		called = true
		return nil, errors.New("unexpected")
	})

	_, err := f.orderSvc.CreateCheckout(f.ctx, "cust-1", "plan-s", "bad_host!")
	assert.Equal(t, 400, apperr.StatusCode(err))

	_, err = f.orderSvc.CreateCheckout(f.ctx, "cust-1", "missing", "web")
	assert.Equal(t, 404, apperr.StatusCode(err))

	_, err = f.orderSvc.CreateCheckout(f.ctx, "cust-1", "plan-ct", "web")
	assert.Equal(t, 400, apperr.StatusCode(err), "plan without a price cannot be bought")

	assert.False(t, called)
}

func TestGetJob_Ownership(t *testing.T) {
	f := newFixture()
	f.addInstance("i-1", "cust-1", "plan-s", 1001, models.InstanceRunning)
	order := checkout(f, "cs_1", "plan-s")

	provisionJob := f.jobs.payloads()[0]
	require.IsType(t, queue.ProvisionPayload{}, provisionJob)

	powerJob, _, err := f.power.PerformAction(f.ctx, "cust-1", "i-1", queue.PowerStop)
	require.NoError(t, err)

	resp, err := f.orderSvc.GetJob(f.ctx, "cust-1", powerJob.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", resp.State)
	assert.Empty(t, resp.Message)

	_, err = f.orderSvc.GetJob(f.ctx, "cust-2", powerJob.ID)
	assert.Equal(t, 404, apperr.StatusCode(err))

	_, err = f.orderSvc.GetJob(f.ctx, "cust-1", "job-missing")
	assert.Equal(t, 404, apperr.StatusCode(err))

	f.tasks.fail["stop"] = errors.New("timeout")
	f.jobs.drain(f.ctx, f.router)

	resp, err = f.orderSvc.GetJob(f.ctx, "cust-1", powerJob.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", resp.State)
	assert.Equal(t, jobFailedMessage, resp.Message)

	orders, err := f.orderSvc.ListMyOrders(f.ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.ID, orders[0].OrderID)
}

func TestListAndDashboard(t *testing.T) {
	f := newFixture()
	f.addInstance("i-1", "cust-1", "plan-s", 1001, models.InstanceRunning)
	f.addInstance("i-2", "cust-2", "plan-s", 1002, models.InstanceSuspended)
	f.addSubscription("cust-1", "cus_1", models.SubscriptionActive)
	f.orders.put(&models.Order{ID: "o-1", CustomerID: "cust-1", PlanID: "plan-s", AmountCents: 1200, Status: models.OrderCompleted, CreatedAt: f.clock.Now()})
	f.orders.put(&models.Order{ID: "o-2", CustomerID: "cust-2", PlanID: "plan-s", AmountCents: 1200, Status: models.OrderFailed, CreatedAt: f.clock.Now()})

	mine, err := f.orderSvc.ListMyInstances(f.ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "i-1", mine[0].InstanceID)
	assert.Equal(t, "2026-03-01T12:00:00Z", mine[0].CreatedAt)

	_, err = f.orderSvc.GetInstance(f.ctx, "cust-1", "i-2")
	assert.Equal(t, 404, apperr.StatusCode(err))

	plans, err := f.orderSvc.ListPlans(f.ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 3)

	dash, err := f.orderSvc.Dashboard(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dash.InstancesByStatus["running"])
	assert.Equal(t, 1, dash.InstancesByStatus["suspended"])
	assert.Equal(t, 1, dash.OrdersByStatus["failed"])
	assert.Equal(t, 1, dash.SubscriptionsByStatus["active"])
	assert.Equal(t, int64(1200), dash.RevenueCents)
	assert.NotNil(t, dash.QueueDepth)

	all, err := f.orderSvc.ListAllInstances(f.ctx, 50, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
