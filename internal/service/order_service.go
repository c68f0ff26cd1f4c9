package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/client"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
)

const jobFailedMessage = "operation failed, please retry"

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// OrderService serves the customer and admin read paths and checkout.
type OrderService struct {
	Deps
	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewOrderService creates a new order service. Checkout sessions are created
// with the global stripe.Key, which the caller sets.
func NewOrderService(d Deps) *OrderService {
	return &OrderService{Deps: d, createCheckoutSession: stripesession.New}
}

// WithCheckoutSessions replaces the Stripe call, for tests.
func (s *OrderService) WithCheckoutSessions(fn func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)) *OrderService {
	s.createCheckoutSession = fn
	return s
}

// CreateCheckout opens a subscription checkout for a plan. The order itself
// is created when the provider reports the session completed.
func (s *OrderService) CreateCheckout(ctx context.Context, customerID, planID, hostname string) (*models.CreateCheckoutResponse, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if !hostnamePattern.MatchString(hostname) {
		return nil, apperr.Validation("hostname", "must be a valid host label")
	}

	plan, err := s.Plans.GetByID(ctx, planID)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("plan", planID)
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if !plan.Active {
		return nil, apperr.NotFound("plan", planID)
	}
	if plan.StripePriceID == "" {
		return nil, apperr.Validation("plan_id", "plan %s is not purchasable", plan.Name)
	}

	metadata := map[string]string{
		"customer_id": customerID,
		"plan_id":     plan.ID,
		"hostname":    hostname,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(s.Config.Stripe.SuccessURL),
		CancelURL:         stripe.String(s.Config.Stripe.CancelURL),
		ClientReferenceID: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(plan.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	// Repeat buyers stay on one provider customer so billing events keep
	// matching their subscription row.
	sub, err := s.Subscriptions.Get(ctx, customerID)
	switch {
	case err == nil && sub.StripeCustomerID != "":
		params.Customer = stripe.String(sub.StripeCustomerID)
	case err != nil && !isNotFound(err):
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	session, err := s.createCheckoutSession(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	log.Info().Str("customer_id", customerID).Str("plan_id", plan.ID).Str("session_id", session.ID).Msg("Checkout session created")
	return &models.CreateCheckoutResponse{SessionID: session.ID, URL: session.URL}, nil
}

// ListPlans returns the active catalog.
func (s *OrderService) ListPlans(ctx context.Context) ([]models.PlanInfo, error) {
	plans, err := s.Plans.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	out := make([]models.PlanInfo, 0, len(plans))
	for _, p := range plans {
		out = append(out, models.PlanInfo{
			PlanID:           p.ID,
			Name:             p.Name,
			Kind:             string(p.Kind),
			CPUCores:         p.CPUCores,
			RAMMB:            p.RAMMB,
			DiskGB:           p.DiskGB,
			BandwidthGB:      p.BandwidthGB,
			PriceCents:       p.PriceCents,
			Currency:         p.Currency,
			SnapshotsEnabled: p.SnapshotsEnabled,
		})
	}
	return out, nil
}

// ListMyOrders returns the customer's orders, newest first.
func (s *OrderService) ListMyOrders(ctx context.Context, customerID string) ([]models.OrderResponse, error) {
	orders, err := s.Orders.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return toOrderResponses(orders), nil
}

// ListMyInstances returns the customer's instances, newest first.
func (s *OrderService) ListMyInstances(ctx context.Context, customerID string) ([]models.InstanceResponse, error) {
	instances, err := s.Instances.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return toInstanceResponses(instances), nil
}

// GetInstance returns one owned instance.
func (s *OrderService) GetInstance(ctx context.Context, customerID, instanceID string) (*models.InstanceResponse, error) {
	inst, err := ownedInstance(ctx, s.Instances, customerID, instanceID)
	if err != nil {
		return nil, err
	}
	resp := toInstanceResponse(inst)
	return &resp, nil
}

// GetJob reports a retained job to the customer who owns its target.
func (s *OrderService) GetJob(ctx context.Context, customerID, jobID string) (*models.JobStatusResponse, error) {
	job, ok := s.Jobs.Get(jobID)
	if !ok {
		return nil, apperr.NotFound("job", jobID)
	}

	switch p := job.Payload.(type) {
	case queue.ProvisionPayload:
		if p.CustomerID != customerID {
			return nil, apperr.NotFound("job", jobID)
		}
	case queue.PowerPayload:
		if _, err := ownedInstance(ctx, s.Instances, customerID, p.InstanceID); err != nil {
			return nil, apperr.NotFound("job", jobID)
		}
	case queue.SnapshotPayload:
		if _, err := ownedInstance(ctx, s.Instances, customerID, p.InstanceID); err != nil {
			return nil, apperr.NotFound("job", jobID)
		}
	default:
		return nil, apperr.NotFound("job", jobID)
	}

	return ToJobStatus(job), nil
}

// ListAllOrders is the admin order listing.
func (s *OrderService) ListAllOrders(ctx context.Context, limit, offset int) ([]models.OrderResponse, error) {
	orders, err := s.Orders.ListAll(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return toOrderResponses(orders), nil
}

// ListAllInstances is the admin instance listing.
func (s *OrderService) ListAllInstances(ctx context.Context, limit, offset int) ([]models.InstanceResponse, error) {
	instances, err := s.Instances.ListAll(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return toInstanceResponses(instances), nil
}

// Dashboard aggregates fleet counts.
func (s *OrderService) Dashboard(ctx context.Context) (*models.DashboardResponse, error) {
	instances, err := s.Instances.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	orders, err := s.Orders.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	subs, err := s.Subscriptions.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	revenue, err := s.Orders.CompletedRevenue(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum revenue: %w", err)
	}

	return &models.DashboardResponse{
		InstancesByStatus:     instances,
		OrdersByStatus:        orders,
		SubscriptionsByStatus: subs,
		QueueDepth:            s.Jobs.Depth(),
		RevenueCents:          revenue,
	}, nil
}

// Nodes lists hypervisor cluster nodes.
func (s *OrderService) Nodes(ctx context.Context) ([]client.Node, error) {
	nodes, err := s.Hypervisor.GetNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	return nodes, nil
}

// ToJobStatus converts a job for the API. Failed power and snapshot jobs
// carry a retry hint.
func ToJobStatus(job *queue.Job) *models.JobStatusResponse {
	resp := &models.JobStatusResponse{
		JobID:      job.ID,
		Queue:      string(job.Queue),
		State:      string(job.State),
		Attempts:   job.Attempts,
		EnqueuedAt: *formatTime(&job.EnqueuedAt),
		FinishedAt: formatTime(job.FinishedAt),
	}
	if job.LastError != "" {
		resp.LastError = strPtr(job.LastError)
	}
	if job.State == queue.StateFailed && job.Queue != queue.QueueProvision {
		resp.Message = jobFailedMessage
	}
	return resp
}

func toOrderResponses(orders []*models.Order) []models.OrderResponse {
	out := make([]models.OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, models.OrderResponse{
			OrderID:      o.ID,
			PlanID:       o.PlanID,
			Hostname:     o.Hostname,
			AmountCents:  o.AmountCents,
			Currency:     o.Currency,
			Status:       string(o.Status),
			InstanceID:   o.InstanceID,
			ErrorMessage: o.ErrorMessage,
			CreatedAt:    *formatTime(&o.CreatedAt),
		})
	}
	return out
}

func toInstanceResponses(instances []*models.Instance) []models.InstanceResponse {
	out := make([]models.InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, toInstanceResponse(inst))
	}
	return out
}

func toInstanceResponse(inst *models.Instance) models.InstanceResponse {
	return models.InstanceResponse{
		InstanceID:    inst.ID,
		VMID:          inst.VMID,
		Kind:          string(inst.Kind),
		Hostname:      inst.Hostname,
		Node:          inst.Node,
		PlanID:        inst.PlanID,
		OrderID:       inst.OrderID,
		CPUCores:      inst.CPUCores,
		RAMMB:         inst.RAMMB,
		DiskGB:        inst.DiskGB,
		BandwidthGB:   inst.BandwidthGB,
		IPAddress:     inst.IPAddress,
		Status:        string(inst.Status),
		ErrorMessage:  inst.ErrorMessage,
		SuspendReason: inst.SuspendReason,
		CreatedAt:     *formatTime(&inst.CreatedAt),
		ProvisionedAt: formatTime(inst.ProvisionedAt),
		SuspendedAt:   formatTime(inst.SuspendedAt),
		DeleteAfter:   formatTime(inst.DeleteAfter),
		DeletedAt:     formatTime(inst.DeletedAt),
	}
}
