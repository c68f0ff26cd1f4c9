package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/metrics"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
)

// CheckoutCompleted is the part of a completed checkout session the
// lifecycle needs.
type CheckoutCompleted struct {
	SessionID            string
	CustomerID           string
	StripeCustomerID     string
	StripeSubscriptionID string
	PlanID               string
	Hostname             string
	AmountCents          int64
	Currency             string
}

// SubscriptionChange mirrors a provider subscription update.
type SubscriptionChange struct {
	StripeCustomerID     string
	StripeSubscriptionID string
	Status               string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Suspended   int
	Reactivated int
	Deleted     int
	Errors      []string
}

// BillingService applies payment events and the periodic sweep to the
// instance lifecycle. Remote work is handed to the power queue, except for
// the final deletion which the sweep performs itself.
type BillingService struct {
	Deps
	provision *ProvisionService
}

// NewBillingService creates a new billing service
func NewBillingService(d Deps, provision *ProvisionService) *BillingService {
	return &BillingService{Deps: d, provision: provision}
}

// HandleCheckoutCompleted activates the subscription, records the order and
// starts provisioning. Replays of the same session are no-ops.
func (s *BillingService) HandleCheckoutCompleted(ctx context.Context, evt CheckoutCompleted) (*models.Order, error) {
	switch {
	case strings.TrimSpace(evt.SessionID) == "":
		return nil, apperr.Validation("session_id", "must not be empty")
	case strings.TrimSpace(evt.CustomerID) == "":
		return nil, apperr.Validation("customer_id", "checkout session has no customer linkage")
	case strings.TrimSpace(evt.PlanID) == "":
		return nil, apperr.Validation("plan_id", "checkout session has no plan")
	case strings.TrimSpace(evt.Hostname) == "":
		return nil, apperr.Validation("hostname", "checkout session has no hostname")
	}

	plan, err := s.Plans.GetByID(ctx, evt.PlanID)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("plan", evt.PlanID)
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}

	now := s.clock().Now()
	sub, err := s.Subscriptions.Get(ctx, evt.CustomerID)
	if err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("get subscription: %w", err)
		}
		sub = &models.Subscription{CustomerID: evt.CustomerID, CreatedAt: now}
	}
	sub.Status = models.SubscriptionActive
	switch {
	case evt.StripeCustomerID == "":
	case sub.StripeCustomerID != "" && sub.StripeCustomerID != evt.StripeCustomerID:
		// Billing events are matched on the first linked provider customer.
		log.Error().
			Str("customer_id", sub.CustomerID).
			Str("linked_stripe_customer_id", sub.StripeCustomerID).
			Str("session_stripe_customer_id", evt.StripeCustomerID).
			Str("session_id", evt.SessionID).
			Msg("Checkout paid by a different provider customer, keeping the linked one")
	default:
		sub.StripeCustomerID = evt.StripeCustomerID
		if evt.StripeSubscriptionID != "" {
			sub.StripeSubscriptionID = evt.StripeSubscriptionID
		}
	}
	sub.PastDueSince = nil
	sub.SuspendAt = nil
	sub.UpdatedAt = now
	if err := s.Subscriptions.Upsert(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	amount := evt.AmountCents
	if amount <= 0 {
		amount = plan.PriceCents
	}
	currency := evt.Currency
	if currency == "" {
		currency = plan.Currency
	}

	order, created, err := s.Orders.CreateIfAbsent(ctx, &models.Order{
		ID:                uuid.New().String(),
		CustomerID:        evt.CustomerID,
		PlanID:            plan.ID,
		Hostname:          evt.Hostname,
		AmountCents:       amount,
		Currency:          strings.ToLower(currency),
		CheckoutSessionID: evt.SessionID,
		Status:            models.OrderPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if !created && order.Status != models.OrderPending {
		log.Info().Str("order_id", order.ID).Str("session_id", evt.SessionID).Msg("Checkout replay for settled order ignored")
		return order, nil
	}

	if _, _, err := s.provision.StartOrder(ctx, order); err != nil {
		return order, fmt.Errorf("start order: %w", err)
	}

	log.Info().
		Str("order_id", order.ID).
		Str("customer_id", order.CustomerID).
		Bool("created", created).
		Msg("Checkout completed")
	return order, nil
}

// HandlePaymentFailed marks the subscription past due and, on the first
// failure, stores the deadline after which the sweep suspends instances.
func (s *BillingService) HandlePaymentFailed(ctx context.Context, stripeCustomerID string) error {
	sub, err := s.subscriptionFor(ctx, stripeCustomerID)
	if err != nil || sub == nil {
		return err
	}
	if sub.Status == models.SubscriptionCanceled {
		return nil
	}

	now := s.clock().Now()
	sub.Status = models.SubscriptionPastDue
	s.startGrace(sub, now)
	sub.UpdatedAt = now
	if err := s.Subscriptions.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	log.Warn().
		Str("customer_id", sub.CustomerID).
		Time("suspend_at", *sub.SuspendAt).
		Msg("Payment failed, grace period running")
	return nil
}

// HandlePaymentSucceeded clears past-due state and queues a start for every
// suspended instance. One instance failing to enqueue does not stop the rest.
func (s *BillingService) HandlePaymentSucceeded(ctx context.Context, stripeCustomerID string) (int, error) {
	sub, err := s.subscriptionFor(ctx, stripeCustomerID)
	if err != nil || sub == nil {
		return 0, err
	}
	if sub.Status == models.SubscriptionCanceled {
		log.Info().Str("customer_id", sub.CustomerID).Msg("Payment for canceled subscription, not reactivating")
		return 0, nil
	}

	sub.Status = models.SubscriptionActive
	sub.PastDueSince = nil
	sub.SuspendAt = nil
	sub.UpdatedAt = s.clock().Now()
	if err := s.Subscriptions.Upsert(ctx, sub); err != nil {
		return 0, fmt.Errorf("save subscription: %w", err)
	}

	return s.reactivateCustomer(ctx, sub.CustomerID)
}

// HandleSubscriptionUpdated syncs status, period bounds and the cancel flag.
func (s *BillingService) HandleSubscriptionUpdated(ctx context.Context, change SubscriptionChange) error {
	sub, err := s.subscriptionFor(ctx, change.StripeCustomerID)
	if err != nil || sub == nil {
		return err
	}

	status := models.ParseSubscriptionStatus(change.Status)
	if status == models.SubscriptionCanceled {
		return s.HandleSubscriptionDeleted(ctx, change.StripeCustomerID)
	}

	now := s.clock().Now()
	switch status {
	case models.SubscriptionPastDue:
		s.startGrace(sub, now)
	case models.SubscriptionActive, models.SubscriptionTrialing:
		sub.PastDueSince = nil
		sub.SuspendAt = nil
	}
	sub.Status = status
	if change.StripeSubscriptionID != "" {
		sub.StripeSubscriptionID = change.StripeSubscriptionID
	}
	sub.CurrentPeriodStart = change.CurrentPeriodStart
	sub.CurrentPeriodEnd = change.CurrentPeriodEnd
	sub.CancelAtPeriodEnd = change.CancelAtPeriodEnd
	sub.UpdatedAt = now

	if err := s.Subscriptions.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// HandleSubscriptionDeleted cancels the subscription and suspends every
// active instance immediately.
func (s *BillingService) HandleSubscriptionDeleted(ctx context.Context, stripeCustomerID string) error {
	sub, err := s.subscriptionFor(ctx, stripeCustomerID)
	if err != nil || sub == nil {
		return err
	}

	sub.Status = models.SubscriptionCanceled
	sub.SuspendAt = nil
	sub.UpdatedAt = s.clock().Now()
	if err := s.Subscriptions.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	n, err := s.suspendCustomer(ctx, sub.CustomerID, models.SuspendReasonCanceled)
	log.Info().Str("customer_id", sub.CustomerID).Int("suspended", n).Msg("Subscription canceled")
	return err
}

// Sweep suspends customers whose grace period ended, queues reactivation for
// suspended instances of paying customers and deletes instances whose
// deletion deadline passed. Each customer and instance is handled on its
// own; a failure is recorded and the sweep moves on.
func (s *BillingService) Sweep(ctx context.Context) (*SweepResult, error) {
	now := s.clock().Now()
	result := &SweepResult{}

	due, err := s.Subscriptions.ListSuspensionDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions due for suspension: %w", err)
	}
	for _, sub := range due {
		n, err := s.suspendCustomer(ctx, sub.CustomerID, models.SuspendReasonPastDue)
		result.Suspended += n
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("customer %s: %v", sub.CustomerID, err))
		}
	}

	entitled := make(map[string]bool)
	isEntitled := func(customerID string) (bool, error) {
		if ok, seen := entitled[customerID]; seen {
			return ok, nil
		}
		ok, err := s.entitled(ctx, customerID)
		if err != nil {
			return false, err
		}
		entitled[customerID] = ok
		return ok, nil
	}

	suspended, err := s.Instances.ListByStatus(ctx, models.InstanceSuspended)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list suspended instances: %v", err))
	}
	for _, inst := range suspended {
		ok, err := isEntitled(inst.CustomerID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("instance %s: %v", inst.ID, err))
			continue
		}
		if !ok {
			continue
		}
		queued, err := s.reactivateInstance(ctx, inst)
		if err != nil {
			metrics.SweepTransitions.WithLabelValues("reactivate", "error").Inc()
			result.Errors = append(result.Errors, fmt.Sprintf("instance %s: %v", inst.ID, err))
			continue
		}
		if queued {
			metrics.SweepTransitions.WithLabelValues("reactivate", "ok").Inc()
			result.Reactivated++
		}
	}

	expired, err := s.Instances.ListDeletionDue(ctx, now)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list instances due for deletion: %v", err))
		return result, nil
	}
	for _, inst := range expired {
		ok, err := isEntitled(inst.CustomerID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("instance %s: %v", inst.ID, err))
			continue
		}
		if ok {
			log.Warn().Str("instance_id", inst.ID).Str("customer_id", inst.CustomerID).Msg("Deletion skipped, subscription is in good standing")
			continue
		}
		if err := s.deleteInstance(ctx, inst); err != nil {
			metrics.SweepTransitions.WithLabelValues("delete", "error").Inc()
			result.Errors = append(result.Errors, fmt.Sprintf("instance %s: %v", inst.ID, err))
			continue
		}
		metrics.SweepTransitions.WithLabelValues("delete", "ok").Inc()
		result.Deleted++
	}

	log.Info().
		Int("suspended", result.Suspended).
		Int("reactivated", result.Reactivated).
		Int("deleted", result.Deleted).
		Int("errors", len(result.Errors)).
		Msg("Billing sweep finished")
	return result, nil
}

// startGrace stores the suspension deadline once per past-due episode.
func (s *BillingService) startGrace(sub *models.Subscription, now time.Time) {
	if sub.PastDueSince == nil {
		sub.PastDueSince = timePtr(now)
	}
	if sub.SuspendAt == nil {
		sub.SuspendAt = timePtr(sub.PastDueSince.Add(s.Config.Billing.GracePeriod()))
	}
}

func (s *BillingService) subscriptionFor(ctx context.Context, stripeCustomerID string) (*models.Subscription, error) {
	if strings.TrimSpace(stripeCustomerID) == "" {
		return nil, apperr.Validation("customer", "event has no customer")
	}
	sub, err := s.Subscriptions.GetByStripeCustomer(ctx, stripeCustomerID)
	if err != nil {
		if isNotFound(err) {
			log.Warn().Str("stripe_customer_id", stripeCustomerID).Msg("Billing event for unknown customer ignored")
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// entitled reports whether the customer's subscription currently pays for
// running instances.
func (s *BillingService) entitled(ctx context.Context, customerID string) (bool, error) {
	sub, err := s.Subscriptions.Get(ctx, customerID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get subscription: %w", err)
	}
	return sub.Entitled(), nil
}

// suspendCustomer suspends the customer's running and stopped instances.
// Suspended instances whose deletion deadline was cleared by a payment that
// never brought them back get the deadline again.
func (s *BillingService) suspendCustomer(ctx context.Context, customerID, reason string) (int, error) {
	instances, err := s.Instances.ListByCustomerStatus(ctx, customerID,
		models.InstanceRunning, models.InstanceStopped, models.InstanceSuspended)
	if err != nil {
		return 0, fmt.Errorf("list instances: %w", err)
	}

	var errs []error
	suspended := 0
	for _, inst := range instances {
		rearm := inst.Status == models.InstanceSuspended && inst.DeleteAfter == nil
		if !inst.Suspendable() && !rearm {
			continue
		}
		if err := s.suspendInstance(ctx, inst, reason); err != nil {
			metrics.SweepTransitions.WithLabelValues("suspend", "error").Inc()
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
			continue
		}
		metrics.SweepTransitions.WithLabelValues("suspend", "ok").Inc()
		suspended++
	}
	return suspended, errors.Join(errs...)
}

// suspendInstance moves the instance to suspended, stores its deletion
// deadline and queues the remote stop.
func (s *BillingService) suspendInstance(ctx context.Context, inst *models.Instance, reason string) error {
	now := s.clock().Now()
	if inst.Status != models.InstanceSuspended || inst.SuspendedAt == nil {
		inst.SuspendedAt = timePtr(now)
	}
	inst.Status = models.InstanceSuspended
	inst.SuspendReason = strPtr(reason)
	inst.DeleteAfter = timePtr(now.Add(s.Config.Billing.DeletionPeriod()))
	inst.UpdatedAt = now
	if err := s.Instances.Update(ctx, inst); err != nil {
		return fmt.Errorf("mark suspended: %w", err)
	}
	s.Logs.LogAction(ctx, inst.ID, "suspended", string(models.InstanceSuspended), "Suspended: "+reason)

	payload := queue.PowerPayload{InstanceID: inst.ID, Action: queue.PowerStop, Reason: queue.ReasonSuspend}
	if _, _, err := s.Jobs.Enqueue(ctx, powerKey(inst.ID, queue.ReasonSuspend), payload); err != nil {
		s.Logs.LogAction(ctx, inst.ID, "suspend_stop", "error", err.Error())
		return fmt.Errorf("enqueue stop: %w", err)
	}
	return nil
}

func (s *BillingService) reactivateCustomer(ctx context.Context, customerID string) (int, error) {
	instances, err := s.Instances.ListByCustomerStatus(ctx, customerID, models.InstanceSuspended)
	if err != nil {
		return 0, fmt.Errorf("list suspended instances: %w", err)
	}

	queued := 0
	for _, inst := range instances {
		ok, err := s.reactivateInstance(ctx, inst)
		if err != nil {
			log.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to queue reactivation")
			continue
		}
		if ok {
			queued++
		}
	}

	log.Info().Str("customer_id", customerID).Int("queued", queued).Int("suspended", len(instances)).Msg("Reactivation queued")
	return queued, nil
}

// reactivateInstance clears the deletion deadline of a suspended instance
// and queues its start. It reports false when a reactivation was already
// in flight.
func (s *BillingService) reactivateInstance(ctx context.Context, inst *models.Instance) (bool, error) {
	if inst.DeleteAfter != nil {
		inst.DeleteAfter = nil
		inst.UpdatedAt = s.clock().Now()
		if err := s.Instances.Update(ctx, inst); err != nil {
			return false, fmt.Errorf("clear deletion deadline: %w", err)
		}
	}

	payload := queue.PowerPayload{InstanceID: inst.ID, Action: queue.PowerStart, Reason: queue.ReasonReactivate}
	_, enqueued, err := s.Jobs.Enqueue(ctx, powerKey(inst.ID, queue.ReasonReactivate), payload)
	if err != nil {
		msg := "reactivation failed: " + err.Error()
		if uerr := s.Instances.UpdateStatus(ctx, inst.ID, inst.Status, &msg); uerr != nil {
			log.Error().Err(uerr).Str("instance_id", inst.ID).Msg("Failed to record reactivation error")
		}
		s.Logs.LogAction(ctx, inst.ID, "reactivate", "error", msg)
		return false, fmt.Errorf("enqueue start: %w", err)
	}
	if enqueued {
		s.Logs.LogAction(ctx, inst.ID, "reactivate_queued", string(inst.Status), "Payment received, start queued")
	}
	return enqueued, nil
}

// deleteInstance makes a best-effort remote stop and destroy, then marks the
// row deleted whatever the hypervisor said.
func (s *BillingService) deleteInstance(ctx context.Context, inst *models.Instance) error {
	timeout := s.Config.Proxmox.TaskTimeout
	logger := log.With().Str("instance_id", inst.ID).Int("vmid", inst.VMID).Logger()

	if upid, err := s.Hypervisor.StopGuest(ctx, inst.Node, inst.Kind, inst.VMID); err != nil {
		logger.Warn().Err(err).Msg("Stop before delete failed")
	} else if err := s.Tasks.WaitForTask(ctx, inst.Node, upid, timeout); err != nil {
		logger.Warn().Err(err).Msg("Stop before delete did not finish")
	}

	if upid, err := s.Hypervisor.DeleteGuest(ctx, inst.Node, inst.Kind, inst.VMID); err != nil {
		logger.Warn().Err(err).Msg("Remote delete failed, marking deleted locally")
		s.Logs.LogAction(ctx, inst.ID, "remote_delete", "error", err.Error())
	} else if err := s.Tasks.WaitForTask(ctx, inst.Node, upid, timeout); err != nil {
		logger.Warn().Err(err).Msg("Remote delete did not finish, marking deleted locally")
		s.Logs.LogAction(ctx, inst.ID, "remote_delete", "error", err.Error())
	}

	now := s.clock().Now()
	inst.Status = models.InstanceDeleted
	inst.DeletedAt = timePtr(now)
	inst.UpdatedAt = now
	if err := s.Instances.Update(ctx, inst); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	s.Logs.LogAction(ctx, inst.ID, "deleted", string(models.InstanceDeleted), "Deleted after suspension period")
	logger.Info().Msg("Instance deleted")
	return nil
}
