package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/metrics"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/service"
)

const webhookBodyLimit = 1 << 20

// BillingEvents applies payment provider events to the instance lifecycle.
type BillingEvents interface {
	HandleCheckoutCompleted(ctx context.Context, evt service.CheckoutCompleted) (*models.Order, error)
	HandlePaymentFailed(ctx context.Context, stripeCustomerID string) error
	HandlePaymentSucceeded(ctx context.Context, stripeCustomerID string) (int, error)
	HandleSubscriptionUpdated(ctx context.Context, change service.SubscriptionChange) error
	HandleSubscriptionDeleted(ctx context.Context, stripeCustomerID string) error
}

// WebhookHandler verifies and dispatches Stripe webhook deliveries.
type WebhookHandler struct {
	secret  string
	billing BillingEvents
}

func NewWebhookHandler(secret string, billing BillingEvents) *WebhookHandler {
	return &WebhookHandler{secret: secret, billing: billing}
}

// checkoutSession is the slice of a checkout.session object we read.
type checkoutSession struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type invoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

type subscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// periodBounds prefers the top-level fields and falls back to the first
// item, where newer API versions report the billing period.
func (s subscription) periodBounds() (start, end *time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if startUnix == 0 && endUnix == 0 && len(s.Items.Data) > 0 {
		startUnix, endUnix = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return unixPtr(startUnix), unixPtr(endUnix)
}

// Handle verifies the signature and applies the event. Events that can never
// succeed are acknowledged so the provider stops retrying them; transient
// failures return 500 so the delivery is retried.
func (h *WebhookHandler) Handle(c *gin.Context) {
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	}()

	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		c.JSON(status, gin.H{"error": "webhook secret not configured"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		status = http.StatusBadRequest
		c.JSON(status, gin.H{"error": "failed to read request body"})
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		c.JSON(status, gin.H{"error": "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		c.JSON(status, gin.H{"error": "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	logger := log.With().Str("event_id", event.ID).Str("type", eventType).Logger()
	handled, err := h.dispatch(c.Request.Context(), &event)
	switch {
	case err != nil && apperr.IsPermanent(err):
		logger.Warn().Err(err).Msg("Stripe event rejected, acknowledging")
		c.JSON(status, gin.H{"received": true, "ignored": true})
	case err != nil:
		logger.Error().Err(err).Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		c.JSON(status, gin.H{"error": "processing failed"})
	case !handled:
		logger.Debug().Msg("Stripe webhook ignored (unhandled type)")
		c.JSON(status, gin.H{"received": true, "ignored": true})
	default:
		c.JSON(status, gin.H{"received": true})
	}
}

func (h *WebhookHandler) dispatch(ctx context.Context, event *stripe.Event) (bool, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := decodeObject(event, &session); err != nil {
			return true, err
		}
		customerID := session.Metadata["customer_id"]
		if customerID == "" {
			customerID = session.ClientReferenceID
		}
		_, err := h.billing.HandleCheckoutCompleted(ctx, service.CheckoutCompleted{
			SessionID:            session.ID,
			CustomerID:           customerID,
			StripeCustomerID:     session.Customer,
			StripeSubscriptionID: session.Subscription,
			PlanID:               session.Metadata["plan_id"],
			Hostname:             session.Metadata["hostname"],
			AmountCents:          session.AmountTotal,
			Currency:             session.Currency,
		})
		return true, err

	case "invoice.payment_failed":
		var inv invoice
		if err := decodeObject(event, &inv); err != nil {
			return true, err
		}
		return true, h.billing.HandlePaymentFailed(ctx, inv.Customer)

	case "invoice.payment_succeeded":
		var inv invoice
		if err := decodeObject(event, &inv); err != nil {
			return true, err
		}
		_, err := h.billing.HandlePaymentSucceeded(ctx, inv.Customer)
		return true, err

	case "customer.subscription.updated":
		var sub subscription
		if err := decodeObject(event, &sub); err != nil {
			return true, err
		}
		start, end := sub.periodBounds()
		return true, h.billing.HandleSubscriptionUpdated(ctx, service.SubscriptionChange{
			StripeCustomerID:     sub.Customer,
			StripeSubscriptionID: sub.ID,
			Status:               sub.Status,
			CurrentPeriodStart:   start,
			CurrentPeriodEnd:     end,
			CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		})

	case "customer.subscription.deleted":
		var sub subscription
		if err := decodeObject(event, &sub); err != nil {
			return true, err
		}
		return true, h.billing.HandleSubscriptionDeleted(ctx, sub.Customer)

	default:
		return false, nil
	}
}

// decodeObject reads event.data.object. A malformed object is permanent.
func decodeObject(event *stripe.Event, out any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return apperr.Validation("data.object", "missing in %s event", event.Type)
	}
	if err := json.Unmarshal(event.Data.Raw, out); err != nil {
		return apperr.Validation("data.object", "decode %s: %v", event.Type, err)
	}
	return nil
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
