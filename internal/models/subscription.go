package models

import "time"

// SubscriptionStatus mirrors the payment provider's subscription state.
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionNotStarted SubscriptionStatus = "not_started"
)

// ParseSubscriptionStatus maps provider status strings onto local states.
func ParseSubscriptionStatus(s string) SubscriptionStatus {
	switch s {
	case "active":
		return SubscriptionActive
	case "trialing":
		return SubscriptionTrialing
	case "past_due", "unpaid":
		return SubscriptionPastDue
	case "canceled", "incomplete_expired":
		return SubscriptionCanceled
	default:
		return SubscriptionNotStarted
	}
}

// Subscription is the per-customer billing record.
type Subscription struct {
	CustomerID           string
	StripeCustomerID     string
	StripeSubscriptionID string
	Status               SubscriptionStatus
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	PastDueSince         *time.Time
	SuspendAt            *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Entitled reports whether the subscription pays for running instances.
func (s *Subscription) Entitled() bool {
	return s.Status == SubscriptionActive || s.Status == SubscriptionTrialing
}
