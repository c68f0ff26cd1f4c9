package models

import "time"

// OrderStatus is the provisioning state of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderFailed     OrderStatus = "failed"
)

// orderTransitions lists the allowed predecessors of each status.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderProcessing: {OrderPending},
	OrderCompleted:  {OrderProcessing},
	OrderFailed:     {OrderPending, OrderProcessing},
}

// OrderPredecessors returns the statuses an order may move to `to` from.
func OrderPredecessors(to OrderStatus) []OrderStatus {
	return orderTransitions[to]
}

// CanTransition reports whether an order may move from one status to another.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, from := range orderTransitions[to] {
		if from == s {
			return true
		}
	}
	return false
}

// Order is a single purchase. One order yields at most one instance.
type Order struct {
	ID                string
	CustomerID        string
	PlanID            string
	Hostname          string
	AmountCents       int64
	Currency          string
	CheckoutSessionID string
	Status            OrderStatus
	InstanceID        *string
	ErrorMessage      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
