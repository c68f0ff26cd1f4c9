package service

import (
	"context"
	"net/url"
	"time"

	"github.com/wenwu/saas-platform/vps-service/internal/allocator"
	"github.com/wenwu/saas-platform/vps-service/internal/client"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
)

// InstanceStore persists instances. Lookups return repository.ErrNotFound.
type InstanceStore interface {
	Create(ctx context.Context, inst *models.Instance) error
	GetByID(ctx context.Context, id string) (*models.Instance, error)
	GetByOrderID(ctx context.Context, orderID string) (*models.Instance, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*models.Instance, error)
	ListByCustomerStatus(ctx context.Context, customerID string, statuses ...models.InstanceStatus) ([]*models.Instance, error)
	ListByStatus(ctx context.Context, status models.InstanceStatus) ([]*models.Instance, error)
	ListDeletionDue(ctx context.Context, now time.Time) ([]*models.Instance, error)
	ListAll(ctx context.Context, limit, offset int) ([]*models.Instance, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	Update(ctx context.Context, inst *models.Instance) error
	UpdateStatus(ctx context.Context, id string, status models.InstanceStatus, errMsg *string) error
}

// OrderStore persists orders.
type OrderStore interface {
	// CreateIfAbsent inserts the order unless one exists for the same
	// checkout session, in which case the existing order is returned.
	CreateIfAbsent(ctx context.Context, order *models.Order) (*models.Order, bool, error)
	GetByID(ctx context.Context, id string) (*models.Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*models.Order, error)
	ListByStatus(ctx context.Context, status models.OrderStatus) ([]*models.Order, error)
	ListAll(ctx context.Context, limit, offset int) ([]*models.Order, error)
	// Transition moves the order only from an allowed predecessor and
	// reports whether a row changed.
	Transition(ctx context.Context, id string, to models.OrderStatus, errMsg *string) (bool, error)
	SetInstance(ctx context.Context, id, instanceID string) error
	CountByStatus(ctx context.Context) (map[string]int, error)
	CompletedRevenue(ctx context.Context) (int64, error)
}

// PlanStore reads the static plan catalog.
type PlanStore interface {
	GetByID(ctx context.Context, id string) (*models.Plan, error)
	ListActive(ctx context.Context) ([]*models.Plan, error)
}

// SubscriptionStore persists per-customer billing state.
type SubscriptionStore interface {
	Get(ctx context.Context, customerID string) (*models.Subscription, error)
	GetByStripeCustomer(ctx context.Context, stripeCustomerID string) (*models.Subscription, error)
	Upsert(ctx context.Context, sub *models.Subscription) error
	ListSuspensionDue(ctx context.Context, now time.Time) ([]*models.Subscription, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// AuditLog records instance audit trail entries. Failures are logged, not returned.
type AuditLog interface {
	LogAction(ctx context.Context, instanceID, action, status, message string)
}

// Hypervisor is the part of the Proxmox API the services call.
type Hypervisor interface {
	GetNodes(ctx context.Context) ([]client.Node, error)
	CreateGuest(ctx context.Context, req *client.CreateRequest) (client.UPID, error)
	CloneGuest(ctx context.Context, req *client.CloneRequest) (client.UPID, error)
	UpdateConfig(ctx context.Context, node string, kind models.GuestKind, vmid int, params url.Values) (client.UPID, error)
	ResizeDisk(ctx context.Context, node string, kind models.GuestKind, vmid int, disk string, sizeGB int) (client.UPID, error)
	StartGuest(ctx context.Context, node string, kind models.GuestKind, vmid int) (client.UPID, error)
	StopGuest(ctx context.Context, node string, kind models.GuestKind, vmid int) (client.UPID, error)
	RebootGuest(ctx context.Context, node string, kind models.GuestKind, vmid int) (client.UPID, error)
	DeleteGuest(ctx context.Context, node string, kind models.GuestKind, vmid int) (client.UPID, error)
	GetGuestStatus(ctx context.Context, node string, kind models.GuestKind, vmid int) (*client.GuestStatus, error)
	CreateSnapshot(ctx context.Context, node string, kind models.GuestKind, vmid int, name, description string) (client.UPID, error)
	ListSnapshots(ctx context.Context, node string, kind models.GuestKind, vmid int) ([]client.Snapshot, error)
}

// TaskWaiter blocks until a hypervisor task finishes.
type TaskWaiter interface {
	WaitForTask(ctx context.Context, node string, upid client.UPID, timeout time.Duration) error
}

// JobQueue is the dispatcher surface the services use.
type JobQueue interface {
	Enqueue(ctx context.Context, key string, payload queue.Payload) (*queue.Job, bool, error)
	Get(id string) (*queue.Job, bool)
	Depth() map[string]int
}

// Allocator reserves vmids and addresses.
type Allocator interface {
	Reserve(ctx context.Context, req allocator.Request, persist func(allocator.Allocation) error) (*allocator.Allocation, error)
}
