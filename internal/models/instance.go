package models

import (
	"time"
)

// GuestKind selects the Proxmox guest type.
type GuestKind string

const (
	GuestKindQEMU GuestKind = "qemu"
	GuestKindLXC  GuestKind = "lxc"
)

// InstanceStatus is the local lifecycle state of an instance.
type InstanceStatus string

const (
	InstanceCreating  InstanceStatus = "creating"
	InstanceRunning   InstanceStatus = "running"
	InstanceStopped   InstanceStatus = "stopped"
	InstanceSuspended InstanceStatus = "suspended"
	InstanceError     InstanceStatus = "error"
	InstanceDeleted   InstanceStatus = "deleted"
)

// Suspension reasons recorded on the instance.
const (
	SuspendReasonPastDue  = "payment_past_due"
	SuspendReasonCanceled = "subscription_canceled"
)

// Instance is a VPS owned by one customer. Rows are never physically deleted.
type Instance struct {
	ID         string
	VMID       int
	Kind       GuestKind
	Hostname   string
	Node       string
	CustomerID string
	OrderID    string
	PlanID     string

	CPUCores    int
	RAMMB       int
	DiskGB      int
	BandwidthGB int

	IPAddress *string
	IPPrefix  int
	Gateway   *string
	PoolID    *string
	Bridge    string
	VLANTag   *int

	// Sealed with the service encryption key; never logged or serialized.
	RootPassword string

	Status        InstanceStatus
	ErrorMessage  *string
	SuspendReason *string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProvisionedAt *time.Time
	SuspendedAt   *time.Time
	DeleteAfter   *time.Time
	DeletedAt     *time.Time
}

// Powerable reports whether a customer may issue power actions.
func (i *Instance) Powerable() bool {
	return i.Status == InstanceRunning || i.Status == InstanceStopped
}

// Suspendable reports whether the billing lifecycle may suspend the instance.
func (i *Instance) Suspendable() bool {
	return i.Status == InstanceRunning || i.Status == InstanceStopped
}

// InstanceLog is an audit trail entry for an instance.
type InstanceLog struct {
	ID         string
	InstanceID string
	Action     string
	Status     string
	Message    string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}
