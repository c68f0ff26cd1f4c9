package models

// ==================== User API DTOs ====================

// CreateCheckoutRequest starts a Stripe checkout for a plan
type CreateCheckoutRequest struct {
	PlanID   string `json:"plan_id" binding:"required"`
	Hostname string `json:"hostname" binding:"required,hostname_rfc1123,max=63"`
}

// CreateCheckoutResponse is returned by POST /api/v1/checkout
type CreateCheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// PowerActionRequest is the body of POST /api/v1/instances/:id/power
type PowerActionRequest struct {
	Action string `json:"action" binding:"required,oneof=start stop restart"`
}

// CreateSnapshotRequest is the body of POST /api/v1/instances/:id/snapshots
type CreateSnapshotRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// JobAcceptedResponse is returned when work has been handed to a queue
type JobAcceptedResponse struct {
	JobID    string `json:"job_id"`
	Queue    string `json:"queue"`
	State    string `json:"state"`
	Enqueued bool   `json:"enqueued"`
	Message  string `json:"message"`
}

// JobStatusResponse is returned by GET /api/v1/jobs/:id
type JobStatusResponse struct {
	JobID      string  `json:"job_id"`
	Queue      string  `json:"queue"`
	State      string  `json:"state"`
	Attempts   int     `json:"attempts"`
	LastError  *string `json:"last_error,omitempty"`
	Message    string  `json:"message,omitempty"`
	EnqueuedAt string  `json:"enqueued_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// InstanceResponse is the customer-facing view of an instance
type InstanceResponse struct {
	InstanceID    string  `json:"instance_id"`
	VMID          int     `json:"vmid"`
	Kind          string  `json:"kind"`
	Hostname      string  `json:"hostname"`
	Node          string  `json:"node"`
	PlanID        string  `json:"plan_id"`
	OrderID       string  `json:"order_id"`
	CPUCores      int     `json:"cpu_cores"`
	RAMMB         int     `json:"ram_mb"`
	DiskGB        int     `json:"disk_gb"`
	BandwidthGB   int     `json:"bandwidth_gb"`
	IPAddress     *string `json:"ip_address"`
	Status        string  `json:"status"`
	ErrorMessage  *string `json:"error_message,omitempty"`
	SuspendReason *string `json:"suspend_reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
	ProvisionedAt *string `json:"provisioned_at,omitempty"`
	SuspendedAt   *string `json:"suspended_at,omitempty"`
	DeleteAfter   *string `json:"delete_after,omitempty"`
	DeletedAt     *string `json:"deleted_at,omitempty"`
}

// LiveStatusResponse is returned by GET /api/v1/instances/:id/status
type LiveStatusResponse struct {
	InstanceID string  `json:"instance_id"`
	Status     string  `json:"status"`
	Remote     string  `json:"remote_status"`
	CPU        float64 `json:"cpu"`
	MemUsed    uint64  `json:"mem_used"`
	MemTotal   uint64  `json:"mem_total"`
	Uptime     int64   `json:"uptime"`
	NetIn      uint64  `json:"net_in"`
	NetOut     uint64  `json:"net_out"`
}

// OrderResponse is the customer-facing view of an order
type OrderResponse struct {
	OrderID      string  `json:"order_id"`
	PlanID       string  `json:"plan_id"`
	Hostname     string  `json:"hostname"`
	AmountCents  int64   `json:"amount_cents"`
	Currency     string  `json:"currency"`
	Status       string  `json:"status"`
	InstanceID   *string `json:"instance_id,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// PlanInfo is a catalog entry as shown to customers
type PlanInfo struct {
	PlanID           string `json:"plan_id"`
	Name             string `json:"name"`
	Kind             string `json:"kind"`
	CPUCores         int    `json:"cpu_cores"`
	RAMMB            int    `json:"ram_mb"`
	DiskGB           int    `json:"disk_gb"`
	BandwidthGB      int    `json:"bandwidth_gb"`
	PriceCents       int64  `json:"price_cents"`
	Currency         string `json:"currency"`
	SnapshotsEnabled bool   `json:"snapshots_enabled"`
}

// SnapshotInfo is a live snapshot entry from the hypervisor
type SnapshotInfo struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	CreatedAt   *string `json:"created_at,omitempty"`
	Parent      string  `json:"parent,omitempty"`
}

// ==================== Admin DTOs ====================

// DashboardResponse aggregates fleet counts for the admin dashboard
type DashboardResponse struct {
	InstancesByStatus     map[string]int `json:"instances_by_status"`
	OrdersByStatus        map[string]int `json:"orders_by_status"`
	SubscriptionsByStatus map[string]int `json:"subscriptions_by_status"`
	QueueDepth            map[string]int `json:"queue_depth"`
	RevenueCents          int64          `json:"revenue_cents"`
}

// SweepResponse is returned by POST /api/internal/admin/sweep
type SweepResponse struct {
	Suspended int      `json:"suspended"`
	Deleted   int      `json:"deleted"`
	Errors    []string `json:"errors,omitempty"`
}
