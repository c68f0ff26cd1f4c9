package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/client"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
	"github.com/wenwu/saas-platform/vps-service/internal/service"
)

// OrderAPI is the read side and checkout entry point of the fleet.
type OrderAPI interface {
	CreateCheckout(ctx context.Context, customerID, planID, hostname string) (*models.CreateCheckoutResponse, error)
	ListPlans(ctx context.Context) ([]models.PlanInfo, error)
	ListMyOrders(ctx context.Context, customerID string) ([]models.OrderResponse, error)
	ListMyInstances(ctx context.Context, customerID string) ([]models.InstanceResponse, error)
	GetInstance(ctx context.Context, customerID, instanceID string) (*models.InstanceResponse, error)
	GetJob(ctx context.Context, customerID, jobID string) (*models.JobStatusResponse, error)
	ListAllOrders(ctx context.Context, limit, offset int) ([]models.OrderResponse, error)
	ListAllInstances(ctx context.Context, limit, offset int) ([]models.InstanceResponse, error)
	Dashboard(ctx context.Context) (*models.DashboardResponse, error)
	Nodes(ctx context.Context) ([]client.Node, error)
}

// PowerAPI queues power actions and reads live guest status.
type PowerAPI interface {
	PerformAction(ctx context.Context, customerID, instanceID, action string) (*queue.Job, bool, error)
	GetLiveStatus(ctx context.Context, customerID, instanceID string) (*models.LiveStatusResponse, error)
}

// SnapshotAPI queues and lists snapshots.
type SnapshotAPI interface {
	CreateSnapshot(ctx context.Context, customerID, instanceID, name, description string) (*queue.Job, bool, error)
	ListSnapshots(ctx context.Context, customerID, instanceID string) ([]models.SnapshotInfo, error)
}

// SweepRunner triggers a billing sweep on demand.
type SweepRunner interface {
	RunOnce(ctx context.Context) (*service.SweepResult, error)
}

// InstanceLogReader reads the audit trail of an instance.
type InstanceLogReader interface {
	GetByInstanceID(ctx context.Context, instanceID string, limit int) ([]*models.InstanceLog, error)
}

type Handler struct {
	orders    OrderAPI
	power     PowerAPI
	snapshots SnapshotAPI
	sweeper   SweepRunner
	logs      InstanceLogReader
}

func NewHandler(orders OrderAPI, power PowerAPI, snapshots SnapshotAPI, sweeper SweepRunner, logs InstanceLogReader) *Handler {
	return &Handler{
		orders:    orders,
		power:     power,
		snapshots: snapshots,
		sweeper:   sweeper,
		logs:      logs,
	}
}

// ==================== Customer API ====================

// CreateCheckout starts a Stripe checkout for a plan
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req models.CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.orders.CreateCheckout(c.Request.Context(), customerID(c), req.PlanID, req.Hostname)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// ListPlans lists the plans that can be bought
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.orders.ListPlans(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (h *Handler) ListMyOrders(c *gin.Context) {
	orders, err := h.orders.ListMyOrders(c.Request.Context(), customerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) ListMyInstances(c *gin.Context) {
	instances, err := h.orders.ListMyInstances(c.Request.Context(), customerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

func (h *Handler) GetInstance(c *gin.Context) {
	inst, err := h.orders.GetInstance(c.Request.Context(), customerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// GetLiveStatus reads the current guest state from the hypervisor
func (h *Handler) GetLiveStatus(c *gin.Context) {
	status, err := h.power.GetLiveStatus(c.Request.Context(), customerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// PowerAction queues start, stop or restart for an instance
func (h *Handler) PowerAction(c *gin.Context) {
	var req models.PowerActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, enqueued, err := h.power.PerformAction(c.Request.Context(), customerID(c), c.Param("id"), req.Action)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, jobAccepted(job, enqueued))
}

// CreateSnapshot queues a snapshot for an instance
func (h *Handler) CreateSnapshot(c *gin.Context) {
	var req models.CreateSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, enqueued, err := h.snapshots.CreateSnapshot(c.Request.Context(), customerID(c), c.Param("id"), req.Name, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, jobAccepted(job, enqueued))
}

func (h *Handler) ListSnapshots(c *gin.Context) {
	snapshots, err := h.snapshots.ListSnapshots(c.Request.Context(), customerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots})
}

// GetJob reports the state of a queued job owned by the caller
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.orders.GetJob(c.Request.Context(), customerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ==================== Admin API ====================

func (h *Handler) AdminListOrders(c *gin.Context) {
	limit, offset := pagination(c)
	orders, err := h.orders.ListAllOrders(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "limit": limit, "offset": offset})
}

func (h *Handler) AdminListInstances(c *gin.Context) {
	limit, offset := pagination(c)
	instances, err := h.orders.ListAllInstances(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances, "limit": limit, "offset": offset})
}

// AdminInstanceLogs returns the audit trail of one instance
func (h *Handler) AdminInstanceLogs(c *gin.Context) {
	limit, _ := pagination(c)
	entries, err := h.logs.GetByInstanceID(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

func (h *Handler) Dashboard(c *gin.Context) {
	dash, err := h.orders.Dashboard(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dash)
}

// Nodes lists the hypervisor cluster nodes
func (h *Handler) Nodes(c *gin.Context) {
	nodes, err := h.orders.Nodes(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// Sweep runs the billing sweep now. A sweep already in progress yields 409.
func (h *Handler) Sweep(c *gin.Context) {
	result, err := h.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		if errors.Is(err, service.ErrSweepInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SweepResponse{
		Suspended: result.Suspended,
		Deleted:   result.Deleted,
		Errors:    result.Errors,
	})
}

// ==================== Helpers ====================

func customerID(c *gin.Context) string {
	return c.GetString(ctxCustomerID)
}

func jobAccepted(job *queue.Job, enqueued bool) models.JobAcceptedResponse {
	message := "queued"
	if !enqueued {
		message = "an identical request is already in progress"
	}
	return models.JobAcceptedResponse{
		JobID:    job.ID,
		Queue:    string(job.Queue),
		State:    string(job.State),
		Enqueued: enqueued,
		Message:  message,
	}
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// respondError maps service errors to status codes. Internal details of
// server-side failures are logged, not returned.
func respondError(c *gin.Context, err error) {
	status := apperr.StatusCode(err)
	switch {
	case status == http.StatusBadGateway:
		log.Warn().Err(err).Str("route", c.FullPath()).Msg("Hypervisor rejected request")
		c.JSON(status, gin.H{"error": "hypervisor request failed"})
		return
	case status >= http.StatusInternalServerError:
		log.Error().Err(err).Str("route", c.FullPath()).Msg("Request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
