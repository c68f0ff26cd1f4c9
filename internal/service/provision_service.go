package service

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wenwu/saas-platform/vps-service/internal/allocator"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/client"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
)

// ProvisionService drives orders through the provisioning pipeline.
type ProvisionService struct {
	Deps
}

// NewProvisionService creates a new provision service
func NewProvisionService(d Deps) *ProvisionService {
	return &ProvisionService{Deps: d}
}

// StartOrder enqueues the provision job for an order. Replays of the same
// order return the job already in flight.
func (s *ProvisionService) StartOrder(ctx context.Context, order *models.Order) (*queue.Job, bool, error) {
	plan, err := s.Plans.GetByID(ctx, order.PlanID)
	if err != nil {
		if isNotFound(err) {
			return nil, false, apperr.NotFound("plan", order.PlanID)
		}
		return nil, false, fmt.Errorf("get plan: %w", err)
	}

	payload := queue.ProvisionPayload{
		OrderID:    order.ID,
		Hostname:   order.Hostname,
		Node:       plan.Node,
		CPU:        plan.CPUCores,
		RAMMB:      plan.RAMMB,
		DiskGB:     plan.DiskGB,
		PlanID:     plan.ID,
		CustomerID: order.CustomerID,
	}

	// A retried order already owns its vmid and address.
	if inst, err := s.Instances.GetByOrderID(ctx, order.ID); err == nil {
		payload.VMID = inst.VMID
		payload.VLAN = inst.VLANTag
		if inst.IPAddress != nil {
			payload.IP = *inst.IPAddress
		}
	} else if !isNotFound(err) {
		return nil, false, fmt.Errorf("get instance for order: %w", err)
	}

	job, enqueued, err := s.Jobs.Enqueue(ctx, provisionKey(order.ID), payload)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue provision: %w", err)
	}

	log.Info().
		Str("order_id", order.ID).
		Str("plan_id", plan.ID).
		Bool("enqueued", enqueued).
		Msg("Provisioning requested")

	return job, enqueued, nil
}

// HandleProvision runs one attempt of the pipeline. Every step is safe to
// repeat: a retry reuses the instance row and skips the clone when the
// guest already exists.
func (s *ProvisionService) HandleProvision(ctx context.Context, p queue.ProvisionPayload) error {
	logger := zerolog.Ctx(ctx).With().Str("order_id", p.OrderID).Logger()
	if logger.GetLevel() == zerolog.Disabled {
		logger = log.With().Str("order_id", p.OrderID).Logger()
	}

	order, err := s.Orders.GetByID(ctx, p.OrderID)
	if err != nil {
		if isNotFound(err) {
			return apperr.NotFound("order", p.OrderID)
		}
		return fmt.Errorf("get order: %w", err)
	}

	switch order.Status {
	case models.OrderCompleted, models.OrderFailed:
		logger.Info().Str("status", string(order.Status)).Msg("Order already settled, skipping")
		return nil
	case models.OrderPending:
		if _, err := s.Orders.Transition(ctx, order.ID, models.OrderProcessing, nil); err != nil {
			return fmt.Errorf("mark order processing: %w", err)
		}
	}

	plan, err := s.Plans.GetByID(ctx, p.PlanID)
	if err != nil {
		if isNotFound(err) {
			return apperr.NotFound("plan", p.PlanID)
		}
		return fmt.Errorf("get plan: %w", err)
	}
	if plan.TemplateID <= 0 && !(plan.Kind == models.GuestKindLXC && plan.OSTemplate != "") {
		return apperr.Validation("template_id", "plan %s has no template to build from", plan.ID)
	}

	inst, password, fresh, err := s.ensureInstance(ctx, order, plan, p)
	if err != nil {
		return err
	}
	logger = logger.With().Str("instance_id", inst.ID).Int("vmid", inst.VMID).Logger()

	if inst.Status == models.InstanceRunning {
		return s.complete(ctx, order, inst)
	}

	timeout := s.Config.Proxmox.TaskTimeout

	status, exists, err := s.inspectGuest(ctx, inst)
	if err != nil {
		return s.stepFailed(ctx, inst, "inspect", err)
	}
	if exists {
		// Only a guest built by an earlier attempt of this order may be resumed.
		if fresh || (status.Name != "" && status.Name != inst.Hostname) {
			return s.stepFailed(ctx, inst, "inspect",
				apperr.Conflict("vmid %d on %s already holds guest %q", inst.VMID, inst.Node, status.Name))
		}
		logger.Info().Str("remote_status", status.Status).Msg("Guest already exists, resuming")
	} else {
		upid, err := s.buildGuest(ctx, plan, inst, password)
		if err != nil {
			return s.stepFailed(ctx, inst, "clone", err)
		}
		if err := s.Tasks.WaitForTask(ctx, inst.Node, upid, timeout); err != nil {
			return s.stepFailed(ctx, inst, "clone", err)
		}
		s.Logs.LogAction(ctx, inst.ID, "guest_created", string(models.InstanceCreating),
			fmt.Sprintf("Guest %d created on %s from %s", inst.VMID, inst.Node, templateLabel(plan)))
	}

	upid, err := s.Hypervisor.UpdateConfig(ctx, inst.Node, inst.Kind, inst.VMID, s.guestConfig(inst, password))
	if err == nil {
		err = s.Tasks.WaitForTask(ctx, inst.Node, upid, timeout)
	}
	if err != nil {
		return s.stepFailed(ctx, inst, "configure", err)
	}
	s.Logs.LogAction(ctx, inst.ID, "guest_configured", string(models.InstanceCreating),
		fmt.Sprintf("Configured %d cores, %d MB, %s", inst.CPUCores, inst.RAMMB, netSummary(inst)))

	if plan.TemplateID > 0 {
		s.resize(ctx, logger, inst)
	}

	if exists && status.Status == "running" {
		logger.Info().Msg("Guest already running")
	} else {
		upid, err := s.Hypervisor.StartGuest(ctx, inst.Node, inst.Kind, inst.VMID)
		if err == nil {
			err = s.Tasks.WaitForTask(ctx, inst.Node, upid, timeout)
		}
		if err != nil {
			return s.stepFailed(ctx, inst, "start", err)
		}
	}

	return s.complete(ctx, order, inst)
}

// FailOrder records a terminal provisioning failure on the order and its
// instance.
func (s *ProvisionService) FailOrder(ctx context.Context, orderID string, cause error) {
	msg := cause.Error()

	changed, err := s.Orders.Transition(ctx, orderID, models.OrderFailed, &msg)
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("Failed to mark order failed")
	} else if !changed {
		log.Warn().Str("order_id", orderID).Msg("Order not in a failable state")
	}

	inst, err := s.Instances.GetByOrderID(ctx, orderID)
	if err != nil {
		if !isNotFound(err) {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to load instance for failed order")
		}
		return
	}
	if inst.Status != models.InstanceCreating {
		return
	}
	if err := s.Instances.UpdateStatus(ctx, inst.ID, models.InstanceError, &msg); err != nil {
		log.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to mark instance error")
	}
	s.Logs.LogAction(ctx, inst.ID, "provision_failed", string(models.InstanceError), msg)

	log.Error().Str("order_id", orderID).Str("instance_id", inst.ID).Str("error", msg).Msg("Provisioning failed")
}

// RecoverInterrupted runs at start-up, after persisted jobs were resumed:
// every pending or processing order gets its provision job back. Orders whose
// job is already queued here, or held by another replica, are left alone;
// the pipeline resumes from whatever the earlier attempt completed.
func (s *ProvisionService) RecoverInterrupted(ctx context.Context) (requeued, inFlight int, err error) {
	for _, status := range []models.OrderStatus{models.OrderPending, models.OrderProcessing} {
		orders, err := s.Orders.ListByStatus(ctx, status)
		if err != nil {
			return requeued, inFlight, fmt.Errorf("list %s orders: %w", status, err)
		}
		for _, order := range orders {
			_, enqueued, err := s.StartOrder(ctx, order)
			if err != nil {
				log.Error().Err(err).Str("order_id", order.ID).Str("status", string(status)).Msg("Failed to requeue interrupted order")
				continue
			}
			if enqueued {
				requeued++
			} else {
				inFlight++
			}
		}
	}

	if requeued > 0 || inFlight > 0 {
		log.Info().Int("requeued", requeued).Int("in_flight", inFlight).Msg("Recovered interrupted orders")
	}
	return requeued, inFlight, nil
}

// ensureInstance returns the instance row for the order, allocating and
// inserting it on the first attempt, plus the plaintext root password.
// fresh is true when this call created the row.
func (s *ProvisionService) ensureInstance(ctx context.Context, order *models.Order, plan *models.Plan, p queue.ProvisionPayload) (*models.Instance, string, bool, error) {
	existing, err := s.Instances.GetByOrderID(ctx, order.ID)
	if err == nil {
		password, err := s.Sealer.Open(existing.RootPassword)
		if err != nil {
			return nil, "", false, fmt.Errorf("open root password: %w", err)
		}
		return existing, password, false, nil
	}
	if !isNotFound(err) {
		return nil, "", false, fmt.Errorf("get instance for order: %w", err)
	}

	password, err := generatePassword()
	if err != nil {
		return nil, "", false, err
	}
	sealed, err := s.Sealer.Seal(password)
	if err != nil {
		return nil, "", false, fmt.Errorf("seal root password: %w", err)
	}

	req := allocator.Request{
		Kind: plan.Kind,
		InUse: func(ctx context.Context, vmid int) (bool, error) {
			_, exists, err := s.inspectGuest(ctx, &models.Instance{Node: p.Node, Kind: plan.Kind, VMID: vmid})
			return exists, err
		},
	}
	if plan.PoolID != nil {
		req.PoolID = *plan.PoolID
	}

	var inst *models.Instance
	_, err = s.Allocator.Reserve(ctx, req, func(a allocator.Allocation) error {
		now := s.clock().Now()
		inst = &models.Instance{
			ID:           uuid.New().String(),
			VMID:         a.VMID,
			Kind:         plan.Kind,
			Hostname:     p.Hostname,
			Node:         p.Node,
			CustomerID:   order.CustomerID,
			OrderID:      order.ID,
			PlanID:       plan.ID,
			CPUCores:     p.CPU,
			RAMMB:        p.RAMMB,
			DiskGB:       p.DiskGB,
			BandwidthGB:  plan.BandwidthGB,
			Bridge:       a.Bridge,
			VLANTag:      a.VLANTag,
			RootPassword: sealed,
			Status:       models.InstanceCreating,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if a.IP != "" {
			inst.IPAddress = strPtr(a.IP)
			inst.IPPrefix = a.PrefixLen
			if a.Gateway != "" {
				inst.Gateway = strPtr(a.Gateway)
			}
			inst.PoolID = strPtr(a.PoolID)
		}
		return s.Instances.Create(ctx, inst)
	})
	if err != nil {
		return nil, "", false, fmt.Errorf("allocate instance: %w", err)
	}

	if err := s.Orders.SetInstance(ctx, order.ID, inst.ID); err != nil {
		return nil, "", false, fmt.Errorf("link instance to order: %w", err)
	}

	ip := "dhcp"
	if inst.IPAddress != nil {
		ip = *inst.IPAddress
	}
	s.Logs.LogAction(ctx, inst.ID, "instance_created", string(models.InstanceCreating),
		fmt.Sprintf("Allocated vmid %d, ip %s on %s", inst.VMID, ip, inst.Node))

	return inst, password, true, nil
}

// inspectGuest reads the guest at inst's vmid. A missing guest is not an
// error; any other failure is.
func (s *ProvisionService) inspectGuest(ctx context.Context, inst *models.Instance) (*client.GuestStatus, bool, error) {
	status, err := s.Hypervisor.GetGuestStatus(ctx, inst.Node, inst.Kind, inst.VMID)
	if err != nil {
		if client.IsGuestMissing(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get guest status: %w", err)
	}
	return status, true, nil
}

func (s *ProvisionService) buildGuest(ctx context.Context, plan *models.Plan, inst *models.Instance, password string) (client.UPID, error) {
	if plan.TemplateID > 0 {
		req := &client.CloneRequest{
			Node:       inst.Node,
			Kind:       inst.Kind,
			TemplateID: plan.TemplateID,
			NewID:      inst.VMID,
			Hostname:   inst.Hostname,
		}
		return s.Hypervisor.CloneGuest(ctx, req)
	}

	cfg := s.Config.Provision
	params := url.Values{}
	params.Set("ostemplate", plan.OSTemplate)
	params.Set("hostname", inst.Hostname)
	params.Set("cores", strconv.Itoa(inst.CPUCores))
	params.Set("memory", strconv.Itoa(inst.RAMMB))
	params.Set("rootfs", fmt.Sprintf("%s:%d", cfg.Storage, inst.DiskGB))
	params.Set("net0", lxcNet(inst))
	params.Set("password", password)
	params.Set("unprivileged", "1")
	if cfg.SSHPublicKey != "" {
		params.Set("ssh-public-keys", cfg.SSHPublicKey)
	}
	return s.Hypervisor.CreateGuest(ctx, &client.CreateRequest{
		Node:   inst.Node,
		Kind:   inst.Kind,
		VMID:   inst.VMID,
		Params: params,
	})
}

func (s *ProvisionService) guestConfig(inst *models.Instance, password string) url.Values {
	cfg := s.Config.Provision
	params := url.Values{}
	params.Set("cores", strconv.Itoa(inst.CPUCores))
	params.Set("memory", strconv.Itoa(inst.RAMMB))
	params.Set("description", fmt.Sprintf("order %s", inst.OrderID))
	if cfg.NameserverIPs != "" {
		params.Set("nameserver", cfg.NameserverIPs)
	}
	if cfg.SearchDomain != "" {
		params.Set("searchdomain", cfg.SearchDomain)
	}

	if inst.Kind == models.GuestKindLXC {
		params.Set("net0", lxcNet(inst))
		return params
	}

	params.Set("net0", qemuNet(inst))
	params.Set("ipconfig0", ipConfig(inst))
	params.Set("ciuser", cfg.DefaultUser)
	params.Set("cipassword", password)
	if cfg.SSHPublicKey != "" {
		// PVE wants sshkeys percent-encoded inside the form value.
		params.Set("sshkeys", strings.ReplaceAll(url.QueryEscape(cfg.SSHPublicKey), "+", "%20"))
	}
	return params
}

func (s *ProvisionService) resize(ctx context.Context, logger zerolog.Logger, inst *models.Instance) {
	disk := s.Config.Provision.PrimaryDiskVM
	if inst.Kind == models.GuestKindLXC {
		disk = s.Config.Provision.PrimaryDiskCT
	}

	upid, err := s.Hypervisor.ResizeDisk(ctx, inst.Node, inst.Kind, inst.VMID, disk, inst.DiskGB)
	if err == nil {
		err = s.Tasks.WaitForTask(ctx, inst.Node, upid, s.Config.Proxmox.TaskTimeout)
	}
	if err != nil {
		logger.Warn().Err(err).Str("disk", disk).Int("size_gb", inst.DiskGB).Msg("Disk resize failed, keeping template size")
		s.Logs.LogAction(ctx, inst.ID, "disk_resize_failed", string(models.InstanceCreating), err.Error())
		return
	}
	s.Logs.LogAction(ctx, inst.ID, "disk_resized", string(models.InstanceCreating),
		fmt.Sprintf("Resized %s to %dG", disk, inst.DiskGB))
}

func (s *ProvisionService) complete(ctx context.Context, order *models.Order, inst *models.Instance) error {
	now := s.clock().Now()
	inst.Status = models.InstanceRunning
	inst.ErrorMessage = nil
	if inst.ProvisionedAt == nil {
		inst.ProvisionedAt = timePtr(now)
	}
	inst.UpdatedAt = now
	if err := s.Instances.Update(ctx, inst); err != nil {
		return fmt.Errorf("mark instance running: %w", err)
	}

	changed, err := s.Orders.Transition(ctx, order.ID, models.OrderCompleted, nil)
	if err != nil {
		return fmt.Errorf("mark order completed: %w", err)
	}
	if !changed {
		log.Warn().Str("order_id", order.ID).Msg("Order was not processing when provisioning completed")
	}

	s.Logs.LogAction(ctx, inst.ID, "provision_completed", string(models.InstanceRunning),
		fmt.Sprintf("Instance %s running as vmid %d", inst.Hostname, inst.VMID))
	log.Info().Str("order_id", order.ID).Str("instance_id", inst.ID).Int("vmid", inst.VMID).Msg("Provisioning complete")
	return nil
}

// stepFailed stores the attempt's error on the instance and returns it so
// the dispatcher can retry.
func (s *ProvisionService) stepFailed(ctx context.Context, inst *models.Instance, step string, err error) error {
	msg := fmt.Sprintf("%s: %v", step, err)
	if uerr := s.Instances.UpdateStatus(ctx, inst.ID, models.InstanceCreating, &msg); uerr != nil {
		log.Error().Err(uerr).Str("instance_id", inst.ID).Msg("Failed to record provisioning error")
	}
	s.Logs.LogAction(ctx, inst.ID, "provision_"+step+"_failed", string(models.InstanceCreating), msg)
	return fmt.Errorf("%s: %w", step, err)
}

func provisionKey(orderID string) string {
	return "provision:" + orderID
}

func templateLabel(plan *models.Plan) string {
	if plan.TemplateID > 0 {
		return fmt.Sprintf("template %d", plan.TemplateID)
	}
	return plan.OSTemplate
}

func qemuNet(inst *models.Instance) string {
	net := "virtio,bridge=" + inst.Bridge
	if inst.VLANTag != nil {
		net += fmt.Sprintf(",tag=%d", *inst.VLANTag)
	}
	return net
}

func lxcNet(inst *models.Instance) string {
	net := "name=eth0,bridge=" + inst.Bridge
	if inst.VLANTag != nil {
		net += fmt.Sprintf(",tag=%d", *inst.VLANTag)
	}
	return net + "," + ipConfig(inst)
}

func ipConfig(inst *models.Instance) string {
	if inst.IPAddress == nil {
		return "ip=dhcp"
	}
	cfg := fmt.Sprintf("ip=%s/%d", *inst.IPAddress, inst.IPPrefix)
	if inst.Gateway != nil {
		cfg += ",gw=" + *inst.Gateway
	}
	return cfg
}

func netSummary(inst *models.Instance) string {
	parts := []string{"bridge " + inst.Bridge}
	if inst.VLANTag != nil {
		parts = append(parts, fmt.Sprintf("vlan %d", *inst.VLANTag))
	}
	parts = append(parts, ipConfig(inst))
	return strings.Join(parts, ", ")
}
