package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/client"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
)

// PowerService queues and executes power actions. Jobs for the same instance
// run one at a time, whatever queue key they came in under.
type PowerService struct {
	Deps
	locks keyedMutex
}

// NewPowerService creates a new power service
func NewPowerService(d Deps) *PowerService {
	return &PowerService{Deps: d}
}

// PerformAction enqueues a customer power action and returns without waiting.
func (s *PowerService) PerformAction(ctx context.Context, customerID, instanceID, action string) (*queue.Job, bool, error) {
	switch action {
	case queue.PowerStart, queue.PowerStop, queue.PowerRestart:
	default:
		return nil, false, apperr.Validation("action", "must be one of start, stop, restart")
	}

	inst, err := ownedInstance(ctx, s.Instances, customerID, instanceID)
	if err != nil {
		return nil, false, err
	}
	if !inst.Powerable() {
		return nil, false, apperr.Validation("status", "instance is %s", inst.Status)
	}

	payload := queue.PowerPayload{InstanceID: inst.ID, Action: action, Reason: queue.ReasonUser}
	job, enqueued, err := s.Jobs.Enqueue(ctx, powerKey(inst.ID, queue.ReasonUser), payload)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue power action: %w", err)
	}
	if enqueued {
		s.Logs.LogAction(ctx, inst.ID, "power_"+action+"_queued", string(inst.Status), "Power action queued")
	}
	return job, enqueued, nil
}

// HandlePower executes a power job. Local status changes only after the
// remote task has finished. Billing jobs act on the subscription as it is
// now, not as it was when the job was queued.
func (s *PowerService) HandlePower(ctx context.Context, p queue.PowerPayload) error {
	unlock := s.locks.Lock(p.InstanceID)
	defer unlock()

	inst, err := s.Instances.GetByID(ctx, p.InstanceID)
	if err != nil {
		if isNotFound(err) {
			return apperr.NotFound("instance", p.InstanceID)
		}
		return fmt.Errorf("get instance: %w", err)
	}

	if skip, why := powerSkip(inst, p); skip {
		log.Info().Str("instance_id", inst.ID).Str("action", p.Action).Str("reason", p.Reason).Msg(why)
		return nil
	}
	billing := p.Reason == queue.ReasonSuspend || p.Reason == queue.ReasonReactivate
	if billing {
		skip, why, err := s.billingSkip(ctx, inst, p)
		if err != nil {
			return err
		}
		if skip {
			log.Info().Str("instance_id", inst.ID).Str("action", p.Action).Str("reason", p.Reason).Msg(why)
			return nil
		}
	}

	if billing && s.remoteAlready(ctx, inst, p.Action) {
		log.Info().Str("instance_id", inst.ID).Str("action", p.Action).Msg("Guest already in the wanted state")
	} else {
		upid, err := s.remoteAction(ctx, inst, p.Action)
		if err == nil {
			err = s.Tasks.WaitForTask(ctx, inst.Node, upid, s.Config.Proxmox.TaskTimeout)
		}
		if err != nil {
			s.Logs.LogAction(ctx, inst.ID, "power_"+p.Action, "error", err.Error())
			return fmt.Errorf("%s instance %s: %w", p.Action, inst.ID, err)
		}
	}

	// Re-read: billing may have moved the instance while the task ran.
	inst, err = s.Instances.GetByID(ctx, p.InstanceID)
	if err != nil {
		return fmt.Errorf("reload instance: %w", err)
	}

	switch p.Reason {
	case queue.ReasonSuspend:
		s.Logs.LogAction(ctx, inst.ID, "suspend_stop", string(inst.Status), "Guest stopped for suspension")
		return nil

	case queue.ReasonReactivate:
		if inst.Status != models.InstanceSuspended {
			return nil
		}
		inst.Status = models.InstanceRunning
		inst.SuspendedAt = nil
		inst.SuspendReason = nil
		inst.DeleteAfter = nil
		inst.ErrorMessage = nil
		inst.UpdatedAt = s.clock().Now()
		if err := s.Instances.Update(ctx, inst); err != nil {
			return fmt.Errorf("mark instance reactivated: %w", err)
		}
		s.Logs.LogAction(ctx, inst.ID, "reactivated", string(models.InstanceRunning), "Instance reactivated after payment")
		return nil

	default:
		if !inst.Powerable() {
			return nil
		}
		status := models.InstanceRunning
		if p.Action == queue.PowerStop {
			status = models.InstanceStopped
		}
		if err := s.Instances.UpdateStatus(ctx, inst.ID, status, nil); err != nil {
			return fmt.Errorf("update instance status: %w", err)
		}
		s.Logs.LogAction(ctx, inst.ID, "power_"+p.Action, string(status), "Power action completed")
		return nil
	}
}

// ActionFailed records a terminal power job failure on the instance without
// touching its status.
func (s *PowerService) ActionFailed(ctx context.Context, p queue.PowerPayload, cause error) {
	msg := fmt.Sprintf("%s failed: %v", p.Action, cause)
	inst, err := s.Instances.GetByID(ctx, p.InstanceID)
	if err != nil {
		log.Error().Err(err).Str("instance_id", p.InstanceID).Msg("Failed to load instance for failed power job")
		return
	}
	if err := s.Instances.UpdateStatus(ctx, inst.ID, inst.Status, &msg); err != nil {
		log.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to record power failure")
	}
	s.Logs.LogAction(ctx, inst.ID, "power_"+p.Action+"_failed", string(inst.Status), msg)
}

// GetLiveStatus reads the guest's current state from the hypervisor.
func (s *PowerService) GetLiveStatus(ctx context.Context, customerID, instanceID string) (*models.LiveStatusResponse, error) {
	inst, err := ownedInstance(ctx, s.Instances, customerID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == models.InstanceDeleted {
		return nil, apperr.Validation("status", "instance is deleted")
	}

	status, err := s.Hypervisor.GetGuestStatus(ctx, inst.Node, inst.Kind, inst.VMID)
	if err != nil {
		return nil, fmt.Errorf("get guest status: %w", err)
	}

	return &models.LiveStatusResponse{
		InstanceID: inst.ID,
		Status:     string(inst.Status),
		Remote:     status.Status,
		CPU:        status.CPU,
		MemUsed:    status.Mem,
		MemTotal:   status.MaxMem,
		Uptime:     status.Uptime,
		NetIn:      status.NetIn,
		NetOut:     status.NetOut,
	}, nil
}

func (s *PowerService) remoteAction(ctx context.Context, inst *models.Instance, action string) (client.UPID, error) {
	switch action {
	case queue.PowerStart:
		return s.Hypervisor.StartGuest(ctx, inst.Node, inst.Kind, inst.VMID)
	case queue.PowerStop:
		return s.Hypervisor.StopGuest(ctx, inst.Node, inst.Kind, inst.VMID)
	case queue.PowerRestart:
		// PVE refuses to reboot a stopped guest.
		if inst.Status == models.InstanceStopped {
			return s.Hypervisor.StartGuest(ctx, inst.Node, inst.Kind, inst.VMID)
		}
		return s.Hypervisor.RebootGuest(ctx, inst.Node, inst.Kind, inst.VMID)
	default:
		return "", apperr.Validation("action", "unknown power action %q", action)
	}
}

// billingSkip drops a suspension stop once the customer pays again and a
// reactivation start once the subscription lapsed again.
func (s *PowerService) billingSkip(ctx context.Context, inst *models.Instance, p queue.PowerPayload) (bool, string, error) {
	entitled := false
	sub, err := s.Subscriptions.Get(ctx, inst.CustomerID)
	switch {
	case err == nil:
		entitled = sub.Entitled()
	case !isNotFound(err):
		return false, "", fmt.Errorf("get subscription: %w", err)
	}

	if p.Reason == queue.ReasonSuspend && entitled {
		return true, "Subscription in good standing, skipping suspension stop", nil
	}
	if p.Reason == queue.ReasonReactivate && !entitled {
		return true, "Subscription not in good standing, skipping reactivation", nil
	}
	return false, "", nil
}

// remoteAlready reports whether the guest is already where action would put
// it. Lookup errors report false so the action runs.
func (s *PowerService) remoteAlready(ctx context.Context, inst *models.Instance, action string) bool {
	status, err := s.Hypervisor.GetGuestStatus(ctx, inst.Node, inst.Kind, inst.VMID)
	if err != nil {
		return false
	}
	switch action {
	case queue.PowerStart:
		return status.Status == "running"
	case queue.PowerStop:
		return status.Status == "stopped"
	}
	return false
}

// powerSkip decides whether a job no longer applies to the instance.
func powerSkip(inst *models.Instance, p queue.PowerPayload) (bool, string) {
	if inst.Status == models.InstanceDeleted {
		return true, "Instance deleted, skipping power action"
	}
	switch p.Reason {
	case queue.ReasonSuspend, queue.ReasonReactivate:
		if inst.Status != models.InstanceSuspended {
			return true, "Instance no longer suspended, skipping billing power action"
		}
	default:
		if !inst.Powerable() {
			return true, "Instance not powerable, skipping power action"
		}
	}
	return false, ""
}

// powerKey separates billing jobs from customer jobs so a pending customer
// action never swallows a suspension or reactivation.
func powerKey(instanceID, reason string) string {
	if reason == "" || reason == queue.ReasonUser {
		return "power:" + instanceID
	}
	return "power:" + instanceID + ":" + reason
}
