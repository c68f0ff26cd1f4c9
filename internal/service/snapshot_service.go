package service

import (
	"context"
	"fmt"
	"time"

	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
)

// SnapshotService creates and lists guest snapshots. The hypervisor is the
// only record of which snapshots exist.
type SnapshotService struct {
	Deps
}

// NewSnapshotService creates a new snapshot service
func NewSnapshotService(d Deps) *SnapshotService {
	return &SnapshotService{Deps: d}
}

// CreateSnapshot checks the plan entitlement and enqueues the snapshot job.
func (s *SnapshotService) CreateSnapshot(ctx context.Context, customerID, instanceID, name, description string) (*queue.Job, bool, error) {
	inst, err := ownedInstance(ctx, s.Instances, customerID, instanceID)
	if err != nil {
		return nil, false, err
	}

	plan, err := s.Plans.GetByID(ctx, inst.PlanID)
	if err != nil {
		if isNotFound(err) {
			return nil, false, apperr.NotFound("plan", inst.PlanID)
		}
		return nil, false, fmt.Errorf("get plan: %w", err)
	}
	if !plan.SnapshotsEnabled {
		return nil, false, apperr.Forbidden("plan %s does not include snapshots", plan.Name)
	}

	if !inst.Powerable() {
		return nil, false, apperr.Validation("status", "instance is %s", inst.Status)
	}
	if !queue.ValidSnapshotName(name) {
		return nil, false, apperr.Validation("name", "must start with a letter and contain only letters, digits, '-' or '_'")
	}

	payload := queue.SnapshotPayload{InstanceID: inst.ID, Name: name, Description: description}
	job, enqueued, err := s.Jobs.Enqueue(ctx, "snapshot:"+inst.ID+":"+name, payload)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue snapshot: %w", err)
	}
	if enqueued {
		s.Logs.LogAction(ctx, inst.ID, "snapshot_queued", string(inst.Status), "Snapshot "+name+" queued")
	}
	return job, enqueued, nil
}

// HandleSnapshot executes a snapshot job.
func (s *SnapshotService) HandleSnapshot(ctx context.Context, p queue.SnapshotPayload) error {
	inst, err := s.Instances.GetByID(ctx, p.InstanceID)
	if err != nil {
		if isNotFound(err) {
			return apperr.NotFound("instance", p.InstanceID)
		}
		return fmt.Errorf("get instance: %w", err)
	}
	if inst.Status == models.InstanceDeleted {
		return apperr.Validation("status", "instance is deleted")
	}

	upid, err := s.Hypervisor.CreateSnapshot(ctx, inst.Node, inst.Kind, inst.VMID, p.Name, p.Description)
	if err == nil {
		err = s.Tasks.WaitForTask(ctx, inst.Node, upid, s.Config.Proxmox.TaskTimeout)
	}
	if err != nil {
		s.Logs.LogAction(ctx, inst.ID, "snapshot_create", "error", err.Error())
		return fmt.Errorf("snapshot %s of instance %s: %w", p.Name, inst.ID, err)
	}

	s.Logs.LogAction(ctx, inst.ID, "snapshot_created", string(inst.Status), "Snapshot "+p.Name+" created")
	return nil
}

// SnapshotFailed records a terminal snapshot job failure in the audit trail.
func (s *SnapshotService) SnapshotFailed(ctx context.Context, p queue.SnapshotPayload, cause error) {
	s.Logs.LogAction(ctx, p.InstanceID, "snapshot_failed", "error",
		fmt.Sprintf("snapshot %s failed: %v", p.Name, cause))
}

// ListSnapshots asks the hypervisor for the guest's snapshots.
func (s *SnapshotService) ListSnapshots(ctx context.Context, customerID, instanceID string) ([]models.SnapshotInfo, error) {
	inst, err := ownedInstance(ctx, s.Instances, customerID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == models.InstanceDeleted {
		return nil, apperr.Validation("status", "instance is deleted")
	}

	snaps, err := s.Hypervisor.ListSnapshots(ctx, inst.Node, inst.Kind, inst.VMID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	out := make([]models.SnapshotInfo, 0, len(snaps))
	for _, snap := range snaps {
		info := models.SnapshotInfo{Name: snap.Name, Description: snap.Description, Parent: snap.Parent}
		if snap.SnapTime > 0 {
			t := time.Unix(snap.SnapTime, 0)
			info.CreatedAt = formatTime(&t)
		}
		out = append(out, info)
	}
	return out, nil
}
