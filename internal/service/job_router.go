package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
)

var errRouterUnbound = errors.New("job router has no services bound")

// JobRouter is the dispatcher's Handler and FailureSink. It is created
// before the services, which need the dispatcher, and bound to them after.
type JobRouter struct {
	provision *ProvisionService
	power     *PowerService
	snapshot  *SnapshotService
}

// Bind attaches the services. Call before starting the dispatcher.
func (r *JobRouter) Bind(provision *ProvisionService, power *PowerService, snapshot *SnapshotService) {
	r.provision = provision
	r.power = power
	r.snapshot = snapshot
}

func (r *JobRouter) HandleProvision(ctx context.Context, p queue.ProvisionPayload) error {
	if r.provision == nil {
		return errRouterUnbound
	}
	return r.provision.HandleProvision(ctx, p)
}

func (r *JobRouter) HandlePower(ctx context.Context, p queue.PowerPayload) error {
	if r.power == nil {
		return errRouterUnbound
	}
	return r.power.HandlePower(ctx, p)
}

func (r *JobRouter) HandleSnapshot(ctx context.Context, p queue.SnapshotPayload) error {
	if r.snapshot == nil {
		return errRouterUnbound
	}
	return r.snapshot.HandleSnapshot(ctx, p)
}

// JobFailed propagates a terminal job error to the owning order or instance.
func (r *JobRouter) JobFailed(ctx context.Context, job queue.Job, err error) {
	switch p := job.Payload.(type) {
	case queue.ProvisionPayload:
		if r.provision != nil {
			r.provision.FailOrder(ctx, p.OrderID, err)
		}
	case queue.PowerPayload:
		if r.power != nil {
			r.power.ActionFailed(ctx, p, err)
		}
	case queue.SnapshotPayload:
		if r.snapshot != nil {
			r.snapshot.SnapshotFailed(ctx, p, err)
		}
	default:
		log.Error().Str("job_id", job.ID).Msgf("Failed job has unknown payload %T", job.Payload)
	}
}
