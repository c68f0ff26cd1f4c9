package repository

import (
	"context"

	"github.com/wenwu/saas-platform/vps-service/internal/models"
)

// AllocationStore is the view of instances and IP pools the allocator reads.
type AllocationStore struct {
	instances *InstanceRepository
	plans     *PlanRepository
}

func NewAllocationStore(instances *InstanceRepository, plans *PlanRepository) *AllocationStore {
	return &AllocationStore{instances: instances, plans: plans}
}

func (s *AllocationStore) MaxVMID(ctx context.Context, kind models.GuestKind) (int, error) {
	return s.instances.MaxVMID(ctx, kind)
}

func (s *AllocationStore) GetIPPool(ctx context.Context, id string) (*models.IPPool, error) {
	return s.plans.GetIPPool(ctx, id)
}

func (s *AllocationStore) BoundIPs(ctx context.Context) ([]string, error) {
	return s.instances.BoundIPs(ctx)
}
