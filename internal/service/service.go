// Package service implements provisioning, power, snapshot and billing
// lifecycle operations on top of the stores, the hypervisor and the queues.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/config"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/repository"
)

// Deps carries the collaborators shared by the services.
type Deps struct {
	Config        *config.Config
	Orders        OrderStore
	Instances     InstanceStore
	Plans         PlanStore
	Subscriptions SubscriptionStore
	Logs          AuditLog
	Hypervisor    Hypervisor
	Tasks         TaskWaiter
	Allocator     Allocator
	Jobs          JobQueue
	Sealer        *Sealer
	Clock         clockwork.Clock
}

func (d Deps) clock() clockwork.Clock {
	if d.Clock == nil {
		return clockwork.NewRealClock()
	}
	return d.Clock
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

// ownedInstance loads an instance and hides it from anyone but its owner.
func ownedInstance(ctx context.Context, store InstanceStore, customerID, instanceID string) (*models.Instance, error) {
	inst, err := store.GetByID(ctx, instanceID)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("instance", instanceID)
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	if inst.CustomerID != customerID {
		return nil, apperr.NotFound("instance", instanceID)
	}
	return inst, nil
}

func strPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
