package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
)

func TestPerformAction_Validation(t *testing.T) {
	f := newFixture()
	f.addInstance("i-1", "cust-1", "plan-s", 1001, models.InstanceRunning)
	f.addInstance("i-susp", "cust-1", "plan-s", 1002, models.InstanceSuspended)

	tests := []struct {
		name       string
		customer   string
		instance   string
		action     string
		wantStatus int
	}{
		{"unknown action", "cust-1", "i-1", "hibernate", 400},
		{"foreign instance", "cust-2", "i-1", "stop", 404},
		{"missing instance", "cust-1", "i-none", "stop", 404},
		{"suspended instance", "cust-1", "i-susp", "start", 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.power.PerformAction(f.ctx, tt.customer, tt.instance, tt.action)
			require.Error(t, err)
			assert.Equal(t, tt.wantStatus, apperr.StatusCode(err))
		})
	}
	assert.Empty(t, f.jobs.payloads())
	assert.Empty(t, f.hv.ops())
}

func TestPerformAction_DedupesPerInstance(t *testing.T) {
	f := newFixture()
	f.addInstance("i-1", "cust-1", "plan-s", 1001, models.InstanceRunning)

	first, enqueued, err := f.power.PerformAction(f.ctx, "cust-1", "i-1", queue.PowerStop)
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.Equal(t, queue.QueuePower, first.Queue)

	second, enqueued, err := f.power.PerformAction(f.ctx, "cust-1", "i-1", queue.PowerRestart)
	require.NoError(t, err)
	assert.False(t, enqueued)
	assert.Equal(t, first.ID, second.ID)

	assert.Empty(t, f.hv.ops(), "power actions run on the worker, not the request")
}

func TestHandlePower_UpdatesStatusAfterTask(t *testing.T) {
	f := newFixture()
	f.addInstance("i-1", "cust-1", "plan-s", 1001, models.InstanceRunning)

	require.NoError(t, f.power.HandlePower(f.ctx, queue.PowerPayload{InstanceID: "i-1", Action: queue.PowerStop}))
	assert.Equal(t, models.InstanceStopped, f.instances.get("i-1").Status)

	require.NoError(t, f.power.HandlePower(f.ctx, queue.PowerPayload{InstanceID: "i-1", Action: queue.PowerRestart}))
	assert.Equal(t, models.InstanceRunning, f.instances.get("i-1").Status)

	require.NoError(t, f.power.HandlePower(f.ctx, queue.PowerPayload{InstanceID: "i-1", Action: queue.PowerRestart}))
	assert.Equal(t, []string{"stop", "start", "reboot"}, f.hv.ops())
}

func TestHandlePower_TaskFailureKeepsStatus(t *testing.T) {
	f := newFixture()
	f.addInstance("i-1", "cust-1", "plan-s", 1001, models.InstanceRunning)
	f.tasks.fail["stop"] = errors.New("guest did not stop")

	p := queue.PowerPayload{InstanceID: "i-1", Action: queue.PowerStop, Reason: queue.ReasonUser}
	err := f.power.HandlePower(f.ctx, p)
	require.Error(t, err)
	assert.Equal(t, models.InstanceRunning, f.instances.get("i-1").Status)

	f.router.JobFailed(f.ctx, queue.Job{Payload: p}, err)
	inst := f.instances.get("i-1")
	assert.Equal(t, models.InstanceRunning, inst.Status)
	require.NotNil(t, inst.ErrorMessage)
	assert.Contains(t, *inst.ErrorMessage, "guest did not stop")
}

func TestHandlePower_SkipsStaleJobs(t *testing.T) {
	f := newFixture()
	f.addInstance("i-susp", "cust-1", "plan-s", 1001, models.InstanceSuspended)
	f.addInstance("i-run", "cust-1", "plan-s", 1002, models.InstanceRunning)
	f.addInstance("i-gone", "cust-1", "plan-s", 1003, models.InstanceDeleted)

	require.NoError(t, f.power.HandlePower(f.ctx, queue.PowerPayload{InstanceID: "i-susp", Action: queue.PowerStart, Reason: queue.ReasonUser}))
	require.NoError(t, f.power.HandlePower(f.ctx, queue.PowerPayload{InstanceID: "i-run", Action: queue.PowerStop, Reason: queue.ReasonSuspend}))
	require.NoError(t, f.power.HandlePower(f.ctx, queue.PowerPayload{InstanceID: "i-gone", Action: queue.PowerStart, Reason: queue.ReasonReactivate}))
	assert.Empty(t, f.hv.ops())

	err := f.power.HandlePower(f.ctx, queue.PowerPayload{InstanceID: "i-none", Action: queue.PowerStart})
	assert.True(t, apperr.IsPermanent(err))
}

func TestPowerKeys(t *testing.T) {
	assert.Equal(t, "power:i-1", powerKey("i-1", queue.ReasonUser))
	assert.Equal(t, "power:i-1", powerKey("i-1", ""))
	assert.Equal(t, "power:i-1:suspend", powerKey("i-1", queue.ReasonSuspend))
	assert.Equal(t, "power:i-1:reactivate", powerKey("i-1", queue.ReasonReactivate))
}

func TestGetLiveStatus(t *testing.T) {
	f := newFixture()
	f.addInstance("i-1", "cust-1", "plan-s", 1001, models.InstanceRunning)

	status, err := f.power.GetLiveStatus(f.ctx, "cust-1", "i-1")
	require.NoError(t, err)
	assert.Equal(t, "running", status.Remote)
	assert.Equal(t, int64(42), status.Uptime)

	_, err = f.power.GetLiveStatus(f.ctx, "cust-2", "i-1")
	assert.Equal(t, 404, apperr.StatusCode(err))
}

func TestHandlePower_SuspensionStopAfterPaymentIsDropped(t *testing.T) {
	f := newFixture()
	f.addSubscription("cust-1", "cus_1", models.SubscriptionActive)
	f.addInstance("i-1", "cust-1", "plan-s", 1001, models.InstanceRunning)
	require.NoError(t, f.billing.HandlePaymentFailed(f.ctx, "cus_1"))
	f.clock.Advance(73 * time.Hour)
	_, err := f.billing.Sweep(f.ctx)
	require.NoError(t, err)

	// Payment lands before the queued stop ran.
	_, err = f.billing.HandlePaymentSucceeded(f.ctx, "cus_1")
	require.NoError(t, err)
	for _, err := range f.jobs.drain(f.ctx, f.router) {
		require.NoError(t, err)
	}

	assert.Empty(t, f.hv.ops(), "the guest is neither stopped nor started again")
	assert.Equal(t, "running", f.hv.guests[1001])
	inst := f.instances.get("i-1")
	assert.Equal(t, models.InstanceRunning, inst.Status)
	assert.Nil(t, inst.DeleteAfter)
}

func TestHandlePower_ReactivationAfterLapseIsDropped(t *testing.T) {
	f := newFixture()
	f.addSubscription("cust-1", "cus_1", models.SubscriptionCanceled)
	f.addInstance("i-1", "cust-1", "plan-s", 1001, models.InstanceSuspended)

	err := f.power.HandlePower(f.ctx, queue.PowerPayload{InstanceID: "i-1", Action: queue.PowerStart, Reason: queue.ReasonReactivate})
	require.NoError(t, err)
	assert.Empty(t, f.hv.ops())
	assert.Equal(t, models.InstanceSuspended, f.instances.get("i-1").Status)
}
