package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
)

type funcHandler struct {
	provision func(ctx context.Context, p ProvisionPayload) error
	power     func(ctx context.Context, p PowerPayload) error
	snapshot  func(ctx context.Context, p SnapshotPayload) error
}

func (h *funcHandler) HandleProvision(ctx context.Context, p ProvisionPayload) error {
	if h.provision == nil {
		return nil
	}
	return h.provision(ctx, p)
}

func (h *funcHandler) HandlePower(ctx context.Context, p PowerPayload) error {
	if h.power == nil {
		return nil
	}
	return h.power(ctx, p)
}

func (h *funcHandler) HandleSnapshot(ctx context.Context, p SnapshotPayload) error {
	if h.snapshot == nil {
		return nil
	}
	return h.snapshot(ctx, p)
}

type recordingSink struct {
	mu     sync.Mutex
	failed []Job
	errs   []error
}

func (s *recordingSink) JobFailed(_ context.Context, job Job, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, job)
	s.errs = append(s.errs, err)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

type stubLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func (l *stubLocker) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *stubLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	l.released = append(l.released, key)
	return nil
}

func provisionPayload(orderID string) ProvisionPayload {
	return ProvisionPayload{
		OrderID:    orderID,
		Hostname:   "web-1",
		Node:       "pve1",
		CPU:        2,
		RAMMB:      4096,
		DiskGB:     80,
		PlanID:     "plan-basic",
		CustomerID: "cust-1",
	}
}

func newTestDispatcher(t *testing.T, h Handler, sink FailureSink, clock clockwork.Clock, queues ...QueueConfig) *Dispatcher {
	t.Helper()
	d, err := New(Options{Queues: queues, Handler: h, Sink: sink, Clock: clock})
	require.NoError(t, err)
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func waitState(t *testing.T, d *Dispatcher, id string, want State) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, ok := d.Get(id)
		if !ok {
			return false
		}
		job = j
		return j.State == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestEnqueueSameKeyRunsOnce(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	h := &funcHandler{provision: func(ctx context.Context, p ProvisionPayload) error {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return nil
	}}
	d := newTestDispatcher(t, h, nil, clockwork.NewFakeClock())

	first, enqueued, err := d.Enqueue(context.Background(), "order-1", provisionPayload("order-1"))
	require.NoError(t, err)
	require.True(t, enqueued)

	second, enqueued, err := d.Enqueue(context.Background(), "order-1", provisionPayload("order-1"))
	require.NoError(t, err)
	assert.False(t, enqueued)
	assert.Equal(t, first.ID, second.ID)

	waitState(t, d, first.ID, StateRunning)
	_, enqueued, err = d.Enqueue(context.Background(), "order-1", provisionPayload("order-1"))
	require.NoError(t, err)
	assert.False(t, enqueued, "running job still holds its key")

	close(release)
	waitState(t, d, first.ID, StateSucceeded)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	third, enqueued, err := d.Enqueue(context.Background(), "order-1", provisionPayload("order-1"))
	require.NoError(t, err)
	assert.True(t, enqueued, "finished jobs release their key")
	assert.NotEqual(t, first.ID, third.ID)
}

func TestFailingJobAttemptsMaxWithGrowingDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}

	var mu sync.Mutex
	var attemptTimes []time.Time
	h := &funcHandler{power: func(ctx context.Context, p PowerPayload) error {
		mu.Lock()
		attemptTimes = append(attemptTimes, clock.Now())
		mu.Unlock()
		return errors.New("remote unavailable")
	}}
	attempts := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(attemptTimes)
	}

	d := newTestDispatcher(t, h, sink, clock, QueueConfig{
		Name:        QueuePower,
		Concurrency: 1,
		Retry:       RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: time.Minute},
		JobTimeout:  time.Minute,
	})

	job, _, err := d.Enqueue(context.Background(), "power:i-1", PowerPayload{InstanceID: "i-1", Action: PowerStart})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return attempts() == 1 }, time.Second, 5*time.Millisecond)
	retrying := waitState(t, d, job.ID, StateRetrying)
	require.NotNil(t, retrying.NextRunAt)

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	assert.Never(t, func() bool { return attempts() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return attempts() == 2 }, time.Second, 5*time.Millisecond)

	waitState(t, d, job.ID, StateRetrying)
	clock.BlockUntil(1)
	clock.Advance(4 * time.Second)
	require.Eventually(t, func() bool { return attempts() == 3 }, time.Second, 5*time.Millisecond)

	failed := waitState(t, d, job.ID, StateFailed)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, "remote unavailable", failed.LastError)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	// no fourth attempt however long we wait
	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return attempts() > 3 }, 50*time.Millisecond, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var prev time.Duration
	for i := 1; i < len(attemptTimes); i++ {
		gap := attemptTimes[i].Sub(attemptTimes[i-1])
		assert.GreaterOrEqual(t, gap, prev)
		prev = gap
	}
	assert.Equal(t, 2*time.Second, attemptTimes[1].Sub(attemptTimes[0]))
	assert.Equal(t, 4*time.Second, attemptTimes[2].Sub(attemptTimes[1]))
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	sink := &recordingSink{}
	var mu sync.Mutex
	calls := 0
	h := &funcHandler{snapshot: func(ctx context.Context, p SnapshotPayload) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return apperr.NotFound("instance", p.InstanceID)
	}}
	d := newTestDispatcher(t, h, sink, clockwork.NewFakeClock())

	job, _, err := d.Enqueue(context.Background(), "snapshot:i-9:nightly", SnapshotPayload{InstanceID: "i-9", Name: "nightly"})
	require.NoError(t, err)

	failed := waitState(t, d, job.ID, StateFailed)
	assert.Equal(t, 1, failed.Attempts)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	var nf *apperr.NotFoundError
	assert.ErrorAs(t, sink.errs[0], &nf)
	assert.Equal(t, job.ID, sink.failed[0].ID)
	sink.mu.Unlock()

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestHandlerPanicIsAFailure(t *testing.T) {
	sink := &recordingSink{}
	h := &funcHandler{power: func(ctx context.Context, p PowerPayload) error {
		panic("boom")
	}}
	d := newTestDispatcher(t, h, sink, clockwork.NewFakeClock(), QueueConfig{
		Name:  QueuePower,
		Retry: RetryPolicy{MaxAttempts: 1},
	})

	job, _, err := d.Enqueue(context.Background(), "power:i-2", PowerPayload{InstanceID: "i-2", Action: PowerStop})
	require.NoError(t, err)

	failed := waitState(t, d, job.ID, StateFailed)
	assert.Contains(t, failed.LastError, "panic")
}

func TestEnqueueValidatesPayload(t *testing.T) {
	d, err := New(Options{Handler: &funcHandler{}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     string
		payload Payload
		field   string
	}{
		{"missing order", "k", ProvisionPayload{Hostname: "a", Node: "n", CPU: 1, RAMMB: 512, DiskGB: 1, PlanID: "p", CustomerID: "c"}, "order_id"},
		{"bad hostname", "k", func() Payload { p := provisionPayload("o"); p.Hostname = "under_score"; return p }(), "hostname"},
		{"bad vlan", "k", func() Payload { v := 5000; p := provisionPayload("o"); p.VLAN = &v; return p }(), "vlan"},
		{"bad action", "k", PowerPayload{InstanceID: "i", Action: "hibernate"}, "action"},
		{"bad reason", "k", PowerPayload{InstanceID: "i", Action: PowerStart, Reason: "whim"}, "reason"},
		{"reserved snapshot name", "k", SnapshotPayload{InstanceID: "i", Name: "current"}, "name"},
		{"snapshot name with space", "k", SnapshotPayload{InstanceID: "i", Name: "my snap"}, "name"},
		{"empty key", "", PowerPayload{InstanceID: "i", Action: PowerStart}, "key"},
		{"nil payload", "k", (*PowerPayload)(nil), "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, enqueued, err := d.Enqueue(context.Background(), tt.key, tt.payload)
			var verr *apperr.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Nil(t, job)
			assert.False(t, enqueued)
		})
	}
}

func TestEnqueueAcceptsPointerPayload(t *testing.T) {
	d, err := New(Options{Handler: &funcHandler{}, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	p := provisionPayload("order-7")
	job, enqueued, err := d.Enqueue(context.Background(), "order-7", &p)
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.IsType(t, ProvisionPayload{}, job.Payload)
	assert.Equal(t, QueueProvision, job.Queue)
	assert.Equal(t, 1, d.Depth()[string(QueueProvision)])
}

func TestFinishedJobsArePruned(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDispatcher(t, &funcHandler{}, nil, clock)

	job, _, err := d.Enqueue(context.Background(), "power:i-3", PowerPayload{InstanceID: "i-3", Action: PowerRestart})
	require.NoError(t, err)
	waitState(t, d, job.ID, StateSucceeded)

	clock.Advance(30 * time.Minute)
	_, ok := d.Get(job.ID)
	assert.True(t, ok)

	clock.Advance(30 * time.Minute)
	_, ok = d.Get(job.ID)
	assert.False(t, ok)
}

func TestKeyHeldByAnotherReplica(t *testing.T) {
	locker := &stubLocker{held: map[string]bool{"order-remote": true}}
	d, err := New(Options{Handler: &funcHandler{}, Locker: locker, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	job, enqueued, err := d.Enqueue(context.Background(), "order-remote", provisionPayload("order-remote"))
	require.NoError(t, err)
	assert.False(t, enqueued)
	assert.Nil(t, job)
}

func TestClaimReleasedAfterCompletion(t *testing.T) {
	locker := &stubLocker{held: map[string]bool{}}
	d, err := New(Options{Handler: &funcHandler{}, Locker: locker, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	d.Start(context.Background())
	defer d.Shutdown(context.Background())

	job, enqueued, err := d.Enqueue(context.Background(), "order-8", provisionPayload("order-8"))
	require.NoError(t, err)
	require.True(t, enqueued)
	waitState(t, d, job.ID, StateSucceeded)

	require.Eventually(t, func() bool {
		locker.mu.Lock()
		defer locker.mu.Unlock()
		return len(locker.released) == 1 && !locker.held["order-8"]
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueueAfterShutdown(t *testing.T) {
	d, err := New(Options{Handler: &funcHandler{}})
	require.NoError(t, err)
	d.Start(context.Background())
	require.NoError(t, d.Shutdown(context.Background()))

	_, _, err = d.Enqueue(context.Background(), "power:i-4", PowerPayload{InstanceID: "i-4", Action: PowerStart})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestDrainWaitsForActiveJobs(t *testing.T) {
	release := make(chan struct{})
	h := &funcHandler{power: func(ctx context.Context, p PowerPayload) error {
		<-release
		return nil
	}}
	d := newTestDispatcher(t, h, nil, clockwork.NewRealClock())

	job, _, err := d.Enqueue(context.Background(), "power:i-5", PowerPayload{InstanceID: "i-5", Action: PowerStop})
	require.NoError(t, err)
	waitState(t, d, job.ID, StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Drain(ctx), context.DeadlineExceeded)

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, d.Drain(ctx2))
	assert.Equal(t, StateSucceeded, waitState(t, d, job.ID, StateSucceeded).State)
}

func TestNewRejectsBadQueues(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Handler: &funcHandler{}, Queues: []QueueConfig{{Name: "billing"}}})
	assert.Error(t, err)

	_, err = New(Options{Handler: &funcHandler{}, Queues: []QueueConfig{{Name: QueuePower}, {Name: QueuePower}}})
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 6, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, 2*time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(20))
}

func TestValidSnapshotName(t *testing.T) {
	assert.True(t, ValidSnapshotName("nightly-2024_01"))
	assert.False(t, ValidSnapshotName("1nightly"))
	assert.False(t, ValidSnapshotName("a"))
	assert.False(t, ValidSnapshotName("current"))
	assert.False(t, ValidSnapshotName("this-name-is-definitely-longer-than-forty-chars"))
}
