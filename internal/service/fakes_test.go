package service

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wenwu/saas-platform/vps-service/internal/allocator"
	"github.com/wenwu/saas-platform/vps-service/internal/client"
	"github.com/wenwu/saas-platform/vps-service/internal/config"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
	"github.com/wenwu/saas-platform/vps-service/internal/repository"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// ---- stores ----

type memInstances struct {
	mu   sync.Mutex
	rows map[string]*models.Instance
}

func newMemInstances() *memInstances {
	return &memInstances{rows: map[string]*models.Instance{}}
}

func (m *memInstances) put(inst *models.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	m.rows[inst.ID] = &cp
}

func (m *memInstances) get(id string) *models.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.rows[id]
	return &cp
}

func (m *memInstances) Create(_ context.Context, inst *models.Instance) error {
	m.put(inst)
	return nil
}

func (m *memInstances) GetByID(_ context.Context, id string) (*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *memInstances) GetByOrderID(_ context.Context, orderID string) (*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.rows {
		if inst.OrderID == orderID {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memInstances) filter(keep func(*models.Instance) bool) []*models.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Instance
	for _, inst := range m.rows {
		if keep(inst) {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memInstances) ListByCustomer(_ context.Context, customerID string) ([]*models.Instance, error) {
	return m.filter(func(i *models.Instance) bool { return i.CustomerID == customerID }), nil
}

func (m *memInstances) ListByCustomerStatus(_ context.Context, customerID string, statuses ...models.InstanceStatus) ([]*models.Instance, error) {
	return m.filter(func(i *models.Instance) bool {
		if i.CustomerID != customerID {
			return false
		}
		for _, s := range statuses {
			if i.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (m *memInstances) ListByStatus(_ context.Context, status models.InstanceStatus) ([]*models.Instance, error) {
	return m.filter(func(i *models.Instance) bool { return i.Status == status }), nil
}

func (m *memInstances) ListDeletionDue(_ context.Context, now time.Time) ([]*models.Instance, error) {
	return m.filter(func(i *models.Instance) bool {
		return i.Status == models.InstanceSuspended && i.DeleteAfter != nil && !i.DeleteAfter.After(now)
	}), nil
}

func (m *memInstances) ListAll(_ context.Context, _, _ int) ([]*models.Instance, error) {
	return m.filter(func(*models.Instance) bool { return true }), nil
}

func (m *memInstances) CountByStatus(_ context.Context) (map[string]int, error) {
	out := map[string]int{}
	for _, inst := range m.filter(func(*models.Instance) bool { return true }) {
		out[string(inst.Status)]++
	}
	return out, nil
}

func (m *memInstances) Update(_ context.Context, inst *models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[inst.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *inst
	m.rows[inst.ID] = &cp
	return nil
}

func (m *memInstances) UpdateStatus(_ context.Context, id string, status models.InstanceStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	inst.Status = status
	inst.ErrorMessage = errMsg
	return nil
}

type memOrders struct {
	mu   sync.Mutex
	rows map[string]*models.Order
}

func newMemOrders() *memOrders {
	return &memOrders{rows: map[string]*models.Order{}}
}

func (m *memOrders) get(id string) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.rows[id]
	return &cp
}

func (m *memOrders) put(o *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.rows[o.ID] = &cp
}

func (m *memOrders) CreateIfAbsent(_ context.Context, order *models.Order) (*models.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.rows {
		if o.CheckoutSessionID == order.CheckoutSessionID {
			cp := *o
			return &cp, false, nil
		}
	}
	cp := *order
	m.rows[order.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *memOrders) GetByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) list(keep func(*models.Order) bool) []*models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.rows {
		if keep(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memOrders) ListByCustomer(_ context.Context, customerID string) ([]*models.Order, error) {
	return m.list(func(o *models.Order) bool { return o.CustomerID == customerID }), nil
}

func (m *memOrders) ListByStatus(_ context.Context, status models.OrderStatus) ([]*models.Order, error) {
	return m.list(func(o *models.Order) bool { return o.Status == status }), nil
}

func (m *memOrders) ListAll(_ context.Context, _, _ int) ([]*models.Order, error) {
	return m.list(func(*models.Order) bool { return true }), nil
}

func (m *memOrders) Transition(_ context.Context, id string, to models.OrderStatus, errMsg *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[id]
	if !ok || !o.Status.CanTransition(to) {
		return false, nil
	}
	o.Status = to
	o.ErrorMessage = errMsg
	return true, nil
}

func (m *memOrders) SetInstance(_ context.Context, id, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	o.InstanceID = &instanceID
	return nil
}

func (m *memOrders) CountByStatus(_ context.Context) (map[string]int, error) {
	out := map[string]int{}
	for _, o := range m.list(func(*models.Order) bool { return true }) {
		out[string(o.Status)]++
	}
	return out, nil
}

func (m *memOrders) CompletedRevenue(_ context.Context) (int64, error) {
	var total int64
	for _, o := range m.list(func(o *models.Order) bool { return o.Status == models.OrderCompleted }) {
		total += o.AmountCents
	}
	return total, nil
}

type memPlans map[string]*models.Plan

func (m memPlans) GetByID(_ context.Context, id string) (*models.Plan, error) {
	p, ok := m[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m memPlans) ListActive(_ context.Context) ([]*models.Plan, error) {
	var out []*models.Plan
	for _, p := range m {
		if p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memSubscriptions struct {
	mu   sync.Mutex
	rows map[string]*models.Subscription
}

func newMemSubscriptions() *memSubscriptions {
	return &memSubscriptions{rows: map[string]*models.Subscription{}}
}

func (m *memSubscriptions) get(customerID string) *models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.rows[customerID]
	return &cp
}

func (m *memSubscriptions) Get(_ context.Context, customerID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[customerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSubscriptions) GetByStripeCustomer(_ context.Context, stripeCustomerID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.StripeCustomerID == stripeCustomerID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memSubscriptions) Upsert(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.rows[sub.CustomerID] = &cp
	return nil
}

func (m *memSubscriptions) ListSuspensionDue(_ context.Context, now time.Time) ([]*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Subscription
	for _, s := range m.rows {
		if s.Status == models.SubscriptionPastDue && s.SuspendAt != nil && !s.SuspendAt.After(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSubscriptions) CountByStatus(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, s := range m.rows {
		out[string(s.Status)]++
	}
	return out, nil
}

type memLogs struct {
	mu      sync.Mutex
	entries []string
}

func (m *memLogs) LogAction(_ context.Context, instanceID, action, status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, instanceID+" "+action)
}

func (m *memLogs) has(instanceID, action string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e == instanceID+" "+action {
			return true
		}
	}
	return false
}

// ---- hypervisor ----

type hvCall struct {
	Op     string
	VMID   int
	Params url.Values
	Extra  string
}

type fakeHypervisor struct {
	mu      sync.Mutex
	calls   []hvCall
	guests  map[int]string
	names   map[int]string
	fail    map[string]error
	snaps   []client.Snapshot
	nodes   []client.Node
	taskSeq int
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{guests: map[int]string{}, names: map[int]string{}, fail: map[string]error{}}
}

func (f *fakeHypervisor) record(op string, vmid int, params url.Values, extra string) (client.UPID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hvCall{Op: op, VMID: vmid, Params: params, Extra: extra})
	if err := f.fail[op]; err != nil {
		return "", err
	}
	f.taskSeq++
	return client.UPID(fmt.Sprintf("UPID:pve1:%08X:%s", f.taskSeq, op)), nil
}

func (f *fakeHypervisor) setGuest(vmid int, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guests[vmid] = status
}

func (f *fakeHypervisor) setNamedGuest(vmid int, status, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guests[vmid] = status
	f.names[vmid] = name
}

func (f *fakeHypervisor) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Op)
	}
	return out
}

func (f *fakeHypervisor) call(op string) (hvCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.Op == op {
			return c, true
		}
	}
	return hvCall{}, false
}

func (f *fakeHypervisor) GetNodes(_ context.Context) ([]client.Node, error) {
	return f.nodes, nil
}

func (f *fakeHypervisor) CreateGuest(_ context.Context, req *client.CreateRequest) (client.UPID, error) {
	upid, err := f.record("create", req.VMID, req.Params, "")
	if err == nil {
		f.setNamedGuest(req.VMID, "stopped", req.Params.Get("hostname"))
	}
	return upid, err
}

func (f *fakeHypervisor) CloneGuest(_ context.Context, req *client.CloneRequest) (client.UPID, error) {
	upid, err := f.record("clone", req.NewID, nil, fmt.Sprintf("template=%d hostname=%s", req.TemplateID, req.Hostname))
	if err == nil {
		f.setNamedGuest(req.NewID, "stopped", req.Hostname)
	}
	return upid, err
}

func (f *fakeHypervisor) UpdateConfig(_ context.Context, _ string, _ models.GuestKind, vmid int, params url.Values) (client.UPID, error) {
	return f.record("config", vmid, params, "")
}

func (f *fakeHypervisor) ResizeDisk(_ context.Context, _ string, _ models.GuestKind, vmid int, disk string, sizeGB int) (client.UPID, error) {
	return f.record("resize", vmid, nil, fmt.Sprintf("%s=%dG", disk, sizeGB))
}

func (f *fakeHypervisor) StartGuest(_ context.Context, _ string, _ models.GuestKind, vmid int) (client.UPID, error) {
	upid, err := f.record("start", vmid, nil, "")
	if err == nil {
		f.setGuest(vmid, "running")
	}
	return upid, err
}

func (f *fakeHypervisor) StopGuest(_ context.Context, _ string, _ models.GuestKind, vmid int) (client.UPID, error) {
	upid, err := f.record("stop", vmid, nil, "")
	if err == nil {
		f.setGuest(vmid, "stopped")
	}
	return upid, err
}

func (f *fakeHypervisor) RebootGuest(_ context.Context, _ string, _ models.GuestKind, vmid int) (client.UPID, error) {
	return f.record("reboot", vmid, nil, "")
}

func (f *fakeHypervisor) DeleteGuest(_ context.Context, _ string, _ models.GuestKind, vmid int) (client.UPID, error) {
	upid, err := f.record("delete", vmid, nil, "")
	if err == nil {
		f.mu.Lock()
		delete(f.guests, vmid)
		delete(f.names, vmid)
		f.mu.Unlock()
	}
	return upid, err
}

func (f *fakeHypervisor) GetGuestStatus(_ context.Context, _ string, _ models.GuestKind, vmid int) (*client.GuestStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["status"]; err != nil {
		return nil, err
	}
	status, ok := f.guests[vmid]
	if !ok {
		return nil, &client.HypervisorError{Method: "GET", Path: "status/current", StatusCode: 500, Message: "does not exist"}
	}
	return &client.GuestStatus{Name: f.names[vmid], Status: status, Uptime: 42}, nil
}

func (f *fakeHypervisor) CreateSnapshot(_ context.Context, _ string, _ models.GuestKind, vmid int, name, _ string) (client.UPID, error) {
	return f.record("snapshot", vmid, nil, name)
}

func (f *fakeHypervisor) ListSnapshots(_ context.Context, _ string, _ models.GuestKind, vmid int) ([]client.Snapshot, error) {
	if _, err := f.record("list_snapshots", vmid, nil, ""); err != nil {
		return nil, err
	}
	return f.snaps, nil
}

type fakeTasks struct {
	mu    sync.Mutex
	fail  map[string]error
	waits []client.UPID
}

func (f *fakeTasks) WaitForTask(_ context.Context, _ string, upid client.UPID, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, upid)
	for suffix, err := range f.fail {
		if strings.HasSuffix(string(upid), ":"+suffix) {
			return err
		}
	}
	return nil
}

// ---- allocator and queue ----

// fakeAllocator hands out sequential vmids. ignoreInUse models a guest that
// appears on the hypervisor after the allocator looked.
type fakeAllocator struct {
	mu          sync.Mutex
	next        int
	ip          string
	err         error
	ignoreInUse bool
}

func (a *fakeAllocator) Reserve(ctx context.Context, req allocator.Request, persist func(allocator.Allocation) error) (*allocator.Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	for req.InUse != nil && !a.ignoreInUse {
		taken, err := req.InUse(ctx, a.next)
		if err != nil {
			return nil, err
		}
		if !taken {
			break
		}
		a.next++
	}
	alloc := allocator.Allocation{VMID: a.next, Bridge: "vmbr0"}
	if req.PoolID != "" {
		alloc.IP = a.ip
		alloc.PrefixLen = 24
		alloc.Gateway = "203.0.113.1"
		alloc.PoolID = req.PoolID
	}
	if err := persist(alloc); err != nil {
		return nil, err
	}
	a.next++
	return &alloc, nil
}

type fakeQueue struct {
	mu    sync.Mutex
	jobs  map[string]*queue.Job
	keys  map[string]string
	held  map[string]bool // claimed by another replica
	err   error
	clock clockwork.Clock
	seq   int
}

func newFakeQueue(clock clockwork.Clock) *fakeQueue {
	return &fakeQueue{jobs: map[string]*queue.Job{}, keys: map[string]string{}, held: map[string]bool{}, clock: clock}
}

func (q *fakeQueue) Enqueue(_ context.Context, key string, payload queue.Payload) (*queue.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, false, q.err
	}
	if q.held[key] {
		return nil, false, nil
	}
	if id, ok := q.keys[key]; ok {
		cp := *q.jobs[id]
		return &cp, false, nil
	}
	q.seq++
	job := &queue.Job{
		ID:         fmt.Sprintf("job-%d", q.seq),
		Queue:      payload.Queue(),
		Key:        key,
		Payload:    payload,
		State:      queue.StateQueued,
		EnqueuedAt: q.clock.Now(),
	}
	q.jobs[job.ID] = job
	q.keys[key] = job.ID
	cp := *job
	return &cp, true, nil
}

func (q *fakeQueue) Get(id string) (*queue.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

func (q *fakeQueue) Depth() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[string]int{}
	for _, job := range q.jobs {
		if job.State.Active() {
			out[string(job.Queue)]++
		}
	}
	return out
}

// drain hands every queued job to the router once and forgets its key, as
// the dispatcher does on completion.
func (q *fakeQueue) drain(ctx context.Context, r *JobRouter) []error {
	q.mu.Lock()
	var pending []*queue.Job
	for _, job := range q.jobs {
		if job.State == queue.StateQueued {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	q.mu.Unlock()

	var errs []error
	for _, job := range pending {
		var err error
		switch p := job.Payload.(type) {
		case queue.ProvisionPayload:
			err = r.HandleProvision(ctx, p)
		case queue.PowerPayload:
			err = r.HandlePower(ctx, p)
		case queue.SnapshotPayload:
			err = r.HandleSnapshot(ctx, p)
		}
		q.mu.Lock()
		job.Attempts++
		job.State = queue.StateSucceeded
		if err != nil {
			job.State = queue.StateFailed
			job.LastError = err.Error()
		}
		delete(q.keys, job.Key)
		q.mu.Unlock()
		errs = append(errs, err)
	}
	return errs
}

func (q *fakeQueue) payloads() []queue.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]queue.Payload, 0, len(ids))
	for _, id := range ids {
		out = append(out, q.jobs[id].Payload)
	}
	return out
}

// ---- fixture ----

type fixture struct {
	ctx       context.Context
	clock     *clockwork.FakeClock
	cfg       *config.Config
	instances *memInstances
	orders    *memOrders
	plans     memPlans
	subs      *memSubscriptions
	logs      *memLogs
	hv        *fakeHypervisor
	tasks     *fakeTasks
	alloc     *fakeAllocator
	jobs      *fakeQueue
	router    *JobRouter

	provision *ProvisionService
	power     *PowerService
	snapshot  *SnapshotService
	billing   *BillingService
	orderSvc  *OrderService
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sealer, err := NewSealer(testKeyHex)
	if err != nil {
		panic(err)
	}

	poolID := "pool-public"
	f := &fixture{
		ctx:   context.Background(),
		clock: clock,
		cfg: &config.Config{
			Proxmox: config.ProxmoxConfig{TaskTimeout: time.Minute},
			Billing: config.BillingConfig{GracePeriodDays: 3, DeletionPeriodDays: 30},
			Provision: config.ProvisionConfig{
				DefaultUser:   "root",
				NameserverIPs: "1.1.1.1",
				PrimaryDiskVM: "scsi0",
				PrimaryDiskCT: "rootfs",
				Storage:       "local-lvm",
				Bridge:        "vmbr0",
			},
			Stripe: config.StripeConfig{SuccessURL: "https://panel.test/ok", CancelURL: "https://panel.test/plans"},
		},
		instances: newMemInstances(),
		orders:    newMemOrders(),
		plans: memPlans{
			"plan-s": {
				ID: "plan-s", Name: "Small", Kind: models.GuestKindQEMU, Node: "pve1", TemplateID: 9000,
				CPUCores: 2, RAMMB: 4096, DiskGB: 80, BandwidthGB: 1000, PriceCents: 1200, Currency: "usd",
				PoolID: &poolID, StripePriceID: "price_small", Active: true,
			},
			"plan-snap": {
				ID: "plan-snap", Name: "Pro", Kind: models.GuestKindQEMU, Node: "pve1", TemplateID: 9000,
				CPUCores: 4, RAMMB: 8192, DiskGB: 160, PriceCents: 2400, Currency: "usd",
				SnapshotsEnabled: true, StripePriceID: "price_pro", Active: true,
			},
			"plan-ct": {
				ID: "plan-ct", Name: "Container", Kind: models.GuestKindLXC, Node: "pve2",
				OSTemplate: "local:vztmpl/debian-12.tar.zst", CPUCores: 1, RAMMB: 512, DiskGB: 8,
				PriceCents: 400, Currency: "usd", Active: true,
			},
		},
		subs:  newMemSubscriptions(),
		logs:  &memLogs{},
		hv:    newFakeHypervisor(),
		tasks: &fakeTasks{fail: map[string]error{}},
		alloc: &fakeAllocator{next: 1000, ip: "203.0.113.10"},
	}
	f.jobs = newFakeQueue(clock)

	deps := Deps{
		Config:        f.cfg,
		Orders:        f.orders,
		Instances:     f.instances,
		Plans:         f.plans,
		Subscriptions: f.subs,
		Logs:          f.logs,
		Hypervisor:    f.hv,
		Tasks:         f.tasks,
		Allocator:     f.alloc,
		Jobs:          f.jobs,
		Sealer:        sealer,
		Clock:         clock,
	}
	f.provision = NewProvisionService(deps)
	f.power = NewPowerService(deps)
	f.snapshot = NewSnapshotService(deps)
	f.billing = NewBillingService(deps, f.provision)
	f.orderSvc = NewOrderService(deps)
	f.router = &JobRouter{}
	f.router.Bind(f.provision, f.power, f.snapshot)
	return f
}

// addInstance seeds a provisioned instance for a customer.
func (f *fixture) addInstance(id, customerID, planID string, vmid int, status models.InstanceStatus) *models.Instance {
	now := f.clock.Now()
	inst := &models.Instance{
		ID: id, VMID: vmid, Kind: models.GuestKindQEMU, Hostname: id, Node: "pve1",
		CustomerID: customerID, OrderID: "order-" + id, PlanID: planID,
		CPUCores: 2, RAMMB: 2048, DiskGB: 40, Bridge: "vmbr0",
		Status: status, CreatedAt: now, UpdatedAt: now,
	}
	f.instances.put(inst)
	if status == models.InstanceRunning || status == models.InstanceStopped {
		f.hv.setGuest(vmid, string(status))
	}
	return inst
}

func (f *fixture) addSubscription(customerID, stripeCustomerID string, status models.SubscriptionStatus) {
	now := f.clock.Now()
	_ = f.subs.Upsert(f.ctx, &models.Subscription{
		CustomerID: customerID, StripeCustomerID: stripeCustomerID, Status: status,
		CreatedAt: now, UpdatedAt: now,
	})
}
