// Package allocator hands out VMIDs and IP addresses for new instances.
package allocator

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
)

// Store is the persistence the allocator reads under its lock.
type Store interface {
	// MaxVMID returns the highest vmid ever recorded for a kind, soft-deleted
	// rows included, or 0 when there are none.
	MaxVMID(ctx context.Context, kind models.GuestKind) (int, error)
	GetIPPool(ctx context.Context, id string) (*models.IPPool, error)
	// BoundIPs returns the addresses held by instances that are not deleted.
	BoundIPs(ctx context.Context) ([]string, error)
}

// maxVMID is the largest id Proxmox accepts.
const maxVMID = 999999999

// Request asks for a vmid and, when PoolID is set, an address from that pool.
// InUse, when set, is asked about each candidate vmid; ids it reports as taken
// are skipped and never handed out.
type Request struct {
	Kind   models.GuestKind
	PoolID string
	InUse  func(ctx context.Context, vmid int) (bool, error)
}

// Allocation is a reserved vmid plus network settings. IP is empty when the
// request had no pool; the guest then uses DHCP.
type Allocation struct {
	VMID      int
	IP        string
	PrefixLen int
	Gateway   string
	Bridge    string
	VLANTag   *int
	PoolID    string
}

// CIDR returns the address in ip/prefix form, or "" without an address.
func (a *Allocation) CIDR() string {
	if a.IP == "" {
		return ""
	}
	return fmt.Sprintf("%s/%d", a.IP, a.PrefixLen)
}

// Allocator serializes allocations. The persist callback runs while the lock
// is held so two callers can never observe the same free vmid or address.
//
// Each kind owns the ids from its floor up to the next higher floor, so the
// ranges never overlap. Kinds configured with the same floor share one range.
type Allocator struct {
	mu        sync.Mutex
	store     Store
	floors    map[models.GuestKind]int
	highWater map[int]int // keyed by range floor
	bridge    string
}

// New creates an allocator. floors maps each guest kind to its lowest vmid;
// defaultBridge is used when a request has no pool.
func New(store Store, floors map[models.GuestKind]int, defaultBridge string) *Allocator {
	f := make(map[models.GuestKind]int, len(floors))
	for k, v := range floors {
		f[k] = v
	}
	if defaultBridge == "" {
		defaultBridge = "vmbr0"
	}
	return &Allocator{
		store:     store,
		floors:    f,
		highWater: make(map[int]int),
		bridge:    defaultBridge,
	}
}

// Reserve picks the next vmid and a free address and calls persist with
// them before releasing the lock. If persist fails nothing is reserved.
func (a *Allocator) Reserve(ctx context.Context, req Request, persist func(Allocation) error) (*Allocation, error) {
	if req.Kind != models.GuestKindQEMU && req.Kind != models.GuestKindLXC {
		return nil, apperr.Validation("kind", "unsupported guest kind %q", req.Kind)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	vmid, err := a.nextVMID(ctx, req)
	if err != nil {
		return nil, err
	}

	alloc := Allocation{VMID: vmid, Bridge: a.bridge}
	if req.PoolID != "" {
		if err := a.pickAddress(ctx, req.PoolID, &alloc); err != nil {
			return nil, err
		}
	}

	if persist != nil {
		if err := persist(alloc); err != nil {
			return nil, fmt.Errorf("persist allocation: %w", err)
		}
	}
	floor, _ := a.vmidRange(req.Kind)
	a.highWater[floor] = vmid

	log.Debug().
		Str("kind", string(req.Kind)).
		Int("vmid", vmid).
		Str("ip", alloc.IP).
		Msg("Reserved instance resources")

	return &alloc, nil
}

func (a *Allocator) nextVMID(ctx context.Context, req Request) (int, error) {
	floor, ceiling := a.vmidRange(req.Kind)

	next := floor
	for _, kind := range guestKinds {
		if f, _ := a.vmidRange(kind); f != floor {
			continue
		}
		maxExisting, err := a.store.MaxVMID(ctx, kind)
		if err != nil {
			return 0, fmt.Errorf("read max vmid: %w", err)
		}
		if maxExisting+1 > next {
			next = maxExisting + 1
		}
	}
	if hw := a.highWater[floor] + 1; hw > next {
		next = hw
	}

	for ; next <= ceiling; next++ {
		if req.InUse == nil {
			return next, nil
		}
		taken, err := req.InUse(ctx, next)
		if err != nil {
			return 0, fmt.Errorf("check vmid %d: %w", next, err)
		}
		if !taken {
			return next, nil
		}
		log.Warn().Int("vmid", next).Str("kind", string(req.Kind)).Msg("VMID already used on the hypervisor, skipping")
		a.highWater[floor] = next
	}
	return 0, fmt.Errorf("%w: %s ids %d-%d", apperr.ErrVMIDExhausted, req.Kind, floor, ceiling)
}

var guestKinds = []models.GuestKind{models.GuestKindQEMU, models.GuestKindLXC}

// vmidRange returns the inclusive id range owned by kind.
func (a *Allocator) vmidRange(kind models.GuestKind) (int, int) {
	floor := max(a.floors[kind], 1)
	ceiling := maxVMID
	for _, k := range guestKinds {
		if f := max(a.floors[k], 1); f > floor && f-1 < ceiling {
			ceiling = f - 1
		}
	}
	return floor, ceiling
}

func (a *Allocator) pickAddress(ctx context.Context, poolID string, alloc *Allocation) error {
	pool, err := a.store.GetIPPool(ctx, poolID)
	if err != nil {
		return fmt.Errorf("load ip pool %s: %w", poolID, err)
	}
	if !pool.Active {
		return apperr.Validation("pool_id", "ip pool %s is not active", pool.Name)
	}

	prefix, err := netip.ParsePrefix(pool.CIDR)
	if err != nil {
		return apperr.Validation("cidr", "ip pool %s has invalid cidr %q", pool.Name, pool.CIDR)
	}
	start, err := netip.ParseAddr(pool.StartIP)
	if err != nil {
		return apperr.Validation("start_ip", "ip pool %s has invalid start address", pool.Name)
	}
	end, err := netip.ParseAddr(pool.EndIP)
	if err != nil {
		return apperr.Validation("end_ip", "ip pool %s has invalid end address", pool.Name)
	}
	var gateway netip.Addr
	if pool.Gateway != "" {
		if gateway, err = netip.ParseAddr(pool.Gateway); err != nil {
			return apperr.Validation("gateway", "ip pool %s has invalid gateway", pool.Name)
		}
	}

	bound, err := a.store.BoundIPs(ctx)
	if err != nil {
		return fmt.Errorf("read bound addresses: %w", err)
	}
	taken := make(map[netip.Addr]struct{}, len(bound))
	for _, s := range bound {
		if addr, err := netip.ParseAddr(s); err == nil {
			taken[addr] = struct{}{}
		}
	}

	for addr := start; addr.IsValid() && addr.Compare(end) <= 0; addr = addr.Next() {
		if !prefix.Contains(addr) || addr == gateway {
			continue
		}
		if _, ok := taken[addr]; ok {
			continue
		}
		alloc.IP = addr.String()
		alloc.PrefixLen = prefix.Bits()
		alloc.Gateway = pool.Gateway
		if pool.Bridge != "" {
			alloc.Bridge = pool.Bridge
		}
		alloc.VLANTag = pool.VLANTag
		alloc.PoolID = pool.ID
		return nil
	}

	return fmt.Errorf("%w: %s", apperr.ErrPoolExhausted, pool.Name)
}
