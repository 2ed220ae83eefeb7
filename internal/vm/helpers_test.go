package vm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/metalvisor/metalvisor/internal/addrspace"
	"github.com/metalvisor/metalvisor/internal/config"
	"github.com/metalvisor/metalvisor/internal/cpu"
	"github.com/metalvisor/metalvisor/internal/timeout"
	"github.com/metalvisor/metalvisor/internal/vcpu"
)

const (
	uuidPre     = "00000000-0000-0000-0000-000000000001"
	uuidService = "00000000-0000-0000-0000-000000000002"
	uuidPost    = "00000000-0000-0000-0000-000000000003"
)

// testScenario builds a three-VM partitioning: a pre-launched partition on
// core 0, the service VM on core 1, and a post-launched VM on cores 2 and 3
// whose flags the caller picks.
func testScenario(t *testing.T, postFlags ...string) *config.Scenario {
	t.Helper()
	s := &config.Scenario{
		Platform: config.Platform{
			NumCores: 4,
			Memory: []config.MemoryRegion{
				{Base: 0x0, Length: 0x20000000, Type: "ram"},
				{Base: 0x20000000, Length: 0x100000, Type: "reserved"},
				{Base: 0x20100000, Length: 0x1ff00000, Type: "ram"},
			},
			HypervisorStart: 0x1000000,
			HypervisorSize:  0x2000000,
			EPC: []config.EPCSection{
				{Base: 0xa000000, Size: 0x400000},
			},
		},
		VMs: []config.VMConfig{
			{
				ID:            0,
				Name:          "partition",
				LoadOrderName: "pre-launched",
				UUIDText:      uuidPre,
				Memory:        config.MemoryConfig{StartHPA: 0x30000000, Size: 0x8000000},
				VCPUAffinity:  []uint64{0x1},
			},
			{
				ID:            1,
				Name:          "service",
				LoadOrderName: "service-os",
				UUIDText:      uuidService,
				VCPUAffinity:  []uint64{0x2},
			},
			{
				ID:            2,
				Name:          "guest",
				LoadOrderName: "post-launched",
				UUIDText:      uuidPost,
				FlagNames:     postFlags,
				VCPUAffinity:  []uint64{0x4, 0x8},
			},
		},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("test scenario invalid: %s", err)
	}
	return s
}

type rootDirective struct {
	Op        string
	HostBase  uint64
	GuestBase uint64
	Length    uint64
	Attr      addrspace.Attr
}

// fakeRoot records the directive stream issued against one VM's address
// space.
type fakeRoot struct {
	mu         sync.Mutex
	directives []rootDirective
	destroys   int
	failAdd    bool
}

func (r *fakeRoot) Add(ctx context.Context, hostBase, guestBase, length uint64, attr addrspace.Attr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAdd {
		return errors.New("mapping directive refused")
	}
	r.directives = append(r.directives, rootDirective{
		Op: "add", HostBase: hostBase, GuestBase: guestBase, Length: length, Attr: attr,
	})
	return nil
}

func (r *fakeRoot) Modify(ctx context.Context, base, length uint64, attr, mask addrspace.Attr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directives = append(r.directives, rootDirective{Op: "modify", GuestBase: base, Length: length, Attr: attr})
	return nil
}

func (r *fakeRoot) Remove(ctx context.Context, base, length uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directives = append(r.directives, rootDirective{Op: "remove", GuestBase: base, Length: length})
	return nil
}

func (r *fakeRoot) Destroy(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroys++
	return nil
}

func (r *fakeRoot) removed(start, length uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.directives {
		if d.Op == "remove" && d.GuestBase == start && d.Length == length {
			return true
		}
	}
	return false
}

type fakeRoots struct {
	mu      sync.Mutex
	roots   map[uint16]*fakeRoot
	fail    bool
	failAdd bool
}

func (p *fakeRoots) NewRoot(ctx context.Context, vmID uint16) (addrspace.Root, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, errors.New("no translation storage")
	}
	if p.roots == nil {
		p.roots = map[uint16]*fakeRoot{}
	}
	r := &fakeRoot{failAdd: p.failAdd}
	p.roots[vmID] = r
	return r, nil
}

func (p *fakeRoots) root(t *testing.T, vmID uint16) *fakeRoot {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.roots[vmID]
	if !ok {
		t.Fatalf("no root handed out for vm %d", vmID)
	}
	return r
}

// fakeVCPUOps counts the architectural primitive calls.
type fakeVCPUOps struct {
	mu        sync.Mutex
	creates   int
	resets    int
	inits     int
	schedules int

	// failCreateAt fails the nth Create call, counted from zero; -1
	// disables it.
	failCreateAt int
}

func newFakeVCPUOps() *fakeVCPUOps {
	return &fakeVCPUOps{failCreateAt: -1}
}

func (o *fakeVCPUOps) Create(ctx context.Context, v *vcpu.VCPU) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failCreateAt == o.creates {
		return errors.New("no vcpu slots left")
	}
	o.creates++
	return nil
}

func (o *fakeVCPUOps) Reset(ctx context.Context, v *vcpu.VCPU) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets++
	return nil
}

func (o *fakeVCPUOps) InitControls(ctx context.Context, v *vcpu.VCPU) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inits++
	return nil
}

func (o *fakeVCPUOps) Schedule(ctx context.Context, v *vcpu.VCPU) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.schedules++
	return nil
}

// coreSignaler stands in for the per-core scheduling loops: a kicked core
// consumes its pending requests and acknowledges them, unless deaf.
type coreSignaler struct {
	mu    sync.Mutex
	coord *cpu.Coordinator
	kicks []uint16
	deaf  bool
}

func (s *coreSignaler) Kick(coreID uint16) {
	s.mu.Lock()
	s.kicks = append(s.kicks, coreID)
	deaf := s.deaf
	s.mu.Unlock()
	if deaf {
		return
	}
	go func() {
		if s.coord.OfflinePending(coreID) {
			s.coord.AckOffline(coreID)
		}
		if s.coord.OnlinePending(coreID) {
			s.coord.AckOnline(coreID)
		}
	}()
}

type countingHook struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (h *countingHook) bump() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("collaborator refused")
	}
	h.calls++
	return nil
}

func (h *countingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fakeDevices struct{ inits, deinits countingHook }

func (d *fakeDevices) Init(ctx context.Context, vm *VM) error   { return d.inits.bump() }
func (d *fakeDevices) Deinit(ctx context.Context, vm *VM) error { return d.deinits.bump() }

type fakeSecureWorld struct {
	base     uint64
	destroys countingHook
	wiped    bool
}

func (s *fakeSecureWorld) MemoryBase(vmID uint16) uint64 { return s.base }
func (s *fakeSecureWorld) Destroy(ctx context.Context, vm *VM, wipeMemory bool) error {
	s.wiped = wipeMemory
	return s.destroys.bump()
}

type fakeLoader struct{ loads countingHook }

func (l *fakeLoader) Load(ctx context.Context, vm *VM) error { return l.loads.bump() }

type fakeBootInfo struct{ inits countingHook }

func (b *fakeBootInfo) Init(ctx context.Context, vm *VM) error { return b.inits.bump() }

type fakeIORequests struct{ resets countingHook }

func (c *fakeIORequests) Reset(ctx context.Context, vm *VM) error { return c.resets.bump() }

type fakeInterrupts struct{ resets countingHook }

func (c *fakeInterrupts) Reset(ctx context.Context, vm *VM) error { return c.resets.bump() }

type fakePassthrough struct{ releases countingHook }

func (p *fakePassthrough) ReleaseAll(ctx context.Context, vm *VM) error { return p.releases.bump() }

type fakeIOMMU struct{ destroys countingHook }

func (p *fakeIOMMU) DestroyDomain(ctx context.Context, vm *VM) error { return p.destroys.bump() }

// env bundles one manager with every fake collaborator behind it.
type env struct {
	mgr         *Manager
	scenario    *config.Scenario
	roots       *fakeRoots
	ops         *fakeVCPUOps
	cores       *cpu.Coordinator
	sig         *coreSignaler
	devices     *fakeDevices
	sworld      *fakeSecureWorld
	loader      *fakeLoader
	bootInfo    *fakeBootInfo
	iorequests  *fakeIORequests
	interrupts  *fakeInterrupts
	passthrough *fakePassthrough
	iommu       *fakeIOMMU
}

func newTestEnv(t *testing.T, postFlags ...string) *env {
	t.Helper()

	e := &env{
		scenario:    testScenario(t, postFlags...),
		roots:       &fakeRoots{},
		ops:         newFakeVCPUOps(),
		sig:         &coreSignaler{},
		devices:     &fakeDevices{},
		sworld:      &fakeSecureWorld{base: 0x3c000000},
		loader:      &fakeLoader{},
		bootInfo:    &fakeBootInfo{},
		iorequests:  &fakeIORequests{},
		interrupts:  &fakeInterrupts{},
		passthrough: &fakePassthrough{},
		iommu:       &fakeIOMMU{},
	}
	e.cores = cpu.New(e.scenario.Platform.NumCores, func() uint16 { return 0 }, e.sig)
	e.sig.coord = e.cores

	mgr, err := NewManager(e.scenario, Collaborators{
		Roots:       e.roots,
		VCPU:        e.ops,
		Cores:       e.cores,
		Devices:     e.devices,
		SecureWorld: e.sworld,
		Loader:      e.loader,
		BootInfo:    e.bootInfo,
		IORequests:  e.iorequests,
		Interrupts:  e.interrupts,
		Passthrough: e.passthrough,
		IOMMU:       e.iommu,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	e.mgr = mgr
	return e
}

func (e *env) create(t *testing.T, id uint16) *VM {
	t.Helper()
	vm, err := e.mgr.Create(context.Background(), id)
	if err != nil {
		t.Fatalf("create vm %d: %s", id, err)
	}
	return vm
}

func (e *env) createStarted(t *testing.T, id uint16) *VM {
	t.Helper()
	vm := e.create(t, id)
	if err := e.mgr.Start(context.Background(), vm); err != nil {
		t.Fatalf("start vm %d: %s", id, err)
	}
	return vm
}

func shortCoreTimeouts(t *testing.T) {
	t.Helper()
	savedOffline, savedOnline := timeout.CoreOffline, timeout.CoreOnline
	timeout.CoreOffline = 50 * time.Millisecond
	timeout.CoreOnline = 50 * time.Millisecond
	t.Cleanup(func() {
		timeout.CoreOffline = savedOffline
		timeout.CoreOnline = savedOnline
	})
}
