// Package pool implements the VM Pool (C4): a warm pool of machines
// sized between min and max, allocation with health-gated adoption,
// release with cleanup, background replenishment, and reaping of
// failed VMs.
//
// # Topology
//
// The pool keeps three disjoint collections: an available FIFO queue
// (health-checked within the last 30s), an in-use map keyed by
// machine_id, and a replenishing counter tracking cold starts in
// flight. §8 requires that any VM appear in at most one of
// {available, in-use, replenishing, destroying} at any instant; every
// mutation here happens under a single mutex to uphold that.
//
// # Concurrency
//
// acquire/release are serialised on one mutex (§5: "the pool's
// acquire/release operations are serialised on a single mutex"). Cold
// starts triggered by concurrent acquire calls for the same project are
// deduplicated via singleflight so a double-submit does not create two
// machines for one project. Replenishment and gauge publishing are
// independent background goroutines with their own tickers, stopped via
// a shared done channel at shutdown; failed VMs are reaped one by one in
// their own goroutines as they are found.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/drape/core/internal/agentproto"
	"github.com/drape/core/internal/coreerr"
	"github.com/drape/core/internal/domain"
	"github.com/drape/core/internal/logging"
	"github.com/drape/core/internal/metrics"
)

// Provider is the subset of internal/providerclient.Client the pool
// needs: machine lifecycle plus the Agent health probe.
type Provider interface {
	CreateMachine(ctx context.Context, name, image, region string, env map[string]string, res ProviderResources) (machineID string, err error)
	StartMachine(ctx context.Context, machineID string) error
	DestroyMachine(ctx context.Context, machineID string) error
	ListMachines(ctx context.Context) ([]ProviderMachine, error)
	Health(ctx context.Context, vm *domain.VM) (*agentproto.HealthResponse, error)
}

// ProviderResources mirrors providerclient.Resources without importing
// that package, keeping internal/pool independent of the HTTP transport
// concerns in internal/providerclient.
type ProviderResources struct {
	CPUCores int
	MemoryMB int
}

// ProviderMachine mirrors providerclient.Machine for adoption (§4.4).
// Name is the caller-supplied value passed to CreateMachine (e.g.
// "pool-<ts>") — MachineID is opaque and provider-assigned (§3), so
// adoption filters on Name, never on MachineID.
type ProviderMachine struct {
	MachineID string
	Name      string
	State     string
}

// Config holds the pool's tunables (§4.4; defaults in internal/config).
type Config struct {
	Target          int
	Min             int
	Max             int
	MaxAge          time.Duration
	ReplenishEvery  time.Duration
	HealthFreshness time.Duration
	MaxModulesBytes int64
	Image           string
	Region          string
}

// Pool is the VM Pool (C4).
type Pool struct {
	cfg      Config
	provider Provider

	mu          sync.Mutex
	available   []*domain.VM // FIFO: index 0 is head (oldest)
	inUse       map[string]*domain.VM
	replenishing int
	markedForRelease map[string]bool

	group singleflight.Group

	recorder MetricsRecorder

	done chan struct{}
	wg   sync.WaitGroup
}

// MetricsRecorder is satisfied by internal/observability.MetricsFlusher;
// durably records pool hit-rate samples for the `/metrics/stats`
// history (§4.9), alongside the in-process Prometheus counters above.
type MetricsRecorder interface {
	Record(name string, value float64, labels map[string]string)
}

// SetMetricsRecorder attaches the durable metrics sink. Safe to leave
// unset; recording is a no-op until called.
func (p *Pool) SetMetricsRecorder(r MetricsRecorder) { p.recorder = r }

func (p *Pool) recordSample(name string, value float64, labels map[string]string) {
	if p.recorder != nil {
		p.recorder.Record(name, value, labels)
	}
}

// New constructs a Pool. Callers should call Adopt once at startup and
// RunBackground to start replenishment and gauge publishing.
func New(cfg Config, provider Provider) *Pool {
	return &Pool{
		cfg:              cfg,
		provider:         provider,
		inUse:            make(map[string]*domain.VM),
		markedForRelease: make(map[string]bool),
		done:             make(chan struct{}),
	}
}

// Stats is the §6 /health response shape's pool sub-object.
type Stats struct {
	Available    int `json:"available"`
	InUse        int `json:"in_use"`
	Replenishing int `json:"replenishing"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Available: len(p.available), InUse: len(p.inUse), Replenishing: p.replenishing}
}

// InUseVMs implements observability.InUseLister.
func (p *Pool) InUseVMs() []*domain.VM {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*domain.VM, 0, len(p.inUse))
	for _, vm := range p.inUse {
		out = append(out, vm)
	}
	return out
}

// MarkForRelease flags an in-use VM for release at the next safe point
// (§4.9 resource monitor).
func (p *Pool) MarkForRelease(machineID string) {
	p.mu.Lock()
	p.markedForRelease[machineID] = true
	p.mu.Unlock()
}

// IsMarkedForRelease reports whether the resource monitor has flagged
// an in-use VM for release at the next safe point (§4.9). Callers
// driving a multi-step pipeline (internal/orchestrator) check this
// between steps and force a release via Release(outcome=OutcomeFailed)
// rather than waiting for the session to reach its own terminal state.
func (p *Pool) IsMarkedForRelease(machineID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.markedForRelease[machineID]
}

// Acquire implements §4.4 "Allocation": pop the head of the available
// queue, probe health once, retry on failure, and create a new VM
// synchronously if the queue is empty. Concurrent acquires for the same
// project are deduplicated via singleflight so a double-submitted start
// request creates at most one cold VM.
func (p *Pool) Acquire(ctx context.Context, projectID string) (*domain.VM, error) {
	v, err, _ := p.group.Do(projectID, func() (any, error) {
		return p.acquireOnce(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.VM), nil
}

func (p *Pool) acquireOnce(ctx context.Context, projectID string) (*domain.VM, error) {
	for {
		vm := p.popHead()
		if vm == nil {
			break
		}
		if p.healthGate(ctx, vm) {
			vm.Bind(projectID)
			p.mu.Lock()
			p.inUse[vm.MachineID] = vm
			p.mu.Unlock()
			if m := metrics.Current(); m != nil {
				m.PoolAcquireTotal.WithLabelValues("warm").Inc()
			}
			p.recordSample("pool_acquire_total", 1, map[string]string{"outcome": "warm"})
			return vm, nil
		}
		// Failed health check: reap asynchronously, try next.
		p.reapAsync(vm)
	}

	// Queue empty: create synchronously (§4.4).
	vm, err := p.createVM(ctx)
	if err != nil {
		if m := metrics.Current(); m != nil {
			m.PoolAcquireTotal.WithLabelValues("exhausted").Inc()
		}
		p.recordSample("pool_acquire_total", 1, map[string]string{"outcome": "exhausted"})
		return nil, err
	}
	vm.Bind(projectID)
	p.mu.Lock()
	p.inUse[vm.MachineID] = vm
	p.mu.Unlock()
	if m := metrics.Current(); m != nil {
		m.PoolAcquireTotal.WithLabelValues("cold").Inc()
	}
	p.recordSample("pool_acquire_total", 1, map[string]string{"outcome": "cold"})
	return vm, nil
}

// popHead removes and returns the oldest entry of the available queue,
// or nil if empty.
func (p *Pool) popHead() *domain.VM {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.available) == 0 {
		return nil
	}
	vm := p.available[0]
	p.available = p.available[1:]
	return vm
}

// pushTail returns a VM to the tail of the available queue (§4.4:
// "release returns a VM to the tail of the queue so freshly-used VMs
// cool down before reuse").
func (p *Pool) pushTail(vm *domain.VM) {
	p.mu.Lock()
	p.available = append(p.available, vm)
	p.mu.Unlock()
}

// healthGate probes /health with a 3s timeout and records the result.
func (p *Pool) healthGate(ctx context.Context, vm *domain.VM) bool {
	hctx, cancel := context.WithTimeout(ctx, agentproto.HealthTimeout)
	defer cancel()
	_, err := p.provider.Health(hctx, vm)
	if err != nil {
		return false
	}
	vm.MarkHealthy(time.Now())
	return true
}

func (p *Pool) reapAsync(vm *domain.VM) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.provider.DestroyMachine(ctx, vm.MachineID); err != nil {
			logging.Op().Warn("pool: reap destroy failed", "machine_id", vm.MachineID, "err", err)
		}
	}()
}

// createVM creates, starts, and health-gates a new pool-member VM,
// following the teacher's create→health-check pipeline (§4.4 state
// diagram: creating -> health-checking -> available).
func (p *Pool) createVM(ctx context.Context) (*domain.VM, error) {
	p.mu.Lock()
	p.replenishing++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.replenishing--
		p.mu.Unlock()
	}()

	name := fmt.Sprintf("pool-%d", time.Now().UnixNano())
	machineID, err := p.provider.CreateMachine(ctx, name, p.cfg.Image, p.cfg.Region, nil, ProviderResources{})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ProviderAPI, "create pool vm", err)
	}
	if err := p.provider.StartMachine(ctx, machineID); err != nil {
		return nil, coreerr.Wrap(coreerr.ProviderAPI, "start pool vm", err)
	}

	vm := &domain.VM{
		MachineID: machineID,
		Role:      domain.RolePoolMember,
		State:     domain.VMHealthChecking,
		CreatedAt: time.Now(),
	}
	if !p.healthGate(ctx, vm) {
		p.reapAsync(vm)
		return nil, coreerr.New(coreerr.AgentUnhealthy, "newly created vm failed health check")
	}
	vm.State = domain.VMAvailable
	return vm, nil
}

// Outcome describes how a preview session ended, driving the §4.4
// release policy and §9's resolved "VM return-to-pool" open question.
type Outcome int

const (
	OutcomeReady     Outcome = iota // session reached ready
	OutcomeCancelled
	OutcomeFailed // any failed terminal state
)

// ModulesProbe is satisfied by internal/orchestrator's Agent-backed
// modulesProbe, used to determine whether node_modules is small enough
// to preserve.
type ModulesProbe interface {
	NodeModulesBytes(ctx context.Context, vm *domain.VM) (int64, error)
	WipeProjectExceptModules(ctx context.Context, vm *domain.VM) error
	WipeProjectEntirely(ctx context.Context, vm *domain.VM) error
}

// Release implements §4.4 "Release": a failed session always destroys
// the VM (§9 open question resolution); a ready/cancelled session gets
// cleaned (preserving node_modules when small enough) and returned to
// the tail of the available queue, unless cleanup fails or max_age is
// exceeded, in which case it is destroyed instead.
func (p *Pool) Release(ctx context.Context, vm *domain.VM, outcome Outcome, modules ModulesProbe) {
	p.mu.Lock()
	delete(p.inUse, vm.MachineID)
	delete(p.markedForRelease, vm.MachineID)
	p.mu.Unlock()

	if outcome == OutcomeFailed {
		vm.Unbind()
		p.reapAsync(vm)
		return
	}

	if time.Since(vm.CreatedAt) > p.cfg.MaxAge {
		vm.Unbind()
		p.reapAsync(vm)
		return
	}

	if err := p.cleanup(ctx, vm, modules); err != nil {
		logging.Op().Warn("pool: cleanup failed, destroying", "machine_id", vm.MachineID, "err", err)
		vm.Unbind()
		p.reapAsync(vm)
		return
	}

	vm.Unbind()
	vm.State = domain.VMAvailable
	p.pushTail(vm)
}

func (p *Pool) cleanup(ctx context.Context, vm *domain.VM, modules ModulesProbe) error {
	if modules == nil {
		return nil
	}
	vm.State = domain.VMCleaning
	size, err := modules.NodeModulesBytes(ctx, vm)
	if err != nil {
		return err
	}
	if size > 0 && size < p.cfg.MaxModulesBytes {
		return modules.WipeProjectExceptModules(ctx, vm)
	}
	return modules.WipeProjectEntirely(ctx, vm)
}

// Shutdown stops background tasks and waits for in-flight reaps.
func (p *Pool) Shutdown() {
	close(p.done)
	p.wg.Wait()
}
