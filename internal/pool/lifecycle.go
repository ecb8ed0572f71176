package pool

import (
	"context"
	"strings"
	"time"

	"github.com/drape/core/internal/domain"
	"github.com/drape/core/internal/logging"
	"github.com/drape/core/internal/metrics"
)

// poolNamePrefix is the naming convention adoption filters on (§4.4).
const poolNamePrefix = "pool-"

// Adopt implements §4.4 "Adoption": on startup, list provider machines,
// filter by the pool-* naming convention, probe health on each, and
// admit healthy ones to the available queue. Unhealthy pool-tagged
// machines are scheduled for destruction. Cache-master VMs are never
// admitted (they are never named pool-*).
func (p *Pool) Adopt(ctx context.Context) error {
	machines, err := p.provider.ListMachines(ctx)
	if err != nil {
		return err
	}
	for _, m := range machines {
		if !strings.HasPrefix(m.Name, poolNamePrefix) {
			// machine_id is opaque and provider-assigned (§3); only Name is
			// the caller-supplied "pool-<ts>" value createVM used, so it's
			// the only field adoption can reliably filter on.
			continue
		}
		vm := &domain.VM{MachineID: m.MachineID, Role: domain.RolePoolMember, State: domain.VMHealthChecking, CreatedAt: time.Now()}
		if p.healthGate(ctx, vm) {
			vm.State = domain.VMAvailable
			p.pushTail(vm)
		} else {
			p.reapAsync(vm)
		}
	}
	return nil
}

// RunBackground starts the replenishment and pool-gauge goroutines; they
// stop when Shutdown is called or ctx is cancelled.
func (p *Pool) RunBackground(ctx context.Context) {
	p.wg.Add(2)
	go p.replenishLoop(ctx)
	go p.metricsLoop(ctx)
}

// replenishLoop implements §4.4 "Replenishment": every ReplenishEvery
// (default 60s), while available+replenishing < target and
// available+in-use < max, create one VM, health-gate it, and push it
// to the tail of the available queue.
func (p *Pool) replenishLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := p.cfg.ReplenishEvery
	if interval <= 0 {
		interval = 60 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			p.replenishOnce(ctx)
		}
	}
}

func (p *Pool) replenishOnce(ctx context.Context) {
	for {
		p.mu.Lock()
		avail, inUse, repl := len(p.available), len(p.inUse), p.replenishing
		need := avail+repl < p.cfg.Target && avail+inUse < p.cfg.Max
		p.mu.Unlock()
		if !need {
			return
		}
		vm, err := p.createVM(ctx)
		if err != nil {
			logging.Op().Warn("pool: replenish failed", "err", err)
			return
		}
		p.pushTail(vm)
	}
}

// metricsLoop periodically publishes pool gauges (§C9).
func (p *Pool) metricsLoop(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			m := metrics.Current()
			if m == nil {
				continue
			}
			s := p.Stats()
			m.PoolAvailable.Set(float64(s.Available))
			m.PoolInUse.Set(float64(s.InUse))
			m.PoolReplenishing.Set(float64(s.Replenishing))
		}
	}
}
