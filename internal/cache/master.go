package cache

import (
	"sync"

	"github.com/drape/core/internal/domain"
)

// MasterElector tracks the fleet's cache-master VMs and elects the one
// with the smallest machine_id (§4.3: "a stable rule"). It implements
// MasterLocator for Restorer.
type MasterElector struct {
	mu       sync.RWMutex
	machines map[string]*domain.VM
	current  *domain.VM
}

func NewMasterElector() *MasterElector {
	return &MasterElector{machines: make(map[string]*domain.VM)}
}

// Observe registers or updates a cache-master candidate's health state
// and re-runs the election.
func (e *MasterElector) Observe(vm *domain.VM) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.machines[vm.MachineID] = vm
	e.elect()
}

// Forget removes a candidate (e.g. on destruction).
func (e *MasterElector) Forget(machineID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.machines, machineID)
	e.elect()
}

// elect must be called with mu held; picks the smallest machine_id
// among healthy candidates.
func (e *MasterElector) elect() {
	var best *domain.VM
	for _, vm := range e.machines {
		vm.RLock()
		healthy := !vm.LastHealthOK.IsZero()
		vm.RUnlock()
		if !healthy {
			continue
		}
		if best == nil || vm.MachineID < best.MachineID {
			best = vm
		}
	}
	e.current = best
}

// Current returns the elected cache master, or nil if none is healthy.
func (e *MasterElector) Current() *domain.VM {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}
