package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/drape/core/internal/domain"
	"github.com/drape/core/internal/logging"
)

// Execer is the narrow slice of the provider client the resource monitor
// needs; internal/providerclient.Client satisfies it. Declared here
// rather than imported to avoid an observability→providerclient→
// observability cycle (the provider client emits spans via Tracer).
type Execer interface {
	Exec(ctx context.Context, vm *domain.VM, command []string, timeout time.Duration) (stdout string, exitCode int, err error)
}

// InUseLister is satisfied by internal/pool.Pool.
type InUseLister interface {
	InUseVMs() []*domain.VM
	MarkForRelease(machineID string)
}

// ResourceMonitor implements §4.9's "every 5 min, query each in-use VM
// for memory and disk utilisation" check.
type ResourceMonitor struct {
	exec     Execer
	pool     InUseLister
	interval time.Duration
	memPct   float64
	diskPct  float64
}

// NewResourceMonitor builds a monitor with the spec's default 90%/85%
// thresholds and 5-minute interval.
func NewResourceMonitor(exec Execer, pool InUseLister) *ResourceMonitor {
	return &ResourceMonitor{exec: exec, pool: pool, interval: 5 * time.Minute, memPct: 90, diskPct: 85}
}

// Run blocks, ticking until ctx is cancelled.
func (m *ResourceMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep(ctx)
		}
	}
}

func (m *ResourceMonitor) sweep(ctx context.Context) {
	for _, vm := range m.pool.InUseVMs() {
		mem, disk, err := m.probe(ctx, vm)
		if err != nil {
			logging.Op().Warn("resource monitor probe failed", "machine_id", vm.MachineID, "err", err)
			continue
		}
		if mem >= m.memPct || disk >= m.diskPct {
			logging.Op().Info("resource monitor flagged vm for release",
				"machine_id", vm.MachineID, "mem_pct", mem, "disk_pct", disk)
			m.pool.MarkForRelease(vm.MachineID)
		}
	}
}

// probe runs a small shell pipeline inside the VM via /exec and parses
// percentage used for memory and the project root's filesystem.
func (m *ResourceMonitor) probe(ctx context.Context, vm *domain.VM) (memPct, diskPct float64, err error) {
	cmd := []string{"sh", "-c", "free | awk '/Mem:/{printf \"%.0f\", $3/$2*100}'; echo; df -P / | awk 'NR==2{print $5}' | tr -d '%'"}
	out, _, err := m.exec.Exec(ctx, vm, cmd, 10*time.Second)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	if len(lines) < 2 {
		return 0, 0, nil
	}
	mem, _ := strconv.ParseFloat(strings.TrimSpace(lines[0]), 64)
	disk, _ := strconv.ParseFloat(strings.TrimSpace(lines[1]), 64)
	return mem, disk, nil
}
