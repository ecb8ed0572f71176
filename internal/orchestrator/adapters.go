package orchestrator

import (
	"context"

	"github.com/drape/core/internal/agentproto"
	"github.com/drape/core/internal/domain"
	"github.com/drape/core/internal/pool"
	"github.com/drape/core/internal/providerclient"
)

// providerAdapter narrows *providerclient.Client to pool.Provider. The
// two were built independently against their own concerns — the pool
// never needed a *Machine, only a machine_id — so this is a signature
// conversion, not new behaviour.
type providerAdapter struct {
	client *providerclient.Client
}

func newProviderAdapter(c *providerclient.Client) *providerAdapter {
	return &providerAdapter{client: c}
}

func (a *providerAdapter) CreateMachine(ctx context.Context, name, image, region string, env map[string]string, res pool.ProviderResources) (string, error) {
	m, err := a.client.CreateMachine(ctx, name, image, region, env, providerclient.Resources{
		CPUCores: res.CPUCores, MemoryMB: res.MemoryMB,
	})
	if err != nil {
		return "", err
	}
	return m.MachineID, nil
}

func (a *providerAdapter) StartMachine(ctx context.Context, machineID string) error {
	return a.client.StartMachine(ctx, machineID)
}

func (a *providerAdapter) DestroyMachine(ctx context.Context, machineID string) error {
	return a.client.DestroyMachine(ctx, machineID)
}

func (a *providerAdapter) ListMachines(ctx context.Context) ([]pool.ProviderMachine, error) {
	list, err := a.client.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pool.ProviderMachine, len(list))
	for i, m := range list {
		out[i] = pool.ProviderMachine{MachineID: m.MachineID, Name: m.Name, State: m.State}
	}
	return out, nil
}

func (a *providerAdapter) Health(ctx context.Context, vm *domain.VM) (*agentproto.HealthResponse, error) {
	return a.client.Health(ctx, vm)
}

// modulesProbe implements pool.ModulesProbe against the live Agent,
// measuring and wiping a released VM's project directory (§4.4
// cleanup, §4.5 project root).
type modulesProbe struct {
	client *providerclient.Client
}

func newModulesProbe(c *providerclient.Client) *modulesProbe {
	return &modulesProbe{client: c}
}

const projectRoot = "/home/app/project"

func (m *modulesProbe) NodeModulesBytes(ctx context.Context, vm *domain.VM) (int64, error) {
	resp, err := m.client.ExecFull(ctx, vm, agentproto.ExecRequest{
		Command:   []string{"sh", "-c", "du -sb " + projectRoot + "/node_modules 2>/dev/null | cut -f1"},
		TimeoutMs: 10000,
	})
	if err != nil {
		return 0, err
	}
	if resp.ExitCode != 0 {
		return 0, nil
	}
	return parseDuBytes(resp.Stdout), nil
}

func (m *modulesProbe) WipeProjectExceptModules(ctx context.Context, vm *domain.VM) error {
	cmd := []string{"sh", "-c", "find " + projectRoot + " -mindepth 1 -maxdepth 1 ! -name node_modules -exec rm -rf {} +"}
	resp, err := m.client.ExecFull(ctx, vm, agentproto.ExecRequest{Command: cmd, TimeoutMs: 30000})
	if err != nil {
		return err
	}
	return execErr(resp)
}

func (m *modulesProbe) WipeProjectEntirely(ctx context.Context, vm *domain.VM) error {
	cmd := []string{"sh", "-c", "rm -rf " + projectRoot + " && mkdir -p " + projectRoot}
	resp, err := m.client.ExecFull(ctx, vm, agentproto.ExecRequest{Command: cmd, TimeoutMs: 30000})
	if err != nil {
		return err
	}
	return execErr(resp)
}

func execErr(resp *agentproto.ExecResponse) error {
	if resp.ExitCode != 0 {
		return errExecFailed(resp.Stderr)
	}
	return nil
}

type errExecFailed string

func (e errExecFailed) Error() string { return "exec failed: " + string(e) }

func parseDuBytes(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
