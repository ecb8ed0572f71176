package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drape/core/internal/agentproto"
	"github.com/drape/core/internal/domain"
)

type fakeProvider struct {
	mu           sync.Mutex
	created      int32
	destroyed    int32
	unhealthy    map[string]bool
	listMachines []ProviderMachine
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{unhealthy: make(map[string]bool)}
}

func (f *fakeProvider) CreateMachine(ctx context.Context, name, image, region string, env map[string]string, res ProviderResources) (string, error) {
	id := atomic.AddInt32(&f.created, 1)
	return fmt.Sprintf("m-%d", id), nil
}

func (f *fakeProvider) StartMachine(ctx context.Context, machineID string) error { return nil }

func (f *fakeProvider) DestroyMachine(ctx context.Context, machineID string) error {
	atomic.AddInt32(&f.destroyed, 1)
	return nil
}

func (f *fakeProvider) ListMachines(ctx context.Context) ([]ProviderMachine, error) {
	return f.listMachines, nil
}

func (f *fakeProvider) Health(ctx context.Context, vm *domain.VM) (*agentproto.HealthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unhealthy[vm.MachineID] {
		return nil, fmt.Errorf("unhealthy")
	}
	return &agentproto.HealthResponse{Version: "1"}, nil
}

func (f *fakeProvider) markUnhealthy(id string) {
	f.mu.Lock()
	f.unhealthy[id] = true
	f.mu.Unlock()
}

func testConfig() Config {
	return Config{Target: 2, Min: 1, Max: 5, MaxAge: time.Hour, ReplenishEvery: time.Minute, HealthFreshness: 30 * time.Second, MaxModulesBytes: 1 << 30}
}

func TestAcquireCreatesOnEmptyQueue(t *testing.T) {
	p := New(testConfig(), newFakeProvider())
	vm, err := p.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NotNil(t, vm)
	require.Equal(t, "proj-1", vm.ProjectID)
	require.Equal(t, 1, p.Stats().InUse)
}

func TestAcquireReusesAvailableVM(t *testing.T) {
	prov := newFakeProvider()
	p := New(testConfig(), prov)
	vm := &domain.VM{MachineID: "warm-1"}
	p.pushTail(vm)

	got, err := p.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Equal(t, "warm-1", got.MachineID)
	require.Equal(t, int32(0), prov.created)
}

func TestAcquireSkipsUnhealthyAndReaps(t *testing.T) {
	prov := newFakeProvider()
	p := New(testConfig(), prov)
	bad := &domain.VM{MachineID: "bad-1"}
	prov.markUnhealthy("bad-1")
	p.pushTail(bad)

	got, err := p.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NotEqual(t, "bad-1", got.MachineID)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&prov.destroyed) == 1 }, time.Second, 10*time.Millisecond)
}

func TestReleaseFailedDestroysVM(t *testing.T) {
	prov := newFakeProvider()
	p := New(testConfig(), prov)
	vm, err := p.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)

	p.Release(context.Background(), vm, OutcomeFailed, nil)
	require.Equal(t, 0, p.Stats().Available)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&prov.destroyed) == 1 }, time.Second, 10*time.Millisecond)
}

func TestReleaseReadyReturnsToAvailableTail(t *testing.T) {
	prov := newFakeProvider()
	p := New(testConfig(), prov)
	vm, err := p.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)

	p.Release(context.Background(), vm, OutcomeReady, nil)
	require.Equal(t, 1, p.Stats().Available)
	require.Equal(t, 0, p.Stats().InUse)
}

func TestAcquireReleaseSameVMRoundTrip(t *testing.T) {
	// §8 law: acquire followed by release without intervening work
	// returns the same VM to the tail of the pool.
	prov := newFakeProvider()
	p := New(testConfig(), prov)
	vm := &domain.VM{MachineID: "warm-only"}
	p.pushTail(vm)

	got, err := p.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)
	p.Release(context.Background(), got, OutcomeReady, nil)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.available, 1)
	require.Equal(t, "warm-only", p.available[0].MachineID)
}

func TestConcurrentAcquireForSameProjectDeduplicates(t *testing.T) {
	prov := newFakeProvider()
	p := New(testConfig(), prov)

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			vm, err := p.Acquire(context.Background(), "same-project")
			require.NoError(t, err)
			ids[idx] = vm.MachineID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestAdoptFiltersByNameNotMachineID(t *testing.T) {
	prov := newFakeProvider()
	prov.listMachines = []ProviderMachine{
		{MachineID: "opaque-a1b2", Name: "pool-111", State: "started"},
		{MachineID: "pool-looking-id", Name: "cache-master-1", State: "started"},
		{MachineID: "opaque-c3d4", Name: "pool-222", State: "started"},
	}
	p := New(testConfig(), prov)

	require.NoError(t, p.Adopt(context.Background()))

	require.Equal(t, 2, p.Stats().Available)
	vm, err := p.Acquire(context.Background(), "proj-adopted")
	require.NoError(t, err)
	require.Contains(t, []string{"opaque-a1b2", "opaque-c3d4"}, vm.MachineID)
	require.Equal(t, int32(0), prov.created)
}

func TestAdoptReapsUnhealthyPoolMachine(t *testing.T) {
	prov := newFakeProvider()
	prov.listMachines = []ProviderMachine{
		{MachineID: "opaque-bad", Name: "pool-333", State: "started"},
	}
	prov.markUnhealthy("opaque-bad")
	p := New(testConfig(), prov)

	require.NoError(t, p.Adopt(context.Background()))

	require.Equal(t, 0, p.Stats().Available)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&prov.destroyed) == 1 }, time.Second, 10*time.Millisecond)
}
