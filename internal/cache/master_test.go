package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drape/core/internal/domain"
)

func TestMasterElectorPicksSmallestMachineID(t *testing.T) {
	e := NewMasterElector()

	vmB := &domain.VM{MachineID: "b"}
	vmB.MarkHealthy(time.Now())
	vmA := &domain.VM{MachineID: "a"}
	vmA.MarkHealthy(time.Now())

	e.Observe(vmB)
	e.Observe(vmA)

	require.Equal(t, "a", e.Current().MachineID)
}

func TestMasterElectorIgnoresUnhealthy(t *testing.T) {
	e := NewMasterElector()
	vm := &domain.VM{MachineID: "a"} // never marked healthy
	e.Observe(vm)
	require.Nil(t, e.Current())
}

func TestMasterElectorForget(t *testing.T) {
	e := NewMasterElector()
	vm := &domain.VM{MachineID: "a"}
	vm.MarkHealthy(time.Now())
	e.Observe(vm)
	require.NotNil(t, e.Current())
	e.Forget("a")
	require.Nil(t, e.Current())
}
