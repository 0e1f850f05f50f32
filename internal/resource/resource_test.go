package resource

import (
	"testing"

	"github.com/InduVarshini/mini-slurm/internal/topology"
)

func TestAvailDecreasesOnReserve(t *testing.T) {
	m := New(8, 16384, nil)
	if got := m.AvailCPUs(); got != 8 {
		t.Errorf("AvailCPUs() = %d, want 8", got)
	}

	m.Reserve(&Reservation{JobID: 1, CPUs: 3, MemMB: 1024})
	if got := m.AvailCPUs(); got != 5 {
		t.Errorf("AvailCPUs() after reserve = %d, want 5", got)
	}
	if got := m.AvailMemMB(); got != 15360 {
		t.Errorf("AvailMemMB() after reserve = %d, want 15360", got)
	}
}

func TestReleaseRestoresCapacity(t *testing.T) {
	m := New(8, 16384, nil)
	m.Reserve(&Reservation{JobID: 1, CPUs: 3, MemMB: 1024})
	m.Release(1)
	if got := m.AvailCPUs(); got != 8 {
		t.Errorf("AvailCPUs() after release = %d, want 8", got)
	}
	if _, ok := m.Get(1); ok {
		t.Errorf("Get(1) should report not-found after Release")
	}
}

func TestSetCPUsUpdatesInPlace(t *testing.T) {
	m := New(8, 16384, nil)
	m.Reserve(&Reservation{JobID: 1, CPUs: 2, MemMB: 1024})
	m.SetCPUs(1, 6)
	if got := m.AvailCPUs(); got != 2 {
		t.Errorf("AvailCPUs() after SetCPUs = %d, want 2", got)
	}
	// Setting CPUs for an untracked job is a silent no-op.
	m.SetCPUs(999, 4)
}

func TestUtilizationIsMaxOfCPUAndMem(t *testing.T) {
	m := New(4, 1000, nil)
	m.Reserve(&Reservation{JobID: 1, CPUs: 1, MemMB: 900}) // 25% cpu, 90% mem
	if got := m.Utilization(); got != 90 {
		t.Errorf("Utilization() = %v, want 90 (memory-bound)", got)
	}
}

func TestFreeNodesNilWhenTopologyDisabled(t *testing.T) {
	m := New(4, 1000, nil)
	if got := m.FreeNodes(); got != nil {
		t.Errorf("FreeNodes() = %v, want nil when Topology is nil", got)
	}
}

func TestFreeNodesExcludesReserved(t *testing.T) {
	tree := topology.Default(4)
	m := New(4, 1000, tree)
	m.Reserve(&Reservation{JobID: 1, CPUs: 2, MemMB: 100, Nodes: []string{"node1", "node2"}})

	free := m.FreeNodes()
	if free["node1"] || free["node2"] {
		t.Errorf("FreeNodes() still includes reserved nodes: %v", free)
	}
	if !free["node3"] || !free["node4"] {
		t.Errorf("FreeNodes() missing unreserved nodes: %v", free)
	}
}

func TestRunningSnapshot(t *testing.T) {
	m := New(8, 16384, nil)
	m.Reserve(&Reservation{JobID: 1, CPUs: 1, MemMB: 1})
	m.Reserve(&Reservation{JobID: 2, CPUs: 1, MemMB: 1})
	if got := len(m.Running()); got != 2 {
		t.Errorf("Running() returned %d reservations, want 2", got)
	}
}
