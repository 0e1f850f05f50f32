// Package resource implements the Resource Model (spec.md §4.2): the
// process-local view of total/used CPUs and memory, and, when a topology is
// configured, which nodes are currently free.
//
// The Model is owned exclusively by the scheduler loop goroutine and is
// never accessed concurrently, matching scoot's cluster_state.go, which is
// likewise mutated only from the scheduler's single-threaded main loop
// (spec.md §5, §9 "an explicit scheduler object constructed at startup and
// passed by reference; no process-wide singletons").
package resource

import "github.com/InduVarshini/mini-slurm/internal/topology"

// Reservation is what the Model tracks per RUNNING job.
type Reservation struct {
	JobID int64
	CPUs  int
	MemMB int
	Nodes []string
}

// Model is the in-memory accounting of cluster resources.
type Model struct {
	TotalCPUs  int
	TotalMemMB int

	Topology *topology.Tree // nil if topology scheduling is disabled

	running map[int64]*Reservation
}

// New constructs a Model with the given capacity. tree may be nil.
func New(totalCPUs, totalMemMB int, tree *topology.Tree) *Model {
	return &Model{
		TotalCPUs:  totalCPUs,
		TotalMemMB: totalMemMB,
		Topology:   tree,
		running:    map[int64]*Reservation{},
	}
}

// UsedCPUs and UsedMemMB are derived on demand from the running set
// (spec.md §4.2: "Derived on each tick").
func (m *Model) UsedCPUs() int {
	used := 0
	for _, r := range m.running {
		used += r.CPUs
	}
	return used
}

func (m *Model) UsedMemMB() int {
	used := 0
	for _, r := range m.running {
		used += r.MemMB
	}
	return used
}

func (m *Model) AvailCPUs() int { return m.TotalCPUs - m.UsedCPUs() }
func (m *Model) AvailMemMB() int { return m.TotalMemMB - m.UsedMemMB() }

// FreeNodes returns the set of topology nodes not currently assigned to any
// running reservation. Returns nil if topology is disabled.
func (m *Model) FreeNodes() map[string]bool {
	if m.Topology == nil {
		return nil
	}
	used := map[string]bool{}
	for _, r := range m.running {
		for _, n := range r.Nodes {
			used[n] = true
		}
	}
	free := map[string]bool{}
	for _, n := range m.Topology.AllNodes() {
		if !used[n] {
			free[n] = true
		}
	}
	return free
}

// Reserve records a new running reservation (spec.md §4.4 admission step).
func (m *Model) Reserve(r *Reservation) {
	m.running[r.JobID] = r
}

// Get returns the current reservation for jobID, if any.
func (m *Model) Get(jobID int64) (*Reservation, bool) {
	r, ok := m.running[jobID]
	return r, ok
}

// Release drops the reservation for jobID (spec.md §4.5 "Release CPUs,
// memory, and nodes" on reap).
func (m *Model) Release(jobID int64) {
	delete(m.running, jobID)
}

// SetCPUs updates the CPU portion of a running reservation in place,
// used by the Elastic Controller when applying a scale delta.
func (m *Model) SetCPUs(jobID int64, cpus int) {
	if r, ok := m.running[jobID]; ok {
		r.CPUs = cpus
	}
}

// Running returns a snapshot slice of all current reservations.
func (m *Model) Running() []*Reservation {
	out := make([]*Reservation, 0, len(m.running))
	for _, r := range m.running {
		out = append(out, r)
	}
	return out
}

// Utilization implements spec.md §4.6's scale-up trigger:
// max(used_cpus/total_cpus, used_mem/total_mem_mb) * 100.
func (m *Model) Utilization() float64 {
	cpuUtil := 0.0
	if m.TotalCPUs > 0 {
		cpuUtil = float64(m.UsedCPUs()) / float64(m.TotalCPUs) * 100
	}
	memUtil := 0.0
	if m.TotalMemMB > 0 {
		memUtil = float64(m.UsedMemMB()) / float64(m.TotalMemMB) * 100
	}
	if cpuUtil > memUtil {
		return cpuUtil
	}
	return memUtil
}
