// Package job defines the sole persistent entity of mini-slurm: the Job
// record and its state machine. See spec.md §3 and §4.4.
package job

import (
	"fmt"
	"strings"
)

// Status is one of the five states a Job can occupy. Terminal statuses are
// never re-entered (spec.md §3 invariants).
type Status string

const (
	Pending   Status = "PENDING"
	Running   Status = "RUNNING"
	Completed Status = "COMPLETED"
	Failed    Status = "FAILED"
	Cancelled Status = "CANCELLED"
)

// Terminal reports whether s is one of the three statuses a Job cannot
// leave once entered.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case Pending, Running, Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// OrphanReturnCode is the sentinel return_code written when the daemon
// discovers a RUNNING row on startup that can have no live child under its
// new process (spec.md §7, "Orphaned RUNNING rows at startup").
const OrphanReturnCode = -9999

// LaunchFailureReturnCode is written when spawning the child itself failed
// (spec.md §7, "Child launch failure").
const LaunchFailureReturnCode = -1

// Job mirrors spec.md §3 field for field.
type Job struct {
	ID      int64
	Command string
	CPUs    int
	MemMB   int
	Priority int
	Status  Status

	SubmitTime float64
	StartTime  *float64
	EndTime    *float64
	WaitTime   *float64
	Runtime    *float64

	ReturnCode *int
	User       string

	StdoutPath string
	StderrPath string

	CPUUserTime   *float64
	CPUSystemTime *float64

	IsElastic    bool
	MinCPUs      int
	MaxCPUs      int
	CurrentCPUs  int
	ControlFile  string

	Nodes []string
}

// EffectiveCPUs returns the CPU count that should be charged against the
// resource model: CurrentCPUs for elastic jobs, CPUs otherwise (spec.md §3).
func (j *Job) EffectiveCPUs() int {
	if j.IsElastic {
		return j.CurrentCPUs
	}
	return j.CPUs
}

// NodesString renders Nodes as the comma-separated form the store persists.
func (j *Job) NodesString() string {
	return strings.Join(j.Nodes, ",")
}

// SetNodesFromString parses the store's comma-separated representation.
func SetNodesFromString(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Request is the set of fields a client supplies at submission time;
// everything else in Job is assigned by the daemon or derived on
// completion.
type Request struct {
	Command  string
	CPUs     int
	MemMB    int
	Priority int

	IsElastic bool
	MinCPUs   int
	MaxCPUs   int
}

// Validate enforces the submission-time invariants from spec.md §3/§7:
// malformed requests are rejected by the client before any store mutation.
func (r *Request) Validate(totalCPUs int) error {
	if strings.TrimSpace(r.Command) == "" {
		return fmt.Errorf("command must not be empty")
	}
	if r.CPUs < 1 {
		return fmt.Errorf("cpus must be >= 1, got %d", r.CPUs)
	}
	if r.MemMB < 1 {
		return fmt.Errorf("mem_mb must be >= 1, got %d", r.MemMB)
	}
	if r.IsElastic {
		minCPUs, maxCPUs := r.MinCPUs, r.MaxCPUs
		if minCPUs == 0 {
			minCPUs = r.CPUs
		}
		if maxCPUs == 0 {
			maxCPUs = totalCPUs
		}
		if minCPUs > maxCPUs {
			return fmt.Errorf("min_cpus (%d) > max_cpus (%d)", minCPUs, maxCPUs)
		}
		if r.CPUs < minCPUs || r.CPUs > maxCPUs {
			return fmt.Errorf("initial cpus (%d) must be between min (%d) and max (%d)", r.CPUs, minCPUs, maxCPUs)
		}
		r.MinCPUs, r.MaxCPUs = minCPUs, maxCPUs
	}
	return nil
}
