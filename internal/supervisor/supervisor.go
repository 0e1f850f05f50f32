// Package supervisor implements the Process Supervisor (spec.md §4.5):
// launching child processes under enforced limits, isolated process groups,
// captured logs, and an optional control file; polling for exit; recording
// metrics and releasing resources on completion.
//
// Launch/reap structure is grounded on scoot's runner/local.simpleRunner
// (runner/local/simple.go): a blocking os/exec call is isolated inside a
// goroutine and its result delivered over a channel the caller drains
// non-blockingly, because Go's os/exec has no direct waitpid(WNOHANG)
// equivalent (SPEC_FULL.md "Process Supervisor" elaboration). CPU
// affinity/thread-count env var selection is grounded on
// _examples/original_source/src/mini_slurm/core.py's MiniSlurm._start_job.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/InduVarshini/mini-slurm/internal/config"
	"github.com/InduVarshini/mini-slurm/internal/control"
	"github.com/InduVarshini/mini-slurm/internal/job"
	"github.com/InduVarshini/mini-slurm/internal/topology"
)

// LaunchSpec is everything the Supervisor needs to start one job.
type LaunchSpec struct {
	JobID       int64
	Command     string
	CPUs        int // the CPU count to enforce: current_cpus for elastic jobs
	MemMB       int
	IsElastic   bool
	MinCPUs     int
	MaxCPUs     int
	Nodes       []string // topology-assigned node names, may be empty
	LogDir      string
	Shell       string // defaults to "sh" if empty
}

// Handle is what the Supervisor tracks per launched job until it reaps.
type Handle struct {
	JobID       int64
	Pid         int
	StdoutPath  string
	StderrPath  string
	ControlFile string
	CPUs        int
	MemMB       int
	Nodes       []string

	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	doneCh chan ExitResult
}

// ExitResult is what Reap delivers once a child has exited.
type ExitResult struct {
	JobID         int64
	ReturnCode    int
	CPUUserTime   *float64
	CPUSystemTime *float64
	LaunchError   error // set if the process never started at all
}

// Supervisor tracks launched children and reaps them. It has no mutex: it
// is only ever called from the single-threaded scheduler loop (spec.md §5).
type Supervisor struct {
	hasTaskset bool
	running    map[int64]*Handle
}

func New() *Supervisor {
	_, err := exec.LookPath("taskset")
	return &Supervisor{
		hasTaskset: err == nil,
		running:    map[int64]*Handle{},
	}
}

// Launch starts the child per spec.md §4.5 and returns a Handle tracking it.
// On spawn failure it returns a LaunchError-carrying result rather than an
// error so callers can uniformly route through Reap's FAILED path
// (spec.md §7 "Child launch failure").
func (s *Supervisor) Launch(spec LaunchSpec) (*Handle, error) {
	stdoutPath := config.StdoutPath(spec.LogDir, spec.JobID)
	stderrPath := config.StderrPath(spec.LogDir, spec.JobID)

	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, errors.Wrapf(err, "supervisor: creating stdout log for job %d", spec.JobID)
	}
	stderr, err := os.Create(stderrPath)
	if err != nil {
		stdout.Close()
		return nil, errors.Wrapf(err, "supervisor: creating stderr log for job %d", spec.JobID)
	}

	var controlFile string
	if spec.IsElastic {
		controlFile = config.ControlFilePath(spec.LogDir, spec.JobID)
		if err := control.Write(controlFile, control.File{
			CPUs: spec.CPUs, MemMB: spec.MemMB, MinCPUs: spec.MinCPUs, MaxCPUs: spec.MaxCPUs,
			Status: control.StatusRunning,
		}); err != nil {
			stdout.Close()
			stderr.Close()
			return nil, errors.Wrapf(err, "supervisor: writing initial control file for job %d", spec.JobID)
		}
	}

	cmdLine, env := s.buildCommand(spec, controlFile)

	shell := spec.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.Command(shell, "-c", cmdLine)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	handle := &Handle{
		JobID:       spec.JobID,
		StdoutPath:  stdoutPath,
		StderrPath:  stderrPath,
		ControlFile: controlFile,
		CPUs:        spec.CPUs,
		MemMB:       spec.MemMB,
		Nodes:       spec.Nodes,
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
		doneCh:      make(chan ExitResult, 1),
	}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(stderr, "mini-slurm: launch error: %v\n", err)
		stdout.Close()
		stderr.Close()
		control.Remove(controlFile)
		handle.doneCh <- ExitResult{JobID: spec.JobID, ReturnCode: job.LaunchFailureReturnCode, LaunchError: err}
		s.running[spec.JobID] = handle
		return handle, nil
	}

	handle.Pid = cmd.Process.Pid
	s.running[spec.JobID] = handle

	go s.wait(handle)

	log.WithFields(log.Fields{"job": spec.JobID, "pid": handle.Pid, "cpus": spec.CPUs, "mem_mb": spec.MemMB}).
		Info("supervisor: launched job")
	return handle, nil
}

// buildCommand applies spec.md §4.5/§6's CPU enforcement and environment
// rules. The hard memory cap (`ulimit -v`) is unconditional, matching the
// Python original's unconditional RLIMIT_AS (original_source/core.py
// MiniSlurm._start_job); CPU affinity via taskset is layered on top only
// when the tool is on PATH and the job has topology nodes named "nodeK".
// Thread-count env vars carrying the allocation are exported for every
// job, whether or not affinity is applied (SPEC_FULL.md "Process
// Supervisor" elaboration).
func (s *Supervisor) buildCommand(spec LaunchSpec, controlFile string) (string, []string) {
	env := os.Environ()
	set := func(key, value string) { env = append(env, key+"="+value) }

	if spec.IsElastic {
		set(config.EnvElastic, "1")
		set(config.EnvCurrentCPUs, strconv.Itoa(spec.CPUs))
		set(config.EnvMinCPUs, strconv.Itoa(spec.MinCPUs))
		set(config.EnvMaxCPUs, strconv.Itoa(spec.MaxCPUs))
		set(config.EnvControlFile, controlFile)
	}
	set(config.EnvOMPThreads, strconv.Itoa(spec.CPUs))
	set(config.EnvMKLThreads, strconv.Itoa(spec.CPUs))
	set(config.EnvNumexprThreads, strconv.Itoa(spec.CPUs))

	memKB := spec.MemMB * 1024
	inner := "sh -c " + shellQuote(spec.Command)
	if s.hasTaskset {
		if cpuList := nodesToCPUList(spec.Nodes); cpuList != "" {
			inner = fmt.Sprintf("taskset -c %s %s", cpuList, inner)
		}
	}
	cmdLine := fmt.Sprintf("ulimit -v %d; exec %s", memKB, inner)

	return cmdLine, env
}

// shellQuote wraps s in single quotes so it survives as one argument to a
// nested "sh -c", the way taskset/ulimit wrapping re-enters the shell
// rather than exec'ing the job command directly (which would break
// builtins, pipes, and multi-statement commands under exec's execve
// semantics).
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func nodesToCPUList(nodes []string) string {
	var idxs []string
	for _, n := range nodes {
		if idx, ok := topology.NodeCPUIndex(n); ok {
			idxs = append(idxs, strconv.Itoa(idx))
		}
	}
	if len(idxs) == 0 {
		return ""
	}
	out := idxs[0]
	for _, i := range idxs[1:] {
		out += "," + i
	}
	return out
}

// wait isolates the blocking child-process wait in a goroutine, per
// SPEC_FULL.md's elaboration of scoot's simpleRunner.run pattern, and
// delivers the result over handle.doneCh for Reap to drain non-blockingly.
func (s *Supervisor) wait(h *Handle) {
	err := h.cmd.Wait()

	rc := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if status.Signaled() {
					rc = -int(status.Signal())
				} else {
					rc = status.ExitStatus()
				}
			} else {
				rc = -1
			}
		} else {
			rc = -1
		}
	}

	var cpuUser, cpuSystem *float64
	if h.cmd.ProcessState != nil {
		u := h.cmd.ProcessState.UserTime().Seconds()
		sy := h.cmd.ProcessState.SystemTime().Seconds()
		cpuUser, cpuSystem = &u, &sy
	}

	h.doneCh <- ExitResult{JobID: h.JobID, ReturnCode: rc, CPUUserTime: cpuUser, CPUSystemTime: cpuSystem}
}

// Reap performs a single non-blocking check of each tracked job (spec.md
// §4.5 "Reap"): any job whose wait goroutine has already posted a result is
// returned and removed from tracking; logs are flushed/closed and the
// control file removed as part of finalizing each one.
func (s *Supervisor) Reap() []ExitResult {
	var results []ExitResult
	for id, h := range s.running {
		select {
		case res := <-h.doneCh:
			h.stdout.Close()
			h.stderr.Close()
			control.Remove(h.ControlFile)
			delete(s.running, id)
			results = append(results, res)
		default:
		}
	}
	return results
}

// Signal sends sig to the child's process group, best-effort (spec.md
// §4.6: "if signalling fails, proceed anyway — polling of the control file
// is authoritative").
func (s *Supervisor) Signal(jobID int64, sig syscall.Signal) {
	h, ok := s.running[jobID]
	if !ok || h.Pid == 0 {
		return
	}
	if err := syscall.Kill(-h.Pid, sig); err != nil {
		log.WithError(err).WithField("job", jobID).Debug("supervisor: signal delivery failed, ignoring")
	}
}

// Handle returns the tracked handle for jobID, if the Supervisor is still
// tracking it (i.e. it hasn't been reaped yet).
func (s *Supervisor) Handle(jobID int64) (*Handle, bool) {
	h, ok := s.running[jobID]
	return h, ok
}
