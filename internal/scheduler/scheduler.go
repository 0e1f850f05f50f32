// Package scheduler implements the Scheduler Loop (spec.md §4.7) and
// Placement & Admission (spec.md §4.4): the tick driver that reaps finished
// children, runs the elastic controller, admits pending jobs, and sleeps.
//
// Grounded on scoot's sched/scheduler/stateful_scheduler.go for the overall
// shape of a tick-driven scheduler object constructed once at startup and
// owning all mutable state by reference (spec.md §9's re-architecture
// point), and on _examples/original_source/src/mini_slurm/core.py's
// scheduler_loop for the reap -> elastic -> admit -> sleep sequencing.
package scheduler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/InduVarshini/mini-slurm/internal/elastic"
	"github.com/InduVarshini/mini-slurm/internal/job"
	"github.com/InduVarshini/mini-slurm/internal/metrics"
	"github.com/InduVarshini/mini-slurm/internal/resource"
	"github.com/InduVarshini/mini-slurm/internal/store"
	"github.com/InduVarshini/mini-slurm/internal/supervisor"
	"github.com/InduVarshini/mini-slurm/internal/topology"
)

// Config bundles the daemon's startup parameters (spec.md §6 "scheduler"
// client command surface flags).
type Config struct {
	TotalCPUs          int
	TotalMemMB         int
	PollInterval       time.Duration
	ElasticThreshold   float64
	DisableElastic     bool
	TopologyConfigPath string
	LogDir             string
	StorePath          string
}

// Scheduler is the daemon's tick driver. It owns the Store, Resource Model,
// Supervisor, and Elastic Controller by reference; there is no
// process-wide singleton (spec.md §9).
type Scheduler struct {
	cfg        Config
	store      *store.Store
	model      *resource.Model
	supervisor *supervisor.Supervisor
	elastic    *elastic.Controller
	metrics    *metrics.Registry
	ticks      int

	shutdownCh chan struct{}
}

// snapshotLogInterval is how often Tick logs a metrics snapshot, in ticks;
// at the default 1s poll interval this is roughly once a minute.
const snapshotLogInterval = 60

// New constructs a Scheduler, opens the Store, reconciles orphaned RUNNING
// rows, and loads (or synthesizes) the topology configuration, per spec.md
// §4.7's startup sequence.
func New(cfg Config) (*Scheduler, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "scheduler: creating log dir %s", cfg.LogDir)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	if n, err := st.MarkOrphansFailed(store.Now()); err != nil {
		st.Close()
		return nil, errors.Wrap(err, "scheduler: reconciling orphaned jobs")
	} else if n > 0 {
		log.Infof("scheduler: marked %d orphaned RUNNING job(s) as FAILED", n)
	}

	tree, err := loadTopology(st, cfg.TopologyConfigPath, cfg.TotalCPUs)
	if err != nil {
		st.Close()
		return nil, err
	}

	model := resource.New(cfg.TotalCPUs, cfg.TotalMemMB, tree)
	sup := supervisor.New()
	mr := metrics.New()
	ec := elastic.New(elastic.Config{
		Enabled:   !cfg.DisableElastic,
		Threshold: cfg.ElasticThreshold,
	}, st, sup, model, mr)

	return &Scheduler{
		cfg:        cfg,
		store:      st,
		model:      model,
		supervisor: sup,
		elastic:    ec,
		metrics:    mr,
		shutdownCh: make(chan struct{}),
	}, nil
}

// topologyChecksumKey is the meta-table key under which loadTopology caches
// a checksum of the last-loaded topology config, so config changes across
// daemon restarts can be logged (SPEC_FULL.md "Persistent Store").
const topologyChecksumKey = "topology_config_checksum"

// loadTopology implements spec.md §4.3's startup rule: if a config file is
// given/exists and is malformed the daemon refuses to start; if the default
// path doesn't exist, synthesize the default topology. When a config is
// loaded successfully, its checksum is compared against the one recorded at
// the previous startup and logged if it changed.
func loadTopology(st *store.Store, path string, totalCPUs int) (*topology.Tree, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infof("scheduler: no topology config at %s, synthesizing default", path)
		return topology.Default(totalCPUs), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler: opening topology config %s", path)
	}

	tree, err := topology.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler: malformed topology config %s", path)
	}
	log.Infof("scheduler: topology-aware scheduling enabled (config: %s)", path)

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	if prev, ok, err := st.GetMeta(topologyChecksumKey); err != nil {
		log.WithError(err).Warn("scheduler: reading topology checksum from store, continuing")
	} else if ok && prev != checksum {
		log.Warnf("scheduler: topology config %s changed since last restart", path)
	}
	if err := st.PutMeta(topologyChecksumKey, checksum); err != nil {
		log.WithError(err).Warn("scheduler: recording topology checksum, continuing")
	}

	return tree, nil
}

// Close logs a final metrics snapshot and releases the Store's underlying
// file handle.
func (s *Scheduler) Close() error {
	s.logSnapshot()
	return s.store.Close()
}

func (s *Scheduler) logSnapshot() {
	snap := s.metrics.Snapshot()
	log.WithFields(log.Fields{
		"admitted": snap.Admitted, "completed": snap.Completed, "failed": snap.Failed,
		"scale_events": snap.ScaleEvents, "utilization_pct": snap.Utilization,
	}).Info("scheduler: metrics snapshot")
}

// Run drives the scheduler loop until Shutdown is called (spec.md §4.7):
// reap -> elastic -> admit -> sleep.
func (s *Scheduler) Run() {
	log.Infof("scheduler: starting with %d CPUs, %d MB memory", s.model.TotalCPUs, s.model.TotalMemMB)
	if !s.cfg.DisableElastic {
		log.Infof("scheduler: elastic scaling enabled (threshold: %.1f%%)", s.cfg.ElasticThreshold)
	}

	for {
		select {
		case <-s.shutdownCh:
			return
		default:
		}

		if err := s.Tick(); err != nil {
			log.WithError(err).Error("scheduler: tick failed, continuing")
		}

		select {
		case <-s.shutdownCh:
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// Shutdown stops Run after its current tick completes.
func (s *Scheduler) Shutdown() {
	close(s.shutdownCh)
}

// Tick runs exactly one iteration of the loop body: reap, elastic,
// admission. Exposed separately so tests can drive it deterministically.
func (s *Scheduler) Tick() error {
	s.reap()

	if err := s.elastic.Tick(); err != nil {
		return errors.Wrap(err, "scheduler: elastic tick")
	}

	if err := s.admit(); err != nil {
		return errors.Wrap(err, "scheduler: admission")
	}
	s.metrics.SetUtilization(s.model.Utilization())

	s.ticks++
	if s.ticks%snapshotLogInterval == 0 {
		s.logSnapshot()
	}
	return nil
}

// reap implements spec.md §4.5's "Reap": for every finished child, record
// completion metrics, release resources, and transition the store row.
func (s *Scheduler) reap() {
	for _, res := range s.supervisor.Reap() {
		status := job.Completed
		if res.ReturnCode != 0 {
			status = job.Failed
		}

		now := store.Now()
		j, err := s.store.Get(res.JobID)
		runtime := 0.0
		if err == nil && j.StartTime != nil {
			runtime = now - *j.StartTime
		}

		if err := s.store.Reap(res.JobID, status, now, runtime, res.ReturnCode, res.CPUUserTime, res.CPUSystemTime); err != nil {
			log.WithError(err).WithField("job", res.JobID).Error("scheduler: failed to record reap")
		}
		s.model.Release(res.JobID)
		s.metrics.IncReaped(status)

		logEntry := log.WithFields(log.Fields{"job": res.JobID, "rc": res.ReturnCode, "runtime": runtime})
		if res.LaunchError != nil {
			logEntry.WithError(res.LaunchError).Warn("scheduler: job failed to launch")
		} else {
			logEntry.Info("scheduler: job finished")
		}
	}
}

// admit implements spec.md §4.4's Placement & Admission pass.
func (s *Scheduler) admit() error {
	pending, err := s.store.PendingSortedForAdmission()
	if err != nil {
		return err
	}

	free := s.model.FreeNodes() // nil if topology disabled

	for _, j := range pending {
		if j.CPUs > s.model.AvailCPUs() || j.MemMB > s.model.AvailMemMB() {
			continue // spec.md §4.4: lower-priority jobs may pass a blocked one if they independently fit
		}

		var nodes []string
		if s.model.Topology != nil && s.model.Topology.Enabled {
			nodes, err = s.model.Topology.SelectNodes(free, j.CPUs)
			if err != nil {
				// Could not assemble a node set; skip without blocking later jobs (spec.md §4.4).
				continue
			}
		}

		if err := s.launch(j, nodes); err != nil {
			log.WithError(err).WithField("job", j.ID).Error("scheduler: admission failed for job")
			continue
		}

		for _, n := range nodes {
			delete(free, n)
		}
		s.metrics.IncAdmitted()
	}
	return nil
}

// launch reserves resources, spawns the child via the Supervisor, and
// transitions the job to RUNNING (spec.md §4.4 step 3).
func (s *Scheduler) launch(j *job.Job, nodes []string) error {
	now := store.Now()
	wait := now - j.SubmitTime

	currentCPUs := j.CPUs
	minCPUs, maxCPUs := j.MinCPUs, j.MaxCPUs

	h, err := s.supervisor.Launch(supervisor.LaunchSpec{
		JobID:     j.ID,
		Command:   j.Command,
		CPUs:      currentCPUs,
		MemMB:     j.MemMB,
		IsElastic: j.IsElastic,
		MinCPUs:   minCPUs,
		MaxCPUs:   maxCPUs,
		Nodes:     nodes,
		LogDir:    s.cfg.LogDir,
	})
	if err != nil {
		return err
	}

	if err := s.store.AdmitRunning(j.ID, now, wait, h.StdoutPath, h.StderrPath, h.ControlFile, currentCPUs, nodes); err != nil {
		return err
	}

	s.model.Reserve(&resource.Reservation{
		JobID: j.ID,
		CPUs:  currentCPUs,
		MemMB: j.MemMB,
		Nodes: nodes,
	})

	log.WithFields(log.Fields{"job": j.ID, "priority": j.Priority, "cpus": currentCPUs, "mem_mb": j.MemMB, "nodes": nodes}).
		Info("scheduler: admitted job")
	return nil
}

// Store exposes the underlying Store for CLI-adjacent admin operations
// (e.g. the daemon's own startup diagnostics); clients should talk to the
// Store directly rather than through a running Scheduler.
func (s *Scheduler) Store() *store.Store { return s.store }
