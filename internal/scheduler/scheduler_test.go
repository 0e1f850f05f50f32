package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/InduVarshini/mini-slurm/internal/job"
	"github.com/InduVarshini/mini-slurm/internal/store"
)

func newTestScheduler(t *testing.T, totalCPUs, totalMemMB int) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	sched, err := New(Config{
		TotalCPUs:          totalCPUs,
		TotalMemMB:         totalMemMB,
		PollInterval:       50 * time.Millisecond,
		ElasticThreshold:   50,
		DisableElastic:     false,
		TopologyConfigPath: filepath.Join(dir, "no-such-topology.conf"),
		LogDir:             filepath.Join(dir, "logs"),
		StorePath:          filepath.Join(dir, "mini_slurm.db"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { sched.Close() })
	return sched
}

// waitForStatus ticks the scheduler until job id reaches one of want, or
// fails the test after a bounded number of ticks (spec.md §8 scenario 1:
// "transitions... within one poll interval").
func waitForStatus(t *testing.T, sched *Scheduler, id int64, want ...job.Status) *job.Job {
	t.Helper()
	for i := 0; i < 200; i++ {
		if err := sched.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		j, err := sched.Store().Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		for _, w := range want {
			if j.Status == w {
				return j
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %d did not reach %v within the tick budget", id, want)
	return nil
}

func TestSimpleAdmissionAndCompletion(t *testing.T) {
	sched := newTestScheduler(t, 4, 8192)
	id, err := sched.Store().InsertPending(&job.Request{Command: "true", CPUs: 2, MemMB: 512}, "u", store.Now())
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}

	running := waitForStatus(t, sched, id, job.Running, job.Completed)
	if running.Status == job.Running && running.StartTime == nil {
		t.Errorf("RUNNING job has no start_time")
	}

	done := waitForStatus(t, sched, id, job.Completed, job.Failed)
	if done.Status != job.Completed {
		t.Errorf("Status = %s, want COMPLETED", done.Status)
	}
	if done.ReturnCode == nil || *done.ReturnCode != 0 {
		t.Errorf("ReturnCode = %v, want 0", done.ReturnCode)
	}
	if done.EndTime == nil || done.StartTime == nil || *done.EndTime < *done.StartTime {
		t.Errorf("end_time should be >= start_time: %+v", done)
	}
}

func TestFailingCommandEndsFailed(t *testing.T) {
	sched := newTestScheduler(t, 4, 8192)
	id, err := sched.Store().InsertPending(&job.Request{Command: "false", CPUs: 1, MemMB: 256}, "u", store.Now())
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}

	done := waitForStatus(t, sched, id, job.Completed, job.Failed)
	if done.Status != job.Failed {
		t.Errorf("Status = %s, want FAILED", done.Status)
	}
	if done.ReturnCode == nil || *done.ReturnCode == 0 {
		t.Errorf("ReturnCode = %v, want nonzero", done.ReturnCode)
	}
}

func TestPriorityOrderingAdmitsHighestFirst(t *testing.T) {
	// Each job needs all 4 CPUs, so on a 4-CPU daemon at most one runs at a
	// time: admission order must be priority-determined (spec.md §8
	// scenario 2).
	sched := newTestScheduler(t, 4, 8192)
	st := sched.Store()

	idA, _ := st.InsertPending(&job.Request{Command: "sleep 0.2", CPUs: 4, MemMB: 256, Priority: 0}, "u", store.Now())
	idB, _ := st.InsertPending(&job.Request{Command: "sleep 0.2", CPUs: 4, MemMB: 256, Priority: 10}, "u", store.Now())
	idC, _ := st.InsertPending(&job.Request{Command: "sleep 0.2", CPUs: 4, MemMB: 256, Priority: 5}, "u", store.Now())

	var order []int64
	seen := map[int64]bool{}
	for i := 0; i < 400 && len(order) < 3; i++ {
		if err := sched.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		for _, id := range []int64{idA, idB, idC} {
			if seen[id] {
				continue
			}
			j, err := st.Get(id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if j.Status == job.Running || j.Status == job.Completed || j.Status == job.Failed {
				order = append(order, id)
				seen[id] = true
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	if len(order) != 3 {
		t.Fatalf("only %d of 3 jobs admitted within budget: %v", len(order), order)
	}
	if order[0] != idB || order[1] != idC || order[2] != idA {
		t.Errorf("admission order = %v, want [B, C, A] (priority DESC)", order)
	}
}

func TestInfeasibleJobStaysPendingAndIsCancellable(t *testing.T) {
	sched := newTestScheduler(t, 4, 8192)
	st := sched.Store()

	id, err := st.InsertPending(&job.Request{Command: "true", CPUs: 100, MemMB: 1024 * 100}, "u", store.Now())
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := sched.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	j, err := st.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != job.Pending {
		t.Errorf("Status = %s, want PENDING (cpus=100 exceeds total_cpus=4)", j.Status)
	}

	changed, err := st.Cancel(id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !changed {
		t.Errorf("Cancel of a PENDING job should succeed")
	}
	j, _ = st.Get(id)
	if j.Status != job.Cancelled {
		t.Errorf("Status = %s, want CANCELLED", j.Status)
	}
}

func TestTopologyChecksumRecordedAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "mini_slurm.db")
	confPath := filepath.Join(dir, "topology.conf")
	if err := os.WriteFile(confPath, []byte("SwitchName=sw1 Nodes=node[1-4]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := Config{
		TotalCPUs: 4, TotalMemMB: 8192, PollInterval: 50 * time.Millisecond,
		ElasticThreshold: 50, TopologyConfigPath: confPath,
		LogDir: filepath.Join(dir, "logs"), StorePath: storePath,
	}

	sched, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sum, ok, err := sched.Store().GetMeta(topologyChecksumKey)
	if err != nil || !ok {
		t.Fatalf("GetMeta after first startup: ok=%v err=%v", ok, err)
	}
	sched.Close()

	// Reopen against the same store and config: checksum should be unchanged.
	sched, err = New(cfg)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	again, ok, err := sched.Store().GetMeta(topologyChecksumKey)
	if err != nil || !ok || again != sum {
		t.Errorf("checksum changed across restart with an unchanged config: %q -> %q", sum, again)
	}
	sched.Close()

	// Edit the config and reopen: checksum should now differ.
	if err := os.WriteFile(confPath, []byte("SwitchName=sw1 Nodes=node[1-8]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sched, err = New(cfg)
	if err != nil {
		t.Fatalf("New (reopen after edit): %v", err)
	}
	defer sched.Close()
	changed, ok, err := sched.Store().GetMeta(topologyChecksumKey)
	if err != nil || !ok || changed == sum {
		t.Errorf("checksum should change once the topology config content changes, got %q", changed)
	}
}

func TestOrphanedRunningRowsReconciledOnStartup(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "mini_slurm.db")

	st, err := store.Open(storePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := st.InsertPending(&job.Request{Command: "sleep 100", CPUs: 1, MemMB: 1}, "u", store.Now())
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if err := st.AdmitRunning(id, store.Now(), 0, "", "", "", 1, nil); err != nil {
		t.Fatalf("AdmitRunning: %v", err)
	}
	st.Close() // simulate the old daemon process disappearing

	sched, err := New(Config{
		TotalCPUs: 4, TotalMemMB: 8192, PollInterval: 50 * time.Millisecond,
		ElasticThreshold: 50, TopologyConfigPath: filepath.Join(dir, "no-such.conf"),
		LogDir: filepath.Join(dir, "logs"), StorePath: storePath,
	})
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	defer sched.Close()

	j, err := sched.Store().Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != job.Failed {
		t.Errorf("Status = %s, want FAILED (orphaned RUNNING row reconciled at startup)", j.Status)
	}
	if j.ReturnCode == nil || *j.ReturnCode != job.OrphanReturnCode {
		t.Errorf("ReturnCode = %v, want sentinel %d", j.ReturnCode, job.OrphanReturnCode)
	}
}
