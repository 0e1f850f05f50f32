// Command mini-slurmctl is the thin CLI client (spec.md §6 "Client command
// surface"): it submits, queries, cancels, and reports statistics by
// reading and writing the shared persistent store directly, the same way
// scoot's scootapi/client commands talk to a cluster through a dialed
// connection rather than embedding scheduler logic.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/InduVarshini/mini-slurm/internal/config"
	"github.com/InduVarshini/mini-slurm/internal/job"
	"github.com/InduVarshini/mini-slurm/internal/store"
)

// exitCode values per spec.md §6: 0 success, 1 user error, 2 store unavailable.
const (
	exitOK         = 0
	exitUserError  = 1
	exitStoreError = 2
)

var storePath string

func main() {
	root := &cobra.Command{
		Use:   "mini-slurmctl",
		Short: "Submit, query, cancel, and report on mini-slurm jobs",
	}
	root.PersistentFlags().StringVar(&storePath, "store", config.DefaultStorePath(), "path to the persistent store")

	root.AddCommand(
		newSubmitCmd(),
		newQueueCmd(),
		newShowCmd(),
		newCancelCmd(),
		newStatsCmd(),
		newLogsCmd(),
		newResetCmd(),
		newDemoCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(exitUserError)
	}
}

func openStore() (*store.Store, int) {
	st, err := store.Open(storePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mini-slurmctl: store unavailable: %v\n", err)
		return nil, exitStoreError
	}
	return st, exitOK
}

func newSubmitCmd() *cobra.Command {
	var cpus, priority, minCPUs, maxCPUs, totalCPUs int
	var mem string
	var elastic bool

	cmd := &cobra.Command{
		Use:   "submit --cpus N --mem SIZE [flags] -- COMMAND...",
		Short: "Submit a new job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			memMB, err := config.ParseMemSize(mem)
			if err != nil {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: %v\n", err)
				os.Exit(exitUserError)
			}

			req := &job.Request{
				Command:   strings.Join(args, " "),
				CPUs:      cpus,
				MemMB:     memMB,
				Priority:  priority,
				IsElastic: elastic,
				MinCPUs:   minCPUs,
				MaxCPUs:   maxCPUs,
			}

			limit := totalCPUs
			if limit <= 0 {
				limit = runtime.NumCPU()
			}
			if err := req.Validate(limit); err != nil {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: %v\n", err)
				os.Exit(exitUserError)
			}

			st, code := openStore()
			if st == nil {
				os.Exit(code)
			}
			defer st.Close()

			user := currentUser()
			id, err := st.InsertPending(req, user, store.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: submit failed: %v\n", err)
				os.Exit(exitStoreError)
			}
			fmt.Printf("Submitted job %d\n", id)
			return nil
		},
	}

	cmd.Flags().IntVar(&cpus, "cpus", 1, "CPUs requested (current allocation for elastic jobs)")
	cmd.Flags().StringVar(&mem, "mem", "1GB", "memory requested, e.g. 1GB, 512MB")
	cmd.Flags().IntVar(&priority, "priority", 0, "scheduling priority, higher admits first")
	cmd.Flags().BoolVar(&elastic, "elastic", false, "mark this job elastic")
	cmd.Flags().IntVar(&minCPUs, "min-cpus", 0, "elastic minimum CPUs (defaults to --cpus)")
	cmd.Flags().IntVar(&maxCPUs, "max-cpus", 0, "elastic maximum CPUs (defaults to the daemon's total)")
	cmd.Flags().IntVar(&totalCPUs, "total-cpus", 0, "daemon's total CPU count, for validating --max-cpus (0 = detect from host)")
	return cmd
}

func newQueueCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List jobs, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, code := openStore()
			if st == nil {
				os.Exit(code)
			}
			defer st.Close()

			f := store.Filter{}
			if status != "" {
				s := job.Status(strings.ToUpper(status))
				if !s.Valid() {
					fmt.Fprintf(os.Stderr, "mini-slurmctl: invalid --status %q\n", status)
					os.Exit(exitUserError)
				}
				f.Status = s
			}

			jobs, err := st.List(f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: %v\n", err)
				os.Exit(exitStoreError)
			}
			printQueueTable(jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING, RUNNING, COMPLETED, FAILED, CANCELLED)")
	return cmd
}

func printQueueTable(jobs []*job.Job) {
	fmt.Printf("%-6s %-10s %-6s %-8s %-8s %s\n", "ID", "STATUS", "PRI", "CPUS", "MEM_MB", "COMMAND")
	for _, j := range jobs {
		cpus := j.CPUs
		if j.IsElastic {
			cpus = j.CurrentCPUs
		}
		fmt.Printf("%-6d %-10s %-6d %-8d %-8d %s\n", j.ID, j.Status, j.Priority, cpus, j.MemMB, j.Command)
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show full detail for a single job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := parseJobID(args[0])
			st, code := openStore()
			if st == nil {
				os.Exit(code)
			}
			defer st.Close()

			j, err := st.Get(id)
			if err == store.ErrNotFound {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: no such job %d\n", id)
				os.Exit(exitUserError)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: %v\n", err)
				os.Exit(exitStoreError)
			}
			printJobDetail(j)
			return nil
		},
	}
}

func printJobDetail(j *job.Job) {
	fmt.Printf("id:            %d\n", j.ID)
	fmt.Printf("command:       %s\n", j.Command)
	fmt.Printf("status:        %s\n", j.Status)
	fmt.Printf("priority:      %d\n", j.Priority)
	fmt.Printf("cpus:          %d\n", j.CPUs)
	fmt.Printf("mem_mb:        %d\n", j.MemMB)
	if j.IsElastic {
		fmt.Printf("elastic:       yes (min=%d max=%d current=%d)\n", j.MinCPUs, j.MaxCPUs, j.CurrentCPUs)
	}
	if len(j.Nodes) > 0 {
		fmt.Printf("nodes:         %s\n", strings.Join(j.Nodes, ","))
	}
	fmt.Printf("submit_time:   %s\n", formatTime(&j.SubmitTime))
	fmt.Printf("start_time:    %s\n", formatTime(j.StartTime))
	fmt.Printf("end_time:      %s\n", formatTime(j.EndTime))
	if j.ReturnCode != nil {
		fmt.Printf("return_code:   %d\n", *j.ReturnCode)
	}
	if j.StdoutPath != "" {
		fmt.Printf("stdout:        %s\n", j.StdoutPath)
		fmt.Printf("stderr:        %s\n", j.StderrPath)
	}
}

func formatTime(t *float64) string {
	if t == nil {
		return "-"
	}
	return time.Unix(int64(*t), 0).Format(time.RFC3339)
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a PENDING job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := parseJobID(args[0])
			st, code := openStore()
			if st == nil {
				os.Exit(code)
			}
			defer st.Close()

			changed, err := st.Cancel(id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: %v\n", err)
				os.Exit(exitStoreError)
			}
			if !changed {
				// spec.md §8: cancelling an already-terminal/running job is a
				// no-op, reported as a warning rather than a failure.
				fmt.Printf("job %d is not PENDING; nothing to cancel\n", id)
				return nil
			}
			fmt.Printf("cancelled job %d\n", id)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report aggregate job statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, code := openStore()
			if st == nil {
				os.Exit(code)
			}
			defer st.Close()

			s, err := st.Stats()
			if err != nil {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: %v\n", err)
				os.Exit(exitStoreError)
			}

			fmt.Printf("total jobs:       %d\n", s.TotalJobs)
			for _, st := range []job.Status{job.Pending, job.Running, job.Completed, job.Failed, job.Cancelled} {
				fmt.Printf("  %-10s %d\n", st, s.StatusCounts[st])
			}
			fmt.Printf("used cpus:        %d\n", s.UsedCPUs)
			fmt.Printf("used mem_mb:      %d\n", s.UsedMemMB)
			fmt.Printf("avg wait_time:    %.2fs\n", s.AvgWaitTime)
			fmt.Printf("avg runtime:      %.2fs\n", s.AvgRuntime)
			return nil
		},
	}
}

// newLogsCmd implements SPEC_FULL.md's supplemented "logs" feature: print a
// finished or running job's captured stdout/stderr without the caller
// needing to know the log directory convention.
func newLogsCmd() *cobra.Command {
	var stderr bool
	cmd := &cobra.Command{
		Use:   "logs ID",
		Short: "Print a job's captured stdout (or stderr with --stderr)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := parseJobID(args[0])
			st, code := openStore()
			if st == nil {
				os.Exit(code)
			}
			defer st.Close()

			j, err := st.Get(id)
			if err == store.ErrNotFound {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: no such job %d\n", id)
				os.Exit(exitUserError)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: %v\n", err)
				os.Exit(exitStoreError)
			}

			path := j.StdoutPath
			if stderr {
				path = j.StderrPath
			}
			if path == "" {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: job %d has not been launched yet\n", id)
				os.Exit(exitUserError)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: reading log: %v\n", err)
				os.Exit(exitUserError)
			}
			os.Stdout.Write(data)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stderr, "stderr", false, "print stderr instead of stdout")
	return cmd
}

// newResetCmd implements SPEC_FULL.md's supplemented "reset" admin command:
// truncate the store after checking that no job is currently RUNNING, to
// avoid clobbering a live scheduler's in-flight state.
func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Administrative: delete all job records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Fprintln(os.Stderr, "mini-slurmctl: reset is destructive; pass --yes to confirm")
				os.Exit(exitUserError)
			}

			st, code := openStore()
			if st == nil {
				os.Exit(code)
			}
			defer st.Close()

			s, err := st.Stats()
			if err != nil {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: %v\n", err)
				os.Exit(exitStoreError)
			}
			if n := s.StatusCounts[job.Running]; n > 0 {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: %d job(s) currently RUNNING; refusing to reset a live store\n", n)
				os.Exit(exitUserError)
			}

			if err := st.Truncate(); err != nil {
				fmt.Fprintf(os.Stderr, "mini-slurmctl: reset failed: %v\n", err)
				os.Exit(exitStoreError)
			}
			fmt.Println("store reset")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

// newDemoCmd implements SPEC_FULL.md's supplemented "demo" command: submit
// a small fixed batch exercising priority ordering and an elastic job, for
// manually eyeballing scheduler behavior end to end (spec.md §8 scenarios
// 2 and 4).
func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Submit a fixed demo batch of jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, code := openStore()
			if st == nil {
				os.Exit(code)
			}
			defer st.Close()

			batch := []*job.Request{
				{Command: "sleep 5", CPUs: 1, MemMB: 256, Priority: 0},
				{Command: "sleep 5", CPUs: 1, MemMB: 256, Priority: 10},
				{Command: "sleep 5", CPUs: 1, MemMB: 256, Priority: 5},
				{Command: "sleep 20", CPUs: 2, MemMB: 512, Priority: 0, IsElastic: true, MinCPUs: 2, MaxCPUs: 8},
			}
			for _, r := range batch {
				if err := r.Validate(runtime.NumCPU()); err != nil {
					fmt.Fprintf(os.Stderr, "mini-slurmctl: demo: %v\n", err)
					os.Exit(exitStoreError)
				}
				id, err := st.InsertPending(r, currentUser(), store.Now())
				if err != nil {
					fmt.Fprintf(os.Stderr, "mini-slurmctl: demo: %v\n", err)
					os.Exit(exitStoreError)
				}
				fmt.Printf("submitted demo job %d: %s\n", id, r.Command)
			}
			return nil
		},
	}
}

func parseJobID(s string) int64 {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		fmt.Fprintf(os.Stderr, "mini-slurmctl: invalid job id %q\n", s)
		os.Exit(exitUserError)
	}
	return id
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
