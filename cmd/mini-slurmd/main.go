// Command mini-slurmd is the scheduler daemon (spec.md §6 "scheduler"
// client command surface). Grounded on scoot's binaries/scheduler/main.go:
// flags parsed directly in main, no config file format, no DI container.
package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/InduVarshini/mini-slurm/internal/config"
	"github.com/InduVarshini/mini-slurm/internal/scheduler"
)

func main() {
	totalCPUs := flag.Int("total-cpus", 0, "total CPUs to schedule (0 = detect from host)")
	totalMem := flag.String("total-mem", "16GB", "total memory to schedule, e.g. 16GB, 4096MB")
	pollInterval := flag.Float64("poll-interval", 1.0, "scheduler tick interval in seconds")
	elasticThreshold := flag.Float64("elastic-threshold", 50.0, "elastic scale-up utilization threshold (percent)")
	disableElastic := flag.Bool("disable-elastic", false, "disable the elastic controller")
	topologyConfig := flag.String("topology-config", config.DefaultTopologyConfigPath(), "topology config path")
	storePath := flag.String("store", config.DefaultStorePath(), "path to the persistent store")
	logDir := flag.String("log-dir", config.DefaultLogDir(), "directory for job stdout/stderr/control files")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cpus := *totalCPUs
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}

	memMB, err := config.ParseMemSize(*totalMem)
	if err != nil {
		log.WithError(err).Fatal("mini-slurmd: invalid --total-mem")
	}

	sched, err := scheduler.New(scheduler.Config{
		TotalCPUs:          cpus,
		TotalMemMB:         memMB,
		PollInterval:       time.Duration(*pollInterval * float64(time.Second)),
		ElasticThreshold:   *elasticThreshold,
		DisableElastic:     *disableElastic,
		TopologyConfigPath: *topologyConfig,
		LogDir:             *logDir,
		StorePath:          *storePath,
	})
	if err != nil {
		log.WithError(err).Fatal("mini-slurmd: failed to start")
	}
	defer sched.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("mini-slurmd: received shutdown signal")
		sched.Shutdown()
	}()

	sched.Run()
}
