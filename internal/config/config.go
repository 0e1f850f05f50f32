// Package config centralizes the file-system layout, environment-variable
// names, and memory-size parsing shared by the daemon and client (spec.md
// §6 "External Interfaces").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// DefaultStorePath, DefaultLogDir, and DefaultTopologyConfigPath implement
// spec.md §6's file-system layout defaults.
func DefaultStorePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mini_slurm.db")
}

func DefaultLogDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mini_slurm_logs")
}

func DefaultTopologyConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mini_slurm_topology.conf")
}

// StdoutPath and StderrPath implement spec.md §4.5's log path convention.
func StdoutPath(logDir string, jobID int64) string {
	return filepath.Join(logDir, fmt.Sprintf("job_%d.out", jobID))
}

func StderrPath(logDir string, jobID int64) string {
	return filepath.Join(logDir, fmt.Sprintf("job_%d.err", jobID))
}

// ControlFilePath implements spec.md §6's elastic control-file convention.
func ControlFilePath(logDir string, jobID int64) string {
	return filepath.Join(logDir, fmt.Sprintf("job_%d.control", jobID))
}

// Environment variable names exported to jobs (spec.md §6).
const (
	EnvElastic      = "MINI_SLURM_ELASTIC"
	EnvCurrentCPUs  = "MINI_SLURM_CURRENT_CPUS"
	EnvMinCPUs      = "MINI_SLURM_MIN_CPUS"
	EnvMaxCPUs      = "MINI_SLURM_MAX_CPUS"
	EnvControlFile  = "MINI_SLURM_CONTROL_FILE"
	EnvOMPThreads   = "OMP_NUM_THREADS"
	EnvMKLThreads   = "MKL_NUM_THREADS"
	EnvNumexprThreads = "NUMEXPR_NUM_THREADS"
)

var memSizePattern = regexp.MustCompile(`(?i)^\s*([0-9]*\.?[0-9]+)\s*(g|gb|m|mb)?\s*$`)

// ParseMemSize implements spec.md §6's memory-size grammar: "NN", "NNM" /
// "NNMB", "NNG" / "NNGB", case-insensitive, integer or float mantissa,
// result in megabytes (1 GB = 1024 MB).
func ParseMemSize(s string) (int, error) {
	m := memSizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid memory size %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %v", s, err)
	}
	unit := strings.ToLower(m[2])
	switch unit {
	case "g", "gb":
		value *= 1024
	case "m", "mb", "":
		// already MB
	}
	return int(value + 0.5), nil
}
