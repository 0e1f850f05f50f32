// Package control implements the elastic control file (spec.md §6): a
// small KEY=VALUE text file the daemon rewrites atomically on every scale
// event and the job may poll to discover its current allocation.
//
// The temp-file-then-rename idiom is grounded on the same atomic-write
// pattern armada and bacalhau use for their own on-disk state files;
// github.com/google/uuid supplies the temp-name suffix so concurrent scale
// events on the same job never collide on the same temp path (SPEC_FULL.md).
package control

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Status is the STATUS field's value inside the control file.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// File is the parsed shape of a control file (spec.md §6).
type File struct {
	CPUs        int
	MemMB       int
	MinCPUs     int
	MaxCPUs     int
	Status      Status
	ScaleEvent  float64 // epoch seconds; zero if never set
}

// Write atomically (temp file + rename) writes f to path, per spec.md §5
// "Control file updates must be atomic" and §4.6.
func Write(path string, f File) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))

	contents := fmt.Sprintf(
		"CPUS=%d\nMEM_MB=%d\nMIN_CPUS=%d\nMAX_CPUS=%d\nSTATUS=%s\nSCALE_EVENT=%f\n",
		f.CPUs, f.MemMB, f.MinCPUs, f.MaxCPUs, f.Status, f.ScaleEvent,
	)
	if err := os.WriteFile(tmp, []byte(contents), 0o644); err != nil {
		return errors.Wrapf(err, "control: writing temp file for %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "control: renaming temp file into %s", path)
	}
	return nil
}

// Read parses a control file written by Write. Used by tests and by the
// inspection tooling described in spec.md §1 ("log-viewing and
// database-inspection utilities... read files the core produces").
func Read(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrapf(err, "control: reading %s", path)
	}

	var f File
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		switch key {
		case "CPUS":
			f.CPUs, _ = strconv.Atoi(value)
		case "MEM_MB":
			f.MemMB, _ = strconv.Atoi(value)
		case "MIN_CPUS":
			f.MinCPUs, _ = strconv.Atoi(value)
		case "MAX_CPUS":
			f.MaxCPUs, _ = strconv.Atoi(value)
		case "STATUS":
			f.Status = Status(value)
		case "SCALE_EVENT":
			f.ScaleEvent, _ = strconv.ParseFloat(value, 64)
		}
	}
	return f, nil
}

// Remove deletes a job's control file when it terminates (spec.md §4.5,
// §6: "Removed when the job terminates"). Missing files are not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "control: removing %s", path)
	}
	return nil
}
