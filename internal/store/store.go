// Package store implements the Persistent Store (spec.md §4.1): the single
// transactional file database holding the jobs table. The daemon is the
// sole writer of RUNNING-state transitions; clients append submissions and
// write cancellations, which are conditional on the current status.
//
// Grounded on armadaproject's internal/jobservice/repository/sqlite.go
// (sql.Open("sqlite", path) over modernc.org/sqlite, a sync.RWMutex guarding
// the *sql.DB, logrus for warnings) and on the column layout of
// _examples/original_source/src/mini_slurm/database.py.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/InduVarshini/mini-slurm/internal/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	command TEXT NOT NULL,
	cpus INTEGER NOT NULL,
	mem_mb INTEGER NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	submit_time REAL NOT NULL,
	start_time REAL,
	end_time REAL,
	wait_time REAL,
	runtime REAL,
	return_code INTEGER,
	user TEXT,
	stdout_path TEXT,
	stderr_path TEXT,
	cpu_user_time REAL,
	cpu_system_time REAL,
	is_elastic INTEGER NOT NULL DEFAULT 0,
	min_cpus INTEGER,
	max_cpus INTEGER,
	current_cpus INTEGER,
	control_file TEXT,
	nodes TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store wraps the single sqlite file backing the scheduler. Mutations are
// serialized with an in-process RWMutex in addition to SQLite's own file
// locking, so that the "atomic per call" guarantee in spec.md §4.1 holds
// even when called from multiple goroutines within the daemon (the
// scheduler loop itself is single-threaded, but the daemon's admin HTTP/CLI
// glue may call the store concurrently with the loop in future revisions).
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open creates the schema if absent and returns a Store backed by path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "store: creating directory %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "store: opening %s", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn.

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: creating schema")
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertPending appends a new job in PENDING status and returns its id.
func (s *Store) InsertPending(r *job.Request, user string, now float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var minCPUs, maxCPUs, currentCPUs interface{}
	if r.IsElastic {
		minCPUs, maxCPUs, currentCPUs = r.MinCPUs, r.MaxCPUs, r.CPUs
	}

	res, err := s.db.Exec(
		`INSERT INTO jobs (command, cpus, mem_mb, status, priority, submit_time, user,
			is_elastic, min_cpus, max_cpus, current_cpus)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Command, r.CPUs, r.MemMB, string(job.Pending), r.Priority, now, user,
		boolToInt(r.IsElastic), minCPUs, maxCPUs, currentCPUs,
	)
	if err != nil {
		return 0, errors.Wrap(err, "store: insert_pending")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "store: insert_pending: last insert id")
	}
	return id, nil
}

// Filter narrows List to jobs in a particular status; the zero value
// matches every job.
type Filter struct {
	Status job.Status
}

const selectColumns = `id, command, cpus, mem_mb, status, priority, submit_time, start_time,
	end_time, wait_time, runtime, return_code, user, stdout_path, stderr_path,
	cpu_user_time, cpu_system_time, is_elastic, min_cpus, max_cpus, current_cpus,
	control_file, nodes`

// List returns jobs matching filter, ordered by id ascending.
func (s *Store) List(f Filter) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + selectColumns + ` FROM jobs`
	var args []interface{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: list")
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: list: scan")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PendingSortedForAdmission returns PENDING jobs ordered per spec.md §4.4:
// (priority DESC, submit_time ASC, id ASC).
func (s *Store) PendingSortedForAdmission() ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+selectColumns+` FROM jobs WHERE status = ? ORDER BY priority DESC, submit_time ASC, id ASC`,
		string(job.Pending),
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: pending sorted")
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: pending sorted: scan")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RunningElasticSortedForScaleDown returns RUNNING elastic jobs ordered per
// spec.md §4.6 scale-down pass: (priority ASC, current_cpus DESC).
func (s *Store) RunningElasticSortedForScaleDown() ([]*job.Job, error) {
	return s.runningElasticSorted("priority ASC, current_cpus DESC")
}

// RunningElasticSortedForScaleUp returns RUNNING elastic jobs ordered per
// spec.md §4.6 scale-up pass: (priority DESC, current_cpus ASC).
func (s *Store) RunningElasticSortedForScaleUp() ([]*job.Job, error) {
	return s.runningElasticSorted("priority DESC, current_cpus ASC")
}

func (s *Store) runningElasticSorted(orderBy string) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+selectColumns+` FROM jobs WHERE status = ? AND is_elastic = 1 ORDER BY `+orderBy,
		string(job.Running),
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: running elastic sorted")
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: running elastic sorted: scan")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Get fetches a single job by id. Returns ErrNotFound if it doesn't exist.
func (s *Store) Get(id int64) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: get")
	}
	return j, nil
}

// ErrNotFound is returned by Get when no job with the given id exists.
var ErrNotFound = fmt.Errorf("job not found")

// AdmitRunning transitions a PENDING job to RUNNING, recording the fields
// the Supervisor determined at launch time (spec.md §4.4 step 3).
func (s *Store) AdmitRunning(id int64, startTime, waitTime float64, stdoutPath, stderrPath, controlFile string, currentCPUs int, nodes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var currentCPUsArg interface{}
	if currentCPUs > 0 {
		currentCPUsArg = currentCPUs
	}
	var nodesArg interface{}
	if len(nodes) > 0 {
		nodesArg = (&job.Job{Nodes: nodes}).NodesString()
	}
	var controlFileArg interface{}
	if controlFile != "" {
		controlFileArg = controlFile
	}

	_, err := s.db.Exec(
		`UPDATE jobs SET status = ?, start_time = ?, wait_time = ?, stdout_path = ?, stderr_path = ?,
			control_file = ?, current_cpus = ?, nodes = ?
		 WHERE id = ? AND status = ?`,
		string(job.Running), startTime, waitTime, stdoutPath, stderrPath, controlFileArg, currentCPUsArg, nodesArg,
		id, string(job.Pending),
	)
	if err != nil {
		return errors.Wrap(err, "store: admit_running")
	}
	return nil
}

// Reap records a terminal status transition with completion metrics
// (spec.md §4.5 "Reap").
func (s *Store) Reap(id int64, status job.Status, endTime, runtime float64, returnCode int, cpuUser, cpuSystem *float64) error {
	if !status.Terminal() {
		return fmt.Errorf("store: reap: %s is not a terminal status", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE jobs SET status = ?, end_time = ?, runtime = ?, return_code = ?, cpu_user_time = ?, cpu_system_time = ?
		 WHERE id = ? AND status = ?`,
		string(status), endTime, runtime, returnCode, cpuUser, cpuSystem,
		id, string(job.Running),
	)
	if err != nil {
		return errors.Wrap(err, "store: reap")
	}
	return nil
}

// Cancel marks a PENDING job CANCELLED. It is a conditional update: it only
// takes effect if the job is still PENDING (spec.md §4.1, §4.4). Returns
// whether the row was actually changed; false with a nil error covers both
// a job that is not PENDING (e.g. already cancelled, success-with-warning
// per spec.md §8) and an id that does not exist, which are not told apart.
func (s *Store) Cancel(id int64) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		string(job.Cancelled), id, string(job.Pending),
	)
	if err != nil {
		return false, errors.Wrap(err, "store: cancel")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "store: cancel: rows affected")
	}
	return n > 0, nil
}

// SetCurrentCPUs updates the daemon's current elastic allocation for a
// running job (spec.md §4.1, called by the Elastic Controller).
func (s *Store) SetCurrentCPUs(id int64, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE jobs SET current_cpus = ?, cpus = ? WHERE id = ? AND status = ?`,
		n, n, id, string(job.Running),
	)
	if err != nil {
		return errors.Wrap(err, "store: set_current_cpus")
	}
	return nil
}

// SetNodes updates the topology-assigned node list for a running job.
func (s *Store) SetNodes(id int64, nodes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := &job.Job{Nodes: nodes}
	_, err := s.db.Exec(`UPDATE jobs SET nodes = ? WHERE id = ?`, j.NodesString(), id)
	if err != nil {
		return errors.Wrap(err, "store: set_nodes")
	}
	return nil
}

// MarkOrphansFailed is run once at daemon startup: any row left RUNNING
// belongs to a daemon process that no longer exists, so it cannot have a
// live child (spec.md §4.1, §7 "Orphaned RUNNING rows at startup").
func (s *Store) MarkOrphansFailed(now float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, end_time = ?, return_code = ? WHERE status = ?`,
		string(job.Failed), now, job.OrphanReturnCode, string(job.Running),
	)
	if err != nil {
		return 0, errors.Wrap(err, "store: mark_orphans_failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "store: mark_orphans_failed: rows affected")
	}
	if n > 0 {
		log.Warnf("store: reconciled %d orphaned RUNNING job(s) to FAILED on startup", n)
	}
	return n, nil
}

// Stats aggregates spec.md §6 `stats` command data directly with SQL,
// mirroring the original implementation's get_stats() query shape.
type Stats struct {
	TotalJobs     int
	StatusCounts  map[job.Status]int
	UsedCPUs      int
	UsedMemMB     int
	AvgWaitTime   float64
	AvgRuntime    float64
	CompletedCount int
}

func (s *Store) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &Stats{StatusCounts: map[job.Status]int{}}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "store: stats: status counts")
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "store: stats: scan status counts")
		}
		out.StatusCounts[job.Status(st)] = n
		out.TotalJobs += n
	}
	rows.Close()

	row := s.db.QueryRow(`SELECT COALESCE(SUM(cpus),0), COALESCE(SUM(mem_mb),0) FROM jobs WHERE status = ?`, string(job.Running))
	if err := row.Scan(&out.UsedCPUs, &out.UsedMemMB); err != nil {
		return nil, errors.Wrap(err, "store: stats: used resources")
	}

	row = s.db.QueryRow(`SELECT COALESCE(AVG(wait_time),0), COALESCE(AVG(runtime),0), COUNT(*)
		FROM jobs WHERE status IN (?, ?) AND wait_time IS NOT NULL AND runtime IS NOT NULL`,
		string(job.Completed), string(job.Failed))
	if err := row.Scan(&out.AvgWaitTime, &out.AvgRuntime, &out.CompletedCount); err != nil {
		return nil, errors.Wrap(err, "store: stats: averages")
	}

	return out, nil
}

// Truncate deletes every job record. It backs the `reset` administrative
// command (SPEC_FULL.md supplemented features); callers are responsible
// for first confirming no daemon holds a live RUNNING job against this
// store.
func (s *Store) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM jobs`); err != nil {
		return errors.Wrap(err, "store: truncate")
	}
	if _, err := s.db.Exec(`DELETE FROM meta`); err != nil {
		return errors.Wrap(err, "store: truncate: meta")
	}
	return nil
}

// PutMeta and GetMeta manage the auxiliary metadata row described in
// SPEC_FULL.md — used to cache a checksum of the last-loaded topology
// config so the daemon can log when it changes across restarts.
func (s *Store) PutMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Wrap(err, "store: put_meta")
}

func (s *Store) GetMeta(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "store: get_meta")
	}
	return v, true, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanJob(r scannable) (*job.Job, error) {
	var j job.Job
	var status string
	var startTime, endTime, waitTime, runtime, cpuUserTime, cpuSystemTime sql.NullFloat64
	var returnCode sql.NullInt64
	var user, stdoutPath, stderrPath, controlFile, nodes sql.NullString
	var minCPUs, maxCPUs, currentCPUs sql.NullInt64
	var isElastic int

	if err := r.Scan(
		&j.ID, &j.Command, &j.CPUs, &j.MemMB, &status, &j.Priority, &j.SubmitTime,
		&startTime, &endTime, &waitTime, &runtime, &returnCode, &user, &stdoutPath, &stderrPath,
		&cpuUserTime, &cpuSystemTime, &isElastic, &minCPUs, &maxCPUs, &currentCPUs, &controlFile, &nodes,
	); err != nil {
		return nil, err
	}

	j.Status = job.Status(status)
	j.IsElastic = isElastic != 0
	j.User = user.String
	j.StdoutPath = stdoutPath.String
	j.StderrPath = stderrPath.String
	j.ControlFile = controlFile.String
	j.Nodes = job.SetNodesFromString(nodes.String)
	j.MinCPUs = int(minCPUs.Int64)
	j.MaxCPUs = int(maxCPUs.Int64)
	j.CurrentCPUs = int(currentCPUs.Int64)

	if startTime.Valid {
		v := startTime.Float64
		j.StartTime = &v
	}
	if endTime.Valid {
		v := endTime.Float64
		j.EndTime = &v
	}
	if waitTime.Valid {
		v := waitTime.Float64
		j.WaitTime = &v
	}
	if runtime.Valid {
		v := runtime.Float64
		j.Runtime = &v
	}
	if returnCode.Valid {
		v := int(returnCode.Int64)
		j.ReturnCode = &v
	}
	if cpuUserTime.Valid {
		v := cpuUserTime.Float64
		j.CPUUserTime = &v
	}
	if cpuSystemTime.Valid {
		v := cpuSystemTime.Float64
		j.CPUSystemTime = &v
	}

	return &j, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Now returns the current time as the epoch-seconds float the store's
// schema and spec.md §3 expect.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
