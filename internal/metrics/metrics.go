// Package metrics wraps github.com/rcrowley/go-metrics, the library
// scoot's common/stats package builds its StatsReceiver abstraction on top
// of. This package skips scoot's full Finagle-style wrapper (it exists to
// hide go-metrics from library consumers embedding scoot; mini-slurm is an
// application binary, not a library, so there is nothing to hide it from —
// see DESIGN.md) and registers counters/gauges directly against the
// default go-metrics registry.
package metrics

import (
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/InduVarshini/mini-slurm/internal/job"
)

// Registry holds the counters and gauges the scheduler loop updates each
// tick (spec.md §2 "Data flow per tick"). There is no cancelled counter:
// cancellation is a client-side Store.Cancel call the daemon never
// observes in its own loop (see DESIGN.md).
type Registry struct {
	admitted    gometrics.Counter
	completed   gometrics.Counter
	failed      gometrics.Counter
	scaleEvents gometrics.Counter
	utilization gometrics.GaugeFloat64
}

func New() *Registry {
	r := &Registry{
		admitted:    gometrics.NewCounter(),
		completed:   gometrics.NewCounter(),
		failed:      gometrics.NewCounter(),
		scaleEvents: gometrics.NewCounter(),
		utilization: gometrics.NewGaugeFloat64(),
	}
	gometrics.Register("mini_slurm.jobs_admitted", r.admitted)
	gometrics.Register("mini_slurm.jobs_completed", r.completed)
	gometrics.Register("mini_slurm.jobs_failed", r.failed)
	gometrics.Register("mini_slurm.elastic_scale_events", r.scaleEvents)
	gometrics.Register("mini_slurm.cluster_utilization_pct", r.utilization)
	return r
}

func (r *Registry) IncAdmitted() { r.admitted.Inc(1) }

func (r *Registry) IncReaped(status job.Status) {
	switch status {
	case job.Completed:
		r.completed.Inc(1)
	case job.Failed:
		r.failed.Inc(1)
	}
}

// IncScaleEvent records one successful elastic.applyDelta call (spec.md
// §4.6), in either direction.
func (r *Registry) IncScaleEvent() { r.scaleEvents.Inc(1) }

func (r *Registry) SetUtilization(pct float64) { r.utilization.Update(pct) }

// Snapshot is a point-in-time read of every tracked metric, logged by the
// scheduler periodically and on shutdown (spec.md §4.7).
type Snapshot struct {
	Admitted    int64
	Completed   int64
	Failed      int64
	ScaleEvents int64
	Utilization float64
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Admitted:    r.admitted.Count(),
		Completed:   r.completed.Count(),
		Failed:      r.failed.Count(),
		ScaleEvents: r.scaleEvents.Count(),
		Utilization: r.utilization.Value(),
	}
}
