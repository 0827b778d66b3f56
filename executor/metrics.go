package executor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors one Executor updates as it
// explores paths. Each Executor owns its own prometheus.Registry rather
// than registering against the global DefaultRegisterer, so building more
// than one Executor in a process (as the package's own tests do) never
// trips a duplicate-registration panic.
type Metrics struct {
	PathsExplored prometheus.Counter
	PathsForked   prometheus.Counter
	PathsPruned   prometheus.Counter
	SolverChecks  prometheus.Counter
	PathSteps     prometheus.Histogram
}

// newMetrics builds and registers a fresh Metrics against reg.
func newMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		PathsExplored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symex_paths_explored_total",
			Help: "Total number of terminated paths reported by the executor.",
		}),
		PathsForked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symex_paths_forked_total",
			Help: "Total number of child paths created by branch or pointer-resolution forks.",
		}),
		PathsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symex_paths_pruned_total",
			Help: "Total number of branch alternatives dropped as solver-infeasible.",
		}),
		SolverChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symex_solver_checks_total",
			Help: "Total number of CheckSat calls issued against the shared solver.",
		}),
		PathSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "symex_path_steps",
			Help:    "Distribution of instruction-step counts across terminated paths.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
	reg.MustRegister(m.PathsExplored, m.PathsForked, m.PathsPruned, m.SolverChecks, m.PathSteps)
	return m
}
