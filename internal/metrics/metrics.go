// Package metrics defines the Prometheus collectors exposed by the
// orchestrator's admin surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the orchestrator's collectors so call sites don't need
// to reach into the default global registry directly.
type Registry struct {
	PoolDepth     *prometheus.GaugeVec
	LiveKernels   prometheus.Gauge
	Executions    *prometheus.CounterVec
	Stalls        prometheus.Counter
	ForcedKills   prometheus.Counter
}

// NewRegistry constructs and registers the orchestrator's collectors on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		PoolDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kernelmgr",
			Name:      "pool_depth",
			Help:      "Number of pre-warmed pending kernels currently held per (mode, language).",
		}, []string{"mode", "language"}),
		LiveKernels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernelmgr",
			Name:      "live_kernels",
			Help:      "Number of kernel instances currently registered.",
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernelmgr",
			Name:      "executions_total",
			Help:      "Executions completed, labeled by outcome.",
		}, []string{"outcome"}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernelmgr",
			Name:      "execution_stalls_total",
			Help:      "Executions flagged as stalled by the activity watchdog.",
		}),
		ForcedKills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernelmgr",
			Name:      "forced_terminations_total",
			Help:      "Kernels terminated via forceTerminate.",
		}),
	}

	reg.MustRegister(r.PoolDepth, r.LiveKernels, r.Executions, r.Stalls, r.ForcedKills)
	return r
}
