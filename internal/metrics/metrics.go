// Package metrics exposes Prometheus instrumentation for the check pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pluginFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_plugin_faults_total",
			Help: "Plugin calls that raised, timed out or returned malformed data.",
		},
		[]string{"plugin", "phase", "fault"},
	)
	checkResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_check_results_total",
			Help: "Check results produced, by plugin and state.",
		},
		[]string{"plugin", "state"},
	)
	discoveredServices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_discovered_services",
			Help: "Services in the current inventory of a host.",
		},
		[]string{"host"},
	)
	fetchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_fetch_failures_total",
			Help: "Raw section fetches that failed, by source.",
		},
		[]string{"source"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_stage_duration_seconds",
			Help:    "Duration of pipeline stages per host cycle.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(pluginFaultsTotal)
	prometheus.MustRegister(checkResultsTotal)
	prometheus.MustRegister(discoveredServices)
	prometheus.MustRegister(fetchFailuresTotal)
	prometheus.MustRegister(stageDuration)
}

// PluginFault counts one isolated plugin failure. phase is "discover" or
// "evaluate".
func PluginFault(plugin, phase, fault string) {
	pluginFaultsTotal.WithLabelValues(plugin, phase, fault).Inc()
}

// CheckResult counts one produced result.
func CheckResult(plugin, state string) {
	checkResultsTotal.WithLabelValues(plugin, state).Inc()
}

// DiscoveredServices records the inventory size of host.
func DiscoveredServices(host string, n int) {
	discoveredServices.WithLabelValues(host).Set(float64(n))
}

// FetchFailure counts one failed fetch.
func FetchFailure(source string) {
	fetchFailuresTotal.WithLabelValues(source).Inc()
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
