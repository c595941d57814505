// Package metrics exposes Prometheus instrumentation for the agent.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all agent metrics.
type Registry struct {
	// DNS cache metrics
	DNSLookups       *prometheus.CounterVec
	DNSCacheHits     prometheus.Counter
	DNSRefreshCycles prometheus.Counter
	DNSRefreshed     prometheus.Counter
	DNSNotifications prometheus.Counter
	DNSEvictions     prometheus.Counter
	DNSCacheEntries  prometheus.Gauge

	// Firewall metrics
	GenerationsApplied prometheus.Counter
	ApplyFailures      prometheus.Counter
	CompiledRules      prometheus.Gauge

	// Controller channel metrics
	Heartbeats      prometheus.Counter
	ConfigsReceived prometheus.Counter
	Reconnects      prometheus.Counter
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.DNSLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dns_lookups_total",
		Help: "Total DNS lookups performed, by outcome",
	}, []string{"outcome"})

	r.DNSCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_cache_hits_total",
		Help: "Resolve calls answered from the cache",
	})

	r.DNSRefreshCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_refresh_cycles_total",
		Help: "Completed refresh cycles",
	})

	r.DNSRefreshed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_entries_refreshed_total",
		Help: "Cache entries re-resolved by the refresh loop",
	})

	r.DNSNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_watcher_notifications_total",
		Help: "Watcher notifications delivered for address changes",
	})

	r.DNSEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_cache_evictions_total",
		Help: "Cache entries evicted after having no watchers",
	})

	r.DNSCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dns_cache_entries",
		Help: "Current number of cache entries",
	})

	r.GenerationsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "firewall_generations_applied_total",
		Help: "Ruleset generations successfully applied to the kernel",
	})

	r.ApplyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "firewall_apply_failures_total",
		Help: "Ruleset generations that failed to apply",
	})

	r.CompiledRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "firewall_compiled_rules",
		Help: "Rules in the most recently compiled generation",
	})

	r.Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_heartbeats_total",
		Help: "Heartbeats sent to the controller",
	})

	r.ConfigsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_configs_received_total",
		Help: "Configuration documents received from the controller",
	})

	r.Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_reconnects_total",
		Help: "Reconnection attempts to the controller",
	})

	return r
}

// Handler returns an HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
