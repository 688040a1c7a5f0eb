package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SwapPhaseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_phase_total",
			Help: "Swap phase invocations by outcome",
		},
		[]string{"phase", "outcome"},
	)

	SwapPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swap_phase_duration_seconds",
			Help:    "Duration of swap phases including the external call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// ResolverMatches counts identity resolutions; "ambiguous" means more than
	// one identification carried the derived serial and the first one was used.
	ResolverMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_matches_total",
			Help: "Myth device to Skidata ticket resolutions by result",
		},
		[]string{"result"},
	)

	LedgerAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_appends_total",
			Help: "Device history events appended, by processing status",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Later calls
// are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SwapPhaseTotal,
			SwapPhaseDuration,
			ResolverMatches,
			LedgerAppends,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}
