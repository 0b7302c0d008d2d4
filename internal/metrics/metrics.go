// Package metrics exposes cycle, VRP and RTR counters over a small HTTP
// mux, ambient operational surface not named by the validation/RTR specs
// themselves but carried because the teacher's own dependency set pulls in
// VictoriaMetrics/metrics and go-chi for exactly this kind of debug
// surface.
package metrics

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// Set holds every counter/gauge/histogram relyd exports. Each field is a
// distinct VictoriaMetrics metric registered against its own Set so tests
// can create throwaway instances without polluting the process-global
// default set.
type Set struct {
	set *metrics.Set

	cyclesTotal      *metrics.Counter
	cycleFailures    *metrics.Counter
	cycleDuration    *metrics.Histogram
	vrpCount         *metrics.Gauge
	routerKeyCount   *metrics.Gauge
	rtrClients       *metrics.Gauge
	rtrPDUsSent      *metrics.Counter
	rtrPDUsReceived  *metrics.Counter
	rtrResets        *metrics.Counter
	slurmFilterCount *metrics.Gauge
}

// New creates a fresh, independent metric set.
func New() *Set {
	s := &Set{set: metrics.NewSet()}
	s.cyclesTotal = s.set.NewCounter("relyd_cycles_total")
	s.cycleFailures = s.set.NewCounter("relyd_cycle_failures_total")
	s.cycleDuration = s.set.NewHistogram("relyd_cycle_duration_seconds")
	s.rtrPDUsSent = s.set.NewCounter("relyd_rtr_pdus_sent_total")
	s.rtrPDUsReceived = s.set.NewCounter("relyd_rtr_pdus_received_total")
	s.rtrResets = s.set.NewCounter("relyd_rtr_cache_resets_total")

	s.vrpCount = s.set.GetOrCreateGauge("relyd_vrp_count", nil)
	s.routerKeyCount = s.set.GetOrCreateGauge("relyd_router_key_count", nil)
	s.rtrClients = s.set.GetOrCreateGauge("relyd_rtr_clients", nil)
	s.slurmFilterCount = s.set.GetOrCreateGauge("relyd_slurm_filter_count", nil)
	return s
}

// CycleCompleted records one validation cycle's outcome and wall time.
func (s *Set) CycleCompleted(seconds float64, ok bool) {
	s.cyclesTotal.Inc()
	if !ok {
		s.cycleFailures.Inc()
	}
	s.cycleDuration.Update(seconds)
}

// SetVRPCounts updates the gauges published after every commit.
func (s *Set) SetVRPCounts(vrps, routerKeys int) {
	s.vrpCount.Set(float64(vrps))
	s.routerKeyCount.Set(float64(routerKeys))
}

// SetSLURMFilterCount updates the count of active SLURM filters+assertions.
func (s *Set) SetSLURMFilterCount(n int) { s.slurmFilterCount.Set(float64(n)) }

// SetRTRClients updates the connected-client gauge.
func (s *Set) SetRTRClients(n int) { s.rtrClients.Set(float64(n)) }

// PDUSent/PDUReceived/CacheReset count RTR protocol traffic.
func (s *Set) PDUSent()    { s.rtrPDUsSent.Inc() }
func (s *Set) PDUReceived() { s.rtrPDUsReceived.Inc() }
func (s *Set) CacheReset() { s.rtrResets.Inc() }

// Handler returns an http.Handler serving the set in Prometheus text
// exposition format, suitable for mounting at /metrics.
func (s *Set) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.set.WritePrometheus(w)
	})
}
