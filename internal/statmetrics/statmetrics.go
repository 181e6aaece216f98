// Package statmetrics exposes Prometheus metrics for the engine's own
// health: heaps processed/dropped, compute/publish durations, current
// state-machine state and host CPU load. These are metrics about the
// pipeline, distinct from the astrophysical statistics it computes.
package statmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Metrics holds all Prometheus collectors registered for one beam's
// engine process.
type Metrics struct {
	heapsProcessed   prometheus.Counter
	heapsDropped     prometheus.Counter
	segmentsComplete prometheus.Counter
	segmentsAborted  prometheus.Counter
	computeSeconds   prometheus.Histogram
	publishSeconds   *prometheus.HistogramVec
	appState         *prometheus.GaugeVec
	processCPU       prometheus.Gauge

	mu        sync.Mutex
	stateName string
}

// New creates and registers the beam engine's metrics with reg. Passing
// prometheus.DefaultRegisterer matches the teacher's promauto default.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		heapsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pst_stat_heaps_processed_total",
			Help: "Total heaps accumulated into Storage across all segments.",
		}),
		heapsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pst_stat_heaps_dropped_total",
			Help: "Total heaps dropped for not being heap-aligned (Processor.process step 1).",
		}),
		segmentsComplete: factory.NewCounter(prometheus.CounterOpts{
			Name: "pst_stat_segments_complete_total",
			Help: "Total segments that completed Computer.compute without interruption.",
		}),
		segmentsAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "pst_stat_segments_aborted_total",
			Help: "Total segments that returned incomplete (interrupted or empty).",
		}),
		computeSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pst_stat_compute_seconds",
			Help:    "Wall time spent in Computer.compute per segment.",
			Buckets: prometheus.DefBuckets,
		}),
		publishSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pst_stat_publish_seconds",
			Help:    "Wall time spent in Publisher.Publish, by publisher name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"publisher"}),
		appState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pst_stat_application_state",
			Help: "1 for the ApplicationManager's current state, 0 otherwise.",
		}, []string{"state"}),
		processCPU: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pst_stat_process_cpu_percent",
			Help: "Host-wide CPU utilisation percentage, sampled periodically.",
		}),
	}
	return m
}

// ObserveHeaps records heaps successfully accumulated and heaps dropped
// for misalignment in one process() call.
func (m *Metrics) ObserveHeaps(processed, dropped int) {
	if processed > 0 {
		m.heapsProcessed.Add(float64(processed))
	}
	if dropped > 0 {
		m.heapsDropped.Add(float64(dropped))
	}
}

// ObserveSegment records the outcome and duration of one compute() call.
func (m *Metrics) ObserveSegment(complete bool, d time.Duration) {
	m.computeSeconds.Observe(d.Seconds())
	if complete {
		m.segmentsComplete.Inc()
	} else {
		m.segmentsAborted.Inc()
	}
}

// ObservePublish records the duration of one publisher's Publish call.
func (m *Metrics) ObservePublish(publisher string, d time.Duration) {
	m.publishSeconds.WithLabelValues(publisher).Observe(d.Seconds())
}

// SetState records the ApplicationManager's current state name,
// clearing the gauge for any previously-reported state.
func (m *Metrics) SetState(state string) {
	m.mu.Lock()
	prev := m.stateName
	m.stateName = state
	m.mu.Unlock()

	if prev != "" && prev != state {
		m.appState.WithLabelValues(prev).Set(0)
	}
	m.appState.WithLabelValues(state).Set(1)
}

// SampleCPU updates the CPU gauge with host-wide utilisation across all
// CPUs, from a gopsutil sample taken over interval. Intended to be called periodically from a background
// ticker in cmd/pst-stat-core.
func (m *Metrics) SampleCPU(interval time.Duration) {
	pcts, err := cpu.Percent(interval, false)
	if err != nil || len(pcts) == 0 {
		return
	}
	m.processCPU.Set(pcts[0])
}
