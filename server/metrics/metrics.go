// Package metrics exposes capture counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pktscope"

// Metrics holds the capture service collectors.
type Metrics struct {
	FramesSeen     prometheus.Counter
	FramesFiltered prometheus.Counter
	Records        prometheus.Counter
	CaptureErrors  *prometheus.CounterVec

	StoreRecords prometheus.Gauge
	Capturing    *prometheus.GaugeVec
	Followers    prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_seen_total",
			Help:      "Total number of frames read from the capture source",
		}),
		FramesFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_filtered_total",
			Help:      "Total number of frames dropped as self traffic",
		}),
		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Total number of records stored",
		}),
		CaptureErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_errors_total",
			Help:      "Total number of capture source errors",
		}, []string{"kind"}),
		StoreRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_records",
			Help:      "Number of records currently held in memory",
		}),
		Capturing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capturing",
			Help:      "Whether a capture is running on a device (1 for running, 0 for idle)",
		}, []string{"device"}),
		Followers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "followers",
			Help:      "Number of attached live record followers",
		}),
	}

	if reg != nil {
		reg.MustRegister(m)
	}

	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesSeen,
		m.FramesFiltered,
		m.Records,
		m.CaptureErrors,
		m.StoreRecords,
		m.Capturing,
		m.Followers,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// CaptureStarted marks device as capturing.
func (m *Metrics) CaptureStarted(device string) {
	if device == "" {
		return
	}

	m.Capturing.WithLabelValues(device).Set(1)
}

// CaptureStopped marks device as idle.
func (m *Metrics) CaptureStopped(device string) {
	if device == "" {
		return
	}

	m.Capturing.WithLabelValues(device).Set(0)
}
