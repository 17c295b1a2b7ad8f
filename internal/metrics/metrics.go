// ABOUTME: Prometheus collectors for the sink, routes and connections
// ABOUTME: A nil *Metrics is valid and records nothing
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connect outcome labels
const (
	OutcomeConnected     = "connected"
	OutcomeNotFound      = "device_not_found"
	OutcomeBondingFailed = "bonding_failed"
	OutcomeProfileFailed = "profile_connect_failed"
	OutcomeSinkNotActive = "sink_not_active"
	OutcomeOutputFailed  = "output_open_failed"
	OutcomeUnclassified  = "error"
)

// Metrics holds the daemon's collectors
type Metrics struct {
	reg *prometheus.Registry

	framesCaptured prometheus.Counter
	bytesCaptured  prometheus.Counter
	writeErrors    *prometheus.CounterVec
	connects       *prometheus.CounterVec
	disconnects    prometheus.Counter
	routes         prometheus.Gauge
	sinkActive     prometheus.Gauge
	capturing      prometheus.Gauge
	devicesFound   prometheus.Counter

	framesAtomic atomic.Uint64
	bytesAtomic  atomic.Uint64
}

// New creates collectors on a private registry with process and Go
// runtime collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	return &Metrics{
		reg: reg,

		framesCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "btsink_frames_captured",
			Help: "Total audio frames read from the capture stream",
		}),
		bytesCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "btsink_bytes_captured",
			Help: "Total audio bytes read from the capture stream",
		}),
		writeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "btsink_route_write_errors",
			Help: "Failed frame writes per route",
		}, []string{"device"}),
		connects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "btsink_connect_attempts",
			Help: "Device connect attempts by outcome",
		}, []string{"outcome"}),
		disconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "btsink_disconnects",
			Help: "Devices disconnected, solicited or not",
		}),
		routes: f.NewGauge(prometheus.GaugeOpts{
			Name: "btsink_open_routes",
			Help: "Open output routes including the main output",
		}),
		sinkActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "btsink_sink_active",
			Help: "1 while the virtual sink is active",
		}),
		capturing: f.NewGauge(prometheus.GaugeOpts{
			Name: "btsink_capturing",
			Help: "1 while the capture loop runs",
		}),
		devicesFound: f.NewCounter(prometheus.CounterOpts{
			Name: "btsink_devices_found",
			Help: "Audio devices reported by discovery",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) FrameCaptured(n int) {
	if m == nil {
		return
	}
	m.framesCaptured.Inc()
	m.bytesCaptured.Add(float64(n))
	m.framesAtomic.Add(1)
	m.bytesAtomic.Add(uint64(n))
}

// FramesCaptured returns the frame count without a registry gather
func (m *Metrics) FramesCaptured() uint64 {
	if m == nil {
		return 0
	}
	return m.framesAtomic.Load()
}

// BytesCaptured returns the byte count without a registry gather
func (m *Metrics) BytesCaptured() uint64 {
	if m == nil {
		return 0
	}
	return m.bytesAtomic.Load()
}

func (m *Metrics) RouteWriteError(deviceID string) {
	if m == nil {
		return
	}
	m.writeErrors.WithLabelValues(deviceID).Inc()
}

func (m *Metrics) ConnectOutcome(outcome string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Disconnected() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

func (m *Metrics) SetRoutes(n int) {
	if m == nil {
		return
	}
	m.routes.Set(float64(n))
}

func (m *Metrics) SetSinkActive(active bool) {
	if m == nil {
		return
	}
	m.sinkActive.Set(boolGauge(active))
}

func (m *Metrics) SetCapturing(running bool) {
	if m == nil {
		return
	}
	m.capturing.Set(boolGauge(running))
}

func (m *Metrics) DeviceFound() {
	if m == nil {
		return
	}
	m.devicesFound.Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
