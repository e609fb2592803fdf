// Package metrics exposes session statistics as Prometheus collectors.
// All methods are safe on a nil *Collector, so sessions can record
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smartcontrolx/scx/internal/protocol"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "scx").
	Namespace string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures New.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Collector holds the session metrics.
type Collector struct {
	videoFPS          prometheus.Gauge
	videoUnits        prometheus.Counter
	videoBytes        prometheus.Counter
	decodeErrors      prometheus.Counter
	controlRTT        prometheus.Gauge
	controlEvents     *prometheus.CounterVec
	sessions          *prometheus.CounterVec
	discoveryAttempts prometheus.Counter
}

// New registers the collectors and returns them.
func New(opts ...Option) *Collector {
	cfg := Config{
		Namespace: "scx",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Collector{
		videoFPS: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "video_fps",
			Help:      "Video units received per second over the last full window",
		}),
		videoUnits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "video_units_total",
			Help:      "Total number of video units received",
		}),
		videoBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "video_bytes_total",
			Help:      "Total video payload bytes received",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "video_decode_errors_total",
			Help:      "Total number of units the decode sink rejected",
		}),
		controlRTT: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "control_rtt_ms",
			Help:      "Last ping send latency in milliseconds",
		}),
		controlEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "control_events_total",
			Help:      "Total number of control events written, by type",
		}, []string{"type"}),
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "sessions_total",
			Help:      "Total number of finished sessions, by kind and result",
		}, []string{"kind", "result"}),
		discoveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "discovery_attempts_total",
			Help:      "Total number of discovery broadcasts sent",
		}),
	}
}

// ObserveFPS records the latest computed frame rate.
func (c *Collector) ObserveFPS(fps float64) {
	if c == nil {
		return
	}
	c.videoFPS.Set(fps)
}

// UnitReceived counts one video unit of n bytes.
func (c *Collector) UnitReceived(n int) {
	if c == nil {
		return
	}
	c.videoUnits.Inc()
	c.videoBytes.Add(float64(n))
}

// DecodeError counts a unit the decoder rejected.
func (c *Collector) DecodeError() {
	if c == nil {
		return
	}
	c.decodeErrors.Inc()
}

// ObserveRTT records the latest ping latency.
func (c *Collector) ObserveRTT(ms float64) {
	if c == nil {
		return
	}
	c.controlRTT.Set(ms)
}

// EventSent counts one control event written to the host.
func (c *Collector) EventSent(t protocol.EventType) {
	if c == nil {
		return
	}
	c.controlEvents.WithLabelValues(t.String()).Inc()
}

// SessionEnded counts a finished session. result is "ok", "stopped" or
// "failed".
func (c *Collector) SessionEnded(kind, result string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(kind, result).Inc()
}

// DiscoveryAttempt counts one discovery broadcast.
func (c *Collector) DiscoveryAttempt() {
	if c == nil {
		return
	}
	c.discoveryAttempts.Inc()
}
