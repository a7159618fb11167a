// Package metrics exports bus activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
)

// Namespace prefixes every metric name.
const Namespace = "jacdac"

// Recorder implements bus.Recorder on a private Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	packetsRouted  *prometheus.CounterVec
	packetsDropped *prometheus.CounterVec
	devices        prometheus.Gauge
	clients        prometheus.Gauge
	ackTimeouts    prometheus.Counter
	roleAssigned   prometheus.Counter
}

var _ bus.Recorder = (*Recorder)(nil)

// New creates a recorder whose metrics carry the node constant label.
func New(node string) *Recorder {
	labels := prometheus.Labels{"node": node}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		packetsRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   Namespace,
				Subsystem:   "bus",
				Name:        "packets_routed_total",
				Help:        "Packets dispatched by the router, by kind.",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		packetsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   Namespace,
				Subsystem:   "bus",
				Name:        "packets_dropped_total",
				Help:        "Packets the router discarded, by reason.",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   "bus",
			Name:        "devices",
			Help:        "Devices currently known on the bus.",
			ConstLabels: labels,
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   "bus",
			Name:        "clients_attached",
			Help:        "Clients currently attached to a remote service.",
			ConstLabels: labels,
		}),
		ackTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "bus",
			Name:        "ack_timeouts_total",
			Help:        "Acknowledged commands that received no ack.",
			ConstLabels: labels,
		}),
		roleAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "roles",
			Name:        "assigned_total",
			Help:        "Roles bound by the auto-binder.",
			ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(
		r.packetsRouted,
		r.packetsDropped,
		r.devices,
		r.clients,
		r.ackTimeouts,
		r.roleAssigned,
		prometheus.NewGoCollector(),
	)
	return r
}

// Registry returns the registry holding the recorder's metrics.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) PacketRouted(kind string)    { r.packetsRouted.WithLabelValues(kind).Inc() }
func (r *Recorder) PacketDropped(reason string) { r.packetsDropped.WithLabelValues(reason).Inc() }
func (r *Recorder) DevicesChanged(count int)    { r.devices.Set(float64(count)) }
func (r *Recorder) ClientAttached()             { r.clients.Inc() }
func (r *Recorder) ClientDetached()             { r.clients.Dec() }
func (r *Recorder) AckTimeout()                 { r.ackTimeouts.Inc() }
func (r *Recorder) RoleAssigned()               { r.roleAssigned.Inc() }
