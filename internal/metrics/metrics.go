// ABOUTME: Prometheus collectors for the session client and the relay
// ABOUTME: Collectors register on a caller-supplied registerer; nil receivers are no-ops

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "consult"

// Client counts session-manager activity.
type Client struct {
	Reconnects          prometheus.Counter
	Deliveries          *prometheus.CounterVec
	DecodeErrors        prometheus.Counter
	PublishFailures     *prometheus.CounterVec
	AssignmentConflicts prometheus.Counter
	HistoryErrors       prometheus.Counter
}

// NewClient registers the client collectors on reg.
func NewClient(reg prometheus.Registerer) *Client {
	f := promauto.With(reg)
	return &Client{
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_reconnects_total",
			Help:      "Relay connection losses that started a reconnect",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_deliveries_total",
			Help:      "Room deliveries by reconciliation outcome",
		}, []string{"outcome"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_decode_errors_total",
			Help:      "Room deliveries that could not be decoded",
		}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_publish_failures_total",
			Help:      "Optimistic messages marked failed",
		}, []string{"reason"}),
		AssignmentConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_assignment_conflicts_total",
			Help:      "Room claims lost to another agent",
		}),
		HistoryErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_history_errors_total",
			Help:      "Failed history page fetches",
		}),
	}
}

func (c *Client) Reconnect() {
	if c != nil {
		c.Reconnects.Inc()
	}
}

func (c *Client) Delivery(outcome string) {
	if c != nil {
		c.Deliveries.WithLabelValues(outcome).Inc()
	}
}

func (c *Client) DecodeError() {
	if c != nil {
		c.DecodeErrors.Inc()
	}
}

func (c *Client) PublishFailure(reason string) {
	if c != nil {
		c.PublishFailures.WithLabelValues(reason).Inc()
	}
}

func (c *Client) AssignmentConflict() {
	if c != nil {
		c.AssignmentConflicts.Inc()
	}
}

func (c *Client) HistoryError() {
	if c != nil {
		c.HistoryErrors.Inc()
	}
}

// Relay counts relay server activity.
type Relay struct {
	Connections prometheus.Gauge
	Frames      *prometheus.CounterVec
	Messages    prometheus.Counter
	Dedupes     prometheus.Counter
	AuthFailure prometheus.Counter
	HTTPReqs    *prometheus.CounterVec
}

// NewRelay registers the relay collectors on reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open STOMP sessions",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Client frames received by command",
		}, []string{"command"}),
		Messages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Chat messages stored and fanned out",
		}),
		Dedupes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dedupe_hits_total",
			Help:      "Retried sends answered with the original message",
		}),
		AuthFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_auth_failures_total",
			Help:      "CONNECT frames rejected for bad credentials",
		}),
		HTTPReqs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_http_requests_total",
			Help:      "Room API requests",
		}, []string{"method", "route", "status"}),
	}
}

func (r *Relay) Connected(delta float64) {
	if r != nil {
		r.Connections.Add(delta)
	}
}

func (r *Relay) Frame(command string) {
	if r != nil {
		r.Frames.WithLabelValues(command).Inc()
	}
}

func (r *Relay) Message() {
	if r != nil {
		r.Messages.Inc()
	}
}

func (r *Relay) Dedupe() {
	if r != nil {
		r.Dedupes.Inc()
	}
}

func (r *Relay) AuthFailed() {
	if r != nil {
		r.AuthFailure.Inc()
	}
}

func (r *Relay) HTTPRequest(method, route, status string) {
	if r != nil {
		r.HTTPReqs.WithLabelValues(method, route, status).Inc()
	}
}
