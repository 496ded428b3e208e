package server

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fixturelab/stub_server/pkg/metrics"
	stubconfig "github.com/fixturelab/stub_server/pkg/stub/config"
	"github.com/fixturelab/stub_server/pkg/stub/responder"
)

// stubMetrics instruments handled requests. Route and outcome labels come
// from the response headers the responder sets.
type stubMetrics struct {
	requests    *prometheus.CounterVec
	inflight    *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
	connections *prometheus.GaugeVec
	updateWait  prometheus.Histogram

	prefixes []servicePrefix
}

type servicePrefix struct {
	prefix  string
	service string
}

func newStubMetrics(reg *metrics.Registry, services []stubconfig.ServiceConfig) *stubMetrics {
	if reg == nil {
		return nil
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stubd_requests_total",
		Help: "Count of handled requests labelled by service, route, and outcome.",
	}, []string{"service", "route", "outcome"})

	inflight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stubd_inflight_requests",
		Help: "Current number of in-flight requests by service.",
	}, []string{"service"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stubd_request_duration_seconds",
		Help:    "Handling duration segmented by service and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "route"})

	connections := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stubd_active_connections",
		Help: "Current number of upgraded connections (websocket, grpc streams) by protocol and service.",
	}, []string{"protocol", "service"})

	updateWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stubd_fixture_update_wait_seconds",
		Help:    "Time spent waiting for and performing a fixture update cycle.",
		Buckets: prometheus.DefBuckets,
	})

	reg.Register(requests)
	reg.Register(inflight)
	reg.Register(duration)
	reg.Register(connections)
	reg.Register(updateWait)

	prefixes := make([]servicePrefix, 0, len(services))
	for _, svc := range services {
		if svc.Prefix == "" || svc.Name == "" {
			continue
		}
		prefixes = append(prefixes, servicePrefix{prefix: svc.Prefix, service: svc.Name})
	}
	sort.Slice(prefixes, func(i, j int) bool {
		return len(prefixes[i].prefix) > len(prefixes[j].prefix)
	})

	return &stubMetrics{
		requests:    requests,
		inflight:    inflight,
		duration:    duration,
		connections: connections,
		updateWait:  updateWait,
		prefixes:    prefixes,
	}
}

func (m *stubMetrics) track(w http.ResponseWriter, r *http.Request) func(status int, elapsed time.Duration) {
	if m == nil || r == nil {
		return func(int, time.Duration) {}
	}

	service := m.serviceFor(r)

	if m.inflight != nil {
		m.inflight.WithLabelValues(service).Inc()
	}

	return func(status int, elapsed time.Duration) {
		if status <= 0 {
			status = http.StatusOK
		}

		route := "none"
		outcome := ""
		if w != nil {
			if v := w.Header().Get(responder.HeaderRoute); v != "" {
				route = v
			}
			outcome = w.Header().Get(responder.HeaderOutcome)
		}
		if outcome == "" {
			outcome = "success"
			if status >= 400 {
				outcome = "error"
			}
		}

		if m.requests != nil {
			m.requests.WithLabelValues(service, route, outcome).Inc()
		}
		if m.duration != nil {
			m.duration.WithLabelValues(service, route).Observe(elapsed.Seconds())
		}
		if m.inflight != nil {
			m.inflight.WithLabelValues(service).Dec()
		}
	}
}

func (m *stubMetrics) hijacked(r *http.Request) func() {
	if m == nil || m.connections == nil || r == nil {
		return nil
	}

	protocol := classifyProtocol(r)
	if protocol != "websocket" {
		return nil
	}

	service := m.serviceFor(r)
	m.connections.WithLabelValues(protocol, service).Inc()
	return func() {
		m.connections.WithLabelValues(protocol, service).Dec()
	}
}

func (m *stubMetrics) observeUpdateWait(elapsed time.Duration) {
	if m == nil || m.updateWait == nil {
		return
	}
	m.updateWait.Observe(elapsed.Seconds())
}

func (m *stubMetrics) serviceFor(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/__stub/"):
		return "control"
	case path == "/health", path == "/readyz", path == "/readiness", path == "/metrics":
		return "meta"
	}
	for _, sp := range m.prefixes {
		if path == sp.prefix || strings.HasPrefix(path, sp.prefix+"/") {
			return sp.service
		}
	}
	return "unknown"
}

func classifyProtocol(r *http.Request) string {
	if r == nil {
		return "unknown"
	}

	if upgrade := r.Header.Get("Upgrade"); upgrade != "" && strings.EqualFold(upgrade, "websocket") {
		return "websocket"
	}

	if connection := r.Header.Get("Connection"); connection != "" && strings.Contains(strings.ToLower(connection), "upgrade") {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			return "websocket"
		}
	}

	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "application/grpc") {
		return "grpc"
	}

	if r.Header.Get("Grpc-Timeout") != "" {
		return "grpc"
	}

	if r.ProtoMajor == 2 && strings.Contains(strings.ToLower(r.Header.Get("TE")), "trailers") && strings.HasPrefix(contentType, "application/") {
		return "grpc"
	}

	return "http"
}
