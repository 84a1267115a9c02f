package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	connectionsEvicted prometheus.Counter
	tlsStartedTotal    prometheus.Counter

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal  *prometheus.CounterVec
	badCommands    prometheus.Counter
	idleTimeouts   prometheus.Counter
	authReconnects prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imap_login_connections_total",
			Help: "Total number of pre-authentication connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imap_login_connections_active",
			Help: "Number of currently active pre-authentication connections.",
		}),
		connectionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imap_login_connections_evicted_total",
			Help: "Total number of connections destroyed to make room under the client limit.",
		}),
		tlsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imap_login_tls_started_total",
			Help: "Total number of connections that completed a TLS handshake (implicit or STARTTLS).",
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imap_login_auth_attempts_total",
			Help: "Total number of authentication attempts by SASL mechanism.",
		}, []string{"mechanism", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imap_login_commands_total",
			Help: "Total number of IMAP commands processed.",
		}, []string{"command"}),
		badCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imap_login_bad_commands_total",
			Help: "Total number of commands rejected for bad syntax.",
		}),
		idleTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imap_login_idle_timeouts_total",
			Help: "Total number of connections closed by the idle sweep.",
		}),
		authReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imap_login_auth_service_reconnects_total",
			Help: "Total number of reconnects to the auth service.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.connectionsEvicted,
		c.tlsStartedTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.badCommands,
		c.idleTimeouts,
		c.authReconnects,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// ConnectionEvicted increments the eviction counter, additionally to the
// ConnectionClosed accounting for the same connection.
func (c *PrometheusCollector) ConnectionEvicted() {
	c.connectionsEvicted.Inc()
}

// TLSStarted increments the TLS handshake counter.
func (c *PrometheusCollector) TLSStarted() {
	c.tlsStartedTotal.Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(mechanism string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(mechanism, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// BadCommand increments the bad-command counter.
func (c *PrometheusCollector) BadCommand() {
	c.badCommands.Inc()
}

// IdleTimeout increments the idle-timeout counter.
func (c *PrometheusCollector) IdleTimeout() {
	c.idleTimeouts.Inc()
}

// AuthServiceReconnect increments the auth-service reconnect counter.
func (c *PrometheusCollector) AuthServiceReconnect() {
	c.authReconnects.Inc()
}

// PrometheusServer exposes a PrometheusCollector's registry over HTTP.
type PrometheusServer struct {
	addr   string
	path   string
	gather prometheus.Gatherer
	srv    *http.Server
}

// NewPrometheusServer creates a metrics HTTP server serving the default
// Prometheus registry at path on addr.
func NewPrometheusServer(addr, path string) *PrometheusServer {
	if path == "" {
		path = "/metrics"
	}
	return &PrometheusServer{addr: addr, path: path, gather: prometheus.DefaultGatherer}
}

// Start begins serving metrics. It blocks until the context is canceled or
// ListenAndServe returns a non-shutdown error.
func (s *PrometheusServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	s.srv = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
