// Package metrics exposes daemon state as Prometheus metrics.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "whitelistd"

var (
	FirewallActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "firewall_active",
		Help:      "1 when egress enforcement is active.",
	})
	FailCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watchdog_consecutive_failures",
		Help:      "Current value of the watchdog failure counter.",
	})
	CaptivePortal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "captive_portal_detected",
		Help:      "1 while a captive portal is detected.",
	})
	WhitelistDomains = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "whitelist_domains",
		Help:      "Number of permitted domains in the applied whitelist.",
	})
	LastUpdate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_update_timestamp_seconds",
		Help:      "Unix time of the last completed update cycle.",
	})
	UpdateRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "update_runs_total",
		Help:      "Update cycles by outcome.",
	}, []string{"outcome"})
	WatchdogRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watchdog_runs_total",
		Help:      "Watchdog runs by resulting status.",
	}, []string{"status"})
	ResolverRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_restarts_total",
		Help:      "Resolver restarts by result.",
	}, []string{"result"})
)

// NewRegistry returns a registry with every daemon metric and the Go runtime
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		FirewallActive,
		FailCount,
		CaptivePortal,
		WhitelistDomains,
		LastUpdate,
		UpdateRuns,
		WatchdogRuns,
		ResolverRestarts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Bool converts a flag to a gauge value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Server serves /metrics over HTTP.
type Server struct {
	server  *http.Server
	addr    string
	started bool
}

func NewServer(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Timeout:           10 * time.Second,
	}))
	return &Server{
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr:   addr,
	}
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.started = true
	logrus.WithField("addr", listener.Addr().String()).Info("Metrics server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(listener) }()

	select {
	case <-ctx.Done():
		return s.stop()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) stop() error {
	if !s.started {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
