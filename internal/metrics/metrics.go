package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/muurk/trvbridge/internal/logging"
)

const namespace = "trvbridge"

// Label names shared by the collectors.
const (
	labelValve  = "valve"
	labelProxy  = "proxy"
	labelResult = "result"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Collector holds the bridge's Prometheus metrics.
type Collector struct {
	// Commands counts inbound valve commands by final outcome.
	Commands *prometheus.CounterVec

	// SessionAttempts counts per-proxy session attempts.
	SessionAttempts *prometheus.CounterVec

	// SessionDuration observes how long successful attempts take.
	SessionDuration *prometheus.HistogramVec

	// ProxiesConnected gauges the currently available proxies.
	ProxiesConnected prometheus.Gauge

	// Advertisements counts relayed BLE advertisements per proxy.
	Advertisements *prometheus.CounterVec

	// ValveRSSI gauges the smoothed per-(valve, proxy) RSSI in dBm.
	ValveRSSI *prometheus.GaugeVec
}

// NewCollector creates a Collector registered against reg. If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Valve commands processed, by final outcome.",
		}, []string{labelValve, labelResult}),
		SessionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_attempts_total",
			Help:      "Valve session attempts, by proxy and outcome.",
		}, []string{labelValve, labelProxy, labelResult}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of successful valve sessions.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{labelValve, labelProxy}),
		ProxiesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxies_connected",
			Help:      "Number of proxies with a live control connection.",
		}),
		Advertisements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advertisements_total",
			Help:      "BLE advertisements relayed, by proxy.",
		}, []string{labelProxy}),
		ValveRSSI: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "valve_rssi_dbm",
			Help:      "Smoothed valve RSSI as heard by each proxy.",
		}, []string{labelValve, labelProxy}),
	}

	reg.MustRegister(
		c.Commands,
		c.SessionAttempts,
		c.SessionDuration,
		c.ProxiesConnected,
		c.Advertisements,
		c.ValveRSSI,
	)
	return c
}

// Serve exposes /metrics on addr until the context ends. An empty addr
// disables the endpoint.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logging.Info("Metrics endpoint listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
