// Package stats exports the go-metrics registry the device counts into.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
)

// Options configures the exporters. Zero-value sinks are disabled.
type Options struct {
	Listen    string
	Path      string
	Namespace string
	Subsystem string
	Interval  time.Duration

	// Graphite is a host:port receiving the plaintext protocol.
	Graphite string
	Prefix   string

	Version string
}

// Exporter mirrors a go-metrics registry into Prometheus and Graphite.
type Exporter struct {
	log      *slog.Logger
	opts     Options
	registry metrics.Registry

	prom     *prometheus.Registry
	provider *mp.PrometheusConfig
	graphite *graphite.Config
}

// New prepares an exporter over r. Runtime memory statistics are registered
// in r as well.
func New(log *slog.Logger, r metrics.Registry, opts Options) (*Exporter, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("stats interval must be positive, got %s", opts.Interval)
	}
	if opts.Listen != "" && opts.Path == "" {
		return nil, errors.New("stats path should not be empty")
	}

	e := &Exporter{log: log, opts: opts, registry: r}

	metrics.RegisterRuntimeMemStats(r)

	e.prom = prometheus.NewRegistry()
	e.provider = mp.NewPrometheusProvider(r, opts.Namespace, opts.Subsystem, e.prom, opts.Interval)

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      "info",
		Help:      "Version information for the vblk binary",
		ConstLabels: prometheus.Labels{
			"version":   opts.Version,
			"goversion": runtime.Version(),
		},
	})
	e.prom.MustRegister(g)
	g.Set(1)

	if opts.Graphite != "" {
		addr, err := net.ResolveTCPAddr("tcp", opts.Graphite)
		if err != nil {
			return nil, fmt.Errorf("resolve graphite sink: %w", err)
		}
		e.graphite = &graphite.Config{
			Addr:          addr,
			Registry:      r,
			FlushInterval: opts.Interval,
			DurationUnit:  time.Nanosecond,
			Prefix:        opts.Prefix,
			Percentiles:   []float64{0.5, 0.75, 0.95, 0.99, 0.999},
		}
	}
	return e, nil
}

// Handler serves the Prometheus registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.prom, promhttp.HandlerOpts{})
}

// Flush pushes the current registry values to every enabled sink once.
func (e *Exporter) Flush() error {
	metrics.CaptureRuntimeMemStatsOnce(e.registry)
	if err := e.provider.UpdatePrometheusMetricsOnce(); err != nil {
		return fmt.Errorf("update prometheus metrics: %w", err)
	}
	if e.graphite != nil {
		if err := graphite.Once(*e.graphite); err != nil {
			return fmt.Errorf("flush graphite: %w", err)
		}
	}
	return nil
}

// Run flushes every interval and, when Listen is set, serves Handler at Path
// until ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	var srv *http.Server
	srvErr := make(chan error, 1)
	if e.opts.Listen != "" {
		ln, err := net.Listen("tcp", e.opts.Listen)
		if err != nil {
			return fmt.Errorf("stats listen: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle(e.opts.Path, e.Handler())
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		e.log.Info("prometheus stats listening", "addr", ln.Addr().String(), "path", e.opts.Path)
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
	}
	if e.graphite != nil {
		e.log.Info("graphite stats enabled", "addr", e.graphite.Addr.String(), "prefix", e.opts.Prefix)
	}

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := e.Flush(); err != nil {
				e.log.Warn("final stats flush failed", "err", err)
			}
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("stats shutdown: %w", err)
				}
			}
			return nil
		case err := <-srvErr:
			return fmt.Errorf("stats server: %w", err)
		case <-ticker.C:
			if err := e.Flush(); err != nil {
				e.log.Warn("stats flush failed", "err", err)
			}
		}
	}
}
