// Package metrics exposes proxy counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ArunGautham-Soundarrajan/proxy-server/internal/cache"
)

// Request outcomes.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeBlocked  = "blocked"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// CacheSource is read at scrape time.
type CacheSource interface {
	Len() int
	Size() int64
	Capacity() int64
	Stats() cache.Stats
}

// SlotSource is read at scrape time.
type SlotSource interface {
	Active() int
	Capacity() int
}

// Metrics owns a private registry. A nil *Metrics records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	originBytes prometheus.Counter
	clientBytes prometheus.Counter
}

func New(c CacheSource, slots SlotSource) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total number of client requests by outcome",
		}, []string{"outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "Time from accepting a connection to closing it, by outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		originBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxy_origin_bytes_total",
			Help: "Bytes read from origin servers",
		}),
		clientBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxy_client_bytes_total",
			Help: "Response bytes sent to clients, from origins and from the cache",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "proxy_cache_entries",
		Help: "Number of cached responses",
	}, func() float64 { return float64(c.Len()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "proxy_cache_bytes",
		Help: "Footprint of all cached responses",
	}, func() float64 { return float64(c.Size()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "proxy_cache_capacity_bytes",
		Help: "Configured cache capacity",
	}, func() float64 { return float64(c.Capacity()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "proxy_cache_evictions_total",
		Help: "Entries evicted to make room",
	}, func() float64 { return float64(c.Stats().Evictions) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "proxy_cache_rejected_total",
		Help: "Responses too large to cache",
	}, func() float64 { return float64(c.Stats().Rejected) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "proxy_active_connections",
		Help: "Connections currently holding an admission slot",
	}, func() float64 { return float64(slots.Active()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "proxy_max_connections",
		Help: "Number of admission slots",
	}, func() float64 { return float64(slots.Capacity()) })

	return m
}

// ObserveRequest records one finished connection.
func (m *Metrics) ObserveRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) AddOriginBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.originBytes.Add(float64(n))
}

func (m *Metrics) AddClientBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.clientBytes.Add(float64(n))
}

// Registry is the registry all proxy collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown")
		}
	}()

	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
