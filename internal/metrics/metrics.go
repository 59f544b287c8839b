// Package metrics exports reminder activity to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"remindd/internal/eventbus"
	"remindd/internal/reminder"
)

const namespace = "remindd"

// Metrics owns a private registry so tests and multiple daemons in one process do not collide.
type Metrics struct {
	reg     *prometheus.Registry
	busOnce sync.Once

	Ticks          *prometheus.CounterVec
	TickDuration   prometheus.Histogram
	TickInstances  *prometheus.CounterVec
	LastTick       prometheus.Gauge
	Lifecycle      *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	DefinitionSync *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Polling passes, by result",
		}, []string{"result"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one polling pass",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		TickInstances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_instances_total",
			Help:      "Due instances handled by polling passes, by outcome",
		}, []string{"outcome"}),
		LastTick: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix time the last polling pass finished",
		}),
		Lifecycle: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminder_events_total",
			Help:      "Reminder lifecycle events, by type and delivery method",
		}, []string{"type", "method"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		DefinitionSync: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "definition_changes_total",
			Help:      "Definitions changed by file syncs, by action",
		}, []string{"action"}),
	}
}

// Registry exposes the registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveTick records one polling pass. It matches the scheduler's report hook.
func (m *Metrics) ObserveTick(rep reminder.TickReport, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Ticks.WithLabelValues(result).Inc()
	m.TickDuration.Observe(took.Seconds())
	m.LastTick.SetToCurrentTime()

	for outcome, n := range map[string]int{
		"fired":        rep.Fired,
		"acknowledged": rep.Acknowledged,
		"failed":       rep.Failed,
		"advanced":     rep.Advanced,
		"completed":    rep.Completed,
		"skipped":      rep.Skipped,
		"conflict":     rep.Conflicts,
		"error":        rep.Errors,
	} {
		if n > 0 {
			m.TickInstances.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// ObserveSync counts definition changes applied from the definitions file.
func (m *Metrics) ObserveSync(saved, retired int) {
	m.DefinitionSync.WithLabelValues("saved").Add(float64(saved))
	m.DefinitionSync.WithLabelValues("retired").Add(float64(retired))
}

// WatchBus counts lifecycle events until ctx is done.
func (m *Metrics) WatchBus(ctx context.Context, bus eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	m.busOnce.Do(func() {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Lifecycle events dropped because a subscriber was full",
		}, func() float64 { return float64(eventbus.Dropped(bus)) }))
	})

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Lifecycle.WithLabelValues(ev.Type, ev.Method).Inc()
		}
	}
}

// Middleware records request counts and latency. route labels the request
// with its pattern so ids do not explode the label set.
func (m *Metrics) Middleware(route func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			rt := route(r)
			if rt == "" {
				rt = "unmatched"
			}
			m.HTTPRequests.WithLabelValues(r.Method, rt, strconv.Itoa(sw.status)).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, rt).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
