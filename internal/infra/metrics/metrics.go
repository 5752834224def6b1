// Package metrics exposes sensorsync activity as Prometheus metrics. The
// collector is fed by the event bus, so components stay unaware of it.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensorsync/internal/domain"
	"sensorsync/internal/infra/middleware"
)

const namespace = "sensorsync"

var linkStates = []domain.LinkState{
	domain.LinkIdle,
	domain.LinkScanning,
	domain.LinkConnecting,
	domain.LinkConnected,
	domain.LinkReading,
	domain.LinkDisconnecting,
}

// Collector owns a private registry and the sensorsync metrics in it.
type Collector struct {
	reg *prometheus.Registry

	found       prometheus.Counter
	scans       prometheus.Counter
	reads       prometheus.Counter
	saved       prometheus.Counter
	retries     prometheus.Counter
	failures    prometheus.Counter
	queued      prometheus.Counter
	flushed     prometheus.Counter
	pending     prometheus.Gauge
	linkState   *prometheus.GaugeVec
	retryDelays prometheus.Histogram

	routes []route
}

type route struct {
	pattern string
	handler http.Handler
}

// New creates a collector with all metrics registered.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		found: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peripherals_found_total",
			Help:      "Peripherals reported by scan sessions after filtering and deduplication.",
		}),
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_completed_total",
			Help:      "Scan sessions that ended.",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_read_total",
			Help:      "Snapshots read from connected peripherals.",
		}),
		saved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_saved_total",
			Help:      "Snapshots accepted by the datastore.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_retries_total",
			Help:      "Save attempts retried after a server error.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_failures_total",
			Help:      "Saves that failed after all attempts.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_queued_total",
			Help:      "Snapshots parked in the outbox for a later upload.",
		}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_uploaded_total",
			Help:      "Queued snapshots uploaded by outbox flushes.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Snapshots left in the outbox after the last flush.",
		}),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_state",
			Help:      "1 for the current state of the connection manager, 0 otherwise.",
		}, []string{"state"}),
		retryDelays: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_retry_delay_seconds",
			Help:      "Delay waited before each save retry.",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		}),
	}
	c.reg.MustRegister(
		c.found, c.scans, c.reads, c.saved, c.retries, c.failures,
		c.queued, c.flushed, c.pending, c.linkState, c.retryDelays,
	)
	c.setLinkState(domain.LinkIdle)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// WatchDropped exports a counter read from fn at scrape time, typically the
// event bus drop count.
func (c *Collector) WatchDropped(fn func() uint64) {
	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events a slow subscriber missed.",
	}, func() float64 { return float64(fn()) }))
}

// Attach subscribes the collector to every event on bus and returns the
// unsubscribe function.
func (c *Collector) Attach(bus domain.EventBus) func() {
	return bus.SubscribeAll(c.Handle)
}

// Handle updates the metrics for one event.
func (c *Collector) Handle(_ context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventPeripheralFound:
		c.found.Inc()
	case domain.EventScanCompleted:
		c.scans.Inc()
	case domain.EventSnapshotRead:
		c.reads.Inc()
	case domain.EventSnapshotSaved:
		c.saved.Inc()
	case domain.EventSaveRetried:
		c.retries.Inc()
		var p domain.SaveRetriedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.retryDelays.Observe(p.Delay.Seconds())
		}
	case domain.EventSaveFailed:
		c.failures.Inc()
	case domain.EventSnapshotQueued:
		c.queued.Inc()
	case domain.EventOutboxFlushed:
		var p domain.FlushPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.flushed.Add(float64(p.Uploaded))
			if p.Remaining >= 0 {
				c.pending.Set(float64(p.Remaining))
			}
		}
	case domain.EventLinkStateChanged:
		var p domain.LinkStatePayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			c.setLinkState(p.To)
		}
	}
}

func (c *Collector) setLinkState(current domain.LinkState) {
	for _, s := range linkStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.linkState.WithLabelValues(string(s)).Set(v)
	}
}

// Mount adds an extra route to Handler. It must be called before Serve.
func (c *Collector) Mount(pattern string, h http.Handler) {
	c.routes = append(c.routes, route{pattern: pattern, handler: h})
}

// Handler serves /metrics, /healthz and any mounted routes.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, r := range c.routes {
		mux.Handle(r.pattern, r.handler)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve exposes Handler, wrapped in mws, on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger, mws ...middleware.Middleware) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           middleware.Chain(c.Handler(), mws...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("metrics server listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
