// Package telemetry wires Salus's observability stack: Prometheus counters
// and gauges for admission and scheduling, OpenTelemetry tracer setup with a
// helper that opens a span around one iteration, and an admin HTTP server exposing health,
// metrics, and debug endpoints over the engine and lane manager state.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/salusml/salus/internal/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// Metrics holds the Prometheus collectors the engine and lane manager
// populate as sessions and iterations flow through them.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsRejected  prometheus.Counter
	IterationsRun     prometheus.Counter
	IterationFailures prometheus.Counter
	PagingEvents      prometheus.Counter
	PendingLaneReqs   prometheus.Gauge
	IterationDuration prometheus.Histogram
}

// NewMetrics registers every collector against the default registry under
// the "salus_" namespace.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "salus_sessions_created_total",
			Help: "Sessions successfully admitted.",
		}),
		SessionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "salus_sessions_rejected_total",
			Help: "Sessions that could not be admitted to any lane.",
		}),
		IterationsRun: promauto.NewCounter(prometheus.CounterOpts{
			Name: "salus_iterations_run_total",
			Help: "Dataflow iterations that completed (success or failure).",
		}),
		IterationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "salus_iteration_failures_total",
			Help: "Dataflow iterations that ended in error.",
		}),
		PagingEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "salus_paging_events_total",
			Help: "Buffer-tree page-out operations triggered by memory exhaustion.",
		}),
		PendingLaneReqs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "salus_pending_lane_requests",
			Help: "Session admission requests waiting on lane capacity.",
		}),
		IterationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "salus_iteration_duration_seconds",
			Help:    "Wall-clock duration of a single dataflow iteration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// SessionCreated implements engine.Recorder.
func (m *Metrics) SessionCreated() { m.SessionsCreated.Inc() }

// SessionRejected implements engine.Recorder.
func (m *Metrics) SessionRejected() { m.SessionsRejected.Inc() }

// IterationCompleted implements engine.Recorder.
func (m *Metrics) IterationCompleted(failed, cancelled bool, d time.Duration) {
	m.IterationsRun.Inc()
	if failed {
		m.IterationFailures.Inc()
	}
	if !cancelled {
		m.IterationDuration.Observe(d.Seconds())
	}
}

// PagingEvent implements engine.Recorder.
func (m *Metrics) PagingEvent() { m.PagingEvents.Inc() }

// WatchPendingLaneRequests polls rt's lane manager every interval and sets
// PendingLaneReqs accordingly, until ctx is cancelled.
func (m *Metrics) WatchPendingLaneRequests(ctx context.Context, rt *runtime.Runtime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PendingLaneReqs.Set(float64(rt.Lanes.PendingCount()))
		}
	}
}

// InitTracing configures the global OTel tracer provider to export spans via
// OTLP/gRPC to collectorAddr. Returns a shutdown func the caller should
// invoke on graceful exit. If collectorAddr is empty, tracing is left as a
// no-op provider.
func InitTracing(ctx context.Context, collectorAddr, serviceVersion string) (func(context.Context) error, error) {
	if collectorAddr == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(collectorAddr), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("salusd"),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer is the package-wide tracer every iteration span is created from.
var Tracer = otel.Tracer("salusml/salus")

// StartIterationSpan opens a span around one dataflow iteration, tagged with
// its ticket and lane.
func StartIterationSpan(ctx context.Context, ticket uint64, laneID string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "salus.iteration",
		trace.WithAttributes(
			attribute.Int64("salus.ticket", int64(ticket)),
			attribute.String("salus.lane_id", laneID),
		),
	)
}

// AdminServer is the gin-based HTTP server exposing health, Prometheus
// metrics, and lane/ticket debug dumps alongside the main RPC frontend.
type AdminServer struct {
	engine *gin.Engine
	rt     *runtime.Runtime
}

// NewAdminServer builds an AdminServer wrapping rt, with gzip response
// compression enabled for the debug dump endpoints.
func NewAdminServer(rt *runtime.Runtime) *AdminServer {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), ginLogMiddleware())
	e.Use(gzip.Gzip(gzip.DefaultCompression))

	a := &AdminServer{engine: e, rt: rt}
	e.GET("/healthz", a.healthz)
	e.GET("/debug/lanes", a.debugLanes)
	e.GET("/debug/tickets", a.debugTickets)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return a
}

func ginLogMiddleware() gin.HandlerFunc {
	logger := klog.Background().WithName("admin")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.V(4).Info("admin request", "path", c.Request.URL.Path, "status", c.Writer.Status(), "latency", time.Since(start))
	}
}

func (a *AdminServer) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *AdminServer) debugLanes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"gpu_count":     a.rt.Lanes.GPUCount(),
		"pending_count": a.rt.Lanes.PendingCount(),
	})
}

func (a *AdminServer) debugTickets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"global_remaining": a.rt.Monitor.GlobalRemaining().String(),
	})
}

// ListenAndServe starts the admin server blocking on addr.
func (a *AdminServer) ListenAndServe(addr string) error {
	return a.engine.Run(addr)
}
