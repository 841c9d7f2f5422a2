// Package observability provides the Prometheus collectors and
// OpenTelemetry setup shared by the reconstruction service.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Collector bundles the service's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Runs          *prometheus.CounterVec
	RunDurations  *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec
	Queries       *prometheus.CounterVec
	RPCRequests   *prometheus.CounterVec
	RPCDurations  *prometheus.HistogramVec

	SnapshotVertices  prometheus.Gauge
	SnapshotFaces     prometheus.Gauge
	SnapshotMaterials prometheus.Gauge
	SnapshotTextures  prometheus.Gauge

	IngestDropped prometheus.Counter
	EventsDropped prometheus.Counter
}

// NewCollector registers the metrics against reg, defaulting to the global
// Prometheus registry when nil. Registering twice returns the existing
// collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}
	var err error

	if c.Runs, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_reconstruction_runs_total",
		Help: "Reconstruction runs, labeled by source (goal, stream) and result.",
	}, []string{"source", "result"}), "mesh_reconstruction_runs_total"); err != nil {
		return nil, err
	}
	if c.RunDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_reconstruction_duration_seconds",
		Help:    "Wall time of complete reconstruction runs.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"source"}), "mesh_reconstruction_duration_seconds"); err != nil {
		return nil, err
	}
	if c.StageDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_pipeline_stage_duration_seconds",
		Help:    "Wall time of individual pipeline stages.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"stage"}), "mesh_pipeline_stage_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Queries, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_queries_total",
		Help: "Snapshot queries, labeled by operation and result.",
	}, []string{"op", "result"}), "mesh_queries_total"); err != nil {
		return nil, err
	}
	if c.RPCRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_rpc_requests_total",
		Help: "Handled gRPC calls, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "mesh_rpc_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_rpc_duration_seconds",
		Help:    "gRPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"service", "method"}), "mesh_rpc_duration_seconds"); err != nil {
		return nil, err
	}

	gauges := []struct {
		dst  *prometheus.Gauge
		name string
		help string
	}{
		{&c.SnapshotVertices, "mesh_snapshot_vertices", "Vertices in the current snapshot."},
		{&c.SnapshotFaces, "mesh_snapshot_faces", "Faces in the current snapshot."},
		{&c.SnapshotMaterials, "mesh_snapshot_materials", "Materials in the current snapshot."},
		{&c.SnapshotTextures, "mesh_snapshot_textures", "Textures in the current snapshot."},
	}
	for _, g := range gauges {
		if *g.dst, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: g.name, Help: g.help}), g.name); err != nil {
			return nil, err
		}
	}

	if c.IngestDropped, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_ingest_dropped_total",
		Help: "Streamed point clouds replaced by a newer cloud before processing.",
	}), "mesh_ingest_dropped_total"); err != nil {
		return nil, err
	}
	if c.EventsDropped, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_events_dropped_total",
		Help: "Mesh events not delivered to a slow subscriber.",
	}), "mesh_events_dropped_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// ObserveRun records a finished reconstruction run.
func (c *Collector) ObserveRun(source, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Runs.WithLabelValues(source, result).Inc()
	c.RunDurations.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveStage records the duration of one pipeline stage.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveQuery records one snapshot query.
func (c *Collector) ObserveQuery(op, result string) {
	if c == nil {
		return
	}
	c.Queries.WithLabelValues(op, result).Inc()
}

// SetSnapshotSize updates the gauges describing the published snapshot.
func (c *Collector) SetSnapshotSize(vertices, faces, materials, textures int) {
	if c == nil {
		return
	}
	c.SnapshotVertices.Set(float64(vertices))
	c.SnapshotFaces.Set(float64(faces))
	c.SnapshotMaterials.Set(float64(materials))
	c.SnapshotTextures.Set(float64(textures))
}

// IncIngestDropped counts a streamed cloud superseded before it ran.
func (c *Collector) IncIngestDropped() {
	if c == nil {
		return
	}
	c.IngestDropped.Inc()
}

// IncEventsDropped counts an event a subscriber could not take.
func (c *Collector) IncEventsDropped() {
	if c == nil {
		return
	}
	c.EventsDropped.Inc()
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observeRPC(fullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor records counts and durations for streaming RPCs.
func (c *Collector) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		if c == nil {
			return err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		c.observeRPC(fullMethod, err, start)
		return err
	}
}

func (c *Collector) observeRPC(fullMethod string, err error, start time.Time) {
	service, method := SplitMethod(fullMethod)
	c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
	c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
