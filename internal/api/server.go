// Package api serves the mesh queries, reconstruction requests, point cloud
// ingestion, configuration and run history over HTTP with JSON bodies.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/ingest"
	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/reconstruction"
	"github.com/banshee-data/mesh.report/internal/runlog"
	"github.com/banshee-data/mesh.report/internal/snapshot"
)

// ANSI escape codes for log colouring.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// DefaultMaxBodyBytes bounds uploaded point clouds.
const DefaultMaxBodyBytes = 256 << 20

// Queries is the read side of the mesh service.
type Queries interface {
	UUID() string
	Geometry(id string) (*snapshot.Geometry, error)
	Materials(id string) (*snapshot.Materials, error)
	VertexColors(id string) (*snapshot.VertexColors, error)
	Texture(id string, index int) (*snapshot.Texture, error)
	VertexTexCoords(id string) ([]float32, error)
	ClusterMaterials(id string) ([][]uint32, error)
}

// Reconstructor runs goals and accepts streamed clouds.
type Reconstructor interface {
	Reconstruct(ctx context.Context, cloud ingest.Cloud) (string, error)
	Ingest(cloud ingest.Cloud)
	Stats() reconstruction.Stats
}

// RunHistory reads recorded runs.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]runlog.Run, error)
	Summarize(ctx context.Context) (runlog.Summary, error)
}

// SnapshotSource returns the current snapshot, or nil.
type SnapshotSource interface {
	Load() *snapshot.Snapshot
}

// Options wires a Server. Only Queries is required; routes backed by a nil
// dependency answer 501.
type Options struct {
	Queries       Queries
	Snapshots     SnapshotSource
	Reconstructor Reconstructor
	Config        *config.Store
	Runs          RunHistory

	// ExportDir receives containers written by POST /api/mesh/export.
	// Empty disables export.
	ExportDir string

	// MaxBodyBytes bounds PCD uploads. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

type Server struct {
	opts Options
	mux  *http.ServeMux
}

func NewServer(opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{opts: opts}
}

// ServeMux returns the API routes. The same mux is returned on every call so
// callers can attach further routes.
func (s *Server) ServeMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/mesh/uuid", s.handleUUID)
	mux.HandleFunc("/api/mesh/geometry", s.handleGeometry)
	mux.HandleFunc("/api/mesh/materials", s.handleMaterials)
	mux.HandleFunc("/api/mesh/vertex_colors", s.handleVertexColors)
	mux.HandleFunc("/api/mesh/texture", s.handleTexture)
	mux.HandleFunc("/api/mesh/tex_coords", s.handleTexCoords)
	mux.HandleFunc("/api/mesh/cluster_materials", s.handleClusterMaterials)
	mux.HandleFunc("/api/mesh/export", s.handleExport)
	mux.HandleFunc("/api/reconstruct", s.handleReconstruct)
	mux.HandleFunc("/api/pointcloud", s.handlePointCloud)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/summary", s.handleRunSummary)
	mux.HandleFunc("/api/status", s.handleStatus)
	s.mux = mux
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + code + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + code + colorReset
	case statusCode >= 400:
		return colorBoldRed + code + colorReset
	default:
		return code
	}
}

// LoggingMiddleware logs method, URI, status and duration of each request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
