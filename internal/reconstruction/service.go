// Package reconstruction serves reconstruction requests and streamed point
// clouds. It serialises pipeline runs, publishes successful results to the
// snapshot cache and announces them to subscribers.
package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/ingest"
	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/observability"
	"github.com/banshee-data/mesh.report/internal/pipeline"
	"github.com/banshee-data/mesh.report/internal/runlog"
	"github.com/banshee-data/mesh.report/internal/snapshot"
	"github.com/banshee-data/mesh.report/internal/timeutil"
)

// Run sources.
const (
	SourceGoal   = "goal"
	SourceStream = "stream"
)

// Run results, used as the result label of mesh_reconstruction_runs_total.
const (
	ResultOK              = "ok"
	ResultConversionError = "conversion_error"
	ResultConfigError     = "config_error"
	ResultEmptyMesh       = "empty_mesh"
	ResultError           = "error"
)

// Runner executes one reconstruction.
type Runner interface {
	Run(ctx context.Context, points *mesh.PointSet, cfg config.ReconstructionConfig) (*mesh.Buffer, error)
}

// Broadcaster announces published snapshots.
type Broadcaster interface {
	Publish(snap *snapshot.Snapshot)
}

// Recorder persists the outcome of every run.
type Recorder interface {
	RecordRun(ctx context.Context, r runlog.Run) error
}

// Options wires a Service. Store, Runner and Cache are required.
type Options struct {
	Store       *config.Store
	Runner      Runner
	Cache       *snapshot.Cache
	Broadcaster Broadcaster
	Recorder    Recorder
	Metrics     *observability.Collector
	// Clock times runs. Defaults to the wall clock.
	Clock timeutil.Clock
}

// Service runs at most one reconstruction at a time.
type Service struct {
	store       *config.Store
	runner      Runner
	cache       *snapshot.Cache
	broadcaster Broadcaster
	recorder    Recorder
	metrics     *observability.Collector
	clock       timeutil.Clock

	runLock chan struct{}

	pendingMu sync.Mutex
	pending   chan ingest.Cloud

	runs     atomic.Uint64
	failures atomic.Uint64
	dropped  atomic.Uint64
}

// NewService returns a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Runner == nil || opts.Cache == nil {
		return nil, errors.New("reconstruction: store, runner and cache are required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Service{
		store:       opts.Store,
		runner:      opts.Runner,
		cache:       opts.Cache,
		broadcaster: opts.Broadcaster,
		recorder:    opts.Recorder,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		runLock:     make(chan struct{}, 1),
		pending:     make(chan ingest.Cloud, 1),
	}, nil
}

// Reconstruct converts cloud, runs the pipeline and publishes the result,
// returning the new snapshot id. Waiting for an earlier run honours ctx; once
// started the run completes and publishes even if ctx is cancelled.
func (s *Service) Reconstruct(ctx context.Context, cloud ingest.Cloud) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()
	return s.process(context.WithoutCancel(ctx), SourceGoal, cloud)
}

// Ingest queues cloud for the streaming worker. Only the newest pending cloud
// is kept; a cloud it replaces is counted as dropped.
func (s *Service) Ingest(cloud ingest.Cloud) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	select {
	case <-s.pending:
		n := s.dropped.Add(1)
		s.metrics.IncIngestDropped()
		monitoring.Logf("[Reconstruction] replaced pending cloud (dropped: %d)", n)
	default:
	}
	s.pending <- cloud
}

// Run drains streamed clouds until ctx is done. Failed runs are logged and
// recorded; they do not stop the loop.
func (s *Service) Run(ctx context.Context) error {
	monitoring.Logf("[Reconstruction] ingestion worker started")
	defer monitoring.Logf("[Reconstruction] ingestion worker stopped")
	for {
		var cloud ingest.Cloud
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cloud = <-s.pending:
		}
		if err := s.acquire(ctx); err != nil {
			return err
		}
		_, _ = s.process(context.WithoutCancel(ctx), SourceStream, cloud)
		s.release()
	}
}

// Stats reports run counters.
type Stats struct {
	Runs          uint64 `json:"runs"`
	Failures      uint64 `json:"failures"`
	IngestDropped uint64 `json:"ingest_dropped"`
	CurrentID     string `json:"current_uuid,omitempty"`
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Runs:          s.runs.Load(),
		Failures:      s.failures.Load(),
		IngestDropped: s.dropped.Load(),
		CurrentID:     s.cache.ID(),
	}
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.runLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() { <-s.runLock }

func (s *Service) process(ctx context.Context, source string, cloud ingest.Cloud) (string, error) {
	start := s.clock.Now()
	rec := runlog.Run{
		RunID:     uuid.NewString(),
		Source:    source,
		StartedAt: start,
	}
	ctx, span := observability.StartSpan(ctx, "reconstruction/"+source,
		attribute.String("run.id", rec.RunID))
	defer span.End()

	id, snap, err := s.reconstruct(ctx, cloud, &rec)
	rec.Duration = s.clock.Since(start)
	s.runs.Add(1)

	result := ResultOK
	if err != nil {
		result = classify(err)
		s.failures.Add(1)
		rec.Status = runlog.StatusFailed
		rec.Error = err.Error()
		span.RecordError(err)
		monitoring.Logf("[Reconstruction] %s run %s failed after %v: %v", source, rec.RunID, rec.Duration, err)
	} else {
		rec.Status = runlog.StatusOK
		rec.SnapshotID = id
		monitoring.Logf("[Reconstruction] %s run %s published %s: %d vertices, %d faces in %v",
			source, rec.RunID, id, rec.Vertices, rec.Faces, rec.Duration)
	}
	s.metrics.ObserveRun(source, result, rec.Duration)

	if s.recorder != nil {
		if rerr := s.recorder.RecordRun(context.WithoutCancel(ctx), rec); rerr != nil {
			monitoring.Logf("[Reconstruction] failed to record run %s: %v", rec.RunID, rerr)
		}
	}
	if err != nil {
		return "", err
	}

	if snap != nil {
		s.metrics.SetSnapshotSize(snap.VertexCount(), snap.FaceCount(), len(snap.Materials.Materials), len(snap.Textures))
		if s.broadcaster != nil {
			s.broadcaster.Publish(snap)
		}
	}
	return id, nil
}

func (s *Service) reconstruct(ctx context.Context, cloud ingest.Cloud, rec *runlog.Run) (string, *snapshot.Snapshot, error) {
	cfg := s.store.Snapshot()

	points, err := ingest.ToPointSet(cloud.Points, cfg.InputLeafSize)
	if err != nil {
		return "", nil, err
	}
	rec.Points = points.Len()

	buf, err := s.runner.Run(ctx, points, cfg)
	if err != nil {
		return "", nil, err
	}
	rec.Vertices = buf.VertexCount()
	rec.Faces = buf.FaceCount()
	rec.Materials = len(buf.Materials)
	rec.Textures = len(buf.Textures)

	frame := cloud.Frame
	if frame == "" {
		frame = ingest.DefaultFrame
	}
	id, err := s.cache.Publish(buf, frame, cloud.Stamp)
	if err != nil {
		return "", nil, fmt.Errorf("publish: %w", err)
	}

	// Only one run is in flight, but the container loader may Replace the
	// cache concurrently; announce only what was actually published.
	snap := s.cache.Load()
	if snap == nil || snap.ID != id {
		snap = nil
	}
	return id, snap, nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, ingest.ErrConversion):
		return ResultConversionError
	case errors.Is(err, config.ErrFatalConfiguration):
		return ResultConfigError
	case errors.Is(err, pipeline.ErrEmptyMesh):
		return ResultEmptyMesh
	default:
		return ResultError
	}
}
