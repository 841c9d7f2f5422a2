// Package pipeline drives a geometry engine through the ordered,
// configuration-gated stages that turn a point set into a finished mesh
// buffer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/observability"
)

// Stage names, used for spans, metrics and log lines.
const (
	StageSurface      = "surface"
	StageNormals      = "normals"
	StageGrid         = "grid"
	StageExtract      = "extract"
	StageCleanup      = "cleanup"
	StageFaceNormals  = "face_normals"
	StageClustering   = "clustering"
	StageVertexNormal = "vertex_normals"
	StageVertexColor  = "vertex_colors"
	StageFinalize     = "finalize"
	StageMaterialize  = "materialize"
)

// ErrEmptyMesh is returned when a run finishes with no faces, for example
// when the cloud is too sparse or degenerate for the grid to enclose.
var ErrEmptyMesh = errors.New("reconstruction produced an empty mesh")

// Pipeline runs reconstructions against an Engine. It holds no per-run
// state and is safe for concurrent use, although callers serialise runs.
type Pipeline struct {
	engine  Engine
	metrics *observability.Collector
}

// New returns a Pipeline. metrics may be nil.
func New(engine Engine, metrics *observability.Collector) *Pipeline {
	return &Pipeline{engine: engine, metrics: metrics}
}

// Run reconstructs points with cfg. cfg is a value and is not re-read
// during the run. A fatal configuration error is returned before the
// engine is touched.
func (p *Pipeline) Run(ctx context.Context, points *mesh.PointSet, cfg config.ReconstructionConfig) (*mesh.Buffer, error) {
	if points == nil {
		return nil, fmt.Errorf("%w: nil point set", mesh.ErrMalformed)
	}

	backend, err := config.ResolveBackend(cfg.PCM)
	if err != nil {
		return nil, err
	}
	decomposition, err := config.ResolveDecomposition(cfg.Decomposition)
	if err != nil {
		if errors.Is(err, config.ErrFatalConfiguration) {
			return nil, err
		}
		monitoring.Warnf("[Pipeline] %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrFatalConfiguration, err)
	}

	ctx, span := observability.StartSpan(ctx, "pipeline/run",
		attribute.Int("points", points.Len()),
		attribute.String("pcm", string(backend)),
		attribute.String("decomposition", string(decomposition)),
	)
	defer span.End()

	start := time.Now()
	buf, err := p.run(ctx, points, cfg, backend, decomposition)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	monitoring.Logf("[Pipeline] reconstructed %d points into %d vertices, %d faces, %d materials, %d textures in %v",
		points.Len(), buf.VertexCount(), buf.FaceCount(), len(buf.Materials), len(buf.Textures), time.Since(start))
	return buf, nil
}

func (p *Pipeline) run(ctx context.Context, points *mesh.PointSet, cfg config.ReconstructionConfig,
	backend config.SearchBackend, decomposition config.Decomposition) (*mesh.Buffer, error) {
	var (
		surface Surface
		grid    Grid
		m       Mesh
		buf     *mesh.Buffer
	)

	if err := p.stage(ctx, StageSurface, func(ctx context.Context) (err error) {
		surface, err = p.engine.NewSurface(ctx, points, SurfaceParams{
			Backend: backend,
			KN:      cfg.KN,
			KI:      cfg.KI,
			KD:      cfg.KD,
			Ransac:  cfg.Ransac,
		})
		return err
	}); err != nil {
		return nil, err
	}

	if !points.HasNormals() || cfg.RecalcNormals {
		if err := p.stage(ctx, StageNormals, surface.EstimateNormals); err != nil {
			return nil, err
		}
	}

	resolution, useVoxelsize := cfg.Resolution()
	if err := p.stage(ctx, StageGrid, func(ctx context.Context) (err error) {
		grid, err = surface.NewGrid(ctx, GridParams{
			Decomposition: decomposition,
			Resolution:    resolution,
			UseVoxelsize:  useVoxelsize,
			Extrude:       !cfg.NoExtrusion,
		})
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, StageExtract, func(ctx context.Context) (err error) {
		m, err = grid.ExtractSurface(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, StageCleanup, func(context.Context) error {
		if cfg.DanglingArtifacts > 0 {
			m.RemoveDanglingArtifacts(cfg.DanglingArtifacts)
		}
		m.CleanContours(cfg.CleanContours, config.ContourCleanupTolerance)
		if cfg.FillHoles > 0 {
			m.FillHoles(cfg.FillHoles)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, StageFaceNormals, func(context.Context) error {
		m.ComputeFaceNormals()
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, StageClustering, func(context.Context) error {
		if cfg.OptimizePlanes {
			m.IterativePlanarClusterGrowing(cfg.NormalThreshold, cfg.PlaneIterations, cfg.MinPlaneSize)
			if cfg.SmallRegionThreshold > 0 {
				m.DeleteSmallPlanarClusters(cfg.SmallRegionThreshold)
			}
		} else {
			m.PlanarClusterGrowing(cfg.NormalThreshold)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, StageVertexNormal, func(context.Context) error {
		m.ComputeVertexNormals()
		return nil
	}); err != nil {
		return nil, err
	}

	withColors := points.HasColors()
	if withColors {
		if err := p.stage(ctx, StageVertexColor, func(context.Context) error {
			m.ComputeVertexColors()
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if err := p.stage(ctx, StageFinalize, func(context.Context) (err error) {
		if buf, err = m.Finalize(withColors); err != nil {
			return err
		}
		if len(buf.Faces) == 0 {
			return ErrEmptyMesh
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, StageMaterialize, func(context.Context) error {
		var tex *TextureParams
		if cfg.GenerateTextures {
			tex = &TextureParams{
				TexelSize:      cfg.TexelSize,
				MinClusterSize: cfg.TexMinClusterSize,
				MaxClusterSize: cfg.TexMaxClusterSize,
			}
		}
		return m.Materialize(buf, tex)
	}); err != nil {
		return nil, err
	}

	if err := buf.Validate(); err != nil {
		return nil, fmt.Errorf("engine produced invalid buffer: %w", err)
	}
	return buf, nil
}

// stage runs fn inside a span after checking ctx.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("before %s: %w", name, err)
	}
	ctx, span := observability.StartSpan(ctx, "pipeline/"+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	p.metrics.ObserveStage(name, elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		monitoring.Logf("[Pipeline] %s failed after %v: %v", name, elapsed, err)
		return fmt.Errorf("%s: %w", name, err)
	}
	monitoring.Logf("[Pipeline] %s took %v", name, elapsed)
	return nil
}
