package pipeline

import (
	"context"

	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/mesh"
)

// SurfaceParams configures the k-nearest-neighbour surface estimator.
type SurfaceParams struct {
	Backend config.SearchBackend
	KN      int // neighbours for normal estimation
	KI      int // neighbours for normal interpolation
	KD      int // neighbours for distance evaluation
	Ransac  bool
}

// GridParams configures the volumetric decomposition.
type GridParams struct {
	Decomposition config.Decomposition
	Resolution    float64
	UseVoxelsize  bool
	Extrude       bool
}

// TextureParams configures texture generation during materialization.
type TextureParams struct {
	TexelSize      float64
	MinClusterSize int
	MaxClusterSize int // 0 means unbounded
}

// Engine is the geometry backend the pipeline drives. Each stage is a
// method on the handle returned by the previous one; the pipeline decides
// which stages run and in what order.
type Engine interface {
	NewSurface(ctx context.Context, points *mesh.PointSet, p SurfaceParams) (Surface, error)
}

// Surface is a point set surface able to answer distance queries.
type Surface interface {
	EstimateNormals(ctx context.Context) error
	NewGrid(ctx context.Context, p GridParams) (Grid, error)
}

// Grid is a sampled signed distance field.
type Grid interface {
	ExtractSurface(ctx context.Context) (Mesh, error)
}

// Mesh is the mutable mesh produced by extraction.
type Mesh interface {
	RemoveDanglingArtifacts(minSize int)
	CleanContours(iterations int, tolerance float64)
	FillHoles(maxSize int)
	ComputeFaceNormals()
	IterativePlanarClusterGrowing(normalThreshold float64, iterations, minPlaneSize int)
	DeleteSmallPlanarClusters(threshold int)
	PlanarClusterGrowing(normalThreshold float64)
	ComputeVertexNormals()
	ComputeVertexColors()
	Finalize(withColors bool) (*mesh.Buffer, error)
	Materialize(buf *mesh.Buffer, tex *TextureParams) error
}
