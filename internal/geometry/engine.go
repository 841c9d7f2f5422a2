// Package geometry is the reference geometry engine behind the
// reconstruction pipeline.
//
// A Surface answers signed distance queries from the k nearest input points
// (gonum kd-tree, PCA tangent planes). A Grid samples that distance on a
// sparse regular lattice, and marching tetrahedra turn the lattice into an
// indexed Mesh. The Mesh then carries every post-processing stage: fragment
// and contour cleanup, hole filling, planar clustering, normals, colours,
// cluster-flattened finalization and materials with optional textures.
package geometry

import (
	"context"

	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/pipeline"
)

// Engine implements pipeline.Engine. All supported search backends share
// the same kd-tree implementation.
type Engine struct{}

// NewEngine returns the reference engine.
func NewEngine() *Engine { return &Engine{} }

// NewSurface builds a point set surface over points.
func (e *Engine) NewSurface(_ context.Context, points *mesh.PointSet, p pipeline.SurfaceParams) (pipeline.Surface, error) {
	s, err := newSurface(points, p)
	if err != nil {
		return nil, err
	}
	return s, nil
}

var (
	_ pipeline.Engine  = (*Engine)(nil)
	_ pipeline.Surface = (*Surface)(nil)
	_ pipeline.Grid    = (*Grid)(nil)
	_ pipeline.Mesh    = (*Mesh)(nil)
)
