package geometry

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/pipeline"
)

// maxGridCells bounds the number of occupied cells so a tiny voxel size
// cannot exhaust memory.
const maxGridCells = 4 << 20

type cellKey struct{ x, y, z int }

func (a cellKey) less(b cellKey) bool {
	if a.x != b.x {
		return a.x < b.x
	}
	if a.y != b.y {
		return a.y < b.y
	}
	return a.z < b.z
}

type cornerValue struct {
	dist  float64
	valid bool
}

// Grid is a sparse point set grid: only cells containing input points (and,
// with extrusion, their 26 neighbours) are sampled.
type Grid struct {
	surface *Surface
	voxel   float64
	origin  r3.Vec
	cells   []cellKey
	corners map[cellKey]cornerValue
}

func newGrid(ctx context.Context, s *Surface, p pipeline.GridParams) (*Grid, error) {
	voxel := p.Resolution
	if !p.UseVoxelsize {
		side := math.Max(s.max.X-s.min.X, math.Max(s.max.Y-s.min.Y, s.max.Z-s.min.Z))
		if p.Resolution <= 0 {
			return nil, fmt.Errorf("intersections must be positive, got %v", p.Resolution)
		}
		voxel = side / p.Resolution
	}
	if voxel <= 0 || math.IsNaN(voxel) {
		return nil, fmt.Errorf("invalid voxel size %v", voxel)
	}

	g := &Grid{
		surface: s,
		voxel:   voxel,
		origin:  r3.Sub(s.min, r3.Vec{X: 2 * voxel, Y: 2 * voxel, Z: 2 * voxel}),
		corners: make(map[cellKey]cornerValue),
	}

	occupied := make(map[cellKey]struct{})
	for _, pt := range s.points {
		k := g.cellOf(pt)
		if !p.Extrude {
			occupied[k] = struct{}{}
			continue
		}
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for dz := -1; dz <= 1; dz++ {
					occupied[cellKey{k.x + dx, k.y + dy, k.z + dz}] = struct{}{}
				}
			}
		}
		if len(occupied) > maxGridCells {
			return nil, fmt.Errorf("grid exceeds %d cells at voxel size %v", maxGridCells, voxel)
		}
	}

	g.cells = make([]cellKey, 0, len(occupied))
	for k := range occupied {
		g.cells = append(g.cells, k)
	}
	sort.Slice(g.cells, func(i, j int) bool { return g.cells[i].less(g.cells[j]) })

	for i, c := range g.cells {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for _, off := range cubeCorners {
			k := cellKey{c.x + off.x, c.y + off.y, c.z + off.z}
			if _, ok := g.corners[k]; ok {
				continue
			}
			d, ok := s.Distance(g.cornerPosition(k))
			g.corners[k] = cornerValue{dist: d, valid: ok}
		}
	}

	monitoring.Logf("[Geometry] grid voxel=%.4f cells=%d corners=%d extrude=%v",
		voxel, len(g.cells), len(g.corners), p.Extrude)
	return g, nil
}

func (g *Grid) cellOf(p r3.Vec) cellKey {
	d := r3.Scale(1/g.voxel, r3.Sub(p, g.origin))
	return cellKey{int(math.Floor(d.X)), int(math.Floor(d.Y)), int(math.Floor(d.Z))}
}

func (g *Grid) cornerPosition(k cellKey) r3.Vec {
	return r3.Add(g.origin, r3.Vec{
		X: float64(k.x) * g.voxel,
		Y: float64(k.y) * g.voxel,
		Z: float64(k.z) * g.voxel,
	})
}

// CellCount returns the number of sampled cells.
func (g *Grid) CellCount() int { return len(g.cells) }

// Voxel returns the edge length of a cell.
func (g *Grid) Voxel() float64 { return g.voxel }

// ExtractSurface runs marching tetrahedra over every sampled cell.
func (g *Grid) ExtractSurface(ctx context.Context) (pipeline.Mesh, error) {
	m, err := g.extract(ctx)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (g *Grid) extract(ctx context.Context) (*Mesh, error) {
	ex := &extractor{
		grid:  g,
		edges: make(map[edgeKey]int),
	}
	for i, c := range g.cells {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		ex.cell(c)
	}
	monitoring.Logf("[Geometry] extracted %d vertices, %d faces", len(ex.vertices), len(ex.faces))
	return newMesh(g.surface, ex.vertices, ex.faces), nil
}
