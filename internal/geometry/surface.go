package geometry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"
	"github.com/seqsense/pcgol/pc/storage"
	pckdtree "github.com/seqsense/pcgol/pc/storage/kdtree"
	gmat "gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/pipeline"
)

// ErrNoNormals is returned when a grid is requested from a surface whose
// normals were neither supplied nor estimated.
var ErrNoNormals = errors.New("surface normals not available")

// nearestFinder is the part of the pcgol kd-tree used for colour lookup.
type nearestFinder interface {
	Nearest(p mat.Vec3, maxRange float32) storage.Neighbor
}

// Surface is a k-nearest-neighbour point set surface. Signed distance at a
// query point is measured against the tangent plane of its kd nearest
// neighbours.
type Surface struct {
	backend config.SearchBackend
	points  []r3.Vec
	normals []r3.Vec
	colors  [][3]uint8

	index      *neighbourIndex
	colorIndex nearestFinder

	kn, ki, kd int
	ransac     bool

	min, max r3.Vec
	centroid r3.Vec
}

func newSurface(points *mesh.PointSet, p pipeline.SurfaceParams) (*Surface, error) {
	n := points.Len()
	if n == 0 {
		return nil, fmt.Errorf("%w: empty point set", mesh.ErrMalformed)
	}
	s := &Surface{
		backend: p.Backend,
		points:  make([]r3.Vec, n),
		kn:      max(p.KN, 3),
		ki:      max(p.KI, 1),
		kd:      max(p.KD, 1),
		ransac:  p.Ransac,
	}
	inf := math.Inf(1)
	s.min = r3.Vec{X: inf, Y: inf, Z: inf}
	s.max = r3.Vec{X: -inf, Y: -inf, Z: -inf}
	for i := 0; i < n; i++ {
		q := points.Position(i)
		v := r3.Vec{X: float64(q[0]), Y: float64(q[1]), Z: float64(q[2])}
		s.points[i] = v
		s.centroid = r3.Add(s.centroid, v)
		s.min = r3.Vec{X: math.Min(s.min.X, v.X), Y: math.Min(s.min.Y, v.Y), Z: math.Min(s.min.Z, v.Z)}
		s.max = r3.Vec{X: math.Max(s.max.X, v.X), Y: math.Max(s.max.Y, v.Y), Z: math.Max(s.max.Z, v.Z)}
	}
	s.centroid = r3.Scale(1/float64(n), s.centroid)

	if points.HasNormals() {
		s.normals = make([]r3.Vec, n)
		for i := range s.normals {
			q := points.Normal(i)
			s.normals[i] = safeUnit(r3.Vec{X: float64(q[0]), Y: float64(q[1]), Z: float64(q[2])})
		}
	}
	if points.HasColors() {
		s.colors = make([][3]uint8, n)
		for i := range s.colors {
			s.colors[i] = points.Color(i)
		}
	}

	s.index = newNeighbourIndex(s.points)
	return s, nil
}

// BoundingBox returns the axis-aligned bounds of the input points.
func (s *Surface) BoundingBox() (min, max r3.Vec) { return s.min, s.max }

// HasColors reports whether the input points carried colours.
func (s *Surface) HasColors() bool { return s.colors != nil }

// EstimateNormals fits a tangent plane to the kn neighbours of every point,
// orients it away from the centroid and smooths it over ki neighbours.
func (s *Surface) EstimateNormals(ctx context.Context) error {
	raw := make([]r3.Vec, len(s.points))
	rng := rand.New(rand.NewPCG(uint64(len(s.points)), uint64(s.kn)))
	nbrPts := make([]r3.Vec, 0, s.kn)

	for i, p := range s.points {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		nbrPts = nbrPts[:0]
		for _, id := range s.index.nearest(p, s.kn) {
			nbrPts = append(nbrPts, s.points[id])
		}

		var n r3.Vec
		var ok bool
		if s.ransac {
			n, ok = ransacNormal(nbrPts, rng)
		} else {
			_, n, ok = fitPlane(nbrPts)
		}
		if !ok {
			n = r3.Vec{Z: 1}
		}
		raw[i] = orientNormal(n, r3.Sub(p, s.centroid))
	}

	s.normals = make([]r3.Vec, len(s.points))
	for i, p := range s.points {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		var sum r3.Vec
		for _, id := range s.index.nearest(p, s.ki) {
			n := raw[id]
			if r3.Dot(n, raw[i]) < 0 {
				n = r3.Scale(-1, n)
			}
			sum = r3.Add(sum, n)
		}
		s.normals[i] = safeUnit(sum)
		if s.normals[i] == (r3.Vec{}) {
			s.normals[i] = raw[i]
		}
	}
	monitoring.Logf("[Geometry] estimated %d normals (backend=%s kn=%d ki=%d ransac=%v)",
		len(s.normals), s.backend, s.kn, s.ki, s.ransac)
	return nil
}

// Distance returns the signed distance of q to the surface. It reports false
// when the surface cannot answer, such as before normals are known.
func (s *Surface) Distance(q r3.Vec) (float64, bool) {
	if s.normals == nil {
		return 0, false
	}
	ids := s.index.nearest(q, s.kd)
	if len(ids) == 0 {
		return 0, false
	}
	var pos, nrm r3.Vec
	for _, id := range ids {
		pos = r3.Add(pos, s.points[id])
		nrm = r3.Add(nrm, s.normals[id])
	}
	pos = r3.Scale(1/float64(len(ids)), pos)
	nrm = safeUnit(nrm)
	if nrm == (r3.Vec{}) {
		return 0, false
	}
	return r3.Dot(r3.Sub(q, pos), nrm), true
}

// NearestNormal returns the normal of the input point closest to q.
func (s *Surface) NearestNormal(q r3.Vec) r3.Vec {
	if s.normals == nil {
		return r3.Vec{}
	}
	ids := s.index.nearest(q, 1)
	if len(ids) == 0 {
		return r3.Vec{}
	}
	return s.normals[ids[0]]
}

// NearestColor returns the colour of the input point closest to q.
func (s *Surface) NearestColor(q r3.Vec) ([3]uint8, bool) {
	if s.colors == nil {
		return [3]uint8{}, false
	}
	if s.colorIndex == nil {
		vs := make(pc.Vec3Slice, len(s.points))
		for i, p := range s.points {
			vs[i] = mat.Vec3{float32(p.X), float32(p.Y), float32(p.Z)}
		}
		s.colorIndex = pckdtree.New(vs)
	}
	id := s.colorIndex.Nearest(mat.Vec3{float32(q.X), float32(q.Y), float32(q.Z)}, math.MaxFloat32).ID
	if id < 0 {
		ids := s.index.nearest(q, 1)
		if len(ids) == 0 {
			return [3]uint8{}, false
		}
		id = ids[0]
	}
	return s.colors[id], true
}

// NewGrid samples the signed distance of the surface on a regular grid.
func (s *Surface) NewGrid(ctx context.Context, p pipeline.GridParams) (pipeline.Grid, error) {
	if p.Decomposition != config.DecompositionPMC {
		return nil, fmt.Errorf("decomposition %q not supported by the reference engine", p.Decomposition)
	}
	if s.normals == nil {
		return nil, ErrNoNormals
	}
	return newGrid(ctx, s, p)
}

// fitPlane returns the centroid and least-variance direction of pts.
func fitPlane(pts []r3.Vec) (centroid, normal r3.Vec, ok bool) {
	if len(pts) < 3 {
		return r3.Vec{}, r3.Vec{}, false
	}
	for _, p := range pts {
		centroid = r3.Add(centroid, p)
	}
	centroid = r3.Scale(1/float64(len(pts)), centroid)

	var cxx, cxy, cxz, cyy, cyz, czz float64
	for _, p := range pts {
		d := r3.Sub(p, centroid)
		cxx += d.X * d.X
		cxy += d.X * d.Y
		cxz += d.X * d.Z
		cyy += d.Y * d.Y
		cyz += d.Y * d.Z
		czz += d.Z * d.Z
	}
	cov := gmat.NewSymDense(3, []float64{
		cxx, cxy, cxz,
		cxy, cyy, cyz,
		cxz, cyz, czz,
	})
	var es gmat.EigenSym
	if !es.Factorize(cov, true) {
		return centroid, r3.Vec{}, false
	}
	var vecs gmat.Dense
	es.VectorsTo(&vecs)
	// Eigenvalues are ascending; column 0 spans the plane normal.
	normal = safeUnit(r3.Vec{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)})
	return centroid, normal, normal != (r3.Vec{})
}

// planeAxes returns the best-fit plane of pts with an orthonormal in-plane basis.
func planeAxes(pts []r3.Vec) (centroid, u, v, normal r3.Vec, ok bool) {
	centroid, normal, ok = fitPlane(pts)
	if !ok {
		return
	}
	ref := r3.Vec{X: 1}
	if math.Abs(normal.X) > 0.9 {
		ref = r3.Vec{Y: 1}
	}
	u = safeUnit(r3.Cross(normal, ref))
	v = safeUnit(r3.Cross(normal, u))
	return centroid, u, v, normal, true
}

// ransacNormal fits a plane to pts by random sampling and refines it on the
// inliers of the best candidate.
func ransacNormal(pts []r3.Vec, rng *rand.Rand) (r3.Vec, bool) {
	if len(pts) < 3 {
		return r3.Vec{}, false
	}
	centroid, _, ok := fitPlane(pts)
	if !ok {
		return r3.Vec{}, false
	}
	var spread float64
	for _, p := range pts {
		spread = math.Max(spread, r3.Norm(r3.Sub(p, centroid)))
	}
	threshold := 0.05 * spread

	const iterations = 20
	var bestInliers []r3.Vec
	for it := 0; it < iterations; it++ {
		a, b, c := pts[rng.IntN(len(pts))], pts[rng.IntN(len(pts))], pts[rng.IntN(len(pts))]
		n := safeUnit(r3.Cross(r3.Sub(b, a), r3.Sub(c, a)))
		if n == (r3.Vec{}) {
			continue
		}
		var inliers []r3.Vec
		for _, p := range pts {
			if math.Abs(r3.Dot(r3.Sub(p, a), n)) <= threshold {
				inliers = append(inliers, p)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
		}
	}
	if len(bestInliers) < 3 {
		_, n, ok := fitPlane(pts)
		return n, ok
	}
	_, n, ok := fitPlane(bestInliers)
	return n, ok
}

// orientNormal flips n to point along outward. When outward is (nearly)
// perpendicular, as for planar clouds, n is flipped towards +Z, then +Y, then +X.
func orientNormal(n, outward r3.Vec) r3.Vec {
	d := r3.Dot(n, outward)
	if math.Abs(d) <= 1e-6*r3.Norm(outward) {
		switch {
		case math.Abs(n.Z) > 1e-9:
			d = n.Z
		case math.Abs(n.Y) > 1e-9:
			d = n.Y
		default:
			d = n.X
		}
	}
	if d < 0 {
		return r3.Scale(-1, n)
	}
	return n
}

func safeUnit(v r3.Vec) r3.Vec {
	n := r3.Norm(v)
	if n < 1e-12 || math.IsNaN(n) {
		return r3.Vec{}
	}
	return r3.Scale(1/n, v)
}
