package geometry

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// cubeCorners are the corner offsets of a cell:
//
//	0:(0,0,0) 1:(1,0,0) 2:(1,1,0) 3:(0,1,0)
//	4:(0,0,1) 5:(1,0,1) 6:(1,1,1) 7:(0,1,1)
var cubeCorners = [8]cellKey{
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
}

// cubeTetrahedra split a cell into six tetrahedra around the 0-6 diagonal.
// Every cell uses the same split, so shared faces are cut along the same
// diagonal and the extracted surface is watertight across cells.
var cubeTetrahedra = [6][4]int{
	{0, 5, 1, 6},
	{0, 1, 2, 6},
	{0, 2, 3, 6},
	{0, 3, 7, 6},
	{0, 7, 4, 6},
	{0, 4, 5, 6},
}

// edgeKey identifies a grid edge independent of direction; vertices on the
// same edge are shared between neighbouring tetrahedra.
type edgeKey struct{ a, b cellKey }

func newEdgeKey(a, b cellKey) edgeKey {
	if b.less(a) {
		a, b = b, a
	}
	return edgeKey{a, b}
}

type extractor struct {
	grid     *Grid
	vertices []r3.Vec
	faces    [][3]int
	edges    map[edgeKey]int
}

func (ex *extractor) cell(c cellKey) {
	var keys [8]cellKey
	var dist [8]float64
	for i, off := range cubeCorners {
		keys[i] = cellKey{c.x + off.x, c.y + off.y, c.z + off.z}
		v := ex.grid.corners[keys[i]]
		if !v.valid {
			return
		}
		dist[i] = v.dist
	}
	for _, tet := range cubeTetrahedra {
		ex.tetrahedron(
			[4]cellKey{keys[tet[0]], keys[tet[1]], keys[tet[2]], keys[tet[3]]},
			[4]float64{dist[tet[0]], dist[tet[1]], dist[tet[2]], dist[tet[3]]},
		)
	}
}

func (ex *extractor) tetrahedron(k [4]cellKey, d [4]float64) {
	var in, out []int
	for i := 0; i < 4; i++ {
		if d[i] < 0 {
			in = append(in, i)
		} else {
			out = append(out, i)
		}
	}

	switch len(in) {
	case 0, 4:
		return
	case 1:
		a := in[0]
		ex.triangle(k, in, out,
			ex.edgeVertex(k[a], k[out[0]], d[a], d[out[0]]),
			ex.edgeVertex(k[a], k[out[1]], d[a], d[out[1]]),
			ex.edgeVertex(k[a], k[out[2]], d[a], d[out[2]]))
	case 3:
		a := out[0]
		ex.triangle(k, in, out,
			ex.edgeVertex(k[a], k[in[0]], d[a], d[in[0]]),
			ex.edgeVertex(k[a], k[in[1]], d[a], d[in[1]]),
			ex.edgeVertex(k[a], k[in[2]], d[a], d[in[2]]))
	case 2:
		a, b := in[0], in[1]
		c, e := out[0], out[1]
		ac := ex.edgeVertex(k[a], k[c], d[a], d[c])
		ae := ex.edgeVertex(k[a], k[e], d[a], d[e])
		be := ex.edgeVertex(k[b], k[e], d[b], d[e])
		bc := ex.edgeVertex(k[b], k[c], d[b], d[c])
		ex.triangle(k, in, out, ac, ae, be)
		ex.triangle(k, in, out, ac, be, bc)
	}
}

// triangle appends a face wound so its normal points from the inside
// corners towards the outside corners.
func (ex *extractor) triangle(k [4]cellKey, in, out []int, i0, i1, i2 int) {
	if i0 == i1 || i1 == i2 || i0 == i2 {
		return
	}
	p0, p1, p2 := ex.vertices[i0], ex.vertices[i1], ex.vertices[i2]
	n := r3.Cross(r3.Sub(p1, p0), r3.Sub(p2, p0))
	if r3.Norm2(n) < 1e-24 {
		return
	}

	var inC, outC r3.Vec
	for _, i := range in {
		inC = r3.Add(inC, ex.grid.cornerPosition(k[i]))
	}
	for _, i := range out {
		outC = r3.Add(outC, ex.grid.cornerPosition(k[i]))
	}
	dir := r3.Sub(r3.Scale(1/float64(len(out)), outC), r3.Scale(1/float64(len(in)), inC))
	if r3.Dot(n, dir) < 0 {
		i1, i2 = i2, i1
	}
	ex.faces = append(ex.faces, [3]int{i0, i1, i2})
}

func (ex *extractor) edgeVertex(a, b cellKey, da, db float64) int {
	key := newEdgeKey(a, b)
	if idx, ok := ex.edges[key]; ok {
		return idx
	}
	t := 0.5
	if da != db {
		t = da / (da - db)
	}
	t = min(max(t, 0), 1)
	pa, pb := ex.grid.cornerPosition(a), ex.grid.cornerPosition(b)
	p := r3.Add(pa, r3.Scale(t, r3.Sub(pb, pa)))

	idx := len(ex.vertices)
	ex.vertices = append(ex.vertices, p)
	ex.edges[key] = idx
	return idx
}
