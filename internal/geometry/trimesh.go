package geometry

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/monitoring"
)

// Mesh is an indexed triangle mesh with face tombstones. Vertices are never
// removed; Finalize drops the ones no live face references.
type Mesh struct {
	surface *Surface

	vertices []r3.Vec
	faces    [][3]int
	alive    []bool

	faceNormals   []r3.Vec
	vertexNormals []r3.Vec
	vertexColors  []mesh.Color

	// faceCluster maps each face to its planar cluster, -1 if none.
	faceCluster []int
	clusters    [][]int

	// Filled by Finalize so Materialize can address buffer faces.
	flatFaceCluster  []int
	flatVertexSource []int
}

func newMesh(s *Surface, vertices []r3.Vec, faces [][3]int) *Mesh {
	alive := make([]bool, len(faces))
	for i := range alive {
		alive[i] = true
	}
	return &Mesh{surface: s, vertices: vertices, faces: faces, alive: alive}
}

// FaceCount returns the number of live faces.
func (m *Mesh) FaceCount() int {
	n := 0
	for _, a := range m.alive {
		if a {
			n++
		}
	}
	return n
}

// ClusterCount returns the number of planar clusters.
func (m *Mesh) ClusterCount() int { return len(m.clusters) }

type undirectedEdge struct{ a, b int }

func makeEdge(a, b int) undirectedEdge {
	if a > b {
		a, b = b, a
	}
	return undirectedEdge{a, b}
}

// edgeFaces maps every edge to the live faces using it.
func (m *Mesh) edgeFaces() map[undirectedEdge][]int {
	ef := make(map[undirectedEdge][]int, len(m.faces)*3/2)
	for f, tri := range m.faces {
		if !m.alive[f] {
			continue
		}
		for i := 0; i < 3; i++ {
			e := makeEdge(tri[i], tri[(i+1)%3])
			ef[e] = append(ef[e], f)
		}
	}
	return ef
}

func (m *Mesh) faceArea(f int) float64 {
	tri := m.faces[f]
	a, b, c := m.vertices[tri[0]], m.vertices[tri[1]], m.vertices[tri[2]]
	return 0.5 * r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a)))
}

func (m *Mesh) invalidateDerived() {
	m.faceCluster = nil
	m.clusters = nil
	m.flatFaceCluster = nil
	m.flatVertexSource = nil
}

// RemoveDanglingArtifacts deletes every connected fragment with fewer than
// minSize vertices.
func (m *Mesh) RemoveDanglingArtifacts(minSize int) {
	uf := newUnionFind(len(m.vertices))
	for f, tri := range m.faces {
		if m.alive[f] {
			uf.union(tri[0], tri[1])
			uf.union(tri[1], tri[2])
		}
	}

	used := make([]bool, len(m.vertices))
	for f, tri := range m.faces {
		if m.alive[f] {
			used[tri[0]], used[tri[1]], used[tri[2]] = true, true, true
		}
	}
	size := make(map[int]int)
	for v, u := range used {
		if u {
			size[uf.find(v)]++
		}
	}

	removed := 0
	for f, tri := range m.faces {
		if m.alive[f] && size[uf.find(tri[0])] < minSize {
			m.alive[f] = false
			removed++
		}
	}
	if removed > 0 {
		m.invalidateDerived()
	}
	monitoring.Logf("[Geometry] removed %d faces in fragments below %d vertices", removed, minSize)
}

// CleanContours erodes the mesh border. Each iteration removes border faces
// with two or more open edges and border faces with area below tolerance.
func (m *Mesh) CleanContours(iterations int, tolerance float64) {
	total := 0
	for it := 0; it < iterations; it++ {
		ef := m.edgeFaces()
		var doomed []int
		for f, tri := range m.faces {
			if !m.alive[f] {
				continue
			}
			open := 0
			for i := 0; i < 3; i++ {
				if len(ef[makeEdge(tri[i], tri[(i+1)%3])]) == 1 {
					open++
				}
			}
			if open >= 2 || (open == 1 && m.faceArea(f) < tolerance) {
				doomed = append(doomed, f)
			}
		}
		if len(doomed) == 0 {
			break
		}
		for _, f := range doomed {
			m.alive[f] = false
		}
		total += len(doomed)
	}
	if total > 0 {
		m.invalidateDerived()
	}
	monitoring.Logf("[Geometry] contour cleanup removed %d faces in up to %d iterations", total, iterations)
}

// FillHoles closes every boundary loop with at most maxSize edges by fanning
// triangles to a new centroid vertex.
func (m *Mesh) FillHoles(maxSize int) {
	if maxSize < 3 {
		return
	}
	ef := m.edgeFaces()

	// Directed border half-edges follow the winding of their face.
	next := make(map[int][]int)
	for f, tri := range m.faces {
		if !m.alive[f] {
			continue
		}
		for i := 0; i < 3; i++ {
			a, b := tri[i], tri[(i+1)%3]
			if len(ef[makeEdge(a, b)]) == 1 {
				next[a] = append(next[a], b)
			}
		}
	}

	type halfEdge struct{ a, b int }
	visited := make(map[halfEdge]bool)
	filled := 0

	starts := make([]int, 0, len(next))
	for v := range next {
		starts = append(starts, v)
	}
	sort.Ints(starts)

	for _, start := range starts {
		for _, first := range next[start] {
			if visited[halfEdge{start, first}] {
				continue
			}
			loop := []int{start}
			visited[halfEdge{start, first}] = true
			cur, closed := first, false
			for steps := 0; steps <= maxSize; steps++ {
				if cur == start {
					closed = true
					break
				}
				loop = append(loop, cur)
				advanced := false
				for _, n := range next[cur] {
					if !visited[halfEdge{cur, n}] {
						visited[halfEdge{cur, n}] = true
						cur = n
						advanced = true
						break
					}
				}
				if !advanced {
					break
				}
			}
			if !closed || len(loop) < 3 || len(loop) > maxSize {
				continue
			}
			m.fillLoop(loop)
			filled++
		}
	}
	if filled > 0 {
		m.invalidateDerived()
	}
	monitoring.Logf("[Geometry] filled %d holes up to %d edges", filled, maxSize)
}

func (m *Mesh) fillLoop(loop []int) {
	if len(loop) == 3 {
		m.addFace([3]int{loop[2], loop[1], loop[0]})
		return
	}
	var c r3.Vec
	for _, v := range loop {
		c = r3.Add(c, m.vertices[v])
	}
	c = r3.Scale(1/float64(len(loop)), c)
	ci := len(m.vertices)
	m.vertices = append(m.vertices, c)
	for i := range loop {
		a, b := loop[i], loop[(i+1)%len(loop)]
		m.addFace([3]int{b, a, ci})
	}
}

func (m *Mesh) addFace(tri [3]int) {
	m.faces = append(m.faces, tri)
	m.alive = append(m.alive, true)
}

// ComputeFaceNormals sets a unit normal for every face; degenerate faces
// get the zero vector.
func (m *Mesh) ComputeFaceNormals() {
	m.faceNormals = make([]r3.Vec, len(m.faces))
	for f, tri := range m.faces {
		if !m.alive[f] {
			continue
		}
		a, b, c := m.vertices[tri[0]], m.vertices[tri[1]], m.vertices[tri[2]]
		m.faceNormals[f] = safeUnit(r3.Cross(r3.Sub(b, a), r3.Sub(c, a)))
	}
}

// ComputeVertexNormals averages area-weighted face normals around each
// vertex and falls back to the surface normal where they cancel out.
func (m *Mesh) ComputeVertexNormals() {
	if len(m.faceNormals) != len(m.faces) {
		m.ComputeFaceNormals()
	}
	sums := make([]r3.Vec, len(m.vertices))
	for f, tri := range m.faces {
		if !m.alive[f] {
			continue
		}
		w := r3.Scale(m.faceArea(f), m.faceNormals[f])
		for _, v := range tri {
			sums[v] = r3.Add(sums[v], w)
		}
	}
	m.vertexNormals = make([]r3.Vec, len(m.vertices))
	for v, s := range sums {
		n := safeUnit(s)
		if n == (r3.Vec{}) && m.surface != nil {
			n = m.surface.NearestNormal(m.vertices[v])
		}
		m.vertexNormals[v] = n
	}
}

// ComputeVertexColors takes every vertex colour from the nearest input point.
// It does nothing when the input carried no colours.
func (m *Mesh) ComputeVertexColors() {
	if m.surface == nil || !m.surface.HasColors() {
		return
	}
	m.vertexColors = make([]mesh.Color, len(m.vertices))
	for v, p := range m.vertices {
		if c, ok := m.surface.NearestColor(p); ok {
			m.vertexColors[v] = mesh.ColorFromRGB8(c[0], c[1], c[2])
		}
	}
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}
