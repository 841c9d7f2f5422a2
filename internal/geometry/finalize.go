package geometry

import (
	"errors"

	"github.com/banshee-data/mesh.report/internal/mesh"
)

// ErrVertexNormalsMissing is returned by Finalize before ComputeVertexNormals.
var ErrVertexNormalsMissing = errors.New("vertex normals not computed")

// Finalize flattens the mesh cluster by cluster into a compact buffer.
// Vertices shared between clusters are duplicated so each cluster owns its
// vertices. Faces outside any cluster form a trailing group.
func (m *Mesh) Finalize(withColors bool) (*mesh.Buffer, error) {
	if len(m.vertexNormals) != len(m.vertices) {
		return nil, ErrVertexNormalsMissing
	}
	withColors = withColors && len(m.vertexColors) == len(m.vertices)

	groups := m.clusters
	var unclustered []int
	for f := range m.faces {
		if m.alive[f] && (m.faceCluster == nil || m.faceCluster[f] < 0) {
			unclustered = append(unclustered, f)
		}
	}
	if len(unclustered) > 0 {
		groups = append(groups[:len(groups):len(groups)], unclustered)
	}

	buf := &mesh.Buffer{}
	m.flatFaceCluster = m.flatFaceCluster[:0]
	m.flatVertexSource = m.flatVertexSource[:0]

	for gi, faces := range groups {
		local := make(map[int]uint32)
		for _, f := range faces {
			if !m.alive[f] {
				continue
			}
			for _, v := range m.faces[f] {
				idx, ok := local[v]
				if !ok {
					idx = uint32(len(m.flatVertexSource))
					local[v] = idx
					m.flatVertexSource = append(m.flatVertexSource, v)
					p, n := m.vertices[v], m.vertexNormals[v]
					buf.Vertices = append(buf.Vertices, float32(p.X), float32(p.Y), float32(p.Z))
					buf.VertexNormals = append(buf.VertexNormals, float32(n.X), float32(n.Y), float32(n.Z))
					if withColors {
						buf.VertexColors = append(buf.VertexColors, m.vertexColors[v])
					}
				}
				buf.Faces = append(buf.Faces, idx)
			}
			m.flatFaceCluster = append(m.flatFaceCluster, gi)
		}
	}
	if buf.Vertices == nil {
		buf.Vertices, buf.VertexNormals, buf.Faces = []float32{}, []float32{}, []uint32{}
	}
	return buf, nil
}
