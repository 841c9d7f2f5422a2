package geometry

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mesh.report/internal/monitoring"
)

// PlanarClusterGrowing partitions live faces into regions whose normals lie
// within normalThreshold (cosine) of the region's seed face.
func (m *Mesh) PlanarClusterGrowing(normalThreshold float64) {
	if len(m.faceNormals) != len(m.faces) {
		m.ComputeFaceNormals()
	}
	ef := m.edgeFaces()

	m.faceCluster = make([]int, len(m.faces))
	for i := range m.faceCluster {
		m.faceCluster[i] = -1
	}
	m.clusters = m.clusters[:0]

	queue := make([]int, 0, 64)
	for seed := range m.faces {
		if !m.alive[seed] || m.faceCluster[seed] >= 0 {
			continue
		}
		id := len(m.clusters)
		ref := m.faceNormals[seed]
		members := []int{seed}
		m.faceCluster[seed] = id
		queue = append(queue[:0], seed)

		for len(queue) > 0 {
			f := queue[0]
			queue = queue[1:]
			tri := m.faces[f]
			for i := 0; i < 3; i++ {
				for _, nb := range ef[makeEdge(tri[i], tri[(i+1)%3])] {
					if m.faceCluster[nb] >= 0 {
						continue
					}
					if r3.Dot(ref, m.faceNormals[nb]) > normalThreshold {
						m.faceCluster[nb] = id
						members = append(members, nb)
						queue = append(queue, nb)
					}
				}
			}
		}
		m.clusters = append(m.clusters, members)
	}
	m.flatFaceCluster = nil
	m.flatVertexSource = nil
}

// IterativePlanarClusterGrowing alternates cluster growing with flattening:
// vertices of every cluster with at least minPlaneSize faces are projected
// onto the cluster's best-fit plane, then normals and clusters are rebuilt.
func (m *Mesh) IterativePlanarClusterGrowing(normalThreshold float64, iterations, minPlaneSize int) {
	for it := 0; it < iterations; it++ {
		m.PlanarClusterGrowing(normalThreshold)
		flattened := 0
		for _, members := range m.clusters {
			if len(members) < minPlaneSize {
				continue
			}
			m.flattenCluster(members)
			flattened++
		}
		m.ComputeFaceNormals()
		monitoring.Logf("[Geometry] plane iteration %d: %d clusters, %d flattened", it+1, len(m.clusters), flattened)
	}
	m.PlanarClusterGrowing(normalThreshold)
}

func (m *Mesh) flattenCluster(faces []int) {
	seen := make(map[int]struct{})
	var verts []int
	var pts []r3.Vec
	for _, f := range faces {
		for _, v := range m.faces[f] {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			verts = append(verts, v)
			pts = append(pts, m.vertices[v])
		}
	}
	centroid, normal, ok := fitPlane(pts)
	if !ok {
		return
	}
	for _, v := range verts {
		p := m.vertices[v]
		d := r3.Dot(r3.Sub(p, centroid), normal)
		m.vertices[v] = r3.Sub(p, r3.Scale(d, normal))
	}
}

// DeleteSmallPlanarClusters removes the faces of every cluster with fewer
// than threshold faces and renumbers the remaining clusters.
func (m *Mesh) DeleteSmallPlanarClusters(threshold int) {
	if m.clusters == nil {
		return
	}
	kept := m.clusters[:0]
	removed := 0
	for _, members := range m.clusters {
		if len(members) < threshold {
			for _, f := range members {
				m.alive[f] = false
				m.faceCluster[f] = -1
			}
			removed++
			continue
		}
		id := len(kept)
		for _, f := range members {
			m.faceCluster[f] = id
		}
		kept = append(kept, members)
	}
	m.clusters = kept
	m.flatFaceCluster = nil
	m.flatVertexSource = nil
	monitoring.Logf("[Geometry] deleted %d clusters below %d faces", removed, threshold)
}
