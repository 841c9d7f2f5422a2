package geometry

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/pipeline"
)

// maxTextureSide caps texture dimensions; larger clusters get coarser texels.
const maxTextureSide = 512

var defaultMaterialRGB = [3]uint8{204, 204, 204}

// ErrNotFinalized is returned by Materialize when buf does not come from
// this mesh's last Finalize.
var ErrNotFinalized = errors.New("materialize requires a finalized buffer")

// Materialize assigns one material per cluster. Untextured clusters share
// materials of identical colour. With tex set, clusters whose face count lies
// in [MinClusterSize, MaxClusterSize] get their own texture sampled from the
// input point colours.
func (m *Mesh) Materialize(buf *mesh.Buffer, tex *pipeline.TextureParams) error {
	if len(m.flatFaceCluster) != buf.FaceCount() || len(m.flatVertexSource) != buf.VertexCount() {
		return ErrNotFinalized
	}

	groups := 0
	for _, g := range m.flatFaceCluster {
		groups = max(groups, g+1)
	}
	groupFaces := make([][]int, groups)
	for f, g := range m.flatFaceCluster {
		groupFaces[g] = append(groupFaces[g], f)
	}

	buf.Materials = nil
	buf.Textures = nil
	buf.FaceMaterials = make([]uint32, buf.FaceCount())
	byColor := make(map[[3]uint8]uint32)

	for _, faces := range groupFaces {
		if len(faces) == 0 {
			continue
		}
		rgb := m.groupColor(buf, faces)
		var matIdx uint32
		textured := false

		if tex != nil && len(faces) >= tex.MinClusterSize &&
			(tex.MaxClusterSize == 0 || len(faces) <= tex.MaxClusterSize) {
			if t, ok := m.texturize(buf, faces, tex.TexelSize, rgb); ok {
				buf.Textures = append(buf.Textures, t)
				matIdx = uint32(len(buf.Materials))
				buf.Materials = append(buf.Materials, mesh.Material{
					HasTexture:   true,
					TextureIndex: uint32(len(buf.Textures) - 1),
					Color:        mesh.ColorFromRGB8(rgb[0], rgb[1], rgb[2]),
				})
				textured = true
			}
		}
		if !textured {
			idx, ok := byColor[rgb]
			if !ok {
				idx = uint32(len(buf.Materials))
				buf.Materials = append(buf.Materials, mesh.Material{Color: mesh.ColorFromRGB8(rgb[0], rgb[1], rgb[2])})
				byColor[rgb] = idx
			}
			matIdx = idx
		}
		for _, f := range faces {
			buf.FaceMaterials[f] = matIdx
		}
	}

	monitoring.Logf("[Geometry] materialized %d clusters into %d materials, %d textures",
		groups, len(buf.Materials), len(buf.Textures))
	return nil
}

func (m *Mesh) groupColor(buf *mesh.Buffer, faces []int) [3]uint8 {
	if len(buf.VertexColors) == buf.VertexCount() && len(buf.VertexColors) > 0 {
		var r, g, b float64
		n := 0
		for _, f := range faces {
			for k := 0; k < 3; k++ {
				c := buf.VertexColors[buf.Faces[3*f+k]]
				r, g, b = r+float64(c.R), g+float64(c.G), b+float64(c.B)
				n++
			}
		}
		return [3]uint8{toByte(r / float64(n)), toByte(g / float64(n)), toByte(b / float64(n))}
	}
	if m.surface != nil && m.surface.HasColors() {
		var c r3.Vec
		for _, f := range faces {
			for k := 0; k < 3; k++ {
				c = r3.Add(c, bufferVertex(buf, buf.Faces[3*f+k]))
			}
		}
		c = r3.Scale(1/float64(3*len(faces)), c)
		if rgb, ok := m.surface.NearestColor(c); ok {
			return rgb
		}
	}
	return defaultMaterialRGB
}

// texturize renders the cluster's best-fit plane at texelSize resolution.
func (m *Mesh) texturize(buf *mesh.Buffer, faces []int, texelSize float64, fallback [3]uint8) (mesh.Texture, bool) {
	if texelSize <= 0 {
		return mesh.Texture{}, false
	}
	var pts []r3.Vec
	seen := make(map[uint32]struct{})
	for _, f := range faces {
		for k := 0; k < 3; k++ {
			v := buf.Faces[3*f+k]
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			pts = append(pts, bufferVertex(buf, v))
		}
	}
	centroid, u, v, _, ok := planeAxes(pts)
	if !ok {
		return mesh.Texture{}, false
	}

	minU, minV := math.Inf(1), math.Inf(1)
	maxU, maxV := math.Inf(-1), math.Inf(-1)
	for _, p := range pts {
		d := r3.Sub(p, centroid)
		pu, pv := r3.Dot(d, u), r3.Dot(d, v)
		minU, maxU = math.Min(minU, pu), math.Max(maxU, pu)
		minV, maxV = math.Min(minV, pv), math.Max(maxV, pv)
	}

	w := texelCount(maxU-minU, texelSize)
	h := texelCount(maxV-minV, texelSize)
	stepU := math.Max(maxU-minU, texelSize) / float64(w)
	stepV := math.Max(maxV-minV, texelSize) / float64(h)

	data := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := r3.Add(centroid, r3.Add(
				r3.Scale(minU+(float64(x)+0.5)*stepU, u),
				r3.Scale(minV+(float64(y)+0.5)*stepV, v)))
			rgb := fallback
			if m.surface != nil {
				if c, ok := m.surface.NearestColor(p); ok {
					rgb = c
				}
			}
			data = append(data, rgb[0], rgb[1], rgb[2])
		}
	}
	return mesh.Texture{Width: uint32(w), Height: uint32(h), Channels: 3, Data: data}, true
}

func texelCount(extent, texel float64) int {
	n := int(math.Ceil(extent / texel))
	return min(max(n, 1), maxTextureSide)
}

func bufferVertex(buf *mesh.Buffer, i uint32) r3.Vec {
	return r3.Vec{
		X: float64(buf.Vertices[3*i]),
		Y: float64(buf.Vertices[3*i+1]),
		Z: float64(buf.Vertices[3*i+2]),
	}
}

func toByte(f float64) uint8 {
	return uint8(math.Round(math.Min(math.Max(f, 0), 1) * 255))
}
