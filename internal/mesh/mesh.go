// Package mesh defines the point set consumed by reconstruction and the
// mesh buffer it produces.
package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed reports a point set or buffer whose arrays disagree.
	ErrMalformed = errors.New("malformed mesh data")
	// ErrNotImplemented reports a representation the system never fills,
	// such as per-vertex texture coordinates or per-cluster materials.
	ErrNotImplemented = errors.New("not implemented")
)

// PointSet is an immutable cloud of positions with optional per-point
// normals and colours. Arrays are flat: xyz triples and rgb triples.
type PointSet struct {
	positions []float32
	normals   []float32
	colors    []uint8
}

// NewPointSet takes ownership of the slices. normals and colors may be nil.
func NewPointSet(positions, normals []float32, colors []uint8) (*PointSet, error) {
	if len(positions)%3 != 0 {
		return nil, fmt.Errorf("%w: positions length %d not divisible by 3", ErrMalformed, len(positions))
	}
	if normals != nil && len(normals) != len(positions) {
		return nil, fmt.Errorf("%w: %d normals for %d positions", ErrMalformed, len(normals)/3, len(positions)/3)
	}
	if colors != nil && len(colors) != len(positions) {
		return nil, fmt.Errorf("%w: %d colours for %d positions", ErrMalformed, len(colors)/3, len(positions)/3)
	}
	return &PointSet{positions: positions, normals: normals, colors: colors}, nil
}

func (p *PointSet) Len() int         { return len(p.positions) / 3 }
func (p *PointSet) HasNormals() bool { return p.normals != nil }
func (p *PointSet) HasColors() bool  { return p.colors != nil }

// Position returns point i.
func (p *PointSet) Position(i int) [3]float32 {
	return [3]float32{p.positions[3*i], p.positions[3*i+1], p.positions[3*i+2]}
}

// Normal returns the supplied normal of point i. HasNormals must be true.
func (p *PointSet) Normal(i int) [3]float32 {
	return [3]float32{p.normals[3*i], p.normals[3*i+1], p.normals[3*i+2]}
}

// Color returns the rgb colour of point i. HasColors must be true.
func (p *PointSet) Color(i int) [3]uint8 {
	return [3]uint8{p.colors[3*i], p.colors[3*i+1], p.colors[3*i+2]}
}

// Color is an RGBA colour with components in [0,1].
type Color struct {
	R float32 `json:"r"`
	G float32 `json:"g"`
	B float32 `json:"b"`
	A float32 `json:"a"`
}

// ColorFromRGB8 converts 8-bit rgb into an opaque Color.
func ColorFromRGB8(r, g, b uint8) Color {
	return Color{R: float32(r) / 255, G: float32(g) / 255, B: float32(b) / 255, A: 1}
}

// Material is either a flat colour or a reference into Buffer.Textures.
type Material struct {
	HasTexture   bool   `json:"has_texture"`
	TextureIndex uint32 `json:"texture_index"`
	Color        Color  `json:"color"`
}

// Texture is a row-major image with Channels bytes per texel.
type Texture struct {
	Width    uint32 `json:"width"`
	Height   uint32 `json:"height"`
	Channels uint32 `json:"channels"`
	Data     []byte `json:"data"`
}

// Buffer is the finalized output of one reconstruction run. It is owned by
// whoever holds it; the pipeline hands it to the snapshot cache and never
// touches it again.
type Buffer struct {
	Vertices      []float32 // xyz
	VertexNormals []float32 // xyz, one per vertex
	Faces         []uint32  // vertex index triples
	VertexColors  []Color   // optional, one per vertex
	Materials     []Material
	FaceMaterials []uint32 // optional, one material index per face
	Textures      []Texture
}

func (b *Buffer) VertexCount() int { return len(b.Vertices) / 3 }
func (b *Buffer) FaceCount() int   { return len(b.Faces) / 3 }

// Validate checks the cross-array invariants of the buffer.
func (b *Buffer) Validate() error {
	if len(b.Vertices)%3 != 0 {
		return fmt.Errorf("%w: vertices length %d not divisible by 3", ErrMalformed, len(b.Vertices))
	}
	if len(b.Faces)%3 != 0 {
		return fmt.Errorf("%w: faces length %d not divisible by 3", ErrMalformed, len(b.Faces))
	}
	nv := b.VertexCount()
	if len(b.VertexNormals) != len(b.Vertices) {
		return fmt.Errorf("%w: %d vertex normals for %d vertices", ErrMalformed, len(b.VertexNormals)/3, nv)
	}
	if len(b.VertexColors) != 0 && len(b.VertexColors) != nv {
		return fmt.Errorf("%w: %d vertex colours for %d vertices", ErrMalformed, len(b.VertexColors), nv)
	}
	for i, idx := range b.Faces {
		if int(idx) >= nv {
			return fmt.Errorf("%w: face %d references vertex %d of %d", ErrMalformed, i/3, idx, nv)
		}
	}
	for i, m := range b.Materials {
		if m.HasTexture && int(m.TextureIndex) >= len(b.Textures) {
			return fmt.Errorf("%w: material %d references texture %d of %d", ErrMalformed, i, m.TextureIndex, len(b.Textures))
		}
	}
	if len(b.FaceMaterials) != 0 {
		if len(b.FaceMaterials) != b.FaceCount() {
			return fmt.Errorf("%w: %d face materials for %d faces", ErrMalformed, len(b.FaceMaterials), b.FaceCount())
		}
		for i, m := range b.FaceMaterials {
			if int(m) >= len(b.Materials) {
				return fmt.Errorf("%w: face %d references material %d of %d", ErrMalformed, i, m, len(b.Materials))
			}
		}
	}
	for i, tex := range b.Textures {
		if want := int(tex.Width) * int(tex.Height) * int(tex.Channels); len(tex.Data) != want {
			return fmt.Errorf("%w: texture %d has %d bytes, want %d", ErrMalformed, i, len(tex.Data), want)
		}
	}
	return nil
}
