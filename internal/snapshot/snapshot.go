// Package snapshot holds the current reconstruction result. A Snapshot is
// built once from a finished mesh buffer and never modified; the Cache swaps
// whole snapshots so readers always see one run's data.
package snapshot

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mesh.report/internal/mesh"
)

// Header identifies the snapshot a view was derived from.
type Header struct {
	ID    string    `json:"uuid"`
	Frame string    `json:"frame_id"`
	Stamp time.Time `json:"stamp"`
}

// Geometry is the positional view of a snapshot.
type Geometry struct {
	Header
	Vertices      []float32 `json:"vertices"`
	VertexNormals []float32 `json:"vertex_normals"`
	Faces         []uint32  `json:"faces"`
}

// VertexColors is the per-vertex colour view. Colors is empty when the
// input cloud had no colours.
type VertexColors struct {
	Header
	Colors []mesh.Color `json:"colors"`
}

// Materials is the material view with its face assignment.
type Materials struct {
	Header
	Materials     []mesh.Material `json:"materials"`
	FaceMaterials []uint32        `json:"face_materials"`
}

// Texture is a single texture image of a snapshot.
type Texture struct {
	Header
	Index int `json:"index"`
	mesh.Texture
}

// Snapshot is one complete reconstruction result. All views share Header.
type Snapshot struct {
	Header
	Geometry     Geometry
	VertexColors VertexColors
	Materials    Materials
	Textures     []Texture
}

// Build derives a snapshot from buf. The snapshot takes ownership of buf's
// slices; the caller must not modify buf afterwards.
func Build(buf *mesh.Buffer, id, frame string, stamp time.Time) (*Snapshot, error) {
	if buf == nil {
		return nil, fmt.Errorf("%w: nil buffer", mesh.ErrMalformed)
	}
	if id == "" {
		return nil, fmt.Errorf("snapshot id must not be empty")
	}
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	h := Header{ID: id, Frame: frame, Stamp: stamp}
	s := &Snapshot{
		Header: h,
		Geometry: Geometry{
			Header:        h,
			Vertices:      buf.Vertices,
			VertexNormals: buf.VertexNormals,
			Faces:         buf.Faces,
		},
		VertexColors: VertexColors{Header: h, Colors: buf.VertexColors},
		Materials: Materials{
			Header:        h,
			Materials:     buf.Materials,
			FaceMaterials: buf.FaceMaterials,
		},
		Textures: make([]Texture, len(buf.Textures)),
	}
	for i, t := range buf.Textures {
		s.Textures[i] = Texture{Header: h, Index: i, Texture: t}
	}
	return s, nil
}

// VertexCount returns the number of vertices in the geometry view.
func (s *Snapshot) VertexCount() int { return len(s.Geometry.Vertices) / 3 }

// FaceCount returns the number of faces in the geometry view.
func (s *Snapshot) FaceCount() int { return len(s.Geometry.Faces) / 3 }

// Cache holds at most one current Snapshot. Load is wait-free; Publish and
// Replace swap the whole snapshot.
type Cache struct {
	current atomic.Pointer[Snapshot]
	now     func() time.Time
	newID   func() string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{now: time.Now, newID: uuid.NewString}
}

// Publish builds a snapshot from buf under a fresh id and makes it current.
// A zero stamp is replaced with the current time. On error the cache is
// unchanged.
func (c *Cache) Publish(buf *mesh.Buffer, frame string, stamp time.Time) (string, error) {
	if stamp.IsZero() {
		stamp = c.now()
	}
	s, err := Build(buf, c.newID(), frame, stamp)
	if err != nil {
		return "", fmt.Errorf("publish snapshot: %w", err)
	}
	c.current.Store(s)
	return s.ID, nil
}

// Replace installs a prebuilt snapshot, such as one loaded from a container.
func (c *Cache) Replace(s *Snapshot) {
	c.current.Store(s)
}

// Load returns the current snapshot, or nil before the first publish.
func (c *Cache) Load() *Snapshot {
	return c.current.Load()
}

// ID returns the current snapshot id, or "" when the cache is empty.
func (c *Cache) ID() string {
	if s := c.current.Load(); s != nil {
		return s.ID
	}
	return ""
}
