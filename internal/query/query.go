// Package query answers identity-checked reads against the snapshot cache.
package query

import (
	"errors"
	"fmt"

	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/observability"
	"github.com/banshee-data/mesh.report/internal/snapshot"
)

var (
	// ErrNoSuchSnapshot is returned when the requested id is not the
	// current snapshot, including when no snapshot exists yet.
	ErrNoSuchSnapshot = errors.New("no such snapshot")
	// ErrTextureOutOfRange is returned for a texture index beyond the
	// texture list of the requested snapshot.
	ErrTextureOutOfRange = errors.New("texture index out of range")
)

// Source supplies the current snapshot. *snapshot.Cache implements it.
type Source interface {
	Load() *snapshot.Snapshot
}

// Service answers queries against a Source.
type Service struct {
	src     Source
	metrics *observability.Collector
}

// NewService returns a Service reading from src. metrics may be nil.
func NewService(src Source, metrics *observability.Collector) *Service {
	return &Service{src: src, metrics: metrics}
}

// UUID returns the current snapshot id, or "" when nothing was published.
func (s *Service) UUID() string {
	s.metrics.ObserveQuery("uuid", "ok")
	if snap := s.src.Load(); snap != nil {
		return snap.ID
	}
	return ""
}

// Geometry returns the geometry view of snapshot id.
func (s *Service) Geometry(id string) (*snapshot.Geometry, error) {
	snap, err := s.lookup("geometry", id)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveQuery("geometry", "ok")
	return &snap.Geometry, nil
}

// Materials returns the material view of snapshot id.
func (s *Service) Materials(id string) (*snapshot.Materials, error) {
	snap, err := s.lookup("materials", id)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveQuery("materials", "ok")
	return &snap.Materials, nil
}

// VertexColors returns the vertex colour view of snapshot id.
func (s *Service) VertexColors(id string) (*snapshot.VertexColors, error) {
	snap, err := s.lookup("vertex_colors", id)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveQuery("vertex_colors", "ok")
	return &snap.VertexColors, nil
}

// Texture returns texture index of snapshot id. The index is checked against
// the snapshot that matched id, never a newer one.
func (s *Service) Texture(id string, index int) (*snapshot.Texture, error) {
	snap, err := s.lookup("texture", id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(snap.Textures) {
		s.metrics.ObserveQuery("texture", "out_of_range")
		return nil, fmt.Errorf("%w: %d of %d", ErrTextureOutOfRange, index, len(snap.Textures))
	}
	s.metrics.ObserveQuery("texture", "ok")
	return &snap.Textures[index], nil
}

// VertexTexCoords would return one (u,v) pair per vertex. Snapshots never
// carry them, so a matching id still fails with mesh.ErrNotImplemented.
func (s *Service) VertexTexCoords(id string) ([]float32, error) {
	if _, err := s.lookup("tex_coords", id); err != nil {
		return nil, err
	}
	s.metrics.ObserveQuery("tex_coords", "not_implemented")
	return nil, fmt.Errorf("per-vertex texture coordinates: %w", mesh.ErrNotImplemented)
}

// ClusterMaterials would group materials per planar cluster. Not populated
// by any producer; a matching id fails with mesh.ErrNotImplemented.
func (s *Service) ClusterMaterials(id string) ([][]uint32, error) {
	if _, err := s.lookup("cluster_materials", id); err != nil {
		return nil, err
	}
	s.metrics.ObserveQuery("cluster_materials", "not_implemented")
	return nil, fmt.Errorf("per-cluster material grouping: %w", mesh.ErrNotImplemented)
}

// lookup loads the current snapshot once and compares ids before any view
// is read.
func (s *Service) lookup(op, id string) (*snapshot.Snapshot, error) {
	snap := s.src.Load()
	if snap == nil || id == "" || snap.ID != id {
		s.metrics.ObserveQuery(op, "stale")
		return nil, fmt.Errorf("%w: %q", ErrNoSuchSnapshot, id)
	}
	return snap, nil
}
