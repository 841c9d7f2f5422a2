// Package meshrpc exposes the mesh query, reconstruction and broadcast
// operations as the gRPC service meshreport.MeshService.
package meshrpc

import (
	"bytes"
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/mesh.report/internal/ingest"
	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/observability"
	"github.com/banshee-data/mesh.report/internal/publisher"
	"github.com/banshee-data/mesh.report/internal/snapshot"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "meshreport.MeshService"

// maxMsgSize fits textured meshes of a few million faces.
const maxMsgSize = 64 * 1024 * 1024

// UUIDRequest asks for the current snapshot id.
type UUIDRequest struct{}

// UUIDResponse carries the current snapshot id; empty before the first publish.
type UUIDResponse struct {
	UUID string `json:"uuid"`
}

// MeshRequest addresses a snapshot by id.
type MeshRequest struct {
	UUID string `json:"uuid"`
}

// TextureRequest addresses one texture of a snapshot.
type TextureRequest struct {
	UUID  string `json:"uuid"`
	Index int    `json:"index"`
}

// TexCoordsResponse holds per-vertex texture coordinates.
type TexCoordsResponse struct {
	UUID      string    `json:"uuid"`
	TexCoords []float32 `json:"tex_coords"`
}

// ClusterMaterialsResponse groups material indices per planar cluster.
type ClusterMaterialsResponse struct {
	UUID     string     `json:"uuid"`
	Clusters [][]uint32 `json:"clusters"`
}

// PointCloudRequest carries a PCD-encoded cloud.
type PointCloudRequest struct {
	Frame string    `json:"frame_id,omitempty"`
	Stamp time.Time `json:"stamp,omitempty"`
	PCD   []byte    `json:"pcd"`
}

// ReconstructResponse names the snapshot a reconstruction published.
type ReconstructResponse struct {
	UUID string `json:"uuid"`
}

// PushResponse acknowledges a queued cloud.
type PushResponse struct {
	Accepted bool `json:"accepted"`
}

// WatchRequest opens a broadcast stream.
type WatchRequest struct {
	IncludeGeometry bool `json:"include_geometry"`
}

// Queries is the read side of the service.
type Queries interface {
	UUID() string
	Geometry(id string) (*snapshot.Geometry, error)
	Materials(id string) (*snapshot.Materials, error)
	VertexColors(id string) (*snapshot.VertexColors, error)
	Texture(id string, index int) (*snapshot.Texture, error)
	VertexTexCoords(id string) ([]float32, error)
	ClusterMaterials(id string) ([][]uint32, error)
}

// Reconstructor runs goals and accepts streamed clouds.
type Reconstructor interface {
	Reconstruct(ctx context.Context, cloud ingest.Cloud) (string, error)
	Ingest(cloud ingest.Cloud)
}

// Watcher hands out broadcast subscriptions.
type Watcher interface {
	Subscribe(includeGeometry bool) (*publisher.Subscription, error)
	Unsubscribe(id string)
}

// MeshServiceServer is the server API for MeshService.
type MeshServiceServer interface {
	GetUUID(context.Context, *UUIDRequest) (*UUIDResponse, error)
	GetGeometry(context.Context, *MeshRequest) (*snapshot.Geometry, error)
	GetMaterials(context.Context, *MeshRequest) (*snapshot.Materials, error)
	GetVertexColors(context.Context, *MeshRequest) (*snapshot.VertexColors, error)
	GetTexture(context.Context, *TextureRequest) (*snapshot.Texture, error)
	GetVertexTexCoords(context.Context, *MeshRequest) (*TexCoordsResponse, error)
	GetClusterMaterials(context.Context, *MeshRequest) (*ClusterMaterialsResponse, error)
	Reconstruct(context.Context, *PointCloudRequest) (*ReconstructResponse, error)
	PushPointCloud(context.Context, *PointCloudRequest) (*PushResponse, error)
	WatchMeshes(*WatchRequest, grpc.ServerStream) error
}

// Ensure Server implements the gRPC interface.
var _ MeshServiceServer = (*Server)(nil)

// Server implements MeshService. The reconstructor and watcher are optional;
// the operations they back return Unimplemented without them.
type Server struct {
	queries Queries
	recon   Reconstructor
	watcher Watcher
}

// NewServer returns a Server.
func NewServer(queries Queries, recon Reconstructor, watcher Watcher) *Server {
	return &Server{queries: queries, recon: recon, watcher: watcher}
}

// Register adds the service to reg.
func (s *Server) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&ServiceDesc, s)
}

// NewGRPCServer returns a grpc.Server with tracing, request logging and
// metrics interceptors. metrics may be nil.
func NewGRPCServer(metrics *observability.Collector, extra ...grpc.ServerOption) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			loggingUnaryInterceptor,
			metrics.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor()),
	}
	return grpc.NewServer(append(opts, extra...)...)
}

func loggingUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		monitoring.Logf("[gRPC] %s failed after %v: %v", info.FullMethod, time.Since(start), err)
	}
	return resp, err
}

func (s *Server) GetUUID(context.Context, *UUIDRequest) (*UUIDResponse, error) {
	return &UUIDResponse{UUID: s.queries.UUID()}, nil
}

func (s *Server) GetGeometry(_ context.Context, req *MeshRequest) (*snapshot.Geometry, error) {
	g, err := s.queries.Geometry(req.UUID)
	return g, ToStatusError(err)
}

func (s *Server) GetMaterials(_ context.Context, req *MeshRequest) (*snapshot.Materials, error) {
	m, err := s.queries.Materials(req.UUID)
	return m, ToStatusError(err)
}

func (s *Server) GetVertexColors(_ context.Context, req *MeshRequest) (*snapshot.VertexColors, error) {
	c, err := s.queries.VertexColors(req.UUID)
	return c, ToStatusError(err)
}

func (s *Server) GetTexture(_ context.Context, req *TextureRequest) (*snapshot.Texture, error) {
	t, err := s.queries.Texture(req.UUID, req.Index)
	return t, ToStatusError(err)
}

func (s *Server) GetVertexTexCoords(_ context.Context, req *MeshRequest) (*TexCoordsResponse, error) {
	uv, err := s.queries.VertexTexCoords(req.UUID)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return &TexCoordsResponse{UUID: req.UUID, TexCoords: uv}, nil
}

func (s *Server) GetClusterMaterials(_ context.Context, req *MeshRequest) (*ClusterMaterialsResponse, error) {
	clusters, err := s.queries.ClusterMaterials(req.UUID)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return &ClusterMaterialsResponse{UUID: req.UUID, Clusters: clusters}, nil
}

// Reconstruct blocks until the run completes.
func (s *Server) Reconstruct(ctx context.Context, req *PointCloudRequest) (*ReconstructResponse, error) {
	if s.recon == nil {
		return nil, status.Error(codes.Unimplemented, "reconstruction not available")
	}
	cloud, err := decodeCloud(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	id, err := s.recon.Reconstruct(ctx, cloud)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return &ReconstructResponse{UUID: id}, nil
}

// PushPointCloud queues a cloud for the ingestion worker and returns at once.
func (s *Server) PushPointCloud(_ context.Context, req *PointCloudRequest) (*PushResponse, error) {
	if s.recon == nil {
		return nil, status.Error(codes.Unimplemented, "ingestion not available")
	}
	cloud, err := decodeCloud(req)
	if err != nil {
		return nil, ToStatusError(err)
	}
	s.recon.Ingest(cloud)
	return &PushResponse{Accepted: true}, nil
}

// WatchMeshes streams an event for each published mesh until the client
// goes away or the publisher stops.
func (s *Server) WatchMeshes(req *WatchRequest, stream grpc.ServerStream) error {
	if s.watcher == nil {
		return status.Error(codes.Unimplemented, "broadcast not available")
	}
	sub, err := s.watcher.Subscribe(req.IncludeGeometry)
	if errors.Is(err, publisher.ErrNotRunning) {
		return status.Error(codes.Unavailable, err.Error())
	}
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer s.watcher.Unsubscribe(sub.ID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return nil
		case ev := <-sub.Events:
			if err := stream.SendMsg(ev); err != nil {
				monitoring.Logf("[gRPC] WatchMeshes send error: %v", err)
				return err
			}
		}
	}
}

func decodeCloud(req *PointCloudRequest) (ingest.Cloud, error) {
	pp, err := ingest.Decode(bytes.NewReader(req.PCD))
	if err != nil {
		return ingest.Cloud{}, err
	}
	return ingest.Cloud{Frame: req.Frame, Stamp: req.Stamp, Points: pp}, nil
}
