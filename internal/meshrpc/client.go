package meshrpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/mesh.report/internal/publisher"
	"github.com/banshee-data/mesh.report/internal/snapshot"
)

// Dial opens a plaintext connection to a MeshService at target.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}
	return grpc.NewClient(target, append(base, opts...)...)
}

// Client is a typed MeshService client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, method, in, out, grpc.CallContentSubtype(CodecName))
}

// UUID returns the current snapshot id.
func (c *Client) UUID(ctx context.Context) (string, error) {
	out := new(UUIDResponse)
	if err := c.invoke(ctx, MethodGetUUID, &UUIDRequest{}, out); err != nil {
		return "", err
	}
	return out.UUID, nil
}

func (c *Client) Geometry(ctx context.Context, id string) (*snapshot.Geometry, error) {
	out := new(snapshot.Geometry)
	if err := c.invoke(ctx, MethodGetGeometry, &MeshRequest{UUID: id}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Materials(ctx context.Context, id string) (*snapshot.Materials, error) {
	out := new(snapshot.Materials)
	if err := c.invoke(ctx, MethodGetMaterials, &MeshRequest{UUID: id}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) VertexColors(ctx context.Context, id string) (*snapshot.VertexColors, error) {
	out := new(snapshot.VertexColors)
	if err := c.invoke(ctx, MethodGetVertexColors, &MeshRequest{UUID: id}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Texture(ctx context.Context, id string, index int) (*snapshot.Texture, error) {
	out := new(snapshot.Texture)
	if err := c.invoke(ctx, MethodGetTexture, &TextureRequest{UUID: id, Index: index}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) VertexTexCoords(ctx context.Context, id string) ([]float32, error) {
	out := new(TexCoordsResponse)
	if err := c.invoke(ctx, MethodGetVertexTexCoords, &MeshRequest{UUID: id}, out); err != nil {
		return nil, err
	}
	return out.TexCoords, nil
}

func (c *Client) ClusterMaterials(ctx context.Context, id string) ([][]uint32, error) {
	out := new(ClusterMaterialsResponse)
	if err := c.invoke(ctx, MethodGetClusterMaterials, &MeshRequest{UUID: id}, out); err != nil {
		return nil, err
	}
	return out.Clusters, nil
}

// Reconstruct sends a PCD body and waits for the published snapshot id.
func (c *Client) Reconstruct(ctx context.Context, req *PointCloudRequest) (string, error) {
	out := new(ReconstructResponse)
	if err := c.invoke(ctx, MethodReconstruct, req, out); err != nil {
		return "", err
	}
	return out.UUID, nil
}

// PushPointCloud queues a PCD body for streaming reconstruction.
func (c *Client) PushPointCloud(ctx context.Context, req *PointCloudRequest) error {
	return c.invoke(ctx, MethodPushPointCloud, req, new(PushResponse))
}

// WatchStream receives broadcast events.
type WatchStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (w *WatchStream) Recv() (*publisher.Event, error) {
	ev := new(publisher.Event)
	if err := w.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Watch opens a broadcast stream. Cancel ctx to close it.
func (c *Client) Watch(ctx context.Context, includeGeometry bool) (*WatchStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodWatchMeshes, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	// io.EOF means the server already ended the stream; Recv reports why.
	if err := stream.SendMsg(&WatchRequest{IncludeGeometry: includeGeometry}); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchStream{stream: stream}, nil
}
