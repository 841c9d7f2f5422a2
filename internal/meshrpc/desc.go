package meshrpc

import (
	"context"

	"google.golang.org/grpc"
)

// Full method names.
const (
	MethodGetUUID             = "/" + ServiceName + "/GetUUID"
	MethodGetGeometry         = "/" + ServiceName + "/GetGeometry"
	MethodGetMaterials        = "/" + ServiceName + "/GetMaterials"
	MethodGetVertexColors     = "/" + ServiceName + "/GetVertexColors"
	MethodGetTexture          = "/" + ServiceName + "/GetTexture"
	MethodGetVertexTexCoords  = "/" + ServiceName + "/GetVertexTexCoords"
	MethodGetClusterMaterials = "/" + ServiceName + "/GetClusterMaterials"
	MethodReconstruct         = "/" + ServiceName + "/Reconstruct"
	MethodPushPointCloud      = "/" + ServiceName + "/PushPointCloud"
	MethodWatchMeshes         = "/" + ServiceName + "/WatchMeshes"
)

// ServiceDesc describes MeshService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MeshServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetUUID", MeshServiceServer.GetUUID),
		unary("GetGeometry", MeshServiceServer.GetGeometry),
		unary("GetMaterials", MeshServiceServer.GetMaterials),
		unary("GetVertexColors", MeshServiceServer.GetVertexColors),
		unary("GetTexture", MeshServiceServer.GetTexture),
		unary("GetVertexTexCoords", MeshServiceServer.GetVertexTexCoords),
		unary("GetClusterMaterials", MeshServiceServer.GetClusterMaterials),
		unary("Reconstruct", MeshServiceServer.Reconstruct),
		unary("PushPointCloud", MeshServiceServer.PushPointCloud),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchMeshes",
			Handler:       watchMeshesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "meshreport/mesh_service",
}

func unary[Req, Resp any](name string, call func(MeshServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MeshServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MeshServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchMeshesHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MeshServiceServer).WatchMeshes(in, stream)
}
