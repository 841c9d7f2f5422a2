package meshrpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/ingest"
	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/pipeline"
	"github.com/banshee-data/mesh.report/internal/query"
)

// ToStatusError maps service errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}

// Code returns the gRPC code for err.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, query.ErrNoSuchSnapshot):
		return codes.NotFound
	case errors.Is(err, query.ErrTextureOutOfRange):
		return codes.OutOfRange
	case errors.Is(err, mesh.ErrNotImplemented):
		return codes.Unimplemented
	case errors.Is(err, config.ErrFatalConfiguration), errors.Is(err, pipeline.ErrEmptyMesh):
		return codes.FailedPrecondition
	case errors.Is(err, ingest.ErrConversion):
		return codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
