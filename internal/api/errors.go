package api

import (
	"errors"
	"net/http"

	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/ingest"
	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/pipeline"
	"github.com/banshee-data/mesh.report/internal/query"
	"github.com/banshee-data/mesh.report/internal/security"
)

// StatusForError maps service errors onto HTTP status codes.
func StatusForError(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, query.ErrNoSuchSnapshot):
		return http.StatusNotFound
	case errors.Is(err, query.ErrTextureOutOfRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, mesh.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, config.ErrFatalConfiguration), errors.Is(err, pipeline.ErrEmptyMesh):
		return http.StatusUnprocessableEntity
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingest.ErrConversion), errors.Is(err, security.ErrPathEscape):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
