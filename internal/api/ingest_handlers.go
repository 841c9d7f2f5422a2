package api

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/mesh.report/internal/httputil"
	"github.com/banshee-data/mesh.report/internal/ingest"
)

// handleReconstruct runs a reconstruction goal on the PCD request body and
// answers with the published snapshot id once it is queryable.
func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if s.opts.Reconstructor == nil {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "reconstruction not available")
		return
	}
	cloud, err := s.readCloud(w, r)
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	id, err := s.opts.Reconstructor.Reconstruct(r.Context(), cloud)
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"uuid": id})
}

// handlePointCloud queues the PCD request body for the ingestion worker.
func (s *Server) handlePointCloud(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if s.opts.Reconstructor == nil {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "ingestion not available")
		return
	}
	cloud, err := s.readCloud(w, r)
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	s.opts.Reconstructor.Ingest(cloud)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// readCloud decodes the body as PCD. frame_id and stamp come from the query
// string; stamp is RFC 3339 or fractional Unix seconds.
func (s *Server) readCloud(w http.ResponseWriter, r *http.Request) (ingest.Cloud, error) {
	q := r.URL.Query()
	stamp, err := parseStamp(q.Get("stamp"))
	if err != nil {
		return ingest.Cloud{}, fmt.Errorf("%w: %v", ingest.ErrConversion, err)
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		return ingest.Cloud{}, fmt.Errorf("read body: %w", err)
	}
	pp, err := ingest.Decode(bytes.NewReader(body))
	if err != nil {
		return ingest.Cloud{}, err
	}
	return ingest.Cloud{Frame: q.Get("frame_id"), Stamp: stamp, Points: pp}, nil
}

// maxStampSeconds is the last second whose nanosecond count fits in int64.
const maxStampSeconds = math.MaxInt64 / int64(time.Second)

// parseStamp accepts RFC 3339 or non-negative float seconds since the epoch.
func parseStamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(secs) || secs < 0 || secs >= float64(maxStampSeconds) {
		return time.Time{}, fmt.Errorf("invalid stamp %q", v)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC(), nil
}
