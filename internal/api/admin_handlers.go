package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/container"
	"github.com/banshee-data/mesh.report/internal/httputil"
	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/query"
	"github.com/banshee-data/mesh.report/internal/reconstruction"
	"github.com/banshee-data/mesh.report/internal/security"
	"github.com/banshee-data/mesh.report/internal/version"
)

const defaultRunLimit = 50

// handleConfig reads the reconstruction config, or on PUT merges a partial
// tuning document into it. Runs already in flight keep their copy.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.Config == nil {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "configuration not available")
		return
	}
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.opts.Config.Snapshot())
	case http.MethodPut:
		var tf config.TuningFile
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&tf); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid config: %v", err))
			return
		}
		next := tf.Apply(s.opts.Config.Snapshot())
		if err := s.opts.Config.Replace(next); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		monitoring.Logf("[Config] reconstruction config updated over HTTP")
		httputil.WriteJSONOK(w, next)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.opts.Runs == nil {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "run history not available")
		return
	}
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.opts.Runs.RecentRuns(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.opts.Runs == nil {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "run history not available")
		return
	}
	sum, err := s.opts.Runs.Summarize(r.Context())
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	httputil.WriteJSONOK(w, sum)
}

type statusResponse struct {
	Version version.Info          `json:"version"`
	UUID    string                `json:"uuid"`
	Stats   *reconstruction.Stats `json:"stats,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	resp := statusResponse{Version: version.Get(), UUID: s.opts.Queries.UUID()}
	if s.opts.Reconstructor != nil {
		st := s.opts.Reconstructor.Stats()
		resp.Stats = &st
	}
	httputil.WriteJSONOK(w, resp)
}

// handleExport writes the current snapshot to a container file in the export
// directory. uuid, when given, must name the current snapshot.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if s.opts.Snapshots == nil || s.opts.ExportDir == "" {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "export not available")
		return
	}
	q := r.URL.Query()
	snap := s.opts.Snapshots.Load()
	if snap == nil || (q.Get("uuid") != "" && q.Get("uuid") != snap.ID) {
		httputil.WriteError(w, fmt.Errorf("%w: %q", query.ErrNoSuchSnapshot, q.Get("uuid")), StatusForError)
		return
	}
	name := q.Get("name")
	if name == "" {
		name = snap.ID
	}
	path, err := security.ContainerPath(s.opts.ExportDir, name)
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	if err := container.Write(path, snap); err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	monitoring.Logf("[Export] wrote snapshot %s to %s", snap.ID, path)
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{
		"uuid": snap.ID,
		"file": filepath.Base(path),
	})
}
