package api

import (
	"net/http"
	"strconv"

	"github.com/banshee-data/mesh.report/internal/httputil"
)

func (s *Server) handleUUID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"uuid": s.opts.Queries.UUID()})
}

func (s *Server) handleGeometry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	g, err := s.opts.Queries.Geometry(r.URL.Query().Get("uuid"))
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	httputil.WriteJSONOK(w, g)
}

func (s *Server) handleMaterials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	m, err := s.opts.Queries.Materials(r.URL.Query().Get("uuid"))
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	httputil.WriteJSONOK(w, m)
}

func (s *Server) handleVertexColors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	c, err := s.opts.Queries.VertexColors(r.URL.Query().Get("uuid"))
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	httputil.WriteJSONOK(w, c)
}

// handleTexture returns one texture as a PNG image, or as JSON with the raw
// texel bytes when format=json is given.
func (s *Server) handleTexture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	index, err := strconv.Atoi(q.Get("index"))
	if err != nil {
		httputil.BadRequest(w, "index must be an integer")
		return
	}
	tex, err := s.opts.Queries.Texture(q.Get("uuid"), index)
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	if q.Get("format") == "json" {
		httputil.WriteJSONOK(w, tex)
		return
	}
	writePNG(w, tex)
}

func (s *Server) handleTexCoords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	uv, err := s.opts.Queries.VertexTexCoords(r.URL.Query().Get("uuid"))
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	httputil.WriteJSONOK(w, map[string][]float32{"tex_coords": uv})
}

func (s *Server) handleClusterMaterials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	clusters, err := s.opts.Queries.ClusterMaterials(r.URL.Query().Get("uuid"))
	if err != nil {
		httputil.WriteError(w, err, StatusForError)
		return
	}
	httputil.WriteJSONOK(w, map[string][][]uint32{"clusters": clusters})
}
