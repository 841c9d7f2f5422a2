package api

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/container"
	"github.com/banshee-data/mesh.report/internal/ingest"
	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/pipeline"
	"github.com/banshee-data/mesh.report/internal/query"
	"github.com/banshee-data/mesh.report/internal/reconstruction"
	"github.com/banshee-data/mesh.report/internal/runlog"
	"github.com/banshee-data/mesh.report/internal/security"
	"github.com/banshee-data/mesh.report/internal/snapshot"
	"github.com/banshee-data/mesh.report/internal/testutil"
)

type fakeReconstructor struct {
	mu     sync.Mutex
	cache  *snapshot.Cache
	err    error
	clouds []ingest.Cloud
}

func (f *fakeReconstructor) Reconstruct(_ context.Context, cloud ingest.Cloud) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	f.clouds = append(f.clouds, cloud)
	f.mu.Unlock()
	return f.cache.Publish(testutil.Triangle(), cloud.Frame, cloud.Stamp)
}

func (f *fakeReconstructor) Ingest(cloud ingest.Cloud) {
	f.mu.Lock()
	f.clouds = append(f.clouds, cloud)
	f.mu.Unlock()
}

func (f *fakeReconstructor) Stats() reconstruction.Stats {
	return reconstruction.Stats{Runs: 2, Failures: 1, CurrentID: f.cache.ID()}
}

type fixture struct {
	cache *snapshot.Cache
	recon *fakeReconstructor
	store *config.Store
	runs  *runlog.DB
	dir   string
	mux   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cache := snapshot.NewCache()
	store, err := config.NewStore(config.DefaultReconstructionConfig())
	testutil.AssertNoError(t, err)
	dir := t.TempDir()
	runs, err := runlog.Open(filepath.Join(dir, "runs.db"))
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { runs.Close() })

	f := &fixture{
		cache: cache,
		recon: &fakeReconstructor{cache: cache},
		store: store,
		runs:  runs,
		dir:   filepath.Join(dir, "exports"),
	}
	testutil.AssertNoError(t, os.MkdirAll(f.dir, 0o755))
	f.mux = NewServer(Options{
		Queries:       query.NewService(cache, nil),
		Snapshots:     cache,
		Reconstructor: f.recon,
		Config:        store,
		Runs:          runs,
		ExportDir:     f.dir,
	}).ServeMux()
	return f
}

func (f *fixture) do(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func (f *fixture) publish(t *testing.T) string {
	t.Helper()
	id, err := f.cache.Publish(testutil.Triangle(), "map", time.Unix(10, 0))
	testutil.AssertNoError(t, err)
	return id
}

func TestUUID(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/mesh/uuid", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var got map[string]string
	testutil.DecodeJSON(t, w.Body, &got)
	if got["uuid"] != "" {
		t.Errorf("uuid before publish = %q, want empty", got["uuid"])
	}

	id := f.publish(t)
	w = f.do(http.MethodGet, "/api/mesh/uuid", nil)
	testutil.DecodeJSON(t, w.Body, &got)
	if got["uuid"] != id {
		t.Errorf("uuid = %q, want %q", got["uuid"], id)
	}

	w = f.do(http.MethodPost, "/api/mesh/uuid", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
	if w.Header().Get("Allow") != http.MethodGet {
		t.Errorf("Allow = %q, want GET", w.Header().Get("Allow"))
	}
}

func TestMeshViews(t *testing.T) {
	f := newFixture(t)
	id := f.publish(t)

	w := f.do(http.MethodGet, "/api/mesh/geometry?uuid="+id, nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var g snapshot.Geometry
	testutil.DecodeJSON(t, w.Body, &g)
	if g.ID != id || len(g.Faces) != 3 || len(g.Vertices) != 9 {
		t.Errorf("geometry = %+v", g)
	}

	w = f.do(http.MethodGet, "/api/mesh/materials?uuid="+id, nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var m snapshot.Materials
	testutil.DecodeJSON(t, w.Body, &m)
	if len(m.Materials) != 1 || !m.Materials[0].HasTexture {
		t.Errorf("materials = %+v", m)
	}

	w = f.do(http.MethodGet, "/api/mesh/vertex_colors?uuid="+id, nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var c snapshot.VertexColors
	testutil.DecodeJSON(t, w.Body, &c)
	if len(c.Colors) != 3 || c.Colors[2] != (mesh.Color{B: 1, A: 1}) {
		t.Errorf("colors = %+v", c.Colors)
	}
}

func TestQueryErrors(t *testing.T) {
	f := newFixture(t)
	id := f.publish(t)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"stale geometry", "/api/mesh/geometry?uuid=old", http.StatusNotFound},
		{"missing uuid", "/api/mesh/materials", http.StatusNotFound},
		{"texture out of range", "/api/mesh/texture?uuid=" + id + "&index=1", http.StatusRequestedRangeNotSatisfiable},
		{"negative texture", "/api/mesh/texture?uuid=" + id + "&index=-1", http.StatusRequestedRangeNotSatisfiable},
		{"stale beats range", "/api/mesh/texture?uuid=old&index=7", http.StatusNotFound},
		{"bad index", "/api/mesh/texture?uuid=" + id + "&index=x", http.StatusBadRequest},
		{"tex coords", "/api/mesh/tex_coords?uuid=" + id, http.StatusNotImplemented},
		{"stale tex coords", "/api/mesh/tex_coords?uuid=old", http.StatusNotFound},
		{"cluster materials", "/api/mesh/cluster_materials?uuid=" + id, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodGet, tt.target, nil)
			testutil.AssertStatusCode(t, w.Code, tt.want)
			if !strings.Contains(w.Body.String(), `"error"`) {
				t.Errorf("body %q has no error field", w.Body.String())
			}
		})
	}
}

func TestTexture(t *testing.T) {
	f := newFixture(t)
	id := f.publish(t)

	w := f.do(http.MethodGet, "/api/mesh/texture?uuid="+id+"&index=0&format=json", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var tex snapshot.Texture
	testutil.DecodeJSON(t, w.Body, &tex)
	if !bytes.Equal(tex.Data, []byte{9, 8, 7}) || tex.Channels != 3 {
		t.Errorf("texture = %+v", tex)
	}

	w = f.do(http.MethodGet, "/api/mesh/texture?uuid="+id+"&index=0", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content-Type = %q", ct)
	}
	img, err := png.Decode(w.Body)
	testutil.AssertNoError(t, err)
	r, g, b, a := img.At(0, 0).RGBA()
	if r>>8 != 9 || g>>8 != 8 || b>>8 != 7 || a>>8 != 0xff {
		t.Errorf("pixel = %d %d %d %d", r>>8, g>>8, b>>8, a>>8)
	}
}

func TestTextureImage(t *testing.T) {
	gray := &snapshot.Texture{Texture: mesh.Texture{Width: 2, Height: 1, Channels: 1, Data: []byte{1, 2}}}
	img, err := textureImage(gray)
	testutil.AssertNoError(t, err)
	if img.Bounds().Dx() != 2 || img.Bounds().Dy() != 1 {
		t.Errorf("bounds = %v", img.Bounds())
	}

	rgba := &snapshot.Texture{Texture: mesh.Texture{Width: 1, Height: 1, Channels: 4, Data: []byte{1, 2, 3, 4}}}
	if _, err := textureImage(rgba); err != nil {
		t.Errorf("rgba: %v", err)
	}

	two := &snapshot.Texture{Texture: mesh.Texture{Width: 1, Height: 1, Channels: 2, Data: []byte{1, 2}}}
	if _, err := textureImage(two); err == nil {
		t.Error("expected error for two channels")
	}
}

func TestReconstruct(t *testing.T) {
	f := newFixture(t)
	body := testutil.PCD(t, []float32{0, 0, 0, 1, 0, 0, 0, 1, 0})

	w := f.do(http.MethodPost, "/api/reconstruct?frame_id=odom&stamp=12.5", body)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var got map[string]string
	testutil.DecodeJSON(t, w.Body, &got)
	if got["uuid"] == "" || got["uuid"] != f.cache.ID() {
		t.Errorf("uuid = %q, cache has %q", got["uuid"], f.cache.ID())
	}
	snap := f.cache.Load()
	if snap.Frame != "odom" || !snap.Stamp.Equal(time.Unix(12, 5e8)) {
		t.Errorf("frame/stamp = %q/%v", snap.Frame, snap.Stamp)
	}

	w = f.do(http.MethodPost, "/api/reconstruct", []byte("not a pcd"))
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	for _, stamp := range []string{"yesterday", "1e300", "NaN", "-Inf", "-1"} {
		w = f.do(http.MethodPost, "/api/reconstruct?stamp="+stamp, body)
		testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	}

	f.recon.err = &config.Error{Option: "decomposition", Value: "MC", Reason: "not implemented", Fatal: true}
	w = f.do(http.MethodPost, "/api/reconstruct", body)
	testutil.AssertStatusCode(t, w.Code, http.StatusUnprocessableEntity)

	w = f.do(http.MethodGet, "/api/reconstruct", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestParseStamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "", want: time.Time{}},
		{in: "0", want: time.Unix(0, 0).UTC()},
		{in: "12.5", want: time.Unix(12, 5e8).UTC()},
		{in: "1700000000.25", want: time.Unix(1_700_000_000, 25e7).UTC()},
		{in: "9000000000", want: time.Unix(9_000_000_000, 0).UTC()},
		{in: "2024-05-01T10:00:00.5Z", want: time.Date(2024, 5, 1, 10, 0, 0, 5e8, time.UTC)},
		{in: "1e300", wantErr: true},
		{in: "9.3e9", wantErr: true},
		{in: "1e400", wantErr: true},
		{in: "NaN", wantErr: true},
		{in: "+Inf", wantErr: true},
		{in: "-3", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseStamp(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseStamp(%q) = %v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseStamp(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseStamp(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReconstructBodyLimit(t *testing.T) {
	cache := snapshot.NewCache()
	mux := NewServer(Options{
		Queries:       query.NewService(cache, nil),
		Reconstructor: &fakeReconstructor{cache: cache},
		MaxBodyBytes:  16,
	}).ServeMux()
	req := httptest.NewRequest(http.MethodPost, "/api/reconstruct", bytes.NewReader(testutil.PCD(t, []float32{0, 0, 0})))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	testutil.AssertStatusCode(t, w.Code, http.StatusRequestEntityTooLarge)
}

func TestPointCloud(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/pointcloud?frame_id=lidar", testutil.PCD(t, []float32{0, 0, 0, 1, 1, 1}))
	testutil.AssertStatusCode(t, w.Code, http.StatusAccepted)

	f.recon.mu.Lock()
	defer f.recon.mu.Unlock()
	if len(f.recon.clouds) != 1 {
		t.Fatalf("ingested %d clouds, want 1", len(f.recon.clouds))
	}
	if c := f.recon.clouds[0]; c.Frame != "lidar" || c.Points.Points != 2 {
		t.Errorf("cloud = %q with %d points", c.Frame, c.Points.Points)
	}
}

func TestUnavailableRoutes(t *testing.T) {
	mux := NewServer(Options{Queries: query.NewService(snapshot.NewCache(), nil)}).ServeMux()
	tests := []struct{ method, target string }{
		{http.MethodPost, "/api/reconstruct"},
		{http.MethodPost, "/api/pointcloud"},
		{http.MethodGet, "/api/config"},
		{http.MethodGet, "/api/runs"},
		{http.MethodGet, "/api/runs/summary"},
		{http.MethodPost, "/api/mesh/export"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.target, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != http.StatusNotImplemented {
			t.Errorf("%s %s = %d, want 501", tt.method, tt.target, w.Code)
		}
	}
}

func TestConfig(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/config", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var cfg config.ReconstructionConfig
	testutil.DecodeJSON(t, w.Body, &cfg)
	if cfg != config.DefaultReconstructionConfig() {
		t.Errorf("config = %+v", cfg)
	}

	w = f.do(http.MethodPut, "/api/config", []byte(`{"voxelsize": 0.25, "fill_holes": 5}`))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	got := f.store.Snapshot()
	if got.VoxelSize != 0.25 || got.FillHoles != 5 || got.KN != cfg.KN {
		t.Errorf("stored config = %+v", got)
	}

	w = f.do(http.MethodPut, "/api/config", []byte(`{"kn": 0}`))
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	if f.store.Snapshot().KN != cfg.KN {
		t.Error("invalid update must not be stored")
	}

	w = f.do(http.MethodPut, "/api/config", []byte(`{"bogus": 1}`))
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	w = f.do(http.MethodDelete, "/api/config", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, status := range []string{runlog.StatusOK, runlog.StatusFailed, runlog.StatusOK} {
		testutil.AssertNoError(t, f.runs.RecordRun(ctx, runlog.Run{
			RunID:     string(rune('a' + i)),
			Source:    "goal",
			Status:    status,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Duration:  time.Second,
		}))
	}

	w := f.do(http.MethodGet, "/api/runs?limit=2", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var runs []runlog.Run
	testutil.DecodeJSON(t, w.Body, &runs)
	if len(runs) != 2 || runs[0].RunID != "c" {
		t.Errorf("runs = %+v", runs)
	}

	w = f.do(http.MethodGet, "/api/runs?limit=zero", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	w = f.do(http.MethodGet, "/api/runs/summary", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var sum runlog.Summary
	testutil.DecodeJSON(t, w.Body, &sum)
	if sum.Total != 3 || sum.ByStatus[runlog.StatusFailed] != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	id := f.publish(t)

	w := f.do(http.MethodGet, "/api/status", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var got statusResponse
	testutil.DecodeJSON(t, w.Body, &got)
	if got.UUID != id || got.Version.Version == "" {
		t.Errorf("status = %+v", got)
	}
	if got.Stats == nil || got.Stats.Runs != 2 || got.Stats.CurrentID != id {
		t.Errorf("stats = %+v", got.Stats)
	}
}

func TestExport(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/mesh/export", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)

	id := f.publish(t)
	w = f.do(http.MethodPost, "/api/mesh/export?uuid=old", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)

	w = f.do(http.MethodPost, "/api/mesh/export?name=../../etc/office", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusCreated)
	var got map[string]string
	testutil.DecodeJSON(t, w.Body, &got)
	if got["uuid"] != id || got["file"] != "etc_office"+security.ContainerExt {
		t.Errorf("export = %+v", got)
	}

	snap, err := container.Load(filepath.Join(f.dir, got["file"]), "reloaded")
	testutil.AssertNoError(t, err)
	if snap.FaceCount() != 1 || len(snap.Textures) != 1 {
		t.Errorf("reloaded %d faces, %d textures", snap.FaceCount(), len(snap.Textures))
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{query.ErrNoSuchSnapshot, http.StatusNotFound},
		{query.ErrTextureOutOfRange, http.StatusRequestedRangeNotSatisfiable},
		{mesh.ErrNotImplemented, http.StatusNotImplemented},
		{&config.Error{Fatal: true}, http.StatusUnprocessableEntity},
		{pipeline.ErrEmptyMesh, http.StatusUnprocessableEntity},
		{ingest.ErrConversion, http.StatusBadRequest},
		{security.ErrPathEscape, http.StatusBadRequest},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusForError(tt.err); got != tt.want {
			t.Errorf("StatusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusTeapot)

	if got := statusCodeColor(http.StatusOK); !strings.Contains(got, colorBoldGreen) {
		t.Errorf("200 colour = %q", got)
	}
	if got := statusCodeColor(http.StatusNotFound); !strings.Contains(got, colorBoldRed) {
		t.Errorf("404 colour = %q", got)
	}
}
