package container

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/snapshot"
)

func testSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	buf := &mesh.Buffer{
		Vertices:      []float32{0, 0, 0, 1, 0, 0, 0, 1, 0, 1, 1, 0},
		VertexNormals: []float32{0, 0, 1, 0, 0, 1, 0, 0, 1, 0, 0, 1},
		Faces:         []uint32{0, 1, 2, 1, 3, 2},
		VertexColors: []mesh.Color{
			mesh.ColorFromRGB8(255, 0, 0),
			mesh.ColorFromRGB8(0, 255, 0),
			mesh.ColorFromRGB8(0, 0, 255),
			{R: 0.3, G: 0.6, B: 0.9, A: 1},
		},
		Materials: []mesh.Material{
			{Color: mesh.ColorFromRGB8(10, 20, 30)},
			{HasTexture: true, TextureIndex: 0, Color: mesh.ColorFromRGB8(255, 255, 255)},
		},
		FaceMaterials: []uint32{0, 1},
		Textures: []mesh.Texture{
			{Width: 2, Height: 1, Channels: 3, Data: []byte{1, 2, 3, 4, 5, 6}},
		},
	}
	s, err := snapshot.Build(buf, "written", "odom", time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func writeTemp(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "map.db")
	if err := Write(path, testSnapshot(t)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return path
}

func mutate(t *testing.T, path, query string, args ...any) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatal(err)
	}
}

func TestWriteLoad(t *testing.T) {
	path := writeTemp(t)
	want := testSnapshot(t)

	before := time.Now()
	got, err := Load(path, "loaded-id")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.ID != "loaded-id" || got.Frame != Frame {
		t.Errorf("header = %+v", got.Header)
	}
	if got.Stamp.Before(before) {
		t.Errorf("stamp %v predates load", got.Stamp)
	}
	for _, h := range []snapshot.Header{got.Geometry.Header, got.VertexColors.Header, got.Materials.Header, got.Textures[0].Header} {
		if h.ID != "loaded-id" {
			t.Errorf("view header id = %q", h.ID)
		}
	}

	if diff := cmp.Diff(want.Geometry.Vertices, got.Geometry.Vertices); diff != "" {
		t.Errorf("vertices mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Geometry.Faces, got.Geometry.Faces); diff != "" {
		t.Errorf("faces mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.VertexColors.Colors, got.VertexColors.Colors); diff != "" {
		t.Errorf("colours mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Materials.Materials, got.Materials.Materials); diff != "" {
		t.Errorf("materials mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Materials.FaceMaterials, got.Materials.FaceMaterials); diff != "" {
		t.Errorf("face materials mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Textures[0].Texture, got.Textures[0].Texture); diff != "" {
		t.Errorf("texture mismatch (-want +got):\n%s", diff)
	}
}

func TestMetadata(t *testing.T) {
	meta, err := Metadata(writeTemp(t))
	if err != nil {
		t.Fatal(err)
	}
	if meta["uuid"] != "written" || meta["frame_id"] != "odom" {
		t.Errorf("metadata = %v", meta)
	}
}

func TestWriteReplacesExistingFile(t *testing.T) {
	path := writeTemp(t)
	if err := Write(path, testSnapshot(t)); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if _, err := Load(path, "x"); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.db"), "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrMalformed) {
		t.Errorf("missing file reported as malformed: %v", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	tests := []struct {
		name  string
		apply func(t *testing.T, path string)
	}{
		{"colour length not divisible by 3", func(t *testing.T, path string) {
			db := openRaw(t, path)
			defer db.Close()
			exec(t, db, `DELETE FROM sections WHERE name = ?`, SectionVertexColors)
			if err := putFloat32s(db, SectionVertexColors, []float32{0.1, 0.2, 0.3, 0.4}); err != nil {
				t.Fatal(err)
			}
		}},
		{"byte colours", func(t *testing.T, path string) {
			db := openRaw(t, path)
			defer db.Close()
			exec(t, db, `DELETE FROM sections WHERE name = ?`, SectionVertexColors)
			if err := putSection(db, SectionVertexColors, DTypeUint8, 12, make([]byte, 12)); err != nil {
				t.Fatal(err)
			}
		}},
		{"odd texture coordinates", func(t *testing.T, path string) {
			db := openRaw(t, path)
			defer db.Close()
			if err := putFloat32s(db, SectionVertexTexCoords, []float32{0, 1, 0.5}); err != nil {
				t.Fatal(err)
			}
		}},
		{"missing vertices", func(t *testing.T, path string) {
			mutate(t, path, `DELETE FROM sections WHERE name = ?`, SectionVertices)
		}},
		{"wrong dtype", func(t *testing.T, path string) {
			mutate(t, path, `UPDATE sections SET dtype = ? WHERE name = ?`, DTypeUint8, SectionFaces)
		}},
		{"count disagrees with data", func(t *testing.T, path string) {
			mutate(t, path, `UPDATE sections SET count = count + 1 WHERE name = ?`, SectionVertexNormals)
		}},
		{"face index out of range", func(t *testing.T, path string) {
			db := openRaw(t, path)
			defer db.Close()
			exec(t, db, `DELETE FROM sections WHERE name = ?`, SectionFaces)
			if err := putUint32s(db, SectionFaces, []uint32{0, 1, 9}); err != nil {
				t.Fatal(err)
			}
		}},
		{"material references missing texture", func(t *testing.T, path string) {
			mutate(t, path, `UPDATE materials SET texture_index = 5 WHERE material_index = 1`)
		}},
		{"texture size", func(t *testing.T, path string) {
			mutate(t, path, `UPDATE textures SET width = 3`)
		}},
		{"corrupt compression", func(t *testing.T, path string) {
			mutate(t, path, `UPDATE sections SET data = ? WHERE name = ?`, []byte("not zstd"), SectionVertices)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t)
			tt.apply(t, path)
			if _, err := Load(path, "x"); !errors.Is(err, ErrMalformed) {
				t.Errorf("Load err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestLoadTexCoordsAreNotExposed(t *testing.T) {
	path := writeTemp(t)
	db := openRaw(t, path)
	if err := putFloat32s(db, SectionVertexTexCoords, []float32{0, 0, 1, 0, 0, 1, 1, 1}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if _, err := Load(path, "x"); err != nil {
		t.Fatalf("Load with even tex coords: %v", err)
	}
}

func TestVertexColorsAreFloat32(t *testing.T) {
	path := writeTemp(t)
	db := openRaw(t, path)
	defer db.Close()

	var dtype string
	var count int
	err := db.QueryRow(`SELECT dtype, count FROM sections WHERE name = ?`, SectionVertexColors).Scan(&dtype, &count)
	if err != nil {
		t.Fatal(err)
	}
	if dtype != DTypeFloat32 || count != 12 {
		t.Errorf("vertex_colors stored as %s x %d, want %s x 12", dtype, count, DTypeFloat32)
	}

	exec(t, db, `DELETE FROM sections WHERE name = ?`, SectionVertexColors)
	if err := putFloat32s(db, SectionVertexColors, []float32{
		0.25, 0.5, 0.75,
		0, 0, 0,
		1, 1, 1,
		0.1, 0.2, 0.3,
	}); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path, "x")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []mesh.Color{
		{R: 0.25, G: 0.5, B: 0.75, A: 1},
		{A: 1},
		{R: 1, G: 1, B: 1, A: 1},
		{R: 0.1, G: 0.2, B: 0.3, A: 1},
	}
	if diff := cmp.Diff(want, got.VertexColors.Colors); diff != "" {
		t.Errorf("colours mismatch (-want +got):\n%s", diff)
	}
}

func TestToByte(t *testing.T) {
	tests := map[float32]uint8{-1: 0, 0: 0, 0.5: 128, 1: 255, 2: 255}
	for in, want := range tests {
		if got := toByte(in); got != want {
			t.Errorf("toByte(%v) = %d, want %d", in, got, want)
		}
	}
}

func openRaw(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func exec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatal(err)
	}
}
