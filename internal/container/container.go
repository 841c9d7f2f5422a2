// Package container reads and writes mesh container files: SQLite databases
// holding a finished mesh as compressed flat sections plus material, texture
// and metadata tables.
package container

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/monitoring"
	"github.com/banshee-data/mesh.report/internal/snapshot"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMalformed reports a container whose sections are inconsistent.
var ErrMalformed = errors.New("malformed container")

// Frame is the coordinate frame of every loaded mesh.
const Frame = "map"

// Section names.
const (
	SectionVertices            = "vertices"
	SectionVertexNormals       = "vertex_normals"
	SectionFaces               = "faces"
	SectionVertexColors        = "vertex_colors"
	SectionMaterialFaceIndices = "material_face_indices"
	SectionVertexTexCoords     = "vertex_tex_coords"
)

// Section element types.
const (
	DTypeFloat32 = "f32"
	DTypeUint32  = "u32"
	DTypeUint8   = "u8"
)

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// Load reads the container at path and builds a snapshot tagged with id,
// frame "map" and the load time.
func Load(path, id string) (*snapshot.Snapshot, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	defer db.Close()

	buf, err := readBuffer(db)
	if err != nil {
		return nil, err
	}
	snap, err := snapshot.Build(buf, id, Frame, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	monitoring.Logf("[Container] loaded %s: %d vertices, %d faces, %d materials, %d textures",
		path, snap.VertexCount(), snap.FaceCount(), len(snap.Materials.Materials), len(snap.Textures))
	return snap, nil
}

func readBuffer(db *sql.DB) (*mesh.Buffer, error) {
	sections, err := readSections(db)
	if err != nil {
		return nil, err
	}
	buf := &mesh.Buffer{}

	if buf.Vertices, err = sections.float32s(SectionVertices, true); err != nil {
		return nil, err
	}
	if len(buf.Vertices)%3 != 0 {
		return nil, fmt.Errorf("%w: %s length %d not divisible by 3", ErrMalformed, SectionVertices, len(buf.Vertices))
	}
	if buf.VertexNormals, err = sections.float32s(SectionVertexNormals, true); err != nil {
		return nil, err
	}
	if buf.Faces, err = sections.uint32s(SectionFaces, true); err != nil {
		return nil, err
	}
	if len(buf.Faces)%3 != 0 {
		return nil, fmt.Errorf("%w: %s length %d not divisible by 3", ErrMalformed, SectionFaces, len(buf.Faces))
	}

	colors, err := sections.float32s(SectionVertexColors, false)
	if err != nil {
		return nil, err
	}
	if len(colors)%3 != 0 {
		return nil, fmt.Errorf("%w: %s length %d not divisible by 3", ErrMalformed, SectionVertexColors, len(colors))
	}
	for i := 0; i+2 < len(colors); i += 3 {
		buf.VertexColors = append(buf.VertexColors, mesh.Color{R: colors[i], G: colors[i+1], B: colors[i+2], A: 1})
	}

	if buf.FaceMaterials, err = sections.uint32s(SectionMaterialFaceIndices, false); err != nil {
		return nil, err
	}

	// Texture coordinates are checked but not exposed.
	uv, err := sections.float32s(SectionVertexTexCoords, false)
	if err != nil {
		return nil, err
	}
	if len(uv)%2 != 0 {
		return nil, fmt.Errorf("%w: %s length %d is odd", ErrMalformed, SectionVertexTexCoords, len(uv))
	}

	if buf.Materials, err = readMaterials(db); err != nil {
		return nil, err
	}
	if buf.Textures, err = readTextures(db); err != nil {
		return nil, err
	}
	return buf, nil
}

type section struct {
	dtype string
	count int
	data  []byte
}

type sectionSet map[string]section

func readSections(db *sql.DB) (sectionSet, error) {
	rows, err := db.Query(`SELECT name, dtype, count, data FROM sections`)
	if err != nil {
		return nil, fmt.Errorf("%w: read sections: %v", ErrMalformed, err)
	}
	defer rows.Close()

	set := make(sectionSet)
	for rows.Next() {
		var (
			name string
			s    section
			raw  []byte
		)
		if err := rows.Scan(&name, &s.dtype, &s.count, &raw); err != nil {
			return nil, fmt.Errorf("%w: scan section: %v", ErrMalformed, err)
		}
		if s.data, err = decoder.DecodeAll(raw, nil); err != nil {
			return nil, fmt.Errorf("%w: decompress %s: %v", ErrMalformed, name, err)
		}
		set[name] = s
	}
	return set, rows.Err()
}

func (set sectionSet) lookup(name, dtype string, size int, required bool) (section, bool, error) {
	s, ok := set[name]
	if !ok {
		if required {
			return s, false, fmt.Errorf("%w: missing section %s", ErrMalformed, name)
		}
		return s, false, nil
	}
	if s.dtype != dtype {
		return s, false, fmt.Errorf("%w: section %s has type %s, want %s", ErrMalformed, name, s.dtype, dtype)
	}
	if s.count < 0 || len(s.data) != s.count*size {
		return s, false, fmt.Errorf("%w: section %s holds %d bytes for %d elements", ErrMalformed, name, len(s.data), s.count)
	}
	return s, true, nil
}

func (set sectionSet) float32s(name string, required bool) ([]float32, error) {
	s, ok, err := set.lookup(name, DTypeFloat32, 4, required)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]float32, s.count)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(s.data[4*i:]))
	}
	return out, nil
}

func (set sectionSet) uint32s(name string, required bool) ([]uint32, error) {
	s, ok, err := set.lookup(name, DTypeUint32, 4, required)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]uint32, s.count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(s.data[4*i:])
	}
	return out, nil
}

func readMaterials(db *sql.DB) ([]mesh.Material, error) {
	rows, err := db.Query(`SELECT material_index, texture_index, r, g, b FROM materials ORDER BY material_index`)
	if err != nil {
		return nil, fmt.Errorf("%w: read materials: %v", ErrMalformed, err)
	}
	defer rows.Close()

	var out []mesh.Material
	for rows.Next() {
		var idx, tex int64
		var r, g, b int
		if err := rows.Scan(&idx, &tex, &r, &g, &b); err != nil {
			return nil, fmt.Errorf("%w: scan material: %v", ErrMalformed, err)
		}
		if idx != int64(len(out)) {
			return nil, fmt.Errorf("%w: material indices not contiguous at %d", ErrMalformed, idx)
		}
		if !validChannel(r) || !validChannel(g) || !validChannel(b) {
			return nil, fmt.Errorf("%w: material %d colour out of range", ErrMalformed, idx)
		}
		m := mesh.Material{Color: mesh.ColorFromRGB8(uint8(r), uint8(g), uint8(b))}
		if tex >= 0 {
			m.HasTexture = true
			m.TextureIndex = uint32(tex)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func validChannel(v int) bool { return v >= 0 && v <= 255 }

func readTextures(db *sql.DB) ([]mesh.Texture, error) {
	rows, err := db.Query(`SELECT texture_index, width, height, channels, data FROM textures ORDER BY texture_index`)
	if err != nil {
		return nil, fmt.Errorf("%w: read textures: %v", ErrMalformed, err)
	}
	defer rows.Close()

	var out []mesh.Texture
	for rows.Next() {
		var (
			idx   int64
			t     mesh.Texture
			raw   []byte
			dataN int
		)
		if err := rows.Scan(&idx, &t.Width, &t.Height, &t.Channels, &raw); err != nil {
			return nil, fmt.Errorf("%w: scan texture: %v", ErrMalformed, err)
		}
		if idx != int64(len(out)) {
			return nil, fmt.Errorf("%w: texture indices not contiguous at %d", ErrMalformed, idx)
		}
		if t.Data, err = decoder.DecodeAll(raw, nil); err != nil {
			return nil, fmt.Errorf("%w: decompress texture %d: %v", ErrMalformed, idx, err)
		}
		dataN = int(t.Width) * int(t.Height) * int(t.Channels)
		if len(t.Data) != dataN {
			return nil, fmt.Errorf("%w: texture %d holds %d bytes, want %d", ErrMalformed, idx, len(t.Data), dataN)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Write stores snap at path, replacing any existing file.
func Write(path string, snap *snapshot.Snapshot) error {
	if snap == nil {
		return errors.New("write container: nil snapshot")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace container: %w", err)
	}
	db, err := create(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	g := snap.Geometry
	if err := putFloat32s(tx, SectionVertices, g.Vertices); err != nil {
		return err
	}
	if err := putFloat32s(tx, SectionVertexNormals, g.VertexNormals); err != nil {
		return err
	}
	if err := putUint32s(tx, SectionFaces, g.Faces); err != nil {
		return err
	}
	if colors := snap.VertexColors.Colors; len(colors) > 0 {
		rgb := make([]float32, 0, 3*len(colors))
		for _, c := range colors {
			rgb = append(rgb, c.R, c.G, c.B)
		}
		if err := putFloat32s(tx, SectionVertexColors, rgb); err != nil {
			return err
		}
	}
	if fm := snap.Materials.FaceMaterials; len(fm) > 0 {
		if err := putUint32s(tx, SectionMaterialFaceIndices, fm); err != nil {
			return err
		}
	}

	for i, m := range snap.Materials.Materials {
		tex := int64(-1)
		if m.HasTexture {
			tex = int64(m.TextureIndex)
		}
		if _, err := tx.Exec(`INSERT INTO materials (material_index, texture_index, r, g, b) VALUES (?, ?, ?, ?, ?)`,
			i, tex, toByte(m.Color.R), toByte(m.Color.G), toByte(m.Color.B)); err != nil {
			return fmt.Errorf("insert material %d: %w", i, err)
		}
	}
	for _, t := range snap.Textures {
		if _, err := tx.Exec(`INSERT INTO textures (texture_index, width, height, channels, data) VALUES (?, ?, ?, ?, ?)`,
			t.Index, t.Width, t.Height, t.Channels, encoder.EncodeAll(t.Data, nil)); err != nil {
			return fmt.Errorf("insert texture %d: %w", t.Index, err)
		}
	}

	meta := map[string]string{
		"uuid":     snap.ID,
		"frame_id": snap.Frame,
		"stamp":    snap.Stamp.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT INTO metadata (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("insert metadata %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	monitoring.Logf("[Container] wrote %s (%s)", path, snap.ID)
	return nil
}

// Metadata returns the metadata table of the container at path.
func Metadata(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT key, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata: %v", ErrMalformed, err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func create(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	db.SetMaxOpenConns(1)
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("migration up failed: %w", err)
	}
	return db, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func putSection(tx execer, name, dtype string, count int, data []byte) error {
	_, err := tx.Exec(`INSERT INTO sections (name, dtype, count, data) VALUES (?, ?, ?, ?)`,
		name, dtype, count, encoder.EncodeAll(data, nil))
	if err != nil {
		return fmt.Errorf("insert section %s: %w", name, err)
	}
	return nil
}

func putFloat32s(tx execer, name string, v []float32) error {
	data := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(f))
	}
	return putSection(tx, name, DTypeFloat32, len(v), data)
}

func putUint32s(tx execer, name string, v []uint32) error {
	data := make([]byte, 4*len(v))
	for i, u := range v {
		binary.LittleEndian.PutUint32(data[4*i:], u)
	}
	return putSection(tx, name, DTypeUint32, len(v), data)
}

func toByte(f float32) uint8 {
	switch {
	case f <= 0:
		return 0
	case f >= 1:
		return 255
	default:
		return uint8(math.Round(float64(f) * 255))
	}
}
