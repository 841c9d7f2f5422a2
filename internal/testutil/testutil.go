// Package testutil provides shared test helpers and mesh fixtures.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/banshee-data/mesh.report/internal/ingest"
	"github.com/banshee-data/mesh.report/internal/mesh"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// DecodeJSON decodes r into v, failing the test on error.
func DecodeJSON(t testing.TB, r io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

// Triangle returns a one-face buffer with vertex colours, one textured
// material and a 1x1 RGB texture.
func Triangle() *mesh.Buffer {
	return &mesh.Buffer{
		Vertices:      []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		VertexNormals: []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		Faces:         []uint32{0, 1, 2},
		VertexColors:  []mesh.Color{{R: 1, A: 1}, {G: 1, A: 1}, {B: 1, A: 1}},
		Materials:     []mesh.Material{{HasTexture: true, TextureIndex: 0, Color: mesh.Color{R: 1, G: 1, B: 1, A: 1}}},
		FaceMaterials: []uint32{0},
		Textures:      []mesh.Texture{{Width: 1, Height: 1, Channels: 3, Data: []byte{9, 8, 7}}},
	}
}

// PCD encodes positions (x, y, z triples) as a PCD body.
func PCD(t testing.TB, positions []float32) []byte {
	t.Helper()
	ps, err := mesh.NewPointSet(positions, nil, nil)
	if err != nil {
		t.Fatalf("point set: %v", err)
	}
	var buf bytes.Buffer
	if err := ingest.Encode(&buf, ingest.FromPointSet(ps)); err != nil {
		t.Fatalf("encode pcd: %v", err)
	}
	return buf.Bytes()
}
