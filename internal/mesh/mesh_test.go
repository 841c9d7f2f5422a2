package mesh

import (
	"errors"
	"testing"
)

func triangleBuffer() *Buffer {
	return &Buffer{
		Vertices:      []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		VertexNormals: []float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		Faces:         []uint32{0, 1, 2},
		Materials:     []Material{{Color: Color{R: 1, A: 1}}},
		FaceMaterials: []uint32{0},
	}
}

func TestNewPointSet(t *testing.T) {
	ps, err := NewPointSet([]float32{1, 2, 3, 4, 5, 6}, nil, []uint8{10, 20, 30, 40, 50, 60})
	if err != nil {
		t.Fatalf("NewPointSet: %v", err)
	}
	if ps.Len() != 2 || ps.HasNormals() || !ps.HasColors() {
		t.Errorf("len=%d normals=%v colors=%v", ps.Len(), ps.HasNormals(), ps.HasColors())
	}
	if got := ps.Position(1); got != [3]float32{4, 5, 6} {
		t.Errorf("Position(1) = %v", got)
	}
	if got := ps.Color(1); got != [3]uint8{40, 50, 60} {
		t.Errorf("Color(1) = %v", got)
	}
}

func TestNewPointSet_Malformed(t *testing.T) {
	cases := map[string]func() error{
		"positions": func() error { _, err := NewPointSet([]float32{1, 2}, nil, nil); return err },
		"normals":   func() error { _, err := NewPointSet([]float32{1, 2, 3}, []float32{0, 0}, nil); return err },
		"colors":    func() error { _, err := NewPointSet([]float32{1, 2, 3}, nil, []uint8{1}); return err },
	}
	for name, fn := range cases {
		if err := fn(); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: error = %v, want ErrMalformed", name, err)
		}
	}
}

func TestBufferValidate(t *testing.T) {
	if err := triangleBuffer().Validate(); err != nil {
		t.Fatalf("valid buffer rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Buffer)
	}{
		{"face index out of range", func(b *Buffer) { b.Faces[2] = 3 }},
		{"normals length", func(b *Buffer) { b.VertexNormals = b.VertexNormals[:6] }},
		{"colours length", func(b *Buffer) { b.VertexColors = []Color{{}, {}} }},
		{"texture reference", func(b *Buffer) { b.Materials[0] = Material{HasTexture: true, TextureIndex: 0} }},
		{"face materials length", func(b *Buffer) { b.FaceMaterials = []uint32{0, 0} }},
		{"face material index", func(b *Buffer) { b.FaceMaterials = []uint32{1} }},
		{"texture bytes", func(b *Buffer) { b.Textures = []Texture{{Width: 2, Height: 2, Channels: 3, Data: make([]byte, 5)}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := triangleBuffer()
			tt.mutate(b)
			if err := b.Validate(); !errors.Is(err, ErrMalformed) {
				t.Errorf("Validate() = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestColorFromRGB8(t *testing.T) {
	c := ColorFromRGB8(255, 0, 51)
	if c.R != 1 || c.G != 0 || c.B != 0.2 || c.A != 1 {
		t.Errorf("ColorFromRGB8 = %+v", c)
	}
}
