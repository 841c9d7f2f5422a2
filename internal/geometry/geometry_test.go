package geometry

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mesh.report/internal/config"
	"github.com/banshee-data/mesh.report/internal/mesh"
	"github.com/banshee-data/mesh.report/internal/pipeline"
)

// cubeMesh returns a closed unit cube with outward winding.
func cubeMesh() *Mesh {
	var verts []r3.Vec
	for i := 0; i < 8; i++ {
		verts = append(verts, r3.Vec{X: float64(i & 1), Y: float64((i >> 1) & 1), Z: float64((i >> 2) & 1)})
	}
	quads := [][4]int{
		{0, 2, 3, 1}, // -z
		{4, 5, 7, 6}, // +z
		{0, 1, 5, 4}, // -y
		{2, 6, 7, 3}, // +y
		{0, 4, 6, 2}, // -x
		{1, 3, 7, 5}, // +x
	}
	var faces [][3]int
	for _, q := range quads {
		faces = append(faces, [3]int{q[0], q[1], q[2]}, [3]int{q[0], q[2], q[3]})
	}
	return newMesh(nil, verts, faces)
}

// fibonacciSphere samples n points on a sphere of the given radius.
func fibonacciSphere(n int, radius float64, withColors bool) *mesh.PointSet {
	pos := make([]float32, 0, 3*n)
	var cols []uint8
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := 0; i < n; i++ {
		y := 1 - 2*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - y*y)
		th := golden * float64(i)
		pos = append(pos, float32(radius*r*math.Cos(th)), float32(radius*y), float32(radius*r*math.Sin(th)))
		if withColors {
			if y > 0 {
				cols = append(cols, 255, 0, 0)
			} else {
				cols = append(cols, 0, 0, 255)
			}
		}
	}
	ps, err := mesh.NewPointSet(pos, nil, cols)
	if err != nil {
		panic(err)
	}
	return ps
}

func TestNeighbourIndex_Nearest(t *testing.T) {
	var pts []r3.Vec
	for i := 0; i < 10; i++ {
		pts = append(pts, r3.Vec{X: float64(i)})
	}
	idx := newNeighbourIndex(pts)

	got := idx.nearest(r3.Vec{X: 3.2}, 3)
	want := []int{3, 4, 2}
	if len(got) != len(want) {
		t.Fatalf("nearest returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("nearest[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	if n := len(idx.nearest(r3.Vec{}, 25)); n != 10 {
		t.Errorf("asking for more neighbours than points returned %d, want 10", n)
	}
	if idx.nearest(r3.Vec{}, 0) != nil {
		t.Error("k=0 should return nil")
	}
}

func TestFitPlane(t *testing.T) {
	var pts []r3.Vec
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			pts = append(pts, r3.Vec{X: float64(x), Y: float64(y), Z: 2})
		}
	}
	c, n, ok := fitPlane(pts)
	if !ok {
		t.Fatal("fitPlane failed on planar points")
	}
	if math.Abs(math.Abs(n.Z)-1) > 1e-9 {
		t.Errorf("normal = %v, want ±Z", n)
	}
	if math.Abs(c.Z-2) > 1e-9 || math.Abs(c.X-1.5) > 1e-9 {
		t.Errorf("centroid = %v", c)
	}

	if _, _, ok := fitPlane(pts[:2]); ok {
		t.Error("fitPlane should need at least three points")
	}
}

func TestSurface_DistanceToPlane(t *testing.T) {
	var pos []float32
	for x := 0; x < 10; x++ {
		for y := 0; y < 10; y++ {
			pos = append(pos, float32(x)*0.1, float32(y)*0.1, 0)
		}
	}
	ps, _ := mesh.NewPointSet(pos, nil, nil)
	s, err := newSurface(ps, pipeline.SurfaceParams{Backend: config.BackendFLANN, KN: 10, KI: 10, KD: 5})
	if err != nil {
		t.Fatalf("newSurface: %v", err)
	}
	if _, ok := s.Distance(r3.Vec{}); ok {
		t.Error("Distance should fail before normals are known")
	}
	if err := s.EstimateNormals(context.Background()); err != nil {
		t.Fatalf("EstimateNormals: %v", err)
	}
	d, ok := s.Distance(r3.Vec{X: 0.45, Y: 0.45, Z: 0.3})
	if !ok {
		t.Fatal("Distance failed")
	}
	if math.Abs(math.Abs(d)-0.3) > 1e-4 {
		t.Errorf("|Distance| = %f, want 0.3", math.Abs(d))
	}
}

func TestSurface_RansacNormals(t *testing.T) {
	ps := fibonacciSphere(500, 1, false)
	s, err := newSurface(ps, pipeline.SurfaceParams{Backend: config.BackendNABO, KN: 12, KI: 6, KD: 5, Ransac: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EstimateNormals(context.Background()); err != nil {
		t.Fatal(err)
	}
	outward := 0
	for i, p := range s.points {
		if r3.Dot(s.normals[i], r3.Unit(p)) > 0.8 {
			outward++
		}
	}
	if outward < len(s.points)*9/10 {
		t.Errorf("only %d of %d normals point outward", outward, len(s.points))
	}
}

func TestSurface_EmptyPointSet(t *testing.T) {
	ps, _ := mesh.NewPointSet(nil, nil, nil)
	if _, err := NewEngine().NewSurface(context.Background(), ps, pipeline.SurfaceParams{KN: 10, KI: 10, KD: 5}); err == nil {
		t.Error("expected error for an empty point set")
	}
}

func TestSurface_NearestColor(t *testing.T) {
	pos := []float32{0, 0, 0, 1, 0, 0, 0, 1, 0, 5, 5, 5}
	cols := []uint8{10, 20, 30, 40, 50, 60, 70, 80, 90, 200, 210, 220}
	ps, err := mesh.NewPointSet(pos, nil, cols)
	if err != nil {
		t.Fatal(err)
	}
	s, err := newSurface(ps, pipeline.SurfaceParams{KN: 3, KI: 1, KD: 1})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		q    r3.Vec
		want [3]uint8
	}{
		{r3.Vec{X: 0.1, Y: 0.1}, [3]uint8{10, 20, 30}},
		{r3.Vec{X: 0.9, Y: 0.05}, [3]uint8{40, 50, 60}},
		{r3.Vec{Y: 1.2, Z: 0.1}, [3]uint8{70, 80, 90}},
		{r3.Vec{X: 4, Y: 6, Z: 5}, [3]uint8{200, 210, 220}},
	}
	for _, tt := range tests {
		got, ok := s.NearestColor(tt.q)
		if !ok {
			t.Fatalf("NearestColor(%v) found nothing", tt.q)
		}
		if got != tt.want {
			t.Errorf("NearestColor(%v) = %v, want %v", tt.q, got, tt.want)
		}
	}

	plain, _ := mesh.NewPointSet(pos, nil, nil)
	s, err = newSurface(plain, pipeline.SurfaceParams{KN: 3, KI: 1, KD: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.NearestColor(r3.Vec{}); ok {
		t.Error("NearestColor should fail without colours")
	}
}

func TestRemoveDanglingArtifacts_KeepsLargeFragment(t *testing.T) {
	m := cubeMesh()
	base := len(m.vertices)
	m.vertices = append(m.vertices, r3.Vec{X: 5}, r3.Vec{X: 6}, r3.Vec{X: 5, Y: 1})
	m.addFace([3]int{base, base + 1, base + 2})

	m.RemoveDanglingArtifacts(5)

	if got := m.FaceCount(); got != 12 {
		t.Errorf("FaceCount = %d, want 12 (cube only)", got)
	}
	if m.alive[len(m.faces)-1] {
		t.Error("three-vertex fragment survived")
	}
}

func TestCleanContours(t *testing.T) {
	m := cubeMesh()
	base := len(m.vertices)
	m.vertices = append(m.vertices, r3.Vec{X: 5}, r3.Vec{X: 6}, r3.Vec{X: 5, Y: 1})
	m.addFace([3]int{base, base + 1, base + 2})

	m.CleanContours(2, config.ContourCleanupTolerance)

	if got := m.FaceCount(); got != 12 {
		t.Errorf("FaceCount = %d, want 12: closed cube must survive, lone triangle must go", got)
	}
}

func TestFillHoles_Triangle(t *testing.T) {
	verts := []r3.Vec{{}, {X: 1}, {Y: 1}, {Z: 1}}
	// Tetrahedron missing face (1,2,3).
	m := newMesh(nil, verts, [][3]int{{0, 2, 1}, {0, 1, 3}, {0, 3, 2}})

	m.FillHoles(3)

	if got := m.FaceCount(); got != 4 {
		t.Fatalf("FaceCount = %d, want 4", got)
	}
	for e, faces := range m.edgeFaces() {
		if len(faces) != 2 {
			t.Errorf("edge %v has %d faces after filling", e, len(faces))
		}
	}
	// The fill face must be wound consistently with its neighbours.
	m.ComputeFaceNormals()
	if n := m.faceNormals[3]; r3.Dot(n, r3.Vec{X: 1, Y: 1, Z: 1}) <= 0 {
		t.Errorf("fill face normal %v points inward", n)
	}
}

func TestFillHoles_RespectsMaxSize(t *testing.T) {
	// Square pyramid without its base: a four-edge hole.
	verts := []r3.Vec{{}, {X: 1}, {X: 1, Y: 1}, {Y: 1}, {X: 0.5, Y: 0.5, Z: 1}}
	faces := [][3]int{{0, 1, 4}, {1, 2, 4}, {2, 3, 4}, {3, 0, 4}}

	small := newMesh(nil, append([]r3.Vec(nil), verts...), append([][3]int(nil), faces...))
	small.FillHoles(3)
	if got := small.FaceCount(); got != 4 {
		t.Errorf("hole larger than maxSize was filled: %d faces", got)
	}

	big := newMesh(nil, append([]r3.Vec(nil), verts...), append([][3]int(nil), faces...))
	big.FillHoles(4)
	if got := big.FaceCount(); got != 8 {
		t.Errorf("FaceCount = %d, want 8", got)
	}
	if len(big.vertices) != 6 {
		t.Errorf("expected one centroid vertex, have %d vertices", len(big.vertices))
	}
}

func TestPlanarClusterGrowing_Cube(t *testing.T) {
	m := cubeMesh()
	m.ComputeFaceNormals()
	m.PlanarClusterGrowing(0.9)

	if got := m.ClusterCount(); got != 6 {
		t.Fatalf("ClusterCount = %d, want 6", got)
	}
	for i, members := range m.clusters {
		if len(members) != 2 {
			t.Errorf("cluster %d has %d faces, want 2", i, len(members))
		}
	}

	m.IterativePlanarClusterGrowing(0.9, 2, 2)
	if got := m.ClusterCount(); got != 6 {
		t.Errorf("iterative growing changed cluster count to %d", got)
	}
}

func TestDeleteSmallPlanarClusters(t *testing.T) {
	m := cubeMesh()
	m.PlanarClusterGrowing(0.9)

	m.DeleteSmallPlanarClusters(2)
	if m.ClusterCount() != 6 || m.FaceCount() != 12 {
		t.Errorf("threshold 2 should keep everything: clusters=%d faces=%d", m.ClusterCount(), m.FaceCount())
	}

	m.DeleteSmallPlanarClusters(3)
	if m.ClusterCount() != 0 || m.FaceCount() != 0 {
		t.Errorf("threshold 3 should remove everything: clusters=%d faces=%d", m.ClusterCount(), m.FaceCount())
	}
}

func TestFinalizeAndMaterialize_Cube(t *testing.T) {
	m := cubeMesh()
	m.ComputeFaceNormals()
	m.PlanarClusterGrowing(0.9)

	if _, err := m.Finalize(false); err != ErrVertexNormalsMissing {
		t.Fatalf("Finalize before vertex normals: err = %v", err)
	}
	m.ComputeVertexNormals()

	buf, err := m.Finalize(false)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// Each of the six clusters owns its four corners.
	if buf.VertexCount() != 24 || buf.FaceCount() != 12 {
		t.Errorf("buffer has %d vertices, %d faces; want 24, 12", buf.VertexCount(), buf.FaceCount())
	}

	if err := m.Materialize(buf, nil); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(buf.Materials) != 1 {
		t.Errorf("uncoloured clusters should share one material, got %d", len(buf.Materials))
	}
	if err := buf.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestMaterialize_Textures(t *testing.T) {
	m := cubeMesh()
	m.PlanarClusterGrowing(0.9)
	m.ComputeVertexNormals()
	buf, err := m.Finalize(false)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Materialize(buf, &pipeline.TextureParams{TexelSize: 0.5, MinClusterSize: 1}); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(buf.Textures) != 6 || len(buf.Materials) != 6 {
		t.Fatalf("got %d textures, %d materials; want 6 each", len(buf.Textures), len(buf.Materials))
	}
	for i, tex := range buf.Textures {
		if tex.Width < 2 || tex.Width > 3 || tex.Height < 2 || tex.Height > 3 {
			t.Errorf("texture %d is %dx%d", i, tex.Width, tex.Height)
		}
	}
	if err := buf.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	// Clusters above the size limit stay untextured.
	buf2, _ := m.Finalize(false)
	if err := m.Materialize(buf2, &pipeline.TextureParams{TexelSize: 0.5, MinClusterSize: 1, MaxClusterSize: 1}); err != nil {
		t.Fatal(err)
	}
	if len(buf2.Textures) != 0 {
		t.Errorf("got %d textures, want none", len(buf2.Textures))
	}
}

func TestMaterialize_RequiresFinalize(t *testing.T) {
	m := cubeMesh()
	if err := m.Materialize(&mesh.Buffer{Faces: []uint32{0, 1, 2}}, nil); err != ErrNotFinalized {
		t.Errorf("err = %v, want ErrNotFinalized", err)
	}
}

func TestReconstructSphere(t *testing.T) {
	ctx := context.Background()
	ps := fibonacciSphere(2000, 1, true)

	surf, err := NewEngine().NewSurface(ctx, ps, pipeline.SurfaceParams{Backend: config.BackendFLANN, KN: 10, KI: 10, KD: 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := surf.EstimateNormals(ctx); err != nil {
		t.Fatal(err)
	}
	grid, err := surf.NewGrid(ctx, pipeline.GridParams{
		Decomposition: config.DecompositionPMC,
		Resolution:    0.2,
		UseVoxelsize:  true,
		Extrude:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	pm, err := grid.ExtractSurface(ctx)
	if err != nil {
		t.Fatal(err)
	}
	m := pm.(*Mesh)
	if m.FaceCount() < 100 {
		t.Fatalf("extracted only %d faces", m.FaceCount())
	}

	var sum, worst float64
	for _, v := range m.vertices {
		e := math.Abs(r3.Norm(v) - 1)
		sum += e
		worst = math.Max(worst, e)
	}
	if mean := sum / float64(len(m.vertices)); mean > 0.1 {
		t.Errorf("mean radial error %.3f too large", mean)
	}
	if worst > 0.3 {
		t.Errorf("worst radial error %.3f too large", worst)
	}

	m.ComputeFaceNormals()
	m.PlanarClusterGrowing(0.85)
	m.ComputeVertexNormals()
	m.ComputeVertexColors()
	buf, err := m.Finalize(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Materialize(buf, nil); err != nil {
		t.Fatal(err)
	}
	if err := buf.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(buf.VertexColors) != buf.VertexCount() {
		t.Errorf("%d colours for %d vertices", len(buf.VertexColors), buf.VertexCount())
	}

	// Vertices in the upper hemisphere take the red input colour.
	for i := 0; i < buf.VertexCount(); i++ {
		if buf.Vertices[3*i+1] > 0.3 && buf.VertexColors[i].R != 1 {
			t.Errorf("vertex %d at y=%.2f has colour %+v", i, buf.Vertices[3*i+1], buf.VertexColors[i])
			break
		}
	}
}

func TestNewGrid_RejectsUnsupported(t *testing.T) {
	ctx := context.Background()
	ps := fibonacciSphere(200, 1, false)
	surf, _ := NewEngine().NewSurface(ctx, ps, pipeline.SurfaceParams{KN: 10, KI: 10, KD: 5})

	if _, err := surf.NewGrid(ctx, pipeline.GridParams{Decomposition: config.DecompositionPMC, Resolution: 0.2, UseVoxelsize: true}); err != ErrNoNormals {
		t.Errorf("err = %v, want ErrNoNormals", err)
	}
	_ = surf.EstimateNormals(ctx)
	if _, err := surf.NewGrid(ctx, pipeline.GridParams{Decomposition: config.DecompositionMC, Resolution: 0.2, UseVoxelsize: true}); err == nil {
		t.Error("MC should be rejected by the reference engine")
	}

	g, err := surf.NewGrid(ctx, pipeline.GridParams{Decomposition: config.DecompositionPMC, Resolution: 10})
	if err != nil {
		t.Fatal(err)
	}
	if v := g.(*Grid).Voxel(); math.Abs(v-0.2) > 0.01 {
		t.Errorf("10 intersections over a diameter-2 cloud gave voxel %.3f, want ~0.2", v)
	}
}
