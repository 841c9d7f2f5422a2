// Package ingest converts PCD point clouds into the point sets consumed by
// the reconstruction pipeline.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"
	"github.com/seqsense/pcgol/pc/filter/voxelgrid"

	"github.com/banshee-data/mesh.report/internal/mesh"
)

// ErrConversion reports a point cloud that cannot be turned into a point set.
var ErrConversion = errors.New("point cloud conversion failed")

// DefaultFrame tags meshes whose cloud carried no frame.
const DefaultFrame = "map"

// Cloud is an incoming point cloud with its coordinate frame and capture time.
type Cloud struct {
	Frame  string
	Stamp  time.Time
	Points *pc.PointCloud
}

// Decode reads a PCD body (ascii, binary or binary_compressed).
func Decode(r io.Reader) (*pc.PointCloud, error) {
	pp, err := pc.Unmarshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: decode pcd: %v", ErrConversion, err)
	}
	return pp, nil
}

// ToPointSet copies the positions of pp, plus normal_x/y/z and rgb when all
// are present, into a PointSet. A positive leafSize first downsamples pp on a
// voxel grid of that edge length.
func ToPointSet(pp *pc.PointCloud, leafSize float64) (*mesh.PointSet, error) {
	if pp == nil {
		return nil, fmt.Errorf("%w: nil point cloud", ErrConversion)
	}
	if pp.Points <= 0 {
		return nil, fmt.Errorf("%w: empty point cloud", ErrConversion)
	}
	if len(pp.Data) < pp.Points*pp.Stride() {
		return nil, fmt.Errorf("%w: %d bytes for %d points of stride %d", ErrConversion, len(pp.Data), pp.Points, pp.Stride())
	}
	if leafSize > 0 {
		l := float32(leafSize)
		filtered, err := voxelgrid.New(mat.Vec3{l, l, l}).Filter(pp)
		if err != nil {
			return nil, fmt.Errorf("%w: voxel grid: %v", ErrConversion, err)
		}
		pp = filtered
	}

	it, err := pp.Vec3Iterator()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	n := pp.Points
	positions := make([]float32, 0, 3*n)
	for i := 0; i < n; i++ {
		v := it.Vec3()
		for _, c := range v {
			if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
				return nil, fmt.Errorf("%w: point %d is not finite", ErrConversion, i)
			}
		}
		positions = append(positions, v[0], v[1], v[2])
		it.Incr()
	}

	normals, err := readNormals(pp)
	if err != nil {
		return nil, err
	}
	colors := readColors(pp)

	ps, err := mesh.NewPointSet(positions, normals, colors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	return ps, nil
}

func hasField(pp *pc.PointCloud, name string) bool {
	for _, f := range pp.Fields {
		if f == name {
			return true
		}
	}
	return false
}

func readNormals(pp *pc.PointCloud) ([]float32, error) {
	if !hasField(pp, "normal_x") || !hasField(pp, "normal_y") || !hasField(pp, "normal_z") {
		return nil, nil
	}
	its, err := normalIterators(pp)
	if err != nil {
		return nil, fmt.Errorf("%w: normals: %v", ErrConversion, err)
	}
	normals := make([]float32, 0, 3*pp.Points)
	for i := 0; i < pp.Points; i++ {
		for _, it := range its {
			normals = append(normals, it.Float32())
			it.Incr()
		}
	}
	return normals, nil
}

func normalIterators(pp *pc.PointCloud) ([]pc.Float32Iterator, error) {
	its := make([]pc.Float32Iterator, 0, 3)
	for _, name := range []string{"normal_x", "normal_y", "normal_z"} {
		it, err := pp.Float32Iterator(name)
		if err != nil {
			return nil, err
		}
		its = append(its, it)
	}
	return its, nil
}

// readColors unpacks the PCL-style rgb field (0x00RRGGBB).
func readColors(pp *pc.PointCloud) []uint8 {
	name := ""
	switch {
	case hasField(pp, "rgb"):
		name = "rgb"
	case hasField(pp, "rgba"):
		name = "rgba"
	default:
		return nil
	}
	it, err := pp.Uint32Iterator(name)
	if err != nil {
		return nil
	}
	colors := make([]uint8, 0, 3*pp.Points)
	for i := 0; i < pp.Points; i++ {
		v := it.Uint32()
		colors = append(colors, uint8(v>>16), uint8(v>>8), uint8(v))
		it.Incr()
	}
	return colors
}

// FromPointSet builds a binary PCD cloud holding ps. Normals and colours are
// written when ps has them.
func FromPointSet(ps *mesh.PointSet) *pc.PointCloud {
	fields := []string{"x", "y", "z"}
	size := []int{4, 4, 4}
	types := []string{"F", "F", "F"}
	if ps.HasNormals() {
		fields = append(fields, "normal_x", "normal_y", "normal_z")
		size = append(size, 4, 4, 4)
		types = append(types, "F", "F", "F")
	}
	if ps.HasColors() {
		fields = append(fields, "rgb")
		size = append(size, 4)
		types = append(types, "U")
	}
	count := make([]int, len(fields))
	for i := range count {
		count[i] = 1
	}
	n := ps.Len()
	pp := &pc.PointCloud{
		PointCloudHeader: pc.PointCloudHeader{
			Fields: fields,
			Size:   size,
			Type:   types,
			Count:  count,
			Width:  n,
			Height: 1,
		},
		Points: n,
	}
	pp.Data = make([]byte, n*pp.Stride())
	if n == 0 {
		return pp
	}

	it, _ := pp.Vec3Iterator()
	for i := 0; i < n; i++ {
		p := ps.Position(i)
		it.SetVec3(mat.Vec3{p[0], p[1], p[2]})
		it.Incr()
	}
	if ps.HasNormals() {
		its, _ := normalIterators(pp)
		for i := 0; i < n; i++ {
			nrm := ps.Normal(i)
			for k, it := range its {
				it.SetFloat32(nrm[k])
				it.Incr()
			}
		}
	}
	if ps.HasColors() {
		it, _ := pp.Uint32Iterator("rgb")
		for i := 0; i < n; i++ {
			c := ps.Color(i)
			it.SetUint32(uint32(c[0])<<16 | uint32(c[1])<<8 | uint32(c[2]))
			it.Incr()
		}
	}
	return pp
}

// Encode writes pp as binary PCD.
func Encode(w io.Writer, pp *pc.PointCloud) error {
	return pc.Marshal(pp, w)
}
