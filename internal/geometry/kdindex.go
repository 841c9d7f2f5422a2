package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// indexedPoint is a kd-tree entry that remembers its position in the
// source point set; the tree reorders its input while building.
type indexedPoint struct {
	r3.Vec
	id int
}

func coord(v r3.Vec, d kdtree.Dim) float64 {
	switch d {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return coord(p.Vec, d) - coord(c.(indexedPoint).Vec, d)
}

func (p indexedPoint) Dims() int { return 3 }

func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.Vec, c.(indexedPoint).Vec))
}

type pointList []indexedPoint

func (l pointList) Index(i int) kdtree.Comparable { return l[i] }
func (l pointList) Len() int                      { return len(l) }
func (l pointList) Slice(start, end int) kdtree.Interface {
	return l[start:end]
}
func (l pointList) Pivot(d kdtree.Dim) int {
	p := plane{pointList: l, dim: d}
	return kdtree.Partition(p, kdtree.MedianOfRandoms(p, 100))
}

// plane orders a pointList along one axis for pivot selection.
type plane struct {
	pointList
	dim kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return coord(p.pointList[i].Vec, p.dim) < coord(p.pointList[j].Vec, p.dim)
}
func (p plane) Swap(i, j int) { p.pointList[i], p.pointList[j] = p.pointList[j], p.pointList[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.pointList = p.pointList[start:end]
	return p
}

// neighbourIndex answers k-nearest queries over a fixed set of points.
type neighbourIndex struct {
	tree *kdtree.Tree
}

func newNeighbourIndex(points []r3.Vec) *neighbourIndex {
	list := make(pointList, len(points))
	for i, p := range points {
		list[i] = indexedPoint{Vec: p, id: i}
	}
	return &neighbourIndex{tree: kdtree.New(list, false)}
}

// nearest returns the ids of up to k points closest to q, nearest first.
func (n *neighbourIndex) nearest(q r3.Vec, k int) []int {
	if k <= 0 || n.tree.Len() == 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(k)
	n.tree.NearestSet(keeper, indexedPoint{Vec: q, id: -1})

	// The keeper is a max-heap; drain it into ascending distance order.
	ids := make([]int, 0, keeper.Len())
	dists := make([]float64, 0, keeper.Len())
	for _, c := range keeper.Heap {
		if c.Comparable == nil || math.IsInf(c.Dist, 1) {
			continue
		}
		ids = append(ids, c.Comparable.(indexedPoint).id)
		dists = append(dists, c.Dist)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && dists[j] < dists[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
			dists[j], dists[j-1] = dists[j-1], dists[j]
		}
	}
	return ids
}
