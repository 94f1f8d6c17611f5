package pointcloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a search hit: the index of the point in the indexed set and its squared distance
// to the query.
type Neighbor struct {
	Index     int
	Distance2 float64
}

// indexedPoint is a kd tree entry remembering its position in the input.
type indexedPoint struct {
	coords []float64
	index  int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coords[d] - c.(indexedPoint).coords[d]
}

func (p indexedPoint) Dims() int { return len(p.coords) }

func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	var sum float64
	for dim, v := range p.coords {
		d := v - q.coords[dim]
		sum += d * d
	}
	return sum
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                       { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

// Pivot fully orders the list along d, breaking ties by index, so the tree shape depends on the
// input alone. gonum's pivot helpers pick random elements.
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	sort.Sort(indexedPlane{points: p, dim: d})
	return len(p) / 2
}

type indexedPlane struct {
	points indexedPoints
	dim    kdtree.Dim
}

func (p indexedPlane) Len() int { return len(p.points) }

func (p indexedPlane) Less(i, j int) bool {
	a, b := p.points[i], p.points[j]
	if a.coords[p.dim] != b.coords[p.dim] {
		return a.coords[p.dim] < b.coords[p.dim]
	}
	return a.index < b.index
}

func (p indexedPlane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }

// KDTree answers nearest neighbor queries over a fixed set of equal length vectors.
// Results are ordered by distance, then by index, so ties always resolve to the lowest index.
// A KDTree is safe for concurrent queries.
type KDTree struct {
	tree *kdtree.Tree
	size int
	dims int
}

// NewKDTree indexes the given vectors. All vectors must have the same length.
func NewKDTree(vectors [][]float64) *KDTree {
	pts := make(indexedPoints, len(vectors))
	dims := 0
	for i, v := range vectors {
		pts[i] = indexedPoint{coords: v, index: i}
		dims = len(v)
	}
	if len(pts) == 0 {
		return &KDTree{}
	}
	return &KDTree{tree: kdtree.New(pts, false), size: len(pts), dims: dims}
}

// NewPointKDTree indexes 3D points.
func NewPointKDTree(points []r3.Vector) *KDTree {
	vectors := make([][]float64, len(points))
	for i, p := range points {
		vectors[i] = VecToSlice(p)
	}
	return NewKDTree(vectors)
}

// VecToSlice returns the coordinates of p as a slice.
func VecToSlice(p r3.Vector) []float64 {
	return []float64{p.X, p.Y, p.Z}
}

// Len returns the number of indexed vectors.
func (t *KDTree) Len() int {
	return t.size
}

// Nearest returns the closest indexed vector. ok is false when the tree is empty.
// Exact ties go to the lowest index. A second traversal is made only when the two closest
// vectors are equidistant.
func (t *KDTree) Nearest(q []float64) (Neighbor, bool) {
	if t.tree == nil {
		return Neighbor{}, false
	}
	query := indexedPoint{coords: q, index: -1}
	pair := kdtree.NewNKeeper(2)
	t.tree.NearestSet(pair, query)
	hits := collect(pair.Heap, math.Inf(1))
	if len(hits) == 0 {
		return Neighbor{}, false
	}
	best := hits[0]
	if len(hits) < 2 || hits[1].Distance2 != best.Distance2 {
		return best, true
	}

	ties := kdtree.NewDistKeeper(best.Distance2)
	t.tree.NearestSet(ties, query)
	for _, hit := range ties.Heap {
		if hit.Comparable == nil {
			continue
		}
		if idx := hit.Comparable.(indexedPoint).index; hit.Dist == best.Distance2 && idx < best.Index {
			best.Index = idx
		}
	}
	return best, true
}

// NearestPoint is Nearest for a 3D query.
func (t *KDTree) NearestPoint(p r3.Vector) (Neighbor, bool) {
	return t.Nearest(VecToSlice(p))
}

// KNearest returns up to k closest indexed vectors.
func (t *KDTree) KNearest(q []float64, k int) []Neighbor {
	if t.tree == nil || k <= 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keeper, indexedPoint{coords: q, index: -1})
	return collect(keeper.Heap, math.Inf(1))
}

// Radius returns every indexed vector within radius of q.
func (t *KDTree) Radius(q []float64, radius float64) []Neighbor {
	if t.tree == nil || radius < 0 {
		return nil
	}
	r2 := radius * radius
	keeper := kdtree.NewDistKeeper(r2)
	t.tree.NearestSet(keeper, indexedPoint{coords: q, index: -1})
	return collect(keeper.Heap, r2)
}

// Hybrid returns the up to maxNN closest indexed vectors that are also within radius of q.
// A non-positive maxNN means no count limit.
func (t *KDTree) Hybrid(q []float64, radius float64, maxNN int) []Neighbor {
	if maxNN <= 0 {
		return t.Radius(q, radius)
	}
	hits := t.KNearest(q, maxNN)
	r2 := radius * radius
	cut := sort.Search(len(hits), func(i int) bool { return hits[i].Distance2 > r2 })
	return hits[:cut]
}

// HybridPoint is Hybrid for a 3D query.
func (t *KDTree) HybridPoint(p r3.Vector, radius float64, maxNN int) []Neighbor {
	return t.Hybrid(VecToSlice(p), radius, maxNN)
}

func collect(heap kdtree.Heap, maxDist2 float64) []Neighbor {
	out := make([]Neighbor, 0, len(heap))
	for _, hit := range heap {
		if hit.Comparable == nil || hit.Dist > maxDist2 {
			continue
		}
		out = append(out, Neighbor{Index: hit.Comparable.(indexedPoint).index, Distance2: hit.Dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance2 != out[j].Distance2 {
			return out[i].Distance2 < out[j].Distance2
		}
		return out[i].Index < out[j].Index
	})
	return out
}
