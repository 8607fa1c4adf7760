package vertebral

import (
	"math"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/centerline"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// cordPoint is a centerline point in millimetres tagged with its slice
type cordPoint struct {
	X, Y, Z float64
	Slice   int
}

// Compare implements the kdtree.Comparable interface
func (p cordPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(cordPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

func (p cordPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance
func (p cordPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(cordPoint)
	dx, dy, dz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
	return dx*dx + dy*dy + dz*dz
}

type cordPoints []cordPoint

func (p cordPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p cordPoints) Len() int                              { return len(p) }
func (p cordPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p cordPoints) Pivot(d kdtree.Dim) int {
	plane := cordPlane{cordPoints: p, Dim: d}
	return kdtree.Partition(plane, kdtree.MedianOfRandoms(plane, 100))
}

type cordPlane struct {
	cordPoints
	kdtree.Dim
}

func (p cordPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.cordPoints[i].X < p.cordPoints[j].X
	case 1:
		return p.cordPoints[i].Y < p.cordPoints[j].Y
	case 2:
		return p.cordPoints[i].Z < p.cordPoints[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p cordPlane) Slice(start, end int) kdtree.SortSlicer {
	return cordPlane{cordPoints: p.cordPoints[start:end], Dim: p.Dim}
}

func (p cordPlane) Swap(i, j int) {
	p.cordPoints[i], p.cordPoints[j] = p.cordPoints[j], p.cordPoints[i]
}

// ProjectOntoCenterline moves every disc lying within the centerline's slice
// range to the slice of its nearest centerline point. Discs above or below
// the cord keep their own position. Distances are measured in millimetres so
// anisotropic voxels do not bias the match. The centerline must be in voxel
// space.
func ProjectOntoCenterline(discs []Disc, c *centerline.Centerline, size models.VoxelSize) []Disc {
	if c == nil || c.Len() == 0 {
		return discs
	}

	pts := make(cordPoints, c.Len())
	for i := range pts {
		pts[i] = cordPoint{X: c.X[i] * size.X, Y: c.Y[i] * size.Y, Z: c.Z[i] * size.Z, Slice: c.Slice[i]}
	}
	tree := kdtree.New(pts, false)
	first, last := c.SliceRange()

	out := make([]Disc, len(discs))
	for i, d := range discs {
		out[i] = d
		if z := int(math.Round(d.Z)); z < first || z > last {
			continue
		}
		nearest, _ := tree.Nearest(cordPoint{X: d.X * size.X, Y: d.Y * size.Y, Z: d.Z * size.Z})
		if nearest == nil {
			continue
		}
		p := nearest.(cordPoint)
		out[i].X, out[i].Y, out[i].Z = p.X/size.X, p.Y/size.Y, float64(p.Slice)
	}
	sortDiscs(out)
	return out
}
