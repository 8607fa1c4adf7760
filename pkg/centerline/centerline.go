// Package centerline fits a smooth 3D centerline through a spinal cord
// segmentation and exports it.
package centerline

import (
	"fmt"
	"math"
	"sort"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/orientation"
)

// InsufficientDataError is returned when the segmentation does not span
// enough slices to define a curve.
type InsufficientDataError struct {
	Slices int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("segmentation has foreground in %d slice(s), at least 2 are required", e.Slices)
}

// Centerline is an ordered sequence of points with their first derivative,
// sorted by increasing slice. It is not modified after construction.
type Centerline struct {
	X, Y, Z    []float64
	DX, DY, DZ []float64

	// Slice is the integer axial slice each point falls into
	Slice []int

	// Physical is true when coordinates and derivatives are in mm
	Physical bool

	bySlice map[int]int
}

// New builds a centerline from fitted coordinates and derivatives. slices
// gives the integer slice of each point and must be non-decreasing; for
// voxel-space input it may be nil and is derived from z.
func New(x, y, z, dx, dy, dz []float64, slices []int, physical bool) (*Centerline, error) {
	n := len(z)
	for _, s := range [][]float64{x, y, dx, dy, dz} {
		if len(s) != n {
			return nil, fmt.Errorf("centerline arrays have different lengths")
		}
	}
	if n < 2 {
		return nil, &InsufficientDataError{Slices: n}
	}
	if slices == nil {
		if physical {
			return nil, fmt.Errorf("physical centerline needs explicit slice indices")
		}
		slices = make([]int, n)
		for i := range z {
			slices[i] = int(math.Round(z[i]))
		}
	}
	if len(slices) != n {
		return nil, fmt.Errorf("centerline has %d points but %d slice indices", n, len(slices))
	}
	for i := 1; i < n; i++ {
		if slices[i] < slices[i-1] {
			return nil, fmt.Errorf("centerline points are not ordered by slice at index %d", i)
		}
	}
	return newCenterline(x, y, z, dx, dy, dz, slices, physical), nil
}

func newCenterline(x, y, z, dx, dy, dz []float64, slices []int, physical bool) *Centerline {
	c := &Centerline{
		X: x, Y: y, Z: z,
		DX: dx, DY: dy, DZ: dz,
		Slice:    slices,
		Physical: physical,
		bySlice:  make(map[int]int, len(slices)),
	}
	for i, s := range slices {
		if _, ok := c.bySlice[s]; !ok {
			c.bySlice[s] = i
		}
	}
	return c
}

// Len returns the number of points
func (c *Centerline) Len() int { return len(c.Z) }

// Point returns the i-th point
func (c *Centerline) Point(i int) [3]float64 {
	return [3]float64{c.X[i], c.Y[i], c.Z[i]}
}

// Tangent returns the derivative at the i-th point
func (c *Centerline) Tangent(i int) [3]float64 {
	return [3]float64{c.DX[i], c.DY[i], c.DZ[i]}
}

// AtSlice returns the index of the first point lying in slice z
func (c *Centerline) AtSlice(z int) (int, bool) {
	i, ok := c.bySlice[z]
	return i, ok
}

// SliceRange returns the first and last slice covered by the centerline
func (c *Centerline) SliceRange() (int, int) {
	return c.Slice[0], c.Slice[len(c.Slice)-1]
}

// AverageCoordinatesOverSlices collapses all points falling into the same
// integer slice of vol into one averaged point and tangent. Physical
// centerlines are mapped back to voxel space to find their slice.
func (c *Centerline) AverageCoordinatesOverSlices(vol *models.Volume) (*Centerline, error) {
	slices := make([]int, c.Len())
	if c.Physical {
		tr, err := orientation.NewTransform(vol)
		if err != nil {
			return nil, err
		}
		for i := range slices {
			slices[i] = int(math.Round(tr.Phys2Pix(c.Point(i))[2]))
		}
	} else {
		for i := range slices {
			slices[i] = int(math.Round(c.Z[i]))
		}
	}

	type acc struct {
		n                    float64
		x, y, z, dx, dy, dz float64
	}
	groups := make(map[int]*acc)
	for i, s := range slices {
		if s < 0 || s >= vol.Nz {
			continue
		}
		a, ok := groups[s]
		if !ok {
			a = &acc{}
			groups[s] = a
		}
		a.n++
		a.x += c.X[i]
		a.y += c.Y[i]
		a.z += c.Z[i]
		a.dx += c.DX[i]
		a.dy += c.DY[i]
		a.dz += c.DZ[i]
	}

	keys := make([]int, 0, len(groups))
	for s := range groups {
		keys = append(keys, s)
	}
	sort.Ints(keys)
	if len(keys) < 2 {
		return nil, &InsufficientDataError{Slices: len(keys)}
	}

	n := len(keys)
	x, y, z := make([]float64, n), make([]float64, n), make([]float64, n)
	dx, dy, dz := make([]float64, n), make([]float64, n), make([]float64, n)
	for i, s := range keys {
		a := groups[s]
		x[i], y[i], z[i] = a.x/a.n, a.y/a.n, a.z/a.n
		dx[i], dy[i], dz[i] = a.dx/a.n, a.dy/a.n, a.dz/a.n
	}
	return newCenterline(x, y, z, dx, dy, dz, keys, c.Physical), nil
}

// ToVoxel returns the centerline in voxel coordinates of vol
func (c *Centerline) ToVoxel(vol *models.Volume) (*Centerline, error) {
	if !c.Physical {
		return c, nil
	}
	tr, err := orientation.NewTransform(vol)
	if err != nil {
		return nil, err
	}

	n := c.Len()
	x, y, z := make([]float64, n), make([]float64, n), make([]float64, n)
	dx, dy, dz := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		p := tr.Phys2Pix(c.Point(i))
		x[i], y[i], z[i] = p[0], p[1], p[2]

		// derivatives are directions, so drop the translation
		o := tr.Phys2Pix([3]float64{})
		d := tr.Phys2Pix(c.Tangent(i))
		dx[i], dy[i], dz[i] = d[0]-o[0], d[1]-o[1], d[2]-o[2]
	}
	return newCenterline(x, y, z, dx, dy, dz, append([]int(nil), c.Slice...), false), nil
}

// FromVolume builds a centerline from a volume holding at most a few voxels
// per slice, such as a detector output. Voxels of a slice are averaged.
func FromVolume(vol *models.Volume) (*Centerline, error) {
	sums := make(map[int][3]float64)
	for _, coord := range vol.NonZeroCoordinates("z") {
		s := sums[coord.Z]
		sums[coord.Z] = [3]float64{s[0] + float64(coord.X), s[1] + float64(coord.Y), s[2] + 1}
	}
	if len(sums) < 2 {
		return nil, &InsufficientDataError{Slices: len(sums)}
	}

	keys := make([]int, 0, len(sums))
	for z := range sums {
		keys = append(keys, z)
	}
	sort.Ints(keys)

	n := len(keys)
	x, y, z := make([]float64, n), make([]float64, n), make([]float64, n)
	for i, k := range keys {
		s := sums[k]
		x[i], y[i], z[i] = s[0]/s[2], s[1]/s[2], float64(k)
	}
	dx, dy, dz := gradient(x, z), gradient(y, z), gradient(z, z)
	return newCenterline(x, y, z, dx, dy, dz, keys, false), nil
}
