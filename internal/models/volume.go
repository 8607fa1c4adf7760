package models

import (
	"sort"
	"strconv"
)

// VoxelSize is the physical size of a voxel along each axis in mm
type VoxelSize struct {
	X, Y, Z float64
}

// Volume represents a 3D image volume, typically a spinal cord segmentation
// or a label volume, together with its voxel-to-world geometry.
type Volume struct {
	// Data is the 3D volume data as a 1D array with x varying fastest
	Data []float64

	// Nx, Ny, Nz are the dimensions of the volume in voxels
	Nx, Ny, Nz int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize VoxelSize

	// Affine maps voxel indices (i, j, k, 1) to world coordinates in mm
	Affine [4][4]float64

	// Filename is the file the volume was loaded from, if any
	Filename string
}

// Coordinate is a voxel position with the value stored there
type Coordinate struct {
	X, Y, Z int
	Value   float64
}

// NewVolume allocates a zero-filled volume with an affine that only scales
// by the voxel size.
func NewVolume(nx, ny, nz int, size VoxelSize) *Volume {
	v := &Volume{
		Data:      make([]float64, nx*ny*nz),
		Nx:        nx,
		Ny:        ny,
		Nz:        nz,
		VoxelSize: size,
	}
	v.Affine[0][0] = size.X
	v.Affine[1][1] = size.Y
	v.Affine[2][2] = size.Z
	v.Affine[3][3] = 1
	return v
}

// Index returns the offset of voxel (x, y, z) in Data
func (v *Volume) Index(x, y, z int) int {
	return z*v.Nx*v.Ny + y*v.Nx + x
}

// Contains reports whether (x, y, z) lies inside the grid
func (v *Volume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Nx && y < v.Ny && z < v.Nz
}

// At returns the value at voxel (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a value at voxel (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Copy returns a deep copy of the volume
func (v *Volume) Copy() *Volume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// ZeroLike returns an empty volume sharing this volume's geometry
func (v *Volume) ZeroLike() *Volume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	return &out
}

// SliceSum returns the sum of voxel values in axial slice z
func (v *Volume) SliceSum(z int) float64 {
	sum := 0.0
	offset := z * v.Nx * v.Ny
	for _, value := range v.Data[offset : offset+v.Nx*v.Ny] {
		sum += value
	}
	return sum
}

// ZExtent returns the first and last axial slices containing any voxel
// greater than zero. ok is false for an empty volume.
func (v *Volume) ZExtent() (minZ, maxZ int, ok bool) {
	minZ, maxZ = -1, -1
	plane := v.Nx * v.Ny
	for z := 0; z < v.Nz; z++ {
		for _, value := range v.Data[z*plane : (z+1)*plane] {
			if value > 0 {
				if minZ < 0 {
					minZ = z
				}
				maxZ = z
				break
			}
		}
	}
	return minZ, maxZ, minZ >= 0
}

// NonZeroCoordinates lists every voxel with a non-zero value. When sortBy is
// "x", "y" or "z" the result is sorted along that axis.
func (v *Volume) NonZeroCoordinates(sortBy string) []Coordinate {
	var coords []Coordinate
	for z := 0; z < v.Nz; z++ {
		for y := 0; y < v.Ny; y++ {
			for x := 0; x < v.Nx; x++ {
				if value := v.At(x, y, z); value != 0 {
					coords = append(coords, Coordinate{X: x, Y: y, Z: z, Value: value})
				}
			}
		}
	}

	switch sortBy {
	case "x":
		sort.SliceStable(coords, func(i, j int) bool { return coords[i].X < coords[j].X })
	case "y":
		sort.SliceStable(coords, func(i, j int) bool { return coords[i].Y < coords[j].Y })
	case "z":
		sort.SliceStable(coords, func(i, j int) bool { return coords[i].Z < coords[j].Z })
	}
	return coords
}

// SliceRange is an inclusive range of axial slice indices
type SliceRange struct {
	Start, End int
}

// Contains reports whether slice z lies in the range
func (r SliceRange) Contains(z int) bool {
	return z >= r.Start && z <= r.End
}

// Len returns the number of slices in the range
func (r SliceRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Intersect returns the overlap of two ranges; ok is false when they are disjoint
func (r SliceRange) Intersect(o SliceRange) (SliceRange, bool) {
	out := SliceRange{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	return out, out.Start <= out.End
}

func (r SliceRange) String() string {
	return strconv.Itoa(r.Start) + ":" + strconv.Itoa(r.End)
}
