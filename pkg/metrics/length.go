package metrics

import (
	"fmt"
	"math"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/centerline"
)

// ColumnLength is the per-slice length contribution column
const ColumnLength = "Length [mm]"

func segment(c *centerline.Centerline, i int, size models.VoxelSize) float64 {
	dx := (c.X[i+1] - c.X[i]) * size.X
	dy := (c.Y[i+1] - c.Y[i]) * size.Y
	dz := (c.Z[i+1] - c.Z[i]) * size.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// ComputeLength integrates the arc length of a voxel-space centerline,
// counting each segment whose first point lies in sel. A nil sel selects
// the whole centerline. A selection without any segment is NotComputed.
func ComputeLength(c *centerline.Centerline, size models.VoxelSize, sel *models.SliceRange) (Value, error) {
	if c.Physical {
		return Value{}, fmt.Errorf("length expects a centerline in voxel coordinates")
	}

	length, segments := 0.0, 0
	for i := 0; i < c.Len()-1; i++ {
		if sel != nil && !sel.Contains(c.Slice[i]) {
			continue
		}
		length += segment(c, i, size)
		segments++
	}

	if segments == 0 {
		first, last := c.SliceRange()
		return Missing(fmt.Sprintf("slices %s are outside the centerline coverage %d:%d", sel, first, last)), nil
	}
	return Ok(length), nil
}

// LengthTable returns a Sum column holding, for every slice of the
// centerline, the length of the segment starting there. Aggregating it over
// a slice range gives the length of the cord over that range.
func LengthTable(c *centerline.Centerline, size models.VoxelSize) (*Table, error) {
	if c.Physical {
		return nil, fmt.Errorf("length expects a centerline in voxel coordinates")
	}

	first, last := c.SliceRange()
	values := make([]Value, last-first+1)
	for i := range values {
		values[i] = Ok(0)
	}
	for i := 0; i < c.Len()-1; i++ {
		values[c.Slice[i]-first].V += segment(c, i, size)
	}

	t := NewTable(first)
	t.Columns = []Column{{Name: ColumnLength, Values: values, Reduce: Sum}}
	return t, nil
}
