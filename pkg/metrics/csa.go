package metrics

import (
	"math"

	"cordmetrics/internal/models"
)

// Column names of the CSA table
const (
	ColumnCSA   = "CSA [mm^2]"
	ColumnAngle = "Angle between cord and S-I direction [deg]"
)

// ComputeCSA computes the cross-sectional area of every slice between the
// first and last slice holding foreground. Voxel values are summed as
// partial-volume weights and the area is projected onto the plane
// orthogonal to the cord using the angle from frame.
//
// With a nil frame angle correction is disabled and every angle is 0.
func ComputeCSA(vol *models.Volume, frame *Frame) (*Table, error) {
	minZ, maxZ, ok := vol.ZExtent()
	if !ok {
		return nil, ErrEmptySegmentation
	}

	n := maxZ - minZ + 1
	csa := make([]Value, n)
	angles := make([]Value, n)
	px, py := vol.VoxelSize.X, vol.VoxelSize.Y

	for z := minZ; z <= maxZ; z++ {
		i := z - minZ
		area := vol.SliceSum(z) * px * py

		if frame == nil {
			csa[i], angles[i] = Ok(area), Ok(0)
			continue
		}

		angle := frame.AngleAt(z)
		switch angle.Status {
		case OK:
			csa[i] = Ok(area * math.Cos(angle.V))
			angles[i] = Ok(degrees(angle.V))
		case Warning:
			// uncorrected area
			csa[i] = Warn(area, angle.Reason)
			angles[i] = Warn(0, angle.Reason)
		default:
			csa[i] = Fail(angle.Reason)
			angles[i] = Value{V: degrees(angle.V), Status: Failed, Reason: angle.Reason}
		}
	}

	t := NewTable(minZ)
	t.Columns = []Column{
		{Name: ColumnCSA, Values: csa},
		{Name: ColumnAngle, Values: angles},
	}
	return t, nil
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
