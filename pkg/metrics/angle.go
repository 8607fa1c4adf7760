package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/centerline"
	"cordmetrics/pkg/orientation"
)

// Angle returns the angle in radians between the tangent t and the slice
// axis. A degenerate tangent yields a Warning with angle 0; an angle of 90
// degrees or more means the fit went wrong and is reported as Failed.
func Angle(t, axis [3]float64) Value {
	tv := t[:]
	norm := floats.Norm(tv, 2)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return Warn(0, "degenerate centerline tangent")
	}

	cos := floats.Dot(tv, axis[:]) / norm
	cos = math.Max(-1, math.Min(1, cos))
	angle := math.Acos(cos)
	if angle >= math.Pi/2 {
		return Value{
			V:      angle,
			Status: Failed,
			Reason: fmt.Sprintf("cord angle %.1f deg is not below 90 deg, centerline fit failed", angle*180/math.Pi),
		}
	}
	return Ok(angle)
}

// Frame gives the cord tangent at each slice together with the slice axis,
// both expressed in mm so that anisotropic voxels do not bias the angle.
type Frame struct {
	c    *centerline.Centerline
	axis [3]float64
	size models.VoxelSize
}

// NewFrame wraps a per-slice centerline (see AverageCoordinatesOverSlices).
// For physical centerlines the axis is the volume's slice direction, for
// voxel centerlines it is [0 0 1] and tangents are scaled by the voxel size.
func NewFrame(vol *models.Volume, c *centerline.Centerline) *Frame {
	f := &Frame{c: c, size: vol.VoxelSize, axis: [3]float64{0, 0, 1}}
	if c.Physical {
		_, _, f.axis = orientation.Directions(vol)
	}
	return f
}

// Axis returns the slice axis
func (f *Frame) Axis() [3]float64 { return f.axis }

// Tangent returns the cord tangent at slice z; ok is false when the
// centerline has no point there.
func (f *Frame) Tangent(z int) ([3]float64, bool) {
	i, ok := f.c.AtSlice(z)
	if !ok {
		return [3]float64{}, false
	}
	t := f.c.Tangent(i)
	if !f.c.Physical {
		t[0] *= f.size.X
		t[1] *= f.size.Y
		t[2] *= f.size.Z
	}
	return t, true
}

// AngleAt returns the cord angle at slice z. Slices without a centerline
// point are reported as Warning with angle 0.
func (f *Frame) AngleAt(z int) Value {
	t, ok := f.Tangent(z)
	if !ok {
		return Warn(0, "no centerline point at this slice, segmentation may not be continuous")
	}
	return Angle(t, f.axis)
}
