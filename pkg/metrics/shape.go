package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"cordmetrics/internal/models"
)

// Shape property names, in output order
const (
	ShapeArea               = "area"
	ShapeDiameterAP         = "diameter_AP"
	ShapeDiameterRL         = "diameter_RL"
	ShapeEccentricity       = "eccentricity"
	ShapeOrientation        = "orientation"
	ShapeRatioMinorMajor    = "ratio_minor_major"
	ShapeSolidity           = "solidity"
	ShapeEquivalentDiameter = "equivalent_diameter"
)

// ShapeNames lists the shape properties in output order
var ShapeNames = []string{
	ShapeArea, ShapeDiameterAP, ShapeDiameterRL, ShapeEccentricity,
	ShapeOrientation, ShapeRatioMinorMajor, ShapeSolidity, ShapeEquivalentDiameter,
}

// ShapeMethod selects how the cord cross-section axes are estimated
type ShapeMethod string

const (
	// Moments uses the second order moments of the mask
	Moments ShapeMethod = "moments"

	// Ellipse fits a conic to the mask boundary
	Ellipse ShapeMethod = "ellipse"
)

// ShapeParams controls the shape computation
type ShapeParams struct {
	Method ShapeMethod

	// Threshold binarises partial-volume segmentations
	Threshold float64
}

type axes struct {
	major, minor float64
	orientation  float64 // degrees from the x axis
}

// ComputeShape computes shape descriptors slice by slice. The area is
// angle-corrected with frame when it is not nil.
func ComputeShape(vol *models.Volume, frame *Frame, p ShapeParams) (*Table, error) {
	minZ, maxZ, ok := vol.ZExtent()
	if !ok {
		return nil, ErrEmptySegmentation
	}
	if p.Threshold <= 0 {
		p.Threshold = 0.5
	}

	n := maxZ - minZ + 1
	cols := make(map[string][]Value, len(ShapeNames))
	for _, name := range ShapeNames {
		cols[name] = make([]Value, n)
	}

	for z := minZ; z <= maxZ; z++ {
		props := sliceShape(vol, z, frame, p)
		for _, name := range ShapeNames {
			cols[name][z-minZ] = props[name]
		}
	}

	t := NewTable(minZ)
	for _, name := range ShapeNames {
		t.Columns = append(t.Columns, Column{Name: name, Values: cols[name]})
	}
	return t, nil
}

func sliceShape(vol *models.Volume, z int, frame *Frame, p ShapeParams) map[string]Value {
	px, py := vol.VoxelSize.X, vol.VoxelSize.Y
	out := make(map[string]Value, len(ShapeNames))

	var xs, ys []float64
	for y := 0; y < vol.Ny; y++ {
		for x := 0; x < vol.Nx; x++ {
			if vol.At(x, y, z) >= p.Threshold {
				xs = append(xs, float64(x)*px)
				ys = append(ys, float64(y)*py)
			}
		}
	}
	if len(xs) < 3 {
		for _, name := range ShapeNames {
			out[name] = Missing(fmt.Sprintf("%d pixel(s) in slice, shape needs at least 3", len(xs)))
		}
		return out
	}

	angle := Ok(0)
	if frame != nil {
		angle = frame.AngleAt(z)
	}

	rawArea := float64(len(xs)) * px * py
	status, reason := OK, ""
	var area float64
	switch angle.Status {
	case OK:
		area = rawArea * math.Cos(angle.V)
	case Warning:
		area, status, reason = rawArea, Warning, angle.Reason
	default:
		area, status, reason = math.NaN(), Failed, angle.Reason
	}

	ax, err := momentAxes(xs, ys, px, py)
	if p.Method == Ellipse {
		bx, by := boundary(vol, z, p.Threshold)
		if fitted, ferr := ellipseAxes(bx, by); ferr == nil {
			ax, err = fitted, nil
		} else if status == OK {
			status, reason = Warning, "ellipse fit failed, using moments: "+ferr.Error()
		}
	}
	if err != nil {
		for _, name := range ShapeNames {
			out[name] = Fail(err.Error())
		}
		return out
	}

	tag := func(v float64) Value {
		return Value{V: v, Status: status, Reason: reason}
	}

	hull := convexHullArea(xs, ys, px, py)
	solidity := math.NaN()
	if hull > 0 {
		solidity = math.Min(1, rawArea/hull)
	}

	if status == Failed {
		out[ShapeArea] = Fail(reason)
		out[ShapeEquivalentDiameter] = Fail(reason)
	} else {
		out[ShapeArea] = tag(area)
		out[ShapeEquivalentDiameter] = tag(math.Sqrt(4 * area / math.Pi))
	}
	out[ShapeDiameterAP] = tag(ax.minor)
	out[ShapeDiameterRL] = tag(ax.major)
	out[ShapeEccentricity] = tag(math.Sqrt(math.Max(0, 1-(ax.minor*ax.minor)/(ax.major*ax.major))))
	out[ShapeOrientation] = tag(ax.orientation)
	out[ShapeRatioMinorMajor] = tag(ax.minor / ax.major)
	out[ShapeSolidity] = tag(solidity)
	return out
}

// momentAxes returns the full axis lengths of the ellipse having the same
// second order moments as the pixel set.
func momentAxes(xs, ys []float64, px, py float64) (axes, error) {
	n := float64(len(xs))
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= n
	my /= n

	// each pixel is a px*py rectangle, not a point
	sxx, syy, sxy := px*px/12, py*py/12, 0.0
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxx += dx * dx / n
		syy += dy * dy / n
		sxy += dx * dy / n
	}

	cov := mat.NewSymDense(2, []float64{sxx, sxy, sxy, syy})
	var es mat.EigenSym
	if ok := es.Factorize(cov, true); !ok {
		return axes{}, fmt.Errorf("moment eigen decomposition failed")
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	// eigenvalues are ascending
	minor, major := vals[0], vals[1]
	if major <= 0 {
		return axes{}, fmt.Errorf("degenerate cross-section")
	}
	orient := math.Atan2(vecs.At(1, 1), vecs.At(0, 1)) * 180 / math.Pi
	return axes{
		major:       4 * math.Sqrt(major),
		minor:       4 * math.Sqrt(math.Max(0, minor)),
		orientation: foldOrientation(orient),
	}, nil
}

// foldOrientation maps an axis direction in degrees to (-90, 90]
func foldOrientation(deg float64) float64 {
	for deg > 90 {
		deg -= 180
	}
	for deg <= -90 {
		deg += 180
	}
	return deg
}

// boundary returns the mm coordinates of foreground pixels with at least
// one 4-connected background neighbour.
func boundary(vol *models.Volume, z int, threshold float64) (xs, ys []float64) {
	in := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < vol.Nx && y < vol.Ny && vol.At(x, y, z) >= threshold
	}
	for y := 0; y < vol.Ny; y++ {
		for x := 0; x < vol.Nx; x++ {
			if !in(x, y) {
				continue
			}
			if !in(x-1, y) || !in(x+1, y) || !in(x, y-1) || !in(x, y+1) {
				xs = append(xs, float64(x)*vol.VoxelSize.X)
				ys = append(ys, float64(y)*vol.VoxelSize.Y)
			}
		}
	}
	return xs, ys
}
