package metrics

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// FitEllipse fits the conic a0*x² + a1*xy + a2*y² + a3*x + a4*y + a5 = 0 to
// the points by direct least squares under the ellipse constraint
// 4*a0*a2 - a1² > 0, using the numerically stable split of Halir and
// Flusser.
func FitEllipse(xs, ys []float64) ([6]float64, error) {
	var coef [6]float64
	if len(xs) < 6 || len(xs) != len(ys) {
		return coef, fmt.Errorf("ellipse fit needs at least 6 points, got %d", len(xs))
	}

	// center the points to keep the scatter matrices well conditioned
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= float64(len(xs))
	my /= float64(len(ys))

	n := len(xs)
	d1 := mat.NewDense(n, 3, nil)
	d2 := mat.NewDense(n, 3, nil)
	for i := range xs {
		x, y := xs[i]-mx, ys[i]-my
		d1.SetRow(i, []float64{x * x, x * y, y * y})
		d2.SetRow(i, []float64{x, y, 1})
	}
	var s1, s2, s3 mat.Dense
	s1.Mul(d1.T(), d1)
	s2.Mul(d1.T(), d2)
	s3.Mul(d2.T(), d2)

	// linear part as a function of the quadratic part: a2 = t * a1
	var t mat.Dense
	if err := t.Solve(&s3, s2.T()); err != nil {
		return coef, fmt.Errorf("points are degenerate: %w", err)
	}
	t.Scale(-1, &t)

	var reduced mat.Dense
	reduced.Mul(&s2, &t)
	reduced.Add(&s1, &reduced)

	// premultiply by the inverse of the constraint matrix
	m := mat.NewDense(3, 3, nil)
	for j := 0; j < 3; j++ {
		m.Set(0, j, reduced.At(2, j)/2)
		m.Set(1, j, -reduced.At(1, j))
		m.Set(2, j, reduced.At(0, j)/2)
	}

	var eig mat.Eigen
	if ok := eig.Factorize(m, mat.EigenRight); !ok {
		return coef, fmt.Errorf("ellipse eigen decomposition failed")
	}
	values := eig.Values(nil)
	var vecs mat.CDense
	eig.VectorsTo(&vecs)

	found := false
	for j, v := range values {
		if math.Abs(imag(v)) > 1e-9*math.Max(1, cmplx.Abs(v)) {
			continue
		}
		a := [3]float64{real(vecs.At(0, j)), real(vecs.At(1, j)), real(vecs.At(2, j))}
		if 4*a[0]*a[2]-a[1]*a[1] > 0 {
			copy(coef[:3], a[:])
			found = true
			break
		}
	}
	if !found {
		return coef, fmt.Errorf("no elliptic solution")
	}
	for i := 0; i < 3; i++ {
		coef[3+i] = t.At(i, 0)*coef[0] + t.At(i, 1)*coef[1] + t.At(i, 2)*coef[2]
	}

	// undo the centering
	a, b, c, d, e, f := coef[0], coef[1], coef[2], coef[3], coef[4], coef[5]
	coef[3] = d - 2*a*mx - b*my
	coef[4] = e - 2*c*my - b*mx
	coef[5] = f + a*mx*mx + b*mx*my + c*my*my - d*mx - e*my
	return coef, nil
}

// EllipseSemiAxes returns the semi-axes of a conic, largest first
func EllipseSemiAxes(coef [6]float64) (float64, float64, error) {
	a, b, c, d, e, f := coef[0], coef[1], coef[2], coef[3], coef[4], coef[5]
	disc := b*b - 4*a*c
	if disc >= 0 {
		return 0, 0, fmt.Errorf("conic is not an ellipse")
	}
	num := 2 * (a*e*e + c*d*d - b*d*e + disc*f)
	root := math.Sqrt((a-c)*(a-c) + b*b)

	var semi []float64
	for _, s := range []float64{root, -root} {
		v := num * (a + c + s)
		if v < 0 {
			return 0, 0, fmt.Errorf("conic has no real axes")
		}
		semi = append(semi, -math.Sqrt(v)/disc)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(semi)))
	return semi[0], semi[1], nil
}

// ellipseOrientation returns the major axis direction of the conic in degrees
func ellipseOrientation(coef [6]float64) float64 {
	a, b, c := coef[0], coef[1], coef[2]
	// rotation that removes the xy term
	theta := 0.5 * math.Atan2(b, a-c)
	// theta aligns x' with the axis of coefficient a'; pick the longer axis
	ap := a*math.Cos(theta)*math.Cos(theta) + b*math.Sin(theta)*math.Cos(theta) + c*math.Sin(theta)*math.Sin(theta)
	cp := a*math.Sin(theta)*math.Sin(theta) - b*math.Sin(theta)*math.Cos(theta) + c*math.Cos(theta)*math.Cos(theta)
	if math.Abs(ap) > math.Abs(cp) {
		theta += math.Pi / 2
	}
	return foldOrientation(theta * 180 / math.Pi)
}

func ellipseAxes(xs, ys []float64) (axes, error) {
	coef, err := FitEllipse(xs, ys)
	if err != nil {
		return axes{}, err
	}
	major, minor, err := EllipseSemiAxes(coef)
	if err != nil {
		return axes{}, err
	}
	return axes{major: 2 * major, minor: 2 * minor, orientation: ellipseOrientation(coef)}, nil
}
