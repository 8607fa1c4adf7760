package centerline

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/orientation"
)

// Algorithm selects how the raw center-of-mass curve is smoothed
type Algorithm string

const (
	// Hanning convolves the curve with a Hann window of WindowLength mm
	Hanning Algorithm = "hanning"

	// Akima interpolates the curve with an Akima spline
	Akima Algorithm = "akima"

	// Linear keeps the raw curve
	Linear Algorithm = "linear"
)

// FitParams controls centerline fitting
type FitParams struct {
	Algorithm Algorithm

	// WindowLength is the Hann window length in mm
	WindowLength float64

	// Points resamples the fitted curve densely along z when greater than
	// the number of slices. Zero keeps one point per slice.
	Points int

	// PhysCoordinates returns points and derivatives in mm
	PhysCoordinates bool

	// AllSlices returns a point for every slice between the first and last
	// foreground slice, including empty ones. Ignored when resampling.
	AllSlices bool
}

// Fit extracts the per-slice center of mass of vol, smooths it and returns
// the fitted curve with its first derivative with respect to z.
// The volume is expected in RPI orientation.
func Fit(vol *models.Volume, p FitParams) (*Centerline, error) {
	zs, xs, ys := centerOfMass(vol)
	if len(zs) < 2 {
		return nil, &InsufficientDataError{Slices: len(zs)}
	}

	// fill gaps so that the curve is uniformly sampled along z
	minZ, maxZ := int(zs[0]), int(zs[len(zs)-1])
	grid := make([]float64, maxZ-minZ+1)
	for i := range grid {
		grid[i] = float64(minZ + i)
	}
	fx, err := resample(zs, xs, grid)
	if err != nil {
		return nil, err
	}
	fy, err := resample(zs, ys, grid)
	if err != nil {
		return nil, err
	}

	var sx, sy, dx, dy []float64
	switch p.Algorithm {
	case Hanning, "":
		w := hannWidth(p.WindowLength, vol.VoxelSize.Z, len(grid))
		sx, sy = smoothHann(fx, w), smoothHann(fy, w)
		dx, dy = gradient(sx, grid), gradient(sy, grid)
	case Akima:
		sx, dx = akima(grid, fx)
		sy, dy = akima(grid, fy)
	case Linear:
		sx, sy = fx, fy
		dx, dy = gradient(sx, grid), gradient(sy, grid)
	default:
		return nil, fmt.Errorf("unknown centerline algorithm %q", p.Algorithm)
	}

	// output domain
	var z []float64
	switch {
	case p.Points > len(grid):
		z = make([]float64, p.Points)
		step := (grid[len(grid)-1] - grid[0]) / float64(p.Points-1)
		for i := range z {
			z[i] = grid[0] + float64(i)*step
		}
		z[len(z)-1] = grid[len(grid)-1]
	case p.AllSlices:
		z = grid
	default:
		z = zs
	}

	n := len(z)
	x, y := make([]float64, n), make([]float64, n)
	ddx, ddy, ddz := make([]float64, n), make([]float64, n), make([]float64, n)
	var px, py, pdx, pdy interp.PiecewiseLinear
	for _, f := range []struct {
		pl *interp.PiecewiseLinear
		ys []float64
	}{{&px, sx}, {&py, sy}, {&pdx, dx}, {&pdy, dy}} {
		if err := f.pl.Fit(grid, f.ys); err != nil {
			return nil, fmt.Errorf("failed to resample centerline: %w", err)
		}
	}
	for i, zi := range z {
		x[i], y[i] = px.Predict(zi), py.Predict(zi)
		ddx[i], ddy[i], ddz[i] = pdx.Predict(zi), pdy.Predict(zi), 1
	}

	slices := make([]int, n)
	for i, zi := range z {
		slices[i] = int(math.Round(zi))
	}
	zOut := append([]float64(nil), z...)

	if !p.PhysCoordinates {
		return newCenterline(x, y, zOut, ddx, ddy, ddz, slices, false), nil
	}

	tr, err := orientation.NewTransform(vol)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		pt := tr.Pix2Phys([3]float64{x[i], y[i], zOut[i]})
		d := tr.VectorToPhys([3]float64{ddx[i], ddy[i], ddz[i]})
		x[i], y[i], zOut[i] = pt[0], pt[1], pt[2]
		ddx[i], ddy[i], ddz[i] = d[0], d[1], d[2]
	}
	return newCenterline(x, y, zOut, ddx, ddy, ddz, slices, true), nil
}

// centerOfMass returns the intensity weighted center of every slice that
// holds foreground, in increasing z.
func centerOfMass(vol *models.Volume) (zs, xs, ys []float64) {
	for z := 0; z < vol.Nz; z++ {
		var sum, sx, sy float64
		for y := 0; y < vol.Ny; y++ {
			for x := 0; x < vol.Nx; x++ {
				v := vol.At(x, y, z)
				if v <= 0 {
					continue
				}
				sum += v
				sx += v * float64(x)
				sy += v * float64(y)
			}
		}
		if sum > 0 {
			zs = append(zs, float64(z))
			xs = append(xs, sx/sum)
			ys = append(ys, sy/sum)
		}
	}
	return zs, xs, ys
}

func resample(xs, ys, at []float64) ([]float64, error) {
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("failed to interpolate centerline: %w", err)
	}
	out := make([]float64, len(at))
	for i, x := range at {
		out[i] = pl.Predict(x)
	}
	return out, nil
}

// hannWidth converts a window length in mm to an odd number of samples no
// larger than n.
func hannWidth(lengthMM, pz float64, n int) int {
	if pz <= 0 {
		pz = 1
	}
	w := int(math.Round(lengthMM / pz))
	if w%2 == 0 {
		w++
	}
	if w > n {
		w = n
		if w%2 == 0 {
			w--
		}
	}
	return w
}

// smoothHann convolves f with a normalised Hann window of width w, mirroring
// the signal at both ends.
func smoothHann(f []float64, w int) []float64 {
	if w < 3 {
		return append([]float64(nil), f...)
	}
	kernel := make([]float64, w)
	for i := range kernel {
		kernel[i] = 1
	}
	window.Hann(kernel)
	floats.Scale(1/floats.Sum(kernel), kernel)

	n := len(f)
	half := w / 2
	at := func(i int) float64 {
		for i < 0 || i >= n {
			if i < 0 {
				i = -i
			}
			if i >= n {
				i = 2*(n-1) - i
			}
		}
		return f[i]
	}

	out := make([]float64, n)
	for i := range out {
		for k, c := range kernel {
			out[i] += c * at(i+k-half)
		}
	}
	return out
}

// gradient differentiates f with respect to t using central differences in
// the interior and one-sided differences at the ends.
func gradient(f, t []float64) []float64 {
	n := len(f)
	d := make([]float64, n)
	if n < 2 {
		return d
	}
	d[0] = (f[1] - f[0]) / (t[1] - t[0])
	d[n-1] = (f[n-1] - f[n-2]) / (t[n-1] - t[n-2])
	for i := 1; i < n-1; i++ {
		d[i] = (f[i+1] - f[i-1]) / (t[i+1] - t[i-1])
	}
	return d
}

// akima fits an Akima spline and returns its values and derivatives at xs.
// Curves too short for the spline fall back to finite differences.
func akima(xs, ys []float64) ([]float64, []float64) {
	var as interp.AkimaSpline
	if len(xs) < 3 || as.Fit(xs, ys) != nil {
		return append([]float64(nil), ys...), gradient(ys, xs)
	}
	v, d := make([]float64, len(xs)), make([]float64, len(xs))
	for i, x := range xs {
		v[i] = as.Predict(x)
		d[i] = as.PredictDerivative(x)
	}
	return v, d
}
