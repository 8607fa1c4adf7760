package orientation

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"cordmetrics/internal/models"
)

// Transform converts between voxel indices and world coordinates (mm)
type Transform struct {
	affine  *mat.Dense
	inverse *mat.Dense
}

// NewTransform builds the voxel/world transform of vol
func NewTransform(vol *models.Volume) (*Transform, error) {
	flat := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		flat = append(flat, vol.Affine[i][:]...)
	}
	a := mat.NewDense(4, 4, flat)

	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("affine of %s is not invertible: %w", vol.Filename, err)
	}
	return &Transform{affine: a, inverse: &inv}, nil
}

// Pix2Phys maps voxel coordinates to world coordinates
func (t *Transform) Pix2Phys(p [3]float64) [3]float64 {
	return apply(t.affine, p, 1)
}

// Phys2Pix maps world coordinates to (fractional) voxel coordinates
func (t *Transform) Phys2Pix(p [3]float64) [3]float64 {
	return apply(t.inverse, p, 1)
}

// VectorToPhys maps a displacement in voxel units to mm, ignoring translation
func (t *Transform) VectorToPhys(v [3]float64) [3]float64 {
	return apply(t.affine, v, 0)
}

func apply(m *mat.Dense, p [3]float64, w float64) [3]float64 {
	in := mat.NewVecDense(4, []float64{p[0], p[1], p[2], w})
	var out mat.VecDense
	out.MulVec(m, in)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// Directions returns the unit world-space direction of each voxel axis. The
// third one is the slice axis used for angle correction.
func Directions(vol *models.Volume) (x, y, z [3]float64) {
	var axes [3][3]float64
	for j := 0; j < 3; j++ {
		col := []float64{vol.Affine[0][j], vol.Affine[1][j], vol.Affine[2][j]}
		if n := floats.Norm(col, 2); n > 0 {
			floats.Scale(1/n, col)
		}
		copy(axes[j][:], col)
	}
	return axes[0], axes[1], axes[2]
}
