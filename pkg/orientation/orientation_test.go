package orientation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cordmetrics/internal/models"
)

func rampVolume() *models.Volume {
	vol := models.NewVolume(3, 4, 5, models.VoxelSize{X: 1, Y: 2, Z: 3})
	for i := range vol.Data {
		vol.Data[i] = float64(i)
	}
	return vol
}

func TestGet(t *testing.T) {
	vol := rampVolume()
	assert.Equal(t, "LPI", Get(vol))

	vol.Affine[0][0] = -1
	assert.Equal(t, "RPI", Get(vol))

	// axes swapped: first voxel axis along world z pointing down
	vol.Affine = [4][4]float64{{0, 0, 1, 0}, {0, 1, 0, 0}, {-1, 0, 0, 0}, {0, 0, 0, 1}}
	assert.Equal(t, "SPL", Get(vol))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("rpi"))
	assert.Error(t, Validate("RRI"))
	assert.Error(t, Validate("RP"))
	assert.Error(t, Validate("XYZ"))
}

func TestChangePreservesWorldPositions(t *testing.T) {
	for _, target := range []string{"RPI", "SAL", "IRP", "LPI"} {
		t.Run(target, func(t *testing.T) {
			vol := rampVolume()
			before, err := NewTransform(vol)
			require.NoError(t, err)

			native, err := Change(vol, target)
			require.NoError(t, err)
			assert.Equal(t, "LPI", native)
			assert.Equal(t, target, Get(vol))

			after, err := NewTransform(vol)
			require.NoError(t, err)

			// each value must sit at the same world position as before
			orig := rampVolume()
			for z := 0; z < vol.Nz; z++ {
				for y := 0; y < vol.Ny; y++ {
					for x := 0; x < vol.Nx; x++ {
						w := after.Pix2Phys([3]float64{float64(x), float64(y), float64(z)})
						p := before.Phys2Pix(w)
						ox, oy, oz := int(p[0]+0.5), int(p[1]+0.5), int(p[2]+0.5)
						require.True(t, orig.Contains(ox, oy, oz))
						require.Equal(t, orig.At(ox, oy, oz), vol.At(x, y, z))
					}
				}
			}
		})
	}
}

func TestChangeRoundTrip(t *testing.T) {
	vol := rampVolume()
	native, err := Change(vol, "SAR")
	require.NoError(t, err)
	assert.Equal(t, 5, vol.Nx)
	assert.Equal(t, 3.0, vol.VoxelSize.X)

	_, err = Change(vol, native)
	require.NoError(t, err)
	assert.Equal(t, rampVolume().Data, vol.Data)
	assert.Equal(t, rampVolume().Affine, vol.Affine)
}

func TestDirections(t *testing.T) {
	vol := rampVolume()
	_, _, z := Directions(vol)
	assert.InDeltaSlice(t, []float64{0, 0, 1}, z[:], 1e-12)
}

func TestTransformVector(t *testing.T) {
	vol := rampVolume()
	vol.Affine[0][3] = 100
	tr, err := NewTransform(vol)
	require.NoError(t, err)

	v := tr.VectorToPhys([3]float64{1, 1, 1})
	assert.InDeltaSlice(t, []float64{1, 2, 3}, v[:], 1e-12)

	p := tr.Pix2Phys([3]float64{1, 1, 1})
	assert.InDeltaSlice(t, []float64{101, 2, 3}, p[:], 1e-12)
}
