// Package orientation handles voxel axis orientation labels and the
// voxel/world coordinate transforms of a volume.
//
// Labels use the "from" convention: in RPI the first axis runs from right
// to left, the second from posterior to anterior and the third from
// inferior to superior.
package orientation

import (
	"fmt"
	"math"
	"strings"

	"cordmetrics/internal/models"
)

// RPI is the canonical orientation used by all metric computations
const RPI = "RPI"

// pair returns the anatomical axis a label letter belongs to (0: R/L, 1: A/P, 2: I/S)
func pair(c byte) int {
	switch c {
	case 'R', 'L':
		return 0
	case 'A', 'P':
		return 1
	case 'I', 'S':
		return 2
	}
	return -1
}

// Validate checks that label names each anatomical axis exactly once
func Validate(label string) error {
	label = strings.ToUpper(label)
	if len(label) != 3 {
		return fmt.Errorf("invalid orientation %q: expected 3 letters", label)
	}
	seen := [3]bool{}
	for i := 0; i < 3; i++ {
		p := pair(label[i])
		if p < 0 || seen[p] {
			return fmt.Errorf("invalid orientation %q", label)
		}
		seen[p] = true
	}
	return nil
}

// Get derives the orientation label of a volume from its affine. Each voxel
// axis is assigned the world axis it is most aligned with, largest
// components first.
func Get(vol *models.Volume) string {
	var r [3][3]float64
	for j := 0; j < 3; j++ {
		norm := math.Sqrt(vol.Affine[0][j]*vol.Affine[0][j] + vol.Affine[1][j]*vol.Affine[1][j] + vol.Affine[2][j]*vol.Affine[2][j])
		if norm == 0 {
			norm = 1
		}
		for i := 0; i < 3; i++ {
			r[i][j] = vol.Affine[i][j] / norm
		}
	}

	var label [3]byte
	usedWorld := [3]bool{}
	usedAxis := [3]bool{}
	for n := 0; n < 3; n++ {
		best, bw, ba := -1.0, 0, 0
		for w := 0; w < 3; w++ {
			if usedWorld[w] {
				continue
			}
			for a := 0; a < 3; a++ {
				if usedAxis[a] {
					continue
				}
				if v := math.Abs(r[w][a]); v > best {
					best, bw, ba = v, w, a
				}
			}
		}
		usedWorld[bw], usedAxis[ba] = true, true
		label[ba] = fromLetter(bw, r[bw][ba] >= 0)
	}
	return string(label[:])
}

// fromLetter names where an axis comes from, given the world axis it
// follows and whether it points toward the positive RAS direction.
func fromLetter(world int, positive bool) byte {
	letters := [3][2]byte{{'R', 'L'}, {'A', 'P'}, {'S', 'I'}}
	if positive {
		return letters[world][1]
	}
	return letters[world][0]
}

// Change reorients vol in place to target and returns its previous label so
// that the caller can restore it.
func Change(vol *models.Volume, target string) (string, error) {
	target = strings.ToUpper(target)
	if err := Validate(target); err != nil {
		return "", err
	}
	native := Get(vol)
	if native == target {
		return native, nil
	}

	var src [3]int
	var flip [3]bool
	for j := 0; j < 3; j++ {
		for i := 0; i < 3; i++ {
			if pair(native[i]) == pair(target[j]) {
				src[j] = i
				flip[j] = native[i] != target[j]
			}
		}
	}

	oldDims := [3]int{vol.Nx, vol.Ny, vol.Nz}
	oldSize := [3]float64{vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z}
	newDims := [3]int{oldDims[src[0]], oldDims[src[1]], oldDims[src[2]]}

	data := make([]float64, len(vol.Data))
	var old [3]int
	for k := 0; k < newDims[2]; k++ {
		for j := 0; j < newDims[1]; j++ {
			for i := 0; i < newDims[0]; i++ {
				idx := [3]int{i, j, k}
				for a := 0; a < 3; a++ {
					if flip[a] {
						old[src[a]] = oldDims[src[a]] - 1 - idx[a]
					} else {
						old[src[a]] = idx[a]
					}
				}
				data[k*newDims[0]*newDims[1]+j*newDims[0]+i] = vol.Data[old[2]*oldDims[0]*oldDims[1]+old[1]*oldDims[0]+old[0]]
			}
		}
	}

	// old index = t * new index
	var t [4][4]float64
	t[3][3] = 1
	for a := 0; a < 3; a++ {
		if flip[a] {
			t[src[a]][a] = -1
			t[src[a]][3] = float64(oldDims[src[a]] - 1)
		} else {
			t[src[a]][a] = 1
		}
	}

	vol.Data = data
	vol.Nx, vol.Ny, vol.Nz = newDims[0], newDims[1], newDims[2]
	vol.VoxelSize = models.VoxelSize{X: oldSize[src[0]], Y: oldSize[src[1]], Z: oldSize[src[2]]}
	vol.Affine = mul44(vol.Affine, t)
	return native, nil
}

func mul44(a, b [4][4]float64) [4][4]float64 {
	var m [4][4]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			for k := 0; k < 4; k++ {
				m[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return m
}
