// Package visualization renders quality-control images of a segmentation
// and its centerline.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/centerline"
)

// markerColor draws centerline points on axial slices
var markerColor = color.RGBA{R: 255, G: 40, B: 40, A: 255}

// Viewer extracts and saves 2D slices of a volume
type Viewer struct {
	vol *models.Volume

	// scale maps voxel values to [0, 1]
	scale float64
}

// NewViewer creates a viewer; intensities are normalised by the volume maximum
func NewViewer(vol *models.Volume) *Viewer {
	peak := 0.0
	for _, v := range vol.Data {
		peak = math.Max(peak, v)
	}
	scale := 1.0
	if peak > 0 {
		scale = 1 / peak
	}
	return &Viewer{vol: vol, scale: scale}
}

func (v *Viewer) gray(value float64) color.Gray16 {
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, value*v.scale*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
// Axial (z) slices are drawn with y up so anterior is at the top in RPI.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.vol

	var img *image.Gray16
	switch axis {
	case "x", "X":
		if position >= vol.Nx {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Nx)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Ny, vol.Nz))
		for z := 0; z < vol.Nz; z++ {
			for y := 0; y < vol.Ny; y++ {
				img.SetGray16(y, vol.Nz-1-z, v.gray(vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		if position >= vol.Ny {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Ny)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Nx, vol.Nz))
		for z := 0; z < vol.Nz; z++ {
			for x := 0; x < vol.Nx; x++ {
				img.SetGray16(x, vol.Nz-1-z, v.gray(vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		if position >= vol.Nz {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Nz)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Nx, vol.Ny))
		for y := 0; y < vol.Ny; y++ {
			for x := 0; x < vol.Nx; x++ {
				img.SetGray16(x, vol.Ny-1-y, v.gray(vol.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// ExtractRegion returns the sub-volume of the given size starting at
// (startX, startY, startZ). The affine is shifted to keep world positions.
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*models.Volume, error) {
	vol := v.vol
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if startX+sizeX > vol.Nx || startY+sizeY > vol.Ny || startZ+sizeZ > vol.Nz {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := models.NewVolume(sizeX, sizeY, sizeZ, vol.VoxelSize)
	region.Affine = vol.Affine
	for i := 0; i < 3; i++ {
		region.Affine[i][3] += vol.Affine[i][0]*float64(startX) + vol.Affine[i][1]*float64(startY) + vol.Affine[i][2]*float64(startZ)
	}
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			for x := 0; x < sizeX; x++ {
				region.Set(x, y, z, vol.At(startX+x, startY+y, startZ+z))
			}
		}
	}
	return region, nil
}

// Overlay draws the centerline point of slice z onto an axial slice image.
// c must be in voxel space of the viewed volume.
func (v *Viewer) Overlay(slice *image.Gray16, c *centerline.Centerline, z int) *image.RGBA {
	out := image.NewRGBA(slice.Bounds())
	draw.Draw(out, out.Bounds(), slice, image.Point{}, draw.Src)

	if c == nil {
		return out
	}
	i, ok := c.AtSlice(z)
	if !ok {
		return out
	}
	px := int(math.Round(c.X[i]))
	py := v.vol.Ny - 1 - int(math.Round(c.Y[i]))
	for d := -1; d <= 1; d++ {
		for _, p := range []image.Point{{px + d, py}, {px, py + d}} {
			if p.In(out.Bounds()) {
				out.SetRGBA(p.X, p.Y, markerColor)
			}
		}
	}
	return out
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Nx
	case "y", "Y":
		maxPos = v.vol.Ny
	case "z", "Z":
		maxPos = v.vol.Nz
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveQC writes one axial image per slice of r with the centerline marked,
// plus a mid-sagittal view, and returns the written files.
func (v *Viewer) SaveQC(outputDir string, c *centerline.Centerline, r models.SliceRange) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var files []string
	for z := max(r.Start, 0); z <= min(r.End, v.vol.Nz-1); z++ {
		slice, err := v.ExtractSlice("z", z)
		if err != nil {
			return files, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("qc_axial_%03d.jpg", z))
		if err := v.SaveSlice(v.Overlay(slice, c, z), filename); err != nil {
			return files, fmt.Errorf("failed to save qc slice %d: %w", z, err)
		}
		files = append(files, filename)
	}

	sagittal, err := v.ExtractSlice("x", v.midX(c))
	if err != nil {
		return files, err
	}
	filename := filepath.Join(outputDir, "qc_sagittal.jpg")
	if err := v.SaveSlice(sagittal, filename); err != nil {
		return files, fmt.Errorf("failed to save sagittal qc: %w", err)
	}
	return append(files, filename), nil
}

// midX is the mean centerline x, or the volume center without a centerline
func (v *Viewer) midX(c *centerline.Centerline) int {
	if c == nil || c.Len() == 0 {
		return v.vol.Nx / 2
	}
	sum := 0.0
	for _, x := range c.X {
		sum += x
	}
	x := int(math.Round(sum / float64(c.Len())))
	return max(0, min(v.vol.Nx-1, x))
}
