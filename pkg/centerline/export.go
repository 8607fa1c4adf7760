package centerline

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"text/template"
	"time"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/orientation"
)

// WriteCSV writes one "x,y,z" row per point, in voxel coordinates rounded
// to the nearest voxel. c must be in voxel space.
func WriteCSV(w io.Writer, c *Centerline) error {
	if c.Physical {
		return fmt.Errorf("centerline csv expects voxel coordinates")
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "x,y,z")
	for i := 0; i < c.Len(); i++ {
		fmt.Fprintf(bw, "%d,%d,%d\n", roundInt(c.X[i]), roundInt(c.Y[i]), roundInt(c.Z[i]))
	}
	return bw.Flush()
}

// Mask returns a volume shaped like ref with a single voxel set to 1 at
// each centerline point. c must be in voxel space of ref.
func Mask(ref *models.Volume, c *Centerline) *models.Volume {
	out := ref.ZeroLike()
	for i := 0; i < c.Len(); i++ {
		x, y, z := roundInt(c.X[i]), roundInt(c.Y[i]), roundInt(c.Z[i])
		if out.Contains(x, y, z) {
			out.Set(x, y, z, 1)
		}
	}
	return out
}

// ROIBuildVersion is the JIM build version written in marker ROI files
const ROIBuildVersion = "7.0_33"

var roiTemplate = template.Must(template.New("roi").Parse(`Begin Marker ROI
  Build version="{{.Version}}"
  Annotation=""
  Colour=0
  Image source="{{.Source}}"
  Created  "{{.Created}}" by Operator ID="SCT"
  Slice={{.Slice}}
  Begin Shape
    X={{.X}}; Y={{.Y}}
  End Shape
End Marker ROI
`))

type roiMarker struct {
	Version string
	Source  string
	Created string
	Slice   int
	X, Y    float64
}

// WriteROI writes a JIM marker ROI file with one marker per non-zero voxel
// of mask, sorted by slice. Marker positions are relative to the physical
// center of the volume.
func WriteROI(w io.Writer, mask *models.Volume, source string, created time.Time) error {
	tr, err := orientation.NewTransform(mask)
	if err != nil {
		return err
	}
	center := tr.Pix2Phys([3]float64{
		float64(mask.Nx-1) / 2,
		float64(mask.Ny-1) / 2,
		float64(mask.Nz-1) / 2,
	})
	stamp := created.Format("02 January 2006 15:04:05.000000 MST")

	bw := bufio.NewWriter(w)
	for _, coord := range mask.NonZeroCoordinates("z") {
		phys := tr.Pix2Phys([3]float64{float64(coord.X), float64(coord.Y), float64(coord.Z)})
		err := roiTemplate.Execute(bw, roiMarker{
			Version: ROIBuildVersion,
			Source:  source,
			Created: stamp,
			Slice:   coord.Z + 1,
			X:       center[0] - phys[0],
			Y:       center[1] - phys[1],
		})
		if err != nil {
			return fmt.Errorf("failed to write roi marker: %w", err)
		}
	}
	return bw.Flush()
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
