package process

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cordmetrics/internal/logging"
	"cordmetrics/internal/models"
	"cordmetrics/pkg/aggregate"
	"cordmetrics/pkg/centerline"
	"cordmetrics/pkg/metrics"
	"cordmetrics/pkg/nifti"
	"cordmetrics/pkg/optic"
)

const (
	cordX, cordY   = 15, 15
	cordZ0, cordZ1 = 5, 34
	cordRadius     = 3.0
)

// fixture writes a vertical cylindrical cord and a disc labeling to dir.
// The identity affine makes the native orientation LPI.
type fixture struct {
	dir, seg, discs string
	area            float64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, seg: filepath.Join(dir, "seg.nii.gz"), discs: filepath.Join(dir, "discs.nii.gz")}

	seg := models.NewVolume(30, 30, 40, models.VoxelSize{X: 1, Y: 1, Z: 1})
	for z := cordZ0; z <= cordZ1; z++ {
		for y := 0; y < seg.Ny; y++ {
			for x := 0; x < seg.Nx; x++ {
				if math.Hypot(float64(x-cordX), float64(y-cordY)) <= cordRadius {
					seg.Set(x, y, z, 1)
				}
			}
		}
	}
	f.area = seg.SliceSum(cordZ0)
	require.NoError(t, nifti.Save(seg, f.seg, nifti.DTUint8))

	discs := seg.ZeroLike()
	discs.Set(cordX, cordY, 30, 3)
	discs.Set(cordX, cordY, 20, 4)
	discs.Set(cordX, cordY, 10, 5)
	require.NoError(t, nifti.Save(discs, f.discs, nifti.DTUint8))
	return f
}

func (f *fixture) params(op Operation) *Params {
	return &Params{
		Segmentation:    f.seg,
		Operation:       op,
		OutputFolder:    filepath.Join(f.dir, "out"),
		AngleCorrection: true,
		Fit:             centerline.FitParams{Algorithm: centerline.Hanning, WindowLength: 10},
		Shape:           metrics.ShapeParams{Method: metrics.Moments},
		Logger:          logging.Discard(),
	}
}

func run(t *testing.T, params *Params) *Summary {
	t.Helper()
	summary, err := NewProcessor(params).Process(context.Background())
	require.NoError(t, err)
	return summary
}

func readFloat(t *testing.T, s string) float64 {
	t.Helper()
	v, err := strconv.ParseFloat(s, 64)
	require.NoError(t, err)
	return v
}

func TestCSAWholeCord(t *testing.T) {
	f := newFixture(t)
	summary := run(t, f.params(OpCSA))

	require.Len(t, summary.Files, 1)
	blocks, err := aggregate.ReadBlocks(summary.Files[0])
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, summary.RunID, blocks[0].RunID)

	row := blocks[0].Rows[0]
	assert.Equal(t, "5:34", row[aggregate.HeaderSlice])
	assert.InDelta(t, f.area, readFloat(t, row["MEAN(CSA [mm^2])"]), 1e-6)
	assert.InDelta(t, 0, readFloat(t, row["STD(CSA [mm^2])"]), 1e-6)
	assert.InDelta(t, 0, readFloat(t, row["MEAN(Angle between cord and S-I direction [deg])"]), 1e-6)
	assert.Empty(t, row[aggregate.HeaderWarning])
}

func TestCSAAppendAndOverwrite(t *testing.T) {
	f := newFixture(t)
	params := f.params(OpCSA)
	params.Slices = &models.SliceRange{Start: 10, End: 12}

	first := run(t, params)
	second := run(t, params)
	assert.NotEqual(t, first.RunID, second.RunID)

	blocks, err := aggregate.ReadBlocks(first.Files[0])
	require.NoError(t, err)
	assert.Len(t, blocks, 2)

	params.Overwrite = true
	third := run(t, params)
	blocks, err = aggregate.ReadBlocks(third.Files[0])
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, third.RunID, blocks[0].RunID)
}

func TestCSAPerLevelFromDiscs(t *testing.T) {
	f := newFixture(t)
	params := f.params(OpCSA)
	params.DiscFile = f.discs
	params.Levels = []int{3, 4, 9}
	params.PerLevel = true

	summary := run(t, params)
	blocks, err := aggregate.ReadBlocks(summary.Files[0])
	require.NoError(t, err)
	rows := blocks[0].Rows
	require.Len(t, rows, 2)

	assert.Equal(t, "3", rows[0][aggregate.HeaderLevel])
	assert.Equal(t, "20:29", rows[0][aggregate.HeaderSlice])
	assert.Equal(t, "4", rows[1][aggregate.HeaderLevel])
	assert.Equal(t, "10:19", rows[1][aggregate.HeaderSlice])
	assert.Contains(t, rows[0][aggregate.HeaderWarning], "9 (T2)")
	assert.NotEmpty(t, summary.Warnings)
}

func TestDiscsAboveTheCord(t *testing.T) {
	f := newFixture(t)

	// The labeling covers more than the cropped cord: two discs lie above
	// its last slice and must not collapse onto it.
	ref, err := nifti.Load(f.seg)
	require.NoError(t, err)
	discs := ref.ZeroLike()
	discs.Set(cordX, cordY, 38, 1)
	discs.Set(cordX, cordY, 36, 2)
	discs.Set(cordX, cordY, 30, 3)
	discs.Set(cordX, cordY, 20, 4)
	path := filepath.Join(f.dir, "wide_discs.nii.gz")
	require.NoError(t, nifti.Save(discs, path, nifti.DTUint8))

	params := f.params(OpCSA)
	params.DiscFile = path
	params.Levels = []int{3}
	params.PerLevel = true

	summary := run(t, params)
	blocks, err := aggregate.ReadBlocks(summary.Files[0])
	require.NoError(t, err)
	rows := blocks[0].Rows
	require.Len(t, rows, 1)
	assert.Equal(t, "3", rows[0][aggregate.HeaderLevel])
	assert.Equal(t, "20:29", rows[0][aggregate.HeaderSlice])
	assert.InDelta(t, f.area, readFloat(t, rows[0]["MEAN(CSA [mm^2])"]), 1e-6)
}

func TestPerSliceRowsCarryLevels(t *testing.T) {
	f := newFixture(t)
	params := f.params(OpCSA)
	params.DiscFile = f.discs
	params.PerSlice = true
	params.Slices = &models.SliceRange{Start: 19, End: 20}

	summary := run(t, params)
	blocks, err := aggregate.ReadBlocks(summary.Files[0])
	require.NoError(t, err)
	rows := blocks[0].Rows
	require.Len(t, rows, 2)
	assert.Equal(t, "19", rows[0][aggregate.HeaderSlice])
	assert.Equal(t, "4", rows[0][aggregate.HeaderLevel])
	assert.Equal(t, "3", rows[1][aggregate.HeaderLevel])
}

func TestLevelsWithoutLabelingAreFatal(t *testing.T) {
	f := newFixture(t)
	params := f.params(OpCSA)
	params.Levels = []int{3}

	_, err := NewProcessor(params).Process(context.Background())
	assert.True(t, errors.Is(err, ErrMissingLabeling))
}

func TestLength(t *testing.T) {
	f := newFixture(t)
	summary := run(t, f.params(OpLength))

	blocks, err := aggregate.ReadBlocks(summary.Files[0])
	require.NoError(t, err)
	row := blocks[0].Rows[0]
	assert.InDelta(t, float64(cordZ1-cordZ0), readFloat(t, row["SUM(Length [mm])"]), 1e-6)
}

func TestShape(t *testing.T) {
	f := newFixture(t)
	params := f.params(OpShape)
	params.Slices = &models.SliceRange{Start: 10, End: 20}
	summary := run(t, params)

	blocks, err := aggregate.ReadBlocks(summary.Files[0])
	require.NoError(t, err)
	row := blocks[0].Rows[0]
	assert.InDelta(t, f.area, readFloat(t, row["MEAN(area)"]), 1e-6)
	assert.InDelta(t, 1, readFloat(t, row["MEAN(ratio_minor_major)"]), 0.05)
}

func TestCenterlineExport(t *testing.T) {
	f := newFixture(t)
	summary := run(t, f.params(OpCenterline))
	require.Len(t, summary.Files, 3)

	csv, err := os.ReadFile(summary.Files[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csv)), "\n")
	assert.Equal(t, "x,y,z", lines[0])
	assert.Len(t, lines, cordZ1-cordZ0+2)

	roi, err := os.ReadFile(summary.Files[1])
	require.NoError(t, err)
	assert.Equal(t, cordZ1-cordZ0+1, strings.Count(string(roi), "Begin Marker ROI"))

	mask, err := nifti.Load(summary.Files[2])
	require.NoError(t, err)
	for z := cordZ0; z <= cordZ1; z++ {
		assert.Equal(t, 1.0, mask.At(cordX, cordY, z), "slice %d", z)
	}
}

func TestLabelVert(t *testing.T) {
	f := newFixture(t)
	params := f.params(OpLabelVert)
	params.DiscFile = f.discs
	summary := run(t, params)

	labeled, err := nifti.Load(summary.Files[0])
	require.NoError(t, err)
	assert.Equal(t, 3.0, labeled.At(cordX, cordY, 25))
	assert.Equal(t, 4.0, labeled.At(cordX+1, cordY, 15))
	assert.Equal(t, 0.0, labeled.At(cordX, cordY, 32))
	assert.Equal(t, 0.0, labeled.At(0, 0, 25))
}

func TestQC(t *testing.T) {
	f := newFixture(t)
	params := f.params(OpCSA)
	params.QC = true
	params.Slices = &models.SliceRange{Start: 10, End: 11}
	summary := run(t, params)

	// result file, two axial images and the sagittal view
	require.Len(t, summary.Files, 4)
	for _, file := range summary.Files[1:] {
		assert.FileExists(t, file)
		assert.Equal(t, ".jpg", filepath.Ext(file))
	}
}

func TestTempDirLifetime(t *testing.T) {
	f := newFixture(t)

	summary := run(t, f.params(OpCSA))
	assert.NoDirExists(t, summary.TempDir)

	params := f.params(OpCSA)
	params.KeepTempFiles = true
	summary = run(t, params)
	t.Cleanup(func() { os.RemoveAll(summary.TempDir) })
	assert.FileExists(t, filepath.Join(summary.TempDir, "segmentation_RPI.nii.gz"))

	params = f.params(OpCenterline)
	params.KeepTempFiles = true
	summary = run(t, params)
	t.Cleanup(func() { os.RemoveAll(summary.TempDir) })
	assert.FileExists(t, filepath.Join(summary.TempDir, "centerline_RPI.nii.gz"))
}

func TestNoIntermediateFilesByDefault(t *testing.T) {
	f := newFixture(t)
	params := f.params(OpCSA)
	params.KeepTempFiles = true
	p := NewProcessor(params)
	p.tmpDir = t.TempDir()
	require.NoError(t, p.loadSegmentation())
	assert.FileExists(t, filepath.Join(p.tmpDir, "segmentation_RPI.nii.gz"))

	params = f.params(OpCSA)
	p = NewProcessor(params)
	p.tmpDir = t.TempDir()
	require.NoError(t, p.loadSegmentation())
	entries, err := os.ReadDir(p.tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCenterlineFromOptic(t *testing.T) {
	f := newFixture(t)
	params := f.params(OpCenterline)
	params.Image = f.seg
	params.Optic = &optic.Params{
		ModelsPath: "/opt/optic",
		Run: func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
			in, err := nifti.Load(args[3] + ".nii")
			if err != nil {
				return nil, err
			}
			// RPI flips x of the LPI input.
			ctr := in.ZeroLike()
			for z := cordZ0; z <= cordZ1; z++ {
				ctr.Set(in.Nx-1-cordX, cordY, z, 1)
			}
			return nil, nifti.SavePair(ctr, args[4]+"_ctr.hdr", nifti.DTUint8)
		},
	}

	summary := run(t, params)
	require.Len(t, summary.Files, 4)
	mask, err := nifti.Load(summary.Files[3])
	require.NoError(t, err)
	assert.Equal(t, 1.0, mask.At(cordX, cordY, 20))
}

func TestValidate(t *testing.T) {
	f := newFixture(t)

	params := f.params("volume")
	_, err := NewProcessor(params).Process(context.Background())
	assert.ErrorContains(t, err, "unknown operation")

	params = f.params(OpLabelVert)
	_, err = NewProcessor(params).Process(context.Background())
	assert.ErrorIs(t, err, ErrMissingLabeling)

	params = f.params(OpCSA)
	params.Segmentation = filepath.Join(f.dir, "missing.nii")
	_, err = NewProcessor(params).Process(context.Background())
	assert.ErrorContains(t, err, "failed to load segmentation")
}
