// Package process runs the morphometry pipeline on one spinal cord
// segmentation: reorientation, centerline fitting, metric computation,
// vertebral level lookup, aggregation and output.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/aggregate"
	"cordmetrics/pkg/centerline"
	"cordmetrics/pkg/metrics"
	"cordmetrics/pkg/nifti"
	"cordmetrics/pkg/optic"
	"cordmetrics/pkg/orientation"
	"cordmetrics/pkg/vertebral"
	"cordmetrics/pkg/visualization"
)

// Operation names a pipeline run
type Operation string

const (
	OpCSA        Operation = "csa"
	OpLength     Operation = "length"
	OpShape      Operation = "shape"
	OpCenterline Operation = "centerline"
	OpLabelVert  Operation = "label-vert"
)

// Operations lists the supported operations
var Operations = []Operation{OpCSA, OpLength, OpShape, OpCenterline, OpLabelVert}

// ErrMissingLabeling is returned when levels are requested without a
// vertebral labeling file
var ErrMissingLabeling = errors.New("vertebral levels requested without a vertebral labeling file")

// Params holds the pipeline configuration
type Params struct {
	// Segmentation is the binary or partial-volume cord segmentation
	Segmentation string

	Operation Operation

	// Slices and Levels select the slices to aggregate
	Slices *models.SliceRange
	Levels []int

	// VertFile is a volume whose voxels carry their vertebral level;
	// DiscFile holds disc labels. VertFile wins when both are set.
	VertFile string
	DiscFile string

	PerSlice bool
	PerLevel bool

	// OutputFolder receives every output; OutputFile overrides the result
	// file name of metric operations.
	OutputFolder string
	OutputFile   string
	Overwrite    bool

	// AngleCorrection projects areas onto the plane orthogonal to the cord
	AngleCorrection bool

	Fit   centerline.FitParams
	Shape metrics.ShapeParams

	// Image and Optic select the OptiC detector as centerline source for
	// the centerline operation
	Image string
	Optic *optic.Params

	// KeepTempFiles leaves the working directory on disk
	KeepTempFiles bool

	// QC writes quality-control images to OutputFolder/qc
	QC bool

	Logger log.FieldLogger
}

// Summary reports what a run produced
type Summary struct {
	RunID    string
	Files    []string
	Rows     int
	Warnings []string
	TempDir  string
}

// Processor runs the pipeline for one segmentation
type Processor struct {
	params *Params
	logger log.FieldLogger

	// seg is the segmentation in RPI; native is its original orientation
	seg    *models.Volume
	native string

	tmpDir string

	// fitted is the smoothed centerline, perSlice has one point per slice
	// in fitted's space and voxel the same points in voxel space
	fitted   *centerline.Centerline
	perSlice *centerline.Centerline
	voxel    *centerline.Centerline

	levels *vertebral.LevelMap

	summary *Summary
}

// NewProcessor creates a new processor instance with the provided parameters
func NewProcessor(params *Params) *Processor {
	logger := params.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Processor{
		params:  params,
		logger:  logger.WithFields(log.Fields{"op": string(params.Operation)}),
		summary: &Summary{},
	}
}

// Process runs the complete pipeline. The temporary directory is removed on
// every exit path unless KeepTempFiles is set.
func (p *Processor) Process(ctx context.Context) (*Summary, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp("", "cordmetrics-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}
	p.tmpDir = tmp
	p.summary.TempDir = tmp
	if p.params.KeepTempFiles {
		p.logger.WithFields(log.Fields{"dir": tmp}).Info("Keeping temporary files")
	} else {
		defer os.RemoveAll(tmp)
	}

	if err := os.MkdirAll(p.params.OutputFolder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output folder: %w", err)
	}

	p.logger.Info("Step 1: Loading segmentation...")
	if err := p.loadSegmentation(); err != nil {
		return nil, fmt.Errorf("failed to load segmentation: %w", err)
	}

	if p.params.Operation == OpCenterline && p.params.Optic != nil {
		p.logger.Info("Step 2: Detecting centerline with OptiC...")
		if err := p.detectCenterline(ctx); err != nil {
			return nil, fmt.Errorf("failed to detect centerline: %w", err)
		}
	} else {
		p.logger.Info("Step 2: Fitting centerline...")
		if err := p.fitCenterline(); err != nil {
			return nil, fmt.Errorf("failed to fit centerline: %w", err)
		}
	}

	if p.needsLevels() {
		p.logger.Info("Step 3: Resolving vertebral levels...")
		if err := p.loadLevels(); err != nil {
			return nil, fmt.Errorf("failed to resolve vertebral levels: %w", err)
		}
	}

	p.logger.Info("Step 4: Computing outputs...")
	switch p.params.Operation {
	case OpCSA, OpShape, OpLength:
		err = p.computeMetrics()
	case OpCenterline:
		err = p.exportCenterline()
	case OpLabelVert:
		err = p.labelVertebrae()
	}
	if err != nil {
		return nil, err
	}

	if p.params.QC {
		p.logger.Info("Step 5: Writing quality control images...")
		if err := p.saveQC(); err != nil {
			return nil, fmt.Errorf("failed to write qc images: %w", err)
		}
	}

	for _, w := range p.summary.Warnings {
		p.logger.Warn(w)
	}
	p.logger.WithFields(log.Fields{"files": len(p.summary.Files)}).Info("Processing complete")
	return p.summary, nil
}

func (p *Processor) validate() error {
	known := false
	for _, op := range Operations {
		if p.params.Operation == op {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("unknown operation %q", p.params.Operation)
	}
	if p.params.Segmentation == "" {
		return fmt.Errorf("no segmentation given")
	}
	if (len(p.params.Levels) > 0 || p.params.PerLevel) && p.params.VertFile == "" && p.params.DiscFile == "" {
		return ErrMissingLabeling
	}
	if p.params.Operation == OpLabelVert && p.params.VertFile == "" && p.params.DiscFile == "" {
		return fmt.Errorf("label-vert needs a disc or level labeling: %w", ErrMissingLabeling)
	}
	if p.params.Optic != nil && p.params.Image == "" {
		return fmt.Errorf("optic centerline detection needs an image")
	}
	return nil
}

func (p *Processor) needsLevels() bool {
	return len(p.params.Levels) > 0 || p.params.PerLevel || p.params.Operation == OpLabelVert ||
		p.params.VertFile != "" || p.params.DiscFile != ""
}

func (p *Processor) loadSegmentation() error {
	seg, err := nifti.Load(p.params.Segmentation)
	if err != nil {
		return err
	}
	native, err := orientation.Change(seg, orientation.RPI)
	if err != nil {
		return err
	}
	p.seg, p.native = seg, native

	nonZero := 0
	for _, v := range seg.Data {
		if v != 0 {
			nonZero++
		}
	}
	p.logger.WithFields(log.Fields{
		"file":        p.params.Segmentation,
		"orientation": native,
		"dims":        fmt.Sprintf("%dx%dx%d", seg.Nx, seg.Ny, seg.Nz),
		"foreground":  humanize.Comma(int64(nonZero)),
		"voxels":      humanize.Comma(int64(len(seg.Data))),
	}).Info("Segmentation loaded")
	if nonZero == 0 {
		return metrics.ErrEmptySegmentation
	}

	return p.keepIntermediate(seg, "segmentation_RPI.nii.gz", nifti.DTFloat32)
}

// keepIntermediate saves an RPI working volume to the temp dir for
// inspection. Nothing reads it back; it is only written when temp files are
// kept.
func (p *Processor) keepIntermediate(vol *models.Volume, name string, datatype int16) error {
	if !p.params.KeepTempFiles {
		return nil
	}
	return nifti.Save(vol, filepath.Join(p.tmpDir, name), datatype)
}

func (p *Processor) fitCenterline() error {
	fit := p.params.Fit
	fit.AllSlices = true
	fitted, err := centerline.Fit(p.seg, fit)
	if err != nil {
		return err
	}
	perSlice, err := fitted.AverageCoordinatesOverSlices(p.seg)
	if err != nil {
		return err
	}
	voxel, err := perSlice.ToVoxel(p.seg)
	if err != nil {
		return err
	}
	p.fitted, p.perSlice, p.voxel = fitted, perSlice, voxel

	first, last := voxel.SliceRange()
	p.logger.WithFields(log.Fields{
		"algorithm": string(fit.Algorithm),
		"points":    humanize.Comma(int64(fitted.Len())),
		"slices":    fmt.Sprintf("%d:%d", first, last),
	}).Debug("Centerline fitted")
	return nil
}

func (p *Processor) detectCenterline(ctx context.Context) error {
	params := *p.params.Optic
	params.OutputFolder = p.params.OutputFolder
	params.KeepTempFiles = p.params.KeepTempFiles
	params.Logger = p.logger
	res, err := optic.NewDetector(&params).Detect(ctx, p.params.Image)
	if err != nil {
		return err
	}
	p.summary.Files = append(p.summary.Files, res.Path)
	if res.ROIPath != "" {
		p.summary.Files = append(p.summary.Files, res.ROIPath)
	}

	ctr := res.Centerline
	if _, err := orientation.Change(ctr, orientation.RPI); err != nil {
		return err
	}
	if ctr.Nx != p.seg.Nx || ctr.Ny != p.seg.Ny || ctr.Nz != p.seg.Nz {
		return fmt.Errorf("detector output %dx%dx%d does not match the segmentation %dx%dx%d",
			ctr.Nx, ctr.Ny, ctr.Nz, p.seg.Nx, p.seg.Ny, p.seg.Nz)
	}
	c, err := centerline.FromVolume(ctr)
	if err != nil {
		return err
	}
	p.fitted, p.perSlice, p.voxel = c, c, c
	return nil
}

// loadLabeling loads a labeling volume in RPI and checks it matches the
// segmentation grid.
func (p *Processor) loadLabeling(path string) (*models.Volume, error) {
	vol, err := nifti.Load(path)
	if err != nil {
		return nil, err
	}
	if _, err := orientation.Change(vol, orientation.RPI); err != nil {
		return nil, err
	}
	if vol.Nx != p.seg.Nx || vol.Ny != p.seg.Ny || vol.Nz != p.seg.Nz {
		return nil, fmt.Errorf("%s is %dx%dx%d, segmentation is %dx%dx%d",
			path, vol.Nx, vol.Ny, vol.Nz, p.seg.Nx, p.seg.Ny, p.seg.Nz)
	}
	return vol, nil
}

func (p *Processor) loadLevels() error {
	if p.params.VertFile != "" {
		vol, err := p.loadLabeling(p.params.VertFile)
		if err != nil {
			return err
		}
		if p.levels, err = vertebral.LevelsFromMap(vol); err != nil {
			return err
		}
	} else {
		vol, err := p.loadLabeling(p.params.DiscFile)
		if err != nil {
			return err
		}
		discs := vertebral.ProjectOntoCenterline(vertebral.DiscsFromVolume(vol), p.voxel, p.seg.VoxelSize)
		for _, d := range discs {
			p.logger.WithFields(log.Fields{"disc": vertebral.DiscName(d.Value), "z": d.Z}).Debug("Disc projected")
		}
		if p.levels, err = vertebral.LevelsFromDiscs(discs); err != nil {
			return err
		}
	}

	for _, l := range p.levels.Levels {
		p.logger.WithFields(log.Fields{
			"level":  vertebral.LevelName(l.Level),
			"slices": l.Range.String(),
		}).Debug("Vertebral level")
	}
	return nil
}

func (p *Processor) computeMetrics() error {
	var frame *metrics.Frame
	if p.params.AngleCorrection {
		frame = metrics.NewFrame(p.seg, p.perSlice)
	}

	var table *metrics.Table
	var err error
	switch p.params.Operation {
	case OpCSA:
		table, err = metrics.ComputeCSA(p.seg, frame)
	case OpShape:
		table, err = metrics.ComputeShape(p.seg, frame, p.params.Shape)
	case OpLength:
		table, err = metrics.LengthTable(p.voxel, p.seg.VoxelSize)
	}
	if err != nil {
		return fmt.Errorf("failed to compute %s: %w", p.params.Operation, err)
	}

	for _, w := range table.Warnings() {
		p.logger.Debug(w)
	}

	mode := aggregate.Single
	switch {
	case p.params.PerLevel:
		mode = aggregate.PerLevel
	case p.params.PerSlice:
		mode = aggregate.PerSlice
	}
	res, err := aggregate.Aggregate(table, aggregate.Params{
		Mode:     mode,
		Slices:   p.params.Slices,
		Levels:   p.params.Levels,
		LevelMap: p.levels,
	})
	if err != nil {
		return fmt.Errorf("failed to aggregate %s: %w", p.params.Operation, err)
	}

	out := p.params.OutputFile
	if out == "" {
		out = filepath.Join(p.params.OutputFolder, string(p.params.Operation)+".csv")
	}
	run := aggregate.NewRun(p.params.Segmentation)
	if err := aggregate.WriteCSV(out, res, run, p.params.Overwrite); err != nil {
		return err
	}

	p.summary.RunID = run.ID
	p.summary.Rows = len(res.Rows)
	p.summary.Files = append(p.summary.Files, out)
	for _, row := range res.Rows {
		if row.Warning != "" {
			p.summary.Warnings = append(p.summary.Warnings, row.Warning)
		}
	}
	p.logger.WithFields(log.Fields{"file": out, "rows": len(res.Rows), "run": run.ID}).Info("Results written")
	return nil
}

func (p *Processor) base() string {
	return filepath.Join(p.params.OutputFolder, filepath.Base(nifti.TrimExt(p.params.Segmentation)))
}

// restore returns a copy of an RPI volume in the segmentation's native
// orientation
func (p *Processor) restore(vol *models.Volume) (*models.Volume, error) {
	out := vol.Copy()
	if _, err := orientation.Change(out, p.native); err != nil {
		return nil, fmt.Errorf("failed to restore orientation: %w", err)
	}
	return out, nil
}

func (p *Processor) exportCenterline() error {
	base := p.base()

	csvPath := base + "_centerline.csv"
	f, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create centerline csv: %w", err)
	}
	defer f.Close()
	if err := centerline.WriteCSV(f, p.voxel); err != nil {
		return fmt.Errorf("failed to write centerline csv: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	mask := centerline.Mask(p.seg, p.voxel)
	if err := p.keepIntermediate(mask, "centerline_RPI.nii.gz", nifti.DTUint8); err != nil {
		return err
	}

	roiPath := base + "_centerline.roi"
	roi, err := os.Create(roiPath)
	if err != nil {
		return fmt.Errorf("failed to create roi file: %w", err)
	}
	defer roi.Close()
	if err := centerline.WriteROI(roi, mask, p.params.Segmentation, time.Now()); err != nil {
		return fmt.Errorf("failed to write roi file: %w", err)
	}
	if err := roi.Close(); err != nil {
		return err
	}

	native, err := p.restore(mask)
	if err != nil {
		return err
	}
	niiPath := base + "_centerline.nii.gz"
	if err := nifti.Save(native, niiPath, nifti.DTUint8); err != nil {
		return err
	}

	p.summary.Files = append(p.summary.Files, csvPath, roiPath, niiPath)
	p.logger.WithFields(log.Fields{"points": p.voxel.Len(), "file": niiPath}).Info("Centerline written")
	return nil
}

func (p *Processor) labelVertebrae() error {
	labeled := vertebral.LabelSegmentation(p.seg, p.levels)
	native, err := p.restore(labeled)
	if err != nil {
		return err
	}
	out := p.params.OutputFile
	if out == "" {
		out = p.base() + "_labeled.nii.gz"
	}
	if err := nifti.Save(native, out, nifti.DTUint8); err != nil {
		return err
	}
	p.summary.Files = append(p.summary.Files, out)
	p.logger.WithFields(log.Fields{"file": out, "levels": len(p.levels.Levels)}).Info("Labeled segmentation written")
	return nil
}

func (p *Processor) saveQC() error {
	minZ, maxZ, _ := p.seg.ZExtent()
	r := models.SliceRange{Start: minZ, End: maxZ}
	if p.params.Slices != nil {
		var ok bool
		if r, ok = r.Intersect(*p.params.Slices); !ok {
			return nil
		}
	}
	files, err := visualization.NewViewer(p.seg).SaveQC(filepath.Join(p.params.OutputFolder, "qc"), p.voxel, r)
	p.summary.Files = append(p.summary.Files, files...)
	return err
}
