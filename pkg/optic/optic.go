// Package optic runs the external OptiC spinal cord detector and reads its
// centerline back as a volume.
package optic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"cordmetrics/internal/models"
	"cordmetrics/pkg/centerline"
	"cordmetrics/pkg/nifti"
	"cordmetrics/pkg/orientation"
)

// DefaultBinary is the detector executable name
const DefaultBinary = "isct_spine_detect"

// ExecError reports a detector run that exited with a non-zero status
type ExecError struct {
	Cmd      string
	ExitCode int
	Output   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s exited with status %d: %s", e.Cmd, e.ExitCode, strings.TrimSpace(e.Output))
}

// Runner executes name with args in dir, adding env to the inherited
// environment, and returns the combined output.
type Runner func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)

// Params configures a detection
type Params struct {
	// Binary is the detector executable, DefaultBinary when empty
	Binary string

	// ModelsPath is the directory holding "<contrast>_model"
	ModelsPath string

	// Contrast is t1, t2, t2s or dwi
	Contrast string

	// Init is the axial slice where propagation starts; values above 1
	// are slice indices and are converted to a fraction of the volume
	Init float64

	// OutputFolder receives the centerline, and the ROI file when OutputROI
	OutputFolder string
	OutputROI    bool

	// KeepTempFiles leaves the working directory on disk
	KeepTempFiles bool

	Logger log.FieldLogger

	// Run overrides command execution; exec is used when nil
	Run Runner
}

// Result holds the detector outputs
type Result struct {
	// Centerline has one voxel per slice, in the input's native orientation
	Centerline *models.Volume

	// Init is the start slice as a fraction of the volume
	Init float64

	// Path is the written centerline file; ROIPath is empty unless requested
	Path    string
	ROIPath string
}

// Detector wraps the OptiC binary
type Detector struct {
	params *Params
}

// NewDetector creates a detector with the provided parameters
func NewDetector(params *Params) *Detector {
	if params.Binary == "" {
		params.Binary = DefaultBinary
	}
	if params.Logger == nil {
		params.Logger = log.StandardLogger()
	}
	if params.Run == nil {
		params.Run = runCommand
	}
	return &Detector{params: params}
}

// Detect converts the image to int16 RPI, runs the detector synchronously
// and returns its centerline restored to the image's orientation.
func (d *Detector) Detect(ctx context.Context, imagePath string) (*Result, error) {
	p := d.params
	logger := p.Logger.WithFields(log.Fields{"image": imagePath})
	logger.Info("Detecting the spinal cord using OptiC")

	img, err := nifti.Load(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	native := orientation.Get(img)

	tmp, err := os.MkdirTemp("", "cordmetrics-optic-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}
	if p.KeepTempFiles {
		logger.WithFields(log.Fields{"dir": tmp}).Info("Keeping temporary files")
	} else {
		defer os.RemoveAll(tmp)
	}

	base := filepath.Base(nifti.TrimExt(imagePath))
	rpi := img.Copy()
	if _, err := orientation.Change(rpi, orientation.RPI); err != nil {
		return nil, fmt.Errorf("failed to reorient image: %w", err)
	}
	input := filepath.Join(tmp, base+"_int16_RPI")
	if err := nifti.Save(rpi, input+".nii", nifti.DTInt16); err != nil {
		return nil, fmt.Errorf("failed to write detector input: %w", err)
	}

	res := &Result{Init: InitFraction(p.Init, rpi.Nz)}

	output := input + "_optic"
	modelDir := p.ModelsPath
	if p.Contrast != "" {
		modelDir = filepath.Join(p.ModelsPath, p.Contrast+"_model")
	}
	args := []string{"-ctype=dpdt", "-lambda=1", modelDir, input, output}
	logger.WithFields(log.Fields{"cmd": p.Binary, "args": strings.Join(args, " ")}).Debug("Running detector")
	if _, err := p.Run(ctx, tmp, []string{"FSLOUTPUTTYPE=NIFTI_PAIR"}, p.Binary, args...); err != nil {
		return nil, fmt.Errorf("failed to run detector: %w", err)
	}

	ctr, err := nifti.Load(output + "_ctr.hdr")
	if err != nil {
		return nil, fmt.Errorf("failed to read detector output: %w", err)
	}
	ctr.Affine, ctr.VoxelSize = rpi.Affine, rpi.VoxelSize

	if err := os.MkdirAll(p.OutputFolder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output folder: %w", err)
	}

	if p.OutputROI {
		res.ROIPath = filepath.Join(p.OutputFolder, base+"_centerline_optic.roi")
		if err := writeROI(res.ROIPath, ctr, imagePath); err != nil {
			return nil, err
		}
		if err := nifti.Save(rpi, filepath.Join(p.OutputFolder, base+"_int16_RPI.nii"), nifti.DTInt16); err != nil {
			return nil, fmt.Errorf("failed to copy reoriented image: %w", err)
		}
	}

	if _, err := orientation.Change(ctr, native); err != nil {
		return nil, fmt.Errorf("failed to restore orientation: %w", err)
	}
	res.Centerline = ctr
	res.Path = filepath.Join(p.OutputFolder, base+"_centerline_optic.nii.gz")
	if err := nifti.Save(ctr, res.Path, nifti.DTUint8); err != nil {
		return nil, fmt.Errorf("failed to write centerline: %w", err)
	}

	logger.WithFields(log.Fields{"output": res.Path, "init": res.Init}).Info("OptiC centerline written")
	return res, nil
}

// InitFraction converts a start slice index above 1 to a fraction of the
// nz slices; fractions are returned unchanged.
func InitFraction(init float64, nz int) float64 {
	if init > 1 && nz > 1 {
		return init / float64(nz-1)
	}
	return init
}

func writeROI(path string, ctr *models.Volume, source string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create roi file: %w", err)
	}
	defer f.Close()
	if err := centerline.WriteROI(f, ctr, source, time.Now()); err != nil {
		return fmt.Errorf("failed to write roi file: %w", err)
	}
	return f.Close()
}

func runCommand(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.Bytes(), &ExecError{
			Cmd:      name,
			ExitCode: exitErr.ExitCode(),
			Output:   out.String(),
		}
	}
	return out.Bytes(), err
}
