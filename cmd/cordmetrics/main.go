package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"cordmetrics/internal/logging"
	"cordmetrics/pkg/aggregate"
	"cordmetrics/pkg/centerline"
	"cordmetrics/pkg/config"
	"cordmetrics/pkg/metrics"
	"cordmetrics/pkg/optic"
	"cordmetrics/pkg/process"
	"cordmetrics/pkg/vertebral"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run parses args, executes the pipeline and returns the exit status
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("cordmetrics", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	input := fs.StringP("input", "i", "", "Spinal cord segmentation (.nii, .nii.gz)")
	op := fs.StringP("process", "p", string(process.OpCSA), "Operation: csa, length, shape, centerline, label-vert")
	slices := fs.StringP("slices", "z", "", "Slice range a:b (RPI slice indices)")
	levels := fs.StringP("vert", "l", "", "Vertebral levels, e.g. 2:4")
	vertFile := fs.String("vertfile", "", "Volume whose voxels carry their vertebral level")
	discFile := fs.String("discfile", "", "Disc labels volume")
	perSlice := fs.Bool("perslice", false, "One output row per slice")
	perLevel := fs.Bool("perlevel", false, "One output row per vertebral level")
	output := fs.StringP("output", "o", "", "Result file (default <folder>/<process>.csv)")
	folder := fs.String("ofolder", "", "Output folder")
	overwrite := fs.Bool("overwrite", false, "Overwrite the result file instead of appending")
	noAngle := fs.Bool("no-angle", false, "Disable angle correction")
	algo := fs.String("algo", "", "Centerline smoothing: hanning, akima, linear")
	window := fs.Float64("window", 0, "Hann window length in mm")
	shapeMethod := fs.String("shape-method", "", "Shape axes: moments, ellipse")
	configPath := fs.String("config", "cordmetrics.yaml", "YAML configuration file")
	envPath := fs.String("env", ".env", "Environment file")
	writeConfig := fs.String("write-config", "", "Write the default configuration to this path and exit")
	keepTmp := fs.Bool("keep-tmp", false, "Keep temporary files")
	qc := fs.Bool("qc", false, "Write quality control images")
	image := fs.StringP("image", "c", "", "Anatomical image for OptiC centerline detection")
	contrast := fs.String("contrast", "", "OptiC contrast: t1, t2, t2s, dwi")
	initSlice := fs.Float64("init", 0, "OptiC start slice (index, or fraction when <= 1)")
	roi := fs.Bool("roi", false, "Write the OptiC centerline as a JIM ROI file")
	verbose := fs.CountP("verbose", "v", "Increase verbosity (-v info, -vv debug)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			fmt.Fprintf(stderr, "Failed to write config: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Default configuration written to %s\n", *writeConfig)
		return 0
	}

	if *input == "" {
		fmt.Fprintln(stderr, "missing required flag: -i")
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	// Flags override the configuration.
	if fs.Changed("algo") {
		cfg.Centerline.Algorithm = *algo
	}
	if fs.Changed("window") {
		cfg.Centerline.WindowLength = *window
	}
	if fs.Changed("shape-method") {
		cfg.Metrics.ShapeMethod = *shapeMethod
	}
	if *noAngle {
		cfg.Metrics.AngleCorrection = false
	}
	if fs.Changed("ofolder") {
		cfg.Output.Folder = *folder
	}
	if *overwrite {
		cfg.Output.Overwrite = true
	}
	if *keepTmp {
		cfg.Output.KeepTempFiles = true
	}
	if fs.Changed("verbose") {
		cfg.Output.Verbose = *verbose
	}
	if fs.Changed("contrast") {
		cfg.Optic.Contrast = *contrast
	}

	logger := logging.NewWithWriter(stderr, cfg.Output.Verbose)

	sel, err := aggregate.ParseSlices(*slices)
	if err != nil {
		logger.Error(err)
		return 2
	}
	lv, err := vertebral.ParseLevels(*levels)
	if err != nil {
		logger.Error(err)
		return 2
	}

	params := &process.Params{
		Segmentation:    *input,
		Operation:       process.Operation(strings.ToLower(*op)),
		Slices:          sel,
		Levels:          lv,
		VertFile:        *vertFile,
		DiscFile:        *discFile,
		PerSlice:        *perSlice,
		PerLevel:        *perLevel,
		OutputFolder:    cfg.Output.Folder,
		OutputFile:      *output,
		Overwrite:       cfg.Output.Overwrite,
		AngleCorrection: cfg.Metrics.AngleCorrection,
		Fit: centerline.FitParams{
			Algorithm:       centerline.Algorithm(cfg.Centerline.Algorithm),
			WindowLength:    cfg.Centerline.WindowLength,
			Points:          cfg.Centerline.Points,
			PhysCoordinates: cfg.Centerline.PhysCoordinates,
		},
		Shape: metrics.ShapeParams{
			Method:    metrics.ShapeMethod(cfg.Metrics.ShapeMethod),
			Threshold: cfg.Metrics.BinarizeThreshold,
		},
		KeepTempFiles: cfg.Output.KeepTempFiles,
		QC:            *qc,
		Logger:        logger,
	}
	if *image != "" {
		params.Image = *image
		params.Optic = &optic.Params{
			Binary:     cfg.Optic.Binary,
			ModelsPath: cfg.Optic.ModelsPath,
			Contrast:   cfg.Optic.Contrast,
			Init:       *initSlice,
			OutputROI:  *roi,
		}
	}

	start := time.Now()
	summary, err := process.NewProcessor(params).Process(ctx)
	if err != nil {
		logger.Errorf("Processing failed: %v", err)
		return 1
	}

	fmt.Fprintf(stdout, "Completed %s in %.2f seconds\n", params.Operation, time.Since(start).Seconds())
	for _, f := range summary.Files {
		fmt.Fprintf(stdout, "  %s\n", f)
	}
	if len(summary.Warnings) > 0 {
		fmt.Fprintf(stdout, "%d warning(s), see the Warning column of the result file\n", len(summary.Warnings))
	}
	return 0
}
