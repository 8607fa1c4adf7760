// Package config provides configuration loading and management for cordmetrics.
// It handles loading configuration from YAML files, .env files and
// environment variables, and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv
const EnvPrefix = "CORDMETRICS_"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Centerline fitting parameters
	Centerline struct {
		// Algorithm is one of hanning, akima or linear
		Algorithm string `yaml:"algorithm"`

		// WindowLength is the Hann smoothing window in mm
		WindowLength float64 `yaml:"windowLength"`

		// Points is the number of samples of the dense fit, 0 for one per slice
		Points int `yaml:"points"`

		// PhysCoordinates fits in world space instead of voxel space
		PhysCoordinates bool `yaml:"physCoordinates"`
	} `yaml:"centerline"`

	// Metric parameters
	Metrics struct {
		// AngleCorrection scales areas by the cosine of the cord angle
		AngleCorrection bool `yaml:"angleCorrection"`

		// ShapeMethod is moments or ellipse
		ShapeMethod string `yaml:"shapeMethod"`

		// BinarizeThreshold binarises partial-volume masks for shape analysis
		BinarizeThreshold float64 `yaml:"binarizeThreshold"`
	} `yaml:"metrics"`

	// Output parameters
	Output struct {
		// Folder receives the result file and QC images
		Folder string `yaml:"folder"`

		// Overwrite truncates the result file instead of appending a block
		Overwrite bool `yaml:"overwrite"`

		// KeepTempFiles leaves the scoped temporary directory on disk
		KeepTempFiles bool `yaml:"keepTempFiles"`

		// Verbose is 0 (warnings), 1 (info) or 2 (debug)
		Verbose int `yaml:"verbose"`
	} `yaml:"output"`

	// OptiC detector parameters
	Optic struct {
		// Binary is the detector executable
		Binary string `yaml:"binary"`

		// ModelsPath is the directory holding the trained models
		ModelsPath string `yaml:"modelsPath"`

		// Contrast is t1, t2, t2s or dwi
		Contrast string `yaml:"contrast"`
	} `yaml:"optic"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Centerline.Algorithm = "hanning"
	cfg.Centerline.WindowLength = 80
	cfg.Centerline.Points = 0
	cfg.Centerline.PhysCoordinates = true

	cfg.Metrics.AngleCorrection = true
	cfg.Metrics.ShapeMethod = "moments"
	cfg.Metrics.BinarizeThreshold = 0.5

	cfg.Output.Folder = "."
	cfg.Output.Overwrite = false
	cfg.Output.KeepTempFiles = false
	cfg.Output.Verbose = 1

	cfg.Optic.Binary = "isct_spine_detect"
	cfg.Optic.Contrast = "t2"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides configuration values from CORDMETRICS_* variables,
// e.g. CORDMETRICS_CENTERLINE_ALGORITHM or CORDMETRICS_OUTPUT_VERBOSE.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"CENTERLINE_ALGORITHM": &c.Centerline.Algorithm,
		"METRICS_SHAPE_METHOD": &c.Metrics.ShapeMethod,
		"OUTPUT_FOLDER":        &c.Output.Folder,
		"OPTIC_BINARY":         &c.Optic.Binary,
		"OPTIC_MODELS_PATH":    &c.Optic.ModelsPath,
		"OPTIC_CONTRAST":       &c.Optic.Contrast,
	}
	floats := map[string]*float64{
		"CENTERLINE_WINDOW_LENGTH":   &c.Centerline.WindowLength,
		"METRICS_BINARIZE_THRESHOLD": &c.Metrics.BinarizeThreshold,
	}
	ints := map[string]*int{
		"CENTERLINE_POINTS": &c.Centerline.Points,
		"OUTPUT_VERBOSE":    &c.Output.Verbose,
	}
	bools := map[string]*bool{
		"CENTERLINE_PHYS_COORDINATES": &c.Centerline.PhysCoordinates,
		"METRICS_ANGLE_CORRECTION":    &c.Metrics.AngleCorrection,
		"OUTPUT_OVERWRITE":            &c.Output.Overwrite,
		"OUTPUT_KEEP_TEMP_FILES":      &c.Output.KeepTempFiles,
	}

	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	for key, dst := range floats {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = f
		}
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// Load reads the YAML file, then the .env file, then applies environment
// overrides.
func Load(configPath, envPath string) (*Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := LoadEnvFile(envPath); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
