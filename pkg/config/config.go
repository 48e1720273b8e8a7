// Package config provides configuration loading and management for osfista.
// It handles loading configuration from YAML files or parameter maps, rejects
// unrecognised keys and provides default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"osfista/pkg/regularization"
)

// ErrUnknownKey is returned when a configuration source names a key that is not recognised.
var ErrUnknownKey = errors.New("config: unknown configuration key")

// validate is the shared validator instance for configuration structs
var validate = validator.New()

// Region is a box-shaped region of interest in voxel coordinates
type Region struct {
	X      int `yaml:"x" validate:"gte=0"`
	Y      int `yaml:"y" validate:"gte=0"`
	Z      int `yaml:"z" validate:"gte=0"`
	Width  int `yaml:"width" validate:"gte=1"`
	Height int `yaml:"height" validate:"gte=1"`
	Depth  int `yaml:"depth" validate:"gte=1"`
}

// DeviceModel describes the projection device
type DeviceModel struct {
	// Type is the projection geometry tag
	Type string `yaml:"type" validate:"required,oneof=parallel fanflat fanflat_vec parallel3d parallel3d_vec cone cone_vec"`

	// DetectorSpacingX and DetectorSpacingY are the detector pixel pitch
	DetectorSpacingX float64 `yaml:"detector_spacing_x" validate:"gte=0"`
	DetectorSpacingY float64 `yaml:"detector_spacing_y" validate:"gte=0"`
}

// Config represents the reconstruction configuration
type Config struct {
	// NumberOfIterations is the number of outer iterations
	NumberOfIterations int `yaml:"number_of_iterations" validate:"gte=1"`

	// Subsets is the number of ordered subsets swept per outer iteration
	Subsets int `yaml:"subsets" validate:"gte=1"`

	// RingAlpha scales the ring variable inside the data residual
	RingAlpha float64 `yaml:"ring_alpha"`

	// RingLambdaRL1 is the soft-threshold applied to the ring variable; 0 disables ring removal
	RingLambdaRL1 float64 `yaml:"ring_lambda_R_L1" validate:"gte=0"`

	// LipschitzConstant is the gradient step bound; 0 means estimate it with the power method
	LipschitzConstant float64 `yaml:"Lipschitz_constant" validate:"gte=0"`

	// Regularizer configures the external regulariser; nil means none
	Regularizer *regularization.Params `yaml:"regularizer,omitempty"`

	// RegionOfInterest restricts the RMSE metric; nil means the whole volume
	RegionOfInterest *Region `yaml:"region_of_interest,omitempty"`

	DeviceModel DeviceModel `yaml:"device_model"`

	// Nonnegativity clamps the image to non-negative values after every subset step
	Nonnegativity bool `yaml:"nonnegativity"`

	// CheckFinite aborts the run when the image becomes NaN or Inf
	CheckFinite bool `yaml:"check_finite"`

	// PowerIterations is the number of power-method iterations for the Lipschitz estimate
	PowerIterations int `yaml:"power_iterations" validate:"gte=1"`

	// Cores bounds how many slices are projected concurrently in 2D geometries
	Cores int `yaml:"cores" validate:"gte=1"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		NumberOfIterations: 15,
		Subsets:            8,
		RingAlpha:          21,
		RingLambdaRL1:      0,
		LipschitzConstant:  0,
		DeviceModel: DeviceModel{
			Type:             "parallel3d",
			DetectorSpacingX: 1.0,
			DetectorSpacingY: 1.0,
		},
		Nonnegativity:   false,
		CheckFinite:     false,
		PowerIterations: 15,
		Cores:           runtime.NumCPU(),
		LogLevel:        "info",
	}
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// RingEnabled reports whether the ring-removal model is active
func (c *Config) RingEnabled() bool { return c.RingLambdaRL1 > 0 }

// SlogLevel returns the configured log level
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// knownKeys lists the top-level yaml keys of Config
func knownKeys() map[string]bool {
	keys := make(map[string]bool)
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if name != "" && name != "-" {
			keys[name] = true
		}
	}
	return keys
}

func checkKeys(params map[string]any) error {
	known := knownKeys()
	var unknown []string
	for k := range params {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(unknown, ", "))
	}
	return nil
}

// decodeStrict overlays YAML data on top of cfg, rejecting unknown keys at every level
func decodeStrict(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}
	if err := checkKeys(raw); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// yaml reports nested unknown fields as "field x not found in type y"
		if strings.Contains(err.Error(), "not found in type") {
			return fmt.Errorf("%w: %v", ErrUnknownKey, err)
		}
		return fmt.Errorf("error decoding config: %w", err)
	}
	return nil
}

// FromParams builds a configuration from a parameter map keyed like the YAML file.
// Keys that are absent keep their default value.
func FromParams(params map[string]any) (*Config, error) {
	if err := checkKeys(params); err != nil {
		return nil, err
	}

	data, err := yaml.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("error marshaling parameters: %w", err)
	}

	cfg := DefaultConfig()
	if len(params) > 0 {
		if err := decodeStrict(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if len(bytes.TrimSpace(data)) > 0 {
		if err := decodeStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
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
