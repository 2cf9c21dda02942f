package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/sortcam/internal/logic/bayer"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// DefaultPath is the configuration loaded when -config is not given.
const DefaultPath = "configs/default.yaml"

// Built-in defaults. The sensor geometry is the full 752x480 frame.
const (
	DefaultWidth          = 752
	DefaultHeight         = 480
	DefaultPattern        = "BGGR"
	DefaultExposureUs     = 20000
	DefaultTriggerPin     = 17
	DefaultTriggerPulseUs = 100
	DefaultBackoffMs      = 100
)

// SensorConfig describes the raw frames produced by the sensor.
type SensorConfig struct {
	Width       int    `yaml:"width"`        // pixels, must be even
	Height      int    `yaml:"height"`       // pixels, must be even
	Pattern     string `yaml:"pattern"`      // BGGR, RGGB, GBRG or GRBG
	Device      string `yaml:"device"`       // V4L2 device, e.g. /dev/video0
	PixelFormat string `yaml:"pixel_format"` // V4L2 fourcc override; empty = derived from pattern
}

// CaptureConfig holds parameters forwarded to the frame source.
type CaptureConfig struct {
	ExposureUs       int   `yaml:"exposure_us"`        // exposure duration (µs)
	Perspective      bool  `yaml:"perspective"`        // perspective correction in the sensor
	TriggerPin       int   `yaml:"trigger_pin"`        // BCM pin wired to the sensor trigger input
	TriggerPulseUs   int   `yaml:"trigger_pulse_us"`   // trigger pulse width (µs)
	TriggerActiveLow *bool `yaml:"trigger_active_low"` // default: true
}

// RetryConfig controls how failed trigger attempts are retried.
type RetryConfig struct {
	BackoffMs   int `yaml:"backoff_ms"`   // delay between attempts
	MaxAttempts int `yaml:"max_attempts"` // 0 = retry forever
}

// PipelineConfig selects what happens to each frame.
type PipelineConfig struct {
	Demosaic bool   `yaml:"demosaic"`
	Strategy string `yaml:"strategy"` // "fast" or "bilinear"
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO and simulated sensor (true=dev/test)
}

// Config aggregates all application configuration.
type Config struct {
	Sensor   SensorConfig   `yaml:"sensor"`
	Capture  CaptureConfig  `yaml:"capture"`
	Retry    RetryConfig    `yaml:"retry"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.applyDefaults(); err != nil {
		panic(err)
	}
	return cfg
}

// ValidateConfigPath accepts only .yaml files directly inside a
// configs/ directory, without parent references.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return fmt.Errorf("config path %q must not contain ..", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Sensor.Width == 0 {
		c.Sensor.Width = DefaultWidth
	}
	if c.Sensor.Height == 0 {
		c.Sensor.Height = DefaultHeight
	}
	if c.Sensor.Width < 0 || c.Sensor.Height < 0 || c.Sensor.Width%2 != 0 || c.Sensor.Height%2 != 0 {
		return fmt.Errorf("sensor size must be even and positive, got %dx%d", c.Sensor.Width, c.Sensor.Height)
	}
	if c.Sensor.Pattern == "" {
		c.Sensor.Pattern = DefaultPattern
	}
	if _, err := bayer.ParsePattern(c.Sensor.Pattern); err != nil {
		return fmt.Errorf("sensor.pattern: %w", err)
	}
	if c.Sensor.PixelFormat != "" && len(c.Sensor.PixelFormat) != 4 {
		return fmt.Errorf("sensor.pixel_format must be a 4 character code, got %q", c.Sensor.PixelFormat)
	}

	if c.Capture.ExposureUs < 0 {
		return fmt.Errorf("capture.exposure_us must be >= 0, got %d", c.Capture.ExposureUs)
	}
	if c.Capture.ExposureUs == 0 {
		c.Capture.ExposureUs = DefaultExposureUs
	}
	if c.Capture.TriggerPin <= 0 {
		c.Capture.TriggerPin = DefaultTriggerPin
	}
	if c.Capture.TriggerPulseUs <= 0 {
		c.Capture.TriggerPulseUs = DefaultTriggerPulseUs
	}
	if c.Capture.TriggerActiveLow == nil {
		activeLow := true
		c.Capture.TriggerActiveLow = &activeLow
	}

	if c.Retry.BackoffMs <= 0 {
		c.Retry.BackoffMs = DefaultBackoffMs
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0, got %d", c.Retry.MaxAttempts)
	}

	if _, err := bayer.ParseStrategy(c.Pipeline.Strategy); err != nil {
		return fmt.Errorf("pipeline.strategy: %w", err)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// CFAPattern returns the parsed sensor pattern.
func (c *Config) CFAPattern() bayer.Pattern {
	p, _ := bayer.ParsePattern(c.Sensor.Pattern)
	return p
}

// Strategy returns the parsed demosaic strategy.
func (c *Config) Strategy() bayer.Strategy {
	s, _ := bayer.ParseStrategy(c.Pipeline.Strategy)
	return s
}

// Exposure returns the exposure duration.
func (c *Config) Exposure() time.Duration {
	return time.Duration(c.Capture.ExposureUs) * time.Microsecond
}

// PulseWidth returns the trigger pulse width.
func (c *Config) PulseWidth() time.Duration {
	return time.Duration(c.Capture.TriggerPulseUs) * time.Microsecond
}

// TriggerBackoff returns the delay between two failed trigger attempts.
func (c *Config) TriggerBackoff() time.Duration {
	return time.Duration(c.Retry.BackoffMs) * time.Millisecond
}

// ActiveLow reports whether the trigger line is asserted low.
func (c *Config) ActiveLow() bool {
	return c.Capture.TriggerActiveLow == nil || *c.Capture.TriggerActiveLow
}
