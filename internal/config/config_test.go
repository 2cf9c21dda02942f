package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/sortcam/internal/logic/bayer"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	// Create a real configs/ directory so filepath.Abs resolves correctly.
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_PathTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"configs/../../../etc/shadow",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for traversal path %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_WrongExtension(t *testing.T) {
	cases := []string{
		"configs/default.json",
		"configs/default.yml",
		"configs/default.txt",
		"configs/default",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for extension in %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_NotInConfigsDir(t *testing.T) {
	cases := []string{
		"other/default.yaml",
		"default.yaml",
		"/tmp/default.yaml",
	}
	for _, path := range cases {
		if err := ValidateConfigPath(path); err == nil {
			t.Errorf("expected error for path outside configs/ %q, got nil", path)
		}
	}
}

func TestValidateConfigPath_EmptyPath(t *testing.T) {
	if err := ValidateConfigPath(""); err == nil {
		t.Error("expected error for empty path, got nil")
	}
}

func TestValidateConfigPath_VeryLongPath(t *testing.T) {
	long := "configs/" + strings.Repeat("a", 1000) + ".yaml"
	// Should not panic; error or success is OS-dependent, but must not crash.
	_ = ValidateConfigPath(long)
}

func TestValidateConfigPath_SpecialChars(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		wantErr bool
	}{
		{"con fig.yaml", false},
		{"café.yaml", false},
	}
	for _, tc := range cases {
		path := filepath.Join(cfgDir, tc.name)
		err := ValidateConfigPath(path)
		if tc.wantErr && err == nil {
			t.Errorf("expected error for %q, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("unexpected error for %q: %v", tc.name, err)
		}
	}
}

func TestValidateConfigPath_DoubleTraversal(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Try to escape via ../../configs/ok.yaml; filepath.Clean resolves this
	// and the parent must still be "configs".
	path := filepath.Join(cfgDir, "../../configs/ok.yaml")
	err := ValidateConfigPath(path)
	// After Clean the parent may or may not be "configs" depending on resolution.
	// The important thing is it either succeeds with a valid parent or fails.
	_ = err
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
sensor:
  width: 640
  height: 480
  pattern: rggb
  device: /dev/video1
  pixel_format: RGGB
capture:
  exposure_us: 15000
  perspective: true
  trigger_pin: 23
  trigger_pulse_us: 250
  trigger_active_low: false
retry:
  backoff_ms: 50
  max_attempts: 10
pipeline:
  demosaic: true
  strategy: bilinear
defaults:
  debug_level: 2
  mock_gpio: true
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sensor.Width != 640 || cfg.Sensor.Height != 480 {
		t.Errorf("sensor = %dx%d, want 640x480", cfg.Sensor.Width, cfg.Sensor.Height)
	}
	if cfg.CFAPattern() != bayer.RGGB {
		t.Errorf("pattern = %v, want RGGB", cfg.CFAPattern())
	}
	if cfg.Sensor.Device != "/dev/video1" {
		t.Errorf("sensor.device = %q", cfg.Sensor.Device)
	}
	if cfg.Exposure() != 15*time.Millisecond {
		t.Errorf("exposure = %v, want 15ms", cfg.Exposure())
	}
	if !cfg.Capture.Perspective {
		t.Error("capture.perspective should be true")
	}
	if cfg.Capture.TriggerPin != 23 || cfg.PulseWidth() != 250*time.Microsecond {
		t.Errorf("trigger = pin %d / %v", cfg.Capture.TriggerPin, cfg.PulseWidth())
	}
	if cfg.ActiveLow() {
		t.Error("trigger_active_low: false was not honoured")
	}
	if cfg.TriggerBackoff() != 50*time.Millisecond || cfg.Retry.MaxAttempts != 10 {
		t.Errorf("retry = %v / %d", cfg.TriggerBackoff(), cfg.Retry.MaxAttempts)
	}
	if !cfg.Pipeline.Demosaic || cfg.Strategy() != bayer.Bilinear {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Defaults.DebugLevel != 2 || !cfg.Defaults.MockGPIO {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	path := writeConfig(t, "defaults:\n  mock_gpio: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sensor.Width != 752 || cfg.Sensor.Height != 480 {
		t.Errorf("sensor default = %dx%d, want 752x480", cfg.Sensor.Width, cfg.Sensor.Height)
	}
	if cfg.CFAPattern() != bayer.BGGR {
		t.Errorf("pattern default = %v, want BGGR", cfg.CFAPattern())
	}
	if cfg.Exposure() != 20*time.Millisecond {
		t.Errorf("exposure default = %v, want 20ms", cfg.Exposure())
	}
	if cfg.TriggerBackoff() != 100*time.Millisecond {
		t.Errorf("backoff default = %v, want 100ms", cfg.TriggerBackoff())
	}
	if cfg.Retry.MaxAttempts != 0 {
		t.Errorf("max_attempts default = %d, want 0 (unbounded)", cfg.Retry.MaxAttempts)
	}
	if !cfg.ActiveLow() {
		t.Error("trigger should default to active low")
	}
	if cfg.Pipeline.Demosaic || cfg.Strategy() != bayer.FastBlock {
		t.Errorf("pipeline default = %+v", cfg.Pipeline)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Default()
	if cfg.Sensor != want.Sensor || cfg.Retry != want.Retry {
		t.Errorf("empty file = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"odd width", "sensor:\n  width: 751\n"},
		{"negative height", "sensor:\n  height: -2\n"},
		{"pattern", "sensor:\n  pattern: CMYK\n"},
		{"pixel format", "sensor:\n  pixel_format: RG\n"},
		{"exposure", "capture:\n  exposure_us: -1\n"},
		{"max attempts", "retry:\n  max_attempts: -3\n"},
		{"strategy", "pipeline:\n  strategy: nearest\n"},
		{"debug level", "defaults:\n  debug_level: 9\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.yaml)); err == nil {
				t.Errorf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "big.yaml")
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "{{{{invalid yaml!!!!")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
sensor:
  width: 64
unknown_section:
  foo: bar
`
	path := writeConfig(t, yaml)
	_, err := Load(path)
	if err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "nonexistent.yaml")
	_, err := Load(path)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist for nonexistent file, got %v", err)
	}
}

// ---------- Helper methods ----------

func TestConfig_Durations(t *testing.T) {
	cfg := &Config{
		Capture: CaptureConfig{ExposureUs: 20000, TriggerPulseUs: 80},
		Retry:   RetryConfig{BackoffMs: 100},
	}
	if got := cfg.Exposure(); got != 20*time.Millisecond {
		t.Errorf("Exposure() = %v, want 20ms", got)
	}
	if got := cfg.PulseWidth(); got != 80*time.Microsecond {
		t.Errorf("PulseWidth() = %v, want 80us", got)
	}
	if got := cfg.TriggerBackoff(); got != 100*time.Millisecond {
		t.Errorf("TriggerBackoff() = %v, want 100ms", got)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Sensor.Width != DefaultWidth || cfg.Capture.ExposureUs != DefaultExposureUs {
		t.Errorf("Default() = %+v", cfg)
	}
}
