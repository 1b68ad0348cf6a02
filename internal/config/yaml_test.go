package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mb-reverb.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.MinBlockOrder() != 7 {
		t.Errorf("MinBlockOrder() = %d, want 7", cfg.MinBlockOrder())
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, `
log_level: debug
audio:
  sample_rate: 44100
  block_size: 512
bands:
  count: 2
  crossovers: [800]
  phase_compensation: false
  impulse_responses: ["", "plate.wav"]
convolution:
  latency: 256
web:
  enabled: true
  port: 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Source != path {
		t.Errorf("Source = %q", cfg.Source)
	}

	if cfg.LogLevel != "debug" || cfg.Audio.SampleRate != 44100 || cfg.Audio.BlockSize != 512 {
		t.Errorf("top-level values not applied: %+v", cfg)
	}

	// Unset keys keep their defaults.
	if cfg.Audio.Channels != 2 || cfg.Analyzer.FFTSize != 2048 || cfg.Convolution.MaxBlockOrder != 12 {
		t.Errorf("defaults lost: %+v %+v", cfg.Audio, cfg.Analyzer)
	}

	opts := cfg.ProcessorOptions()
	if opts.Bands != 2 || len(opts.Crossovers) != 1 || opts.Crossovers[0] != 800 {
		t.Errorf("processor bands %d crossovers %v", opts.Bands, opts.Crossovers)
	}

	if opts.PhaseCompensation || opts.Band.MinOrder != 8 {
		t.Errorf("processor options %+v", opts)
	}

	ctx := cfg.ProcessContext()
	if ctx.SampleRate != 44100 || ctx.BlockSize != 512 || ctx.Channels != 2 {
		t.Errorf("ProcessContext() = %+v", ctx)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil || cfg != nil {
		t.Fatalf("expected error for missing file, got %v, %+v", err, cfg)
	}

	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestLoadUnmarshalError(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, ":\n:bad")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestLoadValidates(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, "bands:\n  count: 5\n")

	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"sample rate", func(c *Config) { c.Audio.SampleRate = 100 }, "audio.sample_rate"},
		{"block size", func(c *Config) { c.Audio.BlockSize = 0 }, "audio.block_size"},
		{"band count", func(c *Config) { c.Bands.Count = 4 }, "bands.count"},
		{"odd order", func(c *Config) { c.Bands.Order = 3 }, "bands.order"},
		{"crossover count", func(c *Config) { c.Bands.Crossovers = []float64{500} }, "crossovers for"},
		{"crossover range", func(c *Config) { c.Bands.Crossovers = []float64{10, 5000} }, "bands.crossovers[0]"},
		{"crossover gap", func(c *Config) { c.Bands.Crossovers = []float64{500, 550} }, "bands.crossovers[1]"},
		{"too many irs", func(c *Config) { c.Bands.ImpulseResponses = []string{"a", "b", "c", "d"} }, "impulse responses"},
		{"latency not power of two", func(c *Config) { c.Convolution.Latency = 100 }, "convolution.latency"},
		{"latency too small", func(c *Config) { c.Convolution.Latency = 16 }, "convolution.latency"},
		{"max order below latency", func(c *Config) { c.Convolution.MaxBlockOrder = 6 }, "max_block_order"},
		{"fft size", func(c *Config) { c.Analyzer.FFTSize = 1000 }, "analyzer.fft_size"},
		{"smoothing", func(c *Config) { c.Analyzer.Smoothing = 1 }, "analyzer.smoothing"},
		{"web port", func(c *Config) { c.Web.Enabled = true; c.Web.Port = 0 }, "web.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}

			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %q", err, tt.field)
			}
		})
	}

	// Disabled web server is not checked.
	cfg := Default()
	cfg.Web.Port = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled web: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	cfg := Default()

	err := cfg.applyEnv(envMap(map[string]string{
		"MBR_LOG_LEVEL":   "warn",
		"MBR_SAMPLE_RATE": "96000",
		"MBR_BANDS":       " 2 ",
		"MBR_WEB_ENABLED": "true",
		"MBR_PRESET":      "/tmp/state.yaml",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}

	if cfg.LogLevel != "warn" || cfg.Audio.SampleRate != 96000 || cfg.Bands.Count != 2 {
		t.Errorf("overrides not applied: %+v", cfg)
	}

	if !cfg.Web.Enabled || cfg.Preset != "/tmp/state.yaml" {
		t.Errorf("web %v preset %q", cfg.Web.Enabled, cfg.Preset)
	}

	if len(cfg.Overrides) != 5 {
		t.Errorf("Overrides = %v", cfg.Overrides)
	}
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	t.Parallel()

	cfg := Default()

	err := cfg.applyEnv(envMap(map[string]string{"MBR_BLOCK_SIZE": "lots", "MBR_WEB_PORT": "8081"}))
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "MBR_BLOCK_SIZE") {
		t.Fatalf("err = %v", err)
	}

	if cfg.Web.Port != 8081 {
		t.Errorf("valid override skipped, port %d", cfg.Web.Port)
	}
}
