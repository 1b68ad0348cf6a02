// Package config loads the mb-reverb configuration: built-in defaults, an
// optional YAML file, MBR_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"mb-reverb/dsp"
)

// DefaultPath is tried when no config file is given.
const DefaultPath = "mb-reverb.yaml"

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the complete application configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"` // debug, info, warn or error
	LogFile     string            `yaml:"log_file"`
	Preset      string            `yaml:"preset"` // persisted state, empty disables
	Audio       AudioConfig       `yaml:"audio"`
	Bands       BandsConfig       `yaml:"bands"`
	Convolution ConvolutionConfig `yaml:"convolution"`
	Analyzer    AnalyzerConfig    `yaml:"analyzer"`
	Web         WebConfig         `yaml:"web"`

	// Source is the file the values came from, empty for defaults only.
	Source string `yaml:"-"`
	// Overrides names the environment variables that were applied.
	Overrides []string `yaml:"-"`
}

// AudioConfig describes the host audio stream.
type AudioConfig struct {
	SampleRate   float64 `yaml:"sample_rate"`
	BlockSize    int     `yaml:"block_size"`
	Channels     int     `yaml:"channels"`
	InputDevice  int     `yaml:"input_device"` // -1 selects the system default
	OutputDevice int     `yaml:"output_device"`
}

// BandsConfig describes the band split.
type BandsConfig struct {
	Count             int       `yaml:"count"`
	Crossovers        []float64 `yaml:"crossovers"` // empty selects the defaults for Count
	Order             int       `yaml:"order"`      // Linkwitz-Riley order, even
	PhaseCompensation bool      `yaml:"phase_compensation"`
	ImpulseResponses  []string  `yaml:"impulse_responses"` // per band, empty entries skip
}

// ConvolutionConfig tunes the partitioned convolution engines.
type ConvolutionConfig struct {
	Latency       int     `yaml:"latency"` // samples, power of two
	MaxBlockOrder int     `yaml:"max_block_order"`
	NormalizeIR   bool    `yaml:"normalize_ir"`
	MaxIRSeconds  float64 `yaml:"max_ir_seconds"` // zero disables the limit
}

// AnalyzerConfig tunes the spectrum display.
type AnalyzerConfig struct {
	FFTSize         int     `yaml:"fft_size"`
	RefreshHz       float64 `yaml:"refresh_hz"`
	Smoothing       float64 `yaml:"smoothing"`
	AveragingRadius int     `yaml:"averaging_radius"`
	FloorDB         float64 `yaml:"floor_db"`
}

// WebConfig controls the browser control surface.
type WebConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Port           int     `yaml:"port"`
	SpectrumHz     float64 `yaml:"spectrum_hz"`
	SpectrumPoints int     `yaml:"spectrum_points"`
}

// Default returns the built-in configuration.
func Default() *Config {
	band := dsp.DefaultBandOptions()
	an := dsp.DefaultAnalyzerOptions()

	return &Config{
		LogLevel: "info",
		LogFile:  "mb-reverb.log",
		Audio: AudioConfig{
			SampleRate:   48000,
			BlockSize:    256,
			Channels:     2,
			InputDevice:  -1,
			OutputDevice: -1,
		},
		Bands: BandsConfig{
			Count:             3,
			Order:             dsp.DefaultCrossoverOrder,
			PhaseCompensation: true,
		},
		Convolution: ConvolutionConfig{
			Latency:       1 << band.MinOrder,
			MaxBlockOrder: band.MaxOrder,
			NormalizeIR:   band.Normalize,
			MaxIRSeconds:  20,
		},
		Analyzer: AnalyzerConfig{
			FFTSize:         an.FFTSize,
			RefreshHz:       an.RefreshHz,
			Smoothing:       an.Smoothing,
			AveragingRadius: an.AveragingRadius,
			FloorDB:         an.FloorDB,
		},
		Web: WebConfig{
			Port:           8080,
			SpectrumHz:     30,
			SpectrumPoints: 128,
		},
	}
}

// Load reads path over the defaults. An empty path falls back to
// DefaultPath when that file exists. Environment overrides are applied
// last, then the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}

		cfg.Source = path
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv applies MBR_* variables. lookup is os.LookupEnv outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
			c.Overrides = append(c.Overrides, key)
		}
	}

	var errs []error

	num := func(key string, set func(string) error) {
		v, ok := lookup(key)
		if !ok {
			return
		}

		if err := set(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q: %w", ErrInvalid, key, v, err))
			return
		}

		c.Overrides = append(c.Overrides, key)
	}

	integer := func(dst *int) func(string) error {
		return func(s string) error {
			n, err := strconv.Atoi(s)
			if err == nil {
				*dst = n
			}

			return err
		}
	}

	float := func(dst *float64) func(string) error {
		return func(s string) error {
			f, err := strconv.ParseFloat(s, 64)
			if err == nil {
				*dst = f
			}

			return err
		}
	}

	boolean := func(dst *bool) func(string) error {
		return func(s string) error {
			b, err := strconv.ParseBool(s)
			if err == nil {
				*dst = b
			}

			return err
		}
	}

	str("MBR_LOG_LEVEL", &c.LogLevel)
	str("MBR_LOG_FILE", &c.LogFile)
	str("MBR_PRESET", &c.Preset)
	num("MBR_SAMPLE_RATE", float(&c.Audio.SampleRate))
	num("MBR_BLOCK_SIZE", integer(&c.Audio.BlockSize))
	num("MBR_CHANNELS", integer(&c.Audio.Channels))
	num("MBR_BANDS", integer(&c.Bands.Count))
	num("MBR_LATENCY", integer(&c.Convolution.Latency))
	num("MBR_WEB_ENABLED", boolean(&c.Web.Enabled))
	num("MBR_WEB_PORT", integer(&c.Web.Port))

	return errors.Join(errs...)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		check(false, "log_level %q", c.LogLevel)
	}

	check(c.Audio.SampleRate >= 8000 && c.Audio.SampleRate <= 384000, "audio.sample_rate %v", c.Audio.SampleRate)
	check(c.Audio.BlockSize >= 16 && c.Audio.BlockSize <= 8192, "audio.block_size %d", c.Audio.BlockSize)
	check(c.Audio.Channels >= 1 && c.Audio.Channels <= 8, "audio.channels %d", c.Audio.Channels)

	check(c.Bands.Count == 2 || c.Bands.Count == 3, "bands.count %d, want 2 or 3", c.Bands.Count)
	check(c.Bands.Order >= 2 && c.Bands.Order%2 == 0, "bands.order %d, want an even order", c.Bands.Order)
	check(len(c.Bands.ImpulseResponses) <= c.Bands.Count,
		"%d impulse responses for %d bands", len(c.Bands.ImpulseResponses), c.Bands.Count)

	if len(c.Bands.Crossovers) > 0 {
		check(len(c.Bands.Crossovers) == c.Bands.Count-1,
			"%d crossovers for %d bands", len(c.Bands.Crossovers), c.Bands.Count)

		for i, f := range c.Bands.Crossovers {
			check(f >= dsp.MinCrossoverHz && f <= dsp.MaxCrossoverHz, "bands.crossovers[%d] %v Hz", i, f)

			if i > 0 {
				check(f-c.Bands.Crossovers[i-1] >= dsp.CrossoverGap,
					"bands.crossovers[%d] within %v Hz of the previous", i, dsp.CrossoverGap)
			}
		}
	}

	lat := c.Convolution.Latency
	check(lat > 0 && lat&(lat-1) == 0, "convolution.latency %d, want a power of two", lat)

	if lat > 0 {
		order := c.MinBlockOrder()
		check(order >= dsp.MinPartitionOrder && order <= dsp.MaxPartitionOrder,
			"convolution.latency %d outside %d..%d", lat, 1<<dsp.MinPartitionOrder, 1<<dsp.MaxPartitionOrder)
		check(c.Convolution.MaxBlockOrder >= order && c.Convolution.MaxBlockOrder <= dsp.MaxPartitionOrder,
			"convolution.max_block_order %d", c.Convolution.MaxBlockOrder)
	}

	check(c.Convolution.MaxIRSeconds >= 0, "convolution.max_ir_seconds %v", c.Convolution.MaxIRSeconds)

	fft := c.Analyzer.FFTSize
	check(fft >= 64 && fft&(fft-1) == 0, "analyzer.fft_size %d, want a power of two", fft)
	check(c.Analyzer.RefreshHz > 0, "analyzer.refresh_hz %v", c.Analyzer.RefreshHz)
	check(c.Analyzer.Smoothing >= 0 && c.Analyzer.Smoothing < 1, "analyzer.smoothing %v", c.Analyzer.Smoothing)
	check(c.Analyzer.AveragingRadius >= 0, "analyzer.averaging_radius %d", c.Analyzer.AveragingRadius)
	check(c.Analyzer.FloorDB < 0, "analyzer.floor_db %v", c.Analyzer.FloorDB)

	if c.Web.Enabled {
		check(c.Web.Port > 0 && c.Web.Port < 65536, "web.port %d", c.Web.Port)
		check(c.Web.SpectrumHz > 0, "web.spectrum_hz %v", c.Web.SpectrumHz)
		check(c.Web.SpectrumPoints >= 8, "web.spectrum_points %d", c.Web.SpectrumPoints)
	}

	return errors.Join(errs...)
}

// MinBlockOrder converts the latency setting into a partition order.
func (c *Config) MinBlockOrder() int {
	return bits.Len(uint(c.Convolution.Latency)) - 1
}

// ProcessorOptions maps the configuration onto the reverb processor.
// Decoder and Logger are left for the caller.
func (c *Config) ProcessorOptions() dsp.ProcessorOptions {
	opts := dsp.DefaultProcessorOptions(c.Bands.Count)
	opts.Crossovers = append([]float64(nil), c.Bands.Crossovers...)
	opts.CrossoverOrder = c.Bands.Order
	opts.PhaseCompensation = c.Bands.PhaseCompensation
	opts.Band = dsp.BandOptions{
		MinOrder:  c.MinBlockOrder(),
		MaxOrder:  c.Convolution.MaxBlockOrder,
		Normalize: c.Convolution.NormalizeIR,
	}
	opts.Analyzer = dsp.AnalyzerOptions{
		FFTSize:         c.Analyzer.FFTSize,
		Smoothing:       c.Analyzer.Smoothing,
		AveragingRadius: c.Analyzer.AveragingRadius,
		FloorDB:         c.Analyzer.FloorDB,
		RefreshHz:       c.Analyzer.RefreshHz,
	}

	if len(opts.Crossovers) == 0 {
		opts.Crossovers = nil
	}

	return opts
}

// ProcessContext returns the session format for the host stream.
func (c *Config) ProcessContext() dsp.ProcessContext {
	return dsp.ProcessContext{
		SampleRate: c.Audio.SampleRate,
		BlockSize:  c.Audio.BlockSize,
		Channels:   c.Audio.Channels,
	}
}
