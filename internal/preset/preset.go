// Package preset persists the reverb state: every parameter value plus the
// impulse response assigned to each band. IR audio is not stored, only the
// path it was loaded from.
package preset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"mb-reverb/dsp"
)

// Version is written into every saved state.
const Version = 1

var (
	ErrVersion = errors.New("preset: unsupported version")
	ErrBands   = errors.New("preset: band mismatch")
)

// State is the persisted document.
type State struct {
	Version    int                `yaml:"version"`
	Parameters map[string]float64 `yaml:"parameters"`
	Bands      []BandState        `yaml:"bands"`
}

// BandState is the auxiliary per-band data kept next to the parameters.
type BandState struct {
	Index  int    `yaml:"index"`
	HasIR  bool   `yaml:"has_ir"`
	IRPath string `yaml:"ir_path,omitempty"`
	IRName string `yaml:"ir_name,omitempty"`
}

// Capture records the current state of p.
func Capture(p *dsp.Processor) (*State, error) {
	st := &State{
		Version:    Version,
		Parameters: p.Params().Snapshot(),
		Bands:      make([]BandState, len(p.Bands())),
	}

	for i := range st.Bands {
		info, err := p.BandInfo(i)
		if err != nil {
			return nil, err
		}

		st.Bands[i] = BandState{Index: i, HasIR: info.HasIR, IRPath: info.IRPath, IRName: info.IRName}
	}

	return st, nil
}

// Encode writes st as YAML.
func Encode(w io.Writer, st *State) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("preset: encode: %w", err)
	}

	return enc.Close()
}

// Decode reads a YAML state and checks its version.
func Decode(r io.Reader) (*State, error) {
	var st State
	if err := yaml.NewDecoder(r).Decode(&st); err != nil {
		return nil, fmt.Errorf("preset: decode: %w", err)
	}

	if st.Version < 1 || st.Version > Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, st.Version)
	}

	for _, b := range st.Bands {
		if b.Index < 0 {
			return nil, fmt.Errorf("%w: band index %d", ErrBands, b.Index)
		}
	}

	return &st, nil
}

// Save writes st to path, replacing any previous file only once the new
// content is complete.
func Save(path string, st *State) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".preset-*")
	if err != nil {
		return fmt.Errorf("preset: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, st); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("preset: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("preset: %w", err)
	}

	return nil
}

// Load reads a state file.
func Load(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("preset: %w", err)
	}
	defer f.Close()

	st, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return st, nil
}

// Apply restores the parameter values of st into p and returns the bands
// whose impulse responses should be reloaded. Unknown parameters and bands
// beyond the processor's band count are reported in err but do not stop
// the rest of the state from being applied.
func Apply(p *dsp.Processor, st *State) (reload []BandState, err error) {
	var errs []error

	if rerr := p.Params().Restore(st.Parameters); rerr != nil {
		errs = append(errs, rerr)
	}

	for _, b := range st.Bands {
		if b.Index >= len(p.Bands()) {
			errs = append(errs, fmt.Errorf("%w: band %d of %d", ErrBands, b.Index, len(p.Bands())))
			continue
		}

		if b.HasIR && b.IRPath != "" {
			reload = append(reload, b)
		}
	}

	return reload, errors.Join(errs...)
}
