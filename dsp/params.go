package dsp

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// ErrUnknownParam indicates a parameter ID that is not part of the set.
var ErrUnknownParam = errors.New("dsp: unknown parameter")

// Crossover limits. Neighbouring crossovers are kept CrossoverGap apart.
const (
	MinCrossoverHz = 20.0
	MaxCrossoverHz = 20000.0
	CrossoverGap   = 100.0
	CrossoverSkew  = 0.3
)

// ParamSpec describes one automatable parameter.
type ParamSpec struct {
	ID      string
	Name    string
	Unit    string
	Min     float64
	Max     float64
	Default float64
	Skew    float64 // exponent of the normalised mapping, 1 is linear
	Toggle  bool
}

// Clamp limits v to the range; toggles snap to 0 or 1.
func (s ParamSpec) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return s.Default
	}

	if s.Toggle {
		if v >= 0.5 {
			return 1
		}

		return 0
	}

	return min(max(v, s.Min), s.Max)
}

// Normalize maps v to 0..1 applying the skew.
func (s ParamSpec) Normalize(v float64) float64 {
	if s.Max <= s.Min {
		return 0
	}

	x := (s.Clamp(v) - s.Min) / (s.Max - s.Min)
	if s.Skew > 0 && s.Skew != 1 {
		x = math.Pow(x, s.Skew)
	}

	return x
}

// Denormalize is the inverse of Normalize.
func (s ParamSpec) Denormalize(x float64) float64 {
	x = min(max(x, 0), 1)
	if s.Skew > 0 && s.Skew != 1 && x > 0 {
		x = math.Exp(math.Log(x) / s.Skew)
	}

	return s.Clamp(s.Min + (s.Max-s.Min)*x)
}

// Format renders v with its unit for display.
func (s ParamSpec) Format(v float64) string {
	switch {
	case s.Toggle:
		if v >= 0.5 {
			return "on"
		}

		return "off"
	case s.Unit == "Hz":
		return fmt.Sprintf("%.0f Hz", v)
	case s.Unit == "dB" && v <= s.Min:
		return "-inf dB"
	default:
		return fmt.Sprintf("%.1f %s", v, s.Unit)
	}
}

// CrossoverID names crossover i, counted from 0 as "crossover1".
func CrossoverID(i int) string { return fmt.Sprintf("crossover%d", i+1) }

// MixID names the wet/dry mix of a band.
func MixID(band int) string { return fmt.Sprintf("mix%d", band) }

// VolumeID names the output volume of a band.
func VolumeID(band int) string { return fmt.Sprintf("vol%d", band) }

// SoloID names the solo toggle of a band.
func SoloID(band int) string { return fmt.Sprintf("solo%d", band) }

// MuteID names the mute toggle of a band.
func MuteID(band int) string { return fmt.Sprintf("mute%d", band) }

// DefaultCrossovers returns the stock cutoffs for a band count.
func DefaultCrossovers(bands int) []float64 {
	if bands == 3 {
		return []float64{500, 5000}
	}

	return []float64{1000}
}

// Listener is told about a parameter change on the goroutine that made it.
type Listener func(id string, value float64)

type paramSlot struct {
	spec ParamSpec
	bits atomic.Uint64
}

func (p *paramSlot) load() float64   { return math.Float64frombits(p.bits.Load()) }
func (p *paramSlot) store(v float64) { p.bits.Store(math.Float64bits(v)) }

// Params is the fixed parameter set of the processor. Values live in
// atomic slots so any goroutine may read them; writes are serialised so the
// crossover spacing and solo/mute exclusivity hold after every Set.
type Params struct {
	bands      int
	crossovers int
	order      []string
	slots      map[string]*paramSlot

	mu        sync.Mutex
	nmu       sync.Mutex // held from store to the end of notification
	lmu       sync.RWMutex
	listeners map[string][]Listener
}

// NewParams builds the parameter set for 2 or 3 bands.
func NewParams(bands int) (*Params, error) {
	if bands < 2 || bands > 3 {
		return nil, fmt.Errorf("%w: got %d", ErrBandCount, bands)
	}

	p := &Params{
		bands:      bands,
		crossovers: bands - 1,
		slots:      make(map[string]*paramSlot),
		listeners:  make(map[string][]Listener),
	}

	for i, f := range DefaultCrossovers(bands) {
		p.add(ParamSpec{
			ID: CrossoverID(i), Name: fmt.Sprintf("Crossover %d", i+1), Unit: "Hz",
			Min: MinCrossoverHz, Max: MaxCrossoverHz, Default: f, Skew: CrossoverSkew,
		})
	}

	for b := range bands {
		p.add(ParamSpec{ID: MixID(b), Name: fmt.Sprintf("Mix %d", b+1), Unit: "%", Max: 100, Default: 50, Skew: 1})
		p.add(ParamSpec{ID: VolumeID(b), Name: fmt.Sprintf("Volume %d", b+1), Unit: "dB", Min: MinVolumeDB, Max: MaxVolumeDB, Skew: 1})
		p.add(ParamSpec{ID: SoloID(b), Name: fmt.Sprintf("Solo %d", b+1), Max: 1, Skew: 1, Toggle: true})
		p.add(ParamSpec{ID: MuteID(b), Name: fmt.Sprintf("Mute %d", b+1), Max: 1, Skew: 1, Toggle: true})
	}

	return p, nil
}

func (p *Params) add(spec ParamSpec) {
	s := &paramSlot{spec: spec}
	s.store(spec.Default)
	p.slots[spec.ID] = s
	p.order = append(p.order, spec.ID)
}

// Bands returns the number of bands the set was built for.
func (p *Params) Bands() int { return p.bands }

// IDs returns every parameter ID in declaration order.
func (p *Params) IDs() []string { return append([]string(nil), p.order...) }

// Spec returns the description of id.
func (p *Params) Spec(id string) (ParamSpec, bool) {
	s, ok := p.slots[id]
	if !ok {
		return ParamSpec{}, false
	}

	return s.spec, true
}

// Get returns the value of id, or 0 for an unknown ID.
func (p *Params) Get(id string) float64 {
	if s, ok := p.slots[id]; ok {
		return s.load()
	}

	return 0
}

// AddListener registers fn for changes of id.
func (p *Params) AddListener(id string, fn Listener) error {
	if _, ok := p.slots[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParam, id)
	}

	p.lmu.Lock()
	p.listeners[id] = append(p.listeners[id], fn)
	p.lmu.Unlock()

	return nil
}

type change struct {
	id    string
	value float64
}

// Set clamps and stores v, then notifies listeners of every parameter that
// changed as a result. It returns the value actually stored.
//
// Notifications are delivered in the order the values were stored, so the
// last value a listener sees is the stored one. Listeners must not call Set.
func (p *Params) Set(id string, v float64) (float64, error) {
	s, ok := p.slots[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownParam, id)
	}

	p.mu.Lock()
	stored, changes := p.apply(s, v)
	p.nmu.Lock()
	p.mu.Unlock()

	p.notify(changes)
	p.nmu.Unlock()

	return stored, nil
}

// apply enforces the cross-parameter rules. Caller holds mu.
func (p *Params) apply(s *paramSlot, v float64) (float64, []change) {
	v = s.spec.Clamp(v)

	for i := range p.crossovers {
		if s.spec.ID != CrossoverID(i) {
			continue
		}

		if i > 0 {
			v = max(v, p.slots[CrossoverID(i-1)].load()+CrossoverGap)
		}

		if i < p.crossovers-1 {
			v = min(v, p.slots[CrossoverID(i+1)].load()-CrossoverGap)
		}

		v = s.spec.Clamp(v)
	}

	var changes []change

	set := func(slot *paramSlot, val float64) {
		if slot.load() != val {
			slot.store(val)
			changes = append(changes, change{slot.spec.ID, val})
		}
	}

	if v == 1 {
		for b := range p.bands {
			switch s.spec.ID {
			case SoloID(b):
				set(p.slots[MuteID(b)], 0)
			case MuteID(b):
				set(p.slots[SoloID(b)], 0)
			}
		}
	}

	set(s, v)

	return v, changes
}

func (p *Params) notify(changes []change) {
	for _, c := range changes {
		p.lmu.RLock()
		fns := p.listeners[c.id]
		p.lmu.RUnlock()

		for _, fn := range fns {
			fn(c.id, c.value)
		}
	}
}

// Normalized returns the value of id on the 0..1 control scale.
func (p *Params) Normalized(id string) float64 {
	s, ok := p.slots[id]
	if !ok {
		return 0
	}

	return s.spec.Normalize(s.load())
}

// SetNormalized sets id from a 0..1 control position.
func (p *Params) SetNormalized(id string, x float64) (float64, error) {
	s, ok := p.slots[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownParam, id)
	}

	return p.Set(id, s.spec.Denormalize(x))
}

// Snapshot returns every value keyed by ID.
func (p *Params) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(p.order))
	for _, id := range p.order {
		out[id] = p.slots[id].load()
	}

	return out
}

// Restore applies a snapshot. Unknown IDs are skipped and reported.
// Crossovers are applied in the order that lets the spacing rule accept
// the saved values.
func (p *Params) Restore(values map[string]float64) error {
	var unknown []error

	for id := range values {
		if _, ok := p.slots[id]; !ok {
			unknown = append(unknown, fmt.Errorf("%w: %q", ErrUnknownParam, id))
		}
	}

	ids := make([]string, 0, len(p.order))
	for i := range p.crossovers {
		ids = append(ids, CrossoverID(i))
	}

	if p.crossovers == 2 {
		if v, ok := values[CrossoverID(1)]; ok && v >= p.Get(CrossoverID(1)) {
			ids[0], ids[1] = ids[1], ids[0]
		}
	}

	ids = append(ids, p.order[p.crossovers:]...)

	for _, id := range ids {
		if v, ok := values[id]; ok {
			if _, err := p.Set(id, v); err != nil {
				return err
			}
		}
	}

	return errors.Join(unknown...)
}

// Reset returns every parameter to its default.
func (p *Params) Reset() {
	defaults := make(map[string]float64, len(p.order))
	for _, id := range p.order {
		defaults[id] = p.slots[id].spec.Default
	}

	_ = p.Restore(defaults)
}
