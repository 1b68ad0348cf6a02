package dsp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design/pass"
)

var (
	// ErrBandCount indicates an unsupported number of bands.
	ErrBandCount = errors.New("dsp: band count must be 2 or 3")
	// ErrFilterOrder indicates a Linkwitz-Riley order that is not a positive even number.
	ErrFilterOrder = errors.New("dsp: crossover order must be a positive even integer")
	// ErrCrossoverIndex indicates a crossover index outside the bank.
	ErrCrossoverIndex = errors.New("dsp: crossover index out of range")
)

// DefaultCrossoverOrder is LR4: 24 dB/oct slopes whose low and high outputs
// are in phase and sum to an allpass.
const DefaultCrossoverOrder = 4

// nyquistGuard keeps designed cutoffs clear of the Nyquist frequency.
const nyquistGuard = 0.49

// crossoverDesign is an immutable coefficient set for every crossover of a
// bank at one sample rate. The control side builds it and the audio thread
// adopts it at the next block boundary.
type crossoverDesign struct {
	freqs []float64
	lp    [][]biquad.Coefficients
	hp    [][]biquad.Coefficients
}

type filterPair struct {
	lp *biquad.Chain
	hp *biquad.Chain
}

type bankChannel struct {
	splits []filterPair
	// comp[k] holds one allpass pair per crossover above band k+1. It
	// restores the phase the upper cascade adds to the higher bands.
	comp [][]filterPair
}

// CrossoverBank splits a signal into 2 or 3 complementary bands with
// Linkwitz-Riley filter pairs. Crossovers are cascaded: the first pair
// splits the whole input, each further pair splits what is above the
// previous cutoff. Both filters of a pair read the same undivided copy of
// their input.
type CrossoverBank struct {
	bands      int
	order      int
	compensate bool

	mu         sync.Mutex
	freqs      []float64
	sampleRate float64

	pending atomic.Pointer[crossoverDesign]
	applied *crossoverDesign

	channels []bankChannel
	rest     []float64
	low      []float64
	tmp      []float64
}

// NewCrossoverBank creates a bank with len(freqs)+1 bands. Frequencies are
// expected in ascending order; the bank is unusable until Prepare.
func NewCrossoverBank(freqs []float64, order int, compensate bool) (*CrossoverBank, error) {
	if len(freqs) < 1 || len(freqs) > 2 {
		return nil, fmt.Errorf("%w: got %d", ErrBandCount, len(freqs)+1)
	}

	if order <= 0 || order%2 != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrFilterOrder, order)
	}

	return &CrossoverBank{
		bands:      len(freqs) + 1,
		order:      order,
		compensate: compensate,
		freqs:      append([]float64(nil), freqs...),
	}, nil
}

// Bands returns the number of output bands.
func (b *CrossoverBank) Bands() int { return b.bands }

// Frequencies returns the current cutoffs.
func (b *CrossoverBank) Frequencies() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]float64(nil), b.freqs...)
}

// Prepare allocates filters and scratch space for the given session. It
// must not run concurrently with Split.
func (b *CrossoverBank) Prepare(sampleRate float64, maxBlock, channels int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sampleRate = sampleRate

	d, err := b.design()
	if err != nil {
		return err
	}

	n := b.bands - 1
	b.channels = make([]bankChannel, channels)

	for c := range b.channels {
		ch := bankChannel{
			splits: make([]filterPair, n),
			comp:   make([][]filterPair, n),
		}

		for i := range n {
			ch.splits[i] = newFilterPair(d, i)
		}

		if b.compensate {
			for k := range n {
				for j := k + 1; j < n; j++ {
					ch.comp[k] = append(ch.comp[k], newFilterPair(d, j))
				}
			}
		}

		b.channels[c] = ch
	}

	b.rest = make([]float64, maxBlock)
	b.low = make([]float64, maxBlock)
	b.tmp = make([]float64, maxBlock)
	b.applied = d
	b.pending.Store(d)

	return nil
}

func newFilterPair(d *crossoverDesign, i int) filterPair {
	return filterPair{lp: biquad.NewChain(d.lp[i]), hp: biquad.NewChain(d.hp[i])}
}

// SetFrequency moves crossover i. The new coefficients take effect at the
// start of the next Split and filter state is carried over, so the change
// does not click. Safe to call from any goroutine.
func (b *CrossoverBank) SetFrequency(i int, hz float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i < 0 || i >= len(b.freqs) {
		return fmt.Errorf("%w: %d", ErrCrossoverIndex, i)
	}

	b.freqs[i] = hz
	if b.sampleRate <= 0 {
		return nil
	}

	d, err := b.design()
	if err != nil {
		return err
	}

	b.pending.Store(d)

	return nil
}

// design computes coefficients for the current cutoffs. Caller holds mu.
func (b *CrossoverBank) design() (*crossoverDesign, error) {
	d := &crossoverDesign{
		freqs: append([]float64(nil), b.freqs...),
		lp:    make([][]biquad.Coefficients, len(b.freqs)),
		hp:    make([][]biquad.Coefficients, len(b.freqs)),
	}

	for i, f := range b.freqs {
		f = min(max(f, 1), b.sampleRate*nyquistGuard)

		d.lp[i] = pass.LinkwitzRileyLP(f, b.order, b.sampleRate)
		if pass.LinkwitzRileyNeedsHPInvert(b.order) {
			d.hp[i] = pass.LinkwitzRileyHPInverted(f, b.order, b.sampleRate)
		} else {
			d.hp[i] = pass.LinkwitzRileyHP(f, b.order, b.sampleRate)
		}

		if d.lp[i] == nil || d.hp[i] == nil {
			return nil, fmt.Errorf("dsp: cannot design LR%d at %.1f Hz for %.0f Hz", b.order, f, b.sampleRate)
		}
	}

	return d, nil
}

// adopt swaps in a newly published design without touching filter state.
func (b *CrossoverBank) adopt() {
	d := b.pending.Load()
	if d == nil || d == b.applied {
		return
	}

	for c := range b.channels {
		ch := &b.channels[c]
		for i := range ch.splits {
			ch.splits[i].lp.UpdateCoefficients(d.lp[i], 1)
			ch.splits[i].hp.UpdateCoefficients(d.hp[i], 1)
		}

		for k := range ch.comp {
			for m, pair := range ch.comp[k] {
				j := k + 1 + m
				pair.lp.UpdateCoefficients(d.lp[j], 1)
				pair.hp.UpdateCoefficients(d.hp[j], 1)
			}
		}
	}

	b.applied = d
}

// Split filters the first n samples of each input channel into
// out[band][channel]. The input is left untouched.
func (b *CrossoverBank) Split(in [][]float32, out [][][]float32, n int) {
	b.adopt()

	rest := b.rest[:n]
	low := b.low[:n]
	tmp := b.tmp[:n]

	for c := range b.channels {
		ch := &b.channels[c]

		for i, v := range in[c][:n] {
			rest[i] = float64(v)
		}

		for k, split := range ch.splits {
			copy(low, rest)
			split.lp.ProcessBlock(low)
			split.hp.ProcessBlock(rest)

			for _, ap := range ch.comp[k] {
				copy(tmp, low)
				ap.lp.ProcessBlock(low)
				ap.hp.ProcessBlock(tmp)

				for i := range low {
					low[i] += tmp[i]
				}
			}

			store32(out[k][c][:n], low)
		}

		store32(out[b.bands-1][c][:n], rest)
	}
}

// Reset clears the filter history of every channel.
func (b *CrossoverBank) Reset() {
	for c := range b.channels {
		ch := &b.channels[c]
		for _, p := range ch.splits {
			p.lp.Reset()
			p.hp.Reset()
		}

		for _, comp := range ch.comp {
			for _, p := range comp {
				p.lp.Reset()
				p.hp.Reset()
			}
		}
	}
}

func store32(dst []float32, src []float64) {
	for i, v := range src {
		dst[i] = float32(v)
	}
}
