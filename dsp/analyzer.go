package dsp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// ErrAnalyzerSize indicates an FFT size that is not a power of two >= 64.
var ErrAnalyzerSize = errors.New("dsp: analyzer size must be a power of two >= 64")

// Analyzer defaults: an order 11 FFT refreshed at 60 Hz.
const (
	DefaultFFTSize         = 2048
	DefaultSmoothing       = 0.8
	DefaultAveragingRadius = 3
	DefaultFloorDB         = -100.0
	DefaultRefreshHz       = 60.0
)

const freshFrame = 1 << 31

// AnalyzerOptions configures a SpectrumAnalyzer.
type AnalyzerOptions struct {
	FFTSize         int
	Smoothing       float64 // weight of the previous value, 0..1
	AveragingRadius int     // bins either side averaged by ValueForFrequency
	FloorDB         float64
	RefreshHz       float64
}

// DefaultAnalyzerOptions returns the stock display settings.
func DefaultAnalyzerOptions() AnalyzerOptions {
	return AnalyzerOptions{
		FFTSize:         DefaultFFTSize,
		Smoothing:       DefaultSmoothing,
		AveragingRadius: DefaultAveragingRadius,
		FloorDB:         DefaultFloorDB,
		RefreshHz:       DefaultRefreshHz,
	}
}

// AnalyzerStats counts frames through the analyzer.
type AnalyzerStats struct {
	Captured uint64 // full windows handed off by the audio thread
	Analyzed uint64 // windows transformed by Tick
	Dropped  uint64 // windows overwritten before Tick saw them
}

// SpectrumAnalyzer computes a smoothed magnitude spectrum of the output.
//
// PushBuffer runs on the audio thread. It fills a window and hands it over
// through a three slot exchange, so neither side ever waits for the other
// and the slot being analyzed is never written. Tick and the readers run
// elsewhere.
type SpectrumAnalyzer struct {
	size int
	opts AnalyzerOptions

	sampleRate atomic.Uint64

	// audio thread
	fifo []float32
	fill int
	back int

	slots  [3][]float32
	middle atomic.Uint32

	// Tick
	front  int
	fft    *fourier.FFT
	win    []float64
	norm   float64
	frame  []float64
	coeffs []complex128

	mu       sync.RWMutex
	smoothed []float64

	captured atomic.Uint64
	analyzed atomic.Uint64
	dropped  atomic.Uint64
}

// NewSpectrumAnalyzer validates opts and allocates every buffer up front.
func NewSpectrumAnalyzer(opts AnalyzerOptions) (*SpectrumAnalyzer, error) {
	n := opts.FFTSize
	if n < 64 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrAnalyzerSize, n)
	}

	opts.Smoothing = min(max(opts.Smoothing, 0), 1)
	opts.AveragingRadius = max(opts.AveragingRadius, 0)

	if opts.RefreshHz <= 0 {
		opts.RefreshHz = DefaultRefreshHz
	}

	win := make([]float64, n)
	for i := range win {
		win[i] = 1
	}

	win = window.Hann(win)

	var sum float64
	for _, w := range win {
		sum += w
	}

	a := &SpectrumAnalyzer{
		size:     n,
		opts:     opts,
		fifo:     make([]float32, n),
		back:     0,
		front:    2,
		fft:      fourier.NewFFT(n),
		win:      win,
		norm:     2 / sum,
		frame:    make([]float64, n),
		coeffs:   make([]complex128, n/2+1),
		smoothed: make([]float64, n/2+1),
	}

	for i := range a.slots {
		a.slots[i] = make([]float32, n)
	}

	a.middle.Store(1)

	return a, nil
}

// Size returns the FFT size.
func (a *SpectrumAnalyzer) Size() int { return a.size }

// Bins returns the number of magnitude bins, Size/2+1.
func (a *SpectrumAnalyzer) Bins() int { return a.size/2 + 1 }

// FloorDB returns the lowest level reported in dB.
func (a *SpectrumAnalyzer) FloorDB() float64 { return a.opts.FloorDB }

// SetSampleRate sets the rate used to map frequencies to bins.
func (a *SpectrumAnalyzer) SetSampleRate(sr float64) {
	a.sampleRate.Store(math.Float64bits(sr))
}

// SampleRate returns the rate used to map frequencies to bins.
func (a *SpectrumAnalyzer) SampleRate() float64 {
	return math.Float64frombits(a.sampleRate.Load())
}

// Reset discards the partial window and the smoothed spectrum. It must not
// run concurrently with PushBuffer.
func (a *SpectrumAnalyzer) Reset() {
	a.fill = 0

	a.mu.Lock()
	clear(a.smoothed)
	a.mu.Unlock()
}

// PushBuffer appends samples to the current window, handing each full
// window to the analysis side. It does not allocate or block.
func (a *SpectrumAnalyzer) PushBuffer(samples []float32) {
	for len(samples) > 0 {
		n := copy(a.fifo[a.fill:], samples)
		a.fill += n
		samples = samples[n:]

		if a.fill == a.size {
			a.publish()
			a.fill = 0
		}
	}
}

func (a *SpectrumAnalyzer) publish() {
	copy(a.slots[a.back], a.fifo)

	prev := a.middle.Swap(uint32(a.back) | freshFrame)
	if prev&freshFrame != 0 {
		a.dropped.Add(1)
	}

	a.back = int(prev &^ freshFrame)
	a.captured.Add(1)
}

// Tick analyzes the newest handed-off window, if any, and folds it into
// the smoothed spectrum. It reports whether a window was analyzed. Only one
// goroutine may call Tick.
func (a *SpectrumAnalyzer) Tick() bool {
	if a.middle.Load()&freshFrame == 0 {
		return false
	}

	prev := a.middle.Swap(uint32(a.front))
	a.front = int(prev &^ freshFrame)

	src := a.slots[a.front]
	for i, v := range src {
		a.frame[i] = float64(v) * a.win[i]
	}

	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	keep := a.opts.Smoothing
	take := 1 - keep

	a.mu.Lock()
	for k, c := range a.coeffs {
		a.smoothed[k] = a.smoothed[k]*keep + cmplx.Abs(c)*a.norm*take
	}
	a.mu.Unlock()

	a.analyzed.Add(1)

	return true
}

// Run calls Tick at the configured refresh rate until ctx is done.
func (a *SpectrumAnalyzer) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / a.opts.RefreshHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Tick()
		}
	}
}

// Stats returns the frame counters.
func (a *SpectrumAnalyzer) Stats() AnalyzerStats {
	return AnalyzerStats{
		Captured: a.captured.Load(),
		Analyzed: a.analyzed.Load(),
		Dropped:  a.dropped.Load(),
	}
}

// SmoothedSpectrum returns a copy of the smoothed linear magnitudes.
func (a *SpectrumAnalyzer) SmoothedSpectrum() []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return append([]float64(nil), a.smoothed...)
}

// BinFrequency returns the centre frequency of bin k.
func (a *SpectrumAnalyzer) BinFrequency(k int) float64 {
	return float64(k) * a.SampleRate() / float64(a.size)
}

// ValueForFrequency returns the smoothed magnitude around freq, averaged
// over the bins within the averaging radius that exist.
func (a *SpectrumAnalyzer) ValueForFrequency(freq float64) float64 {
	sr := a.SampleRate()
	if sr <= 0 {
		return 0
	}

	last := a.size / 2
	centre := min(max(int(freq*float64(a.size)/sr), 0), last)
	lo := max(centre-a.opts.AveragingRadius, 0)
	hi := min(centre+a.opts.AveragingRadius, last)

	a.mu.RLock()
	defer a.mu.RUnlock()

	var sum float64
	for k := lo; k <= hi; k++ {
		sum += a.smoothed[k]
	}

	return sum / float64(hi-lo+1)
}

// ValueForFrequencyDB is ValueForFrequency in dB, never below the floor.
func (a *SpectrumAnalyzer) ValueForFrequencyDB(freq float64) float64 {
	return GainToDecibels(a.ValueForFrequency(freq), a.opts.FloorDB)
}

// Curve samples the spectrum in dB at points log-spaced frequencies from
// minHz to maxHz.
func (a *SpectrumAnalyzer) Curve(points int, minHz, maxHz float64) []float64 {
	if points <= 0 || minHz <= 0 || maxHz <= minHz {
		return nil
	}

	out := make([]float64, points)
	ratio := math.Log(maxHz / minHz)

	for i := range out {
		t := 0.0
		if points > 1 {
			t = float64(i) / float64(points-1)
		}

		out[i] = a.ValueForFrequencyDB(minHz * math.Exp(ratio*t))
	}

	return out
}
