package dsp

import (
	"fmt"

	algofft "github.com/MeKo-Christian/algo-fft"
)

// stage convolves one run of equally sized IR partitions. A stage of order o
// uses partitions of half = 2^o samples and a 2·half point real FFT. It only
// fires every half/latency blocks; phase tracks that schedule.
type stage struct {
	half    int
	size    int
	offset  int // position of the first partition in the IR
	latency int

	phase int
	mask  int

	spectra [][]complex64
	plan    *algofft.PlanRealT[float32, complex64]

	signal  []complex64
	product []complex64
	time    []float32
}

func newStage(order, offset, latency, count int) (*stage, error) {
	half := 1 << order
	size := 2 * half

	plan, err := algofft.NewPlanReal32(size)
	if err != nil {
		return nil, fmt.Errorf("fft plan %d: %w", size, err)
	}

	bins := half + 1

	return &stage{
		half:    half,
		size:    size,
		offset:  offset,
		latency: latency,
		mask:    half/latency - 1,
		spectra: make([][]complex64, count),
		plan:    plan,
		signal:  make([]complex64, bins),
		product: make([]complex64, bins),
		time:    make([]float32, size),
	}, nil
}

// loadImpulse transforms this stage's partitions of ir. Each partition sits
// in the upper half of a zeroed FFT frame so that the circular product
// yields the linear convolution in the lower half.
func (s *stage) loadImpulse(ir []float32) error {
	frame := make([]float32, s.size)

	for k := range s.spectra {
		clear(frame)

		start := s.offset + k*s.half
		if start < len(ir) {
			copy(frame[s.half:], ir[start:min(start+s.half, len(ir))])
		}

		s.spectra[k] = make([]complex64, s.half+1)
		if err := s.plan.Forward(s.spectra[k], frame); err != nil {
			return fmt.Errorf("partition %d: %w", k, err)
		}
	}

	return nil
}

// convolve reads the newest size samples of history and overlap-adds the
// contribution of every partition into acc.
func (s *stage) convolve(history, acc []float32) {
	due := s.phase == 0
	s.phase = (s.phase + 1) & s.mask

	if !due {
		return
	}

	// Frame sizes are fixed at construction, so the transforms cannot fail.
	_ = s.plan.Forward(s.signal, history[len(history)-s.size:])

	base := s.offset + s.latency - s.half

	for k, spec := range s.spectra {
		dst := s.signal
		if len(s.spectra) > 1 {
			copy(s.product, s.signal)
			dst = s.product
		}

		for i := range dst {
			dst[i] *= spec[i]
		}

		_ = s.plan.Inverse(s.time, dst)

		at := base + k*s.half
		if at < 0 || at+s.half > len(acc) {
			continue
		}

		out := acc[at : at+s.half]
		for i := range out {
			out[i] += s.time[i]
		}
	}
}

func (s *stage) reset() {
	s.phase = 0
	clear(s.signal)
	clear(s.product)
	clear(s.time)
}
