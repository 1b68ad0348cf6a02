package dsp

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/resample"
)

// ImpulseResponse is a decoded mono IR. Values are never mutated after
// construction; derived versions are new values.
type ImpulseResponse struct {
	Name       string
	Path       string
	SampleRate float64
	Samples    []float32
}

// Duration returns the IR length in seconds.
func (ir *ImpulseResponse) Duration() float64 {
	if ir.SampleRate <= 0 {
		return 0
	}

	return float64(len(ir.Samples)) / ir.SampleRate
}

// Normalized returns a copy scaled to unit energy, so a broadband signal
// keeps roughly its level through the reverb. A silent IR is returned as is.
func (ir *ImpulseResponse) Normalized() *ImpulseResponse {
	var energy float64
	for _, v := range ir.Samples {
		energy += float64(v) * float64(v)
	}

	out := *ir
	if energy == 0 {
		return &out
	}

	scale := float32(1 / math.Sqrt(energy))
	out.Samples = make([]float32, len(ir.Samples))

	for i, v := range ir.Samples {
		out.Samples[i] = v * scale
	}

	return &out
}

// Resampled converts the IR to rate with a polyphase resampler. The IR is
// returned unchanged when it already matches.
func (ir *ImpulseResponse) Resampled(rate float64) (*ImpulseResponse, error) {
	if rate <= 0 || ir.SampleRate <= 0 || rate == ir.SampleRate {
		return ir, nil
	}

	r, err := resample.NewForRates(ir.SampleRate, rate, resample.WithQuality(resample.QualityBest))
	if err != nil {
		return nil, fmt.Errorf("resample %s %.0f->%.0f Hz: %w", ir.Name, ir.SampleRate, rate, err)
	}

	src := make([]float64, len(ir.Samples))
	for i, v := range ir.Samples {
		src[i] = float64(v)
	}

	dst := r.Process(src)
	if len(dst) == 0 {
		return nil, fmt.Errorf("%w: %s resampled to nothing", ErrEmptyImpulse, ir.Name)
	}

	out := *ir
	out.SampleRate = rate
	out.Samples = make([]float32, len(dst))

	for i, v := range dst {
		out.Samples[i] = float32(v)
	}

	return &out, nil
}
