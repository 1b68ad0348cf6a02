package dsp

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// ErrSuperseded is returned when an impulse response finished loading after
// a newer load for the same band had already been requested.
var ErrSuperseded = errors.New("dsp: impulse response load superseded")

// Volume range of a band in dB. The lower bound is treated as silence.
const (
	MinVolumeDB = -60.0
	MaxVolumeDB = 12.0
)

// BandOptions configures the convolution engine of a band.
type BandOptions struct {
	MinOrder  int  // latency is 2^MinOrder samples
	MaxOrder  int  // largest partition order
	Normalize bool // scale IRs to unit energy on load
}

// DefaultBandOptions gives 128 samples of latency.
func DefaultBandOptions() BandOptions {
	return BandOptions{MinOrder: 7, MaxOrder: 12, Normalize: true}
}

// reverbEngine is an impulse response with one convolver per channel.
// Once stored it belongs to the audio thread.
type reverbEngine struct {
	ir    *ImpulseResponse
	convs []*Convolver
}

// BandReverb applies a convolution reverb with wet/dry mix and volume to
// one frequency band.
//
// Control methods may be called from any goroutine. Process must only be
// called from the audio thread and never blocks: the engine, mix, gain and
// route are read through atomics.
type BandReverb struct {
	index int
	opts  BandOptions

	engine atomic.Pointer[reverbEngine]
	mix    atomic.Uint32 // float32 bits, 0..1
	gain   atomic.Uint32 // float32 bits, linear
	route  atomic.Uint32

	requested atomic.Uint64

	mu       sync.Mutex
	source   *ImpulseResponse
	ctx      ProcessContext
	prepared bool

	wet [][]float32
}

// NewBandReverb returns a band with 50% mix, unity volume and no IR.
func NewBandReverb(index int, opts BandOptions) *BandReverb {
	b := &BandReverb{index: index, opts: opts}
	b.SetMix(0.5)
	b.SetGain(1)

	return b
}

// Index returns the band position, 0 being the lowest.
func (b *BandReverb) Index() int { return b.index }

// SetMix sets the wet fraction, clamped to [0, 1].
func (b *BandReverb) SetMix(fraction float64) {
	b.mix.Store(math.Float32bits(float32(min(max(fraction, 0), 1))))
}

// Mix returns the wet fraction.
func (b *BandReverb) Mix() float64 { return float64(math.Float32frombits(b.mix.Load())) }

// SetGain sets the linear output gain.
func (b *BandReverb) SetGain(g float64) {
	b.gain.Store(math.Float32bits(float32(max(g, 0))))
}

// SetVolumeDB sets the output volume in dB, clamped to the band range.
func (b *BandReverb) SetVolumeDB(db float64) {
	db = min(max(db, MinVolumeDB), MaxVolumeDB)
	b.SetGain(DecibelsToGain(db, MinVolumeDB))
}

// Gain returns the linear output gain.
func (b *BandReverb) Gain() float64 { return float64(math.Float32frombits(b.gain.Load())) }

// SetSolo turns solo on or off. Soloing a band unmutes it.
func (b *BandReverb) SetSolo(on bool) {
	if on {
		b.route.Store(uint32(RouteSolo))
		return
	}

	b.route.CompareAndSwap(uint32(RouteSolo), uint32(RouteNormal))
}

// SetMute turns mute on or off. Muting a band unsolos it.
func (b *BandReverb) SetMute(on bool) {
	if on {
		b.route.Store(uint32(RouteMute))
		return
	}

	b.route.CompareAndSwap(uint32(RouteMute), uint32(RouteNormal))
}

// Route returns the current solo/mute state.
func (b *BandReverb) Route() Route { return Route(b.route.Load()) }

// Soloed reports whether the band is soloed.
func (b *BandReverb) Soloed() bool { return b.Route() == RouteSolo }

// Muted reports whether the band is muted.
func (b *BandReverb) Muted() bool { return b.Route() == RouteMute }

// ImpulseResponse returns the IR currently convolved, after resampling and
// normalisation, or nil.
func (b *BandReverb) ImpulseResponse() *ImpulseResponse {
	if e := b.engine.Load(); e != nil {
		return e.ir
	}

	return nil
}

// Source returns the IR as it was submitted, or nil.
func (b *BandReverb) Source() *ImpulseResponse {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.source
}

// HasImpulse reports whether an IR has been assigned to the band.
func (b *BandReverb) HasImpulse() bool { return b.Source() != nil }

// Prepare sizes scratch buffers and rebuilds the engine for the session.
// It must not run concurrently with Process.
func (b *BandReverb) Prepare(ctx ProcessContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ctx = ctx
	b.prepared = true

	b.wet = make([][]float32, ctx.Channels)
	for c := range b.wet {
		b.wet[c] = make([]float32, ctx.BlockSize)
	}

	if b.source == nil {
		b.engine.Store(nil)
		return nil
	}

	e, err := b.build(b.source, ctx)
	if err != nil {
		b.engine.Store(nil)
		return fmt.Errorf("band %d: %w", b.index, err)
	}

	b.engine.Store(e)

	return nil
}

// Release drops the convolution tails. It must not run concurrently with
// Process.
func (b *BandReverb) Release() {
	if e := b.engine.Load(); e != nil {
		for _, c := range e.convs {
			c.Reset()
		}
	}
}

// SetImpulseResponse installs ir immediately. It counts as the newest
// request for this band.
func (b *BandReverb) SetImpulseResponse(ir *ImpulseResponse) error {
	return b.install(b.beginLoad(), ir)
}

// ClearImpulseResponse removes the IR; the band then passes its input
// through scaled by volume.
func (b *BandReverb) ClearImpulseResponse() {
	b.beginLoad()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.source = nil
	b.engine.Store(nil)
}

// beginLoad registers a new load request and returns its sequence number.
func (b *BandReverb) beginLoad() uint64 { return b.requested.Add(1) }

// install builds an engine for ir and publishes it unless a newer request
// exists. Building happens outside the lock; only the publish step is
// serialised.
func (b *BandReverb) install(seq uint64, ir *ImpulseResponse) error {
	if ir == nil || len(ir.Samples) == 0 {
		return ErrEmptyImpulse
	}

	b.mu.Lock()
	ctx, prepared := b.ctx, b.prepared
	b.mu.Unlock()

	var (
		e   *reverbEngine
		err error
	)

	if prepared {
		if e, err = b.build(ir, ctx); err != nil {
			return fmt.Errorf("band %d: %w", b.index, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if seq != b.requested.Load() {
		return ErrSuperseded
	}

	if b.prepared && (!prepared || b.ctx != ctx) {
		if e, err = b.build(ir, b.ctx); err != nil {
			return fmt.Errorf("band %d: %w", b.index, err)
		}
	}

	b.source = ir

	if b.prepared {
		b.engine.Store(e)
	}

	return nil
}

func (b *BandReverb) build(src *ImpulseResponse, ctx ProcessContext) (*reverbEngine, error) {
	ir, err := src.Resampled(ctx.SampleRate)
	if err != nil {
		return nil, err
	}

	if b.opts.Normalize {
		ir = ir.Normalized()
	}

	e := &reverbEngine{ir: ir, convs: make([]*Convolver, max(ctx.Channels, 1))}
	for c := range e.convs {
		if e.convs[c], err = NewConvolver(ir.Samples, b.opts.MinOrder, b.opts.MaxOrder); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Process blends the convolved signal into buf and applies the volume.
// Without an IR the output is the input scaled by volume.
func (b *BandReverb) Process(buf [][]float32) {
	b.blend(buf)

	g := math.Float32frombits(b.gain.Load())
	for _, ch := range buf {
		for i := range ch {
			ch[i] *= g
		}
	}
}

// blend replaces buf with dry*(1-mix) + wet*mix. Volume is left to the
// caller. Blocks longer than the prepared size are handled in slices.
func (b *BandReverb) blend(buf [][]float32) {
	e := b.engine.Load()
	if e == nil || len(buf) == 0 || len(b.wet) == 0 {
		return
	}

	mix := math.Float32frombits(b.mix.Load())
	dry := 1 - mix
	chunk := len(b.wet[0])
	if chunk == 0 {
		return
	}

	chans := min(len(buf), len(e.convs), len(b.wet))

	for c := range chans {
		ch := buf[c]
		for off := 0; off < len(ch); off += chunk {
			in := ch[off:min(off+chunk, len(ch))]
			wet := b.wet[c][:len(in)]

			// Lengths match by construction.
			_ = e.convs[c].ProcessBlock(in, wet)

			for i := range in {
				in[i] = in[i]*dry + wet[i]*mix
			}
		}
	}
}
