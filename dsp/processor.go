package dsp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrContext indicates an unusable sample rate, block size or channel count.
	ErrContext = errors.New("dsp: invalid process context")
	// ErrBandIndex indicates a band number outside the processor.
	ErrBandIndex = errors.New("dsp: band index out of range")
	// ErrNoDecoder indicates that no impulse decoder was configured.
	ErrNoDecoder = errors.New("dsp: no impulse response decoder configured")
)

// ProcessContext is the session the host prepares the processor for.
type ProcessContext struct {
	SampleRate float64
	BlockSize  int // largest block the host will deliver
	Channels   int
}

// Validate checks that the context can be prepared.
func (c ProcessContext) Validate() error {
	if c.SampleRate <= 0 || c.BlockSize <= 0 || c.Channels <= 0 {
		return fmt.Errorf("%w: %+v", ErrContext, c)
	}

	return nil
}

// ImpulseDecoder turns a file path into a mono impulse response.
type ImpulseDecoder interface {
	DecodeImpulse(path string) (*ImpulseResponse, error)
}

// DecoderFunc adapts a function to ImpulseDecoder.
type DecoderFunc func(path string) (*ImpulseResponse, error)

// DecodeImpulse calls f.
func (f DecoderFunc) DecodeImpulse(path string) (*ImpulseResponse, error) { return f(path) }

// IREvent reports the outcome of an impulse response load.
type IREvent struct {
	Band int
	Path string
	Name string
	Err  error // nil on success, ErrSuperseded if a newer load won
}

// IRListener receives IREvents on the loading goroutine.
type IRListener func(IREvent)

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	Bands             int
	Crossovers        []float64 // len Bands-1; nil selects the defaults
	CrossoverOrder    int
	PhaseCompensation bool
	Band              BandOptions
	Analyzer          AnalyzerOptions
	Decoder           ImpulseDecoder
	Logger            *slog.Logger
}

// DefaultProcessorOptions returns LR4 crossovers with phase compensation,
// 128 samples of reverb latency and the stock analyzer.
func DefaultProcessorOptions(bands int) ProcessorOptions {
	return ProcessorOptions{
		Bands:             bands,
		CrossoverOrder:    DefaultCrossoverOrder,
		PhaseCompensation: true,
		Band:              DefaultBandOptions(),
		Analyzer:          DefaultAnalyzerOptions(),
	}
}

// BandInfo is a read-only summary of a band for control surfaces.
type BandInfo struct {
	Index  int
	HasIR  bool
	IRName string
	IRPath string
	IRLen  int
	Mix    float64
	Gain   float64
	Route  Route
}

// Processor is the multiband reverb: crossover bank, one BandReverb per
// band, the solo/mute mixer and the output analyzer.
//
// Prepare, ProcessBlock and Release follow the host lifecycle and are
// never called concurrently with each other. Everything else is control
// side and safe for concurrent use.
type Processor struct {
	log      *slog.Logger
	decoder  ImpulseDecoder
	params   *Params
	bank     *CrossoverBank
	bands    []*BandReverb
	analyzer *SpectrumAnalyzer

	ctx      ProcessContext
	prepared atomic.Bool

	split   [][][]float32 // [band][channel][sample]
	views   [][][]float32 // [band][channel] chunk views into split
	chunk   [][]float32   // chunk views into the host buffer
	signals []BandSignal

	lmu         sync.RWMutex
	irListeners []IRListener
	loads       sync.WaitGroup
}

// NewProcessor builds a processor. Until Prepare, ProcessBlock leaves
// buffers untouched.
func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	params, err := NewParams(opts.Bands)
	if err != nil {
		return nil, err
	}

	if opts.Crossovers != nil {
		if len(opts.Crossovers) != opts.Bands-1 {
			return nil, fmt.Errorf("%w: %d crossovers for %d bands", ErrBandCount, len(opts.Crossovers), opts.Bands)
		}

		restore := make(map[string]float64, len(opts.Crossovers))
		for i, f := range opts.Crossovers {
			restore[CrossoverID(i)] = f
		}

		if err := params.Restore(restore); err != nil {
			return nil, err
		}
	}

	freqs := make([]float64, opts.Bands-1)
	for i := range freqs {
		freqs[i] = params.Get(CrossoverID(i))
	}

	bank, err := NewCrossoverBank(freqs, opts.CrossoverOrder, opts.PhaseCompensation)
	if err != nil {
		return nil, err
	}

	analyzer, err := NewSpectrumAnalyzer(opts.Analyzer)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &Processor{
		log:      log,
		decoder:  opts.Decoder,
		params:   params,
		bank:     bank,
		analyzer: analyzer,
	}

	for i := range opts.Bands {
		p.bands = append(p.bands, NewBandReverb(i, opts.Band))
	}

	for _, id := range params.IDs() {
		if err := params.AddListener(id, p.parameterChanged); err != nil {
			return nil, err
		}

		p.parameterChanged(id, params.Get(id))
	}

	return p, nil
}

// parameterChanged pushes a parameter value into the component it drives.
// It runs on whichever goroutine changed the parameter.
func (p *Processor) parameterChanged(id string, v float64) {
	for i := range p.bank.Bands() - 1 {
		if id == CrossoverID(i) {
			if err := p.bank.SetFrequency(i, v); err != nil {
				p.log.Error("crossover update failed", "crossover", i, "hz", v, "error", err)
			}

			return
		}
	}

	for i, b := range p.bands {
		switch id {
		case MixID(i):
			b.SetMix(v / 100)
		case VolumeID(i):
			b.SetVolumeDB(v)
		case SoloID(i):
			b.SetSolo(v >= 0.5)
		case MuteID(i):
			b.SetMute(v >= 0.5)
		default:
			continue
		}

		return
	}
}

// Params returns the parameter set.
func (p *Processor) Params() *Params { return p.params }

// Analyzer returns the output spectrum analyzer.
func (p *Processor) Analyzer() *SpectrumAnalyzer { return p.analyzer }

// Bank returns the crossover bank.
func (p *Processor) Bank() *CrossoverBank { return p.bank }

// Bands returns the band units, lowest first.
func (p *Processor) Bands() []*BandReverb { return p.bands }

// Band returns band i.
func (p *Processor) Band(i int) (*BandReverb, error) {
	if i < 0 || i >= len(p.bands) {
		return nil, fmt.Errorf("%w: %d", ErrBandIndex, i)
	}

	return p.bands[i], nil
}

// Context returns the prepared session; zero before Prepare.
func (p *Processor) Context() ProcessContext { return p.ctx }

// Prepared reports whether the processor is between Prepare and Release.
func (p *Processor) Prepared() bool { return p.prepared.Load() }

// Prepare allocates everything ProcessBlock needs for ctx and rebuilds
// loaded impulse responses at the new sample rate.
func (p *Processor) Prepare(ctx ProcessContext) error {
	if err := ctx.Validate(); err != nil {
		return err
	}

	p.prepared.Store(false)

	if err := p.bank.Prepare(ctx.SampleRate, ctx.BlockSize, ctx.Channels); err != nil {
		return err
	}

	var errs []error

	for _, b := range p.bands {
		if err := b.Prepare(ctx); err != nil {
			p.log.Error("band prepare failed", "band", b.Index(), "error", err)
			errs = append(errs, err)
		}
	}

	p.analyzer.SetSampleRate(ctx.SampleRate)
	p.analyzer.Reset()

	n := len(p.bands)
	p.split = make([][][]float32, n)
	p.views = make([][][]float32, n)

	for k := range n {
		p.split[k] = make([][]float32, ctx.Channels)
		p.views[k] = make([][]float32, ctx.Channels)

		for c := range ctx.Channels {
			p.split[k][c] = make([]float32, ctx.BlockSize)
		}
	}

	p.chunk = make([][]float32, ctx.Channels)
	p.signals = make([]BandSignal, n)
	p.ctx = ctx
	p.prepared.Store(true)

	p.log.Info("prepared", "sampleRate", ctx.SampleRate, "blockSize", ctx.BlockSize,
		"channels", ctx.Channels, "bands", n)

	return errors.Join(errs...)
}

// ProcessBlock runs one host block in place. buf holds one slice per
// channel, all of equal length. Blocks longer than the prepared size are
// processed in pieces. An unprepared processor or a buffer with the wrong
// channel count leaves buf untouched.
func (p *Processor) ProcessBlock(buf [][]float32) {
	if !p.prepared.Load() || len(buf) != p.ctx.Channels || len(buf[0]) == 0 {
		return
	}

	total := len(buf[0])
	for off := 0; off < total; off += p.ctx.BlockSize {
		m := min(p.ctx.BlockSize, total-off)
		for c := range buf {
			p.chunk[c] = buf[c][off : off+m]
		}

		p.processChunk(m)
	}
}

func (p *Processor) processChunk(m int) {
	p.bank.Split(p.chunk, p.split, m)

	for k, b := range p.bands {
		views := p.views[k]
		for c := range views {
			views[c] = p.split[k][c][:m]
		}

		b.blend(views)

		p.signals[k] = BandSignal{Buffers: views, Gain: float32(b.Gain()), Route: b.Route()}
	}

	MixBands(p.chunk, p.signals, m)
	p.analyzer.PushBuffer(p.chunk[0])
}

// Release drops filter and reverb tails. Loaded impulse responses are kept.
func (p *Processor) Release() {
	p.prepared.Store(false)
	p.bank.Reset()

	for _, b := range p.bands {
		b.Release()
	}

	p.analyzer.Reset()
}

// Latency returns the wet path delay in samples.
func (p *Processor) Latency() int { return 1 << p.bands[0].opts.MinOrder }

// AddIRListener registers fn for load outcomes.
func (p *Processor) AddIRListener(fn IRListener) {
	p.lmu.Lock()
	p.irListeners = append(p.irListeners, fn)
	p.lmu.Unlock()
}

func (p *Processor) emit(ev IREvent) {
	p.lmu.RLock()
	fns := append([]IRListener(nil), p.irListeners...)
	p.lmu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// LoadImpulseResponse decodes path on a new goroutine and installs it in
// band. It returns at once; the outcome is delivered to IR listeners. If
// a later load for the same band is requested before this one finishes,
// this one is discarded. On failure the band keeps its previous IR.
func (p *Processor) LoadImpulseResponse(band int, path string) error {
	b, err := p.Band(band)
	if err != nil {
		return err
	}

	if p.decoder == nil {
		return ErrNoDecoder
	}

	seq := b.beginLoad()

	p.loads.Add(1)

	go func() {
		defer p.loads.Done()
		p.emit(p.load(b, seq, path))
	}()

	return nil
}

// LoadImpulseResponseSync is LoadImpulseResponse on the calling goroutine.
func (p *Processor) LoadImpulseResponseSync(band int, path string) error {
	b, err := p.Band(band)
	if err != nil {
		return err
	}

	if p.decoder == nil {
		return ErrNoDecoder
	}

	ev := p.load(b, b.beginLoad(), path)
	p.emit(ev)

	return ev.Err
}

func (p *Processor) load(b *BandReverb, seq uint64, path string) IREvent {
	ev := IREvent{Band: b.Index(), Path: path}

	ir, err := p.decoder.DecodeImpulse(path)
	if err != nil {
		p.log.Error("impulse response decode failed", "band", ev.Band, "path", path, "error", err)
		ev.Err = err

		return ev
	}

	ev.Name = ir.Name

	switch err := b.install(seq, ir); {
	case errors.Is(err, ErrSuperseded):
		p.log.Debug("impulse response superseded", "band", ev.Band, "path", path)
		ev.Err = err
	case err != nil:
		p.log.Error("impulse response install failed", "band", ev.Band, "path", path, "error", err)
		ev.Err = err
	default:
		p.log.Info("impulse response loaded", "band", ev.Band, "name", ir.Name,
			"samples", len(ir.Samples), "sampleRate", ir.SampleRate)
	}

	return ev
}

// SetImpulseResponse installs an already decoded IR in band.
func (p *Processor) SetImpulseResponse(band int, ir *ImpulseResponse) error {
	b, err := p.Band(band)
	if err != nil {
		return err
	}

	return b.SetImpulseResponse(ir)
}

// ClearImpulseResponse removes the IR of band.
func (p *Processor) ClearImpulseResponse(band int) error {
	b, err := p.Band(band)
	if err != nil {
		return err
	}

	b.ClearImpulseResponse()

	return nil
}

// WaitLoads blocks until every asynchronous load has finished.
func (p *Processor) WaitLoads() { p.loads.Wait() }

// BandInfo summarises band i.
func (p *Processor) BandInfo(i int) (BandInfo, error) {
	b, err := p.Band(i)
	if err != nil {
		return BandInfo{}, err
	}

	info := BandInfo{Index: i, Mix: b.Mix(), Gain: b.Gain(), Route: b.Route()}
	if src := b.Source(); src != nil {
		info.HasIR = true
		info.IRName = src.Name
		info.IRPath = src.Path
		info.IRLen = len(src.Samples)
	}

	return info, nil
}
