package dsp

import (
	"errors"
	"fmt"
)

var (
	// ErrBlockOrder indicates a partition order outside the supported range.
	ErrBlockOrder = errors.New("dsp: invalid partition block order")
	// ErrEmptyImpulse indicates an impulse response with no samples.
	ErrEmptyImpulse = errors.New("dsp: impulse response is empty")
	// ErrBlockLength indicates mismatched input and output block lengths.
	ErrBlockLength = errors.New("dsp: block length mismatch")
)

// Partition order limits. The latency of a Convolver is 2^minOrder samples.
const (
	MinPartitionOrder = 6
	MaxPartitionOrder = 12
)

// Convolver is a uniformly-clocked, non-uniformly partitioned FFT convolver.
// The impulse response is cut into stages whose partition sizes double from
// 2^minOrder up to 2^maxOrder; small stages run every latency block and the
// larger ones only every few blocks, which keeps the per-block cost flat.
//
// A Convolver owns mutable history and must only be driven by one goroutine.
type Convolver struct {
	irLen    int
	coverage int // partition-aligned length actually convolved

	minOrder int
	maxOrder int
	latency  int

	input       []float32 // input history, newest latency block at the end
	output      []float32 // overlap-add accumulator, index 0 is next out
	inputKeep   int
	outputKeep  int
	blockOffset int

	stages []*stage
}

// NewConvolver builds a convolver for ir. The IR is copied into the
// per-stage spectra, so the caller may reuse the slice afterwards.
func NewConvolver(ir []float32, minOrder, maxOrder int) (*Convolver, error) {
	if minOrder < MinPartitionOrder || minOrder > MaxPartitionOrder {
		return nil, fmt.Errorf("%w: min order %d not in [%d, %d]", ErrBlockOrder, minOrder, MinPartitionOrder, MaxPartitionOrder)
	}

	if maxOrder < minOrder {
		return nil, fmt.Errorf("%w: max order %d below min order %d", ErrBlockOrder, maxOrder, minOrder)
	}

	if len(ir) == 0 {
		return nil, ErrEmptyImpulse
	}

	c := &Convolver{
		irLen:    len(ir),
		minOrder: minOrder,
		maxOrder: maxOrder,
		latency:  1 << minOrder,
	}

	if err := c.partition(); err != nil {
		return nil, err
	}

	padded := make([]float32, c.coverage)
	copy(padded, ir)

	for i, st := range c.stages {
		if err := st.loadImpulse(padded); err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
	}

	return c, nil
}

// Latency is the delay of the wet signal in samples.
func (c *Convolver) Latency() int { return c.latency }

// Len is the length of the impulse response the convolver was built from.
func (c *Convolver) Len() int { return c.irLen }

// Stages returns the partition size and block count of each stage.
func (c *Convolver) Stages() [][2]int {
	out := make([][2]int, len(c.stages))
	for i, st := range c.stages {
		out[i] = [2]int{st.half, len(st.spectra)}
	}

	return out
}

// ones returns 2^(n+1)-1, the summed length of one partition of every
// order from 0 through n.
func ones(n int) int { return (2 << n) - 1 }

func floorLog2(n int) int {
	r := 0
	for n > 1 {
		n >>= 1
		r++
	}

	return r
}

// partition decides how many partitions of each order the IR needs. Every
// order between minOrder and the top order gets at least one partition so
// that each stage can hide behind the one below it; the remainder is spread
// according to the binary digits of the residual length.
func (c *Convolver) partition() error {
	minBlock := c.latency
	padded := (c.irLen + minBlock - 1) / minBlock * minBlock

	top := floorLog2(padded+minBlock) - 1
	residual := padded - (ones(top) - ones(c.minOrder-1))

	if residual&(1<<top) == 0 && top > c.minOrder {
		top--
	}

	top = min(top, c.maxOrder)
	residual = padded - (ones(top) - ones(c.minOrder-1))

	c.stages = make([]*stage, 0, top-c.minOrder+1)
	offset := 0

	for order := c.minOrder; order < top; order++ {
		count := 1 + (residual>>order)&1

		st, err := newStage(order, offset, c.latency, count)
		if err != nil {
			return err
		}

		c.stages = append(c.stages, st)
		offset += count << order
		residual -= (count - 1) << order
	}

	topBlock := 1 << top
	count := 1 + (residual+topBlock-1)/topBlock

	st, err := newStage(top, offset, c.latency, count)
	if err != nil {
		return err
	}

	c.stages = append(c.stages, st)
	c.coverage = max(padded, offset+count*topBlock)

	c.input = make([]float32, 2<<top)
	c.inputKeep = len(c.input) - c.latency
	c.output = make([]float32, c.coverage)
	c.outputKeep = c.coverage - c.latency

	return nil
}

// ProcessBlock convolves in into out. Blocks of any length are accepted;
// they are cut at latency boundaries internally. in and out may alias.
func (c *Convolver) ProcessBlock(in, out []float32) error {
	if len(in) != len(out) {
		return fmt.Errorf("%w: in=%d out=%d", ErrBlockLength, len(in), len(out))
	}

	pos := 0
	for pos < len(in) {
		n := min(len(in)-pos, c.latency-c.blockOffset)
		at := c.blockOffset

		copy(c.input[c.inputKeep+at:], in[pos:pos+n])
		copy(out[pos:pos+n], c.output[at:at+n])

		c.blockOffset += n
		pos += n

		if c.blockOffset == c.latency {
			c.advance()
		}
	}

	return nil
}

// advance runs all due stages once a full latency block has been buffered.
func (c *Convolver) advance() {
	copy(c.output, c.output[c.latency:c.latency+c.outputKeep])
	clear(c.output[c.outputKeep:])

	for _, st := range c.stages {
		st.convolve(c.input, c.output)
	}

	copy(c.input, c.input[c.latency:c.latency+c.inputKeep])
	c.blockOffset = 0
}

// Reset clears the signal history; the impulse response is kept.
func (c *Convolver) Reset() {
	clear(c.input)
	clear(c.output)
	c.blockOffset = 0

	for _, st := range c.stages {
		st.reset()
	}
}
