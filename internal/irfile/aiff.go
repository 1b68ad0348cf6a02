package irfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// sampleOrder describes how SSND sample words are laid out.
type sampleOrder int

const (
	bigEndianPCM sampleOrder = iota
	littleEndianPCM
	bigEndianFloat
)

type aiffHeader struct {
	channels int
	frames   int
	bits     int
	rate     float64
	order    sampleOrder
}

// decodeAIFF reads an AIFF or uncompressed AIFF-C stream into per-channel
// float32 samples in [-1, 1).
func decodeAIFF(r io.Reader, maxSeconds float64) (*Audio, error) {
	var form [12]byte
	if _, err := io.ReadFull(r, form[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	kind := string(form[8:12])
	if string(form[0:4]) != "FORM" || (kind != "AIFF" && kind != "AIFC") {
		return nil, ErrUnknownFormat
	}

	var (
		hdr  *aiffHeader
		data []byte
	)

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, fmt.Errorf("%w: chunk header: %w", ErrCorrupt, err)
		}

		id := string(chunk[0:4])
		size := int64(binary.BigEndian.Uint32(chunk[4:8]))

		var err error

		switch id {
		case "COMM":
			hdr, err = readCOMM(r, size, kind == "AIFC")
		case "SSND":
			data, err = readSSND(r, size, hdr, maxSeconds)
		default:
			_, err = io.CopyN(io.Discard, r, size)
		}

		if err != nil {
			return nil, err
		}

		// Chunks are padded to an even length.
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: pad byte: %w", ErrCorrupt, err)
			}
		}
	}

	switch {
	case hdr == nil:
		return nil, fmt.Errorf("%w: no COMM chunk", ErrCorrupt)
	case data == nil:
		return nil, fmt.Errorf("%w: no SSND chunk", ErrCorrupt)
	}

	return hdr.decode(data), nil
}

func readCOMM(r io.Reader, size int64, compressed bool) (*aiffHeader, error) {
	if size < 18 {
		return nil, fmt.Errorf("%w: COMM chunk of %d bytes", ErrCorrupt, size)
	}

	var comm [18]byte
	if _, err := io.ReadFull(r, comm[:]); err != nil {
		return nil, fmt.Errorf("%w: COMM: %w", ErrCorrupt, err)
	}

	h := &aiffHeader{
		channels: int(binary.BigEndian.Uint16(comm[0:2])),
		frames:   int(binary.BigEndian.Uint32(comm[2:6])),
		bits:     int(binary.BigEndian.Uint16(comm[6:8])),
		rate:     extendedFloat(comm[8:18]),
		order:    bigEndianPCM,
	}

	rest := size - 18
	if compressed && rest >= 4 {
		var tag [4]byte
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			return nil, fmt.Errorf("%w: COMM compression: %w", ErrCorrupt, err)
		}

		rest -= 4

		switch string(tag[:]) {
		case "NONE", "none", "twos":
		case "sowt":
			h.order = littleEndianPCM
		case "fl32", "FL32":
			h.order = bigEndianFloat
		default:
			return nil, fmt.Errorf("%w: AIFF-C compression %q", ErrUnsupported, tag[:])
		}
	}

	if _, err := io.CopyN(io.Discard, r, rest); err != nil {
		return nil, fmt.Errorf("%w: COMM: %w", ErrCorrupt, err)
	}

	switch {
	case h.channels < 1:
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupported, h.channels)
	case h.order == bigEndianFloat && h.bits != 32:
		return nil, fmt.Errorf("%w: %d bit float", ErrUnsupported, h.bits)
	case h.bits != 8 && h.bits != 16 && h.bits != 24 && h.bits != 32:
		return nil, fmt.Errorf("%w: %d bit samples", ErrUnsupported, h.bits)
	case h.rate <= 0 || h.rate > 768000 || math.IsInf(h.rate, 0):
		return nil, fmt.Errorf("%w: sample rate %v", ErrUnsupported, h.rate)
	}

	return h, nil
}

// readSSND returns the sample bytes. Once COMM is known, no more than its
// frame count is read and the rest of an oversized chunk is skipped.
func readSSND(r io.Reader, size int64, hdr *aiffHeader, maxSeconds float64) ([]byte, error) {
	if size < 8 {
		return nil, fmt.Errorf("%w: SSND chunk of %d bytes", ErrCorrupt, size)
	}

	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("%w: SSND: %w", ErrCorrupt, err)
	}

	offset := int64(binary.BigEndian.Uint32(head[0:4]))
	if offset > size-8 {
		return nil, fmt.Errorf("%w: SSND offset %d past chunk end", ErrCorrupt, offset)
	}

	if _, err := io.CopyN(io.Discard, r, offset); err != nil {
		return nil, fmt.Errorf("%w: SSND: %w", ErrCorrupt, err)
	}

	avail := size - 8 - offset
	want, frameSize, limit := avail, int64(1), int64(0)

	if hdr != nil {
		frameSize = int64(hdr.channels * hdr.bits / 8)
		want = min(avail, int64(hdr.frames)*frameSize)
		limit = maxFrames(maxSeconds, hdr.rate)
	}

	data, err := readPayload(r, want, frameSize, limit)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) < want {
		return nil, fmt.Errorf("%w: SSND holds %d of %d bytes", ErrCorrupt, len(data), want)
	}

	if _, err := io.CopyN(io.Discard, r, avail-want); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: SSND: %w", ErrCorrupt, err)
	}

	return data, nil
}

func (h *aiffHeader) decode(data []byte) *Audio {
	width := h.bits / 8
	frames := min(h.frames, len(data)/(width*h.channels))

	out := &Audio{SampleRate: h.rate, Channels: make([][]float32, h.channels)}
	for c := range out.Channels {
		out.Channels[c] = make([]float32, frames)
	}

	pos := 0
	for i := range frames {
		for c := range h.channels {
			out.Channels[c][i] = h.sample(data[pos : pos+width])
			pos += width
		}
	}

	return out
}

func (h *aiffHeader) sample(b []byte) float32 {
	switch h.order {
	case bigEndianFloat:
		return math.Float32frombits(binary.BigEndian.Uint32(b))
	case littleEndianPCM:
		var v int32
		for i := len(b) - 1; i >= 0; i-- {
			v = v<<8 | int32(b[i])
		}

		return signed(v, h.bits)
	default:
		var v int32
		for _, x := range b {
			v = v<<8 | int32(x)
		}

		return signed(v, h.bits)
	}
}

// signed sign-extends a bits wide two's complement word and scales it.
func signed(v int32, bits int) float32 {
	shift := 32 - bits

	return float32(float64(v<<shift>>shift) / float64(int64(1)<<(bits-1)))
}

// extendedFloat decodes the 80-bit IEEE 754 extended value AIFF uses for
// the sample rate: sign and 15-bit exponent, then a 64-bit mantissa with
// an explicit integer bit.
func extendedFloat(b []byte) float64 {
	se := binary.BigEndian.Uint16(b[0:2])
	exp := int(se & 0x7fff)
	mant := binary.BigEndian.Uint64(b[2:10])

	switch {
	case exp == 0 && mant == 0:
		return 0
	case exp == 0x7fff:
		return math.Inf(1)
	}

	v := math.Ldexp(float64(mant), exp-16383-63)
	if se&0x8000 != 0 {
		v = -v
	}

	return v
}
