package irfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/riff"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xfffe
)

// wavGUIDTail is shared by the KSDATAFORMAT sub-format GUIDs; their first
// two bytes hold the plain format tag.
var wavGUIDTail = []byte{0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xaa, 0x00, 0x38, 0x9b, 0x71}

type wavFormat struct {
	tag      uint16
	channels int
	rate     float64
	bits     int
}

// decodeWAV reads PCM, IEEE float and WAVE_FORMAT_EXTENSIBLE files.
func decodeWAV(r io.Reader, maxSeconds float64) (*Audio, error) {
	p := riff.New(r)
	if err := p.ParseHeaders(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if p.Format != riff.WavFormatID {
		return nil, ErrUnknownFormat
	}

	var f *wavFormat

	for {
		id, size, err := p.IDnSize()
		if err != nil {
			if f == nil {
				return nil, fmt.Errorf("%w: no fmt chunk", ErrCorrupt)
			}

			return nil, fmt.Errorf("%w: no data chunk", ErrCorrupt)
		}

		switch id {
		case riff.FmtID:
			if f, err = readFmt(r, int64(size)); err != nil {
				return nil, err
			}
		case riff.DataFormatID:
			if f == nil {
				return nil, fmt.Errorf("%w: data chunk before fmt", ErrCorrupt)
			}

			frameSize := int64(f.channels * f.bits / 8)

			data, err := readPayload(r, int64(size), frameSize, maxFrames(maxSeconds, f.rate))
			if err != nil {
				return nil, err
			}

			return f.decode(data), nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return nil, fmt.Errorf("%w: chunk %q: %w", ErrCorrupt, id[:], err)
			}
		}

		// Chunks are padded to an even length.
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return nil, fmt.Errorf("%w: pad byte: %w", ErrCorrupt, err)
			}
		}
	}
}

func readFmt(r io.Reader, size int64) (*wavFormat, error) {
	if size < 16 {
		return nil, fmt.Errorf("%w: fmt chunk of %d bytes", ErrCorrupt, size)
	}

	var b [40]byte

	n := min(size, int64(len(b)))
	if _, err := io.ReadFull(r, b[:n]); err != nil {
		return nil, fmt.Errorf("%w: fmt: %w", ErrCorrupt, err)
	}

	if _, err := io.CopyN(io.Discard, r, size-n); err != nil {
		return nil, fmt.Errorf("%w: fmt: %w", ErrCorrupt, err)
	}

	f := &wavFormat{
		tag:      binary.LittleEndian.Uint16(b[0:2]),
		channels: int(binary.LittleEndian.Uint16(b[2:4])),
		rate:     float64(binary.LittleEndian.Uint32(b[4:8])),
		bits:     int(binary.LittleEndian.Uint16(b[14:16])),
	}

	if f.tag == wavFormatExtensible {
		if n < int64(len(b)) || !bytes.Equal(b[26:40], wavGUIDTail) {
			return nil, fmt.Errorf("%w: WAV extensible sub-format", ErrUnsupported)
		}

		f.tag = binary.LittleEndian.Uint16(b[24:26])
	}

	switch {
	case f.channels < 1:
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupported, f.channels)
	case f.rate <= 0:
		return nil, fmt.Errorf("%w: sample rate %v", ErrUnsupported, f.rate)
	case f.tag == wavFormatPCM && (f.bits == 8 || f.bits == 16 || f.bits == 24 || f.bits == 32):
	case f.tag == wavFormatFloat && (f.bits == 32 || f.bits == 64):
	default:
		return nil, fmt.Errorf("%w: WAV format tag %d, %d bit", ErrUnsupported, f.tag, f.bits)
	}

	return f, nil
}

func (f *wavFormat) decode(data []byte) *Audio {
	width := f.bits / 8
	frames := len(data) / (width * f.channels)

	out := &Audio{SampleRate: f.rate, Channels: make([][]float32, f.channels)}
	for c := range out.Channels {
		out.Channels[c] = make([]float32, frames)
	}

	pos := 0
	for i := range frames {
		for c := range f.channels {
			out.Channels[c][i] = f.sample(data[pos : pos+width])
			pos += width
		}
	}

	return out
}

func (f *wavFormat) sample(b []byte) float32 {
	switch {
	case f.tag == wavFormatFloat && f.bits == 64:
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	case f.tag == wavFormatFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case f.bits == 8:
		return float32(int(b[0])-128) / 128 // unsigned
	case f.bits == 16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / (1 << 15)
	case f.bits == 24:
		return float32(audio.Int24LETo32(b)) / (1 << 23)
	default:
		return float32(float64(int32(binary.LittleEndian.Uint32(b))) / (1 << 31))
	}
}

// WriteWAV encodes a as 16, 24 or 32-bit PCM.
func WriteWAV(w io.WriteSeeker, a *Audio, bits int) error {
	if len(a.Channels) == 0 {
		return ErrEmpty
	}

	if bits != 16 && bits != 24 && bits != 32 {
		return fmt.Errorf("%w: %d bit output", ErrUnsupported, bits)
	}

	chans := len(a.Channels)
	frames := a.Frames()
	full := float64(int64(1)<<(bits-1)) - 1

	data := make([]int, frames*chans)
	for i := range frames {
		for c := range chans {
			v := min(max(float64(a.Channels[c][i]), -1), 1)
			data[i*chans+c] = int(v * full)
		}
	}

	enc := wav.NewEncoder(w, int(a.SampleRate), bits, chans, wavFormatPCM)

	err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: chans, SampleRate: int(a.SampleRate)},
		Data:           data,
		SourceBitDepth: bits,
	})
	if err != nil {
		return fmt.Errorf("irfile: write wav: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("irfile: finish wav: %w", err)
	}

	return nil
}
