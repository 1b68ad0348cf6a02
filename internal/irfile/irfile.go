// Package irfile decodes impulse response files. WAV and AIFF/AIFF-C are
// recognised by their headers; multichannel files are mixed down to mono.
package irfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"mb-reverb/dsp"
)

var (
	ErrUnknownFormat = errors.New("irfile: not a WAV or AIFF file")
	ErrUnsupported   = errors.New("irfile: unsupported sample format")
	ErrCorrupt       = errors.New("irfile: corrupt file")
	ErrEmpty         = errors.New("irfile: file holds no samples")
	ErrTooLong       = errors.New("irfile: impulse response too long")
)

// Audio is decoded, deinterleaved audio.
type Audio struct {
	SampleRate float64
	Channels   [][]float32
}

// Frames returns the number of sample frames.
func (a *Audio) Frames() int {
	if len(a.Channels) == 0 {
		return 0
	}

	return len(a.Channels[0])
}

// Mono averages all channels.
func (a *Audio) Mono() []float32 {
	if len(a.Channels) == 1 {
		return a.Channels[0]
	}

	out := make([]float32, a.Frames())
	scale := 1 / float32(len(a.Channels))

	for _, ch := range a.Channels {
		for i, v := range ch {
			out[i] += v * scale
		}
	}

	return out
}

// ReadAudio decodes a WAV or AIFF file.
func ReadAudio(path string) (*Audio, error) { return readAudio(path, 0) }

// readAudio decodes path, failing with ErrTooLong once the audio runs past
// maxSeconds. Zero disables the limit.
func readAudio(path string, maxSeconds float64) (*Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	magic, err := r.Peek(12)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnknownFormat, path, err)
	}

	var a *Audio

	switch {
	case string(magic[0:4]) == "RIFF" && string(magic[8:12]) == "WAVE":
		a, err = decodeWAV(r, maxSeconds)
	case string(magic[0:4]) == "FORM":
		a, err = decodeAIFF(r, maxSeconds)
	default:
		err = ErrUnknownFormat
	}

	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if a.Frames() == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmpty)
	}

	if maxSeconds > 0 && float64(a.Frames()) > maxSeconds*a.SampleRate {
		return nil, fmt.Errorf("%w: %s is %.1f s, limit %.1f s", ErrTooLong, path,
			float64(a.Frames())/a.SampleRate, maxSeconds)
	}

	return a, nil
}

// maxFrames converts a length limit to whole frames; zero means no limit.
func maxFrames(seconds, rate float64) int64 {
	if seconds <= 0 {
		return 0
	}

	return max(int64(seconds*rate), 1)
}

// readPayload reads up to size bytes of sample data. The buffer grows with
// the bytes actually present, so a size field larger than the file costs
// nothing. With limit > 0 reading stops one frame past limit frames and a
// longer payload fails with ErrTooLong.
func readPayload(r io.Reader, size, frameSize, limit int64) ([]byte, error) {
	if limit > 0 {
		size = min(size, (limit+1)*frameSize)
	}

	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return nil, fmt.Errorf("%w: sample data: %w", ErrCorrupt, err)
	}

	if limit > 0 && int64(len(data))/frameSize > limit {
		return nil, fmt.Errorf("%w: more than %d frames", ErrTooLong, limit)
	}

	return data, nil
}

// Decoder loads impulse responses for the reverb.
type Decoder struct {
	// MaxSeconds rejects longer files; zero disables the limit.
	MaxSeconds float64
}

// DecodeImpulse reads path and mixes it down to a mono impulse response.
func (d Decoder) DecodeImpulse(path string) (*dsp.ImpulseResponse, error) {
	a, err := readAudio(path, d.MaxSeconds)
	if err != nil {
		return nil, err
	}

	base := filepath.Base(path)

	return &dsp.ImpulseResponse{
		Name:       strings.TrimSuffix(base, filepath.Ext(base)),
		Path:       path,
		SampleRate: a.SampleRate,
		Samples:    a.Mono(),
	}, nil
}
