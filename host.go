package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/gordonklaus/portaudio"

	"mb-reverb/dsp"
	"mb-reverb/internal/config"
)

var errNoDevice = errors.New("audio device not found")

// host runs a full-duplex PortAudio stream through the processor.
type host struct {
	log    *slog.Logger
	proc   *dsp.Processor
	stream *portaudio.Stream
	ctx    dsp.ProcessContext
}

func initAudio() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	return nil
}

func terminateAudio() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}

	return nil
}

// device resolves a device index, -1 selecting the default.
func device(id int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if id < 0 {
		return fallback()
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	if id >= len(devices) {
		return nil, fmt.Errorf("%w: index %d of %d", errNoDevice, id, len(devices))
	}

	return devices[id], nil
}

// openHost prepares proc for the configured format and opens the stream.
// The stream is not started.
func openHost(cfg *config.Config, proc *dsp.Processor, log *slog.Logger) (*host, error) {
	in, err := device(cfg.Audio.InputDevice, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, fmt.Errorf("input device: %w", err)
	}

	out, err := device(cfg.Audio.OutputDevice, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, fmt.Errorf("output device: %w", err)
	}

	h := &host{log: log, proc: proc, ctx: cfg.ProcessContext()}

	if err := proc.Prepare(h.ctx); err != nil {
		return nil, err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   in,
			Channels: h.ctx.Channels,
			Latency:  in.DefaultLowInputLatency,
		},
		Output: portaudio.StreamDeviceParameters{
			Device:   out,
			Channels: h.ctx.Channels,
			Latency:  out.DefaultLowOutputLatency,
		},
		SampleRate:      h.ctx.SampleRate,
		FramesPerBuffer: h.ctx.BlockSize,
	}

	stream, err := portaudio.OpenStream(params, h.process)
	if err != nil {
		proc.Release()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	h.stream = stream

	log.Info("audio stream opened", "input", in.Name, "output", out.Name,
		"sampleRate", h.ctx.SampleRate, "blockSize", h.ctx.BlockSize, "channels", h.ctx.Channels,
		"reverbLatency", proc.Latency())

	return h, nil
}

// process is the audio callback. Buffers are non-interleaved.
func (h *host) process(in, out [][]float32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for c := range out {
		if c < len(in) {
			copy(out[c], in[c])
		} else {
			clear(out[c])
		}
	}

	h.proc.ProcessBlock(out)
}

func (h *host) start() error { return h.stream.Start() }

// close stops the stream and releases the processor.
func (h *host) close() error {
	err := errors.Join(h.stream.Stop(), h.stream.Close())
	h.proc.Release()

	return err
}

// listDevices prints every PortAudio device.
func listDevices(w io.Writer) error {
	if err := initAudio(); err != nil {
		return err
	}
	defer terminateAudio()

	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Available audio devices\n\n")

	for i, d := range devices {
		kind := ""

		switch {
		case d.MaxInputChannels > 0 && d.MaxOutputChannels > 0:
			kind = "input/output"
		case d.MaxInputChannels > 0:
			kind = "input"
		case d.MaxOutputChannels > 0:
			kind = "output"
		}

		fmt.Fprintf(w, "[%d] %s (%s, %s)\n", i, d.Name, kind, d.HostApi.Name)
		fmt.Fprintf(w, "    channels in %d out %d, default rate %.0f Hz, low latency %v / %v\n",
			d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate,
			d.DefaultLowInputLatency, d.DefaultLowOutputLatency)
	}

	return nil
}
