package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"mb-reverb/dsp"
	"mb-reverb/internal/config"
	"mb-reverb/internal/irfile"
	"mb-reverb/internal/preset"
)

var errNoInput = errors.New("render: input has no samples")

// renderJob describes one offline render.
type renderJob struct {
	Input, Output string
	IRs           map[int]string     // band -> impulse response path
	Params        map[string]float64 // applied after the preset
	Bits          int
	TailSeconds   float64 // negative selects the longest impulse response
}

type renderStats struct {
	Frames     int
	TailFrames int
	SampleRate float64
	PeakDB     float64
}

// renderFile runs job through a processor configured from cfg. The session
// sample rate and channel count follow the input file.
func renderFile(cfg *config.Config, log *slog.Logger, job renderJob) (renderStats, error) {
	var stats renderStats

	proc, err := newProcessor(cfg, log)
	if err != nil {
		return stats, err
	}

	irs := restoreState(cfg, proc, log)
	for band, path := range job.IRs {
		irs[band] = path
	}

	for band, path := range irs {
		if err := proc.LoadImpulseResponseSync(band, path); err != nil {
			return stats, fmt.Errorf("band %d: %w", band, err)
		}
	}

	if err := proc.Params().Restore(job.Params); err != nil {
		return stats, err
	}

	in, err := irfile.ReadAudio(job.Input)
	if err != nil {
		return stats, err
	}

	if in.Frames() == 0 {
		return stats, errNoInput
	}

	block := cfg.Audio.BlockSize
	ctx := dsp.ProcessContext{SampleRate: in.SampleRate, BlockSize: block, Channels: len(in.Channels)}

	if err := proc.Prepare(ctx); err != nil {
		return stats, err
	}
	defer proc.Release()

	tail := tailFrames(proc, job.TailSeconds, in.SampleRate)
	total := in.Frames() + tail

	out := &irfile.Audio{SampleRate: in.SampleRate, Channels: make([][]float32, len(in.Channels))}
	for c := range out.Channels {
		out.Channels[c] = make([]float32, total)
		copy(out.Channels[c], in.Channels[c])
	}

	view := make([][]float32, len(out.Channels))

	for off := 0; off < total; off += block {
		end := min(off+block, total)
		for c := range view {
			view[c] = out.Channels[c][off:end]
		}

		proc.ProcessBlock(view)
	}

	var peak float64
	for _, ch := range out.Channels {
		for _, v := range ch {
			peak = max(peak, math.Abs(float64(v)))
		}
	}

	f, err := os.Create(job.Output)
	if err != nil {
		return stats, err
	}

	if err := irfile.WriteWAV(f, out, job.Bits); err != nil {
		f.Close()
		return stats, err
	}

	if err := f.Close(); err != nil {
		return stats, err
	}

	stats = renderStats{
		Frames:     total,
		TailFrames: tail,
		SampleRate: in.SampleRate,
		PeakDB:     dsp.GainToDecibels(peak, -120),
	}

	log.Info("render finished", "input", job.Input, "output", job.Output,
		"frames", stats.Frames, "tail", stats.TailFrames, "peakDb", stats.PeakDB)

	if peak > 1 {
		log.Warn("render output clipped", "peak", peak)
	}

	return stats, nil
}

// tailFrames returns how many frames to append so the reverb can ring out.
func tailFrames(proc *dsp.Processor, seconds, rate float64) int {
	if seconds >= 0 {
		return int(math.Ceil(seconds * rate))
	}

	longest := 0

	for _, b := range proc.Bands() {
		if ir := b.ImpulseResponse(); ir != nil {
			longest = max(longest, len(ir.Samples))
		}
	}

	if longest == 0 {
		return 0
	}

	return longest + proc.Latency()
}
