package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mb-reverb/dsp"
	"mb-reverb/internal/config"
	"mb-reverb/internal/irfile"
	"mb-reverb/internal/preset"
	"mb-reverb/web"
)

// errQuit ends the run loop when the user leaves the terminal UI.
var errQuit = errors.New("quit")

// newProcessor builds the reverb from cfg with the file decoder attached.
func newProcessor(cfg *config.Config, log *slog.Logger) (*dsp.Processor, error) {
	opts := cfg.ProcessorOptions()
	opts.Decoder = irfile.Decoder{MaxSeconds: cfg.Convolution.MaxIRSeconds}
	opts.Logger = log

	return dsp.NewProcessor(opts)
}

// restoreState applies the preset file, if any, and returns the impulse
// responses it names. A missing file is not an error.
func restoreState(cfg *config.Config, proc *dsp.Processor, log *slog.Logger) map[int]string {
	irs := make(map[int]string)
	if cfg.Preset == "" {
		return irs
	}

	st, err := preset.Load(cfg.Preset)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("preset not restored", "path", cfg.Preset, "error", err)
		}

		return irs
	}

	reload, err := preset.Apply(proc, st)
	if err != nil {
		log.Warn("preset partially restored", "path", cfg.Preset, "error", err)
	}

	for _, b := range reload {
		irs[b.Index] = b.IRPath
	}

	log.Info("preset restored", "path", cfg.Preset, "impulseResponses", len(irs))

	return irs
}

func saveState(cfg *config.Config, proc *dsp.Processor, log *slog.Logger) {
	if cfg.Preset == "" {
		return
	}

	st, err := preset.Capture(proc)
	if err == nil {
		err = preset.Save(cfg.Preset, st)
	}

	if err != nil {
		log.Error("preset not saved", "path", cfg.Preset, "error", err)
		return
	}

	log.Info("preset saved", "path", cfg.Preset)
}

// impulseResponses merges the configured, restored and command line IRs,
// later sources winning.
func impulseResponses(cfg *config.Config, restored map[int]string, flags []string) (map[int]string, error) {
	out := make(map[int]string)

	for band, path := range cfg.Bands.ImpulseResponses {
		if path != "" {
			out[band] = path
		}
	}

	for band, path := range restored {
		out[band] = path
	}

	cli, err := parseAssignments(flags)
	if err != nil {
		return nil, err
	}

	for band, path := range cli {
		if band >= cfg.Bands.Count {
			return nil, fmt.Errorf("impulse response for band %d: only %d bands", band, cfg.Bands.Count)
		}

		out[band] = path
	}

	return out, nil
}

// runLive processes the sound card until the terminal UI quits or the
// process is interrupted.
func runLive(parent context.Context, cfg *config.Config, rf *runFlags) error {
	log, closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	proc, err := newProcessor(cfg, log)
	if err != nil {
		return err
	}

	irs, err := impulseResponses(cfg, restoreState(cfg, proc, log), rf.irs)
	if err != nil {
		return err
	}

	for band, path := range irs {
		if err := proc.LoadImpulseResponse(band, path); err != nil {
			log.Error("impulse response not loaded", "band", band, "path", path, "error", err)
		}
	}

	if err := initAudio(); err != nil {
		return err
	}
	defer terminateAudio()

	h, err := openHost(cfg, proc, log)
	if err != nil {
		return err
	}

	if err := h.start(); err != nil {
		_ = h.close()
		return fmt.Errorf("start stream: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return proc.Analyzer().Run(ctx) })

	if cfg.Web.Enabled {
		srv := web.NewServer(proc, web.Options{
			Host:           "localhost",
			Port:           cfg.Web.Port,
			SpectrumHz:     cfg.Web.SpectrumHz,
			SpectrumPoints: cfg.Web.SpectrumPoints,
			MinHz:          dsp.MinCrossoverHz,
			MaxHz:          dsp.MaxCrossoverHz,
		}, log)

		g.Go(func() error { return srv.Run(ctx) })

		if rf.open {
			go func() {
				time.Sleep(200 * time.Millisecond)

				if err := web.OpenBrowser(ctx, fmt.Sprintf("http://localhost:%d", cfg.Web.Port)); err != nil {
					log.Warn("failed to open browser", "error", err)
				}
			}()
		}
	}

	if rf.noTUI {
		fmt.Fprintf(os.Stdout, "mb-reverb running with %d bands, log %s. Press Ctrl+C to exit.\n",
			cfg.Bands.Count, cfg.LogFile)

		if cfg.Web.Enabled {
			fmt.Fprintf(os.Stdout, "Web UI at http://localhost:%d\n", cfg.Web.Port)
		}
	} else {
		g.Go(func() error {
			if err := runTUI(ctx, proc); err != nil {
				return err
			}

			return errQuit
		})
	}

	err = g.Wait()

	log.Info("shutting down", "reason", err)

	proc.WaitLoads()
	saveState(cfg, proc, log)

	if cerr := h.close(); cerr != nil {
		log.Error("audio stream close failed", "error", cerr)
	}

	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
