package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mb-reverb/internal/config"
)

// globalFlags are shared by every command and override the config file.
type globalFlags struct {
	configPath string
	logFile    string
	logLevel   string
	preset     string
	bands      int
	latency    int
	sampleRate float64
	blockSize  int
	channels   int
	noPhase    bool
}

type runFlags struct {
	noTUI     bool
	web       bool
	port      int
	open      bool
	inDevice  int
	outDevice int
	irs       []string
}

type renderFlags struct {
	irs   []string
	sets  []string
	bits  int
	tail  float64
	block int
}

func newRootCommand() *cobra.Command {
	var (
		g  globalFlags
		rf runFlags
	)

	root := &cobra.Command{
		Use:           "mb-reverb",
		Short:         "Real-time multiband convolution reverb",
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML configuration file (default ./"+config.DefaultPath+" if present)")
	pf.StringVar(&g.logFile, "log", "", "log file path, - for stderr")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&g.preset, "preset", "", "state file restored at start and saved on exit")
	pf.IntVarP(&g.bands, "bands", "b", 0, "number of bands, 2 or 3")
	pf.IntVar(&g.latency, "latency", 0, "reverb latency in samples (64, 128, 256 or 512)")
	pf.Float64VarP(&g.sampleRate, "sample-rate", "s", 0, "sample rate in Hz")
	pf.IntVar(&g.blockSize, "block-size", 0, "host block size in frames")
	pf.IntVar(&g.channels, "channels", 0, "number of audio channels")
	pf.BoolVar(&g.noPhase, "no-phase-compensation", false, "plain crossover cascade without allpass compensation")

	run := &cobra.Command{
		Use:   "run",
		Short: "Process live audio from the sound card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &g)
			if err != nil {
				return err
			}

			applyRunFlags(cmd, cfg, &rf)

			return runLive(cmd.Context(), cfg, &rf)
		},
	}

	rfs := run.Flags()
	rfs.BoolVar(&rf.noTUI, "no-tui", false, "run headless until interrupted")
	rfs.BoolVar(&rf.web, "web", false, "serve the browser control surface")
	rfs.IntVarP(&rf.port, "port", "p", 0, "web server port")
	rfs.BoolVar(&rf.open, "open", false, "open the web UI in a browser")
	rfs.IntVar(&rf.inDevice, "in-device", -1, "input device index, -1 for the default")
	rfs.IntVar(&rf.outDevice, "out-device", -1, "output device index, -1 for the default")
	rfs.StringArrayVar(&rf.irs, "ir", nil, "impulse response for a band as band=path, repeatable")

	root.AddCommand(run, newRenderCommand(&g), newDevicesCommand())

	// Without a subcommand the reverb runs live.
	root.RunE = run.RunE
	root.Flags().AddFlagSet(rfs)

	return root
}

func newRenderCommand(g *globalFlags) *cobra.Command {
	var rf renderFlags

	cmd := &cobra.Command{
		Use:   "render <input.wav> <output.wav>",
		Short: "Process an audio file offline, including the reverb tail",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("block") {
				cfg.Audio.BlockSize = rf.block
			}

			log, closer, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			irs, err := parseAssignments(rf.irs)
			if err != nil {
				return err
			}

			sets, err := parseSettings(rf.sets)
			if err != nil {
				return err
			}

			stats, err := renderFile(cfg, log, renderJob{
				Input:       args[0],
				Output:      args[1],
				IRs:         irs,
				Params:      sets,
				Bits:        rf.bits,
				TailSeconds: rf.tail,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "rendered %d frames (%d tail) at %.0f Hz, peak %.1f dBFS\n",
				stats.Frames, stats.TailFrames, stats.SampleRate, stats.PeakDB)

			return nil
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&rf.irs, "ir", nil, "impulse response for a band as band=path, repeatable")
	f.StringArrayVar(&rf.sets, "set", nil, "parameter value as id=value (e.g. mix1=40), repeatable")
	f.IntVar(&rf.bits, "bits", 24, "output bit depth: 16, 24 or 32")
	f.Float64Var(&rf.tail, "tail", -1, "seconds appended for the reverb tail, -1 for the longest impulse response")
	f.IntVar(&rf.block, "block", 0, "processing block size in frames")

	return cmd
}

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listDevices(cmd.OutOrStdout())
		},
	}
}

// loadConfig reads the configuration and applies the persistent flags the
// user actually set.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()

	if flags.Changed("log") {
		cfg.LogFile = g.logFile
	}

	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}

	if flags.Changed("preset") {
		cfg.Preset = g.preset
	}

	if flags.Changed("bands") && g.bands != cfg.Bands.Count {
		cfg.Bands.Count = g.bands
		// Crossovers and IRs from the file were meant for another split.
		cfg.Bands.Crossovers = nil

		if len(cfg.Bands.ImpulseResponses) > g.bands {
			cfg.Bands.ImpulseResponses = cfg.Bands.ImpulseResponses[:g.bands]
		}
	}

	if flags.Changed("latency") {
		cfg.Convolution.Latency = g.latency
		cfg.Convolution.MaxBlockOrder = max(cfg.Convolution.MaxBlockOrder, cfg.MinBlockOrder())
	}

	if flags.Changed("sample-rate") {
		cfg.Audio.SampleRate = g.sampleRate
	}

	if flags.Changed("block-size") {
		cfg.Audio.BlockSize = g.blockSize
	}

	if flags.Changed("channels") {
		cfg.Audio.Channels = g.channels
	}

	if flags.Changed("no-phase-compensation") {
		cfg.Bands.PhaseCompensation = !g.noPhase
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config, rf *runFlags) {
	flags := cmd.Flags()

	if flags.Changed("web") || flags.Changed("open") {
		cfg.Web.Enabled = rf.web || rf.open
	}

	if flags.Changed("port") {
		cfg.Web.Port = rf.port
	}

	if flags.Changed("in-device") {
		cfg.Audio.InputDevice = rf.inDevice
	}

	if flags.Changed("out-device") {
		cfg.Audio.OutputDevice = rf.outDevice
	}
}

// parseAssignments parses band=path pairs. Bands are numbered from 0.
func parseAssignments(list []string) (map[int]string, error) {
	out := make(map[int]string, len(list))

	for _, item := range list {
		k, v, ok := strings.Cut(item, "=")
		if !ok || v == "" {
			return nil, fmt.Errorf("impulse response %q: want band=path", item)
		}

		band, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || band < 0 {
			return nil, fmt.Errorf("impulse response %q: bad band number", item)
		}

		out[band] = v
	}

	return out, nil
}

// parseSettings parses id=value parameter settings.
func parseSettings(list []string) (map[string]float64, error) {
	out := make(map[string]float64, len(list))

	for _, item := range list {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("parameter %q: want id=value", item)
		}

		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", item, err)
		}

		out[strings.TrimSpace(k)] = f
	}

	return out, nil
}
