package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kikiluvv/slopstudio/internal/config"
	"github.com/kikiluvv/slopstudio/internal/ffmpeg"
	"github.com/kikiluvv/slopstudio/internal/logging"
	"github.com/kikiluvv/slopstudio/internal/mux"
	"github.com/kikiluvv/slopstudio/internal/pipeline"
	"github.com/kikiluvv/slopstudio/pkg/util"
)

var (
	cfgFile  string
	verbose  bool
	logLevel string
	logJSON  bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "slopstudio",
	Short:         "slopstudio - timeline compositor and renderer",
	Long:          "Composes video, audio, image and text clips on layered tracks and renders them through ffmpeg.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logging
		if err := logging.Init(logging.Options{Level: logLevel, Verbose: verbose, JSON: logJSON}); err != nil {
			return err
		}

		// Load config
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		// Store config in context
		ctx := config.WithConfig(cmd.Context(), cfg)
		cmd.SetContext(ctx)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file, .yaml or .toml (default: ./slopstudio.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "write logs as JSON lines")

	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(configCmd)
}

var renderFlags struct {
	output  string
	from    string
	to      string
	noAudio bool
	segment float64
	dryRun  bool
}

var renderCmd = &cobra.Command{
	Use:   "render [project file]",
	Short: "Render a composition to a video file or HLS playlist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.FromContext(ctx)

		exec, err := newExecutor(cfg)
		if err != nil {
			return err
		}
		project, err := openProject(ctx, args[0], ffmpeg.NewBackend(exec), cfg)
		if err != nil {
			return err
		}
		defer project.Close()

		fps := float64(project.comp.FPS())
		pipeCfg, err := pipelineConfig(cfg, fps, renderFlags.from, renderFlags.to, renderFlags.noAudio)
		if err != nil {
			return err
		}

		var sink mux.Sink
		if renderFlags.dryRun {
			sink = mux.NewMemorySink()
		} else {
			if renderFlags.output == "" {
				return fmt.Errorf("--output is required unless --dry-run is set")
			}
			width, height := project.comp.Size()
			var audio *mux.AudioFormat
			if pipeCfg.Audio {
				audio = &mux.AudioFormat{SampleRate: pipeCfg.SampleRate, Channels: pipeCfg.Channels}
			}
			opts := ffmpeg.EncodeOptions{
				VideoCodec:     cfg.Render.VideoCodec,
				AudioCodec:     cfg.Render.AudioCodec,
				CRF:            cfg.Render.CRF,
				Preset:         cfg.Render.Preset,
				SegmentSeconds: cfg.Render.SegmentSeconds,
			}
			if renderFlags.segment > 0 {
				opts.SegmentSeconds = renderFlags.segment
			}
			sink, err = ffmpeg.NewMuxSink(exec, renderFlags.output,
				mux.VideoFormat{Width: width, Height: height, FPS: fps}, audio, opts)
			if err != nil {
				return err
			}
		}

		return render(ctx, project, sink, pipeCfg)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe [media file]",
	Short: "Print stream information for a media file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, err := newExecutor(config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}
		info, err := exec.Probe(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [project file]",
	Short: "Load a project and list its tracks and clips",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.FromContext(ctx)

		exec, err := newExecutor(cfg)
		if err != nil {
			return err
		}
		project, err := openProject(ctx, args[0], ffmpeg.NewBackend(exec), cfg)
		if err != nil {
			return err
		}
		defer project.Close()

		return describe(cmd.OutOrStdout(), project.comp)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config management commands",
}

var configShowTOML bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.FromContext(cmd.Context()).Encode(configShowTOML)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if util.FileExists(args[0]) {
			return fmt.Errorf("%s already exists", args[0])
		}
		if err := config.Default().Save(args[0]); err != nil {
			return err
		}
		log.Info().Str("path", args[0]).Msg("config written")
		return nil
	},
}

func init() {
	renderCmd.Flags().StringVarP(&renderFlags.output, "output", "o", "", "output file (.mp4, .mkv, or .m3u8 with --segment)")
	renderCmd.Flags().StringVar(&renderFlags.from, "from", "", "first frame to render, as 90f or a timestamp")
	renderCmd.Flags().StringVar(&renderFlags.to, "to", "", "frame to stop before, as 90f or a timestamp")
	renderCmd.Flags().BoolVar(&renderFlags.noAudio, "no-audio", false, "skip the audio stream")
	renderCmd.Flags().Float64Var(&renderFlags.segment, "segment", 0, "HLS segment length in seconds")
	renderCmd.Flags().BoolVar(&renderFlags.dryRun, "dry-run", false, "render every frame without encoding")

	configShowCmd.Flags().BoolVar(&configShowTOML, "toml", false, "print as TOML")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func newExecutor(cfg *config.Config) (*ffmpeg.Executor, error) {
	return ffmpeg.New(log.Logger, ffmpeg.Config{
		FFmpegPath:  cfg.FFmpeg.BinaryPath,
		FFprobePath: cfg.FFmpeg.ProbePath,
		Threads:     cfg.FFmpeg.Threads,
	})
}

// pipelineConfig maps config and render flags onto export settings
func pipelineConfig(cfg *config.Config, fps float64, from, to string, noAudio bool) (*pipeline.Config, error) {
	pc := pipeline.DefaultConfig()
	pc.Audio = cfg.Render.Audio && !noAudio
	pc.SampleRate = cfg.Render.SampleRate
	pc.Channels = cfg.Render.Channels
	pc.Fonts = cfg.Fonts

	bg, err := cfg.BackgroundColor()
	if err != nil {
		return nil, err
	}
	pc.Background = bg

	if from != "" {
		if pc.Start, err = util.ParseFrames(from, fps); err != nil {
			return nil, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if to != "" {
		if pc.End, err = util.ParseFrames(to, fps); err != nil {
			return nil, fmt.Errorf("invalid --to: %w", err)
		}
	}
	return pc, pc.Validate()
}
