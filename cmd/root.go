package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/podcastcapture/internal/config"
	"github.com/audiolibrelab/podcastcapture/internal/service"
)

var (
	cfg          *config.Config
	cfgFile      string
	pipeline     string
	profile      string
	logFile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "podcastcapture",
	Short: "Voice recording and background mixing tool for podcasts",
	Long: `PodcastCapture records a spoken-voice track, optionally blends it with a
background track and exports the result as 16-bit PCM WAV.

Recording goes through PipeWire (pw-jack + ffmpeg) or miniaudio. The mix is
rendered offline: the voice sets the duration, the background is gained and
optionally looped underneath it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel, nil)

		// config init must work before any config exists
		if cmd.Name() == "init" {
			return nil
		}

		var err error
		cfg, err = loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if file := firstNonEmpty(logFile, cfg.Logging.File); file != "" {
			setupLogging(verboseLevel, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAge:     cfg.Logging.MaxAgeDays,
				Compress:   cfg.Logging.Compress,
			})
		}

		return validatePipeline()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipeline != "" {
			return runCmd.RunE(cmd, args)
		}
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/podcastcapture.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: r=record, m=mix, p=play (e.g., 'rmp', 'mp', 'rm')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output, 3=max tracing")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this rotating file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(mixCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(backgroundsCmd)
}

func defaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/podcastcapture.yaml")
}

// loadConfig reads the selected profile. Without --config and without a
// default file the built-in defaults are used.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		cfgFile = defaultConfigPath()
		if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
			slog.Debug("No config file found, using built-in defaults", "path", cfgFile)
			def := config.Default()
			if profile != "" && profile != def.Profile {
				return nil, fmt.Errorf("profile '%s' requested but %s does not exist (run 'podcastcapture config init')", profile, cfgFile)
			}
			return def, nil
		}
	}
	return config.LoadWithProfile(cfgFile, profile)
}

// setupLogging configures slog based on the verbose level. A non-nil extra
// writer receives the same records as stderr.
func setupLogging(level int, extra io.Writer) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2, 3:
		// Level 2 and 3 also surface ffmpeg output and tracing env vars
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if extra != nil {
		out = io.MultiWriter(os.Stderr, extra)
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))

	// Set environment variables for maximum tracing (level 3)
	if level >= 3 {
		os.Setenv("PIPEWIRE_DEBUG", "3")
		os.Setenv("FFMPEG_LOGLEVEL", "debug")
	}
}

// newService builds the service; ffmpeg output is shown from level 2.
func newService() *service.PodcastService {
	var logWriter io.Writer = io.Discard
	if verboseLevel >= 2 {
		logWriter = os.Stderr
	}
	return service.New(cfg, cfgFile, logWriter)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
