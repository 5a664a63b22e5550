package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a voice track",
	Long: `Record the configured voice device until Ctrl+C.

The capture is decoded and written as voice_<timestamp>.wav next to the raw
capture_<timestamp> container. With -p the following pipeline steps (mix,
play) run on the new recording.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		if dir, _ := cmd.Flags().GetString("output"); dir != "" {
			cfg.Output.Directory = dir
		}
		slog.Info("Record command started", "profile", cfg.Profile, "device", firstNonEmpty(device, cfg.Device.ID))

		svc := newService()
		defer svc.Close(context.Background())

		if err := applyMixFlags(cmd, svc); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println("Recording - Press Ctrl+C to stop...")
		voice, err := recordUntil(ctx, svc, device, func(ctx context.Context) { <-ctx.Done() })
		if err != nil {
			return err
		}

		// Later steps must not see the interrupt that ended the recording
		return executePipeline(context.WithoutCancel(ctx), svc, voice, 'r')
	},
}

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run the pipeline given with -p",
	Long: `Run pipeline steps in order: r=record, m=mix, p=play.

Recording stops when Enter is pressed. A pipeline that does not start with
'r' works on the given file (e.g. -p mp voice_20240501_101500.wav).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipeline == "" {
			return fmt.Errorf("no pipeline given, use -p (e.g., -p rmp)")
		}
		var file string
		if len(args) > 0 {
			file = args[0]
		}
		device, _ := cmd.Flags().GetString("device")

		svc := newService()
		defer svc.Close(context.Background())

		if err := applyMixFlags(cmd, svc); err != nil {
			return err
		}
		return runSteps(cmd.Context(), svc, []rune(strings.ToLower(pipeline)), file, device)
	},
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	recordCmd.Flags().StringP("device", "d", "", "device id, name or comma separated sources (overrides config)")
	addMixFlags(recordCmd)

	runCmd.Flags().StringP("device", "d", "", "device id, name or comma separated sources (overrides config)")
	addMixFlags(runCmd)
}
