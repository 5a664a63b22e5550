package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var mixCmd = &cobra.Command{
	Use:   "mix [file]",
	Short: "Mix a recording with the selected background",
	Long: `Decode a voice recording (WAV, raw capture or any container ffmpeg reads)
and blend it with the selected background track. The result is written as
mix_<timestamp>.wav. Without a background the voice is re-encoded alone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file := args[0]
		slog.Info("Mix command started", "file", file)

		svc := newService()
		defer svc.Close(context.Background())

		if err := applyMixFlags(cmd, svc); err != nil {
			return err
		}

		mixed, err := svc.RemixFile(cmd.Context(), file)
		if err != nil {
			return fmt.Errorf("failed to mix %s: %w", file, err)
		}
		fmt.Printf("Mix: %s\n", mixed)

		return executePipeline(cmd.Context(), svc, mixed, 'm')
	},
}

func init() {
	addMixFlags(mixCmd)
}
