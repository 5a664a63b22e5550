package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Play an audio file",
	Long:  `Play the given file with the first available player (mpv, ffplay, vlc, pw-play, aplay). Without an argument the most recent export is played.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService()
		defer svc.Close(context.Background())

		var file string
		if len(args) > 0 {
			file = args[0]
		} else {
			exports, err := svc.ListExports()
			if err != nil {
				return err
			}
			for _, e := range exports {
				if e.Kind != "capture" {
					file = e.Path
					break
				}
			}
			if file == "" {
				return fmt.Errorf("no exports found in %s", cfg.Output.Directory)
			}
		}

		fmt.Printf("Playing %s\n", file)
		if err := svc.Play(file); err != nil {
			return fmt.Errorf("failed to play %s: %w", file, err)
		}

		return executePipeline(cmd.Context(), svc, file, 'p')
	},
}
