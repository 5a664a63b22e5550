package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/podcastcapture/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long:  `List the capture sources of the configured backend. With backend "auto" PipeWire is used when pw-jack, pw-link and ffmpeg are installed, miniaudio otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, sources, err := audio.ListSources(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to get %s sources: %w", backend, err)
		}

		fmt.Printf("Audio Sources (%s, backend: %s)\n", runtime.GOOS, backend)
		fmt.Printf("Available backends: %v\n\n", audio.GetAvailableBackends())

		fmt.Printf("%d source(s) found:\n", len(sources))
		for i, source := range sources {
			fmt.Printf("  %d. %s\n", i+1, source)
		}

		if backend == audio.BackendTypePipeWire {
			fmt.Printf("\nPipeWire usage:\n")
			fmt.Printf("  Format: \"Device: Audio (hw:X,Y):Z\" or \"Application:port\"\n")
			fmt.Printf("  Configure in definitions.devices[].sources, at most two per device\n")
		} else {
			fmt.Printf("\nminiaudio usage:\n")
			fmt.Printf("  Put the device name as the single source of a device definition\n")
		}
		return nil
	},
}
