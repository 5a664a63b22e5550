package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/podcastcapture/internal/config"
	"github.com/audiolibrelab/podcastcapture/internal/wav"
)

var infoCmd = &cobra.Command{
	Use:   "info [wav-file]",
	Short: "Show resolved configuration, or the header of a WAV file",
	Long:  `Display the resolved configuration with inheritance indicators. Shows which values are inherited from default vs profile-specific. With a WAV file argument the header fields are printed instead.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return printWAVInfo(args[0])
		}

		inh := cfg.Inheritance
		if inh == nil {
			inh = &config.InheritanceInfo{}
		}

		fmt.Printf("=== RESOLVED CONFIGURATION (%s) ===\n", cfg.Profile)

		fmt.Printf("\n[Audio]\n")
		fmt.Printf("sample_rate: %d %s\n", cfg.Audio.SampleRate, getInheritanceIndicator(inh.Audio.SampleRate))
		fmt.Printf("backend: %s %s\n", cfg.Audio.Backend, getInheritanceIndicator(inh.Audio.Backend))

		fmt.Printf("\n[Capture]\n")
		fmt.Printf("device: %s (%s) %s\n", cfg.Device.ID, cfg.Device.Name, getInheritanceIndicator(inh.Capture.Device))
		fmt.Printf("   sources: %s\n", strings.Join(cfg.Device.Sources, ", "))
		fmt.Printf("   audioMode: %s (%d channel(s))\n", cfg.Device.AudioMode, cfg.Device.Channels())
		fmt.Printf("container: %s %s\n", cfg.Capture.Container, getInheritanceIndicator(inh.Capture.Container))
		fmt.Printf("acquire_timeout: %s %s\n", cfg.Capture.AcquireTimeout, getInheritanceIndicator(inh.Capture.AcquireTimeout))
		fmt.Printf("chunk_size: %d %s\n", cfg.Capture.ChunkSize, getInheritanceIndicator(inh.Capture.ChunkSize))

		fmt.Printf("\n[Mix]\n")
		fmt.Printf("voice_gain: %.2f %s\n", cfg.Mix.VoiceGain, getInheritanceIndicator(inh.Mix.VoiceGain))
		fmt.Printf("background_gain: %.2f %s\n", cfg.Mix.BackgroundGain, getInheritanceIndicator(inh.Mix.BackgroundGain))
		fmt.Printf("loop_background: %t %s\n", cfg.Mix.LoopBackground, getInheritanceIndicator(inh.Mix.LoopBackground))
		fmt.Printf("background: %s %s\n", cfg.Mix.Background, getInheritanceIndicator(inh.Mix.Background))

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))
		fmt.Printf("backgrounds_directory: %s\n", cfg.Output.BackgroundsDirectory)

		return nil
	},
}

func printWAVInfo(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, wav.HeaderSize)
	if _, err := f.Read(head); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	h, err := wav.ParseHeader(head)
	if err != nil {
		return err
	}

	fmt.Printf("=== %s ===\n", path)
	fmt.Printf("channels: %d\n", h.Channels)
	fmt.Printf("sample_rate: %d\n", h.SampleRate)
	fmt.Printf("byte_rate: %d\n", h.ByteRate())
	fmt.Printf("block_align: %d\n", h.BlockAlign())
	fmt.Printf("data_length: %d\n", h.DataLength)
	fmt.Printf("frames: %d\n", h.Frames())
	if h.SampleRate > 0 {
		fmt.Printf("duration: %.2fs\n", float64(h.Frames())/float64(h.SampleRate))
	}
	return nil
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[default]"
	}
}
