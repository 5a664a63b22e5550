package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/podcastcapture/internal/audio"
	"github.com/audiolibrelab/podcastcapture/internal/service"
)

// waitForEnter blocks until a line is read from stdin or ctx ends.
func waitForEnter(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		bufio.NewScanner(os.Stdin).Scan()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// recordUntil captures until wait returns, then writes the voice WAV and the
// raw capture. It returns the voice file path.
func recordUntil(ctx context.Context, svc service.Service, device string, wait func(context.Context)) (string, error) {
	snap, err := svc.StartCapture(ctx, device)
	if err != nil {
		if snap.State == audio.StateFailed {
			return "", fmt.Errorf("%s: %w", snap.Message, err)
		}
		return "", fmt.Errorf("failed to start recording: %w", err)
	}
	slog.Info("Recording", "session_id", snap.ID, "device", snap.Device)

	wait(ctx)
	slog.Info("Stopping recording...")

	// The capture must be finalized even when ctx was the stop signal
	stopped, err := svc.StopCapture(context.WithoutCancel(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to stop recording: %w", err)
	}
	if stopped.State == audio.StateFailed {
		if raw, rawErr := svc.ExportRaw(ctx); rawErr == nil {
			fmt.Printf("Raw capture kept: %s\n", raw)
		}
		return "", fmt.Errorf("%s: %s", stopped.Message, stopped.Error)
	}
	fmt.Printf("Recorded %s (%d chunks, %d bytes)\n", stopped.Duration.Round(10*time.Millisecond), stopped.Chunks, stopped.Bytes)

	voice, err := svc.ExportVoice(ctx)
	if err != nil {
		return "", err
	}
	fmt.Printf("Voice: %s\n", voice)
	if raw, err := svc.ExportRaw(ctx); err == nil {
		fmt.Printf("Raw capture: %s\n", raw)
	}
	return voice, nil
}

// mixStep exports the mix of the current recording, or remixes file when
// nothing has been recorded in this process.
func mixStep(ctx context.Context, svc service.Service, file string) (string, error) {
	if status := svc.Status(); status.State == audio.StateReady {
		return svc.ExportMix(ctx)
	}
	if file == "" {
		return "", fmt.Errorf("nothing to mix: record first or pass a file")
	}
	return svc.RemixFile(ctx, file)
}

// runSteps executes steps in order, feeding each step the file produced by
// the previous one.
func runSteps(ctx context.Context, svc service.Service, steps []rune, file, device string) error {
	for i, step := range steps {
		fmt.Printf("Pipeline: executing step %d/%d: '%c'...\n", i+1, len(steps), step)

		switch step {
		case 'r':
			fmt.Println("Pipeline: recording - Press Enter to stop...")
			voice, err := recordUntil(ctx, svc, device, waitForEnter)
			if err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
			file = voice
			fmt.Println("Pipeline: recording completed")

		case 'm':
			mixed, err := mixStep(ctx, svc, file)
			if err != nil {
				return fmt.Errorf("pipeline mix failed: %w", err)
			}
			file = mixed
			fmt.Printf("Pipeline: mixing completed: %s\n", mixed)

		case 'p':
			if file == "" {
				return fmt.Errorf("pipeline play failed: no file to play")
			}
			if err := svc.Play(file); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
			fmt.Println("Pipeline: playback completed")

		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: r=record, m=mix, p=play)", step)
		}
	}
	return nil
}

// executePipeline runs the pipeline steps that follow startStep.
func executePipeline(ctx context.Context, svc service.Service, file string, startStep rune) error {
	if pipeline == "" {
		return nil
	}

	steps := []rune(strings.ToLower(pipeline))
	startIndex := -1
	for i, step := range steps {
		if step == startStep {
			startIndex = i
			break
		}
	}
	if startIndex == -1 {
		return fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}

	return runSteps(ctx, svc, steps[startIndex+1:], file, "")
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'r': true, // record
		'm': true, // mix
		'p': true, // play
	}

	for _, step := range strings.ToLower(pipeline) {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: r=record, m=mix, p=play)", step)
		}
	}
	return nil
}

func addMixFlags(cmd *cobra.Command) {
	cmd.Flags().Float64P("voice-gain", "g", 0, "voice gain (overrides config)")
	cmd.Flags().Float64P("background-gain", "b", 0, "background gain (overrides config)")
	cmd.Flags().Bool("loop", true, "loop a background shorter than the voice")
	cmd.Flags().String("background", "", "background track name to select before mixing")
}

// applyMixFlags copies explicitly set mix flags into the service.
func applyMixFlags(cmd *cobra.Command, svc service.Service) error {
	opts := svc.MixOptions()
	if cmd.Flags().Changed("voice-gain") {
		opts.VoiceGain, _ = cmd.Flags().GetFloat64("voice-gain")
	}
	if cmd.Flags().Changed("background-gain") {
		opts.BackgroundGain, _ = cmd.Flags().GetFloat64("background-gain")
	}
	if cmd.Flags().Changed("loop") {
		opts.Loop, _ = cmd.Flags().GetBool("loop")
	}
	if opts.VoiceGain < 0 || opts.BackgroundGain < 0 {
		return fmt.Errorf("gains must not be negative")
	}
	svc.SetMixOptions(opts)

	if name, _ := cmd.Flags().GetString("background"); name != "" {
		if err := svc.SetSelectedBackground(name); err != nil {
			return err
		}
	}

	slog.Debug("Effective mix settings", "voice_gain", opts.VoiceGain, "background_gain", opts.BackgroundGain, "loop", opts.Loop)
	return nil
}
