package mix

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/podcastcapture/internal/pcm"
)

// ErrInvalidInput is returned when a buffer handed to Render is structurally unusable.
var ErrInvalidInput = errors.New("invalid mix input")

// OutputChannels is the channel count of every mix that has a background.
const OutputChannels = 2

// Options are sampled once when Render starts.
type Options struct {
	VoiceGain      float64 `json:"voice_gain" yaml:"voice_gain"`
	BackgroundGain float64 `json:"background_gain" yaml:"background_gain"`
	// Loop repeats a background shorter than the voice from its start.
	Loop bool `json:"loop" yaml:"loop"`
	// SampleRate of the rendered buffer; 0 means the voice rate.
	SampleRate int `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
}

// Render mixes voice with an optional background.
//
// Without a background the result is voice scaled by VoiceGain with its
// channel count kept. With a background the result is stereo and exactly as
// long as voice: the recording sets the duration, the background never
// extends it. Sums are left unclamped.
func Render(voice, background *pcm.Buffer, opts Options) (*pcm.Buffer, error) {
	if err := voice.Validate(); err != nil {
		return nil, fmt.Errorf("%w: voice: %v", ErrInvalidInput, err)
	}

	if background == nil {
		slog.Debug("Rendering voice only", "frames", voice.Frames(), "voice_gain", opts.VoiceGain)
		return voice.Scale(opts.VoiceGain), nil
	}
	if err := background.Validate(); err != nil {
		return nil, fmt.Errorf("%w: background: %v", ErrInvalidInput, err)
	}

	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = voice.SampleRate()
	}
	if background.SampleRate() != voice.SampleRate() {
		slog.Warn("Background sample rate differs from voice, mixing without conversion",
			"voice_rate", voice.SampleRate(), "background_rate", background.SampleRate())
	}

	frames := voice.Frames()
	voiceGain := float32(opts.VoiceGain)
	bgGain := float32(opts.BackgroundGain)
	bgFrames := background.Frames()

	b := pcm.NewBuilder(sampleRate, OutputChannels, frames)
	for ch := 0; ch < OutputChannels; ch++ {
		out := b.Channel(ch)
		vc := sourceChannel(voice, ch)
		bc := sourceChannel(background, ch)

		for i := 0; i < frames; i++ {
			s := voice.Sample(vc, i) * voiceGain
			if j, ok := backgroundIndex(i, bgFrames, opts.Loop); ok {
				s += background.Sample(bc, j) * bgGain
			}
			out[i] = s
		}
	}

	slog.Debug("Rendered mix",
		"frames", frames,
		"sample_rate", sampleRate,
		"background_frames", bgFrames,
		"loop", opts.Loop,
		"voice_gain", opts.VoiceGain,
		"background_gain", opts.BackgroundGain)

	return b.Build()
}

// sourceChannel maps an output channel to the input channel feeding it.
// Mono sources feed both sides.
func sourceChannel(buf *pcm.Buffer, out int) int {
	if buf.Channels() == 1 {
		return 0
	}
	return out
}

// backgroundIndex returns the background frame heard at output frame i.
func backgroundIndex(i, n int, loop bool) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	if loop {
		return i % n, true
	}
	if i >= n {
		return 0, false
	}
	return i, true
}
