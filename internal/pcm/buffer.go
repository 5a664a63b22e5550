// Package pcm holds the decoded audio representation shared by the decoder,
// the mixer and the WAV encoder.
package pcm

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidBuffer is returned when a buffer does not have a usable shape.
var ErrInvalidBuffer = errors.New("invalid pcm buffer")

// Buffer is decoded audio stored as one float32 slice per channel.
//
// Channel count and sample rate are fixed at construction. Samples are nominally
// in [-1, 1] but out-of-range values are kept as is; clamping belongs to the encoder.
// A Buffer is never modified after New returns, so it can be shared between goroutines.
type Buffer struct {
	sampleRate int
	frames     int
	channels   [][]float32
}

// New builds a buffer from per-channel samples. The slices are copied.
func New(sampleRate int, channels [][]float32) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be > 0, got %d", ErrInvalidBuffer, sampleRate)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: at least one channel is required", ErrInvalidBuffer)
	}

	frames := len(channels[0])
	copied := make([][]float32, len(channels))
	for i, ch := range channels {
		if len(ch) != frames {
			return nil, fmt.Errorf("%w: channel %d has %d frames, expected %d", ErrInvalidBuffer, i, len(ch), frames)
		}
		copied[i] = make([]float32, frames)
		copy(copied[i], ch)
	}

	return &Buffer{sampleRate: sampleRate, frames: frames, channels: copied}, nil
}

// Silence returns a zero-filled buffer.
func Silence(sampleRate, channelCount, frames int) (*Buffer, error) {
	if channelCount < 1 {
		return nil, fmt.Errorf("%w: at least one channel is required", ErrInvalidBuffer)
	}
	if frames < 0 {
		return nil, fmt.Errorf("%w: negative frame count %d", ErrInvalidBuffer, frames)
	}
	channels := make([][]float32, channelCount)
	for i := range channels {
		channels[i] = make([]float32, frames)
	}
	return wrap(sampleRate, channels)
}

// FromInterleaved splits interleaved samples into channels. Trailing samples
// that do not fill a whole frame are dropped.
func FromInterleaved(sampleRate, channelCount int, samples []float32) (*Buffer, error) {
	if channelCount < 1 {
		return nil, fmt.Errorf("%w: at least one channel is required", ErrInvalidBuffer)
	}
	frames := len(samples) / channelCount
	channels := make([][]float32, channelCount)
	for ch := range channels {
		channels[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		base := i * channelCount
		for ch := 0; ch < channelCount; ch++ {
			channels[ch][i] = samples[base+ch]
		}
	}
	return wrap(sampleRate, channels)
}

// wrap takes ownership of channels without copying. Callers must not keep references.
func wrap(sampleRate int, channels [][]float32) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be > 0, got %d", ErrInvalidBuffer, sampleRate)
	}
	frames := 0
	if len(channels) > 0 {
		frames = len(channels[0])
	}
	return &Buffer{sampleRate: sampleRate, frames: frames, channels: channels}, nil
}

// Builder accumulates samples for a buffer that is handed over exactly once.
// It avoids the copy in New for renderers that produce fresh slices.
type Builder struct {
	sampleRate int
	channels   [][]float32
}

// NewBuilder allocates zeroed channels of the given length.
func NewBuilder(sampleRate, channelCount, frames int) *Builder {
	channels := make([][]float32, channelCount)
	for i := range channels {
		channels[i] = make([]float32, frames)
	}
	return &Builder{sampleRate: sampleRate, channels: channels}
}

// Channel returns the writable slice for channel ch.
func (b *Builder) Channel(ch int) []float32 {
	return b.channels[ch]
}

// Build finalizes the buffer. The builder must not be used afterwards.
func (b *Builder) Build() (*Buffer, error) {
	if len(b.channels) == 0 {
		return nil, fmt.Errorf("%w: at least one channel is required", ErrInvalidBuffer)
	}
	buf, err := wrap(b.sampleRate, b.channels)
	b.channels = nil
	return buf, err
}

// SampleRate returns samples per second.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// Channels returns the channel count.
func (b *Buffer) Channels() int { return len(b.channels) }

// Frames returns the number of frames per channel.
func (b *Buffer) Frames() int { return b.frames }

// Duration returns the playback length.
func (b *Buffer) Duration() time.Duration {
	if b.sampleRate == 0 {
		return 0
	}
	return time.Duration(float64(b.frames) / float64(b.sampleRate) * float64(time.Second))
}

// Sample returns one sample without bounds translation.
func (b *Buffer) Sample(ch, frame int) float32 {
	return b.channels[ch][frame]
}

// Channel returns a copy of one channel.
func (b *Buffer) Channel(ch int) []float32 {
	out := make([]float32, b.frames)
	copy(out, b.channels[ch])
	return out
}

// view exposes the backing slice to package-internal readers.
func (b *Buffer) view(ch int) []float32 {
	return b.channels[ch]
}

// Validate reports whether the buffer satisfies the shape invariants. Buffers
// built through this package always do; a zero Buffer does not.
func (b *Buffer) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidBuffer)
	}
	if b.sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be > 0, got %d", ErrInvalidBuffer, b.sampleRate)
	}
	if len(b.channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrInvalidBuffer)
	}
	for i, ch := range b.channels {
		if len(ch) != b.frames {
			return fmt.Errorf("%w: channel %d has %d frames, expected %d", ErrInvalidBuffer, i, len(ch), b.frames)
		}
	}
	return nil
}

// Scale returns a new buffer with every sample multiplied by gain.
func (b *Buffer) Scale(gain float64) *Buffer {
	g := float32(gain)
	channels := make([][]float32, len(b.channels))
	for ch, src := range b.channels {
		dst := make([]float32, len(src))
		for i, s := range src {
			dst[i] = s * g
		}
		channels[ch] = dst
	}
	return &Buffer{sampleRate: b.sampleRate, frames: b.frames, channels: channels}
}

// Interleaved returns the samples of the first n channels frame by frame.
// n is capped at the buffer's channel count.
func (b *Buffer) Interleaved(n int) []float32 {
	if n > len(b.channels) {
		n = len(b.channels)
	}
	out := make([]float32, b.frames*n)
	for i := 0; i < b.frames; i++ {
		for ch := 0; ch < n; ch++ {
			out[i*n+ch] = b.channels[ch][i]
		}
	}
	return out
}

// Equal reports whether two buffers have the same shape and samples.
func Equal(a, b *Buffer) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.sampleRate != b.sampleRate || a.frames != b.frames || len(a.channels) != len(b.channels) {
		return false
	}
	for ch := range a.channels {
		av, bv := a.view(ch), b.view(ch)
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}
