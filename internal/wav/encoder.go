// Package wav writes canonical 16-bit PCM WAV files.
//
// The produced layout is the plain 44-byte RIFF header followed by interleaved
// little-endian samples. Output is capped at two channels: buffers with more
// channels only have their first two exported.
package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/audiolibrelab/podcastcapture/internal/pcm"
)

const (
	// HeaderSize is the size of the canonical header in bytes.
	HeaderSize = 44
	// FormatPCM is the WAVE format code for linear PCM.
	FormatPCM = 1
	// BitsPerSample is the only bit depth written.
	BitsPerSample = 16
	// MaxChannels is the channel cap applied to every export.
	MaxChannels = 2

	bytesPerSample = BitsPerSample / 8
)

// OutputChannels returns how many channels Encode writes for a buffer with n channels.
func OutputChannels(n int) int {
	if n > MaxChannels {
		return MaxChannels
	}
	return n
}

// Encode renders buf as a WAV byte slice.
func Encode(buf *pcm.Buffer) ([]byte, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	channels := OutputChannels(buf.Channels())
	out := bytes.NewBuffer(make([]byte, 0, HeaderSize+buf.Frames()*channels*bytesPerSample))
	if err := write(out, buf, channels); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Write streams the WAV encoding of buf to w.
func Write(w io.Writer, buf *pcm.Buffer) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	return write(w, buf, OutputChannels(buf.Channels()))
}

func write(w io.Writer, buf *pcm.Buffer, channels int) error {
	h := Header{
		Channels:   channels,
		SampleRate: buf.SampleRate(),
		DataLength: buf.Frames() * channels * bytesPerSample,
	}
	if _, err := w.Write(h.Bytes()); err != nil {
		return fmt.Errorf("failed to write wav header: %w", err)
	}

	// One frame per write keeps memory flat for long recordings when w is a file.
	frame := make([]byte, channels*bytesPerSample)
	for i := 0; i < buf.Frames(); i++ {
		for ch := 0; ch < channels; ch++ {
			binary.LittleEndian.PutUint16(frame[ch*bytesPerSample:], uint16(Quantize(buf.Sample(ch, i))))
		}
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("failed to write wav samples: %w", err)
		}
	}
	return nil
}

// Quantize converts a float sample to int16. The sample is clamped to [-1, 1]
// before scaling; negatives scale by 32768, the rest by 32767, and the result
// is truncated toward zero.
func Quantize(s float32) int16 {
	v := float64(s)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	// NaN fails both comparisons above and would convert to an undefined int.
	if v != v {
		return 0
	}
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7FFF)
}
