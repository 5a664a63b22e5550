package decode

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"mime"
	"strconv"

	"github.com/audiolibrelab/podcastcapture/internal/pcm"
)

// RawMediaType marks headerless interleaved PCM produced by the malgo capture backend.
const RawMediaType = "audio/pcm"

// RawPCMHint describes signed 16-bit little-endian interleaved samples.
func RawPCMHint(sampleRate, channels int) string {
	return mime.FormatMediaType(RawMediaType, map[string]string{
		"format":   "s16le",
		"rate":     strconv.Itoa(sampleRate),
		"channels": strconv.Itoa(channels),
	})
}

// RawDecoder decodes audio/pcm data described entirely by its hint parameters.
type RawDecoder struct{}

// Decode implements Decoder.
func (d *RawDecoder) Decode(_ context.Context, data []byte, hint string) (*pcm.Buffer, error) {
	mt, params, err := mime.ParseMediaType(hint)
	if err != nil || mt != RawMediaType {
		return nil, fmt.Errorf("%w: raw pcm needs an %s hint, got %q", ErrDecode, RawMediaType, hint)
	}
	if f := params["format"]; f != "" && f != "s16le" {
		return nil, fmt.Errorf("%w: unsupported raw format %q", ErrDecode, f)
	}

	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return nil, fmt.Errorf("%w: invalid rate parameter %q", ErrDecode, params["rate"])
	}
	channels, err := strconv.Atoi(params["channels"])
	if err != nil || channels < 1 {
		return nil, fmt.Errorf("%w: invalid channels parameter %q", ErrDecode, params["channels"])
	}

	frameBytes := channels * 2
	if len(data)%frameBytes != 0 {
		// A capture cut mid-frame loses at most one frame.
		data = data[:len(data)-len(data)%frameBytes]
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		samples[i] = s16ToFloat(int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2])))
	}
	return pcm.FromInterleaved(rate, channels, samples)
}

// s16ToFloat mirrors the encoder's quantization: negatives scale by 32768,
// the rest by 32767. Positive values are nudged up one float32 step when
// rounding left them below v, so the encoder's truncation returns v.
func s16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 0x8000
	}
	f := float32(float64(v) / 0x7FFF)
	if float64(f)*0x7FFF < float64(v) {
		f = math.Nextafter32(f, 2)
	}
	return f
}
