package decode

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-audio/wav"

	"github.com/audiolibrelab/podcastcapture/internal/pcm"
)

// WAVDecoder reads integer PCM WAV files of any bit depth.
type WAVDecoder struct{}

// Decode implements Decoder.
func (d *WAVDecoder) Decode(_ context.Context, data []byte, _ string) (*pcm.Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrDecode)
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: unsupported wav format code %d", ErrDecode, dec.WavAudioFormat)
	}

	intBuf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if intBuf.Format == nil || intBuf.Format.NumChannels < 1 {
		return nil, fmt.Errorf("%w: wav file has no channels", ErrDecode)
	}

	switch dec.BitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrDecode, dec.BitDepth)
	}

	samples := make([]float32, len(intBuf.Data))
	if dec.BitDepth == 8 {
		// 8-bit WAV is unsigned with a 128 midpoint.
		for i, v := range intBuf.Data {
			samples[i] = float32(v-128) / 128
		}
	} else {
		scale := float32(int64(1) << (dec.BitDepth - 1))
		for i, v := range intBuf.Data {
			samples[i] = float32(v) / scale
		}
	}
	buf, err := pcm.FromInterleaved(intBuf.Format.SampleRate, intBuf.Format.NumChannels, samples)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return buf, nil
}
