package wav

import (
	"bytes"
	"encoding/binary"
	"testing"

	gowav "github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/podcastcapture/internal/pcm"
)

func mustBuffer(t *testing.T, rate int, channels ...[]float32) *pcm.Buffer {
	t.Helper()
	buf, err := pcm.New(rate, channels)
	require.NoError(t, err)
	return buf
}

func sampleAt(data []byte, index int) int16 {
	off := HeaderSize + index*2
	return int16(binary.LittleEndian.Uint16(data[off : off+2]))
}

func TestEncode_SilentBufferHeader(t *testing.T) {
	for _, channels := range []int{1, 2} {
		buf, err := pcm.Silence(44100, channels, 1000)
		require.NoError(t, err)

		out, err := Encode(buf)
		require.NoError(t, err)

		h, err := ParseHeader(out)
		require.NoError(t, err)

		dataLen := 1000 * channels * 2
		assert.Equal(t, HeaderSize+dataLen, len(out))
		assert.Equal(t, dataLen, h.DataLength)
		assert.Equal(t, len(out)-HeaderSize, h.DataLength)
		assert.Equal(t, 44100*channels*2, int(binary.LittleEndian.Uint32(out[28:32])))
		assert.Equal(t, channels*2, int(binary.LittleEndian.Uint16(out[32:34])))
		assert.Equal(t, uint32(36+dataLen), binary.LittleEndian.Uint32(out[4:8]))
		assert.Equal(t, make([]byte, dataLen), out[HeaderSize:], "data must be all zero")
	}
}

func TestEncode_Clamping(t *testing.T) {
	buf := mustBuffer(t, 8000, []float32{1.5, -1.5, 1, -1, 0})
	out, err := Encode(buf)
	require.NoError(t, err)

	assert.Equal(t, int16(32767), sampleAt(out, 0))
	assert.Equal(t, int16(-32768), sampleAt(out, 1))
	assert.Equal(t, int16(32767), sampleAt(out, 2))
	assert.Equal(t, int16(-32768), sampleAt(out, 3))
	assert.Equal(t, int16(0), sampleAt(out, 4))
}

func TestQuantize_TruncatesTowardZero(t *testing.T) {
	assert.Equal(t, int16(16383), Quantize(0.5))
	assert.Equal(t, int16(-16384), Quantize(-0.5))
	assert.Equal(t, int16(0), Quantize(1e-6))
}

func TestEncode_InterleavesAndCapsAtStereo(t *testing.T) {
	buf := mustBuffer(t, 8000,
		[]float32{0.25, 0.5},
		[]float32{-0.25, -0.5},
		[]float32{0.9, 0.9},
	)
	out, err := Encode(buf)
	require.NoError(t, err)

	h, err := ParseHeader(out)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Channels)
	assert.Equal(t, 2, h.Frames())

	assert.Equal(t, Quantize(0.25), sampleAt(out, 0))
	assert.Equal(t, Quantize(-0.25), sampleAt(out, 1))
	assert.Equal(t, Quantize(0.5), sampleAt(out, 2))
	assert.Equal(t, Quantize(-0.5), sampleAt(out, 3))
}

func TestEncode_RoundTripThroughStandardReader(t *testing.T) {
	left := []float32{0, 0.1, -0.1, 0.5, -0.5, 0.999, -0.999, 0.33}
	right := []float32{0.2, -0.2, 0.7, -0.7, 0.05, -0.05, 1, -1}
	buf := mustBuffer(t, 22050, left, right)

	out, err := Encode(buf)
	require.NoError(t, err)

	dec := gowav.NewDecoder(bytes.NewReader(out))
	require.True(t, dec.IsValidFile())
	decoded, err := dec.FullPCMBuffer()
	require.NoError(t, err)

	assert.Equal(t, 2, decoded.Format.NumChannels)
	assert.Equal(t, 22050, decoded.Format.SampleRate)
	assert.Equal(t, uint16(16), dec.BitDepth)
	require.Len(t, decoded.Data, len(left)*2)

	for i := range left {
		for ch, src := range [][]float32{left, right} {
			v := decoded.Data[i*2+ch]
			var back float64
			if v < 0 {
				back = float64(v) / 32768
			} else {
				back = float64(v) / 32767
			}
			assert.InDelta(t, float64(src[i]), back, 1.0/32767, "frame %d channel %d", i, ch)
		}
	}
}

func TestEncode_Deterministic(t *testing.T) {
	buf := mustBuffer(t, 8000, []float32{0.3, -0.7, 0.11})
	a, err := Encode(buf)
	require.NoError(t, err)
	b, err := Encode(buf)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestWrite_MatchesEncode(t *testing.T) {
	buf := mustBuffer(t, 8000, []float32{0.3, -0.7, 0.11})
	want, err := Encode(buf)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Write(&out, buf))
	assert.Equal(t, want, out.Bytes())
}

func TestEncode_InvalidBuffer(t *testing.T) {
	_, err := Encode(&pcm.Buffer{})
	assert.ErrorIs(t, err, pcm.ErrInvalidBuffer)
}

func TestParseHeader_Rejects(t *testing.T) {
	_, err := ParseHeader([]byte("RIFF"))
	assert.ErrorIs(t, err, ErrInvalidHeader)

	h := Header{Channels: 1, SampleRate: 8000, DataLength: 4}.Bytes()
	copy(h[8:12], "AVI ")
	_, err = ParseHeader(h)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}
