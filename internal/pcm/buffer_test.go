package pcm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CopiesInput(t *testing.T) {
	left := []float32{0.1, 0.2, 0.3}
	buf, err := New(8000, [][]float32{left})
	require.NoError(t, err)

	left[0] = 0.9
	assert.Equal(t, float32(0.1), buf.Sample(0, 0))

	ch := buf.Channel(0)
	ch[1] = 0.9
	assert.Equal(t, float32(0.2), buf.Sample(0, 1), "Channel must return a copy")
}

func TestNew_RejectsBadShapes(t *testing.T) {
	tests := []struct {
		name     string
		rate     int
		channels [][]float32
	}{
		{"zero rate", 0, [][]float32{{0}}},
		{"no channels", 44100, nil},
		{"ragged", 44100, [][]float32{{0, 0}, {0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.rate, tt.channels)
			assert.True(t, errors.Is(err, ErrInvalidBuffer), "got %v", err)
		})
	}
}

func TestSilenceAndDuration(t *testing.T) {
	buf, err := Silence(48000, 2, 24000)
	require.NoError(t, err)

	assert.Equal(t, 2, buf.Channels())
	assert.Equal(t, 24000, buf.Frames())
	assert.Equal(t, 500*time.Millisecond, buf.Duration())
	assert.NoError(t, buf.Validate())
}

func TestFromInterleaved(t *testing.T) {
	buf, err := FromInterleaved(8000, 2, []float32{1, -1, 0.5, -0.5, 0.25})
	require.NoError(t, err)

	assert.Equal(t, 2, buf.Frames(), "trailing partial frame is dropped")
	assert.Equal(t, []float32{1, 0.5}, buf.Channel(0))
	assert.Equal(t, []float32{-1, -0.5}, buf.Channel(1))
	assert.Equal(t, []float32{1, -1, 0.5, -0.5}, buf.Interleaved(2))
}

func TestScale(t *testing.T) {
	buf, err := New(8000, [][]float32{{1, -0.5}})
	require.NoError(t, err)

	scaled := buf.Scale(0.5)
	assert.Equal(t, []float32{0.5, -0.25}, scaled.Channel(0))
	assert.Equal(t, []float32{1, -0.5}, buf.Channel(0), "source untouched")
}

func TestValidate_ZeroValue(t *testing.T) {
	var b *Buffer
	assert.Error(t, b.Validate())
	assert.Error(t, (&Buffer{}).Validate())
}

func TestBuilder(t *testing.T) {
	b := NewBuilder(16000, 2, 3)
	b.Channel(1)[2] = 0.75
	buf, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, float32(0.75), buf.Sample(1, 2))
	assert.Equal(t, 3, buf.Frames())
}

func TestEqual(t *testing.T) {
	a, _ := New(8000, [][]float32{{0.1, 0.2}})
	b, _ := New(8000, [][]float32{{0.1, 0.2}})
	c, _ := New(8000, [][]float32{{0.1, 0.3}})

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(a, nil))
}
