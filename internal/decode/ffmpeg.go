package decode

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/audiolibrelab/podcastcapture/internal/pcm"
)

// runFunc executes name with stdin and returns stdout.
type runFunc func(ctx context.Context, stdin []byte, stderr io.Writer, name string, args ...string) ([]byte, error)

// FFmpegDecoder handles compressed containers (webm, ogg, mp3, flac...) by
// probing with ffprobe and decoding to float samples with ffmpeg.
type FFmpegDecoder struct {
	sampleRate int
	logWriter  io.Writer
	run        runFunc
}

// NewFFmpegDecoder returns a decoder that resamples to sampleRate when it is > 0.
func NewFFmpegDecoder(sampleRate int, logWriter io.Writer) *FFmpegDecoder {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &FFmpegDecoder{sampleRate: sampleRate, logWriter: logWriter, run: runCommand}
}

type probeResult struct {
	Streams []struct {
		Index      int    `json:"index"`
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Channels   int    `json:"channels"`
		SampleRate string `json:"sample_rate"`
	} `json:"streams"`
}

// Decode implements Decoder.
func (d *FFmpegDecoder) Decode(ctx context.Context, data []byte, hint string) (*pcm.Buffer, error) {
	channels, nativeRate, err := d.probe(ctx, data)
	if err != nil {
		return nil, err
	}

	rate := nativeRate
	if d.sampleRate > 0 {
		rate = d.sampleRate
	}

	args := []string{
		"-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"pipe:1",
	}
	slog.Debug("Running FFmpeg for decoding", "hint", hint, "command", "ffmpeg "+strings.Join(args, " "))

	out, err := d.run(ctx, data, d.logWriter, "ffmpeg", args...)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg decode failed: %v", ErrDecode, err)
	}

	samples := make([]float32, len(out)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(out[i*4 : i*4+4]))
	}

	buf, err := pcm.FromInterleaved(rate, channels, samples)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	slog.Debug("FFmpeg decode completed", "channels", channels, "sample_rate", rate, "frames", buf.Frames())
	return buf, nil
}

// probe returns the channel count and sample rate of the first audio stream.
func (d *FFmpegDecoder) probe(ctx context.Context, data []byte) (int, int, error) {
	out, err := d.run(ctx, data, io.Discard, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-i", "pipe:0",
	)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: ffprobe failed: %v", ErrDecode, err)
	}

	var result probeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return 0, 0, fmt.Errorf("%w: failed to parse ffprobe output: %v", ErrDecode, err)
	}

	for _, stream := range result.Streams {
		if stream.CodecType != "audio" {
			continue
		}
		rate, err := strconv.Atoi(stream.SampleRate)
		if err != nil || rate <= 0 || stream.Channels < 1 {
			return 0, 0, fmt.Errorf("%w: audio stream %d has no usable format", ErrDecode, stream.Index)
		}
		slog.Debug("Probed audio stream", "index", stream.Index, "codec", stream.CodecName, "channels", stream.Channels, "sample_rate", rate)
		return stream.Channels, rate, nil
	}
	return 0, 0, fmt.Errorf("%w: no audio stream found", ErrDecode)
}

func runCommand(ctx context.Context, stdin []byte, stderr io.Writer, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stderr = stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
