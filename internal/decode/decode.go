// Package decode turns captured or imported audio containers into pcm buffers.
package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/podcastcapture/internal/pcm"
)

// ErrDecode wraps every failure to parse audio bytes.
var ErrDecode = errors.New("decode error")

// Decoder converts encoded bytes into a pcm buffer. hint is a MIME type such
// as "audio/webm;codecs=opus"; an empty hint lets the decoder sniff.
type Decoder interface {
	Decode(ctx context.Context, data []byte, hint string) (*pcm.Buffer, error)
}

// Options configure the decoders built by NewRegistry.
type Options struct {
	// SampleRate asks external decoders to resample to this rate. 0 keeps the native rate.
	SampleRate int
	// LogWriter receives ffmpeg stderr. nil discards it.
	LogWriter io.Writer
}

// Registry picks a decoder from the container hint.
type Registry struct {
	WAV      Decoder
	Raw      Decoder
	Fallback Decoder
}

// NewRegistry wires the WAV, raw PCM and ffmpeg decoders.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		WAV:      &WAVDecoder{},
		Raw:      &RawDecoder{},
		Fallback: NewFFmpegDecoder(opts.SampleRate, opts.LogWriter),
	}
}

// Decode dispatches on the media type of hint.
func (r *Registry) Decode(ctx context.Context, data []byte, hint string) (*pcm.Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no audio data", ErrDecode)
	}

	mediaType := ""
	if hint != "" {
		mt, _, err := mime.ParseMediaType(hint)
		if err != nil {
			slog.Debug("Unparseable container hint, sniffing instead", "hint", hint, "error", err)
		} else {
			mediaType = mt
		}
	}
	if mediaType == "" && looksLikeWAV(data) {
		mediaType = "audio/wav"
	}

	var dec Decoder
	switch mediaType {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		dec = r.WAV
	case RawMediaType:
		dec = r.Raw
	default:
		dec = r.Fallback
	}
	if dec == nil {
		return nil, fmt.Errorf("%w: no decoder for %q", ErrDecode, hint)
	}

	slog.Debug("Decoding audio", "hint", hint, "media_type", mediaType, "bytes", len(data))
	buf, err := dec.Decode(ctx, data, hint)
	if err != nil {
		if !errors.Is(err, ErrDecode) {
			err = fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return nil, err
	}
	return buf, nil
}

// DecodeFile reads path and decodes it with a hint derived from its extension.
func (r *Registry) DecodeFile(ctx context.Context, path string) (*pcm.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio file %s: %w", path, err)
	}
	return r.Decode(ctx, data, HintForPath(path))
}

// HintForPath maps common audio extensions to MIME types.
func HintForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return "audio/wav"
	case ".webm":
		return "audio/webm"
	case ".ogg", ".opus", ".oga":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".m4a", ".aac":
		return "audio/mp4"
	case ".mkv", ".mka":
		return "audio/x-matroska"
	default:
		return ""
	}
}

// ExtensionForHint is the inverse of HintForPath, used to name raw capture files.
func ExtensionForHint(hint string) string {
	mt, _, err := mime.ParseMediaType(hint)
	if err != nil {
		return ".bin"
	}
	switch mt {
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/wave", "audio/x-wav":
		return ".wav"
	case RawMediaType:
		return ".pcm"
	default:
		return ".bin"
	}
}

func looksLikeWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}
