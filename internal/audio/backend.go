package audio

import (
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/podcastcapture/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeMalgo    BackendType = "malgo"
	BackendTypeAuto     BackendType = "auto"
)

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// NewCaptureService creates a capture service using the backend selected by
// configuration.
func NewCaptureService(cfg *config.Config, logWriter io.Writer) CaptureService {
	switch determineBackend(cfg) {
	case BackendTypeMalgo:
		return NewMalgoCapture(cfg)
	default:
		return NewPipeWireCapture(cfg, logWriter)
	}
}

// determineBackend resolves "auto" to PipeWire when pw-jack is installed and
// to malgo otherwise.
func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Audio.Backend) {
	case "pipewire":
		return BackendTypePipeWire
	case "malgo":
		return BackendTypeMalgo
	}
	if pipeWireAvailable() {
		return BackendTypePipeWire
	}
	return BackendTypeMalgo
}

func pipeWireAvailable() bool {
	for _, tool := range []string{"pw-jack", "pw-link", "ffmpeg"} {
		if _, err := lookPath(tool); err != nil {
			return false
		}
	}
	return true
}

// ListSources lists capture sources for the configured backend.
func ListSources(ctx context.Context, cfg *config.Config) (BackendType, []string, error) {
	backend := determineBackend(cfg)
	if backend == BackendTypeMalgo {
		sources, err := ListMalgoSources()
		return backend, sources, err
	}
	sources, err := NewPipeWire().ListPorts(ctx)
	return backend, sources, err
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	backends := []BackendType{}
	if pipeWireAvailable() {
		backends = append(backends, BackendTypePipeWire)
	}
	backends = append(backends, BackendTypeMalgo)
	return backends
}
