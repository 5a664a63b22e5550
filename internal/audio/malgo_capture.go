package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/audiolibrelab/podcastcapture/internal/config"
	"github.com/audiolibrelab/podcastcapture/internal/decode"
	"github.com/gen2brain/malgo"
)

// MalgoCapture records from a miniaudio capture device as raw s16le frames.
type MalgoCapture struct {
	sampleRate int
	channels   int
	deviceName string
}

// NewMalgoCapture creates a capture service for cfg.
func NewMalgoCapture(cfg *config.Config) *MalgoCapture {
	channels := cfg.Device.Channels()
	if channels < 1 {
		channels = 1
	}
	name := ""
	if len(cfg.Device.Sources) > 0 {
		name = cfg.Device.Sources[0]
	}
	return &MalgoCapture{
		sampleRate: cfg.Audio.SampleRate,
		channels:   channels,
		deviceName: name,
	}
}

// Start implements CaptureService. An empty device, "default" or the
// configured device id selects the configured source or the system default.
func (c *MalgoCapture) Start(ctx context.Context, device string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("malgo", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %w", ErrDeviceUnavailable, err)
	}
	release := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}
	if err := ctx.Err(); err != nil {
		release()
		return nil, err
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = uint32(c.channels)
	deviceCfg.SampleRate = uint32(c.sampleRate)

	name := c.targetName(device)
	if name != "" {
		info, err := findCaptureDevice(mctx, name)
		if err != nil {
			release()
			return nil, err
		}
		deviceCfg.Capture.DeviceID = info.ID.Pointer()
	}

	stream := &malgoStream{
		ctx:    mctx,
		hint:   decode.RawPCMHint(c.sampleRate, c.channels),
		queue:  make(chan []byte, 256),
		events: make(chan Event, 64),
	}

	dev, err := malgo.InitDevice(mctx.Context, deviceCfg, malgo.DeviceCallbacks{
		Data: stream.onData,
	})
	if err != nil {
		release()
		return nil, classifyMalgoError("init capture device", err)
	}
	stream.device = dev

	go stream.forward()

	if err := ctx.Err(); err != nil {
		<-abandon(stream)
		return nil, err
	}
	if err := dev.Start(); err != nil {
		<-abandon(stream)
		return nil, classifyMalgoError("start capture device", err)
	}

	slog.Info("malgo capture started", "device", name, "sample_rate", c.sampleRate, "channels", c.channels)
	return stream, nil
}

func (c *MalgoCapture) targetName(device string) string {
	if device == "" || device == "default" {
		return c.deviceName
	}
	return device
}

func findCaptureDevice(mctx *malgo.AllocatedContext, name string) (*malgo.DeviceInfo, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate capture devices: %w", ErrDeviceUnavailable, err)
	}
	for i := range infos {
		if infos[i].Name() == name || infos[i].ID.String() == name {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("%w: capture device not found: %s", ErrDeviceUnavailable, name)
}

// ListMalgoSources returns the names of the capture devices miniaudio sees.
func ListMalgoSources() ([]string, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func classifyMalgoError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if errors.Is(err, malgo.ErrAccessDenied) || strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %s: %w", ErrPermissionDenied, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, op, err)
}

type malgoStream struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	hint   string

	mu      sync.Mutex
	stopped bool
	dropped int

	queue  chan []byte
	events chan Event

	stopOnce sync.Once
}

func (s *malgoStream) Events() <-chan Event { return s.events }

// onData runs on the audio thread and must not block.
func (s *malgoStream) onData(_, input []byte, _ uint32) {
	if len(input) == 0 {
		return
	}
	b := make([]byte, len(input))
	copy(b, input)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	select {
	case s.queue <- b:
	default:
		s.dropped++
	}
}

func (s *malgoStream) forward() {
	for b := range s.queue {
		s.events <- Event{Kind: EventChunk, Data: b}
	}
	s.mu.Lock()
	dropped := s.dropped
	s.mu.Unlock()
	if dropped > 0 {
		slog.Warn("Capture callbacks dropped", "count", dropped)
	}
	s.events <- Event{Kind: EventFinalized, ContainerHint: s.hint}
	close(s.events)
}

// Stop releases the device and flushes queued frames before finalizing.
func (s *malgoStream) Stop() error {
	s.stopOnce.Do(func() {
		if s.device != nil {
			_ = s.device.Stop()
			s.device.Uninit()
		}
		s.mu.Lock()
		s.stopped = true
		close(s.queue)
		s.mu.Unlock()

		if s.ctx != nil {
			_ = s.ctx.Uninit()
			s.ctx.Free()
		}
	})
	return nil
}
