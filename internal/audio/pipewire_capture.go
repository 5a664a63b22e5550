package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/podcastcapture/internal/config"
)

const (
	jackClientName  = "podcastcapture_voice"
	stopGracePeriod = 5 * time.Second
)

// PipeWireCapture records a PipeWire/JACK source through `pw-jack ffmpeg`,
// streaming an Opus container from ffmpeg's stdout.
type PipeWireCapture struct {
	cfg       *config.Config
	logWriter io.Writer
	pipewire  *PipeWire

	// command builds the ffmpeg process; replaced in tests.
	command func(args []string) *exec.Cmd
}

// NewPipeWireCapture creates a capture service for cfg.
func NewPipeWireCapture(cfg *config.Config, logWriter io.Writer) *PipeWireCapture {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &PipeWireCapture{
		cfg:       cfg,
		logWriter: logWriter,
		pipewire:  NewPipeWire(),
		command: func(args []string) *exec.Cmd {
			return exec.Command(args[0], args[1:]...)
		},
	}
}

// ContainerHint is the MIME type of the bytes produced for container.
func ContainerHint(container string) string {
	if container == "ogg" {
		return "audio/ogg;codecs=opus"
	}
	return "audio/webm;codecs=opus"
}

// Start implements CaptureService. device is a configured device id or name,
// or a comma separated list of ports.
func (c *PipeWireCapture) Start(ctx context.Context, device string) (Stream, error) {
	sources := c.resolveSources(device)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no PipeWire source configured for device %q", ErrDeviceUnavailable, device)
	}
	for _, source := range sources {
		if err := c.pipewire.ValidatePort(ctx, source); err != nil {
			return nil, err
		}
	}

	args := c.buildArgs(len(sources))
	slog.Info("Starting PipeWire FFmpeg", "command", strings.Join(args, " "))

	cmd := c.command(args)
	env := os.Environ()
	env = append(env, "PIPEWIRE_QUANTUM=256/48000", "PIPEWIRE_LATENCY=256/48000")
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, classifyStartError(err)
	}

	stream := newProcessStream(cmd, ContainerHint(c.cfg.Capture.Container))
	go stream.readStderr(stderr, c.logWriter, stream.stderrDone)
	go stream.readChunks(stdout, c.cfg.Capture.ChunkSize)

	if err := c.connect(ctx, sources); err != nil {
		// ffmpeg must be gone before the device is offered again
		<-abandon(stream)
		return nil, err
	}

	slog.Info("PipeWire capture started", "device", device, "sources", sources)
	return stream, nil
}

func (c *PipeWireCapture) connect(ctx context.Context, sources []string) error {
	for i, source := range sources {
		destPort := fmt.Sprintf("%s:input_%d", jackClientName, i+1)
		if err := c.pipewire.WaitForPort(ctx, destPort); err != nil {
			if ctx.Err() != nil {
				return err
			}
			return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		if err := c.pipewire.ConnectPortsWithRetry(ctx, source, destPort); err != nil {
			return err
		}
		slog.Debug("Connected source", "source", source, "dest", destPort)
	}
	return nil
}

func (c *PipeWireCapture) resolveSources(device string) []string {
	d := c.cfg.Device
	if device == "" || device == d.ID || device == d.Name {
		return capSources(d.Sources)
	}
	var sources []string
	for _, s := range strings.Split(device, ",") {
		if s = strings.TrimSpace(s); s != "" && s != "disabled" {
			sources = append(sources, s)
		}
	}
	return capSources(sources)
}

// capSources keeps at most a stereo pair.
func capSources(sources []string) []string {
	if len(sources) > 2 {
		return sources[:2]
	}
	return sources
}

func (c *PipeWireCapture) buildArgs(channels int) []string {
	format := "webm"
	if c.cfg.Capture.Container == "ogg" {
		format = "ogg"
	}
	return []string{
		"pw-jack",
		"ffmpeg",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "jack",
		"-channels", fmt.Sprintf("%d", channels),
		"-i", jackClientName,
		"-ar", fmt.Sprintf("%d", c.cfg.Audio.SampleRate),
		"-c:a", "libopus",
		"-f", format,
		"pipe:1",
	}
}

func classifyStartError(err error) error {
	switch {
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: failed to start FFmpeg: %w", ErrDeviceUnavailable, err)
	}
}

// processStream adapts an ffmpeg process writing to stdout into a Stream.
type processStream struct {
	cmd    *exec.Cmd
	hint   string
	events chan Event

	stopOnce   sync.Once
	exited     chan struct{}
	stderrDone chan struct{}

	mu        sync.Mutex
	stderrBuf strings.Builder
}

func newProcessStream(cmd *exec.Cmd, hint string) *processStream {
	return &processStream{
		cmd:        cmd,
		hint:       hint,
		events:     make(chan Event, 64),
		exited:     make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
}

func (s *processStream) Events() <-chan Event { return s.events }

// Stop sends SIGINT so ffmpeg flushes the container trailer, then kills the
// process if it has not exited within the grace period.
func (s *processStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.cmd.Process == nil {
			return
		}
		slog.Debug("Sending SIGINT to FFmpeg process")
		if sigErr := s.cmd.Process.Signal(os.Interrupt); sigErr != nil {
			if errors.Is(sigErr, os.ErrProcessDone) {
				return
			}
			slog.Debug("Failed to send interrupt to FFmpeg, killing", "error", sigErr)
			err = s.cmd.Process.Kill()
			return
		}
		go func() {
			select {
			case <-s.exited:
			case <-time.After(stopGracePeriod):
				slog.Warn("FFmpeg did not exit within timeout, force killing")
				_ = s.cmd.Process.Kill()
			}
		}()
	})
	return err
}

// readChunks forwards stdout, then waits for the process and finalizes.
func (s *processStream) readChunks(stdout io.Reader, chunkSize int) {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.events <- Event{Kind: EventChunk, Data: data}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("FFmpeg stdout read ended", "error", err)
			}
			break
		}
	}

	// Wait closes the pipes, so stderr must be fully read first
	<-s.stderrDone
	waitErr := s.cmd.Wait()
	close(s.exited)

	var streamErr error
	if waitErr != nil && !isGracefulExit(waitErr) {
		s.mu.Lock()
		stderr := strings.TrimSpace(s.stderrBuf.String())
		s.mu.Unlock()
		slog.Debug("FFmpeg stderr", "output", stderr)
		if stderr != "" {
			streamErr = fmt.Errorf("FFmpeg process failed: %w: %s", waitErr, lastLine(stderr))
		} else {
			streamErr = fmt.Errorf("FFmpeg process failed: %w", waitErr)
		}
	}
	s.events <- Event{Kind: EventFinalized, ContainerHint: s.hint, Err: streamErr}
	close(s.events)
}

// readStderr logs ffmpeg diagnostics and mirrors them to logWriter
func (s *processStream) readStderr(pipe io.Reader, logWriter io.Writer, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		s.stderrBuf.WriteString(line + "\n")
		s.mu.Unlock()
		fmt.Fprintln(logWriter, line)
		slog.Debug("FFmpeg output", "stream", "stderr", "line", line)
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// isGracefulExit reports whether ffmpeg ended because it was asked to stop.
func isGracefulExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	// Exit code 255 is ffmpeg's answer to SIGINT
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		return state == "signal: interrupt" || state == "signal: killed"
	}
	return false
}
