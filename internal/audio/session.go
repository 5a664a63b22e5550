package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/podcastcapture/internal/mix"
	"github.com/audiolibrelab/podcastcapture/internal/pcm"
	"github.com/audiolibrelab/podcastcapture/internal/wav"
)

const DefaultAcquireTimeout = 10 * time.Second

// SessionOptions configure a Session
type SessionOptions struct {
	// AcquireTimeout bounds CaptureService.Start. 0 means DefaultAcquireTimeout.
	AcquireTimeout time.Duration
	// Mix is the initial mix settings.
	Mix mix.Options
	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

// MixSettings are the live gain and loop parameters applied on export.
type MixSettings = mix.Options

// RawCapture is the undecoded capture as produced by the device.
type RawCapture struct {
	Data          []byte
	ContainerHint string
}

// Snapshot is a point-in-time copy of session status
type Snapshot struct {
	ID            string        `json:"id"`
	State         State         `json:"state"`
	Reason        Reason        `json:"reason,omitempty"`
	Message       string        `json:"message"`
	Error         string        `json:"error,omitempty"`
	Device        string        `json:"device,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	Chunks        int           `json:"chunks"`
	Bytes         int           `json:"bytes"`
	ContainerHint string        `json:"container_hint,omitempty"`
	SampleRate    int           `json:"sample_rate,omitempty"`
	Channels      int           `json:"channels,omitempty"`
	Frames        int           `json:"frames,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	Mix           mix.Options   `json:"mix"`
}

type acquireResult struct {
	stream Stream
	err    error
}

// Session owns one capture from device acquisition to a decoded buffer.
type Session struct {
	id             string
	capture        CaptureService
	decoder        Decoder
	acquireTimeout time.Duration
	now            func() time.Time

	mu      sync.Mutex
	state   State
	reason  Reason
	failure error
	device  string

	// gen changes on every Start and Discard; goroutines of an older
	// generation drop their results.
	gen           uint64
	cancelAcquire context.CancelFunc
	acquiring     chan struct{}
	stream        Stream
	stopRequested bool
	captureDone   chan struct{}
	done          chan struct{}
	draining      <-chan struct{}

	chunks     [][]byte
	chunkCount int
	byteCount  int
	raw        []byte
	hint       string
	startedAt  time.Time
	stoppedAt  time.Time
	buffer     *pcm.Buffer
	mixOpts    mix.Options
}

// NewSession returns an idle session.
func NewSession(capture CaptureService, decoder Decoder, opts SessionOptions) *Session {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		id:             uuid.NewString(),
		capture:        capture,
		decoder:        decoder,
		acquireTimeout: opts.AcquireTimeout,
		now:            opts.Now,
		state:          StateIdle,
		mixOpts:        opts.Mix,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state and failure reason.
func (s *Session) State() (State, Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// Err returns the error that moved the session to StateFailed, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Start acquires device and begins capturing. It is only valid from StateIdle.
func (s *Session) Start(ctx context.Context, device string) error {
	if err := s.waitDrained(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start capture while %s", ErrInvalidState, state)
	}
	s.gen++
	gen := s.gen
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	acquired := make(chan struct{})
	s.cancelAcquire = cancel
	s.acquiring = acquired
	s.device = device
	s.setState(StateAwaitingDevice)
	s.mu.Unlock()

	// The collaborator may not honor acquireCtx; a stream it returns late
	// is released in the background and tracked through acquired.
	results := make(chan acquireResult, 1)
	go func() {
		stream, err := s.capture.Start(acquireCtx, device)
		results <- acquireResult{stream: stream, err: err}
	}()

	var (
		res  acquireResult
		late bool
	)
	select {
	case res = <-results:
	case <-acquireCtx.Done():
		late = true
		res = acquireResult{err: acquireCtx.Err()}
		go func() {
			if r := <-results; r.stream != nil {
				slog.Debug("Releasing capture stream that arrived after acquisition ended", "session_id", s.id)
				<-abandon(r.stream)
			}
			close(acquired)
		}()
	}
	stream, err := res.stream, res.err
	timedOut := errors.Is(acquireCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquiring = nil

	if s.gen != gen {
		// Discard already points draining at acquired
		if !late {
			if stream != nil {
				go func() {
					<-abandon(stream)
					close(acquired)
				}()
			} else {
				close(acquired)
			}
		}
		return fmt.Errorf("%w: session discarded while waiting for device", ErrInvalidState)
	}
	if late {
		s.draining = acquired
	} else {
		close(acquired)
	}
	s.cancelAcquire = nil

	if err == nil && stream == nil {
		err = errors.New("capture service returned no stream")
	}
	if err != nil {
		if ctx.Err() != nil && !timedOut {
			slog.Debug("Capture start cancelled", "session_id", s.id, "error", err)
			s.resetLocked()
			return ctx.Err()
		}
		reason := classifyAcquireError(err, timedOut)
		s.failLocked(reason, err)
		return fmt.Errorf("%w: %w", reason.Err(), err)
	}

	s.stream = stream
	s.stopRequested = false
	s.chunks = nil
	s.chunkCount = 0
	s.byteCount = 0
	s.startedAt = s.now()
	s.captureDone = make(chan struct{})
	s.done = make(chan struct{})
	s.setState(StateCapturing)

	go s.pump(gen, stream, s.captureDone, s.done)
	return nil
}

// waitDrained blocks until a stream released by Discard has finalized.
func (s *Session) waitDrained(ctx context.Context) error {
	for {
		s.mu.Lock()
		draining := s.draining
		s.mu.Unlock()
		if draining == nil {
			return nil
		}
		select {
		case <-draining:
			s.mu.Lock()
			if s.draining == draining {
				s.draining = nil
			}
			s.mu.Unlock()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pump appends chunks in arrival order until the stream finalizes, then decodes.
func (s *Session) pump(gen uint64, stream Stream, captureDone, done chan struct{}) {
	defer close(done)

	events := stream.Events()
	var (
		finalized bool
		hint      string
		streamErr error
	)
	for ev := range events {
		if ev.Kind == EventFinalized {
			finalized = true
			hint = ev.ContainerHint
			streamErr = ev.Err
			break
		}
		if len(ev.Data) == 0 {
			continue
		}
		s.mu.Lock()
		if s.gen == gen {
			s.chunks = append(s.chunks, bytes.Clone(ev.Data))
			s.chunkCount++
			s.byteCount += len(ev.Data)
		}
		s.mu.Unlock()
	}
	if finalized {
		go func() {
			for range events {
			}
		}()
	}
	close(captureDone)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if !finalized {
		slog.Warn("Capture stream closed without finalization", "session_id", s.id)
	}
	if streamErr != nil {
		slog.Warn("Capture stream reported an error", "session_id", s.id, "error", streamErr)
	}
	if !s.stopRequested {
		slog.Warn("Capture ended before stop was requested", "session_id", s.id)
	}
	s.stream = nil
	s.raw = bytes.Join(s.chunks, nil)
	s.chunks = nil
	s.hint = hint
	s.stoppedAt = s.now()
	s.setState(StateStopped)

	raw, decodeHint := s.raw, s.hint
	s.setState(StateDecoding)
	s.mu.Unlock()

	buf, err := s.decoder.Decode(context.Background(), raw, decodeHint)
	if err == nil {
		if buf == nil {
			err = errors.New("decoder returned no buffer")
		} else {
			err = buf.Validate()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if err != nil {
		if !errors.Is(err, ErrDecode) {
			err = fmt.Errorf("%w: %w", ErrDecode, err)
		}
		s.failLocked(ReasonDecodeError, err)
		return
	}
	s.buffer = buf
	s.setState(StateReady)
	slog.Info("Recording decoded", "session_id", s.id, "frames", buf.Frames(), "sample_rate", buf.SampleRate(), "channels", buf.Channels(), "duration", buf.Duration())
}

// Stop ends the capture and waits until the session is Ready or Failed.
// From StateAwaitingDevice it discards the session.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateReady, StateFailed:
		s.mu.Unlock()
		return nil
	case StateAwaitingDevice:
		s.mu.Unlock()
		return s.Discard(ctx)
	}

	done := s.done
	var stream Stream
	if s.state == StateCapturing && !s.stopRequested {
		s.stopRequested = true
		stream = s.stream
		slog.Debug("Stopping capture", "session_id", s.id)
	}
	s.mu.Unlock()

	if stream != nil {
		if err := stream.Stop(); err != nil {
			slog.Debug("Capture stream stop returned an error", "session_id", s.id, "error", err)
		}
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard returns the session to StateIdle from any state, stopping the
// device first. It waits until every stream the session released has
// finalized, including one handed over after the session went idle.
func (s *Session) Discard(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return s.waitDrained(ctx)
	}
	prev := s.state
	cancel := s.cancelAcquire
	stream := s.stream
	captureDone := s.captureDone
	if s.acquiring != nil {
		s.draining = s.acquiring
	}
	s.gen++
	s.resetLocked()
	if stream != nil {
		s.draining = captureDone
	}
	s.mu.Unlock()

	slog.Debug("Session discarded", "session_id", s.id, "from", prev)

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Stop(); err != nil {
			slog.Debug("Capture stream stop returned an error", "session_id", s.id, "error", err)
		}
	}
	return s.waitDrained(ctx)
}

// ExportVoiceOnly encodes the decoded capture as WAV.
func (s *Session) ExportVoiceOnly() ([]byte, error) {
	buf, err := s.readyBuffer()
	if err != nil {
		return nil, err
	}
	return wav.Encode(buf)
}

// ExportMix renders the capture against background and encodes the result.
// A nil background is the same as ExportVoiceOnly.
func (s *Session) ExportMix(background *pcm.Buffer, opts mix.Options) ([]byte, error) {
	buf, err := s.readyBuffer()
	if err != nil {
		return nil, err
	}
	if background == nil {
		return wav.Encode(buf)
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = buf.SampleRate()
	}

	rendered, err := mix.Render(buf, background, opts)
	if err != nil {
		if errors.Is(err, mix.ErrInvalidInput) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
		}
		return nil, err
	}
	return wav.Encode(rendered)
}

// RawCapture returns the undecoded bytes once the capture has stopped. It
// stays available after a decode failure.
func (s *Session) RawCapture() (RawCapture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateStopped, s.state == StateDecoding, s.state == StateReady:
	case s.state == StateFailed && s.reason == ReasonDecodeError:
	default:
		return RawCapture{}, fmt.Errorf("%w: no raw capture while %s", ErrInvalidState, s.state)
	}
	return RawCapture{Data: bytes.Clone(s.raw), ContainerHint: s.hint}, nil
}

// Buffer returns the decoded capture. Buffers are immutable.
func (s *Session) Buffer() (*pcm.Buffer, error) {
	return s.readyBuffer()
}

// SetMixOptions replaces the live mix settings used by exports.
func (s *Session) SetMixOptions(opts mix.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mixOpts = opts
}

// MixOptions returns the live mix settings.
func (s *Session) MixOptions() mix.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mixOpts
}

// Snapshot returns a copy of the session status.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:            s.id,
		State:         s.state,
		Reason:        s.reason,
		Message:       s.state.Message(),
		Device:        s.device,
		StartedAt:     s.startedAt,
		Chunks:        s.chunkCount,
		Bytes:         s.byteCount,
		ContainerHint: s.hint,
		Mix:           s.mixOpts,
	}
	if s.state == StateFailed {
		snap.Message = s.reason.Message()
	}
	if s.failure != nil {
		snap.Error = s.failure.Error()
	}
	switch {
	case s.startedAt.IsZero():
	case s.state == StateCapturing:
		snap.Elapsed = s.now().Sub(s.startedAt)
	case !s.stoppedAt.IsZero():
		snap.Elapsed = s.stoppedAt.Sub(s.startedAt)
	}
	if s.buffer != nil {
		snap.SampleRate = s.buffer.SampleRate()
		snap.Channels = s.buffer.Channels()
		snap.Frames = s.buffer.Frames()
		snap.Duration = s.buffer.Duration()
	}
	return snap
}

func (s *Session) readyBuffer() (*pcm.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.buffer == nil {
		return nil, fmt.Errorf("%w: export requires %s, session is %s", ErrInvalidState, StateReady, s.state)
	}
	return s.buffer, nil
}

func (s *Session) setState(state State) {
	prev := s.state
	s.state = state
	if state != StateFailed {
		s.reason = ReasonNone
		s.failure = nil
	}
	slog.Debug("Session state changed", "session_id", s.id, "from", prev, "state", state)
}

func (s *Session) failLocked(reason Reason, err error) {
	s.state = StateFailed
	s.reason = reason
	s.failure = err
	s.stream = nil
	slog.Error("Recording failed", "session_id", s.id, "reason", reason, "error", err)
}

// resetLocked clears everything but the id and mix settings.
func (s *Session) resetLocked() {
	s.setState(StateIdle)
	s.cancelAcquire = nil
	s.stream = nil
	s.stopRequested = false
	s.captureDone = nil
	s.done = nil
	s.device = ""
	s.chunks = nil
	s.chunkCount = 0
	s.byteCount = 0
	s.raw = nil
	s.hint = ""
	s.startedAt = time.Time{}
	s.stoppedAt = time.Time{}
	s.buffer = nil
}
