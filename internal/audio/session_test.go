package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/podcastcapture/internal/decode"
	"github.com/audiolibrelab/podcastcapture/internal/mix"
	"github.com/audiolibrelab/podcastcapture/internal/pcm"
	"github.com/audiolibrelab/podcastcapture/internal/wav"
)

const testRate = 8000

var testHint = decode.RawPCMHint(testRate, 1)

// fakeCapture hands out fakeStreams and tracks how many are active at once.
type fakeCapture struct {
	mu        sync.Mutex
	active    int
	maxActive int
	started   int
	streams   []*fakeStream

	startErr error
	block    bool
	trailing [][]byte
	// hold delays finalization of stopped streams until closed.
	hold chan struct{}
}

func (f *fakeCapture) Start(ctx context.Context, device string) (Stream, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.startErr != nil {
		return nil, f.startErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
	f.started++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	st := &fakeStream{
		events:   make(chan Event),
		stopped:  make(chan struct{}),
		trailing: f.trailing,
		hold:     f.hold,
		release:  f.release,
	}
	f.streams = append(f.streams, st)
	go st.run()
	return st, nil
}

func (f *fakeCapture) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
}

func (f *fakeCapture) stats() (active, maxActive, started int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.maxActive, f.started
}

func (f *fakeCapture) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

type fakeStream struct {
	events   chan Event
	stopped  chan struct{}
	stopOnce sync.Once
	trailing [][]byte
	hold     chan struct{}
	release  func()
}

func (s *fakeStream) Events() <-chan Event { return s.events }

func (s *fakeStream) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

func (s *fakeStream) run() {
	<-s.stopped
	if s.hold != nil {
		<-s.hold
	}
	for _, chunk := range s.trailing {
		s.events <- Event{Kind: EventChunk, Data: chunk}
	}
	s.release()
	s.events <- Event{Kind: EventFinalized, ContainerHint: testHint}
	close(s.events)
}

// emit delivers a chunk while the stream is still running.
func (s *fakeStream) emit(data []byte) {
	s.events <- Event{Kind: EventChunk, Data: data}
}

// gatedCapture blocks its first Start until gate is closed, ignoring ctx
// the way a stuck driver would.
type gatedCapture struct {
	*fakeCapture
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedCapture) Start(ctx context.Context, device string) (Stream, error) {
	first := false
	g.once.Do(func() { first = true })
	if !first {
		return g.fakeCapture.Start(ctx, device)
	}
	close(g.entered)
	<-g.gate
	return g.fakeCapture.Start(context.Background(), device)
}

func newGatedCapture(hold chan struct{}) *gatedCapture {
	return &gatedCapture{
		fakeCapture: &fakeCapture{hold: hold},
		entered:     make(chan struct{}),
		gate:        make(chan struct{}),
	}
}

type failingDecoder struct{}

func (failingDecoder) Decode(context.Context, []byte, string) (*pcm.Buffer, error) {
	return nil, fmt.Errorf("%w: unsupported container", decode.ErrDecode)
}

func samples(values ...int16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func newTestSession(capture CaptureService, decoder Decoder) *Session {
	return NewSession(capture, decoder, SessionOptions{
		AcquireTimeout: time.Second,
		Mix:            mix.Options{VoiceGain: 1, BackgroundGain: 0.4, Loop: true},
	})
}

func stopCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSession_CaptureDecodeExport(t *testing.T) {
	capture := &fakeCapture{}
	s := newTestSession(capture, &decode.RawDecoder{})
	ctx := stopCtx(t)

	require.NoError(t, s.Start(ctx, "default"))
	state, _ := s.State()
	assert.Equal(t, StateCapturing, state)

	a, b, c := samples(100, 200), samples(-300), samples(400, 500, -600)
	st := capture.stream(0)
	st.emit(a)
	st.emit(b)
	st.emit(c)

	require.NoError(t, s.Stop(ctx))
	state, reason := s.State()
	require.Equal(t, StateReady, state)
	assert.Equal(t, ReasonNone, reason)

	expected, err := (&decode.RawDecoder{}).Decode(ctx, bytes.Join([][]byte{a, b, c}, nil), testHint)
	require.NoError(t, err)
	want, err := wav.Encode(expected)
	require.NoError(t, err)

	got, err := s.ExportVoiceOnly()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	raw, err := s.RawCapture()
	require.NoError(t, err)
	assert.Equal(t, bytes.Join([][]byte{a, b, c}, nil), raw.Data)
	assert.Equal(t, testHint, raw.ContainerHint)

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Chunks)
	assert.Equal(t, 12, snap.Bytes)
	assert.Equal(t, 6, snap.Frames)
	assert.Equal(t, StateReady.Message(), snap.Message)
}

func TestSession_TrailingChunksAreKept(t *testing.T) {
	capture := &fakeCapture{trailing: [][]byte{samples(7), samples(8)}}
	s := newTestSession(capture, &decode.RawDecoder{})
	ctx := stopCtx(t)

	require.NoError(t, s.Start(ctx, "default"))
	capture.stream(0).emit(samples(6))
	require.NoError(t, s.Stop(ctx))

	raw, err := s.RawCapture()
	require.NoError(t, err)
	assert.Equal(t, samples(6, 7, 8), raw.Data)

	buf, err := s.Buffer()
	require.NoError(t, err)
	assert.Equal(t, 3, buf.Frames())
}

func TestSession_ExportMixDegeneratesWithoutBackground(t *testing.T) {
	capture := &fakeCapture{}
	s := newTestSession(capture, &decode.RawDecoder{})
	ctx := stopCtx(t)

	require.NoError(t, s.Start(ctx, "default"))
	capture.stream(0).emit(samples(1000, -1000, 2000))
	require.NoError(t, s.Stop(ctx))

	voice, err := s.ExportVoiceOnly()
	require.NoError(t, err)
	mixed, err := s.ExportMix(nil, mix.Options{VoiceGain: 0.5, BackgroundGain: 1})
	require.NoError(t, err)
	assert.Equal(t, voice, mixed)

	bg, err := pcm.New(testRate, [][]float32{{0.1, 0.2}})
	require.NoError(t, err)
	withBackground, err := s.ExportMix(bg, s.MixOptions())
	require.NoError(t, err)
	hdr, err := wav.ParseHeader(withBackground)
	require.NoError(t, err)
	assert.Equal(t, 2, hdr.Channels)
	assert.Equal(t, 3, hdr.Frames())
	assert.Equal(t, testRate, hdr.SampleRate)
}

func TestSession_ExportMixRejectsInvalidBackground(t *testing.T) {
	capture := &fakeCapture{}
	s := newTestSession(capture, &decode.RawDecoder{})
	ctx := stopCtx(t)

	require.NoError(t, s.Start(ctx, "default"))
	capture.stream(0).emit(samples(1))
	require.NoError(t, s.Stop(ctx))

	_, err := s.ExportMix(&pcm.Buffer{}, s.MixOptions())
	assert.ErrorIs(t, err, ErrInvalidState)
	state, _ := s.State()
	assert.Equal(t, StateReady, state)
}

func TestSession_ExportOutsideReady(t *testing.T) {
	capture := &fakeCapture{}
	s := newTestSession(capture, &decode.RawDecoder{})
	ctx := stopCtx(t)

	_, err := s.ExportVoiceOnly()
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = s.RawCapture()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Start(ctx, "default"))
	_, err = s.ExportMix(nil, mix.Options{})
	assert.ErrorIs(t, err, ErrInvalidState)
	state, _ := s.State()
	assert.Equal(t, StateCapturing, state, "failed export must not change state")

	require.NoError(t, s.Discard(ctx))
}

func TestSession_DecodeFailureKeepsRawCapture(t *testing.T) {
	capture := &fakeCapture{}
	s := newTestSession(capture, failingDecoder{})
	ctx := stopCtx(t)

	require.NoError(t, s.Start(ctx, "default"))
	capture.stream(0).emit([]byte("not audio"))
	require.NoError(t, s.Stop(ctx))

	state, reason := s.State()
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, ReasonDecodeError, reason)
	assert.ErrorIs(t, s.Err(), ErrDecode)

	raw, err := s.RawCapture()
	require.NoError(t, err)
	assert.Equal(t, []byte("not audio"), raw.Data)

	_, err = s.ExportVoiceOnly()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, ReasonDecodeError.Message(), s.Snapshot().Message)
}

func TestSession_AcquisitionFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason Reason
		want   error
	}{
		{"permission", fmt.Errorf("open mic: %w", ErrPermissionDenied), ReasonPermissionDenied, ErrPermissionDenied},
		{"no device", errors.New("no capture device"), ReasonDeviceUnavailable, ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(&fakeCapture{startErr: tt.err}, &decode.RawDecoder{})
			err := s.Start(context.Background(), "default")
			assert.ErrorIs(t, err, tt.want)

			state, reason := s.State()
			assert.Equal(t, StateFailed, state)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestSession_AcquisitionTimeout(t *testing.T) {
	s := NewSession(&fakeCapture{block: true}, &decode.RawDecoder{}, SessionOptions{AcquireTimeout: 20 * time.Millisecond})

	err := s.Start(context.Background(), "default")
	assert.ErrorIs(t, err, ErrTimeout)
	state, reason := s.State()
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, ReasonTimeout, reason)

	require.NoError(t, s.Discard(context.Background()))
	state, _ = s.State()
	assert.Equal(t, StateIdle, state)
}

func TestSession_TimeoutWhenCaptureIgnoresContext(t *testing.T) {
	capture := newGatedCapture(nil)
	s := NewSession(capture, &decode.RawDecoder{}, SessionOptions{AcquireTimeout: 20 * time.Millisecond})

	err := s.Start(context.Background(), "default")
	assert.ErrorIs(t, err, ErrTimeout)
	state, reason := s.State()
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, ReasonTimeout, reason)

	close(capture.gate)
	require.NoError(t, s.Discard(stopCtx(t)))

	active, _, started := capture.stats()
	assert.Equal(t, 1, started)
	assert.Equal(t, 0, active, "stream returned after the timeout is released")
}

func TestSession_CallerCancelReturnsToIdle(t *testing.T) {
	s := newTestSession(&fakeCapture{block: true}, &decode.RawDecoder{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := s.Start(ctx, "default")
	assert.ErrorIs(t, err, context.Canceled)
	state, _ := s.State()
	assert.Equal(t, StateIdle, state)
}

func TestSession_StopAndDiscardAreIdempotent(t *testing.T) {
	capture := &fakeCapture{}
	s := newTestSession(capture, &decode.RawDecoder{})
	ctx := stopCtx(t)

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Discard(ctx))
	state, _ := s.State()
	assert.Equal(t, StateIdle, state)

	require.NoError(t, s.Start(ctx, "default"))
	capture.stream(0).emit(samples(1, 2))
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	state, _ = s.State()
	assert.Equal(t, StateReady, state)

	require.NoError(t, s.Discard(ctx))
	require.NoError(t, s.Discard(ctx))
	state, _ = s.State()
	assert.Equal(t, StateIdle, state)
	_, err := s.ExportVoiceOnly()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSession_DiscardWhileCapturingStopsDevice(t *testing.T) {
	capture := &fakeCapture{}
	s := newTestSession(capture, &decode.RawDecoder{})
	ctx := stopCtx(t)

	require.NoError(t, s.Start(ctx, "default"))
	capture.stream(0).emit(samples(1))
	require.NoError(t, s.Discard(ctx))

	active, _, _ := capture.stats()
	assert.Equal(t, 0, active)
	state, _ := s.State()
	assert.Equal(t, StateIdle, state)
	assert.Equal(t, 0, s.Snapshot().Chunks)

	require.NoError(t, s.Start(ctx, "default"))
	capture.stream(1).emit(samples(9))
	require.NoError(t, s.Stop(ctx))
	raw, err := s.RawCapture()
	require.NoError(t, err)
	assert.Equal(t, samples(9), raw.Data)
}

func TestSession_StartOnlyFromIdle(t *testing.T) {
	capture := &fakeCapture{}
	s := newTestSession(capture, &decode.RawDecoder{})
	ctx := stopCtx(t)

	require.NoError(t, s.Start(ctx, "default"))
	assert.ErrorIs(t, s.Start(ctx, "default"), ErrInvalidState)
	require.NoError(t, s.Discard(ctx))
}

func TestSession_SnapshotElapsed(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	capture := &fakeCapture{}
	s := NewSession(capture, &decode.RawDecoder{}, SessionOptions{Now: clock})
	ctx := stopCtx(t)

	require.NoError(t, s.Start(ctx, "mic"))
	advance(3 * time.Second)
	snap := s.Snapshot()
	assert.Equal(t, 3*time.Second, snap.Elapsed)
	assert.Equal(t, "mic", snap.Device)
	assert.Equal(t, base, snap.StartedAt)

	capture.stream(0).emit(samples(1))
	require.NoError(t, s.Stop(ctx))
	advance(time.Minute)
	assert.Equal(t, 3*time.Second, s.Snapshot().Elapsed)
}

func TestRecorder_SingleActiveCapture(t *testing.T) {
	capture := &fakeCapture{}
	r := NewRecorder(capture, &decode.RawDecoder{}, SessionOptions{AcquireTimeout: time.Second})
	ctx := stopCtx(t)

	first, err := r.StartCapture(ctx, "default")
	require.NoError(t, err)
	capture.stream(0).emit(samples(1, 2, 3))

	second, err := r.StartCapture(ctx, "default")
	require.NoError(t, err)

	state, _ := first.State()
	assert.Equal(t, StateIdle, state)
	state, _ = second.State()
	assert.Equal(t, StateCapturing, state)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Same(t, second, r.Current())

	active, maxActive, started := capture.stats()
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, maxActive)
	assert.Equal(t, 2, started)

	_, err = r.Stop(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx))
}

func TestRecorder_DiscardDuringAcquisitionWaitsForLateStream(t *testing.T) {
	hold := make(chan struct{})
	capture := newGatedCapture(hold)
	r := NewRecorder(capture, &decode.RawDecoder{}, SessionOptions{AcquireTimeout: time.Second})
	ctx := stopCtx(t)

	firstErr := make(chan error, 1)
	go func() {
		_, err := r.StartCapture(ctx, "a")
		firstErr <- err
	}()
	<-capture.entered

	first := r.Current()
	discarded := make(chan error, 1)
	go func() { discarded <- r.Discard(ctx) }()
	require.Eventually(t, func() bool {
		state, _ := first.State()
		return state == StateIdle
	}, time.Second, time.Millisecond)

	// The device hands over a stream after the session went idle
	close(capture.gate)
	assert.ErrorIs(t, <-firstErr, ErrInvalidState)

	secondErr := make(chan error, 1)
	go func() {
		_, err := r.StartCapture(ctx, "b")
		secondErr <- err
	}()

	// The released stream has been stopped but not finalized yet
	assert.Never(t, func() bool {
		_, _, started := capture.stats()
		return started > 1
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(hold)
	require.NoError(t, <-discarded)
	require.NoError(t, <-secondErr)

	active, maxActive, started := capture.stats()
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, maxActive)
	assert.Equal(t, 2, started)

	require.NoError(t, r.Close(ctx))
}

func TestRecorder_ConcurrentStartsNeverOverlap(t *testing.T) {
	capture := &fakeCapture{}
	r := NewRecorder(capture, &decode.RawDecoder{}, SessionOptions{AcquireTimeout: time.Second})
	ctx := stopCtx(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.StartCapture(ctx, "default")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, maxActive, started := capture.stats()
	assert.Equal(t, 1, maxActive)
	assert.Equal(t, 8, started)

	require.NoError(t, r.Close(ctx))
	active, _, _ := capture.stats()
	assert.Equal(t, 0, active)
}

func TestRecorder_MixOptionsCarryOver(t *testing.T) {
	capture := &fakeCapture{}
	r := NewRecorder(capture, &decode.RawDecoder{}, SessionOptions{})
	ctx := stopCtx(t)

	settings := mix.Options{VoiceGain: 0.8, BackgroundGain: 0.2, Loop: false}
	r.SetMixOptions(settings)
	assert.Equal(t, settings, r.MixOptions())

	first, err := r.StartCapture(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, settings, first.MixOptions())

	settings.BackgroundGain = 0.6
	r.SetMixOptions(settings)
	second, err := r.StartCapture(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, settings, second.MixOptions())
	require.NoError(t, r.Close(ctx))
}

func TestRecorder_StopWithoutSession(t *testing.T) {
	r := NewRecorder(&fakeCapture{}, &decode.RawDecoder{}, SessionOptions{})
	_, err := r.Stop(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NoError(t, r.Discard(context.Background()))
}

func TestReasonMessages(t *testing.T) {
	for _, reason := range []Reason{ReasonDeviceUnavailable, ReasonPermissionDenied, ReasonTimeout, ReasonDecodeError} {
		assert.NotEmpty(t, reason.Message(), reason)
		assert.Error(t, reason.Err(), reason)
	}
	assert.Empty(t, ReasonNone.Message())
}
