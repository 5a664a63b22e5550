package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Recorder hands out sessions and guarantees that at most one of them is
// capturing at any time.
type Recorder struct {
	capture CaptureService
	decoder Decoder
	opts    SessionOptions

	// startMu serializes StartCapture so a new session never acquires the
	// device before the previous one has released it.
	startMu sync.Mutex

	mu      sync.RWMutex
	current *Session
}

// NewRecorder creates a recorder with no current session.
func NewRecorder(capture CaptureService, decoder Decoder, opts SessionOptions) *Recorder {
	return &Recorder{
		capture: capture,
		decoder: decoder,
		opts:    opts,
	}
}

// StartCapture discards the current session, waiting for its device to stop
// and finalize, then starts a new session on device. The new session is
// returned even when Start fails so its failure reason can be inspected.
func (r *Recorder) StartCapture(ctx context.Context, device string) (*Session, error) {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	r.mu.RLock()
	opts := r.opts
	r.mu.RUnlock()
	if prev := r.Current(); prev != nil {
		opts.Mix = prev.MixOptions()
		if err := prev.Discard(ctx); err != nil {
			return nil, fmt.Errorf("failed to release previous capture: %w", err)
		}
		slog.Debug("Previous session released", "session_id", prev.ID())
	}

	session := NewSession(r.capture, r.decoder, opts)
	r.mu.Lock()
	r.current = session
	r.mu.Unlock()

	slog.Info("Starting capture", "session_id", session.ID(), "device", device)
	if err := session.Start(ctx, device); err != nil {
		return session, err
	}
	return session, nil
}

// Current returns the latest session, or nil before the first capture.
func (r *Recorder) Current() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Stop stops the current session and waits for it to decode.
func (r *Recorder) Stop(ctx context.Context) (*Session, error) {
	session := r.Current()
	if session == nil {
		return nil, fmt.Errorf("%w: no capture session", ErrInvalidState)
	}
	return session, session.Stop(ctx)
}

// Discard resets the current session to idle.
func (r *Recorder) Discard(ctx context.Context) error {
	session := r.Current()
	if session == nil {
		return nil
	}
	return session.Discard(ctx)
}

// SetMixOptions updates the default mix settings and those of the current session.
func (r *Recorder) SetMixOptions(opts MixSettings) {
	r.mu.Lock()
	r.opts.Mix = opts
	session := r.current
	r.mu.Unlock()
	if session != nil {
		session.SetMixOptions(opts)
	}
}

// MixOptions returns the live mix settings.
func (r *Recorder) MixOptions() MixSettings {
	if session := r.Current(); session != nil {
		return session.MixOptions()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts.Mix
}

// Close discards the current session, stopping any active device.
func (r *Recorder) Close(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	return r.Discard(ctx)
}
