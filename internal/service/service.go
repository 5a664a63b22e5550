package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/podcastcapture/internal/audio"
	"github.com/audiolibrelab/podcastcapture/internal/config"
	"github.com/audiolibrelab/podcastcapture/internal/decode"
	"github.com/audiolibrelab/podcastcapture/internal/pcm"
	"github.com/audiolibrelab/podcastcapture/internal/play"
)

// ErrNotFound is returned for unknown background or export files.
var ErrNotFound = errors.New("file not found")

// Service represents the core podcastcapture service interface
type Service interface {
	// Recording operations
	StartCapture(ctx context.Context, device string) (audio.Snapshot, error)
	StopCapture(ctx context.Context) (audio.Snapshot, error)
	DiscardCapture(ctx context.Context) error
	Status() Status

	// Mix settings
	SetMixOptions(opts audio.MixSettings)
	MixOptions() audio.MixSettings

	// Export operations
	RenderVoice() ([]byte, error)
	RenderMix(ctx context.Context) ([]byte, error)
	RawCapture() (audio.RawCapture, error)
	ExportVoice(ctx context.Context) (string, error)
	ExportMix(ctx context.Context) (string, error)
	ExportRaw(ctx context.Context) (string, error)
	ExportAll(ctx context.Context) (*ExportResult, error)
	RemixFile(ctx context.Context, path string) (string, error)
	ListExports() ([]FileInfo, error)
	ExportPath(name string) (string, error)

	// Playback operations
	Play(path string) error

	// Configuration operations
	LoadProfile(ctx context.Context, profile string) error
	GetConfig() *config.Config
	GetLastError() string

	// Background track operations
	ListBackgrounds() ([]BackgroundInfo, error)
	GetSelectedBackground() (*BackgroundInfo, error)
	SetSelectedBackground(name string) error
	ClearSelectedBackground() error
	ImportBackground(path string) (*BackgroundInfo, error)
	SaveBackground(name string, r io.Reader) (*BackgroundInfo, error)
	BackgroundPath(name string) (string, error)

	Close(ctx context.Context) error
}

// Status is the service view of the current session
type Status struct {
	State      audio.State       `json:"state"`
	Reason     audio.Reason      `json:"reason,omitempty"`
	Message    string            `json:"message"`
	Session    *audio.Snapshot   `json:"session,omitempty"`
	Profile    string            `json:"profile"`
	Backend    string            `json:"backend"`
	Device     string            `json:"device"`
	Mix        audio.MixSettings `json:"mix"`
	Background string            `json:"background,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

// ExportResult lists the files written by ExportAll
type ExportResult struct {
	Voice string `json:"voice"`
	Mix   string `json:"mix"`
	Raw   string `json:"raw,omitempty"`
}

// Decoder decodes captures and files on disk
type Decoder interface {
	audio.Decoder
	DecodeFile(ctx context.Context, path string) (*pcm.Buffer, error)
}

// Player previews an exported file
type Player interface {
	Play(path string) error
}

// Deps are the collaborators of the service; zero fields get production defaults.
type Deps struct {
	Capture func(cfg *config.Config) audio.CaptureService
	Decoder Decoder
	Player  Player
	Now     func() time.Time
}

// PodcastService is the main service implementation
type PodcastService struct {
	configFile string
	logWriter  io.Writer
	newCapture func(cfg *config.Config) audio.CaptureService
	decoder    Decoder
	player     Player
	now        func() time.Time

	mu       sync.RWMutex
	cfg      *config.Config
	recorder *audio.Recorder

	// Background management
	backgroundMutex sync.RWMutex
	backgroundCache map[string]cachedBackground

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new service instance backed by the configured capture backend
func New(cfg *config.Config, configFile string, logWriter io.Writer) *PodcastService {
	return NewWithDeps(cfg, configFile, logWriter, Deps{})
}

// NewWithDeps creates a service with explicit collaborators
func NewWithDeps(cfg *config.Config, configFile string, logWriter io.Writer, deps Deps) *PodcastService {
	if logWriter == nil {
		logWriter = io.Discard
	}
	if deps.Capture == nil {
		deps.Capture = func(cfg *config.Config) audio.CaptureService {
			return audio.NewCaptureService(cfg, logWriter)
		}
	}
	if deps.Decoder == nil {
		deps.Decoder = decode.NewRegistry(decode.Options{
			SampleRate: cfg.Audio.SampleRate,
			LogWriter:  logWriter,
		})
	}
	if deps.Player == nil {
		deps.Player = play.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &PodcastService{
		configFile:      configFile,
		logWriter:       logWriter,
		newCapture:      deps.Capture,
		decoder:         deps.Decoder,
		player:          deps.Player,
		now:             deps.Now,
		cfg:             cfg,
		backgroundCache: make(map[string]cachedBackground),
	}
	s.recorder = s.buildRecorder(cfg)
	return s
}

func (s *PodcastService) buildRecorder(cfg *config.Config) *audio.Recorder {
	return audio.NewRecorder(s.newCapture(cfg), s.decoder, audio.SessionOptions{
		AcquireTimeout: cfg.Capture.AcquireTimeout,
		Mix:            cfg.Mix.Options(cfg.Audio.SampleRate),
		Now:            s.now,
	})
}

func (s *PodcastService) state() (*config.Config, *audio.Recorder) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.recorder
}

// StartCapture begins a new recording, replacing any previous session
func (s *PodcastService) StartCapture(ctx context.Context, device string) (audio.Snapshot, error) {
	cfg, recorder := s.state()
	if device == "" {
		device = cfg.Device.ID
	}
	slog.Debug("Service.StartCapture called", "device", device)
	s.clearLastError()

	session, err := recorder.StartCapture(ctx, device)
	var snap audio.Snapshot
	if session != nil {
		snap = session.Snapshot()
	}
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return snap, err
	}
	return snap, nil
}

// StopCapture stops the recording and waits for it to decode
func (s *PodcastService) StopCapture(ctx context.Context) (audio.Snapshot, error) {
	_, recorder := s.state()
	session, err := recorder.Stop(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return audio.Snapshot{}, err
	}

	snap := session.Snapshot()
	if snap.State == audio.StateFailed {
		s.setLastError(fmt.Sprintf("%s: %s", snap.Message, snap.Error))
	} else {
		s.clearLastError()
	}
	return snap, nil
}

// DiscardCapture drops the current recording and returns to idle
func (s *PodcastService) DiscardCapture(ctx context.Context) error {
	_, recorder := s.state()
	if err := recorder.Discard(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to discard recording: %v", err))
		return err
	}
	s.clearLastError()
	return nil
}

// Status returns the current recording status
func (s *PodcastService) Status() Status {
	cfg, recorder := s.state()

	status := Status{
		State:     audio.StateIdle,
		Message:   audio.StateIdle.Message(),
		Profile:   cfg.Profile,
		Backend:   cfg.Audio.Backend,
		Device:    cfg.Device.ID,
		Mix:       recorder.MixOptions(),
		LastError: s.GetLastError(),
	}
	if session := recorder.Current(); session != nil {
		snap := session.Snapshot()
		status.Session = &snap
		status.State = snap.State
		status.Reason = snap.Reason
		status.Message = snap.Message
	}
	if name, err := s.getSelectedBackgroundName(); err == nil {
		status.Background = name
	}
	return status
}

// SetMixOptions updates the live gain and loop settings
func (s *PodcastService) SetMixOptions(opts audio.MixSettings) {
	cfg, recorder := s.state()
	if opts.SampleRate == 0 {
		opts.SampleRate = cfg.Audio.SampleRate
	}
	slog.Debug("Mix settings updated", "voice_gain", opts.VoiceGain, "background_gain", opts.BackgroundGain, "loop", opts.Loop)
	recorder.SetMixOptions(opts)
}

// MixOptions returns the live mix settings
func (s *PodcastService) MixOptions() audio.MixSettings {
	_, recorder := s.state()
	return recorder.MixOptions()
}

// Play previews a file through an external player
func (s *PodcastService) Play(path string) error {
	return s.player.Play(path)
}

// LoadProfile loads a new configuration profile and resets the recorder
func (s *PodcastService) LoadProfile(ctx context.Context, profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.mu.Lock()
	if err := s.recorder.Close(ctx); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to release recorder: %w", err)
	}
	s.cfg = newCfg
	s.recorder = s.buildRecorder(newCfg)
	s.mu.Unlock()

	s.backgroundMutex.Lock()
	s.backgroundCache = make(map[string]cachedBackground)
	s.backgroundMutex.Unlock()

	slog.Info("Profile loaded", "profile", newCfg.Profile)
	return nil
}

// GetConfig returns the current configuration
func (s *PodcastService) GetConfig() *config.Config {
	cfg, _ := s.state()
	return cfg
}

// Close stops any active capture
func (s *PodcastService) Close(ctx context.Context) error {
	_, recorder := s.state()
	return recorder.Close(ctx)
}

// GetLastError returns the last error message (thread-safe)
func (s *PodcastService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *PodcastService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *PodcastService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// sanitizeFileName keeps letters, digits, dots, hyphens and underscores;
// spaces become underscores.
func sanitizeFileName(name string) string {
	var result strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			result.WriteRune(r)
		case r == ' ':
			result.WriteRune('_')
		}
	}
	return strings.TrimLeft(result.String(), ".")
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// lookupFile resolves name inside dir, rejecting anything that is not a plain file name.
func lookupFile(dir, name string) (string, error) {
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid file name %q", ErrNotFound, name)
	}
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}
