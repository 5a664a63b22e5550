package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/podcastcapture/internal/audio"
	"github.com/audiolibrelab/podcastcapture/internal/decode"
	"github.com/audiolibrelab/podcastcapture/internal/mix"
	"github.com/audiolibrelab/podcastcapture/internal/pcm"
	"github.com/audiolibrelab/podcastcapture/internal/wav"
)

const timestampLayout = "20060102_150405"

// FileInfo describes a file in the recordings or backgrounds directory
type FileInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Kind         string    `json:"kind"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	DownloadURL  string    `json:"download_url"`
}

// RenderVoice encodes the decoded capture as WAV
func (s *PodcastService) RenderVoice() ([]byte, error) {
	session, err := s.currentSession()
	if err != nil {
		return nil, err
	}
	return session.ExportVoiceOnly()
}

// RenderMix blends the capture with the selected background and encodes it.
// Without a background this equals RenderVoice.
func (s *PodcastService) RenderMix(ctx context.Context) ([]byte, error) {
	session, err := s.currentSession()
	if err != nil {
		return nil, err
	}
	if _, err := session.Buffer(); err != nil {
		return nil, err
	}
	background, err := s.loadBackground(ctx)
	if err != nil {
		return nil, err
	}
	return session.ExportMix(background, s.MixOptions())
}

// RawCapture returns the undecoded capture bytes
func (s *PodcastService) RawCapture() (audio.RawCapture, error) {
	session, err := s.currentSession()
	if err != nil {
		return audio.RawCapture{}, err
	}
	return session.RawCapture()
}

// ExportVoice writes voice_<timestamp>.wav to the recordings directory
func (s *PodcastService) ExportVoice(ctx context.Context) (string, error) {
	data, err := s.RenderVoice()
	if err != nil {
		return "", s.exportFailed("voice", err)
	}
	return s.writeExport("voice", ".wav", data)
}

// ExportMix writes mix_<timestamp>.wav to the recordings directory
func (s *PodcastService) ExportMix(ctx context.Context) (string, error) {
	data, err := s.RenderMix(ctx)
	if err != nil {
		return "", s.exportFailed("mix", err)
	}
	return s.writeExport("mix", ".wav", data)
}

// ExportRaw writes the undecoded capture with an extension matching its container
func (s *PodcastService) ExportRaw(ctx context.Context) (string, error) {
	raw, err := s.RawCapture()
	if err != nil {
		return "", s.exportFailed("raw", err)
	}
	return s.writeExport("capture", decode.ExtensionForHint(raw.ContainerHint), raw.Data)
}

// ExportAll renders voice and mix concurrently and writes both, plus the raw capture.
func (s *PodcastService) ExportAll(ctx context.Context) (*ExportResult, error) {
	var voice, mixed []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		voice, err = s.RenderVoice()
		return err
	})
	g.Go(func() error {
		var err error
		mixed, err = s.RenderMix(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, s.exportFailed("all", err)
	}

	result := &ExportResult{}
	var err error
	if result.Voice, err = s.writeExport("voice", ".wav", voice); err != nil {
		return nil, err
	}
	if result.Mix, err = s.writeExport("mix", ".wav", mixed); err != nil {
		return nil, err
	}
	if result.Raw, err = s.ExportRaw(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// RemixFile decodes an existing capture or WAV file and mixes it with the
// selected background using the live mix settings.
func (s *PodcastService) RemixFile(ctx context.Context, path string) (string, error) {
	cfg, _ := s.state()

	voice, err := s.decodeInput(ctx, path, cfg.Audio.SampleRate, cfg.Device.Channels())
	if err != nil {
		return "", s.exportFailed("remix", err)
	}
	background, err := s.loadBackground(ctx)
	if err != nil {
		return "", s.exportFailed("remix", err)
	}

	var data []byte
	if background == nil {
		data, err = wav.Encode(voice)
	} else {
		opts := s.MixOptions()
		if opts.SampleRate == 0 {
			opts.SampleRate = voice.SampleRate()
		}
		var rendered *pcm.Buffer
		if rendered, err = mix.Render(voice, background, opts); err == nil {
			data, err = wav.Encode(rendered)
		}
	}
	if err != nil {
		return "", s.exportFailed("remix", err)
	}
	slog.Info("Remixed file", "input", path, "frames", voice.Frames(), "background", background != nil)
	return s.writeExport("mix", ".wav", data)
}

// decodeInput decodes a file; .pcm files are raw captures in the configured format.
func (s *PodcastService) decodeInput(ctx context.Context, path string, sampleRate, channels int) (*pcm.Buffer, error) {
	if strings.EqualFold(filepath.Ext(path), ".pcm") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read audio file %s: %w", path, err)
		}
		if channels < 1 {
			channels = 1
		}
		return s.decoder.Decode(ctx, data, decode.RawPCMHint(sampleRate, channels))
	}
	return s.decoder.DecodeFile(ctx, path)
}

// ListExports lists voice, mix and raw capture files, newest first
func (s *PodcastService) ListExports() ([]FileInfo, error) {
	cfg, _ := s.state()
	dir := cfg.Output.Directory
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		kind := exportKind(entry.Name())
		if kind == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", entry.Name(), "error", err)
			continue
		}
		files = append(files, FileInfo{
			Name:         entry.Name(),
			Path:         filepath.Join(dir, entry.Name()),
			Kind:         kind,
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
			DownloadURL:  fmt.Sprintf("/api/exports/%s", entry.Name()),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Name > files[j].Name
		}
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

// ExportPath resolves an exported file name to its path
func (s *PodcastService) ExportPath(name string) (string, error) {
	cfg, _ := s.state()
	if exportKind(name) == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return lookupFile(cfg.Output.Directory, name)
}

func exportKind(name string) string {
	for _, prefix := range []string{"voice", "mix", "capture"} {
		if strings.HasPrefix(name, prefix+"_") {
			return prefix
		}
	}
	return ""
}

func (s *PodcastService) currentSession() (*audio.Session, error) {
	_, recorder := s.state()
	session := recorder.Current()
	if session == nil {
		return nil, fmt.Errorf("%w: nothing has been recorded", audio.ErrInvalidState)
	}
	return session, nil
}

// writeExport writes data to <prefix>_<timestamp><ext>, adding a counter when
// the name is taken.
func (s *PodcastService) writeExport(prefix, ext string, data []byte) (string, error) {
	cfg, _ := s.state()
	dir := cfg.Output.Directory
	if err := ensureDir(dir); err != nil {
		return "", err
	}

	base := fmt.Sprintf("%s_%s", prefix, s.now().Format(timestampLayout))
	path := filepath.Join(dir, base+ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	slog.Info("Export written", "file", path, "bytes", len(data))
	return path, nil
}

func (s *PodcastService) exportFailed(kind string, err error) error {
	s.setLastError(fmt.Sprintf("Export %s failed: %v", kind, err))
	return fmt.Errorf("export %s: %w", kind, err)
}
