package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/podcastcapture/internal/config"
	"github.com/audiolibrelab/podcastcapture/internal/pcm"
)

// BackgroundInfo contains information about a background track file
type BackgroundInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	Extension    string    `json:"extension"`
	IsSelected   bool      `json:"is_selected"`
	StreamURL    string    `json:"stream_url"`
}

// BackgroundConfig represents the background selection stored in conf.yaml
type BackgroundConfig struct {
	SelectedBackground string `yaml:"selected_background"`
	LastUpdated        string `yaml:"last_updated"`
}

type cachedBackground struct {
	modTime time.Time
	size    int64
	buffer  *pcm.Buffer
}

// getBackgroundsDirectory returns the resolved backgrounds directory path
func (s *PodcastService) getBackgroundsDirectory() string {
	cfg, _ := s.state()
	dir := cfg.Output.BackgroundsDirectory
	if dir == "" {
		dir = filepath.Join(cfg.Output.Directory, "Backgrounds")
	}
	return dir
}

func (s *PodcastService) supportedExtensions() map[string]bool {
	exts := make(map[string]bool)
	for _, ext := range config.GetSupportedAudioExtensions(s.configFile) {
		exts["."+strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return exts
}

// ListBackgrounds returns all background tracks in the backgrounds directory
func (s *PodcastService) ListBackgrounds() ([]BackgroundInfo, error) {
	s.backgroundMutex.RLock()
	defer s.backgroundMutex.RUnlock()

	dir := s.getBackgroundsDirectory()
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backgrounds directory: %w", err)
	}

	selected, _ := s.getSelectedBackgroundName()
	supportedExts := s.supportedExtensions()

	var backgrounds []BackgroundInfo
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(file.Name()))
		if !supportedExts[ext] {
			continue
		}

		info, err := file.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", file.Name(), "error", err)
			continue
		}

		backgrounds = append(backgrounds, BackgroundInfo{
			Name:         file.Name(),
			Path:         filepath.Join(dir, file.Name()),
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
			Extension:    strings.TrimPrefix(ext, "."),
			IsSelected:   file.Name() == selected,
			StreamURL:    fmt.Sprintf("/api/backgrounds/file/%s", file.Name()),
		})
	}

	// Newest first, selected one on top
	sort.Slice(backgrounds, func(i, j int) bool {
		if backgrounds[i].IsSelected != backgrounds[j].IsSelected {
			return backgrounds[i].IsSelected
		}
		return backgrounds[i].ModTime.After(backgrounds[j].ModTime)
	})

	return backgrounds, nil
}

// GetSelectedBackground returns the currently selected background, or nil
func (s *PodcastService) GetSelectedBackground() (*BackgroundInfo, error) {
	backgrounds, err := s.ListBackgrounds()
	if err != nil {
		return nil, err
	}
	for _, bg := range backgrounds {
		if bg.IsSelected {
			return &bg, nil
		}
	}
	return nil, nil
}

// SetSelectedBackground selects a file from the backgrounds directory
func (s *PodcastService) SetSelectedBackground(name string) error {
	s.backgroundMutex.Lock()
	defer s.backgroundMutex.Unlock()

	if _, err := lookupFile(s.getBackgroundsDirectory(), name); err != nil {
		return fmt.Errorf("background track not found: %w", err)
	}
	return s.saveBackgroundConfig(&BackgroundConfig{
		SelectedBackground: name,
		LastUpdated:        s.now().Format(time.RFC3339),
	})
}

// ClearSelectedBackground makes exports voice only
func (s *PodcastService) ClearSelectedBackground() error {
	s.backgroundMutex.Lock()
	defer s.backgroundMutex.Unlock()

	return s.saveBackgroundConfig(&BackgroundConfig{
		LastUpdated: s.now().Format(time.RFC3339),
	})
}

// ImportBackground copies an audio file into the backgrounds directory and selects it
func (s *PodcastService) ImportBackground(path string) (*BackgroundInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open background %s: %w", path, err)
	}
	defer f.Close()
	return s.SaveBackground(filepath.Base(path), f)
}

// SaveBackground stores r under name in the backgrounds directory and selects it
func (s *PodcastService) SaveBackground(name string, r io.Reader) (*BackgroundInfo, error) {
	name = sanitizeFileName(name)
	ext := strings.ToLower(filepath.Ext(name))
	if name == "" || !s.supportedExtensions()[ext] {
		return nil, fmt.Errorf("unsupported background file %q", name)
	}

	s.backgroundMutex.Lock()
	dir := s.getBackgroundsDirectory()
	if err := ensureDir(dir); err != nil {
		s.backgroundMutex.Unlock()
		return nil, err
	}

	dest := filepath.Join(dir, name)
	if err := writeFileFrom(dest, r); err != nil {
		s.backgroundMutex.Unlock()
		return nil, err
	}
	delete(s.backgroundCache, dest)
	err := s.saveBackgroundConfig(&BackgroundConfig{
		SelectedBackground: name,
		LastUpdated:        s.now().Format(time.RFC3339),
	})
	s.backgroundMutex.Unlock()
	if err != nil {
		return nil, err
	}

	slog.Info("Imported background track", "name", name, "dest", dest)
	return s.GetSelectedBackground()
}

// BackgroundPath resolves a background name to its path
func (s *PodcastService) BackgroundPath(name string) (string, error) {
	return lookupFile(s.getBackgroundsDirectory(), name)
}

// loadBackground decodes the selected background, reusing the cached buffer
// while the file is unchanged. No selection returns nil.
func (s *PodcastService) loadBackground(ctx context.Context) (*pcm.Buffer, error) {
	name, err := s.getSelectedBackgroundName()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.getBackgroundsDirectory(), name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: background %s", ErrNotFound, name)
	}

	s.backgroundMutex.RLock()
	cached, ok := s.backgroundCache[path]
	s.backgroundMutex.RUnlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.buffer, nil
	}

	buf, err := s.decoder.DecodeFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load background %s: %w", name, err)
	}
	slog.Debug("Background decoded", "name", name, "frames", buf.Frames(), "sample_rate", buf.SampleRate())

	s.backgroundMutex.Lock()
	s.backgroundCache[path] = cachedBackground{modTime: info.ModTime(), size: info.Size(), buffer: buf}
	s.backgroundMutex.Unlock()
	return buf, nil
}

func (s *PodcastService) getBackgroundConfigPath() string {
	return filepath.Join(s.getBackgroundsDirectory(), "conf.yaml")
}

// getSelectedBackgroundName reads conf.yaml; without one the profile's
// mix.background applies.
func (s *PodcastService) getSelectedBackgroundName() (string, error) {
	data, err := os.ReadFile(s.getBackgroundConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			cfg, _ := s.state()
			return cfg.Mix.Background, nil
		}
		return "", fmt.Errorf("failed to read background config: %w", err)
	}

	var bc BackgroundConfig
	if err := yaml.Unmarshal(data, &bc); err != nil {
		return "", fmt.Errorf("failed to parse background config: %w", err)
	}
	return bc.SelectedBackground, nil
}

func (s *PodcastService) saveBackgroundConfig(bc *BackgroundConfig) error {
	configPath := s.getBackgroundConfigPath()

	if err := ensureDir(filepath.Dir(configPath)); err != nil {
		return err
	}

	data, err := yaml.Marshal(bc)
	if err != nil {
		return fmt.Errorf("failed to marshal background config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write background config: %w", err)
	}
	slog.Debug("Background selection saved", "selected", bc.SelectedBackground)
	return nil
}

func writeFileFrom(dest string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", dest, err)
	}
	return nil
}
