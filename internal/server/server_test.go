package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/podcastcapture/internal/audio"
	"github.com/audiolibrelab/podcastcapture/internal/config"
	"github.com/audiolibrelab/podcastcapture/internal/decode"
	"github.com/audiolibrelab/podcastcapture/internal/pcm"
	"github.com/audiolibrelab/podcastcapture/internal/service"
	"github.com/audiolibrelab/podcastcapture/internal/wav"
)

type pcmStream struct {
	events chan audio.Event
	hint   string
	once   sync.Once
}

func (s *pcmStream) Events() <-chan audio.Event { return s.events }

func (s *pcmStream) Stop() error {
	s.once.Do(func() {
		go func() {
			s.events <- audio.Event{Kind: audio.EventFinalized, ContainerHint: s.hint}
			close(s.events)
		}()
	})
	return nil
}

type pcmCapture struct {
	err error
}

func (c *pcmCapture) Start(context.Context, string) (audio.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	s := &pcmStream{events: make(chan audio.Event, 4), hint: decode.RawPCMHint(48000, 1)}
	s.events <- audio.Event{Kind: audio.EventChunk, Data: []byte{0x10, 0x00, 0xf0, 0xff, 0x20, 0x00}}
	return s, nil
}

func newTestServer(t *testing.T, capture audio.CaptureService, configFile string) *Server {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Output.Directory = filepath.Join(dir, "recordings")
	cfg.Output.BackgroundsDirectory = filepath.Join(dir, "backgrounds")

	svc := service.NewWithDeps(cfg, configFile, nil, service.Deps{
		Capture: func(*config.Config) audio.CaptureService { return capture },
		Now:     func() time.Time { return time.Date(2024, 5, 1, 10, 15, 0, 0, time.Local) },
	})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return New(svc, configFile, "0")
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestStatus_Idle(t *testing.T) {
	s := newTestServer(t, &pcmCapture{}, "")

	rec := do(t, s, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status service.Status
	decodeJSON(t, rec, &status)
	assert.Equal(t, audio.StateIdle, status.State)
	assert.Nil(t, status.Session)
	assert.Equal(t, 0.4, status.Mix.BackgroundGain)
}

func TestCaptureAndExport(t *testing.T) {
	s := newTestServer(t, &pcmCapture{}, "")

	rec := do(t, s, http.MethodPost, "/api/capture/start", StartRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var started CaptureResponse
	decodeJSON(t, rec, &started)
	assert.True(t, started.Success)
	assert.Equal(t, audio.StateCapturing, started.Session.State)

	rec = do(t, s, http.MethodPost, "/api/capture/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stopped CaptureResponse
	decodeJSON(t, rec, &stopped)
	assert.Equal(t, audio.StateReady, stopped.Session.State)
	assert.Equal(t, 3, stopped.Session.Frames)

	rec = do(t, s, http.MethodGet, "/api/export/voice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "voice_")
	h, err := wav.ParseHeader(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 3, h.Frames())

	rec = do(t, s, http.MethodGet, "/api/export/raw", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "audio/pcm"))
	assert.Equal(t, []byte{0x10, 0x00, 0xf0, 0xff, 0x20, 0x00}, rec.Body.Bytes())

	rec = do(t, s, http.MethodPost, "/api/export", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result service.ExportResult
	decodeJSON(t, rec, &result)
	assert.Equal(t, "mix_20240501_101500.wav", filepath.Base(result.Mix))

	rec = do(t, s, http.MethodGet, "/api/exports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Count int `json:"count"`
	}
	decodeJSON(t, rec, &listing)
	assert.Equal(t, 3, listing.Count)

	rec = do(t, s, http.MethodGet, "/api/exports/voice_20240501_101500.wav", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/exports/missing.wav", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/capture/discard", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExportBeforeRecordingConflicts(t *testing.T) {
	s := newTestServer(t, &pcmCapture{}, "")

	for _, path := range []string{"/api/export/voice", "/api/export/mix", "/api/export/raw"} {
		rec := do(t, s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusConflict, rec.Code, path)

		var resp GenericResponse
		decodeJSON(t, rec, &resp)
		assert.False(t, resp.Success)
		assert.NotEmpty(t, resp.Error)
	}

	rec := do(t, s, http.MethodPost, "/api/capture/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStart_PermissionDenied(t *testing.T) {
	s := newTestServer(t, &pcmCapture{err: audio.ErrPermissionDenied}, "")

	rec := do(t, s, http.MethodPost, "/api/capture/start", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodGet, "/status", nil)
	var status service.Status
	decodeJSON(t, rec, &status)
	assert.Equal(t, audio.StateFailed, status.State)
	assert.Equal(t, audio.ReasonPermissionDenied, status.Reason)
	assert.NotEmpty(t, status.LastError)
}

func TestUpdateMix(t *testing.T) {
	s := newTestServer(t, &pcmCapture{}, "")

	rec := do(t, s, http.MethodPut, "/api/mix", map[string]any{"background_gain": 0.2, "loop": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var opts audio.MixSettings
	decodeJSON(t, rec, &opts)
	assert.Equal(t, 1.0, opts.VoiceGain, "omitted fields are kept")
	assert.Equal(t, 0.2, opts.BackgroundGain)
	assert.False(t, opts.Loop)

	rec = do(t, s, http.MethodPut, "/api/mix", map[string]any{"voice_gain": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackgrounds(t *testing.T) {
	s := newTestServer(t, &pcmCapture{}, "")

	buf, err := pcm.New(48000, [][]float32{{0.1, 0.2}})
	require.NoError(t, err)
	data, err := wav.Encode(buf)
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "bed.wav")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/backgrounds", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var info service.BackgroundInfo
	decodeJSON(t, rec, &info)
	assert.Equal(t, "bed.wav", info.Name)
	assert.True(t, info.IsSelected)

	rec = do(t, s, http.MethodGet, "/api/backgrounds/file/bed.wav", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())

	rec = do(t, s, http.MethodPost, "/api/backgrounds/select", BackgroundSelectRequest{Name: "missing.wav"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/backgrounds/select", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/backgrounds/selected", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/backgrounds/selected", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"selected":null}`, rec.Body.String())
}

func TestSources(t *testing.T) {
	s := newTestServer(t, &pcmCapture{}, "")
	s.listSources = func(context.Context, *config.Config) (audio.BackendType, []string, error) {
		return audio.BackendTypePipeWire, []string{"system:capture_1"}, nil
	}

	rec := do(t, s, http.MethodGet, "/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SourcesResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, audio.BackendTypePipeWire, resp.Backend)
	assert.Equal(t, []string{"system:capture_1"}, resp.Sources)
}

func TestProfiles(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	configFile := filepath.Join(home, "podcastcapture.yaml")
	require.NoError(t, config.WriteDefault(configFile))
	s := newTestServer(t, &pcmCapture{}, configFile)

	rec := do(t, s, http.MethodGet, "/config/profiles", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Profiles []string `json:"profiles"`
	}
	decodeJSON(t, rec, &resp)
	assert.Contains(t, resp.Profiles, "default")

	rec = do(t, s, http.MethodPost, "/config/select", ProfileSelectRequest{Profile: "default"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/config/select", ProfileSelectRequest{Profile: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusForError(audio.ErrInvalidState))
	assert.Equal(t, http.StatusServiceUnavailable, statusForError(audio.ErrDeviceUnavailable))
	assert.Equal(t, http.StatusGatewayTimeout, statusForError(audio.ErrTimeout))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForError(audio.ErrDecode))
	assert.Equal(t, http.StatusInternalServerError, statusForError(assert.AnError))
}
