package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/audiolibrelab/podcastcapture/internal/audio"
	"github.com/audiolibrelab/podcastcapture/internal/config"
	"github.com/audiolibrelab/podcastcapture/internal/decode"
	"github.com/audiolibrelab/podcastcapture/internal/service"
)

// Server is the HTTP remote control for a podcastcapture service
type Server struct {
	service    service.Service
	configFile string
	port       string
	engine     *gin.Engine

	// listSources is replaced in tests.
	listSources func(ctx context.Context, cfg *config.Config) (audio.BackendType, []string, error)
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CaptureResponse carries the session after a capture command
type CaptureResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Session audio.Snapshot `json:"session"`
}

// StartRequest selects the capture device; empty means the profile device
type StartRequest struct {
	Device string `json:"device"`
}

// MixRequest updates mix settings; omitted fields keep their value
type MixRequest struct {
	VoiceGain      *float64 `json:"voice_gain" binding:"omitempty,gte=0,lte=4"`
	BackgroundGain *float64 `json:"background_gain" binding:"omitempty,gte=0,lte=4"`
	Loop           *bool    `json:"loop"`
}

// BackgroundSelectRequest names a file in the backgrounds directory
type BackgroundSelectRequest struct {
	Name string `json:"name" binding:"required"`
}

// ProfileSelectRequest names a configuration profile
type ProfileSelectRequest struct {
	Profile string `json:"profile" binding:"required"`
}

// SourcesResponse lists capture sources of the active backend
type SourcesResponse struct {
	Backend audio.BackendType `json:"backend"`
	Sources []string          `json:"sources"`
}

// New creates a new web server instance around svc
func New(svc service.Service, configFile string, port string) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		service:     svc,
		configFile:  configFile,
		port:        port,
		listSources: audio.ListSources,
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/sources", s.handleSources)

	capture := s.engine.Group("/api/capture")
	{
		capture.POST("/start", s.handleStart)
		capture.POST("/stop", s.handleStop)
		capture.POST("/discard", s.handleDiscard)
	}

	s.engine.GET("/api/mix", s.handleGetMix)
	s.engine.PUT("/api/mix", s.handleUpdateMix)

	export := s.engine.Group("/api/export")
	{
		export.GET("/voice", s.handleExportVoice)
		export.GET("/mix", s.handleExportMix)
		export.GET("/raw", s.handleExportRaw)
		export.POST("", s.handleExportAll)
	}
	s.engine.GET("/api/exports", s.handleListExports)
	s.engine.GET("/api/exports/:name", s.handleDownloadExport)

	backgrounds := s.engine.Group("/api/backgrounds")
	{
		backgrounds.GET("", s.handleListBackgrounds)
		backgrounds.POST("", s.handleUploadBackground)
		backgrounds.GET("/selected", s.handleSelectedBackground)
		backgrounds.DELETE("/selected", s.handleClearBackground)
		backgrounds.POST("/select", s.handleSelectBackground)
		backgrounds.GET("/file/:name", s.handleStreamBackground)
	}

	s.engine.GET("/config/profiles", s.handleProfiles)
	s.engine.POST("/config/select", s.handleSelectProfile)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting PodcastCapture Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := s.service.Close(shutdownCtx); err != nil {
		slog.Warn("Failed to release capture on shutdown", "error", err)
	}
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Status())
}

func (s *Server) handleSources(c *gin.Context) {
	backend, sources, err := s.listSources(c.Request.Context(), s.service.GetConfig())
	if err != nil {
		s.sendErrorResponse(c, http.StatusServiceUnavailable, fmt.Sprintf("Failed to list sources: %v", err), "operation", "list_sources")
		return
	}
	c.JSON(http.StatusOK, SourcesResponse{Backend: backend, Sources: sources})
}

func (s *Server) handleStart(c *gin.Context) {
	var req StartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.sendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
			return
		}
	}

	slog.Info("Server: starting capture", "device", req.Device)
	snap, err := s.service.StartCapture(c.Request.Context(), req.Device)
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Failed to start recording: %v", err),
			"device", req.Device, "operation", "start_capture")
		return
	}
	c.JSON(http.StatusOK, CaptureResponse{Success: true, Message: snap.Message, Session: snap})
}

func (s *Server) handleStop(c *gin.Context) {
	snap, err := s.service.StopCapture(c.Request.Context())
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Failed to stop recording: %v", err), "operation", "stop_capture")
		return
	}
	c.JSON(http.StatusOK, CaptureResponse{
		Success: snap.State != audio.StateFailed,
		Message: snap.Message,
		Session: snap,
	})
}

func (s *Server) handleDiscard(c *gin.Context) {
	if err := s.service.DiscardCapture(c.Request.Context()); err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Failed to discard recording: %v", err), "operation", "discard_capture")
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Recording discarded"})
}

func (s *Server) handleGetMix(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.MixOptions())
}

func (s *Server) handleUpdateMix(c *gin.Context) {
	var req MixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Invalid mix settings: %v", err))
		return
	}

	opts := s.service.MixOptions()
	if req.VoiceGain != nil {
		opts.VoiceGain = *req.VoiceGain
	}
	if req.BackgroundGain != nil {
		opts.BackgroundGain = *req.BackgroundGain
	}
	if req.Loop != nil {
		opts.Loop = *req.Loop
	}
	s.service.SetMixOptions(opts)
	c.JSON(http.StatusOK, s.service.MixOptions())
}

func (s *Server) handleExportVoice(c *gin.Context) {
	data, err := s.service.RenderVoice()
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Export failed: %v", err), "operation", "export_voice")
		return
	}
	sendAttachment(c, "voice", ".wav", "audio/wav", data)
}

func (s *Server) handleExportMix(c *gin.Context) {
	data, err := s.service.RenderMix(c.Request.Context())
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Export failed: %v", err), "operation", "export_mix")
		return
	}
	sendAttachment(c, "mix", ".wav", "audio/wav", data)
}

func (s *Server) handleExportRaw(c *gin.Context) {
	raw, err := s.service.RawCapture()
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Raw capture unavailable: %v", err), "operation", "export_raw")
		return
	}
	contentType := raw.ContainerHint
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	sendAttachment(c, "capture", decode.ExtensionForHint(raw.ContainerHint), contentType, raw.Data)
}

func (s *Server) handleExportAll(c *gin.Context) {
	result, err := s.service.ExportAll(c.Request.Context())
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Export failed: %v", err), "operation", "export_all")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListExports(c *gin.Context) {
	files, err := s.service.ListExports()
	if err != nil {
		s.sendErrorResponse(c, http.StatusInternalServerError, fmt.Sprintf("Failed to list exports: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "count": len(files)})
}

func (s *Server) handleDownloadExport(c *gin.Context) {
	name := c.Param("name")
	path, err := s.service.ExportPath(name)
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Export not found: %s", name))
		return
	}
	c.FileAttachment(path, name)
}

func (s *Server) handleListBackgrounds(c *gin.Context) {
	backgrounds, err := s.service.ListBackgrounds()
	if err != nil {
		s.sendErrorResponse(c, http.StatusInternalServerError, fmt.Sprintf("Failed to list backgrounds: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"backgrounds": backgrounds, "count": len(backgrounds)})
}

func (s *Server) handleUploadBackground(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		s.sendErrorResponse(c, http.StatusBadRequest, "A 'file' form field is required")
		return
	}
	f, err := header.Open()
	if err != nil {
		s.sendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Failed to read upload: %v", err))
		return
	}
	defer f.Close()

	info, err := s.service.SaveBackground(header.Filename, f)
	if err != nil {
		s.sendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Failed to save background: %v", err), "filename", header.Filename)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleSelectedBackground(c *gin.Context) {
	selected, err := s.service.GetSelectedBackground()
	if err != nil {
		s.sendErrorResponse(c, http.StatusInternalServerError, fmt.Sprintf("Failed to read selection: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"selected": selected})
}

func (s *Server) handleClearBackground(c *gin.Context) {
	if err := s.service.ClearSelectedBackground(); err != nil {
		s.sendErrorResponse(c, http.StatusInternalServerError, fmt.Sprintf("Failed to clear selection: %v", err))
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Background cleared, exports are voice only"})
}

func (s *Server) handleSelectBackground(c *gin.Context) {
	var req BackgroundSelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	if err := s.service.SetSelectedBackground(req.Name); err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Failed to select background: %v", err), "name", req.Name)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Selected background %s", req.Name)})
}

func (s *Server) handleStreamBackground(c *gin.Context) {
	name := c.Param("name")
	path, err := s.service.BackgroundPath(name)
	if err != nil {
		s.sendErrorResponse(c, statusForError(err), fmt.Sprintf("Background not found: %s", name))
		return
	}
	c.File(path)
}

func (s *Server) handleProfiles(c *gin.Context) {
	root, err := config.ValidateConfigurationFormat(s.configFile)
	if err != nil {
		s.sendErrorResponse(c, http.StatusInternalServerError, fmt.Sprintf("Failed to read configuration: %v", err))
		return
	}
	profiles := make([]string, 0, len(root.Configs))
	for name := range root.Configs {
		profiles = append(profiles, name)
	}
	sort.Strings(profiles)
	c.JSON(http.StatusOK, gin.H{
		"profiles": profiles,
		"active":   s.service.GetConfig().Profile,
	})
}

func (s *Server) handleSelectProfile(c *gin.Context) {
	var req ProfileSelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	if err := s.service.LoadProfile(c.Request.Context(), req.Profile); err != nil {
		s.sendErrorResponse(c, http.StatusBadRequest, err.Error(), "profile", req.Profile)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Profile %s loaded", req.Profile)})
}

// statusForError maps the error taxonomy onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, audio.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, audio.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, audio.ErrDecode):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(c *gin.Context, statusCode int, errorMsg string, logContext ...any) {
	logFields := []any{"error_message", errorMsg, "status_code", statusCode, "path", c.FullPath()}
	logFields = append(logFields, logContext...)
	slog.Error("Sending error response to client", logFields...)

	c.AbortWithStatusJSON(statusCode, GenericResponse{Success: false, Error: errorMsg})
}

func sendAttachment(c *gin.Context, prefix, ext, contentType string, data []byte) {
	name := fmt.Sprintf("%s_%s%s", prefix, time.Now().Format("20060102_150405"), ext)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, contentType, data)
}

// requestLogger logs each request at debug level
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
