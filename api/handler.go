package api

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"vidnet/cache"
	"vidnet/config"
	"vidnet/extract"
	"vidnet/files"
	"vidnet/platform"
	"vidnet/task"

	"github.com/gin-gonic/gin"
)

// MetadataFetcher is the slice of the extraction adapter the metadata
// endpoint needs.
type MetadataFetcher interface {
	Metadata(ctx context.Context, rawURL string) (*extract.Metadata, error)
}

type Handler struct {
	cfg      *config.Config
	manager  *task.Manager
	metadata MetadataFetcher
	store    *cache.Store
	files    *files.Manager
}

func NewHandler(cfg *config.Config, tm *task.Manager, mf MetadataFetcher, store *cache.Store, fm *files.Manager) *Handler {
	return &Handler{
		cfg:      cfg,
		manager:  tm,
		metadata: mf,
		store:    store,
		files:    fm,
	}
}

type MetadataRequest struct {
	URL string `json:"url" binding:"required"`
}

type DownloadRequest struct {
	URL     string `json:"url" binding:"required"`
	Quality string `json:"quality"`
	Format  string `json:"format"`
	// Accepted for client compatibility; jobs always run in arrival order.
	Priority bool `json:"priority"`
}

type AudioRequest struct {
	URL     string `json:"url" binding:"required"`
	Quality string `json:"quality"`
}

type StatusResponse struct {
	TaskID       string      `json:"task_id"`
	Kind         task.Kind   `json:"kind"`
	Status       task.Status `json:"status"`
	Progress     int         `json:"progress"`
	DownloadURL  string      `json:"download_url,omitempty"`
	FileSize     int64       `json:"file_size,omitempty"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	ErrorKind    string      `json:"error,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Suggestion   string      `json:"suggestion,omitempty"`
}

// httpStatus maps a classified extraction error onto a response code.
func httpStatus(kind extract.Kind) int {
	switch kind {
	case extract.KindUnsupportedPlatform:
		return http.StatusBadRequest
	case extract.KindExtractionFailed:
		return http.StatusNotFound
	case extract.KindNoAudioTrack, extract.KindQualityUnavailable:
		return http.StatusUnprocessableEntity
	case extract.KindRateLimited:
		return http.StatusTooManyRequests
	case extract.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func unsupportedPlatform(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":      string(extract.KindUnsupportedPlatform),
		"message":    "This website isn't supported",
		"suggestion": "Try a URL from YouTube, TikTok, Instagram, Facebook, Twitter, Reddit, or Vimeo",
	})
}

func writeError(c *gin.Context, err error) {
	e := extract.AsError(err)
	c.JSON(httpStatus(e.Kind), gin.H{
		"error":      string(e.Kind),
		"message":    e.Message,
		"suggestion": e.Suggestion,
	})
}

// handleMetadata answers from the cache when it can; a miss runs a
// timeout-bounded synchronous extraction and caches the result.
func (h *Handler) handleMetadata(c *gin.Context) {
	var req MetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := platform.Validate(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	info, err := platform.Detect(req.URL)
	if err != nil {
		unsupportedPlatform(c)
		return
	}

	key := cache.Key(cache.MetadataPrefix, info.NormalizedURL)
	if raw, ok := h.store.Get(c.Request.Context(), key); ok {
		c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.MetadataTimeout)
	defer cancel()
	meta, err := h.metadata.Metadata(ctx, req.URL)
	if err != nil {
		writeError(c, err)
		return
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		writeError(c, err)
		return
	}
	h.store.Set(c.Request.Context(), key, raw, h.cfg.MetadataCacheTTL)
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// handleDownload accepts a video download job.
func (h *Handler) handleDownload(c *gin.Context) {
	var req DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Quality == "" {
		req.Quality = "720p"
	}
	if req.Format == "" {
		req.Format = "mp4"
	}
	h.submit(c, task.KindVideoDownload, task.Request{
		URL:     req.URL,
		Quality: req.Quality,
		Format:  req.Format,
	})
}

// handleExtractAudio accepts an audio extraction job.
func (h *Handler) handleExtractAudio(c *gin.Context) {
	var req AudioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Quality == "" {
		req.Quality = "128kbps"
	}
	h.submit(c, task.KindAudioExtraction, task.Request{
		URL:          req.URL,
		AudioQuality: req.Quality,
	})
}

func (h *Handler) submit(c *gin.Context, kind task.Kind, req task.Request) {
	if err := platform.Validate(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	info, err := platform.Detect(req.URL)
	if err != nil {
		unsupportedPlatform(c)
		return
	}
	req.URL = info.NormalizedURL

	t, err := h.manager.Submit(kind, req)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "queue_full",
			"message":    "The server is at capacity",
			"suggestion": "Please try again in a few minutes",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": t.ID, "status": t.Status})
}

// handleStatus returns a task snapshot. Clients should poll no more than
// once per second.
func (h *Handler) handleStatus(c *gin.Context) {
	t, err := h.manager.Registry().Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Task not found"})
		return
	}

	resp := StatusResponse{
		TaskID:   t.ID,
		Kind:     t.Kind,
		Status:   t.Status,
		Progress: t.Progress,
	}
	if t.Failure != nil {
		resp.ErrorKind = string(t.Failure.Kind)
		resp.ErrorMessage = t.Failure.Message
		resp.Suggestion = t.Failure.Suggestion
	}
	// The download URL is only exposed while the file is still servable.
	if t.Status == task.StatusCompleted && t.Result != nil {
		if entry, err := h.files.Resolve(t.Result.FileID); err == nil {
			resp.DownloadURL = h.absoluteURL(c, t.Result.DownloadURL)
			resp.FileSize = entry.SizeBytes
			expires := entry.ExpiresAt
			resp.ExpiresAt = &expires
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleCancel requests cancellation. Terminal tasks are acknowledged
// without change.
func (h *Handler) handleCancel(c *gin.Context) {
	t, err := h.manager.Registry().Cancel(c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": t.ID, "status": t.Status})
}

// handleServeFile streams a managed file. Only names registered with the
// lifecycle manager are servable.
func (h *Handler) handleServeFile(c *gin.Context) {
	filename := c.Param("filename")
	entry, err := h.files.Resolve(filename)
	if err != nil {
		if err == files.ErrExpired {
			c.JSON(http.StatusGone, gin.H{"error": "expired", "message": "This file has expired and was removed"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "File not found"})
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("X-Content-Type-Options", "nosniff")
	c.File(entry.Path)
}

func (h *Handler) handleHealth(c *gin.Context) {
	stats := h.manager.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"queue":          stats,
		"files":          h.files.Count(),
		"cache_degraded": h.store.Degraded(),
	})
}

// absoluteURL prefixes a server-relative path with the configured base URL,
// falling back to the request host.
func (h *Handler) absoluteURL(c *gin.Context, path string) string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	return strings.TrimSuffix(baseURL, "/") + path
}
