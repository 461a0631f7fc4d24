package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"vidnet/cache"
	"vidnet/config"
	"vidnet/extract"
	"vidnet/files"
	"vidnet/task"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher counts metadata calls so cache behavior is observable.
type stubFetcher struct {
	calls    atomic.Int64
	metaFunc func(ctx context.Context, rawURL string) (*extract.Metadata, error)
}

func (s *stubFetcher) Metadata(ctx context.Context, rawURL string) (*extract.Metadata, error) {
	s.calls.Add(1)
	if s.metaFunc != nil {
		return s.metaFunc(ctx, rawURL)
	}
	return &extract.Metadata{
		Title:          "Test Video",
		Duration:       120,
		Platform:       "youtube",
		AudioAvailable: true,
		OriginalURL:    rawURL,
	}, nil
}

// stubExtractor backs the worker pool in handler tests.
type stubExtractor struct{}

func (stubExtractor) Download(ctx context.Context, rawURL, dir, baseName string, opts extract.DownloadOpts) (string, error) {
	path := filepath.Join(dir, baseName+".mp4")
	return path, os.WriteFile(path, []byte("video-bytes"), 0o644)
}

func (stubExtractor) ResolveAudioStream(ctx context.Context, rawURL string) (string, error) {
	return "https://cdn.example.com/stream", nil
}

func (stubExtractor) ConvertToMP3(ctx context.Context, streamURL, outPath, quality string) error {
	return os.WriteFile(outPath, []byte("mp3-bytes"), 0o644)
}

type testServer struct {
	router  *gin.Engine
	cfg     *config.Config
	manager *task.Manager
	fetcher *stubFetcher
	files   *files.Manager
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		BaseURL:          "https://vidnet.test",
		DownloadsDir:     t.TempDir(),
		MaxConcurrency:   2,
		QueueSize:        10,
		ExtractTimeout:   10 * time.Second,
		MetadataTimeout:  5 * time.Second,
		FileTTL:          time.Hour,
		TaskTTLGrace:     10 * time.Minute,
		SweepInterval:    time.Minute,
		MetadataCacheTTL: time.Hour,
	}
	store := cache.NewMemory()
	fm := files.NewManager(cfg.SweepInterval)
	reg := task.NewRegistry(store, cfg.TaskTTL())
	tm := task.NewManager(cfg, reg, stubExtractor{}, fm)
	fetcher := &stubFetcher{}

	return &testServer{
		router:  SetupRouter(cfg, tm, fetcher, store, fm),
		cfg:     cfg,
		manager: tm,
		fetcher: fetcher,
		files:   fm,
	}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req, _ = http.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, path, nil)
	}
	s.router.ServeHTTP(w, req)
	return w
}

func TestHandleMetadata(t *testing.T) {
	srv := setupTestServer(t)

	body := `{"url": "https://www.youtube.com/watch?v=dQw4w9WgXcQ"}`
	w := srv.do("POST", "/api/v1/metadata", body)
	require.Equal(t, http.StatusOK, w.Code)

	var meta extract.Metadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, "Test Video", meta.Title)
	assert.True(t, meta.AudioAvailable)

	// A second request for a differently-written but equivalent URL must be
	// served from the cache.
	w = srv.do("POST", "/api/v1/metadata", `{"url": "https://youtu.be/dQw4w9WgXcQ"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), srv.fetcher.calls.Load())
}

func TestHandleMetadata_Errors(t *testing.T) {
	t.Run("missing url", func(t *testing.T) {
		srv := setupTestServer(t)
		w := srv.do("POST", "/api/v1/metadata", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unsupported platform", func(t *testing.T) {
		srv := setupTestServer(t)
		w := srv.do("POST", "/api/v1/metadata", `{"url": "https://example.com/some-page"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "unsupported_platform", resp["error"])
		assert.NotEmpty(t, resp["suggestion"])
	})

	t.Run("private host rejected", func(t *testing.T) {
		srv := setupTestServer(t)
		w := srv.do("POST", "/api/v1/metadata", `{"url": "http://192.168.1.5/video.mp4"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("extraction error maps to taxonomy status", func(t *testing.T) {
		srv := setupTestServer(t)
		srv.fetcher.metaFunc = func(ctx context.Context, rawURL string) (*extract.Metadata, error) {
			return nil, extract.Classify("ERROR: Video unavailable", nil)
		}
		w := srv.do("POST", "/api/v1/metadata", `{"url": "https://www.youtube.com/watch?v=gone4567890"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "extraction_failed", resp["error"])
		assert.NotEmpty(t, resp["message"])
	})
}

func TestHandleDownload(t *testing.T) {
	srv := setupTestServer(t)

	w := srv.do("POST", "/api/v1/download", `{"url": "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "quality": "720p"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["task_id"])
	assert.Equal(t, "pending", resp["status"])

	snapshot, err := srv.manager.Registry().Get(context.Background(), resp["task_id"])
	require.NoError(t, err)
	assert.Equal(t, task.KindVideoDownload, snapshot.Kind)
	// The stored request carries the canonical URL.
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", snapshot.Request.URL)
}

func TestHandleDownload_InvalidRequests(t *testing.T) {
	srv := setupTestServer(t)

	w := srv.do("POST", "/api/v1/download", `{"quality": "720p"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do("POST", "/api/v1/download", `{"url": "ftp://example.com/v.mp4"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do("POST", "/api/v1/download", `{"url": "http://localhost/v.mp4"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleExtractAudio(t *testing.T) {
	srv := setupTestServer(t)

	w := srv.do("POST", "/api/v1/extract-audio", `{"url": "https://vimeo.com/76979871", "quality": "320kbps"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	snapshot, err := srv.manager.Registry().Get(context.Background(), resp["task_id"])
	require.NoError(t, err)
	assert.Equal(t, task.KindAudioExtraction, snapshot.Kind)
	assert.Equal(t, "320kbps", snapshot.Request.AudioQuality)
}

func TestHandleStatus(t *testing.T) {
	srv := setupTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.manager.Start(ctx)

	w := srv.do("POST", "/api/v1/download", `{"url": "https://www.youtube.com/watch?v=dQw4w9WgXcQ"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	taskID := accepted["task_id"]

	var status StatusResponse
	require.Eventually(t, func() bool {
		w := srv.do("GET", "/api/v1/status/"+taskID, "")
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, task.StatusCompleted, status.Status)
	assert.Equal(t, 100, status.Progress)
	assert.Equal(t, "https://vidnet.test/downloads/video_"+taskID+".mp4", status.DownloadURL)
	assert.Equal(t, int64(len("video-bytes")), status.FileSize)
	require.NotNil(t, status.ExpiresAt)

	// Once the file is gone the task stays completed but the link vanishes.
	srv.files.Remove("video_" + taskID + ".mp4")
	w = srv.do("GET", "/api/v1/status/"+taskID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var after StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &after))
	assert.Equal(t, task.StatusCompleted, after.Status)
	assert.Empty(t, after.DownloadURL)
}

func TestHandleStatus_NotFound(t *testing.T) {
	srv := setupTestServer(t)
	w := srv.do("GET", "/api/v1/status/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStatus_Failed(t *testing.T) {
	srv := setupTestServer(t)

	created := srv.manager.Registry().Create(task.KindVideoDownload, task.Request{URL: "https://example.com/v.mp4"})
	failed := task.StatusFailed
	_, err := srv.manager.Registry().Update(created.ID, task.Patch{
		Status: &failed,
		Failure: &task.Failure{
			Kind:       extract.KindExtractionFailed,
			Message:    "This video is unavailable",
			Suggestion: "Check that the video is public",
		},
	})
	require.NoError(t, err)

	w := srv.do("GET", "/api/v1/status/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, task.StatusFailed, status.Status)
	assert.Equal(t, "extraction_failed", status.ErrorKind)
	assert.NotEmpty(t, status.ErrorMessage)
	assert.NotEmpty(t, status.Suggestion)
	assert.Empty(t, status.DownloadURL)
}

func TestHandleCancel(t *testing.T) {
	srv := setupTestServer(t)
	// Workers never started, so the task stays pending.

	w := srv.do("POST", "/api/v1/download", `{"url": "https://www.youtube.com/watch?v=dQw4w9WgXcQ"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))

	w = srv.do("DELETE", "/api/v1/cancel/"+accepted["task_id"], "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp["status"])

	// Cancelling again acknowledges without changing anything.
	w = srv.do("DELETE", "/api/v1/cancel/"+accepted["task_id"], "")
	require.Equal(t, http.StatusOK, w.Code)

	w = srv.do("DELETE", "/api/v1/cancel/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleServeFile(t *testing.T) {
	srv := setupTestServer(t)

	path := filepath.Join(srv.cfg.DownloadsDir, "video_abc123.mp4")
	require.NoError(t, os.WriteFile(path, []byte("served-bytes"), 0o644))
	entry, err := srv.files.Register(path, time.Hour)
	require.NoError(t, err)

	w := srv.do("GET", "/downloads/"+entry.FileID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "served-bytes", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, w.Header().Get("Content-Type"), "video/mp4")
}

func TestHandleServeFile_Rejections(t *testing.T) {
	srv := setupTestServer(t)

	t.Run("unregistered name", func(t *testing.T) {
		w := srv.do("GET", "/downloads/never_seen.mp4", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("traversal attempt", func(t *testing.T) {
		w := srv.do("GET", "/downloads/..%2f..%2fetc%2fpasswd", "")
		assert.NotEqual(t, http.StatusOK, w.Code)
	})

	t.Run("expired file", func(t *testing.T) {
		path := filepath.Join(srv.cfg.DownloadsDir, "video_old404.mp4")
		require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))
		entry, err := srv.files.Register(path, -time.Minute)
		require.NoError(t, err)

		w := srv.do("GET", "/downloads/"+entry.FileID, "")
		assert.Equal(t, http.StatusGone, w.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	srv := setupTestServer(t)
	w := srv.do("GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Contains(t, resp, "queue")
}

func TestAuthMiddleware(t *testing.T) {
	srv := setupTestServer(t)
	srv.cfg.AuthEnable = true
	srv.cfg.AuthKey = "secret"

	t.Run("no token", func(t *testing.T) {
		w := srv.do("GET", "/api/v1/status/whatever", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/status/whatever", nil)
		req.Header.Set("Authorization", "Bearer wrong-key")
		srv.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("correct token reaches handler", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/status/whatever", nil)
		req.Header.Set("Authorization", "Bearer secret")
		srv.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("downloads stay outside the auth wall", func(t *testing.T) {
		w := srv.do("GET", "/downloads/unknown.mp4", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	srv := setupTestServer(t)
	srv.cfg.RateLimitRPS = 1
	srv.cfg.RateLimitBurst = 2
	// Rebuild so the limiter picks up the config.
	srv.router = SetupRouter(srv.cfg, srv.manager, srv.fetcher, cache.NewMemory(), srv.files)

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		w := srv.do("GET", "/api/v1/status/whatever", "")
		codes[w.Code]++
	}
	assert.Equal(t, 2, codes[http.StatusNotFound])
	assert.GreaterOrEqual(t, codes[http.StatusTooManyRequests], 2)
}

func TestRequestIDMiddleware(t *testing.T) {
	srv := setupTestServer(t)

	w := srv.do("GET", "/health", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "trace-me-123")
	srv.router.ServeHTTP(w, req)
	assert.Equal(t, "trace-me-123", w.Header().Get("X-Request-ID"))
}

func TestCORSMiddleware(t *testing.T) {
	srv := setupTestServer(t)

	w := srv.do("OPTIONS", "/api/v1/metadata", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
