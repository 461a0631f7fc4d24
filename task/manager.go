// vidnet/task/manager.go
package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync/atomic"
	"time"

	"vidnet/config"
	"vidnet/extract"
	"vidnet/files"
)

// Extractor is the boundary to the external yt-dlp/ffmpeg processes. The
// manager treats calls as opaque blocking work bounded by the job context.
type Extractor interface {
	Download(ctx context.Context, rawURL, dir, baseName string, opts extract.DownloadOpts) (string, error)
	ResolveAudioStream(ctx context.Context, rawURL string) (string, error)
	ConvertToMP3(ctx context.Context, streamURL, outPath, quality string) error
}

// FileRegistrar is the slice of the file lifecycle manager the workers need.
type FileRegistrar interface {
	Register(path string, ttl time.Duration) (files.Entry, error)
	Remove(fileID string)
}

// Stats are point-in-time queue counters for the health endpoint.
type Stats struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Manager runs the bounded worker pool. Jobs queue FIFO; a client-visible
// "priority" boost has no effect on ordering.
type Manager struct {
	cfg       *config.Config
	registry  *Registry
	extractor Extractor
	files     FileRegistrar

	taskQueue      chan *Task
	concurrencySem chan struct{}

	queued    atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func NewManager(cfg *config.Config, registry *Registry, extractor Extractor, registrar FileRegistrar) *Manager {
	return &Manager{
		cfg:            cfg,
		registry:       registry,
		extractor:      extractor,
		files:          registrar,
		taskQueue:      make(chan *Task, cfg.QueueSize),
		concurrencySem: make(chan struct{}, cfg.MaxConcurrency),
	}
}

func (m *Manager) Start(ctx context.Context) {
	log.Println("Task manager started. Concurrency limit:", m.cfg.MaxConcurrency)
	go m.workerLoop(ctx)
	go m.pruneLoop(ctx)
}

// Submit creates a pending task and enqueues it. It never blocks; a full
// queue is reported to the caller instead.
func (m *Manager) Submit(kind Kind, req Request) (*Task, error) {
	t := m.registry.Create(kind, req)

	select {
	case m.taskQueue <- t:
		m.queued.Add(1)
	default:
		failed := StatusFailed
		m.registry.Update(t.ID, Patch{
			Status: &failed,
			Failure: &Failure{
				Kind:       extract.KindInternal,
				Message:    "The server queue is full",
				Suggestion: "Please try again in a few minutes",
			},
		})
		return nil, fmt.Errorf("task queue is full")
	}

	log.Printf("Task %s (%s) submitted to queue", t.ID, kind)
	return t, nil
}

// Registry exposes the registry for status reads and cancellation.
func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) Stats() Stats {
	return Stats{
		Queued:    m.queued.Load(),
		Active:    m.active.Load(),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
	}
}

// workerLoop pulls tasks from the queue and processes them, at most
// MaxConcurrency at a time.
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Println("Worker loop shutting down.")
			return
		case t := <-m.taskQueue:
			m.concurrencySem <- struct{}{}
			m.queued.Add(-1)
			m.active.Add(1)
			go func(t *Task) {
				defer func() {
					<-m.concurrencySem
					m.active.Add(-1)
				}()
				m.process(ctx, t)
			}(t)
		}
	}
}

// pruneLoop evicts terminal tasks from memory once their grace period is up.
func (m *Manager) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.registry.PruneTerminal(m.cfg.TaskTTL()); n > 0 {
				log.Printf("Pruned %d finished task(s) from memory", n)
			}
		}
	}
}

// process runs a single job. Errors never escape: every failure mode ends
// as a classified failed status, and a panicking job only takes down its
// own slot.
func (m *Manager) process(parentCtx context.Context, t *Task) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Task %s panicked: %v", t.ID, rec)
			m.fail(t.ID, fmt.Errorf("worker panic: %v", rec))
		}
	}()

	// Cancelled while still queued
	current, err := m.registry.Get(parentCtx, t.ID)
	if err != nil || current.Status.Terminal() {
		log.Printf("Task %s was finished before processing, skipping", t.ID)
		return
	}

	taskCtx, cancel := context.WithTimeout(parentCtx, m.cfg.ExtractTimeout)
	defer cancel()
	if !m.registry.setCancelFunc(t.ID, cancel) {
		return
	}
	defer m.registry.clearCancelFunc(t.ID)

	log.Printf("Processing task %s", t.ID)
	processing := StatusProcessing
	progress := 10
	if _, err := m.registry.Update(t.ID, Patch{Status: &processing, Progress: &progress}); err != nil {
		return
	}

	switch t.Kind {
	case KindAudioExtraction:
		err = m.runAudio(taskCtx, t)
	default:
		err = m.runVideo(taskCtx, t)
	}

	if err != nil {
		if m.wasCancelled(t.ID, err) {
			log.Printf("Task %s cancelled", t.ID)
			return
		}
		log.Printf("Task %s failed: %v", t.ID, err)
		m.fail(t.ID, err)
		return
	}

	m.completed.Add(1)
	log.Printf("Task %s completed successfully", t.ID)
}

// runVideo downloads the video and publishes the result.
func (m *Manager) runVideo(ctx context.Context, t *Task) error {
	baseName := "video_" + t.ID
	path, err := m.extractor.Download(ctx, t.Request.URL, m.cfg.DownloadsDir, baseName, extract.DownloadOpts{
		Quality: t.Request.Quality,
		OnProgress: func(pct float64) {
			// Map tool progress onto the 10..95 band; completion sets 100.
			scaled := 10 + int(pct*0.85)
			if scaled > 95 {
				scaled = 95
			}
			m.registry.Update(t.ID, Patch{Progress: &scaled})
		},
	})
	if err != nil {
		return err
	}
	return m.finish(t.ID, path)
}

// runAudio resolves the audio stream, then converts it in a second stage.
func (m *Manager) runAudio(ctx context.Context, t *Task) error {
	streamURL, err := m.extractor.ResolveAudioStream(ctx, t.Request.URL)
	if err != nil {
		return err
	}

	converting := StatusConverting
	progress := 75
	if _, err := m.registry.Update(t.ID, Patch{Status: &converting, Progress: &progress}); err != nil {
		// Cancelled between the two stages; nothing written yet.
		return context.Canceled
	}

	outPath := filepath.Join(m.cfg.DownloadsDir, "audio_"+t.ID+".mp3")
	if err := m.extractor.ConvertToMP3(ctx, streamURL, outPath, t.Request.AudioQuality); err != nil {
		return err
	}
	return m.finish(t.ID, outPath)
}

// finish registers the output file and marks the task completed. If the task
// was cancelled in the meantime the file is removed again so nothing leaks.
func (m *Manager) finish(id, path string) error {
	entry, err := m.files.Register(path, m.cfg.FileTTL)
	if err != nil {
		return err
	}

	completed := StatusCompleted
	progress := 100
	_, err = m.registry.Update(id, Patch{
		Status:   &completed,
		Progress: &progress,
		Result: &Result{
			FileID:      entry.FileID,
			DownloadURL: "/downloads/" + entry.FileID,
			SizeBytes:   entry.SizeBytes,
			ExpiresAt:   entry.ExpiresAt,
		},
	})
	if err != nil {
		m.files.Remove(entry.FileID)
		return context.Canceled
	}
	return nil
}

// fail records a classified failure. Failures racing a cancellation lose.
func (m *Manager) fail(id string, cause error) {
	e := extract.AsError(cause)
	failed := StatusFailed
	_, err := m.registry.Update(id, Patch{
		Status: &failed,
		Failure: &Failure{
			Kind:       e.Kind,
			Message:    e.Message,
			Suggestion: e.Suggestion,
		},
	})
	if err == nil {
		m.failed.Add(1)
	}
}

// wasCancelled distinguishes a user cancellation from a genuine failure.
func (m *Manager) wasCancelled(id string, cause error) bool {
	if errors.Is(cause, context.Canceled) {
		return true
	}
	current, err := m.registry.Get(context.Background(), id)
	return err == nil && current.Status == StatusCancelled
}
