// vidnet/task/task.go
package task

import (
	"time"

	"vidnet/extract"
)

type Kind string

const (
	KindVideoDownload   Kind = "video_download"
	KindAudioExtraction Kind = "audio_extraction"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusConverting Status = "converting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// statusRank orders active states so transitions can only move forward.
// All terminal states share the top rank.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusConverting: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
	StatusCancelled:  3,
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// canTransition reports whether moving from s to next preserves the
// monotonic state machine.
func (s Status) canTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	return statusRank[next] >= statusRank[s]
}

// Request is the immutable input a task was created with.
type Request struct {
	URL          string `json:"url"`
	Quality      string `json:"quality,omitempty"`
	Format       string `json:"format,omitempty"`
	AudioQuality string `json:"audio_quality,omitempty"`
}

// Result is populated only on completed tasks.
type Result struct {
	FileID      string    `json:"file_id"`
	DownloadURL string    `json:"download_url"`
	SizeBytes   int64     `json:"size_bytes"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Failure is populated only on failed tasks.
type Failure struct {
	Kind       extract.Kind `json:"kind"`
	Message    string       `json:"message"`
	Suggestion string       `json:"suggestion,omitempty"`
}

// Task is one tracked download or audio-extraction job.
type Task struct {
	ID        string    `json:"task_id"`
	Kind      Kind      `json:"kind"`
	Request   Request   `json:"request"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Result    *Result   `json:"result,omitempty"`
	Failure   *Failure  `json:"failure,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Task) clone() *Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.Failure != nil {
		f := *t.Failure
		c.Failure = &f
	}
	return &c
}
