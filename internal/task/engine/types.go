package engine

import (
	"time"

	"docconv/internal/task"
)

// Config controls admission, concurrency and upload spooling.
// The app layer maps config.queue and config.upload into this struct.
type Config struct {
	// MaxConcurrent bounds conversions running past the gate.
	MaxConcurrent int
	// QueueSize bounds tasks admitted but not yet past the gate.
	QueueSize int
	// PollInterval is the dispatcher's bounded wait on the admission queue.
	PollInterval time.Duration
	// SubmitWait is how long Submit waits for an admission slot when the
	// caller's context has no deadline. 0 fails immediately when full.
	SubmitWait time.Duration

	MaxFileSize int64
	ChunkSize   int
	TempDir     string

	// SingleFlight collapses concurrent conversions of identical content.
	SingleFlight bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 100 << 20
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 8192
	}
	return c
}

// TaskEvent is published on the event bus for task lifecycle changes.
type TaskEvent struct {
	ID          string      `json:"task_id"`
	Filename    string      `json:"filename"`
	Size        int64       `json:"size"`
	Status      task.Status `json:"status"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	FromCache   bool        `json:"from_cache,omitempty"`
	Shared      bool        `json:"shared,omitempty"`
	DurationMS  int64       `json:"duration_ms,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Key partitions events per task.
func (e TaskEvent) Key() string { return e.ID }

const (
	EventSubmitted = "task.submitted"
	EventStarted   = "task.started"
	EventCompleted = "task.completed"
	EventFailed    = "task.failed"
	EventCancelled = "task.cancelled"
)

// QueueInfo is a point-in-time view of the engine for operators.
type QueueInfo struct {
	Running        bool                `json:"running"`
	MaxConcurrent  int                 `json:"max_concurrent"`
	QueueCapacity  int                 `json:"queue_capacity"`
	QueueDepth     int                 `json:"queue_size"`
	Admitted       int                 `json:"admitted"`
	WaitingForGate int                 `json:"waiting_for_gate"`
	Processing     int                 `json:"processing"`
	PeakProcessing int                 `json:"peak_processing"`
	ActiveTasks    int                 `json:"active_tasks"`
	Tasks          map[task.Status]int `json:"tasks"`
	TotalTasks     int                 `json:"total_tasks"`

	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	CacheHits uint64 `json:"cache_hits"`
	Shared    uint64 `json:"shared"`
	Rejected  uint64 `json:"rejected_queue_full"`
}
