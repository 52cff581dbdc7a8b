// Package task holds conversion task records and their state machine.
//
// A task moves pending -> processing -> completed|failed and never back.
// Terminal records are immutable and leave the registry only through Reap.
package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateID       = errors.New("task id already registered")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Task is one conversion request. Nullable fields stay nil until the task
// reaches the state that sets them.
type Task struct {
	ID          string     `json:"task_id"`
	Filename    string     `json:"filename"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Result      *string    `json:"result"`
	Error       *string    `json:"error"`
	DurationMS  *int64     `json:"duration_ms"`
	QueueWaitMS int64      `json:"queue_wait_ms"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	FromCache   bool       `json:"from_cache"`
	CacheHitAt  *time.Time `json:"cache_hit_at,omitempty"`
	// Shared marks a result computed once for several identical uploads.
	Shared bool `json:"shared,omitempty"`

	TempPath string `json:"-"`
}

// Outcome is the successful result applied by Complete.
type Outcome struct {
	Result     string
	Duration   time.Duration
	FromCache  bool
	CacheHitAt time.Time
	Shared     bool
}

// Registry is the in-memory task table. Every method is safe for concurrent
// use and returns copies.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{tasks: map[string]*Task{}, now: time.Now}
}

// Put registers a new task. Status defaults to pending and CreatedAt to now.
func (r *Registry) Put(t Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return ErrDuplicateID
	}
	r.tasks[t.ID] = &t
	return nil
}

func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// update applies fn to the live record under the write lock.
func (r *Registry) update(id string, fn func(t *Task) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	return fn(t)
}

func transition(t *Task, from, to Status) error {
	if t.Status != from {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.Status, to, t.ID)
	}
	t.Status = to
	return nil
}

// MarkProcessing moves a pending task to processing and records the time it
// spent waiting for admission.
func (r *Registry) MarkProcessing(id string) error {
	now := r.now().UTC()
	return r.update(id, func(t *Task) error {
		if err := transition(t, StatusPending, StatusProcessing); err != nil {
			return err
		}
		t.StartedAt = &now
		t.QueueWaitMS = max(now.Sub(t.CreatedAt).Milliseconds(), 0)
		return nil
	})
}

func (r *Registry) SetFingerprint(id, fp string) error {
	return r.update(id, func(t *Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
		}
		t.Fingerprint = fp
		return nil
	})
}

func (r *Registry) Complete(id string, o Outcome) error {
	now := r.now().UTC()
	return r.update(id, func(t *Task) error {
		if err := transition(t, StatusProcessing, StatusCompleted); err != nil {
			return err
		}
		res := o.Result
		ms := o.Duration.Milliseconds()
		t.Result = &res
		t.DurationMS = &ms
		t.CompletedAt = &now
		t.FromCache = o.FromCache
		t.Shared = o.Shared
		if o.FromCache {
			hit := o.CacheHitAt
			if hit.IsZero() {
				hit = now
			}
			t.CacheHitAt = &hit
		}
		return nil
	})
}

func (r *Registry) Fail(id, msg string, dur time.Duration) error {
	now := r.now().UTC()
	return r.update(id, func(t *Task) error {
		if err := transition(t, StatusProcessing, StatusFailed); err != nil {
			return err
		}
		ms := dur.Milliseconds()
		t.Error = &msg
		t.DurationMS = &ms
		t.CompletedAt = &now
		return nil
	})
}

// ClearTempPath detaches the temp artifact from the task. It returns the
// path only on the first call for a task.
func (r *Registry) ClearTempPath(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.TempPath == "" {
		return "", false
	}
	p := t.TempPath
	t.TempPath = ""
	return p, true
}

// TempPaths lists artifacts still attached to tasks.
func (r *Registry) TempPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, t := range r.tasks {
		if t.TempPath != "" {
			out = append(out, t.TempPath)
		}
	}
	sort.Strings(out)
	return out
}

// DrainTempPaths detaches every remaining artifact and returns the paths.
func (r *Registry) DrainTempPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.tasks {
		if t.TempPath != "" {
			out = append(out, t.TempPath)
			t.TempPath = ""
		}
	}
	return out
}

// Reap deletes terminal tasks completed more than maxAge ago.
func (r *Registry) Reap(maxAge time.Duration) int {
	cutoff := r.now().UTC().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tasks {
		if !t.Status.Terminal() || t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			n++
		}
	}
	return n
}

// Counts returns the number of tasks per status; every status is present.
func (r *Registry) Counts() map[Status]int {
	out := map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	r.mu.RLock()
	for _, t := range r.tasks {
		out[t.Status]++
	}
	r.mu.RUnlock()
	return out
}
