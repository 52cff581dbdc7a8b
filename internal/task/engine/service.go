package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"docconv/internal/cache"
	"docconv/internal/converter"
	"docconv/internal/eventbus"
	rtsup "docconv/internal/runtime/supervisor"
	"docconv/internal/task"
	logx "docconv/pkg/logx"
)

// Service accepts uploads, runs one execution unit per task behind a
// concurrency gate and keeps results in the task registry.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	tasks      *task.Registry
	converters *converter.Registry
	cache      *cache.Cache
	flight     *singleflight.Group

	// q carries task ids from Submit to the dispatcher. admission holds one
	// token per task not yet past the gate, so sends on q never block.
	q         chan string
	admission chan struct{}
	gate      *gate

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
	done     map[string]chan struct{}

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	cacheHits atomic.Uint64
	shared    atomic.Uint64
	rejected  atomic.Uint64

	fullWarn *logx.Throttle
}

func New(cfg Config, converters *converter.Registry, c *cache.Cache, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if converters == nil {
		converters = converter.NewRegistry()
	}
	s := &Service{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		tasks:      task.NewRegistry(),
		converters: converters,
		cache:      c,
		q:          make(chan string, cfg.QueueSize),
		admission:  make(chan struct{}, cfg.QueueSize),
		gate:       newGate(cfg.MaxConcurrent),
		active:     map[string]context.CancelFunc{},
		done:       map[string]chan struct{}{},
		fullWarn:   logx.NewThrottle(5*time.Second, 1),
	}
	if cfg.SingleFlight {
		s.flight = &singleflight.Group{}
	}
	return s
}

func (s *Service) Tasks() *task.Registry           { return s.tasks }
func (s *Service) Converters() *converter.Registry { return s.converters }

// Supervisor returns the engine supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil
}

// Start launches the dispatcher. Calling Start while running is a no-op.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A failed unit must never take the service down.
		rtsup.WithCancelOnError(false),
	)
	sup, stopCh := s.sup, s.stopCh
	cfg := s.cfg
	s.mu.Unlock()

	sup.GoRestart("dispatcher", func(c context.Context) error {
		s.dispatch(c, sup, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dispatcher exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
	)

	s.log.Info("conversion engine started",
		logx.Int("max_concurrent", cfg.MaxConcurrent),
		logx.Int("queue_size", cfg.QueueSize),
		logx.Bool("single_flight", cfg.SingleFlight),
	)
}

// Stop halts intake, cancels every active execution unit, waits for their
// cleanup and sweeps leftover temp artifacts.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	// Unit contexts derive from the supervisor's, so this cancels them all
	// at once; the explicit pass covers units spawned without it.
	sup.Cancel()
	s.activeMu.Lock()
	inFlight := len(s.active)
	for _, cancel := range s.active {
		cancel()
	}
	s.activeMu.Unlock()

	go func() {
		// Wait unbounded in background; caller can still time out.
		_ = sup.Wait(context.Background())
		dropped := s.drainQueue()
		reclaimed := s.sweep()
		s.releaseWaiters()

		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()

		s.log.Info("conversion engine stopped",
			logx.Int("tasks_cancelled", inFlight),
			logx.Int("tasks_dropped", dropped),
			logx.Int("artifacts_reclaimed", reclaimed),
		)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		n := s.sweep()
		s.log.Warn("conversion engine stop timed out", logx.Err(ctx.Err()), logx.Int("artifacts_reclaimed", n))
	}
}

// drainQueue empties the admission queue after the dispatcher has exited.
// Each dropped task gives back its admission token and stays pending, the
// same outcome as a unit cancelled before the gate; sweep then removes its
// artifact. Submit cannot enqueue concurrently because stopDone is set.
func (s *Service) drainQueue() int {
	n := 0
	for {
		select {
		case id := <-s.q:
			<-s.admission
			n++
			s.cancelled.Add(1)
			t, _ := s.tasks.Get(id)
			s.log.Debug("queued task dropped at stop", logx.String("task", id))
			s.publish(EventCancelled, TaskEvent{ID: id, Filename: t.Filename, Size: t.Size, Status: t.Status, Error: ErrStopped.Error()})
		default:
			return n
		}
	}
}

// sweep removes every artifact still attached to a task.
func (s *Service) sweep() int {
	n := 0
	for _, p := range s.tasks.DrainTempPaths() {
		if removeArtifact(p, s.log) {
			n++
		}
	}
	return n
}

func (s *Service) releaseWaiters() {
	s.activeMu.Lock()
	for id, ch := range s.done {
		close(ch)
		delete(s.done, id)
	}
	s.activeMu.Unlock()
}

func removeArtifact(p string, log logx.Logger) bool {
	err := os.Remove(p)
	if err == nil {
		return true
	}
	if !errors.Is(err, os.ErrNotExist) {
		log.Warn("temp artifact cleanup failed", logx.String("path", p), logx.Err(err))
	}
	return false
}

// Submit spools r to a temp file and registers a pending task. It returns
// once the task is queued, without waiting for execution.
func (s *Service) Submit(ctx context.Context, r io.Reader, filename, contentType string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == "/" {
		return "", ErrInvalidFilename
	}
	ext := converter.Ext(name)
	if _, err := s.converters.Resolve(ext); err != nil {
		return "", err
	}

	s.mu.Lock()
	cfg := s.cfg
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopCh == nil {
		return "", ErrStopped
	}
	if stopping {
		return "", ErrStopping
	}

	path, size, err := spool(ctx, r, cfg, ext)
	if err != nil {
		return "", err
	}
	if err := s.admit(ctx, cfg, stopCh); err != nil {
		removeArtifact(path, s.log)
		return "", err
	}

	id := uuid.NewString()
	t := task.Task{ID: id, Filename: name, Size: size, ContentType: contentType, TempPath: path}

	s.mu.Lock()
	if s.stopCh == nil || s.stopDone != nil {
		s.mu.Unlock()
		<-s.admission
		removeArtifact(path, s.log)
		return "", ErrStopping
	}
	if err := s.tasks.Put(t); err != nil {
		s.mu.Unlock()
		<-s.admission
		removeArtifact(path, s.log)
		return "", err
	}
	s.activeMu.Lock()
	s.done[id] = make(chan struct{})
	s.activeMu.Unlock()
	s.submitted.Add(1)
	s.log.Info("task submitted", logx.String("task", id), logx.String("filename", name), logx.Int64("size", size))
	s.publish(EventSubmitted, TaskEvent{ID: id, Filename: name, Size: size, Status: task.StatusPending})
	s.q <- id
	s.mu.Unlock()
	return id, nil
}

// admit takes an admission slot, waiting up to SubmitWait (or the caller's
// deadline) when the queue is full.
func (s *Service) admit(ctx context.Context, cfg Config, stopCh <-chan struct{}) error {
	select {
	case s.admission <- struct{}{}:
		return nil
	default:
	}
	if _, ok := ctx.Deadline(); !ok {
		if cfg.SubmitWait <= 0 {
			s.onQueueFull()
			return ErrQueueFull
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.SubmitWait)
		defer cancel()
	}
	select {
	case s.admission <- struct{}{}:
		return nil
	case <-stopCh:
		return ErrStopping
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.onQueueFull()
			return ErrQueueFull
		}
		return ctx.Err()
	}
}

func (s *Service) onQueueFull() {
	s.rejected.Add(1)
	s.fullWarn.Warn(s.log, "submission rejected: queue full",
		logx.Int("queue_capacity", cap(s.admission)),
		logx.Uint64("rejected", s.rejected.Load()),
	)
}

// spool copies r into a new temp file in ChunkSize reads, giving up as soon
// as the running total crosses MaxFileSize. No partial file survives an
// error.
func spool(ctx context.Context, r io.Reader, cfg Config, ext string) (path string, size int64, err error) {
	f, err := os.CreateTemp(cfg.TempDir, "docconv-upload-*"+ext)
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	path = f.Name()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close temp file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(path)
			path, size = "", 0
		}
	}()

	buf := make([]byte, cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return path, size, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			size += int64(n)
			if size > cfg.MaxFileSize {
				return path, size, &TooLargeError{Limit: cfg.MaxFileSize}
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return path, size, fmt.Errorf("write temp file: %w", werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return path, size, fmt.Errorf("read upload: %w", rerr)
		}
	}
	if size == 0 {
		return path, 0, ErrEmptyFile
	}
	return path, size, nil
}

// Get returns a copy of the task record.
func (s *Service) Get(id string) (task.Task, bool) { return s.tasks.Get(id) }

// Wait blocks until the task's execution unit has finished or ctx is done,
// then returns the current record.
func (s *Service) Wait(ctx context.Context, id string) (task.Task, error) {
	s.activeMu.Lock()
	ch := s.done[id]
	s.activeMu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return task.Task{}, ctx.Err()
		}
	}
	t, ok := s.tasks.Get(id)
	if !ok {
		return task.Task{}, task.ErrTaskNotFound
	}
	return t, nil
}

// Cleanup removes terminal tasks older than maxAge and returns the count.
func (s *Service) Cleanup(maxAge time.Duration) int {
	n := s.tasks.Reap(maxAge)
	if n > 0 {
		s.log.Info("tasks reaped", logx.Int("removed", n), logx.Duration("max_age", maxAge))
	} else {
		s.log.Debug("tasks reaped", logx.Int("removed", 0), logx.Duration("max_age", maxAge))
	}
	return n
}

func (s *Service) QueueInfo() QueueInfo {
	s.activeMu.Lock()
	active := len(s.active)
	s.activeMu.Unlock()
	counts := s.tasks.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	return QueueInfo{
		Running:        s.Running(),
		MaxConcurrent:  s.gate.capacity(),
		QueueCapacity:  cap(s.admission),
		QueueDepth:     len(s.q),
		Admitted:       len(s.admission),
		WaitingForGate: int(s.gate.waiting.Load()),
		Processing:     int(s.gate.inUse.Load()),
		PeakProcessing: int(s.gate.peak.Load()),
		ActiveTasks:    active,
		Tasks:          counts,
		TotalTasks:     total,
		Submitted:      s.submitted.Load(),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		Cancelled:      s.cancelled.Load(),
		CacheHits:      s.cacheHits.Load(),
		Shared:         s.shared.Load(),
		Rejected:       s.rejected.Load(),
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
