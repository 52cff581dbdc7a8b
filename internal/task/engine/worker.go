package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"docconv/internal/cache"
	"docconv/internal/converter"
	rtsup "docconv/internal/runtime/supervisor"
	"docconv/internal/task"
	logx "docconv/pkg/logx"
)

// dispatch drains the admission queue, spawning one execution unit per task.
// The timed wait lets it notice stopCh even when the queue is idle.
func (s *Service) dispatch(ctx context.Context, sup *rtsup.Supervisor, stopCh <-chan struct{}) {
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-poll.C:
		case id := <-s.q:
			s.spawn(sup, id)
		}
	}
}

func (s *Service) spawn(sup *rtsup.Supervisor, id string) {
	ctx, cancel := context.WithCancel(sup.Context())
	s.activeMu.Lock()
	s.active[id] = cancel
	s.activeMu.Unlock()

	sup.Go0("unit", func(context.Context) {
		defer cancel()
		s.execute(ctx, id)
	})
}

// execute is the execution unit for one task. Its deferred cleanup runs on
// every path, cancellation included.
func (s *Service) execute(ctx context.Context, id string) {
	var passedGate bool
	defer func() {
		if p, ok := s.tasks.ClearTempPath(id); ok {
			removeArtifact(p, s.log)
		}
		if passedGate {
			s.gate.release()
		} else {
			<-s.admission
		}
		s.activeMu.Lock()
		delete(s.active, id)
		if ch, ok := s.done[id]; ok {
			close(ch)
			delete(s.done, id)
		}
		s.activeMu.Unlock()
	}()

	err := s.gate.acquire(ctx)
	if err == nil && ctx.Err() != nil {
		// Both cases of the select were ready; cancellation wins.
		s.gate.release()
		err = ctx.Err()
	}
	if err != nil {
		s.cancelled.Add(1)
		t, _ := s.tasks.Get(id)
		s.log.Debug("task cancelled before start", logx.String("task", id), logx.Err(err))
		s.publish(EventCancelled, TaskEvent{ID: id, Filename: t.Filename, Size: t.Size, Status: t.Status, Error: err.Error()})
		return
	}
	passedGate = true
	<-s.admission

	if err := s.tasks.MarkProcessing(id); err != nil {
		s.log.Warn("task not runnable", logx.String("task", id), logx.Err(err))
		return
	}
	t, _ := s.tasks.Get(id)
	start := time.Now()
	s.log.Debug("task started", logx.String("task", id), logx.String("filename", t.Filename), logx.Int64("queue_wait_ms", t.QueueWaitMS))
	s.publish(EventStarted, TaskEvent{ID: id, Filename: t.Filename, Size: t.Size, Status: task.StatusProcessing})

	out, fp, err := s.run(ctx, t, start)
	dur := time.Since(start)
	ev := TaskEvent{ID: id, Filename: t.Filename, Size: t.Size, Fingerprint: fp, DurationMS: dur.Milliseconds()}

	if err != nil {
		msg := err.Error()
		if ctx.Err() != nil {
			msg = "conversion cancelled: " + msg
		}
		if ferr := s.tasks.Fail(id, msg, dur); ferr != nil {
			s.log.Warn("task state update failed", logx.String("task", id), logx.Err(ferr))
		}
		ev.Status, ev.Error = task.StatusFailed, msg
		if ctx.Err() != nil {
			s.cancelled.Add(1)
			s.log.Info("task cancelled", logx.String("task", id), logx.Duration("dur", dur))
			s.publish(EventCancelled, ev)
			return
		}
		s.failed.Add(1)
		s.log.Warn("task failed", logx.String("task", id), logx.String("filename", t.Filename), logx.Duration("dur", dur), logx.Err(err))
		s.publish(EventFailed, ev)
		return
	}

	if cerr := s.tasks.Complete(id, out); cerr != nil {
		s.log.Warn("task state update failed", logx.String("task", id), logx.Err(cerr))
		return
	}
	s.completed.Add(1)
	if out.FromCache {
		s.cacheHits.Add(1)
	}
	if out.Shared {
		s.shared.Add(1)
	}
	ev.Status, ev.FromCache, ev.Shared = task.StatusCompleted, out.FromCache, out.Shared
	s.log.Info("task completed",
		logx.String("task", id),
		logx.String("filename", t.Filename),
		logx.Duration("dur", dur),
		logx.Bool("from_cache", out.FromCache),
	)
	s.publish(EventCompleted, ev)
}

// run fingerprints the artifact, serves from cache when possible and
// otherwise converts and stores the result.
func (s *Service) run(ctx context.Context, t task.Task, start time.Time) (task.Outcome, string, error) {
	fp, err := cache.FingerprintFile(t.TempPath)
	if err != nil {
		return task.Outcome{}, "", fmt.Errorf("fingerprint: %w", err)
	}
	_ = s.tasks.SetFingerprint(t.ID, fp)

	if e, ok := s.cache.Get(ctx, fp); ok {
		return task.Outcome{Result: e.Content, Duration: time.Since(start), FromCache: true, CacheHitAt: time.Now().UTC()}, fp, nil
	}

	if s.flight == nil {
		text, err := s.convertAndStore(ctx, t, fp, start)
		return task.Outcome{Result: text, Duration: time.Since(start)}, fp, err
	}

	ch := s.flight.DoChan(fp, func() (any, error) {
		text, err := s.convertAndStore(ctx, t, fp, start)
		return text, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return task.Outcome{}, fp, res.Err
		}
		if res.Shared {
			s.log.Debug("conversion shared", logx.String("task", t.ID), logx.String("fp", cache.Short(fp)))
		}
		return task.Outcome{Result: res.Val.(string), Duration: time.Since(start), Shared: res.Shared}, fp, nil
	case <-ctx.Done():
		return task.Outcome{}, fp, ctx.Err()
	}
}

func (s *Service) convertAndStore(ctx context.Context, t task.Task, fp string, start time.Time) (string, error) {
	conv, err := s.converters.Resolve(converter.Ext(t.Filename))
	if err != nil {
		return "", err
	}
	text, err := s.invoke(ctx, conv, t)
	if err != nil {
		return "", err
	}
	// The result is valid even if the unit is being cancelled now.
	s.cache.Put(context.WithoutCancel(ctx), fp, cache.Entry{
		Filename:    t.Filename,
		Content:     text,
		Size:        t.Size,
		ContentType: t.ContentType,
		DurationMS:  time.Since(start).Milliseconds(),
	})
	return text, nil
}

// invoke is the single boundary between the engine and converter code.
// Panics and errors come back as *converter.ParseError.
func (s *Service) invoke(ctx context.Context, c converter.Converter, t task.Task) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("converter panicked", logx.String("converter", c.Name()), logx.String("task", t.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			text, err = "", &converter.ParseError{Converter: c.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	text, err = c.Parse(ctx, t.TempPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return "", err
		}
		return "", &converter.ParseError{Converter: c.Name(), Err: err}
	}
	return text, nil
}
