package httpapi

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	rtsup "docconv/internal/runtime/supervisor"
	"docconv/internal/task"
	"docconv/internal/task/engine"
	logx "docconv/pkg/logx"
)

type submitResponse struct {
	TaskID   string      `json:"task_id"`
	Status   task.Status `json:"status"`
	Filename string      `json:"filename"`
	Size     int64       `json:"size"`
}

type convertResponse struct {
	TaskID      string `json:"task_id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content"`
	DurationMS  int64  `json:"duration_ms"`
	FromCache   bool   `json:"from_cache"`
}

type healthResponse struct {
	Status  string           `json:"status"`
	Service string           `json:"service"`
	Queue   engine.QueueInfo `json:"queue"`
	Workers *rtsup.Snapshot  `json:"workers,omitempty"` // ?verbose=1
}

// filePart advances the multipart stream to the "file" field without
// buffering the body.
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errMissingFile
		}
		if err != nil {
			return nil, err
		}
		if p.FormName() == "file" {
			return p, nil
		}
		_ = p.Close()
	}
}

func (s *Service) submit(ctx context.Context, r *http.Request) (string, error) {
	p, err := filePart(r)
	if err != nil {
		return "", err
	}
	defer p.Close()
	return s.engine.Submit(ctx, p, p.FileName(), p.Header.Get("Content-Type"))
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, err := s.submit(r.Context(), r)
	if err != nil {
		writeErr(w, err)
		return
	}
	t, _ := s.engine.Get(id)
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: id, Status: t.Status, Filename: t.Filename, Size: t.Size})
}

// handleConvert submits through the engine and waits for the terminal state,
// so synchronous conversions share the gate and the cache.
func (s *Service) handleConvert(w http.ResponseWriter, r *http.Request) {
	// The upload is bounded by the server's read timeout, not SyncTimeout;
	// SyncTimeout only covers waiting for the result.
	id, err := s.submit(r.Context(), r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx := r.Context()
	if s.cfg.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SyncTimeout)
		defer cancel()
	}
	t, err := s.engine.Wait(ctx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, codeTimeout, "conversion still running; poll the task", map[string]string{"task_id": id})
			return
		}
		if r.Context().Err() != nil {
			s.log.Debug("client went away", logx.String("task", id))
			return
		}
		writeErr(w, err)
		return
	}

	switch t.Status {
	case task.StatusCompleted:
		resp := convertResponse{
			TaskID:      t.ID,
			Filename:    t.Filename,
			Size:        t.Size,
			ContentType: t.ContentType,
			FromCache:   t.FromCache,
		}
		if t.Result != nil {
			resp.Content = *t.Result
		}
		if t.DurationMS != nil {
			resp.DurationMS = *t.DurationMS
		}
		writeJSON(w, http.StatusOK, resp)
	case task.StatusFailed:
		msg := "conversion failed"
		if t.Error != nil {
			msg = *t.Error
		}
		writeError(w, http.StatusUnprocessableEntity, codeParse, msg, map[string]string{"task_id": t.ID})
	default:
		// The engine stopped before the task ran.
		writeError(w, http.StatusServiceUnavailable, codeStopping, "conversion did not run", map[string]string{"task_id": t.ID})
	}
}

func (s *Service) handleTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.engine.Get(r.PathValue("id"))
	if !ok {
		writeErr(w, task.ErrTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.QueueInfo())
}

func (s *Service) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := s.cfg.CleanupMaxAge
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := strconv.ParseFloat(raw, 64)
		if err != nil || h < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidParam, "hours must be a non-negative number", map[string]string{"hours": raw})
			return
		}
		maxAge = time.Duration(h * float64(time.Hour))
	}
	n := s.engine.Cleanup(maxAge)
	writeJSON(w, http.StatusOK, map[string]any{"removed": n, "max_age_hours": maxAge.Hours()})
}

func (s *Service) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}

func (s *Service) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	n, err := s.cache.Clear(r.Context(), pattern)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (s *Service) handleSupportedTypes(w http.ResponseWriter, r *http.Request) {
	exts := s.engine.Converters().Extensions()
	writeJSON(w, http.StatusOK, map[string]any{"supported_extensions": exts, "total_count": len(exts)})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	q := s.engine.QueueInfo()
	resp := healthResponse{Status: "healthy", Service: serviceName, Queue: q}
	if v := r.URL.Query().Get("verbose"); v == "1" || v == "true" {
		snap := s.engine.Supervisor().Snapshot()
		resp.Workers = &snap
	}
	if !q.Running {
		resp.Status = "stopped"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
