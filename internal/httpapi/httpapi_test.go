package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docconv/internal/cache"
	"docconv/internal/converter"
	"docconv/internal/storage"
	"docconv/internal/task/engine"
	logx "docconv/pkg/logx"
)

func newTestAPI(t *testing.T, cfg Config, ecfg engine.Config) (*Service, *engine.Service) {
	t.Helper()
	c := cache.New(storage.NewMemory(), cache.Options{TTL: time.Hour}, logx.Nop())
	ecfg.TempDir = t.TempDir()
	eng := engine.New(ecfg, converter.NewDefaultRegistry(converter.Options{}, nil), c, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return New(cfg, eng, c, logx.Nop()), eng
}

func upload(t *testing.T, target, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func TestConvertSyncUsesCache(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t, Config{}, engine.Config{MaxConcurrent: 2})
	h := api.Handler()

	w := serve(h, upload(t, "/v1/convert", "hello.txt", "hello world"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[convertResponse](t, w)
	assert.Contains(t, first.Content, "hello world")
	assert.Equal(t, "hello.txt", first.Filename)
	assert.EqualValues(t, 11, first.Size)
	assert.False(t, first.FromCache)

	w = serve(h, upload(t, "/v1/convert", "again.txt", "hello world"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := decode[convertResponse](t, w)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Content, second.Content)
	assert.NotEqual(t, first.TaskID, second.TaskID)

	w = serve(h, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[cache.Stats](t, w)
	assert.True(t, st.Enabled)
	assert.Equal(t, 1, st.Entries)
	assert.EqualValues(t, 1, st.Hits)

	w = serve(h, httptest.NewRequest(http.MethodDelete, "/v1/cache", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["cleared"])
}

func TestConvertSyncTimeoutExcludesUpload(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t, Config{SyncTimeout: 50 * time.Millisecond}, engine.Config{})
	h := api.Handler()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		fw, err := mw.CreateFormFile("file", "slow.txt")
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		for i := 0; i < 4; i++ {
			_, _ = fmt.Fprintf(fw, "line %d\n", i)
			time.Sleep(50 * time.Millisecond)
		}
		_ = pw.CloseWithError(mw.Close())
	}()
	req := httptest.NewRequest(http.MethodPost, "/v1/convert", pr)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	w := serve(h, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, decode[convertResponse](t, w).Content, "line 3")
}

func TestClassifyContextErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("read upload: %w", context.DeadlineExceeded), http.StatusRequestTimeout, codeRequestTimeout},
		{context.Canceled, statusClientClosedRequest, codeClientClosed},
		{errors.New("disk on fire"), http.StatusInternalServerError, codeInternal},
	}
	for _, tc := range tests {
		status, code, _ := classify(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestSubmitAndPoll(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t, Config{}, engine.Config{})
	h := api.Handler()

	w := serve(h, upload(t, "/v1/tasks", "notes.md", "# Title\n\nbody"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	sub := decode[submitResponse](t, w)
	require.NotEmpty(t, sub.TaskID)
	assert.Equal(t, "notes.md", sub.Filename)

	require.Eventually(t, func() bool {
		w := serve(h, httptest.NewRequest(http.MethodGet, "/v1/tasks/"+sub.TaskID, nil))
		if w.Code != http.StatusOK {
			return false
		}
		return decode[map[string]any](t, w)["status"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	w = serve(h, httptest.NewRequest(http.MethodGet, "/v1/tasks/"+sub.TaskID, nil))
	got := decode[map[string]any](t, w)
	assert.Contains(t, got["result"], "body")
	assert.NotEmpty(t, got["fingerprint"])

	w = serve(h, httptest.NewRequest(http.MethodGet, "/v1/tasks/nope", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, codeNotFound, decode[errorBody](t, w).Code)

	w = serve(h, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))
	require.Equal(t, http.StatusOK, w.Code)
	q := decode[engine.QueueInfo](t, w)
	assert.EqualValues(t, 1, q.Submitted)
	assert.Equal(t, 5, q.MaxConcurrent)
}

func TestSubmitRejections(t *testing.T) {
	t.Parallel()
	api, eng := newTestAPI(t, Config{}, engine.Config{MaxFileSize: 16})
	h := api.Handler()

	notMultipart := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader("raw"))
	notMultipart.Header.Set("Content-Type", "text/plain")

	var noFile bytes.Buffer
	mw := multipart.NewWriter(&noFile)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())
	missing := httptest.NewRequest(http.MethodPost, "/v1/tasks", &noFile)
	missing.Header.Set("Content-Type", mw.FormDataContentType())

	cases := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{"unsupported", upload(t, "/v1/tasks", "data.xyz", "abc"), http.StatusUnsupportedMediaType, codeUnsupportedType},
		{"empty", upload(t, "/v1/tasks", "empty.txt", ""), http.StatusUnprocessableEntity, codeEmptyFile},
		{"too large", upload(t, "/v1/convert", "big.txt", strings.Repeat("x", 64)), http.StatusRequestEntityTooLarge, codeTooLarge},
		{"not multipart", notMultipart, http.StatusUnprocessableEntity, codeInvalidFile},
		{"missing file", missing, http.StatusUnprocessableEntity, codeInvalidFile},
	}
	for _, tc := range cases {
		w := serve(h, tc.req)
		require.Equal(t, tc.status, w.Code, "%s: %s", tc.name, w.Body.String())
		body := decode[errorBody](t, w)
		assert.Equal(t, tc.code, body.Code, tc.name)
		assert.NotEmpty(t, body.Message, tc.name)
	}

	w := serve(h, upload(t, "/v1/tasks", "data.xyz", "abc"))
	detail := decode[errorBody](t, w).Detail.(map[string]any)
	assert.Contains(t, detail["supported_extensions"], ".txt")

	assert.Zero(t, eng.QueueInfo().TotalTasks)
}

func TestAuth(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t, Config{Token: "s3cret"}, engine.Config{})
	h := api.Handler()

	w := serve(h, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, codeUnauthorized, decode[errorBody](t, w).Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, serve(h, req).Code)

	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/v1/queue?token=s3cret", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestRateLimitIsLive(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t, Config{RatePerSec: 0.001, Burst: 1}, engine.Config{})
	h := api.Handler()

	require.Equal(t, http.StatusAccepted, serve(h, upload(t, "/v1/tasks", "a.txt", "one")).Code)
	w := serve(h, upload(t, "/v1/tasks", "b.txt", "two"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, codeRateLimited, decode[errorBody](t, w).Code)

	// Reads are never limited.
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/v1/queue", nil)).Code)

	api.SetRateLimit(0, 0)
	assert.Equal(t, http.StatusAccepted, serve(h, upload(t, "/v1/tasks", "c.txt", "three")).Code)
}

func TestCleanupEndpoint(t *testing.T) {
	t.Parallel()
	api, eng := newTestAPI(t, Config{}, engine.Config{})
	h := api.Handler()

	w := serve(h, httptest.NewRequest(http.MethodPost, "/v1/admin/cleanup?hours=soon", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, codeInvalidParam, decode[errorBody](t, w).Code)

	require.Equal(t, http.StatusOK, serve(h, upload(t, "/v1/convert", "x.txt", "x")).Code)

	w = serve(h, httptest.NewRequest(http.MethodPost, "/v1/admin/cleanup", nil))
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.EqualValues(t, 0, got["removed"])
	assert.EqualValues(t, 24, got["max_age_hours"])

	require.Eventually(t, func() bool {
		w := serve(h, httptest.NewRequest(http.MethodPost, "/v1/admin/cleanup?hours=0", nil))
		return decode[map[string]any](t, w)["removed"] == float64(1)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, eng.QueueInfo().TotalTasks)
}

func TestSupportedTypesAndHealth(t *testing.T) {
	t.Parallel()
	api, eng := newTestAPI(t, Config{}, engine.Config{})
	h := api.Handler()

	w := serve(h, httptest.NewRequest(http.MethodGet, "/v1/supported-types", nil))
	require.Equal(t, http.StatusOK, w.Code)
	types := decode[struct {
		Supported []string `json:"supported_extensions"`
		Total     int      `json:"total_count"`
	}](t, w)
	assert.Equal(t, len(types.Supported), types.Total)
	assert.Contains(t, types.Supported, ".pdf")
	assert.Contains(t, types.Supported, ".csv")

	w = serve(h, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[healthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "docconv", health.Service)
	assert.True(t, health.Queue.Running)
	assert.Nil(t, health.Workers)

	w = serve(h, httptest.NewRequest(http.MethodGet, "/v1/health?verbose=1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	verbose := decode[healthResponse](t, w)
	require.NotNil(t, verbose.Workers)
	assert.GreaterOrEqual(t, verbose.Workers.Counters.Started, uint64(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	eng.Stop(ctx)
	w = serve(h, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = serve(h, upload(t, "/v1/tasks", "late.txt", "late"))
	assert.Equal(t, codeStopping, decode[errorBody](t, w).Code)
}

func TestListenerLifecycle(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t, Config{Addr: "127.0.0.1:0"}, engine.Config{})
	ctx := context.Background()
	api.Start(ctx)
	api.Start(ctx)

	require.Eventually(t, func() bool { return api.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	resp, err := http.Get("http://" + api.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	api.Stop(stopCtx)
	assert.Nil(t, api.Supervisor())
	assert.Empty(t, api.Addr())
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()
	api := New(Config{Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	err := api.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")

	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":80"))
}
