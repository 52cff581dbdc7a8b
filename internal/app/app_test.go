package app

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"docconv/internal/config"
	"docconv/internal/task"
)

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestHeadlessConvert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, err := New(ctx, Options{LogLevel: "ERROR", Headless: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.HTTP() != nil || a.Scheduler() != nil {
		t.Fatalf("headless app built outer surfaces")
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopApp(t, a)

	id, err := a.Engine().Submit(ctx, strings.NewReader("a,b\n1,2\n"), "table.csv", "text/csv")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := a.Engine().Wait(wctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.Status != task.StatusCompleted || got.Result == nil || !strings.Contains(*got.Result, "| a | b |") {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestServeAndReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
  "server": {"addr": "127.0.0.1:0"},
  "logging": {"level": "ERROR"},
  "upload": {"temp_dir": "` + filepath.ToSlash(dir) + `"},
  "reaper": {"schedule": "interval:1h"}
}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	a, err := New(ctx, Options{ConfigPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopApp(t, a)

	deadline := time.Now().Add(3 * time.Second)
	for a.HTTP().Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("listener never came up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	base := "http://" + a.HTTP().Addr()

	if code := postFile(t, base+"/v1/convert", "note.txt", "hello"); code != http.StatusOK {
		t.Fatalf("convert status=%d", code)
	}
	jobs := a.Scheduler().Jobs()
	if len(jobs) != 1 || jobs[0].Name != reaperJob || jobs[0].Spec != "@every 1h0m0s" {
		t.Fatalf("jobs=%+v", jobs)
	}

	// Live sections: rate limit and reaper.
	next := *a.Config()
	next.Server.RatePerSec, next.Server.Burst = 0.001, 1
	off := false
	next.Reaper.Enabled = &off
	a.applyConfig(&next)

	if code := postFile(t, base+"/v1/tasks", "a.txt", "one"); code != http.StatusAccepted {
		t.Fatalf("first submit status=%d", code)
	}
	if code := postFile(t, base+"/v1/tasks", "b.txt", "two"); code != http.StatusTooManyRequests {
		t.Fatalf("second submit status=%d", code)
	}
	if jobs := a.Scheduler().Jobs(); len(jobs) != 0 {
		t.Fatalf("reaper still scheduled: %+v", jobs)
	}
	if a.Config() != &next {
		t.Fatalf("config not swapped")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  driver: sqlite\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), Options{ConfigPath: path}); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults(&config.Config{})
	cfg.Upload.MaxFileSizeMB = 2
	cfg.Queue.SingleFlight = true
	ec, err := mapEngineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ec.MaxFileSize != 2<<20 || !ec.SingleFlight || ec.SubmitWait != 5*time.Second || ec.MaxConcurrent != config.DefaultMaxConcurrent {
		t.Fatalf("engine config: %+v", ec)
	}

	cfg.Server.SubmitWait = "later"
	if _, err := mapEngineConfig(cfg); err == nil {
		t.Fatal("bad submit_wait accepted")
	}
}

func postFile(t *testing.T, url, name, content string) int {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()
	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}
