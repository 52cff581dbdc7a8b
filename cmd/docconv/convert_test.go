package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"docconv/internal/task"
)

type stubEngine struct {
	got string
}

func (s *stubEngine) Submit(_ context.Context, r io.Reader, filename, _ string) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.got = filename + ":" + string(b)
	return "id-1", nil
}

func (s *stubEngine) Wait(_ context.Context, id string) (task.Task, error) {
	res := "converted"
	return task.Task{ID: id, Status: task.StatusCompleted, Result: &res}, nil
}

func TestConvertFile(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(p, []byte("body"), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := &stubEngine{}
	got, err := convertFile(context.Background(), eng, p)
	if err != nil {
		t.Fatal(err)
	}
	if eng.got != "in.txt:body" || got.ID != "id-1" {
		t.Fatalf("submitted %q, task %+v", eng.got, got)
	}
	if _, err := convertFile(context.Background(), eng, filepath.Join(t.TempDir(), "missing.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v", err)
	}
}

func TestPrintResults(t *testing.T) {
	t.Parallel()
	ok, msg := "hello", "boom"
	results := []fileResult{
		{Path: "a.txt", Task: &task.Task{Status: task.StatusCompleted, Result: &ok}},
		{Path: "b.pdf", Task: &task.Task{Status: task.StatusFailed, Error: &msg}},
		{Path: "c.xyz", Err: "unsupported file type"},
	}

	var buf bytes.Buffer
	if failed := printResults(&buf, results, false); failed != 2 {
		t.Fatalf("failed=%d", failed)
	}
	out := buf.String()
	for _, want := range []string{"== a.txt (0 ms, from_cache=false)\nhello", "b.pdf: failed: boom", "c.xyz: error: unsupported"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printResults(&buf, results, true)
	if !strings.Contains(buf.String(), `"path": "c.xyz"`) {
		t.Fatalf("json output: %s", buf.String())
	}
}
