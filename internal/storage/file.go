package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "docconv/pkg/logx"
)

// fileStore keeps every entry in memory and persists it through two files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only sets and tombstones)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	entries      map[string]fileRecord

	writes       int
	compactEvery int
}

type fileRecord struct {
	Key     string `json:"k,omitempty"`
	Val     []byte `json:"v,omitempty"`
	Exp     int64  `json:"e,omitempty"` // unix milli, 0 = never
	Deleted bool   `json:"d,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	p := strings.TrimSpace(cfg.Path)
	if p == "" {
		return nil, errors.New("cache.path is required for file driver")
	}
	dir := filepath.Dir(p)
	base := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	entries := map[string]fileRecord{}
	if err := loadSnapshot(snapPath, entries); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("file store snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, entries); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("file store journal replay stopped early", logx.Err(err))
	}
	pruneRecords(entries, time.Now().UnixMilli())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		entries:      entries,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Name() string { return "file" }

func (s *fileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, false, ErrClosed
	}
	r, ok := s.entries[key]
	if !ok || expired(r.Exp, time.Now().UnixMilli()) {
		return nil, false, nil
	}
	return append([]byte(nil), r.Val...), true, nil
}

func (s *fileStore) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	r := fileRecord{Key: key, Val: append([]byte(nil), val...), Exp: expiryMillis(time.Now(), ttl)}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.entries[key] = r
	s.noteWriteLocked(1)
	return nil
}

func (s *fileStore) DeleteMatch(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	nowMS := time.Now().UnixMilli()
	enc := json.NewEncoder(s.journal)
	n, written := 0, 0
	for k, r := range s.entries {
		if !matchGlob(pattern, k) {
			continue
		}
		if err := enc.Encode(fileRecord{Key: k, Deleted: true}); err != nil {
			return n, err
		}
		written++
		delete(s.entries, k)
		if !expired(r.Exp, nowMS) {
			n++
		}
	}
	s.noteWriteLocked(written)
	return n, nil
}

func (s *fileStore) Count(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	nowMS := time.Now().UnixMilli()
	n := 0
	for k, r := range s.entries {
		if !expired(r.Exp, nowMS) && matchGlob(pattern, k) {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) Info(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]string{
		"snapshot":        s.snapshotPath,
		"keys":            strconv.Itoa(len(s.entries)),
		"journal_pending": strconv.Itoa(s.writes),
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) noteWriteLocked(n int) {
	if n == 0 {
		return
	}
	before := s.writes / s.compactEvery
	s.writes += n
	if s.writes/s.compactEvery != before {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("file store compact failed", logx.Err(err))
		}
	}
}

func (s *fileStore) compactLocked() error {
	pruneRecords(s.entries, time.Now().UnixMilli())

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func loadSnapshot(path string, out map[string]fileRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]fileRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, r := range m {
		r.Key = k
		out[k] = r
	}
	return nil
}

func replayJournal(path string, out map[string]fileRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 256*1024*1024)
	for sc.Scan() {
		var r fileRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		if r.Deleted {
			delete(out, r.Key)
			continue
		}
		out[r.Key] = r
	}
	return sc.Err()
}

func pruneRecords(m map[string]fileRecord, nowMS int64) {
	for k, r := range m {
		if expired(r.Exp, nowMS) {
			delete(m, k)
		}
	}
}
