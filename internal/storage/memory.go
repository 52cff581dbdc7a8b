package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	val []byte
	exp int64 // unix milli, 0 = never
}

// Memory is a process-local store. Expired entries are dropped lazily on
// read and swept every pruneEvery writes.
type Memory struct {
	mu     sync.Mutex
	m      map[string]memEntry
	writes int
	closed bool
	now    func() time.Time
}

const memPruneEvery = 256

func NewMemory() *Memory {
	return &Memory{m: map[string]memEntry{}, now: time.Now}
}

func (s *Memory) Name() string { return "memory" }

func (s *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	e, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	if expired(e.exp, s.now().UnixMilli()) {
		delete(s.m, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.val...), true, nil
}

func (s *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := s.now()
	s.m[key] = memEntry{val: append([]byte(nil), val...), exp: expiryMillis(now, ttl)}
	s.writes++
	if s.writes%memPruneEvery == 0 {
		s.pruneLocked(now.UnixMilli())
	}
	return nil
}

func (s *Memory) pruneLocked(nowMS int64) {
	for k, e := range s.m {
		if expired(e.exp, nowMS) {
			delete(s.m, k)
		}
	}
}

func (s *Memory) DeleteMatch(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	nowMS := s.now().UnixMilli()
	n := 0
	for k, e := range s.m {
		if !matchGlob(pattern, k) {
			continue
		}
		delete(s.m, k)
		if !expired(e.exp, nowMS) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) Count(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	nowMS := s.now().UnixMilli()
	n := 0
	for k, e := range s.m {
		if !expired(e.exp, nowMS) && matchGlob(pattern, k) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) Info(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]string{"keys": strconv.Itoa(len(s.m))}, nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.m = map[string]memEntry{}
	s.mu.Unlock()
	return nil
}
