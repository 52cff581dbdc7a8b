// Package cache stores conversion results keyed by a content fingerprint.
//
// Backend failures never reach callers: a failed Get is a miss and a failed
// Put is dropped, both logged (throttled) and counted.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"docconv/internal/storage"
	logx "docconv/pkg/logx"
)

// Entry is one cached conversion result.
type Entry struct {
	Filename    string    `json:"filename"`
	Content     string    `json:"content"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	CachedAt    time.Time `json:"cached_at"`
	Fingerprint string    `json:"fingerprint"`
}

type Options struct {
	TTL       time.Duration
	KeyPrefix string
	OpTimeout time.Duration
}

// Cache is safe for concurrent use. A Cache with a nil store is disabled and
// every call is a cheap no-op.
type Cache struct {
	store storage.Store
	opts  Options
	log   logx.Logger
	warn  *logx.Throttle

	hits   atomic.Uint64
	misses atomic.Uint64
	writes atomic.Uint64
	errs   atomic.Uint64
}

func New(store storage.Store, opts Options, log logx.Logger) *Cache {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "docconv:cache:"
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 2 * time.Second
	}
	return &Cache{
		store: store,
		opts:  opts,
		log:   log,
		warn:  logx.NewThrottle(10*time.Second, 3),
	}
}

func (c *Cache) Enabled() bool { return c != nil && c.store != nil }

func (c *Cache) key(fp string) string { return c.opts.KeyPrefix + fp }

// Fingerprint returns the hex SHA-256 of r, hashing in constant memory.
func Fingerprint(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Fingerprint(f)
}

// Short abbreviates a fingerprint for log lines.
func Short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Get returns the cached entry for fp. Backend errors and undecodable
// entries count as misses.
func (c *Cache) Get(ctx context.Context, fp string) (*Entry, bool) {
	if !c.Enabled() || fp == "" {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()

	b, ok, err := c.store.Get(ctx, c.key(fp))
	if err != nil {
		c.degraded("get", fp, err)
		c.misses.Add(1)
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		c.log.Debug("cache miss", logx.String("fp", Short(fp)))
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		c.degraded("decode", fp, err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.log.Debug("cache hit", logx.String("fp", Short(fp)), logx.String("filename", e.Filename))
	return &e, true
}

// Put stores e under fp, overwriting any previous entry. It reports whether
// the write reached the backend.
func (c *Cache) Put(ctx context.Context, fp string, e Entry) bool {
	if !c.Enabled() || fp == "" {
		return false
	}
	if e.CachedAt.IsZero() {
		e.CachedAt = time.Now().UTC()
	}
	e.Fingerprint = fp
	b, err := json.Marshal(e)
	if err != nil {
		c.degraded("encode", fp, err)
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	if err := c.store.Set(ctx, c.key(fp), b, c.opts.TTL); err != nil {
		c.degraded("put", fp, err)
		return false
	}
	c.writes.Add(1)
	return true
}

func (c *Cache) degraded(op, fp string, err error) {
	c.errs.Add(1)
	c.warn.Warn(c.log, "cache backend failed; continuing without cache",
		logx.String("op", op),
		logx.String("fp", Short(fp)),
		logx.String("backend", c.store.Name()),
		logx.Err(err),
	)
}

// Clear deletes entries matching pattern; "" clears every entry under the
// key prefix. A pattern without the prefix is scoped under it.
func (c *Cache) Clear(ctx context.Context, pattern string) (int, error) {
	if !c.Enabled() {
		return 0, storage.ErrDisabled
	}
	n, err := c.store.DeleteMatch(ctx, c.scope(pattern))
	if err != nil {
		c.errs.Add(1)
		return n, err
	}
	c.log.Info("cache cleared", logx.String("pattern", c.scope(pattern)), logx.Int("removed", n))
	return n, nil
}

func (c *Cache) scope(pattern string) string {
	if pattern == "" {
		return c.opts.KeyPrefix + "*"
	}
	if strings.HasPrefix(pattern, c.opts.KeyPrefix) {
		return pattern
	}
	return c.opts.KeyPrefix + pattern
}

// Stats is the payload of GET /v1/cache/stats.
type Stats struct {
	Enabled  bool              `json:"enabled"`
	Backend  string            `json:"backend,omitempty"`
	Entries  int               `json:"entries"`
	Hits     uint64            `json:"hits"`
	Misses   uint64            `json:"misses"`
	Writes   uint64            `json:"writes"`
	Errors   uint64            `json:"errors"`
	TTLHours float64           `json:"cache_ttl_hours"`
	Info     map[string]string `json:"info,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func (c *Cache) Stats(ctx context.Context) Stats {
	if !c.Enabled() {
		return Stats{Enabled: false}
	}
	st := Stats{
		Enabled:  true,
		Backend:  c.store.Name(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Writes:   c.writes.Load(),
		Errors:   c.errs.Load(),
		TTLHours: c.opts.TTL.Hours(),
	}
	n, err := c.store.Count(ctx, c.opts.KeyPrefix+"*")
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Entries = n
	if info, err := c.store.Info(ctx); err == nil {
		st.Info = info
	} else {
		st.Error = err.Error()
	}
	return st
}

// Close releases the backend.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.store.Close()
}
